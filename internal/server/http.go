package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"LendLedger/internal/market"
	"LendLedger/internal/observability"
	"LendLedger/internal/oracle"
	"LendLedger/internal/query"
	"LendLedger/internal/rates"
)

// Server exposes the market over HTTP/JSON: state-changing operations,
// read-only risk-monitor queries, the permissionless oracle checkpoint,
// and a bearer-token-gated admin surface.
type Server struct {
	engine   *market.Engine
	resolver *oracle.Resolver
	queries  *query.QueryService

	adminToken string
	metrics    *observability.Metrics
	log        zerolog.Logger

	// registerAsset, when set, wires price feeds for a newly added
	// collateral token into the resolver.
	registerAsset func(symbol string)

	// now is injectable for tests.
	now func() time.Time
}

type ServerParams struct {
	Engine        *market.Engine
	Resolver      *oracle.Resolver
	Queries       *query.QueryService
	AdminToken    string
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
	RegisterAsset func(symbol string)
	Now           func() time.Time
}

func New(p ServerParams) *Server {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		engine:        p.Engine,
		resolver:      p.Resolver,
		queries:       p.Queries,
		adminToken:    p.AdminToken,
		metrics:       p.Metrics,
		log:           p.Logger.With().Str("component", "http_server").Logger(),
		registerAsset: p.RegisterAsset,
		now:           now,
	}
}

// Router builds the chi mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/collateral/deposit", s.instrument("collateral_deposit", s.handleDeposit))
		r.Post("/collateral/withdraw", s.instrument("collateral_withdraw", s.handleWithdraw))
		r.Post("/loans/borrow", s.instrument("loan_borrow", s.handleBorrow))
		r.Post("/loans/repay", s.instrument("loan_repay", s.handleRepay))
		r.Post("/liquidations", s.instrument("liquidate", s.handleLiquidate))
		r.Post("/oracle/checkpoint/{asset}", s.instrument("oracle_checkpoint", s.handleCheckpoint))

		r.Get("/positions/{user}", s.instrument("position", s.handlePosition))
		r.Get("/positions/{user}/healthy", s.instrument("position_healthy", s.handleHealthy))
		r.Get("/positions/{user}/history", s.instrument("position_history", s.handleHistory))
		r.Get("/operations", s.instrument("operations", s.handleOperations))
		r.Get("/market", s.instrument("market", s.handleMarket))
		r.Get("/market/tokens", s.instrument("market_tokens", s.handleTokens))
		r.Get("/oracle", s.instrument("oracle_list", s.handleOracleList))
		r.Get("/oracle/{asset}", s.instrument("oracle_evaluate", s.handleEvaluate))

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Put("/market-config", s.instrument("admin_market_config", s.handleSetMarketConfig))
			r.Put("/rate-model", s.instrument("admin_rate_model", s.handleSetRateModel))
			r.Post("/tokens", s.instrument("admin_add_token", s.handleAddToken))
			r.Put("/tokens/{symbol}", s.instrument("admin_update_token", s.handleUpdateToken))
			r.Put("/oracle/{asset}/thresholds", s.instrument("admin_oracle_thresholds", s.handleSetThresholds))
		})
	})

	return r
}

// ===================================================================
// Middleware
// ===================================================================

func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(endpoint, strconv.Itoa(sw.status)).Inc()
			s.metrics.HTTPDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

// recordOp tracks engine acceptance and latency per operation type.
func (s *Server) recordOp(opType string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	if err != nil {
		s.metrics.OpsRejected.WithLabelValues(opType, string(market.Categorize(err))).Inc()
		return
	}
	s.metrics.OpsApplied.WithLabelValues(opType).Inc()
	s.metrics.OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			s.writeError(w, http.StatusForbidden, "admin surface disabled")
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			s.writeError(w, http.StatusUnauthorized, market.ErrNotAuthorized.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ===================================================================
// Operation handlers
// ===================================================================

type amountRequest struct {
	User   string `json:"user"`
	Token  string `json:"token,omitempty"`
	Amount string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	start := time.Now()
	err := s.engine.DepositCollateral(req.User, req.Token, amount, s.now())
	s.recordOp("deposit", start, err)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	start := time.Now()
	err := s.engine.WithdrawCollateral(req.User, req.Token, amount, s.now())
	s.recordOp("withdraw", start, err)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	start := time.Now()
	err := s.engine.Borrow(req.User, amount, s.now())
	s.recordOp("borrow", start, err)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	start := time.Now()
	err := s.engine.Repay(req.User, amount, s.now())
	s.recordOp("repay", start, err)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type liquidateRequest struct {
	Borrower   string `json:"borrower"`
	Liquidator string `json:"liquidator"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	start := time.Now()
	receipt, err := s.engine.Liquidate(req.Borrower, req.Liquidator, s.now())
	s.recordOp("liquidate", start, err)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if s.metrics != nil {
		outcome := "settled"
		if receipt.BadDebtWad != nil && receipt.BadDebtWad.Sign() > 0 {
			outcome = "bad_debt"
		}
		s.metrics.LiquidationsCompleted.WithLabelValues(outcome).Inc()
		s.metrics.BadDebtTotal.Set(wadApprox(s.engine.TotalBadDebt()))
	}
	s.writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	err := s.resolver.Checkpoint(asset, s.now())
	if s.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "rejected"
		}
		s.metrics.OracleCheckpoints.WithLabelValues(asset, outcome).Inc()
	}
	if err != nil {
		switch {
		case errors.Is(err, oracle.ErrUnknownAsset):
			s.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, oracle.ErrStaleSource):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if price, _, ok := s.resolver.LastKnownGood(asset); ok {
		s.engine.RecordPriceCheckpoint(asset, price, s.now())
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "checkpointed", "asset": asset})
}

// ===================================================================
// Query handlers
// ===================================================================

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	s.writeJSON(w, http.StatusOK, s.engine.Position(user, s.now()))
}

func (s *Server) handleHealthy(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	s.writeJSON(w, http.StatusOK, map[string]bool{
		"healthy": s.engine.Healthy(user, s.now()),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		s.writeError(w, http.StatusNotImplemented, "history queries unavailable")
		return
	}
	user := chi.URLParam(r, "user")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.queries.UserHistory(r.Context(), user, limit)
	if err != nil {
		s.log.Error().Err(err).Str("user", user).Msg("history query failed")
		s.writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"user": user, "operations": entries})
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		s.writeError(w, http.StatusNotImplemented, "operation queries unavailable")
		return
	}
	opType := r.URL.Query().Get("type")
	if opType == "" {
		s.writeError(w, http.StatusBadRequest, "type query parameter required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.queries.OperationsByType(r.Context(), opType, limit)
	if err != nil {
		s.log.Error().Err(err).Str("type", opType).Msg("operations query failed")
		s.writeError(w, http.StatusInternalServerError, "operations query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"type": opType, "operations": entries})
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"config":         s.engine.Config(),
		"totalBorrows":   s.engine.TotalBorrows(now).String(),
		"utilizationBps": s.engine.UtilizationBps(now),
		"borrowRateBps":  s.engine.BorrowRateBps(now),
		"treasuryWad":    s.engine.TreasuryBalance().String(),
		"badDebtWad":     s.engine.TotalBadDebt().String(),
	})
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": s.engine.Tokens()})
}

func (s *Server) handleOracleList(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	assets := s.resolver.Assets()
	evals := make([]oracle.Evaluation, 0, len(assets))
	for _, asset := range assets {
		evals = append(evals, s.resolver.Evaluate(asset, now))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"assets": evals})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	ev := s.resolver.Evaluate(asset, s.now())
	if s.metrics != nil {
		s.metrics.OracleConfidence.WithLabelValues(asset).Set(float64(ev.Confidence))
		s.metrics.OracleRiskScore.WithLabelValues(asset).Set(float64(ev.RiskScore))
		s.metrics.OracleSource.WithLabelValues(asset, string(ev.Source)).Inc()
	}
	s.writeJSON(w, http.StatusOK, ev)
}

// wadApprox converts an 18-decimal fixed-point amount into a float64
// for gauge export. Precision loss is fine for dashboards.
func wadApprox(x *big.Int) float64 {
	if x == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(x), big.NewFloat(1e18)).Float64()
	return f
}

// ===================================================================
// Admin handlers
// ===================================================================

func (s *Server) handleSetMarketConfig(w http.ResponseWriter, r *http.Request) {
	var cfg market.MarketConfig
	if !s.decode(w, r, &cfg) {
		return
	}
	if err := s.engine.SetMarketConfig(cfg, s.now()); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSetRateModel(w http.ResponseWriter, r *http.Request) {
	var model rates.JumpRateModel
	if !s.decode(w, r, &model) {
		return
	}
	if err := s.engine.SetRateModel(model, s.now()); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, model)
}

type addTokenRequest struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

func (s *Server) handleAddToken(w http.ResponseWriter, r *http.Request) {
	var req addTokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.AddCollateralToken(req.Symbol, req.Decimals, s.now()); err != nil {
		s.writeEngineError(w, err)
		return
	}
	if s.registerAsset != nil {
		s.registerAsset(req.Symbol)
	}
	s.writeJSON(w, http.StatusCreated, req)
}

type thresholdsRequest struct {
	Freshness             string `json:"freshness"`
	DeviationToleranceBps int64  `json:"deviationToleranceBps"`
	DeviationCriticalBps  int64  `json:"deviationCriticalBps"`
	HalfLife              string `json:"halfLife"`
	LKGMaxAge             string `json:"lkgMaxAge"`
}

func (s *Server) handleSetThresholds(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	var req thresholdsRequest
	if !s.decode(w, r, &req) {
		return
	}

	th := oracle.DefaultThresholds()
	var err error
	if req.Freshness != "" {
		if th.Freshness, err = time.ParseDuration(req.Freshness); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid freshness duration")
			return
		}
	}
	if req.HalfLife != "" {
		if th.HalfLife, err = time.ParseDuration(req.HalfLife); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid halfLife duration")
			return
		}
	}
	if req.LKGMaxAge != "" {
		if th.LKGMaxAge, err = time.ParseDuration(req.LKGMaxAge); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid lkgMaxAge duration")
			return
		}
	}
	if req.DeviationToleranceBps > 0 {
		th.DeviationTolerance = req.DeviationToleranceBps
	}
	if req.DeviationCriticalBps > 0 {
		th.DeviationCritical = req.DeviationCriticalBps
	}

	if err := s.resolver.SetThresholds(asset, th); err != nil {
		if errors.Is(err, oracle.ErrUnknownAsset) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "asset": asset})
}

type updateTokenRequest struct {
	Supported     *bool `json:"supported,omitempty"`
	DepositPaused *bool `json:"depositPaused,omitempty"`
}

func (s *Server) handleUpdateToken(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	var req updateTokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Supported != nil {
		if err := s.engine.SetTokenSupported(symbol, *req.Supported); err != nil {
			s.writeEngineError(w, err)
			return
		}
	}
	if req.DepositPaused != nil {
		if err := s.engine.SetTokenDepositPaused(symbol, *req.DepositPaused); err != nil {
			s.writeEngineError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "symbol": symbol})
}

// ===================================================================
// Encoding helpers
// ===================================================================

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func parseAmount(raw string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, false
	}
	return amount, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps engine error categories onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch market.Categorize(err) {
	case market.CategoryValidation:
		status = http.StatusBadRequest
	case market.CategoryHealth, market.CategoryLedger:
		status = http.StatusConflict
	case market.CategoryCapacity:
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{
		"error":    err.Error(),
		"category": string(market.Categorize(err)),
	})
}
