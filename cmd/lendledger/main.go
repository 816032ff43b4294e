package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"LendLedger/internal/config"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/market"
	"LendLedger/internal/observability"
	"LendLedger/internal/oracle"
	"LendLedger/internal/persistence"
	"LendLedger/internal/query"
	"LendLedger/internal/server"
	"LendLedger/internal/vault"
)

func main() {
	configPath := flag.String("config", os.Getenv("LEND_CONFIG"), "path to YAML config file")
	flag.Parse()

	log := observability.NewLogger("lendledger")
	log.Info().Msg("LendLedger starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, log)
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}
	log.Info().Msg("migrations applied")

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	log.Info().Msg("nats connected")

	if err := ingestion.EnsurePriceStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure price stream")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Price feeds & resolver ---
	priceStore := ingestion.NewPriceStore()
	priceSubscriber := ingestion.NewPriceSubscriber(js, priceStore, log)
	if err := priceSubscriber.Subscribe(ctx); err != nil {
		log.Fatal().Err(err).Msg("subscribe prices")
	}

	resolver := oracle.NewResolver(log)
	registerAsset := func(symbol string) {
		resolver.Register(symbol,
			priceStore.PrimaryFeed(symbol),
			priceStore.SecondaryFeed(symbol),
			oracle.DefaultThresholds())
	}
	registerAsset(cfg.LoanAsset.Symbol)
	for _, tok := range cfg.Tokens {
		registerAsset(tok.Symbol)
	}

	// --- Liquidity pool ---
	seed, err := cfg.Vault.InitialLiquidity()
	if err != nil {
		log.Fatal().Err(err).Msg("parse vault seed")
	}
	pool := vault.NewLiquidityPool(seed)

	// --- Engine wiring ---
	// Persist sends block; publish sends drop. See market.Engine.
	persistChan := make(chan event.OperationRecord, cfg.Channels.PersistBuffer)
	publishChan := make(chan event.OperationRecord, cfg.Channels.PublishBuffer)

	now := time.Now()
	eng, err := market.NewEngine(market.EngineParams{
		Config:       cfg.Market,
		LoanSymbol:   cfg.LoanAsset.Symbol,
		LoanDecimals: cfg.LoanAsset.Decimals,
		RateModel:    cfg.RateModel,
		Resolver:     resolver,
		Vault:        pool,
		Logger:       log,
		PersistChan:  persistChan,
		PublishChan:  publishChan,
		Now:          now,
		OnPublishDrop: func() {
			metrics.PublishDrops.Inc()
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build engine")
	}
	for _, tok := range cfg.Tokens {
		if err := eng.AddCollateralToken(tok.Symbol, tok.Decimals, now); err != nil {
			log.Fatal().Err(err).Str("token", tok.Symbol).Msg("register collateral token")
		}
		if tok.DepositPaused {
			if err := eng.SetTokenDepositPaused(tok.Symbol, true); err != nil {
				log.Fatal().Err(err).Str("token", tok.Symbol).Msg("set deposit pause")
			}
		}
	}

	// --- Services ---
	queryService := query.NewQueryService(db)
	httpServer := server.New(server.ServerParams{
		Engine:        eng,
		Resolver:      resolver,
		Queries:       queryService,
		AdminToken:    cfg.AdminToken,
		Metrics:       metrics,
		Logger:        log,
		RegisterAsset: registerAsset,
	})

	// --- Workers ---
	errChan := make(chan error, 8)

	persistWorker := persistence.NewPersistenceWorker(
		db, persistChan, cfg.Persist.BatchSize, cfg.Persist.FlushTimeout.Std(), metrics, log)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, log)
	go func() {
		errChan <- outboundPublisher.Run(ctx)
	}()

	// Periodic position snapshots for the risk monitor.
	snapshotWriter := persistence.NewSnapshotWriter(db)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t := time.Now()
				for _, view := range eng.Positions(t) {
					if err := snapshotWriter.WritePositionSnapshot(ctx, view.User, view, t); err != nil {
						log.Warn().Err(err).Str("user", view.User).Msg("write position snapshot")
					}
				}
			}
		}
	}()

	// Periodic gauge refresh for the risk dashboards.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t := time.Now()
				metrics.Utilization.Set(float64(eng.UtilizationBps(t)))
				metrics.BorrowRate.Set(float64(eng.BorrowRateBps(t)))
				metrics.TotalBorrows.Set(wadApprox(eng.TotalBorrows(t)))
				metrics.TreasuryWad.Set(wadApprox(eng.TreasuryBalance()))
				metrics.BadDebtTotal.Set(wadApprox(eng.TotalBadDebt()))
				metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
				metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
			}
		}
	}()

	// --- API server ---
	apiServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpServer.Router(),
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http api listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()

	// --- Metrics server with health probes ---
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", healthChecker.LivenessHandler)
	metricsMux.HandleFunc("/readyz", healthChecker.ReadinessHandler)
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Info().
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Str("loan_asset", cfg.LoanAsset.Symbol).
		Msg("LendLedger ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("worker failed, shutting down")
	}

	healthChecker.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	apiServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
	priceSubscriber.Stop()

	// Let the workers drain their channels before the process exits.
	close(persistChan)
	close(publishChan)
	cancel()

	time.Sleep(500 * time.Millisecond)
	log.Info().Msg("LendLedger stopped")
}

// wadApprox converts an 18-decimal fixed-point amount to a float64 for
// gauge export.
func wadApprox(x *big.Int) float64 {
	if x == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(x), big.NewFloat(1e18)).Float64()
	return f
}
