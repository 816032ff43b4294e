package oracle

import (
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	fpmath "LendLedger/internal/math"
)

// Thresholds holds the per-asset guardrails for price resolution.
type Thresholds struct {
	// Freshness is the maximum primary feed age accepted as live.
	Freshness time.Duration
	// DeviationTolerance is the primary/secondary divergence (bps) below
	// which the two feeds count as consensus.
	DeviationTolerance int64
	// DeviationCritical is the divergence (bps) at and beyond which the
	// secondary is distrusted and confidence floors at 25%.
	DeviationCritical int64
	// HalfLife is the confidence half-life of a checkpointed price.
	HalfLife time.Duration
	// LKGMaxAge is the age beyond which a checkpointed price is worthless.
	LKGMaxAge time.Duration
}

// DefaultThresholds returns the bootstrap guardrails: 1h freshness, 2%/5%
// deviation bands, 30min confidence half-life, 24h checkpoint max age.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Freshness:          time.Hour,
		DeviationTolerance: 200,
		DeviationCritical:  500,
		HalfLife:           30 * time.Minute,
		LKGMaxAge:          24 * time.Hour,
	}
}

// Evaluation is a resolved price with its trust annotations. Price is wad,
// Confidence is basis points (10_000 = full trust), RiskScore is 0..100.
type Evaluation struct {
	Asset      string   `json:"asset"`
	Price      *big.Int `json:"price"`
	Confidence int64    `json:"confidence"`
	Source     Source   `json:"source"`
	RiskScore  int64    `json:"riskScore"`
	IsStale    bool     `json:"isStale"`
	Deviation  int64    `json:"deviation"`
}

type assetState struct {
	primary    PriceFeed
	secondary  SecondaryFeed // nil when not configured
	thresholds Thresholds

	lkgPrice    *big.Int // nil until the first checkpoint
	lkgStoredAt time.Time
}

// Resolver resolves USD prices from a primary feed, an optional secondary
// feed, and a decaying last-known-good checkpoint. Evaluation is read-only
// and deterministic given the clock value and feed state; the checkpoint is
// only ever written through Checkpoint, never during an evaluation.
type Resolver struct {
	mu     sync.RWMutex
	assets map[string]*assetState
	log    zerolog.Logger
}

func NewResolver(log zerolog.Logger) *Resolver {
	return &Resolver{
		assets: make(map[string]*assetState),
		log:    log,
	}
}

// Register wires feeds for an asset. secondary may be nil. Re-registering
// replaces the feeds but preserves any stored checkpoint.
func (r *Resolver) Register(asset string, primary PriceFeed, secondary SecondaryFeed, th Thresholds) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.assets[asset]; ok {
		st.primary = primary
		st.secondary = secondary
		st.thresholds = th
		return
	}
	r.assets[asset] = &assetState{
		primary:    primary,
		secondary:  secondary,
		thresholds: th,
	}
}

// SetThresholds swaps the guardrails for an asset atomically.
func (r *Resolver) SetThresholds(asset string, th Thresholds) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.assets[asset]
	if !ok {
		return ErrUnknownAsset
	}
	st.thresholds = th
	return nil
}

// Evaluate resolves the asset's price as of now. It never returns an error:
// total source exhaustion degrades to price 0 / confidence 0, which makes
// the affected collateral read as worthless rather than blocking callers.
func (r *Resolver) Evaluate(asset string, now time.Time) Evaluation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.assets[asset]
	if !ok {
		return unavailable(asset)
	}

	primaryPrice, updatedAt, err := st.primary.Latest()
	primaryLive := err == nil && primaryPrice != nil && primaryPrice.Sign() > 0 &&
		now.Sub(updatedAt) <= st.thresholds.Freshness

	if primaryLive {
		return r.evaluateLive(asset, st, primaryPrice)
	}
	return evaluateFallback(asset, st, now)
}

// evaluateLive handles the fresh-primary branch: the resolved price is
// always the primary's; the secondary only moves confidence and risk.
func (r *Resolver) evaluateLive(asset string, st *assetState, primaryPrice *big.Int) Evaluation {
	th := st.thresholds

	if st.secondary == nil {
		return Evaluation{
			Asset:      asset,
			Price:      new(big.Int).Set(primaryPrice),
			Confidence: fpmath.BpsScale,
			Source:     SourcePrimary,
			RiskScore:  10,
		}
	}

	secondaryPrice, err := st.secondary.Price()
	if err != nil || secondaryPrice == nil || secondaryPrice.Sign() <= 0 {
		// Secondary down: fall back to primary-only at reduced trust.
		return Evaluation{
			Asset:      asset,
			Price:      new(big.Int).Set(primaryPrice),
			Confidence: 7_500,
			Source:     SourcePrimary,
			RiskScore:  20,
		}
	}

	diff := new(big.Int).Sub(primaryPrice, secondaryPrice)
	diff.Abs(diff)
	deviation := fpmath.RatioBps(diff, primaryPrice)

	ev := Evaluation{
		Asset:     asset,
		Price:     new(big.Int).Set(primaryPrice),
		Deviation: deviation,
	}

	switch {
	case deviation < th.DeviationTolerance:
		ev.Confidence = fpmath.BpsScale
		ev.Source = SourceConsensus
		ev.RiskScore = 10
		if th.DeviationTolerance > 0 {
			ev.RiskScore = 10 + 10*deviation/th.DeviationTolerance
		}

	case deviation < th.DeviationCritical:
		// Confidence slides from 1.0 toward 0.5 as the deviation
		// approaches the critical band; risk climbs 20→60.
		span := th.DeviationCritical - th.DeviationTolerance
		excess := deviation - th.DeviationTolerance
		ev.Confidence = fpmath.BpsScale - 5_000*excess/span
		ev.Source = SourceConsensus
		ev.RiskScore = 20 + 40*excess/span

	default:
		ev.Confidence = 2_500
		ev.Source = SourcePrimary
		ev.RiskScore = 60
		if excess := deviation - th.DeviationCritical; excess > 0 {
			ev.RiskScore += 40 * excess / th.DeviationCritical
			if ev.RiskScore > 100 {
				ev.RiskScore = 100
			}
		}
		r.log.Warn().
			Str("asset", asset).
			Int64("deviation_bps", deviation).
			Msg("critical price source divergence")
	}

	return ev
}

// evaluateFallback handles the stale-or-unavailable-primary branch using
// the checkpointed last-known-good price with binary exponential decay.
func evaluateFallback(asset string, st *assetState, now time.Time) Evaluation {
	th := st.thresholds

	if st.lkgPrice == nil {
		return unavailable(asset)
	}

	elapsed := now.Sub(st.lkgStoredAt)
	if elapsed >= th.LKGMaxAge {
		return Evaluation{
			Asset:      asset,
			Price:      new(big.Int).Set(st.lkgPrice),
			Confidence: 0,
			Source:     SourceLastKnownGood,
			RiskScore:  100,
			IsStale:    true,
		}
	}

	// Confidence halves every HalfLife, interpolated linearly inside the
	// current window: lerp(1>>k, 1>>(k+1), frac).
	k := int64(elapsed / th.HalfLife)
	rem := int64(elapsed % th.HalfLife)

	var confidence int64
	if k < 62 {
		hi := int64(fpmath.BpsScale) >> uint(k)
		lo := int64(fpmath.BpsScale) >> uint(k+1)
		confidence = fpmath.LerpBps(hi, lo, rem, int64(th.HalfLife))
	}

	// Risk scales 30 (fresh checkpoint) to 90 (near max age).
	riskScore := int64(30)
	if th.LKGMaxAge > 0 {
		riskScore += 60 * int64(elapsed) / int64(th.LKGMaxAge)
		if riskScore > 90 {
			riskScore = 90
		}
	}

	return Evaluation{
		Asset:      asset,
		Price:      new(big.Int).Set(st.lkgPrice),
		Confidence: confidence,
		Source:     SourceLastKnownGood,
		RiskScore:  riskScore,
		IsStale:    true,
	}
}

func unavailable(asset string) Evaluation {
	return Evaluation{
		Asset:      asset,
		Price:      new(big.Int),
		Confidence: 0,
		Source:     SourceUnavailable,
		RiskScore:  100,
		IsStale:    true,
	}
}

// Checkpoint refreshes the last-known-good price for an asset from a fresh
// primary reading. Permissionless: anyone may call it; it can only ever
// store a price the primary feed is currently vouching for.
func (r *Resolver) Checkpoint(asset string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.assets[asset]
	if !ok {
		return ErrUnknownAsset
	}

	price, updatedAt, err := st.primary.Latest()
	if err != nil || price == nil || price.Sign() <= 0 {
		return ErrStaleSource
	}
	if now.Sub(updatedAt) > st.thresholds.Freshness {
		return ErrStaleSource
	}

	st.lkgPrice = new(big.Int).Set(price)
	st.lkgStoredAt = now

	r.log.Debug().
		Str("asset", asset).
		Str("price", price.String()).
		Msg("last-known-good checkpoint stored")
	return nil
}

// LastKnownGood returns the stored checkpoint, if any.
func (r *Resolver) LastKnownGood(asset string) (price *big.Int, storedAt time.Time, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, found := r.assets[asset]
	if !found || st.lkgPrice == nil {
		return nil, time.Time{}, false
	}
	return new(big.Int).Set(st.lkgPrice), st.lkgStoredAt, true
}

// Assets lists the registered assets.
func (r *Resolver) Assets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.assets))
	for asset := range r.assets {
		out = append(out, asset)
	}
	return out
}
