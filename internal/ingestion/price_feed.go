package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// PriceUpdate is the wire format carried on lend.prices.{tier}.{asset}.
// Prices are 18-decimal fixed point, encoded as decimal strings.
type PriceUpdate struct {
	Asset     string    `json:"asset"`
	PriceWad  string    `json:"price_wad"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceStore keeps the latest primary and secondary quote per asset,
// fed by the NATS price subscriber. Per-asset views implement the
// resolver's feed interfaces.
type PriceStore struct {
	mu        sync.RWMutex
	primary   map[string]quote
	secondary map[string]quote
}

type quote struct {
	price     *big.Int
	updatedAt time.Time
}

func NewPriceStore() *PriceStore {
	return &PriceStore{
		primary:   make(map[string]quote),
		secondary: make(map[string]quote),
	}
}

func (ps *PriceStore) setPrimary(asset string, price *big.Int, at time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.primary[asset] = quote{price: price, updatedAt: at}
}

func (ps *PriceStore) setSecondary(asset string, price *big.Int, at time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.secondary[asset] = quote{price: price, updatedAt: at}
}

// PrimaryFeed returns the primary-feed view for one asset.
func (ps *PriceStore) PrimaryFeed(asset string) *StorePrimaryFeed {
	return &StorePrimaryFeed{store: ps, asset: asset}
}

// SecondaryFeed returns the secondary-feed view for one asset.
func (ps *PriceStore) SecondaryFeed(asset string) *StoreSecondaryFeed {
	return &StoreSecondaryFeed{store: ps, asset: asset}
}

// StorePrimaryFeed adapts one asset's primary quote to oracle.PriceFeed.
type StorePrimaryFeed struct {
	store *PriceStore
	asset string
}

func (f *StorePrimaryFeed) Latest() (*big.Int, time.Time, error) {
	f.store.mu.RLock()
	defer f.store.mu.RUnlock()
	q, ok := f.store.primary[f.asset]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("no primary quote for %s", f.asset)
	}
	return new(big.Int).Set(q.price), q.updatedAt, nil
}

// StoreSecondaryFeed adapts one asset's secondary quote to
// oracle.SecondaryFeed.
type StoreSecondaryFeed struct {
	store *PriceStore
	asset string
}

func (f *StoreSecondaryFeed) Price() (*big.Int, error) {
	f.store.mu.RLock()
	defer f.store.mu.RUnlock()
	q, ok := f.store.secondary[f.asset]
	if !ok {
		return nil, fmt.Errorf("no secondary quote for %s", f.asset)
	}
	return new(big.Int).Set(q.price), nil
}

// PriceSubscriber consumes price updates off JetStream into a PriceStore.
// Consumers use explicit ACK; a malformed update is TERMed, not retried.
type PriceSubscriber struct {
	js        jetstream.JetStream
	store     *PriceStore
	log       zerolog.Logger
	consumers []jetstream.ConsumeContext
}

func NewPriceSubscriber(js jetstream.JetStream, store *PriceStore, log zerolog.Logger) *PriceSubscriber {
	return &PriceSubscriber{
		js:    js,
		store: store,
		log:   log.With().Str("component", "price_subscriber").Logger(),
	}
}

// Subscribe attaches durable consumers for the primary and secondary
// price subjects.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	tiers := []struct {
		subject  string
		consumer string
		apply    func(asset string, price *big.Int, at time.Time)
	}{
		{"lend.prices.primary.>", "ledger-prices-primary", ps.store.setPrimary},
		{"lend.prices.secondary.>", "ledger-prices-secondary", ps.store.setSecondary},
	}

	for _, tier := range tiers {
		apply := tier.apply
		consumer, err := ps.js.CreateOrUpdateConsumer(ctx, "LEND_PRICES", jetstream.ConsumerConfig{
			Durable:       tier.consumer,
			FilterSubject: tier.subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", tier.consumer, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			var upd PriceUpdate
			if err := json.Unmarshal(msg.Data(), &upd); err != nil {
				ps.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("malformed price update")
				msg.Term()
				return
			}
			price, ok := new(big.Int).SetString(upd.PriceWad, 10)
			if !ok || price.Sign() <= 0 {
				ps.log.Warn().Str("price", upd.PriceWad).Str("asset", upd.Asset).Msg("invalid price value")
				msg.Term()
				return
			}
			at := upd.Timestamp
			if at.IsZero() {
				at = time.Now()
			}
			apply(upd.Asset, price, at)
			msg.Ack()
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", tier.consumer, err)
		}
		ps.consumers = append(ps.consumers, cc)
		ps.log.Info().Str("subject", tier.subject).Msg("subscribed")
	}

	return nil
}

// Stop drains the consumers.
func (ps *PriceSubscriber) Stop() {
	for _, cc := range ps.consumers {
		cc.Stop()
	}
}

// EnsurePriceStream creates the inbound price stream.
func EnsurePriceStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "LEND_PRICES",
		Subjects:  []string{"lend.prices.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create price stream: %w", err)
	}
	return nil
}
