package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"LendLedger/internal/event"
	"LendLedger/internal/observability"
)

// OutboundPublisher mirrors committed operation records to NATS for the
// risk monitor and other downstream consumers. Publishing is best-effort:
// a consumer that misses a record can query the op log directly.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan event.OperationRecord
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewOutboundPublisher(
	js jetstream.JetStream,
	inputChan <-chan event.OperationRecord,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log.With().Str("component", "outbound_publisher").Logger(),
	}
}

// Run drains the publish channel until ctx is cancelled or the channel
// closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, rec); err != nil {
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
				op.log.Warn().
					Err(err).
					Str("op", string(rec.Type)).
					Str("operation_id", rec.OperationID.String()).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, rec event.OperationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	_, err = op.js.Publish(ctx, rec.Subject(), data,
		jetstream.WithMsgID(rec.IdempotencyKey()))
	return err
}

// ConnectNATS dials NATS with retry-friendly defaults and returns the
// JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream context: %w", err)
	}
	return nc, js, nil
}

// EnsureOutboundStream creates the outbound operations stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	// Subjects enumerated per family: lend.prices.> belongs to the
	// inbound price stream and must not overlap.
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name: "LEND_LEDGER_EVENTS",
		Subjects: []string{
			"lend.collateral.>",
			"lend.loans",
			"lend.liquidations",
			"lend.oracle.checkpoint.>",
			"lend.admin",
		},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
