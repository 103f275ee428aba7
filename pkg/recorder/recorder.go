package recorder

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/lxstack/lxmq/pkg/bus"
	"github.com/lxstack/lxmq/pkg/log"
	"github.com/lxstack/lxmq/pkg/metrics"
	"github.com/lxstack/lxmq/pkg/types"
)

// Recorder consumes environment-creation events and records each
// environment document in the store.
type Recorder struct {
	store  *Store
	logger zerolog.Logger
}

// NewRecorder wraps a store with the event consumer.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{
		store:  store,
		logger: log.WithComponent("recorder"),
	}
}

// OnDelivery processes one environment-creation delivery. Failures are
// logged; the delivery is acked either way.
func (r *Recorder) OnDelivery(ctx context.Context, pub bus.Publisher, d amqp.Delivery) {
	result := "ok"
	defer func() {
		metrics.DeliveriesTotal.WithLabelValues(string(types.MessageEnvironmentCreation), result).Inc()
		if err := d.Ack(false); err != nil {
			r.logger.Error().Err(err).Msg("Failed to ack delivery")
		}
	}()

	headers, err := types.ParseHeaders(map[string]any(d.Headers))
	if err != nil {
		result = "error"
		r.logger.Error().Err(err).Msg("Dropping event with bad headers")
		return
	}
	if headers.Type != types.MessageEnvironmentCreation {
		r.logger.Debug().Str("type", string(headers.Type)).Msg("Ignoring event")
		return
	}

	var msg types.CreateMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.Environment == nil {
		result = "error"
		r.logger.Error().Err(err).Msg("Dropping undecodable event")
		return
	}

	if err := r.store.UpsertEnvironment(msg.Environment); err != nil {
		result = "error"
		r.logger.Error().Err(err).Str("environment", msg.Environment.ID).Msg("Failed to record environment")
		return
	}
	r.logger.Info().Str("environment", msg.Environment.ID).Msg("Recorded environment")
}

// Run consumes environment-creation events until ctx is done.
func (r *Recorder) Run(ctx context.Context, cfg bus.Config) error {
	return bus.NewConsumer(cfg, r.OnDelivery).Run(ctx)
}
