package bus

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/lxstack/lxmq/pkg/fault"
	"github.com/lxstack/lxmq/pkg/log"
	"github.com/lxstack/lxmq/pkg/metrics"
	"github.com/lxstack/lxmq/pkg/types"
)

// Handler is the request surface the adapter dispatches into.
type Handler interface {
	HandleCreate(ctx context.Context, msg *types.CreateMessage, user string) (*types.Environment, error)
	HandleOperation(ctx context.Context, msg *types.OperationMessage, user string) (*types.InstanceStatus, error)
}

// Adapter turns bus deliveries into handler calls and handler results into
// exactly one reply each, publishing the instance-creation event on create
// success. Every delivery is acknowledged exactly once, whatever happened
// to it.
type Adapter struct {
	cfg     Config
	handler Handler

	// createKey is the routing key instance-creation events are published
	// under.
	createKey string

	logger zerolog.Logger
}

// NewAdapter builds the API adapter. cfg.Keys binds the request queue;
// createKey routes the downstream creation event.
func NewAdapter(cfg Config, createKey string, handler Handler) *Adapter {
	return &Adapter{
		cfg:       cfg,
		handler:   handler,
		createKey: createKey,
		logger:    log.WithComponent("bus"),
	}
}

// Run consumes the request queue until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	return NewConsumer(a.cfg, a.OnDelivery).Run(ctx)
}

// OnDelivery processes one request delivery.
func (a *Adapter) OnDelivery(ctx context.Context, pub Publisher, d amqp.Delivery) {
	result := "ok"
	msgType := "unknown"
	defer func() {
		metrics.DeliveriesTotal.WithLabelValues(msgType, result).Inc()
		if err := d.Ack(false); err != nil {
			a.logger.Error().Err(err).Msg("Failed to ack delivery")
		}
	}()

	headers, err := types.ParseHeaders(map[string]any(d.Headers))
	if err != nil {
		result = "error"
		a.replyError(pub, d, err)
		return
	}
	msgType = string(headers.Type)

	if d.ContentType != types.JSONContentType {
		result = "error"
		a.replyError(pub, d, fault.New(fault.Validation, "not a valid content-type"))
		return
	}

	a.logger.Info().Str("type", msgType).Str("reply_to", d.ReplyTo).
		Str("app_id", d.AppId).Str("user_id", d.UserId).Msg("Received message")

	switch headers.Type {
	case types.MessageCreate:
		err = a.handleCreate(ctx, pub, d)
	case types.MessageOperation:
		err = a.handleOperation(ctx, pub, d)
	default:
		err = fault.New(fault.Validation, "unhandled message type %s", headers.Type)
	}

	if err != nil {
		result = "error"
		metrics.PipelineFailuresTotal.WithLabelValues(string(fault.KindOf(err))).Inc()
		a.logger.Error().Err(err).Str("type", msgType).Msg("Request failed")
		a.replyError(pub, d, err)
	}
}

func (a *Adapter) handleCreate(ctx context.Context, pub Publisher, d amqp.Delivery) error {
	var msg types.CreateMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return fault.Wrap(fault.Validation, err, "malformed create body")
	}

	env, err := a.handler.HandleCreate(ctx, &msg, d.UserId)
	if err != nil {
		return err
	}

	body, err := json.Marshal(types.CreateMessage{Environment: env})
	if err != nil {
		return err
	}

	if err := a.reply(pub, d, types.MessageResponse, body); err != nil {
		return err
	}

	// The creation event rides the exchange so the proxy configurator and
	// anything else interested can pick it up.
	event := &types.MessageHeaders{
		Type:        types.MessageInstanceCreation,
		User:        a.cfg.UserID,
		Source:      a.cfg.Queue,
		Application: a.cfg.Application,
	}
	if err := pub.Publish(a.cfg.Exchange, a.createKey, event, uuid.NewString(), body); err != nil {
		a.logger.Error().Err(err).Msg("Failed to publish instance-creation event")
	}
	return nil
}

func (a *Adapter) handleOperation(ctx context.Context, pub Publisher, d amqp.Delivery) error {
	var msg types.OperationMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return fault.Wrap(fault.Validation, err, "malformed operation body")
	}

	status, err := a.handler.HandleOperation(ctx, &msg, d.UserId)
	if err != nil {
		return err
	}

	body, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return a.reply(pub, d, types.MessageResponse, body)
}

// reply publishes to the delivery's reply queue via the default exchange.
func (a *Adapter) reply(pub Publisher, d amqp.Delivery, msgType types.MessageType, body []byte) error {
	if d.ReplyTo == "" {
		return nil
	}
	headers := &types.MessageHeaders{
		Type:        msgType,
		User:        a.cfg.UserID,
		Source:      a.cfg.Queue,
		Application: a.cfg.Application,
	}
	return pub.Publish("", d.ReplyTo, headers, d.CorrelationId, body)
}

func (a *Adapter) replyError(pub Publisher, d amqp.Delivery, cause error) {
	body, err := json.Marshal(types.ErrorReply{
		Type:    string(fault.KindOf(cause)),
		Message: fault.MessageOf(cause),
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to encode error reply")
		return
	}
	if err := a.reply(pub, d, types.MessageError, body); err != nil {
		a.logger.Error().Err(err).Msg("Failed to send error reply")
	}
}
