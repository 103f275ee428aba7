package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lxstack/lxmq/pkg/log"
	"github.com/lxstack/lxmq/pkg/metrics"
	"github.com/lxstack/lxmq/pkg/types"
)

// Reconnect backoff: bounded exponential, reset once a session has stayed
// up long enough to be considered stable.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	stableUptime   = 60 * time.Second
)

var errChannelClosed = errors.New("delivery channel closed")

// Config describes one consumer's attachment to the bus.
type Config struct {
	URL         string
	Exchange    string
	Queue       string
	Keys        []string
	Workers     int
	Application string
	UserID      string
}

// Publisher sends messages. The bus adapter hands one to every delivery
// callback so handlers can reply and emit events on the same session.
type Publisher interface {
	Publish(exchange, key string, headers *types.MessageHeaders, correlationID string, body []byte) error
}

// DeliveryFunc processes one delivery end to end, including its
// acknowledgement.
type DeliveryFunc func(ctx context.Context, pub Publisher, d amqp.Delivery)

// Consumer attaches a DeliveryFunc to a queue and keeps it attached:
// when the session dies it reconnects after a bounded-exponential backoff.
type Consumer struct {
	cfg    Config
	handle DeliveryFunc
	logger zerolog.Logger
}

// NewConsumer creates a consumer; Run must be called to start it.
func NewConsumer(cfg Config, handle DeliveryFunc) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Consumer{
		cfg:    cfg,
		handle: handle,
		logger: log.WithComponent("bus").With().Str("queue", cfg.Queue).Logger(),
	}
}

// backoff tracks the reconnect delay across sessions.
type backoff struct {
	delay time.Duration
}

// next returns the wait before the next reconnect attempt, given how long
// the session that just ended stayed up, and advances the progression. A
// session that outlived stableUptime resets the progression.
func (b *backoff) next(uptime time.Duration) time.Duration {
	if b.delay == 0 || uptime > stableUptime {
		b.delay = initialBackoff
	}
	delay := b.delay
	b.delay *= 2
	if b.delay > maxBackoff {
		b.delay = maxBackoff
	}
	return delay
}

// Run serves deliveries until ctx is done, reconnecting on session
// failures. In-flight deliveries are never acknowledged across a
// reconnect; redelivery is the upstream's responsibility.
func (c *Consumer) Run(ctx context.Context) error {
	var b backoff
	for {
		started := time.Now()
		err := c.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := b.next(time.Since(started))
		c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Bus session ended, reconnecting")
		metrics.ReconnectsTotal.Inc()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// serve runs one session: dial, declare, consume with a worker pool.
func (c *Consumer) serve(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return err
	}
	for _, key := range c.cfg.Keys {
		if err := ch.QueueBind(c.cfg.Queue, key, c.cfg.Exchange, false, nil); err != nil {
			return err
		}
	}

	if err := ch.Qos(c.cfg.Workers, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	pubCh, err := conn.Channel()
	if err != nil {
		return err
	}
	defer pubCh.Close()
	pub := &channelPublisher{
		ch:          pubCh,
		application: c.cfg.Application,
		userID:      c.cfg.UserID,
	}

	c.logger.Info().Int("workers", c.cfg.Workers).Msg("Consuming")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case d, ok := <-deliveries:
					if !ok {
						return errChannelClosed
					}
					c.handle(gctx, pub, d)
				}
			}
		})
	}
	return g.Wait()
}

// channelPublisher serializes publishes on one channel; amqp channels are
// not safe for concurrent use.
type channelPublisher struct {
	mu          sync.Mutex
	ch          *amqp.Channel
	application string
	userID      string
}

func (p *channelPublisher) Publish(exchange, key string, headers *types.MessageHeaders, correlationID string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Publish(exchange, key, false, false, amqp.Publishing{
		Headers:       amqp.Table(headers.Table()),
		ContentType:   types.JSONContentType,
		CorrelationId: correlationID,
		AppId:         p.application,
		UserId:        p.userID,
		Body:          body,
	})
}
