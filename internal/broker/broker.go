// Package broker is the Redis pub/sub transport: publishing for the ingest
// role and subscribing for the consume role.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	backend "github.com/redis/go-redis/v9"

	"github.com/BTreeMap/MemoryPipe/internal/retry"
)

// Defaults for the connection watcher and subscriber pool.
const (
	DefaultPingInterval = 5 * time.Second
	DefaultWorkers      = 8
	poolDrainTimeout    = 5 * time.Second
)

// ErrSubscriptionClosed is returned by Subscribe when Redis closes the delivery channel.
var ErrSubscriptionClosed = errors.New("broker: subscription channel closed")

// Handler processes one delivered message.
type Handler func(ctx context.Context, channel string, payload []byte) error

// Option configures a Client.
type Option func(*Client)

// WithPingInterval sets how often Watch checks the connection.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// WithWorkers sets the subscriber worker pool size.
func WithWorkers(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithBackoff sets the delays between subscribe attempts. MaxAttempts is
// ignored: Subscribe keeps trying until its context is done.
func WithBackoff(p retry.Policy) Option {
	return func(c *Client) { c.backoff = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client wraps a go-redis client and tracks connectivity for the publisher.
type Client struct {
	rdb          *backend.Client
	connected    atomic.Bool
	pingInterval time.Duration
	workers      int
	backoff      retry.Policy
	logger       *slog.Logger
}

// New connects lazily to the Redis server at url (redis:// or rediss://).
func New(url string, opts ...Option) (*Client, error) {
	ropts, err := backend.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return NewFromClient(backend.NewClient(ropts), opts...), nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(rdb *backend.Client, opts ...Option) *Client {
	c := &Client{
		rdb:          rdb,
		pingInterval: DefaultPingInterval,
		workers:      DefaultWorkers,
		backoff:      retry.DefaultPolicy(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Publish sends payload on channel. The outcome updates IsConnected.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		c.setConnected(false, err)
		return fmt.Errorf("redis publish to %s failed: %w", channel, err)
	}
	c.setConnected(true, nil)
	return nil
}

// IsConnected reports the result of the most recent round trip.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Ping checks the connection and updates IsConnected.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		c.setConnected(false, err)
		return fmt.Errorf("redis ping failed: %w", err)
	}
	c.setConnected(true, nil)
	return nil
}

// Watch pings on an interval until ctx is done so IsConnected recovers
// without waiting for traffic.
func (c *Client) Watch(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.pingInterval)
			_ = c.Ping(pingCtx)
			cancel()
		}
	}
}

func (c *Client) setConnected(ok bool, err error) {
	prev := c.connected.Swap(ok)
	if prev == ok {
		return
	}
	if ok {
		c.logger.Info("Client.setConnected: redis connection restored")
	} else {
		c.logger.Warn("Client.setConnected: redis connection lost", "error", err)
	}
}

// Subscribe delivers messages from channels to handler on a worker pool and
// blocks until ctx is done. An unreachable server is retried with backoff.
// Handler errors and panics are logged; they never stop the subscription.
//
// Handlers run on a context that ctx's cancellation does not reach, so a
// message already received is finished during shutdown. Subscribe returns
// once the pool has drained or poolDrainTimeout passed.
func (c *Client) Subscribe(ctx context.Context, channels []string, handler Handler) error {
	pool, err := ants.NewPool(c.workers,
		ants.WithPanicHandler(func(r any) {
			c.logger.Error("Client.Subscribe: handler panicked", "panic", r)
		}),
		ants.WithLogger(poolLogger{c.logger}),
	)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer func() {
		if err := pool.ReleaseTimeout(poolDrainTimeout); err != nil {
			c.logger.Warn("Client.Subscribe: worker pool did not drain", "error", err)
		}
	}()

	pubsub := c.subscribe(ctx, channels)
	if pubsub == nil {
		c.logger.Info("Client.Subscribe: stopped before subscribing")
		return nil
	}
	defer pubsub.Close()
	c.logger.Info("Client.Subscribe: subscribed", "channels", channels, "workers", c.workers)

	handlerCtx := context.WithoutCancel(ctx)
	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Client.Subscribe: stopping")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return ErrSubscriptionClosed
			}
			channel, payload := msg.Channel, []byte(msg.Payload)
			if err := pool.Submit(func() {
				if err := handler(handlerCtx, channel, payload); err != nil {
					c.logger.Error("Client.Subscribe: handler failed", "channel", channel, "error", err)
				}
			}); err != nil {
				c.logger.Error("Client.Subscribe: failed to submit message", "channel", channel, "error", err)
			}
		}
	}
}

// subscribe waits for Redis to confirm the subscription, backing off between
// attempts. It returns nil only when ctx is done first.
func (c *Client) subscribe(ctx context.Context, channels []string) *backend.PubSub {
	for attempt := 1; ; attempt++ {
		pubsub := c.rdb.Subscribe(ctx, channels...)
		_, err := pubsub.Receive(ctx)
		if err == nil {
			c.setConnected(true, nil)
			return pubsub
		}
		_ = pubsub.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.setConnected(false, err)

		delay := c.backoff.Delay(attempt)
		c.logger.Warn("Client.Subscribe: subscribe failed, retrying", "channels", channels, "attempt", attempt, "nextDelay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	c.connected.Store(false)
	return c.rdb.Close()
}

// poolLogger routes ants' Printf logging into slog.
type poolLogger struct {
	logger *slog.Logger
}

func (l poolLogger) Printf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "ants")
}
