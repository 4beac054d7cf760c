// Package publisher delivers serialized messages to the broker through three
// tiers: a direct send with retry, a bounded local queue flushed on an interval,
// and the dead-letter file when neither can take the message.
package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/MemoryPipe/internal/deadletter"
	"github.com/BTreeMap/MemoryPipe/internal/metrics"
	"github.com/BTreeMap/MemoryPipe/internal/retry"
)

// Defaults applied by New when the config leaves a field unset.
const (
	DefaultQueueMaxSize  = 1000
	DefaultFlushInterval = 5 * time.Second
)

// Transport sends one payload to one channel.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	IsConnected() bool
}

// DeadLetterWriter persists messages the publisher gives up on.
type DeadLetterWriter interface {
	Write(channel string, payload []byte, reason deadletter.Reason) error
}

// Config controls retry, queueing and flushing.
type Config struct {
	Retry         retry.Policy
	QueueMaxSize  int
	FlushInterval time.Duration
	Metrics       *metrics.Registry
}

// DefaultConfig returns the default retry policy, queue size and flush interval.
func DefaultConfig() Config {
	return Config{
		Retry:         retry.DefaultPolicy(),
		QueueMaxSize:  DefaultQueueMaxSize,
		FlushInterval: DefaultFlushInterval,
	}
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

type queueItem struct {
	channel string
	payload []byte
}

// Stats is a point-in-time view of the publisher.
type Stats struct {
	QueueDepth   int  `json:"queueDepth"`
	QueueMaxSize int  `json:"queueMaxSize"`
	Connected    bool `json:"connected"`
	Closed       bool `json:"closed"`
}

// Publisher absorbs every delivery failure; Publish never returns an error.
type Publisher struct {
	transport Transport
	sink      DeadLetterWriter
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	queue    []queueItem
	inflight int // taken off the queue by a flush pass, still holding capacity
	closed   bool
	stop     chan struct{}
	loopDone chan struct{}

	// flushMu keeps the ticker flush and the shutdown flush from overlapping.
	flushMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// New creates a Publisher. Call Run to start the periodic flush and Close to drain.
func New(transport Transport, sink DeadLetterWriter, cfg Config, opts ...Option) *Publisher {
	if cfg.QueueMaxSize <= 0 {
		cfg.QueueMaxSize = DefaultQueueMaxSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	p := &Publisher{
		transport: transport,
		sink:      sink,
		cfg:       cfg,
		logger:    slog.Default(),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends payload to channel, retrying with backoff, then queueing, then
// dead-lettering. It never fails from the caller's point of view.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) {
	err := retry.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
		return p.transport.Publish(ctx, channel, payload)
	}, retry.WithLogger(p.logger), retry.WithOnRetry(func(attempt int, err error, next time.Duration) {
		p.logger.Warn("Publisher.Publish: send failed, retrying", "channel", channel, "attempt", attempt, "nextDelay", next, "error", err)
	}))
	if err == nil {
		p.cfg.Metrics.Published(channel, metrics.OutcomeSent)
		return
	}

	p.logger.Warn("Publisher.Publish: retries exhausted, queueing", "channel", channel, "attempts", p.cfg.Retry.MaxAttempts, "error", err)
	p.enqueue(channel, payload)
}

func (p *Publisher) enqueue(channel string, payload []byte) {
	item := queueItem{channel: channel, payload: append([]byte(nil), payload...)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.deadLetter(item, deadletter.ReasonShutdownUnflushed)
		return
	}
	if len(p.queue)+p.inflight >= p.cfg.QueueMaxSize {
		depth := len(p.queue) + p.inflight
		p.mu.Unlock()
		p.logger.Error("Publisher.enqueue: queue full, dead-lettering", "channel", channel, "queueDepth", depth, "queueMaxSize", p.cfg.QueueMaxSize)
		p.deadLetter(item, deadletter.ReasonQueueFull)
		return
	}
	p.queue = append(p.queue, item)
	depth := len(p.queue) + p.inflight
	p.mu.Unlock()

	p.cfg.Metrics.SetQueueDepth(depth)
	p.cfg.Metrics.Published(channel, metrics.OutcomeQueued)
	p.logger.Info("Publisher.enqueue: message queued", "channel", channel, "queueDepth", depth)
}

// Run flushes the queue every FlushInterval until ctx is done or Close is called.
func (p *Publisher) Run(ctx context.Context) {
	p.mu.Lock()
	if p.closed || p.loopDone != nil {
		p.mu.Unlock()
		return
	}
	done := make(chan struct{})
	p.loopDone = done
	p.mu.Unlock()
	defer close(done)

	p.logger.Info("Publisher.Run: starting flush loop", "flushInterval", p.cfg.FlushInterval, "queueMaxSize", p.cfg.QueueMaxSize)

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Publisher.Run: stopping, context done")
			return
		case <-p.stop:
			p.logger.Info("Publisher.Run: stopping")
			return
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// Flush makes one resend pass over the queue when the transport is connected.
// Each item is tried once; failures go to the back of the queue, or to the
// dead-letter file when there is no room left.
func (p *Publisher) Flush(ctx context.Context) {
	if !p.transport.IsConnected() {
		p.logger.Debug("Publisher.Flush: transport disconnected, skipping", "queueDepth", p.QueueDepth())
		return
	}
	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	p.flushLocked(ctx)
}

func (p *Publisher) flushLocked(ctx context.Context) {
	p.mu.Lock()
	batch := p.queue
	p.queue = nil
	p.inflight = len(batch)
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	p.logger.Info("Publisher.Flush: flushing queue", "count", len(batch))

	sent := 0
	for _, item := range batch {
		if err := p.transport.Publish(ctx, item.channel, item.payload); err != nil {
			p.logger.Warn("Publisher.Flush: resend failed", "channel", item.channel, "error", err)
			p.requeue(item)
			continue
		}
		p.mu.Lock()
		p.inflight--
		p.mu.Unlock()
		sent++
		p.cfg.Metrics.Published(item.channel, metrics.OutcomeFlushed)
	}

	depth := p.QueueDepth()
	p.cfg.Metrics.SetQueueDepth(depth)
	p.logger.Info("Publisher.Flush: flush complete", "sent", sent, "failed", len(batch)-sent, "queueDepth", depth)
}

// requeue returns a failed resend to the back of the queue. Once the publisher
// is closed nothing drains the queue again, so the item is dead-lettered.
func (p *Publisher) requeue(item queueItem) {
	p.mu.Lock()
	p.inflight--
	if p.closed {
		p.mu.Unlock()
		p.deadLetter(item, deadletter.ReasonShutdownUnflushed)
		return
	}
	if len(p.queue)+p.inflight < p.cfg.QueueMaxSize {
		p.queue = append(p.queue, item)
		p.mu.Unlock()
		p.cfg.Metrics.Published(item.channel, metrics.OutcomeRequeued)
		return
	}
	p.mu.Unlock()
	p.deadLetter(item, deadletter.ReasonFlushRequeueFull)
}

// Close stops the flush loop, makes one final flush attempt and dead-letters
// whatever is still queued. It is safe to call more than once.
func (p *Publisher) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.stop)
		loopDone := p.loopDone
		p.mu.Unlock()

		if loopDone != nil {
			select {
			case <-loopDone:
			case <-ctx.Done():
			}
		}

		p.flushMu.Lock()
		defer p.flushMu.Unlock()

		if p.transport.IsConnected() && ctx.Err() == nil {
			p.flushLocked(ctx)
		}

		p.mu.Lock()
		remaining := p.queue
		p.queue = nil
		p.mu.Unlock()

		for _, item := range remaining {
			p.deadLetter(item, deadletter.ReasonShutdownUnflushed)
		}
		p.cfg.Metrics.SetQueueDepth(0)
		if len(remaining) > 0 {
			p.logger.Warn("Publisher.Close: dead-lettered unflushed messages", "count", len(remaining))
		}
		p.closeErr = ctx.Err()
		p.logger.Info("Publisher.Close: publisher closed")
	})
	return p.closeErr
}

func (p *Publisher) deadLetter(item queueItem, reason deadletter.Reason) {
	if err := p.sink.Write(item.channel, item.payload, reason); err != nil {
		p.cfg.Metrics.DeadLetterFailed()
		p.logger.Error("Publisher.deadLetter: failed to write dead-letter record", "channel", item.channel, "reason", reason, "error", err)
		return
	}
	p.cfg.Metrics.DeadLettered(string(reason))
	p.cfg.Metrics.Published(item.channel, metrics.OutcomeDeadLetter)
}

// QueueDepth returns the number of held messages, including those a flush
// pass is currently resending.
func (p *Publisher) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) + p.inflight
}

// Stats returns a snapshot for the ops endpoint.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		QueueDepth:   len(p.queue) + p.inflight,
		QueueMaxSize: p.cfg.QueueMaxSize,
		Connected:    p.transport.IsConnected(),
		Closed:       p.closed,
	}
}
