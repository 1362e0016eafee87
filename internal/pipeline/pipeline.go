// Package pipeline wires the connection manager, the dedup/throttle stage,
// the batch scheduler and the windowed history list into one live feed.
package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/livefeed/internal/batch"
	"github.com/dgnsrekt/livefeed/internal/clock"
	"github.com/dgnsrekt/livefeed/internal/connection"
	"github.com/dgnsrekt/livefeed/internal/event"
	"github.com/dgnsrekt/livefeed/internal/throttle"
	"github.com/dgnsrekt/livefeed/internal/window"
)

// Surface is the display the pipeline paints: grouped mutation batches for
// live elements plus the windowed event history.
type Surface interface {
	Apply(muts []batch.Mutation) error
	window.Renderer[event.Event]
}

// Config bundles every component's configuration.
type Config struct {
	Connection connection.Config
	Throttle   throttle.Config
	Batch      batch.Config
	Window     window.Config
}

// Snapshot is the combined statistics of every component.
type Snapshot struct {
	Connection connection.Stats `json:"connection"`
	Throttle   throttle.Stats   `json:"throttle"`
	Batch      batch.Stats      `json:"batch"`
	Window     window.Stats     `json:"window"`
	Delivered  uint64           `json:"delivered"`
}

// Option customizes a Pipeline.
type Option func(*options)

type options struct {
	clock  clock.Clock
	logger *zap.Logger
	dialer connection.Dialer
	mapper MapFunc
}

// WithClock drives every component from c.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithDialer replaces the websocket dialer.
func WithDialer(d connection.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithMapper replaces DefaultMapper.
func WithMapper(f MapFunc) Option { return func(o *options) { o.mapper = f } }

// Pipeline is a live feed from one channel to one surface.
type Pipeline struct {
	logger    *zap.Logger
	mapper    MapFunc
	conn      *connection.Manager
	throttler *throttle.Throttler
	scheduler *batch.Scheduler[batch.Mutation]
	history   *window.List[event.Event]

	mu        sync.Mutex
	delivered uint64
	err       error
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a Pipeline painting onto surface.
func New(cfg Config, surface Surface, opts ...Option) (*Pipeline, error) {
	o := options{mapper: DefaultMapper}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	p := &Pipeline{
		logger: o.logger,
		mapper: o.mapper,
		done:   make(chan struct{}),
	}

	var err error
	p.throttler, err = throttle.New(cfg.Throttle, o.clock, o.logger.Named("throttle"), p.deliver)
	if err != nil {
		return nil, err
	}
	p.scheduler = batch.NewGrouped(cfg.Batch, o.clock, o.logger.Named("batch"), surface.Apply)
	p.history, err = window.New[event.Event](cfg.Window, o.clock, o.logger.Named("window"), surface)
	if err != nil {
		return nil, err
	}

	connOpts := []connection.Option{
		connection.WithClock(o.clock),
		connection.WithLogger(o.logger.Named("connection")),
	}
	if o.dialer != nil {
		connOpts = append(connOpts, connection.WithDialer(o.dialer))
	}
	p.conn, err = connection.NewManager(cfg.Connection, p, connOpts...)
	if err != nil {
		return nil, err
	}

	p.history.SetItems(nil)
	return p, nil
}

// Start begins the periodic throttle flush and connects. Cancelling ctx
// disconnects.
func (p *Pipeline) Start(ctx context.Context) error {
	p.throttler.Start()
	return p.conn.Connect(ctx)
}

// Close disconnects, applies whatever is still queued and tears every
// component down.
func (p *Pipeline) Close() {
	p.conn.Disconnect()
	for _, ev := range p.throttler.Flush() {
		p.deliverOne(ev)
	}
	p.throttler.Destroy()
	p.scheduler.FlushImmediate()
	p.scheduler.Destroy()
	p.history.Destroy()
	p.closeOnce.Do(func() { close(p.done) })
}

// Done is closed when the pipeline is closed or the connection failed for
// good.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Wait blocks until ctx is done or the pipeline finishes. It returns the
// terminal connection error, or nil when ctx ended first or Close was called.
func (p *Pipeline) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-p.done:
		return p.Err()
	}
}

// Err returns the terminal connection error, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Connection exposes the connection manager for sends and retargeting.
func (p *Pipeline) Connection() *connection.Manager { return p.conn }

// History exposes the event history list for scroll and resize signals.
func (p *Pipeline) History() *window.List[event.Event] { return p.history }

// Snapshot returns every component's statistics.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	delivered := p.delivered
	p.mu.Unlock()

	return Snapshot{
		Connection: p.conn.Stats(),
		Throttle:   p.throttler.Stats(),
		Batch:      p.scheduler.Stats(),
		Window:     p.history.Stats(),
		Delivered:  delivered,
	}
}

// OnEvent implements connection.Handler.
func (p *Pipeline) OnEvent(ev event.Event) {
	if r := p.throttler.Process(ev); r.ShouldEmit {
		p.deliverOne(r.Event)
	}
}

// OnStateChange implements connection.Handler.
func (p *Pipeline) OnStateChange(from, to connection.State) {
	p.logger.Debug("connection state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	p.scheduler.Schedule(batch.Mutation{
		Category: batch.CategoryText,
		Target:   StatusTarget,
		Value:    to.String(),
	})
}

// OnFailure implements connection.Handler.
func (p *Pipeline) OnFailure(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.scheduler.FlushImmediate()
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *Pipeline) deliver(evs []event.Event) {
	for _, ev := range evs {
		p.deliverOne(ev)
	}
}

func (p *Pipeline) deliverOne(ev event.Event) {
	p.mu.Lock()
	p.delivered++
	p.mu.Unlock()

	p.history.Append(ev)
	for _, m := range p.mapper(ev) {
		p.scheduler.Schedule(m)
	}
}
