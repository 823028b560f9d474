// Package broker ties the queue store, the submit and fetch listeners and
// the expiry sweeper into one restartable service.
package broker

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meftunca/empbroker/pkg/compression"
	"github.com/meftunca/empbroker/pkg/config"
	"github.com/meftunca/empbroker/pkg/emp"
	"github.com/meftunca/empbroker/pkg/metrics"
	"github.com/meftunca/empbroker/pkg/network"
	"github.com/meftunca/empbroker/pkg/queue"
	"go.uber.org/zap"
)

// State is the broker lifecycle state
type State int32

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Option configures a Broker
type Option func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics sink; by default each broker gets its own registry
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// WithClock replaces time.Now for receipt timestamps and expiry
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// Stats is a point-in-time view of a broker
type Stats struct {
	State     string              `json:"state"`
	StartedAt time.Time           `json:"started_at,omitempty"`
	Uptime    time.Duration       `json:"uptime_ns"`
	Store     queue.StoreStats    `json:"store"`
	Submit    network.ServerStats `json:"submit"`
	Fetch     network.ServerStats `json:"fetch"`
}

// Broker owns the queue store and the three service loops
type Broker struct {
	cfg     *config.Config
	codec   *emp.Codec
	logger  *zap.Logger
	metrics *metrics.PrometheusMetrics
	now     func() time.Time

	// mu serializes Start and Stop
	mu    sync.Mutex
	state int32

	// Per-run state, replaced on every Start
	run atomic.Pointer[runState]
}

type runState struct {
	store     *queue.Store
	submit    *network.TCPServer
	fetch     *network.TCPServer
	cancel    context.CancelFunc
	loops     []*loop
	startedAt time.Time
}

// loop is one long-running goroutine
type loop struct {
	name string
	done chan struct{}
}

// New creates a stopped broker
func New(cfg *config.Config, opts ...Option) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Broker{
		cfg: cfg,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	b.logger = b.logger.With(zap.String("component", "broker"))
	if b.metrics == nil {
		b.metrics = metrics.NewPrometheusMetrics(cfg.Monitoring.Namespace)
	}

	compressors, err := compression.NewDefaultFactory(cfg.Codec.CompressionLevel)
	if err != nil {
		return nil, err
	}
	b.codec, err = emp.NewCodec(
		emp.WithCompressors(compressors),
		emp.WithMaxPayloadSize(cfg.Codec.MaxPayloadSize),
	)
	if err != nil {
		return nil, err
	}

	return b, nil
}

// Start binds both listeners and starts the submit loop, the fetch loop and
// the sweeper. It is a no-op when already running. A bind failure is
// returned and leaves the broker stopped with nothing bound.
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.State() == StateRunning {
		return nil
	}

	bc := b.cfg.Broker
	store := queue.NewStore(bc.MessageTTL,
		queue.WithClock(b.now),
		queue.WithExpiryHook(func(dest string, n int) {
			b.metrics.RecordExpired("pop", n)
		}),
	)

	submit := network.NewTCPServer(b.serverConfig(network.ListenerSubmit, bc.SubmitPort),
		network.NewSubmitHandler(b.codec, store, bc.MaxFrameSize, b.metrics, b.logger),
		b.metrics, b.logger)
	fetch := network.NewTCPServer(b.serverConfig(network.ListenerFetch, bc.FetchPort),
		network.NewFetchHandler(store, bc.MaxFrameSize, b.metrics, b.logger),
		b.metrics, b.logger)

	if err := submit.Listen(); err != nil {
		b.logger.Error("failed to bind submit listener", zap.Error(err))
		return err
	}
	if err := fetch.Listen(); err != nil {
		submit.Close()
		b.logger.Error("failed to bind fetch listener", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &runState{
		store:     store,
		submit:    submit,
		fetch:     fetch,
		cancel:    cancel,
		startedAt: b.now(),
	}
	run.loops = []*loop{
		b.spawn("submit", func() { submit.Serve(ctx) }),
		b.spawn("fetch", func() { fetch.Serve(ctx) }),
		b.spawn("sweeper", func() { b.runSweeper(ctx, store) }),
	}

	b.run.Store(run)
	atomic.StoreInt32(&b.state, int32(StateRunning))

	b.logger.Info("broker started",
		zap.Stringer("submit_addr", submit.GetAddr()),
		zap.Stringer("fetch_addr", fetch.GetAddr()),
		zap.Duration("message_ttl", bc.MessageTTL),
		zap.Duration("sweep_interval", bc.SweepInterval))
	return nil
}

// Stop signals all loops, waits up to the grace period for each and drops
// every queued message. It is a no-op when already stopped.
func (b *Broker) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.State() == StateStopped {
		return nil
	}

	run := b.run.Load()
	run.cancel()

	grace := b.cfg.Broker.StopGracePeriod
	for _, l := range run.loops {
		timer := time.NewTimer(grace)
		select {
		case <-l.done:
		case <-timer.C:
			b.logger.Warn("loop did not stop within grace period",
				zap.String("loop", l.name),
				zap.Duration("grace_period", grace))
		}
		timer.Stop()
	}

	// A loop stuck on a slow client no longer holds the ports
	run.submit.Close()
	run.fetch.Close()

	dropped := run.store.Stats().Messages
	b.run.Store(nil)
	atomic.StoreInt32(&b.state, int32(StateStopped))

	b.logger.Info("broker stopped", zap.Int("dropped_messages", dropped))
	return nil
}

// State returns the lifecycle state
func (b *Broker) State() State {
	return State(atomic.LoadInt32(&b.state))
}

// SubmitAddr returns the bound submit address, or nil when stopped
func (b *Broker) SubmitAddr() net.Addr {
	if run := b.run.Load(); run != nil {
		return run.submit.GetAddr()
	}
	return nil
}

// FetchAddr returns the bound fetch address, or nil when stopped
func (b *Broker) FetchAddr() net.Addr {
	if run := b.run.Load(); run != nil {
		return run.fetch.GetAddr()
	}
	return nil
}

// Store returns the current queue store, or nil when stopped
func (b *Broker) Store() *queue.Store {
	if run := b.run.Load(); run != nil {
		return run.store
	}
	return nil
}

// Codec returns the codec used by the submit listener
func (b *Broker) Codec() *emp.Codec {
	return b.codec
}

// Metrics returns the broker's metrics
func (b *Broker) Metrics() *metrics.PrometheusMetrics {
	return b.metrics
}

// Stats returns a snapshot of broker statistics
func (b *Broker) Stats() Stats {
	run := b.run.Load()
	if run == nil {
		return Stats{State: StateStopped.String()}
	}
	return Stats{
		State:     StateRunning.String(),
		StartedAt: run.startedAt,
		Uptime:    b.now().Sub(run.startedAt),
		Store:     run.store.Stats(),
		Submit:    run.submit.GetStats(),
		Fetch:     run.fetch.GetStats(),
	}
}

func (b *Broker) serverConfig(name string, port int) *network.ServerConfig {
	bc := b.cfg.Broker
	return &network.ServerConfig{
		Name:          name,
		Address:       bc.BindAddress,
		Port:          port,
		Network:       "tcp",
		AcceptTimeout: bc.AcceptTimeout,
		ConnTimeout:   bc.ConnTimeout,
		IdleTimeout:   bc.RequestIdleTimeout,
		MaxFrameSize:  bc.MaxFrameSize,
	}
}

func (b *Broker) spawn(name string, fn func()) *loop {
	l := &loop{name: name, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		fn()
	}()
	return l
}
