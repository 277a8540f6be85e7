package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"parley/internal/backoff"
	"parley/internal/metrics"
	"parley/internal/models"
)

var (
	ErrNotConnected    = errors.New("not connected")
	ErrMissingIdentity = errors.New("missing user identity or token")
)

// StatusEvent reports a connection status transition. Err carries the cause
// of an unexpected disconnect.
type StatusEvent struct {
	Status  models.Status
	Attempt int
	Err     error
}

type Config struct {
	URL      string
	Identity models.Identity
	Dialer   Dialer
	Policy   backoff.Policy
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Manager owns the single live connection of a session and reconnects it
// after unexpected drops. Status changes and decoded inbound events are
// published in order on Events.
type Manager struct {
	url      string
	identity models.Identity
	dialer   Dialer
	policy   backoff.Policy
	metrics  *metrics.Metrics
	log      *slog.Logger
	timer    backoff.Timer

	mu          sync.Mutex
	life        context.Context
	status      models.Status
	attempt     int
	gen         uint64
	intentional bool
	conn        *Connection
	cancel      context.CancelFunc

	qmu    sync.Mutex
	queue  []any
	wake   chan struct{}
	events chan any
}

func NewManager(config Config) *Manager {
	if config.Dialer == nil {
		config.Dialer = WebsocketDialer{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Manager{
		url:      config.URL,
		identity: config.Identity,
		dialer:   config.Dialer,
		policy:   config.Policy,
		metrics:  config.Metrics,
		log:      config.Logger.With("user_id", config.Identity.UserID),
		status:   models.StatusDisconnected,
		wake:     make(chan struct{}, 1),
		events:   make(chan any, 64),
	}
}

// Events delivers StatusEvent and models.InboundEvent values in the order
// they happened.
func (m *Manager) Events() <-chan any {
	return m.events
}

func (m *Manager) Status() models.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempt is the number of reconnects scheduled since the last successful
// connect.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Connect opens the session transport, replacing any existing one. ctx bounds
// the manager lifetime: once it is done no reconnect is scheduled.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.identity.Valid() {
		return ErrMissingIdentity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.life == nil || m.life.Err() != nil {
		m.life = ctx
		go m.forward(ctx)
	}
	m.intentional = false
	m.timer.Stop()
	m.dropLocked()
	m.dialLocked()
	return nil
}

// Close shuts the transport down on purpose. No reconnect follows and late
// events of the old socket are ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.intentional = true
	m.timer.Stop()
	m.dropLocked()
	m.setStatusLocked(models.StatusDisconnected, nil)
}

// Send writes a frame on the live socket. It fails with ErrNotConnected
// unless the manager is connected.
func (m *Manager) Send(frame any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.status == models.StatusConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return conn.Send(frame)
}

// dropLocked invalidates the current socket generation and closes it.
func (m *Manager) dropLocked() {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.conn = nil
}

func (m *Manager) dialLocked() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(m.life)
	m.cancel = cancel
	m.setStatusLocked(models.StatusConnecting, nil)

	go m.run(ctx, gen)
}

func (m *Manager) run(ctx context.Context, gen uint64) {
	ws, err := m.dialer.Dial(ctx, m.url, m.identity.Token)
	if err != nil {
		m.down(gen, err)
		return
	}

	conn := NewConnection(ws, func(ev models.InboundEvent) { m.deliver(gen, ev) }, m.log)
	conn.onMalform = m.metrics.MalformedFrame

	m.mu.Lock()
	if gen != m.gen || m.intentional {
		m.mu.Unlock()
		_ = ws.Close()
		return
	}
	m.conn = conn
	m.attempt = 0
	m.timer.Stop()
	m.setStatusLocked(models.StatusConnected, nil)
	m.mu.Unlock()
	m.log.Info("connected")

	m.down(gen, conn.Handle(ctx))
}

func (m *Manager) deliver(gen uint64, ev models.InboundEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.metrics.Inbound(ev)
	m.enqueue(ev)
}

// down handles the end of a socket generation. Stale generations and
// intentional closes are ignored.
func (m *Manager) down(gen uint64, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.intentional {
		return
	}
	m.conn = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.setStatusLocked(models.StatusDisconnected, cause)

	if m.life.Err() != nil {
		return
	}

	delay := m.policy.Delay(m.attempt)
	m.attempt++
	m.metrics.ReconnectScheduled()
	m.log.Warn("connection lost, reconnecting", "error", cause, "attempt", m.attempt, "delay", delay)
	m.timer.Schedule(delay, func() { m.reconnect(gen) })
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.intentional || m.life.Err() != nil {
		return
	}
	m.dialLocked()
}

func (m *Manager) setStatusLocked(s models.Status, cause error) {
	if m.status == s && cause == nil {
		return
	}
	m.status = s
	m.metrics.SetStatus(s)
	m.enqueue(StatusEvent{Status: s, Attempt: m.attempt, Err: cause})
}

// enqueue never blocks; the forwarding goroutine drains the queue into
// the events channel.
func (m *Manager) enqueue(ev any) {
	m.qmu.Lock()
	m.queue = append(m.queue, ev)
	m.qmu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) forward(ctx context.Context) {
	for {
		m.qmu.Lock()
		batch := m.queue
		m.queue = nil
		m.qmu.Unlock()

		for _, ev := range batch {
			select {
			case m.events <- ev:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-m.wake:
		case <-ctx.Done():
			return
		}
	}
}
