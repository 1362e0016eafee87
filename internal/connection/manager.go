package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/livefeed/internal/clock"
	"github.com/dgnsrekt/livefeed/internal/event"
	"github.com/dgnsrekt/livefeed/internal/wire"
)

// ClientIDHeader carries the Manager's client id on every handshake.
const ClientIDHeader = "X-Livefeed-Client"

type transition struct {
	from, to State
}

// Manager owns one resumable session: it connects, pings for liveness,
// reconnects with backoff and resumes the logical run after reconnecting.
//
// Every connection attempt gets a new generation number. Goroutines and
// timers belonging to an older generation find it stale and do nothing.
type Manager struct {
	cfg      Config
	dialer   Dialer
	handler  Handler
	clock    clock.Clock
	logger   *zap.Logger
	backoff  Backoff
	limiter  *rate.Limiter
	clientID string

	writeMu sync.Mutex

	// epoch counts Retarget calls. Frames read under an older epoch belong
	// to the previous run.
	epoch atomic.Uint64

	mu          sync.Mutex
	state       State
	gen         uint64
	attempt     int
	runID       string
	lastSeq     int64
	intentional bool

	session     context.Context
	stopSession context.CancelFunc
	stopWatch   func() bool
	cancelDial  context.CancelFunc

	conn  Conn
	codec wire.Codec

	heartbeat    clock.Timer
	pongDeadline clock.Timer
	pendingPing  string
	reconnect    clock.Timer

	stats Stats
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRand sets the jitter source.
func WithRand(r func() float64) Option {
	return func(m *Manager) { m.backoff.Rand = r }
}

// NewManager creates a Manager in the idle state.
func NewManager(cfg Config, handler Handler, opts ...Option) (*Manager, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	defaults := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaults.PongTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.Subprotocols == nil {
		cfg.Subprotocols = defaults.Subprotocols
	}

	m := &Manager{
		cfg:      cfg,
		handler:  handler,
		clientID: uuid.NewString(),
		backoff: Backoff{
			Base:        cfg.BaseDelay,
			Max:         cfg.MaxDelay,
			JitterRatio: cfg.JitterRatio,
		},
	}
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.dialer == nil {
		m.dialer = WebsocketDialer{
			Subprotocols:     cfg.Subprotocols,
			HandshakeTimeout: cfg.DialTimeout,
			WriteTimeout:     cfg.WriteTimeout,
		}
	}
	m.logger = m.logger.With(zap.String("clientID", m.clientID))
	return m, nil
}

// ClientID identifies this Manager to the server.
func (m *Manager) ClientID() string { return m.clientID }

// Connect starts the session. It returns immediately; progress is reported
// through the Handler. Cancelling ctx disconnects. Connect on a session
// that is already connecting or open is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateOpen || m.reconnect != nil {
		m.mu.Unlock()
		return nil
	}
	m.intentional = false
	m.attempt = 0
	if m.stopSession != nil {
		m.stopSession()
	}
	m.session, m.stopSession = context.WithCancel(ctx)
	m.stopWatch = context.AfterFunc(ctx, func() { m.Disconnect() })

	var ts []transition
	m.startAttemptLocked(&ts)
	m.mu.Unlock()

	m.notify(ts)
	return nil
}

// Disconnect closes the session intentionally and suppresses reconnection.
// It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.gen++
	m.stopTimersLocked()
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
	}
	if m.stopSession != nil {
		m.stopSession()
		m.stopSession = nil
	}
	conn := m.conn
	m.conn, m.codec = nil, nil

	var ts []transition
	if m.state != StateClosed && m.state != StateIdle {
		if conn != nil {
			m.setStateLocked(StateClosing, &ts)
		}
		m.setStateLocked(StateClosed, &ts)
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		m.logger.Info("disconnected")
	}
	m.notify(ts)
}

// Send encodes ev and writes it to the open connection.
func (m *Manager) Send(ev event.Event) error {
	m.mu.Lock()
	if m.state != StateOpen {
		m.mu.Unlock()
		return ErrNotOpen
	}
	if m.limiter != nil && !m.limiter.AllowN(m.clock.Now(), 1) {
		m.stats.RateLimited++
		m.mu.Unlock()
		return ErrRateLimited
	}
	gen := m.gen
	m.mu.Unlock()

	if err := m.write(gen, wire.EventFrame(ev)); err != nil {
		return err
	}
	m.mu.Lock()
	m.stats.Sent++
	m.mu.Unlock()
	return nil
}

// Retarget switches to a new logical run. The resume token is reset and,
// when open, a resume request for runID is sent right away.
func (m *Manager) Retarget(runID string) error {
	m.mu.Lock()
	m.epoch.Add(1)
	m.runID = runID
	m.lastSeq = 0
	open := m.state == StateOpen
	gen := m.gen
	m.mu.Unlock()

	m.logger.Info("retargeted", zap.String("runID", runID))
	if !open || runID == "" {
		return nil
	}
	return m.sendResume(gen, runID, 0)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ResumeToken returns the run id and the highest sequence observed.
func (m *Manager) ResumeToken() (string, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runID, m.lastSeq
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.State = m.state.String()
	s.Attempt = m.attempt
	s.RunID = m.runID
	s.LastSeq = m.lastSeq
	if m.codec != nil {
		s.Subprotocol = m.codec.Subprotocol()
	}
	return s
}

func (m *Manager) setStateLocked(to State, ts *[]transition) {
	if m.state == to {
		return
	}
	*ts = append(*ts, transition{from: m.state, to: to})
	m.state = to
}

func (m *Manager) notify(ts []transition) {
	if m.handler == nil {
		return
	}
	for _, t := range ts {
		m.handler.OnStateChange(t.from, t.to)
	}
}

func (m *Manager) startAttemptLocked(ts *[]transition) {
	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnecting, ts)

	ctx, cancel := context.WithTimeout(m.session, m.cfg.DialTimeout)
	m.cancelDial = cancel

	header := http.Header{}
	for k, v := range m.cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	header.Set(ClientIDHeader, m.clientID)

	m.logger.Debug("dialing",
		zap.String("url", m.cfg.URL),
		zap.Int("attempt", m.attempt),
		zap.Uint64("generation", gen),
	)
	go m.dial(ctx, cancel, gen, header)
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, header http.Header) {
	conn, err := m.dialer.Dial(ctx, m.cfg.URL, header)
	cancel()

	var codec wire.Codec
	if err == nil {
		codec, err = wire.CodecFor(conn.Subprotocol())
		if err != nil {
			_ = conn.Close()
			conn = nil
		}
	}

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if codec != nil {
			codec.Close()
		}
		return
	}
	m.cancelDial = nil

	var ts []transition
	if err != nil {
		m.logger.Warn("dial failed", zap.Int("attempt", m.attempt), zap.Error(err))
		lost, failure := m.lostLocked(err, &ts)
		m.mu.Unlock()
		m.close(lost)
		m.notify(ts)
		m.fail(failure)
		return
	}

	m.conn = conn
	m.codec = codec
	m.attempt = 0
	m.stats.Connects++
	m.setStateLocked(StateOpen, &ts)
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.heartbeatTick(gen) })
	runID, lastSeq := m.runID, m.lastSeq
	m.mu.Unlock()

	m.logger.Info("connected",
		zap.String("url", m.cfg.URL),
		zap.String("subprotocol", codec.Subprotocol()),
	)
	m.notify(ts)

	if runID != "" {
		if err := m.sendResume(gen, runID, lastSeq); err != nil {
			m.logger.Warn("resume failed", zap.Error(err))
		}
	}

	go m.readLoop(gen, conn, codec)
}

func (m *Manager) sendResume(gen uint64, runID string, lastSeq int64) error {
	if err := m.write(gen, wire.Resume(runID, lastSeq)); err != nil {
		return err
	}
	m.mu.Lock()
	m.stats.Resumes++
	m.mu.Unlock()
	m.logger.Info("resume requested", zap.String("runID", runID), zap.Int64("lastSeq", lastSeq))
	return nil
}

func (m *Manager) readLoop(gen uint64, conn Conn, codec wire.Codec) {
	defer codec.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		epoch := m.epoch.Load()
		receivedAt := m.clock.Now()

		frame, err := codec.Decode(data)
		if err != nil {
			m.mu.Lock()
			m.stats.Malformed++
			m.mu.Unlock()
			m.logger.Warn("dropping malformed frame", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}

		switch frame.Type {
		case wire.FrameEvent:
			frame.Event.ReceivedAt = receivedAt
			m.handleEvent(gen, epoch, frame.Event)
		case wire.FramePong:
			m.handlePong(gen, frame.ID)
		case wire.FramePing:
			if err := m.write(gen, wire.Pong(frame.ID)); err != nil {
				m.logger.Debug("pong write failed", zap.Error(err))
			}
		default:
			m.logger.Debug("ignoring frame", zap.Stringer("type", frame.Type))
		}
	}
}

func (m *Manager) handleEvent(gen, epoch uint64, ev event.Event) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if epoch != m.epoch.Load() {
		m.mu.Unlock()
		m.logger.Debug("dropping event read before retarget",
			zap.String("runID", ev.RunID),
			zap.Int64("seq", ev.Seq),
		)
		return
	}
	if ev.RunID != "" {
		m.runID = ev.RunID
	}
	if ev.Seq > m.lastSeq {
		m.lastSeq = ev.Seq
	}
	m.stats.Events++
	m.mu.Unlock()

	if m.handler != nil {
		m.handler.OnEvent(ev)
	}
}

func (m *Manager) heartbeatTick(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.heartbeatTick(gen) })
	if m.pendingPing != "" {
		// Still waiting on the previous ping.
		m.mu.Unlock()
		return
	}
	id := uuid.NewString()
	m.pendingPing = id
	m.pongDeadline = m.clock.AfterFunc(m.cfg.PongTimeout, func() { m.pongExpired(gen, id) })
	m.stats.PingsSent++
	m.mu.Unlock()

	if err := m.write(gen, wire.Ping(id)); err != nil {
		m.logger.Debug("ping write failed", zap.Error(err))
	}
}

func (m *Manager) handlePong(gen uint64, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.pendingPing == "" || id != m.pendingPing {
		return
	}
	m.pendingPing = ""
	if m.pongDeadline != nil {
		m.pongDeadline.Stop()
		m.pongDeadline = nil
	}
	m.stats.PongsReceived++
}

func (m *Manager) pongExpired(gen uint64, id string) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateOpen || m.pendingPing != id {
		m.mu.Unlock()
		return
	}
	m.stats.LivenessFailures++
	m.logger.Warn("no pong received, closing connection",
		zap.String("pingID", id),
		zap.Duration("timeout", m.cfg.PongTimeout),
	)

	var ts []transition
	lost, failure := m.lostLocked(ErrLivenessTimeout, &ts)
	m.mu.Unlock()

	m.close(lost)
	m.notify(ts)
	m.fail(failure)
}

func (m *Manager) handleClose(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("connection lost", zap.Error(cause))

	var ts []transition
	lost, failure := m.lostLocked(cause, &ts)
	m.mu.Unlock()

	m.close(lost)
	m.notify(ts)
	m.fail(failure)
}

// lostLocked handles an unintentional closure of the current attempt: it
// schedules the next attempt or, once attempts are exhausted, fails. The
// returned Conn must be closed by the caller outside the lock.
func (m *Manager) lostLocked(cause error, ts *[]transition) (Conn, error) {
	m.gen++
	m.stopTimersLocked()
	lost := m.conn
	m.conn, m.codec = nil, nil

	if m.intentional {
		m.setStateLocked(StateClosed, ts)
		return lost, nil
	}

	if m.attempt >= m.cfg.MaxAttempts {
		m.setStateLocked(StateFailed, ts)
		if m.stopWatch != nil {
			m.stopWatch()
			m.stopWatch = nil
		}
		if m.stopSession != nil {
			m.stopSession()
			m.stopSession = nil
		}
		return lost, fmt.Errorf("%w after %d attempts: %w", ErrMaxAttempts, m.attempt, cause)
	}

	m.attempt++
	m.stats.Reconnects++
	delay := m.backoff.Delay(m.attempt)
	m.setStateLocked(StateClosed, ts)

	gen := m.gen
	m.reconnect = m.clock.AfterFunc(delay, func() { m.reconnectFire(gen) })
	m.logger.Info("reconnecting",
		zap.Int("attempt", m.attempt),
		zap.Int("maxAttempts", m.cfg.MaxAttempts),
		zap.Duration("delay", delay),
		zap.NamedError("cause", cause),
	)
	return lost, nil
}

func (m *Manager) reconnectFire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.intentional || m.state != StateClosed {
		m.mu.Unlock()
		return
	}
	m.reconnect = nil

	var ts []transition
	m.startAttemptLocked(&ts)
	m.mu.Unlock()

	m.notify(ts)
}

func (m *Manager) stopTimersLocked() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	if m.pongDeadline != nil {
		m.pongDeadline.Stop()
		m.pongDeadline = nil
	}
	m.pendingPing = ""
}

func (m *Manager) close(conn Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) fail(err error) {
	if err == nil {
		return
	}
	m.logger.Error("connection failed", zap.Error(err))
	if m.handler != nil {
		m.handler.OnFailure(err)
	}
}

// write encodes f and writes it if gen is still the open attempt.
func (m *Manager) write(gen uint64, f wire.Frame) error {
	m.mu.Lock()
	if gen != m.gen || m.state != StateOpen || m.conn == nil {
		m.mu.Unlock()
		return ErrNotOpen
	}
	conn, codec := m.conn, m.codec
	m.mu.Unlock()

	data, err := codec.Encode(f)
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.Type, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(codec.MessageType(), data); err != nil {
		return fmt.Errorf("write %s: %w", f.Type, err)
	}
	return nil
}
