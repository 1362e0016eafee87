package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/dgnsrekt/livefeed/internal/clock"
	"github.com/dgnsrekt/livefeed/internal/event"
	"github.com/dgnsrekt/livefeed/internal/wire"
)

const waitTimeout = 2 * time.Second

var errFakeClosed = errors.New("fake connection closed")

// fakeConn is an in-memory Conn. The test plays the server through in/out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	c.out <- data
	return nil
}

func (c *fakeConn) Subprotocol() string { return wire.SubprotocolJSON }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// serverSend pushes an encoded frame to the client.
func (c *fakeConn) serverSend(t *testing.T, f wire.Frame) {
	t.Helper()
	data, err := wire.JSONCodec{}.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.in <- data
}

// nextWrite returns the next frame the client wrote.
func (c *fakeConn) nextWrite(t *testing.T) wire.Frame {
	t.Helper()
	select {
	case data := <-c.out:
		f, err := wire.JSONCodec{}.Decode(data)
		if err != nil {
			t.Fatalf("decode client frame %s: %v", data, err)
		}
		return f
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for client write")
		return wire.Frame{}
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	fail  func(n int) error
	gate  chan struct{}
	conns chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, _ string, _ http.Header) (Conn, error) {
	d.mu.Lock()
	n := d.dials
	d.dials++
	fail, gate := d.fail, d.gate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail != nil {
		if err := fail(n); err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for dial")
		return nil
	}
}

type recordingHandler struct {
	states   chan State
	events   chan event.Event
	failures chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		states:   make(chan State, 256),
		events:   make(chan event.Event, 256),
		failures: make(chan error, 4),
	}
}

func (h *recordingHandler) OnEvent(ev event.Event) { h.events <- ev }
func (h *recordingHandler) OnStateChange(_, to State) { h.states <- to }
func (h *recordingHandler) OnFailure(err error) { h.failures <- err }

func (h *recordingHandler) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case s := <-h.states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for state %s", want)
		}
	}
}

func (h *recordingHandler) nextEvent(t *testing.T) event.Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for event")
		return event.Event{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URL = "ws://livefeed.test/stream"
	cfg.MaxAttempts = 3
	return cfg
}

func newTestManager(t *testing.T, cfg Config, dialer Dialer) (*Manager, *recordingHandler, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	h := newRecordingHandler()
	m, err := NewManager(cfg, h,
		WithDialer(dialer),
		WithClock(clk),
		WithLogger(zaptest.NewLogger(t)),
		WithRand(func() float64 { return 0 }),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Disconnect)
	return m, h, clk
}

func runEvent(seq int64) wire.Frame {
	return wire.EventFrame(event.Event{
		Kind:    "workflow.node.output.delta",
		Subject: "node-1",
		Seq:     seq,
		RunID:   "run-1",
		Payload: json.RawMessage(`{"delta":"x"}`),
	})
}

func TestManagerSendNotOpen(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig(), newFakeDialer())

	if err := m.Send(event.Event{Kind: "user.input"}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
	if m.State() != StateIdle {
		t.Errorf("expected idle, got %s", m.State())
	}
}

func TestNewManagerRequiresURL(t *testing.T) {
	if _, err := NewManager(Config{}, nil); !errors.Is(err, ErrNoURL) {
		t.Errorf("expected ErrNoURL, got %v", err)
	}
}

func TestManagerTracksResumeToken(t *testing.T) {
	dialer := newFakeDialer()
	m, h, _ := newTestManager(t, testConfig(), dialer)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.waitState(t, StateOpen)
	conn := dialer.nextConn(t)

	for _, seq := range []int64{5, 3, 7} {
		conn.serverSend(t, runEvent(seq))
	}
	for _, want := range []int64{5, 3, 7} {
		if ev := h.nextEvent(t); ev.Seq != want {
			t.Errorf("expected seq %d delivered, got %d", want, ev.Seq)
		}
	}

	runID, lastSeq := m.ResumeToken()
	if runID != "run-1" || lastSeq != 7 {
		t.Errorf("expected (run-1, 7), got (%s, %d)", runID, lastSeq)
	}
}

func TestManagerResumesAfterReconnect(t *testing.T) {
	dialer := newFakeDialer()
	m, h, clk := newTestManager(t, testConfig(), dialer)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.waitState(t, StateOpen)
	first := dialer.nextConn(t)

	for seq := int64(1); seq <= 3; seq++ {
		first.serverSend(t, runEvent(seq))
		h.nextEvent(t)
	}

	// Server drops the connection.
	first.Close()
	h.waitState(t, StateClosed)
	if got := m.Stats().Attempt; got != 1 {
		t.Errorf("expected attempt 1, got %d", got)
	}

	clk.Advance(800 * time.Millisecond)
	h.waitState(t, StateOpen)
	second := dialer.nextConn(t)

	f := second.nextWrite(t)
	if f.Type != wire.FrameResume || f.RunID != "run-1" || f.LastSeq != 3 {
		t.Fatalf("expected resume(run-1, 3), got %+v", f)
	}
	if got := m.Stats().Attempt; got != 0 {
		t.Errorf("expected attempt reset on open, got %d", got)
	}

	// Replayed and new events keep lastSeq non-decreasing.
	second.serverSend(t, runEvent(3))
	second.serverSend(t, runEvent(4))
	h.nextEvent(t)
	h.nextEvent(t)
	if _, lastSeq := m.ResumeToken(); lastSeq != 4 {
		t.Errorf("expected lastSeq 4, got %d", lastSeq)
	}
}

func TestManagerHeartbeat(t *testing.T) {
	cfg := testConfig()
	dialer := newFakeDialer()
	m, h, clk := newTestManager(t, cfg, dialer)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.waitState(t, StateOpen)
	conn := dialer.nextConn(t)

	clk.Advance(cfg.HeartbeatInterval)
	ping := conn.nextWrite(t)
	if ping.Type != wire.FramePing || ping.ID == "" {
		t.Fatalf("expected ping with id, got %+v", ping)
	}

	// An unrelated pong is ignored; the matching one cancels the deadline.
	conn.serverSend(t, wire.Pong("someone-else"))
	conn.serverSend(t, wire.Pong(ping.ID))
	waitFor(t, "pong", func() bool { return m.Stats().PongsReceived == 1 })

	clk.Advance(cfg.PongTimeout)
	if m.State() != StateOpen {
		t.Fatalf("expected connection to stay open, got %s", m.State())
	}

	// Second ping goes unanswered.
	clk.Advance(cfg.HeartbeatInterval - cfg.PongTimeout)
	if f := conn.nextWrite(t); f.Type != wire.FramePing {
		t.Fatalf("expected second ping, got %+v", f)
	}
	clk.Advance(cfg.PongTimeout)

	h.waitState(t, StateClosed)
	if s := m.Stats(); s.LivenessFailures != 1 || s.PingsSent != 2 {
		t.Errorf("unexpected stats %+v", s)
	}
	if !conn.isClosed() {
		t.Error("expected the dead connection to be closed")
	}
}

func TestManagerAnswersServerPing(t *testing.T) {
	dialer := newFakeDialer()
	m, h, _ := newTestManager(t, testConfig(), dialer)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.waitState(t, StateOpen)
	conn := dialer.nextConn(t)

	conn.serverSend(t, wire.Ping("srv-1"))
	if f := conn.nextWrite(t); f.Type != wire.FramePong || f.ID != "srv-1" {
		t.Errorf("expected pong(srv-1), got %+v", f)
	}
}

func TestManagerFailsAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	dialer := newFakeDialer()
	dialer.fail = func(int) error { return errors.New("connection refused") }
	m, h, clk := newTestManager(t, cfg, dialer)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	b := Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay}
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		h.waitState(t, StateClosed)
		clk.Advance(b.Nominal(attempt))
	}
	h.waitState(t, StateFailed)

	select {
	case err := <-h.failures:
		if !errors.Is(err, ErrMaxAttempts) {
			t.Errorf("expected ErrMaxAttempts, got %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("expected a terminal failure")
	}

	if got := dialer.count(); got != cfg.MaxAttempts+1 {
		t.Errorf("expected %d dials, got %d", cfg.MaxAttempts+1, got)
	}
	if clk.Pending() != 0 {
		t.Errorf("expected no reconnect timer after failure, got %d", clk.Pending())
	}
	clk.Advance(time.Minute)
	if got := dialer.count(); got != cfg.MaxAttempts+1 {
		t.Errorf("expected no further dials, got %d", got)
	}
}

func TestManagerDisconnectDuringDial(t *testing.T) {
	dialer := newFakeDialer()
	dialer.gate = make(chan struct{})
	m, h, _ := newTestManager(t, testConfig(), dialer)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.waitState(t, StateConnecting)
	m.Disconnect()
	h.waitState(t, StateClosed)

	close(dialer.gate)
	conn := dialer.nextConn(t)
	waitFor(t, "stale connection closed", conn.isClosed)

	if m.State() != StateClosed {
		t.Errorf("expected closed, got %s", m.State())
	}
	select {
	case s := <-h.states:
		t.Errorf("unexpected state change to %s after Disconnect", s)
	default:
	}
}

func TestManagerDisconnectSuppressesReconnect(t *testing.T) {
	dialer := newFakeDialer()
	m, h, clk := newTestManager(t, testConfig(), dialer)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.waitState(t, StateOpen)
	conn := dialer.nextConn(t)

	m.Disconnect()
	m.Disconnect()
	h.waitState(t, StateClosed)

	if !conn.isClosed() {
		t.Error("expected connection closed")
	}
	clk.Advance(time.Minute)
	if got := dialer.count(); got != 1 {
		t.Errorf("expected no reconnect dials, got %d", got)
	}
	if clk.Pending() != 0 {
		t.Errorf("expected all timers cancelled, got %d", clk.Pending())
	}
}

func TestManagerContextCancelDisconnects(t *testing.T) {
	dialer := newFakeDialer()
	m, h, _ := newTestManager(t, testConfig(), dialer)

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.waitState(t, StateOpen)

	cancel()
	h.waitState(t, StateClosed)
}

func TestManagerMalformedFrameDropped(t *testing.T) {
	dialer := newFakeDialer()
	m, h, _ := newTestManager(t, testConfig(), dialer)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.waitState(t, StateOpen)
	conn := dialer.nextConn(t)

	conn.in <- []byte(`{"kind":`)
	conn.in <- []byte(`{"type":"subscribe"}`)
	conn.serverSend(t, runEvent(1))

	if ev := h.nextEvent(t); ev.Seq != 1 {
		t.Errorf("expected seq 1, got %d", ev.Seq)
	}
	if s := m.Stats(); s.Malformed != 2 || s.State != "open" {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestManagerSendRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.SendRate = 1
	cfg.SendBurst = 2
	dialer := newFakeDialer()
	m, h, clk := newTestManager(t, cfg, dialer)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.waitState(t, StateOpen)
	conn := dialer.nextConn(t)

	ev := event.Event{Kind: "user.input", Subject: "prompt"}
	for i := 0; i < 2; i++ {
		if err := m.Send(ev); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := m.Send(ev); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}

	clk.Advance(time.Second)
	if err := m.Send(ev); err != nil {
		t.Errorf("expected send after refill, got %v", err)
	}

	for i := 0; i < 3; i++ {
		if f := conn.nextWrite(t); f.Type != wire.FrameEvent || f.Event.Kind != "user.input" {
			t.Errorf("unexpected write %+v", f)
		}
	}
	if s := m.Stats(); s.Sent != 3 || s.RateLimited != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestManagerRetarget(t *testing.T) {
	dialer := newFakeDialer()
	m, h, _ := newTestManager(t, testConfig(), dialer)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.waitState(t, StateOpen)
	conn := dialer.nextConn(t)

	conn.serverSend(t, runEvent(9))
	h.nextEvent(t)

	if err := m.Retarget("run-2"); err != nil {
		t.Fatalf("Retarget: %v", err)
	}
	f := conn.nextWrite(t)
	if f.Type != wire.FrameResume || f.RunID != "run-2" || f.LastSeq != 0 {
		t.Errorf("expected resume(run-2, 0), got %+v", f)
	}
	if runID, lastSeq := m.ResumeToken(); runID != "run-2" || lastSeq != 0 {
		t.Errorf("expected (run-2, 0), got (%s, %d)", runID, lastSeq)
	}
}

func TestManagerRetargetDropsInFlightEvent(t *testing.T) {
	dialer := newFakeDialer()
	m, h, _ := newTestManager(t, testConfig(), dialer)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.waitState(t, StateOpen)
	conn := dialer.nextConn(t)

	// An event of run-1 was read off the wire just before the retarget.
	epoch := m.epoch.Load()
	if err := m.Retarget("run-2"); err != nil {
		t.Fatalf("Retarget: %v", err)
	}
	conn.nextWrite(t)

	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	stale := runEvent(50).Event
	m.handleEvent(gen, epoch, stale)

	if runID, lastSeq := m.ResumeToken(); runID != "run-2" || lastSeq != 0 {
		t.Errorf("expected (run-2, 0) after a stale event, got (%s, %d)", runID, lastSeq)
	}
	select {
	case ev := <-h.events:
		t.Errorf("expected stale event to be dropped, got %+v", ev)
	default:
	}

	fresh := runEvent(1)
	fresh.Event.RunID = "run-2"
	conn.serverSend(t, fresh)
	if ev := h.nextEvent(t); ev.RunID != "run-2" {
		t.Errorf("expected run-2 event, got %+v", ev)
	}
	if runID, lastSeq := m.ResumeToken(); runID != "run-2" || lastSeq != 1 {
		t.Errorf("expected (run-2, 1), got (%s, %d)", runID, lastSeq)
	}
}

// mockWSServer starts a websocket server that negotiates one of protocols.
func mockWSServer(t *testing.T, protocols []string, handler func(*websocket.Conn, *http.Request)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return true },
		Subprotocols: protocols,
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestManagerWebsocketEndToEnd(t *testing.T) {
	for _, proto := range wire.Subprotocols() {
		t.Run(proto, func(t *testing.T) {
			clientIDs := make(chan string, 1)
			server := mockWSServer(t, []string{proto}, func(conn *websocket.Conn, r *http.Request) {
				clientIDs <- r.Header.Get(ClientIDHeader)

				codec, err := wire.CodecFor(conn.Subprotocol())
				if err != nil {
					t.Errorf("server codec: %v", err)
					return
				}
				defer codec.Close()

				data, err := codec.Encode(runEvent(1))
				if err != nil {
					t.Errorf("encode: %v", err)
					return
				}
				if err := conn.WriteMessage(codec.MessageType(), data); err != nil {
					return
				}
				for {
					if _, _, err := conn.ReadMessage(); err != nil {
						return
					}
				}
			})
			defer server.Close()

			cfg := DefaultConfig()
			cfg.URL = wsURL(server)
			h := newRecordingHandler()
			m, err := NewManager(cfg, h, WithLogger(zaptest.NewLogger(t)))
			if err != nil {
				t.Fatalf("NewManager: %v", err)
			}
			defer m.Disconnect()

			if err := m.Connect(context.Background()); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			h.waitState(t, StateOpen)

			ev := h.nextEvent(t)
			if ev.Seq != 1 || ev.RunID != "run-1" || ev.ReceivedAt.IsZero() {
				t.Errorf("unexpected event %+v", ev)
			}
			if got := m.Stats().Subprotocol; got != proto {
				t.Errorf("expected subprotocol %s, got %s", proto, got)
			}
			if id := <-clientIDs; id != m.ClientID() {
				t.Errorf("expected client id %s, got %s", m.ClientID(), id)
			}
		})
	}
}
