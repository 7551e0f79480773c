package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tetherdev/tether/internal/detect"
	"github.com/tetherdev/tether/internal/errors"
	"github.com/tetherdev/tether/internal/event"
	"github.com/tetherdev/tether/internal/logging"
	"github.com/tetherdev/tether/internal/session"
	"github.com/tetherdev/tether/internal/session/capture"
	"github.com/tetherdev/tether/internal/session/process"
)

// fakeProc is a minimal scriptable process for driving the pipeline.
type fakeProc struct {
	mu      sync.Mutex
	out     chan []byte
	running bool
	exit    process.ExitStatus
	writes  [][]byte
	once    sync.Once
}

func newFakeProc() *fakeProc { return &fakeProc{out: make(chan []byte, 64)} }

func (p *fakeProc) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	return nil
}

func (p *fakeProc) Output() <-chan []byte { return p.out }

func (p *fakeProc) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return process.ErrNotRunning
	}
	p.writes = append(p.writes, append([]byte(nil), data...))
	return nil
}

func (p *fakeProc) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return process.ErrNotRunning
	}
	return nil
}

func (p *fakeProc) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *fakeProc) Stop() error { p.shutdown(); return nil }
func (p *fakeProc) Kill() error { p.shutdown(); return nil }

func (p *fakeProc) shutdown() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.once.Do(func() { close(p.out) })
}

func (p *fakeProc) ExitStatus() process.ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *fakeProc) PID() int { return 4242 }

func (p *fakeProc) emit(s string) { p.out <- []byte(s) }

// exitWith simulates an unexpected process exit.
func (p *fakeProc) exitWith(code int) {
	p.mu.Lock()
	p.running = false
	p.exit = process.ExitStatus{Code: code}
	p.mu.Unlock()
	p.once.Do(func() { close(p.out) })
}

func (p *fakeProc) lastWrite() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.writes) == 0 {
		return ""
	}
	return string(p.writes[len(p.writes)-1])
}

// fakeConn records messages pushed to one client. An optional gate makes
// Send block until released, for exercising backpressure.
type fakeConn struct {
	id   string
	gate chan struct{}

	mu     sync.Mutex
	msgs   []Message
	failed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(m Message) error {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return errors.ErrConnectionClosed
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *fakeConn) fail() {
	c.mu.Lock()
	c.failed = true
	c.mu.Unlock()
}

// received returns the messages of the given type, in delivery order.
func (c *fakeConn) received(msgType string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.msgs {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	registry *session.Registry
	router   *Router
	procs    []*fakeProc
	mu       sync.Mutex
}

func (f *fixture) spawn(cfg process.Config) process.Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := newFakeProc()
	f.procs = append(f.procs, p)
	return p
}

func (f *fixture) proc(i int) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

func newFixture(t *testing.T, queueDepth int) *fixture {
	t.Helper()
	f := &fixture{}

	cfg := session.DefaultConfig()
	cfg.Detect = detect.Config{IdleWindow: time.Hour, MinOptionLines: 2}
	cfg.RestartBudget = 1
	cfg.RestartBackoff = time.Millisecond

	bus := event.NewBus()
	f.registry = session.NewRegistry(cfg, f.spawn, bus, logging.NopLogger())
	f.router = NewRouter(f.registry, bus, logging.NopLogger(), queueDepth)

	t.Cleanup(func() {
		f.router.Close()
		f.registry.Close()
	})
	return f
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRouter_SubscribeReplaysScrollback(t *testing.T) {
	f := newFixture(t, 0)

	s, _ := f.registry.Create("main", "", "")
	f.proc(0).emit("existing output\r\n")

	// Unread flips once the frame is buffered, making the replay
	// deterministic.
	eventually(t, func() bool { return s.Snapshot().HasUnread }, "output never reached scrollback")

	conn := newFakeConn("c1")

	if err := f.router.Subscribe(conn, s.ID()); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	eventually(t, func() bool { return len(conn.received(TypeOutput)) == 1 }, "replay never delivered")

	replay := conn.received(TypeOutput)[0]
	if replay.Text != "existing output\r\n" || !replay.Clear {
		t.Errorf("replay = %+v, want buffered text with clear=true", replay)
	}
}

func TestRouter_TwoSubscribersSeeIdenticalSequence(t *testing.T) {
	f := newFixture(t, 0)

	s, _ := f.registry.Create("main", "", "")
	p := f.proc(0)

	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")
	if err := f.router.Subscribe(c1, s.ID()); err != nil {
		t.Fatalf("Subscribe c1 failed: %v", err)
	}
	if err := f.router.Subscribe(c2, s.ID()); err != nil {
		t.Fatalf("Subscribe c2 failed: %v", err)
	}

	for _, text := range []string{"alpha\r\n", "beta\r\n", "gamma\r\n"} {
		p.emit(text)
	}

	// Replay (empty) + three live frames.
	eventually(t, func() bool {
		return len(c1.received(TypeOutput)) == 4 && len(c2.received(TypeOutput)) == 4
	}, "both subscribers never received all frames")

	m1 := c1.received(TypeOutput)
	m2 := c2.received(TypeOutput)
	for i := range m1 {
		if m1[i].Text != m2[i].Text || m1[i].Clear != m2[i].Clear {
			t.Errorf("frame %d differs between subscribers: %+v vs %+v", i, m1[i], m2[i])
		}
	}
	want := []string{"", "alpha\r\n", "beta\r\n", "gamma\r\n"}
	for i, text := range want {
		if m1[i].Text != text {
			t.Errorf("frame %d = %q, want %q", i, m1[i].Text, text)
		}
	}
}

func TestRouter_ResubscribeReplaysExactlyOnceMore(t *testing.T) {
	f := newFixture(t, 0)

	s, _ := f.registry.Create("main", "", "")
	p := f.proc(0)
	p.emit("history\r\n")

	conn := newFakeConn("c1")
	if err := f.router.Subscribe(conn, s.ID()); err != nil {
		t.Fatalf("first Subscribe failed: %v", err)
	}
	eventually(t, func() bool { return len(conn.received(TypeOutput)) >= 1 }, "first replay missing")

	if err := f.router.Subscribe(conn, s.ID()); err != nil {
		t.Fatalf("re-Subscribe failed: %v", err)
	}
	eventually(t, func() bool { return len(conn.received(TypeOutput)) >= 2 }, "second replay missing")

	p.emit("live\r\n")
	eventually(t, func() bool {
		msgs := conn.received(TypeOutput)
		return msgs[len(msgs)-1].Text == "live\r\n"
	}, "live frame missing after re-subscribe")

	// The old sink must be detached: one live copy, not two.
	live := 0
	for _, m := range conn.received(TypeOutput) {
		if m.Text == "live\r\n" {
			live++
		}
	}
	if live != 1 {
		t.Errorf("live frame delivered %d times after re-subscribe, want 1", live)
	}
}

func TestRouter_InputRequiresSubscription(t *testing.T) {
	f := newFixture(t, 0)

	s, _ := f.registry.Create("main", "", "")

	err := f.router.Input("c1", s.ID(), []byte("x"))
	if !errors.Is(err, errors.ErrNotSubscribed) {
		t.Fatalf("Input without subscription = %v, want ErrNotSubscribed", err)
	}
	if err := f.router.Resize("c1", s.ID(), 120, 40); !errors.Is(err, errors.ErrNotSubscribed) {
		t.Fatalf("Resize without subscription = %v, want ErrNotSubscribed", err)
	}

	conn := newFakeConn("c1")
	if err := f.router.Subscribe(conn, s.ID()); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := f.router.Input("c1", s.ID(), []byte("ls\r")); err != nil {
		t.Fatalf("Input after subscribe failed: %v", err)
	}
	if got := f.proc(0).lastWrite(); got != "ls\r" {
		t.Errorf("process received %q, want %q", got, "ls\r")
	}
}

func TestRouter_SubscribeUnknownSession(t *testing.T) {
	f := newFixture(t, 0)

	err := f.router.Subscribe(newFakeConn("c1"), "no-such-id")
	if !errors.IsNotFound(err) {
		t.Errorf("Subscribe unknown session = %v, want ErrInstanceNotFound", err)
	}
}

func TestRouter_NoCrossSessionLeakage(t *testing.T) {
	f := newFixture(t, 0)

	a, _ := f.registry.Create("a", "", "")
	b, _ := f.registry.Create("b", "", "")

	conn := newFakeConn("c1")
	if err := f.router.Subscribe(conn, a.ID()); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	f.proc(1).emit("session b output\r\n")
	f.proc(0).emit("session a output\r\n")

	eventually(t, func() bool {
		msgs := conn.received(TypeOutput)
		return len(msgs) > 0 && msgs[len(msgs)-1].Text == "session a output\r\n"
	}, "session a output never arrived")

	for _, m := range conn.msgs {
		if m.SessionID == b.ID() {
			t.Errorf("received message for unsubscribed session: %+v", m)
		}
	}
}

func TestRouter_TerminateDeliversExactlyOneClosed(t *testing.T) {
	f := newFixture(t, 0)

	s, _ := f.registry.Create("main", "", "")

	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")
	f.router.Subscribe(c1, s.ID())
	f.router.Subscribe(c2, s.ID())
	eventually(t, func() bool {
		return len(c1.received(TypeOutput)) == 1 && len(c2.received(TypeOutput)) == 1
	}, "replays never delivered")

	if err := f.registry.Terminate(s.ID()); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	for _, conn := range []*fakeConn{c1, c2} {
		eventually(t, func() bool { return len(conn.received(TypeClosed)) == 1 },
			"closed message never delivered")
		closed := conn.received(TypeClosed)[0]
		if closed.Reason != "terminated" || closed.SessionID != s.ID() {
			t.Errorf("closed = %+v, want reason terminated for %s", closed, s.ID())
		}
	}

	// Give any duplicate a chance to show up.
	time.Sleep(20 * time.Millisecond)
	for _, conn := range []*fakeConn{c1, c2} {
		if n := len(conn.received(TypeClosed)); n != 1 {
			t.Errorf("conn %s received %d closed messages, want 1", conn.ID(), n)
		}
	}

	// Subscriptions are torn down with the session.
	if err := f.router.Input("c1", s.ID(), []byte("x")); !errors.Is(err, errors.ErrNotSubscribed) {
		t.Errorf("Input after close = %v, want ErrNotSubscribed", err)
	}
}

func TestRouter_CrashDeliversClosedToEverySubscriber(t *testing.T) {
	f := newFixture(t, 0)

	s, _ := f.registry.Create("main", "", "")
	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")
	f.router.Subscribe(c1, s.ID())
	f.router.Subscribe(c2, s.ID())

	// Budget is 1: crash the initial process and its replacement.
	f.proc(0).exitWith(1)
	eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.procs) == 2
	}, "no restart attempted")
	f.proc(1).exitWith(1)

	for _, conn := range []*fakeConn{c1, c2} {
		eventually(t, func() bool {
			closed := conn.received(TypeClosed)
			return len(closed) == 1 && closed[0].Reason == "crashed"
		}, "crash closed message never delivered")
	}
}

func TestRouter_DropConnectionReleasesSubscriptions(t *testing.T) {
	f := newFixture(t, 0)

	s, _ := f.registry.Create("main", "", "")
	conn := newFakeConn("c1")
	f.router.Subscribe(conn, s.ID())
	eventually(t, func() bool { return len(conn.received(TypeOutput)) == 1 }, "replay missing")

	f.router.DropConnection("c1")

	f.proc(0).emit("after drop\r\n")
	time.Sleep(20 * time.Millisecond)
	for _, m := range conn.received(TypeOutput) {
		if m.Text == "after drop\r\n" {
			t.Error("frame delivered after connection dropped")
		}
	}

	if err := f.router.Input("c1", s.ID(), []byte("x")); !errors.Is(err, errors.ErrNotSubscribed) {
		t.Errorf("Input after drop = %v, want ErrNotSubscribed", err)
	}
}

func TestRouter_FailedSubscriberIsIsolated(t *testing.T) {
	f := newFixture(t, 0)

	s, _ := f.registry.Create("main", "", "")
	bad := newFakeConn("bad")
	good := newFakeConn("good")
	f.router.Subscribe(bad, s.ID())
	f.router.Subscribe(good, s.ID())
	eventually(t, func() bool {
		return len(bad.received(TypeOutput)) == 1 && len(good.received(TypeOutput)) == 1
	}, "replays never delivered")

	bad.fail()
	f.proc(0).emit("still flowing\r\n")

	eventually(t, func() bool {
		msgs := good.received(TypeOutput)
		return msgs[len(msgs)-1].Text == "still flowing\r\n"
	}, "healthy subscriber starved by failed peer")

	eventually(t, func() bool {
		return !f.router.subscribed("bad", s.ID())
	}, "failed subscriber never removed")
}

func TestRouter_SlowSubscriberDropsOldestFrames(t *testing.T) {
	f := newFixture(t, 2)

	s, _ := f.registry.Create("main", "", "")
	p := f.proc(0)

	conn := newFakeConn("c1")
	conn.gate = make(chan struct{})
	if err := f.router.Subscribe(conn, s.ID()); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Count frames leaving the pipeline, so the test knows when the
	// blocked subscriber's queue has been flooded.
	var seen sync.WaitGroup
	seen.Add(5)
	sinkID, _ := s.Attach(func(capture.Frame) { seen.Done() })
	defer s.Detach(sinkID)

	// The writer is blocked on the replay send; flood the queue.
	for _, text := range []string{"1\r\n", "2\r\n", "3\r\n", "4\r\n", "5\r\n"} {
		p.emit(text)
	}
	seen.Wait()

	close(conn.gate)

	eventually(t, func() bool {
		msgs := conn.received(TypeOutput)
		return len(msgs) > 0 && msgs[len(msgs)-1].Text == "5\r\n"
	}, "newest frame never delivered")

	msgs := conn.received(TypeOutput)
	// Replay plus at most queue-depth live frames; the oldest were dropped.
	if len(msgs) > 3 {
		t.Errorf("delivered %d output messages, want at most 3 (replay + 2 queued)", len(msgs))
	}
	for _, m := range msgs[1:] {
		if m.Text == "1\r\n" || m.Text == "2\r\n" {
			t.Errorf("oldest frame %q should have been dropped", m.Text)
		}
	}

	// The session's scrollback is unaffected by the subscriber's drops:
	// a fresh subscriber replays every frame.
	late := newFakeConn("c2")
	if err := f.router.Subscribe(late, s.ID()); err != nil {
		t.Fatalf("late Subscribe failed: %v", err)
	}
	eventually(t, func() bool { return len(late.received(TypeOutput)) == 1 }, "late replay missing")
	if replay := late.received(TypeOutput)[0]; replay.Text != "1\r\n2\r\n3\r\n4\r\n5\r\n" {
		t.Errorf("late replay = %q, want all five frames", replay.Text)
	}
}
