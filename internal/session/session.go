// Package session owns the PTY-backed CLI processes behind the relay: each
// Session pairs one child process with its preprocessing and prompt
// detection pipeline and a bounded scrollback, and the Registry is the
// single owner of all running Sessions.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tetherdev/tether/internal/detect"
	"github.com/tetherdev/tether/internal/errors"
	"github.com/tetherdev/tether/internal/event"
	"github.com/tetherdev/tether/internal/logging"
	"github.com/tetherdev/tether/internal/session/capture"
	"github.com/tetherdev/tether/internal/session/process"
	"github.com/tetherdev/tether/internal/stream"
	"github.com/tetherdev/tether/internal/util"
)

// ConnectionState reflects process liveness, not client subscription.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateDisconnected ConnectionState = "disconnected"
)

// FrameSink receives one session's normalized frames in production order.
// Sinks are invoked under the session's buffer lock and must not block;
// the router satisfies this with a bounded per-subscriber queue.
type FrameSink func(capture.Frame)

// Info is a point-in-time snapshot of a session's observable state.
type Info struct {
	ID              string
	Name            string
	Color           string
	WorkDir         string
	State           ConnectionState
	HasUnread       bool
	DetectedOptions []string
	CreatedAt       time.Time
}

// menuTailBytes bounds the normalized text rebuilt from scrollback for
// menu detection.
const menuTailBytes = 2000

// Session owns one child process, its output pipeline, and its scrollback.
//
// The pipeline goroutine started by the registry is the single writer of
// the scrollback; the router attaches sinks at subscribe time under the
// same lock that guards buffer appends, so replay-then-live handoff never
// duplicates or skips a frame.
type Session struct {
	id        string
	name      string
	color     string
	workDir   string
	createdAt time.Time

	procConfig process.Config
	spawner    process.Spawner
	detector   *detect.MenuDetector
	bus        *event.Bus
	logger     *logging.Logger

	restartBudget  int
	restartBackoff time.Duration
	backoffMax     time.Duration

	mu              sync.Mutex
	proc            process.Process
	state           ConnectionState
	scrollback      *capture.FrameBuffer
	rawTail         *capture.RingBuffer
	pre             *stream.Preprocessor
	detectedOptions []string
	hasUnread       bool
	viewers         int
	lastActivityAt  time.Time
	idleTimer       *time.Timer
	closed          bool

	sinks    map[uint64]FrameSink
	nextSink uint64

	done chan struct{}
}

// ID returns the session's stable identifier.
func (s *Session) ID() string { return s.id }

// Name returns the operator-chosen display name.
func (s *Session) Name() string { return s.name }

// Color returns the operator-chosen display color.
func (s *Session) Color() string { return s.color }

// WorkingDirectory returns the directory the process is rooted at.
// Read-only after creation.
func (s *Session) WorkingDirectory() string { return s.workDir }

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the session's observable state.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Info{
		ID:              s.id,
		Name:            s.name,
		Color:           s.color,
		WorkDir:         s.workDir,
		State:           s.state,
		HasUnread:       s.hasUnread,
		DetectedOptions: append([]string(nil), s.detectedOptions...),
		CreatedAt:       s.createdAt,
	}
}

// Attach registers a sink for live frames and returns the scrollback
// snapshot to replay first. The snapshot and the registration happen under
// one lock acquisition: every frame appended after the snapshot reaches the
// sink, and none before it does.
func (s *Session) Attach(sink FrameSink) (uint64, []capture.Frame) {
	s.mu.Lock()
	id := s.nextSink
	s.nextSink++
	s.sinks[id] = sink
	snapshot := s.scrollback.Snapshot()
	s.viewers++
	stateChanged := s.hasUnread
	s.hasUnread = false
	s.mu.Unlock()

	if stateChanged {
		s.publishState()
	}
	return id, snapshot
}

// Detach removes a previously attached sink. Idempotent.
func (s *Session) Detach(id uint64) {
	s.mu.Lock()
	if _, ok := s.sinks[id]; ok {
		delete(s.sinks, id)
		s.viewers--
	}
	s.mu.Unlock()
}

// Write forwards input bytes to the process. Sending input clears any
// detected menu options: the user has answered.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return process.ErrNotRunning
	}
	proc := s.proc
	optionsCleared := s.detectedOptions != nil
	s.detectedOptions = nil
	s.mu.Unlock()

	if err := proc.Write(data); err != nil {
		return err
	}
	if optionsCleared {
		s.publishState()
	}
	return nil
}

// Resize forwards a terminal geometry change. A resize racing with process
// exit is expected and is not an error.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	proc := s.proc
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return nil
	}
	if err := proc.Resize(cols, rows); err != nil && err != process.ErrNotRunning {
		return err
	}
	return nil
}

// Terminate kills the process, cancels the idle timer, frees the fan-out
// set, and publishes the terminal closed event with the given reason.
// Safe to call more than once.
func (s *Session) Terminate(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateDisconnected
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	proc := s.proc
	s.sinks = make(map[uint64]FrameSink)
	s.mu.Unlock()

	if proc != nil {
		_ = proc.Stop()
		// Give the child a moment to exit before forcing it.
		go func() {
			select {
			case <-s.done:
			case <-time.After(3 * time.Second):
				_ = proc.Kill()
			}
		}()
	}

	s.publishState()
	s.bus.Publish(event.NewSessionClosedEvent(s.id, reason))
	s.logger.Info("session terminated", "reason", reason)
}

// Done is closed when the session's pipeline goroutine has fully stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// run is the session's pipeline goroutine: it drains process output through
// the preprocessor into the scrollback and fan-out set, and applies the
// bounded restart policy on unexpected exit. Exactly one run goroutine
// exists per session.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	restarts := 0
	for {
		s.drainOutput()

		s.mu.Lock()
		closed := s.closed
		proc := s.proc
		s.mu.Unlock()

		if closed {
			return
		}

		exit := proc.ExitStatus()
		if exit.Code == 0 {
			// Clean exit: the user ended the CLI; nothing to restart.
			s.logger.Info("process exited cleanly")
			s.Terminate("exited")
			return
		}

		tail := s.rawTail.Bytes()
		s.logger.Error("process exited unexpectedly",
			"exit_code", exit.Code,
			"restarts", restarts,
			"tail_bytes", len(tail),
			"tail", util.TruncateString(string(tail), 1024),
		)

		if restarts >= s.restartBudget {
			crashErr := errors.NewSessionError("restart budget exhausted",
				errors.ErrProcessCrashed).WithSessionID(s.id)
			s.logger.Error("giving up on session", "budget", s.restartBudget, "error", crashErr)
			s.Terminate("crashed")
			return
		}

		restarts++
		s.setState(StateReconnecting)
		s.appendNotice(fmt.Sprintf("\r\n[process exited with code %d, restarting (%d/%d)]\r\n",
			exit.Code, restarts, s.restartBudget))

		backoff := s.restartBackoff << (restarts - 1)
		if backoff > s.backoffMax {
			backoff = s.backoffMax
		}
		select {
		case <-ctx.Done():
			s.Terminate("shutdown")
			return
		case <-time.After(backoff):
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		next := s.spawner(s.procConfig)
		err := next.Start(ctx)
		if err == nil {
			s.proc = next
			s.pre = stream.New()
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("restart failed", "error", err)
			continue
		}
		s.setState(StateConnected)
	}
}

// drainOutput consumes the current process's output channel until it closes.
func (s *Session) drainOutput() {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	for chunk := range proc.Output() {
		s.handleChunk(chunk)
	}
}

// handleChunk runs one raw output chunk through the pipeline: diagnostics
// tail, preprocessing, scrollback append, menu-state reset, idle timer
// reset, and fan-out.
func (s *Session) handleChunk(raw []byte) {
	s.rawTail.Write(raw)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	res := s.pre.Process(raw)
	s.lastActivityAt = time.Now()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.detector.IdleWindow())
	}

	if res.Text == "" && !res.Clear {
		s.mu.Unlock()
		return
	}

	frame := capture.Frame{Text: res.Text, Clear: res.Clear}
	s.scrollback.Append(frame)

	stateChanged := false
	if s.detectedOptions != nil {
		// Fresh output supersedes a previously detected menu.
		s.detectedOptions = nil
		stateChanged = true
	}
	if s.viewers == 0 && !s.hasUnread {
		s.hasUnread = true
		stateChanged = true
	}

	// Fan out in production order while still holding the lock; sinks are
	// non-blocking by contract.
	for _, sink := range s.sinks {
		sink(frame)
	}
	s.mu.Unlock()

	if stateChanged {
		s.publishState()
	}
}

// evaluateMenu runs when the idle window elapses with no new output.
func (s *Session) evaluateMenu() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	idleFor := time.Since(s.lastActivityAt)
	text := renderTail(s.scrollback.Snapshot(), menuTailBytes)
	s.mu.Unlock()

	options, ok := s.detector.Detect(text, idleFor)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.closed || sameOptions(s.detectedOptions, options) {
		s.mu.Unlock()
		return
	}
	s.detectedOptions = options
	s.mu.Unlock()

	s.logger.Debug("menu detected", "options", len(options))
	s.publishState()
}

// setState transitions the connection state and publishes it.
func (s *Session) setState(state ConnectionState) {
	s.mu.Lock()
	if s.closed || s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.publishState()
}

// appendNotice adds a synthetic frame (restart banners) to the scrollback
// and fan-out, so viewers see why the stream paused.
func (s *Session) appendNotice(text string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	frame := capture.Frame{Text: text}
	s.scrollback.Append(frame)
	for _, sink := range s.sinks {
		sink(frame)
	}
	s.mu.Unlock()
}

// publishState emits the session's current observable state on the bus.
// Never called with the lock held: bus handlers may take their own locks.
func (s *Session) publishState() {
	s.mu.Lock()
	st := s.state
	unread := s.hasUnread
	options := append([]string(nil), s.detectedOptions...)
	s.mu.Unlock()

	s.bus.Publish(event.NewSessionStateEvent(s.id, string(st), unread, options))
}

// renderTail rebuilds the most recent normalized text from scrollback
// frames, honoring clear frames, capped to maxBytes.
func renderTail(frames []capture.Frame, maxBytes int) string {
	var sb strings.Builder
	for _, f := range frames {
		if f.Clear {
			sb.Reset()
		}
		sb.WriteString(f.Text)
	}
	text := sb.String()
	if len(text) > maxBytes {
		text = text[len(text)-maxBytes:]
	}
	return text
}

// sameOptions reports whether two option lists are identical.
func sameOptions(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
