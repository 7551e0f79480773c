package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tetherdev/tether/internal/detect"
	"github.com/tetherdev/tether/internal/errors"
	"github.com/tetherdev/tether/internal/event"
	"github.com/tetherdev/tether/internal/logging"
	"github.com/tetherdev/tether/internal/session/capture"
	"github.com/tetherdev/tether/internal/session/process"
	"github.com/tetherdev/tether/internal/stream"
)

// Config holds the registry's session defaults and restart policy.
type Config struct {
	// Command is the CLI assistant executable each session runs.
	Command string
	// Args are passed to every spawned process.
	Args []string
	// DefaultWorkDir is used when Create is given an empty working directory,
	// and for the lazily created default session.
	DefaultWorkDir string

	// ScrollbackMaxBytes caps total normalized text retained per session.
	ScrollbackMaxBytes int
	// ScrollbackMaxFrames caps the frame count retained per session.
	ScrollbackMaxFrames int
	// DiagnosticTailBytes sizes the raw output ring kept for crash reports.
	DiagnosticTailBytes int

	// RestartBudget is the number of automatic restarts after unexpected
	// exits before a session is declared dead.
	RestartBudget int
	// RestartBackoff is the initial delay before the first restart; it
	// doubles per attempt up to RestartBackoffMax.
	RestartBackoff    time.Duration
	RestartBackoffMax time.Duration

	// DefaultCols and DefaultRows are the initial PTY geometry.
	DefaultCols uint16
	DefaultRows uint16

	// Detect holds the menu detection thresholds.
	Detect detect.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Command:             "claude",
		ScrollbackMaxBytes:  256 * 1024,
		ScrollbackMaxFrames: 2000,
		DiagnosticTailBytes: 2048,
		RestartBudget:       3,
		RestartBackoff:      500 * time.Millisecond,
		RestartBackoffMax:   8 * time.Second,
		DefaultCols:         80,
		DefaultRows:         24,
		Detect:              detect.DefaultConfig(),
	}
}

// Registry is the single owner of all sessions. All lifecycle transitions
// (create, restart, terminate) are serialized through it; concurrent reads
// of session state go through each session's own lock.
type Registry struct {
	config  Config
	spawner process.Spawner
	bus     *event.Bus
	logger  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string

	// defaultMu serializes lazy creation of the default session.
	defaultMu sync.Mutex
}

// NewRegistry creates a registry. The spawner is the process factory; tests
// inject a fake, production uses process.NewPTY.
func NewRegistry(cfg Config, spawner process.Spawner, bus *event.Bus, logger *logging.Logger) *Registry {
	def := DefaultConfig()
	if cfg.Command == "" {
		cfg.Command = def.Command
	}
	if cfg.ScrollbackMaxBytes <= 0 {
		cfg.ScrollbackMaxBytes = def.ScrollbackMaxBytes
	}
	if cfg.ScrollbackMaxFrames <= 0 {
		cfg.ScrollbackMaxFrames = def.ScrollbackMaxFrames
	}
	if cfg.DiagnosticTailBytes <= 0 {
		cfg.DiagnosticTailBytes = def.DiagnosticTailBytes
	}
	if cfg.RestartBudget <= 0 {
		cfg.RestartBudget = def.RestartBudget
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = def.RestartBackoff
	}
	if cfg.RestartBackoffMax <= 0 {
		cfg.RestartBackoffMax = def.RestartBackoffMax
	}
	if cfg.DefaultCols == 0 {
		cfg.DefaultCols = def.DefaultCols
	}
	if cfg.DefaultRows == 0 {
		cfg.DefaultRows = def.DefaultRows
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		config:   cfg,
		spawner:  spawner,
		bus:      bus,
		logger:   logger.WithComponent("registry"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Create spawns a new session running the configured command in workDir.
// The session is registered and its pipeline started before Create returns;
// a spawn failure registers nothing.
func (r *Registry) Create(name, color, workDir string) (*Session, error) {
	if workDir == "" {
		workDir = r.config.DefaultWorkDir
	}

	id := uuid.New().String()
	procConfig := process.Config{
		Command: r.config.Command,
		Args:    r.config.Args,
		WorkDir: workDir,
		Cols:    r.config.DefaultCols,
		Rows:    r.config.DefaultRows,
	}

	s := &Session{
		id:             id,
		name:           name,
		color:          color,
		workDir:        workDir,
		createdAt:      time.Now(),
		procConfig:     procConfig,
		spawner:        r.spawner,
		detector:       detect.NewMenuDetector(r.config.Detect),
		bus:            r.bus,
		logger:         r.logger.WithSession(id),
		restartBudget:  r.config.RestartBudget,
		restartBackoff: r.config.RestartBackoff,
		backoffMax:     r.config.RestartBackoffMax,
		state:          StateConnecting,
		scrollback:     capture.NewFrameBuffer(r.config.ScrollbackMaxBytes, r.config.ScrollbackMaxFrames),
		rawTail:        capture.NewRingBuffer(r.config.DiagnosticTailBytes),
		pre:            stream.New(),
		lastActivityAt: time.Now(),
		sinks:          make(map[uint64]FrameSink),
		done:           make(chan struct{}),
	}

	proc := r.spawner(procConfig)
	if err := proc.Start(r.ctx); err != nil {
		return nil, errors.NewSessionError("spawn failed",
			errors.Join(errors.ErrProcessSpawnFailed, err)).WithSessionID(id)
	}
	s.proc = proc
	s.state = StateConnected

	// The idle timer is created stopped; the first output chunk arms it.
	s.idleTimer = time.AfterFunc(s.detector.IdleWindow(), s.evaluateMenu)
	s.idleTimer.Stop()

	r.mu.Lock()
	r.sessions[id] = s
	r.order = append(r.order, id)
	r.mu.Unlock()

	go s.run(r.ctx)

	r.logger.Info("session created", "session_id", id, "name", name, "workdir", workDir)
	r.bus.Publish(event.NewSessionCreatedEvent(id, name, workDir))
	s.publishState()
	return s, nil
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.NewSessionError("lookup failed",
			errors.ErrInstanceNotFound).WithSessionID(id)
	}
	return s, nil
}

// List returns all sessions in creation order.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

// GetDefault returns the oldest live session, creating one rooted at the
// configured default working directory if none exists. Concurrent callers
// are serialized so only one default is ever created.
func (r *Registry) GetDefault() (*Session, error) {
	r.defaultMu.Lock()
	defer r.defaultMu.Unlock()

	r.mu.Lock()
	if len(r.order) > 0 {
		s := r.sessions[r.order[0]]
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	return r.Create("default", "", r.config.DefaultWorkDir)
}

// Write forwards input bytes to a session's process.
func (r *Registry) Write(id string, data []byte) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := s.Write(data); err != nil {
		return errors.NewSessionError("write failed",
			errors.Join(errors.ErrProcessDead, err)).WithSessionID(id)
	}
	return nil
}

// Resize forwards a geometry change to a session's PTY.
func (r *Registry) Resize(id string, cols, rows uint16) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Resize(cols, rows)
}

// Terminate destroys a session: kills its process, tears down its
// subscriptions, and removes it from the registry. Subsequent operations
// on the id fail with ErrInstanceNotFound.
func (r *Registry) Terminate(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		for i, sid := range r.order {
			if sid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return errors.NewSessionError("terminate failed",
			errors.ErrInstanceNotFound).WithSessionID(id)
	}
	s.Terminate("terminated")
	return nil
}

// TerminateAll shuts down every session. Failures are independent; all
// sessions are attempted and errors joined.
func (r *Registry) TerminateAll() error {
	r.mu.Lock()
	ids := append([]string(nil), r.order...)
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.Terminate(id); err != nil && !errors.IsNotFound(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close terminates all sessions and cancels the registry's run context.
func (r *Registry) Close() error {
	err := r.TerminateAll()
	r.cancel()
	return err
}
