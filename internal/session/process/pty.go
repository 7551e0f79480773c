package process

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// readBufferSize is the per-read buffer for draining the PTY.
const readBufferSize = 4096

// PTY runs a child process attached to a pseudo-terminal via creack/pty.
type PTY struct {
	config Config

	mu      sync.Mutex
	cmd     *exec.Cmd
	ptmx    *os.File
	started bool
	running bool
	exit    ExitStatus

	out  chan []byte
	done chan struct{}
}

// NewPTY creates an unstarted PTY process. NewPTY is a Spawner.
func NewPTY(cfg Config) Process {
	def := DefaultConfig()
	if cfg.Cols == 0 {
		cfg.Cols = def.Cols
	}
	if cfg.Rows == 0 {
		cfg.Rows = def.Rows
	}
	return &PTY{
		config: cfg,
		out:    make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

// Start spawns the child attached to a new PTY and begins draining its
// output. The context bounds only the spawn itself; the process outlives it.
func (p *PTY) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	if err := p.config.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(p.config.Command, p.config.Args...)
	cmd.Dir = p.config.WorkDir
	env := p.config.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(append([]string(nil), env...), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: p.config.Rows,
		Cols: p.config.Cols,
	})
	if err != nil {
		return err
	}

	p.cmd = cmd
	p.ptmx = ptmx
	p.started = true
	p.running = true

	go p.readLoop()

	return nil
}

// readLoop drains the PTY until it errors (process exit closes the slave
// side), then reaps the child and closes the output channel.
func (p *PTY) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.out <- chunk
		}
		if err != nil {
			break
		}
	}

	// The PTY can break while the child is still alive. Make sure the
	// child is gone before Wait, otherwise Wait blocks forever.
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.Signal(0)); err == nil {
			_ = cmd.Process.Kill()
		}
	}

	exit := ExitStatus{Code: 0}
	if err := cmd.Wait(); err != nil {
		exit.Err = err
		exit.Code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exit.Code = exitErr.ExitCode()
		}
	}

	p.mu.Lock()
	p.running = false
	p.exit = exit
	p.ptmx.Close()
	p.mu.Unlock()

	close(p.out)
	close(p.done)
}

// Output returns the raw output channel, closed on process exit.
func (p *PTY) Output() <-chan []byte {
	return p.out
}

// Write forwards bytes to the process input.
func (p *PTY) Write(data []byte) error {
	p.mu.Lock()
	running := p.running
	ptmx := p.ptmx
	p.mu.Unlock()

	if !running {
		return ErrNotRunning
	}
	_, err := ptmx.Write(data)
	if err == io.ErrClosedPipe {
		return ErrNotRunning
	}
	return err
}

// Resize changes the PTY geometry.
func (p *PTY) Resize(cols, rows uint16) error {
	p.mu.Lock()
	running := p.running
	ptmx := p.ptmx
	p.mu.Unlock()

	if !running {
		return ErrNotRunning
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Running reports whether the child is alive.
func (p *PTY) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stop sends SIGTERM to the child.
func (p *PTY) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill sends SIGKILL to the child.
func (p *PTY) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// ExitStatus reports how the child ended. Zero value until Output closes.
func (p *PTY) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// PID returns the child's process id.
func (p *PTY) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
