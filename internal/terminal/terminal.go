// Package terminal is the domain expansion named in spec's subscription
// list (e): a PTY-backed terminal session multiplexed by the session
// bridge alongside agent timelines and checkout diffs, grounded on the
// teacher's internal/worker/terminal.
package terminal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/paseohq/paseo/internal/metrics"
)

// screenBufferSize bounds the ring buffer used to replay recent output
// to a client that (re)subscribes mid-session.
const screenBufferSize = 100 * 1024

// screenBuffer is a thread-safe ring buffer of recent PTY output.
type screenBuffer struct {
	mu   sync.Mutex
	buf  []byte
	pos  int
	full bool
}

func newScreenBuffer() *screenBuffer {
	return &screenBuffer{buf: make([]byte, screenBufferSize)}
}

func (sb *screenBuffer) write(data []byte) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for len(data) > 0 {
		n := copy(sb.buf[sb.pos:], data)
		data = data[n:]
		sb.pos += n
		if sb.pos >= len(sb.buf) {
			sb.pos = 0
			sb.full = true
		}
	}
}

func (sb *screenBuffer) snapshot() []byte {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if !sb.full {
		out := make([]byte, sb.pos)
		copy(out, sb.buf[:sb.pos])
		return out
	}
	out := make([]byte, len(sb.buf))
	n := copy(out, sb.buf[sb.pos:])
	copy(out[n:], sb.buf[:sb.pos])
	return out
}

// OutputFunc is called for each chunk of PTY output.
type OutputFunc func(data []byte)

// ExitFunc is called once, when the shell process exits.
type ExitFunc func(exitCode int)

// Options configures a new Session.
type Options struct {
	ID         string
	Shell      string // empty resolves via resolveDefaultShell
	WorkingDir string
	Cols       uint16
	Rows       uint16
}

// Session is one live PTY-backed shell.
type Session struct {
	id        string
	cmd       *exec.Cmd
	ptmx      *os.File
	screenBuf *screenBuffer

	mu      sync.Mutex
	stopped bool

	exitCh   chan struct{}
	exitCode int
}

// Start spawns a new shell under a PTY of the given size.
func Start(opts Options, onOutput OutputFunc, onExit ExitFunc) (*Session, error) {
	shell := opts.Shell
	if shell == "" {
		shell = resolveDefaultShell()
	}

	cmd := exec.Command(shell)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	size := &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows}
	if size.Cols == 0 {
		size.Cols = 80
	}
	if size.Rows == 0 {
		size.Rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("terminal: start pty: %w", err)
	}

	screenBuf := newScreenBuffer()
	s := &Session{
		id:        opts.ID,
		cmd:       cmd,
		ptmx:      ptmx,
		screenBuf: screenBuf,
		exitCh:    make(chan struct{}),
	}

	metrics.ActiveTerminals.Inc()
	go s.readOutput(func(data []byte) {
		screenBuf.write(data)
		onOutput(data)
	})
	go s.waitForExit(onExit)

	slog.Info("terminal: started", "terminal_id", opts.ID, "shell", shell, "pid", cmd.Process.Pid)
	return s, nil
}

// ID returns the session's id.
func (s *Session) ID() string { return s.id }

// Write sends input to the shell.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("terminal: session %s is stopped", s.id)
	}
	_, err := s.ptmx.Write(data)
	return err
}

// Resize changes the PTY's reported dimensions.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("terminal: session %s is stopped", s.id)
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Snapshot returns the buffered recent output, for a client that
// subscribes after the session already produced output.
func (s *Session) Snapshot() []byte { return s.screenBuf.snapshot() }

// Stop terminates the shell process and releases the PTY.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	metrics.ActiveTerminals.Dec()
	_ = s.ptmx.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

func (s *Session) readOutput(onOutput OutputFunc) {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			onOutput(data)
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("terminal: read error", "terminal_id", s.id, "error", err)
			}
			return
		}
	}
}

func (s *Session) waitForExit(onExit ExitFunc) {
	err := s.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	s.mu.Lock()
	s.exitCode = code
	wasStopped := s.stopped
	s.stopped = true
	s.mu.Unlock()
	if !wasStopped {
		metrics.ActiveTerminals.Dec()
	}
	close(s.exitCh)
	slog.Info("terminal: exited", "terminal_id", s.id, "exit_code", code)
	if onExit != nil {
		onExit(code)
	}
}
