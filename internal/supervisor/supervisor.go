// Package supervisor runs one external process at a time and streams its
// output as lines.
package supervisor

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"
)

// DefaultGrace is how long Stop waits after SIGTERM before escalating.
const DefaultGrace = 2 * time.Second

// ErrAlreadyRunning is returned by Start while a process is active.
var ErrAlreadyRunning = errors.New("supervisor: process already running")

// LaunchError reports a process that could not be started.
type LaunchError struct {
	Program string
	Err     error
}

func (e *LaunchError) Error() string {
	if errors.Is(e.Err, exec.ErrNotFound) {
		return "Program not found: " + e.Program
	}
	return fmt.Sprintf("Failed to start %s: %v", e.Program, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Stream identifies which output stream a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// ExitStatus classifies how a process ended.
type ExitStatus int

const (
	NormalExit ExitStatus = iota // Process returned an exit code.
	CrashExit                    // Process was terminated by a signal or failed to wait.
	Killed                       // Process was stopped through Stop.
)

func (s ExitStatus) String() string {
	switch s {
	case NormalExit:
		return "normal"
	case CrashExit:
		return "crash"
	case Killed:
		return "killed"
	default:
		return "unknown"
	}
}

// Exit is the terminal state of one process.
type Exit struct {
	Code     int
	Status   ExitStatus
	Stdout   string // Tail of captured stdout.
	Stderr   string // Tail of captured stderr; the combined tail when output is merged.
	Duration time.Duration
	// Truncated is set when older output was dropped from Stdout or Stderr.
	Truncated bool
	Err       error // Wait error for crashes; nil otherwise.
}

// Success reports a normal exit with status code 0.
func (e Exit) Success() bool {
	return e.Status == NormalExit && e.Code == 0
}

// EventKind distinguishes line events from the terminal event.
type EventKind int

const (
	EventLine EventKind = iota
	EventExit
)

// Event is delivered on the channel returned by Start.
type Event struct {
	Kind   EventKind
	Line   string // EventLine.
	Stream Stream // EventLine.
	Exit   Exit   // EventExit.
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// WithGrace overrides the SIGTERM-to-SIGKILL grace period.
func WithGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithTailSize sets how many bytes of each stream are kept for the exit report.
func WithTailSize(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.tailSize = n
		}
	}
}

// WithMergedOutput sends stderr through the stdout pipe, so lines keep the
// order the process wrote them in. Every line is then tagged Stdout.
func WithMergedOutput() Option {
	return func(s *Supervisor) {
		s.merged = true
	}
}

// Supervisor owns at most one running process.
type Supervisor struct {
	name     string
	logger   zerolog.Logger
	grace    time.Duration
	tailSize int
	merged   bool
	lookPath func(string) (string, error)

	mu     sync.Mutex
	active *process
}

// process is the state of one started command.
type process struct {
	cmd      *exec.Cmd
	stopping chan struct{} // Closed by Stop; unblocks pending sends.
	exited   chan struct{} // Closed once Wait returned and exit is set.
	exit     Exit
}

// New creates a Supervisor. name appears in log messages.
func New(name string, opts ...Option) *Supervisor {
	s := &Supervisor{
		name:     name,
		logger:   zerolog.Nop(),
		grace:    DefaultGrace,
		tailSize: 1 << 20,
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Running reports whether a process is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Start launches program with args in dir. Lines arrive on the returned
// channel, followed by
// exactly one EventExit, after which the channel is closed. Once Stop has
// been called, pending lines and the EventExit are dropped and the channel
// is closed.
func (s *Supervisor) Start(program string, args []string, dir string) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return nil, ErrAlreadyRunning
	}

	path, err := s.lookPath(program)
	if err != nil {
		return nil, &LaunchError{Program: program, Err: err}
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	cmd.Stdin = nil
	cmd.WaitDelay = s.grace
	configureProcess(cmd)

	events := make(chan Event, 64)
	stopping := make(chan struct{})
	out := &lineWriter{stream: Stdout, events: events, stopping: stopping, tail: newTailBuffer(s.tailSize)}
	errw := &lineWriter{stream: Stderr, events: events, stopping: stopping, tail: newTailBuffer(s.tailSize)}
	// A shared mutex serializes both streams onto the channel.
	var emitMu sync.Mutex
	out.mu, errw.mu = &emitMu, &emitMu
	cmd.Stdout = out
	cmd.Stderr = errw
	if s.merged {
		// os/exec hands the child one descriptor when both writers are equal.
		cmd.Stderr = out
	}

	s.logger.Debug().
		Str("supervisor", s.name).
		Str("dir", dir).
		Str("cmd", commandLine(program, args)).
		Msg("starting process")

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Program: program, Err: err}
	}

	p := &process{cmd: cmd, stopping: stopping, exited: make(chan struct{})}
	s.active = p

	go func() {
		waitErr := cmd.Wait()
		out.flush()
		errw.flush()

		exit := exitFromWait(cmd, waitErr)
		exit.Stdout = out.tail.String()
		exit.Stderr = errw.tail.String()
		if s.merged {
			exit.Stderr = exit.Stdout
		}
		exit.Duration = time.Since(started)
		exit.Truncated = out.tail.Truncated() || errw.tail.Truncated()
		p.exit = exit
		close(p.exited)

		s.mu.Lock()
		if s.active == p {
			s.active = nil
		}
		s.mu.Unlock()

		s.logger.Debug().
			Str("supervisor", s.name).
			Int("code", exit.Code).
			Stringer("status", exit.Status).
			Dur("duration", exit.Duration).
			Msg("process exited")

		select {
		case <-stopping:
		default:
			select {
			case events <- Event{Kind: EventExit, Exit: exit}:
			case <-stopping:
			}
		}
		close(events)
	}()

	return events, nil
}

// Stop terminates the running process: SIGTERM to its process group, then
// SIGKILL after the grace period. It returns once the process is gone or a
// second grace period has passed, and always reports a Killed exit.
// Stop on an idle supervisor returns a Killed exit immediately.
func (s *Supervisor) Stop() Exit {
	s.mu.Lock()
	p := s.active
	s.active = nil
	s.mu.Unlock()

	if p == nil {
		return Exit{Code: -1, Status: Killed}
	}
	close(p.stopping)

	s.logger.Debug().Str("supervisor", s.name).Int("pid", p.cmd.Process.Pid).Msg("stopping process")
	terminateProcess(p.cmd)

	select {
	case <-p.exited:
	case <-time.After(s.grace):
		s.logger.Warn().Str("supervisor", s.name).Dur("grace", s.grace).Msg("process ignored SIGTERM, killing")
		killProcess(p.cmd)
		select {
		case <-p.exited:
		case <-time.After(s.grace):
			s.logger.Error().Str("supervisor", s.name).Msg("process did not exit after SIGKILL")
			return Exit{Code: -1, Status: Killed}
		}
	}

	exit := p.exit
	exit.Code = -1
	exit.Status = Killed
	exit.Err = nil
	return exit
}

// commandLine renders program and args as a shell-safe string for logs.
func commandLine(program string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellescape.Quote(program))
	for _, arg := range args {
		parts = append(parts, shellescape.Quote(arg))
	}
	return strings.Join(parts, " ")
}

// exitFromWait maps the result of cmd.Wait to an Exit.
func exitFromWait(cmd *exec.Cmd, err error) Exit {
	ps := cmd.ProcessState
	if ps == nil {
		return Exit{Code: -1, Status: CrashExit, Err: err}
	}
	if !ps.Exited() {
		return Exit{Code: ps.ExitCode(), Status: CrashExit, Err: err}
	}
	// ErrWaitDelay after a clean exit only means a grandchild held the pipes.
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		return Exit{Code: ps.ExitCode(), Status: CrashExit, Err: err}
	}
	return Exit{Code: ps.ExitCode(), Status: NormalExit}
}
