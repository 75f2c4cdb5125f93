// Package orchestrator coordinates tester runs: it starts the invocations a
// run mode requires, chains dependent phases, runs the independent
// prepare-ui phase on its own process, and turns classified output into
// run, progress and per-test events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/smileynet/rendercompare/internal/attribution"
	"github.com/smileynet/rendercompare/internal/classify"
	"github.com/smileynet/rendercompare/internal/supervisor"
)

// Process runs one external process at a time.
// Defined here (the consumer) per Go convention: accept interfaces, return structs.
type Process interface {
	Start(program string, args []string, dir string) (<-chan supervisor.Event, error)
	Stop() supervisor.Exit
}

// Recorder observes coordinator activity for metrics.
type Recorder interface {
	LineClassified(kind classify.Kind)
	AttributionMissed()
	ActiveTests(n int)
	RunFinished(o Outcome)
}

// Sentinel errors.
var (
	ErrRunInProgress = errors.New("orchestrator: run already in progress")
	ErrStopped       = errors.New("orchestrator: coordinator stopped")
)

// InputError reports a run rejected before any process started.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	return e.Message
}

// State of the primary channel.
type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Status is a snapshot of the coordinator.
type Status struct {
	State              State
	Mode               Mode
	Label              string
	SecondQueued       bool
	IndependentRunning bool
	CurrentTest        string
	ActiveTests        []string
}

// Coordinator is the run state machine. All state is owned by the goroutine
// executing Run; the request methods hand work to it and wait for the reply.
type Coordinator struct {
	logger     zerolog.Logger
	emit       EventCallback
	recorder   Recorder
	newProcess func(name string) Process
	keys       classify.KeyDeriver
	grace      time.Duration

	commands chan command
	done     chan struct{}

	// Loop-owned.
	primary primaryRun
	side    sideRun
	tracker *attribution.Tracker
	current string
}

// primaryRun is the state of the primary, possibly chained, channel.
type primaryRun struct {
	proc         Process
	events       <-chan supervisor.Event // nil when idle.
	run          Run
	phase        int
	secondQueued bool
	started      time.Time
	results      []PhaseResult
}

func (p *primaryRun) running() bool { return p.events != nil }

// sideRun is the state of the independent phase channel.
type sideRun struct {
	proc    Process
	events  <-chan supervisor.Event // nil when idle.
	label   string
	name    string
	started time.Time
}

func (s *sideRun) running() bool { return s.events != nil }

type command struct {
	apply func() error
	reply chan error
}

const primaryName = "primary"

// Option configures a Coordinator.
type Option func(*Coordinator)

// New creates a Coordinator. Call Run to start its loop.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:   zerolog.Nop(),
		emit:     func(Event) {},
		recorder: nopRecorder{},
		grace:    supervisor.DefaultGrace,
		commands: make(chan command),
		done:     make(chan struct{}),
		tracker:  attribution.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.newProcess == nil {
		c.newProcess = func(name string) Process {
			opts := []supervisor.Option{supervisor.WithLogger(c.logger), supervisor.WithGrace(c.grace)}
			if name == primaryName {
				// Attribution depends on start and progress lines staying in write order.
				opts = append(opts, supervisor.WithMergedOutput())
			}
			return supervisor.New(name, opts...)
		}
	}
	c.primary.proc = c.newProcess(primaryName)
	c.side.proc = c.newProcess(LabelPrepareUI)
	return c
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithEventCallback sets the callback that receives every event.
func WithEventCallback(cb EventCallback) Option {
	return func(c *Coordinator) { c.emit = cb }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithProcessFactory overrides how process channels are created.
func WithProcessFactory(f func(name string) Process) Option {
	return func(c *Coordinator) { c.newProcess = f }
}

// WithResultsMarker sets the results-root directory name used to derive test keys.
func WithResultsMarker(marker string) Option {
	return func(c *Coordinator) { c.keys.Marker = marker }
}

// WithStopGrace sets the SIGTERM grace period of the default processes.
func WithStopGrace(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.grace = d
		}
	}
}

// Run processes requests and process output until ctx is done. Active
// processes are cancelled on return. Run must only be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.cancel()
			return ctx.Err()

		case cmd := <-c.commands:
			cmd.reply <- cmd.apply()

		case ev, ok := <-c.primary.events:
			if !ok {
				c.primary.events = nil
				continue
			}
			c.handlePrimary(ev)

		case ev, ok := <-c.side.events:
			if !ok {
				c.side.events = nil
				continue
			}
			c.handleSide(ev)
		}
	}
}

// do runs fn on the loop goroutine and waits for its result.
func (c *Coordinator) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.commands <- command{apply: fn, reply: reply}:
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrStopped
	}
}

// RequestRun starts a run. Invalid input and launch failures emit a failed
// RunFinished before returning the error. A run already in progress is
// rejected with ErrRunInProgress and no events.
func (c *Coordinator) RequestRun(run Run) error {
	return c.do(func() error { return c.startRun(run) })
}

// RequestIndependentPhase starts req on the independent channel, labelled
// label. A request while that channel is busy is ignored.
func (c *Coordinator) RequestIndependentPhase(label string, req Request) error {
	return c.do(func() error { return c.startSide(label, req) })
}

// Cancel stops every active process, reporting each still-active test as
// cancelled and a cancelled outcome per channel. It returns once the
// processes are gone, bounded by the stop grace period.
func (c *Coordinator) Cancel() error {
	return c.do(func() error {
		c.cancel()
		return nil
	})
}

// Status returns a snapshot of the coordinator state.
func (c *Coordinator) Status() (Status, error) {
	var st Status
	err := c.do(func() error {
		st = Status{
			IndependentRunning: c.side.running(),
			CurrentTest:        c.current,
			ActiveTests:        c.tracker.Active(),
		}
		if c.primary.running() {
			st.State = Running
			st.Mode = c.primary.run.Mode
			st.Label = c.primary.run.Label
			st.SecondQueued = c.primary.secondQueued
		}
		return nil
	})
	return st, err
}

func (c *Coordinator) startRun(run Run) error {
	if c.primary.running() {
		c.logger.Warn().Str("mode", run.Label).Str("active", c.primary.run.Label).Msg("run request rejected, run in progress")
		return ErrRunInProgress
	}
	if err := run.validate(); err != nil {
		c.logger.Error().Err(err).Str("mode", run.Label).Msg("run rejected")
		c.finish(Outcome{Mode: run.Label, ExitCode: -1, Stderr: err.Error()})
		return err
	}

	c.resetTracker()
	c.primary = primaryRun{proc: c.primary.proc, run: run, started: time.Now()}
	if err := c.launchPrimary(0); err != nil {
		return err
	}
	c.logger.Info().Str("mode", run.Label).Stringer("run_mode", run.Mode).Msg("run started")
	c.emit(RunStarted{Mode: run.Label})
	return nil
}

// launchPrimary starts phase i of the current run. On failure the run ends
// with a failed outcome.
func (c *Coordinator) launchPrimary(i int) error {
	req := c.primary.run.Phases[i]
	events, err := c.primary.proc.Start(req.Program, req.Args, req.WorkDir)
	if err != nil {
		c.logger.Error().Err(err).Str("phase", req.Name).Msg("launch failed")
		o := Outcome{
			Mode:     c.primary.run.Label,
			ExitCode: -1,
			Stderr:   err.Error(),
			Duration: time.Since(c.primary.started),
			Phases:   c.primary.results,
		}
		c.primary = primaryRun{proc: c.primary.proc}
		c.finish(o)
		return err
	}
	c.logger.Debug().Str("phase", req.Name).Str("dir", req.WorkDir).Msg("phase started")
	c.primary.events = events
	c.primary.phase = i
	return nil
}

func (c *Coordinator) handlePrimary(ev supervisor.Event) {
	switch ev.Kind {
	case supervisor.EventLine:
		c.handleLine(ev.Line, ev.Stream == supervisor.Stderr)
	case supervisor.EventExit:
		c.primaryExited(ev.Exit)
	}
}

func (c *Coordinator) primaryExited(exit supervisor.Exit) {
	req := c.primary.run.Phases[c.primary.phase]
	c.primary.events = nil
	c.primary.results = append(c.primary.results, PhaseResult{
		Name:     req.Name,
		ExitCode: exit.Code,
		Status:   exit.Status,
		Duration: exit.Duration,
	})
	c.logger.Info().
		Str("phase", req.Name).
		Int("code", exit.Code).
		Stringer("status", exit.Status).
		Dur("duration", exit.Duration).
		Msg("phase exited")

	// Tests still active were never observed completing; drop them.
	c.resetTracker()
	c.emit(Progress{Percent: 100, Message: msgProcessingDone})

	if c.primary.run.Mode == ModeChained && !c.primary.secondQueued {
		c.primary.secondQueued = true
		if !exit.Success() {
			c.logger.Warn().Str("phase", req.Name).Int("code", exit.Code).Msg("first phase failed, starting dependent phase anyway")
		}
		_ = c.launchPrimary(1)
		return
	}

	o := Outcome{
		Success:  exit.Success(),
		Mode:     c.primary.run.Label,
		ExitCode: exit.Code,
		Stdout:   exit.Stdout,
		Stderr:   exit.Stderr,
		Duration: time.Since(c.primary.started),
		Phases:   c.primary.results,
	}
	c.primary = primaryRun{proc: c.primary.proc}
	c.finish(o)
}

func (c *Coordinator) startSide(label string, req Request) error {
	if c.side.running() {
		c.logger.Debug().Str("label", label).Msg("independent phase already running, request ignored")
		return nil
	}
	if err := req.validate(); err != nil {
		c.logger.Error().Err(err).Str("mode", label).Msg("independent phase rejected")
		c.finish(Outcome{Mode: label, ExitCode: -1, Stderr: err.Error()})
		return err
	}
	events, err := c.side.proc.Start(req.Program, req.Args, req.WorkDir)
	if err != nil {
		c.logger.Error().Err(err).Str("mode", label).Msg("independent phase launch failed")
		c.finish(Outcome{Mode: label, ExitCode: -1, Stderr: err.Error()})
		return err
	}
	c.side = sideRun{proc: c.side.proc, events: events, label: label, name: req.Name, started: time.Now()}
	c.logger.Info().Str("mode", label).Msg("independent phase started")
	c.emit(RunStarted{Mode: label})
	return nil
}

func (c *Coordinator) handleSide(ev supervisor.Event) {
	switch ev.Kind {
	case supervisor.EventLine:
		c.emit(OutputLine{Text: "[" + c.side.label + "] " + ev.Line, IsError: ev.Stream == supervisor.Stderr})
	case supervisor.EventExit:
		exit := ev.Exit
		o := Outcome{
			Success:  exit.Success(),
			Mode:     c.side.label,
			ExitCode: exit.Code,
			Stdout:   exit.Stdout,
			Stderr:   exit.Stderr,
			Duration: time.Since(c.side.started),
			Phases: []PhaseResult{{
				Name:     c.side.name,
				ExitCode: exit.Code,
				Status:   exit.Status,
				Duration: exit.Duration,
			}},
		}
		c.logger.Info().Str("mode", c.side.label).Int("code", exit.Code).Msg("independent phase exited")
		c.side = sideRun{proc: c.side.proc}
		c.finish(o)
	}
}

// cancel stops both channels. Idle channels emit nothing. The two processes
// are stopped concurrently, so cancel waits at most one Stop bound (twice
// the grace period).
func (c *Coordinator) cancel() {
	var sideStopped chan struct{}
	if c.side.running() {
		sideStopped = make(chan struct{})
		go func(p Process) {
			defer close(sideStopped)
			p.Stop()
		}(c.side.proc)
	}

	if c.primary.running() {
		label := c.primary.run.Label
		c.logger.Info().Str("mode", label).Msg("cancelling run")
		c.primary.proc.Stop()
		for _, key := range c.tracker.Active() {
			c.emit(TestProgress{TestKey: key, Percent: PercentCancelled, Message: msgCancelled})
		}
		c.resetTracker()
		o := Outcome{
			Mode:      label,
			ExitCode:  -1,
			Stderr:    msgCancelledByUser,
			Cancelled: true,
			Duration:  time.Since(c.primary.started),
			Phases:    c.primary.results,
		}
		c.primary = primaryRun{proc: c.primary.proc}
		c.finish(o)
	}
	if sideStopped != nil {
		label := c.side.label
		c.logger.Info().Str("mode", label).Msg("cancelling independent phase")
		<-sideStopped
		o := Outcome{
			Mode:      label,
			ExitCode:  -1,
			Stderr:    fmt.Sprintf("%s cancelled by user", label),
			Cancelled: true,
			Duration:  time.Since(c.side.started),
		}
		c.side = sideRun{proc: c.side.proc}
		c.finish(o)
	}
}

func (c *Coordinator) finish(o Outcome) {
	c.recorder.RunFinished(o)
	c.emit(RunFinished{Outcome: o})
}

func (c *Coordinator) resetTracker() {
	c.tracker.Reset()
	c.current = ""
	c.recorder.ActiveTests(0)
}

type nopRecorder struct{}

func (nopRecorder) LineClassified(classify.Kind) {}
func (nopRecorder) AttributionMissed()           {}
func (nopRecorder) ActiveTests(int)              {}
func (nopRecorder) RunFinished(Outcome)          {}
