package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/smileynet/rendercompare/internal/config"
	"github.com/smileynet/rendercompare/internal/history"
	"github.com/smileynet/rendercompare/internal/inifile"
	"github.com/smileynet/rendercompare/internal/metrics"
	"github.com/smileynet/rendercompare/internal/orchestrator"
	"github.com/smileynet/rendercompare/internal/report"
	"github.com/smileynet/rendercompare/internal/tui"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Globals are flags shared by every command.
type Globals struct {
	Config  string `help:"Extra config file, applied after the user and project layers." type:"path"`
	Verbose bool   `help:"Enable debug logging." short:"v"`
}

// CLI is the top-level command structure for rendercompare.
type CLI struct {
	Globals

	Version    kong.VersionFlag `help:"Show version." short:"V"`
	Run        RunCmd           `cmd:"" help:"Run the freeDView tester."`
	History    HistoryCmd       `cmd:"" help:"Inspect recorded runs."`
	Init       InitCmd          `cmd:"" help:"Write a starter .rendercompare/config.yaml."`
	VersionCmd VersionCmd       `cmd:"" name:"version" help:"Print version information."`
}

// VersionCmd prints build information.
type VersionCmd struct{}

// Run executes the version command.
func (VersionCmd) Run() error {
	_, err := fmt.Fprintf(os.Stdout, "rendercompare %s (commit %s, built %s)\n", version, commit, date)
	return err
}

// Run modes accepted on the command line.
const (
	modeAll       = "all"
	modeCompare   = "compare"
	modePrepareUI = "prepare-ui"
)

// RunCmd launches one tester run and renders its progress.
type RunCmd struct {
	Mode          string   `arg:"" optional:"" enum:"all,compare,prepare-ui" default:"all" help:"all runs every phase; compare runs compare then prepare-ui; prepare-ui runs only the UI-data phase."`
	NoTUI         bool     `help:"Force plain text output even if stdout is a TTY." default:"false"`
	ShowOutput    bool     `help:"Echo raw tester output in plain mode."`
	WithPrepareUI bool     `help:"Also run prepare-ui as an independent phase alongside the run."`
	MetricsAddr   string   `help:"Serve Prometheus metrics on host:port while running."`
	Test          []string `help:"Limit the run to these test keys (rewrites run_on_test_list)." xor:"tests"`
	AllTests      bool     `help:"Clear run_on_test_list so every test runs." xor:"tests"`
}

// loadConfig loads layered config from user and project paths with env overrides.
func loadConfig(extra string) (*config.Config, error) {
	paths := []string{
		os.ExpandEnv("$HOME/.config/rendercompare/config.yaml"),
		".rendercompare/config.yaml",
	}
	if extra != "" {
		paths = append(paths, extra)
	}
	cfg, err := config.LoadLayered(paths...)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger writes logs to w, human-readable when console is set and JSON
// otherwise. Warnings and errors only, unless verbose.
func newLogger(w io.Writer, console, verbose bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339Nano}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// resolveINI reads the renderCompare.ini named in cfg, or discovers one next
// to the executable or in the working directory.
func resolveINI(cfg *config.Config) (*inifile.Config, error) {
	path := cfg.Tool.INI
	if path == "" {
		var starts []string
		if exe, err := os.Executable(); err == nil {
			starts = append(starts, filepath.Dir(exe))
		}
		if wd, err := os.Getwd(); err == nil {
			starts = append(starts, wd)
		}
		found, err := inifile.Discover(starts...)
		if err != nil {
			return nil, err
		}
		path = found
	}
	return inifile.Read(path)
}

// invocation combines config and INI into the tester command line. Config
// values win; the INI fills what config leaves empty.
func invocation(cfg *config.Config, ini *inifile.Config) orchestrator.Invocation {
	root := cfg.Tool.Root
	if root == "" {
		root = ini.ToolRoot
	}
	return orchestrator.Invocation{
		Executable: cfg.Tool.Python,
		Script:     cfg.Tool.Script,
		ConfigFlag: cfg.Tool.ConfigFlag,
		ToolRoot:   root,
		ConfigPath: ini.Path,
	}
}

func resultsMarker(cfg *config.Config, ini *inifile.Config) string {
	if cfg.Tool.ResultsMarker != "" {
		return cfg.Tool.ResultsMarker
	}
	return ini.ResultsMarker()
}

// selectRun maps a command-line mode to a coordinator run.
func selectRun(mode string, inv orchestrator.Invocation) (orchestrator.Run, error) {
	switch mode {
	case modeAll, "":
		return inv.All(), nil
	case modeCompare:
		return inv.CompareAndPrepare(), nil
	case modePrepareUI:
		return inv.PrepareUIRun(), nil
	}
	return orchestrator.Run{}, fmt.Errorf("unknown mode %q", mode)
}

// Run executes the run command.
func (r *RunCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g.Config)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if r.MetricsAddr != "" {
		cfg.Metrics.Addr = r.MetricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if r.WithPrepareUI && r.Mode == modePrepareUI {
		return errors.New("run: --with-prepare-ui cannot be combined with prepare-ui mode")
	}

	ini, err := resolveINI(cfg)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	inv := invocation(cfg, ini)
	run, err := selectRun(r.Mode, inv)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if len(r.Test) > 0 || r.AllTests {
		// The tester reads the list from the INI it is handed, which may be
		// its own rather than ours.
		if target := run.Phases[0].ConfigPath; target != "" {
			if err := inifile.SetRunOnTests(target, r.Test); err != nil {
				return fmt.Errorf("run: %w", err)
			}
		}
	}

	useTUI := !r.NoTUI && tui.IsTTY(os.Stdout)
	logOut := io.Writer(os.Stderr)
	if useTUI {
		// Log lines would tear the TUI; keep them in a file instead.
		f, err := openLogFile(cfg)
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}
		defer func() { _ = f.Close() }()
		logOut = f
	}
	logger := newLogger(logOut, !useTUI, g.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// The TUI cancels through this on abort keypress.
	sessionCtx, sessionCancel := context.WithCancel(ctx)
	defer sessionCancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(reg)
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(sessionCtx, cfg.Metrics.Addr, reg); err != nil {
				logger.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("metrics endpoint failed")
			}
		}()
	}

	var saver history.Saver
	if cfg.History.Enabled {
		saver = history.NewStore(cfg.History.Dir)
	}
	recorder := history.NewRecorder(saver, history.WithLogger(logger))

	bridge := tui.NewBridge()
	display := tui.NewDisplay(tui.DisplayOptions{
		Writer:     os.Stdout,
		ForcePlain: !useTUI,
		ShowOutput: r.ShowOutput,
		CancelFunc: sessionCancel,
	})

	s := &session{
		display:  display,
		bridge:   bridge,
		recorder: recorder,
		logger:   logger,
		options: []orchestrator.Option{
			orchestrator.WithLogger(logger),
			orchestrator.WithRecorder(collector),
			orchestrator.WithResultsMarker(resultsMarker(cfg, ini)),
			orchestrator.WithStopGrace(cfg.Runtime.StopGrace),
		},
	}
	var side *orchestrator.Request
	if r.WithPrepareUI {
		req := inv.PrepareUI()
		side = &req
	}

	runErr := s.execute(sessionCtx, run, side)

	f := report.Formatter{Color: tui.IsTTY(os.Stdout)}
	for _, rec := range recorder.Finished() {
		_, _ = fmt.Fprintln(os.Stdout)
		if err := f.WriteRun(os.Stdout, rec); err != nil {
			logger.Warn().Err(err).Msg("rendering report failed")
		}
	}
	return runErr
}

func openLogFile(cfg *config.Config) (*os.File, error) {
	dir := ".rendercompare"
	if cfg.History.Enabled {
		dir = cfg.History.Dir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return os.OpenFile(filepath.Join(dir, "rendercompare.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// session wires one coordinator to a display and a recorder.
type session struct {
	display  tui.Display
	bridge   *tui.Bridge
	recorder *history.Recorder
	logger   zerolog.Logger
	options  []orchestrator.Option
}

// execute submits run (and side, when set, as the independent phase) and
// waits until every submitted run has finished. Ending ctx, or the display
// returning early, cancels whatever is still running.
func (s *session) execute(ctx context.Context, run orchestrator.Run, side *orchestrator.Request) error {
	finished := make(chan orchestrator.Outcome, 4)
	opts := append([]orchestrator.Option{
		orchestrator.WithEventCallback(fanout(
			s.recorder.Observe,
			bridgeEventCallback(s.bridge),
			notifyFinished(finished),
		)),
	}, s.options...)
	coord := orchestrator.New(opts...)

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- coord.Run(loopCtx) }()

	displayDone := make(chan error, 1)
	go func() { displayDone <- s.display.Run(context.Background(), s.bridge.Events()) }()

	pending := 0
	var setupErr error
	submit := func(err error) {
		if errors.Is(err, orchestrator.ErrRunInProgress) || errors.Is(err, orchestrator.ErrStopped) {
			setupErr = err
			return
		}
		// Rejections and launch failures still report a RunFinished.
		pending++
		if err != nil && setupErr == nil {
			setupErr = err
		}
	}
	submit(coord.RequestRun(run))
	if side != nil && setupErr == nil {
		submit(coord.RequestIndependentPhase(orchestrator.LabelPrepareUI, *side))
	}

	var (
		outcomes   []orchestrator.Outcome
		displayErr error
		cancelled  = ctx.Done()
	)
	for pending > 0 {
		select {
		case o := <-finished:
			outcomes = append(outcomes, o)
			pending--
		case <-cancelled:
			cancelled = nil
			s.logger.Info().Msg("cancelling session")
			if err := coord.Cancel(); err != nil {
				s.logger.Warn().Err(err).Msg("cancel failed")
			}
		case displayErr = <-displayDone:
			displayDone = nil
			s.bridge.Stop()
			if err := coord.Cancel(); err != nil {
				s.logger.Warn().Err(err).Msg("cancel failed")
			}
		}
	}

	s.bridge.Done()
	if displayDone != nil {
		displayErr = <-displayDone
	}
	s.bridge.Stop()
	stopLoop()
	<-loopDone

	if setupErr != nil {
		return setupErr
	}
	if displayErr != nil && !errors.Is(displayErr, context.Canceled) {
		return fmt.Errorf("display: %w", displayErr)
	}
	for _, o := range outcomes {
		if !o.Success {
			return &runError{outcome: o}
		}
	}
	return nil
}

// runError reports a run that started but did not succeed.
type runError struct {
	outcome orchestrator.Outcome
}

func (e *runError) Error() string {
	if e.outcome.Cancelled {
		return e.outcome.Mode + " cancelled"
	}
	msg := fmt.Sprintf("%s failed with exit code %d", e.outcome.Mode, e.outcome.ExitCode)
	if d := summary(e.outcome.Stderr); d != "" {
		msg += ": " + d
	}
	return msg
}

// fanout calls every callback in order.
func fanout(cbs ...orchestrator.EventCallback) orchestrator.EventCallback {
	return func(ev orchestrator.Event) {
		for _, cb := range cbs {
			cb(ev)
		}
	}
}

func notifyFinished(ch chan<- orchestrator.Outcome) orchestrator.EventCallback {
	return func(ev orchestrator.Event) {
		if f, ok := ev.(orchestrator.RunFinished); ok {
			ch <- f.Outcome
		}
	}
}

// bridgeEventCallback converts coordinator events to display messages and
// sends them through the bridge.
func bridgeEventCallback(bridge *tui.Bridge) orchestrator.EventCallback {
	return func(ev orchestrator.Event) {
		if msg, ok := toDisplayEvent(ev); ok {
			bridge.Send(msg)
		}
	}
}

func toDisplayEvent(ev orchestrator.Event) (tui.DisplayEvent, bool) {
	switch e := ev.(type) {
	case orchestrator.RunStarted:
		return tui.RunStartedMsg{Mode: e.Mode}, true
	case orchestrator.RunFinished:
		o := e.Outcome
		return tui.RunFinishedMsg{
			Mode:      o.Mode,
			Success:   o.Success,
			Cancelled: o.Cancelled,
			ExitCode:  o.ExitCode,
			Detail:    summary(o.Stderr),
		}, true
	case orchestrator.Progress:
		return tui.ProgressMsg{Percent: e.Percent, Message: e.Message}, true
	case orchestrator.TestProgress:
		return tui.TestProgressMsg{Key: e.TestKey, Percent: e.Percent, Message: e.Message}, true
	case orchestrator.OutputLine:
		return tui.OutputMsg{Text: e.Text, IsError: e.IsError}, true
	}
	return nil, false
}

// summary returns the last non-blank line of stderr.
func summary(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// Exit codes.
const (
	exitSuccess = 0
	exitRun     = 1
	exitSetup   = 2
)

// exitCode maps an error to the appropriate exit code.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var re *runError
	if errors.As(err, &re) {
		return exitRun
	}
	return exitSetup
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("rendercompare"),
		kong.Description("Drive the freeDView render-comparison tester and track per-test progress."),
		kong.Vars{"version": version + " " + commit + " " + date},
	)
	err := ctx.Run(&cli.Globals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(exitCode(err))
	}
}
