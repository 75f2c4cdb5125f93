package tui

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// DisplayEvent is an event sent to a Display via the update channel.
type DisplayEvent interface {
	isDisplayEvent()
}

// Verify at compile time that message types implement DisplayEvent.
var (
	_ DisplayEvent = RunStartedMsg{}
	_ DisplayEvent = ProgressMsg{}
	_ DisplayEvent = TestProgressMsg{}
	_ DisplayEvent = OutputMsg{}
	_ DisplayEvent = RunFinishedMsg{}
	_ DisplayEvent = DoneMsg{}
	_ DisplayEvent = ErrorMsg{}
)

// Display renders session events.
type Display interface {
	Run(ctx context.Context, events <-chan DisplayEvent) error
}

// DisplayOptions configures display creation.
type DisplayOptions struct {
	Writer     io.Writer          // Output destination (default: os.Stdout).
	ForcePlain bool               // Force plain text even if TTY.
	ShowOutput bool               // Plain mode: echo raw tester output.
	CancelFunc context.CancelFunc // Called by TUI on abort keypress (ignored by PlainDisplay).
}

// NewDisplay returns a TUI display when the writer is a TTY, or a plain text
// display otherwise. ForcePlain overrides TTY detection.
func NewDisplay(opts DisplayOptions) Display {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}

	if opts.ForcePlain || !IsTTY(opts.Writer) {
		return &PlainDisplay{w: opts.Writer, showOutput: opts.ShowOutput}
	}

	return &TUIDisplay{w: opts.Writer, cancelFunc: opts.CancelFunc}
}

// IsTTY reports whether w is connected to a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Bridge manages the channel between an event producer and a Display consumer.
// After Stop, sends are dropped so the producer never blocks on a display
// that has gone away.
type Bridge struct {
	ch   chan DisplayEvent
	quit chan struct{}
	stop sync.Once

	mu     sync.Mutex
	closed bool
}

// NewBridge creates a Bridge with a buffered event channel.
func NewBridge() *Bridge {
	return &Bridge{ch: make(chan DisplayEvent, 256), quit: make(chan struct{})}
}

// Events returns the read-only channel for Display.Run() to consume.
func (b *Bridge) Events() <-chan DisplayEvent {
	return b.ch
}

// Send delivers an event to the display. It blocks while the buffer is full
// unless the bridge was stopped.
func (b *Bridge) Send(ev DisplayEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- ev:
	case <-b.quit:
	}
}

// Done signals the end of the session and closes the channel.
func (b *Bridge) Done() {
	b.finish(DoneMsg{})
}

// Error signals session failure and closes the channel.
func (b *Bridge) Error(err error) {
	b.finish(ErrorMsg{Err: err})
}

// Stop releases blocked and future senders. Call it once the display returns.
func (b *Bridge) Stop() {
	b.stop.Do(func() { close(b.quit) })
}

func (b *Bridge) finish(ev DisplayEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- ev:
	case <-b.quit:
	}
	close(b.ch)
	b.closed = true
}

// PlainDisplay renders events as timestamped text lines.
type PlainDisplay struct {
	w          io.Writer
	showOutput bool
	lastDecile int
}

// NewPlainDisplay returns a PlainDisplay writing to w.
func NewPlainDisplay(w io.Writer, showOutput bool) *PlainDisplay {
	return &PlainDisplay{w: w, showOutput: showOutput}
}

// Run loops over events, printing each as a text line.
// Returns the session error if one was reported, or context error if cancelled.
func (d *PlainDisplay) Run(ctx context.Context, events <-chan DisplayEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch msg := ev.(type) {
			case RunStartedMsg:
				d.lastDecile = 0
				d.printf("%s started", msg.Mode)
			case ProgressMsg:
				d.renderProgress(msg)
			case TestProgressMsg:
				d.renderTest(msg)
			case OutputMsg:
				if d.showOutput || msg.IsError {
					d.printf("  %s", msg.Text)
				}
			case RunFinishedMsg:
				d.renderFinished(msg)
			case DoneMsg:
				return nil
			case ErrorMsg:
				return msg.Err
			}
		}
	}
}

func (d *PlainDisplay) printf(format string, args ...any) {
	ts := time.Now().Format("15:04:05")
	_, _ = fmt.Fprintf(d.w, "[%s] "+format+"\n", append([]any{ts}, args...)...)
}

// renderProgress prints milestones and each new tenth of overall progress.
func (d *PlainDisplay) renderProgress(p ProgressMsg) {
	if p.Percent < 0 {
		d.printf("%s", p.Message)
		return
	}
	decile := p.Percent / 10
	if decile <= d.lastDecile && p.Percent != 100 {
		return
	}
	d.lastDecile = decile
	d.printf("[%3d%%] %s", p.Percent, p.Message)
}

// renderTest prints test starts, completions and cancellations only.
func (d *PlainDisplay) renderTest(tp TestProgressMsg) {
	switch {
	case tp.Percent < 0:
		d.printf("  %s cancelled", tp.Key)
	case tp.Percent == 0:
		d.printf("  %s started", tp.Key)
	case tp.Percent >= 100:
		d.printf("  %s completed", tp.Key)
	}
}

func (d *PlainDisplay) renderFinished(f RunFinishedMsg) {
	switch {
	case f.Success:
		d.printf("%s passed", f.Mode)
	case f.Cancelled:
		d.printf("%s cancelled", f.Mode)
	default:
		d.printf("%s failed (exit %d)", f.Mode, f.ExitCode)
		if f.Detail != "" {
			_, _ = fmt.Fprintf(d.w, "         %s\n", f.Detail)
		}
	}
}

// TUIDisplay renders events using a Bubble Tea terminal UI.
// Falls back to PlainDisplay if the TUI program fails to start.
type TUIDisplay struct {
	w          io.Writer
	cancelFunc context.CancelFunc
}

// Run starts the Bubble Tea program and feeds events from the channel.
// If the TUI fails to initialize, it falls back to plain text output.
func (d *TUIDisplay) Run(ctx context.Context, events <-chan DisplayEvent) error {
	var opts []ModelOption
	if d.cancelFunc != nil {
		opts = append(opts, WithCancelFunc(d.cancelFunc))
	}
	model := NewModel(opts...)
	p := tea.NewProgram(model, tea.WithOutput(d.w), tea.WithContext(ctx))

	// Forward events through an intermediate channel so we can stop
	// the goroutine cleanly on TUI failure before falling back.
	fwd := make(chan DisplayEvent, 16)
	stop := make(chan struct{})

	go func() {
		defer close(fwd)
		for ev := range events {
			select {
			case fwd <- ev:
			case <-stop:
				return
			}
		}
	}()

	go func() {
		for ev := range fwd {
			p.Send(ev)
		}
	}()

	final, err := p.Run()
	if err != nil {
		close(stop)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Fall back to plain text for remaining events from the original channel.
		plain := &PlainDisplay{w: d.w}
		return plain.Run(ctx, events)
	}

	if m, ok := final.(Model); ok && m.err != nil {
		return m.err
	}
	return nil
}
