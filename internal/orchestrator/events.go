package orchestrator

import (
	"time"

	"github.com/smileynet/rendercompare/internal/supervisor"
)

// Event is delivered to the host through an EventCallback.
// Implemented by RunStarted, RunFinished, Progress, TestProgress and OutputLine.
type Event interface {
	isEvent()
}

// EventCallback receives coordinator events. It is called from the
// coordinator's loop goroutine, one event at a time.
type EventCallback func(Event)

// Sentinel percents.
const (
	// PercentMilestone marks a Progress event that reports a phase milestone
	// rather than a percentage.
	PercentMilestone = -1
	// PercentCancelled marks a TestProgress event for a cancelled test.
	PercentCancelled = -1
)

// RunStarted is emitted once the first process of a run has launched.
type RunStarted struct {
	Mode string
}

// RunFinished is emitted exactly once per run.
type RunFinished struct {
	Outcome Outcome
}

// Progress reports overall progress of the primary run.
type Progress struct {
	Percent int
	Message string
}

// TestProgress reports progress of one test key.
type TestProgress struct {
	TestKey string
	Percent int
	Message string
}

// OutputLine is a raw line of tester output.
type OutputLine struct {
	Text    string
	IsError bool
}

func (RunStarted) isEvent()   {}
func (RunFinished) isEvent()  {}
func (Progress) isEvent()     {}
func (TestProgress) isEvent() {}
func (OutputLine) isEvent()   {}

// Outcome is the result of a run.
type Outcome struct {
	Success   bool
	Mode      string // Run label.
	ExitCode  int    // -1 when no exit code applies.
	Stdout    string
	Stderr    string
	Cancelled bool
	Duration  time.Duration
	Phases    []PhaseResult // One entry per process that exited.
}

// PhaseResult records how one invocation of a run ended.
type PhaseResult struct {
	Name     string
	ExitCode int
	Status   supervisor.ExitStatus
	Duration time.Duration
}

// Result is the metrics label for the outcome.
func (o Outcome) Result() string {
	switch {
	case o.Success:
		return "success"
	case o.Cancelled:
		return "cancelled"
	default:
		return "failure"
	}
}

// Messages used in events.
const (
	msgStarting         = "Starting..."
	msgCompleted        = "Completed"
	msgCancelled        = "Cancelled"
	msgProcessingDone   = "Processing completed"
	msgCancelledByUser  = "Operation cancelled by user"
	msgPhaseCompletedFn = "Phase %d completed"
	msgProcessingFn     = "Processing: %d/%d frames"
)
