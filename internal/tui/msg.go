package tui

// RunStartedMsg reports that a run (or the independent phase) launched.
type RunStartedMsg struct {
	Mode string
}

// ProgressMsg reports overall progress. Percent is -1 for a milestone
// that carries only a message.
type ProgressMsg struct {
	Percent int
	Message string
}

// TestProgressMsg reports progress of one test. Percent is -1 when the test
// was cancelled.
type TestProgressMsg struct {
	Key     string
	Percent int
	Message string
}

// OutputMsg is one raw line of tester output.
type OutputMsg struct {
	Text    string
	IsError bool
}

// RunFinishedMsg reports the outcome of one run.
type RunFinishedMsg struct {
	Mode      string
	Success   bool
	Cancelled bool
	ExitCode  int
	Detail    string // stderr summary for failed runs
}

// DoneMsg signals that no more events follow.
type DoneMsg struct{}

// ErrorMsg signals that the session failed with an error.
type ErrorMsg struct {
	Err error
}

func (RunStartedMsg) isDisplayEvent()   {}
func (ProgressMsg) isDisplayEvent()     {}
func (TestProgressMsg) isDisplayEvent() {}
func (OutputMsg) isDisplayEvent()       {}
func (RunFinishedMsg) isDisplayEvent()  {}
func (DoneMsg) isDisplayEvent()         {}
func (ErrorMsg) isDisplayEvent()        {}
