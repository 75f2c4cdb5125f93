package orchestrator

import (
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smileynet/rendercompare/internal/classify"
	"github.com/smileynet/rendercompare/internal/supervisor"
)

func TestRequestRun_AttributesProgressToStartedTest(t *testing.T) {
	// Given a running single-invocation run
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(singleRun()))

	// When a test starts and reports progress
	h.primary.lines(
		"Starting comparison for: "+resultsRoot+"MLB/Yankees/Set1/F0001",
		"Progress: 10/50 frames (20%)",
	)

	// Then the test and overall progress are both reported at 20%
	got := waitCount[TestProgress](t, h.log, 2)
	assert.Equal(t, TestProgress{TestKey: "MLB/Yankees/Set1/F0001", Percent: 0, Message: "Starting..."}, got[0])
	assert.Equal(t, TestProgress{TestKey: "MLB/Yankees/Set1/F0001", Percent: 20, Message: "Processing: 10/50 frames"}, got[1])

	progress := waitCount[Progress](t, h.log, 1)
	assert.Equal(t, Progress{Percent: 20, Message: "Processing: 10/50 frames"}, progress[0])

	started := ofType[RunStarted](h.log.all())
	require.Len(t, started, 1)
	assert.Equal(t, LabelAll, started[0].Mode)
}

func TestRequestRun_UnknownSizesAssignedInStartOrder(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(singleRun()))

	h.primary.lines(
		"Starting comparison for: "+resultsRoot+"A/E/S/F0001",
		"Starting comparison for: "+resultsRoot+"A/E/S/F0002",
		"Progress: 5/200 frames (2%)",
		"Progress: 3/300 frames (1%)",
		"Progress: 6/200 frames (3%)",
	)

	got := waitCount[TestProgress](t, h.log, 5)
	assert.Equal(t, "A/E/S/F0001", got[2].TestKey)
	assert.Equal(t, 2, got[2].Percent)
	assert.Equal(t, "A/E/S/F0002", got[3].TestKey)
	assert.Equal(t, 1, got[3].Percent)
	assert.Equal(t, "A/E/S/F0001", got[4].TestKey)
	assert.Equal(t, 3, got[4].Percent)
}

func TestRequestRun_EmptyFolderProgressIsAttributed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(singleRun()))

	h.primary.lines(
		"Starting comparison for: "+resultsRoot+"A/E/S/F0001",
		"Progress: 0/0 frames (0%)",
	)

	got := waitCount[TestProgress](t, h.log, 2)
	assert.Equal(t, TestProgress{TestKey: "A/E/S/F0001", Percent: 0, Message: "Processing: 0/0 frames"}, got[1])
}

func TestRequestRun_UnattributableProgressStillReportsOverall(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(singleRun()))

	h.primary.lines("Progress: 1/10 frames (10%)")

	progress := waitCount[Progress](t, h.log, 1)
	assert.Equal(t, 10, progress[0].Percent)
	assert.Empty(t, ofType[TestProgress](h.log.all()))
	h.rec.mu.Lock()
	assert.Equal(t, 1, h.rec.misses)
	h.rec.mu.Unlock()
}

func TestRequestRun_OverallProgressSubClause(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(singleRun()))

	h.primary.lines(
		"Starting comparison for: "+resultsRoot+"NBA/Lakers/S2/F0010",
		"Overall progress: 120/400 frames (30%) - Current folder: 20/80 frames",
	)

	got := waitCount[TestProgress](t, h.log, 2)
	assert.Equal(t, TestProgress{TestKey: "NBA/Lakers/S2/F0010", Percent: 25, Message: "Processing: 20/80 frames"}, got[1])
	progress := waitCount[Progress](t, h.log, 1)
	assert.Equal(t, Progress{Percent: 30, Message: "Processing: 120/400 frames"}, progress[0])
}

func TestRequestRun_ExplicitCompletion(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(singleRun()))

	key := "NFL/Jets/SetA/F0123"
	h.primary.lines(
		"Starting comparison for: "+resultsRoot+key,
		"Successfully completed comparison for: "+resultsRoot+key,
	)

	got := waitCount[TestProgress](t, h.log, 2)
	assert.Equal(t, TestProgress{TestKey: key, Percent: 100, Message: "Completed"}, got[1])
	st, err := h.c.Status()
	require.NoError(t, err)
	assert.Empty(t, st.ActiveTests)
	assert.Empty(t, st.CurrentTest)
}

func TestRequestRun_UnderivableCompletionUsesCurrentTest(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(singleRun()))

	h.primary.lines(
		"Starting comparison for: "+resultsRoot+"A/B/C/F0001",
		"Successfully completed comparison for: somewhere else",
	)

	got := waitCount[TestProgress](t, h.log, 2)
	assert.Equal(t, TestProgress{TestKey: "A/B/C/F0001", Percent: 100, Message: "Completed"}, got[1])
	st, err := h.c.Status()
	require.NoError(t, err)
	assert.Empty(t, st.CurrentTest)
}

func TestRequestRun_ImplicitCompletionKeepsCurrentPointer(t *testing.T) {
	// Given an active test
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(singleRun()))
	key := "A/B/C/F0001"
	h.primary.lines("Starting comparison for: " + resultsRoot + key)
	waitCount[TestProgress](t, h.log, 1)

	// When the unnamed completion marker arrives
	h.primary.lines("Frame comparison completed")

	// Then the test completes but stays current
	got := waitCount[TestProgress](t, h.log, 2)
	assert.Equal(t, TestProgress{TestKey: key, Percent: 100, Message: "Completed"}, got[1])
	st, err := h.c.Status()
	require.NoError(t, err)
	assert.Equal(t, key, st.CurrentTest)
	assert.Empty(t, st.ActiveTests)

	// And a trailing explicit completion clears it
	h.primary.lines("Successfully completed comparison for: " + resultsRoot + key)
	waitCount[TestProgress](t, h.log, 3)
	st, err = h.c.Status()
	require.NoError(t, err)
	assert.Empty(t, st.CurrentTest)
}

func TestRequestRun_ImplicitCompletionWithoutCurrentUsesMostRecent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(singleRun()))

	h.primary.lines(
		"Starting comparison for: "+resultsRoot+"A/B/C/F0001",
		"Starting comparison for: "+resultsRoot+"A/B/C/F0002",
		"Successfully completed comparison for: "+resultsRoot+"A/B/C/F0002",
		"Frame comparison completed",
	)

	got := waitCount[TestProgress](t, h.log, 4)
	assert.Equal(t, TestProgress{TestKey: "A/B/C/F0001", Percent: 100, Message: "Completed"}, got[3])
}

func TestRequestRun_Milestones(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(singleRun()))

	h.primary.lines("Phase 2 completed", "All phases completed")

	got := waitCount[Progress](t, h.log, 2)
	assert.Equal(t, Progress{Percent: PercentMilestone, Message: "Phase 2 completed"}, got[0])
	assert.Equal(t, Progress{Percent: 100, Message: "Processing completed"}, got[1])
}

func TestRequestRun_ForwardsEveryLine(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(singleRun()))

	h.primary.lines("Loading sets", "Progress: 1/2 frames (50%)")
	h.primary.stderr("warning: slow disk")

	got := waitCount[OutputLine](t, h.log, 3)
	assert.Equal(t, []OutputLine{
		{Text: "Loading sets"},
		{Text: "Progress: 1/2 frames (50%)"},
		{Text: "warning: slow disk", IsError: true},
	}, got)

	// Status round-trips through the loop, so the last line is fully handled.
	_, err := h.c.Status()
	require.NoError(t, err)
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	assert.Equal(t, 2, h.rec.lines[classify.Unrecognized])
	assert.Equal(t, 1, h.rec.lines[classify.UnitProgress])
}

func TestRequestRun_ExitOutcome(t *testing.T) {
	tests := []struct {
		name        string
		exit        supervisor.Exit
		wantSuccess bool
		wantCode    int
	}{
		{"clean exit", exitCode(0), true, 0},
		{"failure exit", supervisor.Exit{Code: 1, Status: supervisor.NormalExit, Stderr: "Traceback: boom\n"}, false, 1},
		{"crash", supervisor.Exit{Code: -1, Status: supervisor.CrashExit}, false, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.c.RequestRun(singleRun()))

			h.primary.exit(tt.exit)

			got := waitCount[RunFinished](t, h.log, 1)
			o := got[0].Outcome
			assert.Equal(t, tt.wantSuccess, o.Success)
			assert.Equal(t, tt.wantCode, o.ExitCode)
			assert.Equal(t, LabelAll, o.Mode)
			assert.Equal(t, tt.exit.Stderr, o.Stderr)
			assert.False(t, o.Cancelled)
			require.Len(t, o.Phases, 1)
			assert.Equal(t, SubcommandAll, o.Phases[0].Name)

			progress := ofType[Progress](h.log.all())
			require.NotEmpty(t, progress)
			assert.Equal(t, Progress{Percent: 100, Message: "Processing completed"}, progress[len(progress)-1])

			st, err := h.c.Status()
			require.NoError(t, err)
			assert.Equal(t, Idle, st.State)
		})
	}
}

func TestRequestRun_ExitDropsActiveTestsSilently(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(singleRun()))
	h.primary.lines("Starting comparison for: " + resultsRoot + "A/B/C/F0001")

	h.primary.exit(exitCode(0))

	waitCount[RunFinished](t, h.log, 1)
	for _, tp := range ofType[TestProgress](h.log.all()) {
		assert.NotEqual(t, "Cancelled", tp.Message)
		assert.NotEqual(t, 100, tp.Percent)
	}
	st, err := h.c.Status()
	require.NoError(t, err)
	assert.Empty(t, st.ActiveTests)
}

func TestRequestRun_RejectsEmptyInputs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Request)
		wantMsg string
	}{
		{"program", func(r *Request) { r.Program = "" }, "Invalid executable path"},
		{"workdir", func(r *Request) { r.WorkDir = " " }, "Invalid tester path"},
		{"config", func(r *Request) { r.ConfigPath = "" }, "Invalid INI path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			run := singleRun()
			req := run.Phases[0]
			tt.mutate(&req)
			run.Phases = []Request{req}

			err := h.c.RequestRun(run)

			var ie *InputError
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, tt.wantMsg, ie.Message)
			assert.Zero(t, h.primary.startCount())

			events := h.log.all()
			require.Len(t, events, 1)
			o := events[0].(RunFinished).Outcome
			assert.False(t, o.Success)
			assert.Equal(t, -1, o.ExitCode)
			assert.Equal(t, tt.wantMsg, o.Stderr)
			assert.Empty(t, o.Stdout)
		})
	}
}

func TestRequestRun_RejectsModeMismatch(t *testing.T) {
	h := newHarness(t)

	err := h.c.RequestRun(Run{Mode: ModeChained, Label: "x", Phases: []Request{request("compare")}})

	var ie *InputError
	require.True(t, errors.As(err, &ie))
	assert.Zero(t, h.primary.startCount())
}

func TestRequestRun_ProgramNotFound(t *testing.T) {
	h := newHarness(t)
	h.primary.startErr = &supervisor.LaunchError{Program: "python", Err: exec.ErrNotFound}

	err := h.c.RequestRun(singleRun())

	require.Error(t, err)
	events := h.log.all()
	require.Len(t, events, 1)
	o := events[0].(RunFinished).Outcome
	assert.False(t, o.Success)
	assert.Equal(t, -1, o.ExitCode)
	assert.Equal(t, "Program not found: python", o.Stderr)

	st, err := h.c.Status()
	require.NoError(t, err)
	assert.Equal(t, Idle, st.State)
}

func TestRequestRun_RejectsWhileRunning(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(singleRun()))

	err := h.c.RequestRun(singleRun())

	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, 1, h.primary.startCount())
	assert.Empty(t, ofType[RunFinished](h.log.all()))
}

func TestCancel_ReportsActiveTestsThenOutcome(t *testing.T) {
	// Given two active tests
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(singleRun()))
	h.primary.lines(
		"Starting comparison for: "+resultsRoot+"A/B/C/F0001",
		"Starting comparison for: "+resultsRoot+"A/B/C/F0002",
	)
	waitCount[TestProgress](t, h.log, 2)

	// When cancelled
	require.NoError(t, h.c.Cancel())

	// Then both are reported cancelled before one failed outcome
	events := h.log.all()
	var tail []Event
	for i, ev := range events {
		if tp, ok := ev.(TestProgress); ok && tp.Message == "Cancelled" {
			tail = events[i:]
			break
		}
	}
	require.Len(t, tail, 3)
	assert.Equal(t, TestProgress{TestKey: "A/B/C/F0001", Percent: -1, Message: "Cancelled"}, tail[0])
	assert.Equal(t, TestProgress{TestKey: "A/B/C/F0002", Percent: -1, Message: "Cancelled"}, tail[1])
	o := tail[2].(RunFinished).Outcome
	assert.False(t, o.Success)
	assert.True(t, o.Cancelled)
	assert.Equal(t, -1, o.ExitCode)
	assert.Equal(t, "Operation cancelled by user", o.Stderr)
	assert.Equal(t, "cancelled", o.Result())

	assert.Equal(t, 1, h.primary.stopCount())
	st, err := h.c.Status()
	require.NoError(t, err)
	assert.Equal(t, Idle, st.State)
	assert.Empty(t, st.ActiveTests)

	// And a new run can start
	require.NoError(t, h.c.RequestRun(singleRun()))
}

func TestCancel_IdleEmitsNothing(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.c.Cancel())

	assert.Empty(t, h.log.all())
	assert.Zero(t, h.primary.stopCount())
}

func TestChainedRun_StartsSecondPhaseOnExit(t *testing.T) {
	// Given a chained run in its first phase
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(chainedRun()))
	require.Equal(t, SubcommandCompare, h.primary.startArgs(0)[4])

	// When the first phase exits cleanly
	h.primary.exit(exitCode(0))

	// Then prepare-ui starts without an outcome or Idle transition
	require.Eventually(t, func() bool { return h.primary.startCount() == 2 }, 5*time.Second, 2*time.Millisecond)
	assert.Equal(t, SubcommandPrepareUI, h.primary.startArgs(1)[4])
	st, err := h.c.Status()
	require.NoError(t, err)
	assert.Equal(t, Running, st.State)
	assert.Equal(t, ModeChained, st.Mode)
	assert.True(t, st.SecondQueued)
	assert.Empty(t, ofType[RunFinished](h.log.all()))

	// And only the second exit produces the outcome
	h.primary.exit(exitCode(0))
	got := waitCount[RunFinished](t, h.log, 1)
	o := got[0].Outcome
	assert.True(t, o.Success)
	assert.Equal(t, LabelCompareAndPrepare, o.Mode)
	require.Len(t, o.Phases, 2)
	assert.Equal(t, SubcommandCompare, o.Phases[0].Name)
	assert.Equal(t, SubcommandPrepareUI, o.Phases[1].Name)
	assert.Len(t, ofType[RunStarted](h.log.all()), 1)
	assert.Equal(t, 2, h.primary.startCount())
}

func TestChainedRun_FirstPhaseFailureStillRunsSecond(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(chainedRun()))

	h.primary.exit(exitCode(2))

	require.Eventually(t, func() bool { return h.primary.startCount() == 2 }, 5*time.Second, 2*time.Millisecond)
	h.primary.exit(exitCode(0))
	got := waitCount[RunFinished](t, h.log, 1)
	assert.True(t, got[0].Outcome.Success)
	assert.Equal(t, 2, got[0].Outcome.Phases[0].ExitCode)
}

func TestChainedRun_SecondLaunchFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(chainedRun()))
	h.primary.mu.Lock()
	h.primary.startErr = &supervisor.LaunchError{Program: "python", Err: exec.ErrNotFound}
	h.primary.mu.Unlock()

	h.primary.exit(exitCode(0))

	got := waitCount[RunFinished](t, h.log, 1)
	o := got[0].Outcome
	assert.False(t, o.Success)
	assert.Equal(t, "Program not found: python", o.Stderr)
	st, err := h.c.Status()
	require.NoError(t, err)
	assert.Equal(t, Idle, st.State)
}

func TestIndependentPhase_RunsAlongsidePrimary(t *testing.T) {
	// Given a primary run
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(singleRun()))

	// When the independent phase is requested twice
	require.NoError(t, h.c.RequestIndependentPhase(LabelPrepareUI, request(SubcommandPrepareUI)))
	require.NoError(t, h.c.RequestIndependentPhase(LabelPrepareUI, request(SubcommandPrepareUI)))

	// Then it starts once on its own process
	assert.Equal(t, 1, h.side.startCount())
	assert.Equal(t, 1, h.primary.startCount())

	// And its lines are prefixed and never classified
	h.side.lines("Progress: 1/2 frames (50%)")
	out := waitCount[OutputLine](t, h.log, 1)
	assert.Equal(t, OutputLine{Text: "[prepare-ui] Progress: 1/2 frames (50%)"}, out[0])
	assert.Empty(t, ofType[Progress](h.log.all()))

	// And its exit reports its own outcome while the primary keeps running
	h.side.exit(exitCode(0))
	got := waitCount[RunFinished](t, h.log, 1)
	assert.Equal(t, LabelPrepareUI, got[0].Outcome.Mode)
	assert.True(t, got[0].Outcome.Success)
	st, err := h.c.Status()
	require.NoError(t, err)
	assert.Equal(t, Running, st.State)
	assert.False(t, st.IndependentRunning)

	started := ofType[RunStarted](h.log.all())
	require.Len(t, started, 2)
	assert.Equal(t, LabelPrepareUI, started[1].Mode)
}

func TestIndependentPhase_RejectsEmptyInputs(t *testing.T) {
	h := newHarness(t)
	req := request(SubcommandPrepareUI)
	req.ConfigPath = ""

	err := h.c.RequestIndependentPhase(LabelPrepareUI, req)

	require.Error(t, err)
	got := ofType[RunFinished](h.log.all())
	require.Len(t, got, 1)
	assert.Equal(t, LabelPrepareUI, got[0].Outcome.Mode)
	assert.Equal(t, "Invalid INI path", got[0].Outcome.Stderr)
	assert.Zero(t, h.side.startCount())
}

func TestCancel_StopsBothChannels(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.RequestRun(singleRun()))
	require.NoError(t, h.c.RequestIndependentPhase(LabelPrepareUI, request(SubcommandPrepareUI)))

	require.NoError(t, h.c.Cancel())

	got := ofType[RunFinished](h.log.all())
	require.Len(t, got, 2)
	assert.Equal(t, "Operation cancelled by user", got[0].Outcome.Stderr)
	assert.Equal(t, LabelPrepareUI, got[1].Outcome.Mode)
	assert.Equal(t, "prepare-ui cancelled by user", got[1].Outcome.Stderr)
	assert.True(t, got[1].Outcome.Cancelled)
	assert.Equal(t, 1, h.side.stopCount())
}

func TestCancel_StopsChannelsConcurrently(t *testing.T) {
	// Given both channels running, each Stop blocking until the other starts
	h := newHarness(t)
	meet := make(chan struct{})
	for _, p := range []*fakeProcess{h.primary, h.side} {
		p.mu.Lock()
		p.meet, p.stopWait = meet, 2*time.Second
		p.mu.Unlock()
	}
	require.NoError(t, h.c.RequestRun(singleRun()))
	require.NoError(t, h.c.RequestIndependentPhase(LabelPrepareUI, request(SubcommandPrepareUI)))

	// When the run is cancelled
	require.NoError(t, h.c.Cancel())

	// Then the two stops overlapped
	for _, p := range []*fakeProcess{h.primary, h.side} {
		p.mu.Lock()
		assert.False(t, p.alone, "Stop ran without its peer")
		p.mu.Unlock()
	}
	assert.Len(t, ofType[RunFinished](h.log.all()), 2)
}

func TestRequest_AfterRunStopped(t *testing.T) {
	c := New()
	close(c.done) // as if Run had returned

	assert.ErrorIs(t, c.RequestRun(singleRun()), ErrStopped)
	assert.ErrorIs(t, c.Cancel(), ErrStopped)
	_, err := c.Status()
	assert.ErrorIs(t, err, ErrStopped)
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "single", ModeSingle.String())
	assert.Equal(t, "chained", ModeChained.String())
	assert.Equal(t, "none", ModeNone.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "idle", Idle.String())
}
