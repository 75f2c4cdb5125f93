package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smileynet/rendercompare/internal/classify"
	"github.com/smileynet/rendercompare/internal/supervisor"
)

// fakeProcess is a Process driven by the test.
type fakeProcess struct {
	mu       sync.Mutex
	starts   [][]string // args of every Start call
	events   chan supervisor.Event
	startErr error
	stops    int

	// meet, when set, makes Stop wait for another Stop on the same channel.
	meet     chan struct{}
	stopWait time.Duration
	alone    bool // Stop gave up waiting for its peer.
}

func (f *fakeProcess) Start(program string, args []string, dir string) (<-chan supervisor.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, append([]string{program}, args...))
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.events = make(chan supervisor.Event, 64)
	return f.events, nil
}

func (f *fakeProcess) Stop() supervisor.Exit {
	f.mu.Lock()
	meet, wait := f.meet, f.stopWait
	f.mu.Unlock()
	if meet != nil {
		select {
		case meet <- struct{}{}:
		case <-meet:
		case <-time.After(wait):
			f.mu.Lock()
			f.alone = true
			f.mu.Unlock()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.events != nil {
		close(f.events)
		f.events = nil
	}
	return supervisor.Exit{Code: -1, Status: supervisor.Killed}
}

func (f *fakeProcess) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeProcess) startArgs(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[i]
}

func (f *fakeProcess) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// lines feeds stdout lines to the running process.
func (f *fakeProcess) lines(ls ...string) {
	f.mu.Lock()
	ch := f.events
	f.mu.Unlock()
	for _, l := range ls {
		ch <- supervisor.Event{Kind: supervisor.EventLine, Line: l, Stream: supervisor.Stdout}
	}
}

func (f *fakeProcess) stderr(l string) {
	f.mu.Lock()
	ch := f.events
	f.mu.Unlock()
	ch <- supervisor.Event{Kind: supervisor.EventLine, Line: l, Stream: supervisor.Stderr}
}

// exit ends the running process the way the supervisor does.
func (f *fakeProcess) exit(e supervisor.Exit) {
	f.mu.Lock()
	ch := f.events
	f.events = nil
	f.mu.Unlock()
	ch <- supervisor.Event{Kind: supervisor.EventExit, Exit: e}
	close(ch)
}

// eventLog collects emitted events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// waitCount blocks until at least n events of type T were emitted.
func waitCount[T Event](t *testing.T, l *eventLog, n int) []T {
	t.Helper()
	var got []T
	require.Eventually(t, func() bool {
		got = ofType[T](l.all())
		return len(got) >= n
	}, 5*time.Second, 2*time.Millisecond, "waiting for %d events of type %T", n, *new(T))
	return got
}

func ofType[T Event](events []Event) []T {
	var out []T
	for _, ev := range events {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// countingRecorder counts Recorder calls.
type countingRecorder struct {
	mu       sync.Mutex
	lines    map[classify.Kind]int
	misses   int
	active   int
	outcomes []Outcome
}

func (r *countingRecorder) LineClassified(k classify.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lines == nil {
		r.lines = map[classify.Kind]int{}
	}
	r.lines[k]++
}

func (r *countingRecorder) AttributionMissed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.misses++
}

func (r *countingRecorder) ActiveTests(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = n
}

func (r *countingRecorder) RunFinished(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

type harness struct {
	c       *Coordinator
	primary *fakeProcess
	side    *fakeProcess
	log     *eventLog
	rec     *countingRecorder
}

// newHarness starts a Coordinator over fake processes.
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		primary: &fakeProcess{},
		side:    &fakeProcess{},
		log:     &eventLog{},
		rec:     &countingRecorder{},
	}
	base := []Option{
		WithEventCallback(h.log.add),
		WithRecorder(h.rec),
		WithProcessFactory(func(name string) Process {
			if name == LabelPrepareUI {
				return h.side
			}
			return h.primary
		}),
	}
	h.c = New(append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
	return h
}

func request(name string) Request {
	return Request{
		Name:       name,
		Program:    "python",
		Args:       []string{"main.py", "--ini", "/cfg/tester.ini", name},
		WorkDir:    "/tool/src",
		ConfigPath: "/cfg/tester.ini",
	}
}

func singleRun() Run {
	return Run{Mode: ModeSingle, Label: LabelAll, Phases: []Request{request(SubcommandAll)}}
}

func chainedRun() Run {
	return Run{
		Mode:   ModeChained,
		Label:  LabelCompareAndPrepare,
		Phases: []Request{request(SubcommandCompare), request(SubcommandPrepareUI)},
	}
}

func exitCode(code int) supervisor.Exit {
	return supervisor.Exit{Code: code, Status: supervisor.NormalExit}
}

const resultsRoot = "/data/testSets_results/"
