package history

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/smileynet/rendercompare/internal/orchestrator"
)

// DefaultTailLines is how many trailing stdout lines a Record keeps.
const DefaultTailLines = 20

// Saver persists records. *Store satisfies it.
type Saver interface {
	Save(Record) error
}

var _ Saver = (*Store)(nil)

// Recorder turns coordinator events into Records. Observe is safe to call
// from the coordinator's event callback.
type Recorder struct {
	saver     Saver
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string
	tailLines int

	mu      sync.Mutex
	started map[string]time.Time // by run label
	owner   string               // label that owns per-test progress
	tests   []TestResult
	index   map[string]int
	done    []Record
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithLogger sets the logger for save failures.
func WithLogger(l zerolog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithIDFunc replaces the random run ID generator.
func WithIDFunc(f func() string) RecorderOption {
	return func(r *Recorder) { r.newID = f }
}

// WithTailLines sets how many stdout lines are kept per record.
func WithTailLines(n int) RecorderOption {
	return func(r *Recorder) { r.tailLines = n }
}

// NewRecorder creates a Recorder that saves through saver. A nil saver
// keeps records in memory only.
func NewRecorder(saver Saver, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		saver:     saver,
		logger:    zerolog.Nop(),
		now:       time.Now,
		newID:     uuid.NewString,
		tailLines: DefaultTailLines,
		started:   make(map[string]time.Time),
		index:     make(map[string]int),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Observe records one coordinator event.
func (r *Recorder) Observe(ev orchestrator.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := ev.(type) {
	case orchestrator.RunStarted:
		r.started[e.Mode] = r.now()
		// The independent phase never reports per-test progress.
		if e.Mode != orchestrator.LabelPrepareUI || r.owner == "" {
			r.owner = e.Mode
			r.tests = nil
			clear(r.index)
		}
	case orchestrator.TestProgress:
		res := TestResult{Key: e.TestKey, Percent: e.Percent, Message: e.Message}
		if i, ok := r.index[e.TestKey]; ok {
			r.tests[i] = res
			return
		}
		r.index[e.TestKey] = len(r.tests)
		r.tests = append(r.tests, res)
	case orchestrator.RunFinished:
		r.finish(e.Outcome)
	}
}

func (r *Recorder) finish(o orchestrator.Outcome) {
	finished := r.now()
	started, ok := r.started[o.Mode]
	if !ok {
		// Rejected before launch.
		started = finished
	}
	delete(r.started, o.Mode)

	rec := Record{
		ID:         r.newID(),
		Mode:       o.Mode,
		StartedAt:  started,
		FinishedAt: finished,
		Success:    o.Success,
		Cancelled:  o.Cancelled,
		ExitCode:   o.ExitCode,
		Stderr:     o.Stderr,
		StdoutTail: tail(o.Stdout, r.tailLines),
		Duration:   o.Duration,
	}
	for _, p := range o.Phases {
		rec.Phases = append(rec.Phases, Phase{
			Name:     p.Name,
			ExitCode: p.ExitCode,
			Status:   p.Status.String(),
			Duration: p.Duration,
		})
	}
	if o.Mode == r.owner {
		rec.Tests = r.tests
		r.tests = nil
		clear(r.index)
		r.owner = ""
	}
	r.done = append(r.done, rec)

	if r.saver == nil {
		return
	}
	if err := r.saver.Save(rec); err != nil {
		r.logger.Error().Err(err).Str("id", rec.ID).Msg("saving run history failed")
		return
	}
	r.logger.Debug().Str("id", rec.ID).Str("mode", rec.Mode).Str("result", rec.Result()).Msg("run recorded")
}

// Last returns the most recent record, if any run has finished.
func (r *Recorder) Last() (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.done) == 0 {
		return Record{}, false
	}
	return r.done[len(r.done)-1], true
}

// Finished returns every record produced so far, in finish order.
func (r *Recorder) Finished() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.done)
}

func tail(s string, n int) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" || n <= 0 {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
