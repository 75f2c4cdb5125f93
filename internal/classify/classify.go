// Package classify recognizes the tester's progress output.
//
// The wording matched here is a compatibility boundary with the external
// tool: a changed message silently degrades to Unrecognized, so every shape
// is pinned by the package tests.
package classify

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/acarl005/stripansi"
)

// Kind identifies the shape of a classified line.
type Kind int

const (
	Unrecognized Kind = iota
	UnitStarted
	UnitProgress
	OverallProgress
	UnitCompleted
	UnitCompletedImplicit
	PhaseCompleted
	AllCompleted
)

// String returns the metric-friendly name of the kind.
func (k Kind) String() string {
	switch k {
	case UnitStarted:
		return "unit_started"
	case UnitProgress:
		return "unit_progress"
	case OverallProgress:
		return "overall_progress"
	case UnitCompleted:
		return "unit_completed"
	case UnitCompletedImplicit:
		return "unit_completed_implicit"
	case PhaseCompleted:
		return "phase_completed"
	case AllCompleted:
		return "all_completed"
	default:
		return "unrecognized"
	}
}

// Event is the typed result of classifying one line.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind
	Line string // Cleaned line (ANSI stripped, trimmed).

	FolderPath string // UnitStarted, UnitCompleted.

	Current int // UnitProgress, OverallProgress.
	Total   int
	Percent int

	HasSub     bool // OverallProgress with a "Current folder" clause.
	SubCurrent int
	SubTotal   int

	Phase int // PhaseCompleted.
}

// SubPercent returns the per-folder percent of an OverallProgress event,
// capped at 100, or 0 when the sub-clause total is zero.
func (e Event) SubPercent() int {
	switch {
	case e.SubTotal <= 0 || e.SubCurrent <= 0:
		return 0
	case e.SubCurrent >= e.SubTotal:
		return 100
	case e.SubCurrent <= math.MaxInt/100:
		return e.SubCurrent * 100 / e.SubTotal
	default:
		return int(float64(e.SubCurrent) / float64(e.SubTotal) * 100)
	}
}

var (
	startedRe   = regexp.MustCompile(`Starting comparison for:\s*(.+)`)
	progressRe  = regexp.MustCompile(`Progress:\s*(\d+)/(\d+)\s*frames\s*\((\d+)%\)`)
	overallRe   = regexp.MustCompile(`Overall progress:\s*(\d+)/(\d+)\s*frames\s*\((\d+)%\)`)
	subFolderRe = regexp.MustCompile(`Current folder:\s*(\d+)/(\d+)\s*frames`)
	completedRe = regexp.MustCompile(`Successfully completed comparison for:\s*(.+)`)
	phaseRe     = regexp.MustCompile(`Phase\s*(\d+)`)
)

const (
	implicitMarker = "Frame comparison completed"
	allPhases      = "All phases completed"
	successMarker  = "completed successfully"
)

// Classify recognizes one line of tester output. It never fails: lines that
// match no shape, or match a shape but carry unparseable numbers, come back
// as Unrecognized.
//
// Shapes are exclusive: the first match in the order below decides the
// kind, so "Phase 3 completed successfully" is only a PhaseCompleted and
// "Frame comparison completed successfully" only an implicit completion.
func Classify(line string) Event {
	clean := strings.TrimSpace(stripansi.Strip(line))
	ev := Event{Kind: Unrecognized, Line: clean}
	if clean == "" {
		return ev
	}

	if m := startedRe.FindStringSubmatch(clean); m != nil {
		if p := strings.TrimSpace(m[1]); p != "" {
			ev.Kind = UnitStarted
			ev.FolderPath = p
		}
		return ev
	}

	if m := overallRe.FindStringSubmatch(clean); m != nil {
		nums, ok := atois(m[1:]...)
		if !ok {
			return ev
		}
		ev.Kind = OverallProgress
		ev.Current, ev.Total, ev.Percent = nums[0], nums[1], nums[2]
		if sm := subFolderRe.FindStringSubmatch(clean); sm != nil {
			if sub, ok := atois(sm[1:]...); ok {
				ev.HasSub = true
				ev.SubCurrent, ev.SubTotal = sub[0], sub[1]
			}
		}
		return ev
	}

	if m := progressRe.FindStringSubmatch(clean); m != nil {
		nums, ok := atois(m[1:]...)
		if !ok {
			return ev
		}
		ev.Kind = UnitProgress
		ev.Current, ev.Total, ev.Percent = nums[0], nums[1], nums[2]
		return ev
	}

	if m := completedRe.FindStringSubmatch(clean); m != nil {
		if p := strings.TrimSpace(m[1]); p != "" {
			ev.Kind = UnitCompleted
			ev.FolderPath = p
		}
		return ev
	}

	if strings.Contains(clean, implicitMarker) {
		ev.Kind = UnitCompletedImplicit
		return ev
	}

	if strings.Contains(clean, allPhases) {
		ev.Kind = AllCompleted
		return ev
	}

	if strings.Contains(clean, "Phase") && strings.Contains(clean, "completed") {
		if m := phaseRe.FindStringSubmatch(clean); m != nil {
			if n, ok := atois(m[1]); ok {
				ev.Kind = PhaseCompleted
				ev.Phase = n[0]
				return ev
			}
		}
	}

	if strings.Contains(clean, successMarker) {
		ev.Kind = AllCompleted
	}
	return ev
}

// atois parses every string as a non-negative int, failing on overflow.
func atois(ss ...string) ([]int, bool) {
	out := make([]int, len(ss))
	for i, s := range ss {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}
