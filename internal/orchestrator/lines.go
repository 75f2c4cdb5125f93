package orchestrator

import (
	"fmt"

	"github.com/smileynet/rendercompare/internal/classify"
)

// handleLine forwards one primary-channel line and applies its classified
// meaning. Lines must arrive in stream order: attribution depends on it.
func (c *Coordinator) handleLine(line string, isError bool) {
	c.emit(OutputLine{Text: line, IsError: isError})

	ev := classify.Classify(line)
	c.recorder.LineClassified(ev.Kind)

	switch ev.Kind {
	case classify.UnitStarted:
		c.unitStarted(ev)

	case classify.UnitProgress:
		msg := fmt.Sprintf(msgProcessingFn, ev.Current, ev.Total)
		if key, ok := c.attribute(ev.Total); ok {
			c.emit(TestProgress{TestKey: key, Percent: ev.Percent, Message: msg})
		}
		c.emit(Progress{Percent: ev.Percent, Message: msg})

	case classify.OverallProgress:
		if ev.HasSub {
			if key, ok := c.attribute(ev.SubTotal); ok {
				c.emit(TestProgress{
					TestKey: key,
					Percent: ev.SubPercent(),
					Message: fmt.Sprintf(msgProcessingFn, ev.SubCurrent, ev.SubTotal),
				})
			}
		}
		c.emit(Progress{Percent: ev.Percent, Message: fmt.Sprintf(msgProcessingFn, ev.Current, ev.Total)})

	case classify.UnitCompleted:
		c.unitCompleted(ev)

	case classify.UnitCompletedImplicit:
		c.unitCompletedImplicit()

	case classify.PhaseCompleted:
		c.emit(Progress{Percent: PercentMilestone, Message: fmt.Sprintf(msgPhaseCompletedFn, ev.Phase)})

	case classify.AllCompleted:
		c.emit(Progress{Percent: 100, Message: msgProcessingDone})
	}
}

func (c *Coordinator) unitStarted(ev classify.Event) {
	key, ok := c.keys.Derive(ev.FolderPath)
	if !ok {
		c.logger.Debug().Str("folder", ev.FolderPath).Msg("cannot derive test key from start line")
		return
	}
	if !c.tracker.Register(key) {
		c.logger.Debug().Str("test", key).Msg("test announced again")
	}
	c.current = key
	c.recorder.ActiveTests(c.tracker.Len())
	c.emit(TestProgress{TestKey: key, Percent: 0, Message: msgStarting})
}

func (c *Coordinator) unitCompleted(ev classify.Event) {
	key, ok := c.keys.Derive(ev.FolderPath)
	if !ok {
		if c.current == "" {
			c.logger.Debug().Str("folder", ev.FolderPath).Msg("cannot attribute completion")
			return
		}
		c.logger.Debug().Str("folder", ev.FolderPath).Str("test", c.current).Msg("completion attributed to current test")
		key = c.current
	}
	c.emit(TestProgress{TestKey: key, Percent: 100, Message: msgCompleted})
	c.tracker.Complete(key)
	if c.current == key {
		c.current = ""
	}
	c.recorder.ActiveTests(c.tracker.Len())
}

// unitCompletedImplicit handles the unnamed completion marker. The current
// pointer is kept: some tester versions print an explicit completion after it.
func (c *Coordinator) unitCompletedImplicit() {
	key := c.current
	if key != "" {
		c.tracker.Complete(key)
	} else {
		var ok bool
		if key, ok = c.tracker.CompleteCurrent(); !ok {
			c.logger.Debug().Msg("implicit completion with no active test")
			return
		}
	}
	c.emit(TestProgress{TestKey: key, Percent: 100, Message: msgCompleted})
	c.recorder.ActiveTests(c.tracker.Len())
}

// attribute resolves an anonymous frame total to a test key. Misses only
// reach the debug log.
func (c *Coordinator) attribute(total int) (string, bool) {
	key, ok := c.tracker.Resolve(total)
	if !ok {
		c.recorder.AttributionMissed()
		c.logger.Debug().Int("total", total).Strs("active", c.tracker.Active()).Msg("progress not attributable")
	}
	return key, ok
}
