package main

import (
	"fmt"
	"io"
	"os"

	"github.com/smileynet/rendercompare/internal/history"
	"github.com/smileynet/rendercompare/internal/report"
	"github.com/smileynet/rendercompare/internal/tui"
)

// HistoryCmd groups the run-history subcommands.
type HistoryCmd struct {
	List HistoryListCmd `cmd:"" help:"List recorded runs, newest first."`
	Show HistoryShowCmd `cmd:"" help:"Show the tests and phases of one run."`
	Rm   HistoryRmCmd   `cmd:"" help:"Delete a recorded run."`
}

// HistoryListCmd lists recorded runs.
type HistoryListCmd struct {
	Limit int `help:"Show at most this many runs (0 for all)." default:"20"`
}

// HistoryShowCmd renders one recorded run.
type HistoryShowCmd struct {
	ID string `arg:"" help:"Run ID."`
}

// HistoryRmCmd deletes one recorded run.
type HistoryRmCmd struct {
	ID string `arg:"" help:"Run ID."`
}

func historyStore(g *Globals) (*history.Store, error) {
	cfg, err := loadConfig(g.Config)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return history.NewStore(cfg.History.Dir), nil
}

// Run executes the history list command.
func (c *HistoryListCmd) Run(g *Globals) error {
	store, err := historyStore(g)
	if err != nil {
		return err
	}
	return listRuns(os.Stdout, store, c.Limit, report.Formatter{Color: tui.IsTTY(os.Stdout)})
}

// Run executes the history show command.
func (c *HistoryShowCmd) Run(g *Globals) error {
	store, err := historyStore(g)
	if err != nil {
		return err
	}
	return showRun(os.Stdout, store, c.ID, report.Formatter{Color: tui.IsTTY(os.Stdout)})
}

// Run executes the history rm command.
func (c *HistoryRmCmd) Run(g *Globals) error {
	store, err := historyStore(g)
	if err != nil {
		return err
	}
	if err := store.Remove(c.ID); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "Removed run %s\n", c.ID)
	return nil
}

func listRuns(w io.Writer, store *history.Store, limit int, f report.Formatter) error {
	records, err := store.List()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintf(w, "No runs recorded in %s\n", store.Dir())
		return nil
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return f.WriteHistory(w, records)
}

func showRun(w io.Writer, store *history.Store, id string, f report.Formatter) error {
	rec, ok, err := store.Load(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("history: no run %q in %s", id, store.Dir())
	}
	return f.WriteRun(w, rec)
}
