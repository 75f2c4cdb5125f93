// Package history persists finished runs and their per-test results.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrInvalidID indicates a run ID is empty or contains path traversal components.
var ErrInvalidID = errors.New("history: invalid run ID")

// Record is one finished run.
type Record struct {
	ID         string        `json:"id"`
	Mode       string        `json:"mode"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Success    bool          `json:"success"`
	Cancelled  bool          `json:"cancelled"`
	ExitCode   int           `json:"exit_code"`
	Stderr     string        `json:"stderr,omitempty"`
	StdoutTail []string      `json:"stdout_tail,omitempty"`
	Phases     []Phase       `json:"phases,omitempty"`
	Tests      []TestResult  `json:"tests,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Result is "success", "cancelled" or "failure".
func (r Record) Result() string {
	switch {
	case r.Success:
		return "success"
	case r.Cancelled:
		return "cancelled"
	default:
		return "failure"
	}
}

// Phase is one tester invocation within a run.
type Phase struct {
	Name     string        `json:"name"`
	ExitCode int           `json:"exit_code"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
}

// TestResult is the last progress seen for a test key.
type TestResult struct {
	Key     string `json:"key"`
	Percent int    `json:"percent"` // -1 when cancelled.
	Message string `json:"message"`
}

// Store persists run records as JSON files under a base directory.
type Store struct {
	baseDir string
}

// NewStore creates a Store that saves records under baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// Dir returns the store's base directory.
func (s *Store) Dir() string { return s.baseDir }

// Save writes the record to a JSON file named by its ID.
func (s *Store) Save(r Record) error {
	p, err := s.path(r.ID)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return fmt.Errorf("history: creating directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshaling: %w", err)
	}

	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("history: writing %s: %w", p, err)
	}
	return nil
}

// Load reads the record for the given run ID.
// Returns (record, true, nil) if found, (zero, false, nil) if not found.
func (s *Store) Load(id string) (Record, bool, error) {
	p, err := s.path(id)
	if err != nil {
		return Record{}, false, err
	}

	r, err := readRecord(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return r, true, nil
}

// List returns every stored record, newest first. A missing directory
// yields an empty list.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: listing %s: %w", s.baseDir, err)
	}

	var records []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		r, err := readRecord(filepath.Join(s.baseDir, e.Name()))
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}

// Remove deletes the record for the given run ID.
func (s *Store) Remove(id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("history: removing %s: %w", p, err)
	}
	return nil
}

func readRecord(p string) (Record, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return Record{}, fmt.Errorf("history: reading %s: %w", p, err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("history: parsing %s: %w", p, err)
	}
	return r, nil
}

// path returns the filesystem path for a record file.
// It rejects IDs that are empty, dot-segments, or contain path separators.
func (s *Store) path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || id != filepath.Base(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.baseDir, id+".json"), nil
}
