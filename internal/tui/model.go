package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Layout limits.
const (
	maxOutputLines = 6
	maxTestRows    = 12
	defaultWidth   = 80
)

// RunStatus is the display state of one run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunPassed    RunStatus = "passed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

type runRow struct {
	mode     string
	status   RunStatus
	exitCode int
	detail   string
}

type testRow struct {
	key     string
	percent int
	message string
}

type outputLine struct {
	text    string
	isError bool
}

func (l outputLine) style() lipgloss.Style {
	if l.isError {
		return stderrStyle
	}
	return dimStyle
}

// Model is the Bubble Tea model for a rendercompare session.
type Model struct {
	spinner  spinner.Model
	bar      progress.Model
	runs     []runRow
	tests    []testRow
	index    map[string]int
	output   []outputLine
	percent  int
	message  string
	width    int
	done     bool
	err      error
	cancel   context.CancelFunc
	aborting bool
}

// ModelOption configures a Model.
type ModelOption func(*Model)

// WithCancelFunc makes the first abort keypress cancel the session instead
// of quitting. A second keypress quits.
func WithCancelFunc(f context.CancelFunc) ModelOption {
	return func(m *Model) { m.cancel = f }
}

// NewModel creates an empty session model.
func NewModel(opts ...ModelOption) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot

	m := Model{
		spinner: s,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(defaultWidth-20)),
		index:   make(map[string]int),
		width:   defaultWidth,
	}
	for _, o := range opts {
		o(&m)
	}
	return m
}

// Init starts the spinner tick.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case RunStartedMsg:
		m.runs = append(m.runs, runRow{mode: msg.Mode, status: RunRunning})
		return m, nil

	case ProgressMsg:
		if msg.Percent >= 0 {
			m.percent = min(msg.Percent, 100)
		}
		m.message = msg.Message
		return m, nil

	case TestProgressMsg:
		row := testRow{key: msg.Key, percent: msg.Percent, message: msg.Message}
		if i, ok := m.index[msg.Key]; ok {
			m.tests[i] = row
		} else {
			m.index[msg.Key] = len(m.tests)
			m.tests = append(m.tests, row)
		}
		return m, nil

	case OutputMsg:
		m.output = append(m.output, outputLine{text: msg.Text, isError: msg.IsError})
		if len(m.output) > maxOutputLines {
			m.output = m.output[len(m.output)-maxOutputLines:]
		}
		return m, nil

	case RunFinishedMsg:
		m.finishRun(msg)
		return m, nil

	case DoneMsg:
		m.done = true
		return m, tea.Quit

	case ErrorMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(msg.Width-20, 10)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.cancel != nil && !m.aborting {
				m.aborting = true
				m.cancel()
				return m, nil
			}
			m.done = true
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// finishRun updates the most recent running row for the mode.
func (m *Model) finishRun(msg RunFinishedMsg) {
	status := RunFailed
	switch {
	case msg.Success:
		status = RunPassed
	case msg.Cancelled:
		status = RunCancelled
	}
	for i := len(m.runs) - 1; i >= 0; i-- {
		if m.runs[i].mode == msg.Mode && m.runs[i].status == RunRunning {
			m.runs[i].status, m.runs[i].exitCode, m.runs[i].detail = status, msg.ExitCode, msg.Detail
			return
		}
	}
	// Rejected before it started.
	m.runs = append(m.runs, runRow{mode: msg.Mode, status: status, exitCode: msg.ExitCode, detail: msg.Detail})
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	passedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	cancelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	stderrStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	messageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// View renders runs, overall progress, per-test progress and recent output.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("rendercompare") + "\n\n")
	for _, r := range m.runs {
		line := fmt.Sprintf("  %s %s", runIndicator(r.status, m.spinner.View()), r.mode)
		if r.status == RunFailed {
			line += dimStyle.Render(fmt.Sprintf(" (exit %d)", r.exitCode))
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n  " + m.bar.ViewAs(float64(m.percent)/100) + "\n")
	if m.message != "" {
		b.WriteString("  " + messageStyle.Render(m.message) + "\n")
	}

	if len(m.tests) > 0 {
		b.WriteString("\n")
		start := max(len(m.tests)-maxTestRows, 0)
		if start > 0 {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d earlier tests", start)) + "\n")
		}
		for _, tr := range m.tests[start:] {
			b.WriteString(fmt.Sprintf("  %s %s %s\n", testIndicator(tr.percent, m.spinner.View()), tr.key, dimStyle.Render(testDetail(tr))))
		}
	}

	if len(m.output) > 0 {
		b.WriteString("\n")
		for _, line := range m.output {
			b.WriteString("  " + line.style().Render(truncate(line.text, m.width-4)) + "\n")
		}
	}

	for _, r := range m.runs {
		if r.status == RunFailed && r.detail != "" && m.done {
			b.WriteString("\n  " + stderrStyle.Render(r.detail) + "\n")
		}
	}
	if m.done && m.err != nil {
		b.WriteString(fmt.Sprintf("\n  Error: %s\n", m.err))
	}
	if m.aborting && !m.done {
		b.WriteString("\n  " + cancelStyle.Render("Cancelling… press q again to quit") + "\n")
	}

	return b.String()
}

func runIndicator(s RunStatus, spinnerView string) string {
	switch s {
	case RunRunning:
		return spinnerView
	case RunPassed:
		return passedStyle.Render("✓")
	case RunCancelled:
		return cancelStyle.Render("–")
	default:
		return failedStyle.Render("✗")
	}
}

func testIndicator(percent int, spinnerView string) string {
	switch {
	case percent < 0:
		return cancelStyle.Render("–")
	case percent >= 100:
		return passedStyle.Render("✓")
	default:
		return spinnerView
	}
}

func testDetail(tr testRow) string {
	if tr.percent < 0 {
		return tr.message
	}
	return fmt.Sprintf("%3d%% %s", tr.percent, tr.message)
}

func truncate(s string, width int) string {
	r := []rune(s)
	if width <= 1 || len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}
