package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
)

// Mode governs how many tester invocations a run entails.
type Mode int

const (
	ModeNone    Mode = iota // No run.
	ModeSingle              // One invocation.
	ModeChained             // Two invocations, the second started when the first exits.
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeSingle:
		return "single"
	case ModeChained:
		return "chained"
	default:
		return "unknown"
	}
}

// Request is one tester invocation. It is never modified after construction.
type Request struct {
	Name       string   // Subcommand, used in logs and phase results.
	Program    string   // Executable, resolved on PATH when not absolute.
	Args       []string // Full argument list.
	WorkDir    string
	ConfigPath string // Tester INI passed in Args; checked for emptiness only.
}

// validate rejects requests with missing required inputs.
func (r Request) validate() error {
	switch {
	case strings.TrimSpace(r.Program) == "":
		return &InputError{Field: "program", Message: "Invalid executable path"}
	case strings.TrimSpace(r.WorkDir) == "":
		return &InputError{Field: "workdir", Message: "Invalid tester path"}
	case strings.TrimSpace(r.ConfigPath) == "":
		return &InputError{Field: "config", Message: "Invalid INI path"}
	}
	return nil
}

// Run is a logical run: its mode, the label reported in events and the
// ordered invocations.
type Run struct {
	Mode   Mode
	Label  string
	Phases []Request
}

func (r Run) validate() error {
	want := 0
	switch r.Mode {
	case ModeSingle:
		want = 1
	case ModeChained:
		want = 2
	default:
		return &InputError{Field: "mode", Message: "Invalid run mode"}
	}
	if len(r.Phases) != want {
		return &InputError{Field: "phases", Message: "Invalid run mode"}
	}
	for _, p := range r.Phases {
		if err := p.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Tester subcommands.
const (
	SubcommandAll       = "all"
	SubcommandCompare   = "compare"
	SubcommandPrepareUI = "prepare-ui"
)

// Labels reported in RunStarted and RunFinished.
const (
	LabelAll               = "all"
	LabelCompareAndPrepare = "compare+prepare"
	LabelPrepareUI         = "prepare-ui"
)

// Invocation defaults.
const (
	DefaultExecutable = "python"
	DefaultScript     = "main.py"
	DefaultConfigFlag = "--ini"
	// ToolConfigName is the tester's own INI; when present in the tool root
	// it takes precedence over the caller's configuration.
	ToolConfigName = "freeDView_tester.ini"
)

// Invocation describes how to launch the tester:
// <Executable> [Script] <ConfigFlag> <config> <subcommand>.
type Invocation struct {
	Executable string
	Script     string
	ConfigFlag string
	ToolRoot   string
	ConfigPath string
}

// Request builds the invocation of one subcommand. The working directory is
// the tool's src directory when it exists, else the tool root. Missing
// inputs produce empty fields that the coordinator rejects.
func (inv Invocation) Request(subcommand string) Request {
	exe := inv.Executable
	if exe == "" {
		exe = DefaultExecutable
	}
	flag := inv.ConfigFlag
	if flag == "" {
		flag = DefaultConfigFlag
	}

	cfg := strings.TrimSpace(inv.ConfigPath)
	workDir := ""
	if root := strings.TrimSpace(inv.ToolRoot); root != "" {
		workDir = root
		if isDir(filepath.Join(root, "src")) {
			workDir = filepath.Join(root, "src")
		}
		if own := filepath.Join(root, ToolConfigName); isFile(own) {
			cfg = own
		}
	}
	// The tester runs from workDir, so a relative config must be anchored here.
	if cfg != "" && !filepath.IsAbs(cfg) {
		if abs, err := filepath.Abs(cfg); err == nil {
			cfg = abs
		}
	}

	var args []string
	if inv.Script != "" {
		args = append(args, inv.Script)
	}
	args = append(args, flag, cfg, subcommand)

	return Request{
		Name:       subcommand,
		Program:    exe,
		Args:       args,
		WorkDir:    workDir,
		ConfigPath: cfg,
	}
}

// All runs every tester phase in one invocation.
func (inv Invocation) All() Run {
	return Run{Mode: ModeSingle, Label: LabelAll, Phases: []Request{inv.Request(SubcommandAll)}}
}

// CompareAndPrepare runs compare, then prepare-ui against the same configuration.
func (inv Invocation) CompareAndPrepare() Run {
	return Run{
		Mode:   ModeChained,
		Label:  LabelCompareAndPrepare,
		Phases: []Request{inv.Request(SubcommandCompare), inv.Request(SubcommandPrepareUI)},
	}
}

// PrepareUI is the request for the independent UI-data phase.
func (inv Invocation) PrepareUI() Request {
	return inv.Request(SubcommandPrepareUI)
}

// PrepareUIRun runs the UI-data phase alone as the primary run.
func (inv Invocation) PrepareUIRun() Run {
	return Run{Mode: ModeSingle, Label: LabelPrepareUI, Phases: []Request{inv.PrepareUI()}}
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
