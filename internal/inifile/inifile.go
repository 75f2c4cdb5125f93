// Package inifile reads the tester's renderCompare.ini.
//
// Only the [freeDView_tester] section is interpreted. Keys are matched
// case-insensitively, backslashes stay literal so Windows paths survive,
// and an inline '#' or ';' starts a comment.
package inifile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

const (
	// FileName is the name discovery looks for.
	FileName = "renderCompare.ini"
	// Section holds every key this package reads or writes.
	Section = "freeDView_tester"

	keyResultsRoot = "setTestPath"
	keyToolRoot    = "freeDViewTesterPath"
	keyVersion     = "freedviewVer"
	keyRunOnTests  = "run_on_test_list"

	// maxParents bounds the upward walk from each start directory.
	maxParents = 4
)

// ErrNotFound is returned by Discover when no candidate exists.
var ErrNotFound = errors.New("inifile: " + FileName + " not found")

// Config is the resolved content of a renderCompare.ini.
type Config struct {
	Path        string // Absolute path of the file read.
	ResultsRoot string // setTestPath, absolute.
	ToolRoot    string // freeDViewTesterPath, absolute, or inferred from ResultsRoot.
	Version     string // freedviewVer, may be empty.
}

// ResultsMarker is the results root's directory name, the segment test keys
// are anchored at.
func (c Config) ResultsMarker() string {
	return filepath.Base(c.ResultsRoot)
}

// Discover returns the first renderCompare.ini found in any start directory
// or up to four of its parents. Start directories are tried in order.
func Discover(starts ...string) (string, error) {
	for _, start := range starts {
		if start == "" {
			continue
		}
		dir, err := filepath.Abs(start)
		if err != nil {
			continue
		}
		for i := 0; i <= maxParents; i++ {
			candidate := filepath.Join(dir, FileName)
			if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
				return candidate, nil
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	return "", ErrNotFound
}

// Read parses the file at path.
func Read(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("inifile: resolving %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("inifile: reading %s: %w", abs, err)
	}

	values, err := loadSection(data)
	if err != nil {
		return nil, fmt.Errorf("inifile: parsing %s: %w", abs, err)
	}
	results := values.Key(keyResultsRoot).String()
	if results == "" {
		return nil, fmt.Errorf("inifile: %s: No '%s' key found in INI file", abs, keyResultsRoot)
	}

	base := filepath.Dir(abs)
	cfg := &Config{
		Path:        abs,
		ResultsRoot: resolve(base, results),
		Version:     values.Key(keyVersion).String(),
	}
	if tool := values.Key(keyToolRoot).String(); tool != "" {
		cfg.ToolRoot = resolve(base, tool)
	} else {
		cfg.ToolRoot = inferToolRoot(cfg.ResultsRoot)
	}
	return cfg, nil
}

var loadOptions = ini.LoadOptions{
	Insensitive: true,
	// A trailing backslash ends a Windows directory, not the line.
	IgnoreContinuation:      true,
	SkipUnrecognizableLines: true,
}

// loadSection parses data and returns the tester section, empty when absent.
func loadSection(data []byte) (*ini.Section, error) {
	f, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, err
	}
	return f.Section(Section), nil
}

func resolve(base, p string) string {
	p = filepath.FromSlash(strings.ReplaceAll(p, `\`, "/"))
	if !filepath.IsAbs(p) && !isWindowsAbs(p) {
		p = filepath.Join(base, p)
	}
	return filepath.Clean(p)
}

// isWindowsAbs reports drive-letter paths, which are absolute to the tester
// even when read on another OS.
func isWindowsAbs(p string) bool {
	return len(p) >= 3 && p[1] == ':' && (p[2] == '/' || p[2] == '\\') &&
		(p[0] >= 'a' && p[0] <= 'z' || p[0] >= 'A' && p[0] <= 'Z')
}

// inferToolRoot walks up from the results root to the nearest directory
// named like the tester, falling back to the results root's parent.
func inferToolRoot(results string) string {
	parent := filepath.Dir(results)
	for dir := parent; ; {
		if strings.Contains(strings.ToLower(filepath.Base(dir)), strings.ToLower(Section)) {
			return dir
		}
		up := filepath.Dir(dir)
		if up == dir {
			break
		}
		dir = up
	}
	return parent
}

// SetRunOnTests rewrites run_on_test_list in the file at path, restricting
// the tester to the given test keys. An empty list clears the filter. The
// key is added to the section when missing, and the section is appended
// when the file lacks one. Other lines are preserved.
func SetRunOnTests(path string, keys []string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("inifile: reading %s: %w", path, err)
	}
	entry := keyRunOnTests + " = [" + strings.Join(keys, ", ") + "]"

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(data) == 0 {
		lines = nil
	}
	var out []string
	header, replaced, inSection := -1, false, false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") {
			inSection = strings.HasPrefix(trimmed, "["+Section+"]")
			if inSection && header < 0 {
				header = len(out)
			}
		} else if inSection && !replaced && isKey(trimmed, keyRunOnTests) {
			out = append(out, entry)
			replaced = true
			continue
		}
		out = append(out, line)
	}

	switch {
	case replaced:
	case header >= 0:
		// Insert at the end of the header's contiguous block.
		at := header + 1
		for at < len(out) {
			t := strings.TrimSpace(out[at])
			if t == "" || strings.HasPrefix(t, "[") {
				break
			}
			at++
		}
		out = append(out[:at], append([]string{entry}, out[at:]...)...)
	default:
		out = append(out, "["+Section+"]", entry)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("inifile: stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(strings.Join(out, "\n")+"\n"), info.Mode().Perm()); err != nil {
		return fmt.Errorf("inifile: writing %s: %w", path, err)
	}
	return nil
}

func isKey(line, key string) bool {
	k, _, ok := strings.Cut(line, "=")
	return ok && strings.EqualFold(strings.TrimSpace(k), key)
}
