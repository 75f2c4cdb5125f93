package classify

import (
	"regexp"
	"strings"
)

// DefaultResultsMarker is the directory name under which the tester writes
// per-test result folders.
const DefaultResultsMarker = "testSets_results"

// keySegments is the depth of a test key: category/event/set/frame.
const keySegments = 4

var frameTokenRe = regexp.MustCompile(`^F\d+$`)

// KeyDeriver turns the free-form folder paths printed by the tester into
// normalized test keys.
type KeyDeriver struct {
	// Marker is the results-root directory name. Matched case-insensitively
	// against whole path segments. Empty means DefaultResultsMarker.
	Marker string
}

// TestKey derives a test key using DefaultResultsMarker.
func TestKey(folderPath string) (string, bool) {
	return KeyDeriver{}.Derive(folderPath)
}

// Derive returns the forward-slash test key for folderPath.
//
// With the marker present the key is everything after it, cut back to
// category/event/set/frame when a frame token sits in the fourth position.
// Without the marker the rightmost frame token preceded by three segments
// is used. Reports false when neither applies.
func (d KeyDeriver) Derive(folderPath string) (string, bool) {
	marker := d.Marker
	if marker == "" {
		marker = DefaultResultsMarker
	}

	parts := splitPath(folderPath)

	for i, p := range parts {
		if !strings.EqualFold(p, marker) {
			continue
		}
		rest := parts[i+1:]
		if len(rest) == 0 {
			return "", false
		}
		if len(rest) > keySegments && frameTokenRe.MatchString(rest[keySegments-1]) {
			rest = rest[:keySegments]
		}
		return strings.Join(rest, "/"), true
	}

	for i := len(parts) - 1; i >= keySegments-1; i-- {
		if frameTokenRe.MatchString(parts[i]) {
			return strings.Join(parts[i-keySegments+1:i+1], "/"), true
		}
	}
	return "", false
}

// splitPath normalizes separators and drops empty segments, which collapses
// duplicate, leading and trailing separators.
func splitPath(p string) []string {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	raw := strings.Split(p, "/")
	parts := raw[:0]
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}
