// Package attribution maps anonymous frame-count observations to the tests
// that produced them.
//
// The tester names a folder when it starts and when it finishes, but its
// progress lines only carry frame counts. Tracker keeps the active tests in
// start order together with the frame total first attributed to each, and
// resolves a total back to a test key with two fixed rules: exact matches
// prefer the most recently started test; otherwise the oldest test with no
// known total claims the observation.
package attribution

// unit is one active test.
type unit struct {
	key   string
	total int    // 0 until the first observation is attributed.
	order uint64 // Monotonic start order.
}

// Tracker is the attribution table for one run. The zero value is ready to
// use. It is not safe for concurrent use; the coordinator owns it.
type Tracker struct {
	units []*unit // Start order, oldest first.
	index map[string]*unit
	seq   uint64
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{}
}

// Register adds key at the back of the start order with an unknown total.
// Re-registering an active key changes nothing and reports false.
func (t *Tracker) Register(key string) bool {
	if t.index == nil {
		t.index = make(map[string]*unit)
	}
	if _, ok := t.index[key]; ok {
		return false
	}
	t.seq++
	u := &unit{key: key, order: t.seq}
	t.units = append(t.units, u)
	t.index[key] = u
	return true
}

// Resolve returns the test an observed frame total belongs to.
//
// Among tests whose known total equals observedTotal, the most recently
// started wins. With no such test, the oldest test whose total is still
// unknown adopts observedTotal. A zero total is claimed the same way but
// leaves the entry unsized. Reports false when no test qualifies or the
// total is negative. At most one entry is modified per call.
func (t *Tracker) Resolve(observedTotal int) (string, bool) {
	if observedTotal < 0 {
		return "", false
	}

	var best *unit
	for _, u := range t.units {
		if u.total > 0 && u.total == observedTotal && (best == nil || u.order > best.order) {
			best = u
		}
	}
	if best != nil {
		return best.key, true
	}

	// units is kept in start order, so the first unsized entry is the oldest.
	for _, u := range t.units {
		if u.total == 0 {
			u.total = observedTotal
			return u.key, true
		}
	}
	return "", false
}

// Complete removes key from the active set, reporting whether it was active.
func (t *Tracker) Complete(key string) bool {
	u, ok := t.index[key]
	if !ok {
		return false
	}
	delete(t.index, key)
	for i, v := range t.units {
		if v == u {
			t.units = append(t.units[:i], t.units[i+1:]...)
			break
		}
	}
	return true
}

// CompleteCurrent removes the most recently started active test.
func (t *Tracker) CompleteCurrent() (string, bool) {
	if len(t.units) == 0 {
		return "", false
	}
	key := t.units[len(t.units)-1].key
	t.Complete(key)
	return key, true
}

// Active returns the active test keys, oldest first.
func (t *Tracker) Active() []string {
	keys := make([]string, len(t.units))
	for i, u := range t.units {
		keys[i] = u.key
	}
	return keys
}

// Total returns the known frame total of key (0 when unknown) and whether
// key is active.
func (t *Tracker) Total(key string) (int, bool) {
	u, ok := t.index[key]
	if !ok {
		return 0, false
	}
	return u.total, true
}

// Len returns the number of active tests.
func (t *Tracker) Len() int {
	return len(t.units)
}

// Reset drops every active test. Start order keeps counting.
func (t *Tracker) Reset() {
	t.units = nil
	t.index = nil
}
