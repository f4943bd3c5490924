package errors

import "sync"

// Map is the node's current-error map. Each training state handler records its
// failure under a well-known key (prepare, run_training, upload_model, ...);
// the map travels with every status heartbeat so the Learning Loop can display
// what a stuck node is wedged on. A successful handler run resets its key.
type Map struct {
	mu     sync.Mutex
	errors map[string]string
}

// NewMap returns an empty error map.
func NewMap() *Map {
	return &Map{errors: map[string]string{}}
}

// Set records msg under key, replacing any previous entry.
func (m *Map) Set(key, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[key] = msg
}

// Reset clears the entry for key.
func (m *Map) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errors, key)
}

// ResetAll clears every entry.
func (m *Map) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = map[string]string{}
}

// Get returns the entry for key, or "" if unset.
func (m *Map) Get(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[key]
}

// Has reports whether any of the given keys currently hold an error.
// With no keys it reports whether the map is non-empty.
func (m *Map) Has(keys ...string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(keys) == 0 {
		return len(m.errors) > 0
	}
	for _, k := range keys {
		if _, ok := m.errors[k]; ok {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current entries for status reporting.
func (m *Map) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.errors))
	for k, v := range m.errors {
		out[k] = v
	}
	return out
}
