package engine

import (
	"context"
	"sync"
	"time"
)

// MemoryEntry is one append-only record of a fact learned during a run.
// Entries are never mutated in place; a superseding fact is appended and
// shadows earlier entries for the same key.
type MemoryEntry struct {
	// Key is the fact's key.
	Key string `json:"key"`

	// Value is the fact's value.
	Value string `json:"value"`

	// WrittenBy is the ID of the step that reported the fact, or "" for
	// entries seeded by the caller.
	WrittenBy string `json:"written_by,omitempty"`

	// Timestamp is when the entry was appended.
	Timestamp time.Time `json:"timestamp"`
}

// SessionMemory is the append-only fact store shared across a run's
// steps. Lookups are last-writer-wins; the full history per key is kept
// for provenance. All access is serialized, so concurrently executing
// steps never lose updates.
//
// A SessionMemory is created per run. With a MemorySink attached,
// entries are also persisted so a session can be reloaded after restart.
type SessionMemory struct {
	mu      sync.RWMutex
	runID   string
	entries []MemoryEntry
	latest  map[string]int
	sink    MemorySink
	now     func() time.Time
}

// NewSessionMemory creates an empty session memory for the given run.
// The sink may be nil for purely in-memory sessions.
func NewSessionMemory(runID string, sink MemorySink) *SessionMemory {
	return &SessionMemory{
		runID:  runID,
		latest: make(map[string]int),
		sink:   sink,
		now:    time.Now,
	}
}

// LoadSessionMemory rebuilds a session memory from previously persisted
// entries, preserving their order and timestamps.
func LoadSessionMemory(runID string, sink MemorySink, entries []MemoryEntry) *SessionMemory {
	m := NewSessionMemory(runID, sink)
	for _, e := range entries {
		m.entries = append(m.entries, e)
		m.latest[e.Key] = len(m.entries) - 1
	}
	return m
}

// Remember appends a fact. Earlier entries for the same key remain in
// history but are shadowed for lookups.
func (m *SessionMemory) Remember(ctx context.Context, key, value, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := MemoryEntry{
		Key:       key,
		Value:     value,
		WrittenBy: stepID,
		Timestamp: m.now(),
	}
	m.entries = append(m.entries, entry)
	m.latest[key] = len(m.entries) - 1

	// The sink append stays under the lock: the persisted order must
	// match the in-memory order, or a reloaded session could resolve
	// last-writer-wins to a different value than the live one did.
	if m.sink != nil {
		return m.sink.AppendMemoryEntry(ctx, m.runID, entry)
	}
	return nil
}

// Lookup returns the most recently written value for the key.
func (m *SessionMemory) Lookup(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.latest[key]
	if !ok {
		return "", false
	}
	return m.entries[idx].Value, true
}

// History returns the ordered sequence of entries written for the key,
// oldest first.
func (m *SessionMemory) History(key string) []MemoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MemoryEntry, 0)
	for _, e := range m.entries {
		if e.Key == key {
			out = append(out, e)
		}
	}
	return out
}

// Snapshot returns the current last-writer-wins view of all keys. The
// planner passes this to the Oracle as context.
func (m *SessionMemory) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.latest))
	for key, idx := range m.latest {
		out[key] = m.entries[idx].Value
	}
	return out
}

// Len returns the total number of appended entries.
func (m *SessionMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// RunID returns the run this memory belongs to.
func (m *SessionMemory) RunID() string {
	return m.runID
}
