package conversation

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory labels. Anything else is rejected at the tool boundary.
var MemoryLabels = []string{"INVARIANT", "CONSTRAINT", "DECISION", "REFERENCE", "OPEN_ITEM"}

func ValidMemoryLabel(label string) bool {
	for _, l := range MemoryLabels {
		if l == label {
			return true
		}
	}
	return false
}

// Memories is a synchronized label→facts map. A parent conversation and its
// sub-agents share one instance by pointer, so learnings propagate both ways.
// The container itself is never replaced after creation; only entries change.
type Memories struct {
	mu    sync.Mutex
	items map[string][]string
}

func NewMemories() *Memories {
	return &Memories{items: make(map[string][]string)}
}

// WrapMemories adopts a persisted map without copying it, so the snapshot and
// the live memories stay the same backing store across reconstitution.
func WrapMemories(items map[string][]string) *Memories {
	if items == nil {
		items = make(map[string][]string)
	}
	return &Memories{items: items}
}

// Add records a fact under a label. Duplicates per label are dropped; returns
// false if the fact was already present.
func (m *Memories) Add(label, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items[label] {
		if existing == text {
			return false
		}
	}
	m.items[label] = append(m.items[label], text)
	return true
}

// Remove deletes the entry under label that best matches text. Matching is
// tolerant: exact match first, then the entry sharing the longest common
// prefix of at least 6 characters.
func (m *Memories) Remove(label, text string) bool {
	text = strings.TrimSpace(text)
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.items[label]
	for i, existing := range entries {
		if existing == text {
			m.items[label] = append(entries[:i], entries[i+1:]...)
			return true
		}
	}

	bestIdx, bestLen := -1, 0
	for i, existing := range entries {
		l := commonPrefixLen(existing, text)
		if l >= 6 && l > bestLen {
			bestIdx, bestLen = i, l
		}
	}
	if bestIdx < 0 {
		return false
	}
	m.items[label] = append(entries[:bestIdx], entries[bestIdx+1:]...)
	return true
}

func commonPrefixLen(a, b string) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// Render produces the memories block inserted into the conversation prefix.
func (m *Memories) Render() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.countLocked() == 0 {
		return "[Memories]\n(none yet)"
	}

	labels := make([]string, 0, len(m.items))
	for label := range m.items {
		if len(m.items[label]) > 0 {
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)

	var b strings.Builder
	b.WriteString("[Memories]")
	for _, label := range labels {
		fmt.Fprintf(&b, "\n%s:", label)
		for _, text := range m.items[label] {
			fmt.Fprintf(&b, "\n- %s", text)
		}
	}
	return b.String()
}

// Snapshot returns a deep copy for persistence.
func (m *Memories) Snapshot() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]string, len(m.items))
	for label, entries := range m.items {
		out[label] = append([]string(nil), entries...)
	}
	return out
}

func (m *Memories) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked()
}

func (m *Memories) countLocked() int {
	total := 0
	for _, entries := range m.items {
		total += len(entries)
	}
	return total
}
