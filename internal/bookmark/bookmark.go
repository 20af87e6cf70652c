// Package bookmark persists the "last processed update time" per resource type
// and dispatch scope. All stores are last-writer-wins.
package bookmark

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Scope identifies one bookmark: a resource type within a dispatch scope
// (usually the subscription the events arrive through)
type Scope struct {
	ResourceType string
	Name         string
}

func (s Scope) String() string {
	return strings.ToLower(s.ResourceType) + ":" + s.Name
}

// Store reads and writes bookmarks. A missing bookmark is reported with ok == false
// and means "process from the beginning".
type Store interface {
	ReadLastEventTime(ctx context.Context, scope Scope) (t time.Time, ok bool, err error)
	WriteLastEventTime(ctx context.Context, scope Scope, t time.Time) error
}

// normalize truncates to the precision of the repository's _lastUpdated search
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

const timeLayout = time.RFC3339Nano

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid bookmark %q: %w", raw, err)
	}
	return t.UTC(), nil
}

// MemoryStore keeps bookmarks in process memory
type MemoryStore struct {
	mu    sync.Mutex
	times map[Scope]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{times: map[Scope]time.Time{}}
}

func (m *MemoryStore) ReadLastEventTime(_ context.Context, scope Scope) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.times[scope]
	return t, ok, nil
}

func (m *MemoryStore) WriteLastEventTime(_ context.Context, scope Scope, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.times[scope] = normalize(t)
	return nil
}
