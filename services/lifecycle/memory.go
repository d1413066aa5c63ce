package lifecycle

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store.
type Memory struct {
	mu    sync.Mutex
	items map[uuid.UUID]Artifact
	seq   map[uuid.UUID]int
	next  int
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		items: map[uuid.UUID]Artifact{},
		seq:   map[uuid.UUID]int{},
	}
}

func (m *Memory) Create(_ context.Context, a Artifact) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.ExpiresAt = cloneTime(a.ExpiresAt)
	m.items[a.ID] = a
	m.seq[a.ID] = m.next
	m.next++
	return a.ID, nil
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.items[id]
	if !ok {
		return Artifact{}, ErrNotFound
	}
	a.ExpiresAt = cloneTime(a.ExpiresAt)
	return a, nil
}

func (m *Memory) List(_ context.Context, opts ListOptions) ([]Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := strings.ToLower(strings.TrimSpace(opts.Query))
	out := make([]Artifact, 0, len(m.items))
	for _, a := range m.items {
		if opts.Status != "" && a.Status != opts.Status {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(a.OriginalName), query) &&
			!strings.Contains(strings.ToLower(a.StoredName), query) {
			continue
		}
		if !opts.ExpiresBefore.IsZero() && (a.ExpiresAt == nil || a.ExpiresAt.After(opts.ExpiresBefore)) {
			continue
		}
		a.ExpiresAt = cloneTime(a.ExpiresAt)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return m.seq[out[i].ID] > m.seq[out[j].ID]
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *Memory) Update(_ context.Context, id uuid.UUID, p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	if p.IfStatus != "" && a.Status != p.IfStatus {
		return ErrConflict
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	switch {
	case p.ClearExpiry:
		a.ExpiresAt = nil
	case p.ExpiresAt != nil:
		a.ExpiresAt = cloneTime(p.ExpiresAt)
	}
	if p.RemoteKey != nil {
		a.RemoteKey = *p.RemoteKey
	}
	m.items[id] = a
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
