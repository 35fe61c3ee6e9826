package storage

import (
	"sort"
	"strings"

	"github.com/memorose/memorose/pkg/types"
)

// One-shot read helpers over the transactional surface. These are what the
// query path and the API handlers use; mutations always go through Update
// from the shard's apply loop.

// GetEvent loads one event.
func (s *BoltStore) GetEvent(id string) (*types.Event, error) {
	var e *types.Event
	err := s.View(func(t *Tx) error {
		var err error
		e, err = t.GetEvent(id)
		return err
	})
	return e, err
}

// GetMemory loads one memory row.
func (s *BoltStore) GetMemory(id string) (*types.Memory, error) {
	var m *types.Memory
	err := s.View(func(t *Tx) error {
		var err error
		m, err = t.GetMemory(id)
		return err
	})
	return m, err
}

// ScanPending returns up to limit pending events grouped by scope.
func (s *BoltStore) ScanPending(limit int) ([]*types.Event, error) {
	var out []*types.Event
	err := s.View(func(t *Tx) error {
		var err error
		out, err = t.ScanPending(limit)
		return err
	})
	return out, err
}

// PendingCount counts events awaiting consolidation.
func (s *BoltStore) PendingCount() (int, error) {
	var n int
	err := s.View(func(t *Tx) error {
		n = t.PendingCount()
		return nil
	})
	return n, err
}

// ListEventsFilter narrows ListEvents.
type ListEventsFilter struct {
	Tenant      string
	PendingOnly bool
	Limit       int
}

// ListEvents returns events matching the filter in id order.
func (s *BoltStore) ListEvents(f ListEventsFilter) ([]*types.Event, error) {
	var out []*types.Event
	err := s.View(func(t *Tx) error {
		return t.ForEachEvent(func(e *types.Event) error {
			if f.Tenant != "" && e.Tenant != f.Tenant {
				return nil
			}
			if f.PendingOnly && !e.Pending {
				return nil
			}
			if f.Limit > 0 && len(out) >= f.Limit {
				return nil
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// ListMemoriesFilter narrows and pages ListMemories.
type ListMemoriesFilter struct {
	Tenant string
	App    string
	Level  types.MemoryLevel
	Sort   string // importance, last_accessed, transaction_time; default id
	Offset int
	Limit  int
}

// ListMemories returns memory rows matching the filter.
func (s *BoltStore) ListMemories(f ListMemoriesFilter) ([]*types.Memory, error) {
	var all []*types.Memory
	err := s.View(func(t *Tx) error {
		return t.ForEachMemory(func(m *types.Memory) error {
			if f.Tenant != "" && m.Tenant != f.Tenant {
				return nil
			}
			if f.App != "" && m.App != f.App {
				return nil
			}
			if f.Level != 0 && m.Level != f.Level {
				return nil
			}
			all = append(all, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(f.Sort) {
	case "importance":
		sort.SliceStable(all, func(i, j int) bool { return all[i].Importance > all[j].Importance })
	case "last_accessed":
		sort.SliceStable(all, func(i, j int) bool { return all[i].LastAccessed.After(all[j].LastAccessed) })
	case "transaction_time":
		sort.SliceStable(all, func(i, j int) bool { return all[i].TransactionTime.After(all[j].TransactionTime) })
	}

	if f.Offset > 0 {
		if f.Offset >= len(all) {
			return nil, nil
		}
		all = all[f.Offset:]
	}
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

// CountMemoriesByLevel tallies rows per level for metrics and status.
func (s *BoltStore) CountMemoriesByLevel() (map[types.MemoryLevel]int, error) {
	counts := make(map[types.MemoryLevel]int)
	err := s.View(func(t *Tx) error {
		return t.ForEachMemory(func(m *types.Memory) error {
			counts[m.Level]++
			return nil
		})
	})
	return counts, err
}

// EdgesFrom returns the outbound adjacency of one node.
func (s *BoltStore) EdgesFrom(id string) ([]*types.Edge, error) {
	var out []*types.Edge
	err := s.View(func(t *Tx) error {
		var err error
		out, err = t.EdgesFrom(id)
		return err
	})
	return out, err
}

// EdgesTo returns the inbound adjacency of one node.
func (s *BoltStore) EdgesTo(id string) ([]*types.Edge, error) {
	var out []*types.Edge
	err := s.View(func(t *Tx) error {
		var err error
		out, err = t.EdgesTo(id)
		return err
	})
	return out, err
}

// ForEachMemory iterates all memory rows outside a caller-held transaction.
func (s *BoltStore) ForEachMemory(fn func(*types.Memory) error) error {
	return s.View(func(t *Tx) error {
		return t.ForEachMemory(fn)
	})
}

// ForEachEdge iterates all outbound adjacency records.
func (s *BoltStore) ForEachEdge(fn func(*types.Edge) error) error {
	return s.View(func(t *Tx) error {
		return t.ForEachEdge(fn)
	})
}
