package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/memorose/memorose/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketEvents   = []byte("events")
	bucketPending  = []byte("pending")
	bucketMemories = []byte("memories")
	bucketEdges    = []byte("edges")
	bucketEdgesIn  = []byte("edges_in")
	bucketMeta     = []byte("meta")
)

// sep joins composite key segments. Ids are uuids and tenants are validated
// at the API boundary, so the zero byte never appears inside a segment.
const sep = "\x00"

// BoltStore is the ordered KV engine backing one shard's state machine.
// Only the shard's apply loop mutates it; every other component holds a
// read-only view through the query methods.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the shard database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "memorose.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketEvents,
			bucketPending,
			bucketMemories,
			bucketEdges,
			bucketEdgesIn,
			bucketMeta,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Tx exposes the typed mutation surface inside one atomic bolt transaction.
// A ConsolidationBatch command lands through a single Update call, so either
// every upsert, edge, and consumed-mark is visible or none is.
type Tx struct {
	tx *bolt.Tx
}

// Update runs fn in one read-write transaction.
func (s *BoltStore) Update(fn func(*Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// View runs fn in one read-only transaction.
func (s *BoltStore) View(fn func(*Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

func pendingKey(e *types.Event) []byte {
	return []byte(e.Tenant + sep + e.App + sep + e.Stream + sep + e.ID)
}

func edgeKey(src string, rel types.Relation, dst string) []byte {
	return []byte(src + sep + string(rel) + sep + dst)
}

func edgeInKey(src string, rel types.Relation, dst string) []byte {
	return []byte(dst + sep + string(rel) + sep + src)
}

// CreateEvent stores an L0 event and, while pending, indexes it in the
// pending set under its (tenant, app, stream) scope.
func (t *Tx) CreateEvent(e *types.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketEvents).Put([]byte(e.ID), data); err != nil {
		return err
	}
	if e.Pending {
		return t.tx.Bucket(bucketPending).Put(pendingKey(e), []byte(e.ID))
	}
	return nil
}

// GetEvent loads one event by id.
func (t *Tx) GetEvent(id string) (*types.Event, error) {
	data := t.tx.Bucket(bucketEvents).Get([]byte(id))
	if data == nil {
		return nil, types.NewErrorf(types.KindNotFound, "event not found: %s", id)
	}
	var e types.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkEventConsumed clears the pending flag, records the terminal outcome,
// and removes the event from the pending index.
func (t *Tx) MarkEventConsumed(id, outcome string) error {
	e, err := t.GetEvent(id)
	if err != nil {
		return err
	}
	if !e.Pending {
		// Re-derivation on a new leader replays consumed-marks; the second
		// application is a no-op.
		return nil
	}
	e.Pending = false
	e.Outcome = outcome
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketEvents).Put([]byte(e.ID), data); err != nil {
		return err
	}
	return t.tx.Bucket(bucketPending).Delete(pendingKey(e))
}

// ScanPending returns up to limit pending events in key order, which groups
// them by (tenant, app, stream).
func (t *Tx) ScanPending(limit int) ([]*types.Event, error) {
	var out []*types.Event
	c := t.tx.Bucket(bucketPending).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		e, err := t.GetEvent(string(v))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PendingCount counts events awaiting consolidation.
func (t *Tx) PendingCount() int {
	return t.tx.Bucket(bucketPending).Stats().KeyN
}

// ForEachEvent iterates all stored events.
func (t *Tx) ForEachEvent(fn func(*types.Event) error) error {
	return t.tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
		var e types.Event
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		return fn(&e)
	})
}

// UpsertMemory writes one L1/L2 row.
func (t *Tx) UpsertMemory(m *types.Memory) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketMemories).Put([]byte(m.ID), data)
}

// GetMemory loads one memory row by id.
func (t *Tx) GetMemory(id string) (*types.Memory, error) {
	data := t.tx.Bucket(bucketMemories).Get([]byte(id))
	if data == nil {
		return nil, types.NewErrorf(types.KindNotFound, "memory not found: %s", id)
	}
	var m types.Memory
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMemory removes a memory row together with its adjacency.
func (t *Tx) DeleteMemory(id string) error {
	if err := t.tx.Bucket(bucketMemories).Delete([]byte(id)); err != nil {
		return err
	}
	return t.DeleteEdgesOf(id)
}

// ForEachMemory iterates all memory rows in id order.
func (t *Tx) ForEachMemory(fn func(*types.Memory) error) error {
	return t.tx.Bucket(bucketMemories).ForEach(func(k, v []byte) error {
		var m types.Memory
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		return fn(&m)
	})
}

// UpsertEdge writes the adjacency record in both directions.
func (t *Tx) UpsertEdge(e *types.Edge) error {
	if e.Weight < 0 || e.Weight > 1 {
		return types.NewErrorf(types.KindValidation, "edge weight %f outside [0,1]", e.Weight)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketEdges).Put(edgeKey(e.Source, e.Relation, e.Target), data); err != nil {
		return err
	}
	return t.tx.Bucket(bucketEdgesIn).Put(edgeInKey(e.Source, e.Relation, e.Target), data)
}

// EdgesFrom returns the outbound adjacency of one node.
func (t *Tx) EdgesFrom(id string) ([]*types.Edge, error) {
	return scanEdges(t.tx.Bucket(bucketEdges), id)
}

// EdgesTo returns the inbound adjacency of one node.
func (t *Tx) EdgesTo(id string) ([]*types.Edge, error) {
	return scanEdges(t.tx.Bucket(bucketEdgesIn), id)
}

func scanEdges(b *bolt.Bucket, id string) ([]*types.Edge, error) {
	var out []*types.Edge
	prefix := []byte(id + sep)
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var e types.Edge
		if err := json.Unmarshal(v, &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, nil
}

// DeleteEdgesOf removes every edge touching the node in either direction.
func (t *Tx) DeleteEdgesOf(id string) error {
	out, err := t.EdgesFrom(id)
	if err != nil {
		return err
	}
	in, err := t.EdgesTo(id)
	if err != nil {
		return err
	}
	edges := t.tx.Bucket(bucketEdges)
	edgesIn := t.tx.Bucket(bucketEdgesIn)
	for _, e := range append(out, in...) {
		if err := edges.Delete(edgeKey(e.Source, e.Relation, e.Target)); err != nil {
			return err
		}
		if err := edgesIn.Delete(edgeInKey(e.Source, e.Relation, e.Target)); err != nil {
			return err
		}
	}
	return nil
}

// ForEachEdge iterates the outbound adjacency records.
func (t *Tx) ForEachEdge(fn func(*types.Edge) error) error {
	return t.tx.Bucket(bucketEdges).ForEach(func(k, v []byte) error {
		var e types.Edge
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		return fn(&e)
	})
}

// PutMeta stores a state-machine metadata value.
func (t *Tx) PutMeta(key string, value []byte) error {
	return t.tx.Bucket(bucketMeta).Put([]byte(key), value)
}

// GetMeta loads a state-machine metadata value, nil when absent.
func (t *Tx) GetMeta(key string) []byte {
	v := t.tx.Bucket(bucketMeta).Get([]byte(key))
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
