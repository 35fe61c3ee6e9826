package storage

import (
	"encoding/json"
	"io"

	"github.com/memorose/memorose/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// SnapshotState is the deterministic serialized dump of one shard's KV
// engine. The vector and full-text engines are derived from the memory rows,
// so this dump is the whole durable state.
type SnapshotState struct {
	Events   []*types.Event    `json:"events"`
	Memories []*types.Memory   `json:"memories"`
	Edges    []*types.Edge     `json:"edges"`
	Meta     map[string][]byte `json:"meta"`
}

// Snapshot collects the full engine state in key order.
func (s *BoltStore) Snapshot() (*SnapshotState, error) {
	snap := &SnapshotState{Meta: make(map[string][]byte)}
	err := s.View(func(t *Tx) error {
		if err := t.ForEachEvent(func(e *types.Event) error {
			snap.Events = append(snap.Events, e)
			return nil
		}); err != nil {
			return err
		}
		if err := t.ForEachMemory(func(m *types.Memory) error {
			snap.Memories = append(snap.Memories, m)
			return nil
		}); err != nil {
			return err
		}
		if err := t.ForEachEdge(func(e *types.Edge) error {
			snap.Edges = append(snap.Edges, e)
			return nil
		}); err != nil {
			return err
		}
		return t.tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			val := make([]byte, len(v))
			copy(val, v)
			snap.Meta[string(k)] = val
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// WriteTo streams the snapshot dump as JSON.
func (snap *SnapshotState) WriteTo(w io.Writer) error {
	return json.NewEncoder(w).Encode(snap)
}

// ReadSnapshot parses a snapshot dump.
func ReadSnapshot(r io.Reader) (*SnapshotState, error) {
	var snap SnapshotState
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Restore replaces the engine contents with the snapshot state in one
// transaction.
func (s *BoltStore) Restore(snap *SnapshotState) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEvents, bucketPending, bucketMemories, bucketEdges, bucketEdgesIn, bucketMeta} {
			if err := btx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := btx.CreateBucket(name); err != nil {
				return err
			}
		}
		t := &Tx{tx: btx}
		for _, e := range snap.Events {
			if err := t.CreateEvent(e); err != nil {
				return err
			}
		}
		for _, m := range snap.Memories {
			if err := t.UpsertMemory(m); err != nil {
				return err
			}
		}
		for _, e := range snap.Edges {
			if err := t.UpsertEdge(e); err != nil {
				return err
			}
		}
		for k, v := range snap.Meta {
			if err := t.PutMeta(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}
