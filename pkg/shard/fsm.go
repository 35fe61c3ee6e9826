package shard

import (
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/memorose/memorose/pkg/events"
	"github.com/memorose/memorose/pkg/hybrid"
	"github.com/memorose/memorose/pkg/storage"
	"github.com/memorose/memorose/pkg/types"
)

// FSM applies committed log entries to one shard's hybrid index. It is the
// single mutator of the shard's three engines: every write, from ingestion
// to consolidation to decay, arrives here in log order.
type FSM struct {
	mu       sync.Mutex
	index    *hybrid.Index
	notifier *events.Notifier
}

// NewFSM creates the state machine over an index. notifier, when non-nil,
// is signaled after each applied ingest so the consolidation worker wakes.
func NewFSM(index *hybrid.Index, notifier *events.Notifier) *FSM {
	return &FSM{index: index, notifier: notifier}
}

// transientApplyRetries bounds deterministic re-tries of an engine error
// before it is surfaced to the apply loop.
const transientApplyRetries = 3

// Apply applies a committed raft log entry to the state machine.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	cmd, err := types.DecodeCommand(entry.Data)
	if err != nil {
		return &types.ApplyResult{Err: fmt.Errorf("failed to decode command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var res *types.ApplyResult
	for attempt := 0; attempt <= transientApplyRetries; attempt++ {
		res = f.index.Apply(cmd)
		if res.Err == nil {
			break
		}
		kind := types.KindOf(res.Err)
		if kind == types.KindFatalInvariant {
			// Corrupt state must not be served; the shard refuses to
			// continue and an operator has to intervene.
			panic(fmt.Sprintf("fatal invariant while applying %s: %v", cmd.Op, res.Err))
		}
		if kind != types.KindTransientIO {
			break
		}
	}

	if res.Err == nil && f.notifier != nil {
		switch cmd.Op {
		case types.OpIngestEvent:
			f.notifier.Notify()
		}
	}
	return res
}

// Snapshot captures the full engine state. The dump is deterministic: it is
// produced in key order from the KV engine, and the derived indexes are
// reconstructed from it on restore.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap, err := f.index.Store().Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot state: %w", err)
	}
	return &fsmSnapshot{state: snap}, nil
}

// Restore replaces the state machine from a snapshot stream.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	snap, err := storage.ReadSnapshot(rc)
	if err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.index.Restore(snap)
}

// fsmSnapshot streams one captured state dump into a raft snapshot sink.
type fsmSnapshot struct {
	state *storage.SnapshotState
}

// Persist writes the snapshot to the given SnapshotSink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := s.state.WriteTo(sink); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources.
func (s *fsmSnapshot) Release() {}
