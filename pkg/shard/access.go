package shard

import (
	"sync"
	"time"

	"github.com/memorose/memorose/pkg/types"
)

// accessBufferCap bounds the in-process access queue; overflow drops the
// oldest records, trading a little staleness for bounded memory.
const accessBufferCap = 4096

// accessFlushInterval batches reads into one RecordAccess command.
const accessFlushInterval = 5 * time.Second

// AccessRecorder batches read-path access bumps into periodic RecordAccess
// proposals so hot memories do not write one log entry per read. Records
// buffered on a replica that is not leading when the flush fires are
// carried to the next flush; they drop only on buffer overflow.
type AccessRecorder struct {
	shard *Shard

	mu      sync.Mutex
	pending []types.AccessRecord

	stopCh  chan struct{}
	stopped chan struct{}
}

// NewAccessRecorder creates the recorder for one shard.
func NewAccessRecorder(s *Shard) *AccessRecorder {
	return &AccessRecorder{
		shard:   s,
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start begins the flush loop.
func (r *AccessRecorder) Start() {
	go r.run()
}

// Stop flushes once more and halts.
func (r *AccessRecorder) Stop() {
	close(r.stopCh)
	<-r.stopped
}

// Record enqueues access bumps for the given memory ids.
func (r *AccessRecorder) Record(ids []string) {
	if len(ids) == 0 {
		return
	}
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.pending = append(r.pending, types.AccessRecord{MemoryID: id, At: now})
	}
	if over := len(r.pending) - accessBufferCap; over > 0 {
		r.pending = r.pending[over:]
	}
}

func (r *AccessRecorder) run() {
	defer close(r.stopped)
	ticker := time.NewTicker(accessFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.flush()
		case <-r.stopCh:
			r.flush()
			return
		}
	}
}

func (r *AccessRecorder) flush() {
	if !r.shard.IsLeader() {
		return
	}
	r.mu.Lock()
	records := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(records) == 0 {
		return
	}

	cmd, err := types.NewCommand(types.OpRecordAccess, &types.RecordAccess{Records: records})
	if err != nil {
		return
	}
	if _, err := r.shard.Propose(cmd); err != nil {
		// Put the batch back for the next flush; access data is advisory
		// but cheap to retain.
		r.mu.Lock()
		r.pending = append(records, r.pending...)
		if over := len(r.pending) - accessBufferCap; over > 0 {
			r.pending = r.pending[over:]
		}
		r.mu.Unlock()
	}
}
