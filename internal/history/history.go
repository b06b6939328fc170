// Package history tracks the sources a single sender thread has dispatched
// on its connection since the last checkpoint, and reconciles that log
// against locally- and globally-signalled checkpoints.
package history

import (
	"sync"

	"github.com/warpforge/wdt/pkg/protocol"
)

// Source is the minimal view of a dispatched byte-source the history needs:
// enough to identify it for logging and to hand it back to the queue for
// retry after a rewind.
type Source interface {
	SeqID() int64
	Name() string
}

// Requeuer accepts sources that must be retried by another thread after a
// checkpoint rewinds this connection's history. It is satisfied by
// internal/dirqueue.Queue; history never imports the queue package
// directly, keeping the dependency one-directional.
type Requeuer interface {
	Requeue(sources []Source)
}

// SetResult is the outcome of SetLocalCheckpoint.
type SetResult int

const (
	SetOK SetResult = iota
	SetInvalidCheckpoint
	SetNoProgress
)

// History is a single sender thread's transfer history: sources dispatched
// since the last checkpoint, in order. Only the owning thread and the
// coordinator's global-checkpoint dispatch touch it, always under mu.
type History struct {
	mu sync.Mutex

	port     int32
	requeue  Requeuer
	sources  []Source
	lastCP   protocol.Checkpoint
	haveCP   bool
	globalCP bool
}

// New returns an empty history for the connection on the given port.
// requeue receives sources invalidated by a checkpoint rewind.
func New(port int32, requeue Requeuer) *History {
	return &History{port: port, requeue: requeue}
}

// AddSource appends source to the in-flight log. It returns false if a
// global checkpoint has landed for this thread since the last check; the
// caller (SEND_BLOCKS) must stop dispatching and end the thread in that case.
func (h *History) AddSource(source Source) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.globalCP {
		return false
	}
	h.sources = append(h.sources, source)
	return true
}

// SetLocalCheckpoint records a checkpoint the receiver has echoed back for
// this port. It rejects checkpoints that would move backwards or claim
// more blocks than are currently in flight, and flags checkpoints that make
// no progress over the previous one (used to detect a stuck peer).
func (h *History) SetLocalCheckpoint(cp protocol.Checkpoint) SetResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cp.NumBlocks > int64(len(h.sources)) || (h.haveCP && cp.NumBlocks < h.lastCP.NumBlocks) {
		return SetInvalidCheckpoint
	}
	if h.haveCP && cp == h.lastCP {
		return SetNoProgress
	}

	acked := int(cp.NumBlocks)
	if acked < 0 {
		acked = 0
	}
	if acked > len(h.sources) {
		acked = len(h.sources)
	}
	h.sources = h.sources[acked:]
	h.lastCP = cp
	h.haveCP = true
	return SetOK
}

// MarkAllAcknowledged collapses the log: every dispatched source is now
// durable on the peer. The next AddSource begins a fresh log at index 0.
func (h *History) MarkAllAcknowledged() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources = nil
	h.haveCP = false
}

// HandleGlobalCheckpoint is invoked by the coordinator when a peer-signalled
// rewind arrives. Un-acked sources are requeued for another thread to
// retry; if the checkpoint names this thread's port, the global-checkpoint
// flag is set so the next AddSource fails and the thread winds down.
func (h *History) HandleGlobalCheckpoint(cp protocol.Checkpoint) {
	h.mu.Lock()
	toRequeue := h.sources
	h.sources = nil
	if cp.Port == h.port {
		h.globalCP = true
	}
	h.mu.Unlock()

	if len(toRequeue) > 0 && h.requeue != nil {
		h.requeue.Requeue(toRequeue)
	}
}

// GetSourceID returns the dispatched-file path for seqID, for logging. The
// empty string is returned if no in-flight source has that sequence id.
func (h *History) GetSourceID(seqID int64) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sources {
		if s.SeqID() == seqID {
			return s.Name()
		}
	}
	return ""
}

// NumInFlight reports how many sources are currently dispatched and
// unacknowledged.
func (h *History) NumInFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sources)
}

// HasGlobalCheckpoint reports whether a global rewind has been signalled
// for this thread's port.
func (h *History) HasGlobalCheckpoint() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.globalCP
}
