// Package coordinator provides the cross-thread rendezvous and abort
// primitives sender threads use to converge on a protocol version, signal
// failure to their siblings, and bracket the top-level transfer with
// once-only start/end hooks.
package coordinator

import (
	"sync"
	"sync/atomic"

	"github.com/warpforge/wdt/pkg/protocol"
)

// NegotiationStatus tracks the state of a version-mismatch convergence
// round, visible to every thread.
type NegotiationStatus int32

const (
	NegotiationNone NegotiationStatus = iota
	MismatchWait
	MismatchResolved
	MismatchFailed
)

// FunnelState is the outcome a caller observes from EnterFunnel.
type FunnelState int

const (
	// FunnelStart means the caller won the race and must do the work.
	FunnelStart FunnelState = iota
	// FunnelProgress means another caller is doing the work; the caller
	// should wait and re-check.
	FunnelProgress
	// FunnelEnd means the work is already done; the caller should skip it.
	FunnelEnd
)

// Handle is the narrow, capability-typed interface sender threads hold
// instead of a back-pointer to the whole Coordinator, avoiding a cyclic
// parent/child reference between controller and thread.
type Handle interface {
	Abort(code protocol.ErrorCode)
	CheckAbort() (protocol.ErrorCode, bool)
	ClearAbort()
	EnterBarrier(name string)
	EnterFunnel(name string) FunnelState
	WaitFunnel(name string) FunnelState
	NotifyFunnelSuccess(name string)
	ResetFunnel(name string)
	SetNegotiationStatus(status NegotiationStatus)
	NegotiationStatus() NegotiationStatus
	SetFileChunksInfo(infos []protocol.FileChunksInfo)
	RegisterThread()
	DeregisterThread()
}

// barrier blocks a fixed, known set of participants until all have arrived,
// then releases them together and resets for reuse.
type barrier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	n        int
	arrived  int
	round    int
}

func newBarrier(n int) *barrier {
	b := &barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	myRound := b.round
	b.arrived++
	if b.arrived == b.n {
		b.arrived = 0
		b.round++
		b.cond.Broadcast()
		return
	}
	for b.round == myRound {
		b.cond.Wait()
	}
}

// funnel implements the exactly-one-execution primitive: the first caller
// in a round gets FunnelStart and must eventually call notifySuccess (or
// ResetFunnel must reset it), subsequent callers in the same round
// get FunnelProgress until notified, and callers after notification get
// FunnelEnd.
type funnel struct {
	mu   sync.Mutex
	cond *sync.Cond
	busy bool
	done bool
}

func newFunnel() *funnel {
	f := &funnel{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *funnel) enter() FunnelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return FunnelEnd
	}
	if f.busy {
		return FunnelProgress
	}
	f.busy = true
	return FunnelStart
}

func (f *funnel) wait() FunnelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.busy && !f.done {
		f.cond.Wait()
	}
	if f.done {
		return FunnelEnd
	}
	return FunnelProgress
}

func (f *funnel) notifySuccess() {
	f.mu.Lock()
	f.done = true
	f.busy = false
	f.mu.Unlock()
	f.cond.Broadcast()
}

// reset makes the funnel usable for another round, e.g. a subsequent
// version-mismatch episode later in the same transfer.
func (f *funnel) reset() {
	f.mu.Lock()
	f.busy = false
	f.done = false
	f.mu.Unlock()
}

// Coordinator is shared by every sender thread in one transfer. All fields
// are safe for concurrent use.
type Coordinator struct {
	abort atomic.Value // protocol.ErrorCode

	negotiationStatus atomic.Int32

	mu       sync.Mutex
	barriers map[string]*barrier
	funnels  map[string]*funnel

	startOnce sync.Once
	endOnce   sync.Once
	registered int
	deregistered int

	onStart func()
	onEnd   func()

	chunksMu sync.Mutex
	chunks   []protocol.FileChunksInfo
}

// New returns a Coordinator ready to register up to numThreads sender
// threads. onStart fires once, when the first thread registers; onEnd
// fires once, when the last thread deregisters.
func New(numThreads int, onStart, onEnd func()) *Coordinator {
	c := &Coordinator{
		barriers: map[string]*barrier{
			"VERSION_MISMATCH_BARRIER": newBarrier(numThreads),
		},
		funnels: map[string]*funnel{
			"VERSION_MISMATCH_FUNNEL": newFunnel(),
		},
		onStart: onStart,
		onEnd:   onEnd,
	}
	c.abort.Store(protocol.OK)
	return c
}

// RegisterThread must be called once by each sender thread before it enters
// its state machine loop. It fires the start hook on the first call.
func (c *Coordinator) RegisterThread() {
	c.mu.Lock()
	c.registered++
	c.mu.Unlock()
	c.startOnce.Do(func() {
		if c.onStart != nil {
			c.onStart()
		}
	})
}

// DeregisterThread must be called once by each sender thread as it exits.
// It fires the end hook on the call that brings deregistered == registered.
func (c *Coordinator) DeregisterThread() {
	c.mu.Lock()
	c.deregistered++
	done := c.deregistered >= c.registered
	c.mu.Unlock()
	if done {
		c.endOnce.Do(func() {
			if c.onEnd != nil {
				c.onEnd()
			}
		})
	}
}

// Abort unconditionally sets the shared abort code, broadcasting failure
// to every thread that next calls CheckAbort.
func (c *Coordinator) Abort(code protocol.ErrorCode) {
	c.abort.Store(code)
}

// TrySetAbort sets the abort code only if none is currently set, returning
// whether this call won the race.
func (c *Coordinator) TrySetAbort(code protocol.ErrorCode) bool {
	return c.abort.CompareAndSwap(protocol.OK, code)
}

// CheckAbort returns the current abort code and whether it is non-OK.
func (c *Coordinator) CheckAbort() (protocol.ErrorCode, bool) {
	code := c.abort.Load().(protocol.ErrorCode)
	return code, code != protocol.OK
}

// ClearAbort resets the abort channel, used after a successful
// version-mismatch recovery so surviving threads can reconnect cleanly.
func (c *Coordinator) ClearAbort() {
	c.abort.Store(protocol.OK)
}

// EnterBarrier blocks the calling thread until every registered thread has
// called EnterBarrier with the same name, then releases them all together.
func (c *Coordinator) EnterBarrier(name string) {
	c.mu.Lock()
	b := c.barriers[name]
	c.mu.Unlock()
	if b == nil {
		return
	}
	b.wait()
}

// EnterFunnel attempts to win the named funnel for this round.
func (c *Coordinator) EnterFunnel(name string) FunnelState {
	c.mu.Lock()
	f := c.funnels[name]
	c.mu.Unlock()
	if f == nil {
		return FunnelEnd
	}
	return f.enter()
}

// WaitFunnel blocks until the named funnel's winner notifies success,
// returning FunnelEnd once it does.
func (c *Coordinator) WaitFunnel(name string) FunnelState {
	c.mu.Lock()
	f := c.funnels[name]
	c.mu.Unlock()
	if f == nil {
		return FunnelEnd
	}
	return f.wait()
}

// NotifyFunnelSuccess is called by the funnel's winner once its work is
// committed, releasing every waiter with FunnelEnd.
func (c *Coordinator) NotifyFunnelSuccess(name string) {
	c.mu.Lock()
	f := c.funnels[name]
	c.mu.Unlock()
	if f != nil {
		f.notifySuccess()
	}
}

// ResetFunnel prepares the named funnel for a subsequent round.
func (c *Coordinator) ResetFunnel(name string) {
	c.mu.Lock()
	f := c.funnels[name]
	c.mu.Unlock()
	if f != nil {
		f.reset()
	}
}

// SetNegotiationStatus publishes the current state of a version-mismatch
// convergence round.
func (c *Coordinator) SetNegotiationStatus(status NegotiationStatus) {
	c.negotiationStatus.Store(int32(status))
}

// NegotiationStatus returns the current version-mismatch convergence state.
func (c *Coordinator) NegotiationStatus() NegotiationStatus {
	return NegotiationStatus(c.negotiationStatus.Load())
}

// SetFileChunksInfo stores the resumption chunk list delivered by the
// download-resumption handshake, for the controller to expose to callers.
func (c *Coordinator) SetFileChunksInfo(infos []protocol.FileChunksInfo) {
	c.chunksMu.Lock()
	defer c.chunksMu.Unlock()
	c.chunks = infos
}

// FileChunksInfo returns the most recently stored resumption chunk list.
func (c *Coordinator) FileChunksInfo() []protocol.FileChunksInfo {
	c.chunksMu.Lock()
	defer c.chunksMu.Unlock()
	return c.chunks
}
