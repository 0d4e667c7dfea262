package xhci

import (
	"context"
	"sync"
)

// completionSlot is a single outstanding completion a caller is waiting
// on, keyed by the physical address of the TRB whose completion event
// will report it. This is the Go analogue of the Rust core's Finished<C>
// map: no background goroutine services it, the caller's own
// HandleEvent call fills it in and wakes the waiter synchronously
// (spec.md §5's no-internal-thread-pool constraint).
type completionSlot struct {
	done  chan struct{}
	once  sync.Once
	trb   TRB
	ready bool
}

func newCompletionSlot() *completionSlot {
	return &completionSlot{done: make(chan struct{})}
}

// fulfill records the completion TRB and wakes the waiter. Safe to call
// at most meaningfully once; later calls are no-ops.
func (s *completionSlot) fulfill(trb TRB) {
	s.once.Do(func() {
		s.trb = trb
		s.ready = true
		close(s.done)
	})
}

// wait blocks until fulfill is called or ctx is done. The caller is
// responsible for driving the event loop (calling HandleEvent) from
// another point in its own scheduling domain; this never spawns a
// goroutine to do so itself.
func (s *completionSlot) wait(ctx context.Context) (TRB, error) {
	select {
	case <-s.done:
		return s.trb, nil
	case <-ctx.Done():
		return TRB{}, ctx.Err()
	}
}

// waiterTable is a keyed set of completion slots, used by the command
// engine (keyed by command TRB address, FIFO-matched) and by the
// transfer engine (keyed by endpoint, matched against the last TRB of a
// TD) per spec.md §5.
type waiterTable struct {
	mu      sync.Mutex
	waiters map[PhysAddr]*completionSlot
}

func newWaiterTable() *waiterTable {
	return &waiterTable{waiters: make(map[PhysAddr]*completionSlot)}
}

// register creates and stores a completion slot for addr, replacing any
// prior entry (a prior entry at the same physical address is, by
// construction, already completed: rings never reuse an address for two
// outstanding TRBs at once).
func (w *waiterTable) register(addr PhysAddr) *completionSlot {
	w.mu.Lock()
	defer w.mu.Unlock()
	slot := newCompletionSlot()
	w.waiters[addr] = slot
	return slot
}

// fulfill looks up the waiter registered at addr and fulfills it,
// reporting whether a waiter was found.
func (w *waiterTable) fulfill(addr PhysAddr, trb TRB) bool {
	w.mu.Lock()
	slot, ok := w.waiters[addr]
	if ok {
		delete(w.waiters, addr)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	slot.fulfill(trb)
	return true
}

// cancel removes addr's waiter and fulfills it with a synthetic Orphaned
// completion, used when a Stop-Endpoint or Set-TR-Dequeue-Pointer renders
// a pending transfer unreachable (spec.md §4.5's cancellation path).
func (w *waiterTable) cancel(addr PhysAddr) {
	w.mu.Lock()
	slot, ok := w.waiters[addr]
	if ok {
		delete(w.waiters, addr)
	}
	w.mu.Unlock()
	if ok {
		var event TRB
		event.setCompletionCode(CompletionOrphaned)
		slot.fulfill(event)
	}
}

// failAllWith fulfills every outstanding waiter with a synthetic event
// carrying code and empties the table.
func (w *waiterTable) failAllWith(code TRBCompletionCode) {
	w.mu.Lock()
	waiters := w.waiters
	w.waiters = make(map[PhysAddr]*completionSlot)
	w.mu.Unlock()
	var event TRB
	event.setCompletionCode(code)
	for _, slot := range waiters {
		slot.fulfill(event)
	}
}

// failAll fulfills every outstanding waiter with a synthetic
// Controller-Dead completion, used once when HandleEvent observes a
// fatal host error (spec.md §7: "all outstanding futures are resolved
// with a fatal error").
func (w *waiterTable) failAll() {
	w.failAllWith(CompletionControllerDead)
}

// cancelAll fulfills every outstanding waiter with a synthetic Orphaned
// completion, used when an endpoint's ring is realigned out from under
// its in-flight TDs (spec.md §4.5's cancellation path).
func (w *waiterTable) cancelAll() {
	w.failAllWith(CompletionOrphaned)
}

// deadFlag is a concurrency-safe one-way kill switch. It backs two
// distinct lifecycle events that share the same shape: a Controller's
// fatal-host-error death (spec.md §7), checked by CommandEngine.submit
// and every Endpoint's Submit method, and a single Slot's Disable-Slot
// completion, checked only by that slot's own endpoints. A nil *deadFlag
// is treated as never dead, so tests can pass one in without
// constructing a Controller.
type deadFlag struct {
	mu   sync.Mutex
	dead bool
}

func (d *deadFlag) set() {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.dead = true
	d.mu.Unlock()
}

func (d *deadFlag) isDead() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dead
}
