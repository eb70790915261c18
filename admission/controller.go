// Package admission implements the FIFO scheduling queue and RAM budget
// accounting that gate a scheduling request's entry into provisioning.
package admission

import (
	"container/list"
	"context"
	"sync"

	"github.com/forrest-ci/forrest/types"
)

// BaseMachineQuery reports whether a machine class currently has a live run
// in a state that blocks a dependent run from entering provisioning (i.e.
// past provisioning, before cleaning — running or persisting).
type BaseMachineQuery interface {
	BaseMachineBusy(ref types.ClassRef) bool
}

type waiter struct {
	req    *types.SchedulingRequest
	result chan error
}

// Controller is a single-host FIFO admission queue gated by a RAM budget and
// the base-machine interlock. Zero value is not usable; construct with New.
type Controller struct {
	mu        sync.Mutex
	cond      *sync.Cond
	freeRAM   int64
	queue     *list.List // of *waiter, oldest first
	baseQuery BaseMachineQuery
	closed    bool
}

// New creates a Controller with the given total RAM budget. query is
// consulted for the base-machine interlock; it is typically the run
// lifecycle manager itself.
func New(ramBudget int64, query BaseMachineQuery) *Controller {
	c := &Controller{
		freeRAM:   ramBudget,
		queue:     list.New(),
		baseQuery: query,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Admit enqueues req in FIFO order and blocks until it is admitted, ctx is
// cancelled, or the controller is shut down. On success the request's
// reserved RAM has already been deducted from the budget — the caller must
// call Release exactly once when the run leaves a RAM-reserving state.
func (c *Controller) Admit(ctx context.Context, req *types.SchedulingRequest) error {
	w := &waiter{req: req, result: make(chan error, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return context.Canceled
	}
	elem := c.queue.PushBack(w)
	c.cond.Broadcast()
	c.mu.Unlock()

	select {
	case err := <-w.result:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		// Remove w from the queue if the scan hasn't already admitted it;
		// if it has, the result is already buffered and is returned instead
		// of ctx.Err(), so the run starts and the caller owns the reservation.
		removed := c.removeIfPresent(elem)
		c.mu.Unlock()
		if !removed {
			return <-w.result
		}
		return ctx.Err()
	}
}

// Release restores ramBytes to the budget and wakes the scanner — called on
// every terminal transition out of a RAM-reserving state (done, or any
// earlier failure that tears the run down).
func (c *Controller) Release(ramBytes int64) {
	c.mu.Lock()
	c.freeRAM += ramBytes
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Nudge wakes the scanner without changing the budget — used when a base
// machine's state transition may have unblocked a dependent request.
func (c *Controller) Nudge() {
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Close unblocks every waiting Admit call with context.Canceled and refuses
// further admissions. Used on daemon shutdown to drop queued requests.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	for e := c.queue.Front(); e != nil; {
		next := e.Next()
		w := c.queue.Remove(e).(*waiter)
		w.result <- context.Canceled
		e = next
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Controller) removeIfPresent(target *list.Element) bool {
	for e := c.queue.Front(); e != nil; e = e.Next() {
		if e == target {
			c.queue.Remove(e)
			return true
		}
	}
	return false
}
