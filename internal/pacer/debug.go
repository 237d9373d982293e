package pacer

import (
	"sync"

	"github.com/nethercore-systems/nethercore-sub000/internal/runtime"
)

// PendingWrite is one queued debug-value write awaiting the next Flush.
type PendingWrite struct {
	Entry runtime.DebugEntry
	Value runtime.DebugValue
}

// PendingAction is the single queued debug action call awaiting the
// next Flush. At most one action is allowed per frame, so queuing a
// second one replaces the first rather than stacking.
type PendingAction struct {
	Name string
	Args []runtime.DebugValue
}

// ActionResult is the outcome of the most recently flushed action.
type ActionResult struct {
	Value runtime.DebugValue
	Err   error
}

// DebugController holds the once-discovered debug registry and a
// double-buffered queue of pending writes/actions: the host reads the
// guest's registry once after load, then each frame the UI may emit a
// batch of writes and at most one action.
type DebugController struct {
	mu         sync.Mutex
	discovered bool
	entries    []runtime.DebugEntry
	actions    []runtime.DebugAction

	pendingWrites []PendingWrite
	pendingAction *PendingAction
	lastResult    *ActionResult
}

// NewDebugController returns an empty controller; call Discover once a
// guest is loaded.
func NewDebugController() *DebugController {
	return &DebugController{}
}

// Discover reads the guest's debug registry exactly once. Subsequent
// calls are no-ops, since the registry is fixed for the lifetime of a
// loaded guest.
func (c *DebugController) Discover(rt runtime.Runtime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discovered {
		return
	}
	c.entries, c.actions = rt.ReadDebugRegistry()
	c.discovered = true
}

// Entries returns the discovered inspectable values.
func (c *DebugController) Entries() []runtime.DebugEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]runtime.DebugEntry(nil), c.entries...)
}

// Actions returns the discovered callable actions.
func (c *DebugController) Actions() []runtime.DebugAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]runtime.DebugAction(nil), c.actions...)
}

// QueueWrite buffers a write for the next Flush. Safe to call from a
// UI goroutine distinct from the simulation thread that calls Flush.
func (c *DebugController) QueueWrite(entry runtime.DebugEntry, v runtime.DebugValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingWrites = append(c.pendingWrites, PendingWrite{Entry: entry, Value: v})
}

// QueueAction buffers the one action to invoke on the next Flush,
// replacing any previously queued action.
func (c *DebugController) QueueAction(name string, args []runtime.DebugValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingAction = &PendingAction{Name: name, Args: args}
}

// LastActionResult returns the outcome of the most recently flushed
// action, if any has run yet.
func (c *DebugController) LastActionResult() (ActionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastResult == nil {
		return ActionResult{}, false
	}
	return *c.lastResult, true
}

// Flush applies the write→on_debug_change→action sequence, swapping out
// the pending queues under lock so a concurrent QueueWrite/QueueAction
// call from the UI thread cannot race with the batch currently being
// applied.
func (c *DebugController) Flush(rt runtime.Runtime) {
	c.mu.Lock()
	writes := c.pendingWrites
	c.pendingWrites = nil
	action := c.pendingAction
	c.pendingAction = nil
	c.mu.Unlock()

	anySucceeded := false
	for _, w := range writes {
		if rt.WriteValue(w.Entry, w.Value) {
			anySucceeded = true
		}
	}
	if anySucceeded && rt.HasOnDebugChange() {
		rt.InvokeOnDebugChange()
	}
	if action == nil {
		return
	}
	val, err := rt.CallAction(action.Name, action.Args)
	c.mu.Lock()
	c.lastResult = &ActionResult{Value: val, Err: err}
	c.mu.Unlock()
}
