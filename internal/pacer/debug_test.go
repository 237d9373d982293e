package pacer

import (
	"testing"

	"github.com/nethercore-systems/nethercore-sub000/internal/core"
	"github.com/nethercore-systems/nethercore-sub000/internal/runtime"
)

type fakeGuest struct {
	entries      []runtime.DebugEntry
	actions      []runtime.DebugAction
	writes       map[string]runtime.DebugValue
	rejectWrites map[string]bool
	onChangeHas  bool
	onChangeHits int
	actionCalls  []string
	actionErr    error
}

func (g *fakeGuest) Tick([]core.Input) error                                         { return nil }
func (g *fakeGuest) Render(runtime.RenderTarget) error                               { return nil }
func (g *fakeGuest) Serialize() (core.State, error)                                  { return nil, nil }
func (g *fakeGuest) Deserialize(core.State) error                                    { return nil }
func (g *fakeGuest) ReadDebugRegistry() ([]runtime.DebugEntry, []runtime.DebugAction) {
	return g.entries, g.actions
}
func (g *fakeGuest) ReadValue(entry runtime.DebugEntry) (runtime.DebugValue, bool) {
	v, ok := g.writes[entry.Name]
	return v, ok
}
func (g *fakeGuest) WriteValue(entry runtime.DebugEntry, v runtime.DebugValue) bool {
	if g.rejectWrites[entry.Name] {
		return false
	}
	if g.writes == nil {
		g.writes = map[string]runtime.DebugValue{}
	}
	g.writes[entry.Name] = v
	return true
}
func (g *fakeGuest) CallAction(name string, args []runtime.DebugValue) (runtime.DebugValue, error) {
	g.actionCalls = append(g.actionCalls, name)
	if g.actionErr != nil {
		return runtime.DebugValue{}, g.actionErr
	}
	return runtime.DebugValue{Kind: runtime.DebugInt64, Int: int64(len(args))}, nil
}
func (g *fakeGuest) HasOnDebugChange() bool { return g.onChangeHas }
func (g *fakeGuest) InvokeOnDebugChange()   { g.onChangeHits++ }

func TestFlushAppliesWritesThenOnChangeThenAction(t *testing.T) {
	g := &fakeGuest{onChangeHas: true}
	c := NewDebugController()

	entry := runtime.DebugEntry{Name: "player.x", ValueType: runtime.DebugInt64}
	c.QueueWrite(entry, runtime.DebugValue{Kind: runtime.DebugInt64, Int: 42})
	c.QueueAction("reset", []runtime.DebugValue{{Kind: runtime.DebugBool, Bool: true}})

	c.Flush(g)

	if g.writes["player.x"].Int != 42 {
		t.Fatalf("expected write applied, got %+v", g.writes["player.x"])
	}
	if g.onChangeHits != 1 {
		t.Fatalf("expected on_debug_change invoked once, got %d", g.onChangeHits)
	}
	if len(g.actionCalls) != 1 || g.actionCalls[0] != "reset" {
		t.Fatalf("expected reset action invoked, got %v", g.actionCalls)
	}
	res, ok := c.LastActionResult()
	if !ok || res.Value.Int != 1 {
		t.Fatalf("expected last action result with 1 arg counted, got %+v ok=%v", res, ok)
	}
}

func TestFlushSkipsOnChangeWhenNoWriteSucceeded(t *testing.T) {
	g := &fakeGuest{onChangeHas: true, rejectWrites: map[string]bool{"locked": true}}
	c := NewDebugController()
	c.QueueWrite(runtime.DebugEntry{Name: "locked"}, runtime.DebugValue{})

	c.Flush(g)

	if g.onChangeHits != 0 {
		t.Fatalf("expected on_debug_change skipped when every write failed, got %d calls", g.onChangeHits)
	}
}

func TestFlushSkipsOnChangeWhenGuestHasNone(t *testing.T) {
	g := &fakeGuest{onChangeHas: false}
	c := NewDebugController()
	c.QueueWrite(runtime.DebugEntry{Name: "x"}, runtime.DebugValue{Kind: runtime.DebugInt64, Int: 1})

	c.Flush(g)

	if g.onChangeHits != 0 {
		t.Fatalf("guest without on_debug_change must never be invoked, got %d calls", g.onChangeHits)
	}
}

func TestQueueActionReplacesPrevious(t *testing.T) {
	g := &fakeGuest{}
	c := NewDebugController()
	c.QueueAction("first", nil)
	c.QueueAction("second", nil)

	c.Flush(g)

	if len(g.actionCalls) != 1 || g.actionCalls[0] != "second" {
		t.Fatalf("expected only the most recently queued action to run, got %v", g.actionCalls)
	}
}

func TestDiscoverRunsOnce(t *testing.T) {
	g := &fakeGuest{entries: []runtime.DebugEntry{{Name: "a"}}, actions: []runtime.DebugAction{{Name: "b"}}}
	c := NewDebugController()
	c.Discover(g)
	g.entries = nil
	g.actions = nil
	c.Discover(g)

	if len(c.Entries()) != 1 || len(c.Actions()) != 1 {
		t.Fatalf("expected second Discover to be a no-op, got entries=%v actions=%v", c.Entries(), c.Actions())
	}
}
