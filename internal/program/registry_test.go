package program

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/EternityForest/Acorns/internal/errors"
	"github.com/EternityForest/Acorns/internal/gil"
	"github.com/EternityForest/Acorns/internal/testutil"
)

type fixture struct {
	lock  *gil.Lock
	eng   *testutil.FakeEngine
	reg   *Registry
	freed []string
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	f := &fixture{lock: gil.New(5 * time.Second)}
	f.eng = testutil.NewFakeEngine(f.lock)
	f.reg = NewRegistry(f.lock, f.eng.Root(), RegistryOptions{
		Capacity: capacity,
		OnFree:   func(p *Program) { f.freed = append(f.freed, p.ID()) },
	})
	return f
}

func (f *fixture) insert(t *testing.T, id string, parent *Program) *Program {
	t.Helper()
	pctx := f.eng.Root()
	if parent != nil {
		pctx = parent.Context()
	}
	ctx, err := f.eng.NewChild(pctx, id, nil)
	if err != nil {
		t.Fatalf("NewChild(%s): %v", id, err)
	}
	p, err := f.reg.Insert(Spec{ID: id, VersionTag: "v-" + id, Parent: parent, Context: ctx})
	if err != nil {
		t.Fatalf("Insert(%s): %v", id, err)
	}
	return p
}

func TestRegistry_Lookup(t *testing.T) {
	f := newFixture(t, 4)
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.reg.Lookup("") != f.reg.Root() {
		t.Error(`Lookup("") should return the root`)
	}
	if f.reg.Lookup("missing") != nil {
		t.Error("Lookup of an unknown id should return nil")
	}

	p := f.insert(t, "blink", nil)
	if f.reg.Lookup("blink") != p {
		t.Error("Lookup should find the inserted program")
	}
	if p.Parent() != f.reg.Root() {
		t.Error("top-level programs should be children of the root")
	}
	if p.Context().Owner() != p {
		t.Error("Insert should attach the program as context owner")
	}
	if f.reg.Root().Refs() != 2 {
		t.Errorf("root refs = %d, want 2 (own + child)", f.reg.Root().Refs())
	}
}

func TestRegistry_NoFreeSlot(t *testing.T) {
	f := newFixture(t, 2)
	f.lock.Lock()
	defer f.lock.Unlock()

	f.insert(t, "a", nil)
	f.insert(t, "b", nil)
	if f.reg.FreeSlots() != 0 {
		t.Fatalf("FreeSlots() = %d, want 0", f.reg.FreeSlots())
	}

	_, err := f.reg.Insert(Spec{ID: "c"})
	if !errors.Is(err, apperrors.ErrNoFreeSlot) {
		t.Errorf("Insert into a full registry = %v, want ErrNoFreeSlot", err)
	}
	if f.reg.Lookup("c") != nil {
		t.Error("nothing should be created when the registry is full")
	}
}

func TestRegistry_InsertRejects(t *testing.T) {
	f := newFixture(t, 2)
	f.lock.Lock()
	defer f.lock.Unlock()

	if _, err := f.reg.Insert(Spec{}); !errors.Is(err, apperrors.ErrInvalidID) {
		t.Errorf("empty id = %v, want ErrInvalidID", err)
	}
	f.insert(t, "a", nil)
	if _, err := f.reg.Insert(Spec{ID: "a"}); err == nil {
		t.Error("duplicate id should be rejected")
	}
}

func TestRegistry_BusyPropagates(t *testing.T) {
	f := newFixture(t, 4)
	f.lock.Lock()
	defer f.lock.Unlock()

	parent := f.insert(t, "parent", nil)
	child := f.insert(t, "child", parent)
	sibling := f.insert(t, "sibling", nil)

	f.reg.MarkBusy(child)
	if child.Busy() != 1 || parent.Busy() != 1 || f.reg.Root().Busy() != 1 {
		t.Errorf("busy = child %d, parent %d, root %d; want 1 each",
			child.Busy(), parent.Busy(), f.reg.Root().Busy())
	}
	if sibling.Busy() != 0 {
		t.Error("busy must not leak to siblings")
	}

	f.reg.MarkBusy(parent)
	if parent.Busy() != 2 || child.Busy() != 1 {
		t.Errorf("busy = parent %d, child %d; want 2 and 1", parent.Busy(), child.Busy())
	}

	f.reg.MarkIdle(child)
	f.reg.MarkIdle(parent)
	if parent.Busy() != 0 || child.Busy() != 0 || f.reg.Root().Busy() != 0 {
		t.Error("busy counts should return to zero")
	}
}

func TestRegistry_MarkIdleUnderflowPanics(t *testing.T) {
	f := newFixture(t, 1)
	f.lock.Lock()
	defer f.lock.Unlock()
	p := f.insert(t, "a", nil)

	defer func() {
		if recover() == nil {
			t.Error("expected a panic on busy underflow")
		}
	}()
	f.reg.MarkIdle(p)
}

func TestRegistry_DetachFrees(t *testing.T) {
	f := newFixture(t, 2)
	f.lock.Lock()
	defer f.lock.Unlock()

	p := f.insert(t, "a", nil)
	p.WriteInput([]byte("data"), -1, 0)
	ctx := f.eng.Context("a")

	if !f.reg.Detach(p) {
		t.Fatal("Detach of an unreferenced program should free it")
	}
	if !ctx.Released() {
		t.Error("the execution context should be released")
	}
	if p.Context() != nil || p.PendingLen() != 0 {
		t.Error("context and pending input should be dropped")
	}
	if f.reg.Lookup("a") != nil || f.reg.FreeSlots() != 2 {
		t.Error("the slot should be emptied")
	}
	if len(f.freed) != 1 || f.freed[0] != "a" {
		t.Errorf("freed = %v, want [a]", f.freed)
	}
	if p.RunContext().Err() == nil {
		t.Error("the run context should be cancelled")
	}
	if f.reg.Root().Refs() != 1 {
		t.Errorf("root refs = %d, want 1", f.reg.Root().Refs())
	}

	if f.reg.Detach(p) {
		t.Error("a second Detach should be a no-op")
	}
}

func TestRegistry_Zombie(t *testing.T) {
	f := newFixture(t, 2)
	f.lock.Lock()
	defer f.lock.Unlock()

	p := f.insert(t, "a", nil)
	f.reg.Ref(p) // an outstanding request

	if f.reg.Detach(p) {
		t.Fatal("a referenced program must not be freed")
	}
	if !p.Zombie() {
		t.Error("program should be a zombie")
	}
	if f.reg.FreeSlots() != 2 {
		t.Error("a zombie does not occupy a slot")
	}
	if len(f.freed) != 0 {
		t.Error("nothing should be freed yet")
	}

	if !f.reg.Deref(p) {
		t.Error("dropping the last reference should free the zombie")
	}
	if p.Zombie() {
		t.Error("a freed program is not a zombie")
	}
	if len(f.freed) != 1 {
		t.Errorf("freed = %v", f.freed)
	}
}

func TestRegistry_ChildHoldsParent(t *testing.T) {
	f := newFixture(t, 4)
	f.lock.Lock()
	defer f.lock.Unlock()

	parent := f.insert(t, "parent", nil)
	child := f.insert(t, "child", parent)
	f.reg.Ref(child)

	f.reg.Detach(child) // zombie
	if f.reg.Detach(parent) {
		t.Fatal("parent must survive while a child record exists")
	}
	if !parent.Zombie() {
		t.Error("parent should be a zombie")
	}

	f.reg.Deref(child)
	if parent.Refs() != 0 {
		t.Errorf("parent refs = %d, want 0", parent.Refs())
	}
	if len(f.freed) != 2 || f.freed[0] != "child" || f.freed[1] != "parent" {
		t.Errorf("freed = %v, want [child parent]", f.freed)
	}
}

func TestRegistry_DetachBusyPanics(t *testing.T) {
	f := newFixture(t, 1)
	f.lock.Lock()
	defer f.lock.Unlock()

	p := f.insert(t, "a", nil)
	f.reg.MarkBusy(p)
	defer func() {
		if recover() == nil {
			t.Error("expected a panic when detaching a busy program")
		}
	}()
	f.reg.Detach(p)
}

func TestRegistry_WaitIdle(t *testing.T) {
	f := newFixture(t, 1)
	f.lock.Lock()
	p := f.insert(t, "a", nil)
	f.reg.MarkBusy(p)
	f.lock.Unlock()

	done := make(chan error, 1)
	go func() {
		f.lock.Lock()
		defer f.lock.Unlock()
		done <- f.reg.WaitIdle(context.Background(), p)
	}()

	select {
	case <-done:
		t.Fatal("WaitIdle returned while the program was busy")
	case <-time.After(20 * time.Millisecond):
	}

	f.lock.Lock()
	f.reg.MarkIdle(p)
	f.lock.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitIdle() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitIdle did not wake after MarkIdle")
	}
}

func TestRegistry_WaitIdleContext(t *testing.T) {
	f := newFixture(t, 1)
	f.lock.Lock()
	defer f.lock.Unlock()
	p := f.insert(t, "a", nil)
	f.reg.MarkBusy(p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := f.reg.WaitIdle(ctx, p); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitIdle() = %v, want DeadlineExceeded", err)
	}
}

func TestRegistry_Programs(t *testing.T) {
	f := newFixture(t, 3)
	f.lock.Lock()
	defer f.lock.Unlock()

	parent := f.insert(t, "b", nil)
	f.insert(t, "a", parent)
	f.insert(t, "c", nil)

	got := f.reg.Programs()
	if len(got) != 3 || got[0].ID() != "b" || got[1].ID() != "a" {
		t.Errorf("Programs() order = %v", ids(got))
	}
	children := parent.Children()
	if len(children) != 1 || children[0].ID() != "a" {
		t.Errorf("Children() = %v", ids(children))
	}
	anc := children[0].Ancestors()
	if len(anc) != 2 || anc[0] != parent || anc[1] != f.reg.Root() {
		t.Errorf("Ancestors() = %v", ids(anc))
	}
}

func ids(ps []*Program) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID()
	}
	return out
}
