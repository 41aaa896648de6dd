package model

import (
	"context"
	"testing"
)

func TestInvocation_Kwarg_distinguishes_nil_from_absent(t *testing.T) {
	inv := NewInvocation(map[string]any{"present": nil})
	if _, ok := inv.Kwarg("present"); !ok {
		t.Error("Kwarg(present) reported absent for an explicit nil")
	}
	if _, ok := inv.Kwarg("missing"); ok {
		t.Error("Kwarg(missing) reported present for an absent key")
	}
}

func TestInvocation_CloneKwargs_independent(t *testing.T) {
	inv := NewInvocation(map[string]any{"id": 1})
	clone := inv.CloneKwargs()
	clone["id"] = 2
	clone["extra"] = true

	if inv.Kwargs["id"] != 1 {
		t.Errorf("original kwargs mutated: id = %v", inv.Kwargs["id"])
	}
	if _, ok := inv.Kwargs["extra"]; ok {
		t.Error("original kwargs grew a key added to the clone")
	}
}

func TestInvocation_builders(t *testing.T) {
	inv := NewInvocation(map[string]any{"q": "books"}).WithArgs(7).WithNoExec()
	if len(inv.Args) != 1 || inv.Args[0] != 7 {
		t.Errorf("Args = %v, want [7]", inv.Args)
	}
	if !inv.NoExec {
		t.Error("NoExec = false, want true")
	}
}

func TestCallScope_round_trip(t *testing.T) {
	scope := &CallScope{
		CorrelationID: "corr-1",
		ClientID:      "shop",
		MethodRef:     "shop.users.get",
		ItemIndex:     -1,
	}
	ctx := WithCallScope(context.Background(), scope)
	got := CallScopeFrom(ctx)
	if got != scope {
		t.Fatalf("CallScopeFrom = %+v, want the attached scope", got)
	}
}

func TestCallScopeFrom_absent(t *testing.T) {
	if got := CallScopeFrom(context.Background()); got != nil {
		t.Errorf("CallScopeFrom(empty ctx) = %+v, want nil", got)
	}
}
