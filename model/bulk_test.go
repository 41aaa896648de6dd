package model

import (
	"testing"
)

func TestBulkSet_Validate_accepts_backward_dependencies(t *testing.T) {
	set := NewBulkSet()
	set.AddCall("shop.users.list", NewInvocation(nil))
	first := set.AddCall("shop.users.get", NewInvocation(map[string]any{"id": 1}))
	set.AddCallAfter("shop.users.delete", NewInvocation(map[string]any{"id": 1}), first)

	if err := set.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestBulkSet_Validate_rejects_forward_dependency(t *testing.T) {
	set := NewBulkSet()
	dep := 1
	set.Items = append(set.Items, BulkItem{
		MethodRef:  "shop.users.get",
		Invocation: NewInvocation(nil),
		DependsOn:  &dep,
	})
	set.AddCall("shop.users.list", NewInvocation(nil))

	err := set.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error for forward dependency")
	}
	if !IsCode(err, ErrDependency) {
		t.Errorf("error code = %q, want %q", CodeOf(err), ErrDependency)
	}
}

func TestBulkSet_Validate_rejects_self_dependency(t *testing.T) {
	set := NewBulkSet()
	dep := 0
	set.Items = append(set.Items, BulkItem{
		MethodRef:  "shop.users.get",
		Invocation: NewInvocation(nil),
		DependsOn:  &dep,
	})
	if err := set.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for self dependency")
	}
}

func TestBulkSet_Validate_rejects_out_of_range_dependency(t *testing.T) {
	set := NewBulkSet()
	dep := 5
	set.Items = append(set.Items, BulkItem{
		MethodRef:  "shop.users.get",
		Invocation: NewInvocation(nil),
		DependsOn:  &dep,
	})
	if err := set.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for out-of-range dependency")
	}
}

func TestBulkSet_Validate_rejects_ambiguous_item(t *testing.T) {
	set := NewBulkSet()
	set.Items = append(set.Items, BulkItem{
		MethodRef:  "shop.users.get",
		Invocation: NewInvocation(nil),
		Request:    NewRequest(VerbGet, "https://api.example.com"),
	})
	if err := set.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for item with both payloads")
	}

	empty := NewBulkSet()
	empty.Items = append(empty.Items, BulkItem{})
	if err := empty.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for item with no payload")
	}
}

func TestBulkPolicy_Normalize_defaults(t *testing.T) {
	pol, err := BulkPolicy{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if pol.Mode != ExecSequential {
		t.Errorf("Mode = %q, want %q", pol.Mode, ExecSequential)
	}
	if pol.OnError != PolicyContinue {
		t.Errorf("OnError = %q, want %q", pol.OnError, PolicyContinue)
	}
	if pol.Aggregate != AggregateAll {
		t.Errorf("Aggregate = %q, want %q", pol.Aggregate, AggregateAll)
	}
	if pol.MaxConcurrency != 10 {
		t.Errorf("MaxConcurrency = %d, want 10", pol.MaxConcurrency)
	}
}

func TestBulkPolicy_Normalize_rejects_unknown_enums(t *testing.T) {
	if _, err := (BulkPolicy{Mode: "sideways"}).Normalize(); err == nil {
		t.Error("Normalize accepted unknown mode")
	}
	if _, err := (BulkPolicy{OnError: "explode"}).Normalize(); err == nil {
		t.Error("Normalize accepted unknown error policy")
	}
	if _, err := (BulkPolicy{Aggregate: "median"}).Normalize(); err == nil {
		t.Error("Normalize accepted unknown aggregation mode")
	}
}

func TestDefaultErrorPredicate(t *testing.T) {
	fail := Outcome{Status: OutcomeFailure, Err: NewSendFailedError(nil)}
	if !DefaultErrorPredicate(fail) {
		t.Error("failure outcome not classified as error")
	}

	skip := Outcome{Status: OutcomeSkipped}
	if DefaultErrorPredicate(skip) {
		t.Error("skipped outcome classified as error")
	}

	okResp := Outcome{Status: OutcomeSuccess, Value: NewResponse(200, nil, nil, "")}
	if DefaultErrorPredicate(okResp) {
		t.Error("2xx response classified as error")
	}

	badResp := Outcome{Status: OutcomeSuccess, Value: NewResponse(500, nil, nil, "")}
	if !DefaultErrorPredicate(badResp) {
		t.Error("5xx response not classified as error")
	}

	plain := Outcome{Status: OutcomeSuccess, Value: map[string]any{"ok": true}}
	if DefaultErrorPredicate(plain) {
		t.Error("non-response success classified as error")
	}
}

func TestBulkResult_Outcome_lookup(t *testing.T) {
	res := &BulkResult{Outcomes: []Outcome{
		{Index: 0, Status: OutcomeSuccess},
		{Index: 2, Status: OutcomeSkipped},
	}}
	if o, ok := res.Outcome(2); !ok || o.Status != OutcomeSkipped {
		t.Errorf("Outcome(2) = %+v, %v; want skipped, true", o, ok)
	}
	if _, ok := res.Outcome(1); ok {
		t.Error("Outcome(1) reported present for an unrecorded index")
	}
}

func TestSplitMethodRef(t *testing.T) {
	client, method, err := SplitMethodRef("shop.users.get")
	if err != nil {
		t.Fatalf("SplitMethodRef error = %v", err)
	}
	if client != "shop" || method != "users.get" {
		t.Errorf("SplitMethodRef = %q, %q; want shop, users.get", client, method)
	}

	for _, bad := range []string{"", "noseparator", ".leading", "trailing."} {
		if _, _, err := SplitMethodRef(bad); err == nil {
			t.Errorf("SplitMethodRef(%q) = nil error, want failure", bad)
		}
	}
}
