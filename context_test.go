package wsrpc

import (
	"context"
	"testing"
)

var (
	nameKey = NewContextKey[string]("name")
	ageKey  = NewContextKey[int]("age")
)

func TestContextKey_GetSet(t *testing.T) {
	cc := newConnContext("c1")
	ctx := withConnContext(context.Background(), cc)

	if _, ok := nameKey.Get(ctx); ok {
		t.Fatal("unset key should report absence")
	}

	if !nameKey.Set(ctx, "alice") {
		t.Fatal("Set should find the bound connection")
	}
	v, ok := nameKey.Get(ctx)
	if !ok || v != "alice" {
		t.Fatalf("Get = %q, %v; want alice, true", v, ok)
	}

	// Keys are independent even across types.
	if _, ok := ageKey.Get(ctx); ok {
		t.Fatal("distinct key must not see another key's slot")
	}
}

func TestContextKey_NoConnection(t *testing.T) {
	ctx := context.Background()

	if _, ok := nameKey.Get(ctx); ok {
		t.Fatal("Get without a connection should report absence")
	}
	if nameKey.Set(ctx, "x") {
		t.Fatal("Set without a connection should report failure")
	}
}

func TestContextKey_SharedAcrossCalls(t *testing.T) {
	cc := newConnContext("c1")

	ctx1 := withConnContext(context.Background(), cc)
	ctx2 := withConnContext(context.Background(), cc)

	ageKey.Set(ctx1, 41)
	v, ok := ageKey.Get(ctx2)
	if !ok || v != 41 {
		t.Fatalf("Get = %d, %v; want 41, true", v, ok)
	}
}

func TestContextKey_SetOn(t *testing.T) {
	cc := newConnContext("c1")
	ageKey.SetOn(cc, 7)

	ctx := withConnContext(context.Background(), cc)
	if v, _ := ageKey.Get(ctx); v != 7 {
		t.Fatalf("Get = %d; want 7", v)
	}
}

func TestConnFromContext(t *testing.T) {
	cc := newConnContext("c42")
	ctx := withConnContext(context.Background(), cc)

	got, ok := ConnFromContext(ctx)
	if !ok || got.ID() != "c42" {
		t.Fatalf("ConnFromContext = %v, %v", got, ok)
	}
	if _, ok := ConnFromContext(context.Background()); ok {
		t.Fatal("plain context should carry no connection")
	}
}
