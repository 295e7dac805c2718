package playset

import (
	"errors"
	"testing"
)

type bareGame struct{}

func (bareGame) Name() string { return "bare" }

func (bareGame) Advance(State, []Connect, []Command, []ControllerInput, []Disconnect) {}

func TestRegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(TestGame{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	resolved, err := registry.Get("testgame1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resolved.Name() != "testgame1" {
		t.Fatalf("resolved name = %q", resolved.Name())
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(TestGame{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(TestGame{}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestGetUnknownPlayset(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Get("missing")
	if !errors.Is(err, ErrUnknownPlayset) {
		t.Fatalf("expected ErrUnknownPlayset, got %v", err)
	}
}

func TestNames(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(TestGame{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(bareGame{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	names := registry.Names()
	if len(names) != 2 || names[0] != "bare" || names[1] != "testgame1" {
		t.Fatalf("names = %v", names)
	}
}

func TestDefaultsForBarePlayset(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(bareGame{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	resolved, err := registry.Get("bare")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	//1.- Without a CommandLimiter every verb is rejected.
	if len(resolved.CommandLimits()) != 0 {
		t.Fatalf("bare playset must accept no commands, got %v", resolved.CommandLimits())
	}
	if resolved.MaxArgLength() != DefaultMaxArgLength {
		t.Fatalf("arg cap = %d", resolved.MaxArgLength())
	}
	if resolved.MaxInputLength() != DefaultMaxInputLength {
		t.Fatalf("input cap = %d", resolved.MaxInputLength())
	}

	//2.- The default serializer round-trips JSON-shaped states structurally.
	state := map[string]any{"dots": []any{float64(1)}}
	serialized, err := resolved.Serialize(state)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	restored, err := resolved.Deserialize(serialized)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	reserialized, err := resolved.Serialize(restored)
	if err != nil {
		t.Fatalf("reserialize: %v", err)
	}
	if serialized != reserialized {
		t.Fatalf("round trip changed state: %q vs %q", serialized, reserialized)
	}

	//3.- The default copier detaches the copy from the original.
	copied, err := resolved.Copy(state)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	state["dots"] = []any{}
	copiedMap, ok := copied.(map[string]any)
	if !ok {
		t.Fatalf("copy type %T", copied)
	}
	if dots, ok := copiedMap["dots"].([]any); !ok || len(dots) != 1 {
		t.Fatal("copy shares structure with original")
	}
}

func TestResolvedHashMatchesStructuralHash(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(TestGame{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	resolved, err := registry.Get("testgame1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	state := map[string]any{"dots": []any{}}
	hash, err := resolved.Hash(state)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash != StructuralHash(state) {
		t.Fatalf("resolved hash %d != structural hash %d", hash, StructuralHash(state))
	}
}
