package cache

import (
	"context"
	"testing"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, ok, _ := m.Get(ctx, "missing"); ok {
		t.Fatal("expected missing key to report false")
	}

	key := ActiveSessionKey("user-1")
	if key != "activeSession:user-1" {
		t.Fatalf("unexpected key format: %q", key)
	}
	if err := m.Set(ctx, key, "01HX"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, ok, err := m.Get(ctx, key)
	if err != nil || !ok || v != "01HX" {
		t.Fatalf("expected 01HX, got %q ok=%v err=%v", v, ok, err)
	}

	if err := m.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := m.Delete(ctx, key); err != nil {
		t.Fatalf("Delete of missing key failed: %v", err)
	}
	if _, ok, _ := m.Get(ctx, key); ok {
		t.Fatal("expected key to be gone")
	}
}

func TestIntHelpers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := RemainingSessionsKey("user-1")

	if err := SetInt(ctx, m, key, 2); err != nil {
		t.Fatalf("SetInt failed: %v", err)
	}
	n, ok, err := GetInt(ctx, m, key)
	if err != nil || !ok || n != 2 {
		t.Fatalf("expected 2, got %d ok=%v err=%v", n, ok, err)
	}

	if err := m.Set(ctx, key, "not-a-number"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, ok, err := GetInt(ctx, m, key); ok || err != nil {
		t.Fatalf("expected malformed value to be treated as missing, ok=%v err=%v", ok, err)
	}
}
