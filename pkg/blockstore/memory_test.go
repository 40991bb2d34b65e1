package blockstore

import (
	"context"
	"testing"

	"blocktree/pkg/blockid"
)

func TestMemoryCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	data := []byte("hello")

	id, err := m.Create(ctx, data)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := m.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Load() = %q, want %q", got, "hello")
	}
}

func TestMemoryLoadMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id, _ := blockid.New()
	got, err := m.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for a missing block, got %v", got)
	}
}

func TestMemoryTryCreateRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id, _ := blockid.New()

	ok, err := m.TryCreate(ctx, id, []byte("a"))
	if err != nil || !ok {
		t.Fatalf("first TryCreate should succeed: ok=%v err=%v", ok, err)
	}
	ok, err = m.TryCreate(ctx, id, []byte("b"))
	if err != nil {
		t.Fatalf("TryCreate: %v", err)
	}
	if ok {
		t.Fatalf("second TryCreate with the same id should fail")
	}
	got, _ := m.Load(ctx, id)
	if string(got) != "a" {
		t.Fatalf("duplicate TryCreate must not overwrite: got %q", got)
	}
}

func TestMemoryRemove(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id, _ := m.Create(ctx, []byte("x"))

	res, err := m.Remove(ctx, id)
	if err != nil || res != RemoveSuccess {
		t.Fatalf("Remove: res=%v err=%v", res, err)
	}
	res, err = m.Remove(ctx, id)
	if err != nil || res != RemoveNotFound {
		t.Fatalf("second Remove should report RemoveNotFound: res=%v err=%v", res, err)
	}
}

func TestMemoryNumBlocksAndAllBlocks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ids := make(map[blockid.BlockId]bool)
	for i := 0; i < 5; i++ {
		id, _ := m.Create(ctx, []byte{byte(i)})
		ids[id] = true
	}
	n, err := m.NumBlocks(ctx)
	if err != nil || n != 5 {
		t.Fatalf("NumBlocks() = %d, err=%v, want 5", n, err)
	}
	all, err := m.AllBlocks(ctx)
	if err != nil || len(all) != 5 {
		t.Fatalf("AllBlocks() len=%d, err=%v, want 5", len(all), err)
	}
	for _, id := range all {
		if !ids[id] {
			t.Fatalf("AllBlocks() returned an id never created: %v", id)
		}
	}
}
