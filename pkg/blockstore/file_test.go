package blockstore

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"blocktree/pkg/blockid"
)

const testBlockSize = 64

func openTestFile(t *testing.T) (*File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "container.blk")
	f, err := Open(path, testBlockSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { f.Close(context.Background()) })
	return f, path
}

func TestFileCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	f, _ := openTestFile(t)

	data := bytes.Repeat([]byte{0x42}, testBlockSize)
	id, err := f.Create(ctx, data)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := f.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Load() mismatch")
	}
}

func TestFileSurvivesReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "container.blk")

	f, err := Open(path, testBlockSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := bytes.Repeat([]byte{0x7A}, testBlockSize)
	id, err := f.Create(ctx, data)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f2, err := Open(path, testBlockSize)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f2.Close(ctx)

	got, err := f2.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load after reopen: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("data did not survive reload")
	}
}

func TestFileFreelistReuse(t *testing.T) {
	ctx := context.Background()
	f, _ := openTestFile(t)

	data := bytes.Repeat([]byte{1}, testBlockSize)
	id, err := f.Create(ctx, data)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sizeBefore := f.mm.Size()

	if _, err := f.Remove(ctx, id); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	data2 := bytes.Repeat([]byte{2}, testBlockSize)
	if _, err := f.Create(ctx, data2); err != nil {
		t.Fatalf("second Create: %v", err)
	}

	if f.mm.Size() != sizeBefore {
		t.Fatalf("container grew (%d -> %d) instead of reusing the freed slot", sizeBefore, f.mm.Size())
	}
}

func TestFileTryCreateRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	f, _ := openTestFile(t)
	id, _ := blockid.New()
	data := bytes.Repeat([]byte{3}, testBlockSize)

	ok, err := f.TryCreate(ctx, id, data)
	if err != nil || !ok {
		t.Fatalf("first TryCreate should succeed: ok=%v err=%v", ok, err)
	}
	ok, err = f.TryCreate(ctx, id, data)
	if err != nil {
		t.Fatalf("TryCreate: %v", err)
	}
	if ok {
		t.Fatalf("duplicate TryCreate should fail")
	}
}

func TestFileRemoveMissingReportsNotFound(t *testing.T) {
	ctx := context.Background()
	f, _ := openTestFile(t)
	id, _ := blockid.New()
	res, err := f.Remove(ctx, id)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if res != RemoveNotFound {
		t.Fatalf("Remove() = %v, want RemoveNotFound", res)
	}
}

func TestFileNumBlocksAndAllBlocks(t *testing.T) {
	ctx := context.Background()
	f, _ := openTestFile(t)

	want := make(map[blockid.BlockId]bool)
	for i := 0; i < 3; i++ {
		data := bytes.Repeat([]byte{byte(i)}, testBlockSize)
		id, err := f.Create(ctx, data)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		want[id] = true
	}

	n, err := f.NumBlocks(ctx)
	if err != nil || n != 3 {
		t.Fatalf("NumBlocks() = %d, err=%v, want 3", n, err)
	}
	all, err := f.AllBlocks(ctx)
	if err != nil || len(all) != 3 {
		t.Fatalf("AllBlocks() len=%d, err=%v, want 3", len(all), err)
	}
	for _, id := range all {
		if !want[id] {
			t.Fatalf("unexpected id in AllBlocks(): %v", id)
		}
	}
}

func TestFileRejectsWrongBlockSize(t *testing.T) {
	ctx := context.Background()
	f, _ := openTestFile(t)
	if _, err := f.Create(ctx, []byte{1, 2, 3}); err == nil {
		t.Fatalf("expected an error for mismatched block size")
	}
}
