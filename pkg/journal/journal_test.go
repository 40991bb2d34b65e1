package journal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"blocktree/pkg/blockid"
)

func TestJournalCreate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "container.journal")

	j, err := Open(path, Options{BlockSizeBytes: 512})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("journal file was not created")
	}
	if j.BlockSizeBytes() != 512 {
		t.Fatalf("BlockSizeBytes() = %d, want 512", j.BlockSizeBytes())
	}
}

func TestJournalHeaderPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "container.journal")

	j, err := Open(path, Options{BlockSizeBytes: 256})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	j.Close()

	j2, err := Open(path, Options{BlockSizeBytes: 256})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	if j2.BlockSizeBytes() != 256 {
		t.Fatalf("BlockSizeBytes() after reopen = %d, want 256", j2.BlockSizeBytes())
	}
}

func TestWriteFrameAndCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "container.journal")
	j, err := Open(path, Options{BlockSizeBytes: 16})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	id1, _ := blockid.New()
	id2, _ := blockid.New()
	data1 := bytes.Repeat([]byte{0xAA}, 16)
	data2 := bytes.Repeat([]byte{0xBB}, 16)

	if err := j.WriteFrame(id1, data1, false); err != nil {
		t.Fatalf("WriteFrame 1: %v", err)
	}
	if err := j.WriteFrame(id2, data2, true); err != nil {
		t.Fatalf("WriteFrame 2: %v", err)
	}
	if j.FrameCount() != 2 {
		t.Fatalf("FrameCount() = %d, want 2", j.FrameCount())
	}

	applied := map[blockid.BlockId][]byte{}
	n, err := j.Checkpoint(func(id blockid.BlockId, data []byte) error {
		cp := append([]byte(nil), data...)
		applied[id] = cp
		return nil
	})
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if n != 2 {
		t.Fatalf("Checkpoint applied %d frames, want 2", n)
	}
	if !bytes.Equal(applied[id1], data1) || !bytes.Equal(applied[id2], data2) {
		t.Fatalf("checkpointed data mismatch")
	}
	if j.FrameCount() != 0 {
		t.Fatalf("FrameCount() after checkpoint = %d, want 0", j.FrameCount())
	}
}

func TestRecoverStopsAtLastCommit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "container.journal")
	j, err := Open(path, Options{BlockSizeBytes: 8})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	committed, _ := blockid.New()
	uncommitted, _ := blockid.New()

	if err := j.WriteFrame(committed, bytes.Repeat([]byte{1}, 8), true); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := j.WriteFrame(uncommitted, bytes.Repeat([]byte{2}, 8), false); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	applied := map[blockid.BlockId]bool{}
	n, err := j.Recover(func(id blockid.BlockId, data []byte) error {
		applied[id] = true
		return nil
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("Recover applied %d frames, want 1", n)
	}
	if !applied[committed] {
		t.Fatalf("committed block was not recovered")
	}
	if applied[uncommitted] {
		t.Fatalf("uncommitted block should not have been recovered")
	}
}

func TestWriteFrameRejectsWrongSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "container.journal")
	j, err := Open(path, Options{BlockSizeBytes: 16})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	id, _ := blockid.New()
	if err := j.WriteFrame(id, []byte{1, 2, 3}, false); err == nil {
		t.Fatalf("expected an error for mismatched frame size")
	}
}
