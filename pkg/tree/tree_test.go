package tree

import (
	"bytes"
	"context"
	"testing"

	"blocktree/internal/testutil"
	"blocktree/pkg/blockstore"
	"blocktree/pkg/datanode"
	"blocktree/pkg/nodestore"
)

// testBlockSize keeps max_bytes_per_leaf=32 and fanout=2, so a handful of
// bytes forces multiple leaves and at least one inner node.
const testBlockSize = 40

func newTestTree(t *testing.T) (*Tree, *nodestore.Store) {
	t.Helper()
	store, err := nodestore.New(blockstore.NewMemory(), testBlockSize)
	if err != nil {
		t.Fatalf("nodestore.New: %v", err)
	}
	leaf, err := store.CreateNewLeafNode(context.Background(), nil)
	if err != nil {
		t.Fatalf("CreateNewLeafNode: %v", err)
	}
	return New(store, leaf), store
}

func TestGrowThenReadZeros(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t)

	if err := tr.ResizeNumBytes(ctx, 100); err != nil {
		t.Fatalf("ResizeNumBytes: %v", err)
	}
	n, err := tr.NumBytes(ctx)
	if err != nil || n != 100 {
		t.Fatalf("NumBytes() = %d, err=%v, want 100", n, err)
	}

	buf := make([]byte, 100)
	if err := tr.ReadBytes(ctx, 0, buf); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, 100)) {
		t.Fatalf("expected all zeros after grow, got %v", buf)
	}
}

func TestWriteThenRead(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t)

	if err := tr.ResizeNumBytes(ctx, 100); err != nil {
		t.Fatalf("ResizeNumBytes: %v", err)
	}
	data := testutil.DataFixture(100, 1)
	if err := tr.WriteBytes(ctx, data, 0); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}

	buf := make([]byte, 100)
	if err := tr.ReadBytes(ctx, 0, buf); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("read-back data does not match what was written")
	}
}

func TestWriteBytesGrowsTreeWhenNeeded(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t)

	data := testutil.DataFixture(250, 2)
	if err := tr.WriteBytes(ctx, data, 10); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}

	n, err := tr.NumBytes(ctx)
	if err != nil || n != 260 {
		t.Fatalf("NumBytes() = %d, err=%v, want 260", n, err)
	}

	buf := make([]byte, 250)
	if err := tr.ReadBytes(ctx, 10, buf); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("read-back data at offset does not match what was written")
	}
}

func TestReadBytesOutOfRange(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t)
	if err := tr.ResizeNumBytes(ctx, 10); err != nil {
		t.Fatalf("ResizeNumBytes: %v", err)
	}
	buf := make([]byte, 20)
	if err := tr.ReadBytes(ctx, 0, buf); err != ErrOutOfRange {
		t.Fatalf("ReadBytes() = %v, want ErrOutOfRange", err)
	}
}

func TestTryReadBytesClamps(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t)
	data := testutil.DataFixture(10, 3)
	if err := tr.WriteBytes(ctx, data, 0); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}

	buf := make([]byte, 20)
	n, err := tr.TryReadBytes(ctx, 0, buf)
	if err != nil {
		t.Fatalf("TryReadBytes: %v", err)
	}
	if n != 10 {
		t.Fatalf("TryReadBytes() = %d, want 10", n)
	}
	if !bytes.Equal(buf[:10], data) {
		t.Fatalf("clamped read does not match written data")
	}
}

func TestShrinkZeroesTail(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t)

	full := testutil.DataFixture(32, 1) // max_bytes_per_leaf at this block size
	if err := tr.WriteBytes(ctx, full, 0); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if err := tr.ResizeNumBytes(ctx, 10); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if err := tr.ResizeNumBytes(ctx, 20); err != nil {
		t.Fatalf("grow: %v", err)
	}

	buf := make([]byte, 20)
	if err := tr.ReadBytes(ctx, 0, buf); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(buf[:10], full[:10]) {
		t.Fatalf("bytes [0,10) changed after shrink+grow")
	}
	if !bytes.Equal(buf[10:20], make([]byte, 10)) {
		t.Fatalf("bytes [10,20) are not zero after shrink+grow, got %v", buf[10:20])
	}
}

func TestResizeIdempotent(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t)

	if err := tr.ResizeNumBytes(ctx, 150); err != nil {
		t.Fatalf("first resize: %v", err)
	}
	before, err := tr.AllBlocks(ctx)
	if err != nil {
		t.Fatalf("AllBlocks: %v", err)
	}
	if err := tr.ResizeNumBytes(ctx, 150); err != nil {
		t.Fatalf("second resize: %v", err)
	}
	after, err := tr.AllBlocks(ctx)
	if err != nil {
		t.Fatalf("AllBlocks: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("node count changed on a no-op resize: %d -> %d", len(before), len(after))
	}
}

func TestRootIDPreservedAcrossDepthChange(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t)
	rootBefore := tr.RootID()

	if err := tr.ResizeNumBytes(ctx, 200); err != nil {
		t.Fatalf("ResizeNumBytes: %v", err)
	}
	if tr.RootID() != rootBefore {
		t.Fatalf("root id changed across a depth-increasing resize")
	}

	if err := tr.ResizeNumBytes(ctx, 1); err != nil {
		t.Fatalf("ResizeNumBytes shrink: %v", err)
	}
	if tr.RootID() != rootBefore {
		t.Fatalf("root id changed across a depth-decreasing resize")
	}
}

func TestMultiLeafRemove(t *testing.T) {
	ctx := context.Background()
	tr, store := newTestTree(t)

	if err := tr.ResizeNumBytes(ctx, 10*testBlockSize); err != nil {
		t.Fatalf("ResizeNumBytes: %v", err)
	}
	nodesBefore, err := store.NumNodes(ctx)
	if err != nil {
		t.Fatalf("NumNodes: %v", err)
	}
	treeNodes, err := tr.NumNodes(ctx)
	if err != nil {
		t.Fatalf("tr.NumNodes: %v", err)
	}

	if err := tr.Remove(ctx); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	nodesAfter, err := store.NumNodes(ctx)
	if err != nil {
		t.Fatalf("NumNodes: %v", err)
	}
	if nodesBefore-nodesAfter != treeNodes {
		t.Fatalf("store lost %d nodes, want %d", nodesBefore-nodesAfter, treeNodes)
	}
}

func TestAllBlocksVisitsEveryNodeOnce(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t)
	if err := tr.ResizeNumBytes(ctx, 5*testBlockSize); err != nil {
		t.Fatalf("ResizeNumBytes: %v", err)
	}

	ids, err := tr.AllBlocks(ctx)
	if err != nil {
		t.Fatalf("AllBlocks: %v", err)
	}
	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id.String()] {
			t.Fatalf("AllBlocks returned id %s twice", id)
		}
		seen[id.String()] = true
	}
	n, err := tr.NumNodes(ctx)
	if err != nil {
		t.Fatalf("NumNodes: %v", err)
	}
	if uint64(len(ids)) != n {
		t.Fatalf("AllBlocks returned %d ids, NumNodes() = %d", len(ids), n)
	}
}

func TestResizeToZero(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t)
	if err := tr.ResizeNumBytes(ctx, 100); err != nil {
		t.Fatalf("grow: %v", err)
	}
	if err := tr.ResizeNumBytes(ctx, 0); err != nil {
		t.Fatalf("shrink to zero: %v", err)
	}
	n, err := tr.NumBytes(ctx)
	if err != nil || n != 0 {
		t.Fatalf("NumBytes() = %d, err=%v, want 0", n, err)
	}
	if _, ok := tr.root.(*datanode.Leaf); !ok {
		t.Fatalf("root is %T after shrinking to zero, want *datanode.Leaf", tr.root)
	}
}
