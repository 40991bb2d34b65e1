// Package nodestore loads, creates, and removes typed DataNodes (leaves
// and inner nodes) atop a raw blockstore.BlockStore. It is the only layer
// that knows how to turn bytes into a validated DataNode and back; the
// tree layer above never touches raw bytes directly.
package nodestore

import (
	"context"
	"errors"
	"fmt"

	"blocktree/pkg/blockid"
	"blocktree/pkg/blockstore"
	"blocktree/pkg/buffer"
	"blocktree/pkg/datanode"
	"blocktree/pkg/layout"
)

// ErrNodeNotFound names a missing node. No method of this package returns
// it: Load reports a missing block as (nil, nil), and OverwriteLeaf/
// OverwriteInner write through the block store's Store, which creates the
// block if it is absent.
var ErrNodeNotFound = errors.New("nodestore: node not found")

// Store loads/creates/removes DataNodes, delegating storage to a
// blockstore.BlockStore and header/validation logic to pkg/datanode.
type Store struct {
	bs     blockstore.BlockStore
	layout layout.NodeLayout
}

// New constructs a Store for blocks of blockSizeBytes, validating that
// the size is large enough to hold a header and a useful fanout.
func New(bs blockstore.BlockStore, blockSizeBytes uint32) (*Store, error) {
	l, err := layout.New(blockSizeBytes)
	if err != nil {
		return nil, err
	}
	return &Store{bs: bs, layout: l}, nil
}

// Layout returns the node layout this store was constructed with.
func (s *Store) Layout() layout.NodeLayout {
	return s.layout
}

// Load returns the node stored at id, or (nil, nil) if no such block
// exists. A block whose header fails validation is reported as a
// *datanode.CorruptNodeError.
func (s *Store) Load(ctx context.Context, id blockid.BlockId) (datanode.DataNode, error) {
	raw, err := s.bs.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return datanode.Parse(id, raw, s.layout)
}

// newLeafRaw pads payload up to MaxBytesPerLeaf with zeroes and
// serializes it, ready to hand to the block store.
func (s *Store) newLeafRaw(payload []byte) []byte {
	maxBytes := s.layout.MaxBytesPerLeaf()
	if uint32(len(payload)) > maxBytes {
		panic(fmt.Sprintf("nodestore: leaf payload of %d bytes exceeds MaxBytesPerLeaf %d", len(payload), maxBytes))
	}
	full := make([]byte, int(layout.HeaderSize)+int(maxBytes))
	copy(full[layout.HeaderSize:], payload)
	buf := buffer.From(full)
	buf.IntoSubregion(layout.HeaderSize, 0)
	return datanode.SerializeNewLeaf(buf, uint32(len(payload)), s.layout)
}

// CreateNewLeafNode creates a fresh leaf under a new BlockId.
func (s *Store) CreateNewLeafNode(ctx context.Context, payload []byte) (*datanode.Leaf, error) {
	raw := s.newLeafRaw(payload)
	id, err := s.bs.Create(ctx, raw)
	if err != nil {
		return nil, err
	}
	node, err := datanode.Parse(id, raw, s.layout)
	if err != nil {
		return nil, err
	}
	return node.(*datanode.Leaf), nil
}

// TryCreateNewLeafNode creates a fresh leaf under the caller-chosen id.
// Returns (nil, false, nil) if id already exists.
func (s *Store) TryCreateNewLeafNode(ctx context.Context, id blockid.BlockId, payload []byte) (*datanode.Leaf, bool, error) {
	raw := s.newLeafRaw(payload)
	ok, err := s.bs.TryCreate(ctx, id, raw)
	if err != nil || !ok {
		return nil, false, err
	}
	node, err := datanode.Parse(id, raw, s.layout)
	if err != nil {
		return nil, false, err
	}
	return node.(*datanode.Leaf), true, nil
}

// CreateNewInnerNode creates a fresh inner node at depth with the given
// children. depth must be in [1, layout.MaxDepth] and children must number
// between 1 and MaxChildrenPerInner; these are assertion-checked
// programmer errors, not user-facing ones. The caller (pkg/tree) is
// responsible for only ever passing children actually at depth-1: the
// store does not load each child back to re-verify its depth, which would
// cost one I/O per child for a property the tree layer already guarantees
// by construction.
func (s *Store) CreateNewInnerNode(ctx context.Context, depth byte, children []blockid.BlockId) (*datanode.Inner, error) {
	if depth < 1 || depth > layout.MaxDepth {
		panic(fmt.Sprintf("nodestore: inner node depth %d out of range [1, %d]", depth, layout.MaxDepth))
	}
	if len(children) < 1 || uint32(len(children)) > s.layout.MaxChildrenPerInner() {
		panic(fmt.Sprintf("nodestore: inner node with %d children out of range [1, %d]", len(children), s.layout.MaxChildrenPerInner()))
	}
	raw := datanode.SerializeNewInner(depth, children, s.layout)
	id, err := s.bs.Create(ctx, raw)
	if err != nil {
		return nil, err
	}
	node, err := datanode.Parse(id, raw, s.layout)
	if err != nil {
		return nil, err
	}
	return node.(*datanode.Inner), nil
}

// OverwriteLeaf replaces the contents of an existing leaf id in place.
func (s *Store) OverwriteLeaf(ctx context.Context, id blockid.BlockId, payload []byte) error {
	raw := s.newLeafRaw(payload)
	return s.bs.Store(ctx, id, raw)
}

// OverwriteInner replaces the contents of an existing inner node id in
// place, changing its depth/children.
func (s *Store) OverwriteInner(ctx context.Context, id blockid.BlockId, depth byte, children []blockid.BlockId) error {
	if depth < 1 || depth > layout.MaxDepth {
		panic(fmt.Sprintf("nodestore: inner node depth %d out of range [1, %d]", depth, layout.MaxDepth))
	}
	if len(children) < 1 || uint32(len(children)) > s.layout.MaxChildrenPerInner() {
		panic(fmt.Sprintf("nodestore: inner node with %d children out of range [1, %d]", len(children), s.layout.MaxChildrenPerInner()))
	}
	raw := datanode.SerializeNewInner(depth, children, s.layout)
	return s.bs.Store(ctx, id, raw)
}

// Remove deletes the block at id.
func (s *Store) Remove(ctx context.Context, id blockid.BlockId) (blockstore.RemoveResult, error) {
	return s.bs.Remove(ctx, id)
}

// RemoveByNode removes the block backing an already-loaded node.
func (s *Store) RemoveByNode(ctx context.Context, node datanode.DataNode) (blockstore.RemoveResult, error) {
	return s.bs.Remove(ctx, node.BlockID())
}

// NumNodes delegates to the block store.
func (s *Store) NumNodes(ctx context.Context) (uint64, error) {
	return s.bs.NumBlocks(ctx)
}

// EstimateSpaceForNumBlocksLeft delegates to the block store.
func (s *Store) EstimateSpaceForNumBlocksLeft(ctx context.Context) (uint64, error) {
	free, err := s.bs.EstimateNumFreeBytes(ctx)
	if err != nil {
		return 0, err
	}
	physical := s.layout.BlockSizeBytes
	logical := s.bs.BlockSizeFromPhysical(physical)
	if logical == 0 {
		return 0, nil
	}
	return free / uint64(logical), nil
}

// VirtualBlockSizeBytes is the logical (post-overhead) block size nodes
// are serialized at - the same size this Store was constructed with.
func (s *Store) VirtualBlockSizeBytes() uint32 {
	return s.layout.BlockSizeBytes
}

// AllNodes lists every stored BlockId. Test-only, O(N).
func (s *Store) AllNodes(ctx context.Context) ([]blockid.BlockId, error) {
	return s.bs.AllBlocks(ctx)
}

// Flush ensures every node written through this store so far is durable.
func (s *Store) Flush(ctx context.Context) error {
	return s.bs.Flush(ctx)
}
