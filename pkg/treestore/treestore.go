// Package treestore is the top-level entry point for working with blobs:
// it wraps a nodestore.Store and hands out pkg/tree.Tree handles rooted at
// a BlockId, the same way the node store hands out individual DataNodes.
package treestore

import (
	"context"

	"blocktree/pkg/blockid"
	"blocktree/pkg/blockstore"
	"blocktree/pkg/nodestore"
	"blocktree/pkg/tree"
)

// RemoveResult reports the outcome of RemoveTreeByID.
type RemoveResult int

const (
	// RemoveSuccess means the tree rooted at the given id existed and was
	// fully removed.
	RemoveSuccess RemoveResult = iota
	// RemoveNotFound means no tree was rooted at the given id.
	RemoveNotFound
)

// ErrNodeNotFound is tree's sentinel, surfaced here so callers of this
// package don't need to import pkg/tree just to compare errors.
var ErrNodeNotFound = tree.ErrNodeNotFound

// Store creates, loads, and removes whole trees atop one nodestore.Store.
type Store struct {
	nodes *nodestore.Store
}

// New constructs a Store for blocks of blockSizeBytes.
func New(bs blockstore.BlockStore, blockSizeBytes uint32) (*Store, error) {
	nodes, err := nodestore.New(bs, blockSizeBytes)
	if err != nil {
		return nil, err
	}
	return &Store{nodes: nodes}, nil
}

// LoadTree loads the tree rooted at id, or returns (nil, nil) if no such
// root block exists.
func (s *Store) LoadTree(ctx context.Context, id blockid.BlockId) (*tree.Tree, error) {
	root, err := s.nodes.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, nil
	}
	return tree.New(s.nodes, root), nil
}

// CreateTree creates a single-leaf tree with an empty leaf under a fresh
// root id.
func (s *Store) CreateTree(ctx context.Context) (*tree.Tree, error) {
	leaf, err := s.nodes.CreateNewLeafNode(ctx, nil)
	if err != nil {
		return nil, err
	}
	return tree.New(s.nodes, leaf), nil
}

// TryCreateTree creates a single-leaf tree under the caller-chosen root id.
// Returns (nil, false, nil) if id already exists.
func (s *Store) TryCreateTree(ctx context.Context, id blockid.BlockId) (*tree.Tree, bool, error) {
	leaf, ok, err := s.nodes.TryCreateNewLeafNode(ctx, id, nil)
	if err != nil || !ok {
		return nil, false, err
	}
	return tree.New(s.nodes, leaf), true, nil
}

// RemoveTreeByID removes every node in the tree rooted at id. Reports
// RemoveNotFound, without error, if no tree is rooted there.
func (s *Store) RemoveTreeByID(ctx context.Context, id blockid.BlockId) (RemoveResult, error) {
	root, err := s.nodes.Load(ctx, id)
	if err != nil {
		return RemoveNotFound, err
	}
	if root == nil {
		return RemoveNotFound, nil
	}
	t := tree.New(s.nodes, root)
	if err := t.Remove(ctx); err != nil {
		return RemoveNotFound, err
	}
	return RemoveSuccess, nil
}

// NumNodes delegates to the underlying node store.
func (s *Store) NumNodes(ctx context.Context) (uint64, error) {
	return s.nodes.NumNodes(ctx)
}

// EstimateSpaceForNumBlocksLeft delegates to the underlying node store.
func (s *Store) EstimateSpaceForNumBlocksLeft(ctx context.Context) (uint64, error) {
	return s.nodes.EstimateSpaceForNumBlocksLeft(ctx)
}

// VirtualBlockSizeBytes delegates to the underlying node store.
func (s *Store) VirtualBlockSizeBytes() uint32 {
	return s.nodes.VirtualBlockSizeBytes()
}

// LoadBlockDepth reports the depth of the single block stored at id (0 for
// a leaf, 1..=layout.MaxDepth for an inner node), without loading the rest
// of any tree it might belong to. Returns (0, false, nil) if id does not
// exist.
func (s *Store) LoadBlockDepth(ctx context.Context, id blockid.BlockId) (depth byte, found bool, err error) {
	node, err := s.nodes.Load(ctx, id)
	if err != nil {
		return 0, false, err
	}
	if node == nil {
		return 0, false, nil
	}
	return node.Depth(), true, nil
}

// Destroy flushes the underlying block store. The store's destructor does
// asynchronous work (draining any pending writes), expressed here as an
// explicit method rather than relying on finalizers or scope exit -
// callers must invoke it themselves before discarding the store.
func (s *Store) Destroy(ctx context.Context) error {
	return s.nodes.Flush(ctx)
}
