// Package blockstore implements the raw, content-addressed block storage
// that pkg/nodestore loads and creates nodes on top of. Two
// implementations are provided: Memory (a map, used by every core-package
// test) and File (a single memory-mapped container file), both grounded
// on the teacher's pkg/pager.
package blockstore

import (
	"context"

	"blocktree/pkg/blockid"
)

// RemoveResult reports the outcome of a Remove call.
type RemoveResult int

const (
	// RemoveSuccess means the block existed and was removed.
	RemoveSuccess RemoveResult = iota
	// RemoveNotFound means no block with the given id existed.
	RemoveNotFound
)

// BlockStore is the raw block storage interface the tree layer is built
// against. It knows nothing about node headers, depth, or trees - it
// stores and retrieves opaque byte slices by BlockId.
type BlockStore interface {
	// Load returns the stored data for id, or (nil, nil) if no such
	// block exists.
	Load(ctx context.Context, id blockid.BlockId) ([]byte, error)
	// Store overwrites (or creates) the block at id with data.
	Store(ctx context.Context, id blockid.BlockId, data []byte) error
	// Create stores data under a freshly generated BlockId.
	Create(ctx context.Context, data []byte) (blockid.BlockId, error)
	// TryCreate stores data under id only if id does not already exist.
	// Returns false, without error, if id was already present.
	TryCreate(ctx context.Context, id blockid.BlockId, data []byte) (bool, error)
	// Remove deletes the block at id, if present.
	Remove(ctx context.Context, id blockid.BlockId) (RemoveResult, error)
	// NumBlocks returns how many blocks are currently stored.
	NumBlocks(ctx context.Context) (uint64, error)
	// EstimateNumFreeBytes estimates how many more bytes of block data
	// could be stored before the underlying medium runs out of space.
	EstimateNumFreeBytes(ctx context.Context) (uint64, error)
	// BlockSizeFromPhysical converts a physical storage size to the
	// logical block size a caller should use when serializing a node,
	// i.e. physical minus whatever this store's own overhead is.
	BlockSizeFromPhysical(physical uint32) uint32
	// AllBlocks lists every stored BlockId. Intended for tests and
	// offline tools, not the hot path - a real deployment would back
	// this with an index rather than a directory/container scan.
	AllBlocks(ctx context.Context) ([]blockid.BlockId, error)
	// Flush ensures every Store/Create/Remove so far is durable.
	Flush(ctx context.Context) error
}
