// Package datanode implements the DataNode sum type (Leaf or Inner): the
// in-memory view over one already-loaded raw block, validated against the
// node header described in pkg/layout.
package datanode

import (
	"fmt"

	"blocktree/pkg/blockid"
	"blocktree/pkg/buffer"
	"blocktree/pkg/layout"
)

// CorruptNodeError reports that a block's header failed validation: wrong
// format version, or a depth/size/child-count outside the allowed range.
// This is always surfaced to the caller, never panicked - an on-disk block
// can be corrupted by something outside this module's control (bad sectors,
// a concurrent writer bypassing the tree layer), so it is not a programmer
// error.
type CorruptNodeError struct {
	ID     blockid.BlockId
	Reason string
}

func (e *CorruptNodeError) Error() string {
	return fmt.Sprintf("datanode: corrupt node %s: %s", e.ID, e.Reason)
}

// DataNode is either a Leaf or an Inner node. Callers type-switch on the
// concrete type (or use Depth/IsLeaf) to decide how to interpret it.
type DataNode interface {
	// BlockID returns the id this node is stored under.
	BlockID() blockid.BlockId
	// Depth returns 0 for a leaf, 1..=layout.MaxDepth for an inner node.
	Depth() byte
	// RawBlockData returns the full serialized block, header included.
	RawBlockData() []byte
}

// IsLeaf reports whether n is a leaf node.
func IsLeaf(n DataNode) bool {
	_, ok := n.(*Leaf)
	return ok
}

// Leaf is a depth-0 node holding up to layout.MaxBytesPerLeaf blob bytes.
// Only the first NumBytes() bytes are live; the remainder of the payload
// region is always zero.
type Leaf struct {
	id     blockid.BlockId
	raw    []byte
	layout layout.NodeLayout
}

// Inner is a depth>=1 node holding BlockId children.
type Inner struct {
	id     blockid.BlockId
	raw    []byte
	layout layout.NodeLayout
}

// Parse validates an already-loaded raw block and constructs the
// corresponding Leaf or Inner. raw must be exactly l.BlockSizeBytes long.
func Parse(id blockid.BlockId, raw []byte, l layout.NodeLayout) (DataNode, error) {
	if uint32(len(raw)) != l.BlockSizeBytes {
		return nil, &CorruptNodeError{ID: id, Reason: fmt.Sprintf("block has %d bytes, expected %d", len(raw), l.BlockSizeBytes)}
	}
	h := layout.NewHeader(raw)
	if h.FormatVersion() != layout.FormatVersionHeader {
		return nil, &CorruptNodeError{ID: id, Reason: fmt.Sprintf("format version %d, current version is %d", h.FormatVersion(), layout.FormatVersionHeader)}
	}
	depth := h.Depth()
	if depth == 0 {
		size := h.SizeOrCount()
		if size > l.MaxBytesPerLeaf() {
			return nil, &CorruptNodeError{ID: id, Reason: fmt.Sprintf("leaf claims %d bytes but the maximum is %d", size, l.MaxBytesPerLeaf())}
		}
		return &Leaf{id: id, raw: raw, layout: l}, nil
	}
	if depth > layout.MaxDepth {
		return nil, &CorruptNodeError{ID: id, Reason: fmt.Sprintf("depth %d exceeds MaxDepth %d", depth, layout.MaxDepth)}
	}
	numChildren := h.SizeOrCount()
	if numChildren < 1 || numChildren > l.MaxChildrenPerInner() {
		return nil, &CorruptNodeError{ID: id, Reason: fmt.Sprintf("inner node claims %d children, must be in [1, %d]", numChildren, l.MaxChildrenPerInner())}
	}
	return &Inner{id: id, raw: raw, layout: l}, nil
}

// --- Leaf ---

// BlockID implements DataNode.
func (n *Leaf) BlockID() blockid.BlockId { return n.id }

// Depth implements DataNode; always 0 for a leaf.
func (n *Leaf) Depth() byte { return 0 }

// RawBlockData implements DataNode.
func (n *Leaf) RawBlockData() []byte { return n.raw }

// NumBytes returns how many of the leaf's payload bytes are live.
func (n *Leaf) NumBytes() uint32 {
	return layout.NewHeader(n.raw).SizeOrCount()
}

// MaxBytesPerLeaf returns the maximum payload size for this leaf's block
// size.
func (n *Leaf) MaxBytesPerLeaf() uint32 {
	return n.layout.MaxBytesPerLeaf()
}

// Data returns the live payload bytes ([0, NumBytes())).
func (n *Leaf) Data() []byte {
	size := n.NumBytes()
	return n.raw[layout.DataOffset:][:size]
}

// DataMut returns a mutable view of the live payload bytes.
func (n *Leaf) DataMut() []byte {
	size := n.NumBytes()
	return n.raw[layout.DataOffset:][:size]
}

// FullPayload returns the whole max-bytes-per-leaf payload region,
// including any zero-padded tail beyond NumBytes().
func (n *Leaf) FullPayload() []byte {
	return n.raw[layout.DataOffset:]
}

// Resize changes how many of the leaf's payload bytes are considered live.
// Panics if newNumBytes exceeds MaxBytesPerLeaf - that is always a
// programmer error in a caller of this package, never a consequence of
// corrupted or adversarial input. When shrinking, the bytes that become
// dead are zeroed immediately so a later grow reveals zeroes rather than
// stale data (see the package-level invariant that a leaf's dead tail is
// always zero).
func (n *Leaf) Resize(newNumBytes uint32) {
	if newNumBytes > n.MaxBytesPerLeaf() {
		panic(fmt.Sprintf("datanode: tried to resize leaf to %d bytes, max is %d", newNumBytes, n.MaxBytesPerLeaf()))
	}
	h := layout.NewHeader(n.raw)
	oldNumBytes := h.SizeOrCount()
	if newNumBytes < oldNumBytes {
		dead := n.raw[layout.DataOffset:][newNumBytes:oldNumBytes]
		for i := range dead {
			dead[i] = 0
		}
	}
	h.SetSizeOrCount(newNumBytes)
}

// SerializeNewLeaf builds a fresh leaf block from payload (already padded
// to l.MaxBytesPerLeaf() bytes, zero beyond numBytes) using the growable
// buffer technique described in pkg/buffer: the caller-supplied buf must
// already reserve layout.HeaderSize prefix bytes, so writing the header is
// allocation-free.
func SerializeNewLeaf(buf buffer.Buffer, numBytes uint32, l layout.NodeLayout) []byte {
	if uint32(buf.Len()) != l.MaxBytesPerLeaf() {
		panic(fmt.Sprintf("datanode: leaf payload must be exactly %d bytes, got %d", l.MaxBytesPerLeaf(), buf.Len()))
	}
	if numBytes > l.MaxBytesPerLeaf() {
		panic(fmt.Sprintf("datanode: tried to create leaf with %d bytes but the maximum is %d", numBytes, l.MaxBytesPerLeaf()))
	}
	if buf.AvailablePrefixBytes() < layout.DataOffset {
		panic(fmt.Sprintf("datanode: SerializeNewLeaf requires at least %d prefix bytes, got %d", layout.DataOffset, buf.AvailablePrefixBytes()))
	}
	buf.GrowRegion(layout.DataOffset, 0)
	raw := buf.Bytes()
	h := layout.NewHeader(raw)
	h.SetFormatVersion(layout.FormatVersionHeader)
	h.SetUnused(0)
	h.SetDepth(0)
	h.SetSizeOrCount(numBytes)
	return raw
}

// --- Inner ---

// BlockID implements DataNode.
func (n *Inner) BlockID() blockid.BlockId { return n.id }

// Depth implements DataNode.
func (n *Inner) Depth() byte { return layout.NewHeader(n.raw).Depth() }

// RawBlockData implements DataNode.
func (n *Inner) RawBlockData() []byte { return n.raw }

// NumChildren returns how many children this inner node has.
func (n *Inner) NumChildren() uint32 {
	return layout.NewHeader(n.raw).SizeOrCount()
}

// Child returns the i-th child's BlockId.
func (n *Inner) Child(i uint32) blockid.BlockId {
	if i >= n.NumChildren() {
		panic("datanode: child index out of range")
	}
	var id blockid.BlockId
	offset := layout.DataOffset + int(i)*layout.BlockIdSize
	copy(id[:], n.raw[offset:offset+layout.BlockIdSize])
	return id
}

// Children returns all children, in order.
func (n *Inner) Children() []blockid.BlockId {
	count := n.NumChildren()
	children := make([]blockid.BlockId, count)
	for i := uint32(0); i < count; i++ {
		children[i] = n.Child(i)
	}
	return children
}

// SerializeNewInner builds a fresh inner-node block with the given depth
// and children. depth must be in [1, layout.MaxDepth] and len(children)
// must be in [1, l.MaxChildrenPerInner()] - both are programmer-facing
// preconditions enforced by the node store, which is the only caller.
func SerializeNewInner(depth byte, children []blockid.BlockId, l layout.NodeLayout) []byte {
	raw := make([]byte, l.BlockSizeBytes)
	h := layout.NewHeader(raw)
	h.SetFormatVersion(layout.FormatVersionHeader)
	h.SetUnused(0)
	h.SetDepth(depth)
	h.SetSizeOrCount(uint32(len(children)))
	for i, child := range children {
		offset := layout.DataOffset + i*layout.BlockIdSize
		copy(raw[offset:offset+layout.BlockIdSize], child[:])
	}
	// Tail bytes after the last child are already zero from make().
	return raw
}
