// Package tree implements the balanced left-max-data tree that represents
// one arbitrary-length blob as a tree of fixed-size, content-addressed
// blocks. All leaves sit at the same depth; every subtree but the
// rightmost one at each level is completely full. Only the rightmost path
// may be short, which is what makes byte-offset-to-leaf-index a plain
// division rather than a search.
package tree

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"blocktree/pkg/blockid"
	"blocktree/pkg/datanode"
	"blocktree/pkg/nodestore"
)

// ErrOutOfRange is returned by ReadBytes when offset+len(buf) exceeds the
// tree's current size.
var ErrOutOfRange = errors.New("tree: offset+length exceeds blob size")

// ErrNodeNotFound means an inner node's child id is missing from the
// underlying node store - the pointing inner node is corrupt.
var ErrNodeNotFound = errors.New("tree: a referenced child node is missing")

// Tree is a handle to one blob, backed by a root DataNode and a
// nodestore.Store shared with every other tree in the same store. The
// root's BlockId never changes for the lifetime of the tree, even across
// resizes that change its depth - see resize's root-in-place rewrite.
type Tree struct {
	store *nodestore.Store
	root  datanode.DataNode
}

// New wraps an already-loaded root node as a Tree. Used by pkg/treestore,
// which is responsible for creating or loading the root node itself.
func New(store *nodestore.Store, root datanode.DataNode) *Tree {
	return &Tree{store: store, root: root}
}

// RootID returns the BlockId callers should persist as this blob's handle.
func (t *Tree) RootID() blockid.BlockId {
	return t.root.BlockID()
}

func (t *Tree) mbl() uint64 {
	return uint64(t.store.Layout().MaxBytesPerLeaf())
}

func (t *Tree) k() uint64 {
	return uint64(t.store.Layout().MaxChildrenPerInner())
}

func (t *Tree) refreshRoot(ctx context.Context) error {
	node, err := t.store.Load(ctx, t.root.BlockID())
	if err != nil {
		return err
	}
	if node == nil {
		return ErrNodeNotFound
	}
	t.root = node
	return nil
}

// NumBytes walks the rightmost path once, summing the full leaves to its
// left (computed from each level's child count, not loaded) plus the
// actual size of the rightmost leaf.
func (t *Tree) NumBytes(ctx context.Context) (uint64, error) {
	mbl := t.mbl()
	K := t.k()
	node := t.root
	var leavesToLeft uint64
	for {
		inner, ok := node.(*datanode.Inner)
		if !ok {
			break
		}
		n := uint64(inner.NumChildren())
		childDepth := inner.Depth() - 1
		leavesToLeft += (n - 1) * pow64(K, childDepth)
		child, err := t.store.Load(ctx, inner.Child(uint32(n-1)))
		if err != nil {
			return 0, err
		}
		if child == nil {
			return 0, ErrNodeNotFound
		}
		node = child
	}
	leaf := node.(*datanode.Leaf)
	return leavesToLeft*mbl + uint64(leaf.NumBytes()), nil
}

// NumNodes counts every node in the tree. Full (non-rightmost) subtrees
// contribute a closed-form count with no I/O; only the rightmost path is
// actually walked.
func (t *Tree) NumNodes(ctx context.Context) (uint64, error) {
	K := t.k()
	node := t.root
	var total uint64
	for {
		inner, ok := node.(*datanode.Inner)
		if !ok {
			break
		}
		total++
		n := uint64(inner.NumChildren())
		childDepth := inner.Depth() - 1
		total += (n - 1) * fullSubtreeNodeCount(childDepth, K)
		child, err := t.store.Load(ctx, inner.Child(uint32(n-1)))
		if err != nil {
			return 0, err
		}
		if child == nil {
			return 0, ErrNodeNotFound
		}
		node = child
	}
	total++ // the rightmost leaf itself
	return total, nil
}

func fullSubtreeNodeCount(depth byte, k uint64) uint64 {
	if depth == 0 {
		return 1
	}
	return 1 + k*fullSubtreeNodeCount(depth-1, k)
}

func pow64(base uint64, exp byte) uint64 {
	result := uint64(1)
	for i := byte(0); i < exp; i++ {
		result *= base
	}
	return result
}

func ceilDiv(a, b uint64) uint64 {
	if a == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// depthForLeafCount returns the minimum inner-node depth whose fanout k can
// hold L leaves: 0 (a bare leaf, no inner nodes) when L <= 1.
func depthForLeafCount(l, k uint64) byte {
	if l <= 1 {
		return 0
	}
	var d byte
	capacity := uint64(1)
	for capacity < l {
		capacity *= k
		d++
	}
	return d
}

// loadLeafAtIndex walks from the root to the leafIndex-th leaf (0-based),
// dividing by each level's full-subtree leaf count to pick a child.
func (t *Tree) loadLeafAtIndex(ctx context.Context, leafIndex uint64) (*datanode.Leaf, error) {
	K := t.k()
	node := t.root
	for {
		if leaf, ok := node.(*datanode.Leaf); ok {
			if leafIndex != 0 {
				return nil, ErrOutOfRange
			}
			return leaf, nil
		}
		inner := node.(*datanode.Inner)
		childDepth := inner.Depth() - 1
		subtreeLeaves := pow64(K, childDepth)
		childIdx := leafIndex / subtreeLeaves
		if childIdx >= uint64(inner.NumChildren()) {
			return nil, ErrOutOfRange
		}
		child, err := t.store.Load(ctx, inner.Child(uint32(childIdx)))
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, ErrNodeNotFound
		}
		node = child
		leafIndex %= subtreeLeaves
	}
}

// ReadBytes fails with ErrOutOfRange if offset+len(buf) exceeds NumBytes;
// otherwise it dispatches one concurrent read per leaf touched by the
// range and waits for them all.
func (t *Tree) ReadBytes(ctx context.Context, offset uint64, buf []byte) error {
	size, err := t.NumBytes(ctx)
	if err != nil {
		return err
	}
	if offset+uint64(len(buf)) > size {
		return ErrOutOfRange
	}
	return t.readRangeUnchecked(ctx, offset, buf)
}

// TryReadBytes is like ReadBytes but clamps to the bytes actually
// available, returning how many bytes were read into buf.
func (t *Tree) TryReadBytes(ctx context.Context, offset uint64, buf []byte) (int, error) {
	size, err := t.NumBytes(ctx)
	if err != nil {
		return 0, err
	}
	if offset >= size {
		return 0, nil
	}
	avail := size - offset
	if uint64(len(buf)) > avail {
		buf = buf[:avail]
	}
	if err := t.readRangeUnchecked(ctx, offset, buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (t *Tree) readRangeUnchecked(ctx context.Context, offset uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	mbl := t.mbl()
	end := offset + uint64(len(buf))
	startLeaf := offset / mbl
	endLeaf := (end - 1) / mbl

	g, gctx := errgroup.WithContext(ctx)
	for li := startLeaf; li <= endLeaf; li++ {
		li := li
		leafStart := li * mbl
		rangeStart := max(offset, leafStart)
		rangeEnd := min(end, leafStart+mbl)
		bufOff := rangeStart - offset
		localOff := rangeStart - leafStart
		localLen := rangeEnd - rangeStart

		g.Go(func() error {
			leaf, err := t.loadLeafAtIndex(gctx, li)
			if err != nil {
				return err
			}
			data := leaf.Data()
			if localOff+localLen > uint64(len(data)) {
				return ErrOutOfRange
			}
			copy(buf[bufOff:bufOff+localLen], data[localOff:localOff+localLen])
			return nil
		})
	}
	return g.Wait()
}

// WriteBytes writes data at offset, growing the tree first via
// resizeNumBytes if offset+len(data) exceeds the current size.
func (t *Tree) WriteBytes(ctx context.Context, data []byte, offset uint64) error {
	if len(data) == 0 {
		return nil
	}
	size, err := t.NumBytes(ctx)
	if err != nil {
		return err
	}
	end := offset + uint64(len(data))
	if end > size {
		if err := t.ResizeNumBytes(ctx, end); err != nil {
			return err
		}
	}

	mbl := t.mbl()
	startLeaf := offset / mbl
	endLeaf := (end - 1) / mbl

	g, gctx := errgroup.WithContext(ctx)
	for li := startLeaf; li <= endLeaf; li++ {
		li := li
		leafStart := li * mbl
		rangeStart := max(offset, leafStart)
		rangeEnd := min(end, leafStart+mbl)
		dataOff := rangeStart - offset
		localOff := rangeStart - leafStart
		localLen := rangeEnd - rangeStart

		g.Go(func() error {
			return t.writeLeafRange(gctx, li, localOff, data[dataOff:dataOff+localLen])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return t.refreshRoot(ctx)
}

func (t *Tree) writeLeafRange(ctx context.Context, leafIndex, localOffset uint64, src []byte) error {
	leaf, err := t.loadLeafAtIndex(ctx, leafIndex)
	if err != nil {
		return err
	}
	full := append([]byte(nil), leaf.FullPayload()...)
	copy(full[localOffset:], src)
	newSize := leaf.NumBytes()
	if need := uint32(localOffset) + uint32(len(src)); need > newSize {
		newSize = need
	}
	return t.store.OverwriteLeaf(ctx, leaf.BlockID(), full[:newSize])
}

// Flush ensures every block written through this tree's node store has
// reached the block store.
func (t *Tree) Flush(ctx context.Context) error {
	return t.store.Flush(ctx)
}

// Remove deletes every node in the tree via a post-order traversal. The
// Tree must not be used again afterward.
func (t *Tree) Remove(ctx context.Context) error {
	return t.removeSubtree(ctx, t.root)
}

func (t *Tree) removeSubtree(ctx context.Context, node datanode.DataNode) error {
	if inner, ok := node.(*datanode.Inner); ok {
		for i := uint32(0); i < inner.NumChildren(); i++ {
			child, err := t.store.Load(ctx, inner.Child(i))
			if err != nil {
				return err
			}
			if child == nil {
				return ErrNodeNotFound
			}
			if err := t.removeSubtree(ctx, child); err != nil {
				return err
			}
		}
	}
	_, err := t.store.RemoveByNode(ctx, node)
	return err
}

// AllBlocks lists every BlockId in the tree exactly once, root first.
func (t *Tree) AllBlocks(ctx context.Context) ([]blockid.BlockId, error) {
	var ids []blockid.BlockId
	if err := t.collectBlocks(ctx, t.root, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (t *Tree) collectBlocks(ctx context.Context, node datanode.DataNode, ids *[]blockid.BlockId) error {
	*ids = append(*ids, node.BlockID())
	if inner, ok := node.(*datanode.Inner); ok {
		for i := uint32(0); i < inner.NumChildren(); i++ {
			child, err := t.store.Load(ctx, inner.Child(i))
			if err != nil {
				return err
			}
			if child == nil {
				return ErrNodeNotFound
			}
			if err := t.collectBlocks(ctx, child, ids); err != nil {
				return err
			}
		}
	}
	return nil
}

// ResizeNumBytes grows or shrinks the tree to exactly newSize bytes. It is
// a no-op if newSize already equals the current size.
func (t *Tree) ResizeNumBytes(ctx context.Context, newSize uint64) error {
	cur, err := t.NumBytes(ctx)
	if err != nil {
		return err
	}
	if newSize == cur {
		return nil
	}
	if newSize < cur {
		return t.shrink(ctx, newSize)
	}
	return t.grow(ctx, newSize)
}

// shrink implements the resize protocol's shrinking half: prune siblings
// to the right of the new rightmost path, truncate the new rightmost leaf,
// then peel single-child root levels so the root's depth matches the new
// leaf count.
func (t *Tree) shrink(ctx context.Context, newSize uint64) error {
	mbl := t.mbl()
	lNew := max(uint64(1), ceilDiv(newSize, mbl))
	tailInLeaf := newSize - (lNew-1)*mbl

	if leaf, ok := t.root.(*datanode.Leaf); ok {
		if err := t.store.OverwriteLeaf(ctx, leaf.BlockID(), leaf.Data()[:tailInLeaf]); err != nil {
			return err
		}
		return t.refreshRoot(ctx)
	}

	leafIndex := lNew - 1
	node := t.root
	for {
		inner, ok := node.(*datanode.Inner)
		if !ok {
			break
		}
		childDepth := inner.Depth() - 1
		subtreeLeaves := pow64(t.k(), childDepth)
		childIdx := leafIndex / subtreeLeaves
		remainder := leafIndex % subtreeLeaves

		for i := childIdx + 1; i < uint64(inner.NumChildren()); i++ {
			sibling, err := t.store.Load(ctx, inner.Child(uint32(i)))
			if err != nil {
				return err
			}
			if sibling == nil {
				return ErrNodeNotFound
			}
			if err := t.removeSubtree(ctx, sibling); err != nil {
				return err
			}
		}

		newChildren := inner.Children()[:childIdx+1]
		if err := t.store.OverwriteInner(ctx, inner.BlockID(), inner.Depth(), newChildren); err != nil {
			return err
		}

		child, err := t.store.Load(ctx, newChildren[childIdx])
		if err != nil {
			return err
		}
		if child == nil {
			return ErrNodeNotFound
		}
		node = child
		leafIndex = remainder
	}

	leaf := node.(*datanode.Leaf)
	if err := t.store.OverwriteLeaf(ctx, leaf.BlockID(), leaf.Data()[:tailInLeaf]); err != nil {
		return err
	}

	if err := t.refreshRoot(ctx); err != nil {
		return err
	}
	return t.peelRoot(ctx)
}

// peelRoot replaces the root block's contents in place with its single
// child's contents, repeatedly, whenever the root has exactly one child -
// preserving the root's BlockId across the resulting depth decrease.
func (t *Tree) peelRoot(ctx context.Context) error {
	for {
		inner, ok := t.root.(*datanode.Inner)
		if !ok || inner.NumChildren() != 1 {
			return nil
		}
		childID := inner.Child(0)
		child, err := t.store.Load(ctx, childID)
		if err != nil {
			return err
		}
		if child == nil {
			return ErrNodeNotFound
		}

		switch c := child.(type) {
		case *datanode.Leaf:
			if err := t.store.OverwriteLeaf(ctx, inner.BlockID(), c.Data()); err != nil {
				return err
			}
		case *datanode.Inner:
			if err := t.store.OverwriteInner(ctx, inner.BlockID(), c.Depth(), c.Children()); err != nil {
				return err
			}
		}
		if _, err := t.store.Remove(ctx, childID); err != nil {
			return err
		}
		if err := t.refreshRoot(ctx); err != nil {
			return err
		}
	}
}

// grow implements the resize protocol's growing half: lift the root until
// its depth can hold the new leaf count, then extend the rightmost path,
// filling the previous rightmost subtree to full and attaching freshly
// built full (or, for the very last one, partial) subtrees as needed.
func (t *Tree) grow(ctx context.Context, newSize uint64) error {
	mbl := t.mbl()
	k := t.k()
	lNew := max(uint64(1), ceilDiv(newSize, mbl))
	tailInLeaf := newSize - (lNew-1)*mbl

	if lNew == 1 {
		leaf, ok := t.root.(*datanode.Leaf)
		if !ok {
			return fmt.Errorf("tree: single-leaf grow target but root is not a leaf")
		}
		full := make([]byte, tailInLeaf)
		copy(full, leaf.Data())
		if err := t.store.OverwriteLeaf(ctx, leaf.BlockID(), full); err != nil {
			return err
		}
		return t.refreshRoot(ctx)
	}

	dOld := t.root.Depth()
	dNew := depthForLeafCount(lNew, k)

	for dOld < dNew {
		var freshChildID blockid.BlockId
		switch old := t.root.(type) {
		case *datanode.Leaf:
			newLeaf, err := t.store.CreateNewLeafNode(ctx, old.Data())
			if err != nil {
				return err
			}
			freshChildID = newLeaf.BlockID()
		case *datanode.Inner:
			newInner, err := t.store.CreateNewInnerNode(ctx, old.Depth(), old.Children())
			if err != nil {
				return err
			}
			freshChildID = newInner.BlockID()
		}
		if err := t.store.OverwriteInner(ctx, t.root.BlockID(), dOld+1, []blockid.BlockId{freshChildID}); err != nil {
			return err
		}
		if err := t.refreshRoot(ctx); err != nil {
			return err
		}
		dOld++
	}

	if err := t.growNode(ctx, t.root, lNew-1, uint32(tailInLeaf)); err != nil {
		return err
	}
	return t.refreshRoot(ctx)
}

// growNode extends the subtree rooted at node (rewritten in place, same
// BlockId) so it holds exactly targetLeafIndex+1 leaves, with every leaf
// but the last at finalLeafSize set to a full max-bytes-per-leaf leaf.
func (t *Tree) growNode(ctx context.Context, node datanode.DataNode, targetLeafIndex uint64, finalLeafSize uint32) error {
	if leaf, ok := node.(*datanode.Leaf); ok {
		if targetLeafIndex != 0 {
			return fmt.Errorf("tree: invalid grow target for a leaf node")
		}
		full := make([]byte, finalLeafSize)
		copy(full, leaf.Data())
		return t.store.OverwriteLeaf(ctx, leaf.BlockID(), full)
	}

	inner := node.(*datanode.Inner)
	depth := inner.Depth()
	childDepth := depth - 1
	subtreeLeaves := pow64(t.k(), childDepth)
	childIdx := targetLeafIndex / subtreeLeaves
	remainder := targetLeafIndex % subtreeLeaves

	children := inner.Children()
	lastIdx := uint64(len(children)) - 1
	if childIdx < lastIdx {
		return fmt.Errorf("tree: invalid grow target below the current rightmost child")
	}

	lastChild, err := t.store.Load(ctx, children[lastIdx])
	if err != nil {
		return err
	}
	if lastChild == nil {
		return ErrNodeNotFound
	}

	if childIdx == lastIdx {
		return t.growNode(ctx, lastChild, remainder, finalLeafSize)
	}

	if err := t.growNode(ctx, lastChild, subtreeLeaves-1, uint32(t.mbl())); err != nil {
		return err
	}

	newChildren := append([]blockid.BlockId(nil), children...)
	for i := lastIdx + 1; i < childIdx; i++ {
		id, err := t.buildFullSubtree(ctx, childDepth)
		if err != nil {
			return err
		}
		newChildren = append(newChildren, id)
	}
	finalChildID, err := t.buildPartialSubtree(ctx, childDepth, remainder, finalLeafSize)
	if err != nil {
		return err
	}
	newChildren = append(newChildren, finalChildID)

	return t.store.OverwriteInner(ctx, inner.BlockID(), depth, newChildren)
}

// buildFullSubtree creates a brand new, completely packed subtree of the
// given depth: every leaf at max_bytes_per_leaf, every inner node at full
// fanout.
func (t *Tree) buildFullSubtree(ctx context.Context, depth byte) (blockid.BlockId, error) {
	if depth == 0 {
		leaf, err := t.store.CreateNewLeafNode(ctx, make([]byte, t.mbl()))
		if err != nil {
			return blockid.Zero, err
		}
		return leaf.BlockID(), nil
	}
	k := t.store.Layout().MaxChildrenPerInner()
	children := make([]blockid.BlockId, k)
	for i := uint32(0); i < k; i++ {
		id, err := t.buildFullSubtree(ctx, depth-1)
		if err != nil {
			return blockid.Zero, err
		}
		children[i] = id
	}
	inner, err := t.store.CreateNewInnerNode(ctx, depth, children)
	if err != nil {
		return blockid.Zero, err
	}
	return inner.BlockID(), nil
}

// buildPartialSubtree creates a brand new subtree of the given depth
// holding targetLeafIndex+1 leaves, all full except the last, which is
// sized at finalLeafSize.
func (t *Tree) buildPartialSubtree(ctx context.Context, depth byte, targetLeafIndex uint64, finalLeafSize uint32) (blockid.BlockId, error) {
	if depth == 0 {
		leaf, err := t.store.CreateNewLeafNode(ctx, make([]byte, finalLeafSize))
		if err != nil {
			return blockid.Zero, err
		}
		return leaf.BlockID(), nil
	}
	childDepth := depth - 1
	subtreeLeaves := pow64(t.k(), childDepth)
	childIdx := targetLeafIndex / subtreeLeaves
	remainder := targetLeafIndex % subtreeLeaves

	children := make([]blockid.BlockId, childIdx+1)
	for i := uint64(0); i < childIdx; i++ {
		id, err := t.buildFullSubtree(ctx, childDepth)
		if err != nil {
			return blockid.Zero, err
		}
		children[i] = id
	}
	finalID, err := t.buildPartialSubtree(ctx, childDepth, remainder, finalLeafSize)
	if err != nil {
		return blockid.Zero, err
	}
	children[childIdx] = finalID

	inner, err := t.store.CreateNewInnerNode(ctx, depth, children)
	if err != nil {
		return blockid.Zero, err
	}
	return inner.BlockID(), nil
}
