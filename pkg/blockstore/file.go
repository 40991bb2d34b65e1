package blockstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"blocktree/pkg/blockid"
	"blocktree/pkg/budget"
	"blocktree/pkg/journal"
)

// ErrContainerLocked is returned by Open when another process already
// holds the container's exclusive lock.
var ErrContainerLocked = errors.New("blockstore: container is locked by another process")

// File is a BlockStore backed by a single memory-mapped container file.
// Blocks are packed into fixed-size physical slots; a journal.Journal logs
// every write before it lands in the container, and a freed slot is
// tracked for reuse rather than abandoned. Grounded on the teacher's
// pkg/pager (mmap handling, page-header-ahead-of-payload layout) together
// with journal.Journal and budget.SpaceBudget.
type File struct {
	mu             sync.Mutex
	mm             *mmapFile
	journal        *journal.Journal
	free           *freelist
	budget         *budget.SpaceBudget
	header         containerHeader
	blockSizeBytes uint32
	index          map[blockid.BlockId]uint32 // BlockId -> 1-based slot index
}

// Open opens or creates a block container at path, sized for blocks of
// exactly blockSizeBytes. Any journal frames left over from a crash are
// recovered before Open returns.
func Open(path string, blockSizeBytes uint32) (*File, error) {
	mm, err := openMmapFile(path, containerHeaderSize)
	if err != nil {
		return nil, err
	}
	if err := mm.lock(); err != nil {
		mm.Close()
		return nil, err
	}

	hdr, err := decodeContainerHeader(mm.Slice(0, containerHeaderSize))
	if err != nil {
		hdr = containerHeader{blockSizeBytes: blockSizeBytes}
		copy(mm.Slice(0, containerHeaderSize), encodeContainerHeader(hdr))
		if err := mm.Sync(); err != nil {
			mm.unlock()
			mm.Close()
			return nil, err
		}
	} else if hdr.blockSizeBytes != blockSizeBytes {
		mm.unlock()
		mm.Close()
		return nil, fmt.Errorf("blockstore: container block size %d does not match requested %d", hdr.blockSizeBytes, blockSizeBytes)
	}

	j, err := journal.Open(path+".journal", journal.Options{BlockSizeBytes: int(blockSizeBytes)})
	if err != nil {
		mm.unlock()
		mm.Close()
		return nil, err
	}

	f := &File{
		mm:             mm,
		journal:        j,
		free:           newFreelist(),
		budget:         budget.New(containerHeaderSize + slotSize(blockSizeBytes)*int64(hdr.numSlots)),
		header:         hdr,
		blockSizeBytes: blockSizeBytes,
		index:          make(map[blockid.BlockId]uint32, hdr.numSlots),
	}

	for i := uint32(1); i <= hdr.numSlots; i++ {
		region := mm.Slice(int(slotOffset(i, blockSizeBytes)), int(slotSize(blockSizeBytes)))
		if slotIsLive(region) {
			f.index[slotBlockID(region)] = i
			f.budget.Track(slotSize(blockSizeBytes))
		} else {
			f.free.push(i)
		}
	}

	if _, err := j.Recover(f.applyFrame); err != nil {
		f.Close(context.Background())
		return nil, err
	}
	if err := mm.Sync(); err != nil {
		f.Close(context.Background())
		return nil, err
	}

	return f, nil
}

// applyFrame writes a recovered or checkpointed journal frame into the
// container, allocating a slot for id if this is its first appearance.
func (f *File) applyFrame(id blockid.BlockId, data []byte) error {
	slotIdx, existed := f.index[id]
	if !existed {
		var err error
		slotIdx, err = f.allocateSlot()
		if err != nil {
			return err
		}
	}
	f.writeSlotRaw(slotIdx, id, data)
	f.index[id] = slotIdx
	if !existed {
		f.budget.Track(slotSize(f.blockSizeBytes))
	}
	return nil
}

func (f *File) allocateSlot() (uint32, error) {
	if idx, ok := f.free.pop(); ok {
		return idx, nil
	}
	newNumSlots := f.header.numSlots + 1
	newSize := int64(containerHeaderSize) + slotSize(f.blockSizeBytes)*int64(newNumSlots)
	if err := f.mm.Grow(newSize); err != nil {
		return 0, err
	}
	f.header.numSlots = newNumSlots
	copy(f.mm.Slice(0, containerHeaderSize), encodeContainerHeader(f.header))
	f.budget.Grow(newSize)
	return newNumSlots, nil
}

func (f *File) writeSlotRaw(slotIdx uint32, id blockid.BlockId, data []byte) {
	region := f.mm.Slice(int(slotOffset(slotIdx, f.blockSizeBytes)), int(slotSize(f.blockSizeBytes)))
	encodeSlot(region, id, data)
}

func (f *File) validate(data []byte) error {
	if uint32(len(data)) != f.blockSizeBytes {
		return fmt.Errorf("blockstore: block data is %d bytes, container expects exactly %d", len(data), f.blockSizeBytes)
	}
	return nil
}

// Load implements BlockStore.
func (f *File) Load(ctx context.Context, id blockid.BlockId) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	slotIdx, ok := f.index[id]
	if !ok {
		return nil, nil
	}
	region := f.mm.Slice(int(slotOffset(slotIdx, f.blockSizeBytes)), int(slotSize(f.blockSizeBytes)))
	if !slotChecksumOK(region) {
		return nil, &CorruptSlotError{ID: id}
	}
	return append([]byte(nil), slotPayload(region)...), nil
}

// Store implements BlockStore. Every call logs a committed journal frame
// before writing the slot in place, then immediately checkpoints the
// journal back to empty - this repo trades a little write throughput
// (one fsync of the journal, one of the container, per call) for a store
// that is durable after every Store rather than only after an explicit
// Flush.
func (f *File) Store(ctx context.Context, id blockid.BlockId, data []byte) error {
	if err := f.validate(data); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storeLocked(id, data)
}

func (f *File) storeLocked(id blockid.BlockId, data []byte) error {
	if err := f.journal.WriteFrame(id, data, true); err != nil {
		return err
	}
	if err := f.applyFrame(id, data); err != nil {
		return err
	}
	if _, err := f.journal.Checkpoint(func(blockid.BlockId, []byte) error { return nil }); err != nil {
		return err
	}
	return f.mm.Sync()
}

// Create implements BlockStore.
func (f *File) Create(ctx context.Context, data []byte) (blockid.BlockId, error) {
	if err := f.validate(data); err != nil {
		return blockid.Zero, err
	}
	id, err := blockid.New()
	if err != nil {
		return blockid.Zero, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.storeLocked(id, data); err != nil {
		return blockid.Zero, err
	}
	return id, nil
}

// TryCreate implements BlockStore.
func (f *File) TryCreate(ctx context.Context, id blockid.BlockId, data []byte) (bool, error) {
	if err := f.validate(data); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.index[id]; exists {
		return false, nil
	}
	if err := f.storeLocked(id, data); err != nil {
		return false, err
	}
	return true, nil
}

// Remove implements BlockStore.
func (f *File) Remove(ctx context.Context, id blockid.BlockId) (RemoveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	slotIdx, ok := f.index[id]
	if !ok {
		return RemoveNotFound, nil
	}
	region := f.mm.Slice(int(slotOffset(slotIdx, f.blockSizeBytes)), int(slotSize(f.blockSizeBytes)))
	markSlotFree(region)
	delete(f.index, id)
	f.free.push(slotIdx)
	f.budget.Release(slotSize(f.blockSizeBytes))
	if err := f.mm.Sync(); err != nil {
		return RemoveNotFound, err
	}
	return RemoveSuccess, nil
}

// NumBlocks implements BlockStore.
func (f *File) NumBlocks(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.index)), nil
}

// EstimateNumFreeBytes implements BlockStore, backed by budget.SpaceBudget.
func (f *File) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	free := f.budget.Free()
	if free < 0 {
		return 0, nil
	}
	return uint64(free), nil
}

// BlockSizeFromPhysical implements BlockStore.
func (f *File) BlockSizeFromPhysical(physical uint32) uint32 {
	if physical <= slotHeaderSize {
		return 0
	}
	return physical - slotHeaderSize
}

// AllBlocks implements BlockStore.
func (f *File) AllBlocks(ctx context.Context) ([]blockid.BlockId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]blockid.BlockId, 0, len(f.index))
	for id := range f.index {
		ids = append(ids, id)
	}
	return ids, nil
}

// Flush implements BlockStore. Store already commits durably, so Flush is
// a final belt-and-suspenders sync of the container's mapped pages.
func (f *File) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mm.Sync()
}

// Close releases the container's lock and memory mapping, and closes its
// journal. The File must not be used afterward.
func (f *File) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	if f.journal != nil {
		if err := f.journal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if f.mm != nil {
		if err := f.mm.unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.mm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
