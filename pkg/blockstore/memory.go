package blockstore

import (
	"context"
	"sync"

	"blocktree/pkg/blockid"
)

// Memory is an in-memory BlockStore backed by a map, the analogue of the
// teacher's pager.MemoryStorage for the :memory: database mode. Every
// core-package test is built against this rather than File.
type Memory struct {
	mu     sync.RWMutex
	blocks map[blockid.BlockId][]byte
}

// NewMemory returns an empty in-memory block store.
func NewMemory() *Memory {
	return &Memory{blocks: make(map[blockid.BlockId][]byte)}
}

func (m *Memory) Load(ctx context.Context, id blockid.BlockId) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blocks[id]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Store(ctx context.Context, id blockid.BlockId, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[id] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Create(ctx context.Context, data []byte) (blockid.BlockId, error) {
	id, err := blockid.New()
	if err != nil {
		return blockid.Zero, err
	}
	if err := m.Store(ctx, id, data); err != nil {
		return blockid.Zero, err
	}
	return id, nil
}

func (m *Memory) TryCreate(ctx context.Context, id blockid.BlockId, data []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.blocks[id]; exists {
		return false, nil
	}
	m.blocks[id] = append([]byte(nil), data...)
	return true, nil
}

func (m *Memory) Remove(ctx context.Context, id blockid.BlockId) (RemoveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.blocks[id]; !exists {
		return RemoveNotFound, nil
	}
	delete(m.blocks, id)
	return RemoveSuccess, nil
}

func (m *Memory) NumBlocks(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.blocks)), nil
}

// EstimateNumFreeBytes has no real notion of capacity for an in-memory
// store; it reports a large constant, matching MemoryStorage's "no disk to
// run out of" stance.
func (m *Memory) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	return 1 << 40, nil
}

func (m *Memory) BlockSizeFromPhysical(physical uint32) uint32 {
	return physical
}

func (m *Memory) AllBlocks(ctx context.Context) ([]blockid.BlockId, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]blockid.BlockId, 0, len(m.blocks))
	for id := range m.blocks {
		ids = append(ids, id)
	}
	return ids, nil
}

// Flush is a no-op: there is no disk to sync, matching MemoryStorage.Sync.
func (m *Memory) Flush(ctx context.Context) error {
	return nil
}
