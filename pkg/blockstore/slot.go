package blockstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"blocktree/pkg/blockid"
)

// Every block in a File container lives in a fixed-size physical slot:
// a small liveness/identity header followed by exactly blockSizeBytes of
// payload. This mirrors the teacher's page layout (a small fixed prefix
// ahead of page-sized content) and its CalculatePageChecksum/
// WritePageChecksum pattern for detecting torn or corrupted writes.

const (
	slotLive     = 1
	slotFree     = 0
	slotHeaderID = 1 // offset of the BlockId field within a slot header
)

// slotHeaderSize is the fixed prefix before a slot's payload:
// 1 byte liveness + 16 byte BlockId + 4 byte CRC32 of the payload.
const slotHeaderSize = 1 + blockid.Size + 4

// containerHeaderSize is the fixed prefix before the first slot.
const containerHeaderSize = 32

const containerMagic = uint32(0xB10C7EE5)
const containerFormatVersion = uint32(1)

type containerHeader struct {
	blockSizeBytes uint32
	numSlots       uint32
	freelistHead   uint32 // reserved for a future on-disk freelist; unused today
}

func encodeContainerHeader(h containerHeader) []byte {
	buf := make([]byte, containerHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], containerMagic)
	binary.LittleEndian.PutUint32(buf[4:8], containerFormatVersion)
	binary.LittleEndian.PutUint32(buf[8:12], h.blockSizeBytes)
	binary.LittleEndian.PutUint32(buf[12:16], h.numSlots)
	binary.LittleEndian.PutUint32(buf[16:20], h.freelistHead)
	return buf
}

func decodeContainerHeader(buf []byte) (containerHeader, error) {
	if len(buf) < containerHeaderSize {
		return containerHeader{}, fmt.Errorf("blockstore: container header truncated")
	}
	if got := binary.LittleEndian.Uint32(buf[0:4]); got != containerMagic {
		return containerHeader{}, fmt.Errorf("blockstore: not a block container (bad magic %08x)", got)
	}
	if got := binary.LittleEndian.Uint32(buf[4:8]); got != containerFormatVersion {
		return containerHeader{}, fmt.Errorf("blockstore: unsupported container format version %d", got)
	}
	return containerHeader{
		blockSizeBytes: binary.LittleEndian.Uint32(buf[8:12]),
		numSlots:       binary.LittleEndian.Uint32(buf[12:16]),
		freelistHead:   binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

func slotSize(blockSizeBytes uint32) int64 {
	return int64(slotHeaderSize) + int64(blockSizeBytes)
}

// slotOffset returns the byte offset of the 1-based slot index within the
// container file.
func slotOffset(slotIndex uint32, blockSizeBytes uint32) int64 {
	return int64(containerHeaderSize) + int64(slotIndex-1)*slotSize(blockSizeBytes)
}

// encodeSlot writes a live slot's header + payload into dst, which must be
// exactly slotSize(len(payload)) long.
func encodeSlot(dst []byte, id blockid.BlockId, payload []byte) {
	dst[0] = slotLive
	copy(dst[slotHeaderID:slotHeaderID+blockid.Size], id[:])
	copy(dst[slotHeaderSize:], payload)
	crc := crc32.ChecksumIEEE(payload)
	binary.LittleEndian.PutUint32(dst[slotHeaderSize-4:slotHeaderSize], crc)
}

func markSlotFree(dst []byte) {
	dst[0] = slotFree
}

func slotIsLive(raw []byte) bool {
	return raw[0] == slotLive
}

func slotBlockID(raw []byte) blockid.BlockId {
	var id blockid.BlockId
	copy(id[:], raw[slotHeaderID:slotHeaderID+blockid.Size])
	return id
}

func slotPayload(raw []byte) []byte {
	return raw[slotHeaderSize:]
}

// slotChecksumOK reports whether the payload's CRC32 matches what was
// stored when the slot was last written - a torn or corrupted write is
// reported by the caller as a CorruptSlotError rather than silently
// returned.
func slotChecksumOK(raw []byte) bool {
	stored := binary.LittleEndian.Uint32(raw[slotHeaderSize-4 : slotHeaderSize])
	return crc32.ChecksumIEEE(slotPayload(raw)) == stored
}

// CorruptSlotError reports that a live slot's payload checksum did not
// match, e.g. after a crash mid-write that the journal did not cover.
type CorruptSlotError struct {
	ID blockid.BlockId
}

func (e *CorruptSlotError) Error() string {
	return fmt.Sprintf("blockstore: slot for block %s failed its checksum", e.ID)
}
