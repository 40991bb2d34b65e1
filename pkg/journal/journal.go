// Package journal implements a write-ahead log for blocktree's file-backed
// block store: durability frames are appended here, fsynced, and only then
// applied in place to the container file. This is adapted from the
// teacher's pkg/wal, re-keyed from SQLite page numbers to 16-byte BlockIds
// and from fixed database pages to fixed-size block slots.
//
// # JOURNAL FILE FORMAT
//
// A journal file consists of a 32-byte header followed by zero or more
// frames, little-endian throughout:
//
//	0-3:   Magic number (0x626c6b6a, "blkj")
//	4-7:   Format version
//	8-11:  Block size in bytes
//	12-15: Checkpoint sequence number
//	16-19: Salt-1 (random, changed on each checkpoint)
//	20-23: Salt-2 (random, changed on each checkpoint)
//	24-27: Checksum-1 (of the first 24 header bytes)
//	28-31: Checksum-2
//
// Each frame is a 36-byte frame-header followed by block_size_bytes of
// block data:
//
//	0-15:  BlockId
//	16-19: Commit marker (non-zero if this frame ends a committed batch)
//	20-23: Salt-1 (copied from header)
//	24-27: Salt-2 (copied from header)
//	28-31: Checksum-1
//	32-35: Checksum-2
package journal

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"os"
	"sync"

	"blocktree/pkg/blockid"
)

const (
	HeaderSize      = 32
	FrameHeaderSize = 36
	MagicNumber     = 0x626c6b6a
	Version         = 1
)

var (
	ErrInvalidMagic   = errors.New("journal: invalid magic number")
	ErrInvalidVersion = errors.New("journal: invalid format version")
	ErrChecksumFailed = errors.New("journal: checksum verification failed")
	ErrBlockNotFound  = errors.New("journal: block not found")
)

// Frame is a single journal record.
type Frame struct {
	Index    uint32 // 1-based frame index
	ID       blockid.BlockId
	Data     []byte
	IsCommit bool
}

// Options configures a Journal.
type Options struct {
	BlockSizeBytes int
}

// Journal is an append-only, crash-recoverable log of block writes.
type Journal struct {
	mu        sync.RWMutex
	file      *os.File
	blockSize int
	salt1     uint32
	salt2     uint32
	ckptSeq   uint32

	checksum1 uint32
	checksum2 uint32

	frameCount uint32
}

// Open opens or creates a journal file at path.
func Open(path string, opts Options) (*Journal, error) {
	blockSize := opts.BlockSizeBytes
	if blockSize == 0 {
		blockSize = 4096
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return create(path, blockSize)
		}
		return nil, err
	}

	j := &Journal{file: file, blockSize: blockSize}
	if err := j.readHeader(); err != nil {
		file.Close()
		return create(path, blockSize)
	}
	return j, nil
}

func create(path string, blockSize int) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	j := &Journal{
		file:      file,
		blockSize: blockSize,
		salt1:     rand.Uint32(),
		salt2:     rand.Uint32(),
		ckptSeq:   1,
	}
	if err := j.writeHeaderLocked(); err != nil {
		file.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) writeHeaderLocked() error {
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], MagicNumber)
	binary.LittleEndian.PutUint32(header[4:8], Version)
	binary.LittleEndian.PutUint32(header[8:12], uint32(j.blockSize))
	binary.LittleEndian.PutUint32(header[12:16], j.ckptSeq)
	binary.LittleEndian.PutUint32(header[16:20], j.salt1)
	binary.LittleEndian.PutUint32(header[20:24], j.salt2)

	j.checksum1, j.checksum2 = checksum(header[0:24], 0, 0)
	binary.LittleEndian.PutUint32(header[24:28], j.checksum1)
	binary.LittleEndian.PutUint32(header[28:32], j.checksum2)

	if _, err := j.file.WriteAt(header, 0); err != nil {
		return err
	}
	return j.file.Sync()
}

func (j *Journal) readHeader() error {
	header := make([]byte, HeaderSize)
	n, err := j.file.ReadAt(header, 0)
	if err != nil {
		return err
	}
	if n < HeaderSize {
		return ErrInvalidMagic
	}
	if binary.LittleEndian.Uint32(header[0:4]) != MagicNumber {
		return ErrInvalidMagic
	}
	if binary.LittleEndian.Uint32(header[4:8]) != Version {
		return ErrInvalidVersion
	}

	j.blockSize = int(binary.LittleEndian.Uint32(header[8:12]))
	j.ckptSeq = binary.LittleEndian.Uint32(header[12:16])
	j.salt1 = binary.LittleEndian.Uint32(header[16:20])
	j.salt2 = binary.LittleEndian.Uint32(header[20:24])

	storedCksum1 := binary.LittleEndian.Uint32(header[24:28])
	storedCksum2 := binary.LittleEndian.Uint32(header[28:32])
	cksum1, cksum2 := checksum(header[0:24], 0, 0)
	if storedCksum1 != cksum1 || storedCksum2 != cksum2 {
		return ErrChecksumFailed
	}
	j.checksum1, j.checksum2 = cksum1, cksum2
	j.frameCount = j.countValidFrames()
	return nil
}

func (j *Journal) frameSize() int64 {
	return int64(FrameHeaderSize) + int64(j.blockSize)
}

func (j *Journal) countValidFrames() uint32 {
	info, err := j.file.Stat()
	if err != nil {
		return 0
	}
	contentSize := info.Size() - int64(HeaderSize)
	if contentSize <= 0 {
		return 0
	}
	maxFrames := uint32(contentSize / j.frameSize())

	valid := uint32(0)
	cksum1, cksum2 := j.checksum1, j.checksum2
	for i := uint32(0); i < maxFrames; i++ {
		offset := int64(HeaderSize) + int64(i)*j.frameSize()
		fh := make([]byte, FrameHeaderSize)
		if _, err := j.file.ReadAt(fh, offset); err != nil {
			break
		}
		salt1 := binary.LittleEndian.Uint32(fh[20:24])
		salt2 := binary.LittleEndian.Uint32(fh[24:28])
		if salt1 != j.salt1 || salt2 != j.salt2 {
			break
		}
		data := make([]byte, j.blockSize)
		if _, err := j.file.ReadAt(data, offset+FrameHeaderSize); err != nil {
			break
		}
		checksumData := make([]byte, 20+j.blockSize)
		copy(checksumData[0:20], fh[0:20])
		copy(checksumData[20:], data)
		cksum1, cksum2 = checksum(checksumData, cksum1, cksum2)

		if cksum1 != binary.LittleEndian.Uint32(fh[28:32]) || cksum2 != binary.LittleEndian.Uint32(fh[32:36]) {
			break
		}
		valid++
	}
	j.checksum1, j.checksum2 = cksum1, cksum2
	return valid
}

// checksum is the SQLite WAL checksum algorithm: fibonacci weights over
// 8-byte words, carried forward across calls.
func checksum(data []byte, s0, s1 uint32) (uint32, uint32) {
	for len(data)%4 != 0 {
		data = append(data, 0)
	}
	for i := 0; i < len(data); i += 8 {
		x0 := binary.LittleEndian.Uint32(data[i : i+4])
		var x1 uint32
		if i+4 < len(data) {
			x1 = binary.LittleEndian.Uint32(data[i+4 : i+8])
		}
		s0 += x0 + s1
		s1 += x1 + s0
	}
	return s0, s1
}

// BlockSizeBytes returns the fixed payload size of every frame.
func (j *Journal) BlockSizeBytes() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.blockSize
}

// FrameCount returns the number of valid frames currently in the journal.
func (j *Journal) FrameCount() uint32 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.frameCount
}

// WriteFrame appends data (exactly BlockSizeBytes long) for id. When
// isCommit is true the journal is fsynced before returning - this is what
// lets blockstore.File promise a write is durable before it touches the
// container file in place.
func (j *Journal) WriteFrame(id blockid.BlockId, data []byte, isCommit bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(data) != j.blockSize {
		return errors.New("journal: frame data size mismatch")
	}

	offset := int64(HeaderSize) + int64(j.frameCount)*j.frameSize()

	fh := make([]byte, FrameHeaderSize)
	copy(fh[0:16], id[:])
	if isCommit {
		binary.LittleEndian.PutUint32(fh[16:20], 1)
	}
	binary.LittleEndian.PutUint32(fh[20:24], j.salt1)
	binary.LittleEndian.PutUint32(fh[24:28], j.salt2)

	checksumData := make([]byte, 20+len(data))
	copy(checksumData[0:20], fh[0:20])
	copy(checksumData[20:], data)
	j.checksum1, j.checksum2 = checksum(checksumData, j.checksum1, j.checksum2)
	binary.LittleEndian.PutUint32(fh[28:32], j.checksum1)
	binary.LittleEndian.PutUint32(fh[32:36], j.checksum2)

	if _, err := j.file.WriteAt(fh, offset); err != nil {
		return err
	}
	if _, err := j.file.WriteAt(data, offset+FrameHeaderSize); err != nil {
		return err
	}
	j.frameCount++

	if isCommit {
		return j.file.Sync()
	}
	return nil
}

// ForEachFrame iterates all valid frames in append order.
func (j *Journal) ForEachFrame(fn func(*Frame) error) error {
	j.mu.RLock()
	defer j.mu.RUnlock()

	for i := uint32(1); i <= j.frameCount; i++ {
		offset := int64(HeaderSize) + int64(i-1)*j.frameSize()
		fh := make([]byte, FrameHeaderSize)
		if _, err := j.file.ReadAt(fh, offset); err != nil {
			return err
		}
		data := make([]byte, j.blockSize)
		if _, err := j.file.ReadAt(data, offset+FrameHeaderSize); err != nil {
			return err
		}
		var id blockid.BlockId
		copy(id[:], fh[0:16])
		frame := &Frame{
			Index:    i,
			ID:       id,
			Data:     data,
			IsCommit: binary.LittleEndian.Uint32(fh[16:20]) != 0,
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint applies every frame to apply, in append order (later frames
// for the same BlockId win), then truncates the journal back to just its
// header. Returns the number of frames applied.
func (j *Journal) Checkpoint(apply func(id blockid.BlockId, data []byte) error) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.frameCount == 0 {
		return 0, nil
	}

	n, err := j.applyAllLocked(j.frameCount, apply)
	if err != nil {
		return n, err
	}
	if err := j.resetLocked(); err != nil {
		return n, err
	}
	return n, nil
}

// Recover applies only the frames up to the last commit marker, then
// truncates the journal. This is the crash-recovery path: an in-flight,
// uncommitted frame is discarded rather than applied.
func (j *Journal) Recover(apply func(id blockid.BlockId, data []byte) error) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.frameCount == 0 {
		return 0, nil
	}
	lastCommit := j.lastCommitFrameLocked()
	if lastCommit == 0 {
		return 0, nil
	}
	n, err := j.applyAllLocked(lastCommit, apply)
	if err != nil {
		return n, err
	}
	if err := j.resetLocked(); err != nil {
		return n, err
	}
	return n, nil
}

func (j *Journal) applyAllLocked(upTo uint32, apply func(id blockid.BlockId, data []byte) error) (int, error) {
	latest := make(map[blockid.BlockId][]byte)
	order := make([]blockid.BlockId, 0, upTo)
	for i := uint32(1); i <= upTo; i++ {
		offset := int64(HeaderSize) + int64(i-1)*j.frameSize()
		fh := make([]byte, FrameHeaderSize)
		if _, err := j.file.ReadAt(fh, offset); err != nil {
			return 0, err
		}
		var id blockid.BlockId
		copy(id[:], fh[0:16])
		data := make([]byte, j.blockSize)
		if _, err := j.file.ReadAt(data, offset+FrameHeaderSize); err != nil {
			return 0, err
		}
		if _, seen := latest[id]; !seen {
			order = append(order, id)
		}
		latest[id] = data
	}
	for _, id := range order {
		if err := apply(id, latest[id]); err != nil {
			return 0, err
		}
	}
	return len(order), nil
}

func (j *Journal) lastCommitFrameLocked() uint32 {
	last := uint32(0)
	for i := uint32(1); i <= j.frameCount; i++ {
		offset := int64(HeaderSize) + int64(i-1)*j.frameSize()
		marker := make([]byte, 4)
		if _, err := j.file.ReadAt(marker, offset+16); err != nil {
			break
		}
		if binary.LittleEndian.Uint32(marker) != 0 {
			last = i
		}
	}
	return last
}

func (j *Journal) resetLocked() error {
	j.ckptSeq++
	j.salt1++
	j.salt2 = rand.Uint32()
	j.frameCount = 0

	if err := j.writeHeaderLocked(); err != nil {
		return err
	}
	if err := j.file.Truncate(HeaderSize); err != nil {
		return err
	}
	return j.file.Sync()
}

// Close syncs and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	err := j.file.Close()
	j.file = nil
	return err
}
