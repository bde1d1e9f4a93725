// Package recarena stores a fixed number of records in a memory-mapped file,
// populated one slot at a time in ascending order. An arena is all or
// nothing: it is sealed once every slot is committed, and an abandoned
// population discards the file instead of leaving a partial arena behind.
package recarena

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"iter"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edsrzf/mmap-go"

	"github.com/unijord/arrayfill"
)

const (
	FlagActive uint32 = 1 << iota
	FlagSealed
)

const (
	headerSize = 64
	// just a string of "UARN".
	// 'U' = 0x55 and so on. Unijord AReNa.
	magicNumber   = 0x5541524E
	headerVersion = 1

	// layout: 4 (checksum) + 4 (length) = 8 bytes
	slotHeaderSize = 8
	// tail region reserved for the seal manifest.
	manifestRegionSize = 4096

	fileModePerm = 0644

	// slot strides are kept on this boundary so a slot header never
	// straddles more pages than it has to.
	alignSize int64 = 8
	alignMask int64 = alignSize - 1
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	ErrClosed           = errors.New("the arena is closed")
	ErrSealed           = errors.New("cannot write to a sealed arena")
	ErrNotSealed        = errors.New("the arena is not sealed")
	ErrOutOfOrderWrite  = errors.New("slot is not the next free slot")
	ErrSlotOutOfRange   = errors.New("slot index out of range")
	ErrSlotNotCommitted = errors.New("slot has not been committed")
	ErrRecordTooLarge   = errors.New("record exceeds slot capacity")
	ErrInvalidCRC       = errors.New("invalid crc, the slot data may be corrupted")
	ErrIncomplete       = errors.New("cannot seal an arena with empty slots remaining")
)

// header encodes the arena metadata at the top of the file.
// Its size is 64 bytes once encoded.
type header struct {
	// at 0
	Magic uint32
	// at 4
	Version uint32
	// at 8
	CreatedAt int64
	// at 16
	SealedAt int64
	// at 24
	SlotCap uint32
	// at 28
	SlotCount uint32
	// at 32
	Committed uint64
	// at 40
	Flags uint32
	// at 44
	ManifestLen uint32
	// at 48
	ManifestCRC uint32

	// at 52-55: reserved
	// at 56: CRC32 of first 56 bytes
	// at 60: padding to align to 64B
}

func decodeHeader(buf []byte) (*header, error) {
	if len(buf) < headerSize {
		return nil, io.ErrUnexpectedEOF
	}

	crc := binary.LittleEndian.Uint32(buf[56:60])
	computed := crc32.ChecksumIEEE(buf[0:56])
	if crc != computed {
		return nil, fmt.Errorf("arena header CRC mismatch: expected %08x, got %08x", crc, computed)
	}

	h := &header{
		Magic:       binary.LittleEndian.Uint32(buf[0:4]),
		Version:     binary.LittleEndian.Uint32(buf[4:8]),
		CreatedAt:   int64(binary.LittleEndian.Uint64(buf[8:16])),
		SealedAt:    int64(binary.LittleEndian.Uint64(buf[16:24])),
		SlotCap:     binary.LittleEndian.Uint32(buf[24:28]),
		SlotCount:   binary.LittleEndian.Uint32(buf[28:32]),
		Committed:   binary.LittleEndian.Uint64(buf[32:40]),
		Flags:       binary.LittleEndian.Uint32(buf[40:44]),
		ManifestLen: binary.LittleEndian.Uint32(buf[44:48]),
		ManifestCRC: binary.LittleEndian.Uint32(buf[48:52]),
	}
	if h.Magic != magicNumber {
		return nil, fmt.Errorf("not an arena file: magic %08x", h.Magic)
	}
	if h.Version != headerVersion {
		return nil, fmt.Errorf("unsupported arena version %d", h.Version)
	}
	return h, nil
}

// IsSealed returns true if the provided flags have the sealed bit set.
func IsSealed(flags uint32) bool {
	return flags&FlagSealed != 0
}

// Arena is a fixed set of record slots backed by a memory-mapped file.
// Slots are committed in ascending order; the header tracks how many leading
// slots hold valid records. Reads of committed slots are safe from multiple
// goroutines; writes and Seal belong to a single populating goroutine.
type Arena struct {
	path      string
	fd        *os.File
	data      mmap.MMap
	slotCap   int
	slotCount int
	stride    int64

	creator     string
	syncOnWrite bool

	mu        sync.RWMutex
	committed int
	sealed    bool
	manifest  *Manifest
	closed    atomic.Bool
}

// WithCreatorTag sets the creator string recorded in the seal manifest.
func WithCreatorTag(tag string) func(*Arena) {
	return func(a *Arena) {
		a.creator = tag
	}
}

// WithSyncOnWrite enables msync after every slot write.
func WithSyncOnWrite(enabled bool) func(*Arena) {
	return func(a *Arena) {
		a.syncOnWrite = enabled
	}
}

// Create creates a new arena file at path with slotCount slots, each able to
// hold a record of up to slotCap bytes. The file must not already exist.
func Create(path string, slotCap, slotCount int, opts ...func(*Arena)) (*Arena, error) {
	if slotCap <= 0 {
		return nil, fmt.Errorf("invalid slot capacity %d", slotCap)
	}
	if slotCount < 0 {
		return nil, fmt.Errorf("invalid slot count %d", slotCount)
	}

	a := &Arena{
		path:      path,
		slotCap:   slotCap,
		slotCount: slotCount,
		stride:    alignUp(slotHeaderSize + int64(slotCap)),
	}
	for _, opt := range opts {
		opt(a)
	}

	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, fileModePerm)
	if err != nil {
		return nil, err
	}
	if err := fd.Truncate(a.fileSize()); err != nil {
		fd.Close()
		return nil, fmt.Errorf("truncate error: %w", err)
	}
	data, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("mmap error: %w", err)
	}
	a.fd = fd
	a.data = data

	a.writeInitialHeader()
	return a, nil
}

// Open maps an existing arena file. A sealed arena is opened as-is; an
// unsealed one has its leading slots re-validated, so a commit count torn by
// a crash is never trusted past the first bad slot.
func Open(path string, opts ...func(*Arena)) (*Arena, error) {
	fd, err := os.OpenFile(path, os.O_RDWR, fileModePerm)
	if err != nil {
		return nil, err
	}
	data, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("mmap error: %w", err)
	}

	h, err := decodeHeader(data)
	if err != nil {
		_ = data.Unmap()
		fd.Close()
		return nil, err
	}

	a := &Arena{
		path:      path,
		fd:        fd,
		data:      data,
		slotCap:   int(h.SlotCap),
		slotCount: int(h.SlotCount),
		stride:    alignUp(slotHeaderSize + int64(h.SlotCap)),
		committed: int(h.Committed),
		sealed:    IsSealed(h.Flags),
	}
	for _, opt := range opts {
		opt(a)
	}

	if int64(len(data)) < a.fileSize() {
		_ = data.Unmap()
		fd.Close()
		return nil, fmt.Errorf("arena file truncated: %d bytes, want %d", len(data), a.fileSize())
	}

	if a.sealed {
		m, err := a.readManifest(h)
		if err != nil {
			_ = data.Unmap()
			fd.Close()
			return nil, err
		}
		a.manifest = m
	} else {
		valid := a.scanCommitted()
		if valid != a.committed {
			slog.Warn("[recarena]",
				slog.String("event_type", "arena.recovery.commit.count.adjusted"),
				slog.Int("header", a.committed),
				slog.Int("scanned", valid),
				slog.String("arena", path),
			)
			a.committed = valid
			a.updateHeaderCommit()
		}
	}

	return a, nil
}

func (a *Arena) fileSize() int64 {
	return headerSize + a.stride*int64(a.slotCount) + manifestRegionSize
}

func (a *Arena) manifestOffset() int64 {
	return headerSize + a.stride*int64(a.slotCount)
}

func (a *Arena) slotOffset(i int) int64 {
	return headerSize + a.stride*int64(i)
}

func (a *Arena) writeInitialHeader() {
	binary.LittleEndian.PutUint32(a.data[0:4], magicNumber)
	binary.LittleEndian.PutUint32(a.data[4:8], headerVersion)
	binary.LittleEndian.PutUint64(a.data[8:16], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint64(a.data[16:24], 0)
	binary.LittleEndian.PutUint32(a.data[24:28], uint32(a.slotCap))
	binary.LittleEndian.PutUint32(a.data[28:32], uint32(a.slotCount))
	binary.LittleEndian.PutUint64(a.data[32:40], 0)
	binary.LittleEndian.PutUint32(a.data[40:44], FlagActive)
	binary.LittleEndian.PutUint32(a.data[44:48], 0)
	binary.LittleEndian.PutUint32(a.data[48:52], 0)
	a.stampHeaderCRC()
}

func (a *Arena) stampHeaderCRC() {
	crc := crc32.ChecksumIEEE(a.data[0:56])
	binary.LittleEndian.PutUint32(a.data[56:60], crc)
}

func (a *Arena) updateHeaderCommit() {
	binary.LittleEndian.PutUint64(a.data[32:40], uint64(a.committed))
	a.stampHeaderCRC()
}

// scanCommitted returns how many leading slots hold records with a valid
// checksum. An all-zero slot header marks the first unwritten slot.
func (a *Arena) scanCommitted() int {
	for i := 0; i < a.slotCount; i++ {
		off := a.slotOffset(i)
		head := a.data[off : off+slotHeaderSize]
		savedSum := binary.LittleEndian.Uint32(head[:4])
		length := binary.LittleEndian.Uint32(head[4:8])

		if savedSum == 0 && length == 0 {
			return i
		}
		if int(length) > a.slotCap {
			return i
		}
		payload := a.data[off+slotHeaderSize : off+slotHeaderSize+int64(length)]
		if savedSum != slotChecksum(head[4:8], payload) {
			return i
		}
	}
	return a.slotCount
}

// Write copies rec into slot i and commits it. i must be the next free slot.
func (a *Arena) Write(i int, rec []byte) error {
	if a.closed.Load() {
		return ErrClosed
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sealed {
		return ErrSealed
	}
	if i != a.committed {
		return fmt.Errorf("%w: got %d, next free slot is %d", ErrOutOfOrderWrite, i, a.committed)
	}
	if a.committed == a.slotCount {
		return fmt.Errorf("%w: arena is full", ErrSlotOutOfRange)
	}
	if len(rec) > a.slotCap {
		return fmt.Errorf("%w: %d bytes, slot capacity %d", ErrRecordTooLarge, len(rec), a.slotCap)
	}

	off := a.slotOffset(i)
	binary.LittleEndian.PutUint32(a.data[off+4:off+8], uint32(len(rec)))
	sum := slotChecksum(a.data[off+4:off+8], rec)
	binary.LittleEndian.PutUint32(a.data[off:off+4], sum)
	copy(a.data[off+slotHeaderSize:], rec)

	a.committed++
	a.updateHeaderCommit()

	if a.syncOnWrite {
		if err := a.data.Flush(); err != nil {
			return fmt.Errorf("mmap flush error after write: %w", err)
		}
	}
	return nil
}

// Slot returns the record committed at slot i.
// IMPORTANT: the returned slice aliases the memory-mapped file. It becomes
// invalid when the arena is closed; copy it to retain it.
func (a *Arena) Slot(i int) ([]byte, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if i < 0 || i >= a.slotCount {
		return nil, fmt.Errorf("%w: %d of %d", ErrSlotOutOfRange, i, a.slotCount)
	}
	if i >= a.committed {
		return nil, fmt.Errorf("%w: slot %d, committed %d", ErrSlotNotCommitted, i, a.committed)
	}

	off := a.slotOffset(i)
	head := a.data[off : off+slotHeaderSize]
	length := binary.LittleEndian.Uint32(head[4:8])
	if int(length) > a.slotCap {
		return nil, fmt.Errorf("%w: slot %d length %d", ErrInvalidCRC, i, length)
	}

	payload := a.data[off+slotHeaderSize : off+slotHeaderSize+int64(length)]
	if binary.LittleEndian.Uint32(head[:4]) != slotChecksum(head[4:8], payload) {
		return nil, fmt.Errorf("%w: slot %d", ErrInvalidCRC, i)
	}
	return payload, nil
}

// Slots iterates the committed records in slot order. Iteration stops early
// if a slot fails its checksum, leaving consumers with fewer records than
// the arena claims.
// The yielded slices alias the mapping; see Slot.
func (a *Arena) Slots() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for i := 0; i < a.Committed(); i++ {
			rec, err := a.Slot(i)
			if err != nil {
				slog.Warn("[recarena]",
					slog.String("event_type", "arena.iteration.stopped"),
					slog.Int("slot", i),
					slog.Any("err", err),
					slog.String("arena", a.path),
				)
				return
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Seal finishes a fully committed arena: it writes the manifest into the
// tail region, flips the sealed flag, and flushes everything to disk.
func (a *Arena) Seal() error {
	if a.closed.Load() {
		return ErrClosed
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sealed {
		return ErrSealed
	}
	if a.committed != a.slotCount {
		return fmt.Errorf("%w: %d of %d committed", ErrIncomplete, a.committed, a.slotCount)
	}

	now := time.Now()
	m := &Manifest{
		SealedAt:   now,
		SlotCap:    uint32(a.slotCap),
		SlotCount:  uint32(a.slotCount),
		PayloadCRC: crc32.Checksum(a.data[headerSize:a.manifestOffset()], crcTable),
		Creator:    a.creator,
	}
	buf := m.encode()
	if len(buf) > manifestRegionSize {
		return fmt.Errorf("manifest of %d bytes exceeds reserved region", len(buf))
	}
	copy(a.data[a.manifestOffset():], buf)

	binary.LittleEndian.PutUint64(a.data[16:24], uint64(now.UnixNano()))
	binary.LittleEndian.PutUint32(a.data[44:48], uint32(len(buf)))
	binary.LittleEndian.PutUint32(a.data[48:52], crc32.ChecksumIEEE(buf))
	flags := binary.LittleEndian.Uint32(a.data[40:44])
	// clear 'active' bit
	flags &^= FlagActive
	// set 'sealed' bit
	flags |= FlagSealed
	binary.LittleEndian.PutUint32(a.data[40:44], flags)
	a.stampHeaderCRC()

	if err := a.Sync(); err != nil {
		return err
	}

	a.sealed = true
	a.manifest = m
	return nil
}

func (a *Arena) readManifest(h *header) (*Manifest, error) {
	if h.ManifestLen == 0 || int64(h.ManifestLen) > manifestRegionSize {
		return nil, fmt.Errorf("invalid manifest length %d", h.ManifestLen)
	}
	buf := a.data[a.manifestOffset() : a.manifestOffset()+int64(h.ManifestLen)]
	if crc32.ChecksumIEEE(buf) != h.ManifestCRC {
		return nil, fmt.Errorf("%w: manifest", ErrInvalidCRC)
	}
	return decodeManifest(buf)
}

// Manifest returns the seal manifest of a sealed arena.
func (a *Arena) Manifest() (*Manifest, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.sealed {
		return nil, ErrNotSealed
	}
	return a.manifest, nil
}

// Populate fills every remaining slot from f, in ascending order, and seals
// the arena. Any failure, including a panic inside f, discards the arena
// file so a partial arena is never left behind.
func (a *Arena) Populate(f func(int) ([]byte, error)) error {
	g := arrayfill.NewGuard(func() {
		if err := a.Discard(); err != nil {
			slog.Error("arena discard failed", slog.String("path", a.path), slog.Any("err", err))
		}
	})
	defer g.Release()

	for i := a.Committed(); i < a.slotCount; i++ {
		rec, err := f(i)
		if err != nil {
			return fmt.Errorf("populate slot %d: %w", i, err)
		}
		if err := a.Write(i, rec); err != nil {
			return fmt.Errorf("populate slot %d: %w", i, err)
		}
	}
	if err := a.Seal(); err != nil {
		return err
	}

	g.Disarm()
	return nil
}

// Sync msyncs the mapping and fsyncs the underlying file.
func (a *Arena) Sync() error {
	if a.closed.Load() {
		return ErrClosed
	}
	if err := a.data.Flush(); err != nil {
		return fmt.Errorf("mmap flush error: %w", err)
	}
	if err := a.fd.Sync(); err != nil {
		return fmt.Errorf("fsync error: %w", err)
	}
	return nil
}

// Close unmaps and closes the arena file. Slices returned by Slot and Slots
// are invalid afterwards.
func (a *Arena) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := a.data.Flush(); err != nil {
		_ = a.data.Unmap()
		_ = a.fd.Close()
		return fmt.Errorf("flush error during close: %w", err)
	}
	if err := a.data.Unmap(); err != nil {
		_ = a.fd.Close()
		return fmt.Errorf("unmap error: %w", err)
	}
	if err := a.fd.Close(); err != nil {
		return fmt.Errorf("file close error: %w", err)
	}
	return nil
}

// Discard closes the arena and removes its file.
func (a *Arena) Discard() error {
	if err := a.Close(); err != nil {
		return err
	}
	if err := os.Remove(a.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("arena file delete failed: %w", err)
	}
	slog.Debug("[recarena]",
		slog.String("event_type", "arena.discarded"),
		slog.String("path", a.path),
	)
	return nil
}

// SlotCap returns the maximum record size per slot.
func (a *Arena) SlotCap() int {
	return a.slotCap
}

// SlotCount returns the total number of slots.
func (a *Arena) SlotCount() int {
	return a.slotCount
}

// Committed returns the number of leading committed slots.
func (a *Arena) Committed() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.committed
}

// Sealed reports whether the arena has been sealed.
func (a *Arena) Sealed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sealed
}

// Path returns the arena file path.
func (a *Arena) Path() string {
	return a.path
}

func slotChecksum(head []byte, data []byte) uint32 {
	sum := crc32.Checksum(head, crcTable)
	return crc32.Update(sum, crcTable, data)
}

// alignUp returns the next multiple of alignSize greater than or equal to n.
func alignUp(n int64) int64 {
	return (n + alignMask) & ^alignMask
}
