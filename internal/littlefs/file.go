package littlefs

import (
	"context"
	"encoding/binary"
	"math/bits"
	"time"

	"github.com/xila-project/core/internal/flags"
	"github.com/xila-project/core/internal/identifier"
	"github.com/xila-project/core/internal/kernelerrors"
)

// ctzHeaderPointerSlots is fixed at mount time to the largest pointer
// count any block number on the device could ever need (spec.md §4.2's
// CTZ skip-list caps a block at ctz(index)+1 back-pointers). Reserving a
// constant-size header — rather than the tightly packed, index-varying
// header real littlefs uses — trades a few header bytes per block for a
// data capacity that is the same at every index, which keeps locating
// "which block holds byte offset X" a single division instead of a
// cumulative sum over a variable-capacity sequence. See DESIGN.md.
func ctzHeaderPointerSlots(blockCount uint64) int {
	if blockCount <= 1 {
		return 1
	}
	return bits.Len64(blockCount - 1)
}

func (fs *FileSystem) ctzHeaderSize() int {
	return 4 + fs.ctzPointerSlots*4
}

func (fs *FileSystem) dataCapacity() int {
	return fs.blockSize - fs.ctzHeaderSize()
}

// encodeCTZBlock serializes one CTZ data block: a pointer count, that
// many back-pointers padded out to ctzPointerSlots, then the block's data
// bytes.
func (fs *FileSystem) encodeCTZBlock(pointers []uint32, data []byte) []byte {
	buf := make([]byte, fs.ctzHeaderSize(), fs.blockSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(pointers)))
	for i, p := range pointers {
		off := 4 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], p)
	}
	return append(buf, data...)
}

func (fs *FileSystem) decodeCTZBlock(buf []byte) (pointers []uint32, data []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, kernelerrors.ErrCorrupted
	}
	count := int(binary.LittleEndian.Uint32(buf[0:4]))
	if count > fs.ctzPointerSlots || 4+count*4 > len(buf) {
		return nil, nil, kernelerrors.ErrCorrupted
	}
	pointers = make([]uint32, count)
	for i := 0; i < count; i++ {
		off := 4 + i*4
		pointers[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	return pointers, buf[fs.ctzHeaderSize():], nil
}

// ctzBlockCacheEntry is what fs.cache stores, keyed by on-device block
// number. A CTZ data block, once written, is never rewritten in place
// (writeCTZFile always allocates fresh block numbers — see its doc
// comment) so a cached entry never goes stale and needs no invalidation.
type ctzBlockCacheEntry struct {
	pointers []uint32
	data     []byte
}

func (fs *FileSystem) readCTZBlockPointers(ctx context.Context, blockNumber uint32) ([]uint32, []byte, error) {
	if fs.cache != nil {
		if cached, ok := fs.cache.Get(blockNumber); ok {
			entry := cached.(ctzBlockCacheEntry)
			return entry.pointers, entry.data, nil
		}
	}
	raw, err := fs.readBlock(ctx, blockNumber)
	if err != nil {
		return nil, nil, err
	}
	pointers, data, err := fs.decodeCTZBlock(raw)
	if err != nil {
		return nil, nil, err
	}
	if fs.cache != nil {
		fs.cache.Add(blockNumber, ctzBlockCacheEntry{pointers: pointers, data: data})
	}
	return pointers, data, nil
}

// ctzBlockNumberForIndex resolves the on-device block number holding
// logical data-block index target, navigating the skip list from the
// file's tail (spec.md's named "CTZ skip-list").
func (fs *FileSystem) ctzBlockNumberForIndex(ctx context.Context, head ctzHead, target uint32) (uint32, error) {
	if target == head.blockIndex {
		return head.blockNumber, nil
	}
	tailPointers, _, err := fs.readCTZBlockPointers(ctx, head.blockNumber)
	if err != nil {
		return 0, err
	}
	return blockAt(head.blockIndex, head.blockNumber, tailPointers, target, func(blockNumber, _ uint32) ([]uint32, error) {
		pointers, _, err := fs.readCTZBlockPointers(ctx, blockNumber)
		return pointers, err
	})
}

// readCTZRange reassembles only the [offset, offset+length) slice of a CTZ
// file's content, navigating the skip list to each block the range touches
// rather than reassembling the whole chain — what lets a per-handle cache
// stay bounded to cacheSize instead of holding an entire file in memory
// (spec.md §4.2: reads and writes are "buffered in a per-handle cache of
// size cache_size"). blockAt (ctz.go) can resolve any target index directly
// from the tail, so ranges don't need to be walked from index 0.
func (fs *FileSystem) readCTZRange(ctx context.Context, head ctzHead, offset int64, length int) ([]byte, error) {
	if head.fileSize == 0 || length <= 0 || offset >= int64(head.fileSize) {
		return nil, nil
	}
	capacity := int64(fs.dataCapacity())
	end := offset + int64(length)
	if end > int64(head.fileSize) {
		end = int64(head.fileSize)
	}
	if offset >= end {
		return nil, nil
	}
	out := make([]byte, 0, end-offset)
	startIdx := uint32(offset / capacity)
	endIdx := uint32((end - 1) / capacity)
	for idx := startIdx; idx <= endIdx; idx++ {
		blockNumber, err := fs.ctzBlockNumberForIndex(ctx, head, idx)
		if err != nil {
			return nil, err
		}
		_, data, err := fs.readCTZBlockPointers(ctx, blockNumber)
		if err != nil {
			return nil, err
		}
		want := int(capacity)
		if idx == head.blockIndex {
			want = int(head.fileSize) - int(idx)*int(capacity)
		}
		if want > len(data) {
			return nil, kernelerrors.ErrCorrupted
		}
		block := data[:want]
		blockStart := int64(idx) * capacity
		lo := int64(0)
		if offset > blockStart {
			lo = offset - blockStart
		}
		hi := int64(len(block))
		if blockStart+hi > end {
			hi = end - blockStart
		}
		if lo < hi {
			out = append(out, block[lo:hi]...)
		}
	}
	return out, nil
}

// writeCTZFile lays content out across freshly allocated blocks, wiring
// each block's CTZ back-pointers to the blocks allocated earlier in the
// same call (spec.md §4.2). This driver never reuses the blocks a file
// previously occupied — every write allocates anew and the old chain is
// simply abandoned, the same no-reclaim simplification directory commits
// make (see DESIGN.md; reclaiming freed blocks is left as a known gap
// since wear-leveling and garbage collection are out of scope).
func (fs *FileSystem) writeCTZFile(ctx context.Context, content []byte) (ctzHead, error) {
	if len(content) == 0 {
		return ctzHead{}, nil
	}
	capacity := fs.dataCapacity()
	numBlocks := (len(content) + capacity - 1) / capacity

	numbers := make([]uint32, numBlocks)
	for i := 0; i < numBlocks; i++ {
		n, err := fs.allocateBlock(ctx)
		if err != nil {
			return ctzHead{}, err
		}
		numbers[i] = n
	}

	for idx := 0; idx < numBlocks; idx++ {
		distances := skipDistances(uint32(idx))
		pointers := make([]uint32, len(distances))
		for i, d := range distances {
			pointers[i] = numbers[d]
		}
		start := idx * capacity
		end := start + capacity
		if end > len(content) {
			end = len(content)
		}
		buf := fs.encodeCTZBlock(pointers, content[start:end])
		if err := fs.writeBlock(ctx, numbers[idx], buf); err != nil {
			return ctzHead{}, err
		}
	}

	return ctzHead{
		blockNumber: numbers[numBlocks-1],
		blockIndex:  uint32(numBlocks - 1),
		fileSize:    uint64(len(content)),
	}, nil
}

// File is an open file handle. Per spec.md §4.2, reads and writes are
// "buffered in a per-handle cache of size cache_size; flush and close
// commit": onDiskInline/onDiskCTZ record the content as of the last
// commit (never the full file in memory), and buffer holds at most
// cacheSize bytes of a single contiguous pending write starting at
// bufferBase. A Read overlays buffer on top of on-demand disk reads; a
// Write that would grow the buffer past cacheSize, or that isn't
// contiguous with it, flushes first.
type File struct {
	fs        *FileSystem
	parent    dirPointer
	inode     identifier.Inode
	name      string
	flags     flags.Flags
	cacheSize int

	kind         structKind
	size         int64
	onDiskInline []byte
	onDiskCTZ    ctzHead

	buffer     []byte
	bufferBase int64

	position int64
	dirty    bool
}

// readDiskRange reads [offset, offset+length) from the content as of the
// last flush — never the whole file — so a Read past the cached buffer
// costs only the blocks it actually touches.
func (f *File) readDiskRange(ctx context.Context, offset int64, length int) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	switch f.kind {
	case structCTZ:
		return f.fs.readCTZRange(ctx, f.onDiskCTZ, offset, length)
	default:
		end := offset + int64(length)
		if end > int64(len(f.onDiskInline)) {
			end = int64(len(f.onDiskInline))
		}
		if offset >= end {
			return nil, nil
		}
		return append([]byte(nil), f.onDiskInline[offset:end]...), nil
	}
}

func (f *File) Read(ctx context.Context, p []byte) (int, error) {
	if f.position >= f.size {
		return 0, nil
	}
	want := int64(len(p))
	if f.position+want > f.size {
		want = f.size - f.position
	}
	if want <= 0 {
		return 0, nil
	}
	start := f.position
	end := start + want
	result := make([]byte, want)
	bufStart := f.bufferBase
	bufEnd := f.bufferBase + int64(len(f.buffer))

	if start < bufStart {
		diskEnd := end
		if diskEnd > bufStart {
			diskEnd = bufStart
		}
		disk, err := f.readDiskRange(ctx, start, int(diskEnd-start))
		if err != nil {
			return 0, err
		}
		copy(result, disk)
	}
	if end > bufEnd {
		diskStart := start
		if diskStart < bufEnd {
			diskStart = bufEnd
		}
		disk, err := f.readDiskRange(ctx, diskStart, int(end-diskStart))
		if err != nil {
			return 0, err
		}
		copy(result[diskStart-start:], disk)
	}
	lo := start
	if lo < bufStart {
		lo = bufStart
	}
	hi := end
	if hi > bufEnd {
		hi = bufEnd
	}
	if lo < hi {
		copy(result[lo-start:], f.buffer[lo-bufStart:hi-bufStart])
	}

	n := copy(p, result)
	f.position += int64(n)
	return n, nil
}

func (f *File) Write(ctx context.Context, p []byte) (int, error) {
	if !f.flags.GetWrite() {
		return 0, kernelerrors.ErrPermissionDenied
	}
	if len(p) == 0 {
		return 0, nil
	}

	bufEnd := f.bufferBase + int64(len(f.buffer))
	if len(f.buffer) > 0 && f.position != bufEnd {
		if err := f.flushLocked(ctx); err != nil {
			return 0, err
		}
	}
	if len(f.buffer) == 0 {
		f.bufferBase = f.position
	}

	remaining := p
	written := 0
	for len(remaining) > 0 {
		room := f.cacheSize - len(f.buffer)
		if room <= 0 {
			if err := f.flushLocked(ctx); err != nil {
				return written, err
			}
			f.bufferBase = f.position
			room = f.cacheSize
		}
		n := len(remaining)
		if n > room {
			n = room
		}
		f.buffer = append(f.buffer, remaining[:n]...)
		remaining = remaining[n:]
		f.position += int64(n)
		written += n
		f.dirty = true
		if f.position > f.size {
			f.size = f.position
		}
	}
	if f.position > f.size {
		f.size = f.position
	}
	return written, nil
}

// flushLocked commits the handle's pending buffer, if any. Committing
// still rewrites the file's full content in one pass — the same
// no-reclaim compaction writeCTZFile always did (see its doc comment) —
// but that reconstruction happens only at a flush, not on every Read/
// Write, so the handle's steady-state footprint stays bounded by
// cacheSize between flushes.
func (f *File) flushLocked(ctx context.Context) error {
	if !f.dirty {
		return nil
	}
	total := f.size
	content := make([]byte, total)
	if f.bufferBase > 0 {
		disk, err := f.readDiskRange(ctx, 0, int(f.bufferBase))
		if err != nil {
			return err
		}
		copy(content, disk)
	}
	bufEnd := f.bufferBase + int64(len(f.buffer))
	copy(content[f.bufferBase:bufEnd], f.buffer)
	if bufEnd < total {
		disk, err := f.readDiskRange(ctx, bufEnd, int(total-bufEnd))
		if err != nil {
			return err
		}
		copy(content[bufEnd:], disk)
	}

	if err := f.commitContent(ctx, content); err != nil {
		return err
	}
	f.buffer = nil
	f.bufferBase = f.position
	f.dirty = false
	return nil
}

// commitContent writes content back to f's directory entry, choosing an
// inline or CTZ representation exactly as the original whole-file Flush
// did, and records the result as the handle's new on-disk state.
func (f *File) commitContent(ctx context.Context, content []byte) error {
	fs := f.fs
	kind := structInline
	inline := content
	var ctzRepr ctzHead
	if len(content) > fs.inlineThreshold() {
		kind = structCTZ
		inline = nil
		head, err := fs.writeCTZFile(ctx, content)
		if err != nil {
			return err
		}
		ctzRepr = head
	}

	var opErr error
	writeErr := fs.meta.Write(ctx, func(s *state) {
		activeBlock, revision, entries, err := fs.readPair(ctx, f.parent)
		if err != nil {
			opErr = err
			return
		}
		idx := -1
		for i, e := range entries {
			if e.inode == f.inode {
				idx = i
				break
			}
		}
		if idx == -1 {
			opErr = kernelerrors.ErrNotFound
			return
		}
		entries[idx].kind = kind
		entries[idx].inline = inline
		entries[idx].ctz = ctzRepr
		entries[idx].attributes.ModificationTime = time.Now()
		if _, err := fs.commitPair(ctx, f.parent, activeBlock, revision, entries); err != nil {
			opErr = err
		}
	})
	if writeErr != nil {
		return writeErr
	}
	if opErr != nil {
		return opErr
	}
	f.kind = kind
	f.onDiskInline = inline
	f.onDiskCTZ = ctzRepr
	return nil
}
