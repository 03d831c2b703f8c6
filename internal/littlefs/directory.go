package littlefs

import (
	"context"
	"encoding/binary"

	"github.com/xila-project/core/internal/kernelerrors"
)

// revisionHeaderSize is the 4-byte monotonic commit counter every
// metadata-pair block begins with, used to pick the newer of the two
// sides on mount (spec.md §4.2: "readers pick the newer valid side").
const revisionHeaderSize = 4

// noContinuation is the sentinel pair-pointer value a TAIL record carries
// when a directory has not overflowed into a second metadata pair (this
// driver caps a directory to what fits in one pair — see DESIGN.md).
const noContinuation = 0xFFFFFFFF

// readBlock reads one full block at blockNumber off the mounted device.
func (fs *FileSystem) readBlock(ctx context.Context, blockNumber uint32) ([]byte, error) {
	buf := make([]byte, fs.blockSize)
	_, err := fs.device.Read(ctx, fs.deviceCtx, buf, int64(blockNumber)*int64(fs.blockSize))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (fs *FileSystem) writeBlock(ctx context.Context, blockNumber uint32, data []byte) error {
	if len(data) > fs.blockSize {
		return kernelerrors.ErrNoSpaceLeft
	}
	padded := make([]byte, fs.blockSize)
	copy(padded, data)
	_, err := fs.device.Write(ctx, fs.deviceCtx, padded, int64(blockNumber)*int64(fs.blockSize))
	return err
}

// sideState is one decoded side of a metadata pair.
type sideState struct {
	valid    bool
	revision uint32
	entries  []entry
}

func (fs *FileSystem) readSide(ctx context.Context, blockNumber uint32) sideState {
	raw, err := fs.readBlock(ctx, blockNumber)
	if err != nil {
		return sideState{}
	}
	if len(raw) < revisionHeaderSize {
		return sideState{}
	}
	revision := binary.LittleEndian.Uint32(raw[:revisionHeaderSize])
	records, err := decodeRecords(raw[revisionHeaderSize:])
	if err != nil {
		return sideState{}
	}
	entries, err := entriesFromRecords(records)
	if err != nil {
		return sideState{}
	}
	return sideState{valid: true, revision: revision, entries: entries}
}

// readPair picks the newer valid side of pair, per spec.md §4.2's
// fallback rule: "a corrupt block causes the read path to fall back to
// the other side of the pair; if both are corrupt the operation fails
// with Corrupted."
func (fs *FileSystem) readPair(ctx context.Context, pair dirPointer) (activeBlock uint32, revision uint32, entries []entry, err error) {
	a := fs.readSide(ctx, pair.blockA)
	b := fs.readSide(ctx, pair.blockB)

	switch {
	case a.valid && b.valid:
		if a.revision >= b.revision {
			return pair.blockA, a.revision, a.entries, nil
		}
		return pair.blockB, b.revision, b.entries, nil
	case a.valid:
		return pair.blockA, a.revision, a.entries, nil
	case b.valid:
		return pair.blockB, b.revision, b.entries, nil
	default:
		return 0, 0, nil, kernelerrors.ErrCorrupted
	}
}

// commitPair writes entries to the inactive side of pair and returns the
// block number that is now active. The write either lands completely
// (and wins on the next readPair by virtue of a higher revision) or does
// not land at all — the previously active side is untouched either way,
// giving the power-loss atomicity spec.md §4.2 requires of a single
// commit.
func (fs *FileSystem) commitPair(ctx context.Context, pair dirPointer, activeBlock uint32, revision uint32, entries []entry) (uint32, error) {
	target := pair.blockA
	if activeBlock == pair.blockA {
		target = pair.blockB
	}

	buf := make([]byte, revisionHeaderSize, fs.blockSize)
	binary.LittleEndian.PutUint32(buf, revision+1)

	for _, e := range entries {
		buf = encodeRecord(buf, tagName, encodeName(e.inode, e.name))
		switch e.kind {
		case structInline:
			buf = encodeRecord(buf, tagInlineStruct, encodeInlineStruct(e.inode, e.inline))
		case structCTZ:
			buf = encodeRecord(buf, tagCTZStruct, encodeCTZStruct(e.inode, e.ctz))
		case structDirectory:
			buf = encodeRecord(buf, tagDirStruct, encodeDirStruct(e.inode, e.dir))
		}
		if e.hasAttrs {
			buf = encodeRecord(buf, tagUserAttr, encodeUserAttr(e.inode, attrMetadataID, e.attributes.encode()))
		}
	}

	var continuation [8]byte
	binary.LittleEndian.PutUint32(continuation[0:4], noContinuation)
	binary.LittleEndian.PutUint32(continuation[4:8], noContinuation)
	buf = encodeRecord(buf, tagTail, continuation[:])

	buf = closeCommit(buf)

	if err := fs.writeBlock(ctx, target, buf); err != nil {
		return 0, err
	}
	return target, nil
}

// formatPair writes an empty, valid commit (revision 0) to both sides of
// a brand-new metadata pair, matching littlefs's format-time behavior of
// making both sides independently readable.
func (fs *FileSystem) formatPair(ctx context.Context, pair dirPointer) error {
	buf := make([]byte, revisionHeaderSize)
	var continuation [8]byte
	binary.LittleEndian.PutUint32(continuation[0:4], noContinuation)
	binary.LittleEndian.PutUint32(continuation[4:8], noContinuation)
	buf = encodeRecord(buf, tagTail, continuation[:])
	buf = closeCommit(buf)

	if err := fs.writeBlock(ctx, pair.blockA, buf); err != nil {
		return err
	}
	return fs.writeBlock(ctx, pair.blockB, buf)
}
