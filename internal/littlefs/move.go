package littlefs

import (
	"context"
	"encoding/binary"

	"github.com/xila-project/core/internal/kernelerrors"
)

// moveRecord describes an in-flight cross-directory rename. commitPair's
// own atomicity only covers a single metadata pair, but a rename between
// two different parents needs two pair commits; the journal records the
// move's endpoints in its own pair *before* either directory commit
// lands, so that recoverMoveJournal can finish (or discard) the rename
// deterministically after a power loss between the two commits, rather
// than leaving the entry in neither directory (spec.md §8: "after
// remount, exactly one of: (src exists, dst does not) or (dst exists,
// src does not) — never neither nor both").
type moveRecord struct {
	pending bool
	src     dirPointer
	srcName string
	dst     dirPointer
	dstName string
}

func encodeMoveRecord(m moveRecord) []byte {
	buf := make([]byte, 16, 16+2+len(m.srcName)+2+len(m.dstName))
	binary.LittleEndian.PutUint32(buf[0:4], m.src.blockA)
	binary.LittleEndian.PutUint32(buf[4:8], m.src.blockB)
	binary.LittleEndian.PutUint32(buf[8:12], m.dst.blockA)
	binary.LittleEndian.PutUint32(buf[12:16], m.dst.blockB)
	buf = appendLengthPrefixed(buf, m.srcName)
	buf = appendLengthPrefixed(buf, m.dstName)
	return buf
}

func appendLengthPrefixed(buf []byte, s string) []byte {
	var length [2]byte
	binary.LittleEndian.PutUint16(length[:], uint16(len(s)))
	buf = append(buf, length[:]...)
	return append(buf, s...)
}

func readLengthPrefixed(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, kernelerrors.ErrCorrupted
	}
	length := int(binary.LittleEndian.Uint16(buf[:2]))
	rest := buf[2:]
	if len(rest) < length {
		return "", nil, kernelerrors.ErrCorrupted
	}
	return string(rest[:length]), rest[length:], nil
}

func decodeMoveRecord(payload []byte) (moveRecord, error) {
	if len(payload) < 16 {
		return moveRecord{}, kernelerrors.ErrCorrupted
	}
	m := moveRecord{pending: true}
	m.src.blockA = binary.LittleEndian.Uint32(payload[0:4])
	m.src.blockB = binary.LittleEndian.Uint32(payload[4:8])
	m.dst.blockA = binary.LittleEndian.Uint32(payload[8:12])
	m.dst.blockB = binary.LittleEndian.Uint32(payload[12:16])
	var (
		name string
		err  error
	)
	rest := payload[16:]
	if name, rest, err = readLengthPrefixed(rest); err != nil {
		return moveRecord{}, err
	}
	m.srcName = name
	if name, rest, err = readLengthPrefixed(rest); err != nil {
		return moveRecord{}, err
	}
	m.dstName = name
	return m, nil
}

// journalSide is one decoded side of the journal's metadata pair.
type journalSide struct {
	ok       bool
	revision uint32
	rec      moveRecord
}

func (fs *FileSystem) readJournalSide(ctx context.Context, blockNumber uint32) journalSide {
	raw, err := fs.readBlock(ctx, blockNumber)
	if err != nil || len(raw) < revisionHeaderSize {
		return journalSide{}
	}
	revision := binary.LittleEndian.Uint32(raw[:revisionHeaderSize])
	records, err := decodeRecords(raw[revisionHeaderSize:])
	if err != nil {
		return journalSide{}
	}
	for _, rec := range records {
		if rec.tag == tagMoveJournal {
			m, err := decodeMoveRecord(rec.payload)
			if err != nil {
				return journalSide{}
			}
			return journalSide{ok: true, revision: revision, rec: m}
		}
	}
	return journalSide{ok: true, revision: revision}
}

// readMoveJournal reports the journal's active side, its revision, and
// the move it currently records (rec.pending is false between renames).
func (fs *FileSystem) readMoveJournal(ctx context.Context) (activeBlock uint32, revision uint32, rec moveRecord, err error) {
	a := fs.readJournalSide(ctx, journalBlockA)
	b := fs.readJournalSide(ctx, journalBlockB)
	switch {
	case a.ok && b.ok:
		if a.revision >= b.revision {
			return journalBlockA, a.revision, a.rec, nil
		}
		return journalBlockB, b.revision, b.rec, nil
	case a.ok:
		return journalBlockA, a.revision, a.rec, nil
	case b.ok:
		return journalBlockB, b.revision, b.rec, nil
	default:
		return 0, 0, moveRecord{}, kernelerrors.ErrCorrupted
	}
}

// commitMoveJournal writes rec to the journal pair's inactive side,
// the same single-commit-wins-by-revision scheme commitPair uses for
// directory pairs, and returns the side that is now active.
func (fs *FileSystem) commitMoveJournal(ctx context.Context, activeBlock, revision uint32, rec moveRecord) (uint32, error) {
	target := journalBlockA
	if activeBlock == journalBlockA {
		target = journalBlockB
	}
	buf := make([]byte, revisionHeaderSize, fs.blockSize)
	binary.LittleEndian.PutUint32(buf, revision+1)
	if rec.pending {
		buf = encodeRecord(buf, tagMoveJournal, encodeMoveRecord(rec))
	}
	buf = closeCommit(buf)
	if err := fs.writeBlock(ctx, target, buf); err != nil {
		return 0, err
	}
	return target, nil
}

// formatMoveJournal writes an empty, valid commit (no move pending) to
// both sides of the journal pair, matching formatPair's format-time
// behavior of making both sides independently readable.
func (fs *FileSystem) formatMoveJournal(ctx context.Context) error {
	buf := make([]byte, revisionHeaderSize)
	buf = closeCommit(buf)
	if err := fs.writeBlock(ctx, journalBlockA, buf); err != nil {
		return err
	}
	return fs.writeBlock(ctx, journalBlockB, buf)
}

// recoverMoveJournal completes or discards any rename that was still in
// flight when the volume was last mounted. It is called once from Mount,
// before the file system is handed back to callers.
//
// Rename always commits the destination insert before the source delete
// (see Rename), so at recovery time the source side still holds its
// entry unless the whole move already finished. If the destination also
// already holds it, the move was interrupted between the two commits:
// recovery finishes it by removing the stale source copy. Otherwise the
// crash happened before the destination commit landed, and the pending
// marker is simply discarded — the source is still the only copy.
func (fs *FileSystem) recoverMoveJournal(ctx context.Context) error {
	active, revision, rec, err := fs.readMoveJournal(ctx)
	if err != nil {
		return err
	}
	if !rec.pending {
		return nil
	}

	srcActive, srcRevision, srcEntries, err := fs.readPair(ctx, rec.src)
	if err != nil {
		return err
	}
	srcIdx := -1
	for i, e := range srcEntries {
		if e.name == rec.srcName {
			srcIdx = i
			break
		}
	}

	if srcIdx != -1 {
		_, _, dstEntries, err := fs.readPair(ctx, rec.dst)
		if err != nil {
			return err
		}
		dstHas := false
		for _, e := range dstEntries {
			if e.name == rec.dstName {
				dstHas = true
				break
			}
		}
		if dstHas {
			remaining := append(append([]entry(nil), srcEntries[:srcIdx]...), srcEntries[srcIdx+1:]...)
			if _, err := fs.commitPair(ctx, rec.src, srcActive, srcRevision, remaining); err != nil {
				return err
			}
		}
	}

	_, err = fs.commitMoveJournal(ctx, active, revision, moveRecord{})
	return err
}
