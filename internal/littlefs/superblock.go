package littlefs

import (
	"context"
	"encoding/binary"

	"github.com/xila-project/core/internal/device"
	"github.com/xila-project/core/internal/kernelerrors"
)

// Fixed block geometry: blocks 0 is left zero (reserved, the way
// littlefs reserves a boot block on some targets); root's metadata pair
// is blocks 1-2; the volume superblock's own metadata pair is blocks
// 3-4; the cross-directory rename journal's metadata pair (move.go) is
// blocks 5-6; block allocation for directories and file data starts at
// firstDataBlock.
const (
	reservedBlock    = 0
	rootBlockA       = 1
	rootBlockB       = 2
	superblockBlockA = 3
	superblockBlockB = 4
	journalBlockA    = 5
	journalBlockB    = 6
	firstDataBlock   = 7
)

// magic identifies a formatted volume; it is checked on every mount.
var magic = [8]byte{'x', 'i', 'l', 'a', 'l', 'f', 's', '2'}

type superblockPayload struct {
	blockSize       uint32
	blockCount      uint32
	ctzPointerSlots uint32
	nextBlock       uint32
}

func encodeSuperblockPayload(p superblockPayload) []byte {
	buf := make([]byte, 0, 8+4*4)
	buf = append(buf, magic[:]...)
	var word [4]byte
	for _, v := range []uint32{p.blockSize, p.blockCount, p.ctzPointerSlots, p.nextBlock} {
		binary.LittleEndian.PutUint32(word[:], v)
		buf = append(buf, word[:]...)
	}
	return buf
}

func decodeSuperblockPayload(buf []byte) (superblockPayload, error) {
	if len(buf) < 8+16 || string(buf[:8]) != string(magic[:]) {
		return superblockPayload{}, kernelerrors.ErrCorrupted
	}
	return superblockPayload{
		blockSize:       binary.LittleEndian.Uint32(buf[8:12]),
		blockCount:      binary.LittleEndian.Uint32(buf[12:16]),
		ctzPointerSlots: binary.LittleEndian.Uint32(buf[16:20]),
		nextBlock:       binary.LittleEndian.Uint32(buf[20:24]),
	}, nil
}

// deviceReaderWriter is the minimal slice of device.BlockDevice format/
// mount probing needs, kept narrow so tests can stub it without a full
// device.
type deviceReaderWriter interface {
	Read(ctx context.Context, deviceCtx device.Context, buf []byte, pos int64) (int, error)
	Write(ctx context.Context, deviceCtx device.Context, buf []byte, pos int64) (int, error)
}

func readSuperblockSide(ctx context.Context, dev deviceReaderWriter, blockNumber uint32, blockSize int) (uint32, superblockPayload, bool) {
	raw := make([]byte, blockSize)
	if _, err := dev.Read(ctx, nil, raw, int64(blockNumber)*int64(blockSize)); err != nil {
		return 0, superblockPayload{}, false
	}
	if len(raw) < revisionHeaderSize {
		return 0, superblockPayload{}, false
	}
	revision := binary.LittleEndian.Uint32(raw[:revisionHeaderSize])
	records, err := decodeRecords(raw[revisionHeaderSize:])
	if err != nil {
		return 0, superblockPayload{}, false
	}
	for _, rec := range records {
		if rec.tag == tagSuperblock {
			payload, err := decodeSuperblockPayload(rec.payload)
			if err != nil {
				return 0, superblockPayload{}, false
			}
			return revision, payload, true
		}
	}
	return 0, superblockPayload{}, false
}

// probeFormatted reports whether the device already carries a valid
// superblock, returning the newer valid side's payload (spec.md §4.2's
// pick-the-newer-valid-side rule, applied here before anything else about
// the volume is known).
func probeFormatted(ctx context.Context, dev deviceReaderWriter, blockSize int) (superblockPayload, bool) {
	revA, a, okA := readSuperblockSide(ctx, dev, superblockBlockA, blockSize)
	revB, b, okB := readSuperblockSide(ctx, dev, superblockBlockB, blockSize)
	switch {
	case okA && okB:
		if revA >= revB {
			return a, true
		}
		return b, true
	case okA:
		return a, true
	case okB:
		return b, true
	default:
		return superblockPayload{}, false
	}
}

// writeSuperblock writes payload to both sides of the superblock's
// metadata pair at revision 0, matching formatPair's both-sides-valid
// format-time behavior.
func writeSuperblock(ctx context.Context, dev deviceReaderWriter, blockSize int, payload superblockPayload) error {
	buf := make([]byte, revisionHeaderSize, blockSize)
	buf = encodeRecord(buf, tagSuperblock, encodeSuperblockPayload(payload))
	buf = closeCommit(buf)
	padded := make([]byte, blockSize)
	copy(padded, buf)

	if _, err := dev.Write(ctx, nil, padded, int64(superblockBlockA)*int64(blockSize)); err != nil {
		return err
	}
	if _, err := dev.Write(ctx, nil, padded, int64(superblockBlockB)*int64(blockSize)); err != nil {
		return err
	}
	return nil
}
