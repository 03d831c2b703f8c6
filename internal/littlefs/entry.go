package littlefs

import (
	"encoding/binary"

	"github.com/xila-project/core/internal/identifier"
	"github.com/xila-project/core/internal/kernelerrors"
)

// structKind distinguishes the three things a directory entry's name can
// point to: inline file data, a CTZ skip-list file, or a child directory
// (spec.md §4.2: "files small enough inline their data; larger files
// reference a CTZ skip-list of block numbers").
type structKind uint8

const (
	structInline structKind = iota
	structCTZ
	structDirectory
)

// ctzHead is the head of a file's CTZ skip list: the tail block's on-
// device number, its logical index within the file, and the file's total
// byte size (the size is what lets a reader compute how many bytes the
// last block actually holds).
type ctzHead struct {
	blockNumber uint32
	blockIndex  uint32
	fileSize    uint64
}

// dirPointer names the two blocks making up a child directory's metadata
// pair.
type dirPointer struct {
	blockA, blockB uint32
}

// entry is one in-memory, decoded directory entry: the live state a
// committed directory resolves to after decodeRecords + entriesFromRecords.
type entry struct {
	inode      identifier.Inode
	name       string
	kind       structKind
	inline     []byte
	ctz        ctzHead
	dir        dirPointer
	attributes Attributes
	hasAttrs   bool
}

func encodeInlineStruct(inode identifier.Inode, data []byte) []byte {
	buf := make([]byte, 8, 8+len(data))
	binary.LittleEndian.PutUint64(buf, uint64(inode))
	return append(buf, data...)
}

func encodeCTZStruct(inode identifier.Inode, head ctzHead) []byte {
	buf := make([]byte, 8+4+4+8)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(inode))
	binary.LittleEndian.PutUint32(buf[8:12], head.blockNumber)
	binary.LittleEndian.PutUint32(buf[12:16], head.blockIndex)
	binary.LittleEndian.PutUint64(buf[16:24], head.fileSize)
	return buf
}

func encodeDirStruct(inode identifier.Inode, ptr dirPointer) []byte {
	buf := make([]byte, 8+4+4)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(inode))
	binary.LittleEndian.PutUint32(buf[8:12], ptr.blockA)
	binary.LittleEndian.PutUint32(buf[12:16], ptr.blockB)
	return buf
}

func encodeName(inode identifier.Inode, name string) []byte {
	buf := make([]byte, 8, 8+len(name))
	binary.LittleEndian.PutUint64(buf, uint64(inode))
	return append(buf, []byte(name)...)
}

func encodeUserAttr(inode identifier.Inode, attrID byte, data []byte) []byte {
	buf := make([]byte, 9, 9+len(data))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(inode))
	buf[8] = attrID
	return append(buf, data...)
}

// entriesFromRecords reconstructs the live directory entries from a
// decoded commit's record stream: a NAME record opens an entry; the
// struct and USERATTR records that follow, up to the next NAME or TAIL,
// belong to it.
func entriesFromRecords(records []record) ([]entry, error) {
	var entries []entry
	var current *entry

	for _, rec := range records {
		switch rec.tag {
		case tagName:
			if len(rec.payload) < 8 {
				return nil, kernelerrors.ErrCorrupted
			}
			inode := identifier.Inode(binary.LittleEndian.Uint64(rec.payload[0:8]))
			name := string(rec.payload[8:])
			entries = append(entries, entry{inode: inode, name: name})
			current = &entries[len(entries)-1]

		case tagInlineStruct:
			if current == nil || len(rec.payload) < 8 {
				return nil, kernelerrors.ErrCorrupted
			}
			current.kind = structInline
			current.inline = append([]byte(nil), rec.payload[8:]...)

		case tagCTZStruct:
			if current == nil || len(rec.payload) != 24 {
				return nil, kernelerrors.ErrCorrupted
			}
			current.kind = structCTZ
			current.ctz = ctzHead{
				blockNumber: binary.LittleEndian.Uint32(rec.payload[8:12]),
				blockIndex:  binary.LittleEndian.Uint32(rec.payload[12:16]),
				fileSize:    binary.LittleEndian.Uint64(rec.payload[16:24]),
			}

		case tagDirStruct:
			if current == nil || len(rec.payload) != 16 {
				return nil, kernelerrors.ErrCorrupted
			}
			current.kind = structDirectory
			current.dir = dirPointer{
				blockA: binary.LittleEndian.Uint32(rec.payload[8:12]),
				blockB: binary.LittleEndian.Uint32(rec.payload[12:16]),
			}

		case tagUserAttr:
			if current == nil || len(rec.payload) < 9 {
				return nil, kernelerrors.ErrCorrupted
			}
			if rec.payload[8] == attrMetadataID {
				attrs, err := decodeAttributes(rec.payload[9:])
				if err != nil {
					return nil, err
				}
				current.attributes = attrs
				current.hasAttrs = true
			}

		case tagDelete, tagTail:
			// tagDelete is never emitted by this driver's whole-rewrite
			// compaction (see DESIGN.md); tagTail marks the end of this
			// pair's live entries and carries no per-entry state.
			current = nil
		}
	}
	return entries, nil
}
