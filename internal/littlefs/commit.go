package littlefs

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/xila-project/core/internal/kernelerrors"
)

// tag identifies one record kind within a metadata pair commit (spec.md
// §4.2). The CRC uses hash/crc32 (stdlib) rather than a faster
// non-cryptographic hash because spec.md explicitly names CRC as the
// on-media integrity mechanism.
type tag uint8

const (
	tagName tag = iota
	tagInlineStruct
	tagCTZStruct
	tagDirStruct
	tagDelete
	tagUserAttr
	tagTail
	tagSuperblock
	tagMoveJournal
	tagCRC
)

// record is one decoded tagged record from a commit.
type record struct {
	tag     tag
	payload []byte
}

const recordHeaderSize = 1 + 2 // tag + uint16 length

// encodeRecord appends one tagged record to buf.
func encodeRecord(buf []byte, t tag, payload []byte) []byte {
	buf = append(buf, byte(t))
	var length [2]byte
	binary.LittleEndian.PutUint16(length[:], uint16(len(payload)))
	buf = append(buf, length[:]...)
	buf = append(buf, payload...)
	return buf
}

// decodeRecords parses every tagged record in buf up to (but not
// including) a trailing CRC record, verifying that CRC against
// everything preceding it. It returns kernelerrors.ErrCorrupted if the
// CRC is absent, truncated, or mismatched.
func decodeRecords(buf []byte) ([]record, error) {
	var records []record
	offset := 0
	for offset < len(buf) {
		if offset+recordHeaderSize > len(buf) {
			return nil, kernelerrors.ErrCorrupted
		}
		t := tag(buf[offset])
		length := int(binary.LittleEndian.Uint16(buf[offset+1 : offset+3]))
		payloadStart := offset + recordHeaderSize
		payloadEnd := payloadStart + length
		if payloadEnd > len(buf) {
			return nil, kernelerrors.ErrCorrupted
		}
		payload := buf[payloadStart:payloadEnd]

		if t == tagCRC {
			if len(payload) != 4 {
				return nil, kernelerrors.ErrCorrupted
			}
			want := binary.LittleEndian.Uint32(payload)
			got := crc32.ChecksumIEEE(buf[:offset])
			if want != got {
				return nil, kernelerrors.ErrCorrupted
			}
			return records, nil
		}

		records = append(records, record{tag: t, payload: payload})
		offset = payloadEnd
	}
	// No CRC record found: the commit never closed cleanly.
	return nil, kernelerrors.ErrCorrupted
}

// closeCommit appends a trailing CRC record covering every byte of buf
// written so far.
func closeCommit(buf []byte) []byte {
	sum := crc32.ChecksumIEEE(buf)
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], sum)
	return encodeRecord(buf, tagCRC, payload[:])
}
