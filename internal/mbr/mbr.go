// Package mbr parses the legacy 512-byte Master Boot Record partition
// table (spec.md §4.4/§6) and exposes each partition as a device.BlockDevice
// that forwards reads/writes at an LBA offset within the parent device.
//
// Grounded on the binary-struct-over-fixed-offset parsing idiom the
// teacher uses for its own on-disk structures (backend/local's
// stat_unix.go reads fixed-offset syscall.Stat_t fields); here the layout
// is spec.md §6's byte-for-byte MBR description, decoded with
// encoding/binary rather than unsafe struct overlays, since an embedded
// target's endianness and alignment cannot be assumed to match the host
// compiling this driver.
package mbr

import (
	"encoding/binary"

	"github.com/xila-project/core/internal/kernelerrors"
)

const (
	// SectorSize is the fixed size of the MBR sector itself (distinct
	// from the partitioned device's own block size).
	SectorSize = 512

	signatureOffset     = 510
	partitionTableOffset = 446
	partitionEntrySize   = 16
	partitionCount       = 4

	signatureLow  = 0x55
	signatureHigh = 0xAA

	// MinimumLBAStart is the smallest legal lba_start: sector 0 is
	// reserved for the MBR itself (spec.md §4.4).
	MinimumLBAStart = 1
)

// Kind is the one-byte MBR partition type, a closed enum with an
// Unknown(u8) fallback per spec.md §4.4.
type Kind uint8

const (
	KindEmpty          Kind = 0x00
	KindFAT12          Kind = 0x01
	KindFAT16Small     Kind = 0x04
	KindExtendedCHS    Kind = 0x05
	KindFAT16          Kind = 0x06
	KindNTFS           Kind = 0x07
	KindFAT32CHS       Kind = 0x0B
	KindFAT32LBA       Kind = 0x0C
	KindFAT16LBA       Kind = 0x0E
	KindExtendedLBA    Kind = 0x0F
	KindLinuxSwap      Kind = 0x82
	KindLinuxNative    Kind = 0x83
	KindLinuxExtended  Kind = 0x85
	KindLinuxLVM       Kind = 0x8E
	KindHiddenFAT32LBA Kind = 0x1C
	KindGPTProtective  Kind = 0xEE
)

// IsFat reports whether kind is one of the FAT family.
func (k Kind) IsFat() bool {
	switch k {
	case KindFAT12, KindFAT16Small, KindFAT16, KindFAT32CHS, KindFAT32LBA, KindFAT16LBA, KindHiddenFAT32LBA:
		return true
	default:
		return false
	}
}

// IsLinux reports whether kind belongs to the Linux native family.
func (k Kind) IsLinux() bool {
	switch k {
	case KindLinuxSwap, KindLinuxNative, KindLinuxExtended, KindLinuxLVM:
		return true
	default:
		return false
	}
}

// IsExtended reports whether kind is an extended-partition pointer.
func (k Kind) IsExtended() bool {
	switch k {
	case KindExtendedCHS, KindExtendedLBA, KindLinuxExtended:
		return true
	default:
		return false
	}
}

// IsHidden reports whether kind is a "hidden" variant by convention
// (historically, bit 0x10 set on an otherwise-known type).
func (k Kind) IsHidden() bool {
	return k == KindHiddenFAT32LBA
}

// CHSAddress is a cylinder-head-sector address as stored in the 3-byte
// legacy CHS fields; the kernel does not interpret it (LBA fields are
// authoritative) but preserves it for round-trip fidelity (spec.md §8,
// "MBR round-trip").
type CHSAddress [3]byte

// Entry is one parsed 16-byte MBR partition table entry.
type Entry struct {
	Bootable  bool
	CHSStart  CHSAddress
	Kind      Kind
	CHSEnd    CHSAddress
	LBAStart  uint32
	BlockCount uint32
}

// Table is the four-entry parsed MBR partition table.
type Table struct {
	Entries [partitionCount]Entry
}

// Parse decodes a 512-byte MBR sector into a Table. It fails with
// ErrCorrupted if the trailing 0x55 0xAA signature is absent.
func Parse(sector []byte) (Table, error) {
	if len(sector) != SectorSize {
		return Table{}, kernelerrors.ErrInvalidParameter
	}
	if sector[signatureOffset] != signatureLow || sector[signatureOffset+1] != signatureHigh {
		return Table{}, kernelerrors.ErrCorrupted
	}

	var table Table
	for i := 0; i < partitionCount; i++ {
		offset := partitionTableOffset + i*partitionEntrySize
		raw := sector[offset : offset+partitionEntrySize]
		table.Entries[i] = Entry{
			Bootable:   raw[0] == 0x80,
			CHSStart:   CHSAddress{raw[1], raw[2], raw[3]},
			Kind:       Kind(raw[4]),
			CHSEnd:     CHSAddress{raw[5], raw[6], raw[7]},
			LBAStart:   binary.LittleEndian.Uint32(raw[8:12]),
			BlockCount: binary.LittleEndian.Uint32(raw[12:16]),
		}
	}
	return table, nil
}

// Serialize writes table back into a 512-byte sector in the on-media
// format, bootstrap code zeroed (the kernel never executes it).
func (t Table) Serialize() []byte {
	sector := make([]byte, SectorSize)
	for i, entry := range t.Entries {
		offset := partitionTableOffset + i*partitionEntrySize
		raw := sector[offset : offset+partitionEntrySize]
		if entry.Bootable {
			raw[0] = 0x80
		}
		raw[1], raw[2], raw[3] = entry.CHSStart[0], entry.CHSStart[1], entry.CHSStart[2]
		raw[4] = byte(entry.Kind)
		raw[5], raw[6], raw[7] = entry.CHSEnd[0], entry.CHSEnd[1], entry.CHSEnd[2]
		binary.LittleEndian.PutUint32(raw[8:12], entry.LBAStart)
		binary.LittleEndian.PutUint32(raw[12:16], entry.BlockCount)
	}
	sector[signatureOffset] = signatureLow
	sector[signatureOffset+1] = signatureHigh
	return sector
}

// Valid reports whether entry describes a usable partition: non-empty
// kind and an lba_start respecting MinimumLBAStart.
func (e Entry) Valid() bool {
	return e.Kind != KindEmpty && e.LBAStart >= MinimumLBAStart && e.BlockCount > 0
}
