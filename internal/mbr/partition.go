package mbr

import (
	"context"

	"github.com/xila-project/core/internal/device"
	"github.com/xila-project/core/internal/kernelerrors"
)

// PartitionDevice exposes one MBR entry as a device.BlockDevice, forwarding
// reads/writes to the parent device with an LBA offset and refusing
// accesses outside [lba_start, lba_start+block_count) with
// ErrInvalidParameter (spec.md §4.4/§8).
type PartitionDevice struct {
	parent    device.BlockDevice
	lbaStart  uint32
	blockCount uint32
	blockSize int
}

// NewPartitionDevice wraps entry as a BlockDevice over parent, whose block
// size is queried once at construction.
func NewPartitionDevice(ctx context.Context, parent device.BlockDevice, entry Entry) (*PartitionDevice, error) {
	if !entry.Valid() {
		return nil, kernelerrors.ErrInvalidParameter
	}
	blockSize, err := parent.GetBlockSize(ctx)
	if err != nil {
		return nil, err
	}
	parentBlocks, err := parent.GetBlockCount(ctx)
	if err != nil {
		return nil, err
	}
	if uint64(entry.LBAStart)+uint64(entry.BlockCount) > parentBlocks {
		return nil, kernelerrors.ErrInvalidParameter
	}
	return &PartitionDevice{
		parent:     parent,
		lbaStart:   entry.LBAStart,
		blockCount: entry.BlockCount,
		blockSize:  blockSize,
	}, nil
}

// translate converts a partition-relative byte position into an absolute
// byte offset on the parent device, failing with ErrInvalidParameter if
// the access would leave [0, block_count) (spec.md §8 scenario 5).
func (p *PartitionDevice) translate(blockPos int64) (int64, error) {
	block := blockPos / int64(p.blockSize)
	if block < 0 || uint32(block) >= p.blockCount {
		return 0, kernelerrors.ErrInvalidParameter
	}
	offset := blockPos % int64(p.blockSize)
	absoluteBlock := int64(p.lbaStart) + block
	return absoluteBlock*int64(p.blockSize) + offset, nil
}

func (p *PartitionDevice) Open(ctx context.Context) (device.Context, error) {
	return p.parent.Open(ctx)
}

func (p *PartitionDevice) Close(ctx context.Context, deviceCtx device.Context) error {
	return p.parent.Close(ctx, deviceCtx)
}

func (p *PartitionDevice) Read(ctx context.Context, deviceCtx device.Context, buf []byte, pos int64) (int, error) {
	absolute, err := p.translate(pos)
	if err != nil {
		return 0, err
	}
	if err := p.boundCheck(pos, len(buf)); err != nil {
		return 0, err
	}
	return p.parent.Read(ctx, deviceCtx, buf, absolute)
}

func (p *PartitionDevice) Write(ctx context.Context, deviceCtx device.Context, buf []byte, pos int64) (int, error) {
	absolute, err := p.translate(pos)
	if err != nil {
		return 0, err
	}
	if err := p.boundCheck(pos, len(buf)); err != nil {
		return 0, err
	}
	return p.parent.Write(ctx, deviceCtx, buf, absolute)
}

// boundCheck ensures a multi-block access starting at pos does not cross
// the partition's upper bound.
func (p *PartitionDevice) boundCheck(pos int64, bufLen int) error {
	lastByte := pos + int64(bufLen) - 1
	if bufLen == 0 {
		lastByte = pos
	}
	lastBlock := lastByte / int64(p.blockSize)
	if lastBlock < 0 || uint32(lastBlock) >= p.blockCount {
		return kernelerrors.ErrInvalidParameter
	}
	return nil
}

func (p *PartitionDevice) SetPosition(ctx context.Context, deviceCtx device.Context, pos int64) (int64, error) {
	if _, err := p.translate(pos); err != nil {
		return 0, err
	}
	return pos, nil
}

func (p *PartitionDevice) Flush(ctx context.Context, deviceCtx device.Context) error {
	return p.parent.Flush(ctx, deviceCtx)
}

func (p *PartitionDevice) Control(ctx context.Context, deviceCtx device.Context, cmd device.ControlCommand, arg any) (any, error) {
	switch cmd {
	case device.ControlGetBlockSize:
		return p.blockSize, nil
	case device.ControlGetBlockCount:
		return device.Size(p.blockCount), nil
	default:
		return p.parent.Control(ctx, deviceCtx, cmd, arg)
	}
}

func (p *PartitionDevice) CloneContext(ctx context.Context, deviceCtx device.Context) (device.Context, error) {
	return p.parent.CloneContext(ctx, deviceCtx)
}

func (p *PartitionDevice) GetBlockSize(ctx context.Context) (int, error) {
	return p.blockSize, nil
}

func (p *PartitionDevice) GetBlockCount(ctx context.Context) (device.Size, error) {
	return device.Size(p.blockCount), nil
}

var _ device.BlockDevice = (*PartitionDevice)(nil)
