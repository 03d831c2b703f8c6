package device

import (
	"context"
	"sync"

	"github.com/xila-project/core/internal/kernelerrors"
	"github.com/xila-project/core/internal/lock"
)

// MemoryDevice is a BlockDevice backed by a flat in-memory byte slice. It
// is the kernel's stand-in for RAM-backed storage on the host-hosted
// development target, and the device every §8 scenario test mounts the
// littlefs driver on.
type MemoryDevice struct {
	blockSize  int
	blockCount Size
	guard      *lock.CriticalSectionMutex[[]byte]
	openOnce   sync.Once
}

// NewMemoryDevice allocates a zero-filled device of blockCount blocks of
// blockSize bytes each.
func NewMemoryDevice(blockSize int, blockCount Size) *MemoryDevice {
	data := make([]byte, int(blockCount)*blockSize)
	return &MemoryDevice{
		blockSize:  blockSize,
		blockCount: blockCount,
		guard:      lock.NewCriticalSectionMutex(data),
	}
}

type memoryContext struct{}

func (d *MemoryDevice) Open(ctx context.Context) (Context, error) {
	return memoryContext{}, nil
}

func (d *MemoryDevice) Close(ctx context.Context, deviceCtx Context) error {
	return nil
}

func (d *MemoryDevice) Read(ctx context.Context, deviceCtx Context, buf []byte, pos int64) (int, error) {
	if pos < 0 {
		return 0, kernelerrors.ErrInvalidParameter
	}
	var n int
	var rerr error
	d.guard.Lock(func(data *[]byte) {
		if pos > int64(len(*data)) {
			rerr = kernelerrors.ErrInvalidParameter
			return
		}
		n = copy(buf, (*data)[pos:])
	})
	return n, rerr
}

func (d *MemoryDevice) Write(ctx context.Context, deviceCtx Context, buf []byte, pos int64) (int, error) {
	if pos < 0 {
		return 0, kernelerrors.ErrInvalidParameter
	}
	var n int
	var werr error
	d.guard.Lock(func(data *[]byte) {
		end := pos + int64(len(buf))
		if end > int64(len(*data)) {
			werr = kernelerrors.ErrNoSpaceLeft
			return
		}
		n = copy((*data)[pos:end], buf)
	})
	return n, werr
}

func (d *MemoryDevice) SetPosition(ctx context.Context, deviceCtx Context, pos int64) (int64, error) {
	return pos, nil
}

func (d *MemoryDevice) Flush(ctx context.Context, deviceCtx Context) error {
	return nil
}

func (d *MemoryDevice) Control(ctx context.Context, deviceCtx Context, cmd ControlCommand, arg any) (any, error) {
	switch cmd {
	case ControlGetBlockSize:
		return d.blockSize, nil
	case ControlGetBlockCount:
		return d.blockCount, nil
	default:
		return nil, kernelerrors.ErrUnsupportedOperation
	}
}

func (d *MemoryDevice) CloneContext(ctx context.Context, deviceCtx Context) (Context, error) {
	return memoryContext{}, nil
}

func (d *MemoryDevice) GetBlockSize(ctx context.Context) (int, error) {
	return d.blockSize, nil
}

func (d *MemoryDevice) GetBlockCount(ctx context.Context) (Size, error) {
	return d.blockCount, nil
}

var _ BlockDevice = (*MemoryDevice)(nil)
