package device

import (
	"context"
	"os"

	"github.com/xila-project/core/internal/kernelerrors"
)

// FileBackedDevice is a BlockDevice over an *os.File: a disk image on the
// host target's real file system, standing in for the flash/SD media a
// bare-metal build would drive directly.
//
// Grounded on backend/local's raw positioned I/O (preallocate_unix.go,
// stat_unix.go): a single *os.File opened once, read and written with
// ReadAt/WriteAt rather than a shared seek cursor, so concurrent callers
// (each passing its own byte position to Read/Write) never interleave.
type FileBackedDevice struct {
	path       string
	blockSize  int
	blockCount Size
	file       *os.File
}

// OpenFileBackedDevice opens (without creating) the disk image at path,
// validating it is at least blockCount*blockSize bytes long.
func OpenFileBackedDevice(path string, blockSize int, blockCount Size) (*FileBackedDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, kernelerrors.ErrInputOutput
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, kernelerrors.ErrInputOutput
	}
	if info.Size() < int64(blockCount)*int64(blockSize) {
		_ = f.Close()
		return nil, kernelerrors.ErrInvalidParameter
	}
	return &FileBackedDevice{path: path, blockSize: blockSize, blockCount: blockCount, file: f}, nil
}

// CreateFileBackedDevice creates a zero-filled disk image of exactly
// blockCount*blockSize bytes at path, truncating any existing contents.
func CreateFileBackedDevice(path string, blockSize int, blockCount Size) (*FileBackedDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, kernelerrors.ErrInputOutput
	}
	if err := f.Truncate(int64(blockCount) * int64(blockSize)); err != nil {
		_ = f.Close()
		return nil, kernelerrors.ErrInputOutput
	}
	return &FileBackedDevice{path: path, blockSize: blockSize, blockCount: blockCount, file: f}, nil
}

type fileContext struct{}

func (d *FileBackedDevice) Open(ctx context.Context) (Context, error) {
	return fileContext{}, nil
}

func (d *FileBackedDevice) Close(ctx context.Context, deviceCtx Context) error {
	return d.file.Close()
}

func (d *FileBackedDevice) Read(ctx context.Context, deviceCtx Context, buf []byte, pos int64) (int, error) {
	n, err := d.file.ReadAt(buf, pos)
	if err != nil && n == 0 {
		return 0, kernelerrors.ErrInputOutput
	}
	return n, nil
}

func (d *FileBackedDevice) Write(ctx context.Context, deviceCtx Context, buf []byte, pos int64) (int, error) {
	n, err := d.file.WriteAt(buf, pos)
	if err != nil {
		return n, kernelerrors.ErrInputOutput
	}
	return n, nil
}

func (d *FileBackedDevice) SetPosition(ctx context.Context, deviceCtx Context, pos int64) (int64, error) {
	return pos, nil
}

func (d *FileBackedDevice) Flush(ctx context.Context, deviceCtx Context) error {
	if err := d.file.Sync(); err != nil {
		return kernelerrors.ErrInputOutput
	}
	return nil
}

func (d *FileBackedDevice) Control(ctx context.Context, deviceCtx Context, cmd ControlCommand, arg any) (any, error) {
	switch cmd {
	case ControlGetBlockSize:
		return d.blockSize, nil
	case ControlGetBlockCount:
		return d.blockCount, nil
	default:
		return nil, kernelerrors.ErrUnsupportedOperation
	}
}

func (d *FileBackedDevice) CloneContext(ctx context.Context, deviceCtx Context) (Context, error) {
	return fileContext{}, nil
}

func (d *FileBackedDevice) GetBlockSize(ctx context.Context) (int, error) {
	return d.blockSize, nil
}

func (d *FileBackedDevice) GetBlockCount(ctx context.Context) (Size, error) {
	return d.blockCount, nil
}

var _ BlockDevice = (*FileBackedDevice)(nil)
