package pipefs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xila-project/core/internal/flags"
	"github.com/xila-project/core/internal/kernelerrors"
	"github.com/xila-project/core/internal/vpath"
)

func mustPath(raw string) vpath.Path { return vpath.MustNew(raw) }

// TestUnnamedPipeScenario reproduces spec.md §8 scenario 3: capacity-8
// pipe, a blocking write of 10 bytes across two calls, a reader draining
// exactly what was written, then a non-blocking read on an empty buffer
// with an open writer returning ResourceBusy.
func TestUnnamedPipeScenario(t *testing.T) {
	fs := New()
	ctx := context.Background()

	read, write, err := fs.CreateUnnamedPipe(ctx, 0, 8)
	require.NoError(t, err)

	n, err := fs.Write(ctx, write, []byte("abcdefgh"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	readBuf := make([]byte, 8)
	n, err = fs.Read(ctx, read, readBuf)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, "abcdefgh", string(readBuf))

	n, err = fs.Write(ctx, write, []byte("ij"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	readBuf2 := make([]byte, 2)
	n, err = fs.Read(ctx, read, readBuf2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "ij", string(readBuf2))

	// Make the read handle non-blocking for the final probe.
	hd, err := asHandle(read)
	require.NoError(t, err)
	hd.file.flags.Status |= flags.StatusNonBlocking

	_, err = fs.Read(ctx, read, readBuf2)
	assert.ErrorIs(t, err, kernelerrors.ErrResourceBusy)
}

func TestPipeEOFAfterWriterClose(t *testing.T) {
	fs := New()
	ctx := context.Background()

	read, write, err := fs.CreateUnnamedPipe(ctx, 0, 8)
	require.NoError(t, err)

	require.NoError(t, fs.Close(ctx, write))

	buf := make([]byte, 4)
	n, err := fs.Read(ctx, read, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n) // EOF, not ResourceBusy, once no writer remains
}

func TestNamedPipeByPath(t *testing.T) {
	fs := New()
	ctx := context.Background()

	id, err := fs.CreateNamedPipe(ctx, mustPath("/mypipe"), 16)
	require.NoError(t, err)
	assert.NotZero(t, id)

	write, err := fs.Open(ctx, mustPath("/mypipe"), flags.New(flags.ModeWriteOnly, 0, 0))
	require.NoError(t, err)
	read, err := fs.Open(ctx, mustPath("/mypipe"), flags.New(flags.ModeReadOnly, 0, 0))
	require.NoError(t, err)

	_, err = fs.Write(ctx, write, []byte("hi"))
	require.NoError(t, err)

	buf := make([]byte, 2)
	n, err := fs.Read(ctx, read, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
}

func TestOpenNonexistentNamedPipe(t *testing.T) {
	fs := New()
	ctx := context.Background()
	_, err := fs.Open(ctx, mustPath("/nope"), flags.New(flags.ModeReadOnly, 0, 0))
	assert.ErrorIs(t, err, kernelerrors.ErrNotFound)
}
