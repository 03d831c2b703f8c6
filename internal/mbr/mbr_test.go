package mbr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xila-project/core/internal/device"
	"github.com/xila-project/core/internal/kernelerrors"
)

func TestRoundTrip(t *testing.T) {
	table := Table{}
	table.Entries[0] = Entry{
		Bootable:   true,
		Kind:       KindFAT32LBA,
		LBAStart:   2048,
		BlockCount: 204800,
	}
	sector := table.Serialize()
	assert.Equal(t, byte(0x55), sector[signatureOffset])
	assert.Equal(t, byte(0xAA), sector[signatureOffset+1])

	parsed, err := Parse(sector)
	require.NoError(t, err)
	assert.Equal(t, table.Entries[0], parsed.Entries[0])
}

func TestParseRejectsBadSignature(t *testing.T) {
	sector := make([]byte, SectorSize)
	_, err := Parse(sector)
	assert.Error(t, err)
}

func TestPartitionBounds(t *testing.T) {
	ctx := context.Background()
	parent := device.NewMemoryDevice(512, 1<<20)

	entry := Entry{Kind: KindFAT32LBA, LBAStart: 2048, BlockCount: 204800}
	part, err := NewPartitionDevice(ctx, parent, entry)
	require.NoError(t, err)

	count, err := part.GetBlockCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 204800, count)

	buf := make([]byte, 512)
	_, err = part.Read(ctx, nil, buf, 0)
	require.NoError(t, err)

	_, err = part.Read(ctx, nil, buf, 204800*512)
	assert.ErrorIs(t, err, kernelerrors.ErrInvalidParameter)
}
