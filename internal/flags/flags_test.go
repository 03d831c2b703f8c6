package flags

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModeGetters(t *testing.T) {
	assert.True(t, ModeReadOnly.GetRead())
	assert.False(t, ModeReadOnly.GetWrite())

	assert.False(t, ModeWriteOnly.GetRead())
	assert.True(t, ModeWriteOnly.GetWrite())

	assert.True(t, ModeReadWrite.GetRead())
	assert.True(t, ModeReadWrite.GetWrite())
}

func TestValidateRejectsCreateOnlyWithoutCreate(t *testing.T) {
	f := New(ModeReadWrite, OpenCreateOnly, 0)
	assert.Error(t, f.Validate())
}

func TestValidateRejectsTruncateOnReadOnly(t *testing.T) {
	f := New(ModeReadOnly, OpenTruncate, 0)
	assert.Error(t, f.Validate())
}

func TestValidateRejectsDirectoryWithWrite(t *testing.T) {
	f := New(ModeReadWrite, OpenDirectory, 0)
	assert.Error(t, f.Validate())
}

func TestValidateAcceptsOrdinaryCreate(t *testing.T) {
	f := New(ModeReadWrite, OpenCreate, StatusNonBlocking)
	assert.NoError(t, f.Validate())
}
