package vpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAbsoluteAndRoot(t *testing.T) {
	p, err := New("/a/b/c")
	require.NoError(t, err)
	assert.True(t, p.IsAbsolute())
	assert.False(t, p.IsRoot())

	root := MustNew("/")
	assert.True(t, root.IsRoot())
}

func TestGoParent(t *testing.T) {
	p := MustNew("/a/b/c")
	assert.Equal(t, "/a/b", p.GoParent().String())
	assert.Equal(t, "/a", p.GoParent().GoParent().String())
	assert.Equal(t, "/", p.GoParent().GoParent().GoParent().String())
	assert.Equal(t, "/", p.GoParent().GoParent().GoParent().GoParent().String())
}

func TestJoin(t *testing.T) {
	p := MustNew("/a/b")
	assert.Equal(t, "/a/b/c", p.Join("c").String())
	assert.Equal(t, "/a/b/c", p.Join("/c").String())
}

func TestStripPrefixLongestMount(t *testing.T) {
	target := MustNew("/a/b/c/x")
	prefix := MustNew("/a/b")
	remainder, err := target.StripPrefix(prefix)
	require.NoError(t, err)
	assert.Equal(t, "/c/x", remainder.String())
}

func TestStripPrefixRoot(t *testing.T) {
	target := MustNew("/a/b")
	remainder, err := target.StripPrefix(MustNew("/"))
	require.NoError(t, err)
	assert.Equal(t, "/a/b", remainder.String())
}

func TestGetFileNameAndExtension(t *testing.T) {
	p := MustNew("/dir/file.txt")
	assert.Equal(t, "file.txt", p.GetFileName())
	assert.Equal(t, "txt", p.GetExtension())

	noExt := MustNew("/dir/file")
	assert.Equal(t, "", noExt.GetExtension())
}

func TestSetExtension(t *testing.T) {
	p := MustNew("/dir/file.txt")
	assert.Equal(t, "/dir/file.md", p.SetExtension("md").String())
}

func TestNewRejectsEmpty(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
