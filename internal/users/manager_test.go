package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xila-project/core/internal/identifier"
)

func TestManagerSeedsRoot(t *testing.T) {
	m := New()
	ctx := context.Background()

	root, err := m.LookupUser(ctx, identifier.RootUser)
	require.NoError(t, err)
	assert.Equal(t, "root", root.Name)

	isMember, err := m.IsMember(ctx, identifier.RootUser, identifier.RootGroup)
	require.NoError(t, err)
	assert.True(t, isMember)
}

func TestCreateUserAndGroup(t *testing.T) {
	m := New()
	ctx := context.Background()

	gid, err := m.CreateGroup(ctx, "staff")
	require.NoError(t, err)

	uid, err := m.CreateUser(ctx, "alice", gid)
	require.NoError(t, err)

	u, err := m.LookupUser(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name)
	assert.Equal(t, gid, u.PrimaryGroup)

	isMember, err := m.IsMember(ctx, uid, gid)
	require.NoError(t, err)
	assert.True(t, isMember)

	_, err = m.CreateUser(ctx, "alice", gid)
	assert.Error(t, err)
}
