package owner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tddb/internal/storage/memkv"
)

func TestChecker_RequireMutate(t *testing.T) {
	ctx := context.Background()
	store := memkv.NewMemoryStore()
	require.NoError(t, store.AddOwnerToModule(ctx, "Workspace", "alice", false))

	c := New(store, nil)
	assert.NoError(t, c.RequireMutate(ctx, "Workspace", "alice"))
	err := c.RequireMutate(ctx, "Workspace", "mallory")
	assert.True(t, IsNoSuchPrivilege(err))
}

func TestChecker_RequireChangeOwners(t *testing.T) {
	ctx := context.Background()
	store := memkv.NewMemoryStore()
	require.NoError(t, store.AddOwnerToModule(ctx, "Workspace", "alice", true))
	require.NoError(t, store.AddOwnerToModule(ctx, "Workspace", "bob", false))

	c := New(store, nil)
	assert.NoError(t, c.RequireChangeOwners(ctx, "Workspace", "alice"))
	assert.True(t, IsNoSuchPrivilege(c.RequireChangeOwners(ctx, "Workspace", "bob")))
}

func TestChecker_AdminSupersedesOwnership(t *testing.T) {
	ctx := context.Background()
	store := memkv.NewMemoryStore()
	c := New(store, StaticAdmins{"root": true})

	assert.NoError(t, c.RequireMutate(ctx, "Workspace", "root"))
	assert.NoError(t, c.RequireChangeOwners(ctx, "Workspace", "root"))
	assert.NoError(t, c.RequireAdmin(ctx, "root"))
	assert.True(t, IsNoSuchPrivilege(c.RequireAdmin(ctx, "alice")))
}
