// Package owner implements the ownership/privilege checks the Registry
// Core runs before any mutation (spec.md §4.6): owner vs
// owner-with-change-owners vs admin.
package owner

import (
	"context"

	"tddb/internal/storage"
)

// AdminChecker reports whether a user holds the global admin role, which
// supersedes per-module ownership for every check in this package.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) bool
}

// StaticAdmins is the simplest AdminChecker: a fixed set configured at
// startup, the way the teacher's cmd/schemaregistry/main.go wires
// configuration flags straight into component constructors.
type StaticAdmins map[string]bool

func (s StaticAdmins) IsAdmin(ctx context.Context, userID string) bool {
	return s[userID]
}

// Checker answers the mutation/change-owners/admin questions the Registry
// Core's pipelines need, reading owner records from the Storage Port.
type Checker struct {
	Store storage.Port
	Admin AdminChecker
}

func New(store storage.Port, admin AdminChecker) *Checker {
	return &Checker{Store: store, Admin: admin}
}

// RequireMutate succeeds iff userID is an admin or any owner of module.
func (c *Checker) RequireMutate(ctx context.Context, module, userID string) error {
	if c.Admin != nil && c.Admin.IsAdmin(ctx, userID) {
		return nil
	}
	owners, err := c.Store.GetOwnersForModule(ctx, module)
	if err != nil {
		return err
	}
	for _, o := range owners {
		if o.UserID == userID {
			return nil
		}
	}
	return errNoSuchPrivilege
}

// RequireChangeOwners succeeds iff userID is an admin, or an owner with
// ChangeOwnersAllowed set.
func (c *Checker) RequireChangeOwners(ctx context.Context, module, userID string) error {
	if c.Admin != nil && c.Admin.IsAdmin(ctx, userID) {
		return nil
	}
	owners, err := c.Store.GetOwnersForModule(ctx, module)
	if err != nil {
		return err
	}
	for _, o := range owners {
		if o.UserID == userID && o.ChangeOwnersAllowed {
			return nil
		}
	}
	return errNoSuchPrivilege
}

// RequireAdmin succeeds iff userID is an admin: used for registration
// request approval/refusal and module retirement.
func (c *Checker) RequireAdmin(ctx context.Context, userID string) error {
	if c.Admin != nil && c.Admin.IsAdmin(ctx, userID) {
		return nil
	}
	return errNoSuchPrivilege
}

// errNoSuchPrivilege is a sentinel the registry package maps onto
// registry.ErrNoSuchPrivilege at the call site, keeping this package free
// of a dependency on the registry package's richer error type.
type privilegeError struct{}

func (privilegeError) Error() string { return "owner: caller lacks required privilege" }

var errNoSuchPrivilege error = privilegeError{}

// IsNoSuchPrivilege reports whether err originated from this package's
// privilege checks.
func IsNoSuchPrivilege(err error) bool {
	_, ok := err.(privilegeError)
	return ok
}
