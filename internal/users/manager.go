// Package users is the in-memory identity store named as an in-scope
// collaborator in spec.md §1. It maps UserIdentifier/GroupIdentifier to
// names and group membership for permission checks elsewhere in the
// kernel; it does not authenticate (password hashing is out of scope,
// spec.md §1).
//
// Grounded on _examples/original_source/modules/users/src/manager.rs: a
// single lock-guarded map of users and groups, seeded with a root user
// and root group at construction, with linear-scan identifier allocation.
package users

import (
	"context"

	"github.com/xila-project/core/internal/identifier"
	"github.com/xila-project/core/internal/kernelerrors"
	"github.com/xila-project/core/internal/lock"
)

// maximumUser/maximumGroup are the last allocatable identifiers: both
// identifier types are backed by uint16 (identifier.go), and the Rust
// original (manager.rs) checks its own MAXIMUM bound before allocating
// rather than scanning forever once the space is exhausted.
const (
	maximumUser  = identifier.UserIdentifier(^uint16(0))
	maximumGroup = identifier.GroupIdentifier(^uint16(0))
)

// User is one identity record.
type User struct {
	Name         string
	PrimaryGroup identifier.GroupIdentifier
}

// Group is one group record.
type Group struct {
	Name    string
	Members map[identifier.UserIdentifier]struct{}
}

type state struct {
	users  map[identifier.UserIdentifier]User
	groups map[identifier.GroupIdentifier]Group
}

// Manager is the identity store. The zero value is not usable; use New.
type Manager struct {
	inner *lock.RwLock[state]
}

// New constructs a Manager seeded with the reserved root user and root
// group (UserIdentifier(0) / GroupIdentifier(0), spec.md §3).
func New() *Manager {
	st := state{
		users: map[identifier.UserIdentifier]User{
			identifier.RootUser: {Name: "root", PrimaryGroup: identifier.RootGroup},
		},
		groups: map[identifier.GroupIdentifier]Group{
			identifier.RootGroup: {Name: "root", Members: map[identifier.UserIdentifier]struct{}{
				identifier.RootUser: {},
			}},
		},
	}
	return &Manager{inner: lock.NewRwLock(st)}
}

// CreateGroup allocates the next free GroupIdentifier and registers name.
func (m *Manager) CreateGroup(ctx context.Context, name string) (identifier.GroupIdentifier, error) {
	var (
		id  identifier.GroupIdentifier
		err error
	)
	writeErr := m.inner.Write(ctx, func(s *state) {
		for _, g := range s.groups {
			if g.Name == name {
				err = kernelerrors.ErrAlreadyExists
				return
			}
		}
		id, err = nextFreeGroup(s.groups)
		if err != nil {
			return
		}
		s.groups[id] = Group{Name: name, Members: map[identifier.UserIdentifier]struct{}{}}
	})
	if writeErr != nil {
		return 0, writeErr
	}
	return id, err
}

// CreateUser allocates the next free UserIdentifier, registers name, and
// adds the user to primaryGroup's membership.
func (m *Manager) CreateUser(ctx context.Context, name string, primaryGroup identifier.GroupIdentifier) (identifier.UserIdentifier, error) {
	var (
		id  identifier.UserIdentifier
		err error
	)
	writeErr := m.inner.Write(ctx, func(s *state) {
		if _, ok := s.groups[primaryGroup]; !ok {
			err = kernelerrors.ErrNotFound
			return
		}
		for _, u := range s.users {
			if u.Name == name {
				err = kernelerrors.ErrAlreadyExists
				return
			}
		}
		id, err = nextFreeUser(s.users)
		if err != nil {
			return
		}
		s.users[id] = User{Name: name, PrimaryGroup: primaryGroup}
		group := s.groups[primaryGroup]
		group.Members[id] = struct{}{}
		s.groups[primaryGroup] = group
	})
	if writeErr != nil {
		return 0, writeErr
	}
	return id, err
}

// AddToGroup adds user as a secondary member of group.
func (m *Manager) AddToGroup(ctx context.Context, user identifier.UserIdentifier, group identifier.GroupIdentifier) error {
	var err error
	writeErr := m.inner.Write(ctx, func(s *state) {
		if _, ok := s.users[user]; !ok {
			err = kernelerrors.ErrNotFound
			return
		}
		g, ok := s.groups[group]
		if !ok {
			err = kernelerrors.ErrNotFound
			return
		}
		g.Members[user] = struct{}{}
		s.groups[group] = g
	})
	if writeErr != nil {
		return writeErr
	}
	return err
}

// LookupUser returns the User record for id.
func (m *Manager) LookupUser(ctx context.Context, id identifier.UserIdentifier) (User, error) {
	var (
		u   User
		err error
	)
	readErr := m.inner.Read(ctx, func(s *state) {
		var ok bool
		u, ok = s.users[id]
		if !ok {
			err = kernelerrors.ErrNotFound
		}
	})
	if readErr != nil {
		return User{}, readErr
	}
	return u, err
}

// LookupGroup returns the Group record for id.
func (m *Manager) LookupGroup(ctx context.Context, id identifier.GroupIdentifier) (Group, error) {
	var (
		g   Group
		err error
	)
	readErr := m.inner.Read(ctx, func(s *state) {
		var ok bool
		g, ok = s.groups[id]
		if !ok {
			err = kernelerrors.ErrNotFound
		}
	})
	if readErr != nil {
		return Group{}, readErr
	}
	return g, err
}

// IsMember reports whether user belongs to group, either as primary or
// secondary membership.
func (m *Manager) IsMember(ctx context.Context, user identifier.UserIdentifier, group identifier.GroupIdentifier) (bool, error) {
	var member bool
	err := m.inner.Read(ctx, func(s *state) {
		u, ok := s.users[user]
		if !ok {
			return
		}
		if u.PrimaryGroup == group {
			member = true
			return
		}
		g, ok := s.groups[group]
		if !ok {
			return
		}
		_, member = g.Members[user]
	})
	return member, err
}

// nextFreeUser scans from UserIdentifier(1) (0 is reserved for root) up
// to maximumUser, returning kernelerrors.ErrNoSpaceLeft once the whole
// 16-bit space is taken rather than looping forever, matching the bound
// check the Rust original's get_new_user_identifier makes against
// UserIdentifier::MAXIMUM.
func nextFreeUser(users map[identifier.UserIdentifier]User) (identifier.UserIdentifier, error) {
	for id := identifier.UserIdentifier(1); id <= maximumUser; id++ {
		if _, ok := users[id]; !ok {
			return id, nil
		}
		if id == maximumUser {
			break
		}
	}
	return 0, kernelerrors.ErrNoSpaceLeft
}

// nextFreeGroup is CreateGroup's analogue of nextFreeUser.
func nextFreeGroup(groups map[identifier.GroupIdentifier]Group) (identifier.GroupIdentifier, error) {
	for id := identifier.GroupIdentifier(1); id <= maximumGroup; id++ {
		if _, ok := groups[id]; !ok {
			return id, nil
		}
		if id == maximumGroup {
			break
		}
	}
	return 0, kernelerrors.ErrNoSpaceLeft
}
