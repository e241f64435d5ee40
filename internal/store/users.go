// ABOUTME: User and role operations on the configuration store
// ABOUTME: Registration, approval, rejection, blocking and promotion rules

package store

import (
	"context"
	"slices"
)

// GetUser returns the user record for id.
func (s *Store) GetUser(id UserID) (User, error) {
	var (
		u  User
		ok bool
	)
	s.view(func(d *Document) { u, ok = d.Users[id] })
	if !ok {
		return User{}, notFound("user", id.String())
	}
	return u, nil
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers() []User {
	var out []User
	s.view(func(d *Document) {
		out = make([]User, 0, len(d.Users))
		for _, u := range d.Users {
			out = append(out, u)
		}
	})
	slices.SortFunc(out, func(a, b User) int { return compareIDs(a.ID, b.ID) })
	return out
}

// AdminID returns the bootstrap admin identity.
func (s *Store) AdminID() UserID {
	var id UserID
	s.view(func(d *Document) { id = d.AdminID })
	return id
}

// SetRole assigns role to a user, creating the record if needed. The
// bootstrap admin's role cannot be changed.
func (s *Store) SetRole(ctx context.Context, id UserID, role Role) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	if id <= 0 {
		return invalid("user_id", "must be positive")
	}
	return s.mutate(ctx, "set_role", false, func(d *Document) ([]Change, error) {
		if id == d.AdminID && role != RoleAdmin {
			return nil, invalid("role", "the bootstrap admin's role cannot be changed")
		}
		u, ok := d.Users[id]
		if ok && u.Role == role {
			return nil, nil
		}
		if !ok {
			u = User{ID: id, CreatedAt: s.now().UTC()}
		}
		u.Role = role
		d.Users[id] = u
		return []Change{{Kind: ChangeUser, UserID: id}}, nil
	})
}

// RegisterPending records a first-contact user as pending. Existing users are
// returned unchanged apart from a refreshed username. created reports
// whether a new record was made.
func (s *Store) RegisterPending(ctx context.Context, id UserID, username string) (u User, created bool, err error) {
	if id <= 0 {
		return User{}, false, invalid("user_id", "must be positive")
	}
	err = s.mutate(ctx, "register_pending", false, func(d *Document) ([]Change, error) {
		existing, ok := d.Users[id]
		if ok {
			u = existing
			if username == "" || existing.Username == username {
				return nil, nil
			}
			existing.Username = username
			d.Users[id] = existing
			u = existing
			return []Change{{Kind: ChangeUser, UserID: id}}, nil
		}
		u = User{ID: id, Role: RolePending, Username: username, CreatedAt: s.now().UTC()}
		d.Users[id] = u
		created = true
		return []Change{{Kind: ChangeUser, UserID: id}}, nil
	})
	return u, created, err
}

// Approve moves a pending user to the user role. Blocked users must be
// unblocked first.
func (s *Store) Approve(ctx context.Context, id UserID) error {
	return s.transition(ctx, "approve_user", id, func(d *Document, u *User) error {
		switch u.Role {
		case RoleBlocked:
			return invalid("user", "%s is blocked; unblock before approving", id)
		case RolePending:
			u.Role = RoleUser
		}
		return nil
	})
}

// Reject deletes a pending user's record and any grants it held.
func (s *Store) Reject(ctx context.Context, id UserID) error {
	return s.mutate(ctx, "reject_user", false, func(d *Document) ([]Change, error) {
		u, ok := d.Users[id]
		if !ok {
			return nil, notFound("user", id.String())
		}
		if u.Role != RolePending {
			return nil, invalid("user", "%s is %s, only pending users can be rejected", id, u.Role)
		}
		delete(d.Users, id)
		delete(d.ServerAccess, id)
		return []Change{{Kind: ChangeUser, UserID: id}}, nil
	})
}

// Block bars a user from all access. Admins and the acting user themselves
// cannot be blocked.
func (s *Store) Block(ctx context.Context, actor, id UserID) error {
	if actor == id {
		return invalid("user", "you cannot block yourself")
	}
	return s.transition(ctx, "block_user", id, func(d *Document, u *User) error {
		if u.Role == RoleAdmin {
			return invalid("user", "%s is an admin and cannot be blocked", id)
		}
		u.Role = RoleBlocked
		return nil
	})
}

// Unblock returns a blocked user to pending approval.
func (s *Store) Unblock(ctx context.Context, id UserID) error {
	return s.transition(ctx, "unblock_user", id, func(d *Document, u *User) error {
		if u.Role != RoleBlocked {
			return invalid("user", "%s is not blocked", id)
		}
		u.Role = RolePending
		return nil
	})
}

// Promote makes an approved user an admin.
func (s *Store) Promote(ctx context.Context, id UserID) error {
	return s.transition(ctx, "promote_user", id, func(d *Document, u *User) error {
		switch u.Role {
		case RolePending, RoleBlocked:
			return invalid("user", "%s is %s and cannot be promoted", id, u.Role)
		}
		u.Role = RoleAdmin
		return nil
	})
}

// transition loads a user, applies fn and records a change if the role moved.
func (s *Store) transition(ctx context.Context, op string, id UserID, fn func(d *Document, u *User) error) error {
	return s.mutate(ctx, op, false, func(d *Document) ([]Change, error) {
		u, ok := d.Users[id]
		if !ok {
			return nil, notFound("user", id.String())
		}
		before := u.Role
		if err := fn(d, &u); err != nil {
			return nil, err
		}
		if u.Role == before {
			return nil, nil
		}
		d.Users[id] = u
		return []Change{{Kind: ChangeUser, UserID: id}}, nil
	})
}

func compareIDs(a, b UserID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
