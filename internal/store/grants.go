// ABOUTME: Per-server access grant operations on the configuration store
// ABOUTME: A grant maps (user, server) to none, read, trade or manage

package store

import (
	"context"
	"maps"
)

// GrantAccess sets the level a user holds on a server. An explicit none grant
// is recorded as such.
func (s *Store) GrantAccess(ctx context.Context, userID UserID, serverID string, level AccessLevel) error {
	if _, err := ParseAccessLevel(string(level)); err != nil {
		return err
	}
	return s.mutate(ctx, "grant_access", false, func(d *Document) ([]Change, error) {
		if _, ok := d.Servers[serverID]; !ok {
			return nil, notFound("server", serverID)
		}
		if _, ok := d.Users[userID]; !ok {
			return nil, notFound("user", userID.String())
		}
		if cur, ok := d.ServerAccess[userID][serverID]; ok && cur == level {
			return nil, nil
		}
		setGrant(d, userID, serverID, level)
		return []Change{{Kind: ChangeGrant, UserID: userID, ServerID: serverID}}, nil
	})
}

// RevokeAccess removes a grant. Revoking an absent grant succeeds.
func (s *Store) RevokeAccess(ctx context.Context, userID UserID, serverID string) error {
	return s.mutate(ctx, "revoke_access", false, func(d *Document) ([]Change, error) {
		grants, ok := d.ServerAccess[userID]
		if !ok {
			return nil, nil
		}
		if _, ok := grants[serverID]; !ok {
			return nil, nil
		}
		delete(grants, serverID)
		if len(grants) == 0 {
			delete(d.ServerAccess, userID)
		}
		return []Change{{Kind: ChangeGrant, UserID: userID, ServerID: serverID}}, nil
	})
}

// Grant returns the explicit level a user holds on a server.
func (s *Store) Grant(userID UserID, serverID string) (AccessLevel, bool) {
	var (
		l  AccessLevel
		ok bool
	)
	s.view(func(d *Document) { l, ok = d.ServerAccess[userID][serverID] })
	return l, ok
}

// GrantsForUser returns every explicit grant a user holds, keyed by server id.
func (s *Store) GrantsForUser(userID UserID) map[string]AccessLevel {
	var out map[string]AccessLevel
	s.view(func(d *Document) { out = maps.Clone(d.ServerAccess[userID]) })
	if out == nil {
		out = map[string]AccessLevel{}
	}
	return out
}

// GrantsForServer returns every explicit grant on a server, keyed by user.
func (s *Store) GrantsForServer(serverID string) map[UserID]AccessLevel {
	out := map[UserID]AccessLevel{}
	s.view(func(d *Document) {
		for u, grants := range d.ServerAccess {
			if l, ok := grants[serverID]; ok {
				out[u] = l
			}
		}
	})
	return out
}

func setGrant(d *Document, userID UserID, serverID string, level AccessLevel) {
	grants, ok := d.ServerAccess[userID]
	if !ok {
		grants = make(map[string]AccessLevel)
		d.ServerAccess[userID] = grants
	}
	grants[serverID] = level
}
