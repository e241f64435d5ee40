// Package access decides whether a user may act on a server.
//
// # Decision Table
//
// Authorization is evaluated in order and the first matching row wins:
//
//  1. role blocked               → denied (blocked)
//  2. role pending (or unknown)  → denied (pending_approval)
//  3. role admin                 → allowed
//  4. grant ≥ required level     → allowed
//  5. otherwise                  → denied (insufficient_access)
//
// Levels are ordered none < read < trade < manage. An explicit none grant
// and a missing grant both fall through to row 5. Admins never need grants.
//
// # Usage
//
//	gate := access.NewGate(st)
//	if err := gate.Authorize(userID, "main", store.AccessTrade).Err(); err != nil {
//	    // errors.Is(err, access.ErrPermissionDenied)
//	}
//
// A denial carries its Reason so callers can tell a pending user they are
// awaiting approval rather than simply refusing.
package access
