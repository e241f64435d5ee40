// ABOUTME: Access control gate evaluating role and per-server grants
// ABOUTME: A pure decision table plus a Gate that reads users and grants from a Directory

package access

import (
	"errors"
	"fmt"

	"github.com/2389/condor/internal/store"
)

// ErrPermissionDenied is matched by every DeniedError.
var ErrPermissionDenied = errors.New("permission denied")

// Reason explains a denial.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonBlocked            Reason = "blocked"
	ReasonPendingApproval    Reason = "pending_approval"
	ReasonInsufficientAccess Reason = "insufficient_access"
	ReasonAdminRequired      Reason = "admin_required"
)

// DeniedError is returned for a refused authorization.
type DeniedError struct {
	Reason   Reason
	ServerID string
	Required store.AccessLevel
}

func (e *DeniedError) Error() string {
	switch e.Reason {
	case ReasonBlocked:
		return "permission denied: user is blocked"
	case ReasonPendingApproval:
		return "permission denied: awaiting approval"
	case ReasonAdminRequired:
		return "permission denied: admin only"
	default:
		if e.ServerID != "" {
			return fmt.Sprintf("permission denied: %s access to %q required", e.Required, e.ServerID)
		}
		return "permission denied: insufficient access"
	}
}

func (e *DeniedError) Is(target error) bool { return target == ErrPermissionDenied }

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed  bool
	Reason   Reason
	ServerID string
	Required store.AccessLevel
}

// Err returns nil for an allowed decision and a *DeniedError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Reason: d.Reason, ServerID: d.ServerID, Required: d.Required}
}

// Evaluate applies the decision table. hasGrant reports whether an explicit
// grant exists; level is ignored when it does not.
func Evaluate(role store.Role, level store.AccessLevel, hasGrant bool, required store.AccessLevel) Decision {
	switch role {
	case store.RoleBlocked:
		return Decision{Reason: ReasonBlocked}
	case store.RoleAdmin:
		return Decision{Allowed: true}
	case store.RoleUser:
		if hasGrant && level.AtLeast(required) {
			return Decision{Allowed: true}
		}
		return Decision{Reason: ReasonInsufficientAccess, Required: required}
	default:
		// pending and any unrecognized role
		return Decision{Reason: ReasonPendingApproval}
	}
}

// Directory is the read side of the store the gate needs.
type Directory interface {
	GetUser(id store.UserID) (store.User, error)
	Grant(userID store.UserID, serverID string) (store.AccessLevel, bool)
}

// Gate authorizes users against a Directory.
type Gate struct {
	dir Directory
}

// NewGate returns a Gate backed by dir.
func NewGate(dir Directory) *Gate {
	return &Gate{dir: dir}
}

// Authorize decides whether user may act on serverID at the required level.
// Users unknown to the directory are treated as pending.
func (g *Gate) Authorize(userID store.UserID, serverID string, required store.AccessLevel) Decision {
	role := g.role(userID)
	level, ok := g.dir.Grant(userID, serverID)
	d := Evaluate(role, level, ok, required)
	if !d.Allowed {
		d.ServerID = serverID
	}
	return d
}

// AuthorizeAdmin allows only users holding the admin role.
func (g *Gate) AuthorizeAdmin(userID store.UserID) Decision {
	switch g.role(userID) {
	case store.RoleAdmin:
		return Decision{Allowed: true}
	case store.RoleBlocked:
		return Decision{Reason: ReasonBlocked}
	case store.RolePending, "":
		return Decision{Reason: ReasonPendingApproval}
	default:
		return Decision{Reason: ReasonAdminRequired}
	}
}

// AuthorizeActive allows any user that is neither blocked nor pending.
func (g *Gate) AuthorizeActive(userID store.UserID) Decision {
	switch g.role(userID) {
	case store.RoleAdmin, store.RoleUser:
		return Decision{Allowed: true}
	case store.RoleBlocked:
		return Decision{Reason: ReasonBlocked}
	default:
		return Decision{Reason: ReasonPendingApproval}
	}
}

// Allows is a boolean shorthand for Authorize.
func (g *Gate) Allows(userID store.UserID, serverID string, required store.AccessLevel) bool {
	return g.Authorize(userID, serverID, required).Allowed
}

// EffectiveLevel returns the level a user holds on a server: manage for
// admins, the granted level for approved users, none otherwise.
func (g *Gate) EffectiveLevel(userID store.UserID, serverID string) store.AccessLevel {
	switch g.role(userID) {
	case store.RoleAdmin:
		return store.AccessManage
	case store.RoleUser:
		if l, ok := g.dir.Grant(userID, serverID); ok {
			return l
		}
	}
	return store.AccessNone
}

func (g *Gate) role(userID store.UserID) store.Role {
	u, err := g.dir.GetUser(userID)
	if err != nil {
		return ""
	}
	return u.Role
}
