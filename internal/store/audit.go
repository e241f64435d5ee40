// ABOUTME: Append-only audit log of privileged actions
// ABOUTME: Entries are stamped by the writer and queried as a lazy ascending sequence

package store

import (
	"context"
	"iter"
	"maps"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditUserRegistered   AuditAction = "user_registered"
	AuditUserApproved     AuditAction = "user_approved"
	AuditUserRejected     AuditAction = "user_rejected"
	AuditUserBlocked      AuditAction = "user_blocked"
	AuditUserUnblocked    AuditAction = "user_unblocked"
	AuditUserPromoted     AuditAction = "user_promoted"
	AuditServerAdded      AuditAction = "server_added"
	AuditServerUpdated    AuditAction = "server_updated"
	AuditServerDeleted    AuditAction = "server_deleted"
	AuditServerDefaultSet AuditAction = "server_default_set"
	AuditChatDefaultSet   AuditAction = "chat_default_set"
	AuditChatDefaultClear AuditAction = "chat_default_cleared"
	AuditAccessGranted    AuditAction = "access_granted"
	AuditAccessRevoked    AuditAction = "access_revoked"
	AuditWalletAdded      AuditAction = "wallet_added"
	AuditWalletRemoved    AuditAction = "wallet_removed"
	AuditConnectorUpdated AuditAction = "connector_updated"
	AuditNetworkUpdated   AuditAction = "network_updated"
	AuditTokenAdded       AuditAction = "token_added"
	AuditTokenRemoved     AuditAction = "token_removed"
	AuditPoolAdded        AuditAction = "pool_added"
	AuditPoolRemoved      AuditAction = "pool_removed"
)

// ValidAuditActions lists all valid audit actions.
var ValidAuditActions = []AuditAction{
	AuditUserRegistered,
	AuditUserApproved,
	AuditUserRejected,
	AuditUserBlocked,
	AuditUserUnblocked,
	AuditUserPromoted,
	AuditServerAdded,
	AuditServerUpdated,
	AuditServerDeleted,
	AuditServerDefaultSet,
	AuditChatDefaultSet,
	AuditChatDefaultClear,
	AuditAccessGranted,
	AuditAccessRevoked,
	AuditWalletAdded,
	AuditWalletRemoved,
	AuditConnectorUpdated,
	AuditNetworkUpdated,
	AuditTokenAdded,
	AuditTokenRemoved,
	AuditPoolAdded,
	AuditPoolRemoved,
}

// Outcome records how an audited action ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Audit target types.
const (
	TargetServer   = "server"
	TargetUser     = "user"
	TargetWallet   = "wallet"
	TargetResource = "resource"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string            `yaml:"id"`
	Seq        uint64            `yaml:"seq"`
	Timestamp  time.Time         `yaml:"timestamp"`
	Actor      UserID            `yaml:"actor_id"`
	Action     AuditAction       `yaml:"action"`
	TargetType string            `yaml:"target_type"`
	TargetID   string            `yaml:"target_id"`
	Outcome    Outcome           `yaml:"outcome"`
	Details    map[string]string `yaml:"details,omitempty"`
}

func (e AuditEntry) clone() AuditEntry {
	e.Details = maps.Clone(e.Details)
	return e
}

// AuditFilter selects audit entries. Zero fields match everything.
type AuditFilter struct {
	Since      time.Time   // entries at or after this time
	Until      time.Time   // entries at or before this time
	Actor      UserID      // filter by actor
	Action     AuditAction // filter by action type
	TargetType string      // filter by target type
	TargetID   string      // filter by target ID
	AfterSeq   uint64      // page cursor: entries with Seq greater than this
	Limit      int         // max results, 0 for no limit
}

func (f AuditFilter) matches(e AuditEntry) bool {
	switch {
	case e.Seq <= f.AfterSeq:
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && e.Timestamp.After(f.Until):
		return false
	case f.Actor != 0 && e.Actor != f.Actor:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.TargetType != "" && e.TargetType != f.TargetType:
		return false
	case f.TargetID != "" && e.TargetID != f.TargetID:
		return false
	}
	return true
}

// AppendAudit appends an entry and returns it with ID, Seq and Timestamp
// assigned. Timestamps are taken from the store clock and never go
// backwards, so log order is timestamp order. The only failure besides
// invalid input is a storage error.
func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) (AuditEntry, error) {
	if !validAction(e.Action) {
		return AuditEntry{}, invalid("action", "%q is not a known audit action", e.Action)
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	e.ID = uuid.New().String()
	e.Details = maps.Clone(e.Details)

	err := s.mutate(ctx, "append_audit", false, func(d *Document) ([]Change, error) {
		ts := s.now().UTC()
		if n := len(d.AuditLog); n > 0 {
			last := d.AuditLog[n-1]
			if ts.Before(last.Timestamp) {
				ts = last.Timestamp
			}
			e.Seq = last.Seq + 1
		} else {
			e.Seq = 1
		}
		e.Timestamp = ts
		d.AuditLog = append(d.AuditLog, e)
		return []Change{{Kind: ChangeAudit, UserID: e.Actor}}, nil
	})
	if err != nil {
		return AuditEntry{}, err
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.Actor,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
		"outcome", e.Outcome,
	)
	return e, nil
}

// QueryAudit returns the matching entries in ascending timestamp order.
// Each iteration reads the log as it is at that moment, so the sequence can
// be ranged over again to see newer entries.
func (s *Store) QueryAudit(f AuditFilter) iter.Seq[AuditEntry] {
	return func(yield func(AuditEntry) bool) {
		var log []AuditEntry
		s.view(func(d *Document) { log = d.AuditLog })

		n := 0
		for _, e := range log {
			if !f.matches(e) {
				continue
			}
			if !yield(e.clone()) {
				return
			}
			n++
			if f.Limit > 0 && n >= f.Limit {
				return
			}
		}
	}
}

// RecentAudit returns the last n matching entries in ascending order. n is
// normalized with a default of 100 and a cap of 1000.
func (s *Store) RecentAudit(f AuditFilter, n int) []AuditEntry {
	n = normalizeAuditLimit(n)
	f.Limit = 0

	ring := make([]AuditEntry, 0, n)
	for e := range s.QueryAudit(f) {
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, e)
	}
	return ring
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

func validAction(a AuditAction) bool {
	for _, v := range ValidAuditActions {
		if v == a {
			return true
		}
	}
	return false
}
