// ABOUTME: Registry of form kinds and the shared plumbing their handlers use
// ABOUTME: Access checks on open and submit, audit appends, store and pool collaborators

package forms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/2389/condor/internal/access"
	"github.com/2389/condor/internal/flow"
	"github.com/2389/condor/internal/pool"
	"github.com/2389/condor/internal/store"
)

// Kind names a registered form.
type Kind string

const (
	KindAddServer     Kind = "add_server"
	KindEditServer    Kind = "edit_server"
	KindShareServer   Kind = "share_server"
	KindAddWallet     Kind = "add_wallet"
	KindEditConnector Kind = "edit_connector"
	KindEditNetwork   Kind = "edit_network"
	KindAddToken      Kind = "add_token"
	KindRemoveToken   Kind = "remove_token"
	KindAddPool       Kind = "add_pool"
	KindRemovePool    Kind = "remove_pool"
)

// Kinds lists the built-in kinds in registration order.
var Kinds = []Kind{
	KindAddServer,
	KindEditServer,
	KindShareServer,
	KindAddWallet,
	KindEditConnector,
	KindEditNetwork,
	KindAddToken,
	KindRemoveToken,
	KindAddPool,
	KindRemovePool,
}

var (
	// ErrUnknownKind is returned for a kind with no registered handler.
	ErrUnknownKind = errors.New("unknown form kind")

	// ErrMissingTarget means the form needs a server or resource that was
	// not given.
	ErrMissingTarget = errors.New("form target missing")
)

// Requirement is the access a kind needs. Admin forms ignore Level.
type Requirement struct {
	Admin bool
	Level store.AccessLevel
}

// Request identifies what a form operates on.
type Request struct {
	Actor    store.UserID
	ServerID string
	// Resource names a connector or network for the edit kinds.
	Resource string
	// Field narrows edit_server to a single field.
	Field string
}

// Handler builds definitions for one kind.
type Handler interface {
	Kind() Kind
	Requirement() Requirement
	Build(ctx context.Context, req Request) (flow.Definition, error)
}

// Store is the part of the configuration store forms use.
type Store interface {
	GetServer(id string) (store.ServerEntry, error)
	GetUser(id store.UserID) (store.User, error)
	DefaultServer() (string, bool)
	AddServer(ctx context.Context, e store.ServerEntry) error
	UpsertServer(ctx context.Context, e store.ServerEntry) error
	SetDefault(ctx context.Context, id string) error
	GrantAccess(ctx context.Context, userID store.UserID, serverID string, level store.AccessLevel) error
	AddWallet(ctx context.Context, w store.Wallet) (store.Wallet, error)
	AppendAudit(ctx context.Context, e store.AuditEntry) (store.AuditEntry, error)
}

// Pool is the part of the pool manager forms use.
type Pool interface {
	GetClient(ctx context.Context, serverID string) (*pool.Handle, error)
	Refresh(ctx context.Context, serverID string) (pool.Health, error)
}

// Authorizer evaluates access decisions.
type Authorizer interface {
	Authorize(userID store.UserID, serverID string, required store.AccessLevel) access.Decision
	AuthorizeAdmin(userID store.UserID) access.Decision
}

// Deps are the collaborators handed to built-in handlers.
type Deps struct {
	Store  Store
	Pool   Pool
	Gate   Authorizer
	Logger *slog.Logger
}

// Registry maps kinds to handlers.
type Registry struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// NewRegistry returns a registry holding the built-in kinds.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := &Registry{
		deps:     deps,
		logger:   deps.Logger.With("component", "forms"),
		handlers: make(map[Kind]Handler),
	}
	for _, h := range builtinHandlers(r) {
		r.Register(h)
	}
	return r
}

// Register adds or replaces the handler for h.Kind().
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Kind()] = h
}

// Lookup returns the handler for kind.
func (r *Registry) Lookup(kind Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Registered returns the registered kinds, sorted.
func (r *Registry) Registered() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Authorize checks whether req.Actor may use kind on req.ServerID.
func (r *Registry) Authorize(kind Kind, req Request) error {
	h, ok := r.Lookup(kind)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return r.authorize(h.Requirement(), req)
}

func (r *Registry) authorize(need Requirement, req Request) error {
	if need.Admin {
		return r.deps.Gate.AuthorizeAdmin(req.Actor).Err()
	}
	if req.ServerID == "" {
		return fmt.Errorf("%w: a server is required", ErrMissingTarget)
	}
	return r.deps.Gate.Authorize(req.Actor, req.ServerID, need.Level).Err()
}

// Build authorizes req and returns the definition for kind. The returned
// Submit re-checks access before running.
func (r *Registry) Build(ctx context.Context, kind Kind, req Request) (flow.Definition, error) {
	h, ok := r.Lookup(kind)
	if !ok {
		return flow.Definition{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	need := h.Requirement()
	if err := r.authorize(need, req); err != nil {
		return flow.Definition{}, err
	}
	def, err := h.Build(ctx, req)
	if err != nil {
		return flow.Definition{}, err
	}
	if def.Kind == "" {
		def.Kind = string(kind)
	}

	submit := def.Submit
	def.Submit = func(ctx context.Context, sub flow.Submission) (string, error) {
		check := req
		check.Actor = sub.Owner
		if err := r.authorize(need, check); err != nil {
			r.logger.Warn("form submit denied", "kind", kind, "actor", sub.Owner, "server_id", req.ServerID)
			r.appendAudit(ctx, auditRecord{
				actor:      sub.Owner,
				action:     kindAction[kind],
				targetType: store.TargetServer,
				targetID:   req.ServerID,
				outcome:    store.OutcomeDenied,
			})
			return "", err
		}
		return submit(ctx, sub)
	}
	return def, nil
}

// kindAction is the audit action recorded for each kind.
var kindAction = map[Kind]store.AuditAction{
	KindAddServer:     store.AuditServerAdded,
	KindEditServer:    store.AuditServerUpdated,
	KindShareServer:   store.AuditAccessGranted,
	KindAddWallet:     store.AuditWalletAdded,
	KindEditConnector: store.AuditConnectorUpdated,
	KindEditNetwork:   store.AuditNetworkUpdated,
	KindAddToken:      store.AuditTokenAdded,
	KindRemoveToken:   store.AuditTokenRemoved,
	KindAddPool:       store.AuditPoolAdded,
	KindRemovePool:    store.AuditPoolRemoved,
}

type auditRecord struct {
	actor      store.UserID
	action     store.AuditAction
	targetType string
	targetID   string
	outcome    store.Outcome
	details    map[string]string
}

// audit appends rec. The error is returned so a failed durable write is
// never reported as success. It records something that already happened,
// so cancelling the flow afterwards does not drop it.
func (r *Registry) audit(ctx context.Context, rec auditRecord) error {
	if rec.actor == 0 {
		if a, ok := access.ActorFrom(ctx); ok {
			rec.actor = a.UserID
		}
	}
	_, err := r.deps.Store.AppendAudit(context.WithoutCancel(ctx), store.AuditEntry{
		Actor:      rec.actor,
		Action:     rec.action,
		TargetType: rec.targetType,
		TargetID:   rec.targetID,
		Outcome:    rec.outcome,
		Details:    rec.details,
	})
	if err != nil {
		return fmt.Errorf("recording %s: %w", rec.action, err)
	}
	return nil
}

// appendAudit records a non-success outcome; the caller already has an
// error to return, so a failed write is only logged. Nothing is recorded
// for a flow that was cancelled.
func (r *Registry) appendAudit(ctx context.Context, rec auditRecord) {
	if ctx.Err() != nil {
		return
	}
	if err := r.audit(ctx, rec); err != nil {
		r.logger.Error("audit append failed", "action", rec.action, "error", err)
	}
}

// client returns the backend handle for serverID.
func (r *Registry) client(ctx context.Context, serverID string) (*pool.Handle, error) {
	if serverID == "" {
		return nil, fmt.Errorf("%w: a server is required", ErrMissingTarget)
	}
	return r.deps.Pool.GetClient(ctx, serverID)
}

// handler is the table entry used by the built-in kinds.
type handler struct {
	kind  Kind
	need  Requirement
	build func(ctx context.Context, req Request) (flow.Definition, error)
}

func (h handler) Kind() Kind               { return h.kind }
func (h handler) Requirement() Requirement { return h.need }

func (h handler) Build(ctx context.Context, req Request) (flow.Definition, error) {
	return h.build(ctx, req)
}

func builtinHandlers(r *Registry) []Handler {
	admin := Requirement{Admin: true}
	manage := Requirement{Level: store.AccessManage}
	trade := Requirement{Level: store.AccessTrade}
	return []Handler{
		handler{KindAddServer, admin, r.addServer},
		handler{KindEditServer, manage, r.editServer},
		handler{KindShareServer, manage, r.shareServer},
		handler{KindAddWallet, trade, r.addWallet},
		handler{KindEditConnector, trade, r.editConnector},
		handler{KindEditNetwork, trade, r.editNetwork},
		handler{KindAddToken, trade, r.addToken},
		handler{KindRemoveToken, trade, r.removeToken},
		handler{KindAddPool, trade, r.addPool},
		handler{KindRemovePool, trade, r.removePool},
	}
}
