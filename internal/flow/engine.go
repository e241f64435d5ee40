// ABOUTME: Engine owns active flows per chat/topic and drives their transitions
// ABOUTME: One flow per key, owner-only input, immediate cancel, background idle sweep

package flow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/condor/internal/access"
	"github.com/2389/condor/internal/store"
)

// Default timing used when Options leaves a value zero.
const (
	DefaultIdleTimeout   = 10 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// Options configures an Engine.
type Options struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// OnExpire is called, outside any lock, for each flow removed by the
	// idle sweep.
	OnExpire func(Expired)

	Logger *slog.Logger
	Now    func() time.Time
}

// Engine is the session store for progressive forms.
type Engine struct {
	idleTimeout   time.Duration
	sweepInterval time.Duration
	onExpire      func(Expired)
	logger        *slog.Logger
	now           func() time.Time

	mu     sync.Mutex
	flows  map[Key]*instance
	closed bool
}

// instance is one running flow. mu serializes transitions; done and ctx
// are touched without it so cancellation never waits on a running callback.
type instance struct {
	id    string
	key   Key
	owner store.UserID
	def   Definition

	mu        sync.Mutex
	state     State
	step      int
	values    Values
	back      []int
	editing   bool
	editPrior string
	result    string

	lastActive atomic.Int64
	done       atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewEngine returns an empty engine. Call Run to start the idle sweep.
func NewEngine(opts Options) *Engine {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		idleTimeout:   opts.IdleTimeout,
		sweepInterval: opts.SweepInterval,
		onExpire:      opts.OnExpire,
		logger:        opts.Logger.With("component", "flow"),
		now:           opts.Now,
		flows:         make(map[Key]*instance),
	}
}

// Start begins a flow for owner at key. An earlier flow by the same owner
// at the same key is cancelled and named in View.Replaced; another user's
// active flow makes Start fail with ErrBusy.
func (e *Engine) Start(_ context.Context, key Key, owner store.UserID, def Definition) (View, error) {
	if err := def.validate(); err != nil {
		return View{}, err
	}
	def.Fields = slices.Clone(def.Fields)

	ctx, cancel := context.WithCancel(context.Background())
	f := &instance{
		id:     uuid.NewString(),
		key:    key,
		owner:  owner,
		def:    def,
		state:  StateCollecting,
		values: make(Values),
		ctx:    ctx,
		cancel: cancel,
	}
	e.touch(f)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return View{}, ErrClosed
	}
	prev := e.flows[key]
	if prev != nil && prev.owner != owner {
		e.mu.Unlock()
		cancel()
		return View{}, ErrBusy
	}
	e.flows[key] = f
	e.mu.Unlock()

	var replaced string
	if prev != nil {
		prev.finish()
		replaced = prev.def.Title
		e.logger.Info("flow replaced", "flow_id", prev.id, "kind", prev.def.Kind, "key", key.String())
	}

	e.logger.Info("flow started",
		"flow_id", f.id,
		"kind", def.Kind,
		"key", key.String(),
		"owner", owner)

	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.view()
	v.Replaced = replaced
	return v, nil
}

// Receive offers input for the current field.
func (e *Engine) Receive(ctx context.Context, key Key, user store.UserID, input string) (View, error) {
	f, err := e.lookup(key, user)
	if err != nil {
		return View{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.done.Load() {
		return View{}, ErrCancelled
	}
	if f.state != StateCollecting {
		return f.view(), ErrWrongState
	}

	field := f.def.Fields[f.step]
	opCtx, release := f.opContext(ctx)
	value, verr := check(opCtx, field, input, f.prior())
	release()

	if f.done.Load() {
		return View{}, ErrCancelled
	}
	e.touch(f)
	if verr != nil {
		e.logger.Debug("flow input rejected", "flow_id", f.id, "field", field.Name)
		return f.view(), &InputError{Field: field.Name, Err: verr}
	}
	f.accept(value)
	return f.view(), nil
}

// KeepDefault accepts the current field's default. While editing a field
// from the confirmation step it keeps the value already collected.
func (e *Engine) KeepDefault(_ context.Context, key Key, user store.UserID) (View, error) {
	f, err := e.lookup(key, user)
	if err != nil {
		return View{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.done.Load() {
		return View{}, ErrCancelled
	}
	if f.state != StateCollecting {
		return f.view(), ErrWrongState
	}
	e.touch(f)

	field := f.def.Fields[f.step]
	switch {
	case f.editing:
		f.accept(f.editPrior)
	case field.HasDefault:
		f.accept(field.Default)
	default:
		return f.view(), ErrNoDefault
	}
	return f.view(), nil
}

// Back returns to the previous field and discards its value. While editing
// a single field it returns to confirming with the field unchanged.
func (e *Engine) Back(_ context.Context, key Key, user store.UserID) (View, error) {
	f, err := e.lookup(key, user)
	if err != nil {
		return View{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.done.Load() {
		return View{}, ErrCancelled
	}
	e.touch(f)

	if f.state == StateCollecting && f.editing {
		f.editing = false
		f.state = StateConfirming
		return f.view(), nil
	}
	if (f.state != StateCollecting && f.state != StateConfirming) || len(f.back) == 0 {
		return f.view(), ErrWrongState
	}

	prev := f.back[len(f.back)-1]
	f.back = f.back[:len(f.back)-1]
	delete(f.values, f.def.Fields[prev].Name)
	f.step = prev
	f.state = StateCollecting
	return f.view(), nil
}

// EditField re-opens one field from the confirmation step. Once a value is
// accepted the flow returns to confirming.
func (e *Engine) EditField(_ context.Context, key Key, user store.UserID, name string) (View, error) {
	f, err := e.lookup(key, user)
	if err != nil {
		return View{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.done.Load() {
		return View{}, ErrCancelled
	}
	if f.state != StateConfirming {
		return f.view(), ErrWrongState
	}
	idx := f.def.fieldIndex(name)
	if idx < 0 {
		return f.view(), fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	e.touch(f)

	f.step = idx
	f.editing = true
	f.editPrior = f.values[name]
	f.state = StateCollecting
	return f.view(), nil
}

// Confirm hands the collected values to the definition's Submit. On
// success the flow ends; on failure it stays in confirming and the submit
// error is returned unchanged in kind. A failed submit on a flow cancelled
// meanwhile returns ErrCancelled.
func (e *Engine) Confirm(ctx context.Context, key Key, user store.UserID) (View, error) {
	f, err := e.lookup(key, user)
	if err != nil {
		return View{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.done.Load() {
		return View{}, ErrCancelled
	}
	if f.state != StateConfirming {
		return f.view(), ErrWrongState
	}

	sub := Submission{
		FlowID: f.id,
		Key:    f.key,
		Owner:  f.owner,
		Values: maps.Clone(f.values),
	}
	opCtx, release := f.opContext(ctx)
	result, serr := f.def.Submit(opCtx, sub)
	release()

	// A submit that returned success has written its changes, so it is
	// reported even when a cancel arrived meanwhile.
	if serr != nil && f.done.Load() {
		return View{}, ErrCancelled
	}
	e.touch(f)
	if serr != nil {
		e.logger.Warn("flow submit failed", "flow_id", f.id, "kind", f.def.Kind, "error", serr)
		return f.view(), serr
	}

	f.state = StateSubmitted
	f.result = result
	e.remove(f)
	f.finish()
	e.logger.Info("flow submitted", "flow_id", f.id, "kind", f.def.Kind, "key", f.key.String())
	return f.view(), nil
}

// Cancel ends the flow at key immediately, even while one of its
// callbacks is running.
func (e *Engine) Cancel(key Key, user store.UserID) (View, error) {
	e.mu.Lock()
	f, ok := e.flows[key]
	if !ok {
		e.mu.Unlock()
		return View{}, ErrNoActiveFlow
	}
	if f.owner != user {
		e.mu.Unlock()
		return View{}, ErrNotOwner
	}
	delete(e.flows, key)
	e.mu.Unlock()

	f.finish()
	e.logger.Info("flow cancelled", "flow_id", f.id, "kind", f.def.Kind, "key", key.String())
	return f.endView(StateCancelled), nil
}

// Active returns the current view of the flow at key.
func (e *Engine) Active(key Key) (View, bool) {
	e.mu.Lock()
	f, ok := e.flows[key]
	e.mu.Unlock()
	if !ok {
		return View{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done.Load() {
		return View{}, false
	}
	return f.view(), true
}

// Owner reports who owns the flow at key without waiting on it.
func (e *Engine) Owner(key Key) (store.UserID, bool) {
	_, owner, ok := e.Running(key)
	return owner, ok
}

// Running identifies the flow at key without waiting on a running
// callback.
func (e *Engine) Running(key Key) (id string, owner store.UserID, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.flows[key]
	if !ok || f.done.Load() {
		return "", 0, false
	}
	return f.id, f.owner, true
}

// CancelOwnedBy ends every flow owned by user and returns how many there
// were.
func (e *Engine) CancelOwnedBy(user store.UserID) int {
	e.mu.Lock()
	var owned []*instance
	for k, f := range e.flows {
		if f.owner == user {
			owned = append(owned, f)
			delete(e.flows, k)
		}
	}
	e.mu.Unlock()

	for _, f := range owned {
		f.finish()
		e.logger.Info("flow cancelled", "flow_id", f.id, "kind", f.def.Kind, "key", f.key.String(), "owner", user)
	}
	return len(owned)
}

// Len returns the number of active flows.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.flows)
}

// Sweep expires every flow idle for longer than the idle timeout and
// returns them.
func (e *Engine) Sweep() []Expired {
	cutoff := e.now().Add(-e.idleTimeout).UnixNano()

	e.mu.Lock()
	var stale []*instance
	for k, f := range e.flows {
		if f.lastActive.Load() < cutoff {
			stale = append(stale, f)
			delete(e.flows, k)
		}
	}
	e.mu.Unlock()

	expired := make([]Expired, 0, len(stale))
	for _, f := range stale {
		f.finish()
		e.logger.Info("=== FLOW EXPIRED ===", "flow_id", f.id, "kind", f.def.Kind, "key", f.key.String())
		x := Expired{ID: f.id, Key: f.key, Owner: f.owner, Kind: f.def.Kind, Title: f.def.Title}
		expired = append(expired, x)
		if e.onExpire != nil {
			e.onExpire(x)
		}
	}
	return expired
}

// Run sweeps idle flows every sweep interval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	e.logger.Info("flow sweeper started", "idle_timeout", e.idleTimeout, "sweep_interval", e.sweepInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// Close cancels every active flow and rejects new ones.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	flows := e.flows
	e.flows = make(map[Key]*instance)
	e.mu.Unlock()

	for _, f := range flows {
		f.finish()
	}
}

func (e *Engine) lookup(key Key, user store.UserID) (*instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.flows[key]
	if !ok {
		return nil, ErrNoActiveFlow
	}
	if f.owner != user {
		return nil, ErrNotOwner
	}
	return f, nil
}

func (e *Engine) remove(f *instance) {
	e.mu.Lock()
	if e.flows[f.key] == f {
		delete(e.flows, f.key)
	}
	e.mu.Unlock()
}

func (e *Engine) touch(f *instance) {
	f.lastActive.Store(e.now().UnixNano())
}

// finish marks the flow ended and cancels callbacks still using its context.
func (f *instance) finish() {
	f.done.Store(true)
	f.cancel()
}

// opContext joins the caller's context with the flow's own so that either
// ending cancels a running validator or submit.
func (f *instance) opContext(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(f.ctx, cancel)
	ctx = access.WithActor(ctx, access.Actor{UserID: f.owner, ChatID: f.key.Chat, Topic: f.key.Topic})
	return ctx, func() {
		stop()
		cancel()
	}
}

// prior returns the values collected before the current field.
func (f *instance) prior() Values {
	p := make(Values, f.step)
	for _, fld := range f.def.Fields[:f.step] {
		if v, ok := f.values[fld.Name]; ok {
			p[fld.Name] = v
		}
	}
	return p
}

func (f *instance) accept(value string) {
	f.values[f.def.Fields[f.step].Name] = value
	if f.editing {
		f.editing = false
		f.editPrior = ""
		f.state = StateConfirming
		return
	}
	f.back = append(f.back, f.step)
	if f.step == len(f.def.Fields)-1 {
		f.state = StateConfirming
		return
	}
	f.step++
}

// view renders the flow. Callers hold f.mu.
func (f *instance) view() View {
	v := View{
		ID:      f.id,
		Key:     f.key,
		Kind:    f.def.Kind,
		Title:   f.def.Title,
		State:   f.state,
		Total:   len(f.def.Fields),
		Editing: f.editing,
		Result:  f.result,
	}
	if f.state == StateCollecting {
		field := f.def.Fields[f.step]
		fv := &FieldView{
			Name:       field.Name,
			Label:      field.label(),
			Prompt:     field.Prompt,
			Default:    field.Default,
			HasDefault: field.HasDefault,
			Options:    field.Options,
			Sensitive:  field.Sensitive,
		}
		if f.editing {
			fv.Default = f.editPrior
			fv.HasDefault = true
		}
		if fv.Sensitive && fv.HasDefault {
			fv.Default = Mask
		}
		v.Field = fv
		v.Step = f.step + 1
		v.CanGoBack = f.editing || len(f.back) > 0
	}
	if f.state == StateConfirming {
		v.CanGoBack = len(f.back) > 0
	}
	for _, fld := range f.def.Fields {
		val, ok := f.values[fld.Name]
		if !ok {
			continue
		}
		switch {
		case fld.Sensitive:
			val = Mask
		case val == "":
			val = "-"
		}
		v.Summary = append(v.Summary, Line{Name: fld.Name, Label: fld.label(), Value: val})
	}
	return v
}

// endView describes a flow that ended without taking its lock.
func (f *instance) endView(state State) View {
	return View{
		ID:    f.id,
		Key:   f.key,
		Kind:  f.def.Kind,
		Title: f.def.Title,
		State: state,
		Total: len(f.def.Fields),
	}
}

// check applies the field's choices and validator to raw input. Choices
// match case-insensitively and normalize to the listed spelling.
func check(ctx context.Context, field Field, input string, prior Values) (string, error) {
	if len(field.Options) > 0 {
		idx := slices.IndexFunc(field.Options, func(o string) bool {
			return strings.EqualFold(o, strings.TrimSpace(input))
		})
		if idx < 0 {
			return "", fmt.Errorf("choose one of: %s", strings.Join(field.Options, ", "))
		}
		input = field.Options[idx]
	}
	if field.Validate == nil {
		return input, nil
	}
	return field.Validate(ctx, input, prior)
}
