// ABOUTME: Dispatcher entry points: commands, buttons and free text
// ABOUTME: Identifies users, scopes button tokens and routes input to the flow engine

package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/condor/internal/access"
	"github.com/2389/condor/internal/flow"
	"github.com/2389/condor/internal/forms"
	"github.com/2389/condor/internal/pool"
	"github.com/2389/condor/internal/store"
	"github.com/2389/condor/internal/ttlcache"
)

// DefaultCallbackTTL is how long issued buttons stay valid.
const DefaultCallbackTTL = 30 * time.Minute

// maxButtons bounds the token cache.
const maxButtons = 10000

// Store is the part of the configuration store the dispatcher uses.
type Store interface {
	GetUser(id store.UserID) (store.User, error)
	ListUsers() []store.User
	RegisterPending(ctx context.Context, id store.UserID, username string) (store.User, bool, error)
	Approve(ctx context.Context, id store.UserID) error
	Reject(ctx context.Context, id store.UserID) error
	Block(ctx context.Context, actor, id store.UserID) error
	Unblock(ctx context.Context, id store.UserID) error
	Promote(ctx context.Context, id store.UserID) error

	GetServer(id string) (store.ServerEntry, error)
	ListServers() []store.ServerEntry
	SetDefault(ctx context.Context, id string) error
	SetChatDefault(ctx context.Context, chatID, serverID string) error
	ClearChatDefault(ctx context.Context, chatID string) (string, error)
	DeleteServer(ctx context.Context, id string) error

	RevokeAccess(ctx context.Context, userID store.UserID, serverID string) error
	GrantsForUser(userID store.UserID) map[string]store.AccessLevel

	ListWallets(serverID string) []store.Wallet
	GetWallet(id string) (store.Wallet, error)
	RemoveWallet(ctx context.Context, id string) error

	AppendAudit(ctx context.Context, e store.AuditEntry) (store.AuditEntry, error)
	RecentAudit(f store.AuditFilter, n int) []store.AuditEntry
}

// Pool is the part of the pool manager the dispatcher uses.
type Pool interface {
	GetClient(ctx context.Context, serverID string) (*pool.Handle, error)
	Refresh(ctx context.Context, serverID string) (pool.Health, error)
	Health(serverID string) pool.Health
	ResolveDefault(userID store.UserID, chatID string) (string, bool)
}

// Gate evaluates access.
type Gate interface {
	Authorize(userID store.UserID, serverID string, required store.AccessLevel) access.Decision
	AuthorizeAdmin(userID store.UserID) access.Decision
	AuthorizeActive(userID store.UserID) access.Decision
	EffectiveLevel(userID store.UserID, serverID string) store.AccessLevel
}

// Notifier delivers messages the dispatcher originates on its own.
type Notifier interface {
	// NotifyAdmins tells admins about something needing their attention.
	NotifyAdmins(ctx context.Context, resp Response) error
	// NotifyChat posts to a chat and topic outside a request.
	NotifyChat(ctx context.Context, key flow.Key, resp Response) error
}

// Options configures a Dispatcher.
type Options struct {
	Store    Store
	Pool     Pool
	Gate     Gate
	Forms    *forms.Registry
	Flows    *flow.Engine
	Notifier Notifier

	// CommandPrefix is shown in help text.
	CommandPrefix string
	CallbackTTL   time.Duration
	Logger        *slog.Logger
}

// Dispatcher routes user actions.
type Dispatcher struct {
	store    Store
	pool     Pool
	gate     Gate
	forms    *forms.Registry
	flows    *flow.Engine
	notifier Notifier
	prefix   string
	logger   *slog.Logger

	buttons  *ttlcache.Cache[action]
	commands map[string]*command
	order    []*command
}

// New returns a Dispatcher. Close releases its button cache.
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CallbackTTL <= 0 {
		opts.CallbackTTL = DefaultCallbackTTL
	}
	d := &Dispatcher{
		store:    opts.Store,
		pool:     opts.Pool,
		gate:     opts.Gate,
		forms:    opts.Forms,
		flows:    opts.Flows,
		notifier: opts.Notifier,
		prefix:   opts.CommandPrefix,
		logger:   opts.Logger.With("component", "dispatch"),
		buttons:  ttlcache.New[action](opts.CallbackTTL, maxButtons),
	}
	d.registerCommands()
	return d
}

// SetNotifier installs the notifier once the bridge exists.
func (d *Dispatcher) SetNotifier(n Notifier) { d.notifier = n }

// Close releases background resources.
func (d *Dispatcher) Close() { d.buttons.Close() }

// op is what a button does.
type op int

const (
	opKeep op = iota + 1
	opBack
	opCancel
	opConfirm
	opEdit
	opChoose
	opCommand
	opDeleteServer
)

// action is the state behind a button token.
type action struct {
	// user is the only user allowed to press it; zero means any admin.
	user store.UserID
	// chat scopes the button; empty means any chat.
	chat string

	op   op
	args []string

	flowID string
	step   int
	state  flow.State
}

// call is one command invocation.
type call struct {
	origin Origin
	user   store.User
	args   []string
}

func (c *call) key() flow.Key {
	return flow.Key{Chat: c.origin.ChatID, Topic: c.origin.Topic}
}

// HandleCommand runs a named command.
func (d *Dispatcher) HandleCommand(ctx context.Context, o Origin, name string, args []string) Response {
	user, intro, err := d.identify(ctx, o)
	if err != nil {
		return d.fail(o, "identify", err)
	}
	if intro != "" {
		return Response{Text: intro}
	}

	name = strings.ToLower(strings.TrimSpace(name))
	cmd, ok := d.commands[name]
	if !ok {
		return text("Unknown command %q. Send %shelp for the list.", name, d.prefix)
	}
	if !cmd.open {
		if err := d.gate.AuthorizeActive(user.ID).Err(); err != nil {
			return d.fail(o, name, err)
		}
	}
	if cmd.admin {
		if err := d.gate.AuthorizeAdmin(user.ID).Err(); err != nil {
			return d.fail(o, name, err)
		}
	}

	d.logger.Debug("command", "name", name, "user_id", o.UserID, "chat_id", o.ChatID)
	resp, err := cmd.run(ctx, &call{origin: o, user: user, args: args})
	if err != nil {
		return d.fail(o, name, err)
	}
	return resp
}

// HandleButton runs the action behind token.
func (d *Dispatcher) HandleButton(ctx context.Context, o Origin, token string) Response {
	user, intro, err := d.identify(ctx, o)
	if err != nil {
		return d.fail(o, "identify", err)
	}
	if intro != "" {
		return Response{Text: intro}
	}

	a, ok := d.buttons.Get(token)
	if !ok {
		return text("That button has expired. Send the command again.")
	}
	if a.chat != "" && a.chat != o.ChatID {
		return text("That button belongs to another conversation.")
	}
	if a.user == 0 {
		if err := d.gate.AuthorizeAdmin(user.ID).Err(); err != nil {
			return d.fail(o, "button", err)
		}
		d.buttons.Delete(token)
	} else if a.user != user.ID {
		return text("That button is not for you.")
	}

	switch a.op {
	case opCommand:
		if len(a.args) == 0 {
			return text("That button has expired. Send the command again.")
		}
		return d.HandleCommand(ctx, o, a.args[0], a.args[1:])
	case opDeleteServer:
		d.buttons.Delete(token)
		resp, err := d.deleteServer(ctx, &call{origin: o, user: user, args: a.args})
		if err != nil {
			return d.fail(o, "delete_server", err)
		}
		return resp
	}

	key := flow.Key{Chat: o.ChatID, Topic: o.Topic}
	if err := d.authorizeFlow(key, user.ID); err != nil {
		return d.fail(o, "button", err)
	}

	if a.op == opCancel {
		// Cancel must not wait for a callback that is still running.
		if id, _, ok := d.flows.Running(key); !ok || id != a.flowID {
			return text("That button is from an earlier step.")
		}
		next, err := d.flows.Cancel(key, user.ID)
		return d.flowResponse(o, next, err)
	}

	view, active := d.flows.Active(key)
	if !active || view.ID != a.flowID || view.Step != a.step || view.State != a.state {
		return text("That button is from an earlier step.")
	}

	var next flow.View
	switch a.op {
	case opKeep:
		next, err = d.flows.KeepDefault(ctx, key, user.ID)
	case opBack:
		next, err = d.flows.Back(ctx, key, user.ID)
	case opConfirm:
		next, err = d.flows.Confirm(ctx, key, user.ID)
	case opEdit:
		next, err = d.flows.EditField(ctx, key, user.ID, a.args[0])
	case opChoose:
		next, err = d.flows.Receive(ctx, key, user.ID, a.args[0])
	default:
		return text("That button has expired. Send the command again.")
	}
	return d.flowResponse(o, next, err)
}

// HandleText feeds free text to the form open in the chat and topic. Text
// with no form for this user produces an empty Response.
func (d *Dispatcher) HandleText(ctx context.Context, o Origin, input string) Response {
	key := flow.Key{Chat: o.ChatID, Topic: o.Topic}
	owner, ok := d.flows.Owner(key)
	if !ok || owner != o.UserID {
		return Response{}
	}
	user, _, err := d.identify(ctx, o)
	if err != nil {
		return d.fail(o, "identify", err)
	}
	if err := d.authorizeFlow(key, user.ID); err != nil {
		return d.fail(o, "flow_input", err)
	}
	view, err := d.flows.Receive(ctx, key, o.UserID, input)
	return d.flowResponse(o, view, err)
}

// authorizeFlow checks that user may still drive a form. A user who lost
// access has the form at key cancelled.
func (d *Dispatcher) authorizeFlow(key flow.Key, user store.UserID) error {
	err := d.gate.AuthorizeActive(user).Err()
	if err == nil {
		return nil
	}
	if _, cerr := d.flows.Cancel(key, user); cerr == nil {
		d.logger.Info("flow dropped after access loss", "user_id", user, "key", key.String())
	}
	return err
}

// FlowExpired tells the owner's chat that a form timed out. It is meant
// for flow.Options.OnExpire.
func (d *Dispatcher) FlowExpired(x flow.Expired) {
	if d.notifier == nil {
		return
	}
	title := x.Title
	if title == "" {
		title = x.Kind
	}
	resp := text("The form %q expired after a period of inactivity. Start it again when you are ready.", title)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.notifier.NotifyChat(ctx, x.Key, resp); err != nil {
		d.logger.Warn("notifying flow expiry", "flow_id", x.ID, "error", err)
	}
}

// identify loads the sender, registering first-time users as pending. A
// non-empty intro is the whole response for a newly registered user.
func (d *Dispatcher) identify(ctx context.Context, o Origin) (store.User, string, error) {
	u, err := d.store.GetUser(o.UserID)
	switch {
	case err == nil && (o.Username == "" || u.Username == o.Username):
		return u, "", nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return store.User{}, "", err
	}

	u, created, err := d.store.RegisterPending(ctx, o.UserID, o.Username)
	if err != nil {
		return store.User{}, "", err
	}
	if !created {
		return u, "", nil
	}

	d.logger.Info("=== USER REGISTERED ===", "user_id", o.UserID, "username", o.Username)
	if err := d.audit(ctx, o.UserID, store.AuditUserRegistered, store.TargetUser, o.UserID.String(), map[string]string{"username": o.Username}); err != nil {
		return store.User{}, "", err
	}
	d.notifyPending(ctx, u)
	return u, "Hi! Your access request has been sent to the admins. You will be able to use the bot once approved.", nil
}

func (d *Dispatcher) notifyPending(ctx context.Context, u store.User) {
	if d.notifier == nil {
		return
	}
	id := u.ID.String()
	who := id
	if u.Username != "" {
		who = fmt.Sprintf("%s (%s)", u.Username, id)
	}
	resp := Response{
		Text: fmt.Sprintf("New user %s is waiting for approval.", who),
		Buttons: [][]Button{{
			d.button(action{op: opCommand, args: []string{"approve", id}}, "Approve"),
			d.button(action{op: opCommand, args: []string{"reject", id}}, "Reject"),
			d.button(action{op: opCommand, args: []string{"block", id}}, "Block"),
		}},
	}
	if err := d.notifier.NotifyAdmins(ctx, resp); err != nil {
		d.logger.Warn("notifying admins of new user", "user_id", u.ID, "error", err)
	}
}

// button issues a token for a.
func (d *Dispatcher) button(a action, label string) Button {
	token := newToken()
	d.buttons.Put(token, a)
	return Button{Label: label, Token: token}
}

// userButton issues a token scoped to the origin's user and chat.
func (d *Dispatcher) userButton(o Origin, a action, label string) Button {
	a.user = o.UserID
	a.chat = o.ChatID
	return d.button(a, label)
}

func newToken() string {
	b := make([]byte, 9)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// fail converts err into a response, logging anything unexpected.
func (d *Dispatcher) fail(o Origin, what string, err error) Response {
	msg, known := userMessage(err)
	if known {
		d.logger.Debug("action refused", "action", what, "user_id", o.UserID, "error", err)
	} else {
		d.logger.Error("action failed", "action", what, "user_id", o.UserID, "error", err)
	}
	return Response{Text: msg}
}

func (d *Dispatcher) audit(ctx context.Context, actor store.UserID, action store.AuditAction, targetType, targetID string, details map[string]string) error {
	_, err := d.store.AppendAudit(ctx, store.AuditEntry{
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Outcome:    store.OutcomeSuccess,
		Details:    details,
	})
	if err != nil {
		return fmt.Errorf("recording %s: %w", action, err)
	}
	return nil
}
