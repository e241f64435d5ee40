// ABOUTME: Matrix bridge: sync loop, message routing and replies
// ABOUTME: Implements the dispatcher's Notifier for admin and expiry messages

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/condor/internal/config"
	"github.com/2389/condor/internal/dispatch"
	"github.com/2389/condor/internal/flow"
	"github.com/2389/condor/internal/ttlcache"
)

const (
	typingTimeout  = 30 * time.Second
	networkTimeout = 10 * time.Second
	sendTimeout    = 30 * time.Second
	seenTTL        = time.Hour
	maxSeen        = 10000
	maxMenus       = 5000
)

// Dispatcher handles the three kinds of user input.
type Dispatcher interface {
	HandleCommand(ctx context.Context, o dispatch.Origin, name string, args []string) dispatch.Response
	HandleButton(ctx context.Context, o dispatch.Origin, token string) dispatch.Response
	HandleText(ctx context.Context, o dispatch.Origin, text string) dispatch.Response
}

// Options configures a Bridge.
type Options struct {
	// DataDir holds the encryption store.
	DataDir string
	// MenuTTL bounds how long a numbered menu can be answered. It should
	// match the dispatcher's button lifetime.
	MenuTTL time.Duration
	Logger  *slog.Logger
}

// poster is the outbound side of the Matrix client.
type poster interface {
	post(ctx context.Context, room id.RoomID, content *event.MessageEventContent) error
	typing(ctx context.Context, room id.RoomID, on bool) error
}

type clientPoster struct{ client *mautrix.Client }

func (p clientPoster) post(ctx context.Context, room id.RoomID, content *event.MessageEventContent) error {
	_, err := p.client.SendMessageEvent(ctx, room, event.EventMessage, content)
	return err
}

func (p clientPoster) typing(ctx context.Context, room id.RoomID, on bool) error {
	var timeout time.Duration
	if on {
		timeout = typingTimeout
	}
	_, err := p.client.UserTyping(ctx, room, on, timeout)
	return err
}

// Bridge connects Matrix rooms to a Dispatcher.
type Bridge struct {
	cfg      config.MatrixConfig
	client   *mautrix.Client
	out      poster
	dispatch Dispatcher
	logger   *slog.Logger
	dataDir  string

	self    id.UserID
	allowed map[string]bool
	seen    *ttlcache.Cache[struct{}]
	menus   *ttlcache.Cache[[]dispatch.Button]
	lanes   *lanes
	crypto  *cryptohelper.CryptoHelper

	// ctx outlives individual sync callbacks so queued work can finish.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a bridge for cfg. Call Login before Run.
func New(cfg config.MatrixConfig, d Dispatcher, opts Options) (*Bridge, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	b := newBridge(cfg, d, clientPoster{client}, opts)
	b.client = client
	return b, nil
}

func newBridge(cfg config.MatrixConfig, d Dispatcher, out poster, opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MenuTTL <= 0 {
		opts.MenuTTL = dispatch.DefaultCallbackTTL
	}
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = config.DefaultCommandPrefix
	}
	allowed := make(map[string]bool, len(cfg.AllowedRooms)+1)
	for _, r := range cfg.AllowedRooms {
		allowed[r] = true
	}
	if cfg.AdminRoom != "" && len(allowed) > 0 {
		allowed[cfg.AdminRoom] = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:      cfg,
		out:      out,
		dispatch: d,
		logger:   opts.Logger.With("component", "matrix"),
		dataDir:  opts.DataDir,
		self:     id.UserID(cfg.UserID),
		allowed:  allowed,
		seen:     ttlcache.New[struct{}](seenTTL, maxSeen),
		menus:    ttlcache.New[[]dispatch.Button](opts.MenuTTL, maxMenus),
		lanes:    newLanes(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Login authenticates with the access token or the password and sets up
// encryption when configured.
func (b *Bridge) Login(ctx context.Context) error {
	if b.cfg.AccessToken != "" {
		resp, err := b.client.Whoami(ctx)
		if err != nil {
			return fmt.Errorf("checking access token: %w", err)
		}
		b.client.UserID = resp.UserID
		b.client.DeviceID = resp.DeviceID
	} else {
		_, err := b.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: b.cfg.Username,
			},
			Password:                 b.cfg.Password,
			InitialDeviceDisplayName: "condor",
			StoreCredentials:         true,
		})
		if err != nil {
			return fmt.Errorf("password login: %w", err)
		}
	}
	b.self = b.client.UserID
	b.logger.Info("logged in", "user_id", b.self, "device_id", b.client.DeviceID)

	if b.cfg.Encryption || b.cfg.RecoveryKey != "" {
		helper, err := setupCrypto(ctx, b.client, b.cfg.RecoveryKey, b.dataDir, b.logger)
		if err != nil {
			return err
		}
		b.crypto = helper
	}
	return nil
}

// Run syncs until ctx is cancelled. Messages already queued are finished
// before it returns.
func (b *Bridge) Run(ctx context.Context) error {
	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}
	syncer.OnSync(b.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)
	syncer.OnEventType(event.StateMember, b.handleMemberEvent)

	b.logger.Info("=== MATRIX BRIDGE ONLINE ===", "homeserver", b.cfg.Homeserver, "user_id", b.self)

	syncErr := make(chan error, 1)
	go func() { syncErr <- b.client.SyncWithContext(ctx) }()

	var err error
	select {
	case <-ctx.Done():
		b.client.StopSync()
	case err = <-syncErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("matrix sync failed: %w", err)
		} else {
			err = nil
		}
	}
	b.lanes.wait()
	b.logger.Info("matrix bridge stopped")
	return err
}

// Close stops queued work and releases resources.
func (b *Bridge) Close() error {
	b.cancel()
	b.lanes.wait()
	b.seen.Close()
	b.menus.Close()
	if b.crypto != nil {
		return b.crypto.Close()
	}
	return nil
}

// NotifyAdmins posts resp in the admin room.
func (b *Bridge) NotifyAdmins(ctx context.Context, resp dispatch.Response) error {
	if b.cfg.AdminRoom == "" {
		b.logger.Warn("no admin room configured, dropping admin notice")
		return nil
	}
	return b.send(ctx, flow.Key{Chat: b.cfg.AdminRoom}, resp)
}

// NotifyChat posts resp in the room and thread named by key.
func (b *Bridge) NotifyChat(ctx context.Context, key flow.Key, resp dispatch.Response) error {
	return b.send(ctx, key, resp)
}

func (b *Bridge) roomAllowed(room string) bool {
	return len(b.allowed) == 0 || b.allowed[room]
}

// incoming is a text message reduced to what routing needs.
type incoming struct {
	eventID id.EventID
	room    id.RoomID
	sender  id.UserID
	thread  id.EventID
	body    string
}

func (b *Bridge) handleMessageEvent(_ context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}
	msg := incoming{
		eventID: evt.ID,
		room:    evt.RoomID,
		sender:  evt.Sender,
		body:    content.Body,
	}
	if content.RelatesTo != nil {
		msg.thread = content.RelatesTo.GetThreadParent()
	}
	b.enqueue(msg)
}

// enqueue filters msg and queues it behind earlier messages from the same
// conversation.
func (b *Bridge) enqueue(msg incoming) {
	if msg.sender == b.self {
		return
	}
	if !b.roomAllowed(msg.room.String()) {
		b.logger.Debug("ignoring message from room not allowed", "room", msg.room)
		return
	}
	if msg.eventID != "" && b.seen.CheckAndMark(msg.eventID.String()) {
		return
	}
	key := flow.Key{Chat: msg.room.String(), Topic: msg.thread.String()}
	b.lanes.submit(key.String(), func() { b.handle(b.ctx, msg) })
}

// handle routes one message and posts the response.
func (b *Bridge) handle(ctx context.Context, msg incoming) {
	if ctx.Err() != nil {
		return
	}
	key := flow.Key{Chat: msg.room.String(), Topic: msg.thread.String()}
	o := dispatch.Origin{
		UserID:   UserIDFor(msg.sender.String()),
		Username: msg.sender.String(),
		ChatID:   key.Chat,
		Topic:    key.Topic,
	}

	body := strings.TrimSpace(msg.body)
	rest, isCommand := strings.CutPrefix(body, b.cfg.CommandPrefix)
	rest = strings.TrimSpace(rest)

	if isCommand && rest != "" && b.cfg.TypingIndicator {
		b.setTyping(msg.room, true)
		defer b.setTyping(msg.room, false)
	}

	var resp dispatch.Response
	switch {
	case !isCommand:
		resp = b.dispatch.HandleText(ctx, o, body)
	case rest == "":
		return
	case isNumber(rest):
		n, _ := strconv.Atoi(rest)
		menu, _ := b.menus.Get(key.String())
		if n < 1 || n > len(menu) {
			resp = dispatch.Response{Text: fmt.Sprintf("There is no option %d here.", n)}
			break
		}
		resp = b.dispatch.HandleButton(ctx, o, menu[n-1].Token)
	default:
		fields := strings.Fields(rest)
		b.logger.Debug("command", "room", msg.room, "sender", msg.sender, "name", fields[0])
		resp = b.dispatch.HandleCommand(ctx, o, fields[0], fields[1:])
	}

	if resp.Empty() {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := b.send(sendCtx, key, resp); err != nil {
		b.logger.Error("sending response", "room", msg.room, "error", err)
	}
}

// send posts resp and makes its buttons the conversation's menu.
func (b *Bridge) send(ctx context.Context, key flow.Key, resp dispatch.Response) error {
	content := render(resp, b.cfg.CommandPrefix, id.EventID(key.Topic))
	if err := b.out.post(ctx, id.RoomID(key.Chat), content); err != nil {
		return fmt.Errorf("posting to %s: %w", key.Chat, err)
	}
	if buttons := resp.Flat(); len(buttons) > 0 {
		b.menus.Put(key.String(), slices.Clone(buttons))
	} else {
		b.menus.Delete(key.String())
	}
	return nil
}

func (b *Bridge) handleMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != b.self.String() {
		return
	}
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite {
		return
	}
	room := evt.RoomID.String()
	if !b.roomAllowed(room) {
		b.logger.Info("ignoring invite to room not allowed", "room", room, "inviter", evt.Sender)
		return
	}
	joinCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := b.client.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		b.logger.Error("joining room", "room", room, "error", err)
		return
	}
	b.logger.Info("joined room", "room", room, "inviter", evt.Sender)
}

func (b *Bridge) setTyping(room id.RoomID, on bool) {
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if err := b.out.typing(ctx, room, on); err != nil {
		b.logger.Debug("typing indicator failed", "room", room, "error", err)
	}
}

func isNumber(s string) bool {
	if s == "" || len(s) > 4 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
