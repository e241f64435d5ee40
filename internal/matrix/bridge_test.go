// ABOUTME: Tests for message routing, menus and notifications in the bridge
// ABOUTME: Uses a recording dispatcher and poster in place of the Matrix client

package matrix

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/condor/internal/config"
	"github.com/2389/condor/internal/dispatch"
	"github.com/2389/condor/internal/flow"
)

const (
	room      = id.RoomID("!ops:example.org")
	adminRoom = id.RoomID("!admin:example.org")
	alice     = id.UserID("@alice:example.org")
	bot       = id.UserID("@condor:example.org")
)

type handled struct {
	kind   string
	origin dispatch.Origin
	name   string
	args   []string
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []handled
	reply func(h handled) dispatch.Response
}

func (d *recordingDispatcher) record(h handled) dispatch.Response {
	d.mu.Lock()
	d.calls = append(d.calls, h)
	reply := d.reply
	d.mu.Unlock()
	if reply == nil {
		return dispatch.Response{}
	}
	return reply(h)
}

func (d *recordingDispatcher) HandleCommand(_ context.Context, o dispatch.Origin, name string, args []string) dispatch.Response {
	return d.record(handled{kind: "command", origin: o, name: name, args: args})
}

func (d *recordingDispatcher) HandleButton(_ context.Context, o dispatch.Origin, token string) dispatch.Response {
	return d.record(handled{kind: "button", origin: o, name: token})
}

func (d *recordingDispatcher) HandleText(_ context.Context, o dispatch.Origin, text string) dispatch.Response {
	return d.record(handled{kind: "text", origin: o, name: text})
}

func (d *recordingDispatcher) all() []handled {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]handled(nil), d.calls...)
}

type sent struct {
	room    id.RoomID
	content *event.MessageEventContent
}

type recordingPoster struct {
	mu     sync.Mutex
	posts  []sent
	typings []bool
}

func (p *recordingPoster) post(_ context.Context, r id.RoomID, c *event.MessageEventContent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, sent{r, c})
	return nil
}

func (p *recordingPoster) typing(_ context.Context, _ id.RoomID, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typings = append(p.typings, on)
	return nil
}

func (p *recordingPoster) all() []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sent(nil), p.posts...)
}

func setupBridge(t *testing.T, cfg config.MatrixConfig) (*Bridge, *recordingDispatcher, *recordingPoster) {
	t.Helper()
	cfg.UserID = bot.String()
	d := &recordingDispatcher{}
	p := &recordingPoster{}
	b := newBridge(cfg, d, p, Options{})
	t.Cleanup(func() { _ = b.Close() })
	return b, d, p
}

var nextEvent int

func message(sender id.UserID, r id.RoomID, thread id.EventID, body string) incoming {
	nextEvent++
	return incoming{
		eventID: id.EventID(fmt.Sprintf("$e%d", nextEvent)),
		room:    r,
		sender:  sender,
		thread:  thread,
		body:    body,
	}
}

func TestRouting(t *testing.T) {
	b, d, _ := setupBridge(t, config.MatrixConfig{})

	b.enqueue(message(alice, room, "", "!servers"))
	b.enqueue(message(alice, room, "", "  !status   main  "))
	b.enqueue(message(alice, room, "", "localhost"))
	b.enqueue(message(alice, room, "", "!"))
	b.lanes.wait()

	calls := d.all()
	require.Len(t, calls, 3)
	assert.Equal(t, handled{kind: "command", origin: calls[0].origin, name: "servers", args: []string{}}, calls[0])
	assert.Equal(t, "status", calls[1].name)
	assert.Equal(t, []string{"main"}, calls[1].args)
	assert.Equal(t, "text", calls[2].kind)
	assert.Equal(t, "localhost", calls[2].name)

	o := calls[0].origin
	assert.Equal(t, UserIDFor(alice.String()), o.UserID)
	assert.Equal(t, alice.String(), o.Username)
	assert.Equal(t, room.String(), o.ChatID)
	assert.Empty(t, o.Topic)
}

func TestRouting_Filters(t *testing.T) {
	b, d, _ := setupBridge(t, config.MatrixConfig{AllowedRooms: []string{room.String()}, AdminRoom: adminRoom.String()})

	b.enqueue(message(bot, room, "", "!servers"))
	b.enqueue(message(alice, "!other:example.org", "", "!servers"))
	dup := message(alice, room, "", "!whoami")
	b.enqueue(dup)
	b.enqueue(dup)
	b.enqueue(message(alice, adminRoom, "", "!users"))
	b.lanes.wait()

	var names []string
	for _, c := range d.all() {
		names = append(names, c.name)
	}
	assert.ElementsMatch(t, []string{"whoami", "users"}, names)
}

func TestMenuPressesButton(t *testing.T) {
	b, d, p := setupBridge(t, config.MatrixConfig{})
	d.reply = func(h handled) dispatch.Response {
		if h.kind != "command" {
			return dispatch.Response{Text: "pressed " + h.name}
		}
		return dispatch.Response{
			Text: "Pick one",
			Buttons: [][]dispatch.Button{
				{{Label: "ethereum", Token: "tok-eth"}, {Label: "solana", Token: "tok-sol"}},
				{{Label: "Cancel", Token: "tok-cancel"}},
			},
		}
	}

	b.enqueue(message(alice, room, "", "!add_wallet"))
	b.enqueue(message(alice, room, "", "!3"))
	b.enqueue(message(alice, room, "", "!7"))
	b.lanes.wait()

	calls := d.all()
	require.Len(t, calls, 2)
	assert.Equal(t, "button", calls[1].kind)
	assert.Equal(t, "tok-cancel", calls[1].name)

	posts := p.all()
	require.Len(t, posts, 3)
	assert.Contains(t, posts[0].content.Body, "1. ethereum\n2. solana\n3. Cancel")
	assert.Equal(t, "pressed tok-cancel", posts[1].content.Body)
	// The reply without buttons cleared the menu.
	assert.Equal(t, "There is no option 7 here.", posts[2].content.Body)
}

func TestThreadsAreSeparateConversations(t *testing.T) {
	b, d, p := setupBridge(t, config.MatrixConfig{})
	d.reply = func(h handled) dispatch.Response {
		return dispatch.Response{Text: "ok", Buttons: [][]dispatch.Button{{{Label: "Go", Token: "tok-" + h.origin.Topic}}}}
	}

	b.enqueue(message(alice, room, "$root", "!add_server"))
	b.lanes.wait()
	b.enqueue(message(alice, room, "", "!servers"))
	b.lanes.wait()
	b.enqueue(message(alice, room, "", "!1"))
	b.lanes.wait()
	b.enqueue(message(alice, room, "$root", "!1"))
	b.lanes.wait()

	calls := d.all()
	require.Len(t, calls, 4)
	assert.Equal(t, "$root", calls[0].origin.Topic)
	assert.Equal(t, "button", calls[2].kind)
	assert.Equal(t, "tok-", calls[2].name)
	assert.Equal(t, "tok-$root", calls[3].name)

	posts := p.all()
	require.NotNil(t, posts[0].content.RelatesTo)
	assert.Equal(t, id.EventID("$root"), posts[0].content.RelatesTo.GetThreadParent())
	assert.Nil(t, posts[1].content.RelatesTo)
}

func TestEmptyResponseIsNotSent(t *testing.T) {
	b, _, p := setupBridge(t, config.MatrixConfig{})
	b.enqueue(message(alice, room, "", "just chatting"))
	b.lanes.wait()
	assert.Empty(t, p.all())
}

func TestTypingIndicator(t *testing.T) {
	b, d, p := setupBridge(t, config.MatrixConfig{TypingIndicator: true})
	d.reply = func(handled) dispatch.Response { return dispatch.Response{Text: "ok"} }

	b.enqueue(message(alice, room, "", "!status"))
	b.enqueue(message(alice, room, "", "plain text"))
	b.lanes.wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, []bool{true, false}, p.typings)
}

func TestNotify(t *testing.T) {
	b, _, p := setupBridge(t, config.MatrixConfig{AdminRoom: adminRoom.String()})

	require.NoError(t, b.NotifyAdmins(context.Background(), dispatch.Response{Text: "New user"}))
	require.NoError(t, b.NotifyChat(context.Background(), flow.Key{Chat: room.String(), Topic: "$t"}, dispatch.Response{Text: "expired"}))

	posts := p.all()
	require.Len(t, posts, 2)
	assert.Equal(t, adminRoom, posts[0].room)
	assert.Equal(t, room, posts[1].room)
	assert.Equal(t, id.EventID("$t"), posts[1].content.RelatesTo.GetThreadParent())

	b2, _, p2 := setupBridge(t, config.MatrixConfig{})
	require.NoError(t, b2.NotifyAdmins(context.Background(), dispatch.Response{Text: "x"}))
	assert.Empty(t, p2.all())
}
