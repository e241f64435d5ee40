// ABOUTME: Command table: server, user, wallet and gateway commands
// ABOUTME: Forms are started through the registry; direct actions audit themselves

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/2389/condor/internal/forms"
	"github.com/2389/condor/internal/pool"
	"github.com/2389/condor/internal/store"
)

const (
	defaultAuditRows = 10
	maxAuditRows     = 50
	maxListButtons   = 9
)

type command struct {
	name  string
	usage string
	help  string
	// admin commands need the admin role.
	admin bool
	// open commands are available to pending and blocked users.
	open bool
	run  func(ctx context.Context, c *call) (Response, error)
}

func (d *Dispatcher) registerCommands() {
	d.order = []*command{
		{name: "start", usage: "start", help: "introduction", open: true, run: d.cmdStart},
		{name: "help", usage: "help", help: "list commands", open: true, run: d.cmdHelp},
		{name: "whoami", usage: "whoami", help: "show your role and access", open: true, run: d.cmdWhoami},
		{name: "cancel", usage: "cancel", help: "cancel the open form", run: d.cmdCancel},

		{name: "servers", usage: "servers", help: "list servers you can use", run: d.cmdServers},
		{name: "status", usage: "status [server]", help: "check a server now", run: d.cmdStatus},
		{name: "use", usage: "use <server|->", help: "set this chat's default server, or clear it with -", run: d.cmdUse},
		{name: "default", usage: "default <server>", help: "set the global default server", admin: true, run: d.cmdDefault},
		{name: "add_server", usage: "add_server", help: "register a server", admin: true, run: d.form(forms.KindAddServer, false)},
		{name: "edit_server", usage: "edit_server <server> [host|port|username|password]", help: "change a server's connection", run: d.cmdEditServer},
		{name: "delete_server", usage: "delete_server <server>", help: "remove a server", run: d.cmdDeleteServer},
		{name: "share", usage: "share <server>", help: "grant another user access", run: d.form(forms.KindShareServer, true)},
		{name: "revoke", usage: "revoke <server> <user>", help: "remove a user's access", run: d.cmdRevoke},

		{name: "wallets", usage: "wallets [server]", help: "list wallets", run: d.cmdWallets},
		{name: "add_wallet", usage: "add_wallet [server]", help: "add a wallet", run: d.form(forms.KindAddWallet, false)},
		{name: "remove_wallet", usage: "remove_wallet <wallet-id>", help: "remove a wallet", run: d.cmdRemoveWallet},
		{name: "connector", usage: "connector [name] [server]", help: "edit a connector's settings", run: d.resourceCommand(forms.KindEditConnector, "connector")},
		{name: "network", usage: "network [name] [server]", help: "edit a network's settings", run: d.resourceCommand(forms.KindEditNetwork, "network")},
		{name: "add_token", usage: "add_token [server]", help: "add a token", run: d.form(forms.KindAddToken, false)},
		{name: "remove_token", usage: "remove_token [server]", help: "remove a token", run: d.form(forms.KindRemoveToken, false)},
		{name: "add_pool", usage: "add_pool [server]", help: "add a pool", run: d.form(forms.KindAddPool, false)},
		{name: "remove_pool", usage: "remove_pool [server]", help: "remove a pool", run: d.form(forms.KindRemovePool, false)},

		{name: "users", usage: "users", help: "list users", admin: true, run: d.cmdUsers},
		{name: "approve", usage: "approve <user>", help: "approve a pending user", admin: true, run: d.userCommand("approve", store.AuditUserApproved, "approved")},
		{name: "reject", usage: "reject <user>", help: "reject a pending user", admin: true, run: d.userCommand("reject", store.AuditUserRejected, "rejected")},
		{name: "block", usage: "block <user>", help: "block a user", admin: true, run: d.userCommand("block", store.AuditUserBlocked, "blocked")},
		{name: "unblock", usage: "unblock <user>", help: "unblock a user", admin: true, run: d.userCommand("unblock", store.AuditUserUnblocked, "unblocked")},
		{name: "promote", usage: "promote <user>", help: "make a user an admin", admin: true, run: d.userCommand("promote", store.AuditUserPromoted, "promoted to admin")},
		{name: "audit", usage: "audit [n]", help: "show recent audit entries", admin: true, run: d.cmdAudit},
	}
	d.commands = make(map[string]*command, len(d.order))
	for _, c := range d.order {
		d.commands[c.name] = c
	}
}

// Commands returns the command names in help order.
func (d *Dispatcher) Commands() []string {
	names := make([]string, len(d.order))
	for i, c := range d.order {
		names[i] = c.name
	}
	return names
}

func (d *Dispatcher) cmdStart(ctx context.Context, c *call) (Response, error) {
	switch c.user.Role {
	case store.RolePending:
		return text("Your access request is waiting for an admin."), nil
	case store.RoleBlocked:
		return text("You have been blocked from using this bot."), nil
	}
	help, err := d.cmdHelp(ctx, c)
	help.Text = lines("Welcome to condor.", help.Text)
	return help, err
}

func (d *Dispatcher) cmdHelp(_ context.Context, c *call) (Response, error) {
	parts := []string{"Commands:"}
	admin := c.user.Role == store.RoleAdmin
	active := admin || c.user.Role == store.RoleUser
	for _, cmd := range d.order {
		if (cmd.admin && !admin) || (!cmd.open && !active) {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s%s - %s", d.prefix, cmd.usage, cmd.help))
	}
	return Response{Text: lines(parts...)}, nil
}

func (d *Dispatcher) cmdWhoami(_ context.Context, c *call) (Response, error) {
	name := c.user.Username
	if name == "" {
		name = c.user.ID.String()
	}
	parts := []string{fmt.Sprintf("You are %s (id %s), role %s.", name, c.user.ID, c.user.Role)}
	if c.user.Role == store.RoleUser {
		grants := d.store.GrantsForUser(c.user.ID)
		ids := make([]string, 0, len(grants))
		for id := range grants {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			parts = append(parts, fmt.Sprintf("%s: %s", id, grants[id]))
		}
	}
	return Response{Text: lines(parts...)}, nil
}

func (d *Dispatcher) cmdCancel(_ context.Context, c *call) (Response, error) {
	v, err := d.flows.Cancel(c.key(), c.user.ID)
	if err != nil {
		return Response{}, err
	}
	return d.render(c.origin, v, ""), nil
}

// visibleServers returns the servers the user holds at least read on.
func (d *Dispatcher) visibleServers(id store.UserID) []store.ServerEntry {
	var out []store.ServerEntry
	for _, s := range d.store.ListServers() {
		if d.gate.EffectiveLevel(id, s.ID).AtLeast(store.AccessRead) {
			out = append(out, s)
		}
	}
	return out
}

func (d *Dispatcher) cmdServers(_ context.Context, c *call) (Response, error) {
	servers := d.visibleServers(c.user.ID)
	if len(servers) == 0 {
		return text("No servers available to you."), nil
	}
	current, _ := d.pool.ResolveDefault(c.user.ID, c.origin.ChatID)

	parts := []string{"Servers:"}
	var row []Button
	resp := Response{}
	for i, s := range servers {
		line := fmt.Sprintf("%s  %s  %s  %s", s.ID, s.Address(), s.Transport, d.pool.Health(s.ID).Status)
		if !s.Enabled {
			line += "  (disabled)"
		}
		if s.ID == current {
			line += "  [selected]"
		}
		if c.user.Role != store.RoleAdmin {
			line += "  " + string(d.gate.EffectiveLevel(c.user.ID, s.ID))
		}
		parts = append(parts, line)
		if i < maxListButtons {
			row = append(row, d.userButton(c.origin, action{op: opCommand, args: []string{"status", s.ID}}, s.ID))
			if len(row) == optionsPerRow {
				resp.Buttons = append(resp.Buttons, row)
				row = nil
			}
		}
	}
	if len(row) > 0 {
		resp.Buttons = append(resp.Buttons, row)
	}
	resp.Text = lines(parts...)
	return resp, nil
}

func (d *Dispatcher) cmdStatus(ctx context.Context, c *call) (Response, error) {
	id, err := d.serverArg(c, 0)
	if err != nil {
		return Response{}, err
	}
	if err := d.gate.Authorize(c.user.ID, id, store.AccessRead).Err(); err != nil {
		return Response{}, err
	}
	if _, err := d.store.GetServer(id); err != nil {
		return Response{}, err
	}
	h, err := d.pool.Refresh(ctx, id)
	if err != nil {
		return Response{}, err
	}
	parts := []string{fmt.Sprintf("%s: %s", id, h.Status)}
	if !h.CheckedAt.IsZero() {
		parts = append(parts, "Checked "+h.CheckedAt.UTC().Format(time.RFC3339))
	}
	if h.Error != "" {
		parts = append(parts, "Error: "+h.Error)
	}
	return Response{Text: lines(parts...)}, nil
}

func (d *Dispatcher) cmdUse(ctx context.Context, c *call) (Response, error) {
	id, err := requiredArg(c, 0, "use <server|->")
	if err != nil {
		return Response{}, err
	}
	if id == "-" {
		return d.clearChatDefault(ctx, c)
	}
	if err := d.gate.Authorize(c.user.ID, id, store.AccessRead).Err(); err != nil {
		return Response{}, err
	}
	if err := d.store.SetChatDefault(ctx, c.origin.ChatID, id); err != nil {
		return Response{}, err
	}
	if err := d.audit(ctx, c.user.ID, store.AuditChatDefaultSet, store.TargetServer, id, map[string]string{"chat_id": c.origin.ChatID}); err != nil {
		return Response{}, err
	}
	return text("This chat now uses %s.", id), nil
}

func (d *Dispatcher) clearChatDefault(ctx context.Context, c *call) (Response, error) {
	prev, err := d.store.ClearChatDefault(ctx, c.origin.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		return text("This chat has no server of its own."), nil
	}
	if err != nil {
		return Response{}, err
	}
	if err := d.audit(ctx, c.user.ID, store.AuditChatDefaultClear, store.TargetServer, prev, map[string]string{"chat_id": c.origin.ChatID}); err != nil {
		return Response{}, err
	}
	return text("This chat no longer uses %s.", prev), nil
}

func (d *Dispatcher) cmdDefault(ctx context.Context, c *call) (Response, error) {
	id, err := requiredArg(c, 0, "default <server>")
	if err != nil {
		return Response{}, err
	}
	if err := d.store.SetDefault(ctx, id); err != nil {
		return Response{}, err
	}
	if err := d.audit(ctx, c.user.ID, store.AuditServerDefaultSet, store.TargetServer, id, nil); err != nil {
		return Response{}, err
	}
	return text("%s is now the default server.", id), nil
}

// form returns a command that opens kind. With withServer the first
// argument names the server and is required; otherwise it is optional and
// falls back to the chat's default.
func (d *Dispatcher) form(kind forms.Kind, withServer bool) func(context.Context, *call) (Response, error) {
	return func(ctx context.Context, c *call) (Response, error) {
		req := forms.Request{Actor: c.user.ID}
		if kind != forms.KindAddServer {
			var err error
			if withServer {
				req.ServerID, err = requiredArg(c, 0, fmt.Sprintf("%s <server>", kind))
			} else {
				req.ServerID, err = d.serverArg(c, 0)
			}
			if err != nil {
				return Response{}, err
			}
		}
		return d.startForm(ctx, c, kind, req)
	}
}

func (d *Dispatcher) cmdEditServer(ctx context.Context, c *call) (Response, error) {
	id, err := requiredArg(c, 0, "edit_server <server> [field]")
	if err != nil {
		return Response{}, err
	}
	req := forms.Request{Actor: c.user.ID, ServerID: id}
	if len(c.args) > 1 {
		req.Field = strings.ToLower(c.args[1])
	}
	return d.startForm(ctx, c, forms.KindEditServer, req)
}

// resourceCommand opens an edit form for a named connector or network, or
// lists the names as buttons when none is given.
func (d *Dispatcher) resourceCommand(kind forms.Kind, noun string) func(context.Context, *call) (Response, error) {
	return func(ctx context.Context, c *call) (Response, error) {
		if len(c.args) > 0 {
			id, err := d.serverArg(c, 1)
			if err != nil {
				return Response{}, err
			}
			req := forms.Request{Actor: c.user.ID, ServerID: id, Resource: c.args[0]}
			return d.startForm(ctx, c, kind, req)
		}

		id, err := d.serverArg(c, 0)
		if err != nil {
			return Response{}, err
		}
		if err := d.forms.Authorize(kind, forms.Request{Actor: c.user.ID, ServerID: id}); err != nil {
			return Response{}, err
		}
		h, err := d.pool.GetClient(ctx, id)
		if err != nil {
			return Response{}, err
		}
		var names []string
		if kind == forms.KindEditConnector {
			names, err = h.ListConnectors(ctx)
		} else {
			names, err = h.ListNetworks(ctx)
		}
		if err != nil {
			return Response{}, err
		}
		if len(names) == 0 {
			return text("%s has no %ss.", id, noun), nil
		}
		slices.Sort(names)
		resp := Response{Text: fmt.Sprintf("Choose a %s on %s:", noun, id)}
		var row []Button
		for _, n := range names {
			row = append(row, d.userButton(c.origin, action{op: opCommand, args: []string{noun, n, id}}, n))
			if len(row) == optionsPerRow {
				resp.Buttons = append(resp.Buttons, row)
				row = nil
			}
		}
		if len(row) > 0 {
			resp.Buttons = append(resp.Buttons, row)
		}
		return resp, nil
	}
}

func (d *Dispatcher) startForm(ctx context.Context, c *call, kind forms.Kind, req forms.Request) (Response, error) {
	def, err := d.forms.Build(ctx, kind, req)
	if err != nil {
		return Response{}, err
	}
	v, err := d.flows.Start(ctx, c.key(), c.user.ID, def)
	if err != nil {
		return Response{}, err
	}
	return d.render(c.origin, v, ""), nil
}

func (d *Dispatcher) cmdDeleteServer(_ context.Context, c *call) (Response, error) {
	id, err := requiredArg(c, 0, "delete_server <server>")
	if err != nil {
		return Response{}, err
	}
	if err := d.gate.Authorize(c.user.ID, id, store.AccessManage).Err(); err != nil {
		return Response{}, err
	}
	s, err := d.store.GetServer(id)
	if err != nil {
		return Response{}, err
	}
	return Response{
		Text: fmt.Sprintf("Delete server %s (%s)? Its grants and wallet records go with it.", s.ID, s.Address()),
		Buttons: [][]Button{{
			d.userButton(c.origin, action{op: opDeleteServer, args: []string{id}}, "Delete "+id),
		}},
	}, nil
}

// deleteServer runs a confirmed delete_server.
func (d *Dispatcher) deleteServer(ctx context.Context, c *call) (Response, error) {
	id := c.args[0]
	if err := d.gate.Authorize(c.user.ID, id, store.AccessManage).Err(); err != nil {
		return Response{}, err
	}
	if err := d.store.DeleteServer(ctx, id); err != nil {
		return Response{}, err
	}
	if err := d.audit(ctx, c.user.ID, store.AuditServerDeleted, store.TargetServer, id, nil); err != nil {
		return Response{}, err
	}
	return text("Server %s deleted.", id), nil
}

func (d *Dispatcher) cmdRevoke(ctx context.Context, c *call) (Response, error) {
	const usage = "revoke <server> <user>"
	id, err := requiredArg(c, 0, usage)
	if err != nil {
		return Response{}, err
	}
	target, err := userArg(c, 1, usage)
	if err != nil {
		return Response{}, err
	}
	if err := d.gate.Authorize(c.user.ID, id, store.AccessManage).Err(); err != nil {
		return Response{}, err
	}
	if err := d.store.RevokeAccess(ctx, target, id); err != nil {
		return Response{}, err
	}
	if err := d.audit(ctx, c.user.ID, store.AuditAccessRevoked, store.TargetServer, id, map[string]string{"user_id": target.String()}); err != nil {
		return Response{}, err
	}
	return text("User %s no longer has access to %s.", target, id), nil
}

func (d *Dispatcher) cmdWallets(_ context.Context, c *call) (Response, error) {
	id, err := d.serverArg(c, 0)
	if err != nil {
		return Response{}, err
	}
	if err := d.gate.Authorize(c.user.ID, id, store.AccessRead).Err(); err != nil {
		return Response{}, err
	}
	wallets := d.store.ListWallets(id)
	if len(wallets) == 0 {
		return text("No wallets on %s.", id), nil
	}
	parts := []string{fmt.Sprintf("Wallets on %s:", id)}
	for _, w := range wallets {
		parts = append(parts, fmt.Sprintf("%s  %s  %s", w.ID, w.Chain, w.Address))
	}
	return Response{Text: lines(parts...)}, nil
}

func (d *Dispatcher) cmdRemoveWallet(ctx context.Context, c *call) (Response, error) {
	wid, err := requiredArg(c, 0, "remove_wallet <wallet-id>")
	if err != nil {
		return Response{}, err
	}
	w, err := d.store.GetWallet(wid)
	if err != nil {
		return Response{}, err
	}
	if err := d.gate.Authorize(c.user.ID, w.ServerID, store.AccessTrade).Err(); err != nil {
		return Response{}, err
	}
	details := map[string]string{"server_id": w.ServerID, "chain": w.Chain, "address": w.Address}
	h, err := d.pool.GetClient(ctx, w.ServerID)
	if err == nil {
		err = h.RemoveWallet(ctx, w.Chain, w.Address)
	}
	if err != nil {
		d.auditFailure(ctx, c.user.ID, store.AuditWalletRemoved, store.TargetWallet, w.ID, details)
		return Response{}, fmt.Errorf("removing wallet %s: %w", w.ID, err)
	}
	if err := d.store.RemoveWallet(ctx, w.ID); err != nil {
		return Response{}, err
	}
	if err := d.audit(ctx, c.user.ID, store.AuditWalletRemoved, store.TargetWallet, w.ID, details); err != nil {
		return Response{}, err
	}
	return text("Wallet %s removed from %s.", w.Address, w.ServerID), nil
}

func (d *Dispatcher) cmdUsers(_ context.Context, _ *call) (Response, error) {
	users := d.store.ListUsers()
	parts := []string{"Users:"}
	for _, u := range users {
		name := u.Username
		if name == "" {
			name = "-"
		}
		parts = append(parts, fmt.Sprintf("%s  %s  %s", u.ID, name, u.Role))
	}
	return Response{Text: lines(parts...)}, nil
}

// userCommand returns an admin command applying a role change to the user
// named by the first argument.
func (d *Dispatcher) userCommand(name string, act store.AuditAction, done string) func(context.Context, *call) (Response, error) {
	usage := name + " <user>"
	return func(ctx context.Context, c *call) (Response, error) {
		target, err := userArg(c, 0, usage)
		if err != nil {
			return Response{}, err
		}
		switch act {
		case store.AuditUserApproved:
			err = d.store.Approve(ctx, target)
		case store.AuditUserRejected:
			err = d.store.Reject(ctx, target)
		case store.AuditUserBlocked:
			err = d.store.Block(ctx, c.user.ID, target)
		case store.AuditUserUnblocked:
			err = d.store.Unblock(ctx, target)
		case store.AuditUserPromoted:
			err = d.store.Promote(ctx, target)
		}
		if err != nil {
			return Response{}, err
		}
		if err := d.audit(ctx, c.user.ID, act, store.TargetUser, target.String(), nil); err != nil {
			return Response{}, err
		}
		if act == store.AuditUserBlocked || act == store.AuditUserRejected {
			d.flows.CancelOwnedBy(target)
		}
		d.logger.Info("user role changed", "action", act, "user_id", target, "by", c.user.ID)
		return text("User %s %s.", target, done), nil
	}
}

func (d *Dispatcher) cmdAudit(_ context.Context, c *call) (Response, error) {
	n := defaultAuditRows
	if len(c.args) > 0 {
		v, err := strconv.Atoi(c.args[0])
		if err != nil || v <= 0 {
			return Response{}, errUsage{"audit [n]"}
		}
		n = min(v, maxAuditRows)
	}
	entries := d.store.RecentAudit(store.AuditFilter{}, n)
	if len(entries) == 0 {
		return text("The audit log is empty."), nil
	}
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("#%d %s %s %s %s/%s %s",
			e.Seq, e.Timestamp.UTC().Format(time.DateTime), e.Actor, e.Action, e.TargetType, e.TargetID, e.Outcome))
	}
	return Response{Text: lines(parts...)}, nil
}

// serverArg returns args[i] or the server the user would use by default in
// this chat.
func (d *Dispatcher) serverArg(c *call, i int) (string, error) {
	if len(c.args) > i && c.args[i] != "" {
		return c.args[i], nil
	}
	id, ok := d.pool.ResolveDefault(c.user.ID, c.origin.ChatID)
	if !ok {
		return "", pool.ErrNoDefault
	}
	return id, nil
}

func requiredArg(c *call, i int, usage string) (string, error) {
	if len(c.args) <= i || c.args[i] == "" {
		return "", errUsage{usage}
	}
	return c.args[i], nil
}

func userArg(c *call, i int, usage string) (store.UserID, error) {
	s, err := requiredArg(c, i, usage)
	if err != nil {
		return 0, err
	}
	return store.ParseUserID(s)
}

func (d *Dispatcher) auditFailure(ctx context.Context, actor store.UserID, act store.AuditAction, targetType, targetID string, details map[string]string) {
	_, err := d.store.AppendAudit(ctx, store.AuditEntry{
		Actor:      actor,
		Action:     act,
		TargetType: targetType,
		TargetID:   targetID,
		Outcome:    store.OutcomeFailure,
		Details:    details,
	})
	if err != nil {
		d.logger.Error("audit append failed", "action", act, "error", err)
	}
}
