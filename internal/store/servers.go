// ABOUTME: Server entry operations on the configuration store
// ABOUTME: Validation, add/upsert/delete, global and per-chat default selection

package store

import (
	"context"
	"net"
	"regexp"
	"slices"
	"strings"
)

var (
	serverIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)
	hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)
)

// ValidateServerID checks the id format used as the server's key.
func ValidateServerID(id string) error {
	if !serverIDPattern.MatchString(id) {
		return invalid("id", "%q must be 1-64 letters, digits, '.', '_' or '-'", id)
	}
	return nil
}

// ValidateHost accepts a hostname or an IP literal without scheme or port.
func ValidateHost(host string) error {
	if host == "" {
		return invalid("host", "must not be empty")
	}
	if strings.Contains(host, "://") {
		return invalid("host", "%q must not include a scheme", host)
	}
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return nil
	}
	if len(host) > 253 || !hostnamePattern.MatchString(host) {
		return invalid("host", "%q is not a valid hostname or IP address", host)
	}
	return nil
}

// ValidatePort checks the TCP port range.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return invalid("port", "%d is outside 1-65535", port)
	}
	return nil
}

func validateServer(e ServerEntry) error {
	if err := ValidateServerID(e.ID); err != nil {
		return err
	}
	if err := ValidateHost(e.Host); err != nil {
		return err
	}
	if err := ValidatePort(e.Port); err != nil {
		return err
	}
	switch e.Transport {
	case "", TransportHTTP, TransportGRPC:
	default:
		return invalid("transport", "%q is not one of http, grpc", e.Transport)
	}
	return nil
}

// GetServer returns the entry for id.
func (s *Store) GetServer(id string) (ServerEntry, error) {
	var (
		e  ServerEntry
		ok bool
	)
	s.view(func(d *Document) { e, ok = d.server(id) })
	if !ok {
		return ServerEntry{}, notFound("server", id)
	}
	return e, nil
}

// ListServers returns all entries ordered by id.
func (s *Store) ListServers() []ServerEntry {
	var out []ServerEntry
	s.view(func(d *Document) {
		out = make([]ServerEntry, 0, len(d.Servers))
		for id := range d.Servers {
			e, _ := d.server(id)
			out = append(out, e)
		}
	})
	slices.SortFunc(out, func(a, b ServerEntry) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// DefaultServer returns the global default server id, if any.
func (s *Store) DefaultServer() (string, bool) {
	var id string
	s.view(func(d *Document) { id = d.DefaultServer })
	return id, id != ""
}

// AddServer creates a new entry and fails with ErrDuplicate if the id is taken.
// The creator is recorded as owner and, unless an admin, receives a manage grant.
func (s *Store) AddServer(ctx context.Context, e ServerEntry) error {
	if err := validateServer(e); err != nil {
		return err
	}
	return s.mutate(ctx, "add_server", false, func(d *Document) ([]Change, error) {
		if _, exists := d.Servers[e.ID]; exists {
			return nil, duplicate("id", e.ID)
		}
		changes := s.putServer(d, e, nil)
		if e.Owner != 0 {
			if u, ok := d.Users[e.Owner]; ok && u.Role != RoleAdmin {
				setGrant(d, e.Owner, e.ID, AccessManage)
				changes = append(changes, Change{Kind: ChangeGrant, UserID: e.Owner, ServerID: e.ID})
			}
		}
		return changes, nil
	})
}

// UpsertServer creates or replaces an entry. Owner and creation time of an
// existing entry are preserved when the update leaves them zero. An entry
// with IsDefault set also becomes the global default.
func (s *Store) UpsertServer(ctx context.Context, e ServerEntry) error {
	if err := validateServer(e); err != nil {
		return err
	}
	return s.mutate(ctx, "upsert_server", false, func(d *Document) ([]Change, error) {
		var prev *ServerEntry
		if old, ok := d.Servers[e.ID]; ok {
			prev = &old
		}
		return s.putServer(d, e, prev), nil
	})
}

func (s *Store) putServer(d *Document, e ServerEntry, prev *ServerEntry) []Change {
	now := s.now().UTC()
	kind := ChangeServerAdded
	if prev != nil {
		kind = ChangeServerUpdated
		if e.Owner == 0 {
			e.Owner = prev.Owner
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = prev.CreatedAt
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.Transport == "" {
		e.Transport = TransportHTTP
	}
	e.UpdatedAt = now

	makeDefault := e.IsDefault
	e.IsDefault = false
	d.Servers[e.ID] = e

	after, _ := d.server(e.ID)
	changes := []Change{{Kind: kind, ServerID: e.ID, Server: &after}}
	if makeDefault && d.DefaultServer != e.ID {
		d.DefaultServer = e.ID
		changes = append(changes, Change{Kind: ChangeDefault, ServerID: e.ID})
	}
	return changes
}

// DeleteServer removes an entry together with its grants, wallet records and
// any chat defaults pointing at it. Deleting the default clears the default.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	return s.mutate(ctx, "delete_server", false, func(d *Document) ([]Change, error) {
		if _, ok := d.Servers[id]; !ok {
			return nil, notFound("server", id)
		}
		delete(d.Servers, id)
		changes := []Change{{Kind: ChangeServerDeleted, ServerID: id}}

		if d.DefaultServer == id {
			d.DefaultServer = ""
			changes = append(changes, Change{Kind: ChangeDefault})
		}
		for u, grants := range d.ServerAccess {
			if _, ok := grants[id]; ok {
				delete(grants, id)
				if len(grants) == 0 {
					delete(d.ServerAccess, u)
				}
			}
		}
		for chat, sid := range d.ChatDefaults {
			if sid == id {
				delete(d.ChatDefaults, chat)
			}
		}
		delete(d.Wallets, id)
		return changes, nil
	})
}

// SetDefault makes id the global default, clearing the previous one.
func (s *Store) SetDefault(ctx context.Context, id string) error {
	return s.mutate(ctx, "set_default", false, func(d *Document) ([]Change, error) {
		if _, ok := d.Servers[id]; !ok {
			return nil, notFound("server", id)
		}
		if d.DefaultServer == id {
			return nil, nil
		}
		d.DefaultServer = id
		return []Change{{Kind: ChangeDefault, ServerID: id}}, nil
	})
}

// SetChatDefault selects the server used by default in one chat.
func (s *Store) SetChatDefault(ctx context.Context, chatID, serverID string) error {
	if chatID == "" {
		return invalid("chat_id", "must not be empty")
	}
	return s.mutate(ctx, "set_chat_default", false, func(d *Document) ([]Change, error) {
		if _, ok := d.Servers[serverID]; !ok {
			return nil, notFound("server", serverID)
		}
		if d.ChatDefaults[chatID] == serverID {
			return nil, nil
		}
		d.ChatDefaults[chatID] = serverID
		return []Change{{Kind: ChangeChatDefault, ServerID: serverID}}, nil
	})
}

// ClearChatDefault removes the chat's own default and returns the server it
// named. A chat without one yields ErrNotFound.
func (s *Store) ClearChatDefault(ctx context.Context, chatID string) (string, error) {
	var prev string
	err := s.mutate(ctx, "clear_chat_default", false, func(d *Document) ([]Change, error) {
		id, ok := d.ChatDefaults[chatID]
		if !ok {
			return nil, notFound("chat default", chatID)
		}
		delete(d.ChatDefaults, chatID)
		prev = id
		return []Change{{Kind: ChangeChatDefault, ServerID: id}}, nil
	})
	return prev, err
}

// ChatDefault returns the server selected for a chat, if any.
func (s *Store) ChatDefault(chatID string) (string, bool) {
	var id string
	s.view(func(d *Document) { id = d.ChatDefaults[chatID] })
	return id, id != ""
}

// ResolveDefault picks the server to use for a chat: the chat default, then
// the global default, then the first server by id. Only enabled servers
// accepted by allowed are considered; a nil allowed accepts all. allowed is
// called without the store lock held.
func (s *Store) ResolveDefault(chatID string, allowed func(serverID string) bool) (string, bool) {
	var candidates []string
	s.view(func(d *Document) {
		enabled := func(id string) bool {
			e, ok := d.Servers[id]
			return ok && e.Enabled
		}
		if id := d.ChatDefaults[chatID]; chatID != "" && id != "" && enabled(id) {
			candidates = append(candidates, id)
		}
		if d.DefaultServer != "" && enabled(d.DefaultServer) {
			candidates = append(candidates, d.DefaultServer)
		}
		ids := make([]string, 0, len(d.Servers))
		for id := range d.Servers {
			if enabled(id) {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
		candidates = append(candidates, ids...)
	})

	for _, id := range candidates {
		if allowed == nil || allowed(id) {
			return id, true
		}
	}
	return "", false
}
