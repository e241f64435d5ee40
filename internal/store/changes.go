// ABOUTME: Change notifications emitted after durable store mutations
// ABOUTME: Listeners run synchronously on the writer before the caller is released

package store

// ChangeKind identifies what a mutation touched.
type ChangeKind string

const (
	ChangeServerAdded   ChangeKind = "server_added"
	ChangeServerUpdated ChangeKind = "server_updated"
	ChangeServerDeleted ChangeKind = "server_deleted"
	ChangeDefault       ChangeKind = "default_changed"
	ChangeChatDefault   ChangeKind = "chat_default_changed"
	ChangeUser          ChangeKind = "user_changed"
	ChangeGrant         ChangeKind = "grant_changed"
	ChangeWallet        ChangeKind = "wallet_changed"
	ChangeAudit         ChangeKind = "audit_appended"
)

// Change describes one effect of a mutation. Server carries the entry after
// the change for added/updated servers.
type Change struct {
	Kind     ChangeKind
	ServerID string
	UserID   UserID
	Server   *ServerEntry
}

// Listener receives changes. It runs on the writer goroutine and must not
// call back into Store mutations.
type Listener func(Change)

// Watch registers l and returns a function that removes it.
func (s *Store) Watch(l Listener) (cancel func()) {
	s.listenMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	s.listenMu.Unlock()

	return func() {
		s.listenMu.Lock()
		delete(s.listeners, id)
		s.listenMu.Unlock()
	}
}

func (s *Store) notify(changes []Change) {
	s.listenMu.RLock()
	targets := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		targets = append(targets, l)
	}
	s.listenMu.RUnlock()

	for _, c := range changes {
		for _, l := range targets {
			l(c)
		}
	}
}
