// ABOUTME: Entity types held by the configuration store
// ABOUTME: Servers, users, roles, access levels, wallets and the persisted Document

package store

import (
	"fmt"
	"maps"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DocumentVersion is the current persisted document layout version.
const DocumentVersion = 1

// UserID is the numeric platform identity of a user.
type UserID int64

func (u UserID) String() string { return strconv.FormatInt(int64(u), 10) }

// ParseUserID parses a decimal user id.
func ParseUserID(s string) (UserID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, invalid("user_id", "%q is not a positive number", s)
	}
	return UserID(n), nil
}

// Role is a user's standing with the bot.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleUser    Role = "user"
	RolePending Role = "pending"
	RoleBlocked Role = "blocked"
)

// ValidRoles lists all recognized roles.
var ValidRoles = []Role{RoleAdmin, RoleUser, RolePending, RoleBlocked}

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	for _, r := range ValidRoles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", invalid("role", "%q is not one of admin, user, pending, blocked", s)
}

// AccessLevel is the access a grant confers on one server.
// Levels are ordered none < read < trade < manage.
type AccessLevel string

const (
	AccessNone   AccessLevel = "none"
	AccessRead   AccessLevel = "read"
	AccessTrade  AccessLevel = "trade"
	AccessManage AccessLevel = "manage"
)

// ValidAccessLevels lists all recognized levels in ascending order.
var ValidAccessLevels = []AccessLevel{AccessNone, AccessRead, AccessTrade, AccessManage}

// Rank returns the position of l in the level ordering, or -1 if unknown.
func (l AccessLevel) Rank() int {
	for i, v := range ValidAccessLevels {
		if v == l {
			return i
		}
	}
	return -1
}

// AtLeast reports whether l grants at least required.
func (l AccessLevel) AtLeast(required AccessLevel) bool {
	r := l.Rank()
	return r >= 0 && r >= required.Rank()
}

// ParseAccessLevel validates a level string.
func ParseAccessLevel(s string) (AccessLevel, error) {
	l := AccessLevel(s)
	if l.Rank() < 0 {
		return "", invalid("level", "%q is not one of none, read, trade, manage", s)
	}
	return l, nil
}

// Transport selects how the pool talks to a backend server.
type Transport string

const (
	TransportHTTP Transport = "http"
	TransportGRPC Transport = "grpc"
)

// ServerEntry is one configured backend server.
type ServerEntry struct {
	ID        string    `yaml:"-"`
	Host      string    `yaml:"host"`
	Port      int       `yaml:"port"`
	Username  string    `yaml:"username,omitempty"`
	Password  string    `yaml:"password,omitempty"`
	Token     string    `yaml:"token,omitempty"`
	Transport Transport `yaml:"transport,omitempty"`
	Enabled   bool      `yaml:"enabled"`
	Owner     UserID    `yaml:"owner,omitempty"`
	CreatedAt time.Time `yaml:"created_at,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`

	// IsDefault is derived from Document.DefaultServer and never persisted
	// on the entry itself, so at most one entry can carry it.
	IsDefault bool `yaml:"-"`
}

// UnmarshalYAML treats a missing enabled key as enabled, so hand-written
// entries work without it.
func (e *ServerEntry) UnmarshalYAML(n *yaml.Node) error {
	type plain ServerEntry
	p := plain{Enabled: true}
	if err := n.Decode(&p); err != nil {
		return err
	}
	*e = ServerEntry(p)
	return nil
}

// Address returns host:port.
func (e ServerEntry) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Redacted returns a copy with credentials removed.
func (e ServerEntry) Redacted() ServerEntry {
	e.Password = ""
	e.Token = ""
	return e
}

// User is a known platform identity.
type User struct {
	ID        UserID    `yaml:"-"`
	Role      Role      `yaml:"role"`
	Username  string    `yaml:"username,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Wallet records a wallet registered on a server's gateway. The private key
// is never kept; only the derived address.
type Wallet struct {
	ID        string    `yaml:"id"`
	ServerID  string    `yaml:"-"`
	Chain     string    `yaml:"chain"`
	Address   string    `yaml:"address"`
	AddedBy   UserID    `yaml:"added_by"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Document is the complete persisted configuration.
type Document struct {
	Version       int                               `yaml:"version"`
	AdminID       UserID                            `yaml:"admin_id,omitempty"`
	DefaultServer string                            `yaml:"default_server,omitempty"`
	Servers       map[string]ServerEntry            `yaml:"servers"`
	Users         map[UserID]User                   `yaml:"users"`
	ServerAccess  map[UserID]map[string]AccessLevel `yaml:"server_access"`
	ChatDefaults  map[string]string                 `yaml:"chat_defaults,omitempty"`
	Wallets       map[string][]Wallet               `yaml:"wallets,omitempty"`
	AuditLog      []AuditEntry                      `yaml:"audit_log"`
}

// NewDocument returns an empty document at the current version.
func NewDocument() *Document {
	d := &Document{Version: DocumentVersion}
	d.normalize()
	return d
}

// normalize allocates nil maps and copies map keys into the entity id fields.
func (d *Document) normalize() {
	if d.Servers == nil {
		d.Servers = make(map[string]ServerEntry)
	}
	if d.Users == nil {
		d.Users = make(map[UserID]User)
	}
	if d.ServerAccess == nil {
		d.ServerAccess = make(map[UserID]map[string]AccessLevel)
	}
	if d.ChatDefaults == nil {
		d.ChatDefaults = make(map[string]string)
	}
	if d.Wallets == nil {
		d.Wallets = make(map[string][]Wallet)
	}
	for id, s := range d.Servers {
		s.ID = id
		s.IsDefault = false
		if s.Transport == "" {
			s.Transport = TransportHTTP
		}
		d.Servers[id] = s
	}
	for id, u := range d.Users {
		u.ID = id
		d.Users[id] = u
	}
	for sid, ws := range d.Wallets {
		for i := range ws {
			ws[i].ServerID = sid
		}
	}
	if d.DefaultServer != "" {
		if _, ok := d.Servers[d.DefaultServer]; !ok {
			d.DefaultServer = ""
		}
	}
}

// Clone returns a deep copy. The audit log shares its backing array with
// the original: entries are never modified in place and each Document only
// reads up to its own length.
func (d *Document) Clone() *Document {
	c := &Document{
		Version:       d.Version,
		AdminID:       d.AdminID,
		DefaultServer: d.DefaultServer,
		Servers:       maps.Clone(d.Servers),
		Users:         maps.Clone(d.Users),
		ServerAccess:  make(map[UserID]map[string]AccessLevel, len(d.ServerAccess)),
		ChatDefaults:  maps.Clone(d.ChatDefaults),
		Wallets:       make(map[string][]Wallet, len(d.Wallets)),
		AuditLog:      d.AuditLog,
	}
	for u, grants := range d.ServerAccess {
		c.ServerAccess[u] = maps.Clone(grants)
	}
	for s, ws := range d.Wallets {
		c.Wallets[s] = append([]Wallet(nil), ws...)
	}
	if c.Servers == nil {
		c.Servers = make(map[string]ServerEntry)
	}
	if c.Users == nil {
		c.Users = make(map[UserID]User)
	}
	if c.ChatDefaults == nil {
		c.ChatDefaults = make(map[string]string)
	}
	return c
}

// snapshot is a fully detached copy, including the audit log and details.
func (d *Document) snapshot() *Document {
	c := d.Clone()
	c.AuditLog = make([]AuditEntry, len(d.AuditLog))
	for i, e := range d.AuditLog {
		c.AuditLog[i] = e.clone()
	}
	return c
}

// server returns the entry with IsDefault filled in.
func (d *Document) server(id string) (ServerEntry, bool) {
	s, ok := d.Servers[id]
	if !ok {
		return ServerEntry{}, false
	}
	s.IsDefault = id == d.DefaultServer
	return s, true
}

func (d *Document) hasAdmin() bool {
	for _, u := range d.Users {
		if u.Role == RoleAdmin {
			return true
		}
	}
	return false
}
