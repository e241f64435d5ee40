// ABOUTME: SQLite persister for the configuration document using modernc.org/sqlite
// ABOUTME: Maps the document onto tables and saves each version in one transaction

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/condor/internal/secrets"
)

// SQLitePersister stores the document in a SQLite database.
type SQLitePersister struct {
	db     *sql.DB
	sealer *secrets.Sealer
	logger *slog.Logger
}

// NewSQLitePersister opens (creating if needed) the database at path.
// Use ":memory:" for tests.
func NewSQLitePersister(path string, sealer *secrets.Sealer) (*SQLitePersister, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting synchronous mode: %w", err)
	}

	p := &SQLitePersister{db: db, sealer: sealer, logger: logger}
	if err := p.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite persister initialized", "path", path)
	return p, nil
}

func (p *SQLitePersister) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS servers (
			id         TEXT PRIMARY KEY,
			host       TEXT NOT NULL,
			port       INTEGER NOT NULL,
			username   TEXT NOT NULL DEFAULT '',
			password   TEXT NOT NULL DEFAULT '',
			token      TEXT NOT NULL DEFAULT '',
			transport  TEXT NOT NULL DEFAULT 'http',
			enabled    INTEGER NOT NULL DEFAULT 1,
			owner      INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS users (
			id         INTEGER PRIMARY KEY,
			role       TEXT NOT NULL,
			username   TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,

			CHECK (role IN ('admin', 'user', 'pending', 'blocked'))
		);

		CREATE TABLE IF NOT EXISTS server_access (
			user_id   INTEGER NOT NULL,
			server_id TEXT NOT NULL,
			level     TEXT NOT NULL,

			PRIMARY KEY (user_id, server_id),
			CHECK (level IN ('none', 'read', 'trade', 'manage'))
		);

		CREATE TABLE IF NOT EXISTS chat_defaults (
			chat_id   TEXT PRIMARY KEY,
			server_id TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS wallets (
			id         TEXT PRIMARY KEY,
			server_id  TEXT NOT NULL,
			chain      TEXT NOT NULL,
			address    TEXT NOT NULL,
			added_by   INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			position   INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_wallets_server ON wallets(server_id, position);

		CREATE TABLE IF NOT EXISTS audit_log (
			seq          INTEGER PRIMARY KEY,
			audit_id     TEXT NOT NULL UNIQUE,
			ts           TEXT NOT NULL,
			actor_id     INTEGER NOT NULL,
			action       TEXT NOT NULL,
			target_type  TEXT NOT NULL,
			target_id    TEXT NOT NULL,
			outcome      TEXT NOT NULL,
			details_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
	`
	_, err := p.db.Exec(schema)
	return err
}

// Load reads every table into a Document.
func (p *SQLitePersister) Load(ctx context.Context) (*Document, error) {
	var versionStr string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'version'`).Scan(&versionStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoDocument
	}
	if err != nil {
		return nil, fmt.Errorf("reading document version: %w", err)
	}

	doc := NewDocument()
	if doc.Version, err = strconv.Atoi(versionStr); err != nil {
		return nil, fmt.Errorf("parsing document version %q: %w", versionStr, err)
	}
	if err := p.loadMeta(ctx, doc); err != nil {
		return nil, err
	}
	if err := p.loadServers(ctx, doc); err != nil {
		return nil, err
	}
	if err := p.loadUsers(ctx, doc); err != nil {
		return nil, err
	}
	if err := p.loadAccess(ctx, doc); err != nil {
		return nil, err
	}
	if err := p.loadWallets(ctx, doc); err != nil {
		return nil, err
	}
	if err := p.loadAudit(ctx, doc); err != nil {
		return nil, err
	}
	doc.normalize()
	if err := unsealCredentials(p.sealer, doc.Servers); err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *SQLitePersister) loadMeta(ctx context.Context, doc *Document) error {
	rows, err := p.db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return fmt.Errorf("querying meta: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("scanning meta: %w", err)
		}
		switch k {
		case "admin_id":
			n, _ := strconv.ParseInt(v, 10, 64)
			doc.AdminID = UserID(n)
		case "default_server":
			doc.DefaultServer = v
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	crows, err := p.db.QueryContext(ctx, `SELECT chat_id, server_id FROM chat_defaults`)
	if err != nil {
		return fmt.Errorf("querying chat defaults: %w", err)
	}
	defer func() { _ = crows.Close() }()
	for crows.Next() {
		var chat, server string
		if err := crows.Scan(&chat, &server); err != nil {
			return fmt.Errorf("scanning chat default: %w", err)
		}
		doc.ChatDefaults[chat] = server
	}
	return crows.Err()
}

func (p *SQLitePersister) loadServers(ctx context.Context, doc *Document) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, host, port, username, password, token, transport, enabled, owner, created_at, updated_at
		FROM servers`)
	if err != nil {
		return fmt.Errorf("querying servers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			e                  ServerEntry
			transport          string
			enabled            int
			owner              int64
			created, updatedAt string
		)
		if err := rows.Scan(&e.ID, &e.Host, &e.Port, &e.Username, &e.Password, &e.Token,
			&transport, &enabled, &owner, &created, &updatedAt); err != nil {
			return fmt.Errorf("scanning server: %w", err)
		}
		e.Transport = Transport(transport)
		e.Enabled = enabled != 0
		e.Owner = UserID(owner)
		e.CreatedAt = parseTime(created)
		e.UpdatedAt = parseTime(updatedAt)
		doc.Servers[e.ID] = e
	}
	return rows.Err()
}

func (p *SQLitePersister) loadUsers(ctx context.Context, doc *Document) error {
	rows, err := p.db.QueryContext(ctx, `SELECT id, role, username, created_at FROM users`)
	if err != nil {
		return fmt.Errorf("querying users: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			u       User
			id      int64
			role    string
			created string
		)
		if err := rows.Scan(&id, &role, &u.Username, &created); err != nil {
			return fmt.Errorf("scanning user: %w", err)
		}
		u.ID = UserID(id)
		u.Role = Role(role)
		u.CreatedAt = parseTime(created)
		doc.Users[u.ID] = u
	}
	return rows.Err()
}

func (p *SQLitePersister) loadAccess(ctx context.Context, doc *Document) error {
	rows, err := p.db.QueryContext(ctx, `SELECT user_id, server_id, level FROM server_access`)
	if err != nil {
		return fmt.Errorf("querying server access: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			uid           int64
			server, level string
		)
		if err := rows.Scan(&uid, &server, &level); err != nil {
			return fmt.Errorf("scanning grant: %w", err)
		}
		setGrant(doc, UserID(uid), server, AccessLevel(level))
	}
	return rows.Err()
}

func (p *SQLitePersister) loadWallets(ctx context.Context, doc *Document) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, server_id, chain, address, added_by, created_at
		FROM wallets ORDER BY server_id, position`)
	if err != nil {
		return fmt.Errorf("querying wallets: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			w       Wallet
			addedBy int64
			created string
		)
		if err := rows.Scan(&w.ID, &w.ServerID, &w.Chain, &w.Address, &addedBy, &created); err != nil {
			return fmt.Errorf("scanning wallet: %w", err)
		}
		w.AddedBy = UserID(addedBy)
		w.CreatedAt = parseTime(created)
		doc.Wallets[w.ServerID] = append(doc.Wallets[w.ServerID], w)
	}
	return rows.Err()
}

func (p *SQLitePersister) loadAudit(ctx context.Context, doc *Document) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, audit_id, ts, actor_id, action, target_type, target_id, outcome, details_json
		FROM audit_log ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			e           AuditEntry
			ts          string
			actor       int64
			action      string
			outcome     string
			detailsJSON sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.ID, &ts, &actor, &action, &e.TargetType, &e.TargetID, &outcome, &detailsJSON); err != nil {
			return fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Timestamp = parseTime(ts)
		e.Actor = UserID(actor)
		e.Action = AuditAction(action)
		e.Outcome = Outcome(outcome)
		if detailsJSON.Valid && detailsJSON.String != "" {
			if err := json.Unmarshal([]byte(detailsJSON.String), &e.Details); err != nil {
				return fmt.Errorf("unmarshaling audit details: %w", err)
			}
		}
		doc.AuditLog = append(doc.AuditLog, e)
	}
	return rows.Err()
}

// Save replaces the configuration tables and appends audit entries not yet
// stored, all inside one transaction.
func (p *SQLitePersister) Save(ctx context.Context, doc *Document) error {
	servers, err := sealCredentials(p.sealer, doc.Servers)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"meta", "servers", "users", "server_access", "chat_defaults", "wallets"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	meta := map[string]string{
		"version":        strconv.Itoa(doc.Version),
		"admin_id":       doc.AdminID.String(),
		"default_server": doc.DefaultServer,
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("writing meta %s: %w", k, err)
		}
	}

	for id, e := range servers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO servers (id, host, port, username, password, token, transport, enabled, owner, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, e.Host, e.Port, e.Username, e.Password, e.Token, string(e.Transport),
			boolInt(e.Enabled), int64(e.Owner), formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
		); err != nil {
			return fmt.Errorf("writing server %q: %w", id, err)
		}
	}

	for id, u := range doc.Users {
		if _, err := tx.ExecContext(ctx, `INSERT INTO users (id, role, username, created_at) VALUES (?, ?, ?, ?)`,
			int64(id), string(u.Role), u.Username, formatTime(u.CreatedAt)); err != nil {
			return fmt.Errorf("writing user %d: %w", id, err)
		}
	}

	for uid, grants := range doc.ServerAccess {
		for sid, level := range grants {
			if _, err := tx.ExecContext(ctx, `INSERT INTO server_access (user_id, server_id, level) VALUES (?, ?, ?)`,
				int64(uid), sid, string(level)); err != nil {
				return fmt.Errorf("writing grant %d/%s: %w", uid, sid, err)
			}
		}
	}

	for chat, sid := range doc.ChatDefaults {
		if _, err := tx.ExecContext(ctx, `INSERT INTO chat_defaults (chat_id, server_id) VALUES (?, ?)`, chat, sid); err != nil {
			return fmt.Errorf("writing chat default %s: %w", chat, err)
		}
	}

	for sid, ws := range doc.Wallets {
		for i, w := range ws {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO wallets (id, server_id, chain, address, added_by, created_at, position)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				w.ID, sid, w.Chain, w.Address, int64(w.AddedBy), formatTime(w.CreatedAt), i); err != nil {
				return fmt.Errorf("writing wallet %s: %w", w.ID, err)
			}
		}
	}

	if err := p.appendAudit(ctx, tx, doc.AuditLog); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// appendAudit inserts entries past the highest stored sequence number.
func (p *SQLitePersister) appendAudit(ctx context.Context, tx *sql.Tx, log []AuditEntry) error {
	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM audit_log`).Scan(&maxSeq); err != nil {
		return fmt.Errorf("reading audit high-water mark: %w", err)
	}
	for _, e := range log {
		if maxSeq.Valid && int64(e.Seq) <= maxSeq.Int64 {
			continue
		}
		var details *string
		if len(e.Details) > 0 {
			data, err := json.Marshal(e.Details)
			if err != nil {
				return fmt.Errorf("marshaling audit details: %w", err)
			}
			s := string(data)
			details = &s
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit_log (seq, audit_id, ts, actor_id, action, target_type, target_id, outcome, details_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(e.Seq), e.ID, formatTime(e.Timestamp), int64(e.Actor), string(e.Action),
			e.TargetType, e.TargetID, string(e.Outcome), details); err != nil {
			return fmt.Errorf("inserting audit entry: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
