// Package store is the durable record of backend servers, users, roles,
// per-server access grants, wallet records and the audit trail.
//
// # Architecture
//
// The Store keeps the whole configuration as one in-memory Document and a
// single writer goroutine owns every mutation:
//
//	caller ──► requests (FIFO) ──► writer: clone → apply → Persister.Save → swap → listeners → reply
//
// Mutations are applied one at a time in arrival order. Each is written
// through to the Persister before the caller is released, so a nil error
// means the change is durable. Readers take a read lock on the current
// Document and never touch disk.
//
// # Persistence
//
// Two Persister implementations are provided:
//
//   - YAMLPersister: a single human-editable YAML file written with
//     temp-file + fsync + rename.
//   - SQLitePersister: the same document mapped onto SQLite tables using
//     modernc.org/sqlite, saved in one transaction.
//
// Passwords and tokens are sealed with a secrets.Sealer when one is
// configured. Plaintext values typed into the YAML file by hand are
// accepted and sealed on the next write.
//
// # Errors
//
// Lookups of unknown ids return errors wrapping ErrNotFound. Malformed input
// returns *ValidationError (errors.Is ErrValidation, and ErrDuplicate for
// duplicate ids). A failed durable write returns *StorageError. These kinds
// are kept distinct all the way to the caller.
//
// # Change notification
//
// Watch registers listeners that run on the writer goroutine after a
// mutation is durable and before the caller's call returns. The pool uses
// this to tear down client handles for deleted or disabled servers before
// any later lookup can observe them.
package store
