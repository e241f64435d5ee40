// ABOUTME: Single-writer configuration store with durable write-through
// ABOUTME: Mutations are queued FIFO, applied to a clone, persisted, then swapped in

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueueSize = 64
	persistTimeout   = 30 * time.Second
)

// Options configures a Store.
type Options struct {
	Logger    *slog.Logger
	Now       func() time.Time // clock for timestamps, defaults to time.Now
	QueueSize int              // pending mutation capacity, defaults to 64
}

// Store owns servers, users, grants, wallets and the audit log. It is the
// only writer of the persisted Document.
type Store struct {
	persister Persister
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	doc       *Document
	persisted bool // a document has been saved at least once

	requests  chan *writeRequest
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	listenMu     sync.RWMutex
	listeners    map[int]Listener
	nextListener int
}

type writeRequest struct {
	ctx   context.Context
	op    string
	force bool
	apply func(d *Document) ([]Change, error)
	reply chan error
}

// Open loads the persisted document (or starts empty) and starts the writer.
func Open(ctx context.Context, p Persister, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	doc, err := p.Load(ctx)
	persisted := true
	switch {
	case errors.Is(err, ErrNoDocument):
		doc = NewDocument()
		persisted = false
	case err != nil:
		return nil, &StorageError{Op: "load", Err: err}
	}
	doc.normalize()

	s := &Store{
		persister: p,
		logger:    opts.Logger.With("component", "store"),
		now:       opts.Now,
		doc:       doc,
		persisted: persisted,
		requests:  make(chan *writeRequest, opts.QueueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		listeners: make(map[int]Listener),
	}
	go s.run()

	s.logger.Info("store opened",
		"servers", len(doc.Servers),
		"users", len(doc.Users),
		"audit_entries", len(doc.AuditLog),
		"persisted", persisted,
	)
	return s, nil
}

// EnsureInitialized persists a first document and seeds the bootstrap admin
// when no admin exists. Calling it again is a no-op.
func (s *Store) EnsureInitialized(ctx context.Context, admin UserID, username string) error {
	s.mu.RLock()
	persisted := s.persisted
	s.mu.RUnlock()

	return s.mutate(ctx, "ensure_initialized", !persisted, func(d *Document) ([]Change, error) {
		var changes []Change
		if d.Version == 0 {
			d.Version = DocumentVersion
		}
		if d.hasAdmin() {
			return changes, nil
		}
		if admin <= 0 {
			return nil, invalid("admin_id", "an admin identity is required to initialize the store")
		}
		d.AdminID = admin
		d.Users[admin] = User{ID: admin, Role: RoleAdmin, Username: username, CreatedAt: s.now().UTC()}
		s.logger.Info("=== ADMIN SEEDED ===", "user_id", admin)
		return append(changes, Change{Kind: ChangeUser, UserID: admin}), nil
	})
}

// Snapshot returns a detached deep copy of the full configuration.
func (s *Store) Snapshot() *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.snapshot()
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// Close stops the writer after rejecting queued mutations and closes the
// persister. It is safe to call multiple times.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.done
		err = s.persister.Close()
		s.logger.Info("store closed")
	})
	return err
}

// view runs fn with the current document under a read lock.
func (s *Store) view(fn func(d *Document)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.doc)
}

// mutate queues fn and waits until it has been applied and persisted.
// fn returning no changes means nothing was modified, and nothing is written
// unless force is set. A request whose ctx is done before the writer picks
// it up is never applied; once applied, the caller always waits for the
// durable outcome.
func (s *Store) mutate(ctx context.Context, op string, force bool, fn func(d *Document) ([]Change, error)) error {
	req := &writeRequest{ctx: ctx, op: op, force: force, apply: fn, reply: make(chan error, 1)}

	select {
	case <-s.quit:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	select {
	case s.requests <- req:
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}

	select {
	case err := <-req.reply:
		return err
	case <-s.done:
		// The writer may have replied just before exiting.
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// run is the single writer loop.
func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case req := <-s.requests:
			s.apply(req)
		case <-s.quit:
			for {
				select {
				case req := <-s.requests:
					req.reply <- ErrClosed
				default:
					return
				}
			}
		}
	}
}

func (s *Store) apply(req *writeRequest) {
	if err := req.ctx.Err(); err != nil {
		s.logger.Debug("mutation dropped", "op", req.op, "error", err)
		req.reply <- fmt.Errorf("%s: %w", req.op, err)
		return
	}
	next := s.doc.Clone()

	changes, err := req.apply(next)
	if err != nil {
		req.reply <- err
		return
	}
	if len(changes) == 0 && !req.force {
		req.reply <- nil
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	err = s.persister.Save(ctx, next)
	cancel()
	if err != nil {
		s.logger.Error("durable write failed", "op", req.op, "error", err)
		req.reply <- &StorageError{Op: req.op, Err: err}
		return
	}

	s.mu.Lock()
	s.doc = next
	s.persisted = true
	s.mu.Unlock()

	s.notify(changes)
	s.logger.Debug("mutation applied", "op", req.op, "changes", len(changes))
	req.reply <- nil
}
