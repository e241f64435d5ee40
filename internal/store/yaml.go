// ABOUTME: YAML file persister for the configuration document
// ABOUTME: Writes via temp file, fsync and rename so a crash never leaves a torn file

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/2389/condor/internal/secrets"
)

// YAMLPersister keeps the document in a single human-editable YAML file.
type YAMLPersister struct {
	path   string
	sealer *secrets.Sealer
}

// NewYAMLPersister returns a persister for path. sealer may be nil.
func NewYAMLPersister(path string, sealer *secrets.Sealer) *YAMLPersister {
	return &YAMLPersister{path: path, sealer: sealer}
}

// Path returns the file location.
func (p *YAMLPersister) Path() string { return p.path }

// Load reads and decodes the file.
func (p *YAMLPersister) Load(_ context.Context) (*Document, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoDocument
		}
		return nil, fmt.Errorf("reading config document: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config document %s: %w", p.path, err)
	}
	doc.normalize()
	if err := unsealCredentials(p.sealer, doc.Servers); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Save encodes doc and atomically replaces the file.
func (p *YAMLPersister) Save(ctx context.Context, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	out := *doc
	sealed, err := sealCredentials(p.sealer, doc.Servers)
	if err != nil {
		return err
	}
	out.Servers = sealed

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("encoding config document: %w", err)
	}
	return writeFileAtomic(p.path, data, 0o600)
}

// Close is a no-op; the file is not held open.
func (p *YAMLPersister) Close() error { return nil }

// writeFileAtomic writes data to a temp file beside path, syncs it, renames
// it over path and syncs the directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("replacing config document: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
