// ABOUTME: Persister interface and credential sealing helpers shared by backends
// ABOUTME: Documents are sealed on save and unsealed on load

package store

import (
	"context"
	"fmt"

	"github.com/2389/condor/internal/secrets"
)

// Persister durably stores a Document.
type Persister interface {
	// Load returns the saved document, or ErrNoDocument if none exists.
	Load(ctx context.Context) (*Document, error)
	// Save writes doc durably. It must not retain or modify doc.
	Save(ctx context.Context, doc *Document) error
	Close() error
}

// sealCredentials returns the servers map with passwords and tokens sealed.
func sealCredentials(sealer *secrets.Sealer, servers map[string]ServerEntry) (map[string]ServerEntry, error) {
	out := make(map[string]ServerEntry, len(servers))
	for id, e := range servers {
		var err error
		if e.Password, err = sealer.Seal(e.Password); err != nil {
			return nil, fmt.Errorf("sealing password for %q: %w", id, err)
		}
		if e.Token, err = sealer.Seal(e.Token); err != nil {
			return nil, fmt.Errorf("sealing token for %q: %w", id, err)
		}
		out[id] = e
	}
	return out, nil
}

// unsealCredentials opens sealed passwords and tokens in place.
func unsealCredentials(sealer *secrets.Sealer, servers map[string]ServerEntry) error {
	for id, e := range servers {
		var err error
		if e.Password, err = sealer.Unseal(e.Password); err != nil {
			return fmt.Errorf("opening password for %q: %w", id, err)
		}
		if e.Token, err = sealer.Unseal(e.Token); err != nil {
			return fmt.Errorf("opening token for %q: %w", id, err)
		}
		servers[id] = e
	}
	return nil
}
