// ABOUTME: Wallet record operations on the configuration store
// ABOUTME: Records chain and address of wallets added to a server's gateway

package store

import (
	"context"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// AddWallet records a wallet on a server and returns it with ID and
// CreatedAt filled in. The same chain/address pair cannot be recorded twice
// on one server.
func (s *Store) AddWallet(ctx context.Context, w Wallet) (Wallet, error) {
	w.Chain = strings.ToLower(strings.TrimSpace(w.Chain))
	w.Address = strings.TrimSpace(w.Address)
	if w.Chain == "" {
		return Wallet{}, invalid("chain", "must not be empty")
	}
	if w.Address == "" {
		return Wallet{}, invalid("address", "must not be empty")
	}
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.now().UTC()
	}

	err := s.mutate(ctx, "add_wallet", false, func(d *Document) ([]Change, error) {
		if _, ok := d.Servers[w.ServerID]; !ok {
			return nil, notFound("server", w.ServerID)
		}
		for _, existing := range d.Wallets[w.ServerID] {
			if existing.Chain == w.Chain && strings.EqualFold(existing.Address, w.Address) {
				return nil, duplicate("address", w.Address)
			}
		}
		d.Wallets[w.ServerID] = append(d.Wallets[w.ServerID], w)
		return []Change{{Kind: ChangeWallet, ServerID: w.ServerID, UserID: w.AddedBy}}, nil
	})
	if err != nil {
		return Wallet{}, err
	}
	return w, nil
}

// ListWallets returns the wallets recorded on a server in insertion order.
func (s *Store) ListWallets(serverID string) []Wallet {
	var out []Wallet
	s.view(func(d *Document) { out = slices.Clone(d.Wallets[serverID]) })
	return out
}

// GetWallet finds a wallet record by id on any server.
func (s *Store) GetWallet(id string) (Wallet, error) {
	var (
		w  Wallet
		ok bool
	)
	s.view(func(d *Document) { w, ok = findWallet(d, id) })
	if !ok {
		return Wallet{}, notFound("wallet", id)
	}
	return w, nil
}

// RemoveWallet deletes a wallet record.
func (s *Store) RemoveWallet(ctx context.Context, id string) error {
	return s.mutate(ctx, "remove_wallet", false, func(d *Document) ([]Change, error) {
		w, ok := findWallet(d, id)
		if !ok {
			return nil, notFound("wallet", id)
		}
		d.Wallets[w.ServerID] = slices.DeleteFunc(d.Wallets[w.ServerID], func(x Wallet) bool { return x.ID == id })
		if len(d.Wallets[w.ServerID]) == 0 {
			delete(d.Wallets, w.ServerID)
		}
		return []Change{{Kind: ChangeWallet, ServerID: w.ServerID}}, nil
	})
}

func findWallet(d *Document, id string) (Wallet, bool) {
	for _, ws := range d.Wallets {
		for _, w := range ws {
			if w.ID == id {
				return w, true
			}
		}
	}
	return Wallet{}, false
}
