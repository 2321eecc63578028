// Package store persists the per-service long-lived keypair spec.md §3's
// session_keys[s] table holds, keyed by ServiceId, so a node can tell after
// a restart which services it has claimed. The engine does not load these
// keys back: engine.RegisterService generates a fresh session key on every
// call. It is a thin
// domain-specific wrapper over Badger, the embedded key-value store the
// rest of the retrieval pack reaches for whenever something needs local
// durable state.
package store

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/cvsouth/hsoverlay/hscrypto"
	"github.com/cvsouth/hsoverlay/hsid"
)

const serviceKeyPrefix = "service_key:"

// Store is the engine's durable keypair table.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) a Badger database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "Cannot acquire directory lock") || strings.Contains(msg, "resource temporarily unavailable") {
			return nil, fmt.Errorf("store: database at %s is locked by another instance: %w", path, err)
		}
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func serviceKeyKey(id hsid.ServiceId) []byte {
	return append([]byte(serviceKeyPrefix), id[:]...)
}

// PutServiceKey persists the long-lived keypair a registered service uses
// to answer key-request and create-e2e.
func (s *Store) PutServiceKey(id hsid.ServiceId, key *hscrypto.PrivateKey) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(serviceKeyKey(id), key.Bytes())
	})
	if err != nil {
		return fmt.Errorf("store: put service key: %w", err)
	}
	return nil
}

// ServiceKey loads a previously persisted keypair for id, or (nil, false)
// if this node has never registered that service.
func (s *Store) ServiceKey(id hsid.ServiceId) (*hscrypto.PrivateKey, bool, error) {
	var blob []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(serviceKeyKey(id))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: service key: %w", err)
	}
	key, err := hscrypto.PrivateKeyFromBytes(blob)
	if err != nil {
		return nil, false, fmt.Errorf("store: decode service key: %w", err)
	}
	return key, true, nil
}

// DeleteServiceKey forgets a service's keypair (used when a service is
// explicitly unregistered rather than merely restarted).
func (s *Store) DeleteServiceKey(id hsid.ServiceId) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(serviceKeyKey(id))
	})
	if err != nil {
		return fmt.Errorf("store: delete service key: %w", err)
	}
	return nil
}

// ServiceIDs lists every service this node holds a persisted key for.
// cmd/hsnode logs them at startup; nothing re-registers them.
func (s *Store) ServiceIDs() ([]hsid.ServiceId, error) {
	var ids []hsid.ServiceId
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(serviceKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			var id hsid.ServiceId
			copy(id[:], key[len(serviceKeyPrefix):])
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: list service ids: %w", err)
	}
	return ids, nil
}
