package fact

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

const (
	factPrefix       = "fact"
	visibilityPrefix = "vis"
)

// BadgerStore wraps an InmemStore with write-through persistence to a Badger
// database. All reads are served by the in-memory indices; every accepted
// mutation is mirrored to disk so that facts and visibility annotations
// survive a restart.
type BadgerStore struct {
	inmemStore *InmemStore
	db         *badger.DB
	path       string
	logger     *logrus.Entry
}

// NewBadgerStore opens (or creates) a Badger database at path and loads any
// previously stored facts into a fresh InmemStore.
func NewBadgerStore(path string, logger *logrus.Entry) (*BadgerStore, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		inmemStore: NewInmemStore(),
		db:         handle,
		path:       path,
		logger:     logger,
	}

	if err := store.load(); err != nil {
		handle.Close()
		return nil, err
	}

	return store, nil
}

// load replays persisted facts and visibility entries into the in-memory
// store.
func (s *BadgerStore) load() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(factPrefix + "_")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				sf := new(StoredFact)
				if err := decode(val, sf); err != nil {
					return err
				}
				s.inmemStore.AddStored(sf)
				return nil
			})
			if err != nil {
				return err
			}
		}

		visPrefix := []byte(visibilityPrefix + "_")
		for it.Seek(visPrefix); it.ValidForPrefix(visPrefix); it.Next() {
			// key layout: vis_<peerID>_<scope>; peer IDs are hex so the
			// scope part may safely contain underscores
			parts := strings.SplitN(string(it.Item().Key()), "_", 3)
			if len(parts) != 3 {
				continue
			}
			s.inmemStore.SetVisibleTo(parts[2], parts[1])
		}

		return nil
	})
}

func factKey(id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", factPrefix, id))
}

func visibilityKey(scope, peerID string) []byte {
	return []byte(fmt.Sprintf("%s_%s_%s", visibilityPrefix, peerID, scope))
}

func encode(v interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	if err := codec.NewEncoder(b, jh).Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	return codec.NewDecoder(bytes.NewBuffer(data), jh).Decode(v)
}

// Add implements the Store interface.
func (s *BadgerStore) Add(f Fact, source, scope string) (*StoredFact, bool) {
	sf, fresh := s.inmemStore.Add(f, source, scope)
	if fresh {
		s.persistFact(sf)
	}
	return sf, fresh
}

// AddStored implements the Store interface.
func (s *BadgerStore) AddStored(sf *StoredFact) (*StoredFact, bool) {
	applied, fresh := s.inmemStore.AddStored(sf)
	if fresh {
		s.persistFact(applied)
	}
	return applied, fresh
}

// persistFact mirrors one accepted fact to disk. The in-memory state is
// already updated at this point, so a failed write only costs durability;
// it is logged, not propagated.
func (s *BadgerStore) persistFact(sf *StoredFact) {
	raw, err := encode(sf)
	if err != nil {
		s.logger.WithError(err).WithField("id", sf.ID).Error("Failed to encode fact")
		return
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(factKey(sf.ID), raw)
	})
	if err != nil {
		s.logger.WithError(err).WithField("id", sf.ID).Error("Failed to persist fact")
	}
}

// Retract implements the Store interface.
func (s *BadgerStore) Retract(f Fact, scope string) bool {
	id := FactID(scope, f.Key, f.Value)

	removed := s.inmemStore.Retract(f, scope)
	if removed {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(factKey(id))
		})
		if err != nil {
			s.logger.WithError(err).WithField("id", id).Error("Failed to persist retraction")
		}
	}
	return removed
}

// FindByScope implements the Store interface.
func (s *BadgerStore) FindByScope(scope string) []*StoredFact {
	return s.inmemStore.FindByScope(scope)
}

// FindByKey implements the Store interface.
func (s *BadgerStore) FindByKey(key string) []*StoredFact {
	return s.inmemStore.FindByKey(key)
}

// FindByValue implements the Store interface.
func (s *BadgerStore) FindByValue(value interface{}) []*StoredFact {
	return s.inmemStore.FindByValue(value)
}

// GetFact implements the Store interface.
func (s *BadgerStore) GetFact(id string) *StoredFact {
	return s.inmemStore.GetFact(id)
}

// GetScopeHash implements the Store interface.
func (s *BadgerStore) GetScopeHash(scope string) string {
	return s.inmemStore.GetScopeHash(scope)
}

// Scopes implements the Store interface.
func (s *BadgerStore) Scopes() []string {
	return s.inmemStore.Scopes()
}

// KnownIDs implements the Store interface.
func (s *BadgerStore) KnownIDs() []string {
	return s.inmemStore.KnownIDs()
}

// SetVisibleTo implements the Store interface.
func (s *BadgerStore) SetVisibleTo(scope, peerID string) {
	s.inmemStore.SetVisibleTo(scope, peerID)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(visibilityKey(scope, peerID), []byte{1})
	})
	if err != nil {
		s.logger.WithError(err).WithField("scope", scope).Error("Failed to persist visibility")
	}
}

// IsVisibleTo implements the Store interface.
func (s *BadgerStore) IsVisibleTo(scope, peerID string) bool {
	return s.inmemStore.IsVisibleTo(scope, peerID)
}

// GetScopesVisibleTo implements the Store interface.
func (s *BadgerStore) GetScopesVisibleTo(peerID string) []string {
	return s.inmemStore.GetScopesVisibleTo(peerID)
}

// GetFactsVisibleTo implements the Store interface.
func (s *BadgerStore) GetFactsVisibleTo(peerID string) []*StoredFact {
	return s.inmemStore.GetFactsVisibleTo(peerID)
}

// Subscribe implements the Store interface.
func (s *BadgerStore) Subscribe(obs Observer) func() {
	return s.inmemStore.Subscribe(obs)
}

// Close implements the Store interface and closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
