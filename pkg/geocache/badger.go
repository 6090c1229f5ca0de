package geocache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v3"
)

const badgerKeyPrefix = "geo:"

// BadgerConfig represents the embedded badger backend configuration
type BadgerConfig struct {
	Path     string `toml:"path"`
	InMemory bool   `toml:"inMemory"`
}

// BadgerStore persists entries on local disk so a restart does not empty the
// cache. Badger drops entries once their TTL passes.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the badger database.
func OpenBadgerStore(config BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(config.Path).WithLogger(nil)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", config.Path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Get(ctx context.Context, ip string) (Entry, bool, error) {
	var entry Entry
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + ip))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("can't copy value: %w", err)
		}
		return json.Unmarshal(val, &entry)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to get geolocation entry: %w", err)
	}
	return entry, true, nil
}

func (b *BadgerStore) Set(ctx context.Context, entry Entry, ttl time.Duration) error {
	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode geolocation entry: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(badgerKeyPrefix+entry.IP), val).WithTTL(ttl)
		if err := txn.SetEntry(e); err != nil {
			return fmt.Errorf("can't save value to storage: %w", err)
		}
		return nil
	})
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}
