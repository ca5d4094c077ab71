package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

var storePrefix = []byte("relay:cache:")

// StoreOptions configures the on-disk snapshot store.
type StoreOptions struct {
	// Dir holds the BadgerDB files. Required unless InMemory is set.
	Dir string

	// InMemory runs BadgerDB without disk persistence, for tests.
	InMemory bool

	Logger *slog.Logger
}

// Store persists cache snapshots in BadgerDB so warm replies survive a
// restart. Entries are msgpack-encoded.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

func OpenStore(opts StoreOptions) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("cache store: Dir is required for on-disk mode")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{logger: opts.Logger})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	return &Store{db: db, logger: opts.Logger}, nil
}

// Save replaces the stored snapshot with entries. The new records are
// written before stale ones are removed, so a failed save leaves the previous
// snapshot readable.
func (s *Store) Save(ctx context.Context, entries []Entry) error {
	records := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		val, err := msgpack.Marshal(&e)
		if err != nil {
			return fmt.Errorf("encode cache entry %s: %w", e.Fingerprint, err)
		}
		records[string(storeKey(e.Fingerprint))] = val
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for key, val := range records {
		if err := wb.Set([]byte(key), val); err != nil {
			return fmt.Errorf("write cache snapshot: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("write cache snapshot: %w", err)
	}

	stale, err := s.keys(ctx)
	if err != nil {
		return err
	}
	del := s.db.NewWriteBatch()
	defer del.Cancel()
	for _, key := range stale {
		if _, keep := records[string(key)]; keep {
			continue
		}
		if err := del.Delete(key); err != nil {
			return fmt.Errorf("prune cache snapshot: %w", err)
		}
	}
	if err := del.Flush(); err != nil {
		return fmt.Errorf("prune cache snapshot: %w", err)
	}
	return nil
}

func (s *Store) keys(ctx context.Context) ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = storePrefix
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(storePrefix); it.ValidForPrefix(storePrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list cache snapshot: %w", err)
	}
	return keys, nil
}

// Load reads the stored snapshot. Records that fail to decode are reported as
// *Error and skipped.
func (s *Store) Load(ctx context.Context) ([]Entry, []error, error) {
	var (
		entries []Entry
		bad     []error
	)
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = storePrefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(storePrefix); it.ValidForPrefix(storePrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			fp := string(item.Key()[len(storePrefix):])
			val, err := item.ValueCopy(nil)
			if err != nil {
				bad = append(bad, &Error{Fingerprint: fp, Reason: "unreadable", Err: err})
				continue
			}
			var e Entry
			if err := msgpack.Unmarshal(val, &e); err != nil {
				bad = append(bad, &Error{Fingerprint: fp, Reason: "undecodable", Err: err})
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("read cache snapshot: %w", err)
	}
	return entries, bad, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func storeKey(fp string) []byte {
	k := make([]byte, 0, len(storePrefix)+len(fp))
	k = append(k, storePrefix...)
	return append(k, fp...)
}

// SaveTo writes the live entries of c to store.
func (c *Cache) SaveTo(ctx context.Context, store *Store) (int, error) {
	entries := c.Entries()
	if err := store.Save(ctx, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// LoadFrom restores c from store, discarding records that cannot be used.
func (c *Cache) LoadFrom(ctx context.Context, store *Store) (int, error) {
	entries, bad, err := store.Load(ctx)
	if err != nil {
		return 0, err
	}
	loaded, invalid := c.Restore(entries)
	for _, e := range append(bad, invalid...) {
		c.logger.Warn("discarding persisted cache entry", "error", e)
	}
	c.corrupt.Add(int64(len(bad)))
	return loaded, nil
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf("badger: "+f, v...))
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf("badger: "+f, v...))
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
