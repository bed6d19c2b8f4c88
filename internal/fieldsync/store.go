package fieldsync

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store is the durable key/value capability the offline stores are built on.
// Writes must survive a process restart once Set or Delete returns.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error) // ErrNotFound when absent
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists every key starting with namespace, sorted.
	Keys(ctx context.Context, namespace string) ([]string, error)
}

// LevelStore is a Store on top of goleveldb.
type LevelStore struct {
	db *leveldb.DB
	wo *opt.WriteOptions
}

// OpenLevelStore opens (or creates) a leveldb database at path.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelStore{db: db, wo: &opt.WriteOptions{Sync: true}}, nil
}

// OpenMemStore returns a LevelStore backed by leveldb's in-memory storage.
func OpenMemStore() (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelStore{db: db}, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

func (s *LevelStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *LevelStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Put([]byte(key), value, s.wo)
}

func (s *LevelStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Delete([]byte(key), s.wo)
}

func (s *LevelStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(namespace)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(it.Key()))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// DeletePrefix removes every key in namespace in a single batch. Used by
// Reset on logout.
func (s *LevelStore) DeletePrefix(ctx context.Context, namespace string) (int, error) {
	keys, err := s.Keys(ctx, namespace)
	if err != nil {
		return 0, err
	}
	batch := new(leveldb.Batch)
	for _, k := range keys {
		batch.Delete([]byte(k))
	}
	if err := s.db.Write(batch, s.wo); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// TotalSize is the approximate on-disk size of the whole database.
func (s *LevelStore) TotalSize() int64 {
	// keys are printable ASCII, so 0xff bounds all of them
	sizes, err := s.db.SizeOf([]util.Range{{Start: nil, Limit: []byte{0xff}}})
	if err != nil {
		return 0
	}
	return sizes.Sum()
}

func joinKey(parts ...string) string {
	return strings.Join(parts, ":")
}
