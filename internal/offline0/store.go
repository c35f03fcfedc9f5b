package offline0

import (
	"bytes"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/syndtr/goleveldb/leveldb"
	lvstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Storage holds named caches in a single leveldb database.
//
// Layout:
//
//	n:<cache>              -> creation time (unix nanoseconds, decimal)
//	e:<cache>\x00<request> -> gob-encoded value
//
// Whole-cache changes (Replace, Delete) are single leveldb batches, so a
// reader never observes a half-written generation. A small LRU memo sits in
// front of entry reads.
type Storage struct {
	db   *leveldb.DB
	memo *lru.Cache[string, []byte]

	// mu serializes whole-cache operations against entry operations.
	mu sync.RWMutex
}

// KV is one entry of a batch write.
type KV struct {
	Key   string
	Value []byte
}

func OpenStorage(path string, memoEntries int) (*Storage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return newStorage(db, memoEntries)
}

// OpenMemStorage returns a Storage that lives only in memory.
func OpenMemStorage(memoEntries int) (*Storage, error) {
	db, err := leveldb.Open(lvstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newStorage(db, memoEntries)
}

func newStorage(db *leveldb.DB, memoEntries int) (*Storage, error) {
	s := &Storage{db: db}
	if memoEntries > 0 {
		memo, err := lru.New[string, []byte](memoEntries)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.memo = memo
	}
	return s, nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memo != nil {
		s.memo.Purge()
	}
	return mapStorageErr(s.db.Close())
}

func nameKey(name string) []byte { return []byte("n:" + name) }

func entryPrefix(name string) []byte { return []byte("e:" + name + "\x00") }

func entryKey(name, key string) []byte { return append(entryPrefix(name), key...) }

func mapStorageErr(err error) error {
	if errors.Is(err, leveldb.ErrClosed) {
		return ErrStorageClosed
	}
	return err
}

// Names lists existing caches in lexical order.
func (s *Storage) Names() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it := s.db.NewIterator(util.BytesPrefix([]byte("n:")), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte("n:"))))
	}
	if err := it.Error(); err != nil {
		return nil, mapStorageErr(err)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Storage) Has(name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ok, err := s.db.Has(nameKey(name), nil)
	return ok, mapStorageErr(err)
}

// Open returns the named cache, creating it if absent.
func (s *Storage) Open(name string) (*Cache, error) {
	if err := validCacheName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has(nameKey(name), nil)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	if !ok {
		if err := s.db.Put(nameKey(name), createdAt(), nil); err != nil {
			return nil, mapStorageErr(err)
		}
	}
	return &Cache{st: s, name: name}, nil
}

// Replace atomically swaps the whole content of the named cache for entries,
// creating the cache if absent.
func (s *Storage) Replace(name string, entries []KV) error {
	if err := validCacheName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	if err := s.deleteEntriesInto(batch, name); err != nil {
		return err
	}
	batch.Put(nameKey(name), createdAt())
	for _, e := range entries {
		batch.Put(entryKey(name, e.Key), e.Value)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return mapStorageErr(err)
	}
	s.forgetCache(name)
	return nil
}

// Delete removes the named cache and every entry in it. It reports whether
// the cache existed.
func (s *Storage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has(nameKey(name), nil)
	if err != nil {
		return false, mapStorageErr(err)
	}
	if !ok {
		return false, nil
	}
	batch := new(leveldb.Batch)
	if err := s.deleteEntriesInto(batch, name); err != nil {
		return false, err
	}
	batch.Delete(nameKey(name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, mapStorageErr(err)
	}
	s.forgetCache(name)
	return true, nil
}

func (s *Storage) deleteEntriesInto(batch *leveldb.Batch, name string) error {
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	defer it.Release()
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	return mapStorageErr(it.Error())
}

func (s *Storage) forgetCache(name string) {
	if s.memo == nil {
		return
	}
	prefix := string(entryPrefix(name))
	for _, k := range s.memo.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.memo.Remove(k)
		}
	}
}

func createdAt() []byte {
	return []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
}

// cache returns a handle without creating the cache. Reads on a missing
// cache find nothing.
func (s *Storage) cache(name string) *Cache { return &Cache{st: s, name: name} }

// Cache is a handle on one named cache.
type Cache struct {
	st   *Storage
	name string
}

func (c *Cache) Name() string { return c.name }

// Match returns the value stored under key.
func (c *Cache) Match(key string) ([]byte, bool, error) {
	c.st.mu.RLock()
	defer c.st.mu.RUnlock()

	k := entryKey(c.name, key)
	if c.st.memo != nil {
		if v, ok := c.st.memo.Get(string(k)); ok {
			return v, true, nil
		}
	}
	v, err := c.st.db.Get(k, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapStorageErr(err)
	}
	if c.st.memo != nil {
		c.st.memo.Add(string(k), v)
	}
	return v, true, nil
}

func (c *Cache) Put(key string, value []byte) error {
	c.st.mu.RLock()
	defer c.st.mu.RUnlock()

	k := entryKey(c.name, key)
	batch := new(leveldb.Batch)
	// re-assert the marker in case the cache was deleted under this handle
	batch.Put(nameKey(c.name), createdAt())
	batch.Put(k, value)
	if err := c.st.db.Write(batch, nil); err != nil {
		return mapStorageErr(err)
	}
	if c.st.memo != nil {
		c.st.memo.Add(string(k), value)
	}
	return nil
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(key string) (bool, error) {
	c.st.mu.RLock()
	defer c.st.mu.RUnlock()

	k := entryKey(c.name, key)
	ok, err := c.st.db.Has(k, nil)
	if err != nil {
		return false, mapStorageErr(err)
	}
	if c.st.memo != nil {
		c.st.memo.Remove(string(k))
	}
	if !ok {
		return false, nil
	}
	return true, mapStorageErr(c.st.db.Delete(k, nil))
}

// Keys lists request keys in storage order.
func (c *Cache) Keys() ([]string, error) {
	c.st.mu.RLock()
	defer c.st.mu.RUnlock()

	prefix := entryPrefix(c.name)
	it := c.st.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, mapStorageErr(err)
	}
	return out, nil
}

func (c *Cache) Len() (int, error) {
	keys, err := c.Keys()
	return len(keys), err
}

// Count returns the number of entries in the named cache.
func (s *Storage) Count(name string) (int, error) { return s.cache(name).Len() }
