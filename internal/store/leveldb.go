package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key prefixes inside the LevelDB keyspace.
const (
	ldbDocPrefix     = "d:"
	ldbLockPrefix    = "l:"
	ldbSettingPrefix = "s:"
)

// LevelDBStore implements Store on an embedded goleveldb database. LevelDB
// holds an exclusive file lock, so the mutex is enough to make the
// read-check-write sequences atomic.
type LevelDBStore struct {
	db  *leveldb.DB
	now func() time.Time

	mu sync.Mutex
}

type ldbDocument struct {
	Revision int64     `json:"revision"`
	Data     *Document `json:"data"`
}

type ldbLock struct {
	Owner     string `json:"owner"`
	ExpiresAt int64  `json:"expires_at"`
}

// NewLevelDB opens or creates a LevelDB database in dir.
func NewLevelDB(dir string, opts ...Option) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelDBStore{db: db, now: applyOptions(opts).now}, nil
}

// NewLevelDBMemory opens a LevelDB database backed by memory storage.
func NewLevelDBMemory(opts ...Option) (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelDBStore{db: db, now: applyOptions(opts).now}, nil
}

// Migrate has no schema to create; it drops lock entries that have expired.
func (s *LevelDBStore) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.db.NewIterator(util.BytesPrefix([]byte(ldbLockPrefix)), nil)
	defer it.Release()

	now := s.now().UnixNano()
	batch := new(leveldb.Batch)
	for it.Next() {
		var l ldbLock
		if err := json.Unmarshal(it.Value(), &l); err != nil || l.ExpiresAt <= now {
			batch.Delete(bytes.Clone(it.Key()))
		}
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.db.Write(batch, nil)
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

func (s *LevelDBStore) get(key string, v any) (bool, error) {
	b, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *LevelDBStore) put(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(key), b, nil)
}

// Documents

func (s *LevelDBStore) LoadDocument(ctx context.Context, key string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec ldbDocument
	ok, err := s.get(ldbDocPrefix+key, &rec)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", key, err)
	}
	if !ok || rec.Data == nil {
		return nil, nil
	}
	rec.Data.Revision = rec.Revision
	return rec.Data, nil
}

func (s *LevelDBStore) SaveDocument(ctx context.Context, key string, doc *Document, g Guard) error {
	return s.writeDocument(key, doc, -1, g)
}

func (s *LevelDBStore) CompareAndSwap(ctx context.Context, key string, doc *Document, expected int64, g Guard) error {
	return s.writeDocument(key, doc, expected, g)
}

func (s *LevelDBStore) writeDocument(key string, doc *Document, expected int64, g Guard) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.Lock != "" {
		var l ldbLock
		ok, err := s.get(ldbLockPrefix+g.Lock, &l)
		if err != nil {
			return fmt.Errorf("check lock: %w", err)
		}
		if !g.permits(l.Owner, ok && l.ExpiresAt > s.now().UnixNano()) {
			return ErrLockHeld
		}
	}

	var cur ldbDocument
	if _, err := s.get(ldbDocPrefix+key, &cur); err != nil {
		return fmt.Errorf("read revision: %w", err)
	}
	if expected >= 0 && cur.Revision != expected {
		return ErrConflict
	}

	next := cur.Revision + 1
	if err := s.put(ldbDocPrefix+key, ldbDocument{Revision: next, Data: doc}); err != nil {
		return fmt.Errorf("write document %s: %w", key, err)
	}
	doc.Revision = next
	return nil
}

func (s *LevelDBStore) DeleteDocument(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete([]byte(ldbDocPrefix+key), nil)
}

// Locks

func (s *LevelDBStore) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var l ldbLock
	ok, err := s.get(ldbLockPrefix+name, &l)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if ok && l.ExpiresAt > now.UnixNano() {
		return false, nil
	}
	if err := s.put(ldbLockPrefix+name, ldbLock{Owner: owner, ExpiresAt: now.Add(ttl).UnixNano()}); err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return true, nil
}

// ReleaseLock removes the lock if owned by owner. An empty owner releases it
// unconditionally.
func (s *LevelDBStore) ReleaseLock(ctx context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner != "" {
		var l ldbLock
		ok, err := s.get(ldbLockPrefix+name, &l)
		if err != nil {
			return err
		}
		if !ok || l.Owner != owner {
			return nil
		}
	}
	return s.db.Delete([]byte(ldbLockPrefix+name), nil)
}

func (s *LevelDBStore) LockHolder(ctx context.Context, name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var l ldbLock
	ok, err := s.get(ldbLockPrefix+name, &l)
	if err != nil || !ok {
		return "", false, err
	}
	if l.ExpiresAt <= s.now().UnixNano() {
		return "", false, nil
	}
	return l.Owner, true, nil
}

// Settings

func (s *LevelDBStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	b, err := s.db.Get([]byte(ldbSettingPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

func (s *LevelDBStore) SetSetting(ctx context.Context, key, value string) error {
	return s.db.Put([]byte(ldbSettingPrefix+key), []byte(value), nil)
}

func (s *LevelDBStore) DeleteSetting(ctx context.Context, key string) error {
	return s.db.Delete([]byte(ldbSettingPrefix+key), nil)
}
