// Package cache is a small sqlite-backed TTL store shared by CLI invocations.
// Writers serialize on a file lock; readers see fresh, stale or too-stale
// entries and decide what to do with them.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

type Result struct {
	Hit      bool
	Value    []byte
	Age      time.Duration
	Stale    bool
	TooStale bool
}

// busyTimeout bounds how long a connection waits on another process's
// write before failing with SQLITE_BUSY.
const busyTimeout = 5 * time.Second

var cacheSchema = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"CREATE TABLE IF NOT EXISTS entries (key TEXT PRIMARY KEY, namespace TEXT NOT NULL, value BLOB NOT NULL, created_ms INTEGER NOT NULL, ttl_ms INTEGER NOT NULL)",
	"CREATE INDEX IF NOT EXISTS idx_entries_namespace ON entries(namespace)",
}

func Open(path, lockPath string) (*Store, error) {
	for _, dir := range []string{filepath.Dir(path), filepath.Dir(lockPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	store := &Store{db: db, lock: flock.New(lockPath), now: time.Now}
	err = store.withLock(func() error {
		for _, stmt := range cacheSchema {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("init cache schema: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	_ = store.Prune()
	return store, nil
}

// DSN applies the busy timeout to every pooled connection, not only the
// first one.
func DSN(path string) string {
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)", path, busyTimeout.Milliseconds())
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Key derives a stable entry key from a namespace and any JSON-encodable
// request. The namespace prefix is kept readable so Purge can target it.
func Key(namespace string, req any) string {
	buf, _ := json.Marshal(req)
	sum := sha256.Sum256(append([]byte(namespace+"|"), buf...))
	return namespace + ":" + hex.EncodeToString(sum[:16])
}

// Prune deletes entries whose TTL has fully expired.
func (s *Store) Prune() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.withLock(func() error {
		_, err := s.db.Exec("DELETE FROM entries WHERE created_ms + ttl_ms < ?", s.now().UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("prune cache: %w", err)
		}
		return nil
	})
}

// Get reads key. A negative maxStale means stale entries never become too
// stale.
func (s *Store) Get(key string, maxStale time.Duration) (Result, error) {
	var value []byte
	var createdMS, ttlMS int64
	err := s.db.QueryRow("SELECT value, created_ms, ttl_ms FROM entries WHERE key = ?", key).Scan(&value, &createdMS, &ttlMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{Hit: false}, nil
		}
		return Result{}, fmt.Errorf("cache read: %w", err)
	}

	age := s.now().UTC().Sub(time.UnixMilli(createdMS).UTC())
	if age < 0 {
		age = 0
	}
	ttl := time.Duration(ttlMS) * time.Millisecond
	stale := age > ttl
	tooStale := stale && maxStale >= 0 && age > ttl+maxStale

	return Result{
		Hit:      true,
		Value:    value,
		Age:      age,
		Stale:    stale,
		TooStale: tooStale,
	}, nil
}

func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	return s.withLock(func() error {
		ttlMS := ttl.Milliseconds()
		if ttlMS <= 0 {
			ttlMS = 1
		}
		_, err := s.db.Exec(`
			INSERT INTO entries (key, namespace, value, created_ms, ttl_ms)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value=excluded.value,
				created_ms=excluded.created_ms,
				ttl_ms=excluded.ttl_ms
		`, key, namespaceOf(key), value, s.now().UTC().UnixMilli(), ttlMS)
		if err != nil {
			return fmt.Errorf("cache write: %w", err)
		}
		return nil
	})
}

// Purge drops every entry of a namespace.
func (s *Store) Purge(namespace string) error {
	return s.withLock(func() error {
		if _, err := s.db.Exec("DELETE FROM entries WHERE namespace = ?", namespace); err != nil {
			return fmt.Errorf("cache purge: %w", err)
		}
		return nil
	})
}

// GetJSON decodes a hit into out. Undecodable entries read as misses.
func (s *Store) GetJSON(key string, maxStale time.Duration, out any) (Result, error) {
	res, err := s.Get(key, maxStale)
	if err != nil || !res.Hit {
		return res, err
	}
	if err := json.Unmarshal(res.Value, out); err != nil {
		return Result{Hit: false}, nil
	}
	return res, nil
}

func (s *Store) SetJSON(key string, value any, ttl time.Duration) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	return s.Set(key, buf, ttl)
}

func (s *Store) withLock(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), busyTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 5*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func namespaceOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return ""
}
