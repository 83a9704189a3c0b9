package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Michael-Nwachukwu/boundless/internal/cache"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	defaultListLimit = 20
	storeLockWait    = 5 * time.Second
)

var ErrRunNotFound = errors.New("run not found")

var runSchema = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	`CREATE TABLE IF NOT EXISTS runs (
		run_id     TEXT PRIMARY KEY,
		flow       TEXT NOT NULL,
		status     TEXT NOT NULL,
		wallet     TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		payload    BLOB NOT NULL
	)`,
	"CREATE INDEX IF NOT EXISTS idx_runs_updated ON runs(updated_at DESC)",
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return "run_" + uuid.NewString()
}

// Store persists runs in sqlite. Writers from concurrent CLI processes are
// serialised with a file lock next to the database.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

// RunFilter narrows List. Empty fields match everything.
type RunFilter struct {
	Status string
	Flow   string
	Wallet string
	Limit  int
}

func OpenStore(path, lockPath string) (*Store, error) {
	for _, dir := range []string{filepath.Dir(path), filepath.Dir(lockPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create run store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cache.DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open run sqlite: %w", err)
	}
	store := &Store{db: db, lock: flock.New(lockPath)}
	err = store.withLock(func() error {
		for _, stmt := range runSchema {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("init run schema: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save inserts run or replaces the stored copy. created_at is kept from the
// first write.
func (s *Store) Save(run Run) error {
	if strings.TrimSpace(run.RunID) == "" {
		return errors.New("save run: missing run id")
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	now := time.Now().UTC().Unix()
	return s.withLock(func() error {
		_, err := s.db.Exec(`
			INSERT INTO runs (run_id, flow, status, wallet, created_at, updated_at, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET
				status=excluded.status,
				wallet=excluded.wallet,
				updated_at=excluded.updated_at,
				payload=excluded.payload`,
			run.RunID, string(run.Flow), string(run.Status), strings.ToLower(run.Wallet),
			unixOr(run.CreatedAt, now), unixOr(run.UpdatedAt, now), payload)
		if err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		return nil
	})
}

func (s *Store) Get(runID string) (Run, error) {
	runs, err := s.query("SELECT payload FROM runs WHERE run_id = ?", strings.TrimSpace(runID))
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return runs[0], nil
}

// List returns the most recently updated runs matching f.
func (s *Store) List(f RunFilter) ([]Run, error) {
	var (
		where []string
		args  []any
	)
	for column, value := range map[string]string{"status": f.Status, "flow": f.Flow, "wallet": f.Wallet} {
		if v := strings.ToLower(strings.TrimSpace(value)); v != "" {
			where = append(where, column+" = ?")
			args = append(args, v)
		}
	}
	q := "SELECT payload FROM runs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	return s.query(q+" ORDER BY updated_at DESC, run_id LIMIT ?", args...)
}

func (s *Store) query(q string, args ...any) ([]Run, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		var run Run
		if err := json.Unmarshal(payload, &run); err != nil {
			return nil, fmt.Errorf("decode run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

func (s *Store) withLock(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeLockWait)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock run store: %w", err)
	}
	if !locked {
		return errors.New("lock run store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func unixOr(ts string, fallback int64) int64 {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return fallback
	}
	return t.UTC().Unix()
}
