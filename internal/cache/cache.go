// Package cache keeps rendered façade responses in sqlite, keyed by the router
// they were read from and the route that produced them.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS responses (
	namespace  TEXT    NOT NULL,
	route      TEXT    NOT NULL,
	body       BLOB    NOT NULL,
	stored_ms  INTEGER NOT NULL,
	expires_ms INTEGER NOT NULL,
	PRIMARY KEY (namespace, route)
);`

type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

// Entry is a lookup result. Body is only set when Found is true.
type Entry struct {
	Found bool
	Body  []byte
	Age   time.Duration
	// Expired entries may still be served on upstream failure.
	Expired bool
	// Unusable entries are past their stale window.
	Unusable bool
}

func Open(path, lockPath string) (*Store, error) {
	for _, dir := range []string{filepath.Dir(path), filepath.Dir(lockPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open response cache: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init response cache: %w", err)
	}
	s := &Store{db: db, lock: flock.New(lockPath), now: time.Now}
	_ = s.Prune(0)
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Scope returns a view of the store restricted to one namespace.
func (s *Store) Scope(namespace string) *Scope {
	return &Scope{store: s, namespace: namespace}
}

// Prune drops entries that expired more than grace ago across all namespaces.
func (s *Store) Prune(grace time.Duration) error {
	if s == nil || s.db == nil {
		return nil
	}
	cutoff := s.now().Add(-grace).UnixMilli()
	if _, err := s.db.Exec("DELETE FROM responses WHERE expires_ms < ?", cutoff); err != nil {
		return fmt.Errorf("prune response cache: %w", err)
	}
	return nil
}

func (s *Store) withLock(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock response cache: %w", err)
	}
	if !locked {
		return errors.New("lock response cache: not acquired")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

type Scope struct {
	store     *Store
	namespace string
}

func (sc *Scope) Namespace() string { return sc.namespace }

// Get looks up route. Entries expired by more than maxStale are reported as
// Unusable; a negative maxStale never marks an entry unusable.
func (sc *Scope) Get(route string, maxStale time.Duration) (Entry, error) {
	var body []byte
	var storedMs, expiresMs int64
	err := sc.store.db.QueryRow(
		"SELECT body, stored_ms, expires_ms FROM responses WHERE namespace = ? AND route = ?",
		sc.namespace, route,
	).Scan(&body, &storedMs, &expiresMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read %s: %w", route, err)
	}

	now := sc.store.now()
	entry := Entry{Found: true, Body: body, Age: max(now.Sub(time.UnixMilli(storedMs)), 0)}
	overdue := now.Sub(time.UnixMilli(expiresMs))
	entry.Expired = overdue > 0
	entry.Unusable = entry.Expired && maxStale >= 0 && overdue > maxStale
	return entry, nil
}

// Put stores body for route. ttl is clamped to at least one millisecond.
func (sc *Scope) Put(route string, body []byte, ttl time.Duration) error {
	now := sc.store.now()
	ttl = max(ttl, time.Millisecond)
	return sc.store.withLock(func() error {
		_, err := sc.store.db.Exec(`
			INSERT INTO responses (namespace, route, body, stored_ms, expires_ms)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(namespace, route) DO UPDATE SET
				body = excluded.body,
				stored_ms = excluded.stored_ms,
				expires_ms = excluded.expires_ms`,
			sc.namespace, route, body, now.UnixMilli(), now.Add(ttl).UnixMilli())
		if err != nil {
			return fmt.Errorf("write %s: %w", route, err)
		}
		return nil
	})
}

// Purge removes every entry in the namespace.
func (sc *Scope) Purge() error {
	return sc.store.withLock(func() error {
		if _, err := sc.store.db.Exec("DELETE FROM responses WHERE namespace = ?", sc.namespace); err != nil {
			return fmt.Errorf("purge %s: %w", sc.namespace, err)
		}
		return nil
	})
}
