package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLite is a persistent local tier backed by a single-table sqlite db.
// It sits between the memory and redis tiers in read priority when
// enabled.
type SQLite struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLite opens (or creates) the database at filename.
// If filename is empty, a shared in-memory db is used.
func NewSQLite(filename string) (*SQLite, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		created_at INTEGER,
		ttl_ms INTEGER,
		expires INTEGER,
		value BLOB
	)`)
	if err != nil {
		return nil, err
	}
	if _, err = db.Exec("CREATE INDEX IF NOT EXISTS expires_idx ON cache (expires)"); err != nil {
		return nil, err
	}
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	return &SQLite{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (Entry, bool, error) {
	var createdAt, ttlMs, expires int64
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT created_at, ttl_ms, expires, value FROM cache WHERE key = ?", key,
	).Scan(&createdAt, &ttlMs, &expires, &value)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if expires <= time.Now().UnixMilli() {
		s.Delete(ctx, key)
		return Entry{}, false, nil
	}
	return Entry{
		Value:     value,
		CreatedAt: time.UnixMilli(createdAt),
		TTL:       time.Duration(ttlMs) * time.Millisecond,
	}, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache (key, created_at, ttl_ms, expires, value) VALUES (?, ?, ?, ?, ?)",
		key,
		entry.CreatedAt.UnixMilli(),
		entry.TTL.Milliseconds(),
		time.Now().Add(ttl).UnixMilli(),
		entry.Value,
	)
	return err
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE key = ?", key)
	return err
}

func (s *SQLite) Keys(ctx context.Context, pattern string) ([]string, error) {
	re, err := PatternRegexp(pattern)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM cache WHERE expires > ?", time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		if re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	return keys, rows.Err()
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM cache WHERE expires > ?", time.Now().UnixMilli(),
	).Scan(&count)
	return count, err
}

func (s *SQLite) Name() string {
	return "sqlite"
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
