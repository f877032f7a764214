package lock

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ryanlecours/loam-logger-sub002/internal/database"
)

// MemoryStore is a process-local store for single-process deployments and tests
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetNX implements Store
func (m *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

// CompareAndDelete implements Store
func (m *MemoryStore) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.value != value {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

// SQLiteStore keeps locks in the application database's locks table
type SQLiteStore struct {
	db *database.DB
}

// NewSQLiteStore creates a store on the application database
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// SetNX implements Store
func (s *SQLiteStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.db.AcquireLock(ctx, key, value, ttl)
}

// CompareAndDelete implements Store
func (s *SQLiteStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	return s.db.ReleaseLock(ctx, key, value)
}

// compareAndDelete removes KEYS[1] only if it holds ARGV[1]
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore uses SET NX PX and a compare-and-delete script
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a store on an existing Redis client
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// SetNX implements Store
func (r *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SET NX failed: %w", err)
	}
	return ok, nil
}

// CompareAndDelete implements Store
func (r *RedisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, r.client, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete failed: %w", err)
	}
	return n == 1, nil
}

const (
	postgresLockTable        = "distributed_locks"
	postgresOperationTimeout = 5 * time.Second
)

// PostgresStore keeps locks in a Postgres table shared by every process.
// The connection and table are created lazily on first use.
type PostgresStore struct {
	dsn string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStore creates a store for dsn without connecting
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres lock store requires a DSN")
	}
	return &PostgresStore{dsn: dsn}, nil
}

func (p *PostgresStore) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := sql.Open("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				lock_key TEXT PRIMARY KEY,
				lock_value TEXT NOT NULL,
				expires_at TIMESTAMPTZ NOT NULL
			)`, postgresLockTable)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

// SetNX implements Store
func (p *PostgresStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := p.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (lock_key, lock_value, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond')
		ON CONFLICT (lock_key) DO UPDATE SET
			lock_value = EXCLUDED.lock_value,
			expires_at = EXCLUDED.expires_at
		WHERE %[1]s.expires_at <= NOW()`, postgresLockTable)
	result, err := p.db.ExecContext(ctx, query, key, value, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// CompareAndDelete implements Store
func (p *PostgresStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if err := p.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE lock_key = $1 AND lock_value = $2`, postgresLockTable)
	result, err := p.db.ExecContext(ctx, query, key, value)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Close closes the Postgres connection if it was opened
func (p *PostgresStore) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// BuildStore picks a store from a URL: "" or "sqlite:" uses the application
// database, "memory:" a process-local map, "redis://" and "rediss://" a Redis
// server, "postgres://" and "postgresql://" a Postgres table.
func BuildStore(storeURL string, db *database.DB) (Store, error) {
	switch {
	case storeURL == "" || strings.HasPrefix(storeURL, "sqlite:"):
		if db == nil {
			return nil, fmt.Errorf("sqlite lock store requires the application database")
		}
		return NewSQLiteStore(db), nil
	case strings.HasPrefix(storeURL, "memory:"):
		return NewMemoryStore(), nil
	case strings.HasPrefix(storeURL, "redis://"), strings.HasPrefix(storeURL, "rediss://"):
		opts, err := redis.ParseURL(storeURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis lock store URL: %w", err)
		}
		return NewRedisStore(redis.NewClient(opts)), nil
	case strings.HasPrefix(storeURL, "postgres://"), strings.HasPrefix(storeURL, "postgresql://"):
		return NewPostgresStore(storeURL)
	default:
		return nil, fmt.Errorf("unsupported lock store URL: %s", storeURL)
	}
}
