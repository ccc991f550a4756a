package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"diagram-export/internal/config"
	"diagram-export/internal/infra/logging"
)

var (
	// ErrInvalidAPIKey signals that the provided API key is not known.
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrTokenStoreNotReady signals that the token store has not been loaded yet.
	// This can happen during startup when the DB isn't ready.
	ErrTokenStoreNotReady = errors.New("token store not ready")
)

// Store is the in-memory view of API tokens and their per-token rate limit.
type Store struct {
	mu    sync.RWMutex
	cache map[string]int
}

func NewStore() *Store {
	return &Store{}
}

// Replace swaps the whole token set.
func (s *Store) Replace(m map[string]int) {
	cache := make(map[string]int, len(m))
	for k, v := range m {
		cache[k] = v
	}
	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
}

// Ready returns true once the cache has been loaded at least once.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache != nil
}

func (s *Store) Validate(token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cache[token]
	return ok
}

// RateLimit returns the requests-per-interval limit for token; 0 means unlimited.
func (s *Store) RateLimit(token string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[token]
}

// Loader fetches the authoritative token set.
type Loader interface {
	LoadTokens(ctx context.Context) (map[string]int, error)
}

// LoadOnce refreshes store from loader. On error the previous set is kept.
func LoadOnce(ctx context.Context, loader Loader, store *Store) error {
	m, err := loader.LoadTokens(ctx)
	if err != nil {
		return err
	}
	store.Replace(m)
	return nil
}

// RefreshPeriodically reloads tokens every interval until ctx is done.
func RefreshPeriodically(ctx context.Context, loader Loader, store *Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := LoadOnce(loadCtx, loader, store); err != nil {
				logging.Error("Failed to reload API tokens", "error", err)
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// Repository reads tokens from the api_tokens table.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// OpenPostgres opens and pings the token database.
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	dsn, err := postgresDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// This is a small, low-throughput control plane table.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

const tokensDDL = `CREATE TABLE IF NOT EXISTS api_tokens (
	token TEXT PRIMARY KEY,
	rate_limit INTEGER NOT NULL DEFAULT 60,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	comment TEXT
);`

// EnsureSchema creates the token table when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, tokensDDL)
	return err
}

func (r *Repository) LoadTokens(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT token, rate_limit FROM api_tokens;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var token string
		var limit int
		if err := rows.Scan(&token, &limit); err != nil {
			return nil, err
		}
		out[token] = limit
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func postgresDSN(cfg config.PostgresConfig) (string, error) {
	if strings.HasPrefix(cfg.Host, "postgres://") || strings.HasPrefix(cfg.Host, "postgresql://") {
		return cfg.Host, nil
	}
	switch {
	case cfg.Host == "":
		return "", fmt.Errorf("postgres host is empty")
	case cfg.Database == "":
		return "", fmt.Errorf("postgres database is empty")
	case cfg.User == "":
		return "", fmt.Errorf("postgres user is empty")
	}

	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	hostPort := cfg.Host
	// Handle IPv6 or explicit host:port strings.
	if strings.HasPrefix(hostPort, "[") {
		if !strings.Contains(hostPort, "]:") {
			hostPort = fmt.Sprintf("%s:%d", hostPort, port)
		}
	} else if strings.Count(hostPort, ":") >= 2 {
		hostPort = fmt.Sprintf("[%s]:%d", hostPort, port)
	} else if !strings.Contains(hostPort, ":") {
		hostPort = fmt.Sprintf("%s:%d", hostPort, port)
	}

	u := &url.URL{Scheme: "postgres", Host: hostPort, Path: "/" + cfg.Database}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else {
		u.User = url.User(cfg.User)
	}
	q := u.Query()
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
