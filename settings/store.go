// Package settings persists broker configuration in a small SQLite key/value
// table. A .env file seeds first-run defaults the same way the rest of the
// client bootstraps its keys; after that the database is the source of truth.
package settings

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"cfbroker/challenge"
	"cfbroker/proxy"
)

// Setting keys.
const (
	KeyProxyEnabled     = "proxy_enabled"
	KeyProxyURL         = "proxy_url"
	KeyProxyPoolEnabled = "proxy_pool_enabled"
	KeySolverEnabled    = "solver_enabled"
	KeySolverAPIURL     = "solver_api_url"
	KeyCookieDomain     = "cookie_domain"
)

// envDefaults maps setting keys to the environment variables that seed them
// when no row exists yet.
var envDefaults = map[string]string{
	KeyProxyEnabled:     "PROXY_ENABLED",
	KeyProxyURL:         "PROXY_URL",
	KeyProxyPoolEnabled: "PROXY_POOL_ENABLED",
	KeySolverEnabled:    "CF_SOLVER_ENABLED",
	KeySolverAPIURL:     "CF_SOLVER_API_URL",
	KeyCookieDomain:     "COOKIE_DOMAIN",
}

// Store is the configuration/persistence collaborator consumed by the proxy
// resolver and the challenge solver.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens the settings database at path, creating it (and its directory)
// if needed.
func Open(path string, log zerolog.Logger) (*Store, error) {
	_ = godotenv.Load()

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create settings dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open settings db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer

	s := &Store{db: db, log: log.With().Str("component", "settings").Logger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	s.seedFromEnv()
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("migrate settings db: %w", err)
	}
	return nil
}

// seedFromEnv writes env-provided values for keys that have no row yet.
// Persisted values always win over the environment.
func (s *Store) seedFromEnv() {
	for key, envVar := range envDefaults {
		value, ok := os.LookupEnv(envVar)
		if !ok {
			continue
		}
		if _, err := s.get(key); err == nil {
			continue
		}
		if err := s.set(key, value); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("failed to seed setting from env")
		}
	}
}

func (s *Store) get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	return value, err
}

// getDefault reads a key, mapping a missing row to the fallback value.
func (s *Store) getDefault(key, fallback string) (string, error) {
	value, err := s.get(key)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("read setting %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) set(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func parseBool(value string) bool {
	b, err := strconv.ParseBool(value)
	return err == nil && b
}

// ProxyConfig reads the persisted proxy configuration.
func (s *Store) ProxyConfig() (proxy.Config, error) {
	var cfg proxy.Config

	enabled, err := s.getDefault(KeyProxyEnabled, "false")
	if err != nil {
		return cfg, err
	}
	proxyURL, err := s.getDefault(KeyProxyURL, "")
	if err != nil {
		return cfg, err
	}
	poolEnabled, err := s.getDefault(KeyProxyPoolEnabled, "false")
	if err != nil {
		return cfg, err
	}

	cfg.Enabled = parseBool(enabled)
	cfg.URL = proxyURL
	cfg.PoolEnabled = parseBool(poolEnabled)
	return cfg, nil
}

// UpdateProxyConfig persists a complete proxy configuration in one
// transaction so readers never see a half-written config.
func (s *Store) UpdateProxyConfig(enabled bool, proxyURL string, poolEnabled bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("update proxy config: %w", err)
	}
	defer tx.Rollback()

	values := map[string]string{
		KeyProxyEnabled:     strconv.FormatBool(enabled),
		KeyProxyURL:         proxyURL,
		KeyProxyPoolEnabled: strconv.FormatBool(poolEnabled),
	}
	for key, value := range values {
		if _, err := tx.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
			return fmt.Errorf("update proxy config: %w", err)
		}
	}
	return tx.Commit()
}

// SolverConfig reads the solving-service gate and address.
func (s *Store) SolverConfig() (challenge.SolverConfig, error) {
	var cfg challenge.SolverConfig

	enabled, err := s.getDefault(KeySolverEnabled, "false")
	if err != nil {
		return cfg, err
	}
	apiURL, err := s.getDefault(KeySolverAPIURL, "")
	if err != nil {
		return cfg, err
	}

	cfg.Enabled = parseBool(enabled)
	cfg.APIURL = apiURL
	return cfg, nil
}

// UpdateSolverConfig persists the solving-service gate and address.
func (s *Store) UpdateSolverConfig(enabled bool, apiURL string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("update solver config: %w", err)
	}
	defer tx.Rollback()

	values := map[string]string{
		KeySolverEnabled: strconv.FormatBool(enabled),
		KeySolverAPIURL:  apiURL,
	}
	for key, value := range values {
		if _, err := tx.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
			return fmt.Errorf("update solver config: %w", err)
		}
	}
	return tx.Commit()
}

// CookieDomain returns the clearance cookie domain, falling back to the
// default when unset or unreadable.
func (s *Store) CookieDomain() string {
	domain, err := s.getDefault(KeyCookieDomain, challenge.DefaultCookieDomain)
	if err != nil {
		s.log.Warn().Err(err).Msg("cookie domain unreadable, using default")
		return challenge.DefaultCookieDomain
	}
	return domain
}
