// Package settings provides the persistent key-value settings store backed
// by SQLite. It holds the user-facing configuration the engines consume:
// API credentials, model names, pool size, and auto-download preferences.
package settings

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

const appName = "HeTangAIScript"

// Keys understood by the engine.
const (
	KeyAPIKey       = "api_key"
	KeyAPIBaseURL   = "api_base_url"
	KeyImageModel   = "image_model"
	KeyVideoModel   = "video_model"
	KeyPoolSize     = "thread_pool_size"
	KeyAutoDownload = "auto_download"
	KeyDownloadPath = "download_path"
)

// Defaults seeded into a fresh store. Existing values are never overwritten.
var Defaults = map[string]string{
	KeyAPIKey:       "",
	KeyAPIBaseURL:   "",
	KeyImageModel:   "gemini-3.0-pro-image-landscape",
	KeyVideoModel:   "",
	KeyPoolSize:     "2",
	KeyAutoDownload: "false",
	KeyDownloadPath: "",
}

// Store is a SQLite-backed settings store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the settings database at path. An empty
// path resolves to the platform data directory.
func Open(path string) (*Store, error) {
	if path == "" {
		dir, err := DataDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "hetangai.db")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open settings db: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT ''
		)
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create settings table: %w", err)
	}

	for key, value := range Defaults {
		_, err := s.db.Exec(
			`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
			key, value,
		)
		if err != nil {
			return fmt.Errorf("seed default %q: %w", key, err)
		}
	}
	return nil
}

// Get returns the value for key, or the empty string if absent.
func (s *Store) Get(key string) string {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return ""
	}
	if err != nil {
		return ""
	}
	return value
}

// Set stores a value for key, replacing any existing value.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// All returns every stored key-value pair.
func (s *Store) All() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

// PoolSize returns the configured worker pool size clamped to [1, 10],
// defaulting to 2 when unset or unparsable.
func (s *Store) PoolSize() int {
	size, err := strconv.Atoi(s.Get(KeyPoolSize))
	if err != nil {
		return 2
	}
	if size < 1 {
		return 1
	}
	if size > 10 {
		return 10
	}
	return size
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// FileSize returns the database file size in bytes, 0 if missing.
func (s *Store) FileSize() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DataDir returns the platform application data directory, creating it if
// needed.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}

	var dir string
	switch runtime.GOOS {
	case "darwin":
		dir = filepath.Join(home, "Library", "Application Support", appName)
	case "windows":
		appdata := os.Getenv("APPDATA")
		if appdata == "" {
			appdata = filepath.Join(home, "AppData", "Roaming")
		}
		dir = filepath.Join(appdata, appName)
	default:
		dir = filepath.Join(home, ".local", "share", appName)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return dir, nil
}
