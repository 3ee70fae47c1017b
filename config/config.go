// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// Homeserver credentials live in a separate JSON file; use LoadCredentials.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	// Matrix
	HomeserverURL   string
	CredentialsPath string

	// Storage
	LogDir string

	// Fetching
	MaxInflight    int
	RequestTimeout time.Duration
	PageSize       int
	ContextLimit   int

	// Daemon mode; zero means run once and exit
	IngestInterval time.Duration

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. Credentials are not
// loaded here; the importer tool has no use for them.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.HomeserverURL = os.Getenv("MATRIX_HOMESERVER_URL")
	if cfg.HomeserverURL == "" {
		cfg.HomeserverURL = "https://matrix.org"
	}

	cfg.CredentialsPath = os.Getenv("CREDENTIALS_PATH")
	if cfg.CredentialsPath == "" {
		cfg.CredentialsPath = "credentials.json"
	}

	cfg.LogDir = os.Getenv("LOG_DIR")
	if cfg.LogDir == "" {
		cfg.LogDir = "logs"
	}

	var err error
	if cfg.MaxInflight, err = intEnv("MAX_INFLIGHT_REQUESTS", 6); err != nil {
		return nil, err
	}
	if cfg.PageSize, err = intEnv("PAGE_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.ContextLimit, err = intEnv("CONTEXT_LIMIT", 10); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = durationEnv("REQUEST_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.IngestInterval, err = durationEnv("INGEST_INTERVAL", 0); err != nil {
		return nil, err
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	return cfg, nil
}

func intEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// JSONDir is where the live store lives under LogDir.
func (c *Config) JSONDir() string {
	return filepath.Join(c.LogDir, "json")
}

// HistoricalDir is where imported IRC logs live under LogDir.
func (c *Config) HistoricalDir() string {
	return filepath.Join(c.LogDir, "historical-json")
}

// Credentials is the homeserver session the archiver fetches with.
type Credentials struct {
	UserID      string `json:"userId"`
	AccessToken string `json:"accessToken"`
}

// LoadCredentials reads and validates the credentials file.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("credentials %s: missing accessToken", path)
	}
	return &creds, nil
}

// LoadExcluded reads the operator's room exclusion list from
// <LogDir>/config.json. A missing file means nothing is excluded.
func (c *Config) LoadExcluded() (map[string]bool, error) {
	path := filepath.Join(c.LogDir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var raw struct {
		Excluded []string `json:"excluded"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	excluded := make(map[string]bool, len(raw.Excluded))
	for _, id := range raw.Excluded {
		excluded[id] = true
	}
	return excluded, nil
}
