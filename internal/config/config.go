package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for ccsync.
type Config struct {
	HostID    string `toml:"host_id"`
	RepoName  string `toml:"repo_name"`
	Workspace string `toml:"workspace"`
	BaseDir   string `toml:"base_dir"`
	LogDir    string `toml:"log_dir"`

	// MaxSyncAge limits pulls to heads newer than this many days. 0 disables
	// the age filter.
	MaxSyncAge int `toml:"max_sync_age"`
	// NoCheckBackedUpLimit is the number of candidate heads above which the
	// engine asks the service which of them it already has before pushing.
	NoCheckBackedUpLimit int `toml:"no_check_backed_up_limit"`
	// UserCommitsOnly restricts pushes in the default workspace to commits
	// authored by PushAuthor.
	UserCommitsOnly bool   `toml:"user_commits_only"`
	PushAuthor      string `toml:"push_author,omitempty"`
	// CustomPushRevs are extra commit-selection expressions applied to every
	// push in the default workspace.
	CustomPushRevs []string `toml:"custom_push_revs,omitempty"`
	// UpdateOnMove moves the working copy to the successor when the
	// checked-out commit is obsoleted during a sync.
	UpdateOnMove bool `toml:"update_on_move"`
	// LockTimeoutSeconds bounds how long a run waits for the sync lock.
	LockTimeoutSeconds int `toml:"lock_timeout_seconds"`

	Service     ServiceConfig     `toml:"service"`
	Database    DatabaseConfig    `toml:"database"`
	BundleStore BundleStoreConfig `toml:"bundle_store"`
	Encryption  EncryptionConfig  `toml:"encryption"`
	Daemon      DaemonConfig      `toml:"daemon"`
}

// ServiceConfig selects the reference service backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ServiceConfig struct {
	Type string `toml:"type"` // "http" or "memory"

	// HTTP-specific fields (only used when Type == "http")
	URL            string `toml:"url,omitempty"`
	Token          string `toml:"token,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

// DatabaseConfig represents configuration for the local metadata database.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// BundleStoreConfig selects where commit bundles are stored.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type BundleStoreConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"

	// S3-specific fields (only used when Type == "s3"). Empty credentials
	// fall back to the default AWS credential chain.
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used to encrypt bundles.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age", "none" (default), or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// DaemonConfig controls the background auto-sync process.
type DaemonConfig struct {
	Enabled bool `toml:"enabled"`
	// DebounceMillis is how long the watcher waits after the last repo
	// change before triggering a sync.
	DebounceMillis int `toml:"debounce_millis"`
	// NotifyURL is the websocket endpoint announcing workspace version
	// changes. Empty disables remote notifications.
	NotifyURL string `toml:"notify_url,omitempty"`
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:               hostID,
		Workspace:            "default",
		BaseDir:              baseDir,
		LogDir:               filepath.Join(baseDir, "log"),
		NoCheckBackedUpLimit: 4,
		LockTimeoutSeconds:   120,
		Service:              ServiceConfig{Type: "http"},
		Database:             DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		BundleStore:          BundleStoreConfig{Type: "filesystem", FSRoot: filepath.Join(baseDir, "bundles")},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "ccsync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "ccsync.key"),
		},
		Daemon: DaemonConfig{DebounceMillis: 500},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
// This is an internal helper and should not be exported.
func writeToFile(path string, cfg *Config) error {
	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
