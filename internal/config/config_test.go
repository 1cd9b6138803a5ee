package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := &Config{
		HostID:               "test-host-abc",
		RepoName:             "myrepo",
		Workspace:            "default",
		BaseDir:              "/home/user/.local/share/ccsync",
		LogDir:               "/home/user/.local/share/ccsync/log",
		MaxSyncAge:           14,
		NoCheckBackedUpLimit: 4,
		UserCommitsOnly:      true,
		PushAuthor:           "user@example.com",
		CustomPushRevs:       []string{"draft()"},
		LockTimeoutSeconds:   120,
		Service: ServiceConfig{
			Type:           "http",
			URL:            "https://cloud.example.com/api",
			Token:          "opaque-token",
			TimeoutSeconds: 30,
		},
		Database:    DatabaseConfig{Type: "sqlite", DataDir: "/home/user/.local/share/ccsync/db"},
		BundleStore: BundleStoreConfig{Type: "filesystem", FSRoot: "/backup/bundles"},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  "/home/user/.local/share/ccsync/keys/ccsync.pub",
			PrivateKeyPath: "/home/user/.local/share/ccsync/keys/ccsync.key",
		},
		Daemon: DaemonConfig{Enabled: true, DebounceMillis: 250, NotifyURL: "wss://cloud.example.com/notify"},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.HostID != original.HostID {
		t.Errorf("HostID = %q, want %q", got.HostID, original.HostID)
	}
	if got.RepoName != original.RepoName {
		t.Errorf("RepoName = %q, want %q", got.RepoName, original.RepoName)
	}
	if got.Workspace != original.Workspace {
		t.Errorf("Workspace = %q, want %q", got.Workspace, original.Workspace)
	}
	if got.MaxSyncAge != 14 {
		t.Errorf("MaxSyncAge = %d, want 14", got.MaxSyncAge)
	}
	if !got.UserCommitsOnly {
		t.Error("UserCommitsOnly = false, want true")
	}
	if len(got.CustomPushRevs) != 1 || got.CustomPushRevs[0] != "draft()" {
		t.Errorf("CustomPushRevs = %v, want [draft()]", got.CustomPushRevs)
	}
	if got.Service.Type != "http" {
		t.Errorf("Service.Type = %q, want %q", got.Service.Type, "http")
	}
	if got.Service.URL != original.Service.URL {
		t.Errorf("Service.URL = %q, want %q", got.Service.URL, original.Service.URL)
	}
	if got.BundleStore.FSRoot != "/backup/bundles" {
		t.Errorf("BundleStore.FSRoot = %q, want %q", got.BundleStore.FSRoot, "/backup/bundles")
	}
	if got.Encryption.PrivateKeyPath != original.Encryption.PrivateKeyPath {
		t.Errorf("Encryption.PrivateKeyPath = %q, want %q", got.Encryption.PrivateKeyPath, original.Encryption.PrivateKeyPath)
	}
	if got.Database.Type != "sqlite" {
		t.Errorf("Database.Type = %q, want %q", got.Database.Type, "sqlite")
	}
	if got.Daemon.DebounceMillis != 250 {
		t.Errorf("Daemon.DebounceMillis = %d, want 250", got.Daemon.DebounceMillis)
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("host-1", "/data/ccsync")

	if cfg.HostID != "host-1" {
		t.Errorf("HostID = %q, want %q", cfg.HostID, "host-1")
	}
	if cfg.Workspace != "default" {
		t.Errorf("Workspace = %q, want %q", cfg.Workspace, "default")
	}
	if cfg.BaseDir != "/data/ccsync" {
		t.Errorf("BaseDir = %q, want %q", cfg.BaseDir, "/data/ccsync")
	}
	if cfg.LogDir != "/data/ccsync/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/ccsync/log")
	}
	if cfg.LockTimeoutSeconds != 120 {
		t.Errorf("LockTimeoutSeconds = %d, want 120", cfg.LockTimeoutSeconds)
	}
	if cfg.NoCheckBackedUpLimit != 4 {
		t.Errorf("NoCheckBackedUpLimit = %d, want 4", cfg.NoCheckBackedUpLimit)
	}
	if cfg.Encryption.PublicKeyPath != "/data/ccsync/keys/ccsync.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q, want %q", cfg.Encryption.PublicKeyPath, "/data/ccsync/keys/ccsync.pub")
	}
	if cfg.BundleStore.Type != "filesystem" {
		t.Errorf("BundleStore.Type = %q, want %q", cfg.BundleStore.Type, "filesystem")
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "ccsync.toml")
		cfg := NewConfig("h1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "ccsync.toml")
		cfg := NewConfig("h1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		err := Init(path, cfg)
		if err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "ccsync.toml")
		cfg := NewConfig("read-test", dir)
		cfg.Database = DatabaseConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.HostID != "read-test" {
			t.Errorf("HostID = %q, want %q", got.HostID, "read-test")
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		_, err := ReadFromFile("/nonexistent/path/ccsync.toml")
		if err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
