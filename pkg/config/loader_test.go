package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// chdir changes the working directory for the duration of the test,
// restoring the original directory on cleanup. (Equivalent to t.Chdir,
// which requires Go 1.24.)
func chdir(t *testing.T, dir string) {
	t.Helper()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(orig); err != nil {
			t.Fatalf("restore wd: %v", err)
		}
	})
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(testLogger(), "milksync")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level info, got %q", cfg.LogLevel)
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("expected default address :8080, got %q", cfg.Server.Address)
	}
	if cfg.Server.ConnectionLimit.MaxPerUser != 5 || cfg.Server.ConnectionLimit.Mode != "cycle" {
		t.Errorf("unexpected connection limit defaults: %+v", cfg.Server.ConnectionLimit)
	}
	if cfg.Transport.ReadTimeout != 60*time.Second {
		t.Errorf("expected default read timeout 60s, got %v", cfg.Transport.ReadTimeout)
	}
	if cfg.Client.MaxReconnectAttempts != 5 {
		t.Errorf("expected 5 reconnect attempts, got %d", cfg.Client.MaxReconnectAttempts)
	}
	if cfg.Client.ProbeTimeout != 5*time.Second {
		t.Errorf("expected 5s probe timeout, got %v", cfg.Client.ProbeTimeout)
	}
	if cfg.Client.PollInterval != 15*time.Second {
		t.Errorf("expected 15s poll interval, got %v", cfg.Client.PollInterval)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	contents := []byte(`
logLevel: debug
server:
  address: ":9090"
  connectionLimit:
    maxPerUser: 2
    mode: reject
client:
  reconnectBaseDelay: 250ms
`)
	if err := os.WriteFile(filepath.Join(dir, "milksync.yaml"), contents, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	chdir(t, dir)

	cfg, err := Load(testLogger(), "milksync")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level debug, got %q", cfg.LogLevel)
	}
	if cfg.Server.Address != ":9090" {
		t.Errorf("expected address :9090, got %q", cfg.Server.Address)
	}
	if cfg.Server.ConnectionLimit.MaxPerUser != 2 || cfg.Server.ConnectionLimit.Mode != "reject" {
		t.Errorf("unexpected connection limit: %+v", cfg.Server.ConnectionLimit)
	}
	if cfg.Client.ReconnectBaseDelay != 250*time.Millisecond {
		t.Errorf("expected 250ms base delay, got %v", cfg.Client.ReconnectBaseDelay)
	}
	// untouched keys keep their defaults
	if cfg.Client.ReconnectMaxDelay != 30*time.Second {
		t.Errorf("expected default 30s max delay, got %v", cfg.Client.ReconnectMaxDelay)
	}
}
