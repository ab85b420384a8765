package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func stubDotEnv(t *testing.T, fn func(filenames ...string) error) {
	t.Helper()
	orig := loadDotEnv
	t.Cleanup(func() { loadDotEnv = orig })
	loadDotEnv = fn
}

func TestLoad_Defaults(t *testing.T) {
	stubDotEnv(t, func(filenames ...string) error { return fs.ErrNotExist })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Email.Provider != "console" {
		t.Fatalf("expected console email provider, got %q", cfg.Email.Provider)
	}
	if cfg.Feed.DeleteTimeout != 10*time.Second {
		t.Fatalf("expected 10s delete timeout, got %v", cfg.Feed.DeleteTimeout)
	}
	if cfg.Database.MigrationsPath != "migrations" {
		t.Fatalf("expected migrations path default, got %q", cfg.Database.MigrationsPath)
	}
	if len(cfg.OAuth.Google.Scopes) != 3 {
		t.Fatalf("expected default google scopes, got %v", cfg.OAuth.Google.Scopes)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	stubDotEnv(t, func(filenames ...string) error { return nil })
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("FEED_DELETE_TIMEOUT", "3s")
	t.Setenv("FEED_KEEPALIVE_INTERVAL", "nope")
	t.Setenv("GOOGLE_OIDC_SCOPES", "openid, email")
	t.Setenv("REDIS_DB", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Feed.DeleteTimeout != 3*time.Second {
		t.Fatalf("expected 3s delete timeout, got %v", cfg.Feed.DeleteTimeout)
	}
	if cfg.Feed.KeepAliveInterval != 25*time.Second {
		t.Fatalf("expected invalid duration to fall back, got %v", cfg.Feed.KeepAliveInterval)
	}
	if len(cfg.OAuth.Google.Scopes) != 2 || cfg.OAuth.Google.Scopes[1] != "email" {
		t.Fatalf("unexpected scopes: %v", cfg.OAuth.Google.Scopes)
	}
	if cfg.Redis.Addr() != "localhost:6379" || cfg.Redis.DB != 2 {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
}

func TestLoad_ResendRequiresKey(t *testing.T) {
	stubDotEnv(t, func(filenames ...string) error { return nil })
	t.Setenv("EMAIL_PROVIDER", "resend")
	t.Setenv("RESEND_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when resend key missing")
	}
}

func TestLoad_DotEnvError(t *testing.T) {
	loadErr := errors.New("malformed")
	stubDotEnv(t, func(filenames ...string) error { return loadErr })

	_, err := Load()
	if !errors.Is(err, loadErr) {
		t.Fatalf("expected dotenv error to wrap %v, got %v", loadErr, err)
	}
}

func TestLoad_ReadsDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("DB_NAME=from_dotenv_file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	// Registered so t.Setenv restores the variable after godotenv sets it.
	t.Setenv("DB_NAME", "")
	os.Unsetenv("DB_NAME")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.DBName != "from_dotenv_file" {
		t.Fatalf("expected db name from env file, got %q", cfg.Database.DBName)
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{User: "u", Password: "p", Host: "h", Port: 5432, DBName: "d", SSLMode: "disable"}
	want := "postgres://u:p@h:5432/d?sslmode=disable"
	if got := d.DSN(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
