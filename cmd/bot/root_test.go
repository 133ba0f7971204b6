package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"tg_shop_bot/internal/config"
	"tg_shop_bot/internal/storage"
	"tg_shop_bot/internal/storage/migrations"
	"tg_shop_bot/internal/storage/storagetest"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()

	t.Setenv(config.KeyAppEnv, config.EnvProduction)
	t.Setenv(config.KeyBotToken, "123456:secret-token")
	t.Setenv(config.KeyAdminID, "42")
	t.Setenv(config.KeyPostgresHost, "localhost")
	t.Setenv(config.KeyPostgresDatabase, "shop")
	t.Setenv(config.KeyPostgresUser, "shop")
	t.Setenv(config.KeyPostgresPassword, "db-password")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version returned error: %v", err)
	}

	if strings.TrimSpace(out) != "tg-shop-bot "+version {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestConfigCommandMasksSecrets(t *testing.T) {
	setRequiredEnv(t)

	out, err := execute(t, "config")
	if err != nil {
		t.Fatalf("config returned error: %v", err)
	}

	if !strings.Contains(out, "configuration check: ok") || !strings.Contains(out, "admin_id: 42") {
		t.Fatalf("unexpected config output %q", out)
	}
	if strings.Contains(out, "secret-token") || strings.Contains(out, "db-password") {
		t.Fatalf("expected secrets to be masked, got %q", out)
	}
}

func TestConfigCommandReportsMissingKeys(t *testing.T) {
	t.Setenv(config.KeyAppEnv, config.EnvProduction)
	t.Setenv(config.KeyBotToken, "")

	_, err := execute(t, "config")
	if err == nil || !strings.Contains(err.Error(), config.KeyBotToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestConfigCommandLoadsEnvFile(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(config.KeyChatAllowedIDs, "")

	path := filepath.Join(t.TempDir(), "bot.env")
	if err := os.WriteFile(path, []byte("CHAT__ALLOWED_IDS=-100,-200\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	os.Unsetenv(config.KeyChatAllowedIDs)

	out, err := execute(t, "config", "--env-file", path)
	if err != nil {
		t.Fatalf("config returned error: %v", err)
	}
	if !strings.Contains(out, "allowed_chats: [-100, -200]") {
		t.Fatalf("expected allowed chats from env file, got %q", out)
	}
}

func TestMigrateCommandPrintsAppliedMigrations(t *testing.T) {
	setRequiredEnv(t)

	pool := storagetest.NewPool(t)
	orig := openPool
	t.Cleanup(func() { openPool = orig })

	var gotHost string
	openPool = func(_ context.Context, cfg config.Postgres, _ *logrus.Entry) (*storage.Pool, error) {
		gotHost = cfg.Host
		return pool, nil
	}

	out, err := execute(t, "migrate")
	if err != nil {
		t.Fatalf("migrate returned error: %v", err)
	}

	if gotHost != "localhost" {
		t.Fatalf("expected postgres settings from the environment, got host %q", gotHost)
	}
	if strings.TrimSpace(out) != migrations.Latest() {
		t.Fatalf("expected applied migration %s, got %q", migrations.Latest(), out)
	}
}

func TestRootRejectsUnknownCommand(t *testing.T) {
	if _, err := execute(t, "serve"); err == nil {
		t.Fatalf("expected unknown command to fail")
	}
}
