package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-warden/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromWardenHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "warden")
	writeConfig(t, home, "moderation:\n  threshold: 80\n  history_count: 30\nowner_ids: [\"10001\"]\n")
	t.Setenv("WARDEN_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.Moderation.Threshold != 80 || cfg.Moderation.HistoryCount != 30 {
		t.Fatalf("moderation = %+v", cfg.Moderation)
	}
	if cfg.Moderation.PaceMillis != 300 {
		t.Fatalf("pace_ms default = %d, want 300", cfg.Moderation.PaceMillis)
	}
	if len(cfg.OwnerIDs) != 1 || cfg.OwnerIDs[0] != "10001" {
		t.Fatalf("owners = %v", cfg.OwnerIDs)
	}
	if cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis should be false when config.yaml exists")
	}
}

func TestLoad_Defaults(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis without config.yaml")
	}
	m := cfg.Moderation
	if m.Threshold != 100 || m.HistoryCount != 15 || m.UnbanKeyword != "解禁" || m.KickKeyword != "踢出" {
		t.Fatalf("defaults = %+v", m)
	}
	if m.MuteDuration() != 30*24*time.Hour {
		t.Fatalf("mute duration = %s", m.MuteDuration())
	}
	if m.CorrelationTTL() != 5*time.Minute {
		t.Fatalf("ttl = %s", m.CorrelationTTL())
	}
	if !m.DefaultEnabled || !m.ExemptAdmins {
		t.Fatal("expected moderation on and admins exempt by default")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := filepath.Join(t.TempDir(), "warden")
	writeConfig(t, home, "onebot:\n  url: ws://file:3001\n")
	t.Setenv("WARDEN_ONEBOT_URL", "ws://env:3001")
	t.Setenv("WARDEN_ONEBOT_TOKEN", "tok")
	t.Setenv("WARDEN_OWNER_IDS", "1, 2,,3")
	t.Setenv("WARDEN_THRESHOLD", "55")
	t.Setenv("WARDEN_LOG_LEVEL", "debug")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OneBot.URL != "ws://env:3001" || cfg.OneBot.AccessToken != "tok" {
		t.Fatalf("onebot = %+v", cfg.OneBot)
	}
	if strings.Join(cfg.OwnerIDs, ",") != "1,2,3" {
		t.Fatalf("owners = %v, want [1 2 3]", cfg.OwnerIDs)
	}
	if cfg.Moderation.Threshold != 55 || cfg.LogLevel != "debug" {
		t.Fatalf("threshold=%d log=%s", cfg.Moderation.Threshold, cfg.LogLevel)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	home := filepath.Join(t.TempDir(), "warden")
	writeConfig(t, home, "moderation: [\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_RejectsIdenticalKeywords(t *testing.T) {
	home := filepath.Join(t.TempDir(), "warden")
	writeConfig(t, home, "moderation:\n  unban_keyword: ok\n  kick_keyword: ok\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected keyword collision error")
	}
}

func TestLoad_TelegramAlertNeedsChat(t *testing.T) {
	home := filepath.Join(t.TempDir(), "warden")
	writeConfig(t, home, "alerts:\n  telegram:\n    enabled: true\n    token: abc\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected error for telegram alerts without chat_id")
	}
}

func TestFingerprint_ChangesWithThreshold(t *testing.T) {
	home := filepath.Join(t.TempDir(), "warden")
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	b.Moderation.Threshold++
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change with threshold")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatal("fingerprint must be stable")
	}
}

func TestLoad_FileExporterDefaultsUnderLogs(t *testing.T) {
	home := filepath.Join(t.TempDir(), "w")
	writeConfig(t, home, "otel:\n  enabled: true\n  exporter: file\n")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if want := filepath.Join(home, "logs", "traces.jsonl"); cfg.OTel.TraceFile != want {
		t.Fatalf("trace_file = %q, want %q", cfg.OTel.TraceFile, want)
	}
}
