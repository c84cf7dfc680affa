package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-warden/internal/otel"
)

type OneBotConfig struct {
	// URL of the OneBot v11 forward websocket, e.g. ws://127.0.0.1:3001.
	URL                 string `yaml:"url"`
	AccessToken         string `yaml:"access_token"`
	ReconnectMaxSeconds int    `yaml:"reconnect_max_seconds"`
}

type ModerationConfig struct {
	Threshold             int    `yaml:"threshold"`
	MuteSeconds           int    `yaml:"mute_seconds"`
	HistoryCount          int    `yaml:"history_count"`
	PaceMillis            int    `yaml:"pace_ms"`
	CorrelationTTLSeconds int    `yaml:"correlation_ttl_seconds"`
	SweepIntervalSeconds  int    `yaml:"sweep_interval_seconds"`
	DefaultEnabled        bool   `yaml:"default_enabled"`
	UnbanKeyword          string `yaml:"unban_keyword"`
	KickKeyword           string `yaml:"kick_keyword"`
	// ExemptAdmins skips scoring for group owners and admins.
	ExemptAdmins bool `yaml:"exempt_admins"`
}

func (m ModerationConfig) MuteDuration() time.Duration {
	return time.Duration(m.MuteSeconds) * time.Second
}

func (m ModerationConfig) Pace() time.Duration {
	return time.Duration(m.PaceMillis) * time.Millisecond
}

func (m ModerationConfig) CorrelationTTL() time.Duration {
	return time.Duration(m.CorrelationTTLSeconds) * time.Second
}

// RetentionConfig holds history windows in days. 0 keeps rows forever.
type RetentionConfig struct {
	AuditLogDays       int    `yaml:"audit_log_days"`
	SanctionEventsDays int    `yaml:"sanction_events_days"`
	Cron               string `yaml:"cron"`
}

type TelegramAlertConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

type AlertsConfig struct {
	Telegram TelegramAlertConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel   string `yaml:"log_level"`
	HealthAddr string `yaml:"health_addr"`
	// OwnerIDs are system admins: exempt everywhere, allowed to run commands
	// in private chat, and recipients of operator notices.
	OwnerIDs []string `yaml:"owner_ids"`

	OneBot     OneBotConfig     `yaml:"onebot"`
	Moderation ModerationConfig `yaml:"moderation"`
	Retention  RetentionConfig  `yaml:"retention"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	OTel       otel.Config      `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath returns the sqlite database path within the home directory.
func (c Config) DBPath() string {
	return filepath.Join(c.HomeDir, "warden.db")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	m := c.Moderation
	fmt.Fprintf(h, "log=%s|health=%s|owners=%v|onebot=%s|threshold=%d|mute=%d|history=%d|pace=%d|ttl=%d|keywords=%s/%s|exempt=%t",
		c.LogLevel, c.HealthAddr, c.OwnerIDs, c.OneBot.URL, m.Threshold, m.MuteSeconds, m.HistoryCount,
		m.PaceMillis, m.CorrelationTTLSeconds, m.UnbanKeyword, m.KickKeyword, m.ExemptAdmins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:   "info",
		HealthAddr: "127.0.0.1:18790",
		OneBot: OneBotConfig{
			URL:                 "ws://127.0.0.1:3001",
			ReconnectMaxSeconds: 60,
		},
		Moderation: ModerationConfig{
			Threshold:             100,
			MuteSeconds:           int((30 * 24 * time.Hour).Seconds()),
			HistoryCount:          15,
			PaceMillis:            300,
			CorrelationTTLSeconds: 300,
			SweepIntervalSeconds:  30,
			DefaultEnabled:        true,
			UnbanKeyword:          "解禁",
			KickKeyword:           "踢出",
			ExemptAdmins:          true,
		},
		Retention: RetentionConfig{
			AuditLogDays:       365,
			SanctionEventsDays: 180,
			Cron:               "@daily",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("WARDEN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".warden")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads <homeDir>/config.yaml over the defaults and applies env
// overrides. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create warden home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = def.HealthAddr
	}
	if cfg.OneBot.ReconnectMaxSeconds <= 0 {
		cfg.OneBot.ReconnectMaxSeconds = def.OneBot.ReconnectMaxSeconds
	}
	m := &cfg.Moderation
	if m.Threshold <= 0 {
		m.Threshold = def.Moderation.Threshold
	}
	if m.MuteSeconds <= 0 {
		m.MuteSeconds = def.Moderation.MuteSeconds
	}
	if m.HistoryCount <= 0 {
		m.HistoryCount = def.Moderation.HistoryCount
	}
	if m.PaceMillis < 0 {
		m.PaceMillis = 0
	}
	if m.CorrelationTTLSeconds <= 0 {
		m.CorrelationTTLSeconds = def.Moderation.CorrelationTTLSeconds
	}
	if m.SweepIntervalSeconds <= 0 {
		m.SweepIntervalSeconds = def.Moderation.SweepIntervalSeconds
	}
	m.UnbanKeyword = strings.TrimSpace(m.UnbanKeyword)
	if m.UnbanKeyword == "" {
		m.UnbanKeyword = def.Moderation.UnbanKeyword
	}
	m.KickKeyword = strings.TrimSpace(m.KickKeyword)
	if m.KickKeyword == "" {
		m.KickKeyword = def.Moderation.KickKeyword
	}
	if cfg.OTel.Exporter == otel.ExporterFile && cfg.OTel.TraceFile == "" {
		cfg.OTel.TraceFile = filepath.Join(cfg.HomeDir, "logs", "traces.jsonl")
	}
	if strings.TrimSpace(cfg.Retention.Cron) == "" {
		cfg.Retention.Cron = def.Retention.Cron
	}

	owners := cfg.OwnerIDs[:0]
	for _, id := range cfg.OwnerIDs {
		if id = strings.TrimSpace(id); id != "" {
			owners = append(owners, id)
		}
	}
	cfg.OwnerIDs = owners
}

func validate(cfg Config) error {
	if cfg.Moderation.UnbanKeyword == cfg.Moderation.KickKeyword {
		return fmt.Errorf("moderation.unban_keyword and moderation.kick_keyword must differ (both %q)", cfg.Moderation.KickKeyword)
	}
	if cfg.Alerts.Telegram.Enabled && (cfg.Alerts.Telegram.Token == "" || cfg.Alerts.Telegram.ChatID == 0) {
		return fmt.Errorf("alerts.telegram requires token and chat_id when enabled")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("WARDEN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("WARDEN_HEALTH_ADDR"); raw != "" {
		cfg.HealthAddr = raw
	}
	if raw := os.Getenv("WARDEN_ONEBOT_URL"); raw != "" {
		cfg.OneBot.URL = raw
	}
	if raw := os.Getenv("WARDEN_ONEBOT_TOKEN"); raw != "" {
		cfg.OneBot.AccessToken = raw
	}
	if raw := os.Getenv("WARDEN_OWNER_IDS"); raw != "" {
		cfg.OwnerIDs = strings.Split(raw, ",")
	}
	if raw := os.Getenv("WARDEN_THRESHOLD"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Moderation.Threshold = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Alerts.Telegram.Token = raw
	}
}
