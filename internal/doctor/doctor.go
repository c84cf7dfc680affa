package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/go-warden/internal/config"
	"github.com/basket/go-warden/internal/onebot"
	"github.com/basket/go-warden/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkOwners,
		checkDatabase,
		checkPermissions,
		checkOneBot,
		checkTelegram,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, running on defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkOwners(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Owners", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.OwnerIDs) == 0 {
		return CheckResult{
			Name:    "Owners",
			Status:  "WARN",
			Message: "owner_ids is empty",
			Detail:  "Operator notices have no recipient and private-chat commands are refused",
		}
	}
	return CheckResult{Name: "Owners", Status: "PASS", Message: fmt.Sprintf("%d system admin(s)", len(cfg.OwnerIDs))}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	st, err := store.Stats(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("global_rules=%d scoped_rules=%d sanctions=%d", st.GlobalRules, st.ScopedRules, st.Sanctions),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkOneBot(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "OneBot", Status: "SKIP", Message: "Config missing"}
	}
	u, err := url.Parse(cfg.OneBot.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return CheckResult{Name: "OneBot", Status: "FAIL", Message: fmt.Sprintf("onebot.url %q is not a ws:// or wss:// URL", cfg.OneBot.URL)}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	client := onebot.New(onebot.Config{URL: cfg.OneBot.URL, AccessToken: cfg.OneBot.AccessToken})
	if err := client.Probe(dialCtx); err != nil {
		return CheckResult{
			Name:    "OneBot",
			Status:  "FAIL",
			Message: "Websocket handshake failed",
			Detail:  err.Error(),
		}
	}
	return CheckResult{
		Name:    "OneBot",
		Status:  "PASS",
		Message: fmt.Sprintf("Connected to %s (%dms)", u.Host, time.Since(start).Milliseconds()),
	}
}

func checkTelegram(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Alerts.Telegram.Enabled {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Alert mirror disabled"}
	}

	const host = "api.telegram.org"
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Telegram",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Telegram",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("chat_id=%d", cfg.Alerts.Telegram.ChatID),
	}
}
