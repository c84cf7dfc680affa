package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/basket/go-warden/internal/alert"
	"github.com/basket/go-warden/internal/audit"
	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/config"
	"github.com/basket/go-warden/internal/correlation"
	"github.com/basket/go-warden/internal/cron"
	"github.com/basket/go-warden/internal/gateway"
	"github.com/basket/go-warden/internal/moderation"
	"github.com/basket/go-warden/internal/onebot"
	otelPkg "github.com/basket/go-warden/internal/otel"
	"github.com/basket/go-warden/internal/persistence"
	"github.com/basket/go-warden/internal/scoring"
	"github.com/basket/go-warden/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = otelPkg.Version

// patternCacheSize bounds the compiled-pattern LRU in the scoring engine.
const patternCacheSize = 4096

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s [-quiet]                 Connect to OneBot and moderate groups

SUBCOMMANDS:
  %s run                      Same as no subcommand
  %s status                   Show daemon health status (/healthz)
  %s stats                    Print rule and sanction counts from the database
  %s doctor [-json]           Run diagnostic checks
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  WARDEN_HOME             Data directory (default: ~/.warden)
  WARDEN_ONEBOT_URL       OneBot v11 forward websocket URL
  WARDEN_ONEBOT_TOKEN     OneBot access token
  WARDEN_OWNER_IDS        Comma-separated system admin ids
  TELEGRAM_TOKEN          Bot token for the alert mirror
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "write logs to the log file only when stdout is not a terminal")
	flag.Usage = printUsage
	flag.Parse()

	quietLogs := *quiet && !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "stats":
			os.Exit(runStatsCommand(ctx, os.Stdout, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "version":
			fmt.Println(Version)
			return
		case "run":
			if len(args) > 1 {
				fmt.Fprintln(os.Stderr, "usage: warden run")
				os.Exit(2)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx, quietLogs))
}

func runDaemon(ctx context.Context, quietLogs bool) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit needs only the home dir, so logger failures can still be audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	var level slog.LevelVar
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLoggerWithLevel(cfg.HomeDir, &level, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint())

	if cfg.NeedsGenesis {
		if err := writeStarterConfig(cfg); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if len(cfg.OwnerIDs) == 0 {
		logger.Warn("owner_ids is empty; operator notices have no recipient")
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath())

	eventBus := bus.New()

	dir := correlation.NewDirectory(correlation.Config{
		TTL:    cfg.Moderation.CorrelationTTL(),
		Logger: logger,
	})

	client := onebot.New(onebot.Config{
		URL:          cfg.OneBot.URL,
		AccessToken:  cfg.OneBot.AccessToken,
		ReconnectMax: time.Duration(cfg.OneBot.ReconnectMaxSeconds) * time.Second,
		Logger:       logger,
		Tracer:       otelProvider.Tracer,
	})

	orch, err := moderation.New(moderation.Config{
		Store:     store,
		Scorer:    scoring.NewEngine(store, patternCacheSize),
		Directory: dir,
		Platform:  client,
		Decoder:   client.Codec(),
		Bus:       eventBus,
		Metrics:   metrics,
		Tracer:    otelProvider.Tracer,
		Logger:    logger,
		Settings:  moderation.SettingsFromConfig(cfg),
	})
	if err != nil {
		fatalStartup(logger, "E_ORCHESTRATOR_INIT", err)
	}

	var fingerprint atomic.Value
	fingerprint.Store(cfg.Fingerprint())

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			newCfg, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Error("config.yaml reload rejected; retaining previous settings", "error", err)
				continue
			}
			applyReload(newCfg, orch, &level, &fingerprint, eventBus, logger)
		}
	}()

	sched, err := cron.NewScheduler(cron.Config{
		Directory:         dir,
		Store:             store,
		Metrics:           metrics,
		Logger:            logger,
		SweepInterval:     time.Duration(cfg.Moderation.SweepIntervalSeconds) * time.Second,
		RetentionSpec:     cfg.Retention.Cron,
		AuditLogDays:      cfg.Retention.AuditLogDays,
		SanctionEventDays: cfg.Retention.SanctionEventsDays,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	if tg := cfg.Alerts.Telegram; tg.Enabled {
		mirror := alert.NewTelegramChannel(tg.Token, tg.ChatID, eventBus, logger)
		go func() {
			if err := mirror.Start(ctx); err != nil {
				logger.Error("alert channel failed", "channel", mirror.Name(), "error", err)
			}
		}()
	}

	nextRetention := func() time.Time {
		next, _ := sched.NextRetention(time.Now())
		return next
	}
	gw := gateway.New(gateway.Config{
		Store:             store,
		Connection:        client,
		Pending:           dir.Len,
		ConfigFingerprint: func() string { return fingerprint.Load().(string) },
		AlertsDropped:     eventBus.Dropped,
		NextRetention:     nextRetention,
		Version:           Version,
	})
	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.HealthAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_HEALTH_LISTENER_BIND", fmt.Errorf("%w\n\n  another process is using %s; stop it or change health_addr in config.yaml", err, cfg.HealthAddr))
		}
		fatalStartup(logger, "E_HEALTH_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("health endpoint listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	clientDone := make(chan error, 1)
	go func() {
		clientDone <- client.Run(ctx, orch)
	}()
	logger.Info("startup phase", "phase", "running", "onebot_url", cfg.OneBot.URL, "version", Version)

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("health server error", "error", err)
		exitCode = 1
	case err := <-clientDone:
		if err != nil && ctx.Err() == nil {
			logger.Error("onebot client stopped", "error", err)
			exitCode = 1
		}
	}

	// Stop intake first, then let in-flight handlers finish before the
	// deferred store close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	drained := make(chan struct{})
	go func() {
		orch.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown drain timed out", "pending_correlations", dir.Len())
	}
	logger.Info("shutdown complete")
	return exitCode
}

// applyReload pushes the hot-reloadable parts of newCfg into the running
// daemon. Connection and storage settings need a restart.
func applyReload(newCfg config.Config, orch *moderation.Orchestrator, level *slog.LevelVar, fingerprint *atomic.Value, eventBus *bus.Bus, logger *slog.Logger) {
	orch.UpdateSettings(moderation.SettingsFromConfig(newCfg))
	level.Set(telemetry.ParseLevel(newCfg.LogLevel))
	fp := newCfg.Fingerprint()
	fingerprint.Store(fp)
	eventBus.Publish(bus.TopicConfigReloaded, fp)
	audit.Record("allow", "config.reload", "hot_reload", fp)
	logger.Info("config.yaml hot-reloaded", "config_fingerprint", fp, "threshold", newCfg.Moderation.Threshold)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

// writeStarterConfig writes the effective defaults to config.yaml so an
// operator has a file to edit. Secrets from the environment are left out.
func writeStarterConfig(cfg config.Config) error {
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	cfg.OneBot.AccessToken = ""
	cfg.Alerts.Telegram.Token = ""

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFileAtomic(config.ConfigPath(cfg.HomeDir), data, 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
