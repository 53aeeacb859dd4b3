package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spaquet/convoguard/internal/auditlog"
	"github.com/spaquet/convoguard/internal/config"
	"github.com/spaquet/convoguard/internal/conversation"
	"github.com/spaquet/convoguard/internal/convstore"
	"github.com/spaquet/convoguard/internal/httpapi"
	"github.com/spaquet/convoguard/internal/lockfile"
	"github.com/spaquet/convoguard/internal/monitor"
	"github.com/spaquet/convoguard/internal/sweeper"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "sweep":
		sweepCmd(os.Args[2:])
	case "inspect":
		inspectCmd(os.Args[2:])
	case "restore":
		restoreCmd(os.Args[2:])
	case "audit":
		auditCmd(os.Args[2:])
	case "version":
		fmt.Printf("convoguard %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `convoguard

Usage:
  convoguard run [flags]
  convoguard sweep [flags]
  convoguard inspect -conversation <id> [flags]
  convoguard restore -conversation <id> [-checkpoint <name>] [flags]
  convoguard audit [-limit <n>] [flags]
  convoguard version

Commands:
  run         Run the HTTP API and the background expiry sweeper.
  sweep       Run a single expiry pass and exit.
  inspect     Print conversation integrity diagnostics.
  restore     Force-restore a conversation to a checkpoint (default: latest).
  audit       Print recent audit trail entries (newest first).
  version     Print build information.

`)
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(filepath.Clean(path))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func policyFromConfig(cfg *config.Config) conversation.Policy {
	return conversation.Policy{
		GraceWindow:            time.Duration(cfg.Integrity.GraceWindowSeconds) * time.Second,
		RecoveryTTL:            time.Duration(cfg.Integrity.RecoveryTTLSeconds) * time.Second,
		CheckpointMinTurnDelta: int64(cfg.Integrity.CheckpointMinTurnDelta),
		CheckpointRetention:    cfg.Integrity.CheckpointRetention,
		RepairStrategy:         cfg.Integrity.RepairStrategy,
		RestoreMode:            cfg.Integrity.RestoreMode,
		AllowDiscardUserTurns:  cfg.Integrity.AllowDiscardUserTurns,
	}
}

func openStore(cfg *config.Config) *convstore.Store {
	store, err := convstore.Open(dbPath(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	return store
}

func dbPath(cfg *config.Config) string {
	p := strings.TrimSpace(cfg.DBPath)
	if p == "" {
		p = config.DefaultDBPath()
	}
	return p
}

// stateDir is the directory holding the database, the instance lock and the
// audit trail.
func stateDir(cfg *config.Config) string {
	return filepath.Dir(dbPath(cfg))
}

func openAudit(cfg *config.Config, logger *slog.Logger) *auditlog.Store {
	audit, err := auditlog.New(auditlog.Options{Logger: logger, StateDir: stateDir(cfg)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open audit log: %v\n", err)
		os.Exit(1)
	}
	return audit
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg := loadConfig(*cfgPath)

	logger, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log config: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(stateDir(cfg), 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create state dir: %v\n", err)
		os.Exit(1)
	}
	guard, err := lockfile.Hold(stateDir(cfg))
	if err != nil {
		if errors.Is(err, lockfile.ErrHeld) {
			fmt.Fprintln(os.Stderr, "another convoguard instance is already running")
		} else {
			fmt.Fprintf(os.Stderr, "failed to acquire instance lock: %v\n", err)
		}
		os.Exit(1)
	}
	defer guard.Release()

	store := openStore(cfg)
	defer store.Close()

	mgr := conversation.NewManager(store, policyFromConfig(cfg), logger)
	mgr.SetAuditLog(openAudit(cfg, logger))

	sw := sweeper.New(store, mgr, cfg.SweepSchedule, logger)
	if err := sw.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start sweeper: %v\n", err)
		os.Exit(1)
	}
	defer sw.Stop()

	addr := strings.TrimSpace(cfg.ListenAddr)
	if addr == "" {
		addr = "127.0.0.1:8532"
	}

	mon := monitor.NewService(logger)
	srv := httpapi.NewServer(store, mgr, mon, Version, addr, logger)
	if err := httpapi.Run(srv, logger); err != nil {
		fmt.Fprintf(os.Stderr, "server exited with error: %v\n", err)
		os.Exit(1)
	}
}

func sweepCmd(args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg := loadConfig(*cfgPath)

	logger, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log config: %v\n", err)
		os.Exit(1)
	}

	store := openStore(cfg)
	defer store.Close()

	mgr := conversation.NewManager(store, policyFromConfig(cfg), logger)
	mgr.SetAuditLog(openAudit(cfg, logger))
	sw := sweeper.New(store, mgr, cfg.SweepSchedule, logger)

	report, err := sw.RunOnce(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(report)
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	convID := fs.String("conversation", "", "Conversation id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*convID) == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := loadConfig(*cfgPath)
	store := openStore(cfg)
	defer store.Close()

	mgr := conversation.NewManager(store, policyFromConfig(cfg), slog.New(slog.NewTextHandler(os.Stderr, nil)))

	diag, err := mgr.Inspect(context.Background(), *convID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspect failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(diag)
}

func restoreCmd(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	convID := fs.String("conversation", "", "Conversation id")
	checkpoint := fs.String("checkpoint", "latest", "Checkpoint name (default: latest)")
	actor := fs.String("actor", "operator", "Acting user id recorded in the audit log")
	_ = fs.Parse(args)

	if strings.TrimSpace(*convID) == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := loadConfig(*cfgPath)
	store := openStore(cfg)
	defer store.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mgr := conversation.NewManager(store, policyFromConfig(cfg), logger)
	mgr.SetAuditLog(openAudit(cfg, logger))

	if err := mgr.ForceRestore(context.Background(), *convID, *checkpoint, conversation.Actor{UserID: *actor}); err != nil {
		fmt.Fprintf(os.Stderr, "restore failed: %v\n", err)
		os.Exit(1)
	}

	diag, err := mgr.Inspect(context.Background(), *convID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspect failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(diag)
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	limit := fs.Int("limit", 50, "Maximum entries to print")
	_ = fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	audit := openAudit(cfg, logger)
	entries, err := audit.List(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit read failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(entries)
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
