// Command claude-tgbot wires every component together: config load,
// stores, driver, policy, scheduler, dispatcher, and the chat transport,
// then runs until an interrupt asks it to drain and stop. Grounded on
// houx15-agenterm's cmd/agenterm/main.go and internal/server.Start's
// signal-driven shutdown shape.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/songying/claude-tgbot/internal/audit"
	"github.com/songying/claude-tgbot/internal/auditstream"
	"github.com/songying/claude-tgbot/internal/auth"
	"github.com/songying/claude-tgbot/internal/config"
	"github.com/songying/claude-tgbot/internal/dispatch"
	"github.com/songying/claude-tgbot/internal/editsession"
	"github.com/songying/claude-tgbot/internal/policy"
	"github.com/songying/claude-tgbot/internal/promptrule"
	"github.com/songying/claude-tgbot/internal/registry"
	"github.com/songying/claude-tgbot/internal/scheduler"
	"github.com/songying/claude-tgbot/internal/tmux"
	"github.com/songying/claude-tgbot/internal/transport"
	"github.com/songying/claude-tgbot/internal/userstate"
)

const shutdownGrace = 10 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			slog.Error(exitErr.Error())
			os.Exit(exitErr.code)
		}
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

// exitCodeError carries the exit codes spec.md §6 defines: 2 for a
// configuration error, 3 when the multiplexer is unavailable.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitCodeError{code: 2, msg: fmt.Sprintf("load config: %v", err)}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver := tmux.NewExecDriver(tmux.Geometry{Width: cfg.Tmux.Width, Height: cfg.Tmux.Height}, nil)
	if _, err := driver.ListSessions(ctx); err != nil {
		return &exitCodeError{code: 3, msg: fmt.Sprintf("tmux unavailable: %v", err)}
	}

	statePath := config.ResolvePath(configPath, cfg.Paths.StatePath)
	registryPath := config.ResolvePath(configPath, cfg.Paths.TagRegistryPath)
	whitelistPath := config.ResolvePath(configPath, cfg.Paths.WhitelistPath)
	auditDBPath := config.ResolvePath(configPath, cfg.Paths.AuditDBPath)
	promptRulesPath := config.ResolvePath(configPath, cfg.Paths.PromptRulesPath)

	states, err := userstate.Open(statePath)
	if err != nil {
		return fmt.Errorf("open user state store: %w", err)
	}
	reg, err := registry.Open(registryPath)
	if err != nil {
		return fmt.Errorf("open tag registry: %w", err)
	}

	authCfg := auth.Config{
		MaxFailures:          cfg.Auth.MaxFailures,
		FailureWindow:        time.Duration(cfg.Auth.FailureWindowSeconds) * time.Second,
		LockoutDuration:      time.Duration(cfg.Auth.LockoutSeconds) * time.Second,
		RotationGraceSeconds: time.Duration(cfg.Auth.RotationGraceSeconds) * time.Second,
	}
	authMgr, err := auth.Open(whitelistPath, authCfg, nil)
	if err != nil {
		return fmt.Errorf("open whitelist: %w", err)
	}
	if len(cfg.WhitelistKeys) > 0 {
		entries := make([]auth.Entry, 0, len(cfg.WhitelistKeys))
		for _, wk := range cfg.WhitelistKeys {
			entries = append(entries, auth.Entry{
				UserID:   wk.UserID,
				Key:      wk.Key,
				ServerIP: wk.ServerIP,
				Admin:    wk.Admin,
			})
		}
		if err := authMgr.Bootstrap(entries); err != nil {
			return fmt.Errorf("bootstrap whitelist: %w", err)
		}
	}

	polCfg, err := policy.NewConfig(
		cfg.CommandPolicy.MaxLength,
		cfg.CommandPolicy.BlockedPatterns,
		cfg.CommandPolicy.AllowedPatterns,
		cfg.CommandPolicy.RequireAllowlist,
	)
	if err != nil {
		return &exitCodeError{code: 2, msg: fmt.Sprintf("compile command policy: %v", err)}
	}
	if cfg.CommandPolicy.StrictMode {
		polCfg.Strict = policy.NewStrictConfig()
	}

	rules := promptrule.New()
	if data, err := os.ReadFile(promptRulesPath); err == nil {
		if err := rules.LoadFile(data); err != nil {
			return &exitCodeError{code: 2, msg: fmt.Sprintf("load prompt rules: %v", err)}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read prompt rules: %w", err)
	}

	editMgr := editsession.New(states)

	auditLog, err := audit.Open(ctx, auditDBPath, 256, nil)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	var auditHub *auditstream.Hub
	if cfg.AuditStream.Enabled {
		auditHub = auditstream.New(cfg.AuditStream.Token, nil)
		go auditHub.Run(ctx)
	}

	tr, err := transport.NewTelegram(transport.TelegramConfig{
		Token:       cfg.Telegram.BotToken,
		UseWebhook:  cfg.Telegram.UseWebhook,
		WebhookURL:  cfg.Telegram.WebhookURL,
		ListenHost:  cfg.Telegram.ListenHost,
		ListenPort:  cfg.Telegram.ListenPort,
		PollTimeout: cfg.Telegram.PollTimeout,
	}, nil)
	if err != nil {
		return fmt.Errorf("create telegram transport: %w", err)
	}

	d := dispatch.New(dispatch.Config{
		Transport: tr,
		States:    states,
		Registry:  reg,
		Auth:      authMgr,
		Policy:    polCfg,
		Driver:    driver,
		Rules:     rules,
		EditMgr:   editMgr,
		AuditLog:  auditLog,
		AuditHub:  auditHub,
	})
	schedCfg := scheduler.DefaultConfig()
	schedCfg.ScrollbackLines = cfg.Tmux.Scrollback
	sched := scheduler.New(schedCfg, driver, rules, states, d, nil)
	d.SetScheduler(sched)

	report, err := reg.Reconcile(ctx, driver, true)
	if err != nil {
		slog.Warn("registry reconciliation failed", "err", err)
	} else if len(report.Broken) > 0 || len(report.Orphans) > 0 {
		slog.Warn("registry reconciliation found issues",
			"recreated", report.Recreated, "broken", report.Broken, "orphans", report.Orphans)
	}

	liveTabIDs := make(map[string]bool)
	for id := range reg.AllTabs() {
		liveTabIDs[id] = true
	}
	for _, userID := range states.UserIDs() {
		if err := states.ClearActiveTabIfMissing(userID, liveTabIDs); err != nil {
			slog.Warn("failed to clear dangling active tab", "user_id", userID, "err", err)
		}
	}

	if !cfg.AuditStream.Enabled && isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Println("claude-tgbot starting, audit live-tail disabled")
	}

	errCh := make(chan error, 2)
	go func() { errCh <- tr.Run(ctx) }()
	go func() { errCh <- d.Run(ctx) }()

	var runErr error
	remaining := 2
	select {
	case err := <-errCh:
		remaining--
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down, draining in-flight commands")
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for ; remaining > 0; remaining-- {
		select {
		case <-errCh:
		case <-drainCtx.Done():
			slog.Warn("shutdown grace period elapsed with work still draining")
			return runErr
		}
	}

	return runErr
}
