package main

// ---------------------------------------------------------------------------
// cmd_up.go — start the zerogate gateway
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zerogate-project/zerogate/internal/access"
	"github.com/zerogate-project/zerogate/internal/api"
	"github.com/zerogate-project/zerogate/internal/authlog"
	"github.com/zerogate-project/zerogate/internal/core"
	"github.com/zerogate-project/zerogate/internal/policy"
	"github.com/zerogate-project/zerogate/internal/risk"
	"github.com/zerogate-project/zerogate/internal/session"
	"github.com/zerogate-project/zerogate/internal/threat"
)

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	quiet := fs.Bool("quiet", false, "Suppress non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress non-essential output")
	noColor := fs.Bool("no-color", false, "Disable color output")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	if *noColor {
		os.Setenv("NO_COLOR", "1")
	}

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := newLogger(cfg)

	if cfg.Server.JWTSecret == "" {
		fmt.Fprintf(os.Stderr, "%s No JWT secret configured — the decision endpoint will refuse requests.\n", yellow("⚠"))
		fmt.Fprintf(os.Stderr, "    Set jwt_secret in config or the ZEROGATE_JWT_SECRET env var.\n")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := core.NewEventBus(&cfg.Bus, logger)
	if err != nil {
		errorf("starting event bus: %v", err)
	}

	registry := session.NewRegistry(cfg.Session, logger)
	go registry.CleanupLoop(ctx)

	blocklist := threat.NewBlocklist()
	go blocklist.CleanupLoop(ctx)

	reputation := risk.NewStaticReputation(cfg.Risk.KnownBadIPs, blocklist)
	geo := risk.StaticGeo{}
	scorer := risk.NewScorer(cfg.Risk, registry, reputation, geo, logger)

	policies := policy.NewEngine(geo, logger)
	loaded, err := policy.FromConfig(cfg.Policy.Policies)
	if err != nil {
		errorf("loading policies: %v", err)
	}
	for _, p := range loaded {
		policies.Add(p)
	}

	failureWindow := time.Duration(cfg.AuthLog.WindowSeconds) * time.Second
	var failures authlog.FailureLog
	switch cfg.AuthLog.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.AuthLog.RedisAddr,
			Password: cfg.AuthLog.RedisPassword,
			DB:       cfg.AuthLog.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			errorf("connecting to redis at %s: %v", cfg.AuthLog.RedisAddr, err)
		}
		failures = authlog.NewRedisLog(client, failureWindow*10)
	default:
		failures = authlog.NewMemoryLog(failureWindow * 10)
	}

	var notifier threat.Notifier
	var coreNotifier *core.Notifier
	if len(cfg.Alerts.WebhookURLs) > 0 {
		coreNotifier = core.NewNotifier(logger, cfg.Alerts.WebhookURLs, core.DefaultNotifierConfig())
		notifier = coreNotifier
	}

	store := threat.NewStore()
	responder := threat.NewResponder(blocklist, registry, bus, notifier,
		time.Duration(cfg.Threat.BlockSeconds)*time.Second, logger)
	monitor := threat.NewMonitor(cfg.Threat, failures, registry, store, responder, bus, logger)
	monitor.Start(ctx)

	if err := bus.SubscribeAuthFailures(func(event *core.AuthFailureEvent) {
		at := event.Timestamp
		if at.IsZero() {
			at = time.Now()
		}
		if err := failures.RecordFailure(ctx, event.IPAddress, event.Username, at); err != nil {
			logger.Error().Err(err).Str("ip", event.IPAddress).Msg("recording auth failure")
		}
	}); err != nil {
		errorf("subscribing to auth failures: %v", err)
	}

	engine := access.NewEngine(registry, scorer, policies, store, blocklist, bus, logger)

	srv := api.NewServer(engine, cfg, logger)
	if err := srv.Start(); err != nil {
		errorf("starting API server: %v", err)
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s zerogate running — %d policies loaded, API on :%d\n",
			green("✓"), len(loaded), cfg.Server.Port)
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop\n", dim("▸"))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	if !*quiet {
		fmt.Fprintf(os.Stderr, "\n%s Received %s, shutting down...\n", dim("▸"), sig)
	}

	if err := srv.Stop(); err != nil {
		logger.Error().Err(err).Msg("stopping API server")
	}
	cancel()
	if coreNotifier != nil {
		coreNotifier.Stop()
	}
	if err := bus.Close(); err != nil {
		logger.Error().Err(err).Msg("closing event bus")
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s zerogate stopped.\n", green("✓"))
	}
}
