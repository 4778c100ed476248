// Command arbiter runs the control plane: event store, projector engine,
// policy gate, cron runtime, and the HTTP API in one process. With
// DATABASE_URL pointing at Postgres everything is durable; without it the
// process runs in lite mode on in-memory stores, optionally mirroring the
// event log into a local sqlite archive.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/arbiterhq/arbiter/pkg/api"
	"github.com/arbiterhq/arbiter/pkg/approval"
	"github.com/arbiterhq/arbiter/pkg/auth"
	"github.com/arbiterhq/arbiter/pkg/automation"
	"github.com/arbiterhq/arbiter/pkg/capability"
	"github.com/arbiterhq/arbiter/pkg/config"
	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/cron"
	"github.com/arbiterhq/arbiter/pkg/egress"
	"github.com/arbiterhq/arbiter/pkg/eventstore"
	"github.com/arbiterhq/arbiter/pkg/evidence"
	"github.com/arbiterhq/arbiter/pkg/learning"
	"github.com/arbiterhq/arbiter/pkg/lease"
	"github.com/arbiterhq/arbiter/pkg/lifecycle"
	"github.com/arbiterhq/arbiter/pkg/observability"
	"github.com/arbiterhq/arbiter/pkg/policy"
	"github.com/arbiterhq/arbiter/pkg/projector"
	"github.com/arbiterhq/arbiter/pkg/ratelimit"
	"github.com/arbiterhq/arbiter/pkg/registry"
	"github.com/arbiterhq/arbiter/pkg/store"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the subcommand; the server is the default.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, "arbiter "+version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: arbiter <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  server    run the control plane (default)")
	fmt.Fprintln(w, "  health    check a running server over HTTP")
	fmt.Fprintln(w, "  version   print the version")
	fmt.Fprintln(w, "  help      show this help")
}

func runHealth(stdout, stderr io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "ok")
	return 0
}

// stores groups the persistence-backed collaborators so the Postgres and
// lite-mode branches can share one wiring path.
type stores struct {
	events   eventstore.Store
	models   projector.ReadModels
	reader   approval.Reader
	caps     capability.Store
	lessons  learning.Store
	locks    lease.LockStore
	runs     lease.RunLeases
	source   cron.Source
	health   cron.HealthStore
	buckets  ratelimit.BucketStore
	streaks  ratelimit.StreakStore
	index    automation.Index
	lcStore  lifecycle.Store
	lcStats  lifecycle.StatsSource
	egLog    egress.Log
	sessions auth.SessionStore
	creds    auth.CredentialStore

	// archive is set only in lite mode with a sqlite path configured.
	archive *store.Archive
}

func buildStores(ctx context.Context, cfg *config.Config) (*stores, func(), error) {
	logger := slog.Default().With("component", "main")
	closers := []func(){}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	st := &stores{}

	if store.IsPostgresDSN(cfg.DatabaseURL) {
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = db.Close() })
		if err := store.ApplySchema(ctx, db); err != nil {
			return nil, cleanup, err
		}
		logger.InfoContext(ctx, "postgres connected")

		st.events = eventstore.NewSQLStore(db)
		st.models = projector.NewSQLModels(db)
		st.reader = approval.NewSQLReader(db)
		st.caps = capability.NewSQLStore(db)
		st.lessons = learning.NewSQLStore(db)
		st.locks = lease.NewSQLLockStore(db)
		st.runs = lease.NewSQLRunLeases(db, st.events)
		st.source = cron.NewSQLSource(db)
		st.health = cron.NewSQLHealth(db)
		st.buckets = ratelimit.NewSQLBuckets(db)
		st.streaks = ratelimit.NewSQLStreaks(db)
		st.index = automation.NewSQLIndex(db)
		st.lcStore = lifecycle.NewSQLStore(db)
		st.lcStats = lifecycle.NewSQLStats(db)
		st.egLog = egress.NewSQLLog(db)
		st.sessions = auth.NewSQLSessionStore(db)
		st.creds = auth.NewSQLCredentials(db)
	} else {
		logger.InfoContext(ctx, "running in lite mode")
		mem := projector.NewMemoryModels()
		st.events = eventstore.NewMemoryStore()
		st.models = mem
		st.reader = approval.NewMemoryReader(mem)
		st.caps = capability.NewMemoryStore()
		st.lessons = learning.NewMemoryStore()
		st.locks = lease.NewMemoryLockStore()
		st.runs = lease.NewMemoryRunLeases(st.events, mem)
		st.source = cron.NewMemorySource(mem)
		st.health = cron.NewMemoryHealth()
		st.buckets = ratelimit.NewMemoryBuckets()
		st.streaks = ratelimit.NewMemoryStreaks()
		st.index = automation.NewMemoryIndex(mem)
		st.lcStore = lifecycle.NewMemoryStore()
		st.lcStats = lifecycle.NewMemoryStats(mem)
		st.egLog = egress.NewMemoryLog()
		st.sessions = auth.NewMemorySessionStore()
		st.creds = auth.NewMemoryCredentials()

		if cfg.DatabaseURL != "" {
			db, err := store.OpenSQLite(ctx, cfg.DatabaseURL)
			if err != nil {
				return nil, cleanup, err
			}
			closers = append(closers, func() { _ = db.Close() })
			arch, err := store.NewArchive(ctx, db)
			if err != nil {
				return nil, cleanup, err
			}
			st.archive = arch
			logger.InfoContext(ctx, "sqlite archive enabled", "path", cfg.DatabaseURL)
		}
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("redis ping: %w", err)
		}
		closers = append(closers, func() { _ = rdb.Close() })
		st.buckets = ratelimit.NewRedisBuckets(rdb)
		logger.InfoContext(ctx, "redis buckets enabled", "addr", cfg.RedisAddr)
	}

	return st, cleanup, nil
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "arbiter",
		ServiceVersion: version,
		Environment:    envOr("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.OTelEnabled,
		Insecure:       true,
	})
	if err != nil {
		fmt.Fprintf(stderr, "telemetry init: %v\n", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(sctx)
	}()

	st, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "store init: %v\n", err)
		return 1
	}
	defer closeStores()

	// Action catalog.
	reg := registry.Default()
	if cfg.ActionCatalogPath != "" {
		reg, err = registry.LoadFile(cfg.ActionCatalogPath)
		if err != nil {
			fmt.Fprintf(stderr, "action catalog: %v\n", err)
			return 1
		}
	}

	// Policy gate and its collaborators.
	rules, err := policy.NewEvaluator()
	if err != nil {
		fmt.Fprintf(stderr, "rule evaluator: %v\n", err)
		return 1
	}
	resolver := capability.NewResolver(st.caps)
	ledger := learning.NewLedger(st.lessons, st.events)
	coordinator := approval.NewCoordinator(st.events, st.reader)
	gate := policy.NewGate(policy.Config{
		Registry:   reg,
		Resolver:   resolver,
		Ledger:     ledger,
		Approvals:  coordinator,
		Quota:      egress.NewQuota(st.buckets, cfg.EgressQuotaPerHour),
		Rules:      rules,
		KillSwitch: killSwitch(cfg),
	}, st.events)
	for _, ws := range splitList(cfg.ShadowWorkspaces) {
		gate.SetShadowWorkspace(ws, true)
	}
	gateway := egress.NewGateway(gate, coordinator, st.events, st.egLog)

	// Message rate limiting.
	rlOpts := ratelimit.DefaultOptions()
	rlOpts.StreakThreshold = cfg.RateLimitStreakThreshold
	rlOpts.IncidentMute = time.Duration(cfg.RateLimitIncidentMuteSec) * time.Second
	limiter := ratelimit.NewLimiter(
		ratelimit.MessageRules(cfg.MessagesAgentPerMin, cfg.MessagesAgentPerHour,
			cfg.MessagesExperimentPerHr, cfg.MessagesGlobalPerMin, cfg.MessagesHeartbeatPerMin),
		st.buckets, st.streaks, st.events, rlOpts)

	// Projector engine with the automation loop and lite-mode archive hooks.
	engine := projector.NewEngine(st.events, st.models, projector.DefaultProjectors())
	loop := automation.New(automation.Config{
		Enabled:             cfg.PromotionLoopEnabled && !cfg.AutomationFailTest,
		PassThreshold:       cfg.PromotionPassCount,
		FailThreshold:       cfg.PromotionFailCount,
		SevereThreshold:     cfg.PromotionSevereCount,
		QuarantineThreshold: cfg.PromotionQuarantine,
		Window:              time.Duration(cfg.PromotionWindowDays) * 24 * time.Hour,
	}, st.events, st.index)
	engine.AddHook(loop.Hook())
	if st.archive != nil {
		arch := st.archive
		engine.AddHook(func(hctx context.Context, e *contracts.Event) {
			if err := arch.Record(hctx, e); err != nil {
				logger.ErrorContext(hctx, "archive record failed", "event_id", e.EventID, "error", err)
			}
		})
	}
	if cfg.EvidenceBucket != "" {
		archiver, aerr := evidence.NewArchiver(ctx, evidence.ArchiveConfig{
			Bucket:   cfg.EvidenceBucket,
			Region:   cfg.EvidenceRegion,
			Endpoint: cfg.EvidenceEndpoint,
			Prefix:   "evidence/",
		})
		if aerr != nil {
			fmt.Fprintf(stderr, "evidence archiver: %v\n", aerr)
			return 1
		}
		engine.AddHook(evidenceHook(evidence.NewFinalizer(st.events), archiver))
	}

	// Cron runtime.
	host, _ := os.Hostname()
	holderID := host + "-" + uuid.NewString()[:8]
	runtime := cron.New(cron.Config{
		LockLease:            cfg.CronLease(),
		Heartbeat:            time.Duration(cfg.CronLockHeartbeatMS) * time.Millisecond,
		TickInterval:         time.Duration(cfg.CronTickIntervalMS) * time.Millisecond,
		JitterMax:            time.Duration(cfg.CronJitterMaxMS) * time.Millisecond,
		BatchLimit:           cfg.CronBatchLimit,
		WorkspaceConcurrency: cfg.CronWorkspaceConcurrency,
		WindowSec:            cfg.CronWindowSec,
		ApprovalTimeout:      cfg.ApprovalTimeout(),
		RunStuckTimeout:      cfg.RunStuckTimeout(),
		DemotedStale:         cfg.DemotedStale(),
		WatchdogAlert:        cfg.CronWatchdogAlert,
		WatchdogHalt:         cfg.CronWatchdogHalt,
	}, st.locks, st.source, st.events, st.health, holderID)

	lcEval := lifecycle.NewEvaluator(st.lcStore, st.lcStats, st.events)

	// Sessions and the HTTP boundary.
	sessions := auth.NewSessions(st.sessions, st.creds, cfg.SessionSecret)
	var jwtMgr *auth.JWTManager
	if cfg.JWTSecret != "" {
		jwtMgr = auth.NewJWTManager(cfg.JWTSecret, "arbiter", time.Hour)
	}
	srv := api.NewServer(api.Options{
		Events:    st.events,
		Models:    st.models,
		Runs:      st.runs,
		Approvals: coordinator,
		Reader:    st.reader,
		Egress:    gateway,
		Limiter:   limiter,
		Sessions:  sessions,
		JWT:       jwtMgr,
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           obs.HTTPMiddleware(srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTPTimeout(),
		WriteTimeout:      cfg.HTTPTimeout(),
	}

	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorContext(ctx, "projector engine stopped", "error", err)
		}
	}()
	go func() {
		if err := runtime.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorContext(ctx, "cron runtime stopped", "error", err)
		}
	}()
	go runLifecycleDaily(ctx, lcEval, st.source)

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "listening", "addr", httpSrv.Addr, "version", version)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
		return 1
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	return 0
}

// runLifecycleDaily evaluates every workspace's targets once per UTC day,
// always for the previous (completed) day.
func runLifecycleDaily(ctx context.Context, ev *lifecycle.Evaluator, source cron.Source) {
	logger := slog.Default().With("component", "lifecycle-daily")
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	var lastDay time.Time
	for {
		day := time.Now().UTC().Truncate(24 * time.Hour).Add(-24 * time.Hour)
		if day.After(lastDay) {
			workspaces, err := source.Workspaces(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "workspace listing failed", "error", err)
			} else {
				for _, ws := range workspaces {
					n, err := ev.EvaluateWorkspace(ctx, ws, day)
					if err != nil {
						logger.ErrorContext(ctx, "evaluation failed", "workspace_id", ws, "error", err)
						continue
					}
					if n > 0 {
						logger.InfoContext(ctx, "lifecycle evaluated", "workspace_id", ws, "transitions", n)
					}
				}
				lastDay = day
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// evidenceHook finalizes and archives the stream slice behind every
// completed run.
func evidenceHook(fin *evidence.Finalizer, arch *evidence.Archiver) projector.Hook {
	logger := slog.Default().With("component", "evidence-hook")
	return func(ctx context.Context, e *contracts.Event) {
		if e.EventType != contracts.EventRunCompleted {
			return
		}
		m, err := fin.Finalize(ctx, e.WorkspaceID, e.Stream.Type, e.Stream.ID, 1, e.Stream.Seq)
		if err != nil {
			logger.ErrorContext(ctx, "finalize failed", "run_id", e.RunID, "error", err)
			return
		}
		key, err := arch.Archive(ctx, m)
		if err != nil {
			logger.ErrorContext(ctx, "archive failed", "run_id", e.RunID, "error", err)
			return
		}
		logger.InfoContext(ctx, "evidence archived", "run_id", e.RunID, "key", key)
	}
}

func killSwitch(cfg *config.Config) func() bool {
	return func() bool {
		switch os.Getenv("POLICY_KILL_SWITCH") {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
		return cfg.KillSwitch
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
