// Package config loads the process configuration from environment
// variables. Every knob has a default; loading never fails, it only clamps
// out-of-range values into their documented bounds.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full runtime configuration, loaded once at boot.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisAddr   string

	// Cron runtime.
	CronLockLeaseMS          int
	CronLockHeartbeatMS      int // capped to lease/3
	CronTickIntervalMS       int
	CronJitterMaxMS          int
	CronBatchLimit           int // clamped 1..100
	CronWorkspaceConcurrency int
	CronWindowSec            int
	CronApprovalTimeoutMS    int
	CronRunStuckTimeoutMS    int
	CronDemotedStaleMS       int
	CronWatchdogAlert        int
	CronWatchdogHalt         int

	// Message rate limits.
	MessagesAgentPerMin      int
	MessagesAgentPerHour     int
	MessagesExperimentPerHr  int
	MessagesGlobalPerMin     int
	MessagesHeartbeatPerMin  int
	RateLimitStreakThreshold int
	RateLimitIncidentMuteSec int

	// Promotion loop thresholds; the legacy magic numbers, now tunable.
	PromotionLoopEnabled  bool
	PromotionPassCount    int
	PromotionFailCount    int
	PromotionSevereCount  int
	PromotionQuarantine   int
	PromotionWindowDays   int
	AutomationFailTest    bool // test-only kill of the automation loop

	SecretsMasterKey string
	KillSwitch       bool

	// Action catalog seed file; empty means the built-in catalog.
	ActionCatalogPath string

	// Comma-separated workspace ids that run the policy gate in shadow mode.
	ShadowWorkspaces string

	// Session token digest salt and the optional service-principal JWT key.
	SessionSecret string
	JWTSecret     string

	// Egress quota: outbound calls per (workspace, domain) per hour.
	EgressQuotaPerHour int

	// Outbound HTTP bound for egress and model/tool calls.
	HTTPTimeoutSec int

	// Evidence archive (S3 / MinIO-compatible).
	EvidenceBucket   string
	EvidenceRegion   string
	EvidenceEndpoint string

	// Telemetry.
	OTLPEndpoint string
	OTelEnabled  bool
}

// Load reads the environment and returns a fully defaulted configuration.
func Load() *Config {
	c := &Config{
		Port:        envStr("PORT", "8080"),
		LogLevel:    envStr("LOG_LEVEL", "INFO"),
		DatabaseURL: envStr("DATABASE_URL", ""),
		RedisAddr:   envStr("REDIS_ADDR", ""),

		CronLockLeaseMS:          envInt("CRON_LOCK_LEASE_MS", 30_000),
		CronLockHeartbeatMS:      envInt("CRON_LOCK_HEARTBEAT_MS", 10_000),
		CronTickIntervalMS:       envInt("CRON_TICK_INTERVAL_MS", 60_000),
		CronJitterMaxMS:          envInt("CRON_JITTER_MAX_MS", 5_000),
		CronBatchLimit:           clamp(envInt("CRON_BATCH_LIMIT", 50), 1, 100),
		CronWorkspaceConcurrency: clamp(envInt("CRON_WORKSPACE_CONCURRENCY", 4), 1, 64),
		CronWindowSec:            envInt("CRON_WINDOW_SEC", 300),
		CronApprovalTimeoutMS:    envInt("CRON_APPROVAL_TIMEOUT_MS", 3_600_000),
		CronRunStuckTimeoutMS:    envInt("CRON_RUN_STUCK_TIMEOUT_MS", 1_800_000),
		CronDemotedStaleMS:       envInt("CRON_DEMOTED_STALE_MS", 86_400_000),
		CronWatchdogAlert:        envInt("CRON_WATCHDOG_ALERT_THRESHOLD", 3),
		CronWatchdogHalt:         envInt("CRON_WATCHDOG_HALT_THRESHOLD", 10),

		MessagesAgentPerMin:      envInt("MESSAGES_RATE_LIMIT_AGENT_PER_MIN", 20),
		MessagesAgentPerHour:     envInt("MESSAGES_RATE_LIMIT_AGENT_PER_HOUR", 300),
		MessagesExperimentPerHr:  envInt("MESSAGES_RATE_LIMIT_EXPERIMENT_PER_HOUR", 60),
		MessagesGlobalPerMin:     envInt("MESSAGES_RATE_LIMIT_GLOBAL_PER_MIN", 200),
		MessagesHeartbeatPerMin:  envInt("MESSAGES_HEARTBEAT_LIMIT_PER_MIN", 60),
		RateLimitStreakThreshold: envInt("RATE_LIMIT_STREAK_THRESHOLD", 3),
		RateLimitIncidentMuteSec: envInt("RATE_LIMIT_INCIDENT_MUTE_SEC", 900),

		PromotionLoopEnabled: envBool("PROMOTION_LOOP_ENABLED", true),
		PromotionPassCount:   envInt("PROMOTION_PASS_COUNT", 3),
		PromotionFailCount:   envInt("PROMOTION_FAIL_COUNT", 3),
		PromotionSevereCount: envInt("PROMOTION_SEVERE_COUNT", 5),
		PromotionQuarantine:  envInt("PROMOTION_QUARANTINE_COUNT", 6),
		PromotionWindowDays:  envInt("PROMOTION_WINDOW_DAYS", 7),
		AutomationFailTest:   envBool("AUTOMATION_FAIL_TEST", false),

		SecretsMasterKey: envStr("SECRETS_MASTER_KEY", ""),
		KillSwitch:       envBool("POLICY_KILL_SWITCH", false),

		ActionCatalogPath: envStr("ACTION_CATALOG_PATH", ""),
		ShadowWorkspaces:  envStr("POLICY_SHADOW_WORKSPACES", ""),

		SessionSecret: envStr("SESSION_SECRET", "dev-insecure-secret"),
		JWTSecret:     envStr("JWT_SECRET", ""),

		EgressQuotaPerHour: envInt("EGRESS_QUOTA_PER_HOUR", 500),

		HTTPTimeoutSec: envInt("HTTP_TIMEOUT_SEC", 30),

		EvidenceBucket:   envStr("EVIDENCE_BUCKET", ""),
		EvidenceRegion:   envStr("EVIDENCE_REGION", "us-east-1"),
		EvidenceEndpoint: envStr("EVIDENCE_ENDPOINT", ""),

		OTLPEndpoint: envStr("OTLP_ENDPOINT", "localhost:4317"),
		OTelEnabled:  envBool("OTEL_ENABLED", false),
	}
	if cap := c.CronLockLeaseMS / 3; c.CronLockHeartbeatMS > cap {
		c.CronLockHeartbeatMS = cap
	}
	return c
}

// CronLease returns the leader lease length.
func (c *Config) CronLease() time.Duration {
	return time.Duration(c.CronLockLeaseMS) * time.Millisecond
}

// ApprovalTimeout returns the approval sweep age threshold.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.CronApprovalTimeoutMS) * time.Millisecond
}

// RunStuckTimeout returns the run-stuck sweep age threshold.
func (c *Config) RunStuckTimeout() time.Duration {
	return time.Duration(c.CronRunStuckTimeoutMS) * time.Millisecond
}

// DemotedStale returns the demoted-stale sweep age threshold.
func (c *Config) DemotedStale() time.Duration {
	return time.Duration(c.CronDemotedStaleMS) * time.Millisecond
}

// HTTPTimeout returns the outbound HTTP bound.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return def
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
