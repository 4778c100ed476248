package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	c := Load()
	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, 50, c.CronBatchLimit)
	assert.Equal(t, 3, c.PromotionPassCount)
	assert.Equal(t, 7, c.PromotionWindowDays)
	assert.True(t, c.PromotionLoopEnabled)
	assert.False(t, c.KillSwitch)
}

func TestBatchLimitClamped(t *testing.T) {
	t.Setenv("CRON_BATCH_LIMIT", "5000")
	assert.Equal(t, 100, Load().CronBatchLimit)

	t.Setenv("CRON_BATCH_LIMIT", "0")
	assert.Equal(t, 1, Load().CronBatchLimit)
}

func TestHeartbeatCappedToThirdOfLease(t *testing.T) {
	t.Setenv("CRON_LOCK_LEASE_MS", "30000")
	t.Setenv("CRON_LOCK_HEARTBEAT_MS", "25000")
	assert.Equal(t, 10000, Load().CronLockHeartbeatMS)
}

func TestBadIntFallsBackToDefault(t *testing.T) {
	t.Setenv("CRON_WINDOW_SEC", "not-a-number")
	assert.Equal(t, 300, Load().CronWindowSec)
}
