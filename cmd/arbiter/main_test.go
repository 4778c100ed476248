package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arbiterhq/arbiter/pkg/config"
)

func TestRunVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"arbiter", "version"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.True(t, strings.HasPrefix(out.String(), "arbiter "))
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"arbiter", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "server")
	assert.Empty(t, errOut.String())
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"arbiter", "bogus"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "unknown command")
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"ws_1", "ws_2"}, splitList(" ws_1, ws_2 ,"))
}

func TestKillSwitchEnvOverridesConfig(t *testing.T) {
	cfg := &config.Config{KillSwitch: false}
	ks := killSwitch(cfg)

	assert.False(t, ks())
	t.Setenv("POLICY_KILL_SWITCH", "true")
	assert.True(t, ks())
	t.Setenv("POLICY_KILL_SWITCH", "false")
	assert.False(t, ks())

	cfg.KillSwitch = true
	t.Setenv("POLICY_KILL_SWITCH", "")
	assert.True(t, ks())
}
