package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, 5*time.Second, cfg.TCPTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, 3, cfg.DeadAfter)
	assert.Equal(t, []string{"8.8.8.8", "1.1.1.1"}, cfg.DNSServers)
	assert.Equal(t, []string{"Internet", "Best Latency", "Lock Region ID"}, cfg.SelectorGroups)
	assert.Empty(t, cfg.ServerPool)
}

func TestParseOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MAX_WORKERS", "12")
	t.Setenv("SERVER_POOL", "a.example,b.example")
	t.Setenv("RETRY_DELAY", "2s")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Workers)
	assert.Equal(t, []string{"a.example", "b.example"}, cfg.ServerPool)
	assert.Equal(t, 2*time.Second, cfg.RetryDelay)
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MAX_WORKERS", "0")
	t.Setenv("TCP_TIMEOUT", "30s")

	_, err := Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_WORKERS")
	assert.Contains(t, err.Error(), "TCP_TIMEOUT")
}
