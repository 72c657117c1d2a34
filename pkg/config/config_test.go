// pkg/config/config_test.go

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PeerSync/pkg/protocol"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, time.Second, cfg.ConnectTimeout)
	assert.Equal(t, uint32(protocol.DefaultMaxIndexSize), cfg.MaxIndexSize)
	assert.Equal(t, "peersync:peers", cfg.RedisKey)
}

func TestEnvironment(t *testing.T) {
	t.Setenv("PEERSYNC_LISTEN", "127.0.0.1:9000")
	t.Setenv("PEERSYNC_READ_TIMEOUT", "5s")
	t.Setenv("PEERSYNC_SECRET", "hunter2")
	t.Setenv("PEERSYNC_ALLOW", "10.0.0.0/8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, "hunter2", cfg.Secret)
}

func TestInvalid(t *testing.T) {
	t.Setenv("PEERSYNC_MAX_INDEX", "100")
	_, err := Load()
	assert.Error(t, err)
}

func TestExclusivePairing(t *testing.T) {
	t.Setenv("PEERSYNC_SECRET", "hunter2")
	t.Setenv("PEERSYNC_REDIS", "redis://localhost:6379/0")
	_, err := Load()
	assert.Error(t, err)
}

func TestNegativeRescan(t *testing.T) {
	t.Setenv("PEERSYNC_RESCAN", "-1s")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("PEERSYNC_RESCAN", "0")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Zero(t, cfg.Rescan)
}
