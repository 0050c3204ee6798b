package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "memory", cfg.RateLimitBackend)
	assert.Equal(t, 10, cfg.ThinkPerVID)
	assert.Equal(t, 30, cfg.ThinkPerIP)
	assert.Equal(t, 1000, cfg.ThinkDailyLimit)
	assert.Equal(t, time.Minute, cfg.ThinkWindow)
	assert.Equal(t, 15*time.Second, cfg.PingInterval)
	assert.Equal(t, int64(1<<20), cfg.ThreadMaxBytes)
	assert.Equal(t, filepath.Join("data", "threads"), cfg.ThreadsDir())
	assert.Equal(t, filepath.Join("data", "blocked"), cfg.BlockedDir())
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DATA_DIR", "/srv/backchannel")
	t.Setenv("THINK_PER_VID", "3")
	t.Setenv("LLM_TIMEOUT", "2s")
	t.Setenv("RATE_LIMIT_WHITELIST", " 10.0.0.0/8, ,127.0.0.1")

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "/srv/backchannel/threads", cfg.ThreadsDir())
	assert.Equal(t, 3, cfg.ThinkPerVID)
	assert.Equal(t, 2*time.Second, cfg.LLMTimeout)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, cfg.RateLimitWhitelist)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"redis without url", map[string]string{"RATE_LIMIT_BACKEND": "redis"}},
		{"unknown backend", map[string]string{"RATE_LIMIT_BACKEND": "memcached"}},
		{"production without token", map[string]string{"ENV": "production"}},
		{"bad duration", map[string]string{"PING_INTERVAL": "soon"}},
		{"bad int", map[string]string{"THINK_PER_IP": "many"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Parse()
			assert.Error(t, err)
		})
	}
}

func TestParseRedisBackend(t *testing.T) {
	t.Setenv("RATE_LIMIT_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.RateLimitBackend)
}
