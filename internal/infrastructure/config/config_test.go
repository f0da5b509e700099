package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 5, cfg.Proxy.MaxRedirects)
	assert.Equal(t, 2*time.Second, cfg.Proxy.PageWait)
	assert.Equal(t, 5*time.Minute, cfg.Conf.Refresh)
	assert.Equal(t, "/conf.json", cfg.Conf.StoreKey)
	assert.Equal(t, "direct://", cfg.Gateway.Upstream)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMatchesDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("PROXY_PAGE_WAIT", "500ms")
	t.Setenv("CONF_SCRIPT_URL", "https://cdn.example.com/conf.js")
	t.Setenv("GATEWAY_UPSTREAM", "socks5://127.0.0.1:1080")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Proxy.PageWait)
	assert.Equal(t, "https://cdn.example.com/conf.js", cfg.Conf.ScriptURL)
	assert.Equal(t, "socks5://127.0.0.1:1080", cfg.Gateway.Upstream)
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero redirects", mutate: func(c *Config) { c.Proxy.MaxRedirects = 0 }},
		{name: "zero page wait", mutate: func(c *Config) { c.Proxy.PageWait = 0 }},
		{name: "cap below wait", mutate: func(c *Config) { c.Proxy.PageInitCap = time.Second }},
		{name: "zero refresh", mutate: func(c *Config) { c.Conf.Refresh = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadOrDefaultOnBadEnv(t *testing.T) {
	t.Setenv("PROXY_MAX_REDIRECTS", "not-a-number")
	assert.Equal(t, Default(), LoadOrDefault())
}
