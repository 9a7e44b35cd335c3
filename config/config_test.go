package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskrelay/logging"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(4), cfg.Dispatcher.MaxConcurrent)
	assert.Equal(t, 10*time.Minute, cfg.Gateway.StateTTL)
}

func TestLoad(t *testing.T) {
	t.Setenv("TASKRELAY_TEST_ANTHROPIC_KEY", "sk-test")
	t.Setenv("TASKRELAY_TEST_GITHUB_SECRET", "gh-secret")

	path := filepath.Join(t.TempDir(), "taskrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9999"
log:
  level: debug
  format: text
dispatcher:
  max_concurrent: 2
  retention: 30m
  task_timeout: 5m
worker:
  turn_timeout: 45s
gateway:
  redirect_base_url: https://relay.example.com
  vault:
    driver: sqlite
    path: /var/lib/taskrelay/vault.db
    secret: vault-secret
  providers:
    - name: github
      client_id: abc
      client_secret: ${TASKRELAY_TEST_GITHUB_SECRET}
      auth_url: https://github.com/login/oauth/authorize
      token_url: https://github.com/login/oauth/access_token
      scopes: [repo]
capabilities:
  - tag: research
    model:
      provider: anthropic
      name: claude-sonnet-4-5
      api_key: $TASKRELAY_TEST_ANTHROPIC_KEY
    instructions: "You research {{.topic}}."
    vars:
      topic: distributed systems
    tools: [current_time]
    max_turns: 10
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, int64(2), cfg.Dispatcher.MaxConcurrent)
	assert.Equal(t, 30*time.Minute, cfg.Dispatcher.Retention)
	assert.Equal(t, 5*time.Minute, cfg.Dispatcher.TaskTimeout)
	assert.Equal(t, time.Minute, cfg.Dispatcher.SweepInterval)
	assert.Equal(t, 45*time.Second, cfg.Worker.TurnTimeout)
	assert.Equal(t, 25, cfg.Worker.MaxTurns)

	require.Len(t, cfg.Gateway.Providers, 1)
	assert.Equal(t, "gh-secret", cfg.Gateway.Providers[0].ClientSecret)

	require.Len(t, cfg.Capabilities, 1)
	capCfg := cfg.Capabilities[0]
	assert.Equal(t, "research", capCfg.Tag)
	assert.Equal(t, "sk-test", capCfg.Model.APIKey)
	assert.Equal(t, []string{"current_time"}, capCfg.Tools)
	assert.Equal(t, "distributed systems", capCfg.Vars["topic"])

	lc := cfg.LoggingConfig()
	assert.Equal(t, logging.LogLevelDebug, lc.Level)
	assert.Equal(t, "text", lc.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{"bad level", "log: {level: loud}", "log.level"},
		{"bad format", "log: {format: xml}", "log.format"},
		{"zero concurrency", "dispatcher: {max_concurrent: 0}", "max_concurrent"},
		{"sqlite without secret", "gateway: {vault: {driver: sqlite, path: /tmp/v.db}}", "vault.secret"},
		{"unknown vault", "gateway: {vault: {driver: redis}}", "unsupported \"redis\""},
		{"provider without redirect", "gateway: {providers: [{name: gh, client_id: x, auth_url: a, token_url: t}]}", "redirect_base_url"},
		{"duplicate tags", "capabilities: [{tag: a, model: {provider: mock}}, {tag: a, model: {provider: mock}}]", "duplicate tag"},
		{"no capabilities", "capabilities: []", "at least one"},
		{"unknown model provider", "capabilities: [{tag: a, model: {provider: llama}}]", "unsupported model provider"},
		{"model name required", "capabilities: [{tag: a, model: {provider: openai}}]", "model.name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestParseReportsYAMLErrors(t *testing.T) {
	_, err := Parse([]byte("dispatcher: [not, a, map]"))
	assert.ErrorContains(t, err, "parse")
}
