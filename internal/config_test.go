package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"relay-call/pkg/call"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "relay-call.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendRelay, cfg.Store.Backend)
	assert.Equal(t, call.DefaultChannel, cfg.Channel())

	webrtcCfg := cfg.WebRTC()
	require.Len(t, webrtcCfg.ICEServers, 1)
	assert.Len(t, webrtcCfg.ICEServers[0].URLs, 2)
	assert.EqualValues(t, 10, webrtcCfg.ICECandidatePoolSize)
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	t.Setenv("RELAY_CALL_DB", "/tmp/calls.db")

	path := writeConfig(t, `
log_level: debug
store:
  backend: sqlite
  path: ${RELAY_CALL_DB}
ice:
  servers:
    - urls: ["turn:turn.example.org:3478"]
      username: alice
      credential: secret
join:
  delay: 500ms
chat:
  enabled: false
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/tmp/calls.db", cfg.Store.Path)
	assert.Equal(t, "calls", cfg.Store.Collection)
	assert.Equal(t, 500*time.Millisecond, cfg.Join.Delay)
	assert.Equal(t, 5, cfg.Join.Attempts)
	assert.Empty(t, cfg.Channel())

	servers := cfg.WebRTC().ICEServers
	require.Len(t, servers, 1)
	assert.Equal(t, "alice", servers[0].Username)
	assert.Equal(t, "secret", servers[0].Credential)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "store: [not, a, map]"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }},
		{"sqlite without path", func(c *Config) { c.Store.Backend = BackendSQLite }},
		{"dir without path", func(c *Config) { c.Store.Backend = BackendDir }},
		{"mongo without uri", func(c *Config) { c.Store.Backend = BackendMongo; c.Store.URI = "" }},
		{"relay without uri", func(c *Config) { c.Store.URI = "" }},
		{"empty collection", func(c *Config) { c.Store.Collection = "" }},
		{"bad ice url", func(c *Config) { c.ICE.Servers = []ICEServer{{URLs: []string{"http://example.org"}}}} },
		{"ice server without urls", func(c *Config) { c.ICE.Servers = []ICEServer{{}} }},
		{"turn without credentials", func(c *Config) {
			c.ICE.Servers = []ICEServer{{URLs: []string{"turn:turn.example.org:3478"}}}
		}},
		{"no join attempts", func(c *Config) { c.Join.Attempts = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFlagsOverrideOnlyWhenGiven(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: dir
  path: /srv/signal
join:
  attempts: 9
`)

	f := NewFlags("relay-call")
	require.NoError(t, f.Parse([]string{"-c", path, "join", "--store-path", "/mnt/share", "--no-chat", "-S", "stun:stun.example.org:3478", "abc"}))
	assert.Equal(t, []string{"join", "abc"}, f.Args())

	cfg, err := LoadConfig(f.ConfigPath())
	require.NoError(t, err)

	f.Apply(cfg)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendDir, cfg.Store.Backend)
	assert.Equal(t, "/mnt/share", cfg.Store.Path)
	assert.Equal(t, 9, cfg.Join.Attempts)
	assert.False(t, cfg.Chat.Enabled)
	require.Len(t, cfg.ICE.Servers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, cfg.ICE.Servers[0].URLs)
}

func TestParseCmdline(t *testing.T) {
	a := NewApp()
	require.NoError(t, a.parseCmdline([]string{"join", "abc"}))
	assert.Equal(t, ModeJoin, a.mode)
	assert.Equal(t, "abc", a.callID)

	for _, args := range [][]string{
		nil,
		{"join"},
		{"call", "extra"},
		{"dance"},
	} {
		assert.ErrorIs(t, NewApp().parseCmdline(args), errUsage, "%v", args)
	}
}
