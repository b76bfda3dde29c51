package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, ProxyTypeStandard, cfg.Servers[0].Type)
	assert.Equal(t, "127.0.0.1:8080", cfg.Servers[0].ListenAddress)
	assert.True(t, cfg.Servers[0].Enabled)
	assert.Equal(t, 30, cfg.TimeoutSeconds)
	assert.Equal(t, 30, cfg.ShutdownLimitSeconds)
	assert.Equal(t, int64(2*1024*1024), cfg.MaxRequestBodyBytes)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("RAMA_LISTEN_ADDRESS", "127.0.0.1:9999")
	t.Setenv("RAMA_TIMEOUT_SECONDS", "5")
	t.Setenv("RAMA_SHUTDOWN_LIMIT_SECONDS", "7")
	t.Setenv("RAMA_JWT_SECRET", "env-secret")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Servers[0].ListenAddress)
	assert.Equal(t, 5, cfg.TimeoutSeconds)
	assert.Equal(t, 7, cfg.ShutdownLimitSeconds)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
}

func TestLoadJSONConfig(t *testing.T) {
	path := writeConfigFile(t, "config.json", `{
		"servers": [
			{"type": "standard", "listen-address": "127.0.0.1:3128", "enabled": true},
			{"type": "tls", "listen-address": "127.0.0.1:3129", "enabled": false, "max-connections": 50}
		],
		"timeout-seconds": 10,
		"shutdown-limit-seconds": 15,
		"tls": {"cert-file": "server.crt", "key-file": "server.key"},
		"interception": {
			"enabled": true,
			"ca-file": "ca.crt",
			"ca-key-file": "ca.key",
			"store-client-hello": true
		},
		"auth": {
			"jwt-secret": "topsecret",
			"users": [{"username": "john", "password": "secret"}]
		},
		"statistics": {"enabled": true, "backend": "sqlite", "sqlite-path": "stats.db"}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, ProxyTypeStandard, cfg.Servers[0].Type)
	assert.Equal(t, "127.0.0.1:3128", cfg.Servers[0].ListenAddress)
	assert.Equal(t, ProxyTypeTLS, cfg.Servers[1].Type)
	assert.False(t, cfg.Servers[1].Enabled)
	assert.Equal(t, 50, cfg.Servers[1].MaxConnections)

	assert.Equal(t, 10, cfg.TimeoutSeconds)
	assert.Equal(t, 15, cfg.ShutdownLimitSeconds)
	assert.Equal(t, "server.crt", cfg.TLS.CertFile)
	assert.True(t, cfg.Interception.Enabled)
	assert.True(t, cfg.Interception.StoreClientHello)
	assert.Equal(t, "ca.crt", cfg.Interception.CAFile)
	assert.Equal(t, "topsecret", cfg.Auth.JWTSecret)
	require.Len(t, cfg.Auth.Users, 1)
	assert.Equal(t, "john", cfg.Auth.Users[0].Username)
	assert.True(t, cfg.Statistics.Enabled)
	assert.Equal(t, "sqlite", cfg.Statistics.Backend)
}

func TestLoadJSONRules(t *testing.T) {
	path := writeConfigFile(t, "config.json", `{
		"rules": {
			"lan": {"type": "network", "cidr": "10.0.0.0/8"},
			"blocked": {
				"type": "or",
				"rules": [
					{"type": "domain", "op": "is", "domain": "ads.example"},
					{"type": "and", "rules": [
						{"type": "port", "port": 8443},
						{"type": "not", "rule": {"type": "ref", "id": "lan"}}
					]}
				]
			}
		},
		"forwards": [
			{"type": "socks5", "address": "127.0.0.1:1080", "rule": {"type": "ref", "id": "lan"}},
			{"type": "default-network"}
		]
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	lan, ok := cfg.Rules["lan"].(*RuleNetwork)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.0/8", lan.CIDR)

	blocked, ok := cfg.Rules["blocked"].(*RuleOr)
	require.True(t, ok)
	require.Len(t, blocked.Rules, 2)

	domain, ok := blocked.Rules[0].(*RuleDomain)
	require.True(t, ok)
	assert.Equal(t, DomainOpIs, domain.Op)
	assert.Equal(t, "ads.example", domain.Domain)

	inner, ok := blocked.Rules[1].(*RuleAnd)
	require.True(t, ok)
	require.Len(t, inner.Rules, 2)
	_, ok = inner.Rules[1].(*RuleNot)
	assert.True(t, ok)

	require.Len(t, cfg.Forwards, 2)
	socks, ok := cfg.Forwards[0].(*ForwardSocks5)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:1080", socks.Address)
	ref, ok := socks.Rule().(*RuleRef)
	require.True(t, ok)
	assert.Equal(t, "lan", ref.ID)

	// A forward without a rule matches everything.
	_, ok = cfg.Forwards[1].Rule().(*RuleTrue)
	assert.True(t, ok)
}

func TestLoadJSONConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed JSON", `{not json`},
		{"bad server type", `{"servers": [{"type": "quantum", "listen-address": "x:1"}]}`},
		{"missing listen address", `{"servers": [{"type": "standard"}]}`},
		{"bad rule type", `{"rules": {"x": {"type": "frobnicate"}}}`},
		{"negative timeout", `{"timeout-seconds": -1}`},
		{"socks5 without address", `{"forwards": [{"type": "socks5"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfigFile(t, "config.json", tt.content)
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigUnknownExtension(t *testing.T) {
	path := writeConfigFile(t, "config.toml", "")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestHasChanged(t *testing.T) {
	a, err := LoadConfig("")
	require.NoError(t, err)
	b, err := LoadConfig("")
	require.NoError(t, err)

	assert.False(t, HasChanged(a, b))

	b.TimeoutSeconds = 99
	assert.True(t, HasChanged(a, b))
}
