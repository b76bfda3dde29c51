package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadHCLConfig(t *testing.T) {
	path := writeConfigFile(t, "config.hcl", `
timeout_seconds        = 12
shutdown_limit_seconds = 20

server "standard" {
  listen_address = "127.0.0.1:3128"
}

server "tls" {
  listen_address  = "127.0.0.1:3129"
  enabled         = false
  max_connections = 25
}

tls {
  cert_file = "server.crt"
  key_file  = "server.key"
}

interception {
  enabled            = true
  ca_file            = "ca.crt"
  ca_key_file        = "ca.key"
  store_client_hello = true
}

auth {
  jwt_secret = "topsecret"

  user "john" {
    password = "secret"
  }
}

rule "lan" {
  type = "network"
  cidr = "10.0.0.0/8"
}

rule "ads" {
  type   = "domain"
  op     = "is"
  domain = "ads.example"
}

rule "avoid" {
  type = "or"
  of   = ["lan", "ads"]
}

forward "socks5" {
  address = "127.0.0.1:1080"
  rule    = "lan"
}
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.TimeoutSeconds)
	assert.Equal(t, 20, cfg.ShutdownLimitSeconds)

	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, ProxyTypeStandard, cfg.Servers[0].Type)
	assert.True(t, cfg.Servers[0].Enabled)
	assert.Equal(t, ProxyTypeTLS, cfg.Servers[1].Type)
	assert.False(t, cfg.Servers[1].Enabled)
	assert.Equal(t, 25, cfg.Servers[1].MaxConnections)

	assert.Equal(t, "server.crt", cfg.TLS.CertFile)
	assert.True(t, cfg.Interception.Enabled)
	assert.True(t, cfg.Interception.StoreClientHello)

	assert.Equal(t, "topsecret", cfg.Auth.JWTSecret)
	require.Len(t, cfg.Auth.Users, 1)
	assert.Equal(t, "john", cfg.Auth.Users[0].Username)
	assert.Equal(t, "secret", cfg.Auth.Users[0].Password)

	lan, ok := cfg.Rules["lan"].(*RuleNetwork)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.0/8", lan.CIDR)

	avoid, ok := cfg.Rules["avoid"].(*RuleOr)
	require.True(t, ok)
	require.Len(t, avoid.Rules, 2)
	ref, ok := avoid.Rules[0].(*RuleRef)
	require.True(t, ok)
	assert.Equal(t, "lan", ref.ID)

	require.Len(t, cfg.Forwards, 1)
	socks, ok := cfg.Forwards[0].(*ForwardSocks5)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:1080", socks.Address)
}

func TestLoadHCLConfigEnvInterpolation(t *testing.T) {
	t.Setenv("UPSTREAM_PROXY", "10.1.2.3:1080")

	path := writeConfigFile(t, "config.hcl", `
forward "socks5" {
  address = env.UPSTREAM_PROXY
}
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Forwards, 1)
	socks, ok := cfg.Forwards[0].(*ForwardSocks5)
	require.True(t, ok)
	assert.Equal(t, "10.1.2.3:1080", socks.Address)
}

func TestLoadHCLConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax error", `server "standard" {`},
		{"combinator without children", "rule \"x\" {\n  type = \"and\"\n}\n"},
		{"socks5 without address", "forward \"socks5\" {\n}\n"},
		{"unknown rule type", "rule \"x\" {\n  type = \"frobnicate\"\n}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfigFile(t, "config.hcl", tt.content)
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}
