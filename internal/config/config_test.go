package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Default(), c)
	assert.Equal(t, ProviderEC2, c.Provider)
	assert.Equal(t, "sqlite", c.StateBackend)
	assert.Equal(t, 30, c.AwaitAttempts)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("WETWIRE_VPN_PROVIDER", "sim")
	t.Setenv("WETWIRE_VPN_STATE_BACKEND", "consul")
	t.Setenv("WETWIRE_VPN_CONSUL_ADDR", "127.0.0.1:8500")
	t.Setenv("WETWIRE_VPN_AWAIT_ATTEMPTS", "7")
	t.Setenv("WETWIRE_VPN_AWAIT_DELAY", "500ms")
	t.Setenv("WETWIRE_VPN_REGION", "")
	t.Setenv("AWS_REGION", "ap-southeast-3")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ProviderSim, c.Provider)
	assert.Equal(t, "consul", c.StateBackend)
	assert.Equal(t, "127.0.0.1:8500", c.ConsulAddress)
	assert.Equal(t, 7, c.AwaitAttempts)
	assert.Equal(t, 500*time.Millisecond, c.AwaitDelay)
	assert.Equal(t, "ap-southeast-3", c.Region, "falls back to AWS_REGION")
}

func TestLoad_BadNumbers(t *testing.T) {
	t.Setenv("WETWIRE_VPN_AWAIT_ATTEMPTS", "many")
	t.Setenv("WETWIRE_VPN_AWAIT_MAX_DELAY", "forever")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WETWIRE_VPN_AWAIT_ATTEMPTS")
	assert.Contains(t, err.Error(), "WETWIRE_VPN_AWAIT_MAX_DELAY")
}

func TestLoad_DotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("WETWIRE_VPN_LOG_LEVEL=debug\nWETWIRE_VPN_SECRET_DIR=/var/lib/wetwire\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("WETWIRE_VPN_LOG_LEVEL")
		os.Unsetenv("WETWIRE_VPN_SECRET_DIR")
	})

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, "/var/lib/wetwire", c.SecretDir)

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err, "a missing .env file is not an error")
}

func TestBindFlags_OverrideEnvironment(t *testing.T) {
	t.Setenv("WETWIRE_VPN_PROVIDER", "sim")
	c, err := Load("")
	require.NoError(t, err)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--provider", "ec2", "--region", "us-east-1", "--await-max-delay", "1m"}))

	assert.Equal(t, ProviderEC2, c.Provider)
	assert.Equal(t, "us-east-1", c.Region)
	assert.Equal(t, time.Minute, c.AwaitMaxDelay)
	assert.Nil(t, fs.Lookup("vault-token"), "the vault token is never a flag")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{name: "ec2 with region", modify: func(c *Config) { c.Region = "us-east-1" }},
		{name: "sim without region", modify: func(c *Config) { c.Provider = ProviderSim }},
		{name: "ec2 without region", modify: func(c *Config) {}, wantErr: "region is required"},
		{name: "unknown provider", modify: func(c *Config) { c.Provider = "gcp" }, wantErr: "unknown provider"},
		{name: "unknown state backend", modify: func(c *Config) { c.Provider = ProviderSim; c.StateBackend = "etcd" }, wantErr: "unknown state backend"},
		{name: "unknown secret backend", modify: func(c *Config) { c.Provider = ProviderSim; c.SecretBackend = "kms" }, wantErr: "unknown secret backend"},
		{name: "inverted delays", modify: func(c *Config) { c.Provider = ProviderSim; c.AwaitMaxDelay = time.Millisecond }, wantErr: "not a valid range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOptions(t *testing.T) {
	c := Default()
	c.VaultToken = "s.token"

	so := c.StateOptions("site-to-site")
	assert.Equal(t, "site-to-site", so.Namespace)
	assert.Equal(t, c.StatePath, so.Path)

	assert.Equal(t, "s.token", c.SecretOptions().VaultToken)

	p := c.AwaitPolicy()
	assert.Equal(t, c.AwaitAttempts, p.Attempts)
	assert.NotNil(t, p.Clock)
}
