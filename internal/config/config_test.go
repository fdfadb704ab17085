package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.Equal(t, DefaultPort, cfg.Server.Port)
	require.Equal(t, DefaultBridgeTimeout, cfg.Bridge.Timeout)
	require.Equal(t, 25, cfg.History.Size)
	require.Equal(t, "channel", cfg.Transport.Kind)
	require.True(t, cfg.Watch.Enabled)
}

func TestValidate_ValidConfig(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"missing app", func(c *Config) { c.App = "" }, "app"},
		{"stage with slash", func(c *Config) { c.Stage = "a/b" }, "stage"},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }, "transport.kind"},
		{"nats without url", func(c *Config) { c.Transport.Kind = "nats"; c.Transport.NATSURL = "" }, "transport.nats_url"},
		{"aws without region", func(c *Config) { c.Transport.Kind = "aws"; c.Transport.AWS.AccountID = "123456789012" }, "transport.aws.region"},
		{"aws without account", func(c *Config) { c.Transport.Kind = "aws"; c.Transport.AWS.Region = "us-east-1" }, "transport.aws.account_id"},
		{"zero bridge timeout", func(c *Config) { c.Bridge.Timeout = 0 }, "bridge.timeout"},
		{"bad compression", func(c *Config) { c.Bridge.Compression = "lz4" }, "bridge.compression"},
		{"unknown storage", func(c *Config) { c.Storage.Type = "ftp" }, "storage.type"},
		{"filesystem storage over nats", func(c *Config) {
			c.Transport.Kind = "nats"
			c.Transport.NATSURL = "nats://127.0.0.1:4222"
		}, "storage.type"},
		{"filesystem storage over aws", func(c *Config) {
			c.Transport.Kind = "aws"
			c.Transport.AWS.Region = "us-east-1"
			c.Transport.AWS.AccountID = "123456789012"
		}, "storage.type"},
		{"s3 half credentials", func(c *Config) {
			c.Storage = StorageConfig{Type: "s3", Region: "us-east-1", AccessKeyID: "key"}
		}, "storage.access_key_id"},
		{"negative proxy limit", func(c *Config) { c.Server.ProxyRateLimit.Max = -1 }, "server.proxy_rate_limit.max"},
		{"proxy limit without window", func(c *Config) { c.Server.ProxyRateLimit.Window = 0 }, "server.proxy_rate_limit.window"},
		{"zero invoke timeout", func(c *Config) { c.Server.InvokeTimeout = 0 }, "server.invoke_timeout"},
		{"tls without cert", func(c *Config) { c.Server.TLS = &TLSConfig{Enabled: true} }, "server.tls.cert_file"},
		{"invalid log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"zero history", func(c *Config) { c.History.Size = 0 }, "history.size"},
		{"runtime api port", func(c *Config) { c.RuntimeAPI.Port = 70000 }, "runtime_api.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)

			errs, ok := err.(ValidationErrors)
			require.True(t, ok, "expected ValidationErrors, got %T", err)

			var fields []string
			for _, e := range errs {
				fields = append(fields, e.Field)
			}
			require.Contains(t, fields, tt.field)
		})
	}
}

func TestValidate_SharedStorage(t *testing.T) {
	cfg := Default()
	cfg.Transport.Kind = "nats"
	cfg.Transport.NATSURL = "nats://127.0.0.1:4222"

	cfg.Storage = StorageConfig{Type: "s3", Region: "us-east-1"}
	require.NoError(t, Validate(cfg))

	cfg.Storage = StorageConfig{}
	require.NoError(t, Validate(cfg))
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tether.yaml")

	content := `
app: shop
stage: alice
server:
  port: 9000
  host: "0.0.0.0"
transport:
  kind: nats
  nats_url: nats://broker:4222
bridge:
  timeout: 10s
logging:
  level: "debug"
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)

	require.Equal(t, "shop", cfg.App)
	require.Equal(t, "alice", cfg.Stage)
	require.Equal(t, 9000, cfg.Server.Port)
	require.Equal(t, "0.0.0.0", cfg.Server.Host)
	require.Equal(t, "nats", cfg.Transport.Kind)
	require.Equal(t, "nats://broker:4222", cfg.Transport.NATSURL)
	require.Equal(t, 10*time.Second, cfg.Bridge.Timeout)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, DefaultPointerThreshold, cfg.Bridge.PointerThreshold)
}

func TestLoadWithEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TETHER_SERVER_PORT", "7777")
	t.Setenv("TETHER_STAGE", "ci")

	cfg, err := LoadWithDefaults()
	require.NoError(t, err)

	require.Equal(t, 7777, cfg.Server.Port)
	require.Equal(t, "ci", cfg.Stage)
}

func TestLoad_ExpandsEnvReferences(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tether.yaml")
	t.Setenv("TEST_BUCKET_FOR_TETHER", "from-env")

	require.NoError(t, os.WriteFile(configPath, []byte("bridge:\n  pointer_bucket: ${TEST_BUCKET_FOR_TETHER}\n"), 0o644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Bridge.PointerBucket)
}

func TestServerAddress(t *testing.T) {
	cfg := &ServerConfig{Host: "localhost", Port: 8090}
	require.Equal(t, "localhost:8090", cfg.Address())

	rt := &RuntimeAPIConfig{Host: "127.0.0.1", Port: 0}
	require.Equal(t, "127.0.0.1:0", rt.Address())
}
