package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	ErrConfigNotFound  = errors.New("config file not found")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingRequired = errors.New("missing required configuration")
)

type LoadOptions struct {
	ConfigFile string
	EnvPrefix  string
	Defaults   *Config
}

func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()

	defaults := opts.Defaults
	if defaults == nil {
		defaults = Default()
	}
	setViperDefaults(v, defaults)

	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "TETHER"
	}
	v.SetEnvPrefix(opts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("tether")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/tether")
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	expandEnvInConfig(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func LoadFromFile(path string) (*Config, error) {
	return Load(LoadOptions{ConfigFile: path})
}

func LoadWithDefaults() (*Config, error) {
	return Load(LoadOptions{})
}

func setViperDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("app", cfg.App)
	v.SetDefault("stage", cfg.Stage)
	v.SetDefault("region", cfg.Region)

	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", cfg.Server.IdleTimeout)
	v.SetDefault("server.allowed_origins", cfg.Server.AllowedOrigins)
	v.SetDefault("server.proxy_rate_limit.max", cfg.Server.ProxyRateLimit.Max)
	v.SetDefault("server.proxy_rate_limit.window", cfg.Server.ProxyRateLimit.Window)
	v.SetDefault("server.invoke_timeout", cfg.Server.InvokeTimeout)

	v.SetDefault("runtime_api.host", cfg.RuntimeAPI.Host)
	v.SetDefault("runtime_api.port", cfg.RuntimeAPI.Port)

	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.prefix", cfg.Transport.Prefix)
	v.SetDefault("transport.nats_url", cfg.Transport.NATSURL)
	v.SetDefault("transport.aws.region", cfg.Transport.AWS.Region)
	v.SetDefault("transport.aws.account_id", cfg.Transport.AWS.AccountID)
	v.SetDefault("transport.aws.endpoint", cfg.Transport.AWS.Endpoint)
	v.SetDefault("transport.aws.access_key_id", cfg.Transport.AWS.AccessKeyID)
	v.SetDefault("transport.aws.secret_access_key", cfg.Transport.AWS.SecretAccessKey)

	v.SetDefault("bridge.timeout", cfg.Bridge.Timeout)
	v.SetDefault("bridge.pointer_threshold", cfg.Bridge.PointerThreshold)
	v.SetDefault("bridge.pointer_bucket", cfg.Bridge.PointerBucket)
	v.SetDefault("bridge.compression", cfg.Bridge.Compression)

	v.SetDefault("storage.type", cfg.Storage.Type)
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("storage.region", cfg.Storage.Region)
	v.SetDefault("storage.endpoint", cfg.Storage.Endpoint)
	v.SetDefault("storage.access_key_id", cfg.Storage.AccessKeyID)
	v.SetDefault("storage.secret_access_key", cfg.Storage.SecretAccessKey)
	v.SetDefault("storage.force_path_style", cfg.Storage.ForcePathStyle)

	v.SetDefault("functions.descriptor", cfg.Functions.Descriptor)
	v.SetDefault("functions.build_dir", cfg.Functions.BuildDir)

	v.SetDefault("watch.enabled", cfg.Watch.Enabled)
	v.SetDefault("watch.debounce", cfg.Watch.Debounce)
	v.SetDefault("watch.ignore", cfg.Watch.Ignore)

	v.SetDefault("history.size", cfg.History.Size)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
}

func expandEnvInConfig(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
			envVar := val[2 : len(val)-1]
			if envVal := os.Getenv(envVar); envVal != "" {
				v.Set(key, envVal)
			}
		}
	}
}

func ConfigFilePath(customPath string) (string, error) {
	if customPath != "" {
		absPath, err := filepath.Abs(customPath)
		if err != nil {
			return "", fmt.Errorf("resolving config path: %w", err)
		}
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", absPath)
		}
		return absPath, nil
	}

	searchPaths := []string{
		"tether.yaml",
		"tether.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "tether", "tether.yaml"),
	}

	for _, p := range searchPaths {
		if _, err := os.Stat(p); err == nil {
			return filepath.Abs(p)
		}
	}

	return "", ErrConfigNotFound
}
