package config

import "time"

// Default configuration values.
const (
	DefaultApp   = "tether"
	DefaultStage = "dev"

	// Server defaults.
	DefaultHost        = "localhost"
	DefaultPort        = 13557
	DefaultReadTimeout = 30 * time.Second
	DefaultIdleTimeout = 120 * time.Second

	DefaultProxyRateLimit  = 600
	DefaultProxyRateWindow = time.Minute
	DefaultInvokeTimeout   = 15 * time.Minute

	// Runtime API defaults.
	DefaultRuntimeAPIHost = "127.0.0.1"

	// Transport defaults.
	DefaultTransportKind = "channel"
	DefaultTopicPrefix   = "tether"
	DefaultNATSURL       = "nats://127.0.0.1:4222"

	// Bridge defaults.
	DefaultBridgeTimeout    = 5 * time.Second
	DefaultPointerThreshold = 250_000
	DefaultPointerBucket    = "tether-pointers"

	// Storage defaults.
	DefaultStorageType = "filesystem"
	DefaultStoragePath = ".tether/objects"

	// Functions defaults.
	DefaultDescriptor = "functions.yaml"
	DefaultBuildDir   = ".tether/artifacts"

	// Watch defaults.
	DefaultWatchDebounce = 100 * time.Millisecond

	// DefaultHistorySize is the number of invocations retained for observers.
	DefaultHistorySize = 25

	// Logging defaults.
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		App:   DefaultApp,
		Stage: DefaultStage,
		Server: ServerConfig{
			Host:        DefaultHost,
			Port:        DefaultPort,
			ReadTimeout: DefaultReadTimeout,
			IdleTimeout: DefaultIdleTimeout,
			AllowedOrigins: []string{
				"localhost:3000",
				"localhost:3001",
				"127.0.0.1:3000",
				"127.0.0.1:3001",
			},
			ProxyRateLimit: RateLimitRule{
				Max:    DefaultProxyRateLimit,
				Window: DefaultProxyRateWindow,
			},
			InvokeTimeout: DefaultInvokeTimeout,
		},
		RuntimeAPI: RuntimeAPIConfig{
			Host: DefaultRuntimeAPIHost,
		},
		Transport: TransportConfig{
			Kind:    DefaultTransportKind,
			Prefix:  DefaultTopicPrefix,
			NATSURL: DefaultNATSURL,
		},
		Bridge: BridgeConfig{
			Timeout:          DefaultBridgeTimeout,
			PointerThreshold: DefaultPointerThreshold,
			PointerBucket:    DefaultPointerBucket,
			Compression:      "zstd",
		},
		Storage: StorageConfig{
			Type: DefaultStorageType,
			Path: DefaultStoragePath,
		},
		Functions: FunctionsConfig{
			Descriptor: DefaultDescriptor,
			BuildDir:   DefaultBuildDir,
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: DefaultWatchDebounce,
			Ignore: []string{
				"**/node_modules/**",
				"**/.git/**",
				"**/.tether/**",
				"**/__pycache__/**",
				"**/build/**",
				"**/*.swp",
				"**/*~",
			},
		},
		History: HistoryConfig{
			Size: DefaultHistorySize,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
