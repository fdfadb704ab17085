// Package config provides configuration management for tether.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config is the root configuration structure for tether.
type Config struct {
	// App and Stage identify the deployment; both appear in transport topics.
	App    string `mapstructure:"app"`
	Stage  string `mapstructure:"stage"`
	Region string `mapstructure:"region"`

	Server     ServerConfig     `mapstructure:"server"`
	RuntimeAPI RuntimeAPIConfig `mapstructure:"runtime_api"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Functions  FunctionsConfig  `mapstructure:"functions"`
	Watch      WatchConfig      `mapstructure:"watch"`
	History    HistoryConfig    `mapstructure:"history"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the control-plane HTTP server settings.
type ServerConfig struct {
	// Host to bind the server to
	Host string `mapstructure:"host"`

	// Port to listen on
	Port int `mapstructure:"port"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// Origins allowed to open the state socket, as host[:port] patterns.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// ProxyRateLimit bounds requests through /proxy per client address.
	// A zero Max disables the limit.
	ProxyRateLimit RateLimitRule `mapstructure:"proxy_rate_limit"`

	// InvokeTimeout bounds POST /api/functions/{id}/invoke.
	InvokeTimeout time.Duration `mapstructure:"invoke_timeout"`

	// TLS configuration (optional)
	TLS *TLSConfig `mapstructure:"tls"`
}

// RateLimitRule allows Max requests per Window.
type RateLimitRule struct {
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

// TLSConfig holds TLS settings.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// RuntimeAPIConfig configures the loopback server that local workers poll.
type RuntimeAPIConfig struct {
	Host string `mapstructure:"host"`

	// Port 0 picks a free port.
	Port int `mapstructure:"port"`
}

// TransportConfig selects the pub/sub backend between cloud and local.
type TransportConfig struct {
	// Kind is one of channel, nats, aws.
	Kind string `mapstructure:"kind"`

	// Prefix is the first topic segment.
	Prefix string `mapstructure:"prefix"`

	NATSURL string    `mapstructure:"nats_url"`
	AWS     AWSConfig `mapstructure:"aws"`
}

// AWSConfig configures the SNS/SQS transport.
type AWSConfig struct {
	Region          string `mapstructure:"region"`
	AccountID       string `mapstructure:"account_id"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// BridgeConfig tunes the relays on both sides of the transport.
type BridgeConfig struct {
	// Timeout is how long the cloud relay waits for the local side to
	// acknowledge an invocation.
	Timeout time.Duration `mapstructure:"timeout"`

	// PointerThreshold is the serialized size in bytes above which events
	// travel through the object store.
	PointerThreshold int `mapstructure:"pointer_threshold"`

	// PointerBucket holds offloaded payloads.
	PointerBucket string `mapstructure:"pointer_bucket"`

	// Compression applied to offloaded payloads: "", "gzip" or "zstd".
	Compression string `mapstructure:"compression"`
}

// StorageConfig selects the object store used for pointer payloads.
type StorageConfig struct {
	// Type is filesystem or s3.
	Type string `mapstructure:"type"`

	// Path is the base directory for the filesystem backend.
	Path string `mapstructure:"path"`

	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// FunctionsConfig points at the deployment descriptor.
type FunctionsConfig struct {
	Descriptor string `mapstructure:"descriptor"`

	// BuildDir receives build output, relative to the project root.
	BuildDir string `mapstructure:"build_dir"`
}

// WatchConfig configures source watching in dev mode.
type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
	Ignore   []string      `mapstructure:"ignore"`
}

// HistoryConfig bounds the invocation history kept for observers.
type HistoryConfig struct {
	Size int `mapstructure:"size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Format is console or json.
	Format string `mapstructure:"format"`
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Address returns the runtime API listen address in host:port format.
func (r *RuntimeAPIConfig) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}
