package config

import (
	"fmt"
	"strings"
	"time"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
		sb.WriteString("\n")
	}
	return sb.String()
}

func Validate(cfg *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateProject(cfg)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateRuntimeAPI(&cfg.RuntimeAPI)...)
	errs = append(errs, validateTransport(&cfg.Transport)...)
	errs = append(errs, validateBridge(&cfg.Bridge)...)
	errs = append(errs, validateStorage(&cfg.Storage, cfg.Transport.Kind)...)
	errs = append(errs, validateWatch(&cfg.Watch)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if cfg.History.Size < 1 {
		errs = append(errs, ValidationError{
			Field:   "history.size",
			Message: "must be at least 1",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateProject(cfg *Config) ValidationErrors {
	var errs ValidationErrors

	if cfg.App == "" {
		errs = append(errs, ValidationError{Field: "app", Message: "required"})
	}
	if cfg.Stage == "" {
		errs = append(errs, ValidationError{Field: "stage", Message: "required"})
	}
	for field, value := range map[string]string{"app": cfg.App, "stage": cfg.Stage} {
		if strings.ContainsAny(value, "/.# *>") {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "must not contain '/', '.', '#', '*', '>' or spaces",
			})
		}
	}

	return errs
}

func validateServer(cfg *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: "must be between 1 and 65535",
		})
	}

	if cfg.ReadTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.read_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.WriteTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.write_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.ProxyRateLimit.Max < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.proxy_rate_limit.max",
			Message: "must be non-negative",
		})
	}
	if cfg.ProxyRateLimit.Max > 0 && cfg.ProxyRateLimit.Window <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.proxy_rate_limit.window",
			Message: "must be positive when a limit is set",
		})
	}

	if cfg.InvokeTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.invoke_timeout",
			Message: "must be positive",
		})
	}

	if cfg.TLS != nil && cfg.TLS.Enabled {
		if cfg.TLS.CertFile == "" {
			errs = append(errs, ValidationError{
				Field:   "server.tls.cert_file",
				Message: "required when TLS is enabled",
			})
		}
		if cfg.TLS.KeyFile == "" {
			errs = append(errs, ValidationError{
				Field:   "server.tls.key_file",
				Message: "required when TLS is enabled",
			})
		}
	}

	return errs
}

func validateRuntimeAPI(cfg *RuntimeAPIConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Host == "" {
		errs = append(errs, ValidationError{Field: "runtime_api.host", Message: "required"})
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "runtime_api.port",
			Message: "must be between 0 and 65535",
		})
	}

	return errs
}

func validateTransport(cfg *TransportConfig) ValidationErrors {
	var errs ValidationErrors

	switch cfg.Kind {
	case "channel":
	case "nats":
		if cfg.NATSURL == "" {
			errs = append(errs, ValidationError{
				Field:   "transport.nats_url",
				Message: "required for the nats transport",
			})
		}
	case "aws":
		if cfg.AWS.Region == "" {
			errs = append(errs, ValidationError{
				Field:   "transport.aws.region",
				Message: "required for the aws transport",
			})
		}
		if cfg.AWS.AccountID == "" && cfg.AWS.Endpoint == "" {
			errs = append(errs, ValidationError{
				Field:   "transport.aws.account_id",
				Message: "required unless a custom endpoint is set",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "transport.kind",
			Message: "must be one of: channel, nats, aws",
		})
	}

	if cfg.Prefix == "" {
		errs = append(errs, ValidationError{Field: "transport.prefix", Message: "required"})
	}

	return errs
}

func validateBridge(cfg *BridgeConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Timeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "bridge.timeout",
			Message: "must be positive",
		})
	}

	if cfg.Timeout > 0 && cfg.Timeout < 500*time.Millisecond {
		errs = append(errs, ValidationError{
			Field:   "bridge.timeout",
			Message: "warning: values below 500ms will fail most cold starts",
		})
	}

	if cfg.PointerThreshold <= 0 {
		errs = append(errs, ValidationError{
			Field:   "bridge.pointer_threshold",
			Message: "must be positive",
		})
	}

	if cfg.PointerBucket == "" {
		errs = append(errs, ValidationError{Field: "bridge.pointer_bucket", Message: "required"})
	}

	if cfg.Compression != "" && cfg.Compression != "zstd" && cfg.Compression != "gzip" {
		errs = append(errs, ValidationError{
			Field:   "bridge.compression",
			Message: "must be empty, 'gzip' or 'zstd'",
		})
	}

	return errs
}

func validateStorage(cfg *StorageConfig, transportKind string) ValidationErrors {
	var errs ValidationErrors

	switch cfg.Type {
	case "":
	case "filesystem":
		// Both relays must reach the same objects; a local directory is only
		// shared when they run in one process.
		if transportKind != "channel" {
			errs = append(errs, ValidationError{
				Field:   "storage.type",
				Message: "filesystem storage only works with the channel transport; use s3 or leave empty to disable offloading",
			})
		}
		if cfg.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: "required for the filesystem backend",
			})
		}
	case "s3":
		if cfg.Region == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.region",
				Message: "required for the s3 backend",
			})
		}
		if (cfg.AccessKeyID == "") != (cfg.SecretAccessKey == "") {
			errs = append(errs, ValidationError{
				Field:   "storage.access_key_id",
				Message: "access_key_id and secret_access_key must be set together",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: "must be empty, 'filesystem' or 's3'",
		})
	}

	return errs
}

func validateWatch(cfg *WatchConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Debounce < 0 {
		errs = append(errs, ValidationError{
			Field:   "watch.debounce",
			Message: "must be non-negative",
		})
	}

	return errs
}

func validateLogging(cfg *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of: trace, debug, info, warn, error",
		})
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Format] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be 'json' or 'console'",
		})
	}

	return errs
}
