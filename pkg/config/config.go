// Package config loads host configuration from a layered source chain:
// compiled-in defaults, an optional TOML file, then environment variables,
// each layer overriding the last. The env-prefix and key-transform
// conventions (double underscore escapes a literal underscore, single
// underscore nests into the next struct level) are generalized from this
// codebase's own gateway configuration loader.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from every environment variable before it is
// folded into the config tree, e.g. WASMHOST_SERVER_LISTEN -> server.listen.
const EnvPrefix = "WASMHOST_"

// ServerConfig controls the control-protocol transport.
type ServerConfig struct {
	Listen          string        `koanf:"listen"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig controls the content-addressed component store.
type StorageConfig struct {
	Root string `koanf:"root"`
}

// LoaderConfig controls component fetch behavior.
type LoaderConfig struct {
	FetchTimeout    time.Duration `koanf:"fetch_timeout"`
	MaxArtifactSize int64         `koanf:"max_artifact_size"`
	Concurrency     int           `koanf:"concurrency"`
}

// EngineConfig controls the wazero invocation engine.
type EngineConfig struct {
	CacheDir      string        `koanf:"cache_dir"`
	CallTimeout   time.Duration `koanf:"call_timeout"`
	EngineVersion string        `koanf:"engine_version"`
}

// ObservabilityConfig controls logging and telemetry export.
type ObservabilityConfig struct {
	LogLevel     string `koanf:"log_level"`
	LogFormat    string `koanf:"log_format"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	ServiceName  string `koanf:"service_name"`
}

// AuditConfig controls the audit trail sink.
type AuditConfig struct {
	DatabasePath string `koanf:"database_path"`
}

// ProvisioningConfig controls the declarative manifest controller.
type ProvisioningConfig struct {
	ManifestPath string `koanf:"manifest_path"`
}

// HooksConfig controls the before/after/list-tools middleware pipeline.
type HooksConfig struct {
	// PolicyBundleDir, if set, is loaded once at startup (the directory is
	// not watched for changes): every enabled rule's CEL expression is
	// compiled and wired into the pipeline as a before-hook that blocks
	// matching tool calls.
	PolicyBundleDir string `koanf:"policy_bundle_dir"`
}

// Config is the fully resolved host configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Storage       StorageConfig       `koanf:"storage"`
	Loader        LoaderConfig        `koanf:"loader"`
	Engine        EngineConfig        `koanf:"engine"`
	Observability ObservabilityConfig `koanf:"observability"`
	Audit         AuditConfig         `koanf:"audit"`
	Provisioning  ProvisioningConfig  `koanf:"provisioning"`
	Hooks         HooksConfig         `koanf:"hooks"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:8765",
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Root: "/var/lib/wasmhost/store",
		},
		Loader: LoaderConfig{
			FetchTimeout:    30 * time.Second,
			MaxArtifactSize: 64 << 20,
			Concurrency:     4,
		},
		Engine: EngineConfig{
			CacheDir:      "/var/lib/wasmhost/cache",
			CallTimeout:   10 * time.Second,
			EngineVersion: "1.0.0",
		},
		Observability: ObservabilityConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPEndpoint: "",
			ServiceName:  "wasmhost",
		},
		Audit: AuditConfig{
			DatabasePath: "/var/lib/wasmhost/audit.db",
		},
		Provisioning: ProvisioningConfig{
			ManifestPath: "",
		},
		Hooks: HooksConfig{
			PolicyBundleDir: "",
		},
	}
}

// Load resolves configuration from, in increasing precedence order: compiled
// defaults, the TOML file at path (if non-empty and present), then
// WASMHOST_-prefixed environment variables. A missing file is not an error:
// it is a common, expected deployment shape to configure purely from env.
//
// cfg starts populated with defaultConfig() and koanf's unmarshal only
// overwrites the keys actually present in the file/env layers, so a field
// absent from both keeps its compiled-in default rather than zeroing out.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("config: load file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKeyTransform), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKeyTransform turns WASMHOST_SERVER_LISTEN into server.listen and
// WASMHOST_ENGINE_ENGINE__VERSION into engine.engine_version: a single
// underscore nests into the next struct level, a double underscore escapes
// a literal underscore within a single key segment.
func envKeyTransform(s string) string {
	trimmed := strings.TrimPrefix(s, EnvPrefix)
	const placeholder = "\x00"
	trimmed = strings.ReplaceAll(trimmed, "__", placeholder)
	trimmed = strings.ReplaceAll(trimmed, "_", ".")
	trimmed = strings.ReplaceAll(trimmed, placeholder, "_")
	return strings.ToLower(trimmed)
}

// Validate checks cross-field and range invariants that struct tags alone
// cannot express.
func (c Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("config: server.listen must not be empty")
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("config: storage.root must not be empty")
	}
	if c.Loader.Concurrency <= 0 {
		return fmt.Errorf("config: loader.concurrency must be positive")
	}
	if c.Loader.MaxArtifactSize <= 0 {
		return fmt.Errorf("config: loader.max_artifact_size must be positive")
	}
	switch c.Observability.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: observability.log_format must be json or text, got %q", c.Observability.LogFormat)
	}
	return nil
}
