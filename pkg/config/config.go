package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ServerConfig configures the registry's HTTP front end.
type ServerConfig struct {
	Port         int `koanf:"port"`
	ReadTimeout  int `koanf:"readTimeout"`
	WriteTimeout int `koanf:"writeTimeout"`
	IdleTimeout  int `koanf:"idleTimeout"`
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60
	}
	return c
}

// AuthConfig configures bearer-token resolution against the external
// account service that backs internal/auth.HTTPResolver.
type AuthConfig struct {
	Realm       string `koanf:"realm"`
	ServiceName string `koanf:"serviceName"`
	MeEndpoint  string `koanf:"meEndpoint"`
}

func (c AuthConfig) validate() error {
	if c.MeEndpoint == "" {
		return fmt.Errorf("auth.meEndpoint is required")
	}
	if c.Realm == "" {
		return fmt.Errorf("auth.realm is required")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("auth.serviceName is required")
	}
	return nil
}

// StorageConfig configures the content-addressable blob store
// (internal/content.Store).
type StorageConfig struct {
	Root    string `koanf:"root"`
	LockDir string `koanf:"lockDir"`
}

func (c StorageConfig) withDefaults() StorageConfig {
	if c.Root == "" {
		c.Root = "./data/blobs"
	}
	if c.LockDir == "" {
		c.LockDir = filepath.Join(c.Root, ".locks")
	}
	return c
}

// IndexConfig configures the bbolt-backed metadata index
// (internal/index.Store).
type IndexConfig struct {
	Path             string `koanf:"path"`
	StatementLogging bool   `koanf:"statementLogging"`
}

func (c IndexConfig) withDefaults() IndexConfig {
	if c.Path == "" {
		c.Path = "./data/index.db"
	}
	return c
}

// LoggingConfig configures the process-wide slog logger.
type LoggingConfig struct {
	Level string `koanf:"level"`
}

// SlogLevel maps Level to a slog.Level, falling back to defaultLevel
// when Level is empty or unrecognized.
func (c LoggingConfig) SlogLevel(defaultLevel slog.Level) slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultLevel
	}
}

// RegistryConfig is the registry process's fully typed, validated
// configuration tree. It replaces ad hoc key lookups with a shape that
// mirrors the components each sub-config feeds: the HTTP server, the
// auth resolver, the blob store, the metadata index, and logging.
type RegistryConfig struct {
	Server  ServerConfig
	Auth    AuthConfig
	Storage StorageConfig
	Index   IndexConfig
	Logging LoggingConfig
}

// Load loads configuration from YAML files and environment variables,
// then decodes it into a RegistryConfig.
//
// It reads configuration from the directory named by
// APPLICATION_CONFIGURATION_DIR (default "./configs"): the mandatory
// "application.yaml", then an optional "application-<profile>.yaml" for
// every profile named in APPLICATION_PROFILES_ACTIVE (comma-separated,
// applied in order, later profiles winning), then environment
// variables — read with the prefix in APPLICATION_CONFIGURATION_PREFIX
// if set, unprefixed otherwise (SERVER_PORT maps to server.port).
//
// Defaults are applied to Server/Storage/Index after decoding; Auth has
// no sensible defaults and is validated instead, since a registry
// without a reachable account service can't authenticate anyone.
func Load() (*RegistryConfig, error) {
	k := koanf.New(".")

	tempLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	configDir := os.Getenv("APPLICATION_CONFIGURATION_DIR")
	if configDir == "" {
		configDir = "./configs"
	}
	tempLogger.Info("loading configuration", "directory", configDir)

	if _, err := os.Stat(configDir); os.IsNotExist(err) {
		tempLogger.Error("configuration directory does not exist", "directory", configDir)
		return nil, fmt.Errorf("configuration directory does not exist: %s", configDir)
	}

	baseConfigPath := filepath.Join(configDir, "application.yaml")
	if _, err := os.Stat(baseConfigPath); os.IsNotExist(err) {
		tempLogger.Error("base configuration file does not exist", "file", baseConfigPath)
		return nil, fmt.Errorf("base configuration file does not exist: %s", baseConfigPath)
	}

	tempLogger.Info("loading base configuration", "file", baseConfigPath)
	if err := k.Load(file.Provider(baseConfigPath), yaml.Parser()); err != nil {
		tempLogger.Error("failed to load base configuration", "file", baseConfigPath, "error", err)
		return nil, fmt.Errorf("failed to load base configuration: %w", err)
	}

	profiles := os.Getenv("APPLICATION_PROFILES_ACTIVE")
	var profileList []string
	if profiles != "" {
		profileList = strings.Split(profiles, ",")
		for i, profile := range profileList {
			profileList[i] = strings.TrimSpace(profile)
		}
	}
	tempLogger.Info("active profiles", "profiles", profileList)

	for _, profile := range profileList {
		if profile == "" {
			continue
		}

		profileConfigPath := filepath.Join(configDir, fmt.Sprintf("application-%s.yaml", profile))
		if _, err := os.Stat(profileConfigPath); os.IsNotExist(err) {
			tempLogger.Warn("profile configuration file not found", "profile", profile, "file", profileConfigPath)
			continue
		}

		tempLogger.Info("loading profile configuration", "profile", profile, "file", profileConfigPath)
		if err := k.Load(file.Provider(profileConfigPath), yaml.Parser()); err != nil {
			tempLogger.Error("failed to load profile configuration", "profile", profile, "file", profileConfigPath, "error", err)
			return nil, fmt.Errorf("failed to load profile configuration %s: %w", profile, err)
		}
	}

	envPrefix := os.Getenv("APPLICATION_CONFIGURATION_PREFIX")
	tempLogger.Info("environment variable prefix", "prefix", envPrefix)

	if envPrefix != "" {
		if err := k.Load(env.Provider(envPrefix+"_", ".", func(s string) string {
			s = strings.TrimPrefix(s, envPrefix+"_")
			return strings.ToLower(strings.ReplaceAll(s, "_", "."))
		}), nil); err != nil {
			tempLogger.Error("failed to load environment variables with prefix", "prefix", envPrefix, "error", err)
			return nil, fmt.Errorf("failed to load environment variables with prefix: %w", err)
		}
	} else {
		if err := k.Load(env.Provider("", ".", func(s string) string {
			return strings.ToLower(strings.ReplaceAll(s, "_", "."))
		}), nil); err != nil {
			tempLogger.Error("failed to load environment variables", "error", err)
			return nil, fmt.Errorf("failed to load environment variables: %w", err)
		}
	}

	var cfg RegistryConfig
	if err := k.Unmarshal("server", &cfg.Server); err != nil {
		return nil, fmt.Errorf("failed to decode server config: %w", err)
	}
	if err := k.Unmarshal("auth", &cfg.Auth); err != nil {
		return nil, fmt.Errorf("failed to decode auth config: %w", err)
	}
	if err := k.Unmarshal("storage", &cfg.Storage); err != nil {
		return nil, fmt.Errorf("failed to decode storage config: %w", err)
	}
	if err := k.Unmarshal("index", &cfg.Index); err != nil {
		return nil, fmt.Errorf("failed to decode index config: %w", err)
	}
	if err := k.Unmarshal("logging", &cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to decode logging config: %w", err)
	}

	cfg.Server = cfg.Server.withDefaults()
	cfg.Storage = cfg.Storage.withDefaults()
	cfg.Index = cfg.Index.withDefaults()

	if err := cfg.Auth.validate(); err != nil {
		tempLogger.Error("invalid auth configuration", "error", err)
		return nil, fmt.Errorf("invalid auth configuration: %w", err)
	}

	tempLogger.Info("configuration loaded successfully")
	return &cfg, nil
}
