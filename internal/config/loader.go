package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// envOverridePrefix is the prefix of the per-backend override family:
// MCP_SERVER_<ID>_COMMAND, _ARGS, _ENV, _RISK_LEVEL, _DOCKER_CONFIG.
const envOverridePrefix = "MCP_SERVER_"

// ResolveConfigPath returns the config file location, honoring
// MCP_CONFIG_PATH and falling back to ./mcp_config.json.
func ResolveConfigPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}
	return ConfigFileName
}

// SetupViper binds the flag and environment surface for the bridge command
func SetupViper() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	viper.SetDefault("listen", DefaultListen)
	viper.SetDefault("config", "")
	viper.SetDefault("log-level", "info")
}

// Load loads configuration from file, environment overrides, and defaults.
// A missing config file is not an error; the bridge starts with an empty
// registry and persists specs as they are added.
func Load(path string, logger *zap.Logger) (*Config, error) {
	cfg := DefaultConfig()
	cfg.ConfigPath = path

	if port := os.Getenv("PORT"); port != "" {
		cfg.Listen = ":" + strings.TrimPrefix(port, ":")
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		logger.Info("No config file found, starting with empty registry",
			zap.String("path", path))
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	case len(data) > 0:
		if err := parseConfig(data, cfg, logger); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	ApplyEnvOverrides(cfg, os.Environ(), logger)

	for id, spec := range cfg.Servers {
		NormalizeSpec(id, spec, logger)
	}

	return cfg, nil
}

// parseConfig decodes a config document, substituting ${NAME} tokens in one
// pure traversal before unmarshaling. Unresolved tokens are preserved
// verbatim and logged.
func parseConfig(data []byte, cfg *Config, logger *zap.Logger) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	expanded, unresolved := ExpandValue(raw, OSLookup)
	for _, name := range unresolved {
		logger.Warn("Unresolved environment variable in config, token preserved",
			zap.String("name", name))
	}

	substituted, err := json.Marshal(expanded)
	if err != nil {
		return fmt.Errorf("failed to re-encode config after substitution: %w", err)
	}
	if err := json.Unmarshal(substituted, cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]*ServerConfig)
	}
	return nil
}

// ApplyEnvOverrides merges the MCP_SERVER_<ID>_* environment family into the
// config, creating specs for ids that only exist in the environment.
func ApplyEnvOverrides(cfg *Config, environ []string, logger *zap.Logger) {
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 || !strings.HasPrefix(kv[:eq], envOverridePrefix) {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]

		id, field, ok := splitOverrideKey(key)
		if !ok {
			continue
		}

		spec := cfg.Servers[id]
		if spec == nil {
			spec = &ServerConfig{}
			cfg.Servers[id] = spec
		}

		switch field {
		case "COMMAND":
			spec.Command = value
		case "ARGS":
			spec.Args = splitArgs(value)
		case "ENV":
			var env map[string]string
			if err := json.Unmarshal([]byte(value), &env); err != nil {
				logger.Warn("Malformed env override, ignored",
					zap.String("server", id), zap.Error(err))
				continue
			}
			spec.Env = env
		case "RISK_LEVEL":
			var level RiskLevel
			if _, err := fmt.Sscanf(value, "%d", &level); err != nil || !level.Valid() {
				logger.Warn("Invalid risk level override, ignored",
					zap.String("server", id), zap.String("value", value))
				continue
			}
			spec.RiskLevel = level
		case "DOCKER_CONFIG":
			var docker DockerConfig
			if err := json.Unmarshal([]byte(value), &docker); err != nil {
				logger.Warn("Malformed docker config override, isolation disabled for server",
					zap.String("server", id), zap.Error(err))
				spec.Docker = nil
				continue
			}
			spec.Docker = &docker
		}
	}
}

// splitOverrideKey parses MCP_SERVER_<ID>_<FIELD> into a lowercase backend
// id and the override field name. Ids may themselves contain underscores, so
// the field is matched against the known suffixes.
func splitOverrideKey(key string) (id, field string, ok bool) {
	rest := strings.TrimPrefix(key, envOverridePrefix)
	for _, suffix := range []string{"COMMAND", "ARGS", "ENV", "RISK_LEVEL", "DOCKER_CONFIG"} {
		if strings.HasSuffix(rest, "_"+suffix) {
			id = strings.ToLower(strings.TrimSuffix(rest, "_"+suffix))
			if id == "" {
				return "", "", false
			}
			return id, suffix, true
		}
	}
	return "", "", false
}

// splitArgs splits a comma-separated argument list, trimming whitespace
func splitArgs(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	args := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			args = append(args, trimmed)
		}
	}
	return args
}

// NormalizeSpec repairs a backend spec in place: unknown risk levels are
// dropped, and high risk without a complete isolation descriptor is
// downgraded to medium with a warning.
func NormalizeSpec(id string, spec *ServerConfig, logger *zap.Logger) {
	if !spec.RiskLevel.Valid() {
		logger.Warn("Unknown risk level, dropping field",
			zap.String("server", id), zap.Int("risk_level", int(spec.RiskLevel)))
		spec.RiskLevel = RiskUnset
	}

	if spec.RiskLevel == RiskHigh && !spec.Docker.Complete() {
		logger.Warn("High risk level requires a docker isolation config, downgrading to medium",
			zap.String("server", id))
		spec.RiskLevel = RiskMedium
	}
}

// SaveConfig persists the registry to the config file atomically: the
// document is written to a temp file in the same directory and renamed over
// the destination.
func SaveConfig(cfg *Config, path string) error {
	doc := struct {
		Servers map[string]*ServerConfig `json:"mcpServers"`
	}{Servers: cfg.Servers}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".mcp_config-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}
