package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Default limits, matching the historical deployment defaults.
const (
	DefaultMaxWorkers     = 2
	DefaultPerTopic       = 1
	DefaultPerUserPending = 3
)

// Load reads the config file (YAML or JSON), applies environment variable
// overrides, fills defaults and validates. The file may be absent if the
// required values all come from the environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		if b, err := os.ReadFile(path); err == nil {
			jb, _, cerr := coerceToJSONBytes(path, b)
			if cerr != nil {
				return nil, cerr
			}
			dec := json.NewDecoder(bytes.NewReader(jb))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&cfg); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
			// Reject trailing tokens (e.g. concatenated JSON).
			if err := dec.Decode(&struct{}{}); err != io.EOF {
				if err == nil {
					return nil, fmt.Errorf("config %s: trailing data", path)
				}
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Environment overrides win over file values. Only secrets and the
// operational limit/timeout knobs are overridable this way.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("ALLOWED_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.AllowedChatID = id
		}
	}
	if v := os.Getenv("COMFY_BASE_URL"); v != "" {
		cfg.Comfy.BaseURL = v
	}
	if v := os.Getenv("COMFY_API_KEY"); v != "" {
		cfg.Comfy.APIKey = v
	}
	if v := os.Getenv("WORKDIR"); v != "" {
		cfg.Paths.Workdir = v
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		cfg.Paths.StateDir = v
	}
	if n, ok := envInt("LIMITS_MAX_WORKERS"); ok {
		cfg.Limits.MaxWorkers = n
	}
	if n, ok := envInt("LIMITS_PER_TOPIC"); ok {
		cfg.Limits.PerTopic = n
	}
	if n, ok := envInt("LIMITS_PER_USER_PENDING"); ok {
		cfg.Limits.PerUserPending = n
	}
	if v := os.Getenv("TIMEOUT_WS"); v != "" {
		cfg.Timeouts.WS = v
	}
	if v := os.Getenv("TIMEOUT_RUN"); v != "" {
		cfg.Timeouts.Run = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func applyDefaults(cfg *Config) {
	if cfg.Paths.Workdir == "" {
		cfg.Paths.Workdir = "data/topics"
	}
	if cfg.Paths.StateDir == "" {
		cfg.Paths.StateDir = "state"
	}
	if cfg.Limits.MaxWorkers <= 0 {
		cfg.Limits.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.Limits.PerTopic <= 0 {
		cfg.Limits.PerTopic = DefaultPerTopic
	}
	if cfg.Limits.PerUserPending == 0 {
		cfg.Limits.PerUserPending = DefaultPerUserPending
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Console == nil {
		t := true
		cfg.Logging.Console = &t
	}
	if cfg.Archive == nil {
		cfg.Archive = &ArchiveConfig{}
	}
	if cfg.Archive.Path == "" {
		cfg.Archive.Path = filepath.Join(cfg.Paths.StateDir, "tasks.db")
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or TELEGRAM_TOKEN)")
	}
	if cfg.Telegram.AllowedChatID == 0 {
		return fmt.Errorf("telegram.allowed_chat_id is required (or ALLOWED_CHAT_ID)")
	}
	if strings.TrimSpace(cfg.Comfy.BaseURL) == "" {
		return fmt.Errorf("comfy.base_url is required (or COMFY_BASE_URL)")
	}
	// Parse all duration fields once so bad values fail at startup, not at use.
	fields := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"timeouts.ws", cfg.Timeouts.WS},
		{"timeouts.run", cfg.Timeouts.Run},
		{"archive.busy_timeout", cfg.Archive.BusyTimeout},
		{"archive.retention", cfg.Archive.Retention},
	}
	for _, f := range fields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// coerceToJSONBytes converts YAML config to JSON bytes so the strict JSON
// decoder (DisallowUnknownFields) serves both formats.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}

	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
