package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/stepstreams/errors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "STEPSTREAMS"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: true,
		envPrefix:  EnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables schema and semantic validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges all layers onto the defaults, applies environment overrides
// and validates the result
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Defaults())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Loader", "Load",
				fmt.Sprintf("load %s", path))
		}
		merged = deepMergeMaps(merged, raw)
	}

	if err := l.applyEnvOverrides(merged); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Loader", "Load",
			"apply environment overrides")
	}

	if l.validation {
		if err := ValidateDocument(merged); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "validate schema")
		}
	}

	cfg, err := fromMap(merged)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Loader", "Load", "decode")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Loader", "Load", "validate")
		}
	}
	return cfg, nil
}

// Parse decodes a single JSON or YAML document onto the defaults without
// reading files or the environment
func Parse(data []byte, format string) (*Config, error) {
	raw, err := decodeDocument(data, format)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "config", "Parse", "decode document")
	}
	base, err := toMap(Defaults())
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Parse", "encode defaults")
	}
	merged := deepMergeMaps(base, raw)
	if err := ValidateDocument(merged); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Parse", "validate schema")
	}
	cfg, err := fromMap(merged)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "config", "Parse", "decode")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "config", "Parse", "validate")
	}
	return cfg, nil
}

// formatOf returns "json" or "yaml" from the file extension, or ""
func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return ""
	}
}

func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readLayer(path)
	if err != nil {
		return nil, err
	}
	return decodeDocument(data, formatOf(path))
}

func decodeDocument(data []byte, format string) (map[string]any, error) {
	var raw map[string]any
	switch format {
	case "json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		// normalize YAML scalars to their JSON forms
		normalized, err := roundTrip(raw)
		if err != nil {
			return nil, err
		}
		raw = normalized
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := checkDepth(raw, 1); err != nil {
		return nil, err
	}
	return raw, nil
}

func roundTrip(v map[string]any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// deepMergeMaps recursively merges two maps, with override taking
// precedence. Lists are replaced, not appended.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// envOverride maps one environment variable onto a document path
type envOverride struct {
	suffix string
	path   []string
	kind   string // string, int, bool, list
}

var envOverrides = []envOverride{
	{"SERVICE_NAME", []string{"service", "name"}, "string"},
	{"LOG_LEVEL", []string{"service", "log_level"}, "string"},
	{"LOG_FORMAT", []string{"service", "log_format"}, "string"},
	{"NATS_URL", []string{"nats", "url"}, "string"},
	{"NATS_USERNAME", []string{"nats", "username"}, "string"},
	{"NATS_PASSWORD", []string{"nats", "password"}, "string"},
	{"NATS_TOKEN", []string{"nats", "token"}, "string"},
	{"TRANSPORT_KIND", []string{"transport", "kind"}, "string"},
	{"STORAGE_BACKEND", []string{"storage", "backend"}, "string"},
	{"STORAGE_BUCKET", []string{"storage", "bucket"}, "string"},
	{"METRICS_ENABLED", []string{"metrics", "enabled"}, "bool"},
	{"METRICS_PORT", []string{"metrics", "port"}, "int"},
}

// applyEnvOverrides applies environment variable overrides to the merged document
func (l *Loader) applyEnvOverrides(doc map[string]any) error {
	for _, o := range envOverrides {
		key := l.envPrefix + "_" + o.suffix
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			continue
		}
		if err := checkEnvValue(key, val); err != nil {
			return err
		}

		var value any = val
		switch o.kind {
		case "int":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			value = float64(n)
		case "bool":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			value = b
		}
		setPath(doc, o.path, value)
	}
	return nil
}

func setPath(doc map[string]any, path []string, value any) {
	current := doc
	for _, key := range path[:len(path)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[key] = next
		}
		current = next
	}
	current[path[len(path)-1]] = value
}
