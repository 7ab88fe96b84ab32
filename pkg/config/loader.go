package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. AGENTFLOW_LLM_MODEL or AGENTFLOW_AGENT_MAX_STEPS.
const EnvPrefix = "AGENTFLOW_"

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

//nolint:gochecknoglobals // validator caches struct metadata
var validate = validator.New(validator.WithRequiredStructEnabled())

var durationType = reflect.TypeOf(time.Duration(0))

// Load reads a YAML or JSON config file, substitutes ${VAR} references, applies AGENTFLOW_* overrides
// and defaults, then validates the result.
func Load(path string) (SystemConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SystemConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return SystemConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when it is set, otherwise starts from Default. Overrides and validation apply either way.
func LoadOrDefault(path string) (SystemConfig, error) {
	if path != "" {
		return Load(path)
	}
	cfg := SystemConfig{}
	return finish(&cfg)
}

// Parse decodes a config document. JSON is accepted because it is valid YAML.
func Parse(data []byte) (SystemConfig, error) {
	expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		if value, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return value
		}
		return match
	})

	var cfg SystemConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return SystemConfig{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return finish(&cfg)
}

func finish(cfg *SystemConfig) (SystemConfig, error) {
	if err := applyEnvOverrides(cfg); err != nil {
		return SystemConfig{}, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return SystemConfig{}, fmt.Errorf("config validation failed: %w", err)
	}
	return *cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *SystemConfig) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.LLM.Provider == "" {
		return fmt.Errorf("llm.provider is not set and cannot be inferred from model %q", cfg.LLM.Model)
	}
	if _, err := cfg.MCP.EnabledServers(); err != nil {
		return err
	}
	if cfg.Metrics.PrometheusURL != "" && !cfg.Metrics.Enabled {
		return errors.New("metrics.prometheus_url requires metrics.enabled")
	}
	return nil
}

// Save writes cfg to path, as JSON when the extension is .json and YAML otherwise.
func Save(path string, cfg *SystemConfig) error {
	data, err := yaml.Marshal(cfg)
	if err == nil && strings.EqualFold(filepath.Ext(path), ".json") {
		// Round trip through YAML so durations stay human readable ("30s") in JSON too.
		var doc map[string]any
		if err = yaml.Unmarshal(data, &doc); err == nil {
			data, err = json.MarshalIndent(doc, "", "  ")
		}
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Redacted returns a copy safe to print: MCP auth tokens and env values are masked.
func (c SystemConfig) Redacted() SystemConfig {
	out := c
	out.MCP.Servers = make(map[string]MCPServerConfig, len(c.MCP.Servers))
	for name, srv := range c.MCP.Servers {
		if srv.AuthToken != "" {
			srv.AuthToken = "****"
		}
		if len(srv.Env) > 0 {
			env := maps.Clone(srv.Env)
			for k := range env {
				env[k] = "****"
			}
			srv.Env = env
		}
		out.MCP.Servers[name] = srv
	}
	return out
}

func applyEnvOverrides(cfg *SystemConfig) error {
	return applyEnvOverridesRecursive(reflect.ValueOf(cfg).Elem(), EnvPrefix)
}

func applyEnvOverridesRecursive(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		tag := fieldType.Tag.Get("yaml")
		if tag == "" || tag == "-" {
			continue
		}
		envKey := prefix + strings.ToUpper(strings.Split(tag, ",")[0])

		if field.Kind() == reflect.Struct {
			if err := applyEnvOverridesRecursive(field, envKey+"_"); err != nil {
				return err
			}
			continue
		}
		if envValue, ok := os.LookupEnv(envKey); ok {
			if err := setFieldFromEnv(field, envValue); err != nil {
				return fmt.Errorf("%s: %w", envKey, err)
			}
		}
	}
	return nil
}

func setFieldFromEnv(field reflect.Value, envValue string) error {
	if !field.CanSet() {
		return nil
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(envValue)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(envValue, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(envValue, 64)
		if err != nil {
			return fmt.Errorf("invalid number: %w", err)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(envValue)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return nil
		}
		var items []string
		for _, part := range strings.Split(envValue, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		field.Set(reflect.ValueOf(items))
	}
	return nil
}
