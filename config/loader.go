package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/semstreams-ros/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROSBRIDGE_"

// Loader builds a Config from the defaults, then each layer file in order,
// then the environment.
type Loader struct {
	layers []string
	env    func(string) (string, bool)
	logger *slog.Logger
}

// NewLoader creates a loader reading the process environment.
func NewLoader() *Loader {
	return &Loader{env: os.LookupEnv, logger: slog.Default()}
}

// AddLayer appends a configuration file. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// WithLogger sets the logger used for override notices.
func (l *Loader) WithLogger(logger *slog.Logger) *Loader {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// withEnv replaces the environment lookup. Used by tests.
func (l *Loader) withEnv(lookup func(string) (string, bool)) *Loader {
	l.env = lookup
	return l
}

// Load merges the layers and the environment and validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	for _, path := range l.layers {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is NewLoader with a single layer.
func LoadFile(path string) (*Config, error) {
	l := NewLoader()
	l.AddLayer(path)
	return l.Load()
}

// decodeFile overlays one file onto cfg. A file that sets "topics" replaces the
// default topic list rather than merging with it.
func decodeFile(path string, cfg *Config) error {
	data, err := safeReadFile(path)
	if err != nil {
		return errors.WrapInvalid(err, "Loader", "Load", "read "+path)
	}
	format, _ := formatFor(path)

	switch format {
	case formatYAML:
		var peek struct {
			Topics yaml.Node `yaml:"topics"`
		}
		if err := yaml.Unmarshal(data, &peek); err != nil {
			return errors.WrapInvalid(err, "Loader", "Load", "parse "+path)
		}
		if peek.Topics.Kind != 0 {
			cfg.Topics = nil
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return errors.WrapInvalid(err, "Loader", "Load", "parse "+path)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return errors.WrapInvalid(err, "Loader", "Load", "check "+path)
		}
		var peek struct {
			Topics json.RawMessage `json:"topics"`
		}
		if err := json.Unmarshal(data, &peek); err != nil {
			return errors.WrapInvalid(err, "Loader", "Load", "parse "+path)
		}
		if peek.Topics != nil {
			cfg.Topics = nil
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return errors.WrapInvalid(err, "Loader", "Load", "parse "+path)
		}
	}
	return nil
}

// applyEnvOverrides reads ROSBRIDGE_* variables.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) error {
		v, ok := l.env(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		if err := validateEnvVar(EnvPrefix+name, v); err != nil {
			return err
		}
		*dst = v
		l.logger.Debug("Config override from environment", "var", EnvPrefix+name)
		return nil
	}
	num := func(name string, set func(int64)) error {
		var s string
		if err := str(name, &s); err != nil || s == "" {
			return err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		set(n)
		return nil
	}
	dur := func(name string, dst *Duration) error {
		var s string
		if err := str(name, &s); err != nil || s == "" {
			return err
		}
		if err := dst.set(s); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		return nil
	}
	boolean := func(name string, dst *bool) error {
		var s string
		if err := str(name, &s); err != nil || s == "" {
			return err
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
		return nil
	}

	// The standard ROS variable applies first; the prefixed one wins.
	if v, ok := l.env("ROS_DOMAIN_ID"); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("ROS_DOMAIN_ID: %w", err), "Loader", "Load", "environment override")
		}
		cfg.Node.Domain = uint32(n)
	}

	var urls string
	steps := []error{
		str("BUS_BACKEND", &cfg.Bus.Backend),
		str("NATS_URLS", &urls),
		str("NATS_USER", &cfg.Bus.Username),
		str("NATS_PASSWORD", &cfg.Bus.Password),
		str("NATS_TOKEN", &cfg.Bus.Token),
		str("SUBJECT_ROOT", &cfg.Bus.SubjectRoot),
		str("TOKEN_BUCKET", &cfg.Bus.TokenBucket),
		dur("TOKEN_TTL", &cfg.Bus.TokenTTL),
		dur("QUERY_QUIET", &cfg.Bus.QueryQuiet),
		num("DOMAIN_ID", func(n int64) { cfg.Node.Domain = uint32(n) }),
		str("NODE_NAME", &cfg.Node.Name),
		str("NODE_NAMESPACE", &cfg.Node.Namespace),
		str("LOG_LEVEL", &cfg.Log.Level),
		str("LOG_FORMAT", &cfg.Log.Format),
		boolean("METRICS_ENABLED", &cfg.Metrics.Enabled),
		num("METRICS_PORT", func(n int64) { cfg.Metrics.Port = int(n) }),
	}
	for _, err := range steps {
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "Load", "environment override")
		}
	}
	if urls != "" {
		cfg.Bus.URLs = cfg.Bus.URLs[:0]
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.Bus.URLs = append(cfg.Bus.URLs, u)
			}
		}
	}
	return nil
}
