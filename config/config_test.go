package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/history"
	"github.com/c360/semstreams-ros/qos"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func envOf(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDefault_StockSubscriber(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.Topics, 3)
	assert.Equal(t, "zenoh_sub", cfg.Node.Name)

	tf, ok := cfg.Topic("/tf")
	require.True(t, ok)
	p, err := tf.Profile()
	require.NoError(t, err)
	assert.Equal(t, qos.DurabilityVolatile, p.Durability)
	assert.Equal(t, 100, p.Depth)

	static, ok := cfg.Topic("/tf_static")
	require.True(t, ok)
	p, err = static.Profile()
	require.NoError(t, err)
	assert.True(t, p.IsTransientLocal())
	assert.Equal(t, 1, p.Depth)
	req, err := static.Request()
	require.NoError(t, err)
	assert.Equal(t, history.DefaultRequest(), req)

	cloud, ok := cfg.Topic("/point_cloud")
	require.True(t, ok)
	p, err = cloud.Profile()
	require.NoError(t, err)
	assert.Equal(t, qos.ReliabilityBestEffort, p.Reliability)
	assert.Equal(t, 5, p.Depth)
	assert.Equal(t, "sensor_msgs/msg/PointCloud2", cloud.Type)

	_, ok = cfg.Topic("/missing")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Bus.Backend = "zenoh" }},
		{"no urls", func(c *Config) { c.Bus.URLs = nil }},
		{"dotted subject root", func(c *Config) { c.Bus.SubjectRoot = "a.b" }},
		{"half tls", func(c *Config) { c.Bus.TLS = TLSConfig{Enabled: true, CertFile: "c.pem"} }},
		{"empty node name", func(c *Config) { c.Node.Name = "" }},
		{"slash in node name", func(c *Config) { c.Node.Name = "a/b" }},
		{"relative namespace", func(c *Config) { c.Node.Namespace = "ns" }},
		{"domain too large", func(c *Config) { c.Node.Domain = 233 }},
		{"no topics", func(c *Config) { c.Topics = nil }},
		{"duplicate topic", func(c *Config) { c.Topics = append(c.Topics, c.Topics[0]) }},
		{"bad type", func(c *Config) { c.Topics[0].Type = "TFMessage" }},
		{"bad key", func(c *Config) { c.Topics[0].Key = "a//b" }},
		{"bad reliability", func(c *Config) { c.Topics[0].QoS.Reliability = "sometimes" }},
		{"bad durability", func(c *Config) { c.Topics[0].QoS.Durability = "persistent" }},
		{"negative depth", func(c *Config) { c.Topics[0].QoS.Depth = -1 }},
		{"history on volatile", func(c *Config) { c.Topics[0].History = &HistoryConfig{MaxSamples: 1} }},
		{"bad miss detection", func(c *Config) { c.Topics[1].History.MissDetection = "gossip" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad metrics port", func(c *Config) { c.Metrics = MetricsConfig{Enabled: true, Port: 70000} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
		})
	}
}

func TestValidate_MemoryBackendNeedsNoURLs(t *testing.T) {
	cfg := Default()
	cfg.Bus.Backend = BackendMemory
	cfg.Bus.URLs = nil
	assert.NoError(t, cfg.Validate())
}

func TestLoader_YAMLLayer(t *testing.T) {
	path := writeFile(t, "site.yaml", `
bus:
  urls: ["nats://a:4222", "nats://b:4222"]
  token_ttl: 1m
  query_quiet: 100ms
node:
  domain: 7
  name: bridge
topics:
  - name: /scan_cloud
    type: sensor_msgs/msg/PointCloud2
    qos: {reliability: best_effort, depth: 10}
  - name: /tf_static
    type: tf2_msgs/msg/TFMessage
    qos: {durability: transient_local}
    history:
      max_samples: 0
      detect_late_publishers: false
      miss_detection: none
      query_timeout: 2s
`)
	l := NewLoader().withEnv(noEnv)
	l.AddLayer(path)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.Bus.URLs)
	assert.Equal(t, time.Minute, cfg.Bus.TokenTTL.Std())
	assert.Equal(t, 100*time.Millisecond, cfg.Bus.QueryQuiet.Std())
	assert.Equal(t, "ros", cfg.Bus.SubjectRoot, "unset fields keep defaults")
	assert.Equal(t, uint32(7), cfg.Node.Domain)
	assert.Equal(t, "bridge", cfg.Node.Name)

	require.Len(t, cfg.Topics, 2, "topics replace the defaults")
	static, _ := cfg.Topic("/tf_static")
	req, err := static.Request()
	require.NoError(t, err)
	assert.Equal(t, history.Request{MissDetection: history.MissNone, QueryTimeout: 2 * time.Second}, req)
	p, err := static.Profile()
	require.NoError(t, err)
	assert.Equal(t, qos.DefaultDepth, p.Depth)
}

func TestLoader_YAMLTopicsOnlyReplacedWhenPresent(t *testing.T) {
	site := writeFile(t, "site.yaml", `
topics:
  - name: /odom_tf
    type: tf2_msgs/msg/TFMessage
`)
	local := writeFile(t, "local.yml", "log:\n  level: debug\n")

	l := NewLoader().withEnv(noEnv)
	l.AddLayer(site)
	l.AddLayer(local)
	cfg, err := l.Load()
	require.NoError(t, err)
	require.Len(t, cfg.Topics, 1)
	assert.Equal(t, "/odom_tf", cfg.Topics[0].Name)
	assert.Equal(t, "debug", cfg.Log.Level)

	only := NewLoader().withEnv(noEnv)
	only.AddLayer(local)
	cfg, err = only.Load()
	require.NoError(t, err)
	assert.Len(t, cfg.Topics, len(Default().Topics))
}

func TestLoader_JSONLayersOverride(t *testing.T) {
	base := writeFile(t, "base.json", `{"log": {"level": "debug", "format": "text"}, "metrics": {"enabled": true, "port": 9200}}`)
	site := writeFile(t, "site.json", `{"log": {"level": "warn", "format": "text"}}`)

	l := NewLoader().withEnv(noEnv)
	l.AddLayer(base)
	l.AddLayer(site)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9200, cfg.Metrics.Port)
	assert.Len(t, cfg.Topics, 3)
}

func TestLoader_Rejects(t *testing.T) {
	tests := []struct {
		name, file, content string
	}{
		{"unknown field json", "c.json", `{"bus": {"backend": "nats", "colour": "red"}}`},
		{"unknown field yaml", "c.yaml", "node:\n  nickname: x\n"},
		{"bad duration", "c.yaml", "bus:\n  token_ttl: soon\n"},
		{"wrong extension", "c.toml", "x = 1"},
		{"deep json", "c.json", strings.Repeat("[", maxNestDepth+1) + strings.Repeat("]", maxNestDepth+1)},
		{"invalid result", "c.json", `{"node": {"name": ""}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader().withEnv(noEnv)
			l.AddLayer(writeFile(t, tt.file, tt.content))
			_, err := l.Load()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoader_EnvOverrides(t *testing.T) {
	l := NewLoader().withEnv(envOf(map[string]string{
		"ROS_DOMAIN_ID":              "3",
		"ROSBRIDGE_NATS_URLS":        "nats://x:1, nats://y:2,",
		"ROSBRIDGE_NODE_NAME":        "listener",
		"ROSBRIDGE_TOKEN_TTL":        "1d",
		"ROSBRIDGE_METRICS_ENABLED":  "true",
		"ROSBRIDGE_METRICS_PORT":     "9300",
		"ROSBRIDGE_LOG_LEVEL":        "debug",
		"ROSBRIDGE_NATS_PASSWORD":    "secret",
		"ROSBRIDGE_UNRELATED_OPTION": "ignored",
	}))
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, uint32(3), cfg.Node.Domain)
	assert.Equal(t, []string{"nats://x:1", "nats://y:2"}, cfg.Bus.URLs)
	assert.Equal(t, "listener", cfg.Node.Name)
	assert.Equal(t, 24*time.Hour, cfg.Bus.TokenTTL.Std())
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9300, cfg.Metrics.Port)
	assert.Equal(t, "debug", cfg.Log.Level)

	assert.NotContains(t, cfg.String(), "secret")
	assert.Contains(t, cfg.String(), `"***"`)
}

func TestLoader_EnvPrefixedDomainWins(t *testing.T) {
	cfg, err := NewLoader().withEnv(envOf(map[string]string{
		"ROS_DOMAIN_ID":       "3",
		"ROSBRIDGE_DOMAIN_ID": "9",
	})).Load()
	require.NoError(t, err)
	assert.Equal(t, uint32(9), cfg.Node.Domain)
}

func TestLoader_BadEnv(t *testing.T) {
	for name, vars := range map[string]map[string]string{
		"domain":  {"ROS_DOMAIN_ID": "minus one"},
		"port":    {"ROSBRIDGE_METRICS_PORT": "ninety"},
		"bool":    {"ROSBRIDGE_METRICS_ENABLED": "perhaps"},
		"null":    {"ROSBRIDGE_NODE_NAME": "a\x00b"},
		"ttl":     {"ROSBRIDGE_TOKEN_TTL": "forever"},
		"backend": {"ROSBRIDGE_BUS_BACKEND": "carrier-pigeon"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewLoader().withEnv(envOf(vars)).Load()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestDuration_Encoding(t *testing.T) {
	var holder struct {
		D Duration `json:"d" yaml:"d"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"d": "1500ms"}`), &holder))
	assert.Equal(t, 1500*time.Millisecond, holder.D.Std())

	require.NoError(t, json.Unmarshal([]byte(`{"d": 2000000000}`), &holder))
	assert.Equal(t, 2*time.Second, holder.D.Std())

	require.NoError(t, yaml.Unmarshal([]byte("d: 2d\n"), &holder))
	assert.Equal(t, 48*time.Hour, holder.D.Std())

	data, err := json.Marshal(holder)
	require.NoError(t, err)
	assert.JSONEq(t, `{"d": "48h0m0s"}`, string(data))

	assert.Error(t, json.Unmarshal([]byte(`{"d": true}`), &holder))
	assert.Error(t, yaml.Unmarshal([]byte("d: [1]\n"), &holder))
}
