package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/history"
	"github.com/c360/semstreams-ros/keyexpr"
	"github.com/c360/semstreams-ros/message"
	"github.com/c360/semstreams-ros/qos"
)

// Bus backends
const (
	BackendNATS   = "nats"   // NATS server with JetStream for liveliness
	BackendMemory = "memory" // In-process loopback bus
)

// MaxDomainID is the highest ROS domain id.
const MaxDomainID = 232

// Config is the complete subscriber configuration.
type Config struct {
	Bus     BusConfig     `json:"bus" yaml:"bus"`
	Node    NodeConfig    `json:"node" yaml:"node"`
	Topics  []TopicConfig `json:"topics" yaml:"topics"`
	Log     LogConfig     `json:"log" yaml:"log"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// BusConfig selects and configures the bus backend.
type BusConfig struct {
	Backend       string    `json:"backend" yaml:"backend"`
	URLs          []string  `json:"urls,omitempty" yaml:"urls,omitempty"`
	ClientName    string    `json:"client_name,omitempty" yaml:"client_name,omitempty"`
	MaxReconnects int       `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait Duration  `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	Username      string    `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string    `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string    `json:"token,omitempty" yaml:"token,omitempty"`
	TLS           TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`

	// SubjectRoot prefixes every data subject.
	SubjectRoot string `json:"subject_root,omitempty" yaml:"subject_root,omitempty"`
	// TokenBucket is the JetStream KV bucket holding liveliness tokens.
	TokenBucket string   `json:"token_bucket,omitempty" yaml:"token_bucket,omitempty"`
	TokenTTL    Duration `json:"token_ttl,omitempty" yaml:"token_ttl,omitempty"`
	// QueryQuiet is how long a history query waits after the last reply.
	QueryQuiet Duration `json:"query_quiet,omitempty" yaml:"query_quiet,omitempty"`
}

// TLSConfig for secure NATS connections
type TLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
}

// NodeConfig names the ROS node the subscriptions belong to.
type NodeConfig struct {
	Domain    uint32 `json:"domain" yaml:"domain"`
	Enclave   string `json:"enclave,omitempty" yaml:"enclave,omitempty"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Name      string `json:"name" yaml:"name"`
}

// TopicConfig describes one subscription.
type TopicConfig struct {
	Name string `json:"name" yaml:"name"`
	// Type is the ROS ("tf2_msgs/msg/TFMessage") or DDS type name.
	Type string `json:"type" yaml:"type"`
	// Key overrides the derived key expression.
	Key     string         `json:"key,omitempty" yaml:"key,omitempty"`
	QoS     QoSConfig      `json:"qos" yaml:"qos"`
	History *HistoryConfig `json:"history,omitempty" yaml:"history,omitempty"`
}

// QoSConfig is the subset of QoS settings a subscription advertises.
type QoSConfig struct {
	Reliability string `json:"reliability,omitempty" yaml:"reliability,omitempty"` // reliable, best_effort
	Durability  string `json:"durability,omitempty" yaml:"durability,omitempty"`   // volatile, transient_local
	Depth       int    `json:"depth,omitempty" yaml:"depth,omitempty"`
}

// HistoryConfig controls replay for transient-local topics.
type HistoryConfig struct {
	MaxSamples           int      `json:"max_samples" yaml:"max_samples"`
	DetectLatePublishers bool     `json:"detect_late_publishers" yaml:"detect_late_publishers"`
	MissDetection        string   `json:"miss_detection,omitempty" yaml:"miss_detection,omitempty"` // none, heartbeat
	QueryTimeout         Duration `json:"query_timeout,omitempty" yaml:"query_timeout,omitempty"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Default returns the configuration of the stock subscriber: /tf, /tf_static
// with history replay and /point_cloud.
func Default() *Config {
	tfStatic := history.DefaultRequest()
	return &Config{
		Bus: BusConfig{
			Backend:       BackendNATS,
			URLs:          []string{"nats://localhost:4222"},
			ClientName:    "ros-sub",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			SubjectRoot:   "ros",
			TokenBucket:   "ROS_LIVELINESS",
			TokenTTL:      Duration(30 * time.Second),
			QueryQuiet:    Duration(250 * time.Millisecond),
		},
		Node: NodeConfig{
			Enclave:   "/",
			Namespace: "/",
			Name:      "zenoh_sub",
		},
		Topics: []TopicConfig{
			{
				Name: "/tf",
				Type: message.TFMessageType.String(),
				QoS:  QoSConfig{Reliability: "reliable", Durability: "volatile", Depth: 100},
			},
			{
				Name: "/tf_static",
				Type: message.TFMessageType.String(),
				QoS:  QoSConfig{Reliability: "reliable", Durability: "transient_local", Depth: 1},
				History: &HistoryConfig{
					MaxSamples:           tfStatic.MaxSamples,
					DetectLatePublishers: tfStatic.DetectLatePublishers,
					MissDetection:        tfStatic.MissDetection.String(),
					QueryTimeout:         Duration(tfStatic.QueryTimeout),
				},
			},
			{
				Name: "/point_cloud",
				Type: message.PointCloud2Type.String(),
				QoS:  QoSConfig{Reliability: "best_effort", Durability: "volatile", Depth: 5},
			},
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
		"Config", "Validate", "configuration check")
}

// Validate checks the configuration and reports the first problem found.
func (c *Config) Validate() error {
	switch c.Bus.Backend {
	case BackendMemory:
	case BackendNATS:
		if len(c.Bus.URLs) == 0 {
			return invalid("bus.urls is required for the nats backend")
		}
		if c.Bus.TLS.Enabled && (c.Bus.TLS.CertFile == "") != (c.Bus.TLS.KeyFile == "") {
			return invalid("bus.tls needs both cert_file and key_file")
		}
		if c.Bus.SubjectRoot == "" || strings.ContainsAny(c.Bus.SubjectRoot, ".*> \t") {
			return invalid("bus.subject_root %q is not a single subject token", c.Bus.SubjectRoot)
		}
	default:
		return invalid("unknown bus.backend %q", c.Bus.Backend)
	}

	if c.Node.Name == "" || strings.ContainsAny(c.Node.Name, "/*") {
		return invalid("node.name %q must be a non-empty name without '/'", c.Node.Name)
	}
	if c.Node.Domain > MaxDomainID {
		return invalid("node.domain %d exceeds %d", c.Node.Domain, MaxDomainID)
	}
	if c.Node.Namespace != "" && !strings.HasPrefix(c.Node.Namespace, "/") {
		return invalid("node.namespace %q must be absolute", c.Node.Namespace)
	}

	if len(c.Topics) == 0 {
		return invalid("at least one topic is required")
	}
	seen := make(map[string]bool, len(c.Topics))
	for i, t := range c.Topics {
		if err := t.validate(); err != nil {
			return invalid("topics[%d]: %v", i, err)
		}
		if seen[t.Name] {
			return invalid("topics[%d]: duplicate topic %s", i, t.Name)
		}
		seen[t.Name] = true
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("unknown log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid("unknown log.format %q", c.Log.Format)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return invalid("metrics.port %d out of range", c.Metrics.Port)
	}
	return nil
}

func (t TopicConfig) validate() error {
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}
	if _, err := message.ParseType(t.Type); err != nil {
		return fmt.Errorf("type %q: %v", t.Type, err)
	}
	if t.Key != "" {
		if _, err := keyexpr.Parse(t.Key); err != nil {
			return fmt.Errorf("key %q: %v", t.Key, err)
		}
	}
	profile, err := t.Profile()
	if err != nil {
		return err
	}
	if t.History != nil {
		if !profile.IsTransientLocal() {
			return fmt.Errorf("history needs transient_local durability")
		}
		if _, err := t.Request(); err != nil {
			return err
		}
	}
	return nil
}

// Profile converts the QoS settings. Empty fields keep the ROS defaults.
func (t TopicConfig) Profile() (qos.Profile, error) {
	p := qos.Default()
	switch t.QoS.Reliability {
	case "", "reliable":
	case "best_effort":
		p.Reliability = qos.ReliabilityBestEffort
	default:
		return p, fmt.Errorf("unknown reliability %q", t.QoS.Reliability)
	}
	switch t.QoS.Durability {
	case "", "volatile":
	case "transient_local":
		p.Durability = qos.DurabilityTransientLocal
	default:
		return p, fmt.Errorf("unknown durability %q", t.QoS.Durability)
	}
	if t.QoS.Depth < 0 {
		return p, fmt.Errorf("negative depth %d", t.QoS.Depth)
	}
	if t.QoS.Depth > 0 {
		p.Depth = t.QoS.Depth
	}
	return p, nil
}

// Request converts the history settings; a topic without them gets
// history.DefaultRequest.
func (t TopicConfig) Request() (history.Request, error) {
	if t.History == nil {
		return history.DefaultRequest(), nil
	}
	mode, err := history.ParseMissDetection(t.History.MissDetection)
	if err != nil {
		return history.Request{}, err
	}
	if t.History.MaxSamples < 0 {
		return history.Request{}, fmt.Errorf("negative history.max_samples %d", t.History.MaxSamples)
	}
	return history.Request{
		MaxSamples:           t.History.MaxSamples,
		DetectLatePublishers: t.History.DetectLatePublishers,
		MissDetection:        mode,
		QueryTimeout:         t.History.QueryTimeout.Std(),
	}, nil
}

// Topic returns the topic configuration by name.
func (c *Config) Topic(name string) (TopicConfig, bool) {
	for _, t := range c.Topics {
		if t.Name == name {
			return t, true
		}
	}
	return TopicConfig{}, false
}

// String renders the configuration as indented JSON with credentials masked.
func (c *Config) String() string {
	masked := *c
	if masked.Bus.Password != "" {
		masked.Bus.Password = "***"
	}
	if masked.Bus.Token != "" {
		masked.Bus.Token = "***"
	}
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
