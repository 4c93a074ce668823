package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
	"unicode"

	"github.com/c360/stepstreams/message"
	"github.com/c360/stepstreams/pipeline"
	"github.com/c360/stepstreams/pkg/tlsutil"
	"github.com/c360/stepstreams/storage"
	"github.com/c360/stepstreams/stream"
)

// Transport kinds
const (
	TransportJetStream = "jetstream"
	TransportMemory    = "memory"
)

// Config is the complete service configuration
type Config struct {
	Service   ServiceConfig    `json:"service"`
	NATS      NATSConfig       `json:"nats"`
	Transport TransportConfig  `json:"transport"`
	Storage   storage.Config   `json:"storage"`
	Metrics   MetricsConfig    `json:"metrics"`
	Pipelines []PipelineConfig `json:"pipelines"`
}

// ServiceConfig identifies the process and sets engine-wide defaults
type ServiceConfig struct {
	Name      string `json:"name"`
	LogLevel  string `json:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty"`
	// GroupTimeout is the deadline of collector groups that declare none
	GroupTimeout Duration `json:"group_timeout,omitempty"`
	// ShutdownTimeout bounds how long Stop waits for consumers to drain
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty"`
}

// NATSConfig defines the NATS connection
type NATSConfig struct {
	URL           string   `json:"url"`
	Name          string   `json:"name,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`
	MaxReconnects int      `json:"max_reconnects,omitempty"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty"`
	Timeout       Duration `json:"timeout,omitempty"`

	TLS *tlsutil.ClientConfig `json:"tls,omitempty"`
}

// TransportConfig selects the stream transport used at shuffles
type TransportConfig struct {
	Kind          string   `json:"kind"`
	StreamPrefix  string   `json:"stream_prefix,omitempty"`
	SubjectPrefix string   `json:"subject_prefix,omitempty"`
	AckWait       Duration `json:"ack_wait,omitempty"`
	MaxDeliver    int      `json:"max_deliver,omitempty"`
	MaxAge        Duration `json:"max_age,omitempty"`
	Replicas      int      `json:"replicas,omitempty"`
	MemoryStorage bool     `json:"memory_storage,omitempty"`
}

// JetStream returns the transport settings as a stream.JetStreamConfig
// with unset fields defaulted
func (t TransportConfig) JetStream() stream.JetStreamConfig {
	cfg := stream.DefaultJetStreamConfig()
	if t.StreamPrefix != "" {
		cfg.StreamPrefix = t.StreamPrefix
	}
	if t.SubjectPrefix != "" {
		cfg.SubjectPrefix = t.SubjectPrefix
	}
	if t.AckWait > 0 {
		cfg.AckWait = t.AckWait.Duration()
	}
	if t.MaxDeliver != 0 {
		cfg.MaxDeliver = t.MaxDeliver
	}
	if t.Replicas > 0 {
		cfg.Replicas = t.Replicas
	}
	cfg.MaxAge = t.MaxAge.Duration()
	cfg.MemoryStorage = t.MemoryStorage
	return cfg
}

// MetricsConfig configures the /metrics and /health server
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// PipelineConfig is a pipeline definition plus the settings of the
// consumers that resume it after each shuffle
type PipelineConfig struct {
	pipeline.DefinitionSpec
	Consumer ConsumerConfig `json:"consumer,omitzero"`
}

// ConsumerConfig tunes the stream consumers of one pipeline
type ConsumerConfig struct {
	// Group defaults to the pipeline name
	Group         string   `json:"group,omitempty"`
	Datatypes     []string `json:"datatypes,omitempty"`
	BatchSize     int      `json:"batch_size,omitempty"`
	Timeout       Duration `json:"timeout,omitempty"`
	BatchInterval Duration `json:"batch_interval,omitempty"`
	Concurrency   int      `json:"concurrency,omitempty"`
	NakOnFailure  bool     `json:"nak_on_failure,omitempty"`
	DrainTimeout  Duration `json:"drain_timeout,omitempty"`
}

// StreamConfig converts the settings for one source stream of pipelineName
func (c ConsumerConfig) StreamConfig(pipelineName, source string) (stream.ConsumerConfig, error) {
	group := c.Group
	if group == "" {
		group = pipelineName
	}

	types := make([]message.Type, 0, len(c.Datatypes))
	for _, s := range c.Datatypes {
		t, err := message.ParseType(s)
		if err != nil {
			return stream.ConsumerConfig{}, fmt.Errorf("datatype %q: %w", s, err)
		}
		types = append(types, t)
	}

	return stream.ConsumerConfig{
		Stream:        source,
		Group:         group,
		Datatypes:     types,
		BatchSize:     c.BatchSize,
		Timeout:       c.Timeout.Duration(),
		BatchInterval: c.BatchInterval.Duration(),
		Concurrency:   c.Concurrency,
		NakOnFailure:  c.NakOnFailure,
		DrainTimeout:  c.DrainTimeout.Duration(),
	}, nil
}

// Defaults returns the configuration every loaded file is merged onto
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "stepstreams",
			LogLevel:        "info",
			LogFormat:       "json",
			GroupTimeout:    Duration(pipeline.DefaultGroupTimeout),
			ShutdownTimeout: Duration(30 * time.Second),
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			Timeout:       Duration(5 * time.Second),
		},
		Transport: TransportConfig{Kind: TransportJetStream},
		Storage:   storage.Config{Backend: storage.BackendKV, Bucket: "stepstreams"},
		Metrics:   MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
	}
}

// Validate checks the configuration after merging and overrides. Stage
// names are resolved later, against the stage registry.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return errors.New("service.name is required")
	}

	switch c.Transport.Kind {
	case TransportJetStream:
		if c.NATS.URL == "" {
			return errors.New("nats.url is required for the jetstream transport")
		}
	case TransportMemory:
	default:
		return fmt.Errorf("transport.kind must be %s or %s, got %q", TransportJetStream, TransportMemory, c.Transport.Kind)
	}

	switch c.Storage.Backend {
	case storage.BackendKV, storage.BackendObject:
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required")
		}
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for the %s storage backend", c.Storage.Backend)
		}
	case storage.BackendMemory:
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}

	if c.NATS.TLS != nil {
		if err := c.NATS.TLS.Validate(); err != nil {
			return fmt.Errorf("nats.tls: %w", err)
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d is out of range", c.Metrics.Port)
	}

	if err := checkPipelineLimits(c.Pipelines); err != nil {
		return err
	}

	names := make([]string, 0, len(c.Pipelines))
	for i, p := range c.Pipelines {
		if p.Name == "" {
			return fmt.Errorf("pipelines[%d].name is required", i)
		}
		if slices.Contains(names, p.Name) {
			return fmt.Errorf("pipeline %s is defined twice", p.Name)
		}
		names = append(names, p.Name)

		if len(p.Stages) == 0 {
			return fmt.Errorf("pipeline %s has no stages", p.Name)
		}
		group := p.Consumer.Group
		if group == "" {
			group = p.Name
		}
		if !isValidNATSSubjectPart(group) {
			return fmt.Errorf("pipeline %s: consumer group %q must be alphanumeric with dots, dashes and underscores",
				p.Name, group)
		}
		if p.Consumer.Concurrency < 0 || p.Consumer.BatchSize < 0 {
			return fmt.Errorf("pipeline %s: consumer concurrency and batch_size cannot be negative", p.Name)
		}
		if _, err := p.Consumer.StreamConfig(p.Name, ""); err != nil {
			return fmt.Errorf("pipeline %s: %w", p.Name, err)
		}
	}
	return nil
}

// Pipeline returns the named pipeline configuration
func (c *Config) Pipeline(name string) (PipelineConfig, bool) {
	for _, p := range c.Pipelines {
		if p.Name == name {
			return p, true
		}
	}
	return PipelineConfig{}, false
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}

	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// String returns a JSON representation with credentials masked
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}
