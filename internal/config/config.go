// Package config loads operational settings for every Jobmon agent binary
// from environment variables (prefixed JOBMON_) and an optional
// jobmon.yaml, env taking precedence over file — the same viper precedence
// the teacher repository uses for its own Config.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HeartbeatConfig controls the interval/buffer pair used by the swarm,
// distributor and worker to extend report_by_date deadlines.
type HeartbeatConfig struct {
	WorkflowRunInterval  time.Duration `mapstructure:"workflow_run_interval"`
	TaskInstanceInterval time.Duration `mapstructure:"task_instance_interval"`
	ReportByBuffer       float64       `mapstructure:"report_by_buffer"`
}

// DistributorConfig controls distributor polling and chunk sizing.
type DistributorConfig struct {
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	InstantiateChunkSize int           `mapstructure:"instantiate_chunk_size"`
}

// SwarmConfig controls swarm resume/sync behavior.
type SwarmConfig struct {
	EdgeChunkSize      int           `mapstructure:"edge_chunk_size"`
	WedgedSyncInterval time.Duration `mapstructure:"wedged_sync_interval"`
	MaxBatchSize       int           `mapstructure:"max_batch_size"`
}

// WorkerConfig controls worker subprocess handling.
type WorkerConfig struct {
	CommandInterruptTimeout time.Duration `mapstructure:"command_interrupt_timeout"`
}

// ServerConfig controls the state server's HTTP bind and queue-batch
// contention handling.
type ServerConfig struct {
	BindAddress     string `mapstructure:"bind_address"`
	QueueChunkSize  int    `mapstructure:"queue_chunk_size"`
	QueueMaxRetries int    `mapstructure:"queue_max_retries"`
}

// EventsConfig controls the JetStream event bus used for the Synchronizer's
// accelerated sync path and resume-request fan-out. It is an optimization
// over the HTTP poll loop, never required for correctness, so Enabled
// defaults to an embedded single-node stream that needs no external setup.
type EventsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Embedded      bool   `mapstructure:"embedded"`
	URL           string `mapstructure:"url"`
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	ConsumerName  string `mapstructure:"consumer_name"`
}

// Config is the root configuration object shared by all agent binaries;
// each binary only reads the sub-config it needs.
type Config struct {
	DatabaseURL    string `mapstructure:"database_url"`
	StateServerURL string `mapstructure:"state_server_url"`
	Debug          bool   `mapstructure:"debug"`
	ClusterPlugin  string `mapstructure:"cluster_plugin"`

	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	Distributor DistributorConfig `mapstructure:"distributor"`
	Swarm       SwarmConfig       `mapstructure:"swarm"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Server      ServerConfig      `mapstructure:"server"`
	Events      EventsConfig      `mapstructure:"events"`
}

// Load reads configuration from (in ascending precedence) defaults,
// ./jobmon.yaml, then JOBMON_-prefixed environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("jobmon")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/jobmon")

	v.SetEnvPrefix("JOBMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "jobmon.db")
	v.SetDefault("state_server_url", "http://127.0.0.1:8080")
	v.SetDefault("debug", false)
	v.SetDefault("cluster_plugin", "local")

	v.SetDefault("heartbeat.workflow_run_interval", 30*time.Second)
	v.SetDefault("heartbeat.task_instance_interval", 30*time.Second)
	v.SetDefault("heartbeat.report_by_buffer", 1.5)

	v.SetDefault("distributor.poll_interval", 10*time.Second)
	v.SetDefault("distributor.instantiate_chunk_size", 500)

	v.SetDefault("swarm.edge_chunk_size", 500)
	v.SetDefault("swarm.wedged_sync_interval", 10*time.Minute)
	v.SetDefault("swarm.max_batch_size", 500)

	v.SetDefault("worker.command_interrupt_timeout", 5*time.Second)

	v.SetDefault("server.bind_address", ":8080")
	v.SetDefault("server.queue_chunk_size", 1000)
	v.SetDefault("server.queue_max_retries", 5)

	v.SetDefault("events.enabled", true)
	v.SetDefault("events.embedded", true)
	v.SetDefault("events.stream", "JOBMON_EVENTS")
	v.SetDefault("events.subject_prefix", "jobmon")
	v.SetDefault("events.consumer_name", "jobmon-sync")
}
