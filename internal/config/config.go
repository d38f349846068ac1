// Package config loads the broker's nested YAML configuration and overlays
// environment variables on top, the way the teacher's cli package loads
// its YAML config — except here env vars take precedence, via
// github.com/caarlos0/env/v10, so the same config file can be shared
// across environments without copies.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// Config is the complete system configuration. YAML tags match the file
// shape; env tags let any field be overridden without editing the file.
type Config struct {
	Store struct {
		Addr     string `yaml:"addr" env:"STORE_ADDR" envDefault:"localhost:6379"`
		Password string `yaml:"password" env:"STORE_PASSWORD"`
		DB       int    `yaml:"db" env:"STORE_DB" envDefault:"0"`
	} `yaml:"store"`

	Submit struct {
		DefaultPriority   int `yaml:"default_priority" env:"SUBMIT_DEFAULT_PRIORITY" envDefault:"50"`
		DefaultMaxRetries int `yaml:"default_max_retries" env:"SUBMIT_DEFAULT_MAX_RETRIES" envDefault:"3"`
	} `yaml:"submit"`

	Worker struct {
		PollInterval      time.Duration `yaml:"poll_interval" env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
		MaxConcurrentJobs int           `yaml:"max_concurrent_jobs" env:"WORKER_MAX_CONCURRENT_JOBS" envDefault:"1"`
		JobTimeout        time.Duration `yaml:"job_timeout" env:"WORKER_JOB_TIMEOUT" envDefault:"30m"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"30s"`
		StrictMatching    bool          `yaml:"strict_matching" env:"WORKER_STRICT_MATCHING" envDefault:"false"`
	} `yaml:"worker"`

	Reclaimer struct {
		ScanInterval     time.Duration `yaml:"scan_interval" env:"RECLAIMER_SCAN_INTERVAL" envDefault:"60s"`
		HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" env:"RECLAIMER_HEARTBEAT_TIMEOUT" envDefault:"120s"`
		ProgressTimeout  time.Duration `yaml:"progress_timeout" env:"RECLAIMER_PROGRESS_TIMEOUT" envDefault:"300s"`
	} `yaml:"reclaimer"`

	Broadcaster struct {
		MaxMessageBytes   int           `yaml:"max_message_bytes" env:"BROADCASTER_MAX_MESSAGE_BYTES" envDefault:"104857600"`
		ChunkBytes        int           `yaml:"chunk_bytes" env:"BROADCASTER_CHUNK_BYTES" envDefault:"1048576"`
		StatsInterval     time.Duration `yaml:"stats_interval" env:"BROADCASTER_STATS_INTERVAL" envDefault:"5s"`
		ConnectionTimeout time.Duration `yaml:"connection_timeout" env:"BROADCASTER_CONNECTION_TIMEOUT" envDefault:"60s"`
	} `yaml:"broadcaster"`

	HTTP struct {
		Addr string `yaml:"addr" env:"HTTP_ADDR" envDefault:":8080"`
	} `yaml:"http"`

	Metrics struct {
		Enabled bool `yaml:"enabled" env:"METRICS_ENABLED" envDefault:"true"`
		Addr    string `yaml:"addr" env:"METRICS_ADDR" envDefault:":9090"`
	} `yaml:"metrics"`
}

// Load reads path as YAML (if it exists) and overlays environment
// variables on top. A missing file is not an error: defaults plus
// environment overrides are sufficient to run.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: apply environment overrides: %w", err)
	}
	return &cfg, nil
}
