package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yuim/chatsync/internal/archive"
	"yuim/chatsync/internal/blob"
	"yuim/chatsync/internal/events"
	"yuim/chatsync/pkg/tree/redistree"
)

type Config struct {
	Env string `yaml:"env"`

	HTTP struct {
		Addr string `yaml:"addr"` // ":7001"
		// PublicURL is how clients reach this gateway; file URLs are built from it.
		PublicURL string `yaml:"public_url"`
	} `yaml:"http"`

	// Tree selects the realtime backend: "redis" or "memory" (single process).
	Tree struct {
		Driver string `yaml:"driver"`
	} `yaml:"tree"`
	Redis redistree.Settings `yaml:"redis"`

	Reaper struct {
		Tick  time.Duration `yaml:"tick"`
		Batch int           `yaml:"batch"`
	} `yaml:"reaper"`

	// Blob selects file storage: "memory", "http" (Supabase-style REST) or "jetstream".
	Blob struct {
		Driver  string        `yaml:"driver"`
		BaseURL string        `yaml:"base_url"`
		Bucket  string        `yaml:"bucket"`
		APIKey  string        `yaml:"api_key"`
		Timeout time.Duration `yaml:"timeout"`
		NATSURL string        `yaml:"nats_url"`
		// Breaker guards the remote drivers (http, jetstream).
		Breaker blob.BreakerOptions `yaml:"breaker"`
	} `yaml:"blob"`

	RocketMQ events.RocketMQSettings `yaml:"rocketmq"`
	Events   struct {
		QueueSize int `yaml:"queue_size"`
	} `yaml:"events"`

	Archive struct {
		Enabled         bool `yaml:"enabled"`
		archive.Options `yaml:",inline"`
	} `yaml:"archive"`

	WriteTimeout time.Duration `yaml:"write_timeout"`
	// OutQueue bounds frames waiting to be written to one socket.
	OutQueue int `yaml:"out_queue"`
}

// Load supports comma-separated config files: "-c common.yml,chat-gateway.yml".
// Later files override earlier ones.
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,chat-gateway.yml)")
	}
	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":7001"
	}
	if c.HTTP.PublicURL == "" {
		host := c.HTTP.Addr
		if strings.HasPrefix(host, ":") {
			host = "127.0.0.1" + host
		}
		c.HTTP.PublicURL = "http://" + host
	}
	if c.Tree.Driver == "" {
		c.Tree.Driver = "redis"
	}
	c.Redis = c.Redis.WithDefaults()
	if c.Blob.Driver == "" {
		c.Blob.Driver = "memory"
	}
	if c.Blob.Bucket == "" {
		c.Blob.Bucket = "chat-files"
	}
	if c.Blob.Timeout == 0 {
		c.Blob.Timeout = 30 * time.Second
	}
	if c.RocketMQ.Topic == "" {
		c.RocketMQ.Topic = "chat-events"
	}
	if c.RocketMQ.Group == "" {
		c.RocketMQ.Group = "chat-gateway"
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.OutQueue <= 0 {
		c.OutQueue = 64
	}
}

func (c *Config) validate() error {
	switch c.Tree.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("tree.driver %q: want redis or memory", c.Tree.Driver)
	}
	switch c.Blob.Driver {
	case "memory":
	case "http":
		if c.Blob.BaseURL == "" {
			return errors.New("blob.base_url required for the http driver")
		}
	case "jetstream":
		if c.Blob.NATSURL == "" {
			return errors.New("blob.nats_url required for the jetstream driver")
		}
	default:
		return fmt.Errorf("blob.driver %q: want memory, http or jetstream", c.Blob.Driver)
	}
	if c.Archive.Enabled && c.Archive.DSN == "" {
		return errors.New("archive.dsn required when the archive is enabled")
	}
	return nil
}
