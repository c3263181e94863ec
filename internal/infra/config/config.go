package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

const defaultConfigPath = "config.yaml"

type Config struct {
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Queue    QueueConfig    `mapstructure:"queue" yaml:"queue"`
	History  HistoryConfig  `mapstructure:"history" yaml:"history"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

type DownloadConfig struct {
	Dir            string        `mapstructure:"dir" yaml:"dir"`
	MaxConcurrent  int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	MaxRate        string        `mapstructure:"max_rate" yaml:"max_rate"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	ChunkSize      string        `mapstructure:"chunk_size" yaml:"chunk_size"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"`
	MinFreeSpace   string        `mapstructure:"min_free_space" yaml:"min_free_space"`
}

type QueueConfig struct {
	Path      string `mapstructure:"path" yaml:"path"`
	Watch     bool   `mapstructure:"watch" yaml:"watch"`
	AutoStart bool   `mapstructure:"auto_start" yaml:"auto_start"`
}

type HistoryConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("download.dir", "./podcasts")
	v.SetDefault("download.max_concurrent", 1)
	v.SetDefault("download.max_rate", "0")
	v.SetDefault("download.max_retries", 3)
	v.SetDefault("download.retry_backoff", "2s")
	v.SetDefault("download.chunk_size", "64KiB")
	v.SetDefault("download.connect_timeout", "30s")
	v.SetDefault("download.read_timeout", "60s")
	v.SetDefault("download.user_agent", "gopodq/1.0")
	v.SetDefault("download.min_free_space", "0")
	v.SetDefault("queue.path", "queue")
	v.SetDefault("queue.watch", true)
	v.SetDefault("queue.auto_start", true)
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.sqlite_path", "gopodq.db")
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", "127.0.0.1:8090")
	v.SetDefault("log.path", "gopodq.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", false)
}

// Load reads path (config.yaml when empty). A missing default file is not an
// error: the defaults and GOPODQ_* environment variables apply.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	v := viper.New()
	setDefaults(v)

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Support Environment Variables
	v.SetEnvPrefix("GOPODQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Download.Dir == "" {
		c.Download.Dir = "./podcasts"
	}

	if c.Download.MaxConcurrent < 1 {
		return fmt.Errorf("download.max_concurrent must be at least 1 (got %d)", c.Download.MaxConcurrent)
	}

	if c.Download.MaxRetries < 0 {
		return fmt.Errorf("download.max_retries must not be negative (got %d)", c.Download.MaxRetries)
	}

	if _, err := c.RateLimit(); err != nil {
		return err
	}

	if _, err := c.ChunkSize(); err != nil {
		return err
	}

	if _, err := c.MinFreeSpace(); err != nil {
		return err
	}

	if c.Queue.Path == "" {
		return errors.New("queue.path is required")
	}

	// A relative queue path lives next to the downloads
	if !filepath.IsAbs(c.Queue.Path) && filepath.Dir(c.Queue.Path) == "." {
		c.Queue.Path = filepath.Join(c.Download.Dir, c.Queue.Path)
	}

	if c.Download.ReadTimeout <= 0 {
		c.Download.ReadTimeout = 60 * time.Second
	}

	if c.Download.ConnectTimeout <= 0 {
		c.Download.ConnectTimeout = 30 * time.Second
	}

	return nil
}

// RateLimit returns download.max_rate in bytes per second, 0 meaning unlimited.
func (c *Config) RateLimit() (int64, error) {
	return parseSize("download.max_rate", c.Download.MaxRate)
}

// ChunkSize returns the streaming buffer size in bytes.
func (c *Config) ChunkSize() (int, error) {
	n, err := parseSize("download.chunk_size", c.Download.ChunkSize)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 64 * 1024, nil
	}
	return int(n), nil
}

func (c *Config) MinFreeSpace() (int64, error) {
	return parseSize("download.min_free_space", c.Download.MinFreeSpace)
}

func parseSize(key, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimSuffix(raw, "/s")
	if raw == "" || raw == "0" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid size %q: %w", key, raw, err)
	}
	return int64(n), nil
}
