package config

import "time"

// Config is the root configuration for Orchard.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Run    RunConfig    `yaml:"run"`
	Events EventsConfig `yaml:"events"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig holds the API server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StoreConfig configures the state store.
type StoreConfig struct {
	Path string `yaml:"path"` // sqlite database file (default: $ORCHARD_PATH/orchard.db)
}

// RunConfig holds default execution settings for runs.
type RunConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	TaskTimeout      Duration      `yaml:"task_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	SkippedSatisfies *bool         `yaml:"skipped_satisfies,omitempty"`
	Backoff          BackoffConfig `yaml:"backoff"`
}

// BackoffConfig holds retry backoff settings.
type BackoffConfig struct {
	Initial Duration `yaml:"initial"`
	Max     Duration `yaml:"max"`
	Factor  float64  `yaml:"factor"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
