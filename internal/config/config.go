package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// BackoffCfg bounds reader retries when BoundedReads is on.
type BackoffCfg struct {
	MaxRetries int `yaml:"maxRetries"` // attempts before a read gives up
	MinSpins   int `yaml:"minSpins"`   // first spin budget
	MaxSpins   int `yaml:"maxSpins"`   // spin budget cap
}

// Config describes one stress run against a vector.
type Config struct {
	Capacity         uint64     `yaml:"capacity"`         // vector capacity
	Writers          int        `yaml:"writers"`          // appending goroutines
	AppendsPerWriter int        `yaml:"appendsPerWriter"` // 0 = capacity/writers
	Readers          int        `yaml:"readers"`          // reading goroutines
	ReadsPerReader   int        `yaml:"readsPerReader"`   // 0 = read until writers finish
	UseFeeder        bool       `yaml:"useFeeder"`        // append through a single-consumer feeder
	FeederCapacity   uint64     `yaml:"feederCapacity"`   // staging ring size, power of two
	PushTimeoutMs    int        `yaml:"pushTimeoutMs"`    // per append; 0 = no timeout
	BoundedReads     bool       `yaml:"boundedReads"`     // use GetBounded instead of Get
	Backoff          BackoffCfg `yaml:"backoff"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads a YAML file, expanding ${ENV} references, and fills defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(b))
	var c Config
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Capacity == 0 {
		c.Capacity = 1 << 16
	}
	if c.Writers == 0 {
		c.Writers = 8
	}
	if c.AppendsPerWriter == 0 {
		c.AppendsPerWriter = int(c.Capacity) / c.Writers
	}
	if c.Readers == 0 {
		c.Readers = 8
	}
	if c.FeederCapacity == 0 {
		c.FeederCapacity = 1 << 10
	}
	if c.Backoff.MaxRetries == 0 {
		c.Backoff.MaxRetries = 64
	}
	if c.Backoff.MinSpins == 0 {
		c.Backoff.MinSpins = 1
	}
	if c.Backoff.MaxSpins == 0 {
		c.Backoff.MaxSpins = 256
	}
}

// Validate reports the first invalid field.
// Writers and AppendsPerWriter are bounded to 32 bits: the stress tags
// carry them as uint32.
func (c *Config) Validate() error {
	switch {
	case c.Capacity == 0:
		return fmt.Errorf("capacity must be > 0")
	case c.Writers < 0:
		return fmt.Errorf("writers must be >= 0, got %d", c.Writers)
	case uint64(c.Writers) > math.MaxUint32:
		return fmt.Errorf("writers must fit in 32 bits, got %d", c.Writers)
	case c.AppendsPerWriter < 0:
		return fmt.Errorf("appendsPerWriter must be >= 0, got %d", c.AppendsPerWriter)
	case uint64(c.AppendsPerWriter) > math.MaxUint32:
		return fmt.Errorf("appendsPerWriter must fit in 32 bits, got %d", c.AppendsPerWriter)
	case c.Readers < 0:
		return fmt.Errorf("readers must be >= 0, got %d", c.Readers)
	case c.ReadsPerReader < 0:
		return fmt.Errorf("readsPerReader must be >= 0, got %d", c.ReadsPerReader)
	case c.UseFeeder && c.FeederCapacity&(c.FeederCapacity-1) != 0:
		return fmt.Errorf("feederCapacity must be a power of 2, got %d", c.FeederCapacity)
	case c.PushTimeoutMs < 0:
		return fmt.Errorf("pushTimeoutMs must be >= 0, got %d", c.PushTimeoutMs)
	case c.Backoff.MaxRetries < 0 || c.Backoff.MinSpins < 0 || c.Backoff.MaxSpins < c.Backoff.MinSpins:
		return fmt.Errorf("invalid backoff %+v", c.Backoff)
	}
	return nil
}
