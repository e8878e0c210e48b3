// Copyright 2026 The Ceramic Anchor Service Authors
//
// Optional YAML configuration overlay, applied on top of the environment
// variable defaults loaded by Load(). Deployment wrappers may point
// cmd/casd at a file via --config; the core never requires one.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// FileOverrides is the subset of Config that may be supplied via a YAML
// file. Zero-valued fields are left untouched by ApplyOverrides.
type FileOverrides struct {
	Environment string `yaml:"environment"`

	Batch struct {
		MinSize       int `yaml:"min_size"`
		MaxSize       int `yaml:"max_size"`
		LingerSeconds int `yaml:"linger_seconds"`
	} `yaml:"batch"`

	Merkle struct {
		DepthLimit int `yaml:"depth_limit"`
	} `yaml:"merkle"`

	Mutex struct {
		MaxAttempts int `yaml:"max_attempts"`
		DelayMs     int `yaml:"delay_ms"`
	} `yaml:"mutex"`

	Txn struct {
		MaxSerializationRetries int `yaml:"max_serialization_retries"`
	} `yaml:"txn"`

	Blockchain struct {
		SubmitRetries   int `yaml:"submit_retries"`
		SubmitBackoffMs int `yaml:"submit_backoff_ms"`
	} `yaml:"blockchain"`

	Scheduler struct {
		ID       string   `yaml:"id"`
		Interval Duration `yaml:"interval"`
	} `yaml:"scheduler"`
}

// Duration wraps time.Duration for YAML unmarshaling of "5m"-style values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// LoadFileOverrides reads a YAML overlay file, substituting ${VAR_NAME}
// references against the process environment before parsing.
func LoadFileOverrides(path string) (*FileOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var overrides FileOverrides
	if err := yaml.Unmarshal([]byte(expanded), &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &overrides, nil
}

// ApplyOverrides merges non-zero fields from a FileOverrides onto cfg.
// Environment and Scheduler.Interval are parsed but not applied: Config has
// no field for either.
// Environment variables win when both are set to a non-default value is
// not attempted here; the file is applied last, so it takes precedence
// over Load()'s environment defaults by design.
func (c *Config) ApplyOverrides(o *FileOverrides) {
	if o == nil {
		return
	}
	if o.Batch.MinSize != 0 {
		c.BatchMinSize = o.Batch.MinSize
	}
	if o.Batch.MaxSize != 0 {
		c.BatchMaxSize = o.Batch.MaxSize
	}
	if o.Batch.LingerSeconds != 0 {
		c.BatchLingerSeconds = o.Batch.LingerSeconds
	}
	if o.Merkle.DepthLimit != 0 {
		c.MerkleDepthLimit = o.Merkle.DepthLimit
	}
	if o.Mutex.MaxAttempts != 0 {
		c.MutexMaxAttempts = o.Mutex.MaxAttempts
	}
	if o.Mutex.DelayMs != 0 {
		c.MutexDelayMs = o.Mutex.DelayMs
	}
	if o.Txn.MaxSerializationRetries != 0 {
		c.TxnMaxSerializationRetries = o.Txn.MaxSerializationRetries
	}
	if o.Blockchain.SubmitRetries != 0 {
		c.BlockchainSubmitRetries = o.Blockchain.SubmitRetries
	}
	if o.Blockchain.SubmitBackoffMs != 0 {
		c.BlockchainSubmitBackoffMs = o.Blockchain.SubmitBackoffMs
	}
	if o.Scheduler.ID != "" {
		c.SchedulerID = o.Scheduler.ID
	}
}
