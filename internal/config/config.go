package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models dos.yml, the platform parameters for the solution
// validation phase and reward ledger.
type Config struct {
	Platform struct {
		// ValidationDurationSeconds is the length of the voting window
		// for every solution submission.
		ValidationDurationSeconds int `yaml:"validation_duration_seconds"`
		// ConsensusRatio is the fraction of eligible voters (every
		// registered agent except the submitter) that must vote accept.
		// Abstentions count against acceptance.
		ConsensusRatio float64 `yaml:"consensus_ratio"`
		// SuccessReward is paid to the submitter of an accepted solution.
		SuccessReward int `yaml:"success_reward"`
		// ValidationReward is paid per recorded vote, accept or reject.
		ValidationReward int `yaml:"validation_reward"`
		// PoolSize caps how many random active instances an agent is
		// offered to choose from.
		PoolSize int `yaml:"pool_size"`
	} `yaml:"platform"`
}

// Default returns the platform defaults.
func Default() *Config {
	c := &Config{}
	c.Platform.ValidationDurationSeconds = 80
	c.Platform.ConsensusRatio = 0.5
	c.Platform.SuccessReward = 50
	c.Platform.ValidationReward = 10
	c.Platform.PoolSize = 10
	return c
}

// Load reads config from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets the required structure.
func (c *Config) Validate() error {
	if c.Platform.ValidationDurationSeconds <= 0 {
		return fmt.Errorf("config.platform.validation_duration_seconds must be positive")
	}
	if c.Platform.ConsensusRatio <= 0 || c.Platform.ConsensusRatio > 1 {
		return fmt.Errorf("config.platform.consensus_ratio must be in (0,1]")
	}
	if c.Platform.SuccessReward < 0 {
		return fmt.Errorf("config.platform.success_reward must not be negative")
	}
	if c.Platform.ValidationReward < 0 {
		return fmt.Errorf("config.platform.validation_reward must not be negative")
	}
	if c.Platform.PoolSize <= 0 {
		return fmt.Errorf("config.platform.pool_size must be positive")
	}
	return nil
}

// ValidationDuration returns the voting window as a duration.
func (c *Config) ValidationDuration() time.Duration {
	return time.Duration(c.Platform.ValidationDurationSeconds) * time.Second
}

// ToYAML serializes the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
