// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	UsernameEnvVar = "REDIS_USERNAME"
	PasswordEnvVar = "REDIS_PASSWORD"

	DefaultCLIPath               = "redis-cli"
	DefaultPort                  = 6379
	DefaultPollInterval          = 2 * time.Second
	DefaultRebalanceAttempts     = 3
	DefaultMaxConcurrentCommands = 10
	DefaultMinReplicas           = 6
	DefaultMaxHostLength         = 46
)

// DefaultRequiredSecretKeys are the keys every environment secret must carry.
var DefaultRequiredSecretKeys = []string{
	"REDIS_CLI_PASSWORD",
	"REDIS_CLI_USERNAME",
	"REDIS_METRICS_PASSWORD",
	"REDIS_METRICS_USERNAME",
	"REDIS_OPENVSX_PASSWORD",
	"REDIS_OPENVSX_USERNAME",
	"REDIS_REPLICA_PASSWORD",
	"REDIS_REPLICA_USERNAME",
}

// RedisConfig holds everything the command gateway and the topology engine need.
type RedisConfig struct {
	CLIPath               string        `yaml:"cli_path"`
	Port                  int           `yaml:"port"`
	PollInterval          time.Duration `yaml:"poll_interval"`
	PollTimeout           time.Duration `yaml:"poll_timeout"`
	CommandTimeout        time.Duration `yaml:"command_timeout"`
	RebalanceAttempts     int           `yaml:"rebalance_attempts"`
	MaxConcurrentCommands int           `yaml:"max_concurrent_commands"`
}

// ClusterConfig holds the validation rules applied to every RedisCluster.
type ClusterConfig struct {
	MinReplicas        int32    `yaml:"min_replicas"`
	MaxHostLength      int      `yaml:"max_host_length"`
	RequiredSecretKeys []string `yaml:"required_secret_keys"`
}

// Credentials authenticate the operator against every Redis node.
type Credentials struct {
	Username string `yaml:"-"`
	Password string `yaml:"-"`
}

// Configuration is the top-level configuration struct.
type Configuration struct {
	Redis       RedisConfig   `yaml:"redis"`
	Cluster     ClusterConfig `yaml:"cluster"`
	Credentials Credentials   `yaml:"-"`
}

// String returns a formatted string of the configuration. Credentials are never printed.
func (c *Configuration) String() string {
	return fmt.Sprintf(`Configuration properties:
CLIPath: %s
Port: %d
PollInterval: %s
PollTimeout: %s
RebalanceAttempts: %d
MaxConcurrentCommands: %d
MinReplicas: %d
MaxHostLength: %d
Username set: %t`,
		c.Redis.CLIPath,
		c.Redis.Port,
		c.Redis.PollInterval,
		c.Redis.PollTimeout,
		c.Redis.RebalanceAttempts,
		c.Redis.MaxConcurrentCommands,
		c.Cluster.MinReplicas,
		c.Cluster.MaxHostLength,
		c.Credentials.Username != "")
}

// Default returns a configuration with every field set to its default value.
func Default() *Configuration {
	cfg := &Configuration{}
	applyDefaults(cfg)
	return cfg
}

// ConfigLoader defines the interface for loading a configuration.
type ConfigLoader interface {
	LoadConfig(path string) (*Configuration, error)
}

// YAMLConfigLoader implements ConfigLoader by reading YAML files.
type YAMLConfigLoader struct{}

// LoadConfig reads and decodes the YAML configuration from the specified file path.
// An empty path yields the defaults.
func (y *YAMLConfigLoader) LoadConfig(path string) (*Configuration, error) {
	var cfg Configuration
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal configuration file %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	if invalid := validateConfiguration(&cfg); len(invalid) > 0 {
		return nil, fmt.Errorf("invalid configuration fields: %v", invalid)
	}
	return &cfg, nil
}

// LoadCredentials reads the Redis credentials once. A .env file, when present, seeds the
// environment first; variables already set win.
func LoadCredentials(envFile string) Credentials {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	}
	return Credentials{
		Username: os.Getenv(UsernameEnvVar),
		Password: os.Getenv(PasswordEnvVar),
	}
}

func applyDefaults(cfg *Configuration) {
	if cfg.Redis.CLIPath == "" {
		cfg.Redis.CLIPath = DefaultCLIPath
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = DefaultPort
	}
	if cfg.Redis.PollInterval == 0 {
		cfg.Redis.PollInterval = DefaultPollInterval
	}
	if cfg.Redis.RebalanceAttempts == 0 {
		cfg.Redis.RebalanceAttempts = DefaultRebalanceAttempts
	}
	if cfg.Redis.MaxConcurrentCommands == 0 {
		cfg.Redis.MaxConcurrentCommands = DefaultMaxConcurrentCommands
	}
	if cfg.Cluster.MinReplicas == 0 {
		cfg.Cluster.MinReplicas = DefaultMinReplicas
	}
	if cfg.Cluster.MaxHostLength == 0 {
		cfg.Cluster.MaxHostLength = DefaultMaxHostLength
	}
	if cfg.Cluster.RequiredSecretKeys == nil {
		cfg.Cluster.RequiredSecretKeys = DefaultRequiredSecretKeys
	}
}

// validateConfiguration returns the keys holding values that can never work.
func validateConfiguration(cfg *Configuration) []string {
	var invalid []string

	if cfg.Redis.Port < 1 || cfg.Redis.Port > 65535 {
		invalid = append(invalid, "redis.port")
	}
	if cfg.Redis.PollInterval < 0 {
		invalid = append(invalid, "redis.poll_interval")
	}
	if cfg.Redis.PollTimeout < 0 {
		invalid = append(invalid, "redis.poll_timeout")
	}
	if cfg.Redis.CommandTimeout < 0 {
		invalid = append(invalid, "redis.command_timeout")
	}
	if cfg.Redis.RebalanceAttempts < 0 {
		invalid = append(invalid, "redis.rebalance_attempts")
	}
	if cfg.Redis.MaxConcurrentCommands < 0 {
		invalid = append(invalid, "redis.max_concurrent_commands")
	}
	if cfg.Cluster.MinReplicas < 0 {
		invalid = append(invalid, "cluster.min_replicas")
	}
	if cfg.Cluster.MaxHostLength < 0 {
		invalid = append(invalid, "cluster.max_host_length")
	}
	return invalid
}
