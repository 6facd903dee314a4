// Package config loads service configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Interlis InterlisConfig `mapstructure:"interlis"`
}

type ServerConfig struct {
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"base_url"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type StorageConfig struct {
	// Backend selects where uploads land: local, azure, s3 or sftp.
	Backend string `mapstructure:"backend"`

	Local LocalStorageConfig `mapstructure:"local"`
	Azure AzureStorageConfig `mapstructure:"azure"`
	S3    S3StorageConfig    `mapstructure:"s3"`
	SFTP  SFTPStorageConfig  `mapstructure:"sftp"`

	PresignTTLSeconds int `mapstructure:"presign_ttl_seconds"`
}

type LocalStorageConfig struct {
	Path        string `mapstructure:"path"`
	TokenSecret string `mapstructure:"token_secret"`
}

type AzureStorageConfig struct {
	Account   string `mapstructure:"account"`
	Key       string `mapstructure:"key"`
	Container string `mapstructure:"container"`
}

type S3StorageConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Region string `mapstructure:"region"`
}

type SFTPStorageConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	KeyPath  string `mapstructure:"key_path"`
	BaseDir  string `mapstructure:"base_dir"`
}

type RunnerConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
}

type InterlisConfig struct {
	BaseURL             string `mapstructure:"base_url"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	MaxPolls            int    `mapstructure:"max_polls"`
}

func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/geodelivery")
	}

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.base_url", "http://localhost:8080")
	viper.SetDefault("database.url", "")
	viper.SetDefault("storage.backend", "local")
	viper.SetDefault("storage.local.path", "./uploads")
	viper.SetDefault("storage.presign_ttl_seconds", 3600)
	viper.SetDefault("runner.poll_interval_seconds", 10)
	viper.SetDefault("interlis.base_url", "")
	viper.SetDefault("interlis.poll_interval_seconds", 2)
	viper.SetDefault("interlis.max_polls", 60)

	viper.AutomaticEnv()
	viper.SetEnvPrefix("GEODELIVERY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if url := os.Getenv("DATABASE_URL"); url != "" {
		viper.Set("database.url", url)
	}
	if addr := os.Getenv("INTERLIS_CHECK_URL"); addr != "" {
		viper.Set("interlis.base_url", addr)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}
