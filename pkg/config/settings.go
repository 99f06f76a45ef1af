package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	configName = "offline-sync"
	envPrefix  = "OFFLINE_SYNC"
)

type Settings struct {
	Store         StoreSettings  `mapstructure:"store"`
	Remote        RemoteSettings `mapstructure:"remote"`
	PollInterval  time.Duration  `mapstructure:"poll_interval" validate:"gt=0"`
	MaxRetries    int            `mapstructure:"max_retries" validate:"gte=1"`
	RetryBackoff  time.Duration  `mapstructure:"retry_backoff" validate:"gt=0"` // initial backoff duration
	MaxBackoff    time.Duration  `mapstructure:"max_backoff" validate:"gtefield=RetryBackoff"`
	ReplayTimeout time.Duration  `mapstructure:"replay_timeout" validate:"gt=0"`
	ProbeInterval time.Duration  `mapstructure:"probe_interval"` // 0 disables the connectivity probe
	Log           LogSettings    `mapstructure:"log"`
	Observability Observability  `mapstructure:"observability"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// SetDefaults registers the default values on the global viper instance.
func SetDefaults() {
	viper.SetDefault("store.type", "memory")
	viper.SetDefault("store.database", "offline_sync")
	viper.SetDefault("store.collection", "sync_kv")
	viper.SetDefault("remote.type", "http")
	viper.SetDefault("remote.pool_size", 2)
	viper.SetDefault("remote.timeout", 30*time.Second)
	viper.SetDefault("poll_interval", 30*time.Second)
	viper.SetDefault("max_retries", 5)
	viper.SetDefault("retry_backoff", 5*time.Second)
	viper.SetDefault("max_backoff", 15*time.Minute)
	viper.SetDefault("replay_timeout", 30*time.Second)
	viper.SetDefault("probe_interval", 0)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.max_size_mb", 10)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age_days", 28)
	viper.SetDefault("observability.service_name", "offline-sync")
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	SetDefaults()
	viper.SetConfigType("yaml") // Set the config type to YAML
	viper.SetConfigName(configName)
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, configName+"."+env)
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error merging %s config: %w", env, err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like OFFLINE_SYNC_STORE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	for _, key := range []string{
		"store.type",
		"store.dsn",
		"store.uri",
		"store.url",
		"store.database",
		"store.collection",
		"remote.type",
		"remote.url",
		"remote.token",
		"remote.exchange",
		"remote.pool_size",
		"remote.project_id",
		"remote.topic_prefix",
		"remote.timeout",
		"poll_interval",
		"max_retries",
		"retry_backoff",
		"max_backoff",
		"replay_timeout",
		"probe_interval",
		"log.level",
		"log.format",
		"log.file",
		"observability.service_name",
		"observability.tracing_url",
		"observability.metrics_url",
	} {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}

	if err := viper.Unmarshal(c); err != nil {
		return err
	}
	return nil
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
