package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/eddielth/heatpump-core/logger"
)

// ErrInvalidConfig is returned by Validate for settings the service cannot start with.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the application configuration
type Config struct {
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Normalizer NormalizerConfig `mapstructure:"normalizer"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Health     HealthConfig     `mapstructure:"health"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// MQTTConfig is the broker connection configuration
type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Backoff        BackoffConfig `mapstructure:"backoff"`
}

// NormalizeTopicPrefix drops trailing slashes. A leading slash is part of the MQTT topic and is kept.
func NormalizeTopicPrefix(prefix string) string {
	return strings.TrimRight(prefix, "/")
}

// SubscriptionTopic is the wildcard subscription covering every site and device under the prefix.
func (c MQTTConfig) SubscriptionTopic() string {
	return NormalizeTopicPrefix(c.TopicPrefix) + "/+/+/telemetry"
}

// BackoffConfig controls reconnect delays
type BackoffConfig struct {
	Base   time.Duration `mapstructure:"base"`
	Max    time.Duration `mapstructure:"max"`
	Jitter float64       `mapstructure:"jitter"`
}

// PipelineConfig controls per-device processing lanes
type PipelineConfig struct {
	Lanes          int           `mapstructure:"lanes"`
	QueueSize      int           `mapstructure:"queue_size"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// StorageConfig is the storage configuration
type StorageConfig struct {
	Database DatabaseStorageConfig `mapstructure:"database"`
	File     FileStorageConfig     `mapstructure:"file"`
	Redis    RedisStorageConfig    `mapstructure:"redis"`
}

// DatabaseStorageConfig is the primary SQL store
type DatabaseStorageConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// FileStorageConfig is the JSON-lines audit mirror
type FileStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RedisStorageConfig is the latest-snapshot cache mirror
type RedisStorageConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// NormalizerConfig extends the built-in metric mapping
type NormalizerConfig struct {
	ReadingsKey string                  `mapstructure:"readings_key"`
	Fields      map[string]FieldMapping `mapstructure:"fields"`
	Scripts     map[string]Script       `mapstructure:"scripts"`
	Ranges      map[string]Range        `mapstructure:"ranges"`
}

// FieldMapping maps a raw sensor field onto a canonical metric: value*scale + offset
type FieldMapping struct {
	Metric string  `mapstructure:"metric"`
	Scale  float64 `mapstructure:"scale"`
	Offset float64 `mapstructure:"offset"`
}

// Script is a device-model JS extension
type Script struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// Range is an inclusive plausibility range for a canonical metric
type Range struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// AlertingConfig controls the rule engine and offline sweeper
type AlertingConfig struct {
	RulesRefresh        time.Duration `mapstructure:"rules_refresh"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	DefaultOfflineGrace time.Duration `mapstructure:"default_offline_grace"`
}

// HealthConfig is the ops HTTP listener
type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggerConfig is the logging configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// ConfigChangeCallback is called after the config file changed and was re-read
type ConfigChangeCallback func(cfg *Config) error

func setDefaults(v *viper.Viper) {
	// empty defaults register the keys so HPCORE_* env vars reach Unmarshal
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("storage.database.dsn", "")
	v.SetDefault("storage.redis.password", "")

	v.SetDefault("mqtt.topic_prefix", "heatpumps")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.backoff.base", time.Second)
	v.SetDefault("mqtt.backoff.max", 60*time.Second)
	v.SetDefault("mqtt.backoff.jitter", 0.2)

	v.SetDefault("pipeline.lanes", 16)
	v.SetDefault("pipeline.queue_size", 256)
	v.SetDefault("pipeline.enqueue_timeout", 50*time.Millisecond)
	v.SetDefault("pipeline.drain_timeout", 10*time.Second)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.retry_delay", 200*time.Millisecond)

	v.SetDefault("storage.database.type", "postgresql")
	v.SetDefault("storage.file.path", "./data/audit")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.ttl", 24*time.Hour)

	v.SetDefault("normalizer.readings_key", "readings")

	v.SetDefault("alerting.rules_refresh", time.Minute)
	v.SetDefault("alerting.sweep_interval", time.Minute)
	v.SetDefault("alerting.default_offline_grace", 15*time.Minute)

	v.SetDefault("health.addr", ":8080")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HPCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// LoadConfig loads the configuration file at configPath, applying defaults and HPCORE_* env overrides
func LoadConfig(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &config, nil
}

// Validate reports settings the service cannot start with
func (c *Config) Validate() error {
	var problems []string

	if c.MQTT.Broker == "" {
		problems = append(problems, "mqtt.broker is required")
	}
	if prefix := NormalizeTopicPrefix(c.MQTT.TopicPrefix); prefix == "" {
		problems = append(problems, "mqtt.topic_prefix is required")
	} else if strings.ContainsAny(prefix, "+#") {
		problems = append(problems, "mqtt.topic_prefix must not contain wildcards")
	}
	if c.MQTT.Username != "" && c.MQTT.Password == "" {
		problems = append(problems, "mqtt.password is required when mqtt.username is set")
	}
	if c.MQTT.QoS > 2 {
		problems = append(problems, "mqtt.qos must be 0, 1 or 2")
	}
	switch c.Storage.Database.Type {
	case "memory":
	case "mysql", "postgresql":
		if c.Storage.Database.DSN == "" {
			problems = append(problems, "storage.database.dsn is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.database.type %q is not one of mysql, postgresql, memory", c.Storage.Database.Type))
	}
	if c.Pipeline.Lanes <= 0 {
		problems = append(problems, "pipeline.lanes must be positive")
	}
	if c.Pipeline.QueueSize <= 0 {
		problems = append(problems, "pipeline.queue_size must be positive")
	}
	if c.Alerting.SweepInterval <= 0 {
		problems = append(problems, "alerting.sweep_interval must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// WatchConfig watches the config file and invokes callback with the re-read configuration
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	v := newViper(absPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", absPath, err)
	}

	// editors often emit several writes per save
	var mu sync.Mutex
	var lastChangeTime time.Time
	debounceInterval := 2 * time.Second

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		mu.Lock()
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			mu.Unlock()
			return
		}
		lastChangeTime = now
		mu.Unlock()

		logger.Info("config file changed: %s", e.Name)

		var newConfig Config
		if err := v.Unmarshal(&newConfig); err != nil {
			logger.Error("failed to decode changed config: %v", err)
			return
		}

		if err := callback(&newConfig); err != nil {
			logger.Error("failed to apply changed config: %v", err)
			return
		}

		logger.Info("config change applied")
	})
	v.WatchConfig()

	return nil
}
