// Package config загружает YAML конфигурацию симулятора звонков.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/arzzra/sipcall/pkg/logger"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Account AccountConfig `yaml:"account"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
	Media   MediaConfig   `yaml:"media"`
}

type AccountConfig struct {
	IDURI string `yaml:"id_uri"`
	// Realm домен для перевода звонка, "*" - любой
	Realm string `yaml:"realm"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`

	// PublishTimeout сколько ждать подтверждения брокера на одно уведомление
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type MediaConfig struct {
	Video      bool `yaml:"video"`
	Conference bool `yaml:"conference"`
	// RingbackVolume громкость ringback в процентах
	RingbackVolume int `yaml:"ringback_volume"`
}

// Default конфигурация по умолчанию
func Default() *Config {
	return &Config{
		Account: AccountConfig{
			Realm: "*",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "sipcall",
			TopicPrefix: "sipcall",
			QoS:         1,

			PublishTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Listen:    ":9090",
			Namespace: "sip",
			Subsystem: "call",
		},
		Log: LogConfig{
			Level: "info",
		},
		Media: MediaConfig{
			RingbackVolume: 80,
		},
	}
}

// Load читает конфигурацию из файла
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse разбирает YAML поверх значений по умолчанию и проверяет результат
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogLevel уровень логирования из log.level
func (c *Config) LogLevel() logger.LogLevel {
	level, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return logger.LogLevelInfo
	}
	return level
}

func (c *Config) validate() error {
	if c.Account.IDURI == "" {
		return fmt.Errorf("account.id_uri is required")
	}
	if !strings.HasPrefix(c.Account.IDURI, "sip:") && !strings.HasPrefix(c.Account.IDURI, "sips:") {
		return fmt.Errorf("account.id_uri must be a sip or sips uri, got %q", c.Account.IDURI)
	}
	if c.Account.Realm == "" {
		c.Account.Realm = "*"
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id is required")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix is required")
		}
		if c.MQTT.PublishTimeout <= 0 {
			return fmt.Errorf("mqtt.publish_timeout must be positive, got %s", c.MQTT.PublishTimeout)
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen: %w", err)
		}
		if c.Metrics.Namespace == "" {
			return fmt.Errorf("metrics.namespace is required")
		}
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	if c.Media.RingbackVolume < 0 || c.Media.RingbackVolume > 100 {
		return fmt.Errorf("media.ringback_volume must be between 0 and 100, got %d", c.Media.RingbackVolume)
	}
	if c.Media.Conference && !c.Media.Video {
		return fmt.Errorf("media.conference requires media.video")
	}
	return nil
}
