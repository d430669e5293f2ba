package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"stratasysbridge/internal/printer"
)

const envPrefix = "STRATASYS_"

type Config struct {
	Printer      PrinterConfig `yaml:"printer"`
	ScanInterval int           `yaml:"scan_interval"`
	MQTT         MQTTConfig    `yaml:"mqtt"`
	HomeKit      HomeKitConfig `yaml:"homekit"`
	HTTP         HTTPConfig    `yaml:"http"`
}

type PrinterConfig struct {
	Name          string        `yaml:"name"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

type MQTTConfig struct {
	URL             string `yaml:"url"`
	ClientID        string `yaml:"client_id"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	BaseTopic       string `yaml:"base_topic"`
	NodeID          string `yaml:"node_id"`
}

type HomeKitConfig struct {
	Dir  string `yaml:"dir"`
	Addr string `yaml:"addr"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LoadConfig reads the YAML file at path, if any, and applies STRATASYS_*
// environment overrides. Defaults and validation are left to Finalize so
// that command line flags can be layered on top first.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("HOST", &c.Printer.Host)
	str("NAME", &c.Printer.Name)
	str("MQTT_URL", &c.MQTT.URL)
	str("MQTT_NODE_ID", &c.MQTT.NodeID)
	str("HOMEKIT_DIR", &c.HomeKit.Dir)
	str("HTTP_ADDR", &c.HTTP.Addr)

	return errors.Join(
		num("PORT", &c.Printer.Port),
		num("SCAN_INTERVAL", &c.ScanInterval),
		num("RETRY_ATTEMPTS", &c.Printer.RetryAttempts),
	)
}

// Finalize applies defaults and validates the configuration.
func (c *Config) Finalize() error {
	c.applyDefaults()
	return c.validate()
}

func (c *Config) applyDefaults() {
	if c.Printer.Port == 0 {
		c.Printer.Port = printer.DefaultPort
	}
	if c.Printer.Timeout == 0 {
		c.Printer.Timeout = printer.DefaultTimeout
	}
	if c.Printer.RetryAttempts == 0 {
		c.Printer.RetryAttempts = printer.DefaultRetryAttempts
	}
	if c.Printer.RetryDelay == 0 {
		c.Printer.RetryDelay = printer.DefaultRetryDelay
	}
	if c.Printer.Name == "" {
		c.Printer.Name = "Stratasys 3D Printer"
	}
	if c.ScanInterval == 0 {
		c.ScanInterval = int(DefaultScanInterval / time.Second)
	}
	if c.MQTT.NodeID == "" {
		c.MQTT.NodeID = "stratasys_" + slugify(c.Printer.Host)
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.MQTT.NodeID
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = "stratasys/" + c.MQTT.NodeID
	}
}

func (c *Config) validate() error {
	if c.Printer.Host == "" {
		return errors.New("printer.host is required")
	}
	if c.Printer.Port <= 0 || c.Printer.Port > 65535 {
		return fmt.Errorf("printer.port %d out of range", c.Printer.Port)
	}
	if c.Printer.RetryAttempts < 0 {
		return errors.New("printer.retry_attempts must not be negative")
	}
	if err := ValidateInterval(c.ScanIntervalDuration()); err != nil {
		return fmt.Errorf("scan_interval: %w", err)
	}
	if c.MQTT.URL != "" {
		if _, err := url.Parse(c.MQTT.URL); err != nil {
			return fmt.Errorf("mqtt.url: %w", err)
		}
	}
	return nil
}

func (c *Config) ScanIntervalDuration() time.Duration {
	return time.Duration(c.ScanInterval) * time.Second
}

func (c *Config) PrinterClientConfig() printer.Config {
	return printer.Config{
		Host:          c.Printer.Host,
		Port:          c.Printer.Port,
		Timeout:       c.Printer.Timeout,
		RetryAttempts: c.Printer.RetryAttempts,
		RetryDelay:    c.Printer.RetryDelay,
	}
}

func (c *Config) Topics() Topics {
	return Topics{
		DiscoveryPrefix: c.MQTT.DiscoveryPrefix,
		Base:            c.MQTT.BaseTopic,
		NodeID:          c.MQTT.NodeID,
	}
}
