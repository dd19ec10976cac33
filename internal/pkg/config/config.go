// Package config assembles the service configuration. Values come from an
// optional YAML file and are then overridden by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/diwise/integration-compression/internal/pkg/infrastructure/device"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServicePort string `yaml:"servicePort"`

	// BackendURL points at the persistence service. When empty sessions are
	// kept in memory.
	BackendURL string `yaml:"backendUrl"`

	UploadIntervalMs int `yaml:"uploadIntervalMs"`

	Device  DeviceConfig  `yaml:"device"`
	Mirrors MirrorsConfig `yaml:"mirrors"`
}

type DeviceConfig struct {
	Port       string   `yaml:"port"`
	BaudRate   int      `yaml:"baudRate"`
	Authorized []string `yaml:"authorized"`
}

type MirrorsConfig struct {
	ContextBrokerURL string `yaml:"contextBrokerUrl"`
	LwM2MURL         string `yaml:"lwm2mUrl"`
	MQTTBroker       string `yaml:"mqttBroker"`
	MQTTTopic        string `yaml:"mqttTopic"`
}

func Default() Config {
	return Config{
		ServicePort:      "8080",
		UploadIntervalMs: 1000,
		Device: DeviceConfig{
			BaudRate: device.DefaultBaudRate,
		},
		Mirrors: MirrorsConfig{
			MQTTTopic: "compression/readings",
		},
	}
}

// Load reads path (if not empty) on top of the defaults and applies
// environment overrides.
func Load(logger zerolog.Logger, path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: failed to read %s: %w", path, err)
		}

		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	if err := applyEnv(logger, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func applyEnv(logger zerolog.Logger, cfg *Config) error {
	cfg.ServicePort = env.GetVariableOrDefault(logger, "SERVICE_PORT", cfg.ServicePort)
	cfg.BackendURL = env.GetVariableOrDefault(logger, "BACKEND_URL", cfg.BackendURL)
	cfg.Device.Port = env.GetVariableOrDefault(logger, "DEVICE_PORT", cfg.Device.Port)
	cfg.Mirrors.ContextBrokerURL = env.GetVariableOrDefault(logger, "CONTEXT_BROKER_URL", cfg.Mirrors.ContextBrokerURL)
	cfg.Mirrors.LwM2MURL = env.GetVariableOrDefault(logger, "LWM2M_URL", cfg.Mirrors.LwM2MURL)
	cfg.Mirrors.MQTTBroker = env.GetVariableOrDefault(logger, "MQTT_BROKER", cfg.Mirrors.MQTTBroker)
	cfg.Mirrors.MQTTTopic = env.GetVariableOrDefault(logger, "MQTT_TOPIC", cfg.Mirrors.MQTTTopic)

	var err error

	baudRate := env.GetVariableOrDefault(logger, "DEVICE_BAUD_RATE", strconv.Itoa(cfg.Device.BaudRate))
	cfg.Device.BaudRate, err = strconv.Atoi(baudRate)
	if err != nil {
		return fmt.Errorf("config: DEVICE_BAUD_RATE %q is not a number", baudRate)
	}

	interval := env.GetVariableOrDefault(logger, "UPLOAD_INTERVAL_MS", strconv.Itoa(cfg.UploadIntervalMs))
	cfg.UploadIntervalMs, err = strconv.Atoi(interval)
	if err != nil {
		return fmt.Errorf("config: UPLOAD_INTERVAL_MS %q is not a number", interval)
	}

	if authorized := env.GetVariableOrDefault(logger, "AUTHORIZED_PORTS", ""); authorized != "" {
		cfg.Device.Authorized = splitList(authorized)
	}

	return nil
}

func splitList(s string) []string {
	items := []string{}
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func (c Config) Validate() error {
	var errs []error

	if c.ServicePort == "" {
		errs = append(errs, errors.New("config: servicePort is required"))
	}
	if c.Device.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("config: device.baudRate must be positive, got %d", c.Device.BaudRate))
	}
	if c.UploadIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("config: uploadIntervalMs must be positive, got %d", c.UploadIntervalMs))
	}
	if c.Mirrors.MQTTBroker != "" && c.Mirrors.MQTTTopic == "" {
		errs = append(errs, errors.New("config: mirrors.mqttTopic is required when an mqtt broker is configured"))
	}

	return errors.Join(errs...)
}

func (c Config) UploadInterval() time.Duration {
	return time.Duration(c.UploadIntervalMs) * time.Millisecond
}

// AuthorizedPorts returns the ports granted without operator consent. The
// configured device port is always among them.
func (c Config) AuthorizedPorts() []string {
	ports := append([]string{}, c.Device.Authorized...)
	if c.Device.Port != "" {
		for _, p := range ports {
			if p == c.Device.Port {
				return ports
			}
		}
		ports = append(ports, c.Device.Port)
	}
	return ports
}
