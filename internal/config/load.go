package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SPP_TRANSPORT_DEVICE.
const EnvPrefix = "SPP"

// FileEnv names a config file when Load is given no path.
const FileEnv = "SPP_CONFIG_FILE"

var defaults = map[string]any{
	"log.level":                 "info",
	"log.format":                "json",
	"transport.kind":            "bluez",
	"transport.device":          "",
	"transport.address":         "",
	"transport.adapter":         "hci0",
	"transport.scan":            false,
	"transport.connect_timeout": 30 * time.Second,
	"transport.io_timeout":      15 * time.Second,
	"transport.scan_timeout":    10 * time.Second,
	"exchange.message":          "From Android with love",
	"exchange.greeting":         "Greetings from serverland",
	"exchange.service_name":     "Sample SPP Server",
	"session.file":              "spp-session.toml",
	"delivery.policy":           "buffer",
}

// Load builds a Config from defaults, the config file at path (or $SPP_CONFIG_FILE)
// and the environment, in increasing order of precedence, then validates it as a
// client configuration. An empty path with no SPP_CONFIG_FILE means no file.
func Load(path string) (*Config, error) {
	return load(path, Validate)
}

// LoadServer is Load for the server, which needs no target device.
func LoadServer(path string) (*Config, error) {
	return load(path, ValidateServer)
}

func load(path string, validate func(*Config) error) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	if path == "" {
		path = os.Getenv(FileEnv)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and what the client transport needs to
// reach a server.
func Validate(cfg *Config) error {
	return validateWith(cfg, clientTransport)
}

// ValidateServer checks field constraints and what the server transport needs
// to listen.
func ValidateServer(cfg *Config) error {
	return validateWith(cfg, serverTransport)
}

func validateWith(cfg *Config, transport validator.StructLevelFunc) error {
	validate := validator.New()
	validate.RegisterStructValidation(transport, TransportConfig{})
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	return nil
}

func serverTransport(sl validator.StructLevel) {
	t := sl.Current().Interface().(TransportConfig)
	if t.Kind == "tcp" && t.Address == "" {
		sl.ReportError(t.Address, "Address", "address", "required_for_tcp", "")
	}
}

func clientTransport(sl validator.StructLevel) {
	t := sl.Current().Interface().(TransportConfig)
	switch t.Kind {
	case "bluez":
		if t.Device == "" && !t.Scan {
			sl.ReportError(t.Device, "Device", "device", "required_without_scan", "")
		}
	case "tcp":
		if t.Address == "" {
			sl.ReportError(t.Address, "Address", "address", "required_for_tcp", "")
		}
	}
}
