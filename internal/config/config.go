// Package config loads the client and server settings from defaults, an
// optional config file and SPP_-prefixed environment variables.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log" validate:"required"`
	Transport TransportConfig `mapstructure:"transport" validate:"required"`
	Exchange  ExchangeConfig  `mapstructure:"exchange" validate:"required"`
	Session   SessionConfig   `mapstructure:"session" validate:"required"`
	Delivery  DeliveryConfig  `mapstructure:"delivery" validate:"required"`
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// TransportConfig describes how the client reaches the server.
type TransportConfig struct {
	Kind string `mapstructure:"kind" validate:"required,oneof=bluez tcp"`
	// Device is a BlueZ object path or MAC address. Required for bluez unless Scan is set.
	Device string `mapstructure:"device"`
	// Address is host:port, used by the tcp transport.
	Address        string        `mapstructure:"address" validate:"omitempty,hostname_port"`
	Adapter        string        `mapstructure:"adapter" validate:"required"`
	Scan           bool          `mapstructure:"scan"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gte=0"`
	IOTimeout      time.Duration `mapstructure:"io_timeout" validate:"gte=0"`
	ScanTimeout    time.Duration `mapstructure:"scan_timeout" validate:"gte=0"`
}

// ExchangeConfig holds the texts exchanged with the server.
type ExchangeConfig struct {
	Message     string `mapstructure:"message"`
	Greeting    string `mapstructure:"greeting" validate:"required"`
	ServiceName string `mapstructure:"service_name" validate:"required"`
}

// SessionConfig locates the saved host state.
type SessionConfig struct {
	File string `mapstructure:"file" validate:"required"`
}

// DeliveryConfig picks what a task does with callbacks while its owner is detached.
type DeliveryConfig struct {
	Policy string `mapstructure:"policy" validate:"required,oneof=buffer last_known"`
}
