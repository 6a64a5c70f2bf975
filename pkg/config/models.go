package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Client    ClientConfig
	LogLevel  string `mapstructure:"logLevel"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

// ClientConfig drives the realtime client SDK (the watch subcommand and any
// embedding front-end).
type ClientConfig struct {
	URL                  string        `mapstructure:"url"`
	MaxReconnectAttempts int           `mapstructure:"maxReconnectAttempts"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnectBaseDelay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnectMaxDelay"`
	SettleDelay          time.Duration `mapstructure:"settleDelay"`
	HealthInterval       time.Duration `mapstructure:"healthInterval"`
	ProbeTimeout         time.Duration `mapstructure:"probeTimeout"`
	PollInterval         time.Duration `mapstructure:"pollInterval"`
}
