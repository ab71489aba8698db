// Package config handles configuration loading, validation, and persistence
// for the voxelnet server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxelnet-project/voxelnet/internal/util"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"

	DefaultPort          = 25659
	DefaultAPIPort       = 5080
	DefaultDiscoveryPort = 25658
	DefaultMaxPeers      = 32
	DefaultHostname      = "voxelnet"
	DefaultMOTD          = "welcome to voxelnet"

	// MaxMOTDLength keeps the greeting inside one text packet.
	MaxMOTDLength = 200
)

// Config is the root configuration structure for voxelnet.
type Config struct {
	mu      sync.RWMutex
	path    string
	created bool

	Server    ServerConfig    `json:"server"`
	World     WorldConfig     `json:"world"`
	Accounts  []Account       `json:"accounts"`
	API       APIConfig       `json:"api"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Discovery DiscoveryConfig `json:"discovery"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig holds the session server settings.
type ServerConfig struct {
	Hostname      string `json:"hostname"`
	MOTD          string `json:"motd"`
	ListenAddress string `json:"listen_address"`
	Port          int    `json:"port"`
	MaxPeers      int    `json:"max_peers"`

	// Outbound backpressure
	QueueSize      int `json:"queue_size"`
	RetryDelayMS   int `json:"retry_delay_ms"`
	WriteTimeoutMS int `json:"write_timeout_ms"`
	// How long a frame may sit blocked at the queue head before its peer
	// is dropped as a slow consumer
	SlowConsumerMS int `json:"slow_consumer_ms"`

	ReadBufferSize int `json:"read_buffer_size"`
	KeepAliveSec   int `json:"keepalive_sec"`

	// Chat flood control, lines per second and burst
	ChatRate  float64 `json:"chat_rate"`
	ChatBurst int     `json:"chat_burst"`
}

// Addr returns the TCP listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.ListenAddress, s.Port)
}

// RetryDelay returns the outbound queue retry delay.
func (s ServerConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMS) * time.Millisecond
}

// WriteTimeout returns how long one write may stall the reactor.
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// SlowConsumer returns how long a blocked queue head is tolerated.
func (s ServerConfig) SlowConsumer() time.Duration {
	return time.Duration(s.SlowConsumerMS) * time.Millisecond
}

// KeepAlive returns the TCP keepalive period.
func (s ServerConfig) KeepAlive() time.Duration {
	return time.Duration(s.KeepAliveSec) * time.Second
}

// WorldConfig holds persistence and background task settings.
type WorldConfig struct {
	Database            string `json:"database"`
	AutosaveIntervalSec int    `json:"autosave_interval_sec"`
	StatsIntervalSec    int    `json:"stats_interval_sec"`
}

// Account is a login seeded into the account store on startup.
type Account struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// APIConfig holds the admin REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	Token          string   `json:"token"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	IPWhitelist    []string `json:"ip_whitelist"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// DiscoveryConfig holds the LAN discovery responder settings.
type DiscoveryConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Hostname:       DefaultHostname,
			MOTD:           DefaultMOTD,
			ListenAddress:  "0.0.0.0",
			Port:           DefaultPort,
			MaxPeers:       DefaultMaxPeers,
			QueueSize:      256,
			RetryDelayMS:   50,
			WriteTimeoutMS: 2,
			SlowConsumerMS: 5000,
			ReadBufferSize: 4096,
			KeepAliveSec:   30,
			ChatRate:       2,
			ChatBurst:      5,
		},
		World: WorldConfig{
			Database:            "data/voxelnet.db",
			AutosaveIntervalSec: 60,
			StatsIntervalSec:    300,
		},
		Accounts: []Account{
			{Name: "admin", Password: "changeme123"},
			{Name: "guest", Password: "guestguest"},
		},
		API: APIConfig{
			Enabled:        true,
			Port:           DefaultAPIPort,
			AllowedOrigins: []string{"*"},
			RateLimitRPS:   20,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			BrokerURL:   "localhost",
			Port:        1883,
			ClientID:    "voxelnet",
			TopicPrefix: "voxelnet",
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
			Port:    DefaultDiscoveryPort,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			Console:    true,
		},
	}
}

// Load reads configuration from a JSON file. A missing file is created with
// the defaults, which are then used for this run.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			cfg.created = true
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// the file holds account passwords and the API token
	if err := util.WriteFileAtomic(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// SetMOTD replaces the message of the day.
func (c *Config) SetMOTD(motd string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server.MOTD = motd
}

// MOTD returns the message of the day.
func (c *Config) MOTD() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.MOTD
}

// Greeting returns the text sent to every new connection.
func (c *Config) Greeting() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s: %s", c.Server.Hostname, c.Server.MOTD)
}

// IsFirstRun reports whether Load had to create the config file.
func (c *Config) IsFirstRun() bool {
	return c.created
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
