package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/voxelnet-project/voxelnet/internal/protocol"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateServer(&cfg.Server, result)
	validateWorld(&cfg.World, result)
	validateAccounts(cfg.Accounts, result)
	validateAPI(&cfg.API, result)

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		validatePort(cfg.MQTT.Port, "mqtt.port", result)
	}

	if cfg.Discovery.Enabled {
		validatePort(cfg.Discovery.Port, "discovery.port", result)
		if cfg.Discovery.Port == cfg.Server.Port {
			result.AddWarning("discovery.port", "discovery shares the session port number (different protocol, allowed)")
		}
	}

	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if strings.TrimSpace(s.Hostname) == "" {
		result.AddError("server.hostname", "hostname is required")
	}
	if len(s.MOTD) > MaxMOTDLength {
		result.AddError("server.motd", fmt.Sprintf("motd is %d bytes (max %d)", len(s.MOTD), MaxMOTDLength))
	}
	if len(s.Hostname)+len(s.MOTD)+2 > protocol.MessageSize-1 {
		result.AddWarning("server.motd", "greeting will be truncated to one text packet")
	}

	if s.ListenAddress != "" && net.ParseIP(s.ListenAddress) == nil {
		result.AddError("server.listen_address", fmt.Sprintf("not an IP address: %s", s.ListenAddress))
	}
	validatePort(s.Port, "server.port", result)

	if s.MaxPeers < 1 {
		result.AddError("server.max_peers", "must allow at least 1 peer")
	}
	if s.MaxPeers > 1024 {
		result.AddWarning("server.max_peers",
			fmt.Sprintf("high peer count (%d): registry lookups scan every slot", s.MaxPeers))
	}

	if s.QueueSize < 1 {
		result.AddError("server.queue_size", "outbound queue must hold at least 1 entry")
	}
	if s.RetryDelayMS < 1 {
		result.AddError("server.retry_delay_ms", "retry delay must be at least 1ms")
	}
	if s.WriteTimeoutMS < 1 {
		result.AddError("server.write_timeout_ms", "write timeout must be at least 1ms")
	}
	if s.WriteTimeoutMS > 100 {
		result.AddWarning("server.write_timeout_ms", "long write timeouts stall every peer behind a slow one")
	}
	if s.SlowConsumerMS < s.RetryDelayMS {
		result.AddError("server.slow_consumer_ms", "slow consumer limit must be at least one retry delay")
	}
	if s.ReadBufferSize < protocol.HeaderSize {
		result.AddError("server.read_buffer_size", "read buffer smaller than a frame header")
	}

	if s.ChatRate <= 0 {
		result.AddWarning("server.chat_rate", "chat flood control is disabled")
	}
}

func validateWorld(w *WorldConfig, result *ValidationResult) {
	if strings.TrimSpace(w.Database) == "" {
		result.AddError("world.database", "database path is required")
	}
	if w.AutosaveIntervalSec < 0 {
		result.AddError("world.autosave_interval_sec", "must not be negative")
	} else if w.AutosaveIntervalSec == 0 {
		result.AddWarning("world.autosave_interval_sec", "autosave disabled, the world is only saved on shutdown")
	}
}

func validateAccounts(accounts []Account, result *ValidationResult) {
	seen := make(map[string]bool)
	for i, a := range accounts {
		field := fmt.Sprintf("accounts[%d]", i)
		name := strings.TrimSpace(a.Name)
		switch {
		case name == "":
			result.AddError(field+".name", "account name is required")
		case len(name) >= protocol.NameSize:
			result.AddError(field+".name", fmt.Sprintf("name longer than %d bytes", protocol.NameSize-1))
		case seen[name]:
			result.AddError(field+".name", fmt.Sprintf("duplicate account %q", name))
		}
		seen[name] = true

		if len(a.Password) < protocol.PasswordMin {
			result.AddError(field+".password", fmt.Sprintf("password shorter than %d bytes", protocol.PasswordMin))
		}
		if len(a.Password) >= protocol.PasswordSize {
			result.AddError(field+".password", fmt.Sprintf("password longer than %d bytes", protocol.PasswordSize-1))
		}
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)

	if a.TLSEnabled && (a.TLSCertFile == "") != (a.TLSKeyFile == "") {
		result.AddError("api.tls_cert_file", "TLS certificate and key must be set together")
	}
	if a.Token == "" {
		result.AddWarning("api.token", "monitor endpoints are unauthenticated")
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
	for _, ip := range a.IPWhitelist {
		if net.ParseIP(ip) == nil {
			if _, _, err := net.ParseCIDR(ip); err != nil {
				result.AddError("api.ip_whitelist", fmt.Sprintf("invalid address: %s", ip))
			}
		}
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
