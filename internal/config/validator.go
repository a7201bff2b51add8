package config

import (
	"fmt"
	"net"
	"strings"
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

// Validate checks cfg and resets every field that has an error to its
// default, so the returned result is advisory and cfg is always usable.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}
	def := DefaultConfig()

	validateConnectServer(&cfg.ConnectServer, &def.ConnectServer, result)
	validateAPI(cfg, result)
	validateMQTT(&cfg.MQTT, &def.MQTT, result)

	if cfg.Log.MaxBackups < 0 {
		result.AddError("log.maxbackups", "must not be negative")
		cfg.Log.MaxBackups = def.Log.MaxBackups
	}

	return result
}

func validateConnectServer(cs, def *ConnectServerInfo, result *ValidationResult) {
	if !validatePort(cs.PortTCP, "connectserverinfo.connectserverporttcp", result) {
		cs.PortTCP = def.PortTCP
	}
	if !validatePort(cs.PortUDP, "connectserverinfo.connectserverportudp", result) {
		cs.PortUDP = def.PortUDP
	}

	if cs.MaxIPConnection < 0 {
		result.AddError("connectserverinfo.maxipconnection", "must not be negative (0 = unlimited)")
		cs.MaxIPConnection = def.MaxIPConnection
	}

	if cs.ClientIdleTimeout < 0 {
		result.AddError("connectserverinfo.clientidletimeout", "must not be negative (0 = disabled)")
		cs.ClientIdleTimeout = def.ClientIdleTimeout
	} else if cs.ClientIdleTimeout > 0 && cs.ClientIdleTimeout < 10 {
		result.AddWarning("connectserverinfo.clientidletimeout",
			"idle timeout less than 10 seconds may drop slow clients")
	}

	if cs.UDPRateLimit < 0 {
		result.AddError("connectserverinfo.udpratelimit", "must not be negative (0 = unlimited)")
		cs.UDPRateLimit = def.UDPRateLimit
	}

	cs.ServerListSource = strings.ToLower(strings.TrimSpace(cs.ServerListSource))
	switch cs.ServerListSource {
	case ServerListSourceDat, ServerListSourceSQLite:
	default:
		result.AddError("connectserverinfo.serverlistsource",
			fmt.Sprintf("unknown source %q (want dat or sqlite)", cs.ServerListSource))
		cs.ServerListSource = def.ServerListSource
	}

	if strings.TrimSpace(cs.ServerListPath) == "" {
		result.AddError("connectserverinfo.serverlistpath", "server list path is required")
		cs.ServerListPath = def.ServerListPath
	}
}

func validateAPI(cfg *Config, result *ValidationResult) {
	if cfg.API.RateLimit < 0 {
		result.AddError("api.ratelimit", "must not be negative (0 = unlimited)")
		cfg.API.RateLimit = DefaultAPIRateLimit
	}

	port := cfg.API.Port
	if port == 0 {
		return
	}
	if !validatePort(port, "api.port", result) {
		cfg.API.Port = 0
		return
	}
	if port == cfg.ConnectServer.PortTCP {
		result.AddError("api.port", "conflicts with ConnectServerPortTCP, API disabled")
		cfg.API.Port = 0
	}
}

func validateMQTT(m, def *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.Broker) == "" {
		result.AddError("mqtt.broker", "MQTT broker is required when enabled, MQTT disabled")
		m.Enabled = false
		return
	}
	if !validatePort(m.Port, "mqtt.port", result) {
		m.Port = def.Port
	}
	if m.StatusInterval < 1 {
		result.AddWarning("mqtt.statusinterval", "status interval below 1s, using default")
		m.StatusInterval = def.StatusInterval
	}
	if strings.TrimSpace(m.TopicPrefix) == "" {
		m.TopicPrefix = def.TopicPrefix
	}
}

func validatePort(port int, field string, result *ValidationResult) bool {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return false
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
	return true
}

// IsPortAvailable checks if a TCP port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
