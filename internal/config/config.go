// Package config provides the configuration schema and loader for the duplex
// voice client.
package config

import (
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Transport selects how an MCP server is reached.
type Transport string

const (
	// TransportStdio launches the server as a child process speaking MCP over
	// stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP connects to a server over streamable HTTP.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Audio    AudioConfig    `yaml:"audio"`
	Recorder RecorderConfig `yaml:"recorder"`
	Logstore LogstoreConfig `yaml:"logstore"`
	MCP      MCPConfig      `yaml:"mcp"`
}

// ServerConfig holds logging and operational endpoint settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address serving /metrics, /healthz and /readyz
	// (e.g. ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// ProviderConfig selects and configures the realtime speech service.
type ProviderConfig struct {
	// Name selects the provider implementation: "gemini" or "openai".
	Name string `yaml:"name"`

	// APIKey authenticates against the provider's API.
	APIKey string `yaml:"api_key"`

	// Model overrides the provider's default realtime model.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default endpoint. Leave empty to use
	// the built-in default.
	BaseURL string `yaml:"base_url"`

	// Voice selects the agent's voice by provider-specific ID.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt for the agent.
	Instructions string `yaml:"instructions"`
}

// AudioConfig tunes the local audio pipelines.
type AudioConfig struct {
	// FramePeriodMS is the capture frame cadence in milliseconds. Zero means
	// the built-in default of 20 ms.
	FramePeriodMS int `yaml:"frame_period_ms"`

	// WatchdogMarginMS is added to each playback unit's duration to form its
	// completion deadline, in milliseconds. Zero means the built-in default.
	WatchdogMarginMS int `yaml:"watchdog_margin_ms"`
}

// FramePeriod returns the frame cadence as a duration.
func (c AudioConfig) FramePeriod() time.Duration {
	return time.Duration(c.FramePeriodMS) * time.Millisecond
}

// WatchdogMargin returns the watchdog margin as a duration.
func (c AudioConfig) WatchdogMargin() time.Duration {
	return time.Duration(c.WatchdogMarginMS) * time.Millisecond
}

// RecorderConfig controls local Opus recording of both conversation sides.
type RecorderConfig struct {
	// Enabled turns recording on.
	Enabled bool `yaml:"enabled"`

	// Dir is the directory recordings are written to.
	Dir string `yaml:"dir"`
}

// LogstoreConfig controls persistence of per-turn interaction records.
type LogstoreConfig struct {
	// PostgresDSN is the connection string for the interaction log database.
	// Empty disables persistence.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// MCPConfig lists external MCP tool servers whose tools are offered to the
// agent.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server connection.
type MCPServerConfig struct {
	// Name identifies the server in logs and tool-name prefixes.
	Name string `yaml:"name"`

	// Transport selects stdio or streamable-http.
	Transport Transport `yaml:"transport"`

	// Command is the executable to launch for stdio transport.
	Command string `yaml:"command"`

	// Args are passed to Command.
	Args []string `yaml:"args"`

	// URL is the endpoint for streamable-http transport.
	URL string `yaml:"url"`
}
