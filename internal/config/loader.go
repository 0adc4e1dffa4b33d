package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the realtime providers that ship with duplex.
var ValidProviderNames = []string{"gemini", "openai"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		errs = append(errs, fmt.Errorf("provider.name %q is unknown; valid values: gemini, openai", cfg.Provider.Name))
	}
	if cfg.Provider.Name != "" && cfg.Provider.APIKey == "" {
		errs = append(errs, fmt.Errorf("provider.api_key is required for provider %q", cfg.Provider.Name))
	}

	// Audio
	if cfg.Audio.FramePeriodMS < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_period_ms %d is negative", cfg.Audio.FramePeriodMS))
	}
	if cfg.Audio.FramePeriodMS > 100 {
		errs = append(errs, fmt.Errorf("audio.frame_period_ms %d is out of range (0, 100]", cfg.Audio.FramePeriodMS))
	}
	if cfg.Audio.WatchdogMarginMS < 0 {
		errs = append(errs, fmt.Errorf("audio.watchdog_margin_ms %d is negative", cfg.Audio.WatchdogMarginMS))
	}

	// Recorder
	if cfg.Recorder.Enabled && cfg.Recorder.Dir == "" {
		errs = append(errs, errors.New("recorder.dir is required when recorder.enabled is true"))
	}

	// MCP servers
	namesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			namesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}
