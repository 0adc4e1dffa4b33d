// Package tooling connects to external MCP servers and exposes their tools
// to the voice session's dispatcher. It uses the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk); one SDK client manages all
// server sessions.
package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/soundline/duplex/internal/config"
	"github.com/soundline/duplex/internal/voice"
	"github.com/soundline/duplex/pkg/realtime"
)

// Host owns the MCP server connections backing dispatched tools.
type Host struct {
	client *mcpsdk.Client

	mu       sync.Mutex
	sessions []*mcpsdk.ClientSession
}

// NewHost returns a host with no connections.
func NewHost() *Host {
	return &Host{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "duplex", Version: "1.0.0"},
			nil,
		),
	}
}

// Connect establishes the connection described by cfg, lists the server's
// tools and registers each one on dp. Tool names are registered as the
// server reports them; a later registration of the same name replaces the
// earlier one.
func (h *Host) Connect(ctx context.Context, cfg config.MCPServerConfig, dp *voice.Dispatcher) error {
	var transport mcpsdk.Transport
	switch cfg.Transport {
	case config.TransportStdio:
		if cfg.Command == "" {
			return fmt.Errorf("tooling: stdio server %q requires a command", cfg.Name)
		}
		transport = &mcpsdk.CommandTransport{
			Command: exec.CommandContext(ctx, cfg.Command, cfg.Args...),
		}
	case config.TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tooling: streamable-http server %q requires a URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("tooling: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tooling: connect to server %q: %w", cfg.Name, err)
	}

	var tools []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tooling: list tools for server %q: %w", cfg.Name, err)
		}
		tools = append(tools, *tool)
	}

	registerAll(dp, &sessionCaller{session: session}, cfg.Name, tools)

	h.mu.Lock()
	h.sessions = append(h.sessions, session)
	h.mu.Unlock()

	slog.Info("mcp server connected", "server", cfg.Name, "tools", len(tools))
	return nil
}

// Close shuts down all server sessions.
func (h *Host) Close() error {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = nil
	h.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// toolCaller abstracts the live MCP session so tool registration can be
// tested without one.
type toolCaller interface {
	callTool(ctx context.Context, name string, args map[string]any) (text string, isError bool, err error)
}

// sessionCaller routes calls through an SDK session.
type sessionCaller struct {
	session *mcpsdk.ClientSession
}

func (c *sessionCaller) callTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	res, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", false, err
	}
	var sb strings.Builder
	for _, content := range res.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String(), res.IsError, nil
}

// registerAll registers each discovered tool on dp, with a handler that
// routes invocations back through caller.
func registerAll(dp *voice.Dispatcher, caller toolCaller, serverName string, tools []mcpsdk.Tool) {
	for _, tool := range tools {
		name := tool.Name
		def := realtime.ToolDefinition{
			Name:        name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		}
		dp.Register(def, func(ctx context.Context, args map[string]any) (map[string]any, error) {
			text, isError, err := caller.callTool(ctx, name, args)
			if err != nil {
				return nil, fmt.Errorf("tooling: call %s/%s: %w", serverName, name, err)
			}
			if isError {
				return nil, fmt.Errorf("tooling: %s/%s reported: %s", serverName, name, text)
			}
			return map[string]any{"content": text}, nil
		})
		slog.Debug("mcp tool registered", "server", serverName, "tool", name)
	}
}

// schemaToMap converts a tool's input schema into the plain map the session
// handshake expects. Unparseable schemas degrade to an empty object schema.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}
