package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/soundline/duplex/internal/observe"
	"github.com/soundline/duplex/pkg/realtime"
)

// DefaultToolTimeout bounds a single tool handler invocation.
const DefaultToolTimeout = 30 * time.Second

// ToolHandler executes one tool invocation. A returned error becomes an
// error-shaped result for the service; it does not affect the session.
type ToolHandler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Dispatcher routes tool call requests from the service to registered
// handlers. Every request produces exactly one result correlated by the
// request ID, whatever goes wrong inside the handler: unknown tools,
// handler errors, timeouts and panics all come back as error-shaped
// results rather than session failures.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]ToolHandler
	defs     []realtime.ToolDefinition

	timeout time.Duration
	notify  func(tool string, err error)
	metrics *observe.Metrics
}

// DispatcherOption configures a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithToolTimeout overrides the per-invocation handler timeout.
func WithToolTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// WithToolNotify registers a fire-and-forget observer called after every
// dispatch with the tool name and its error, if any. It runs on its own
// goroutine and cannot delay or fail the dispatch.
func WithToolNotify(fn func(tool string, err error)) DispatcherOption {
	return func(dp *Dispatcher) { dp.notify = fn }
}

// WithToolMetrics records call counts and latencies on m.
func WithToolMetrics(m *observe.Metrics) DispatcherOption {
	return func(dp *Dispatcher) { dp.metrics = m }
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	dp := &Dispatcher{
		handlers: make(map[string]ToolHandler),
		timeout:  DefaultToolTimeout,
	}
	for _, opt := range opts {
		opt(dp)
	}
	return dp
}

// Register adds a tool. Re-registering a name replaces its handler and
// definition.
func (dp *Dispatcher) Register(def realtime.ToolDefinition, handler ToolHandler) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if _, exists := dp.handlers[def.Name]; exists {
		for i := range dp.defs {
			if dp.defs[i].Name == def.Name {
				dp.defs[i] = def
				break
			}
		}
	} else {
		dp.defs = append(dp.defs, def)
	}
	dp.handlers[def.Name] = handler
}

// Definitions returns the registered tool definitions for the session
// handshake.
func (dp *Dispatcher) Definitions() []realtime.ToolDefinition {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	defs := make([]realtime.ToolDefinition, len(dp.defs))
	copy(defs, dp.defs)
	return defs
}

// Dispatch executes the request and returns its result. The result always
// carries req.ID so the service can correlate it.
func (dp *Dispatcher) Dispatch(ctx context.Context, req realtime.ToolCallRequest) realtime.ToolCallResult {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "tool "+req.Name)
	defer span.End()

	dp.mu.RLock()
	handler := dp.handlers[req.Name]
	dp.mu.RUnlock()

	var (
		output map[string]any
		err    error
	)
	if handler == nil {
		err = fmt.Errorf("no handler registered for tool %q", req.Name)
	} else {
		output, err = dp.invoke(ctx, handler, req.Args)
	}

	status := "ok"
	if err != nil {
		status = "error"
		slog.Warn("tool call failed", "tool", req.Name, "id", req.ID, "error", err)
	}
	if dp.metrics != nil {
		dp.metrics.RecordToolCall(ctx, req.Name, status, time.Since(start).Seconds())
	}
	if dp.notify != nil {
		go dp.notify(req.Name, err)
	}

	if err != nil {
		return realtime.ToolCallResult{
			ID:      req.ID,
			Name:    req.Name,
			Output:  map[string]any{"error": err.Error()},
			IsError: true,
		}
	}
	return realtime.ToolCallResult{ID: req.ID, Name: req.Name, Output: output}
}

// toolReturn carries a handler's outcome across the invocation goroutine.
type toolReturn struct {
	output map[string]any
	err    error
}

// invoke runs handler under the dispatcher timeout, converting panics into
// errors so a misbehaving tool cannot take the session down. The handler
// runs on its own goroutine: when the deadline passes, invoke returns a
// timeout error even if the handler ignores its context, and the stray
// handler drains in the background.
func (dp *Dispatcher) invoke(ctx context.Context, handler ToolHandler, args map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, dp.timeout)
	defer cancel()

	ret := make(chan toolReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ret <- toolReturn{err: fmt.Errorf("tool handler panicked: %v", r)}
			}
		}()
		output, err := handler(ctx, args)
		ret <- toolReturn{output: output, err: err}
	}()

	select {
	case r := <-ret:
		return r.output, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("tool handler did not finish: %w", ctx.Err())
	}
}
