// Package tools implements the functions the voice bot exposes to the LLM.
//
// A tool never returns a Go error to the conversation loop. Failures are
// turned into result payloads so the model can recover and keep talking.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/metrics"
)

// Result is the JSON object returned to the model.
type Result map[string]any

type Param struct {
	Type        string
	Description string
}

// Declaration describes a tool to the model.
type Declaration struct {
	Name        string
	Description string
	Params      map[string]Param
	Required    []string
}

type Tool interface {
	Declaration() Declaration
	Call(ctx context.Context, args map[string]any) Result
}

// ToolCallError records a failed tool invocation.
type ToolCallError struct {
	Tool string
	Err  error
}

func (e *ToolCallError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolCallError) Unwrap() error { return e.Err }

// Registry dispatches calls by tool name.
type Registry struct {
	tools   map[string]Tool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewRegistry(logger *slog.Logger, m *metrics.Metrics, tools ...Tool) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{tools: make(map[string]Tool, len(tools)), logger: logger, metrics: m}
	for _, t := range tools {
		r.tools[t.Declaration().Name] = t
	}
	return r
}

// Declarations lists the registered tools sorted by name.
func (r *Registry) Declarations() []Declaration {
	out := make([]Declaration, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Declaration())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call runs the named tool. Unknown tools and panics become error payloads.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (res Result) {
	r.metrics.Inc(metrics.ToolCalls)

	t, ok := r.tools[name]
	if !ok {
		err := &ToolCallError{Tool: name, Err: errors.New("unknown tool")}
		r.logger.Warn("tool_call_failed", "tool", name, "err", err)
		r.metrics.Inc(metrics.ToolCallErrors)
		return Result{"error": "unknown_tool", "detail": err.Error()}
	}

	defer func() {
		if p := recover(); p != nil {
			err := &ToolCallError{Tool: name, Err: fmt.Errorf("panic: %v", p)}
			r.logger.Error("tool_call_failed", "tool", name, "err", err)
			r.metrics.Inc(metrics.ToolCallErrors)
			res = Result{"error": name + "_failed", "detail": err.Error()}
		}
	}()
	return t.Call(ctx, args)
}
