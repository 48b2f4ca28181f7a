package tools

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-bot/internal/metrics"
)

const WebSearchName = "web_search"

var ErrNoSearcher = errors.New("web search is not configured")

// Searcher answers a free-text query using live web results.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

type webSearchArgs struct {
	Query string `mapstructure:"query"`
}

type WebSearch struct {
	searcher Searcher
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewWebSearch returns the web_search tool. A nil searcher makes every
// non-empty query fail with ErrNoSearcher.
func NewWebSearch(searcher Searcher, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *WebSearch {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSearch{searcher: searcher, timeout: timeout, logger: logger, metrics: m}
}

func (w *WebSearch) Declaration() Declaration {
	return Declaration{
		Name: WebSearchName,
		Description: "Search the web for current, up-to-date information. Use this when the user asks about " +
			"recent events, news, current facts, or anything that requires real-time information beyond your training data.",
		Params: map[string]Param{
			"query": {Type: "string", Description: "The search query or question to look up on the web."},
		},
		Required: []string{"query"},
	}
}

func (w *WebSearch) Call(ctx context.Context, args map[string]any) Result {
	var in webSearchArgs
	if err := mapstructure.WeakDecode(args, &in); err != nil {
		return w.fail(&ToolCallError{Tool: WebSearchName, Err: err})
	}
	query := strings.TrimSpace(in.Query)
	if query == "" {
		w.metrics.Inc(metrics.ToolCallsEmpty)
		return Result{"error": "No search query provided"}
	}
	if w.searcher == nil {
		return w.fail(&ToolCallError{Tool: WebSearchName, Err: ErrNoSearcher})
	}

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	text, err := w.searcher.Search(ctx, query)
	if err != nil {
		return w.fail(&ToolCallError{Tool: WebSearchName, Err: err})
	}

	w.logger.Info("web_search_completed", "query", query)
	return Result{"query": query, "result": text}
}

func (w *WebSearch) fail(err *ToolCallError) Result {
	w.logger.Error("web_search_failed", "err", err)
	w.metrics.Inc(metrics.ToolCallErrors)
	return Result{"error": "web_search_failed", "detail": err.Err.Error()}
}
