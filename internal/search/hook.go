package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ReplyHook adapts a Manager to the reply pipeline's search callback.
// The returned function runs the query against the primary provider and
// renders up to count results as the text block the composer folds into
// its prompt. An empty result set returns an empty string so the
// composer skips the block.
func ReplyHook(mgr *Manager, count int, logger *slog.Logger) func(ctx context.Context, query string) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "search")
	if count <= 0 {
		count = 5
	}

	return func(ctx context.Context, query string) (string, error) {
		query = strings.TrimSpace(query)
		if query == "" {
			return "", fmt.Errorf("search: empty query")
		}

		results, err := mgr.Search(ctx, query, Options{Count: count})
		if err != nil {
			return "", err
		}
		logger.Debug("search complete", "query", query, "results", len(results))
		return FormatResults(results), nil
	}
}
