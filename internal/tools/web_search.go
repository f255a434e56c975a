package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/drosthq/drost/internal/config"
	"github.com/drosthq/drost/pkg/protocol"
)

const (
	defaultSearchCount = 5
	maxSearchCount     = 10
)

type searchResult struct {
	Title       string
	URL         string
	Description string
}

// searchBackend is one web search source.
type searchBackend interface {
	Name() string
	Search(ctx context.Context, query string, count int) ([]searchResult, error)
}

// webSearcher tries backends in configuration order; the first one that
// answers wins. Brave ranks ahead of the keyless DuckDuckGo fallback.
type webSearcher struct {
	backends []searchBackend
}

func newWebSearcher(cfg config.WebToolsConfig) *webSearcher {
	var backends []searchBackend
	if cfg.Brave.Enabled && cfg.Brave.APIKey != "" {
		backends = append(backends, newBraveBackend(cfg.Brave))
	}
	if cfg.DuckDuckGo.Enabled {
		backends = append(backends, newDuckDuckGoBackend(cfg.DuckDuckGo))
	}
	return &webSearcher{backends: backends}
}

func (s *webSearcher) Search(ctx context.Context, query string, count int) (string, error) {
	if len(s.backends) == 0 {
		return "", protocol.E(protocol.CodeInternal, "no search backends configured")
	}
	if count < 1 || count > maxSearchCount {
		count = defaultSearchCount
	}

	var lastErr error
	for _, backend := range s.backends {
		results, err := backend.Search(ctx, query, count)
		if err != nil {
			slog.Warn("tools.web.search_backend_failed", "backend", backend.Name(), "error", err)
			lastErr = err
			continue
		}
		return formatSearchResults(query, results, backend.Name()), nil
	}
	return "", protocol.E(protocol.CodeProviderTransport, "all search backends failed: %v", lastErr)
}

func formatSearchResults(query string, results []searchResult, backend string) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for: %s", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %s (via %s)\n\n", query, backend)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Description)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
