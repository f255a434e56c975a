package tools

import (
	"context"

	"github.com/drosthq/drost/internal/config"
	"github.com/drosthq/drost/pkg/protocol"
)

// WebTool is the built-in web access tool: fetch a URL or search the web.
type WebTool struct {
	fetcher  *webFetcher
	searcher *webSearcher
}

func NewWebTool(cfg config.WebToolsConfig) *WebTool {
	return &WebTool{
		fetcher:  newWebFetcher(cfg),
		searcher: newWebSearcher(cfg),
	}
}

func (t *WebTool) Name() string { return "web" }

func (t *WebTool) Description() string {
	return "Fetch a URL (readability-extracted) or search the web for current information"
}

func (t *WebTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"fetch", "search"},
				"description": "Operation to perform",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch (fetch)",
			},
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query (search)",
			},
			"extractMode": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"markdown", "text"},
				"description": "Extraction mode for fetched pages, default markdown",
			},
			"maxChars": map[string]interface{}{
				"type":        "number",
				"description": "Maximum characters to return (fetch)",
			},
			"count": map[string]interface{}{
				"type":        "number",
				"description": "Number of search results, 1 to 10",
			},
		},
		"required": []interface{}{"action"},
	}
}

func (t *WebTool) Execute(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error) {
	action, err := requiredString(input, "action")
	if err != nil {
		return "", err
	}

	switch action {
	case "fetch":
		rawURL, err := requiredString(input, "url")
		if err != nil {
			return "", err
		}
		req := fetchRequest{
			URL:         rawURL,
			ExtractMode: optionalString(input, "extractMode"),
			MaxChars:    optionalInt(input, "maxChars"),
		}
		return t.fetcher.Fetch(ctx, req)

	case "search":
		query, err := requiredString(input, "query")
		if err != nil {
			return "", err
		}
		return t.searcher.Search(ctx, query, optionalInt(input, "count"))

	default:
		return "", protocol.E(protocol.CodeValidationError, "unknown web action: %s", action)
	}
}
