package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vesperhq/vesper/internal/fetch"
)

// RegisterWebFetch adds the web_fetch capability backed by the given
// fetcher.
func RegisterWebFetch(r *Registry, f *fetch.Fetcher) error {
	return r.Register(&Capability{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its readable text content with scripts, navigation and boilerplate stripped.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL to fetch and extract content from",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"description": "Maximum characters to return (default 50000)",
				},
			},
			"required": []string{"url"},
		},
		Timeout: fetch.DefaultTimeout + 5*time.Second,
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			page, err := f.Fetch(ctx, stringArg(args, "url"), intArg(args, "max_chars", 0))
			if err != nil {
				return nil, err
			}
			out, err := json.Marshal(page)
			if err != nil {
				return &Result{Output: fmt.Sprintf("Title: %s\n\n%s", page.Title, page.Content)}, nil
			}
			return &Result{Output: string(out)}, nil
		},
	})
}
