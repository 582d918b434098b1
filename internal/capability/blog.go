package capability

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/yuin/goldmark"
)

// Blog writes post drafts into a drafts/ directory under the
// workspace. Each draft is stored as markdown alongside a rendered
// HTML preview.
type Blog struct {
	workspace string
}

// NewBlog creates the blog capability provider. An empty workspace
// disables registration.
func NewBlog(workspace string) *Blog {
	return &Blog{workspace: workspace}
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// slugify turns a title into a filesystem-safe slug.
func slugify(title string) string {
	s := slugUnsafe.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "untitled"
	}
	if len(s) > 60 {
		s = strings.Trim(s[:60], "-")
	}
	return s
}

// renderPreview converts markdown to a standalone HTML page.
func renderPreview(title, md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	page := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="max-width: 42em; margin: 2em auto; font-family: sans-serif; line-height: 1.6;">
%s
</body></html>`, title, buf.String())
	return page, nil
}

// Register adds the draft_blog_post capability.
func (b *Blog) Register(r *Registry) error {
	if b.workspace == "" {
		return nil
	}

	return r.Register(&Capability{
		Name:        "draft_blog_post",
		Description: "Save a blog post draft to the workspace. Writes the markdown source and a rendered HTML preview under drafts/.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Post title",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Post body in markdown",
				},
			},
			"required": []string{"title", "content"},
		},
		Handler: func(_ context.Context, args map[string]any) (*Result, error) {
			title := stringArg(args, "title")
			content := stringArg(args, "content")

			slug := slugify(title)
			dir := filepath.Join(b.workspace, "drafts")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create drafts dir: %w", err)
			}

			md := fmt.Sprintf("# %s\n\n_Drafted %s_\n\n%s\n", title,
				time.Now().Format("2006-01-02"), content)
			mdPath := filepath.Join(dir, slug+".md")
			if err := os.WriteFile(mdPath, []byte(md), 0o644); err != nil {
				return nil, fmt.Errorf("write draft: %w", err)
			}

			preview, err := renderPreview(title, md)
			if err != nil {
				return nil, fmt.Errorf("render preview: %w", err)
			}
			htmlPath := filepath.Join(dir, slug+".html")
			if err := os.WriteFile(htmlPath, []byte(preview), 0o644); err != nil {
				return nil, fmt.Errorf("write preview: %w", err)
			}

			rel, _ := filepath.Rel(b.workspace, mdPath)
			return &Result{
				Output:      fmt.Sprintf("Draft saved to %s with HTML preview alongside.", rel),
				SideEffects: []string{fmt.Sprintf("wrote draft %s", rel)},
			}, nil
		},
	})
}
