package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vesperhq/vesper/internal/forge"
)

// RegisterForge adds pull-request capabilities backed by the GitHub
// provider. defaultRepo ("owner/repo") is used when the model omits
// the repo argument.
func RegisterForge(r *Registry, gh *forge.GitHub, defaultRepo string) error {
	repoParam := map[string]any{
		"type":        "string",
		"description": fmt.Sprintf("Repository as owner/repo (default %q)", defaultRepo),
	}
	resolveRepo := func(args map[string]any) string {
		if repo := stringArg(args, "repo"); repo != "" {
			return repo
		}
		return defaultRepo
	}

	if err := r.Register(&Capability{
		Name:        "open_pull_request",
		Description: "Create a branch, commit the given files to it, and open a pull request. Use this to propose code or document changes.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"repo":   repoParam,
				"branch": map[string]any{"type": "string", "description": "Name of the branch to create"},
				"base":   map[string]any{"type": "string", "description": "Branch to fork from and merge into (default main)"},
				"title":  map[string]any{"type": "string", "description": "Pull request title"},
				"body":   map[string]any{"type": "string", "description": "Pull request description"},
				"files": map[string]any{
					"type":        "object",
					"description": "Files to commit, mapping path to full file content",
				},
				"draft": map[string]any{"type": "boolean", "description": "Open as a draft pull request"},
			},
			"required": []string{"branch", "title", "files"},
		},
		Timeout: 2 * time.Minute,
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			filesArg, ok := args["files"].(map[string]any)
			if !ok || len(filesArg) == 0 {
				return nil, fmt.Errorf("files must be a non-empty object of path to content")
			}
			change := &forge.ProposedChange{
				Branch: stringArg(args, "branch"),
				Base:   stringArg(args, "base"),
				Title:  stringArg(args, "title"),
				Body:   stringArg(args, "body"),
				Draft:  boolArg(args, "draft"),
			}
			for path, content := range filesArg {
				text, ok := content.(string)
				if !ok {
					return nil, fmt.Errorf("content of %s must be a string", path)
				}
				change.Files = append(change.Files, forge.FileChange{Path: path, Content: text})
			}

			repo := resolveRepo(args)
			pr, err := gh.OpenPullRequest(ctx, repo, change)
			if err != nil {
				return nil, err
			}
			out, _ := json.Marshal(pr)
			return &Result{
				Output:      string(out),
				SideEffects: []string{fmt.Sprintf("opened pull request %s#%d", repo, pr.Number)},
			}, nil
		},
	}); err != nil {
		return err
	}

	if err := r.Register(&Capability{
		Name:        "list_pull_requests",
		Description: "List pull requests in a repository.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"repo":  repoParam,
				"state": map[string]any{"type": "string", "description": "open, closed or all (default open)"},
				"limit": map[string]any{"type": "integer", "description": "Maximum results (default 20, max 50)"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			prs, err := gh.ListPullRequests(ctx, resolveRepo(args), stringArg(args, "state"), intArg(args, "limit", 0))
			if err != nil {
				return nil, err
			}
			out, _ := json.Marshal(prs)
			return &Result{Output: string(out)}, nil
		},
	}); err != nil {
		return err
	}

	return r.Register(&Capability{
		Name:        "get_pull_request",
		Description: "Fetch a single pull request by number.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"repo":   repoParam,
				"number": map[string]any{"type": "integer", "description": "Pull request number"},
			},
			"required": []string{"number"},
		},
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			pr, err := gh.GetPullRequest(ctx, resolveRepo(args), intArg(args, "number", 0))
			if err != nil {
				return nil, err
			}
			out, _ := json.Marshal(pr)
			return &Result{Output: string(out)}, nil
		},
	})
}
