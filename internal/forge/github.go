// Package forge talks to code hosting services. The agent uses it to
// propose code changes as pull requests. GitHub is the only provider;
// all repo parameters use "owner/name" format.
package forge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v69/github"
)

// GitHub is a pull-request provider backed by the go-github SDK.
type GitHub struct {
	client *gogithub.Client
	logger *slog.Logger
}

// NewGitHub creates a GitHub provider. baseURL is empty for
// github.com, or the API root of an enterprise instance.
func NewGitHub(httpClient *http.Client, token, baseURL string, logger *slog.Logger) (*GitHub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := gogithub.NewClient(httpClient)
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("forge: enterprise url: %w", err)
		}
	}
	if token != "" {
		client = client.WithAuthToken(token)
	}

	return &GitHub{client: client, logger: logger}, nil
}

// splitRepo splits a "owner/repo" string into its two parts.
func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q: expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

// checkRateLimit logs a warning when remaining API calls drop below threshold.
func (g *GitHub) checkRateLimit(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining < 100 {
		g.logger.Warn("forge: github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// PullRequest is the subset of PR state the agent reports back.
type PullRequest struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	State     string    `json:"state"`
	Author    string    `json:"author,omitempty"`
	Head      string    `json:"head"`
	Base      string    `json:"base"`
	URL       string    `json:"url"`
	Draft     bool      `json:"draft,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FileChange is one file to commit in a proposed change.
type FileChange struct {
	Path    string
	Content string
}

// ProposedChange describes a branch of file edits to open as a PR.
type ProposedChange struct {
	Branch  string
	Base    string
	Title   string
	Body    string
	Message string
	Files   []FileChange
	Draft   bool
}

// OpenPullRequest creates a branch from Base, commits the files to it,
// and opens a pull request. Files that already exist on the base
// branch are updated in place, new paths are created.
func (g *GitHub) OpenPullRequest(ctx context.Context, repo string, change *ProposedChange) (*PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	if change.Branch == "" || change.Title == "" || len(change.Files) == 0 {
		return nil, fmt.Errorf("forge: proposed change requires branch, title and at least one file")
	}
	if change.Base == "" {
		change.Base = "main"
	}
	if change.Message == "" {
		change.Message = change.Title
	}

	baseRef, resp, err := g.client.Git.GetRef(ctx, owner, name, "refs/heads/"+change.Base)
	if err != nil {
		return nil, fmt.Errorf("forge: get base ref %s: %w", change.Base, err)
	}
	g.checkRateLimit(resp)

	newRef := &gogithub.Reference{
		Ref:    gogithub.Ptr("refs/heads/" + change.Branch),
		Object: &gogithub.GitObject{SHA: baseRef.Object.SHA},
	}
	if _, resp, err = g.client.Git.CreateRef(ctx, owner, name, newRef); err != nil {
		return nil, fmt.Errorf("forge: create branch %s: %w", change.Branch, err)
	}
	g.checkRateLimit(resp)

	for _, file := range change.Files {
		opts := &gogithub.RepositoryContentFileOptions{
			Message: gogithub.Ptr(change.Message),
			Content: []byte(file.Content),
			Branch:  gogithub.Ptr(change.Branch),
		}

		// Existing files need their blob SHA to be updated.
		existing, _, resp, err := g.client.Repositories.GetContents(ctx, owner, name, file.Path,
			&gogithub.RepositoryContentGetOptions{Ref: change.Base})
		g.checkRateLimit(resp)
		if err == nil && existing != nil {
			opts.SHA = existing.SHA
			_, resp, err = g.client.Repositories.UpdateFile(ctx, owner, name, file.Path, opts)
		} else {
			_, resp, err = g.client.Repositories.CreateFile(ctx, owner, name, file.Path, opts)
		}
		if err != nil {
			return nil, fmt.Errorf("forge: commit %s: %w", file.Path, err)
		}
		g.checkRateLimit(resp)
	}

	pr, resp, err := g.client.PullRequests.Create(ctx, owner, name, &gogithub.NewPullRequest{
		Title: gogithub.Ptr(change.Title),
		Body:  gogithub.Ptr(change.Body),
		Head:  gogithub.Ptr(change.Branch),
		Base:  gogithub.Ptr(change.Base),
		Draft: gogithub.Ptr(change.Draft),
	})
	if err != nil {
		return nil, fmt.Errorf("forge: create pull request: %w", err)
	}
	g.checkRateLimit(resp)

	g.logger.Info("opened pull request",
		"repo", repo,
		"number", pr.GetNumber(),
		"branch", change.Branch,
	)
	return convertPR(pr), nil
}

// ListPullRequests returns pull requests in the given state ("open",
// "closed", "all"; default "open").
func (g *GitHub) ListPullRequests(ctx context.Context, repo, state string, limit int) ([]*PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	if state == "" {
		state = "open"
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	results, resp, err := g.client.PullRequests.List(ctx, owner, name, &gogithub.PullRequestListOptions{
		State:       state,
		ListOptions: gogithub.ListOptions{PerPage: limit},
	})
	if err != nil {
		return nil, fmt.Errorf("forge: list pull requests: %w", err)
	}
	g.checkRateLimit(resp)

	prs := make([]*PullRequest, 0, len(results))
	for _, r := range results {
		prs = append(prs, convertPR(r))
	}
	return prs, nil
}

// GetPullRequest fetches a single pull request by number.
func (g *GitHub) GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	pr, resp, err := g.client.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return nil, fmt.Errorf("forge: get pull request %d: %w", number, err)
	}
	g.checkRateLimit(resp)
	return convertPR(pr), nil
}

// convertPR maps a go-github PullRequest to our PullRequest type.
func convertPR(pr *gogithub.PullRequest) *PullRequest {
	if pr == nil {
		return nil
	}
	return &PullRequest{
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		Body:      pr.GetBody(),
		State:     pr.GetState(),
		Author:    pr.GetUser().GetLogin(),
		Head:      pr.GetHead().GetRef(),
		Base:      pr.GetBase().GetRef(),
		URL:       pr.GetHTMLURL(),
		Draft:     pr.GetDraft(),
		CreatedAt: pr.GetCreatedAt().Time,
	}
}
