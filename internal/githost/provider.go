// Package githost abstracts the Git-hosting service behind a uniform
// provider facade. The pipeline only ever talks to the Provider interface;
// GitHub and Gitea implementations are selected from the repository URL or
// an explicit project setting.
package githost

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/flowstate-dev/flowstate/internal/core"
)

// PullRequest is the triple recorded on a run after a PR is opened.
type PullRequest struct {
	URL    string
	Number int64
	Branch string
}

// Comment is one PR comment.
type Comment struct {
	ID     int64
	Author string
	Body   string
}

// Review is one PR review.
type Review struct {
	ID     int64
	Author string
	Body   string
	State  string
}

// Provider is the uniform repo-hosting facade.
type Provider interface {
	// Name identifies the provider ("github", "gitea").
	Name() string

	// Preflight verifies the provider is usable at all (credentials present,
	// required tooling reachable). Called once before a build.
	Preflight(ctx context.Context) error

	// CheckAuth verifies the configured credentials can see the repository.
	CheckAuth(ctx context.Context, repoURL string) error

	// PushBranch pushes the named branch from workdir to the remote.
	PushBranch(ctx context.Context, workdir, branch string) error

	// OpenPullRequest opens a PR from head against base.
	OpenPullRequest(ctx context.Context, workdir, head, title, body, base string) (*PullRequest, error)

	// GetPRDiff returns the unified diff of a PR.
	GetPRDiff(ctx context.Context, repoURL string, number int64) (string, error)

	// ListPRComments returns the PR's comments.
	ListPRComments(ctx context.Context, repoURL string, number int64) ([]Comment, error)

	// CreatePRComment posts a comment on the PR.
	CreatePRComment(ctx context.Context, repoURL string, number int64, body string) error

	// ListPRReviews returns the PR's reviews.
	ListPRReviews(ctx context.Context, repoURL string, number int64) ([]Review, error)

	// CreatePRReview posts a review with the given state.
	CreatePRReview(ctx context.Context, repoURL string, number int64, body, state string) error
}

// ForURL resolves a provider for a repository URL. An explicit provider
// type wins; otherwise github.com maps to GitHub and anything else to
// Gitea, which shares its PR API with most self-hosted forges.
func ForURL(repoURL, token string, providerType core.ProviderType, skipTLS bool) (Provider, error) {
	switch providerType {
	case core.ProviderGitHub:
		return NewGitHub(repoURL, token)
	case core.ProviderGitea:
		return NewGitea(repoURL, token, skipTLS)
	case core.ProviderAuto:
	default:
		return nil, fmt.Errorf("unknown provider type %q", providerType)
	}

	host, err := hostOf(repoURL)
	if err != nil {
		return nil, err
	}
	if host == "github.com" || strings.HasSuffix(host, ".github.com") {
		return NewGitHub(repoURL, token)
	}
	return NewGitea(repoURL, token, skipTLS)
}

func hostOf(repoURL string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("parse repo url %q: %w", repoURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("repo url %q has no host", repoURL)
	}
	return u.Hostname(), nil
}

// splitRepoPath extracts (owner, repo) from a repo URL path, tolerating a
// trailing .git.
func splitRepoPath(repoURL string) (string, string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", "", fmt.Errorf("parse repo url %q: %w", repoURL, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repo url %q missing owner/repo", repoURL)
	}
	owner := parts[0]
	repo := strings.TrimSuffix(parts[1], ".git")
	return owner, repo, nil
}
