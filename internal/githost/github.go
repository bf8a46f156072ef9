package githost

import (
	"context"
	"fmt"

	"github.com/google/go-github/v60/github"

	"github.com/flowstate-dev/flowstate/internal/workspace"
)

// GitHub implements Provider using the GitHub REST API and the local git
// CLI for pushes.
type GitHub struct {
	client *github.Client
	owner  string
	repo   string
	token  string
}

// NewGitHub creates a GitHub provider for a repository URL.
func NewGitHub(repoURL, token string) (*GitHub, error) {
	owner, repo, err := splitRepoPath(repoURL)
	if err != nil {
		return nil, err
	}

	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}

	return &GitHub{client: client, owner: owner, repo: repo, token: token}, nil
}

func (g *GitHub) Name() string { return "github" }

// Preflight requires a token; anonymous pushes are impossible anyway.
func (g *GitHub) Preflight(_ context.Context) error {
	if g.token == "" {
		return fmt.Errorf("github: repo token not set")
	}
	return nil
}

// CheckAuth verifies the token can see the repository.
func (g *GitHub) CheckAuth(ctx context.Context, _ string) error {
	_, _, err := g.client.Repositories.Get(ctx, g.owner, g.repo)
	if err != nil {
		return fmt.Errorf("github: repo access check failed: %w", err)
	}
	return nil
}

// PushBranch pushes via the git CLI; the clone already carries the token
// in its remote URL.
func (g *GitHub) PushBranch(ctx context.Context, workdir, branch string) error {
	if _, err := workspace.Git(ctx, workdir, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("github: push %s: %w", branch, err)
	}
	return nil
}

func (g *GitHub) OpenPullRequest(ctx context.Context, _, head, title, body, base string) (*PullRequest, error) {
	pr := &github.NewPullRequest{
		Title: github.String(title),
		Body:  github.String(body),
		Head:  github.String(head),
		Base:  github.String(base),
	}

	created, _, err := g.client.PullRequests.Create(ctx, g.owner, g.repo, pr)
	if err != nil {
		return nil, fmt.Errorf("github: create pull request: %w", err)
	}

	return &PullRequest{
		URL:    created.GetHTMLURL(),
		Number: int64(created.GetNumber()),
		Branch: head,
	}, nil
}

func (g *GitHub) GetPRDiff(ctx context.Context, _ string, number int64) (string, error) {
	diff, _, err := g.client.PullRequests.GetRaw(ctx, g.owner, g.repo, int(number),
		github.RawOptions{Type: github.Diff})
	if err != nil {
		return "", fmt.Errorf("github: get pr #%d diff: %w", number, err)
	}
	return diff, nil
}

func (g *GitHub) ListPRComments(ctx context.Context, _ string, number int64) ([]Comment, error) {
	issueComments, _, err := g.client.Issues.ListComments(ctx, g.owner, g.repo, int(number), nil)
	if err != nil {
		return nil, fmt.Errorf("github: list pr #%d comments: %w", number, err)
	}

	comments := make([]Comment, 0, len(issueComments))
	for _, c := range issueComments {
		comments = append(comments, Comment{
			ID:     c.GetID(),
			Author: c.GetUser().GetLogin(),
			Body:   c.GetBody(),
		})
	}
	return comments, nil
}

func (g *GitHub) CreatePRComment(ctx context.Context, _ string, number int64, body string) error {
	comment := &github.IssueComment{Body: github.String(body)}
	_, _, err := g.client.Issues.CreateComment(ctx, g.owner, g.repo, int(number), comment)
	if err != nil {
		return fmt.Errorf("github: comment on pr #%d: %w", number, err)
	}
	return nil
}

func (g *GitHub) ListPRReviews(ctx context.Context, _ string, number int64) ([]Review, error) {
	ghReviews, _, err := g.client.PullRequests.ListReviews(ctx, g.owner, g.repo, int(number), nil)
	if err != nil {
		return nil, fmt.Errorf("github: list pr #%d reviews: %w", number, err)
	}

	reviews := make([]Review, 0, len(ghReviews))
	for _, r := range ghReviews {
		reviews = append(reviews, Review{
			ID:     r.GetID(),
			Author: r.GetUser().GetLogin(),
			Body:   r.GetBody(),
			State:  r.GetState(),
		})
	}
	return reviews, nil
}

func (g *GitHub) CreatePRReview(ctx context.Context, _ string, number int64, body, state string) error {
	review := &github.PullRequestReviewRequest{
		Body:  github.String(body),
		Event: github.String(state),
	}
	_, _, err := g.client.PullRequests.CreateReview(ctx, g.owner, g.repo, int(number), review)
	if err != nil {
		return fmt.Errorf("github: review pr #%d: %w", number, err)
	}
	return nil
}
