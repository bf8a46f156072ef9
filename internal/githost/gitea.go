package githost

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flowstate-dev/flowstate/internal/workspace"
)

// Gitea implements Provider against the Gitea REST API. Most self-hosted
// forges (Gitea, Forgejo) expose this surface.
type Gitea struct {
	baseURL string
	owner   string
	repo    string
	token   string
	client  *http.Client
}

// NewGitea creates a Gitea provider. skipTLS disables certificate checks
// for instances behind private CAs.
func NewGitea(repoURL, token string, skipTLS bool) (*Gitea, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return nil, fmt.Errorf("gitea: parse repo url: %w", err)
	}
	owner, repo, err := splitRepoPath(repoURL)
	if err != nil {
		return nil, fmt.Errorf("gitea: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	if skipTLS {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Gitea{
		baseURL: u.Scheme + "://" + u.Host,
		owner:   owner,
		repo:    repo,
		token:   token,
		client:  client,
	}, nil
}

func (g *Gitea) Name() string { return "gitea" }

func (g *Gitea) apiURL(path string) string {
	return fmt.Sprintf("%s/api/v1/repos/%s/%s%s", g.baseURL, g.owner, g.repo, path)
}

func (g *Gitea) do(ctx context.Context, method, apiPath string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("gitea: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.apiURL(apiPath), body)
	if err != nil {
		return nil, fmt.Errorf("gitea: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "token "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gitea: %s %s: %w", method, apiPath, err)
	}
	return resp, nil
}

func drainError(resp *http.Response, action string) error {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("gitea: %s: status %d: %s", action, resp.StatusCode, strings.TrimSpace(string(data)))
}

// Preflight requires a token; the Gitea API rejects anonymous PR creation.
func (g *Gitea) Preflight(_ context.Context) error {
	if g.token == "" {
		return fmt.Errorf("gitea: repo token not set")
	}
	return nil
}

func (g *Gitea) CheckAuth(ctx context.Context, _ string) error {
	resp, err := g.do(ctx, http.MethodGet, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return drainError(resp, "repo access check")
	}
	return nil
}

func (g *Gitea) PushBranch(ctx context.Context, workdir, branch string) error {
	if _, err := workspace.Git(ctx, workdir, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("gitea: push %s: %w", branch, err)
	}
	return nil
}

type giteaPR struct {
	Number  int64  `json:"number"`
	HTMLURL string `json:"html_url"`
}

func (g *Gitea) OpenPullRequest(ctx context.Context, _, head, title, body, base string) (*PullRequest, error) {
	resp, err := g.do(ctx, http.MethodPost, "/pulls", map[string]string{
		"head":  head,
		"base":  base,
		"title": title,
		"body":  body,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, drainError(resp, "create pull request")
	}

	var pr giteaPR
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("gitea: decode pr response: %w", err)
	}
	return &PullRequest{URL: pr.HTMLURL, Number: pr.Number, Branch: head}, nil
}

func (g *Gitea) GetPRDiff(ctx context.Context, _ string, number int64) (string, error) {
	resp, err := g.do(ctx, http.MethodGet, fmt.Sprintf("/pulls/%d.diff", number), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", drainError(resp, fmt.Sprintf("get pr #%d diff", number))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("gitea: read diff: %w", err)
	}
	return string(data), nil
}

type giteaComment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
}

func (g *Gitea) ListPRComments(ctx context.Context, _ string, number int64) ([]Comment, error) {
	resp, err := g.do(ctx, http.MethodGet, fmt.Sprintf("/issues/%d/comments", number), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, drainError(resp, fmt.Sprintf("list pr #%d comments", number))
	}

	var raw []giteaComment
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("gitea: decode comments: %w", err)
	}

	comments := make([]Comment, 0, len(raw))
	for _, c := range raw {
		comments = append(comments, Comment{ID: c.ID, Author: c.User.Login, Body: c.Body})
	}
	return comments, nil
}

func (g *Gitea) CreatePRComment(ctx context.Context, _ string, number int64, body string) error {
	resp, err := g.do(ctx, http.MethodPost, fmt.Sprintf("/issues/%d/comments", number),
		map[string]string{"body": body})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return drainError(resp, fmt.Sprintf("comment on pr #%d", number))
	}
	return nil
}

type giteaReview struct {
	ID    int64  `json:"id"`
	Body  string `json:"body"`
	State string `json:"state"`
	User  struct {
		Login string `json:"login"`
	} `json:"user"`
}

func (g *Gitea) ListPRReviews(ctx context.Context, _ string, number int64) ([]Review, error) {
	resp, err := g.do(ctx, http.MethodGet, fmt.Sprintf("/pulls/%d/reviews", number), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, drainError(resp, fmt.Sprintf("list pr #%d reviews", number))
	}

	var raw []giteaReview
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("gitea: decode reviews: %w", err)
	}

	reviews := make([]Review, 0, len(raw))
	for _, r := range raw {
		reviews = append(reviews, Review{ID: r.ID, Author: r.User.Login, Body: r.Body, State: r.State})
	}
	return reviews, nil
}

func (g *Gitea) CreatePRReview(ctx context.Context, _ string, number int64, body, state string) error {
	resp, err := g.do(ctx, http.MethodPost, fmt.Sprintf("/pulls/%d/reviews", number),
		map[string]string{"body": body, "event": state})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return drainError(resp, fmt.Sprintf("review pr #%d", number))
	}
	return nil
}
