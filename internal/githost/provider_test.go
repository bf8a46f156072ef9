package githost

import (
	"testing"

	"github.com/flowstate-dev/flowstate/internal/core"
)

func TestSplitRepoPath(t *testing.T) {
	tests := []struct {
		url   string
		owner string
		repo  string
		ok    bool
	}{
		{"https://github.com/org/widgets", "org", "widgets", true},
		{"https://github.com/org/widgets.git", "org", "widgets", true},
		{"https://git.example.com:3000/team/svc.git", "team", "svc", true},
		{"https://git.example.com/team/svc/extra", "team", "svc", true},
		{"https://github.com/orphan", "", "", false},
		{"https://github.com/", "", "", false},
	}
	for _, tt := range tests {
		owner, repo, err := splitRepoPath(tt.url)
		if tt.ok && err != nil {
			t.Errorf("splitRepoPath(%q): %v", tt.url, err)
			continue
		}
		if !tt.ok {
			if err == nil {
				t.Errorf("splitRepoPath(%q) should fail", tt.url)
			}
			continue
		}
		if owner != tt.owner || repo != tt.repo {
			t.Errorf("splitRepoPath(%q) = (%q, %q), want (%q, %q)", tt.url, owner, repo, tt.owner, tt.repo)
		}
	}
}

func TestForURLDetection(t *testing.T) {
	p, err := ForURL("https://github.com/org/repo", "tok", core.ProviderAuto, false)
	if err != nil {
		t.Fatalf("ForURL github: %v", err)
	}
	if p.Name() != "github" {
		t.Errorf("github.com resolved to %s", p.Name())
	}

	p, err = ForURL("https://git.example.com/org/repo", "tok", core.ProviderAuto, false)
	if err != nil {
		t.Fatalf("ForURL gitea: %v", err)
	}
	if p.Name() != "gitea" {
		t.Errorf("self-hosted url resolved to %s", p.Name())
	}
}

func TestForURLExplicitTypeWins(t *testing.T) {
	p, err := ForURL("https://github.com/org/repo", "tok", core.ProviderGitea, false)
	if err != nil {
		t.Fatalf("ForURL explicit: %v", err)
	}
	if p.Name() != "gitea" {
		t.Errorf("explicit gitea resolved to %s", p.Name())
	}
}

func TestForURLInvalid(t *testing.T) {
	if _, err := ForURL("not a url at all\x00", "", core.ProviderAuto, false); err == nil {
		t.Error("garbage url should fail")
	}
	if _, err := ForURL("/local/path", "", core.ProviderAuto, false); err == nil {
		t.Error("hostless url should fail")
	}
}

func TestGiteaPreflightRequiresToken(t *testing.T) {
	g, err := NewGitea("https://git.example.com/org/repo", "", false)
	if err != nil {
		t.Fatalf("NewGitea: %v", err)
	}
	if err := g.Preflight(t.Context()); err == nil {
		t.Error("preflight without token should fail")
	}

	g, err = NewGitea("https://git.example.com/org/repo", "tok", false)
	if err != nil {
		t.Fatalf("NewGitea: %v", err)
	}
	if err := g.Preflight(t.Context()); err != nil {
		t.Errorf("preflight with token: %v", err)
	}
}

func TestGiteaAPIURL(t *testing.T) {
	g, err := NewGitea("https://git.example.com:3000/team/svc.git", "tok", false)
	if err != nil {
		t.Fatalf("NewGitea: %v", err)
	}
	got := g.apiURL("/pulls")
	want := "https://git.example.com:3000/api/v1/repos/team/svc/pulls"
	if got != want {
		t.Errorf("apiURL = %q, want %q", got, want)
	}
}
