package github

import (
	"errors"
	"testing"

	gh "github.com/google/go-github/v57/github"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		repository string
		wantErr    bool
	}{
		{name: "valid with token", token: "ghp_test", repository: "owner/repo"},
		{name: "valid without token", token: "", repository: "owner/repo"},
		{name: "no slash", token: "t", repository: "ownerrepo", wantErr: true},
		{name: "too many parts", token: "t", repository: "owner/repo/extra", wantErr: true},
		{name: "empty owner", token: "t", repository: "/repo", wantErr: true},
		{name: "empty repo", token: "t", repository: "owner/", wantErr: true},
		{name: "empty repository", token: "t", repository: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.token, tt.repository)
			if tt.wantErr {
				if err == nil {
					t.Fatal("NewClient() expected error, got nil")
				}
				if !errors.Is(err, ErrInvalidRepo) {
					t.Errorf("NewClient() error = %v, want ErrInvalidRepo", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewClient() unexpected error: %v", err)
			}
			if client == nil {
				t.Fatal("NewClient() returned nil client")
			}
		})
	}
}

func TestMapRelease(t *testing.T) {
	gr := &gh.RepositoryRelease{
		TagName: gh.String("v2.1.0"),
		Name:    gh.String("Agent v2.1.0"),
		Body:    gh.String("bug fixes"),
		Assets: []*gh.ReleaseAsset{
			{
				Name:               gh.String("agent-linux-amd64"),
				BrowserDownloadURL: gh.String("https://example.com/agent-linux-amd64"),
			},
		},
	}

	rel, err := mapRelease(gr)
	if err != nil {
		t.Fatalf("mapRelease() error: %v", err)
	}
	if rel.Version != "v2.1.0" {
		t.Errorf("Version = %q, want %q", rel.Version, "v2.1.0")
	}
	if rel.Name != "Agent v2.1.0" {
		t.Errorf("Name = %q, want %q", rel.Name, "Agent v2.1.0")
	}
	if rel.Notes != "bug fixes" {
		t.Errorf("Notes = %q, want %q", rel.Notes, "bug fixes")
	}
	if len(rel.Assets) != 1 || rel.Assets[0].DownloadURL != "https://example.com/agent-linux-amd64" {
		t.Errorf("unexpected assets: %+v", rel.Assets)
	}
}

func TestMapReleaseMissingTag(t *testing.T) {
	_, err := mapRelease(&gh.RepositoryRelease{})
	if !errors.Is(err, ErrMissingTag) {
		t.Errorf("mapRelease() error = %v, want ErrMissingTag", err)
	}
}

func TestMapReleaseNameFallsBackToTag(t *testing.T) {
	rel, err := mapRelease(&gh.RepositoryRelease{TagName: gh.String("v1.0.0")})
	if err != nil {
		t.Fatalf("mapRelease() error: %v", err)
	}
	if rel.Name != "v1.0.0" {
		t.Errorf("Name = %q, want tag fallback %q", rel.Name, "v1.0.0")
	}
}
