// Package github provides a release source backed by the GitHub Releases API.
package github

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-github/v57/github"

	"github.com/cloud-agent-project/agentup/internal/release"
)

// Sentinel errors for GitHub release lookups.
var (
	ErrInvalidRepo = errors.New("repository must be in format 'owner/repo'")
	ErrMissingTag  = errors.New("github release has no tag name")
)

// Client adapts the GitHub Releases API to the normalized release model.
type Client struct {
	client *github.Client
	owner  string
	repo   string
}

// NewClient creates a release source for the given repository. The token is
// optional; without one only public repositories are reachable.
// Repository must be in the format "owner/repo".
func NewClient(token, repository string) (*Client, error) {
	owner, repo, err := parseRepository(repository)
	if err != nil {
		return nil, err
	}

	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}

	return &Client{client: client, owner: owner, repo: repo}, nil
}

// ListReleases retrieves published releases, most recent first as returned by
// the API. An empty result yields release.ErrNotFound.
func (c *Client) ListReleases(ctx context.Context) ([]release.Release, error) {
	ghReleases, _, err := c.client.Repositories.ListReleases(ctx, c.owner, c.repo, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list releases for %s/%s: %w", c.owner, c.repo, err)
	}
	if len(ghReleases) == 0 {
		return nil, release.ErrNotFound
	}

	releases := make([]release.Release, 0, len(ghReleases))
	for _, gr := range ghReleases {
		rel, err := mapRelease(gr)
		if err != nil {
			return nil, err
		}
		releases = append(releases, rel)
	}
	return releases, nil
}

// GetRelease retrieves a single release by tag. An empty tag asks for the
// latest published release. A 404 from the API yields release.ErrNotFound.
func (c *Client) GetRelease(ctx context.Context, tag string) (release.Release, error) {
	var (
		gr   *github.RepositoryRelease
		resp *github.Response
		err  error
	)
	if tag == "" {
		gr, resp, err = c.client.Repositories.GetLatestRelease(ctx, c.owner, c.repo)
	} else {
		gr, resp, err = c.client.Repositories.GetReleaseByTag(ctx, c.owner, c.repo, tag)
	}
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return release.Release{}, release.ErrNotFound
		}
		return release.Release{}, fmt.Errorf("failed to get release %q for %s/%s: %w", tag, c.owner, c.repo, err)
	}
	return mapRelease(gr)
}

// mapRelease converts a GitHub release into the normalized model. The tag name
// doubles as the version string.
func mapRelease(gr *github.RepositoryRelease) (release.Release, error) {
	tag := gr.GetTagName()
	if tag == "" {
		return release.Release{}, ErrMissingTag
	}

	date := ""
	if ts := gr.GetPublishedAt(); !ts.IsZero() {
		date = ts.Format("2006-01-02")
	}

	assets := make([]release.Asset, 0, len(gr.Assets))
	for _, a := range gr.Assets {
		assets = append(assets, release.Asset{
			Name:        a.GetName(),
			DownloadURL: a.GetBrowserDownloadURL(),
		})
	}

	name := gr.GetName()
	if name == "" {
		name = tag
	}

	return release.Release{
		Name:    name,
		Version: tag,
		Date:    date,
		Notes:   gr.GetBody(),
		Assets:  assets,
	}, nil
}

// parseRepository splits a repository string into owner and repo.
func parseRepository(repository string) (owner, repo string, err error) {
	if repository == "" {
		return "", "", ErrInvalidRepo
	}

	parts := strings.Split(repository, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: got %s", ErrInvalidRepo, repository)
	}

	owner = strings.TrimSpace(parts[0])
	repo = strings.TrimSpace(parts[1])

	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("%w: owner or repo is empty", ErrInvalidRepo)
	}

	return owner, repo, nil
}
