// Package cloudapi provides a client for the cloud software release API.
// It queries the soft endpoints and maps their envelope responses into the
// normalized release model.
package cloudapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloud-agent-project/agentup/internal/release"
)

const (
	listPath = "/api/soft/getlist"
	verPath  = "/api/soft/getver"

	// softType identifies the agent software family on the soft endpoints.
	softType = "2"

	userAgent = "agentup/release-client"

	// HTTPTimeout is the default timeout for API requests, in seconds.
	HTTPTimeout = 30
)

// Sentinel errors for client construction and release lookup.
var (
	ErrRootRequired   = errors.New("api root URL is required")
	ErrInvalidRoot    = errors.New("api root URL is invalid")
	ErrInvalidToken   = errors.New("auth token contains characters not allowed in a header")
	ErrMissingName    = errors.New("release record is missing a name")
	ErrMissingVersion = errors.New("release record is missing a version")
)

// StatusError reports a non-success HTTP status from the release API.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api request failed with status %d for %s", e.StatusCode, e.URL)
}

// DecodeError reports a response body that could not be decoded into the
// expected envelope shape.
type DecodeError struct {
	URL   string
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode api response from %s: %v", e.URL, e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// netResponse is the wire-level envelope every soft endpoint returns.
type netResponse[T any] struct {
	IsSuccess bool   `json:"isSuccess"`
	Content   T      `json:"content"`
	ErrorMesg string `json:"errorMesg"`
}

// soft is the API's native release record.
type soft struct {
	ID         int64  `json:"id"`
	BinaryID   int64  `json:"binaryId"`
	Name       string `json:"name"`
	Hash       string `json:"hash"`
	Version    string `json:"version"`
	CreateTime string `json:"createTime"`
}

// Client queries the cloud release API. It is safe for concurrent use.
type Client struct {
	root       string
	authToken  string
	httpClient *http.Client
}

// NewClient creates a release API client for the given API root, e.g.
// "http://updates.example.com". The auth token is optional; when set it is
// sent as a bearer Authorization header on every request.
func NewClient(root, authToken string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(root) == "" {
		return nil, ErrRootRequired
	}
	parsed, err := url.Parse(root)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoot, root)
	}
	// A token that cannot be carried in a header is a configuration failure,
	// caught here rather than surfacing as a request error later.
	if err := validateToken(authToken); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = HTTPTimeout * time.Second
	}
	return &Client{
		root:       strings.TrimRight(root, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// ListReleases retrieves all published releases, most recent first as ordered
// by the API. An unsuccessful envelope or an empty list yields
// release.ErrNotFound; transport and decoding problems yield typed errors.
func (c *Client) ListReleases(ctx context.Context) ([]release.Release, error) {
	apiURL := c.root + listPath + "?type=" + softType

	var env netResponse[[]soft]
	if err := c.getJSON(ctx, apiURL, &env); err != nil {
		return nil, err
	}
	if !env.IsSuccess || len(env.Content) == 0 {
		return nil, notFoundError(env.ErrorMesg)
	}

	releases := make([]release.Release, 0, len(env.Content))
	for _, s := range env.Content {
		rel, err := c.mapRelease(s)
		if err != nil {
			// Fail fast for the whole batch; no partial lists of half-valid
			// releases reach the caller.
			return nil, err
		}
		releases = append(releases, rel)
	}
	return releases, nil
}

// GetRelease retrieves a single release by version tag. An empty tag asks the
// API for the latest release.
func (c *Client) GetRelease(ctx context.Context, tag string) (release.Release, error) {
	apiURL := c.root + verPath + "?type=" + softType + "&ver=" + url.QueryEscape(tag)

	var env netResponse[soft]
	if err := c.getJSON(ctx, apiURL, &env); err != nil {
		return release.Release{}, err
	}
	if !env.IsSuccess {
		return release.Release{}, notFoundError(env.ErrorMesg)
	}
	return c.mapRelease(env.Content)
}

// getJSON issues an authenticated GET and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, apiURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", apiURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api request failed for %s: %w", apiURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: apiURL, StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DecodeError{URL: apiURL, Cause: err}
	}
	return nil
}

// mapRelease converts a soft record into a normalized Release. Name and
// version must be present; the download URL is synthesized from the binary id.
func (c *Client) mapRelease(s soft) (release.Release, error) {
	if s.Name == "" {
		return release.Release{}, fmt.Errorf("%w: record id %d", ErrMissingName, s.ID)
	}
	if s.Version == "" {
		return release.Release{}, fmt.Errorf("%w: record id %d", ErrMissingVersion, s.ID)
	}
	return release.Release{
		Name:    s.Name,
		Version: s.Version,
		Date:    s.CreateTime,
		Assets: []release.Asset{
			{
				Name:        s.Name,
				DownloadURL: fmt.Sprintf("%s/api/binaryfile/download?id=%d", c.root, s.BinaryID),
				Hash:        s.Hash,
			},
		},
	}, nil
}

func notFoundError(mesg string) error {
	if mesg == "" {
		return release.ErrNotFound
	}
	return fmt.Errorf("%w: %s", release.ErrNotFound, mesg)
}

// validateToken rejects tokens with control characters, which cannot be
// encoded into an Authorization header.
func validateToken(token string) error {
	for _, r := range token {
		if r < 0x20 || r == 0x7f {
			return ErrInvalidToken
		}
	}
	return nil
}
