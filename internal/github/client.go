package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"movereg/internal/models"
	apperrors "movereg/pkg/errors"

	"github.com/BurntSushi/toml"
	"golang.org/x/time/rate"
)

const (
	// DefaultSearchQuery finds Move package manifests across the host.
	DefaultSearchQuery = "package in:file extension:toml filename:Move language:TOML"

	defaultRepoHost = "https://github.com"
	userAgent       = "movereg/1.0"
)

// manifest mirrors the package table of a Move.toml document.
type manifest struct {
	Package struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
	} `toml:"package"`
}

// repoInfo is the repository metadata endpoint response.
type repoInfo struct {
	Description     string `json:"description"`
	Size            int    `json:"size"`
	StargazersCount int    `json:"stargazers_count"`
	ForksCount      int    `json:"forks_count"`
	DefaultBranch   string `json:"default_branch"`
	License         *struct {
		Key  string `json:"key"`
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"license"`
}

type repoCommit struct {
	SHA string `json:"sha"`
}

// searchResult is the code-search endpoint response. A body that does
// not match this shape decodes to zero items.
type searchResult struct {
	Items []struct {
		URL        string `json:"url"`
		Path       string `json:"path"`
		Repository struct {
			HTMLURL string `json:"html_url"`
		} `json:"repository"`
		HTMLURL string `json:"html_url"`
	} `json:"items"`
}

// Client talks to the code-hosting platform's HTTP API. It performs no
// retries of its own; retry policy belongs to the caller.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	token      string
	apiBase    string
	rawBase    string
	repoHost   string
	query      string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithBaseURLs overrides the API and raw-content endpoints. Tests point
// these at local servers.
func WithBaseURLs(apiBase, rawBase, repoHost string) Option {
	return func(cl *Client) {
		cl.apiBase = apiBase
		cl.rawBase = rawBase
		cl.repoHost = repoHost
	}
}

// WithSearchQuery replaces the default manifest search query.
func WithSearchQuery(q string) Option {
	return func(cl *Client) { cl.query = q }
}

// WithRateLimit bounds outbound requests per minute.
func WithRateLimit(perMinute int) Option {
	return func(cl *Client) {
		cl.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
}

// NewClient creates a Client authenticated with the given token.
func NewClient(token string, timeout time.Duration, opts ...Option) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
		token:    token,
		apiBase:  "https://api.github.com",
		rawBase:  "https://raw.githubusercontent.com",
		repoHost: defaultRepoHost,
		query:    DefaultSearchQuery,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SearchCode requests one page of the manifest code search. The page is
// clamped by the caller to the host's first-ten-pages window; order is
// "asc" or "desc". A response that does not match the expected schema
// yields zero hits, not an error.
func (c *Client) SearchCode(ctx context.Context, page int, order string) ([]models.SearchHit, error) {
	searchURL := fmt.Sprintf("%s/search/code?q=%s&per_page=100&page=%d&order=%s&sort=indexed",
		c.apiBase, url.QueryEscape(c.query), page, order)

	body, err := c.get(ctx, searchURL, "Bearer "+c.token)
	if err != nil {
		return nil, err
	}

	var result searchResult
	if err := json.Unmarshal(body, &result); err != nil {
		// schema mismatch is "no data", not a failure
		return nil, nil
	}

	hits := make([]models.SearchHit, 0, len(result.Items))
	for _, item := range result.Items {
		hits = append(hits, models.SearchHit{
			ContentURL:   item.URL,
			ManifestPath: item.Path,
			RepoURL:      item.Repository.HTMLURL,
			HTMLURL:      item.HTMLURL,
		})
	}
	return hits, nil
}

// FetchRepoData fetches repository metadata plus the manifest at the
// repo root (subpath == "") or at subpath, and parses out the package
// name and version. rev selects the revision; when empty it falls back
// to the latest commit SHA, then to the default branch.
func (c *Client) FetchRepoData(ctx context.Context, repoURL, subpath, rev string) (*models.RepoMetadata, error) {
	info, err := c.getRepoInfo(ctx, repoURL)
	if err != nil {
		return nil, err
	}
	branch := info.DefaultBranch
	if branch == "" {
		branch = "master"
	}

	if rev == "" {
		if sha, err := c.getLatestCommitSHA(ctx, repoURL); err == nil {
			rev = sha
		} else {
			rev = branch
		}
	}

	rawRepoBase := strings.Replace(repoURL, c.repoHost, c.rawBase, 1)
	readmeURL := fmt.Sprintf("%s/%s/README.md", rawRepoBase, rev)

	readme := ""
	if body, err := c.get(ctx, readmeURL, "token "+c.token); err == nil {
		readme = rewriteReadmeLinks(string(body), strings.TrimSuffix(readmeURL, "README.md"))
	}

	manifestURL := fmt.Sprintf("%s/%s/Move.toml", rawRepoBase, rev)
	if subpath != "" {
		manifestURL = fmt.Sprintf("%s/%s/%s", rawRepoBase, rev, subpath)
	}

	manifestBody, err := c.get(ctx, manifestURL, "token "+c.token)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.GetType(err), fmt.Sprintf("fetching manifest %s", manifestURL))
	}

	var m manifest
	if err := toml.Unmarshal(manifestBody, &m); err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid manifest at %s: %v", manifestURL, err))
	}

	license := ""
	if info.License != nil {
		license = info.License.Name
	}

	return &models.RepoMetadata{
		Name:          m.Package.Name,
		Version:       m.Package.Version,
		Description:   info.Description,
		ReadmeContent: readme,
		License:       license,
		Size:          info.Size,
		StarsCount:    info.StargazersCount,
		ForksCount:    info.ForksCount,
		URL:           repoURL,
		Rev:           rev,
		DefaultBranch: branch,
	}, nil
}

// getRepoInfo fetches description, size, counts and default branch. An
// empty or mismatched body decodes to the zero value, matching the
// host's habit of omitting fields.
func (c *Client) getRepoInfo(ctx context.Context, repoURL string) (*repoInfo, error) {
	apiURL := strings.Replace(repoURL, c.repoHost+"/", c.apiBase+"/repos/", 1)
	body, err := c.get(ctx, apiURL, "token "+c.token)
	if err != nil {
		return nil, err
	}

	var info repoInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return &repoInfo{}, nil
	}
	return &info, nil
}

func (c *Client) getLatestCommitSHA(ctx context.Context, repoURL string) (string, error) {
	apiURL := strings.Replace(repoURL, c.repoHost+"/", c.apiBase+"/repos/", 1) + "/commits"
	body, err := c.get(ctx, apiURL, "token "+c.token)
	if err != nil {
		return "", err
	}

	var commits []repoCommit
	if err := json.Unmarshal(body, &commits); err != nil || len(commits) == 0 {
		return "", apperrors.NewNotFoundError(fmt.Sprintf("no commits found for %s", repoURL))
	}
	return commits[0].SHA, nil
}

// get issues an authenticated GET and returns the body. Transport
// failures, timeouts and non-2xx statuses come back as typed errors so
// the caller's retry policy can tell transient from permanent.
func (c *Client) get(ctx context.Context, rawURL, authorization string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "rate limiter interrupted")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid request url %s: %v", rawURL, err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", authorization)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewNetworkError(fmt.Sprintf("requesting %s", rawURL), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewNetworkError(fmt.Sprintf("reading response from %s", rawURL), err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.New(apperrors.ErrorTypeRateLimit, fmt.Sprintf("rate limited by %s", rawURL))
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("%s returned 404", rawURL))
	case resp.StatusCode >= 500:
		return nil, apperrors.NewTransientError(fmt.Sprintf("%s returned HTTP %d", rawURL, resp.StatusCode))
	default:
		return nil, apperrors.New(apperrors.ErrorTypePermanent, fmt.Sprintf("%s returned HTTP %d", rawURL, resp.StatusCode))
	}
}

// rewriteReadmeLinks prefixes relative image and markdown links with
// the raw-content base so readme assets resolve when rendered off-site.
func rewriteReadmeLinks(content, base string) string {
	srcPrefix := `src="` + base
	mdPrefix := `](` + base

	out := strings.ReplaceAll(content, `src="`, srcPrefix)
	out = strings.ReplaceAll(out, srcPrefix+"http", `src="http`)
	out = strings.ReplaceAll(out, "](", mdPrefix)
	out = strings.ReplaceAll(out, mdPrefix+"http", "](http")
	return out
}
