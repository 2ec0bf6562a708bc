package github

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "movereg/pkg/errors"
)

// testHost wires a Client against a single httptest server that plays
// the API host, the raw-content host and the repo host at once.
func testHost(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient("test-token", 5*time.Second,
		WithBaseURLs(srv.URL+"/api", srv.URL+"/raw", srv.URL+"/gh"))
	return client, srv
}

func TestSearchCode(t *testing.T) {
	var gotPath, gotQuery string
	client, _ := testHost(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{
			"total_count": 2,
			"items": [
				{
					"url": "https://api.example.com/repositories/1/contents/Move.toml?ref=abc123",
					"path": "Move.toml",
					"repository": {"html_url": "https://example.com/alice/pkg-a"},
					"html_url": "https://example.com/alice/pkg-a/blob/abc123/Move.toml"
				},
				{
					"url": "https://api.example.com/repositories/2/contents/sub/Move.toml?ref=def456",
					"path": "sub/Move.toml",
					"repository": {"html_url": "https://example.com/bob/pkg-b"},
					"html_url": "https://example.com/bob/pkg-b/blob/def456/sub/Move.toml"
				}
			]
		}`))
	}))

	hits, err := client.SearchCode(context.Background(), 3, "desc")
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "/api/search/code", gotPath)
	assert.Contains(t, gotQuery, "page=3")
	assert.Contains(t, gotQuery, "order=desc")
	assert.Contains(t, gotQuery, "per_page=100")

	assert.Equal(t, "Move.toml", hits[0].ManifestPath)
	assert.Equal(t, "https://example.com/alice/pkg-a", hits[0].RepoURL)
	assert.Equal(t, "sub/Move.toml", hits[1].ManifestPath)
	assert.Equal(t, "https://example.com/bob/pkg-b/blob/def456/sub/Move.toml", hits[1].HTMLURL)
}

func TestSearchCodeSchemaMismatch(t *testing.T) {
	client, _ := testHost(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// an array where an object is expected
		w.Write([]byte(`["unexpected", "shape"]`))
	}))

	hits, err := client.SearchCode(context.Background(), 1, "asc")
	assert.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchCodeErrorStatuses(t *testing.T) {
	tests := []struct {
		status   int
		wantType apperrors.ErrorType
	}{
		{http.StatusTooManyRequests, apperrors.ErrorTypeRateLimit},
		{http.StatusNotFound, apperrors.ErrorTypeNotFound},
		{http.StatusInternalServerError, apperrors.ErrorTypeTransient},
		{http.StatusForbidden, apperrors.ErrorTypePermanent},
	}

	for _, tt := range tests {
		client, _ := testHost(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		_, err := client.SearchCode(context.Background(), 1, "desc")
		require.Error(t, err, "status %d", tt.status)
		assert.Equal(t, tt.wantType, apperrors.GetType(err), "status %d", tt.status)
	}
}

func repoHandler(manifest string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/repos/alice/pkg-a", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"description": "a move package",
			"size": 1234,
			"stargazers_count": 7,
			"forks_count": 2,
			"default_branch": "main",
			"license": {"key": "mit", "name": "MIT License"}
		}`))
	})
	mux.HandleFunc("/api/repos/alice/pkg-a/commits", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"sha": "c0ffee"}, {"sha": "older"}]`))
	})
	mux.HandleFunc("/raw/alice/pkg-a/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "README.md"):
			w.Write([]byte(`intro ![img](images/diagram.png) and [docs](https://example.com/docs)`))
		case strings.HasSuffix(r.URL.Path, "Move.toml"):
			w.Write([]byte(manifest))
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}

func TestFetchRepoData(t *testing.T) {
	manifest := "[package]\nname = \"pkg-a\"\nversion = \"1.4.0\"\n"
	client, srv := testHost(t, repoHandler(manifest))

	repoURL := srv.URL + "/gh/alice/pkg-a"
	meta, err := client.FetchRepoData(context.Background(), repoURL, "", "abc123")
	require.NoError(t, err)

	assert.Equal(t, "pkg-a", meta.Name)
	assert.Equal(t, "1.4.0", meta.Version)
	assert.Equal(t, "a move package", meta.Description)
	assert.Equal(t, "MIT License", meta.License)
	assert.Equal(t, 1234, meta.Size)
	assert.Equal(t, 7, meta.StarsCount)
	assert.Equal(t, "abc123", meta.Rev)
	assert.Equal(t, "main", meta.DefaultBranch)
	assert.Equal(t, repoURL, meta.URL)

	// relative readme links rewritten to the raw base, absolute ones kept
	assert.Contains(t, meta.ReadmeContent, srv.URL+"/raw/alice/pkg-a/abc123/images/diagram.png")
	assert.Contains(t, meta.ReadmeContent, "](https://example.com/docs)")
}

func TestFetchRepoDataDefaultsToLatestCommit(t *testing.T) {
	manifest := "[package]\nname = \"pkg-a\"\nversion = \"0.1.0\"\n"
	client, srv := testHost(t, repoHandler(manifest))

	meta, err := client.FetchRepoData(context.Background(), srv.URL+"/gh/alice/pkg-a", "", "")
	require.NoError(t, err)
	assert.Equal(t, "c0ffee", meta.Rev)
}

func TestFetchRepoDataSubpath(t *testing.T) {
	var manifestPath string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/repos/alice/pkg-a", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"default_branch": "main"}`))
	})
	mux.HandleFunc("/raw/alice/pkg-a/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "Move.toml") {
			manifestPath = r.URL.Path
			w.Write([]byte("[package]\nname = \"nested\"\nversion = \"2.0.0\"\n"))
			return
		}
		http.NotFound(w, r)
	})

	client, srv := testHost(t, mux)

	meta, err := client.FetchRepoData(context.Background(), srv.URL+"/gh/alice/pkg-a", "contracts/Move.toml", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "nested", meta.Name)
	assert.Equal(t, "/raw/alice/pkg-a/abc123/contracts/Move.toml", manifestPath)
}

func TestFetchRepoDataMissingManifest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/repos/alice/pkg-a", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"default_branch": "main"}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	client, srv := testHost(t, mux)

	_, err := client.FetchRepoData(context.Background(), srv.URL+"/gh/alice/pkg-a", "", "abc123")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeNotFound, apperrors.GetType(err))
}

func TestFetchRepoDataInvalidManifest(t *testing.T) {
	client, srv := testHost(t, repoHandler("not toml at {{ all"))

	_, err := client.FetchRepoData(context.Background(), srv.URL+"/gh/alice/pkg-a", "", "abc123")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.GetType(err))
}

func TestRewriteReadmeLinks(t *testing.T) {
	base := "https://raw.example.com/alice/pkg-a/abc123/"
	in := `<img src="logo.png"> ![d](diagram.png) [site](https://site.example.com) <img src="https://cdn.example.com/x.png">`

	out := rewriteReadmeLinks(in, base)

	assert.Contains(t, out, `src="`+base+`logo.png"`)
	assert.Contains(t, out, "]("+base+"diagram.png)")
	assert.Contains(t, out, "](https://site.example.com)")
	assert.Contains(t, out, `src="https://cdn.example.com/x.png"`)
}
