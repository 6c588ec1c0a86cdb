package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title>Install Guide</title><style>body { color: red; }</style></head>
<body>
<nav>Home | Docs</nav>
<main>
<h1>Installation</h1>
<p>Download the package   and run the installer.</p>
<script>console.log("noise")</script>
</main>
</body>
</html>`

func TestFetchExtractsMainContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{RateLimit: 100})
	page, err := f.Fetch(context.Background(), srv.URL, "", "")
	require.NoError(t, err)

	assert.Equal(t, "Install Guide", page.Title)
	assert.Contains(t, page.Text, "Installation")
	assert.Contains(t, page.Text, "Download the package and run the installer.")
	assert.NotContains(t, page.Text, "console.log")
	assert.NotContains(t, page.Text, "color: red")
	assert.NotContains(t, page.Text, "Home | Docs")
	assert.Equal(t, `"v1"`, page.ETag)
	assert.False(t, page.NotModified)
}

func TestFetchConditionalNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `"v1"`, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{RateLimit: 100})
	page, err := f.Fetch(context.Background(), srv.URL, `"v1"`, "")
	require.NoError(t, err)

	assert.True(t, page.NotModified)
	assert.Empty(t, page.Text)
	assert.Equal(t, `"v1"`, page.ETag)
}

func TestFetchPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("plain body\n"))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{RateLimit: 100})
	page, err := f.Fetch(context.Background(), srv.URL, "", "")
	require.NoError(t, err)
	assert.Equal(t, "plain body\n", page.Text)
	assert.Empty(t, page.Title)
}

func TestFetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{RateLimit: 100})
	_, err := f.Fetch(context.Background(), srv.URL, "", "")
	assert.Error(t, err)
}

func TestExtractHTMLTextFallsBackToBody(t *testing.T) {
	html := `<html><head><title>T</title></head><body><p>no main element here</p></body></html>`
	title, text, err := ExtractHTMLText(strings.NewReader(html))
	require.NoError(t, err)
	assert.Equal(t, "T", title)
	assert.Contains(t, text, "no main element here")
}
