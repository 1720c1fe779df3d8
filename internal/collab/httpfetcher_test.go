package collab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPFetcherFetchesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPFetcherConfig{RequestsPerSecond: 1000, Burst: 1000})
	content, err := f.Fetch(context.Background(), FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, "hello world", content.Body)
}

func TestHTTPFetcherReturnsStatusErrorOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPFetcherConfig{RequestsPerSecond: 1000, Burst: 1000})
	_, err := f.Fetch(context.Background(), FetchRequest{URL: srv.URL})
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestHTTPFetcherRespectsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewHTTPFetcher(HTTPFetcherConfig{RequestsPerSecond: 1000, Burst: 1000})
	_, err := f.Fetch(ctx, FetchRequest{URL: srv.URL})
	require.Error(t, err)
}
