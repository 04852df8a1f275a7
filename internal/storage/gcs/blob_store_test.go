package gcs_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/funding-pipeline/internal/storage/gcs"
)

// newTestClient returns a client pointed at handler with authentication disabled.
func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	return client
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	// Simulates the JSON API multipart upload.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/raw-pages/o")
		assert.Equal(t, "archive/raw/run-1/page.json", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `{"id":"grant-1"}`)
		assert.Contains(t, string(body), "application/json")
		fmt.Fprintln(w, `{"name":"archive/raw/run-1/page.json","bucket":"raw-pages"}`)
	})

	store, err := gcs.New(newTestClient(t, handler), gcs.Config{Bucket: "raw-pages", Prefix: "/archive/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "raw/run-1/page.json", "application/json",
		strings.NewReader(`{"id":"grant-1"}`))
	require.NoError(t, err)
	require.Equal(t, "gs://raw-pages/archive/raw/run-1/page.json", uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprintln(w, `{"error":{"code":403,"message":"denied"}}`)
	})
	store, err := gcs.New(newTestClient(t, handler), gcs.Config{Bucket: "raw-pages"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "page.html", "text/html", strings.NewReader("<html/>"))
	require.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	require.ErrorContains(t, err, "client is required")

	client := newTestClient(t, http.NotFoundHandler())
	_, err = gcs.New(client, gcs.Config{})
	require.ErrorContains(t, err, "bucket name is required")

	store, err := gcs.New(client, gcs.Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader(""))
	require.ErrorContains(t, err, "path is required")
}

func TestOpenChecksBucket(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/b/raw-pages") {
			fmt.Fprintln(w, `{"name":"raw-pages"}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"error":{"code":404,"message":"not found"}}`)
	}))
	t.Cleanup(server.Close)
	opts := []option.ClientOption{option.WithEndpoint(server.URL), option.WithoutAuthentication()}

	store, err := gcs.Open(context.Background(), gcs.Config{Bucket: "raw-pages"}, opts...)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = gcs.Open(context.Background(), gcs.Config{Bucket: "missing"}, opts...)
	require.ErrorContains(t, err, `bucket "missing"`)
}
