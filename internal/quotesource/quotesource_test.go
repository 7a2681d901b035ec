package quotesource

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/eor-quoter/internal/errs"
	"github.com/spigell/eor-quoter/internal/retry"
)

func noWait(context.Context, time.Duration) error { return nil }

func TestHTTPFetchSendsHeadersAndDecodesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))

		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte(`{"costs": [{"name": "fee", "amount": 10}]}`))
		_ = gz.Close()
	}))
	defer srv.Close()

	got, err := NewHTTP(srv.URL, "secret", nil).Fetch(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"costs": [{"name": "fee", "amount": 10}]}`, string(got))
}

func TestHTTPFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"total": 1}`))
	}))
	defer srv.Close()

	src := NewHTTP(srv.URL, "", nil)
	src.Policy = retry.Policy{MaxAttempts: 3, Wait: noWait}

	got, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"total": 1}`, string(got))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := NewHTTP(srv.URL, "", nil)
	src.Policy = retry.Policy{MaxAttempts: 3, Wait: noWait}

	_, err := src.Fetch(context.Background())
	require.Error(t, err)
	assert.False(t, errs.IsRetriable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPFetchRejectsInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL, "", nil).Fetch(context.Background())
	require.ErrorIs(t, err, errs.ErrSchemaValidationFailed)
}

func TestFileAndStatic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quote.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a": 1}`), 0o600))

	got, err := File{Path: path}.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"a": 1}`, string(got))

	_, err = File{Path: filepath.Join(dir, "missing.json")}.Fetch(context.Background())
	require.Error(t, err)

	_, err = Static(`{"b": 2}`).Fetch(context.Background())
	require.NoError(t, err)

	_, err = Static(`nope`).Fetch(context.Background())
	require.ErrorIs(t, err, errs.ErrSchemaValidationFailed)
}
