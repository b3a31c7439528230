package ocr

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflow/docflow/internal/config"
)

func newTestClient(endpoint string) *Client {
	return NewClient(config.OCRConfig{
		Endpoint:    endpoint,
		APIKey:      "test-key",
		TimeoutMS:   5000,
		MaxAttempts: 3,
		BackoffMS:   1,
	}, slog.Default())
}

func TestExtractSuccess(t *testing.T) {
	var gotFilename, gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFilename = r.Header.Get("X-Filename")
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte(`{"entities":[{"kind":"total","value":"9.99","confidence":0.91,"page":1}]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	entities, err := c.Extract(context.Background(), "doc.pdf", strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)

	require.Len(t, entities, 1)
	assert.Equal(t, "total", entities[0].Kind)
	assert.Equal(t, "9.99", entities[0].Value)

	assert.Equal(t, "doc.pdf", gotFilename)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "application/pdf", gotContentType)
}

func TestExtractRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"entities":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Extract(context.Background(), "doc.pdf", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExtractExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Extract(context.Background(), "doc.pdf", strings.NewReader("x"))
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "three attempts then give up")
}

func TestZeroMaxAttemptsMeansSingleCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(config.OCRConfig{
		Endpoint:  srv.URL,
		TimeoutMS: 5000,
		BackoffMS: 1,
	}, slog.Default())

	_, err := c.Extract(context.Background(), "doc.pdf", strings.NewReader("x"))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "unset budget clamps to one attempt")
}

func TestExtractDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "not a pdf", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Extract(context.Background(), "doc.pdf", strings.NewReader("x"))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx is permanent")
}

func TestExtractHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(srv.URL)
	_, err := c.Extract(ctx, "doc.pdf", strings.NewReader("x"))
	assert.Error(t, err)
}
