package diceware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// newTestClient creates a Client pointing at url with instant retry sleeps.
func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	c := NewClient(url, http.DefaultClient, slog.Default(), "test-agent")
	c.sleepFunc = noopSleep

	return c
}

func TestDo_SetsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL).do(context.Background(), "tok-1", http.MethodGet, "/x", nil)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestDo_ContentTypeOnlyWithBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		} else {
			assert.Empty(t, r.Header.Get("Content-Type"))
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	resp, err := client.do(context.Background(), "t", http.MethodPost, "/x", []byte(`{}`))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = client.do(context.Background(), "t", http.MethodGet, "/x", nil)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestDo_MissingToken(t *testing.T) {
	client := newTestClient(t, "http://localhost")

	_, err := client.do(context.Background(), "", http.MethodGet, "/x", nil)
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"bad request", http.StatusBadRequest, ErrBadRequest},
		{"unprocessable", http.StatusUnprocessableEntity, ErrBadRequest},
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrForbidden},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"conflict", http.StatusConflict, ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).do(context.Background(), "t", http.MethodGet, "/x", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "nope", apiErr.Message)
		})
	}
}

func TestDo_RetryOn5xx(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"key":"k"}`, string(body), "body must be resent on every attempt")

		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL).do(context.Background(), "t", http.MethodPost, "/x", []byte(`{"key":"k"}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_MaxRetriesExhausted(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).do(context.Background(), "t", http.MethodGet, "/x", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestDo_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).do(context.Background(), "t", http.MethodGet, "/x", nil)
	require.Error(t, err)
	assert.True(t, IsAuthFailure(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_PostNotRetriedAfterServerError(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls atomic.Int32

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(status)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).do(context.Background(), "t", http.MethodPost, "/x", []byte(`{}`))
			require.ErrorIs(t, err, ErrServerError)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestDo_PostNotRetriedAfterNetworkError(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)

		// Drop the connection without a response.
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}

		conn.Close()
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.do(context.Background(), "t", http.MethodPost, "/x", []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	_, err = client.do(context.Background(), "t", http.MethodDelete, "/x", nil)
	require.Error(t, err)
	assert.Equal(t, int32(2+maxRetries), calls.Load(), "DELETE is retried")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		method string
		status int
		want   bool
	}{
		{http.MethodGet, http.StatusGatewayTimeout, true},
		{http.MethodPut, http.StatusInternalServerError, true},
		{http.MethodDelete, http.StatusBadGateway, true},
		{http.MethodGet, http.StatusNotFound, false},
		{http.MethodPost, http.StatusTooManyRequests, true},
		{http.MethodPost, http.StatusServiceUnavailable, true},
		{http.MethodPost, http.StatusGatewayTimeout, false},
		{http.MethodPost, http.StatusInternalServerError, false},
		{http.MethodPost, http.StatusRequestTimeout, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, isRetryable(tt.method, tt.status), "%s %d", tt.method, tt.status)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(t, srv.URL).do(ctx, "t", http.MethodGet, "/x", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryBackoff_HonorsRetryAfter(t *testing.T) {
	c := NewClient("http://localhost", nil, nil, "")
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": {"7"}},
	}

	assert.Equal(t, 7*time.Second, c.retryBackoff(resp, 0))
}

func TestCalcBackoff_MaxCap(t *testing.T) {
	c := NewClient("http://localhost", nil, nil, "")

	backoff := c.calcBackoff(20)
	assert.LessOrEqual(t, backoff, maxBackoff+maxBackoff/4)
	assert.GreaterOrEqual(t, backoff, maxBackoff-maxBackoff/4)
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("http://localhost/rest/", nil, nil, "")
	assert.NotNil(t, c.httpClient)
	assert.NotNil(t, c.logger)
	assert.Equal(t, defaultUserAgent, c.userAgent)
	assert.Equal(t, "http://localhost/rest", c.baseURL)
}

func TestAPIError_ErrorString(t *testing.T) {
	err := &APIError{Method: "GET", Path: "/passphrases/", StatusCode: 404, Err: ErrNotFound}
	assert.Equal(t, "diceware: GET /passphrases/: HTTP 404", err.Error())
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))
}

func TestTimeSleep_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, timeSleep(ctx, time.Minute), context.Canceled)
}
