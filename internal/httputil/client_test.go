package httputil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqdesk/reqdesk/internal/errors"
	"github.com/reqdesk/reqdesk/internal/logging"
)

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:   server.URL,
		Timeout:   5 * time.Second,
		UserAgent: "reqdesk-test",
	})
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)

	client, err := NewClient(Config{BaseURL: "http://localhost:8000/"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", client.BaseURL())
}

func TestClient_SetsHeaders(t *testing.T) {
	var gotAuth, gotTrace, gotUA, gotCT string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTrace = r.Header.Get(TraceIDHeader)
		gotUA = r.Header.Get("User-Agent")
		gotCT = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	client.SetTokenSource(TokenFunc(func() (string, bool) { return "tok-123", true }))

	ctx := logging.WithTraceID(context.Background(), "trace-abc")
	require.NoError(t, client.JSON(ctx, http.MethodPost, "/api/v1/epics", nil, map[string]string{"title": "x"}, nil))

	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "trace-abc", gotTrace)
	assert.Equal(t, "reqdesk-test", gotUA)
	assert.Equal(t, "application/json", gotCT)
}

func TestClient_OmitsAuthorizationWithoutToken(t *testing.T) {
	var gotAuth, gotTrace string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTrace = r.Header.Get(TraceIDHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	client.SetTokenSource(TokenFunc(func() (string, bool) { return "", false }))

	resp, err := client.Get(context.Background(), "/api/v1/epics", nil)
	require.NoError(t, err)
	require.NoError(t, DecodeResponse(resp, nil))

	assert.Empty(t, gotAuth)
	assert.NotEmpty(t, gotTrace)
}

func TestClient_EncodesQuery(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = io.WriteString(w, `{"data":[],"total_count":0}`)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	var out map[string]interface{}
	err := client.JSON(context.Background(), http.MethodGet, "/api/v1/epics",
		map[string][]string{"status": {"In Progress"}}, nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "status=In+Progress", gotQuery)
	assert.Contains(t, out, "data")
}

func TestClient_TransportFailureIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client, err := NewClient(Config{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)

	err = client.JSON(context.Background(), http.MethodGet, "/api/v1/epics", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsNetwork(err))
	assert.Equal(t, "network error", errors.Message(err))
}

func TestClient_OnUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail":"Could not validate credentials"}`)
	}))
	defer server.Close()

	var calls int32
	client, err := NewClient(Config{
		BaseURL:        server.URL,
		OnUnauthorized: func() { atomic.AddInt32(&calls, 1) },
	})
	require.NoError(t, err)

	err = client.JSON(context.Background(), http.MethodGet, "/api/v1/epics", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsAuth(err))
	assert.Equal(t, "Could not validate credentials", errors.Message(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Get(ctx, "/api/v1/epics", nil)
	require.Error(t, err)
	assert.True(t, errors.IsNetwork(err))
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    bool
		check      func(t *testing.T, err error)
		wantTarget string
	}{
		{
			name:       "success",
			status:     http.StatusOK,
			body:       `{"title":"Checkout"}`,
			wantTarget: "Checkout",
		},
		{
			name:    "validation detail list",
			status:  http.StatusUnprocessableEntity,
			body:    `{"detail":[{"loc":["body","title"],"msg":"field required"},{"msg":"too short"}]}`,
			wantErr: true,
			check: func(t *testing.T, err error) {
				assert.True(t, errors.IsValidation(err))
				assert.Equal(t, "field required; too short", errors.Message(err))
			},
		},
		{
			name:    "not found",
			status:  http.StatusNotFound,
			body:    `{"detail":"Epic not found"}`,
			wantErr: true,
			check: func(t *testing.T, err error) {
				assert.True(t, errors.IsNotFound(err))
				assert.Equal(t, "Epic not found", errors.Message(err))
			},
		},
		{
			name:    "forbidden",
			status:  http.StatusForbidden,
			body:    `{"error":{"message":"Insufficient permissions"}}`,
			wantErr: true,
			check: func(t *testing.T, err error) {
				assert.True(t, errors.IsForbidden(err))
				assert.Equal(t, "Insufficient permissions", errors.Message(err))
			},
		},
		{
			name:    "server error plain text",
			status:  http.StatusInternalServerError,
			body:    "  API Error \n",
			wantErr: true,
			check: func(t *testing.T, err error) {
				assert.Equal(t, http.StatusInternalServerError, errors.StatusCode(err))
				assert.Equal(t, "API Error", errors.Message(err))
			},
		},
		{
			name:    "invalid json",
			status:  http.StatusOK,
			body:    `{"title":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tt.status,
				Body:       io.NopCloser(strings.NewReader(tt.body)),
			}
			var target struct {
				Title string `json:"title"`
			}
			err := DecodeResponse(resp, &target)
			if tt.wantErr {
				require.Error(t, err)
				if tt.check != nil {
					tt.check(t, err)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTarget, target.Title)
		})
	}
}

func TestDecodeResponse_TruncatesLargeErrorBody(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusBadGateway,
		Body:       io.NopCloser(strings.NewReader(strings.Repeat("x", maxErrorBody+10))),
	}
	err := DecodeResponse(resp, nil)
	require.Error(t, err)
	assert.True(t, strings.HasSuffix(errors.Message(err), "...(truncated)"))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "boom", ErrorMessage([]byte(`{"message":"boom"}`)))
	assert.Equal(t, "bad token", ErrorMessage([]byte(`{"error":"bad token"}`)))
	assert.Equal(t, "", ErrorMessage([]byte("")))
	assert.Equal(t, `{"code":7}`, ErrorMessage([]byte(`{"code":7}`)))
}
