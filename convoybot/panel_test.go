package convoybot

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPanelClient(t *testing.T, handler http.Handler) *PanelClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logLevel := &slog.LevelVar{}
	logLevel.Set(slog.LevelError)
	return NewPanelClient(
		&PanelConfig{
			BaseURL:              server.URL,
			ApplicationKey:       "app-key",
			ClientKey:            "client-key",
			RequestTimeout:       5 * time.Second,
			MaxRequestsPerSecond: 100,
			LogLevel:             logLevel,
		},
		nil,
	)
}

func TestPanelClientScopeAuth(t *testing.T) {
	t.Parallel()
	var gotPath, gotAuth string
	client := newTestPanelClient(
		t,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data": {}}`))
		}),
	)
	ctx := context.Background()

	_, err := client.Do(ctx, PanelRequest{
		Method:   http.MethodGet,
		Endpoint: "servers",
		Scope:    ScopeApplication,
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/application/servers", gotPath)
	assert.Equal(t, "Bearer app-key", gotAuth)

	_, err = client.Do(ctx, PanelRequest{
		Method:   http.MethodGet,
		Endpoint: "servers/abc/state",
		Scope:    ScopeClient,
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/client/servers/abc/state", gotPath)
	assert.Equal(t, "Bearer client-key", gotAuth)
}

func TestPanelClientNoContent(t *testing.T) {
	t.Parallel()
	client := newTestPanelClient(
		t,
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
	)

	rv, err := client.Do(context.Background(), PanelRequest{
		Method:   http.MethodPost,
		Endpoint: "servers/1/settings/suspend",
		Scope:    ScopeApplication,
	})
	require.NoError(t, err)
	assert.True(t, rv.NoContent)
	assert.Equal(t, http.StatusNoContent, rv.Status)
	assert.Nil(t, rv.Data)
}

func TestPanelClientErrorPayload(t *testing.T) {
	t.Parallel()
	client := newTestPanelClient(
		t,
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(
				`{"errors":[{"code":"ValidationException","detail":"The name field is required."}]}`,
			))
		}),
	)

	_, err := client.Do(context.Background(), PanelRequest{
		Method:   http.MethodPost,
		Endpoint: "servers",
		Scope:    ScopeApplication,
		Body:     map[string]string{},
	})
	require.Error(t, err)

	var apiErr *PanelAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	require.Len(t, apiErr.Problems, 1)
	assert.Equal(t, "ValidationException", apiErr.Problems[0].Code)
	assert.Equal(t, "The name field is required.", apiErr.Detail())
	assert.Contains(t, apiErr.Error(), "422")
}

func TestPanelClientErrorWithoutPayload(t *testing.T) {
	t.Parallel()
	client := newTestPanelClient(
		t,
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("<html>bad gateway</html>"))
		}),
	)

	_, err := client.Do(context.Background(), PanelRequest{
		Method:   http.MethodGet,
		Endpoint: "servers",
		Scope:    ScopeApplication,
	})
	var apiErr *PanelAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Empty(t, apiErr.Problems)
	assert.Equal(t, "HTTP 502", apiErr.Detail())
}

func TestPanelClientTimeout(t *testing.T) {
	t.Parallel()
	client := newTestPanelClient(
		t,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}),
	)
	client.config.RequestTimeout = 50 * time.Millisecond

	_, err := client.Do(context.Background(), PanelRequest{
		Method:   http.MethodGet,
		Endpoint: "servers",
		Scope:    ScopeApplication,
	})
	assert.ErrorIs(t, err, ErrPanelTimeout)
}

func TestPanelClientUnreachable(t *testing.T) {
	t.Parallel()
	logLevel := &slog.LevelVar{}
	logLevel.Set(slog.LevelError)
	client := NewPanelClient(
		&PanelConfig{
			BaseURL:              "http://127.0.0.1:1",
			ApplicationKey:       "app-key",
			ClientKey:            "client-key",
			RequestTimeout:       time.Second,
			MaxRequestsPerSecond: 100,
			LogLevel:             logLevel,
		},
		nil,
	)

	_, err := client.Do(context.Background(), PanelRequest{
		Method:   http.MethodGet,
		Endpoint: "servers",
		Scope:    ScopeApplication,
	})
	assert.ErrorIs(t, err, ErrPanelUnreachable)
}

func TestFindUserByEmail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		response string
		wantErr  error
		wantID   int
	}{
		{
			name:     "single match",
			response: `{"data":[{"id":7,"name":"alice","email":"alice@example.com"}]}`,
			wantID:   7,
		},
		{
			name:     "no match",
			response: `{"data":[]}`,
			wantErr:  ErrPanelUserNotFound,
		},
		{
			name: "ambiguous",
			response: `{"data":[` +
				`{"id":7,"name":"alice","email":"alice@example.com"},` +
				`{"id":8,"name":"bob","email":"alice@example.com"}]}`,
			wantErr: ErrPanelUserAmbiguous,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var gotQuery string
			client := newTestPanelClient(
				t,
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					gotQuery = r.URL.Query().Get("filter[email]")
					w.Header().Set("Content-Type", "application/json")
					_, _ = w.Write([]byte(tt.response))
				}),
			)

			user, err := client.FindUserByEmail(
				context.Background(),
				"alice@example.com",
			)
			assert.Equal(t, "alice@example.com", gotQuery)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, user.ID)
		})
	}
}

func TestCreateServerDecodesResponse(t *testing.T) {
	t.Parallel()
	client := newTestPanelClient(
		t,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(
				`{"data":{"id":12,"uuid":"abc-def","name":"INV-user-123","status":"installing"}}`,
			))
		}),
	)

	server, err := client.CreateServer(
		context.Background(),
		&CreationPayload{Name: "INV-user-123"},
	)
	require.NoError(t, err)
	assert.Equal(t, 12, server.ID)
	assert.Equal(t, "abc-def", server.UUID)
}

func TestListServersPagination(t *testing.T) {
	t.Parallel()
	client := newTestPanelClient(
		t,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "2", r.URL.Query().Get("page"))
			assert.Equal(t, "25", r.URL.Query().Get("per_page"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(
				`{"data":[{"id":1},{"id":2}],` +
					`"meta":{"pagination":{"current_page":2,"total_pages":4,"total":100,"per_page":25}}}`,
			))
		}),
	)

	servers, meta, err := client.ListServers(context.Background(), 2, 25, "")
	require.NoError(t, err)
	assert.Len(t, servers, 2)
	require.NotNil(t, meta)
	assert.Equal(t, 2, meta.Pagination.CurrentPage)
	assert.Equal(t, 4, meta.Pagination.TotalPages)
	assert.Equal(t, 100, meta.Pagination.Total)
}
