package extapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Client, *httptest.Server) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/carlos", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /users/carlos/tasks/task-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /users/carlos/tasks/task-2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("GET /tasks/task-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /tasks/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("POST /tasks/task-1/complete", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /tasks/task-9/complete", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL), srv
}

func TestAuthenticated(t *testing.T) {
	client, _ := newTestServer(t)
	ctx := context.Background()

	ok, err := client.Authenticated(ctx, "carlos")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.Authenticated(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanAccessTask(t *testing.T) {
	client, _ := newTestServer(t)
	ctx := context.Background()

	ok, err := client.CanAccessTask(ctx, "carlos", "task-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Forbidden means no access, not an error.
	ok, err = client.CanAccessTask(ctx, "carlos", "task-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTaskExists(t *testing.T) {
	client, _ := newTestServer(t)
	ctx := context.Background()

	ok, err := client.TaskExists(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.TaskExists(ctx, "task-404")
	require.NoError(t, err)
	assert.False(t, ok)

	// Upstream failures surface as errors so validators can report them.
	_, err = client.TaskExists(ctx, "broken")
	assert.Error(t, err)
}

func TestMarkComplete(t *testing.T) {
	client, _ := newTestServer(t)
	ctx := context.Background()

	ok, err := client.MarkComplete(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.MarkComplete(ctx, "task-9")
	require.NoError(t, err)
	assert.False(t, ok)
}
