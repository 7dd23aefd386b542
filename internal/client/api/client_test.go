package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsBearerAndEscapesPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/notes/a%2Fb/state", r.URL.EscapedPath())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(NoteState{NoteID: "a/b", Status: "ok", State: []byte{1, 2, 3}})
	}))
	defer server.Close()

	state, err := NewClient(server.URL, "tok-1").LoadState(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, state)
}

func TestClientSaveStateSendsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body struct {
			State []byte `json:"state"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []byte("local"), body.State)
		_ = json.NewEncoder(w).Encode(NoteState{NoteID: "n1", Status: "ok", State: []byte("merged")})
	}))
	defer server.Close()

	merged, err := NewClient(server.URL, "tok").SaveState(context.Background(), "n1", []byte("local"))
	require.NoError(t, err)
	assert.Equal(t, []byte("merged"), merged)
}

func TestClientMapsErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"ACCESS_DENIED","error":"note belongs to another clinic"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "tok").ListVersions(context.Background(), "n1")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "ACCESS_DENIED", apiErr.Code)
	assert.Equal(t, "note belongs to another clinic", apiErr.Message)
}

func TestClientKeepsPlainErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "tok").GetVersion(context.Background(), "n1", "v1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Empty(t, apiErr.Code)
	assert.Contains(t, apiErr.Message, "upstream down")
}

func TestClientRevertVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/notes/n1/versions/v-1/revert", r.URL.Path)
		_ = json.NewEncoder(w).Encode(RevertResult{NoteID: "n1", Version: 3})
	}))
	defer server.Close()

	res, err := NewClient(server.URL, "tok").RevertVersion(context.Background(), "n1", "v-1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Version)
	assert.False(t, res.Deferred)
}
