package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/fleetsync/pkg/bundle"
	"github.com/cuemby/fleetsync/pkg/pending"
	"github.com/cuemby/fleetsync/pkg/types"
)

func TestNewServerRoutes(t *testing.T) {
	p := pending.New(4)
	idx := bundle.NewIndex()
	s := New(p, idx)

	tests := []struct {
		path           string
		expectedStatus int
	}{
		{path: "/health", expectedStatus: http.StatusOK},
		{path: "/live", expectedStatus: http.StatusOK},
		{path: "/metrics", expectedStatus: http.StatusOK},
		{path: "/agents", expectedStatus: http.StatusOK},
		{path: "/groups", expectedStatus: http.StatusOK},
		{path: "/nonexistent", expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			w := httptest.NewRecorder()

			s.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code, "Path: %s", tt.path)
		})
	}
}

func TestAgentsEndpointReturnsSnapshot(t *testing.T) {
	p := pending.New(4)
	p.Ingest("agent-1", "Linux |host|4.0\nab12 merged.mg\n")
	idx := bundle.NewIndex()
	s := New(p, idx)

	req := httptest.NewRequest(http.MethodGet, "/agents", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var snaps []types.AgentSnapshot
	if err := json.NewDecoder(w.Body).Decode(&snaps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snaps) != 1 || snaps[0].AgentID != "agent-1" {
		t.Fatalf("unexpected snapshot: %+v", snaps)
	}
}

func TestGroupsEndpointReturnsEmptySnapshot(t *testing.T) {
	p := pending.New(4)
	idx := bundle.NewIndex()
	s := New(p, idx)

	req := httptest.NewRequest(http.MethodGet, "/groups", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var snaps []types.GroupSnapshot
	if err := json.NewDecoder(w.Body).Decode(&snaps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected no groups before any rebuild, got %+v", snaps)
	}
}
