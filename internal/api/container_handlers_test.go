package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devbenchd/devbenchd/internal/dispatch"
	"github.com/devbenchd/devbenchd/internal/store"
)

func TestHandleSpawnReturnsCreated(t *testing.T) {
	fd := &fakeDispatcher{spawnResult: &dispatch.SpawnResult{ContainerID: "c1", Status: store.StatusRunning}}
	s := testServer(fd, "")

	req := httptest.NewRequest("POST", "/v1/containers", strings.NewReader(`{"image":"python:3.11"}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "c1")
}

func TestHandleSpawnRejectsMissingImage(t *testing.T) {
	fd := &fakeDispatcher{}
	s := testServer(fd, "")

	req := httptest.NewRequest("POST", "/v1/containers", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleKillDelegatesToDispatcher(t *testing.T) {
	fd := &fakeDispatcher{killResult: &dispatch.KillResult{Status: store.StatusStopped}}
	s := testServer(fd, "")

	req := httptest.NewRequest("DELETE", "/v1/containers/c1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), store.StatusStopped)
}

func TestHandleKillParsesForceQueryParam(t *testing.T) {
	fd := &fakeDispatcher{killResult: &dispatch.KillResult{Status: store.StatusStopped}}
	s := testServer(fd, "")

	req := httptest.NewRequest("DELETE", "/v1/containers/c1?force=true", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, fd.lastKillReq.Force)
	assert.Equal(t, "c1", fd.lastKillReq.ContainerID)
}

func TestHandleKillRejectsInvalidForceQueryParam(t *testing.T) {
	fd := &fakeDispatcher{killResult: &dispatch.KillResult{Status: store.StatusStopped}}
	s := testServer(fd, "")

	req := httptest.NewRequest("DELETE", "/v1/containers/c1?force=notabool", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListContainers(t *testing.T) {
	fd := &fakeDispatcher{listContainers: []*store.Container{{ID: "c1"}, {ID: "c2"}}}
	s := testServer(fd, "")

	req := httptest.NewRequest("GET", "/v1/containers", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "c1")
	assert.Contains(t, rec.Body.String(), "c2")
}

func TestHandleStatus(t *testing.T) {
	fd := &fakeDispatcher{status: &dispatch.StatusResult{ContainersActive: 3, WarmPoolSize: 2}}
	s := testServer(fd, "")

	req := httptest.NewRequest("GET", "/v1/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
