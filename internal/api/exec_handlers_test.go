package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devbenchd/devbenchd/internal/dispatch"
	"github.com/devbenchd/devbenchd/internal/store"
)

func TestHandleExecStartReturnsAccepted(t *testing.T) {
	fd := &fakeDispatcher{execStartResult: &dispatch.ExecStartResult{ExecID: "e1", Status: store.ExecStatusRunning}}
	s := testServer(fd, "")

	req := httptest.NewRequest("POST", "/v1/containers/c1/exec", strings.NewReader(`{"cmd":["echo","hi"]}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "e1")
}

func TestHandleExecStartRejectsEmptyCmd(t *testing.T) {
	fd := &fakeDispatcher{}
	s := testServer(fd, "")

	req := httptest.NewRequest("POST", "/v1/containers/c1/exec", strings.NewReader(`{"cmd":[]}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleExecPollDefaultsAfterSeqToMinusOne(t *testing.T) {
	fd := &fakeDispatcher{execPollResult: &dispatch.ExecPollResult{Complete: true}}
	s := testServer(fd, "")

	req := httptest.NewRequest("GET", "/v1/execs/e1/poll", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(-1), fd.lastAfterSeq)
}

func TestHandleExecPollParsesAfterSeqQueryParam(t *testing.T) {
	fd := &fakeDispatcher{execPollResult: &dispatch.ExecPollResult{}}
	s := testServer(fd, "")

	req := httptest.NewRequest("GET", "/v1/execs/e1/poll?after_seq=42", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(42), fd.lastAfterSeq)
}

func TestHandleExecCancel(t *testing.T) {
	fd := &fakeDispatcher{execCancelResult: &dispatch.ExecCancelResult{ExecID: "e1", Status: store.ExecStatusCancelled}}
	s := testServer(fd, "")

	req := httptest.NewRequest("POST", "/v1/execs/e1/cancel", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
