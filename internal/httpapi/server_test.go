package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mlfq-sim/internal/kernel"
	"mlfq-sim/internal/proc"
	"mlfq-sim/internal/scheduler"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *kernel.Kernel) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	k, err := kernel.New(kernel.Options{
		Scheduler:       scheduler.DefaultConfig(),
		NProc:           2,
		LockToken:       1,
		Logger:          logger,
		SchedulerLogger: logger,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(k, logger).Router())
	t.Cleanup(srv.Close)
	return srv, k
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSpawnAndList(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/procs", `{"name":"worker"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, 1, created["pid"])

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/procs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var procs []scheduler.ProcInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&procs))
	require.Len(t, procs, 1)
	assert.Equal(t, "worker", procs[0].Name)
	assert.Equal(t, "runnable", procs[0].State)
	assert.True(t, procs[0].Queued)
}

func TestSpawn_Errors(t *testing.T) {
	srv, _ := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, srv.URL+"/api/v1/procs", `{`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, srv.URL+"/api/v1/procs", `{}`).StatusCode)

	do(t, http.MethodPost, srv.URL+"/api/v1/procs", `{"name":"a"}`)
	do(t, http.MethodPost, srv.URL+"/api/v1/procs", `{"name":"b"}`)
	resp := do(t, http.MethodPost, srv.URL+"/api/v1/procs", `{"name":"c"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "process table is full")
}

func TestLevelAndPriority(t *testing.T) {
	srv, k := newTestServer(t)
	pid, err := k.Spawn("a")
	require.NoError(t, err)

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/procs/1/level", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lvl LevelResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lvl))
	assert.Equal(t, LevelResponse{PID: pid, Level: 0, Name: "L0"}, lvl)

	resp = do(t, http.MethodPut, srv.URL+"/api/v1/procs/1/priority", `{"value":1}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, k.Procs()[0].Priority)

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPut, srv.URL+"/api/v1/procs/1/priority", `{"value":9}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPut, srv.URL+"/api/v1/procs/1/priority", `{}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodPut, srv.URL+"/api/v1/procs/7/priority", `{"value":1}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, srv.URL+"/api/v1/procs/7/level", "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodGet, srv.URL+"/api/v1/procs/x/level", "").StatusCode)
}

func TestKill(t *testing.T) {
	srv, k := newTestServer(t)
	_, err := k.Spawn("a")
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, do(t, http.MethodDelete, srv.URL+"/api/v1/procs/1", "").StatusCode)
	assert.Equal(t, "zombie", k.Procs()[0].State)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodDelete, srv.URL+"/api/v1/procs/1", "").StatusCode)
}

func TestSchedulerStatus(t *testing.T) {
	srv, k := newTestServer(t)
	pid, err := k.Spawn("a")
	require.NoError(t, err)
	_, err = k.Schedule()
	require.NoError(t, err)
	require.NoError(t, k.SchedulerLock(pid, 1))

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/scheduler", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st kernel.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "locked", st.LockState)
	assert.Equal(t, pid, st.LockHolder)
	assert.Equal(t, pid, st.CurrentPID)
}

// haltedKernel answers every mutating call the way a halted kernel does.
type haltedKernel struct {
	cause error
}

func (h haltedKernel) err() error {
	return fmt.Errorf("%w: %w", kernel.ErrHalted, h.cause)
}

func (h haltedKernel) Procs() []scheduler.ProcInfo { return nil }
func (h haltedKernel) GetLevel(int) (proc.Level, error) { return proc.LevelNone, h.err() }
func (h haltedKernel) Spawn(string) (int, error) { return 0, h.err() }
func (h haltedKernel) SetPriority(int, int) error { return h.err() }
func (h haltedKernel) Kill(int) error { return h.err() }
func (h haltedKernel) Status() kernel.Status { return kernel.Status{Halted: h.cause.Error()} }

func TestHaltedKernelReturns503(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	k := haltedKernel{cause: &scheduler.InvariantError{Op: "Select", PID: 1, Reason: "selected entity is sleeping"}}
	srv := httptest.NewServer(NewServer(k, logger).Router())
	t.Cleanup(srv.Close)

	assert.Equal(t, http.StatusServiceUnavailable, do(t, http.MethodPost, srv.URL+"/api/v1/procs", `{"name":"b"}`).StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, http.MethodGet, srv.URL+"/api/v1/procs/1/level", "").StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, http.MethodDelete, srv.URL+"/api/v1/procs/1", "").StatusCode)

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/procs", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var st kernel.Status
	require.NoError(t, json.NewDecoder(do(t, http.MethodGet, srv.URL+"/api/v1/scheduler", "").Body).Decode(&st))
	assert.NotEmpty(t, st.Halted)
}

func TestDoubleUnlockKeepsAPIUp(t *testing.T) {
	srv, k := newTestServer(t)
	pid, err := k.Spawn("a")
	require.NoError(t, err)
	_, err = k.Schedule()
	require.NoError(t, err)
	require.NoError(t, k.SchedulerLock(pid, 1))
	require.NoError(t, k.SchedulerUnlock(pid, 1))
	assert.ErrorIs(t, k.SchedulerUnlock(pid, 1), scheduler.ErrNotLocked)

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/procs", `{"name":"b"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}
