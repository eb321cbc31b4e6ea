package broker

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"gate/internal/store"
)

type fixture struct {
	server *httptest.Server
	t      *testing.T
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "locks.db")
	st, err := store.Open(dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	server := httptest.NewServer(NewHandler(Config{Store: st, Logger: zerolog.Nop()}))
	t.Cleanup(server.Close)

	return &fixture{server: server, t: t}
}

func (f *fixture) post(path string, body interface{}) *http.Response {
	raw, err := json.Marshal(body)
	require.NoError(f.t, err)

	resp, err := f.server.Client().Post(f.server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(f.t, err)
	return resp
}

func (f *fixture) get(path string) *http.Response {
	resp, err := f.server.Client().Get(f.server.URL + path)
	require.NoError(f.t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestServeAcquireMissingFields(t *testing.T) {
	f := newFixture(t)

	resp := f.post("/v1/locks/acquire", acquireRequest{Owner: "o1", Mode: "write", LeaseMS: 1000})
	require.Equal(t, 400, resp.StatusCode)
	var body errorResponse
	decode(t, resp, &body)
	require.Equal(t, "missing_field", body.Code)
}

func TestServeAcquireInvalidMode(t *testing.T) {
	f := newFixture(t)

	resp := f.post("/v1/locks/acquire", acquireRequest{Path: "a", Owner: "o1", Mode: "bogus", LeaseMS: 1000})
	require.Equal(t, 400, resp.StatusCode)
	var body errorResponse
	decode(t, resp, &body)
	require.Equal(t, "invalid_mode", body.Code)
}

func TestServeAcquireAndRelease(t *testing.T) {
	f := newFixture(t)

	resp := f.post("/v1/locks/acquire", acquireRequest{Path: "a", Owner: "o1", Mode: "write", LeaseMS: 60000})
	require.Equal(t, 200, resp.StatusCode)
	var info lockInfoResponse
	decode(t, resp, &info)
	require.NotEmpty(t, info.LockID)
	require.Equal(t, "write", info.Mode)

	resp = f.post("/v1/locks/release", releaseRequest{LockID: info.LockID, Owner: "o1"})
	require.Equal(t, 200, resp.StatusCode)
	var rel releaseResponse
	decode(t, resp, &rel)
	require.True(t, rel.Released)
}

func TestServeReleaseOwnerMismatchIsForbidden(t *testing.T) {
	f := newFixture(t)

	resp := f.post("/v1/locks/acquire", acquireRequest{Path: "a", Owner: "o1", Mode: "write", LeaseMS: 60000})
	require.Equal(t, 200, resp.StatusCode)
	var info lockInfoResponse
	decode(t, resp, &info)

	resp = f.post("/v1/locks/release", releaseRequest{LockID: info.LockID, Owner: "o2"})
	require.Equal(t, 403, resp.StatusCode)
}

func TestServeReleaseUnknownLockIsNotFound(t *testing.T) {
	f := newFixture(t)

	resp := f.post("/v1/locks/release", releaseRequest{LockID: "does-not-exist", Owner: "o1"})
	require.Equal(t, 404, resp.StatusCode)
	var body errorResponse
	decode(t, resp, &body)
	require.Equal(t, "not_found", body.Code)
}

func TestServeHeartbeatUnknownLockIsNotFound(t *testing.T) {
	f := newFixture(t)

	resp := f.post("/v1/locks/heartbeat", heartbeatRequest{LockID: "does-not-exist", Owner: "o1", LeaseMS: 5000})
	require.Equal(t, 404, resp.StatusCode)
	var body errorResponse
	decode(t, resp, &body)
	require.Equal(t, "not_found", body.Code)
}

func TestServeAcquireTimesOut(t *testing.T) {
	f := newFixture(t)

	resp := f.post("/v1/locks/acquire", acquireRequest{Path: "a", Owner: "o1", Mode: "write", LeaseMS: 60000})
	require.Equal(t, 200, resp.StatusCode)

	timeout := int64(50)
	resp = f.post("/v1/locks/acquire", acquireRequest{Path: "a", Owner: "o2", Mode: "write", LeaseMS: 1000, TimeoutMS: &timeout})
	require.Equal(t, 408, resp.StatusCode)
}

func TestServeHeartbeat(t *testing.T) {
	f := newFixture(t)

	resp := f.post("/v1/locks/acquire", acquireRequest{Path: "a", Owner: "o1", Mode: "write", LeaseMS: 200})
	var info lockInfoResponse
	decode(t, resp, &info)

	resp = f.post("/v1/locks/heartbeat", heartbeatRequest{LockID: info.LockID, Owner: "o1", LeaseMS: 5000})
	require.Equal(t, 200, resp.StatusCode)
	var hb heartbeatResponse
	decode(t, resp, &hb)
	require.True(t, hb.OK)
}

func TestServeStatus(t *testing.T) {
	f := newFixture(t)

	resp := f.post("/v1/locks/acquire", acquireRequest{Path: "a", Owner: "o1", Mode: "read", LeaseMS: 60000})
	require.Equal(t, 200, resp.StatusCode)

	resp = f.get("/v1/locks/status?path=a")
	require.Equal(t, 200, resp.StatusCode)
	var snap statusResponse
	decode(t, resp, &snap)
	require.Len(t, snap.Locks, 1)
	require.Empty(t, snap.Queue)
}
