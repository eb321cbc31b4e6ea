package brokerclient

import (
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"gate/internal/broker"
	"gate/internal/store"
)

func newTestBroker(t *testing.T) (*Client, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "locks.db")
	st, err := store.Open(dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	server := httptest.NewServer(broker.NewHandler(broker.Config{Store: st, Logger: zerolog.Nop()}))
	t.Cleanup(server.Close)

	return New(server.URL), st
}

func TestClientAcquireReleaseRoundTrip(t *testing.T) {
	client, _ := newTestBroker(t)

	info, err := client.Acquire("a", store.ModeWrite, "o1", nil, 60000, nil)
	require.NoError(t, err)
	require.NotEmpty(t, info.LockID)
	require.Equal(t, store.ModeWrite, info.Mode)

	released, err := client.Release(info.LockID, "o1")
	require.NoError(t, err)
	require.True(t, released)
}

func TestClientAcquireTimeoutSurfacesErrTimedOut(t *testing.T) {
	client, _ := newTestBroker(t)

	_, err := client.Acquire("a", store.ModeWrite, "o1", nil, 60000, nil)
	require.NoError(t, err)

	timeout := int64(50)
	_, err = client.Acquire("a", store.ModeWrite, "o2", &timeout, 1000, nil)
	require.ErrorIs(t, err, store.ErrTimedOut)
}

func TestClientReleaseOwnerMismatchSurfacesErrPermissionDenied(t *testing.T) {
	client, _ := newTestBroker(t)

	info, err := client.Acquire("a", store.ModeWrite, "o1", nil, 60000, nil)
	require.NoError(t, err)

	_, err = client.Release(info.LockID, "o2")
	require.ErrorIs(t, err, store.ErrPermissionDenied)
}

func TestClientStatus(t *testing.T) {
	client, _ := newTestBroker(t)

	_, err := client.Acquire("a", store.ModeRead, "o1", nil, 60000, nil)
	require.NoError(t, err)

	snap, err := client.Status("a")
	require.NoError(t, err)
	require.Len(t, snap.Locks, 1)
	require.Equal(t, "o1", snap.Locks[0].Owner)
}

func TestClientHeartbeat(t *testing.T) {
	client, _ := newTestBroker(t)

	info, err := client.Acquire("a", store.ModeWrite, "o1", nil, 200, nil)
	require.NoError(t, err)

	ok, err := client.Heartbeat(info.LockID, "o1", 60000)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestClientTransportFailureOnUnreachableBroker(t *testing.T) {
	client := New("http://127.0.0.1:1")

	_, err := client.Acquire("a", store.ModeWrite, "o1", nil, 1000, nil)
	require.ErrorIs(t, err, ErrTransportFailure)
}
