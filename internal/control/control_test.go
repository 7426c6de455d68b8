package control_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhire/voxhire/internal/control"
)

// stubHandler is a scriptable control.Handler.
type stubHandler struct {
	statusResult any
	statusErr    error
	stopResult   any
	stopErr      error

	statusCalls []string
	stopCalls   []string
}

func (h *stubHandler) Status(_ context.Context, sessionID string) (any, error) {
	h.statusCalls = append(h.statusCalls, sessionID)
	return h.statusResult, h.statusErr
}

func (h *stubHandler) Stop(_ context.Context, sessionID string) (any, error) {
	h.stopCalls = append(h.stopCalls, sessionID)
	return h.stopResult, h.stopErr
}

func startServer(t *testing.T, h control.Handler) (*control.Server, *control.Client) {
	t.Helper()
	dir, err := os.MkdirTemp("", "vxctl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, control.SocketName)
	srv := control.NewServer(path, h)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Close() })

	return srv, control.NewClient(path)
}

func TestClient_Status(t *testing.T) {
	h := &stubHandler{statusResult: map[string]string{"state": "active", "session_id": "sess-1"}}
	_, cli := startServer(t, h)

	data, err := cli.Status(context.Background(), "sess-1")
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "active", got["state"])
	assert.Equal(t, []string{"sess-1"}, h.statusCalls)
}

func TestClient_Stop(t *testing.T) {
	h := &stubHandler{stopResult: map[string]any{"session_id": "sess-1", "recommendation": "Hire"}}
	_, cli := startServer(t, h)

	data, err := cli.Stop(context.Background(), "sess-1")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "Hire", got["recommendation"])
	assert.Equal(t, []string{"sess-1"}, h.stopCalls)
}

func TestClient_NoSessionError(t *testing.T) {
	h := &stubHandler{statusErr: control.ErrNoSession}
	_, cli := startServer(t, h)

	_, err := cli.Status(context.Background(), "ghost")
	assert.ErrorIs(t, err, control.ErrNoSession)
}

func TestClient_HandlerError(t *testing.T) {
	h := &stubHandler{stopErr: assert.AnError}
	_, cli := startServer(t, h)

	_, err := cli.Stop(context.Background(), "sess-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), assert.AnError.Error())
}

func TestClient_DialFailure(t *testing.T) {
	cli := control.NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	_, err := cli.Status(context.Background(), "")
	assert.Error(t, err)
}

func TestServer_CloseRemovesSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "vxctl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, control.SocketName)
	srv := control.NewServer(path, &stubHandler{})
	require.NoError(t, srv.Start(context.Background()))

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSocketPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/data", control.SocketName), control.SocketPath("/data"))
}
