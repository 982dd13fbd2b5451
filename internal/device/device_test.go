package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-autopilot/internal/store"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, payload any) *http.Response {
	data, _ := json.Marshal(payload)
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     make(http.Header),
	}
}

func TestHTTPExecutorPostsCommand(t *testing.T) {
	exec := NewHTTPExecutor(HTTPConfig{BaseURL: "http://device.local/agent/", Token: "secret"}, utils.DiscardLogger())
	exec.httpClient.Transport = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "/agent/api/v1/execute", req.URL.Path)
		assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
		var body executeRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "/interface/enable", body.Command)
		assert.Equal(t, map[string]string{"numbers": "ether1"}, body.Params)
		return jsonResponse(http.StatusOK, executeResponse{Output: "done"}), nil
	})

	out, err := exec.Execute(context.Background(), "/interface/enable", map[string]string{"numbers": "ether1"})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Greater(t, exec.latency.Count(), 0)
}

func TestHTTPExecutorSurfacesDeviceErrors(t *testing.T) {
	exec := NewHTTPExecutor(HTTPConfig{BaseURL: "http://device.local"}, utils.DiscardLogger())
	exec.httpClient.Transport = roundTripFunc(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, executeResponse{Error: "no such item"}), nil
	})
	_, err := exec.Execute(context.Background(), "/ip/route/remove", nil)
	assert.True(t, errors.Is(err, ErrCommandFailed))

	exec.httpClient.Transport = roundTripFunc(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusBadGateway, map[string]string{"error": "down"}), nil
	})
	_, err = exec.Execute(context.Background(), "/system/resource/print", nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrCommandFailed))
}

func TestHTTPExecutorRejectsEmptyCommand(t *testing.T) {
	exec := NewHTTPExecutor(HTTPConfig{BaseURL: "http://device.local"}, utils.DiscardLogger())
	_, err := exec.Execute(context.Background(), "  ", nil)
	assert.ErrorIs(t, err, utils.ErrValidation)

	_, err = NewHTTPExecutor(HTTPConfig{}, nil).Execute(context.Background(), "/export", nil)
	assert.Error(t, err)
}

type scriptedExecutor struct {
	output string
	err    error
	calls  []string
}

func (s *scriptedExecutor) Execute(_ context.Context, command string, _ map[string]string) (string, error) {
	s.calls = append(s.calls, command)
	return s.output, s.err
}

func TestSnapshotManagerPersistsExport(t *testing.T) {
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	exec := &scriptedExecutor{output: "/interface set ether1 disabled=no"}
	mgr := NewSnapshotManager(exec, st, "", utils.DiscardLogger())

	id, err := mgr.CreateSnapshot(context.Background(), "pattern:high-cpu")
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultExportCommand}, exec.calls)

	snap, err := mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "pattern:high-cpu", snap.Trigger)
	assert.Equal(t, exec.output, snap.Content)

	all, err := ListSnapshots(st)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = mgr.Get("missing")
	assert.True(t, utils.IsNotFound(err))
}

func TestSnapshotManagerPropagatesExportFailure(t *testing.T) {
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mgr := NewSnapshotManager(&scriptedExecutor{err: errors.New("timeout")}, st, "/export compact", utils.DiscardLogger())
	_, err = mgr.CreateSnapshot(context.Background(), "plan-step")
	assert.Error(t, err)
}
