package recording

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackrtc/roomrelay/internal/auth"
)

const httpTestSecret = "http-test-secret"

func bearer(t *testing.T, subject string) string {
	t.Helper()
	tok, err := auth.NewHS256(httpTestSecret).Issue(auth.Claims{Subject: subject}, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func do(t *testing.T, ts *httptest.Server, method, path, authz string) (int, map[string]any, []any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, nil)
	require.NoError(t, err)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	var obj map[string]any
	var arr []any
	if err := json.Unmarshal(raw, &obj); err != nil {
		require.NoError(t, json.Unmarshal(raw, &arr))
	}
	return resp.StatusCode, obj, arr
}

func TestHandler_Lifecycle(t *testing.T) {
	h := newHarness(t, &fakeBlobs{})
	mux := http.NewServeMux()
	NewHandler(h.m, auth.NewHS256(httpTestSecret), 5*time.Second, nil).RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	status, body, _ := do(t, ts, http.MethodPost, "/recordings/room-1/start", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.NotEmpty(t, body["error"])

	status, _, _ = do(t, ts, http.MethodPost, "/recordings/room-1/start", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _, _ = do(t, ts, http.MethodPost, "/recordings/room-1/start", bearer(t, "guest"))
	assert.Equal(t, http.StatusForbidden, status)

	status, _, _ = do(t, ts, http.MethodPost, "/recordings/missing/start", bearer(t, "host"))
	assert.Equal(t, http.StatusNotFound, status)

	status, _, _ = do(t, ts, http.MethodPost, "/recordings/room-1/stop", bearer(t, "host"))
	assert.Equal(t, http.StatusNotFound, status)

	status, body, _ = do(t, ts, http.MethodPost, "/recordings/room-1/start", bearer(t, "host"))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "started", body["status"])
	id, _ := body["recording_id"].(string)
	require.NotEmpty(t, id)

	status, _, _ = do(t, ts, http.MethodPost, "/recordings/room-1/start", bearer(t, "mod"))
	assert.Equal(t, http.StatusConflict, status)

	h.waitRecording(t, "room-1")
	status, body, _ = do(t, ts, http.MethodGet, "/recordings/room-1/status", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, id, body["recording_id"])
	assert.NotEmpty(t, body["started_at"])
	assert.NotEmpty(t, body["output_path"])

	h.clock.Advance(2 * time.Second)
	status, body, _ = do(t, ts, http.MethodPost, "/recordings/room-1/stop", bearer(t, "mod"))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, id, body["recording_id"])
	assert.Equal(t, "https://cdn.example.com/recordings/room-1/1700000000.rtpcap.zst", body["url"])

	status, body, _ = do(t, ts, http.MethodGet, "/recordings/room-1/status", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{"running": false}, body)

	status, _, list := do(t, ts, http.MethodGet, "/recordings/room-1", bearer(t, "guest"))
	require.Equal(t, http.StatusOK, status)
	require.Len(t, list, 1)
	item := list[0].(map[string]any)
	assert.Equal(t, id, item["id"])
	assert.Equal(t, "completed", item["status"])
	assert.Equal(t, float64(2), item["duration_seconds"])
	assert.Equal(t, "abc123", item["checksum"])
	assert.Equal(t, float64(1234), item["size_bytes"])
	assert.NotNil(t, item["stopped_at"])

	status, _, _ = do(t, ts, http.MethodGet, "/recordings/room-1", bearer(t, "stray"))
	assert.Equal(t, http.StatusForbidden, status)
}
