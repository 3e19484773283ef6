package remote

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/riftaudio/streamd/internal/controller"
	"github.com/riftaudio/streamd/internal/decoder"
	"github.com/riftaudio/streamd/internal/pipeline"
	"github.com/riftaudio/streamd/internal/queue"
	"github.com/riftaudio/streamd/internal/sink"
)

func newTestServer(t *testing.T) (*Server, *websocket.Conn, func()) {
	t.Helper()
	q := queue.New("q", "test")
	ctrl := controller.New(q, controller.Options{
		PipelineOpts: pipeline.Options{SinkBackend: "null", FifoCapacity: 1 << 16},
	}, decoder.Default(), sink.Default(), false)

	srv := New(ctrl, false)
	srv.Wire()

	httpSrv := httptest.NewServer(srv)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	cleanup := func() {
		_ = conn.Close()
		httpSrv.Close()
	}
	return srv, conn, cleanup
}

func call(t *testing.T, conn *websocket.Conn, id, method string, params interface{}) Response {
	t.Helper()
	p, err := json.Marshal(params)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Request{ID: id, Method: method, Params: p}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var resp Response
		require.NoError(t, conn.ReadJSON(&resp))
		if resp.ID == id {
			return resp
		}
		// Skip unsolicited status/track pushes triggered by the command.
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	_, conn, cleanup := newTestServer(t)
	defer cleanup()

	resp := call(t, conn, "1", "doesNotExist", map[string]string{})
	require.NotNil(t, resp.Error)
	require.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestAddTracksThenGetPlaybackQueue(t *testing.T) {
	_, conn, cleanup := newTestServer(t)
	defer cleanup()

	resp := call(t, conn, "1", "addTracks", map[string]interface{}{
		"items": []map[string]interface{}{
			{
				"id":           "a",
				"display_text": "Track A",
				"streaming_refs": []map[string]interface{}{
					{"format_type": "audio/pcm", "url": "http://example.com/a.pcm"},
				},
			},
		},
	})
	require.Nil(t, resp.Error)

	resp = call(t, conn, "2", "getPlaybackQueue", nil)
	require.Nil(t, resp.Error)
	items, ok := resp.Result.([]interface{})
	require.True(t, ok)
	require.Len(t, items, 1)
	first := items[0].(map[string]interface{})
	require.Equal(t, "a", first["id"])
}

func TestSetVolumeInvalidParams(t *testing.T) {
	_, conn, cleanup := newTestServer(t)
	defer cleanup()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"1","method":"setVolume","params":"not an object"}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, InvalidParams, resp.Error.Code)
}

func TestGetVolumeDefaultsToOneUnmuted(t *testing.T) {
	_, conn, cleanup := newTestServer(t)
	defer cleanup()

	resp := call(t, conn, "1", "getVolume", nil)
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	require.InDelta(t, 1.0, result["level"], 0.0001)
	require.Equal(t, false, result["muted"])
}

func TestSetPlaybackQueueModeRejectsUnknownMode(t *testing.T) {
	_, conn, cleanup := newTestServer(t)
	defer cleanup()

	resp := call(t, conn, "1", "setPlaybackQueueMode", map[string]string{"mode": "bogus"})
	require.NotNil(t, resp.Error)
	require.Equal(t, InvalidParams, resp.Error.Code)
}
