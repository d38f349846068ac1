package broadcaster

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/stakeordie/emp-job-queue-sub012/internal/store/redisstore"
	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

func newTestBroadcaster(t *testing.T) (*Broadcaster, *httptest.Server) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := redisstore.Dial(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	b := New(s, Config{})
	r := chi.NewRouter()
	r.Get("/ws/monitor/{id}", b.MonitorHandler)
	r.Get("/ws/worker/{id}", b.WorkerHandler)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return b, srv
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestMonitorReceivesDispatchedEvents(t *testing.T) {
	b, srv := newTestBroadcaster(t)
	conn := dialWS(t, srv, "/ws/monitor/mon-1")

	require.Eventually(t, func() bool {
		return b.ConnectionCounts()[types.ConnKindMonitor] == 1
	}, time.Second, 10*time.Millisecond)

	payload, _ := json.Marshal(map[string]interface{}{
		"job_id": "job-1", "worker_id": "w1", "progress": 50,
		"status": "processing", "message": "halfway", "updated_at": 123,
	})
	b.dispatch("job_progress", string(payload))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &decoded))
	require.Equal(t, "job_progress", decoded["type"])
	require.Equal(t, "job-1", decoded["job_id"])
}

func TestCancelDirectivePushedToWorkerSocket(t *testing.T) {
	b, srv := newTestBroadcaster(t)
	conn := dialWS(t, srv, "/ws/worker/w1")

	require.Eventually(t, func() bool {
		return b.ConnectionCounts()[types.ConnKindWorker] == 1
	}, time.Second, 10*time.Millisecond)

	payload, _ := json.Marshal(map[string]interface{}{
		"job_id": "job-1", "worker_id": "w1", "reason": "user", "timestamp": 123,
	})
	b.dispatch("job_cancelled", string(payload))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var decoded map[string]interface{}
	for {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(frame, &decoded))
		if decoded["type"] == "cancel_job" {
			break
		}
	}
	require.Equal(t, "job-1", decoded["job_id"])
}

func TestPushToUnknownWorkerReturnsFalse(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	require.False(t, b.PushToWorker("nobody", []byte(`{"type":"cancel_job"}`)))
}

func TestEmpropsEventsScopedToSubmitter(t *testing.T) {
	b, _ := newTestBroadcaster(t)

	// No registered client for this job: relay is a no-op rather than a
	// broadcast to every EmProps connection.
	payload := map[string]interface{}{"job_id": "job-1", "progress": float64(10), "updated_at": float64(1)}
	b.relayToEmprops("job_progress", payload)

	b.TrackSubmission("job-1", "client-1")
	b.mu.RLock()
	owner := b.submittedBy["job-1"]
	b.mu.RUnlock()
	require.Equal(t, "client-1", owner)
}
