package broadcaster

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stakeordie/emp-job-queue-sub012/internal/jobrepo"
	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// MonitorHandler upgrades a request on /ws/monitor/{id} and registers the
// connection as a monitor, pumping every native-format event to it until
// the peer disconnects.
func (b *Broadcaster) MonitorHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		id = uuid.NewString()
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("monitor upgrade failed", "error", err)
		return
	}
	conn := newConnection(id, types.ConnKindMonitor, ws)
	b.Register(conn)
	b.readPump(conn)
}

// ClientHandler upgrades a request on /ws/client/{id}, sends
// connection_established, then serves submit_job requests and relays
// scoped job events (§6.4) for this client's own submissions.
func (b *Broadcaster) ClientHandler(jobs *jobrepo.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			id = uuid.NewString()
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.log.Warn("client upgrade failed", "error", err)
			return
		}
		conn := newConnection(id, types.ConnKindClientEmprops, ws)
		b.Register(conn)

		greeting, _ := ConnectionEstablished("connected", time.Now().UnixMilli())
		conn.enqueue(greeting)

		b.clientReadLoop(conn, jobs)
	}
}

// clientSubmitMessage is the subset of an EmProps submit_job message this
// handler needs.
type clientSubmitMessage struct {
	Type            string                 `json:"type"`
	ServiceRequired string                 `json:"service_required"`
	Priority        int                    `json:"priority"`
	Payload         map[string]interface{} `json:"payload"`
}

func (b *Broadcaster) clientReadLoop(conn *Connection, jobs *jobrepo.Repository) {
	defer func() {
		_ = conn.conn.Close()
		conn.closeSend()
		b.Unregister(conn.ID, conn.Kind)
	}()

	for {
		_, raw, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}
		conn.touch()

		var msg clientSubmitMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type != "submit_job" {
			continue
		}

		j := &types.Job{
			ID:              types.JobID(uuid.NewString()),
			ServiceRequired: msg.ServiceRequired,
			Priority:        msg.Priority,
			Payload:         msg.Payload,
		}
		submitted, err := jobs.Submit(context.Background(), j)
		if err != nil {
			b.log.Warn("client submission failed", "error", err)
			continue
		}
		b.TrackSubmission(submitted.ID, conn.ID)

		accepted, _ := JobAccepted(string(submitted.ID), time.Now().UnixMilli())
		conn.enqueue(accepted)
	}
}

// WorkerHandler upgrades a request on /ws/worker/{id} and registers the
// connection as a worker socket. The broker never pushes work over it —
// the control path is pull — but targeted cancel directives for that
// worker's in-flight jobs are delivered here.
func (b *Broadcaster) WorkerHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		b.log.Warn("worker socket rejected: no worker id")
		http.Error(w, "worker id required", http.StatusBadRequest)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("worker upgrade failed", "error", err)
		return
	}
	conn := newConnection(id, types.ConnKindWorker, ws)
	b.Register(conn)
	b.readPump(conn)
}

// readPump drains inbound frames from a monitor or worker socket (which
// send nothing of substance) purely to detect disconnects and keep
// lastActivity fresh.
func (b *Broadcaster) readPump(conn *Connection) {
	defer func() {
		_ = conn.conn.Close()
		conn.closeSend()
		b.Unregister(conn.ID, conn.Kind)
	}()
	for {
		if _, _, err := conn.conn.ReadMessage(); err != nil {
			return
		}
		conn.touch()
	}
}
