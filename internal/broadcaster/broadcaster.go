// Package broadcaster implements EventBroadcaster (§4.10): it subscribes
// to the store's pub/sub channels and fans events out to three kinds of
// WebSocket connection — monitors (native format, §6.3), EmProps clients
// (re-framed format, §6.4, scoped to jobs they submitted), and workers
// (targeted cancel pushes only). Connection registries are in-process
// caches rebuilt from nothing on restart (§5) — there is no persisted
// connection state.
package broadcaster

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stakeordie/emp-job-queue-sub012/internal/progressbus"
	"github.com/stakeordie/emp-job-queue-sub012/internal/store"
	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

const (
	sendQueueDepth           = 64
	defaultConnectionTimeout = 60 * time.Second
)

// Config holds the broadcaster's wire limits and connection policy,
// matching §6.6's broadcaster defaults. Zero values fall back to the
// defaults.
type Config struct {
	MaxMessageBytes   int
	ChunkBytes        int
	ConnectionTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = DefaultChunkBytes
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = defaultConnectionTimeout
	}
	return c
}

// Connection is one live WebSocket peer.
type Connection struct {
	ID   string
	Kind types.ConnectionKind
	conn *websocket.Conn
	send chan []byte

	connectedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

func newConnection(id string, kind types.ConnectionKind, conn *websocket.Conn) *Connection {
	now := time.Now()
	return &Connection{ID: id, Kind: kind, conn: conn, send: make(chan []byte, sendQueueDepth), connectedAt: now, lastActivity: now}
}

// enqueue pushes a frame onto the connection's bounded send queue. It
// returns false on overflow or when the connection is already closed; the
// fan-out callers then close the connection with a slow-consumer code
// (§4.10), and the peer is expected to reconnect.
func (c *Connection) enqueue(payload []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// closeSend shuts the send queue exactly once; the write pump drains what
// remains and exits.
func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump drains the send queue to the socket until it closes.
func (c *Connection) writePump() {
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
		c.touch()
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Broadcaster fans store pub/sub events out to registered connections.
type Broadcaster struct {
	st  store.Store
	cfg Config
	log *slog.Logger

	mu       sync.RWMutex
	monitors map[string]*Connection
	emprops  map[string]*Connection
	workers  map[string]*Connection

	// submittedBy scopes EmProps clients to the jobs they submitted
	// (§6.4): only the originating client sees that job's events.
	submittedBy map[types.JobID]string
}

// New returns an empty Broadcaster backed by st with cfg's wire limits.
func New(st store.Store, cfg Config) *Broadcaster {
	return &Broadcaster{
		st:          st,
		cfg:         cfg.withDefaults(),
		log:         slog.Default().With("component", "broadcaster"),
		monitors:    make(map[string]*Connection),
		emprops:     make(map[string]*Connection),
		workers:     make(map[string]*Connection),
		submittedBy: make(map[types.JobID]string),
	}
}

var subscribedChannels = []string{
	progressbus.ChannelJobSubmitted,
	progressbus.ChannelJobProgress,
	progressbus.ChannelJobCompleted,
	progressbus.ChannelJobFailed,
	progressbus.ChannelJobCancelled,
	progressbus.ChannelWorkerStatus,
	progressbus.ChannelWorkerRegistered,
	progressbus.ChannelWorkerDisconnected,
}

// Run subscribes to every event channel EventBroadcaster cares about and
// dispatches each delivery to the relevant connection registries until ctx
// is cancelled. Idle connections are swept on a timer alongside.
func (b *Broadcaster) Run(ctx context.Context) error {
	sub, err := b.st.Subscribe(ctx, subscribedChannels...)
	if err != nil {
		return err
	}
	defer sub.Close()

	sweep := time.NewTicker(b.cfg.ConnectionTimeout / 2)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			b.sweepIdleConnections()
		case msg, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			b.dispatch(msg.Channel, msg.Payload)
		}
	}
}

func (b *Broadcaster) dispatch(channel, payload string) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		b.log.Warn("failed to decode event payload", "channel", channel, "error", err)
		return
	}

	b.broadcastMonitors(channel, raw)
	b.relayToEmprops(channel, raw)

	if channel == progressbus.ChannelJobCancelled {
		b.pushCancelDirective(raw)
	}
}

// pushCancelDirective tells the worker running a just-cancelled job to
// abandon it, over its socket if one is connected. The push is best-effort:
// a worker without a socket learns of the cancellation on its next progress
// attempt instead (§5 cancellation semantics).
func (b *Broadcaster) pushCancelDirective(raw map[string]interface{}) {
	workerID, _ := raw["worker_id"].(string)
	if workerID == "" {
		return
	}
	directive, err := json.Marshal(map[string]interface{}{
		"type":      "cancel_job",
		"job_id":    raw["job_id"],
		"reason":    raw["reason"],
		"timestamp": raw["timestamp"],
	})
	if err != nil {
		return
	}
	b.PushToWorker(workerID, directive)
}

func (b *Broadcaster) broadcastMonitors(channel string, raw map[string]interface{}) {
	envelope, err := monitorEnvelope(channel, raw)
	if err != nil || envelope == nil {
		return
	}
	b.fanOutMonitors(envelope)
}

func (b *Broadcaster) fanOutMonitors(envelope []byte) {
	frames := b.frames(envelope)
	b.mu.RLock()
	var slow []*Connection
	for _, c := range b.monitors {
		for _, f := range frames {
			if !c.enqueue(f) {
				slow = append(slow, c)
				break
			}
		}
	}
	b.mu.RUnlock()
	for _, c := range slow {
		b.closeSlow(c)
	}
}

func (b *Broadcaster) relayToEmprops(channel string, raw map[string]interface{}) {
	envelope, err := emPropsEnvelope(channel, raw)
	if err != nil || envelope == nil {
		return
	}
	jobID, _ := raw["job_id"].(string)
	if jobID == "" {
		return
	}
	b.mu.RLock()
	clientID, scoped := b.submittedBy[types.JobID(jobID)]
	conn, connected := b.emprops[clientID]
	b.mu.RUnlock()
	if !scoped || !connected {
		return
	}
	for _, f := range b.frames(envelope) {
		if !conn.enqueue(f) {
			b.closeSlow(conn)
			return
		}
	}
}

// frames prepares a payload for the wire: chunked when it exceeds the
// configured direct-send limit, otherwise passed through whole.
func (b *Broadcaster) frames(payload []byte) [][]byte {
	raws := chunkedPayload(uuid.NewString(), payload, b.cfg.MaxMessageBytes, b.cfg.ChunkBytes)
	out := make([][]byte, len(raws))
	for i, r := range raws {
		out[i] = []byte(r)
	}
	return out
}

// closeSlow disconnects a backpressured connection; it must already be
// registered under its kind's map.
func (b *Broadcaster) closeSlow(c *Connection) {
	b.log.Warn("closing slow consumer", "connection_id", c.ID, "kind", c.Kind)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "slow consumer"),
		time.Now().Add(time.Second))
	c.closeSend()
	b.Unregister(c.ID, c.Kind)
}

// Register adds a connection to the registry matching its kind and starts
// its write pump.
func (b *Broadcaster) Register(c *Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch c.Kind {
	case types.ConnKindMonitor:
		b.monitors[c.ID] = c
	case types.ConnKindClientEmprops:
		b.emprops[c.ID] = c
	case types.ConnKindWorker:
		b.workers[c.ID] = c
	}
	go c.writePump()
}

// Unregister removes a connection from its kind's registry.
func (b *Broadcaster) Unregister(id string, kind types.ConnectionKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch kind {
	case types.ConnKindMonitor:
		delete(b.monitors, id)
	case types.ConnKindClientEmprops:
		delete(b.emprops, id)
	case types.ConnKindWorker:
		delete(b.workers, id)
	}
}

// ConnectionCounts reports the number of open connections per kind, for
// the stats snapshot and the broadcaster connection gauges.
func (b *Broadcaster) ConnectionCounts() map[types.ConnectionKind]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return map[types.ConnectionKind]int{
		types.ConnKindMonitor:       len(b.monitors),
		types.ConnKindClientEmprops: len(b.emprops),
		types.ConnKindWorker:        len(b.workers),
	}
}

// TrackSubmission records which EmProps client submitted a job, so later
// events for that job are scoped to them.
func (b *Broadcaster) TrackSubmission(jobID types.JobID, clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submittedBy[jobID] = clientID
}

// PushToWorker sends a targeted directive (e.g. cancel) to a connected
// worker socket, if any.
func (b *Broadcaster) PushToWorker(workerID string, payload []byte) bool {
	b.mu.RLock()
	conn, ok := b.workers[workerID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	return conn.enqueue(payload)
}

// BroadcastStats pushes a pre-formatted stats_broadcast envelope to every
// monitor connection (§4.11 — monitors only).
func (b *Broadcaster) BroadcastStats(envelope []byte) {
	b.fanOutMonitors(envelope)
}

// sweepIdleConnections closes connections inactive longer than the
// configured connection timeout.
func (b *Broadcaster) sweepIdleConnections() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, registry := range []map[string]*Connection{b.monitors, b.emprops, b.workers} {
		for id, c := range registry {
			if now.Sub(c.idleSince()) > b.cfg.ConnectionTimeout {
				_ = c.conn.Close()
				c.closeSend()
				delete(registry, id)
			}
		}
	}
}
