package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelgen/reelgen-backend/internal/observability"
	"github.com/reelgen/reelgen-backend/internal/pkg/logger"
)

const (
	heartbeatInterval = 15 * time.Second
	// A connection that has not accepted a write for this long is pruned.
	staleConnection = 30 * time.Second
	outboundBuffer  = 16
)

type SSEClient struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	OrgID    uuid.UUID
	Channels map[string]bool
	Outbound chan SSEMessage
	done     chan struct{}

	closeOnce sync.Once

	mu          sync.Mutex
	stalledFrom time.Time
}

// markDelivered / markStalled bracket the drop-on-full policy: the first
// dropped message starts the stale clock, any accepted message resets it.
func (c *SSEClient) markDelivered() {
	c.mu.Lock()
	c.stalledFrom = time.Time{}
	c.mu.Unlock()
}

func (c *SSEClient) markStalled(now time.Time) {
	c.mu.Lock()
	if c.stalledFrom.IsZero() {
		c.stalledFrom = now
	}
	c.mu.Unlock()
}

func (c *SSEClient) stalledSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalledFrom
}

type Hub struct {
	mu            sync.RWMutex
	log           *logger.Logger
	metrics       *observability.Metrics
	subscriptions map[string]map[*SSEClient]bool
}

func NewHub(log *logger.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		log:           log.With("component", "SSEHub"),
		metrics:       metrics,
		subscriptions: make(map[string]map[*SSEClient]bool),
	}
}

func (hub *Hub) NewSSEClient(userID, orgID uuid.UUID) *SSEClient {
	hub.metrics.SSEConnected()
	return &SSEClient{
		ID:       uuid.New(),
		UserID:   userID,
		OrgID:    orgID,
		Channels: make(map[string]bool),
		Outbound: make(chan SSEMessage, outboundBuffer),
		done:     make(chan struct{}),
	}
}

func (hub *Hub) AddChannel(client *SSEClient, channel string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	channel = strings.TrimSpace(channel)
	if channel == "" {
		return
	}
	client.Channels[channel] = true

	clients, exists := hub.subscriptions[channel]
	if !exists {
		clients = make(map[*SSEClient]bool)
		hub.subscriptions[channel] = clients
	}
	clients[client] = true

	hub.log.Debug("SSE client subscribed", "client_id", client.ID, "channel", channel)
}

func (hub *Hub) RemoveClient(client *SSEClient) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	for ch := range client.Channels {
		if subMap, ok := hub.subscriptions[ch]; ok {
			delete(subMap, client)
			if len(subMap) == 0 {
				delete(hub.subscriptions, ch)
			}
		}
	}
	client.Channels = make(map[string]bool)
	hub.log.Debug("SSE client unsubscribed from all channels", "client_id", client.ID)
}

// Broadcast delivers msg to every client subscribed to its channel.
// Delivery is at-most-once: a client whose buffer is full drops the
// message and starts its stale clock.
func (hub *Hub) Broadcast(msg SSEMessage) {
	if msg.Channel == "" {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	clientsMap, ok := hub.subscriptions[msg.Channel]
	if !ok {
		return
	}
	now := time.Now()
	for c := range clientsMap {
		select {
		case c.Outbound <- msg:
			c.markDelivered()
		default:
			c.markStalled(now)
			hub.metrics.SSEDropped()
			hub.log.Warn("Dropping SSE message; outbound buffer full", "client_id", c.ID)
		}
	}
}

func (hub *Hub) BroadcastToOrg(orgID uuid.UUID, msg SSEMessage) {
	msg.Channel = OrgChannel(orgID)
	hub.Broadcast(msg)
}

func (hub *Hub) BroadcastToUser(userID uuid.UUID, msg SSEMessage) {
	msg.Channel = UserChannel(userID)
	hub.Broadcast(msg)
}

// StartJanitor prunes stalled connections. Runs until stop is closed.
func (hub *Hub) StartJanitor(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				hub.pruneStalled(time.Now())
			}
		}
	}()
}

func (hub *Hub) pruneStalled(now time.Time) {
	hub.mu.RLock()
	var stale []*SSEClient
	seen := map[*SSEClient]bool{}
	for _, clients := range hub.subscriptions {
		for c := range clients {
			if seen[c] {
				continue
			}
			seen[c] = true
			if from := c.stalledSince(); !from.IsZero() && now.Sub(from) > staleConnection {
				stale = append(stale, c)
			}
		}
	}
	hub.mu.RUnlock()

	for _, c := range stale {
		hub.log.Info("Pruning stalled SSE connection", "client_id", c.ID, "user_id", c.UserID)
		hub.CloseClient(c)
	}
}

// ServeHTTP streams the client's outbound messages until the request
// context ends or the client is closed. A heartbeat event is written
// every 15 seconds; any write error ends the stream.
func (hub *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, client *SSEClient) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			hub.log.Debug("SSE client context done", "client_id", client.ID, "err", ctx.Err())
			return
		case <-client.done:
			return
		case <-heartbeat.C:
			hb := SSEMessage{Event: SSEEventHeartbeat, Timestamp: time.Now()}
			if err := writeEvent(w, flusher, hb); err != nil {
				hub.log.Debug("SSE heartbeat write failed", "client_id", client.ID, "error", err)
				return
			}
			client.markDelivered()
		case msg := <-client.Outbound:
			if err := writeEvent(w, flusher, msg); err != nil {
				hub.log.Debug("SSE write failed", "client_id", client.ID, "error", err)
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, msg SSEMessage) error {
	jsonBytes, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, jsonBytes); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func (hub *Hub) CloseClient(client *SSEClient) {
	client.closeOnce.Do(func() {
		close(client.done)
		hub.RemoveClient(client)
		hub.metrics.SSEDisconnected()
	})
}
