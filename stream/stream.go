// Package stream broadcasts job progress to SSE subscribers. Pipeline
// runs are long and chatty (model load logs, per-iteration output), so
// fan-out is buffered and slow clients drop messages rather than
// stalling the stage that produced them.
package stream

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// Maximum number of concurrent SSE connections allowed
	MaxConcurrentConnections = 512
	// Buffer size for each client's message channel
	ClientChannelBuffer = 256
	// How often to send keep-alive messages
	KeepAliveInterval = 30 * time.Second
	// Buffer size for hub broadcast queue
	HubBroadcastBuffer = 2048
)

type clientChan chan Message

// Client represents a connected SSE subscriber.
type Client struct {
	ID           string
	Channel      clientChan
	RemoteAddr   string
	Connected    int64 // Unix timestamp when connected
	MessagesSent int64
}

// Message is one SSE event. Type doubles as the event name, so
// subscribers can listen for e.g. "stdout-<job-id>" only.
type Message struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

type hub struct {
	clients           sync.Map // map[clientChan]*Client
	activeCount       int64
	totalMessages     int64
	broadcast         chan Message
	droppedBroadcasts int64
	droppedClientMsgs int64
	rejectedConns     int64
	shutdown          chan struct{}
	shutdownOnce      sync.Once
}

var manager *hub

func init() {
	manager = &hub{
		shutdown:  make(chan struct{}),
		broadcast: make(chan Message, HubBroadcastBuffer),
	}
	go manager.runBroadcastLoop()
}

// GetConnectionStats returns current connection statistics.
func GetConnectionStats() map[string]interface{} {
	return map[string]interface{}{
		"active_connections":   atomic.LoadInt64(&manager.activeCount),
		"total_messages":       atomic.LoadInt64(&manager.totalMessages),
		"max_connections":      int64(MaxConcurrentConnections),
		"dropped_broadcasts":   atomic.LoadInt64(&manager.droppedBroadcasts),
		"dropped_client_msgs":  atomic.LoadInt64(&manager.droppedClientMsgs),
		"rejected_connections": atomic.LoadInt64(&manager.rejectedConns),
	}
}

// AddClient registers a new subscriber. Returns false at capacity.
func AddClient(c clientChan, remoteAddr string) bool {
	if atomic.LoadInt64(&manager.activeCount) >= MaxConcurrentConnections {
		atomic.AddInt64(&manager.rejectedConns, 1)
		log.Printf("Connection limit reached (%d), rejecting new client from %s", MaxConcurrentConnections, remoteAddr)
		return false
	}

	client := &Client{
		ID:         fmt.Sprintf("%d-%s", time.Now().UnixNano(), remoteAddr),
		Channel:    c,
		RemoteAddr: remoteAddr,
		Connected:  time.Now().Unix(),
	}

	manager.clients.Store(c, client)
	atomic.AddInt64(&manager.activeCount, 1)

	log.Printf("Client connected: %s (total: %d)", client.ID, atomic.LoadInt64(&manager.activeCount))
	return true
}

// RemoveClient removes a subscriber and closes its channel.
func RemoveClient(c clientChan) {
	if client, exists := manager.clients.LoadAndDelete(c); exists {
		clientData := client.(*Client)
		atomic.AddInt64(&manager.activeCount, -1)

		// Drain any remaining messages before closing
		select {
		case <-c:
		default:
		}
		close(c)

		log.Printf("Client disconnected: %s (total: %d)", clientData.ID, atomic.LoadInt64(&manager.activeCount))
	}
}

// Broadcast enqueues a message for fan-out without blocking callers.
func Broadcast(msg Message) {
	if manager == nil {
		return
	}
	select {
	case manager.broadcast <- msg:
	default:
		// hub busy; drop to protect the producing stage
		atomic.AddInt64(&manager.droppedBroadcasts, 1)
	}
}

func (h *hub) runBroadcastLoop() {
	for {
		select {
		case msg := <-h.broadcast:
			h.clients.Range(func(key, value any) bool {
				c := key.(clientChan)
				client := value.(*Client)
				select {
				case c <- msg:
					atomic.AddInt64(&client.MessagesSent, 1)
					atomic.AddInt64(&h.totalMessages, 1)
				default:
					// client queue full; drop this message for this client
					atomic.AddInt64(&h.droppedClientMsgs, 1)
				}
				return true
			})
		case <-h.shutdown:
			return
		}
	}
}

// Shutdown stops the broadcast loop and disconnects all subscribers.
func Shutdown() {
	manager.shutdownOnce.Do(func() {
		close(manager.shutdown)

		manager.clients.Range(func(key, value any) bool {
			c := key.(clientChan)
			RemoveClient(c)
			return true
		})

		log.Println("Stream hub shutdown complete")
	})
}

// StreamHandler handles the SSE endpoint.
func StreamHandler(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt64(&manager.activeCount) >= MaxConcurrentConnections {
		http.Error(w, "Server at capacity, please try again later", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Cache-Control")
	w.Header().Del("Content-Encoding")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	messageChan := make(chan Message, ClientChannelBuffer)
	if !AddClient(messageChan, r.RemoteAddr) {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}
	defer RemoveClient(messageChan)

	ctx := r.Context()

	keepAliveTicker := time.NewTicker(KeepAliveInterval)
	defer keepAliveTicker.Stop()

	if _, err := io.WriteString(w, "data: {\"type\":\"connected\",\"msg\":\"SSE connection established\"}\n\n"); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-messageChan:
			if _, err := io.WriteString(w, formatSSEResponse(msg)); err != nil {
				return
			}
			flusher.Flush()

		case <-keepAliveTicker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func formatSSEResponse(msg Message) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", msg.Type, msg.Msg)
}
