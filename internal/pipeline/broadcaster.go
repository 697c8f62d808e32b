package pipeline

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"ralph/internal/logx"
)

// Broadcaster fans the raw, escape-coded display stream out to any
// number of attached websocket clients (e.g. a status dashboard). It
// is an additional display-stream sink — it never sees file-stream
// (stripped) data, keeping the two streams strictly separate per
// spec.md §4.D.
type Broadcaster struct {
	mu       sync.Mutex
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]chan []byte
	logger   *logx.Logger
}

// NewBroadcaster creates a Broadcaster. Origin checking is left to the
// caller's HTTP middleware; this type accepts any upgrade request.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan []byte),
		logger:  logx.NewLogger("pipeline"),
	}
}

// ServeHTTP upgrades the connection and registers it as a broadcast
// target until the client disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed: err=%v", err)
		return
	}

	ch := make(chan []byte, 256)
	b.mu.Lock()
	b.clients[conn] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
		close(ch)
		_ = conn.Close()
	}()

	// One writer goroutine per connection; gorilla/websocket connections
	// are not safe for concurrent writes.
	for chunk := range ch {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return
		}
	}
}

// Broadcast sends chunk to every currently-attached client, dropping
// the chunk for any client whose buffer is full rather than blocking
// the pipeline on a slow reader.
func (b *Broadcaster) Broadcast(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.clients {
		select {
		case ch <- chunk:
		default:
			b.logger.Debug("dropping display chunk for slow websocket client")
		}
	}
}
