package api

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/victornm/livequiz/internal/game"
)

// ConnMetrics counts open connections.
type ConnMetrics interface {
	ConnOpened()
	ConnClosed()
}

// Conns holds the open WebSocket connections by ID. It is the game.Sink of every
// session: Deliver never blocks, a connection whose buffer is full is closed.
type Conns struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func NewConns() *Conns {
	return &Conns{clients: make(map[string]*client)}
}

// Deliver sends every envelope to its recipients. Unknown recipients are skipped.
func (c *Conns) Deliver(envs []game.Envelope) {
	for _, env := range envs {
		if len(env.To) == 0 {
			continue
		}

		b, err := json.Marshal(outFrame{Event: env.Event, Data: env.Data})
		if err != nil {
			slog.Error("api: marshal event failed", "event", env.Event, "error", err)
			continue
		}

		for _, id := range env.To {
			if cl := c.get(id); cl != nil {
				cl.enqueue(b)
			}
		}
	}
}

func (c *Conns) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}

func (c *Conns) get(id string) *client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clients[id]
}

func (c *Conns) add(cl *client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[cl.id] = cl
}

func (c *Conns) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, id)
}

// closeAll closes every connection; their read pumps then clean up.
func (c *Conns) closeAll() {
	c.mu.RLock()
	all := make([]*client, 0, len(c.clients))
	for _, cl := range c.clients {
		all = append(all, cl)
	}
	c.mu.RUnlock()

	for _, cl := range all {
		cl.close()
	}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// Session the connection last created or joined, and the name it joined as.
	mu   sync.Mutex
	code string
	name string
}

func (cl *client) enqueue(b []byte) {
	select {
	case <-cl.done:
	case cl.send <- b:
	default:
		slog.Warn("api: connection send buffer full, closing connection", "conn", cl.id)
		cl.close()
	}
}

func (cl *client) close() {
	cl.once.Do(func() {
		close(cl.done)
		_ = cl.conn.Close()
	})
}

func (cl *client) bind(code, name string) (prevCode string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	prevCode = cl.code
	cl.code, cl.name = code, name
	return prevCode
}

func (cl *client) binding() (code, name string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.code, cl.name
}
