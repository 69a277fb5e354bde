package websocket

import (
	"context"
	"sync"

	"github.com/fleetwise-io/fleetwise/internal/metrics"
)

// Hub fans control-plane events out to connected websocket peers. Producers
// (the task dispatcher, the registry) publish to string topics; each peer
// declares its topics once at upgrade time and receives everything published
// to them afterwards.
//
// Topics:
//
//	task:<uuid>    — event stream of one agent task
//	server:<uuid>  — status and sysinfo transitions of one compute node
//
// Registration and removal are funneled through channels into the Run loop;
// Publish reads the subscription index under a read lock so producers never
// wait on the event loop.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Client]struct{}
	all  map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		subs:       make(map[string]map[*Client]struct{}),
		all:        make(map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run drives registration and removal until ctx is canceled, then closes
// every remaining peer. Call it exactly once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[c] = struct{}{}
	for _, topic := range c.topics {
		set := h.subs[topic]
		if set == nil {
			set = make(map[*Client]struct{})
			h.subs[topic] = set
		}
		set[c] = struct{}{}
	}
	metrics.WebsocketClients.Set(float64(len(h.all)))
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; !ok {
		return
	}
	delete(h.all, c)
	for _, topic := range c.topics {
		delete(h.subs[topic], c)
		if len(h.subs[topic]) == 0 {
			delete(h.subs, topic)
		}
	}
	metrics.WebsocketClients.Set(float64(len(h.all)))
	// Closing send tells the peer's write loop to flush and exit.
	close(c.send)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.all {
		close(c.send)
	}
	h.all = make(map[*Client]struct{})
	h.subs = make(map[string]map[*Client]struct{})
	metrics.WebsocketClients.Set(0)
}

// Publish delivers msg to every peer subscribed to topic. Safe from any
// goroutine. A peer whose buffer is full is dropped rather than allowed to
// stall the producer.
func (h *Hub) Publish(topic string, msg Message) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.subs[topic]))
	for c := range h.subs[topic] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- msg:
		default:
			h.unregister <- c
		}
	}
}

// Subscribe hands a freshly upgraded peer to the event loop.
func (h *Hub) Subscribe(c *Client) {
	h.register <- c
}

// Unsubscribe detaches a peer; called by the client when its connection
// closes.
func (h *Hub) Unsubscribe(c *Client) {
	h.unregister <- c
}

// ConnectedCount reports the number of connected peers.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}
