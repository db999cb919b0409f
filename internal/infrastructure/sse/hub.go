package sse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/escrow-hub/escrow-hub/internal/domain/event"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/metrics"
)

var (
	ErrClientNotFound = errors.New("sse client not found")
	ErrChannelFull    = errors.New("sse client channel full")
)

// Message is one server-sent event frame.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client is one connected SSE subscriber. PGAIDs filters which agreements
// it receives; empty means all.
type Client struct {
	ClientID    string
	PGAIDs      []string
	MessageChan chan *Message
	closeOnce   sync.Once
}

// NewClient creates a subscriber with a bounded message buffer.
func NewClient(clientID string, pgaIDs []string) *Client {
	return &Client{
		ClientID:    clientID,
		PGAIDs:      pgaIDs,
		MessageChan: make(chan *Message, 64),
	}
}

// Close shuts the client's channel exactly once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.MessageChan) })
}

func (c *Client) wants(pgaID string) bool {
	if len(c.PGAIDs) == 0 {
		return true
	}
	for _, id := range c.PGAIDs {
		if id == pgaID {
			return true
		}
	}
	return false
}

// Hub fans projected ledger events out to SSE subscribers. A slow client
// drops messages instead of blocking the projector.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	metrics *metrics.EscrowMetrics
}

func NewHub(m *metrics.EscrowMetrics) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		metrics: m,
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ClientID] = client
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetSSEClients(n)
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetSSEClients(n)
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish implements the projector sink: every projected event is pushed
// to all subscribers interested in its agreement.
func (h *Hub) Publish(_ context.Context, e event.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := &Message{Event: string(e.Kind), Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.wants(e.PGAID) {
			trySend(c, msg)
		}
	}
	return nil
}

// SendToClient delivers one message to a single subscriber.
func (h *Hub) SendToClient(clientID string, msg *Message) error {
	h.mu.RLock()
	c := h.clients[clientID]
	h.mu.RUnlock()
	if c == nil {
		return ErrClientNotFound
	}
	if !trySend(c, msg) {
		return ErrChannelFull
	}
	return nil
}

// Stop disconnects every subscriber.
func (h *Hub) Stop() {
	h.mu.Lock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
	h.mu.Unlock()
	h.metrics.SetSSEClients(0)
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
