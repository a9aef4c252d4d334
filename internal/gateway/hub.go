package gateway

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/scanlink/pkg/protocol"
)

// Hub maps registered pairing codes to desktop clients.
type Hub struct {
	mu       sync.Mutex
	desktops map[string]*Client
}

func NewHub() *Hub {
	return &Hub{desktops: make(map[string]*Client)}
}

// Register binds code to c. A previous client for the same code is replaced.
func (h *Hub) Register(code string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.desktops[code]; ok && prev != c {
		slog.Info("gateway: replacing desktop registration", "code", code, "previous", prev.ID(), "client", c.ID())
	}
	h.desktops[code] = c
}

// Unregister removes c if it is still the client bound to its code. It reports
// whether c was bound, i.e. no phone connected to the code and no other desktop
// took it over.
func (h *Hub) Unregister(c *Client) bool {
	return h.unbind(c.Code(), c)
}

func (h *Hub) unbind(code string, c *Client) bool {
	if code == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.desktops[code] != c {
		return false
	}
	delete(h.desktops, code)
	return true
}

// NotifyMobileConnected pushes MOBILE_CONNECTED to the desktop waiting on code.
// It reports whether a desktop was registered.
func (h *Hub) NotifyMobileConnected(code string) bool {
	h.mu.Lock()
	c, ok := h.desktops[code]
	if ok {
		delete(h.desktops, code)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	c.Send(protocol.NewMobileConnected(code))
	return true
}

// Len returns the number of registered desktops.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.desktops)
}

// CloseAll closes every registered desktop connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.desktops))
	for _, c := range h.desktops {
		clients = append(clients, c)
	}
	h.desktops = make(map[string]*Client)
	h.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}
