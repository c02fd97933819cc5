package messaging

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/l0p7/bixworker/internal/metrics"
)

// Client is one connected page.
type Client struct {
	id         string
	controller string
	signals    chan Signal
	closed     bool
}

// ID returns the client identifier.
func (c *Client) ID() string { return c.id }

// Signals delivers the signals addressed to this page. The channel closes
// when the client disconnects or is replaced.
func (c *Client) Signals() <-chan Signal { return c.signals }

// HubOptions configures a Hub.
type HubOptions struct {
	// Buffer is the per-client signal queue depth. Signals to a full queue
	// are dropped.
	Buffer int
	// OnChange is called, outside the hub lock, after a page connects,
	// disconnects or changes controller.
	OnChange func()
	// OnCommand receives commands sent by pages.
	OnCommand func(clientID string, cmd Command)
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Hub tracks connected pages and the version controlling each.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client

	buffer    int
	onChange  func()
	onCommand func(string, Command)
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

// NewHub builds an empty hub.
func NewHub(opts HubOptions) *Hub {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 16
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:   make(map[string]*Client),
		buffer:    buffer,
		onChange:  opts.OnChange,
		onCommand: opts.OnCommand,
		logger:    logger.With(slog.String("agent", "messaging")),
		metrics:   opts.Metrics,
	}
}

// SetOnChange replaces the change callback. It exists so the worker and the
// hub can be constructed in either order.
func (h *Hub) SetOnChange(fn func()) {
	h.mu.Lock()
	h.onChange = fn
	h.mu.Unlock()
}

// SetOnCommand replaces the command callback.
func (h *Hub) SetOnCommand(fn func(string, Command)) {
	h.mu.Lock()
	h.onCommand = fn
	h.mu.Unlock()
}

// Connect registers a page controlled by controller, which is empty for an
// uncontrolled page. An empty id gets a fresh one. Reconnecting with a known
// id replaces the previous client.
func (h *Hub) Connect(id, controller string) *Client {
	if id == "" {
		id = uuid.NewString()
	}
	c := &Client{id: id, controller: controller, signals: make(chan Signal, h.buffer)}

	h.mu.Lock()
	if old, ok := h.clients[id]; ok {
		closeClient(old)
	}
	h.clients[id] = c
	count := len(h.clients)
	onChange := h.onChange
	h.mu.Unlock()

	h.metrics.SetClients(count)
	h.logger.Debug("page connected", slog.String("client", id), slog.String("controller", controller))
	if onChange != nil {
		onChange()
	}
	return c
}

// Disconnect forgets c. Disconnecting a client that was already replaced is
// a no-op.
func (h *Hub) Disconnect(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	current, ok := h.clients[c.id]
	if !ok || current != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	closeClient(c)
	count := len(h.clients)
	onChange := h.onChange
	h.mu.Unlock()

	h.metrics.SetClients(count)
	h.logger.Debug("page disconnected", slog.String("client", c.id))
	if onChange != nil {
		onChange()
	}
}

// Send delivers sig to one page. It reports false when the page is unknown
// or its queue is full.
func (h *Hub) Send(id string, sig Signal) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return false
	}
	return h.deliver(c, sig)
}

// Broadcast delivers sig to every page.
func (h *Hub) Broadcast(sig Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		h.deliver(c, sig)
	}
}

// Claim makes tag the controller of every page and sends controllerchange to
// each page whose controller changed. It returns how many pages changed.
func (h *Hub) Claim(tag string) int {
	h.mu.Lock()
	changed := 0
	for _, c := range h.clients {
		if c.controller == tag {
			continue
		}
		c.controller = tag
		changed++
		h.deliver(c, Signal{Kind: SignalControllerChange, Version: tag})
	}
	onChange := h.onChange
	h.mu.Unlock()

	if changed > 0 && onChange != nil {
		onChange()
	}
	return changed
}

// Controlled counts the pages controlled by tag.
func (h *Hub) Controlled(tag string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.clients {
		if c.controller == tag {
			n++
		}
	}
	return n
}

// Count returns the number of connected pages.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// PageInfo describes one connected page.
type PageInfo struct {
	ID         string `json:"id"`
	Controller string `json:"controller,omitempty"`
}

// Pages lists connected pages by id with the version controlling each.
func (h *Hub) Pages() []PageInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	pages := make([]PageInfo, 0, len(h.clients))
	for id, c := range h.clients {
		pages = append(pages, PageInfo{ID: id, Controller: c.controller})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].ID < pages[j].ID })
	return pages
}

// Dispatch hands a page command to the worker.
func (h *Hub) Dispatch(clientID string, cmd Command) {
	h.mu.Lock()
	onCommand := h.onCommand
	h.mu.Unlock()
	h.logger.Debug("page command", slog.String("client", clientID), slog.String("command", string(cmd)))
	if onCommand != nil {
		onCommand(clientID, cmd)
	}
}

// Close disconnects every page.
func (h *Hub) Close() {
	h.mu.Lock()
	for id, c := range h.clients {
		closeClient(c)
		delete(h.clients, id)
	}
	h.mu.Unlock()
	h.metrics.SetClients(0)
}

// deliver must be called with h.mu held.
func (h *Hub) deliver(c *Client, sig Signal) bool {
	if c.closed {
		return false
	}
	select {
	case c.signals <- sig:
		return true
	default:
		h.logger.Warn("signal dropped, page queue full", slog.String("client", c.id), slog.String("signal", string(sig.Kind)))
		return false
	}
}

func closeClient(c *Client) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.signals)
}
