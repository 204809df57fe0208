package hub

import (
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// sendBuffer is the per-client outbound frame queue. A client that cannot
// drain it is treated the same as one whose socket errored.
const sendBuffer = 64

// Client is one registered connection. Frames queue on Send and a transport
// pump (the websocket write loop) drains them.
type Client struct {
	Tenant string
	Send   chan []byte

	closeOnce sync.Once
}

func NewClient(tenant string) *Client {
	return &Client{Tenant: tenant, Send: make(chan []byte, sendBuffer)}
}

// close releases the send channel; the transport pump exits when it drains.
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.Send) })
}

// push queues one frame without blocking. False means the client is dead or
// hopelessly behind.
func (c *Client) push(frame []byte) (ok bool) {
	defer func() {
		// Send may already be closed by a concurrent eviction.
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.Send <- frame:
		return true
	default:
		return false
	}
}

// Hub holds this process's connection set: which channels each client
// subscribes to and, inversely, which clients each channel reaches. Every
// mutation touches both maps under the one mutex; nothing under the mutex
// performs I/O.
type Hub struct {
	ns string

	mu       sync.Mutex
	subs     map[*Client]map[string]struct{}
	channels map[string]map[*Client]struct{}
}

func New(ns string) *Hub {
	return &Hub{
		ns:       ns,
		subs:     make(map[*Client]map[string]struct{}),
		channels: make(map[string]map[*Client]struct{}),
	}
}

// Register admits a client and attaches it to its tenant's general channel.
// This is the only place the connection gauge increments.
func (h *Hub) Register(c *Client) {
	var general, _ = Canonicalize(h.ns, c.Tenant, string(KindGeneral))

	h.mu.Lock()
	h.subs[c] = map[string]struct{}{general: {}}
	h.attach(general, c)
	h.mu.Unlock()

	liveConnections.Inc()
}

// Unregister removes the client from every channel set. Safe to call more
// than once; the gauge decrements exactly once per registered client.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	var channels, registered = h.subs[c]
	if registered {
		for ch := range channels {
			h.detach(ch, c)
		}
		delete(h.subs, c)
	}
	h.mu.Unlock()

	if registered {
		c.close()
		liveConnections.Dec()
	}
}

// Subscribe attaches the client to the canonical channel for |suffix| under
// its own tenant, returning the canonical name.
func (h *Hub) Subscribe(c *Client, suffix string) (string, error) {
	var channel, err = Canonicalize(h.ns, c.Tenant, suffix)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	var channels, registered = h.subs[c]
	if !registered {
		return "", errNotRegistered
	}
	channels[channel] = struct{}{}
	h.attach(channel, c)
	return channel, nil
}

// Unsubscribe detaches the client from the channel named by |suffix|.
func (h *Hub) Unsubscribe(c *Client, suffix string) (string, error) {
	var channel, err = Canonicalize(h.ns, c.Tenant, suffix)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if channels, registered := h.subs[c]; registered {
		delete(channels, channel)
	}
	h.detach(channel, c)
	return channel, nil
}

// Dispatch fans one frame out to the channel's current local subscribers.
// Clients that cannot accept the frame are evicted.
func (h *Hub) Dispatch(channel string, frame []byte) {
	h.mu.Lock()
	var targets = make([]*Client, 0, len(h.channels[channel]))
	for c := range h.channels[channel] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.push(frame) {
			log.WithFields(log.Fields{"tenant": c.Tenant, "channel": channel}).
				Warn("dropping unresponsive live channel client")
			h.Unregister(c)
		}
		framesDelivered.WithLabelValues(kindOf(channel)).Inc()
	}
}

// Heartbeat pings every connection on |interval| until ctx is done. A
// client that cannot accept the ping is evicted.
func (h *Hub) Heartbeat(stop <-chan struct{}, interval time.Duration) {
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	var ping, _ = encodeFrame(serverFrame{Type: "ping"})
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.mu.Lock()
			var all = make([]*Client, 0, len(h.subs))
			for c := range h.subs {
				all = append(all, c)
			}
			h.mu.Unlock()

			for _, c := range all {
				if !c.push(ping) {
					h.Unregister(c)
				}
			}
		}
	}
}

// Subscribers reports the channel's current local subscriber count.
func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[channel])
}

// attach and detach require h.mu held.
func (h *Hub) attach(channel string, c *Client) {
	var set, ok = h.channels[channel]
	if !ok {
		set = make(map[*Client]struct{})
		h.channels[channel] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) detach(channel string, c *Client) {
	var set, ok = h.channels[channel]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.channels, channel)
	}
}

// kindOf extracts the kind component for metric labels.
func kindOf(channel string) string {
	var parts = strings.Split(channel, ":")
	for _, p := range parts {
		if Kind(p).valid() {
			return p
		}
	}
	return "unknown"
}
