package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/panduza/panduza-core/internal/infopack"
	"github.com/panduza/panduza-core/internal/infrastructure/logging"
)

// Channels a client can subscribe to. Each carries one info pack snapshot.
const (
	ChannelDevices   = "devices"
	ChannelStructure = "structure"
)

func knownChannel(name string) bool {
	return name == ChannelDevices || name == ChannelStructure
}

// Hub fans snapshot events out to the WebSocket sessions subscribed to
// each channel.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Hub struct {
	logger *logging.Logger

	mu       sync.RWMutex
	sessions map[*wsSession]struct{}
	channels map[string]map[*wsSession]struct{}

	// snapshot returns the current payload of a channel. Set once by New.
	snapshot func(channel string) (json.RawMessage, bool)
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger:   logger,
		sessions: make(map[*wsSession]struct{}),
		channels: make(map[string]map[*wsSession]struct{}),
	}
}

// Run blocks until ctx ends, then closes every session.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[*wsSession]struct{})
	h.channels = make(map[string]map[*wsSession]struct{})
	h.mu.Unlock()

	for s := range sessions {
		s.shutdown()
	}
}

// ClientCount returns the number of open sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) join(s *wsSession) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	n := len(h.sessions)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// leave drops s and its subscriptions from the hub.
func (h *Hub) leave(s *wsSession) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	for _, subs := range h.channels {
		delete(subs, s)
	}
	n := len(h.sessions)
	h.mu.Unlock()
	if ok {
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

func (h *Hub) subscribe(s *wsSession, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range channels {
		subs := h.channels[ch]
		if subs == nil {
			subs = make(map[*wsSession]struct{})
			h.channels[ch] = subs
		}
		subs[s] = struct{}{}
	}
}

func (h *Hub) unsubscribe(s *wsSession, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range channels {
		delete(h.channels[ch], s)
	}
}

// Broadcast sends payload as an event to every subscriber of channel.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := encodeEvent(channel, payload)
	if err != nil {
		h.logger.Error("encoding websocket event failed", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*wsSession, 0, len(h.channels[channel]))
	for s := range h.channels[channel] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(data)
	}
	if len(targets) > 0 {
		h.logger.Debug("websocket event sent", "channel", channel, "recipients", len(targets))
	}
}

// snapshot returns the current JSON payload of a channel.
func (s *Server) snapshot(channel string) (json.RawMessage, bool) {
	info := s.runtime.InfoPack()
	var (
		data []byte
		err  error
	)
	switch channel {
	case ChannelDevices:
		data, err = info.DevicesJSON()
	case ChannelStructure:
		data, err = info.StructureJSON()
	default:
		return nil, false
	}
	if err != nil {
		s.logger.Error("snapshot encoding failed", "channel", channel, "error", err)
		return nil, false
	}
	return data, true
}

// relay broadcasts a fresh snapshot of each channel whenever the info pack
// reports a change, until ctx ends.
func (s *Server) relay(ctx context.Context, info *infopack.InfoPack) {
	feeds := map[string]func() <-chan struct{}{
		ChannelDevices:   info.StatusChanged,
		ChannelStructure: info.StructureChanged,
	}

	var wg sync.WaitGroup
	for channel, changed := range feeds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := changed()
			for {
				select {
				case <-next:
				case <-ctx.Done():
					return
				}
				// Re-arm before reading so a change during encoding is not lost.
				next = changed()
				if data, ok := s.snapshot(channel); ok {
					s.hub.Broadcast(channel, data)
				}
			}
		}()
	}
	wg.Wait()
}

func encodeEvent(channel string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}
