package web

import (
	"context"
	"encoding/json"
	"time"

	"github.com/blockedby/tgrelay/internal/forward"
)

// WebSocket event types
const (
	EventStatus    = "status"
	EventForwarded = "forwarded"
	EventBackfill  = "backfill"
)

// WSEvent represents a structured WebSocket message
type WSEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// NewEvent encodes an event for broadcasting
func NewEvent(typ string, payload interface{}) []byte {
	b, _ := json.Marshal(WSEvent{Type: typ, Payload: payload})
	return b
}

// HubPublisher broadcasts relay events to websocket clients.
type HubPublisher struct {
	hub *Hub
}

var _ forward.EventPublisher = (*HubPublisher)(nil)

// NewHubPublisher creates a publisher for hub.
func NewHubPublisher(hub *Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

// PublishForwarded implements forward.EventPublisher.
func (p *HubPublisher) PublishForwarded(_ context.Context, e forward.ForwardedEvent) error {
	p.hub.Broadcast(NewEvent(EventForwarded, e))
	return nil
}

// PublishBackfill implements forward.EventPublisher.
func (p *HubPublisher) PublishBackfill(_ context.Context, e forward.BackfillEvent) error {
	p.hub.Broadcast(NewEvent(EventBackfill, e))
	return nil
}

// StatusFeed broadcasts a status snapshot every interval until ctx is done.
// Nothing is sent while no client is connected.
func StatusFeed(ctx context.Context, hub *Hub, interval time.Duration, status func() interface{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if hub.ClientCount() == 0 {
				continue
			}
			hub.Broadcast(NewEvent(EventStatus, status()))
		}
	}
}
