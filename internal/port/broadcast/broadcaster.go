// Package broadcast defines the port for pushing session events to observers.
package broadcast

import "context"

// Broadcaster sends real-time events to all connected observers.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all observers.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Multi fans an event out to several broadcasters in order.
type Multi []Broadcaster

// BroadcastEvent implements Broadcaster.
func (m Multi) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	for _, b := range m {
		if b != nil {
			b.BroadcastEvent(ctx, eventType, payload)
		}
	}
}
