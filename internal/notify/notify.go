// Package notify fans lifecycle events out to notification channels.
package notify

import (
	"context"
	"log/slog"

	"github.com/schuttebj/ryvr-sub001/internal/logging"
	"github.com/schuttebj/ryvr-sub001/internal/models"
)

// Bus is the publish side of the notification event bus. Publish failures
// must never roll back the state transition that produced the event.
type Bus interface {
	Publish(ctx context.Context, ev models.LifecycleEvent)
}

// Channel delivers one event to one destination.
type Channel interface {
	Name() string
	Notify(ctx context.Context, ev models.LifecycleEvent) error
}

// Dispatcher fans events out to its channels. Channel errors are logged and
// swallowed so a broken subscriber cannot affect the engine.
type Dispatcher struct {
	channels []Channel
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(channels ...Channel) *Dispatcher {
	return &Dispatcher{channels: channels}
}

// Publish delivers the event to every channel.
func (d *Dispatcher) Publish(ctx context.Context, ev models.LifecycleEvent) {
	for _, ch := range d.channels {
		if err := ch.Notify(ctx, ev); err != nil {
			logging.Log("notify: channel "+ch.Name()+" failed: "+err.Error(), slog.LevelWarn)
		}
	}
}

// Nop returns a bus that drops every event.
func Nop() Bus {
	return &Dispatcher{}
}
