// Package notify fans task lifecycle events out to interested listeners.
// The in-process Hub backs the SSE endpoint; the Redis publisher mirrors
// events onto a pub/sub channel for external consumers.
package notify

import (
	"context"
	"errors"
)

// Event is one lifecycle notification. The engine sets "type" and "task_id";
// the hub adds "channel" before fan-out.
type Event map[string]any

// Publisher delivers one event to a named channel. Delivery is best-effort;
// engines log and continue on error.
type Publisher interface {
	Publish(ctx context.Context, channel string, event Event) error
}

// Multi fans each event out to every given publisher. A failing publisher
// does not block the others.
func Multi(pubs ...Publisher) Publisher {
	return multi(pubs)
}

type multi []Publisher

func (m multi) Publish(ctx context.Context, channel string, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, channel, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
