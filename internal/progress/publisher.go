package progress

import (
	"context"

	"github.com/rpattn/devprov/internal/domain"
)

// NewEvent builds a progress event from a log snapshot.
func NewEvent(log domain.ProvisioningLog) Event {
	return Event{
		Type:      EventTypeProvisioningStatus,
		LogID:     log.ID,
		Processed: log.ProcessedDevices,
		Total:     log.TotalDevices,
		Success:   log.SuccessfulDevices,
		Failed:    log.FailedDevices,
		CreatedBy: log.CreatedBy,
	}
}

type multiPublisher []Publisher

// Multi fans every event out to each non-nil publisher in order.
func Multi(publishers ...Publisher) Publisher {
	out := make(multiPublisher, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (m multiPublisher) Publish(ctx context.Context, event Event) {
	for _, p := range m {
		p.Publish(ctx, event)
	}
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}
