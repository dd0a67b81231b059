package events

import (
	"context"

	"github.com/campipeline/cam/pkg/log"
	"github.com/campipeline/cam/pkg/storage"
	"github.com/campipeline/cam/pkg/types"
)

// AuditBroadcaster appends every broadcast event as a SystemEvent row. It
// satisfies Broadcaster so it can sit next to a Broker in a Multi, giving
// the dashboard live updates and the database a permanent audit trail from
// the same call site.
type AuditBroadcaster struct {
	Store storage.Store
	Actor string
}

func (a AuditBroadcaster) Broadcast(eventType string, payload map[string]any) {
	event := &types.SystemEvent{
		Type:    eventType,
		Payload: payload,
		Actor:   a.Actor,
	}
	if err := a.Store.AppendSystemEvent(context.Background(), event); err != nil {
		log.WithComponent("events").Error().Err(err).Str("event_type", eventType).Msg("failed to append system event")
	}
}
