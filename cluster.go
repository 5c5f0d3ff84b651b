package realtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ggoodman/realtime-go/routes"
)

// clusterTopic carries server-side operations between nodes. The Redis
// broker's default prefix turns it into the "realtime:cluster" channel.
const clusterTopic = "cluster"

type eventType string

const (
	eventNotify              eventType = "notify"
	eventBroadcast           eventType = "broadcast"
	eventStopListening       eventType = "stop_listening"
	eventClearAuthentication eventType = "clear_authentication"
)

type clusterEvent struct {
	ID      string    `json:"id"`
	Origin  string    `json:"origin"`
	Type    eventType `json:"type"`
	Route   string    `json:"route,omitempty"`
	UserID  string    `json:"userId,omitempty"`
	UserIDs []string  `json:"userIds,omitempty"`
	Output  any       `json:"output,omitempty"`
}

func (s *Server) publish(ctx context.Context, ev *clusterEvent) error {
	ev.ID = uuid.NewString()
	ev.Origin = s.NodeID()
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	if err := s.broker.Publish(ctx, clusterTopic, payload); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

// applyEvent runs a cluster event against this node's sessions. The
// publishing node receives its own events too and applies them here.
func (s *Server) applyEvent(ctx context.Context, payload []byte) {
	var ev clusterEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.log.WarnContext(ctx, "server.cluster.decode_fail", slog.String("err", err.Error()))
		return
	}
	log := s.log.With(slog.String("event_id", ev.ID), slog.String("origin", ev.Origin), slog.String("type", string(ev.Type)))

	var err error
	switch ev.Type {
	case eventNotify:
		_, err = s.engine.Notify(ctx, ev.Route, routes.NotifyOptions{})
	case eventBroadcast:
		_, err = s.engine.Broadcast(ctx, ev.Route, ev.Output, ev.UserIDs)
	case eventStopListening:
		s.engine.StopListening(ctx, ev.Route, ev.UserID)
	case eventClearAuthentication:
		s.engine.ClearAuthentication(ctx, ev.UserID)
	default:
		log.WarnContext(ctx, "server.cluster.unknown_event")
		return
	}
	if err != nil {
		log.WarnContext(ctx, "server.cluster.apply_fail", slog.String("route", ev.Route), slog.String("err", err.Error()))
		return
	}
	log.DebugContext(ctx, "server.cluster.apply")
}
