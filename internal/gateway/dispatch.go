// Package gateway serves the websocket endpoint: it decodes inbound actions,
// applies them through the annotation Service and fans the committed result
// out to the other members of the caller's room.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"annotation-sync/internal/annotation"
	"annotation-sync/internal/platform/metrics"
	"annotation-sync/internal/protocol"
	"annotation-sync/internal/room"
)

// Dispatcher executes decoded requests on behalf of a connected actor.
type Dispatcher struct {
	svc     *annotation.Service
	hub     *room.Hub
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewDispatcher returns a Dispatcher. m may be nil.
func NewDispatcher(svc *annotation.Service, hub *room.Hub, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{svc: svc, hub: hub, log: log, metrics: m}
}

var errNoRoom = fmt.Errorf("%w: join a room first", room.ErrMembership)

// Dispatch runs req for actor and returns the ack payload. The project a
// request applies to is always the actor's current room. Mutations are
// broadcast to the rest of the room only after the Service committed them.
func (d *Dispatcher) Dispatch(ctx context.Context, actor string, req protocol.Request) (any, error) {
	switch r := req.(type) {
	case protocol.JoinRoom:
		if err := d.hub.Join(actor, r.ID); err != nil {
			return nil, err
		}
		d.log.Info("joined room", slog.String("session_id", actor), slog.String("room", r.ID))
		return protocol.Membership{Room: r.ID, SessionID: actor}, nil
	case protocol.LeaveRoom:
		if err := d.hub.Leave(actor, r.ID); err != nil {
			return nil, err
		}
		d.log.Info("left room", slog.String("session_id", actor), slog.String("room", r.ID))
		return protocol.Membership{SessionID: actor}, nil
	}

	project, ok := d.hub.RoomOf(actor)
	if !ok {
		return nil, errNoRoom
	}

	switch r := req.(type) {
	case protocol.ListLabels:
		return d.svc.ListLabels(ctx, project)
	case protocol.ListLabelCategories:
		return d.svc.ListLabelCategories(ctx, project)
	case protocol.ListSegments:
		return d.svc.ListSegments(ctx, project, r.IDs)

	case protocol.CreateLabel:
		l, err := d.svc.CreateLabel(ctx, project, annotation.NewLabel{
			CategoryID:  r.CategoryID,
			Name:        r.Name,
			AuthorID:    r.AuthorID,
			AuthorClass: r.AuthorClass,
		})
		if err != nil {
			return nil, err
		}
		d.committed(actor, req, protocol.EventNewLabels, l)
		return l, nil

	case protocol.CreateLabelCategory:
		c, err := d.svc.CreateLabelCategory(ctx, project, annotation.NewLabelCategory{
			Name:        r.Data.Name,
			IsTrackable: r.Data.IsTrackable,
			AuthorID:    r.AuthorID,
			AuthorClass: r.AuthorClass,
		})
		if err != nil {
			return nil, err
		}
		d.committed(actor, req, protocol.EventNewLabelCategories, c)
		return c, nil

	case protocol.DeleteLabel:
		if err := d.svc.DeleteLabel(ctx, project, r.ID); err != nil {
			return nil, err
		}
		ev := protocol.Removed{ID: r.ID}
		d.committed(actor, req, protocol.EventRemovedLabels, ev)
		return ev, nil

	case protocol.DeleteLabelCategory:
		if err := d.svc.DeleteLabelCategory(ctx, project, r.ID); err != nil {
			return nil, err
		}
		ev := protocol.Removed{ID: r.ID}
		d.committed(actor, req, protocol.EventRemovedLabelCategories, ev)
		return ev, nil

	case protocol.RenameLabel:
		l, err := d.svc.RenameLabel(ctx, project, r.ID, r.Change)
		if err != nil {
			return nil, err
		}
		ev := protocol.Renamed{ID: l.ID, Change: l.Name}
		d.committed(actor, req, protocol.EventUpdatedLabels, ev)
		return ev, nil

	case protocol.RenameLabelCategory:
		c, err := d.svc.RenameLabelCategory(ctx, project, r.ID, r.Change)
		if err != nil {
			return nil, err
		}
		ev := protocol.Renamed{ID: c.ID, Change: c.Name}
		d.committed(actor, req, protocol.EventUpdatedLabelCategories, ev)
		return ev, nil

	case protocol.CreateSegment:
		w, err := d.svc.CreateSegment(ctx, project, annotation.NewSegment{
			LabelID:     r.LabelID,
			Start:       r.Start,
			End:         r.End,
			AuthorID:    r.AuthorID,
			AuthorClass: r.AuthorClass,
		})
		if err != nil {
			return nil, err
		}
		ack := protocol.NewSegment{Segment: w.Segment, ClientTempID: r.ClientTempID}
		if !w.Merged {
			d.committed(actor, req, protocol.EventNewSegment, ack)
			return ack, nil
		}
		ack.Merged = true
		ack.AbsorbedIDs = w.Absorbed
		d.metrics.AddMerged(len(w.Absorbed))
		d.committed(actor, req, protocol.EventUpdatedSegments, updated(w))
		return ack, nil

	case protocol.MergeSegments:
		w, err := d.svc.MergeSegments(ctx, project, r.SegmentIDs, r.Start, r.End)
		if err != nil {
			return nil, err
		}
		ev := updated(w)
		d.metrics.AddMerged(len(w.Absorbed))
		d.committed(actor, req, protocol.EventUpdatedSegments, ev)
		return ev, nil

	case protocol.DeleteSegments:
		removed, err := d.svc.DeleteSegments(ctx, project, r.IDs)
		if err != nil {
			return nil, err
		}
		ev := protocol.RemovedSegments{IDs: removed}
		if len(removed) > 0 {
			d.committed(actor, req, protocol.EventRemovedSegments, ev)
		}
		return ev, nil
	}

	return nil, fmt.Errorf("%w: unsupported action %q", annotation.ErrValidation, req.Action())
}

func updated(w annotation.SegmentWrite) protocol.UpdatedSegments {
	return protocol.UpdatedSegments{
		UpdatedIDs: w.UpdatedIDs(),
		NewStart:   w.Segment.Start,
		NewEnd:     w.Segment.End,
	}
}

// committed records a successful mutation and broadcasts it. The room is
// resolved again from membership, so a mutation that raced a leave reaches
// nobody rather than the wrong room.
func (d *Dispatcher) committed(actor string, req protocol.Request, event string, payload any) {
	d.metrics.IncMutation(req.Action())

	delivery, err := d.hub.BroadcastFrom(actor, event, payload)
	if err != nil {
		d.log.Debug("broadcast skipped",
			slog.String("session_id", actor),
			slog.String("action", req.Action()),
			slog.String("error", err.Error()))
		return
	}
	d.metrics.AddBroadcast(event, delivery.Delivered)
	d.log.Debug("mutation broadcast",
		slog.String("session_id", actor),
		slog.String("room", delivery.Room),
		slog.String("action", req.Action()),
		slog.String("event", event),
		slog.Int("delivered", delivery.Delivered),
		slog.Int("dropped", delivery.Dropped))
}

// logRejected logs a failed request at a level matching its kind.
func (d *Dispatcher) logRejected(actor, action string, err error) {
	attrs := []any{
		slog.String("session_id", actor),
		slog.String("action", action),
		slog.String("error", err.Error()),
	}
	switch {
	case errors.Is(err, annotation.ErrValidation), errors.Is(err, room.ErrMembership):
		d.log.Debug("request rejected", attrs...)
	case errors.Is(err, annotation.ErrNotFound):
		d.log.Info("request for missing entity", attrs...)
	default:
		d.log.Error("request failed", attrs...)
	}
	d.metrics.IncErrors()
}
