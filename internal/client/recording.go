package client

import (
	"context"
	"errors"
	"log/slog"

	"annotation-sync/internal/annotation"
	"annotation-sync/internal/merge"
	"annotation-sync/internal/protocol"
	"annotation-sync/internal/recording"
)

// Commit action names reported in a Commit.
const (
	CommitCreate = protocol.ActionCreateSegment
	CommitMerge  = protocol.ActionMergeSegments
)

// Commit describes what a finished recording turned into.
type Commit struct {
	Request recording.Request
	// Action is CommitCreate or CommitMerge, chosen from the local prediction.
	Action string
	// TempID is the optimistic id used for a create.
	TempID string
	// SegmentID is the canonical id of the resulting segment.
	SegmentID string
	Start     int64
	End       int64
	// Absorbed lists segments deleted into SegmentID.
	Absorbed []string
}

// StartRecording opens a recording on labelID at the current cursor. When
// the cursor is inside a settled segment the recording extends it from that
// segment's start. It reports false if a recording is already open.
func (c *Client) StartRecording(labelID string) bool {
	now := c.clock.Now()
	if it, ok := c.mirror.SettledAt(labelID, now); ok {
		return c.tracker.Extend(c.user, labelID, it.ID, it.Start)
	}
	return c.tracker.Start(c.user, labelID)
}

// Recording reports whether a recording is open on labelID.
func (c *Client) Recording(labelID string) bool {
	return c.tracker.Recording(c.user, labelID)
}

// StopRecording closes the recording on labelID and commits it. ok is false
// when nothing was sent: there was no open recording or it had zero length.
func (c *Client) StopRecording(ctx context.Context, labelID string) (commit Commit, ok bool, err error) {
	req, ok := c.tracker.Stop(c.user, labelID)
	if !ok {
		return Commit{}, false, nil
	}
	commit, err = c.commit(ctx, req)
	return commit, true, err
}

// ToggleRecording starts or stops a recording on labelID, the way a track
// hotkey does.
func (c *Client) ToggleRecording(ctx context.Context, labelID string) (Commit, bool, error) {
	if c.StartRecording(labelID) {
		return Commit{}, false, nil
	}
	return c.StopRecording(ctx, labelID)
}

// commit predicts the merge outcome locally and sends the matching request.
// The server's answer is applied to the mirror; the prediction is not.
func (c *Client) commit(ctx context.Context, req recording.Request) (Commit, error) {
	out := c.mirror.Predict(req.LabelID, req.Candidate(""), req.IsUpdate())
	if !out.Merge {
		return c.create(ctx, req)
	}
	commit, err := c.merge(ctx, req.LabelID, out.Survivors, out.Start, out.End)
	commit.Request = req
	return commit, err
}

func (c *Client) create(ctx context.Context, req recording.Request) (Commit, error) {
	tmp := c.mirror.InsertTemp(req.LabelID, req.Start, req.End, c.user, c.class)
	commit := Commit{Request: req, Action: CommitCreate, TempID: tmp}

	var ack protocol.NewSegment
	err := c.call(ctx, protocol.CreateSegment{
		LabelID:      req.LabelID,
		AuthorID:     c.user,
		AuthorClass:  c.class,
		Start:        req.Start,
		End:          req.End,
		ClientTempID: tmp,
	}, &ack)
	if err != nil {
		c.mirror.Discard(tmp)
		return commit, err
	}

	if ack.Merged {
		// The server folded the recording into segments we had not seen
		// settle yet.
		c.mirror.Discard(tmp)
		c.mirror.ApplyMerge(protocol.UpdatedSegments{
			UpdatedIDs: append([]string{ack.Segment.ID}, ack.AbsorbedIDs...),
			NewStart:   ack.Segment.Start,
			NewEnd:     ack.Segment.End,
		})
		if _, ok := c.mirror.Item(ack.Segment.ID); !ok {
			c.mirror.Confirm("", ack.Segment)
		}
		commit.SegmentID = ack.Segment.ID
		commit.Start, commit.End = ack.Segment.Start, ack.Segment.End
		commit.Absorbed = ack.AbsorbedIDs
		return commit, nil
	}

	item, dirty := c.mirror.Confirm(tmp, ack.Segment)
	commit.SegmentID = item.ID
	commit.Start, commit.End = item.Start, item.End
	if dirty {
		c.log.Debug("sending bounds edited before confirmation",
			slog.String("segment_id", item.ID),
			slog.String("label_id", req.LabelID))
		if _, err := c.merge(ctx, req.LabelID, []string{item.ID}, item.Start, item.End); err != nil {
			return commit, err
		}
	}
	return commit, nil
}

func (c *Client) merge(ctx context.Context, labelID string, ids []string, start, end int64) (Commit, error) {
	commit := Commit{Action: CommitMerge}
	var ack protocol.UpdatedSegments
	err := c.call(ctx, protocol.MergeSegments{SegmentIDs: ids, Start: start, End: end}, &ack)
	if err != nil {
		if errors.Is(err, annotation.ErrNotFound) {
			// A racing broadcast removed part of the prediction; reload the
			// track so the next attempt starts from server state.
			if rerr := c.ListSegments(ctx, labelID); rerr != nil {
				c.log.Warn("track refresh failed",
					slog.String("label_id", labelID),
					slog.String("error", rerr.Error()))
			}
		}
		return commit, err
	}
	c.mirror.ApplyMerge(ack)
	commit.SegmentID = ack.UpdatedIDs[0]
	commit.Start, commit.End = ack.NewStart, ack.NewEnd
	commit.Absorbed = append([]string(nil), ack.UpdatedIDs[1:]...)
	return commit, nil
}

// Resize changes the bounds of an item. A settled item is updated on the
// server right away; a temporary one is sent once its create is confirmed.
func (c *Client) Resize(ctx context.Context, itemID string, start, end int64) error {
	if err := annotation.ValidateInterval(start, end); err != nil {
		return err
	}
	it, ok := c.mirror.Item(itemID)
	if !ok {
		return annotation.NotFound("segment", itemID)
	}
	if it.Temp {
		c.mirror.Resize(itemID, start, end)
		return nil
	}

	candidate := merge.Interval{ID: itemID, Start: start, End: end}
	out := c.mirror.Predict(it.GroupID, candidate, true)
	ids, lo, hi := []string{itemID}, start, end
	if out.Merge && len(out.Survivors) > 0 && out.Survivors[0] == itemID {
		ids, lo, hi = out.Survivors, min(start, out.Start), max(end, out.End)
	}
	_, err := c.merge(ctx, it.GroupID, ids, lo, hi)
	return err
}
