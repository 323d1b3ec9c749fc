package gateway

import (
	"context"

	apperrors "github.com/physlab/roomsync/internal/platform/errors"
	"github.com/physlab/roomsync/internal/services/rooms/registry"
	"github.com/physlab/roomsync/internal/services/rooms/room"
)

type joinResult struct {
	RoomID      string `json:"roomId"`
	MemberCount int    `json:"memberCount"`
	Rejoined    bool   `json:"rejoined,omitempty"`
}

type leaveResult struct {
	RoomID string `json:"roomId"`
	Left   bool   `json:"left"`
}

type chatResult struct {
	MessageID string `json:"messageId"`
}

type experimentResult struct {
	ExperimentID string                `json:"experimentId"`
	Status       room.ExperimentStatus `json:"status,omitempty"`
	ScoreDeltas  room.ScoreDelta       `json:"scoreDeltas,omitempty"`
}

func acked(result any) reply {
	return reply{payload: AckPayload{Status: "ok", Result: result}}
}

func (g *Gateway) createRoom(_ context.Context, c *connection, req createRoomPayload) (reply, error) {
	created, err := g.rooms.Create(registry.Defaults{
		Name:     req.Name,
		OwnerID:  c.identity.ParticipantID,
		Capacity: req.Capacity,
		Settings: req.settings,
	})
	if err != nil {
		return reply{}, err
	}
	return reply{frameType: TypeRoomCreated, payload: created.Summary()}, nil
}

func (g *Gateway) joinRoom(ctx context.Context, c *connection, req joinRoomPayload) (reply, error) {
	displayName := req.DisplayName
	if displayName == "" {
		displayName = c.identity.DisplayName
	}
	if displayName == "" {
		displayName = c.identity.ParticipantID
	}
	profile := room.Profile{
		ID:          c.identity.ParticipantID,
		DisplayName: displayName,
		AvatarRef:   req.AvatarRef,
	}

	var (
		target *room.Room
		view   room.MemberView
		err    error
	)
	for attempt := 0; attempt < 2; attempt++ {
		target, _, err = g.rooms.GetOrCreate(req.RoomID, registry.Defaults{})
		if err != nil {
			break
		}
		if target.ID() != req.RoomID {
			err = apperrors.New(apperrors.CodeInternal, "room lookup mismatch")
			break
		}
		view, err = target.Join(ctx, profile, req.capabilities)
		if !apperrors.IsCode(err, apperrors.CodeRoomNotFound) {
			break
		}
	}
	if err != nil {
		return reply{}, err
	}
	// The previous room is left only once the new one has accepted the join.
	if previous := c.setRoom(req.RoomID); previous != "" && previous != req.RoomID {
		g.implicitLeave(previous, c.identity.ParticipantID)
	}

	summary := target.Summary()
	welcome := Frame{
		Type: TypeSystemNotice,
		Payload: mustJSON(systemNotice{
			RoomID: req.RoomID,
			Locale: c.identity.Locale.String(),
			Text:   localizedJoinWelcome(c.identity.Locale, displayName, summary.Name),
		}),
	}
	result := acked(joinResult{RoomID: req.RoomID, MemberCount: view.MemberCount, Rejoined: view.Rejoined})
	result.after = []Frame{welcome}
	return result, nil
}

func (g *Gateway) leaveRoom(ctx context.Context, c *connection, req roomPayload) (reply, error) {
	if !c.clearRoom(req.RoomID) {
		return acked(leaveResult{RoomID: req.RoomID}), nil
	}
	target, err := g.lookup(req.RoomID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeRoomNotFound) {
			return acked(leaveResult{RoomID: req.RoomID}), nil
		}
		return reply{}, err
	}
	left, err := target.Leave(ctx, c.identity.ParticipantID)
	if err != nil && !apperrors.IsCode(err, apperrors.CodeRoomNotFound) {
		return reply{}, err
	}
	return acked(leaveResult{RoomID: req.RoomID, Left: left}), nil
}

func (g *Gateway) postChat(ctx context.Context, c *connection, req chatMessagePayload) (reply, error) {
	target, err := g.memberRoom(c, req.RoomID)
	if err != nil {
		return reply{}, err
	}
	msg, err := target.PostChat(ctx, c.identity.ParticipantID, req.Text)
	if err != nil {
		return reply{}, err
	}
	return acked(chatResult{MessageID: msg.ID}), nil
}

func (g *Gateway) startExperiment(ctx context.Context, c *connection, req startExperimentPayload) (reply, error) {
	target, err := g.memberRoom(c, req.RoomID)
	if err != nil {
		return reply{}, err
	}
	exp, err := target.CreateExperiment(ctx, c.identity.ParticipantID, room.StartExperiment{
		Type:                  req.Type,
		Parameters:            req.Parameters,
		InvitedParticipantIDs: req.InvitedParticipantIDs,
	})
	if err != nil {
		return reply{}, err
	}
	return acked(experimentResult{ExperimentID: exp.ID, Status: exp.Status}), nil
}

func (g *Gateway) updateExperiment(ctx context.Context, c *connection, req experimentUpdatePayload) (reply, error) {
	target, err := g.memberRoom(c, "")
	if err != nil {
		return reply{}, err
	}
	exp, err := target.UpdateExperiment(ctx, req.ExperimentID, c.identity.ParticipantID, req.UpdateKind, req.Data)
	if err != nil {
		return reply{}, err
	}
	return acked(experimentResult{ExperimentID: exp.ID, Status: exp.Status}), nil
}

func (g *Gateway) completeExperiment(ctx context.Context, c *connection, req experimentResultPayload) (reply, error) {
	target, err := g.memberRoom(c, "")
	if err != nil {
		return reply{}, err
	}
	deltas, err := target.CompleteExperiment(ctx, req.ExperimentID, c.identity.ParticipantID, req.Results)
	if err != nil {
		return reply{}, err
	}
	return acked(experimentResult{ExperimentID: req.ExperimentID, Status: room.StatusCompleted, ScoreDeltas: deltas}), nil
}

func (g *Gateway) abortExperiment(ctx context.Context, c *connection, req experimentAbortPayload) (reply, error) {
	target, err := g.memberRoom(c, "")
	if err != nil {
		return reply{}, err
	}
	if err := target.AbortExperiment(ctx, req.ExperimentID, c.identity.ParticipantID, req.Reason); err != nil {
		return reply{}, err
	}
	return acked(experimentResult{ExperimentID: req.ExperimentID, Status: room.StatusAborted}), nil
}

func (g *Gateway) requestPermission(ctx context.Context, c *connection, req permissionRequestPayload) (reply, error) {
	target, err := g.memberRoom(c, req.RoomID)
	if err != nil {
		return reply{}, err
	}
	if err := target.RequestPermission(ctx, c.identity.ParticipantID, req.capability, req.TargetParticipantID); err != nil {
		return reply{}, err
	}
	return acked(nil), nil
}

func (g *Gateway) grantPermission(ctx context.Context, c *connection, req permissionGrantPayload) (reply, error) {
	target, err := g.memberRoom(c, "")
	if err != nil {
		return reply{}, err
	}
	if err := target.GrantPermission(ctx, c.identity.ParticipantID, req.RequesterID, req.capability, req.Granted); err != nil {
		return reply{}, err
	}
	return acked(nil), nil
}

func (g *Gateway) resync(ctx context.Context, c *connection, req roomPayload) (reply, error) {
	target, err := g.memberRoom(c, req.RoomID)
	if err != nil {
		return reply{}, err
	}
	if err := target.Resync(ctx, c.identity.ParticipantID); err != nil {
		return reply{}, err
	}
	return acked(nil), nil
}
