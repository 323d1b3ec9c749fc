package room

import (
	"strconv"

	apperrors "github.com/physlab/roomsync/internal/platform/errors"
)

func errRoomNotFound(roomID string) error {
	return apperrors.WithMetadata(apperrors.CodeRoomNotFound, "room not found", map[string]string{"roomId": roomID})
}

func errRoomFull(roomID string, capacity int) error {
	return apperrors.WithMetadata(apperrors.CodeRoomFull, "room is full", map[string]string{
		"roomId":   roomID,
		"capacity": strconv.Itoa(capacity),
	})
}

func errNotAMember(participantID string) error {
	return apperrors.WithMetadata(apperrors.CodeNotAMember, "participant is not a member of this room", map[string]string{"participantId": participantID})
}

func errPermissionDenied(capability Capability) error {
	return apperrors.WithMetadata(apperrors.CodePermissionDenied, "missing capability", map[string]string{"capability": string(capability)})
}

func errNotAParticipant(experimentID string) error {
	return apperrors.WithMetadata(apperrors.CodeNotAParticipant, "caller is not an experiment participant", map[string]string{"experimentId": experimentID})
}

func errExperimentNotFound(experimentID string) error {
	return apperrors.WithMetadata(apperrors.CodeExperimentNotFound, "experiment not found", map[string]string{"experimentId": experimentID})
}

func errInvalidState(message string, status ExperimentStatus) error {
	return apperrors.WithMetadata(apperrors.CodeInvalidState, message, map[string]string{"status": string(status)})
}

func errPermissionRequestNotFound(requesterID string, capability Capability) error {
	return apperrors.WithMetadata(apperrors.CodePermissionRequestNotFound, "no pending permission request", map[string]string{
		"requesterId": requesterID,
		"capability":  string(capability),
	})
}

func errValidation(message string) error {
	return apperrors.New(apperrors.CodeValidationFailed, message)
}
