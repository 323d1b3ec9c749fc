// Package errors provides the structured domain error used across roomsync.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code sent to clients in roomError frames.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Gateway errors
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"

	// Room errors
	CodeRoomFull         Code = "ROOM_FULL"
	CodeRoomNotFound     Code = "ROOM_NOT_FOUND"
	CodeNotAMember       Code = "NOT_A_MEMBER"
	CodePermissionDenied Code = "PERMISSION_DENIED"

	// Experiment errors
	CodeExperimentNotFound Code = "EXPERIMENT_NOT_FOUND"
	CodeNotAParticipant    Code = "NOT_A_PARTICIPANT"
	CodeInvalidState       Code = "INVALID_STATE"

	// Permission errors
	CodePermissionRequestNotFound Code = "PERMISSION_REQUEST_NOT_FOUND"

	// Process errors
	CodeUnavailable Code = "UNAVAILABLE"
	CodeInternal    Code = "INTERNAL"
)

// GRPCCode maps domain codes to gRPC status codes. The mapping is the
// coarse category clients use to decide whether a retry can help.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeValidationFailed:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeInvalidState,
		CodeNotAMember:
		return codes.FailedPrecondition

	// PermissionDenied - caller lacks the right
	case CodePermissionDenied,
		CodeNotAParticipant:
		return codes.PermissionDenied

	// NotFound - resource doesn't exist
	case CodeRoomNotFound,
		CodeExperimentNotFound,
		CodePermissionRequestNotFound:
		return codes.NotFound

	// ResourceExhausted - capacity or rate limits
	case CodeRoomFull,
		CodeRateLimited:
		return codes.ResourceExhausted

	case CodeUnauthenticated:
		return codes.Unauthenticated

	case CodeUnavailable:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}

// Retryable reports whether the same request may succeed later without the
// caller changing it.
func (c Code) Retryable() bool {
	switch c.GRPCCode() {
	case codes.ResourceExhausted, codes.Unavailable:
		return true
	default:
		return false
	}
}
