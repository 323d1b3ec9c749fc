package room

import (
	"encoding/json"
	"time"
)

// PayloadKind names the outbound event carried by an envelope.
type PayloadKind string

const (
	KindRoomJoined          PayloadKind = "roomJoined"
	KindUserJoined          PayloadKind = "userJoined"
	KindUserLeft            PayloadKind = "userLeft"
	KindChatMessage         PayloadKind = "chatMessage"
	KindExperimentStarted   PayloadKind = "experimentStarted"
	KindExperimentUpdated   PayloadKind = "experimentUpdated"
	KindExperimentCompleted PayloadKind = "experimentCompleted"
	KindExperimentAborted   PayloadKind = "experimentAborted"
	KindPermissionRequested PayloadKind = "permissionRequested"
	KindPermissionUpdated   PayloadKind = "permissionUpdated"
	KindStateSync           PayloadKind = "stateSync"
)

// Envelope is one outbound room event. Broadcast envelopes consume a new
// sequence number; envelopes addressed to a single member carry the latest
// sequence number as their baseline and are marked Direct. Clients detect
// gaps on broadcast envelopes only.
type Envelope struct {
	RoomID         string      `json:"roomId"`
	SequenceNumber int64       `json:"sequenceNumber"`
	PayloadKind    PayloadKind `json:"payloadKind"`
	Payload        any         `json:"payload"`
	EmittedAt      time.Time   `json:"emittedAt"`
	Direct         bool        `json:"direct,omitempty"`
}

// Delivery pairs an envelope with its recipients, snapshotted when the
// envelope was emitted.
type Delivery struct {
	Envelope   Envelope
	Recipients []string
}

// Publisher accepts deliveries from the room actor in emission order.
// Publish must not block.
type Publisher interface {
	Publish(Delivery)
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(Delivery)

// Publish calls f(delivery).
func (f PublisherFunc) Publish(delivery Delivery) {
	f(delivery)
}

type discardPublisher struct{}

func (discardPublisher) Publish(Delivery) {}

// RoomJoined is sent only to the joining participant.
type RoomJoined struct {
	Participant ParticipantView `json:"participant"`
	Room        View            `json:"room"`
}

// UserJoined announces a new member.
type UserJoined struct {
	Participant ParticipantView `json:"participant"`
	MemberCount int             `json:"memberCount"`
}

// UserLeft announces a departed member.
type UserLeft struct {
	ParticipantID string `json:"participantId"`
	MemberCount   int    `json:"memberCount"`
}

// ExperimentStarted announces a new experiment.
type ExperimentStarted struct {
	Experiment Experiment `json:"experiment"`
}

// ExperimentUpdated carries one accepted data point.
type ExperimentUpdated struct {
	ExperimentID string           `json:"experimentId"`
	Status       ExperimentStatus `json:"status"`
	Update       Update           `json:"update"`
}

// ExperimentCompleted carries results and the awarded score deltas.
type ExperimentCompleted struct {
	ExperimentID string          `json:"experimentId"`
	Results      json.RawMessage `json:"results,omitempty"`
	ScoreDeltas  ScoreDelta      `json:"scoreDeltas"`
}

// ExperimentAborted announces an experiment that ended without results.
type ExperimentAborted struct {
	ExperimentID string `json:"experimentId"`
	Reason       string `json:"reason"`
	AbortedBy    string `json:"abortedBy,omitempty"`
}

// PermissionRequested is sent only to the member asked to grant.
type PermissionRequested struct {
	RequesterID string     `json:"requesterId"`
	Capability  Capability `json:"capability"`
}

// PermissionUpdated announces the outcome of a permission request.
type PermissionUpdated struct {
	ParticipantID string       `json:"participantId"`
	Capability    Capability   `json:"capability"`
	Granted       bool         `json:"granted"`
	DecidedBy     string       `json:"decidedBy"`
	Capabilities  []Capability `json:"capabilities"`
}

// StateSync is the periodic or on-demand full state envelope.
type StateSync struct {
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Room     View            `json:"room"`
}
