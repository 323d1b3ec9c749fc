package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"unicode"
	"unicode/utf8"

	apperrors "github.com/physlab/roomsync/internal/platform/errors"
	"github.com/physlab/roomsync/internal/services/rooms/room"
	"golang.org/x/text/unicode/norm"
)

const (
	maxIDRunes          = 128
	maxDisplayNameRunes = 64
	maxRoomNameRunes    = 120
	maxChatRunes        = 2000
	maxKindRunes        = 64
	maxReasonRunes      = 280
	maxInvited          = 64
	maxCapacity         = 256
)

// Inbound event types.
const (
	TypeCreateRoom        = "createRoom"
	TypeJoinRoom          = "joinRoom"
	TypeLeaveRoom         = "leaveRoom"
	TypeChatMessage       = "chatMessage"
	TypeStartExperiment   = "startExperiment"
	TypeExperimentUpdate  = "experimentUpdate"
	TypeExperimentResult  = "experimentResult"
	TypeExperimentAbort   = "experimentAbort"
	TypePermissionRequest = "permissionRequest"
	TypePermissionGrant   = "permissionGrant"
	TypeResync            = "resync"
)

// Outbound frame types written directly to the origin connection.
const (
	TypeAck          = "ack"
	TypeRoomCreated  = "roomCreated"
	TypeRoomError    = "roomError"
	TypeSystemNotice = "systemNotice"
)

// Frame is the JSON message exchanged over a connection.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the body of a roomError frame.
type ErrorPayload struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Details   map[string]string `json:"details,omitempty"`
}

// AckPayload is the body of an ack frame.
type AckPayload struct {
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
}

type systemNotice struct {
	RoomID string `json:"roomId"`
	Locale string `json:"locale"`
	Text   string `json:"text"`
}

func errorFrame(requestID string, err error) Frame {
	payload := ErrorPayload{
		Code:    string(apperrors.CodeInternal),
		Message: "internal error",
	}
	if domainErr, ok := asDomainError(err); ok {
		payload.Code = string(domainErr.Code)
		payload.Message = domainErr.Message
		payload.Details = domainErr.Metadata
	}
	payload.Retryable = apperrors.Code(payload.Code).Retryable()
	return Frame{Type: TypeRoomError, RequestID: requestID, Payload: mustJSON(payload)}
}

func envelopeFrame(env room.Envelope) Frame {
	return Frame{Type: string(env.PayloadKind), Payload: mustJSON(env)}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("rooms: marshal frame payload: %v", err)
		return nil
	}
	return b
}

func invalid(format string, args ...any) error {
	return apperrors.New(apperrors.CodeValidationFailed, fmt.Sprintf(format, args...))
}

// decodeStrict rejects unknown fields and trailing data.
func decodeStrict(payload json.RawMessage, target any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage(`{}`)
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return invalid("invalid payload: %v", err)
	}
	if decoder.More() {
		return invalid("invalid payload: trailing data")
	}
	return nil
}

func cleanID(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", invalid("%s is required", field)
	}
	if utf8.RuneCountInString(value) > maxIDRunes {
		return "", invalid("%s must be at most %d characters", field, maxIDRunes)
	}
	for _, r := range value {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", invalid("%s must not contain whitespace", field)
		}
	}
	return value, nil
}

// cleanText normalizes to NFC and enforces a rune limit. Empty values are
// allowed only when required is false.
func cleanText(field, value string, limit int, required bool) (string, error) {
	if !utf8.ValidString(value) {
		return "", invalid("%s must be valid UTF-8", field)
	}
	value = strings.TrimSpace(norm.NFC.String(value))
	if value == "" {
		if required {
			return "", invalid("%s is required", field)
		}
		return "", nil
	}
	if utf8.RuneCountInString(value) > limit {
		return "", invalid("%s must be at most %d characters", field, limit)
	}
	for _, r := range value {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return "", invalid("%s contains control characters", field)
		}
	}
	return value, nil
}

func parseCapabilities(values []string) ([]room.Capability, error) {
	out := make([]room.Capability, 0, len(values))
	for _, value := range values {
		capability, ok := room.ParseCapability(strings.TrimSpace(value))
		if !ok {
			return nil, invalid("unknown capability %q", value)
		}
		out = append(out, capability)
	}
	return out, nil
}

type settingsPayload struct {
	OpenCapabilities []string `json:"openCapabilities"`
	ScoreIncrement   int      `json:"scoreIncrement"`
	ChatHistoryLimit int      `json:"chatHistoryLimit"`
	MaxExperiments   int      `json:"maxExperiments"`
	MaxDataPoints    int      `json:"maxDataPoints"`
}

type createRoomPayload struct {
	Name     string           `json:"name"`
	Capacity int              `json:"capacity"`
	Settings *settingsPayload `json:"settings"`

	settings *room.Settings
}

func (p *createRoomPayload) normalize() error {
	var err error
	if p.Name, err = cleanText("name", p.Name, maxRoomNameRunes, false); err != nil {
		return err
	}
	if p.Capacity < 0 || p.Capacity > maxCapacity {
		return invalid("capacity must be between 0 and %d", maxCapacity)
	}
	if p.Settings == nil {
		return nil
	}
	s := p.Settings
	for _, value := range []int{s.ScoreIncrement, s.ChatHistoryLimit, s.MaxExperiments, s.MaxDataPoints} {
		if value < 0 {
			return invalid("settings values must be non-negative")
		}
	}
	if s.ChatHistoryLimit > 1000 || s.MaxExperiments > 500 || s.MaxDataPoints > 10000 {
		return invalid("settings exceed allowed limits")
	}
	settings := room.Settings{
		ScoreIncrement:   s.ScoreIncrement,
		ChatHistoryLimit: s.ChatHistoryLimit,
		MaxExperiments:   s.MaxExperiments,
		MaxDataPoints:    s.MaxDataPoints,
	}
	if s.OpenCapabilities != nil {
		if settings.OpenCapabilities, err = parseCapabilities(s.OpenCapabilities); err != nil {
			return err
		}
	}
	p.settings = &settings
	return nil
}

type joinRoomPayload struct {
	RoomID       string   `json:"roomId"`
	DisplayName  string   `json:"displayName"`
	AvatarRef    string   `json:"avatarRef"`
	Capabilities []string `json:"capabilities"`

	capabilities []room.Capability
}

func (p *joinRoomPayload) normalize() error {
	var err error
	if p.RoomID, err = cleanID("roomId", p.RoomID); err != nil {
		return err
	}
	if p.DisplayName, err = cleanText("displayName", p.DisplayName, maxDisplayNameRunes, false); err != nil {
		return err
	}
	if p.AvatarRef, err = cleanText("avatarRef", p.AvatarRef, 512, false); err != nil {
		return err
	}
	p.capabilities, err = parseCapabilities(p.Capabilities)
	return err
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

func (p *roomPayload) normalize() error {
	var err error
	p.RoomID, err = cleanID("roomId", p.RoomID)
	return err
}

type chatMessagePayload struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}

func (p *chatMessagePayload) normalize() error {
	var err error
	if p.RoomID, err = cleanID("roomId", p.RoomID); err != nil {
		return err
	}
	p.Text, err = cleanText("text", p.Text, maxChatRunes, true)
	return err
}

type startExperimentPayload struct {
	RoomID                string          `json:"roomId"`
	Type                  string          `json:"type"`
	Parameters            json.RawMessage `json:"parameters"`
	InvitedParticipantIDs []string        `json:"invitedParticipantIds"`
}

func (p *startExperimentPayload) normalize() error {
	var err error
	if p.RoomID, err = cleanID("roomId", p.RoomID); err != nil {
		return err
	}
	if p.Type, err = cleanText("type", p.Type, maxKindRunes, true); err != nil {
		return err
	}
	if len(p.InvitedParticipantIDs) > maxInvited {
		return invalid("at most %d participants may be invited", maxInvited)
	}
	for i, invited := range p.InvitedParticipantIDs {
		if p.InvitedParticipantIDs[i], err = cleanID("invitedParticipantIds", invited); err != nil {
			return err
		}
	}
	return nil
}

type experimentUpdatePayload struct {
	ExperimentID string          `json:"experimentId"`
	UpdateKind   string          `json:"updateKind"`
	Data         json.RawMessage `json:"data"`
}

func (p *experimentUpdatePayload) normalize() error {
	var err error
	if p.ExperimentID, err = cleanID("experimentId", p.ExperimentID); err != nil {
		return err
	}
	p.UpdateKind, err = cleanText("updateKind", p.UpdateKind, maxKindRunes, true)
	return err
}

type experimentResultPayload struct {
	ExperimentID string          `json:"experimentId"`
	Results      json.RawMessage `json:"results"`
}

func (p *experimentResultPayload) normalize() error {
	var err error
	p.ExperimentID, err = cleanID("experimentId", p.ExperimentID)
	return err
}

type experimentAbortPayload struct {
	ExperimentID string `json:"experimentId"`
	Reason       string `json:"reason"`
}

func (p *experimentAbortPayload) normalize() error {
	var err error
	if p.ExperimentID, err = cleanID("experimentId", p.ExperimentID); err != nil {
		return err
	}
	p.Reason, err = cleanText("reason", p.Reason, maxReasonRunes, false)
	return err
}

type permissionRequestPayload struct {
	RoomID              string `json:"roomId"`
	Capability          string `json:"capability"`
	TargetParticipantID string `json:"targetParticipantId"`

	capability room.Capability
}

func (p *permissionRequestPayload) normalize() error {
	var err error
	if p.RoomID, err = cleanID("roomId", p.RoomID); err != nil {
		return err
	}
	if p.TargetParticipantID, err = cleanID("targetParticipantId", p.TargetParticipantID); err != nil {
		return err
	}
	capability, ok := room.ParseCapability(strings.TrimSpace(p.Capability))
	if !ok {
		return invalid("unknown capability %q", p.Capability)
	}
	p.capability = capability
	return nil
}

type permissionGrantPayload struct {
	RequesterID string `json:"requesterId"`
	Capability  string `json:"capability"`
	Granted     bool   `json:"granted"`

	capability room.Capability
}

func (p *permissionGrantPayload) normalize() error {
	var err error
	if p.RequesterID, err = cleanID("requesterId", p.RequesterID); err != nil {
		return err
	}
	capability, ok := room.ParseCapability(strings.TrimSpace(p.Capability))
	if !ok {
		return invalid("unknown capability %q", p.Capability)
	}
	p.capability = capability
	return nil
}
