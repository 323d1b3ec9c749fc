package room

import (
	"encoding/json"
	"slices"
	"time"
)

// Capability is a permission a participant holds inside one room.
type Capability string

const (
	CapabilityView             Capability = "view"
	CapabilityChat             Capability = "chat"
	CapabilityExperimentCreate Capability = "experiment.create"
	CapabilityPermissionGrant  Capability = "permission.grant"
)

var allCapabilities = []Capability{
	CapabilityView,
	CapabilityChat,
	CapabilityExperimentCreate,
	CapabilityPermissionGrant,
}

// ParseCapability reports whether value names a known capability.
func ParseCapability(value string) (Capability, bool) {
	capability := Capability(value)
	if slices.Contains(allCapabilities, capability) {
		return capability, true
	}
	return "", false
}

// DefaultCapabilities are granted to every participant on join.
func DefaultCapabilities() []Capability {
	return []Capability{CapabilityView, CapabilityChat}
}

// Profile is the caller-supplied identity used to join a room.
type Profile struct {
	ID          string
	DisplayName string
	AvatarRef   string
}

// Participant is a current room member. It is owned by the room state and
// never escapes the actor; callers receive ParticipantView copies.
type Participant struct {
	ID                  string
	DisplayName         string
	AvatarRef           string
	Capabilities        map[Capability]struct{}
	ContributionScore   int
	CurrentRoomID       string
	CurrentExperimentID string
	LastActivityAt      time.Time
}

func (p *Participant) has(capability Capability) bool {
	_, ok := p.Capabilities[capability]
	return ok
}

func (p *Participant) view() ParticipantView {
	capabilities := make([]Capability, 0, len(p.Capabilities))
	for _, capability := range allCapabilities {
		if p.has(capability) {
			capabilities = append(capabilities, capability)
		}
	}
	return ParticipantView{
		ID:                  p.ID,
		DisplayName:         p.DisplayName,
		AvatarRef:           p.AvatarRef,
		Capabilities:        capabilities,
		ContributionScore:   p.ContributionScore,
		CurrentRoomID:       p.CurrentRoomID,
		CurrentExperimentID: p.CurrentExperimentID,
		LastActivityAt:      p.LastActivityAt,
	}
}

// ParticipantView is an immutable copy of a member for broadcast and replies.
type ParticipantView struct {
	ID                  string       `json:"id"`
	DisplayName         string       `json:"displayName"`
	AvatarRef           string       `json:"avatarRef,omitempty"`
	Capabilities        []Capability `json:"capabilities"`
	ContributionScore   int          `json:"contributionScore"`
	CurrentRoomID       string       `json:"currentRoomId,omitempty"`
	CurrentExperimentID string       `json:"currentExperimentId,omitempty"`
	LastActivityAt      time.Time    `json:"lastActivityAt"`
}

// ChatMessage is one entry of a room's bounded chat history.
type ChatMessage struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"roomId"`
	ParticipantID string    `json:"participantId"`
	DisplayName   string    `json:"displayName"`
	Text          string    `json:"text"`
	SentAt        time.Time `json:"sentAt"`
}

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	StatusCreated   ExperimentStatus = "created"
	StatusRunning   ExperimentStatus = "running"
	StatusCompleted ExperimentStatus = "completed"
	StatusAborted   ExperimentStatus = "aborted"
)

// Terminal reports whether no further transition is allowed.
func (s ExperimentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// AbortReasonCreatorDeparted is recorded when the creator leaves and no other
// experiment participant remains in the room.
const AbortReasonCreatorDeparted = "creator_departed"

// Update is one data point submitted to an experiment.
type Update struct {
	ParticipantID string          `json:"participantId"`
	Kind          string          `json:"updateKind"`
	Data          json.RawMessage `json:"data,omitempty"`
	At            time.Time       `json:"at"`
}

// Experiment is a collaborative session tracked inside one room.
type Experiment struct {
	ID             string           `json:"id"`
	Type           string           `json:"type"`
	CreatorID      string           `json:"creatorId"`
	ParticipantIDs []string         `json:"participantIds"`
	Parameters     json.RawMessage  `json:"parameters,omitempty"`
	Status         ExperimentStatus `json:"status"`
	AbortReason    string           `json:"abortReason,omitempty"`
	DataPoints     []Update         `json:"dataPoints"`
	Results        json.RawMessage  `json:"results,omitempty"`
	StartedAt      time.Time        `json:"startedAt"`
	EndedAt        *time.Time       `json:"endedAt,omitempty"`
}

func (e *Experiment) hasParticipant(participantID string) bool {
	return slices.Contains(e.ParticipantIDs, participantID)
}

func (e *Experiment) clone() Experiment {
	out := *e
	out.ParticipantIDs = slices.Clone(e.ParticipantIDs)
	out.DataPoints = slices.Clone(e.DataPoints)
	if out.DataPoints == nil {
		out.DataPoints = []Update{}
	}
	if e.EndedAt != nil {
		endedAt := *e.EndedAt
		out.EndedAt = &endedAt
	}
	return out
}

// ScoreDelta maps participant ids to the contribution awarded by a completion.
type ScoreDelta map[string]int

// Settings tune one room. Zero values are replaced by DefaultSettings.
type Settings struct {
	OpenCapabilities []Capability `json:"openCapabilities,omitempty"`
	ScoreIncrement   int          `json:"scoreIncrement,omitempty"`
	ChatHistoryLimit int          `json:"chatHistoryLimit,omitempty"`
	MaxExperiments   int          `json:"maxExperiments,omitempty"`
	MaxDataPoints    int          `json:"maxDataPoints,omitempty"`
}

// DefaultSettings returns the settings applied to rooms created without any.
func DefaultSettings() Settings {
	return Settings{
		OpenCapabilities: []Capability{CapabilityExperimentCreate},
		ScoreIncrement:   10,
		ChatHistoryLimit: 100,
		MaxExperiments:   50,
		MaxDataPoints:    1000,
	}
}

func (s Settings) withDefaults() Settings {
	defaults := DefaultSettings()
	if s.OpenCapabilities == nil {
		s.OpenCapabilities = defaults.OpenCapabilities
	}
	if s.ScoreIncrement <= 0 {
		s.ScoreIncrement = defaults.ScoreIncrement
	}
	if s.ChatHistoryLimit <= 0 {
		s.ChatHistoryLimit = defaults.ChatHistoryLimit
	}
	if s.MaxExperiments <= 0 {
		s.MaxExperiments = defaults.MaxExperiments
	}
	if s.MaxDataPoints <= 0 {
		s.MaxDataPoints = defaults.MaxDataPoints
	}
	s.OpenCapabilities = slices.Clone(s.OpenCapabilities)
	return s
}

// Summary is the directory entry for a room. Registry reads may observe a
// summary that is slightly behind the actor.
type Summary struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Capacity        int       `json:"capacity"`
	MemberCount     int       `json:"memberCount"`
	ExperimentCount int       `json:"experimentCount"`
	SequenceNumber  int64     `json:"sequenceNumber"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	Closed          bool      `json:"closed,omitempty"`
}

// View is a full, immutable copy of room state.
type View struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	OwnerID        string            `json:"ownerId,omitempty"`
	Capacity       int               `json:"capacity"`
	Settings       Settings          `json:"settings"`
	Members        []ParticipantView `json:"members"`
	Experiments    []Experiment      `json:"experiments"`
	ChatHistory    []ChatMessage     `json:"chatHistory"`
	SequenceNumber int64             `json:"sequenceNumber"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
}

// MemberView is returned to a participant after a successful join.
type MemberView struct {
	Participant ParticipantView `json:"participant"`
	MemberCount int             `json:"memberCount"`
	Rejoined    bool            `json:"rejoined,omitempty"`
}

// Archive is the final state of a room handed to the archival sink.
type Archive struct {
	RoomID         string          `json:"roomId"`
	Name           string          `json:"name"`
	OwnerID        string          `json:"ownerId,omitempty"`
	Settings       Settings        `json:"settings"`
	SequenceNumber int64           `json:"sequenceNumber"`
	ChatHistory    []ChatMessage   `json:"chatHistory"`
	Experiments    []Experiment    `json:"experiments"`
	LatestSnapshot json.RawMessage `json:"latestSnapshot,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastActivityAt time.Time       `json:"lastActivityAt"`
	ArchivedAt     time.Time       `json:"archivedAt"`
}
