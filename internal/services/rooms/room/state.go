package room

import (
	"encoding/json"
	"slices"
	"time"

	apperrors "github.com/physlab/roomsync/internal/platform/errors"
)

type permissionKey struct {
	requesterID string
	capability  Capability
}

// state is the authoritative room data. Only the actor goroutine touches it.
type state struct {
	id        string
	name      string
	ownerID   string
	capacity  int
	settings  Settings
	createdAt time.Time

	members     map[string]*Participant
	memberOrder []string
	experiments map[string]*Experiment
	expOrder    []string
	chat        *boundedLog[ChatMessage]
	pending     map[permissionKey]string

	latestSnapshot json.RawMessage
	seq            int64
	lastActivityAt time.Time
	closed         bool

	now       func() time.Time
	newID     func(prefix string) (string, error)
	publisher Publisher
	// outgoing holds the current operation's deliveries until it returns.
	outgoing []Delivery
}

func newState(cfg Config) *state {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	created := now().UTC()
	settings := cfg.Settings.withDefaults()
	return &state{
		id:             cfg.ID,
		name:           cfg.Name,
		ownerID:        cfg.OwnerID,
		capacity:       cfg.Capacity,
		settings:       settings,
		createdAt:      created,
		members:        make(map[string]*Participant),
		experiments:    make(map[string]*Experiment),
		chat:           newBoundedLog[ChatMessage](settings.ChatHistoryLimit),
		pending:        make(map[permissionKey]string),
		lastActivityAt: created,
		now:            now,
		newID:          cfg.NewID,
		publisher:      cfg.Publisher,
	}
}

func (s *state) clock() time.Time {
	return s.now().UTC()
}

func (s *state) touch() {
	s.lastActivityAt = s.clock()
}

func (s *state) member(participantID string) (*Participant, error) {
	if s.closed {
		return nil, errRoomNotFound(s.id)
	}
	p, ok := s.members[participantID]
	if !ok {
		return nil, errNotAMember(participantID)
	}
	return p, nil
}

func (s *state) memberIDs() []string {
	return slices.Clone(s.memberOrder)
}

func (s *state) broadcast(kind PayloadKind, payload any, recipients []string) {
	s.seq++
	s.publish(kind, payload, recipients, false)
}

// direct sends to one member without consuming a sequence number.
func (s *state) direct(kind PayloadKind, payload any, participantID string) {
	s.publish(kind, payload, []string{participantID}, true)
}

func (s *state) publish(kind PayloadKind, payload any, recipients []string, direct bool) {
	if len(recipients) == 0 {
		return
	}
	s.outgoing = append(s.outgoing, Delivery{
		Envelope: Envelope{
			RoomID:         s.id,
			SequenceNumber: s.seq,
			PayloadKind:    kind,
			Payload:        payload,
			EmittedAt:      s.clock(),
			Direct:         direct,
		},
		Recipients: recipients,
	})
}

// flush hands buffered deliveries to the publisher in emission order and
// reports how many were accepted.
func (s *state) flush(accepted *int) {
	for len(s.outgoing) > 0 {
		delivery := s.outgoing[0]
		s.outgoing = s.outgoing[1:]
		s.publisher.Publish(delivery)
		*accepted++
	}
	s.outgoing = nil
}

func (s *state) join(profile Profile, requested []Capability) (MemberView, error) {
	if s.closed {
		return MemberView{}, errRoomNotFound(s.id)
	}
	if existing, ok := s.members[profile.ID]; ok {
		if profile.DisplayName != "" {
			existing.DisplayName = profile.DisplayName
		}
		if profile.AvatarRef != "" {
			existing.AvatarRef = profile.AvatarRef
		}
		existing.LastActivityAt = s.clock()
		s.touch()
		view := existing.view()
		s.direct(KindRoomJoined, RoomJoined{Participant: view, Room: s.view()}, profile.ID)
		return MemberView{Participant: view, MemberCount: len(s.members), Rejoined: true}, nil
	}
	if len(s.members) >= s.capacity {
		return MemberView{}, errRoomFull(s.id, s.capacity)
	}

	if s.ownerID == "" {
		s.ownerID = profile.ID
	}
	p := &Participant{
		ID:             profile.ID,
		DisplayName:    profile.DisplayName,
		AvatarRef:      profile.AvatarRef,
		Capabilities:   make(map[Capability]struct{}),
		CurrentRoomID:  s.id,
		LastActivityAt: s.clock(),
	}
	for _, capability := range s.grantedOnJoin(profile.ID, requested) {
		p.Capabilities[capability] = struct{}{}
	}
	s.members[p.ID] = p
	s.memberOrder = append(s.memberOrder, p.ID)
	s.touch()

	view := p.view()
	others := slices.DeleteFunc(s.memberIDs(), func(id string) bool { return id == p.ID })
	// The counter advances even when nobody else observes the join so the
	// joiner's baseline covers it.
	s.broadcast(KindUserJoined, UserJoined{Participant: view, MemberCount: len(s.members)}, others)
	s.direct(KindRoomJoined, RoomJoined{Participant: view, Room: s.view()}, p.ID)
	return MemberView{Participant: view, MemberCount: len(s.members)}, nil
}

func (s *state) grantedOnJoin(participantID string, requested []Capability) []Capability {
	if participantID == s.ownerID {
		return slices.Clone(allCapabilities)
	}
	granted := DefaultCapabilities()
	for _, capability := range requested {
		if slices.Contains(s.settings.OpenCapabilities, capability) && !slices.Contains(granted, capability) {
			granted = append(granted, capability)
		}
	}
	return granted
}

func (s *state) leave(participantID string) bool {
	if s.closed {
		return false
	}
	if _, ok := s.members[participantID]; !ok {
		return false
	}
	delete(s.members, participantID)
	s.memberOrder = slices.DeleteFunc(s.memberOrder, func(id string) bool { return id == participantID })
	for key, target := range s.pending {
		if key.requesterID == participantID || target == participantID {
			delete(s.pending, key)
		}
	}
	s.touch()

	s.broadcast(KindUserLeft, UserLeft{ParticipantID: participantID, MemberCount: len(s.members)}, s.memberIDs())
	s.abortOrphanedExperiments(participantID)
	return true
}

// abortOrphanedExperiments aborts non-terminal experiments created by
// departed when none of their other participants is still a member.
func (s *state) abortOrphanedExperiments(departed string) {
	for _, experimentID := range s.expOrder {
		exp := s.experiments[experimentID]
		if exp.CreatorID != departed || exp.Status.Terminal() {
			continue
		}
		remaining := slices.ContainsFunc(exp.ParticipantIDs, func(id string) bool {
			_, ok := s.members[id]
			return ok && id != departed
		})
		if remaining {
			continue
		}
		s.endExperiment(exp, StatusAborted)
		exp.AbortReason = AbortReasonCreatorDeparted
		s.broadcast(KindExperimentAborted, ExperimentAborted{
			ExperimentID: exp.ID,
			Reason:       AbortReasonCreatorDeparted,
		}, s.memberIDs())
	}
}

func (s *state) postChat(participantID, text string) (ChatMessage, error) {
	p, err := s.member(participantID)
	if err != nil {
		return ChatMessage{}, err
	}
	if !p.has(CapabilityChat) {
		return ChatMessage{}, errPermissionDenied(CapabilityChat)
	}
	messageID, err := s.generateID("msg")
	if err != nil {
		return ChatMessage{}, err
	}
	msg := ChatMessage{
		ID:            messageID,
		RoomID:        s.id,
		ParticipantID: p.ID,
		DisplayName:   p.DisplayName,
		Text:          text,
		SentAt:        s.clock(),
	}
	s.chat.append(msg)
	p.LastActivityAt = msg.SentAt
	s.touch()
	s.broadcast(KindChatMessage, msg, s.memberIDs())
	return msg, nil
}

// StartExperiment describes a new experiment.
type StartExperiment struct {
	Type                  string
	Parameters            json.RawMessage
	InvitedParticipantIDs []string
}

func (s *state) createExperiment(creatorID string, req StartExperiment) (Experiment, error) {
	creator, err := s.member(creatorID)
	if err != nil {
		return Experiment{}, err
	}
	if !creator.has(CapabilityExperimentCreate) {
		return Experiment{}, errPermissionDenied(CapabilityExperimentCreate)
	}
	if req.Type == "" {
		return Experiment{}, errValidation("experiment type is required")
	}
	if len(s.experiments) >= s.settings.MaxExperiments && !s.evictTerminalExperiment() {
		return Experiment{}, errInvalidState("too many active experiments in this room", StatusRunning)
	}
	experimentID, err := s.generateID("exp")
	if err != nil {
		return Experiment{}, err
	}

	participants := []string{creatorID}
	for _, invited := range req.InvitedParticipantIDs {
		if _, ok := s.members[invited]; !ok || slices.Contains(participants, invited) {
			continue
		}
		participants = append(participants, invited)
	}
	exp := &Experiment{
		ID:             experimentID,
		Type:           req.Type,
		CreatorID:      creatorID,
		ParticipantIDs: participants,
		Parameters:     slices.Clone(req.Parameters),
		Status:         StatusCreated,
		StartedAt:      s.clock(),
	}
	s.experiments[exp.ID] = exp
	s.expOrder = append(s.expOrder, exp.ID)
	for _, participantID := range participants {
		s.members[participantID].CurrentExperimentID = exp.ID
	}
	creator.LastActivityAt = exp.StartedAt
	s.touch()

	out := exp.clone()
	s.broadcast(KindExperimentStarted, ExperimentStarted{Experiment: out}, s.memberIDs())
	return out, nil
}

// evictTerminalExperiment drops the oldest completed or aborted experiment.
func (s *state) evictTerminalExperiment() bool {
	for i, experimentID := range s.expOrder {
		if s.experiments[experimentID].Status.Terminal() {
			delete(s.experiments, experimentID)
			s.expOrder = slices.Delete(s.expOrder, i, i+1)
			return true
		}
	}
	return false
}

// experimentFor resolves an experiment the caller participates in and may
// still act on.
func (s *state) experimentFor(experimentID, participantID string) (*Experiment, *Participant, error) {
	if s.closed {
		return nil, nil, errRoomNotFound(s.id)
	}
	exp, ok := s.experiments[experimentID]
	if !ok {
		return nil, nil, errExperimentNotFound(experimentID)
	}
	if !exp.hasParticipant(participantID) {
		return nil, nil, errNotAParticipant(experimentID)
	}
	p, ok := s.members[participantID]
	if !ok {
		return nil, nil, errNotAMember(participantID)
	}
	if exp.Status.Terminal() {
		return nil, nil, errInvalidState("experiment has already ended", exp.Status)
	}
	return exp, p, nil
}

func (s *state) updateExperiment(experimentID, participantID, kind string, data json.RawMessage) (Experiment, error) {
	exp, p, err := s.experimentFor(experimentID, participantID)
	if err != nil {
		return Experiment{}, err
	}
	if exp.Status == StatusCreated {
		exp.Status = StatusRunning
	}
	update := Update{
		ParticipantID: participantID,
		Kind:          kind,
		Data:          slices.Clone(data),
		At:            s.clock(),
	}
	exp.DataPoints = append(exp.DataPoints, update)
	if overflow := len(exp.DataPoints) - s.settings.MaxDataPoints; overflow > 0 {
		exp.DataPoints = slices.Delete(exp.DataPoints, 0, overflow)
	}
	p.LastActivityAt = update.At
	s.touch()
	s.broadcast(KindExperimentUpdated, ExperimentUpdated{
		ExperimentID: exp.ID,
		Status:       exp.Status,
		Update:       update,
	}, s.memberIDs())
	return exp.clone(), nil
}

func (s *state) completeExperiment(experimentID, participantID string, results json.RawMessage) (ScoreDelta, error) {
	exp, p, err := s.experimentFor(experimentID, participantID)
	if err != nil {
		return nil, err
	}
	exp.Results = slices.Clone(results)
	s.endExperiment(exp, StatusCompleted)

	deltas := make(ScoreDelta)
	for _, id := range exp.ParticipantIDs {
		member, ok := s.members[id]
		if !ok {
			continue
		}
		member.ContributionScore += s.settings.ScoreIncrement
		deltas[id] = s.settings.ScoreIncrement
	}
	p.LastActivityAt = s.clock()
	s.touch()
	s.broadcast(KindExperimentCompleted, ExperimentCompleted{
		ExperimentID: exp.ID,
		Results:      exp.Results,
		ScoreDeltas:  deltas,
	}, s.memberIDs())

	out := make(ScoreDelta, len(deltas))
	for id, delta := range deltas {
		out[id] = delta
	}
	return out, nil
}

func (s *state) abortExperiment(experimentID, participantID, reason string) error {
	if s.closed {
		return errRoomNotFound(s.id)
	}
	exp, ok := s.experiments[experimentID]
	if !ok {
		return errExperimentNotFound(experimentID)
	}
	p, ok := s.members[participantID]
	if !ok {
		return errNotAMember(participantID)
	}
	if exp.CreatorID != participantID {
		return apperrors.New(apperrors.CodePermissionDenied, "only the experiment creator may abort it")
	}
	if exp.Status.Terminal() {
		return errInvalidState("experiment has already ended", exp.Status)
	}
	if reason == "" {
		reason = "aborted"
	}
	s.endExperiment(exp, StatusAborted)
	exp.AbortReason = reason
	p.LastActivityAt = s.clock()
	s.touch()
	s.broadcast(KindExperimentAborted, ExperimentAborted{
		ExperimentID: exp.ID,
		Reason:       reason,
		AbortedBy:    participantID,
	}, s.memberIDs())
	return nil
}

func (s *state) endExperiment(exp *Experiment, status ExperimentStatus) {
	ended := s.clock()
	exp.Status = status
	exp.EndedAt = &ended
	for _, id := range exp.ParticipantIDs {
		if member, ok := s.members[id]; ok && member.CurrentExperimentID == exp.ID {
			member.CurrentExperimentID = ""
		}
	}
}

func (s *state) requestPermission(requesterID string, capability Capability, targetID string) error {
	requester, err := s.member(requesterID)
	if err != nil {
		return err
	}
	target, ok := s.members[targetID]
	if !ok {
		return errNotAMember(targetID)
	}
	if !target.has(CapabilityPermissionGrant) {
		return apperrors.WithMetadata(apperrors.CodePermissionDenied, "target cannot grant capabilities", map[string]string{"participantId": targetID})
	}
	requester.LastActivityAt = s.clock()
	s.touch()
	if requester.has(capability) {
		return nil
	}
	s.pending[permissionKey{requesterID: requesterID, capability: capability}] = targetID
	s.direct(KindPermissionRequested, PermissionRequested{RequesterID: requesterID, Capability: capability}, targetID)
	return nil
}

func (s *state) grantPermission(granterID, requesterID string, capability Capability, granted bool) error {
	granter, err := s.member(granterID)
	if err != nil {
		return err
	}
	if !granter.has(CapabilityPermissionGrant) {
		return errPermissionDenied(CapabilityPermissionGrant)
	}
	key := permissionKey{requesterID: requesterID, capability: capability}
	if _, ok := s.pending[key]; !ok {
		return errPermissionRequestNotFound(requesterID, capability)
	}
	requester, ok := s.members[requesterID]
	if !ok {
		return errNotAMember(requesterID)
	}
	delete(s.pending, key)
	if granted {
		requester.Capabilities[capability] = struct{}{}
	}
	granter.LastActivityAt = s.clock()
	s.touch()
	s.broadcast(KindPermissionUpdated, PermissionUpdated{
		ParticipantID: requesterID,
		Capability:    capability,
		Granted:       granted,
		DecidedBy:     granterID,
		Capabilities:  requester.view().Capabilities,
	}, s.memberIDs())
	return nil
}

// syncState broadcasts the current state to every member. Rooms without
// members are skipped.
func (s *state) syncState(snapshot json.RawMessage) (bool, error) {
	if s.closed {
		return false, errRoomNotFound(s.id)
	}
	if snapshot != nil {
		s.latestSnapshot = slices.Clone(snapshot)
	}
	if len(s.members) == 0 {
		return false, nil
	}
	s.seq++
	s.publish(KindStateSync, StateSync{Snapshot: s.latestSnapshot, Room: s.view()}, s.memberIDs(), false)
	return true, nil
}

func (s *state) resync(participantID string) error {
	if _, err := s.member(participantID); err != nil {
		return err
	}
	s.direct(KindStateSync, StateSync{Snapshot: s.latestSnapshot, Room: s.view()}, participantID)
	return nil
}

// archive closes the room when it is still empty and idle past threshold.
func (s *state) archive(now time.Time, threshold time.Duration) (Archive, bool) {
	if s.closed || len(s.members) > 0 || now.Sub(s.lastActivityAt) <= threshold {
		return Archive{}, false
	}
	s.closed = true
	experiments := make([]Experiment, 0, len(s.expOrder))
	for _, experimentID := range s.expOrder {
		experiments = append(experiments, s.experiments[experimentID].clone())
	}
	return Archive{
		RoomID:         s.id,
		Name:           s.name,
		OwnerID:        s.ownerID,
		Settings:       s.settings,
		SequenceNumber: s.seq,
		ChatHistory:    s.chat.snapshot(),
		Experiments:    experiments,
		LatestSnapshot: slices.Clone(s.latestSnapshot),
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
		ArchivedAt:     now.UTC(),
	}, true
}

func (s *state) view() View {
	members := make([]ParticipantView, 0, len(s.memberOrder))
	for _, id := range s.memberOrder {
		members = append(members, s.members[id].view())
	}
	experiments := make([]Experiment, 0, len(s.expOrder))
	for _, id := range s.expOrder {
		experiments = append(experiments, s.experiments[id].clone())
	}
	settings := s.settings
	settings.OpenCapabilities = slices.Clone(settings.OpenCapabilities)
	return View{
		ID:             s.id,
		Name:           s.name,
		OwnerID:        s.ownerID,
		Capacity:       s.capacity,
		Settings:       settings,
		Members:        members,
		Experiments:    experiments,
		ChatHistory:    s.chat.snapshot(),
		SequenceNumber: s.seq,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
	}
}

func (s *state) summary() Summary {
	return Summary{
		ID:              s.id,
		Name:            s.name,
		Capacity:        s.capacity,
		MemberCount:     len(s.members),
		ExperimentCount: len(s.experiments),
		SequenceNumber:  s.seq,
		CreatedAt:       s.createdAt,
		LastActivityAt:  s.lastActivityAt,
		Closed:          s.closed,
	}
}

func (s *state) generateID(prefix string) (string, error) {
	value, err := s.newID(prefix)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "generate id", err)
	}
	return value, nil
}
