// Package gateway terminates client connections. It validates inbound
// events, routes them to the owning room, answers the origin connection with
// an ack or roomError, and delivers room envelopes back to connections.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	apperrors "github.com/physlab/roomsync/internal/platform/errors"
	"github.com/physlab/roomsync/internal/platform/id"
	platformotel "github.com/physlab/roomsync/internal/platform/otel"
	"github.com/physlab/roomsync/internal/platform/timeouts"
	"github.com/physlab/roomsync/internal/services/rooms/metrics"
	"github.com/physlab/roomsync/internal/services/rooms/registry"
	"github.com/physlab/roomsync/internal/services/rooms/room"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"
)

// ErrNoConnection is returned by Deliver when the participant has no open
// connection.
var ErrNoConnection = errors.New("participant has no open connection")

// Conn is the write side of one client connection.
type Conn interface {
	Send(Frame) error
	Close() error
}

// Identity is the authenticated caller of a connection.
type Identity struct {
	ParticipantID string
	DisplayName   string
	Locale        language.Tag
}

// Rooms is the registry surface the gateway routes through.
type Rooms interface {
	GetOrCreate(roomID string, defaults registry.Defaults) (*room.Room, bool, error)
	Create(defaults registry.Defaults) (*room.Room, error)
	Get(roomID string) (*room.Room, error)
}

// Options configure a Gateway.
type Options struct {
	Rooms   Rooms
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	NewID   func(prefix string) (string, error)
}

type connection struct {
	id       string
	identity Identity
	conn     Conn

	mu     sync.Mutex
	roomID string
}

func (c *connection) currentRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *connection) setRoom(roomID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous := c.roomID
	c.roomID = roomID
	return previous
}

// clearRoom resets the current room if it is still roomID.
func (c *connection) clearRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomID != roomID {
		return false
	}
	c.roomID = ""
	return true
}

type reply struct {
	frameType string
	payload   any
	after     []Frame
}

type handlerFunc func(ctx context.Context, c *connection, payload json.RawMessage) (reply, error)

// Gateway owns the connection table. Each participant has at most one live
// connection; a newer connection supersedes the older one.
type Gateway struct {
	rooms    Rooms
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	newID    func(prefix string) (string, error)
	handlers map[string]handlerFunc

	mu            sync.RWMutex
	connections   map[string]*connection
	byParticipant map[string]*connection
}

// New constructs a gateway.
func New(opts Options) *Gateway {
	if opts.Tracer == nil {
		opts.Tracer = platformotel.Tracer("roomsync/gateway")
	}
	if opts.NewID == nil {
		opts.NewID = id.NewPrefixed
	}
	g := &Gateway{
		rooms:         opts.Rooms,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
		newID:         opts.NewID,
		connections:   make(map[string]*connection),
		byParticipant: make(map[string]*connection),
	}
	g.handlers = map[string]handlerFunc{
		TypeCreateRoom:        bind(g.createRoom),
		TypeJoinRoom:          bind(g.joinRoom),
		TypeLeaveRoom:         bind(g.leaveRoom),
		TypeChatMessage:       bind(g.postChat),
		TypeStartExperiment:   bind(g.startExperiment),
		TypeExperimentUpdate:  bind(g.updateExperiment),
		TypeExperimentResult:  bind(g.completeExperiment),
		TypeExperimentAbort:   bind(g.abortExperiment),
		TypePermissionRequest: bind(g.requestPermission),
		TypePermissionGrant:   bind(g.grantPermission),
		TypeResync:            bind(g.resync),
	}
	return g
}

// bind decodes and normalizes the payload before calling fn.
func bind[T any, PT interface {
	*T
	normalize() error
}](fn func(context.Context, *connection, T) (reply, error)) handlerFunc {
	return func(ctx context.Context, c *connection, payload json.RawMessage) (reply, error) {
		var req T
		if err := decodeStrict(payload, &req); err != nil {
			return reply{}, err
		}
		if err := PT(&req).normalize(); err != nil {
			return reply{}, err
		}
		return fn(ctx, c, req)
	}
}

// Connect registers a connection and returns its id.
func (g *Gateway) Connect(identity Identity, conn Conn) (string, error) {
	participantID := strings.TrimSpace(identity.ParticipantID)
	if participantID == "" {
		return "", apperrors.New(apperrors.CodeUnauthenticated, "participant id is required")
	}
	identity.ParticipantID = participantID
	if identity.Locale == language.Und {
		identity.Locale = language.English
	}
	connectionID, err := g.newID("conn")
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "generate connection id", err)
	}
	c := &connection{id: connectionID, identity: identity, conn: conn}

	g.mu.Lock()
	previous := g.byParticipant[participantID]
	if previous != nil {
		delete(g.connections, previous.id)
		c.roomID = previous.setRoom("")
	}
	g.connections[connectionID] = c
	g.byParticipant[participantID] = c
	g.mu.Unlock()

	g.metrics.ConnectionOpened()
	if previous != nil {
		log.Printf("rooms: connection %s supersedes %s for participant %s", connectionID, previous.id, participantID)
		g.metrics.ConnectionClosed()
		_ = previous.conn.Close()
	}
	return connectionID, nil
}

// Disconnect unregisters a connection and leaves its room. It is safe to
// call more than once.
func (g *Gateway) Disconnect(connectionID string) {
	g.mu.Lock()
	c, ok := g.connections[connectionID]
	if ok {
		delete(g.connections, connectionID)
		if g.byParticipant[c.identity.ParticipantID] == c {
			delete(g.byParticipant, c.identity.ParticipantID)
		}
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	g.metrics.ConnectionClosed()
	if roomID := c.setRoom(""); roomID != "" {
		g.implicitLeave(roomID, c.identity.ParticipantID)
	}
}

// ConnectionCount returns the number of registered connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.connections)
}

// CloseAll closes every registered connection. Transports observe the close
// and call Disconnect.
func (g *Gateway) CloseAll() {
	g.mu.RLock()
	open := make([]*connection, 0, len(g.connections))
	for _, c := range g.connections {
		open = append(open, c)
	}
	g.mu.RUnlock()
	for _, c := range open {
		_ = c.conn.Close()
	}
}

func (g *Gateway) connection(connectionID string) *connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.connections[connectionID]
}

func (g *Gateway) implicitLeave(roomID, participantID string) {
	target, err := g.rooms.Get(roomID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.ImplicitLeave)
	defer cancel()
	if _, err := target.Leave(ctx, participantID); err != nil && !apperrors.IsCode(err, apperrors.CodeRoomNotFound) {
		log.Printf("rooms: implicit leave of %s from %s: %v", participantID, roomID, err)
	}
}

// Handle processes one inbound frame from connectionID. The reply is written
// to the same connection before Handle returns, so events from one
// connection are applied in arrival order.
func (g *Gateway) Handle(ctx context.Context, connectionID string, frame Frame) {
	c := g.connection(connectionID)
	if c == nil {
		return
	}
	ctx, span := g.tracer.Start(ctx, "rooms.gateway/"+frame.Type, trace.WithAttributes(
		attribute.String("rooms.connection_id", connectionID),
		attribute.String("rooms.participant_id", c.identity.ParticipantID),
		attribute.String("rooms.event_type", frame.Type),
	))
	defer span.End()

	handler, ok := g.handlers[frame.Type]
	if !ok {
		err := invalid("unsupported event type %q", frame.Type)
		g.fail(span, c, frame.RequestID, err)
		return
	}
	result, err := handler(ctx, c, frame.Payload)
	if err != nil {
		g.fail(span, c, frame.RequestID, err)
		return
	}
	if result.frameType == "" {
		result.frameType = TypeAck
	}
	if err := c.conn.Send(Frame{Type: result.frameType, RequestID: frame.RequestID, Payload: mustJSON(result.payload)}); err != nil {
		log.Printf("rooms: write %s to %s: %v", result.frameType, connectionID, err)
	}
	for _, follow := range result.after {
		_ = c.conn.Send(follow)
	}
}

// Reject writes a roomError to connectionID without dispatching anything.
func (g *Gateway) Reject(connectionID, requestID string, err error) {
	c := g.connection(connectionID)
	if c == nil {
		return
	}
	g.metrics.Rejected(string(apperrors.CodeOf(err)))
	_ = c.conn.Send(errorFrame(requestID, err))
}

func (g *Gateway) fail(span trace.Span, c *connection, requestID string, err error) {
	code := apperrors.CodeOf(err)
	span.SetAttributes(attribute.String("rooms.error_code", string(code)))
	span.SetStatus(codes.Error, string(code))
	if code == apperrors.CodeInternal {
		log.Printf("rooms: participant %s request %q failed: %v", c.identity.ParticipantID, requestID, err)
	}
	g.metrics.Rejected(string(code))
	_ = c.conn.Send(errorFrame(requestID, err))
}

// Deliver writes a room envelope to the participant's connection.
func (g *Gateway) Deliver(participantID string, env room.Envelope) error {
	g.mu.RLock()
	c := g.byParticipant[participantID]
	g.mu.RUnlock()
	if c == nil {
		return ErrNoConnection
	}
	if err := c.conn.Send(envelopeFrame(env)); err != nil {
		return fmt.Errorf("send to connection %s: %w", c.id, err)
	}
	return nil
}

// DeliveryFailed treats a failed delivery as a departure: the connection is
// closed and the participant leaves the room. It returns immediately.
func (g *Gateway) DeliveryFailed(roomID, participantID string, _ error) {
	go func() {
		g.mu.RLock()
		c := g.byParticipant[participantID]
		g.mu.RUnlock()
		if c != nil {
			c.clearRoom(roomID)
			_ = c.conn.Close()
		}
		g.implicitLeave(roomID, participantID)
	}()
}

func asDomainError(err error) (*apperrors.Error, bool) {
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		return domainErr, true
	}
	return nil, false
}

// lookup resolves roomID through the registry and checks the handle.
func (g *Gateway) lookup(roomID string) (*room.Room, error) {
	target, err := g.rooms.Get(roomID)
	if err != nil {
		return nil, err
	}
	if target.ID() != roomID {
		log.Printf("rooms: registry returned room %s for %s", target.ID(), roomID)
		return nil, apperrors.New(apperrors.CodeInternal, "room lookup mismatch")
	}
	return target, nil
}

// memberRoom returns the room the connection has joined, requiring it to be
// roomID when roomID is set.
func (g *Gateway) memberRoom(c *connection, roomID string) (*room.Room, error) {
	current := c.currentRoom()
	if current == "" || (roomID != "" && current != roomID) {
		return nil, apperrors.WithMetadata(apperrors.CodeNotAMember, "join the room first", map[string]string{"roomId": roomID})
	}
	return g.lookup(current)
}
