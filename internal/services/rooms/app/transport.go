package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "github.com/physlab/roomsync/internal/platform/errors"
	"github.com/physlab/roomsync/internal/platform/timeouts"
	"github.com/physlab/roomsync/internal/services/rooms/gateway"
	"github.com/physlab/roomsync/internal/services/rooms/room"
	"github.com/physlab/roomsync/internal/services/rooms/snapshot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
	maxAnonymousNameRunes  = 64
)

type roomLister interface {
	ListActive() []room.Summary
}

type handlerDeps struct {
	gateway   *gateway.Gateway
	rooms     roomLister
	snapshots *snapshot.Store
	verifier  *TokenVerifier
	gatherer  prometheus.Gatherer
	newID     func(prefix string) (string, error)
}

type identityContextKey struct{}

type roomsResponse struct {
	Rooms []room.Summary `json:"rooms"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newHandler(deps handlerDeps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, deps.gateway)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		identity, err := resolveIdentity(r, deps.verifier, deps.newID)
		if err != nil {
			log.Printf("rooms: websocket unauthorized for host=%q remote=%s: %v", r.Host, r.RemoteAddr, err)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	})

	mux.HandleFunc("GET /rooms", func(w http.ResponseWriter, r *http.Request) {
		rooms := deps.rooms.ListActive()
		if rooms == nil {
			rooms = []room.Summary{}
		}
		writeJSON(w, http.StatusOK, roomsResponse{Rooms: rooms})
	})

	mux.HandleFunc("PUT /rooms/{roomID}/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if deps.verifier != nil {
			if _, err := deps.verifier.Verify(sessionTokenFromRequest(r)); err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
		}
		roomID := strings.TrimSpace(r.PathValue("roomID"))
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, snapshot.DefaultMaxBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, apperrors.New(apperrors.CodeValidationFailed, "snapshot is too large"))
				return
			}
			writeError(w, http.StatusBadRequest, apperrors.New(apperrors.CodeValidationFailed, "read snapshot body"))
			return
		}
		if err := deps.snapshots.Put(roomID, body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if deps.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func resolveIdentity(r *http.Request, verifier *TokenVerifier, newID func(string) (string, error)) (gateway.Identity, error) {
	locale := gateway.MatchLocale(r.Header.Get("Accept-Language"))
	if verifier != nil {
		session, err := verifier.Verify(sessionTokenFromRequest(r))
		if err != nil {
			return gateway.Identity{}, err
		}
		return gateway.Identity{ParticipantID: session.ParticipantID, DisplayName: session.DisplayName, Locale: locale}, nil
	}

	participantID, err := newID("guest")
	if err != nil {
		return gateway.Identity{}, err
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if runes := []rune(name); len(runes) > maxAnonymousNameRunes {
		name = string(runes[:maxAnonymousNameRunes])
	}
	return gateway.Identity{ParticipantID: participantID, DisplayName: name, Locale: locale}, nil
}

func handleWSConn(conn *websocket.Conn, gw *gateway.Gateway) {
	defer func() {
		_ = conn.Close()
	}()

	request := conn.Request()
	identity, ok := request.Context().Value(identityContextKey{}).(gateway.Identity)
	if !ok {
		return
	}
	connectionID, err := gw.Connect(identity, newWSConn(conn))
	if err != nil {
		log.Printf("rooms: register connection for %s: %v", identity.ParticipantID, err)
		return
	}
	defer gw.Disconnect(connectionID)

	ctx := request.Context()
	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame gateway.Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			gw.Reject(connectionID, "", apperrors.New(apperrors.CodeValidationFailed, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			gw.Reject(connectionID, frame.RequestID, apperrors.New(apperrors.CodeValidationFailed, "payload too large"))
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			gw.Reject(connectionID, frame.RequestID, apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded"))
			return
		}

		gw.Handle(ctx, connectionID, frame)
	}
}

// wsConn serializes writes to one WebSocket. Room deliveries and direct
// replies reach it from different goroutines.
type wsConn struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	encoder *json.Encoder
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, encoder: json.NewEncoder(conn)}
}

func (c *wsConn) Send(frame gateway.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeouts.WebSocketWrite))
	return c.encoder.Encode(frame)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	code := apperrors.CodeOf(err)
	message := "internal error"
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		message = domainErr.Message
	}
	writeJSON(w, status, errorResponse{Code: string(code), Message: message})
}
