// Package app composes the rooms process: the WebSocket and HTTP transport,
// the gRPC health endpoint, and the background broadcast and reaper loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	platformgrpc "github.com/physlab/roomsync/internal/platform/grpc"
	"github.com/physlab/roomsync/internal/platform/id"
	"github.com/physlab/roomsync/internal/platform/timeouts"
	"github.com/physlab/roomsync/internal/services/rooms/archive"
	"github.com/physlab/roomsync/internal/services/rooms/archive/memory"
	s3sink "github.com/physlab/roomsync/internal/services/rooms/archive/s3"
	sqlitesink "github.com/physlab/roomsync/internal/services/rooms/archive/sqlite"
	"github.com/physlab/roomsync/internal/services/rooms/broadcast"
	"github.com/physlab/roomsync/internal/services/rooms/gateway"
	"github.com/physlab/roomsync/internal/services/rooms/metrics"
	"github.com/physlab/roomsync/internal/services/rooms/reaper"
	"github.com/physlab/roomsync/internal/services/rooms/registry"
	"github.com/physlab/roomsync/internal/services/rooms/room"
	"github.com/physlab/roomsync/internal/services/rooms/snapshot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	gogrpc "google.golang.org/grpc"
)

// Archive drivers.
const (
	ArchiveDriverSQLite = "sqlite"
	ArchiveDriverS3     = "s3"
	ArchiveDriverMemory = "memory"
)

const defaultArchiveDBPath = "data/rooms-archive.db"

// ArchiveConfig selects where archived rooms are written.
type ArchiveConfig struct {
	Driver string
	DBPath string
	S3     s3sink.Config
}

// Config defines the inputs for the rooms process.
type Config struct {
	HTTPAddr            string
	GRPCAddr            string
	BroadcastInterval   time.Duration
	SweepInterval       time.Duration
	InactivityThreshold time.Duration
	DefaultCapacity     int
	ChatHistoryLimit    int
	ScoreIncrement      int
	SessionTokenSecret  string
	SessionTokenIssuer  string
	Archive             ArchiveConfig
	ReadHeaderTimeout   time.Duration
	ShutdownTimeout     time.Duration
}

// Server hosts the rooms HTTP/WebSocket and gRPC listeners.
type Server struct {
	httpAddr        string
	grpcAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	grpcServer      *gogrpc.Server

	gateway   *gateway.Gateway
	registry  *registry.Registry
	fanout    *broadcast.Fanout
	scheduler *broadcast.Scheduler
	reaper    *reaper.Reaper
	closeSink func() error
}

// NewServer builds a configured rooms server.
func NewServer(config Config) (*Server, error) {
	return NewServerWithContext(context.Background(), config)
}

// NewServerWithContext builds a configured rooms server with an explicit context.
func NewServerWithContext(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.DefaultCapacity < 0 {
		return nil, errors.New("default capacity must not be negative")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	sink, closeSink, err := openArchiveSink(ctx, config.Archive)
	if err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)
	snapshots := snapshot.NewStore(snapshot.DefaultMaxBytes)

	// The fanout delivers through the gateway, which is built after the
	// registry it routes to.
	var gw *gateway.Gateway
	fanout := broadcast.NewFanout(
		broadcast.DelivererFunc(func(participantID string, env room.Envelope) error {
			return gw.Deliver(participantID, env)
		}),
		func(roomID, participantID string, err error) {
			gw.DeliveryFailed(roomID, participantID, err)
		},
		m,
	)
	rooms := registry.New(registry.Options{
		DefaultCapacity: config.DefaultCapacity,
		DefaultSettings: room.Settings{
			ScoreIncrement:   config.ScoreIncrement,
			ChatHistoryLimit: config.ChatHistoryLimit,
		},
		Publisher: fanout.Publisher,
		OnRemove: func(roomID string) {
			fanout.Release(roomID)
			snapshots.Delete(roomID)
		},
	})
	gw = gateway.New(gateway.Options{Rooms: rooms, Metrics: m})

	grpcServer, _ := platformgrpc.NewServer(platformgrpc.RoomsHealthService)
	httpServer := &http.Server{
		Addr: httpAddr,
		Handler: newHandler(handlerDeps{
			gateway:   gw,
			rooms:     rooms,
			snapshots: snapshots,
			verifier:  NewTokenVerifier(config.SessionTokenSecret, config.SessionTokenIssuer),
			gatherer:  promRegistry,
			newID:     id.NewPrefixed,
		}),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		grpcAddr:        strings.TrimSpace(config.GRPCAddr),
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		grpcServer:      grpcServer,
		gateway:         gw,
		registry:        rooms,
		fanout:          fanout,
		scheduler:       broadcast.NewScheduler(rooms, snapshots, config.BroadcastInterval, m),
		reaper: reaper.New(rooms, reaper.Options{
			Interval:  config.SweepInterval,
			Threshold: config.InactivityThreshold,
			Sink:      sink,
			Metrics:   m,
		}),
		closeSink: closeSink,
	}, nil
}

func openArchiveSink(ctx context.Context, config ArchiveConfig) (archive.Sink, func() error, error) {
	noClose := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(config.Driver)) {
	case "", ArchiveDriverSQLite:
		path := strings.TrimSpace(config.DBPath)
		if path == "" {
			path = defaultArchiveDBPath
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create archive directory: %w", err)
		}
		store, err := sqlitesink.Open(ctx, path)
		if err != nil {
			return nil, nil, fmt.Errorf("open archive store: %w", err)
		}
		return store, store.Close, nil
	case ArchiveDriverS3:
		sink, err := s3sink.New(ctx, config.S3)
		if err != nil {
			return nil, nil, fmt.Errorf("open archive bucket: %w", err)
		}
		return sink, noClose, nil
	case ArchiveDriverMemory:
		return memory.New(), noClose, nil
	default:
		return nil, nil, fmt.Errorf("unknown archive driver %q", config.Driver)
	}
}

// Run creates and serves a rooms server until ctx ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServerWithContext(ctx, config)
	if err != nil {
		return fmt.Errorf("init rooms server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve rooms: %w", err)
	}
	return nil
}

// ListenAndServe runs the listeners and background loops until the context
// ends or a listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("rooms server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	var grpcListener net.Listener
	if s.grpcAddr != "" {
		listener, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("listen grpc %s: %w", s.grpcAddr, err)
		}
		grpcListener = listener
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		_ = s.scheduler.Run(loopCtx)
	}()
	go func() {
		defer loops.Done()
		_ = s.reaper.Run(loopCtx)
	}()

	serveErr := make(chan error, 2)
	log.Printf("rooms server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()
	if grpcListener != nil {
		log.Printf("rooms gRPC health listening on %s", grpcListener.Addr())
		go func() {
			serveErr <- s.grpcServer.Serve(grpcListener)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
		}
	}

	stopLoops()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutdown http server: %w", err)
	}
	s.gateway.CloseAll()
	if grpcListener != nil {
		s.grpcServer.GracefulStop()
	}
	loops.Wait()
	return runErr
}

// Close releases rooms, outboxes and the archive sink.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.registry != nil {
		s.registry.Close()
	}
	if s.fanout != nil {
		s.fanout.Close()
	}
	if s.closeSink != nil {
		if err := s.closeSink(); err != nil {
			log.Printf("close archive sink: %v", err)
		}
	}
}
