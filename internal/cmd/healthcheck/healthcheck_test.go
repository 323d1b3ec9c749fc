package healthcheck

import (
	"context"
	"errors"
	"flag"
	"net"
	"testing"
	"time"

	platformgrpc "github.com/physlab/roomsync/internal/platform/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(flag.NewFlagSet("healthcheck", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Addr != "localhost:8091" || cfg.Service != platformgrpc.RoomsHealthService || cfg.Timeout != 3*time.Second {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestParseConfigRequiresAddr(t *testing.T) {
	if _, err := ParseConfig(flag.NewFlagSet("healthcheck", flag.ContinueOnError), []string{"-addr", " "}); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestRunSucceedsAgainstServingServer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	grpcServer, _ := platformgrpc.NewServer(platformgrpc.RoomsHealthService)
	go func() {
		_ = grpcServer.Serve(listener)
	}()
	t.Cleanup(grpcServer.Stop)

	cfg := Config{Addr: listener.Addr().String(), Service: platformgrpc.RoomsHealthService, Timeout: 3 * time.Second}
	if err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunFailsWhenNotServing(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	grpcServer, health := platformgrpc.NewServer(platformgrpc.RoomsHealthService)
	health.SetServingStatus(platformgrpc.RoomsHealthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	go func() {
		_ = grpcServer.Serve(listener)
	}()
	t.Cleanup(grpcServer.Stop)

	cfg := Config{Addr: listener.Addr().String(), Service: platformgrpc.RoomsHealthService, Timeout: 300 * time.Millisecond}
	err = Run(context.Background(), cfg)
	var dialErr *platformgrpc.DialError
	if !errors.As(err, &dialErr) || dialErr.Stage != platformgrpc.DialStageHealth {
		t.Fatalf("err = %v, want health stage dial error", err)
	}
}
