// Package healthcheck probes a roomsync gRPC health endpoint. It backs the
// container health check.
package healthcheck

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	entrypoint "github.com/physlab/roomsync/internal/platform/cmd"
	platformgrpc "github.com/physlab/roomsync/internal/platform/grpc"
)

// Config holds healthcheck command configuration.
type Config struct {
	Addr    string        `env:"ROOMSYNC_HEALTHCHECK_ADDR"    envDefault:"localhost:8091"`
	Service string        `env:"ROOMSYNC_HEALTHCHECK_SERVICE"`
	Timeout time.Duration `env:"ROOMSYNC_HEALTHCHECK_TIMEOUT" envDefault:"3s"`
	Verbose bool          `env:"ROOMSYNC_HEALTHCHECK_VERBOSE"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Service: platformgrpc.RoomsHealthService}
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.Service) == "" {
		cfg.Service = platformgrpc.RoomsHealthService
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "gRPC address to probe")
	fs.StringVar(&cfg.Service, "service", cfg.Service, "health service name")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall probe timeout")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "log each probe attempt")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return Config{}, fmt.Errorf("address is required")
	}
	return cfg, nil
}

// Run dials cfg.Addr and waits until the health service reports SERVING.
func Run(ctx context.Context, cfg Config) error {
	var logf func(string, ...any)
	if cfg.Verbose {
		logf = log.Printf
	}
	conn, err := platformgrpc.DialWithHealth(ctx, cfg.Addr, cfg.Timeout, cfg.Service, logf)
	if err != nil {
		return fmt.Errorf("probe %s: %w", cfg.Addr, err)
	}
	return conn.Close()
}
