// Package rooms parses rooms command flags and composes the service entrypoint.
package rooms

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/physlab/roomsync/internal/platform/cmd"
	"github.com/physlab/roomsync/internal/platform/timeouts"
	server "github.com/physlab/roomsync/internal/services/rooms/app"
	s3sink "github.com/physlab/roomsync/internal/services/rooms/archive/s3"
)

// Config holds rooms command configuration.
type Config struct {
	HTTPAddr            string        `env:"ROOMSYNC_HTTP_ADDR"              envDefault:":8090"`
	GRPCAddr            string        `env:"ROOMSYNC_GRPC_ADDR"              envDefault:":8091"`
	BroadcastInterval   time.Duration `env:"ROOMSYNC_BROADCAST_INTERVAL"     envDefault:"1s"`
	SweepInterval       time.Duration `env:"ROOMSYNC_SWEEP_INTERVAL"         envDefault:"5m"`
	InactivityThreshold time.Duration `env:"ROOMSYNC_INACTIVITY_THRESHOLD"   envDefault:"30m"`
	DefaultCapacity     int           `env:"ROOMSYNC_DEFAULT_CAPACITY"       envDefault:"16"`
	ChatHistoryLimit    int           `env:"ROOMSYNC_CHAT_HISTORY_LIMIT"     envDefault:"100"`
	ScoreIncrement      int           `env:"ROOMSYNC_SCORE_INCREMENT"        envDefault:"10"`
	SessionTokenSecret  string        `env:"ROOMSYNC_SESSION_TOKEN_SECRET"`
	SessionTokenIssuer  string        `env:"ROOMSYNC_SESSION_TOKEN_ISSUER"`
	ArchiveDriver       string        `env:"ROOMSYNC_ARCHIVE_DRIVER"         envDefault:"sqlite"`
	ArchiveDBPath       string        `env:"ROOMSYNC_ARCHIVE_DB_PATH"        envDefault:"data/rooms-archive.db"`
	ArchiveS3Bucket     string        `env:"ROOMSYNC_ARCHIVE_S3_BUCKET"`
	ArchiveS3Region     string        `env:"ROOMSYNC_ARCHIVE_S3_REGION"      envDefault:"us-east-1"`
	ArchiveS3Endpoint   string        `env:"ROOMSYNC_ARCHIVE_S3_ENDPOINT"`
	ArchiveS3Prefix     string        `env:"ROOMSYNC_ARCHIVE_S3_PREFIX"`
	ArchiveS3PathStyle  bool          `env:"ROOMSYNC_ARCHIVE_S3_PATH_STYLE"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "rooms HTTP/WebSocket listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "rooms gRPC health listen address")
	fs.DurationVar(&cfg.BroadcastInterval, "broadcast-interval", cfg.BroadcastInterval, "period of the full-state room sync")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "period of the inactivity sweep")
	fs.DurationVar(&cfg.InactivityThreshold, "inactivity-threshold", cfg.InactivityThreshold, "idle time before an empty room is archived")
	fs.IntVar(&cfg.DefaultCapacity, "default-capacity", cfg.DefaultCapacity, "member capacity of rooms created on join")
	fs.StringVar(&cfg.ArchiveDriver, "archive-driver", cfg.ArchiveDriver, "archive sink: sqlite, s3 or memory")
	fs.StringVar(&cfg.ArchiveDBPath, "archive-db-path", cfg.ArchiveDBPath, "SQLite archive path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.DefaultCapacity < 0 {
		return Config{}, fmt.Errorf("default capacity must not be negative")
	}
	return cfg, nil
}

// Run builds the rooms app and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceRooms, entrypoint.RunOptions{ShutdownTimeout: timeouts.Shutdown}, func(ctx context.Context) error {
		if err := server.Run(ctx, cfg.serverConfig()); err != nil {
			return fmt.Errorf("serve rooms: %w", err)
		}
		return nil
	})
}

func (cfg Config) serverConfig() server.Config {
	return server.Config{
		HTTPAddr:            cfg.HTTPAddr,
		GRPCAddr:            cfg.GRPCAddr,
		BroadcastInterval:   cfg.BroadcastInterval,
		SweepInterval:       cfg.SweepInterval,
		InactivityThreshold: cfg.InactivityThreshold,
		DefaultCapacity:     cfg.DefaultCapacity,
		ChatHistoryLimit:    cfg.ChatHistoryLimit,
		ScoreIncrement:      cfg.ScoreIncrement,
		SessionTokenSecret:  cfg.SessionTokenSecret,
		SessionTokenIssuer:  cfg.SessionTokenIssuer,
		Archive: server.ArchiveConfig{
			Driver: cfg.ArchiveDriver,
			DBPath: cfg.ArchiveDBPath,
			S3: s3sink.Config{
				Bucket:    cfg.ArchiveS3Bucket,
				Region:    cfg.ArchiveS3Region,
				Endpoint:  cfg.ArchiveS3Endpoint,
				Prefix:    cfg.ArchiveS3Prefix,
				PathStyle: cfg.ArchiveS3PathStyle,
			},
		},
	}
}
