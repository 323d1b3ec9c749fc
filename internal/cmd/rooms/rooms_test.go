package rooms

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("rooms", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8090" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":8091" {
		t.Fatalf("expected default grpc addr, got %q", cfg.GRPCAddr)
	}
	if cfg.BroadcastInterval != time.Second || cfg.SweepInterval != 5*time.Minute || cfg.InactivityThreshold != 30*time.Minute {
		t.Fatalf("unexpected intervals: %+v", cfg)
	}
	if cfg.DefaultCapacity != 16 || cfg.ChatHistoryLimit != 100 || cfg.ScoreIncrement != 10 {
		t.Fatalf("unexpected room defaults: %+v", cfg)
	}
	if cfg.ArchiveDriver != "sqlite" {
		t.Fatalf("expected sqlite archive driver, got %q", cfg.ArchiveDriver)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("ROOMSYNC_HTTP_ADDR", "env-http")
	t.Setenv("ROOMSYNC_INACTIVITY_THRESHOLD", "10m")
	t.Setenv("ROOMSYNC_ARCHIVE_S3_BUCKET", "archives")
	t.Setenv("ROOMSYNC_ARCHIVE_S3_PATH_STYLE", "true")

	fs := flag.NewFlagSet("rooms", flag.ContinueOnError)
	args := []string{
		"-http-addr", "flag-http",
		"-archive-driver", "s3",
		"-default-capacity", "4",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-http" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.InactivityThreshold != 10*time.Minute {
		t.Fatalf("expected env threshold, got %v", cfg.InactivityThreshold)
	}
	if cfg.DefaultCapacity != 4 {
		t.Fatalf("expected flag capacity, got %d", cfg.DefaultCapacity)
	}

	server := cfg.serverConfig()
	if server.Archive.Driver != "s3" || server.Archive.S3.Bucket != "archives" || !server.Archive.S3.PathStyle {
		t.Fatalf("archive config = %+v", server.Archive)
	}
}

func TestParseConfigRejectsNegativeCapacity(t *testing.T) {
	fs := flag.NewFlagSet("rooms", flag.ContinueOnError)
	if _, err := ParseConfig(fs, []string{"-default-capacity", "-1"}); err == nil {
		t.Fatal("expected error for negative capacity")
	}
}

func TestParseConfigRejectsBadDuration(t *testing.T) {
	t.Setenv("ROOMSYNC_SWEEP_INTERVAL", "soon")
	fs := flag.NewFlagSet("rooms", flag.ContinueOnError)
	if _, err := ParseConfig(fs, nil); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}
