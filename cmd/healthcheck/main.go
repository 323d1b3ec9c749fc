// Package main probes the rooms gRPC health endpoint and exits non-zero when
// it is not serving.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	healthcheckcmd "github.com/physlab/roomsync/internal/cmd/healthcheck"
)

func main() {
	cfg, err := healthcheckcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[HEALTHCHECK] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := healthcheckcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("unhealthy: %v", err)
	}
}
