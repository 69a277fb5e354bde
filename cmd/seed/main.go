// Package main implements a one-shot seed command that creates demo server
// records and baseline boot defaults directly in the fleetwise database. It
// lives inside the server module so it can access internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --servers 4 \
//	  --datacenter us-east-1 \
//	  --platform 20260801T000000Z
//
// Environment variables:
//
//	FLEETWISE_DB_DSN  SQLite file path or Postgres DSN (default: ./fleetwise.db)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetwise-io/fleetwise/internal/db"
	"github.com/fleetwise-io/fleetwise/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	count := flag.Int("servers", 3, "Number of demo servers to create")
	datacenter := flag.String("datacenter", "dev", "Datacenter name stamped on the records")
	platform := flag.String("platform", "20260801T000000Z", "Platform version the servers report")
	headnode := flag.Bool("headnode", true, "Mark the first server as the headnode")
	flag.Parse()

	if *count < 1 {
		return fmt.Errorf("--servers must be at least 1")
	}

	dsn := envOrDefault("FLEETWISE_DB_DSN", "./fleetwise.db")

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	ctx := context.Background()
	servers := store.NewServerRepository(database)

	now := time.Now().UTC()
	for i := 0; i < *count; i++ {
		id := uuid.New()
		hostname := fmt.Sprintf("cn%02d", i)
		isHead := *headnode && i == 0

		server := &db.Server{
			UUID:            id,
			Hostname:        hostname,
			Datacenter:      *datacenter,
			Setup:           true,
			Headnode:        isHead,
			CurrentPlatform: *platform,
			BootPlatform:    *platform,
			LastBoot:        now,
			Status:          db.ServerStatusUnknown,
			Sysinfo: db.Sysinfo{
				"UUID":              id.String(),
				"Hostname":          hostname,
				"Live Image":        *platform,
				"MiB of Memory":     "262144",
				"Zpool Size in GiB": "3600",
				"CPU Total Cores":   "64",
			},
		}
		if err := servers.Put(ctx, server, ""); err != nil {
			return fmt.Errorf("create server %s: %w", hostname, err)
		}
		fmt.Printf("✓ Server created\n")
		fmt.Printf("  UUID:     %s\n", server.UUID)
		fmt.Printf("  Hostname: %s\n", server.Hostname)
		fmt.Printf("  Headnode: %v\n", server.Headnode)
	}

	// Baseline boot configuration shared by servers with no overrides.
	defaults, err := servers.GetDefaults(ctx)
	if err != nil {
		return fmt.Errorf("load boot defaults: %w", err)
	}
	defaults.BootPlatform = *platform
	if defaults.BootParams == nil {
		defaults.BootParams = map[string]string{}
	}
	defaults.BootParams["console"] = "serial"
	if err := servers.SaveDefaults(ctx, defaults); err != nil {
		return fmt.Errorf("save boot defaults: %w", err)
	}
	fmt.Printf("✓ Boot defaults set (platform %s)\n", *platform)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
