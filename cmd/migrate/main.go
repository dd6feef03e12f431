// Command migrate runs or inspects the relay's SQL schema migrations
// using internal/database's own migration log, rather than an external
// migration tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"pulserelay/internal/config"
	"pulserelay/internal/database"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	flag.Parse()
	if flag.NArg() < 1 {
		return fmt.Errorf("usage: migrate <up|down|status> [version]")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	ctx := context.Background()

	switch flag.Arg(0) {
	case "up":
		if err := database.RunMigrations(ctx, db); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
		log.Println("migrations applied")

	case "down":
		if flag.NArg() < 2 {
			return fmt.Errorf("usage: migrate down <version>")
		}
		var version int
		if _, err := fmt.Sscanf(flag.Arg(1), "%d", &version); err != nil {
			return fmt.Errorf("invalid version: %w", err)
		}
		if err := database.RollbackMigration(ctx, db, version); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
		log.Printf("rolled back migration %d", version)

	case "status":
		status, err := database.GetSchemaStatus(ctx, db, cfg)
		if err != nil {
			return fmt.Errorf("get schema status: %w", err)
		}
		log.Printf("mode=%s env=%s runSQL=%t runAutoMigrate=%t applied=%v pending=%v",
			status.Mode, status.Environment, status.WillRunSQL, status.WillRunAutoMigrate,
			status.AppliedVersions, status.PendingMigrations)

	default:
		return fmt.Errorf("unknown command %q", flag.Arg(0))
	}

	return nil
}
