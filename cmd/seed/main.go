// Command seed populates a fresh database with the demo hub and user
// fixture described in internal/seed.
package main

import (
	"log"

	"pulserelay/internal/config"
	"pulserelay/internal/database"
	"pulserelay/internal/seed"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	result, err := seed.Seed(db)
	if err != nil {
		log.Fatalf("seeding failed: %v", err)
	}

	log.Println("seed complete")
	if result.HubKey != "" {
		log.Printf("demo hub key: %s", result.HubKey)
	}
	if result.UserToken != "" {
		log.Printf("demo user token: %s", result.UserToken)
	}
}
