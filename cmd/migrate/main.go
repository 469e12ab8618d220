package main

import (
	"log"

	"steeple-sync/config"
	"steeple-sync/internal/store"
)

// Applies any pending schema migrations to the local store and exits.
// syncd migrates on startup too; this exists for tooling and recovery.
func main() {
	cfg := config.LoadConfig()

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Printf("store at %s is up to date", cfg.DataDir)
}
