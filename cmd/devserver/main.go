// devserver runs the in-memory backend stand-in on a local port so the
// terminal client can be developed without the real backend.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/jharden12/dungeon-client/internal/backendtest"
	game "github.com/jharden12/dungeon-client/internal/types"
)

func main() {
	_ = godotenv.Load()
	addr := os.Getenv("DEVSERVER_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	srv := backendtest.New(log)
	srv.SeedTemplate(&game.RoomTemplate{
		ID:          "tpl-cavern",
		Name:        "Damp Cavern",
		Description: "Water drips from the ceiling. Something moved in the dark.",
		Enemies:     []game.RoomEnemySummary{{Name: "Cave Rat", HP: 6, MaxHP: 6, Damage: 2}},
	})

	log.Info("devserver listening", zap.String("addr", addr))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatal("serve", zap.Error(err))
	}
}
