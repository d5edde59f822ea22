package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gravitas-games/kitkeeper/internal/config"
	"github.com/gravitas-games/kitkeeper/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML configuration")
	flag.Parse()
	if *configPath == "" {
		*configPath = "./configs/server.yaml"
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	describe(*configPath, cfg)

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	errChan := make(chan error, 1)
	go func() {
		log.Printf("Host bridges connect on ws://%s/ws", addr)
		errChan <- srv.Start(addr)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			log.Printf("Server error: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutdown requested, persisting tracked agents...")
	}

	if err := srv.Shutdown(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("kitkeeper stopped")
}

// describe logs what the engine will track and where its state goes
func describe(path string, cfg *config.Config) {
	log.Printf("kitkeeper configured from %s", path)

	families := make([]string, 0, len(cfg.Families))
	for _, f := range cfg.Families {
		families = append(families, string(f.ID))
	}
	if len(cfg.Kinds) == 0 {
		log.Printf("No kinds configured, using the sample catalogue")
	} else {
		log.Printf("%d item kinds configured", len(cfg.Kinds))
	}
	log.Printf("%d families: %s", len(families), strings.Join(families, ", "))

	if cfg.Redis.Address != "" {
		log.Printf("Loadout store: redis at %s (prefix %q)", cfg.Redis.Address, cfg.Redis.LoadoutPrefix)
	} else {
		log.Printf("Loadout store: memory, loadouts are lost on restart")
	}
	if cfg.Snapshot.EveryTicks > 0 {
		log.Printf("Snapshots every %d ticks into %s", cfg.Snapshot.EveryTicks, cfg.Snapshot.Dir)
	} else {
		log.Printf("Snapshots disabled")
	}
	if cfg.Session.CarryCapacity > 0 {
		log.Printf("Carry capacity %.1f mass units per agent", cfg.Session.CarryCapacity)
	}
}
