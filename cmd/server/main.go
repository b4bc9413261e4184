package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aeolun/cipherchat/pkg/database"
	"github.com/aeolun/cipherchat/pkg/server"
	"github.com/aeolun/cipherchat/pkg/storage"
)

func main() {
	configPath := flag.String("config", "~/.cipherchat/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port (overrides config)")
	mode := flag.String("mode", "", "Protocol mode: chat or file (overrides config)")
	workers := flag.Int("workers", 0, "Worker pool size (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command-line flags win over the config file and environment
	if *port != 0 {
		tomlConfig.Server.TCPPort = *port
	}
	if *mode != "" {
		tomlConfig.Server.Mode = *mode
	}
	if *workers != 0 {
		tomlConfig.Workers.Count = *workers
	}

	config, err := tomlConfig.ToServerConfig()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	var auth server.Authenticator
	var files server.FileStore
	if config.Mode == server.ModeFile {
		store, err := openDatabase(&tomlConfig)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer store.Close()
		auth = store

		files, err = openFileStore(&tomlConfig, store)
		if err != nil {
			log.Fatalf("Failed to open file store: %v", err)
		}
	}

	srv, err := server.NewServer(config, auth, files)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("cipherchat %s server listening on %s (%d workers)", config.Mode, srv.Addr(), config.Workers)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received %s, shutting down...", sig)

	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}

func openDatabase(cfg *server.TOMLConfig) (*database.Store, error) {
	path, err := cfg.GetDatabasePath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return database.Open(path)
}

func openFileStore(cfg *server.TOMLConfig, store *database.Store) (server.FileStore, error) {
	switch cfg.Server.FileBackend {
	case server.FileBackendSQLite:
		return store, nil
	case server.FileBackendDisk, "":
		dir, err := cfg.GetFilesDir()
		if err != nil {
			return nil, err
		}
		return storage.NewDiskStore(dir)
	default:
		return nil, fmt.Errorf("unknown file backend %q", cfg.Server.FileBackend)
	}
}
