// Command relayd runs the peer-to-peer file transfer relay: the control-
// plane rendezvous HTTP endpoint and the data-plane TCP relay, sharing one
// in-memory session registry.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/filebridge/relay/internal/api"
	"github.com/filebridge/relay/internal/config"
	"github.com/filebridge/relay/internal/history"
	"github.com/filebridge/relay/internal/registry"
	"github.com/filebridge/relay/internal/relaytcp"
	"github.com/filebridge/relay/internal/rendezvous"
)

func main() {
	log.Println("Starting relayd...")

	workDir, _ := os.Getwd()
	configPath := filepath.Join(workDir, "relayd.config")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	relaytcp.InitRelayLog(cfg.RelayLogDir)
	defer relaytcp.CloseRelayLog()

	log.Printf("Configuration loaded:")
	log.Printf("  HTTP port: %d", cfg.HTTPPort)
	log.Printf("  Socket port: %d", cfg.SocketPort)
	log.Printf("  TCP backlog: %d (advisory; see DESIGN.md)", cfg.TCPBacklog)
	log.Printf("  Blocking timeout: %v", cfg.BlockingTimeout)
	log.Printf("  Session TTL: %v", cfg.SessionTTL)
	log.Printf("  Worker threads: %d", cfg.WorkerThreads)

	reg := registry.New()

	if cfg.HistoryDSN != "" {
		store, err := history.Open(cfg.HistoryDSN)
		if err != nil {
			log.Printf("Warning: history store disabled: %v", err)
		} else {
			defer store.Close()
			reg.OnTerminal(store.OnTerminal)
			log.Println("Transfer history store enabled")
		}
	} else {
		log.Println("HISTORY_DSN not set, transfer history store disabled")
	}

	rv := rendezvous.New(reg,
		rendezvous.WithBlockingTimeout(cfg.BlockingTimeout),
		rendezvous.WithSessionTTL(cfg.SessionTTL),
	)

	relayServer := relaytcp.NewServer(reg, cfg.SocketPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := relayServer.Start(ctx); err != nil {
			log.Fatalf("Relay TCP server error: %v", err)
		}
	}()
	log.Printf("Relay TCP server started on port %d", cfg.SocketPort)

	apiServer := api.NewServer(reg, rv, cfg.HTTPPort, cfg.SocketPort, cfg.BlockingTimeout)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("API server error: %v", err)
		}
	}()
	log.Printf("Control endpoint started on port %d", cfg.HTTPPort)

	log.Println("relayd is running")
	log.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, stopping relayd...")
	if path, lines, ok := relaytcp.RelayLogStatus(); ok {
		log.Printf("Relay log %s: %d lines written this run", path, lines)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down API server: %v", err)
	}

	log.Println("relayd stopped")
}
