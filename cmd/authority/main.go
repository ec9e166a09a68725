package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os/signal"
	"syscall"

	"replichat/internal/authority"
	"replichat/internal/clock"
	"replichat/internal/config"
	"replichat/internal/logging"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	addr := flag.String("addr", config.String("AUTHORITY_ADDR", ":5560"), "Address the authority listens on")
	ledgerPath := flag.String("ledger", config.String("AUTHORITY_LEDGER", "authority.db"), "SQLite rank ledger path")
	timeout := flag.Duration("heartbeat-timeout", config.Duration("HEARTBEAT_TIMEOUT", authority.DefaultHeartbeatTimeout), "Evict servers silent for longer than this")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger := logging.New("authority", *debug)

	ledger, err := authority.NewSQLiteStore(*ledgerPath)
	if err != nil {
		log.Fatalf("Failed to open rank ledger: %v", err)
	}
	defer ledger.Close()

	cfg := authority.DefaultConfig()
	cfg.HeartbeatTimeout = *timeout
	cfg.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := authority.NewRegistry(ctx, cfg, ledger)
	if err != nil {
		log.Fatalf("Failed to create registry: %v", err)
	}

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", *addr, err)
	}

	srv := authority.NewServer(authority.NewService(registry, clock.New(), logger), logger)
	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Printf("Authority server stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down authority")
	srv.Stop()
}
