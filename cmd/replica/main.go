package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"replichat/internal/authority"
	"replichat/internal/chat"
	"replichat/internal/clock"
	"replichat/internal/config"
	"replichat/internal/logging"
	"replichat/internal/protocol"
	"replichat/internal/replica"
	"replichat/internal/state"
	"replichat/internal/transport/zmqtransport"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	hostname, _ := os.Hostname()
	defaults := replica.DefaultConfig()

	name := flag.String("name", config.String("SERVER_NAME", hostname), "Unique server name")
	refHost := flag.String("authority-host", config.String("REFERENCE_HOST", "reference"), "Authority host")
	refPort := flag.Int("authority-port", config.Int("REFERENCE_PORT", 5560), "Authority port")
	heartbeat := flag.Duration("heartbeat-interval", config.Duration("HEARTBEAT_INTERVAL", defaults.HeartbeatInterval), "Heartbeat period")
	refreshEvery := flag.Int("list-refresh", config.Int("LIST_REFRESH_INTERVAL", defaults.RosterRefreshEvery), "Refresh the roster every N heartbeats")
	syncEvery := flag.Int("sync-every", config.Int("SYNC_EVERY", int(defaults.SyncEvery)), "Synchronize with the coordinator every K requests")
	brokerEndpoint := flag.String("broker", config.String("BROKER_BACKEND_ENDPOINT", "tcp://broker:5556"), "Broker DEALER endpoint")
	pubEndpoint := flag.String("pub", config.String("PROXY_PUB_ENDPOINT", "tcp://proxy:5557"), "Proxy XSUB endpoint")
	subEndpoint := flag.String("sub", config.String("PROXY_SUB_ENDPOINT", "tcp://proxy:5558"), "Proxy XPUB endpoint")
	dataDir := flag.String("data", config.String("DATA_DIR", "data"), "Directory for the replica database")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *name == "" {
		log.Fatal("A server name is required")
	}
	logger := logging.New(*name, *debug)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	store, err := state.NewBboltStore(filepath.Join(*dataDir, *name+".db"))
	if err != nil {
		log.Fatalf("Failed to open replica store: %v", err)
	}
	defer store.Close()

	st, err := state.New(store)
	if err != nil {
		log.Fatalf("Failed to load replica state: %v", err)
	}
	log.Printf("Server %q loaded %d users, %d channels, %d log entries",
		*name, len(st.Users()), len(st.Channels()), len(st.Entries()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := authority.Dial(fmt.Sprintf("%s:%d", *refHost, *refPort))
	if err != nil {
		log.Fatalf("Failed to dial authority: %v", err)
	}
	defer conn.Close()

	readyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = authority.WaitReady(readyCtx, conn, 500*time.Millisecond)
	cancel()
	if err != nil {
		log.Fatalf("Authority never became ready: %v", err)
	}

	pub, err := zmqtransport.NewPublisher(*pubEndpoint)
	if err != nil {
		log.Fatalf("Failed to create publisher: %v", err)
	}
	defer pub.Close()

	sub, err := zmqtransport.NewSubscriber(*subEndpoint, protocol.TopicServers, protocol.TopicReplica)
	if err != nil {
		log.Fatalf("Failed to create subscriber: %v", err)
	}
	defer sub.Close()

	rep, err := zmqtransport.NewReplier(*brokerEndpoint)
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer rep.Close()

	clk := clock.New()
	cfg := replica.DefaultConfig()
	cfg.Name = *name
	cfg.HeartbeatInterval = *heartbeat
	cfg.RosterRefreshEvery = *refreshEvery
	cfg.SyncEvery = uint64(*syncEvery)
	cfg.Logger = logger

	node, err := replica.New(cfg, replica.Deps{
		Clock:      clk,
		Authority:  authority.NewClient(authority.NewGRPCCaller(conn), clk, authority.DefaultRequestTimeout),
		State:      st,
		Publisher:  pub,
		Subscriber: sub,
	})
	if err != nil {
		log.Fatalf("Invalid replica configuration: %v", err)
	}
	if err := node.Start(ctx); err != nil {
		log.Fatalf("Failed to start replica: %v", err)
	}

	dispatcher, err := chat.NewDispatcher(chat.Deps{
		Clock:      clk,
		State:      st,
		Replicator: node,
		Publisher:  pub,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("Failed to create dispatcher: %v", err)
	}

	log.Printf("Server %q ready for requests", *name)
	if err := chat.NewServer(dispatcher, rep, node.RequestCompleted, logger).Serve(ctx); err != nil {
		log.Printf("Serve loop ended: %v", err)
	}

	node.Stop()
	snapshot, _ := json.Marshal(node.Metrics().Snapshot())
	log.Printf("Server %q stopped. Metrics: %s", *name, snapshot)
}
