package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"replichat/internal/authority"
	"replichat/internal/chat"
	"replichat/internal/clock"
	"replichat/internal/logging"
	"replichat/internal/protocol"
	"replichat/internal/pubsub"
	"replichat/internal/replica"
	"replichat/internal/state"
)

// member is one replica of the in-process cluster.
type member struct {
	node       *replica.Node
	dispatcher *chat.Dispatcher
	sub        *pubsub.Subscription
	conn       interface{ Close() error }
}

// roundRobin stands in for the broker: each request goes to the next
// replica, which counts it once the reply is produced.
type roundRobin struct {
	members []*member
	next    atomic.Uint64
}

func (r *roundRobin) Request(ctx context.Context, payload []byte) ([]byte, error) {
	m := r.members[int(r.next.Add(1)-1)%len(r.members)]
	reply := m.dispatcher.Handle(ctx, payload)
	m.node.RequestCompleted(ctx)
	return reply, nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	clusterSize := flag.Int("cluster-size", 3, "Number of replicas")
	heartbeat := flag.Duration("heartbeat-interval", time.Second, "Replica heartbeat period")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *clusterSize < 1 {
		log.Fatal("Cluster size must be at least 1")
	}

	authSrv, authAddr := startAuthority(*debug)
	bus := pubsub.NewBus()

	members := createCluster(*clusterSize, authAddr, bus, *heartbeat, *debug)
	lb := &roundRobin{members: members}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runTraffic(ctx, chat.NewClient(lb))

	<-ctx.Done()
	log.Println("Shutting down gracefully, press Ctrl+C again to force")
	stop()

	shutdownCluster(members)
	bus.GracefulShutdown()
	authSrv.Stop()
	log.Println("Cluster exiting")
}

// startAuthority serves an in-memory authority on a loopback port.
func startAuthority(debug bool) (*authority.Server, string) {
	cfg := authority.DefaultConfig()
	cfg.Logger = logging.New("authority", debug)

	registry, err := authority.NewRegistry(context.Background(), cfg, nil)
	if err != nil {
		log.Fatalf("Failed to create registry: %v", err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}

	srv := authority.NewServer(authority.NewService(registry, clock.New(), cfg.Logger), cfg.Logger)
	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Printf("Authority stopped: %v", err)
		}
	}()
	return srv, lis.Addr().String()
}

func createCluster(size int, authAddr string, bus *pubsub.Bus, heartbeat time.Duration, debug bool) []*member {
	members := make([]*member, 0, size)

	for i := 0; i < size; i++ {
		name := fmt.Sprintf("replica-%d", i+1)
		logger := logging.New(name, debug)

		conn, err := authority.Dial(authAddr)
		if err != nil {
			log.Fatalf("Failed to dial authority for %s: %v", name, err)
		}
		readyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = authority.WaitReady(readyCtx, conn, 100*time.Millisecond)
		cancel()
		if err != nil {
			log.Fatalf("Authority not ready for %s: %v", name, err)
		}

		st, err := state.New(nil)
		if err != nil {
			log.Fatalf("Failed to create state for %s: %v", name, err)
		}
		clk := clock.New()
		sub := bus.Subscribe(pubsub.SubscriptionOptions{}, protocol.TopicServers, protocol.TopicReplica)

		cfg := replica.DefaultConfig()
		cfg.Name = name
		cfg.HeartbeatInterval = heartbeat
		cfg.Logger = logger

		node, err := replica.New(cfg, replica.Deps{
			Clock:      clk,
			Authority:  authority.NewClient(authority.NewGRPCCaller(conn), clk, authority.DefaultRequestTimeout),
			State:      st,
			Publisher:  bus,
			Subscriber: sub,
		})
		if err != nil {
			log.Fatalf("Invalid config for %s: %v", name, err)
		}
		if err := node.Start(context.Background()); err != nil {
			log.Fatalf("Failed to start %s: %v", name, err)
		}

		d, err := chat.NewDispatcher(chat.Deps{Clock: clk, State: st, Replicator: node, Publisher: bus, Logger: logger})
		if err != nil {
			log.Fatalf("Failed to create dispatcher for %s: %v", name, err)
		}

		members = append(members, &member{node: node, dispatcher: d, sub: sub, conn: conn})
	}

	log.Printf("Started %d replicas", size)
	return members
}

// runTraffic drives a small chat workload through the round robin and
// reports every replica's view after each round.
func runTraffic(ctx context.Context, client *chat.Client) {
	if err := client.Login(ctx, "dev"); err != nil {
		log.Printf("[DEVCLUSTER] login failed: %v", err)
		return
	}
	if err := client.CreateChannel(ctx, "geral"); err != nil {
		log.Printf("[DEVCLUSTER] create channel: %v", err)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for round := 1; ; round++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		msg := fmt.Sprintf("round %d", round)
		if err := client.Publish(ctx, "dev", "geral", msg); err != nil {
			log.Printf("[DEVCLUSTER] publish failed: %v", err)
		}
	}
}

func shutdownCluster(members []*member) {
	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m *member) {
			defer wg.Done()
			m.node.Stop()
			m.sub.Close()
			m.conn.Close()

			snapshot, _ := json.Marshal(m.node.Metrics().Snapshot())
			log.Printf("%s: %d users, %d channels, %d entries, coordinator %q, metrics %s",
				m.node.Name(), len(m.node.State().Users()), len(m.node.State().Channels()),
				len(m.node.State().Entries()), m.node.Coordinator(), snapshot)
		}(m)
	}
	wg.Wait()
}
