package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"replichat/internal/chat"
	"replichat/internal/config"
	"replichat/internal/transport/zmqtransport"
)

const defaultChannel = "geral"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	endpoint := flag.String("endpoint", config.String("BROKER_REQ_ENDPOINT", "tcp://broker:5555"), "Broker ROUTER endpoint")
	timeout := flag.Duration("timeout", config.Duration("REQUEST_TIMEOUT", 5*time.Second), "Per-request timeout")
	burst := flag.Int("burst", 10, "Messages published per round")
	flag.Parse()

	req, err := zmqtransport.NewRequester(*endpoint, *timeout)
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer req.Close()

	id := uuid.New()
	username := fmt.Sprintf("bot-%x", id[:4])
	client := chat.NewClient(req)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Login(ctx, username); err != nil {
		log.Fatalf("[BOT] %s failed to log in: %v", username, err)
	}
	log.Printf("[BOT] %s logged in", username)

	for ctx.Err() == nil {
		pause := 5 * time.Second
		if err := round(ctx, client, username, *burst); err != nil {
			log.Printf("[BOT] %s round failed: %v", username, err)
			pause = 10 * time.Second
		}
		sleep(ctx, pause)
	}
}

// round picks a channel, creating the default one on an empty cluster, and
// publishes a burst of messages to it.
func round(ctx context.Context, client *chat.Client, username string, burst int) error {
	channels, err := client.Channels(ctx)
	if err != nil {
		return err
	}

	target := defaultChannel
	if len(channels) > 0 {
		target = channels[rand.Intn(len(channels))]
	} else {
		if err := client.CreateChannel(ctx, target); err != nil {
			return err
		}
		log.Printf("[BOT] %s created channel %q", username, target)
	}

	log.Printf("[BOT] %s publishing %d messages to %q", username, burst, target)
	for i := 0; i < burst; i++ {
		msg := fmt.Sprintf("message %d from %s", i, username)
		if err := client.Publish(ctx, username, target, msg); err != nil {
			return err
		}
		sleep(ctx, 100*time.Millisecond)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
