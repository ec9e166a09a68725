package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/vmihailenco/msgpack/v5"

	"replichat/internal/config"
	"replichat/internal/transport/zmqtransport"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	endpoint := flag.String("endpoint", config.String("PROXY_SUB_ENDPOINT", "tcp://proxy:5558"), "Proxy XPUB endpoint")
	topics := flag.String("topics", config.String("LISTENER_TOPICS", "geral,servers"), "Comma separated topics, empty for all")
	flag.Parse()

	sub, err := zmqtransport.NewSubscriber(*endpoint, config.List(*topics)...)
	if err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Close()
	log.Printf("[LISTENER] subscribed to %v on %s", config.List(*topics), *endpoint)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[LISTENER] shutting down")
			return
		case frame, ok := <-sub.Frames():
			if !ok {
				return
			}
			log.Printf("[LISTENER][%s] %s", frame.Topic, render(frame.Payload))
		}
	}
}

// render shows a msgpack payload as indented JSON, falling back to the raw
// bytes when it does not decode.
func render(payload []byte) string {
	var v interface{}
	if err := msgpack.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(payload)
	}
	return string(out)
}
