package main

import (
	"flag"
	"log"

	zmq "github.com/pebbe/zmq4"

	"replichat/internal/config"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	frontend := flag.String("frontend", config.String("BROKER_FRONTEND", "tcp://*:5555"), "ROUTER endpoint clients send requests to")
	backend := flag.String("backend", config.String("BROKER_BACKEND", "tcp://*:5556"), "DEALER endpoint replicas answer from")
	xsub := flag.String("xsub", config.String("PROXY_XSUB", "tcp://*:5557"), "XSUB endpoint publishers connect to")
	xpub := flag.String("xpub", config.String("PROXY_XPUB", "tcp://*:5558"), "XPUB endpoint subscribers connect to")
	flag.Parse()

	errs := make(chan error, 2)
	go func() { errs <- runProxy("broker", zmq.ROUTER, *frontend, zmq.DEALER, *backend) }()
	go func() { errs <- runProxy("proxy", zmq.XSUB, *xsub, zmq.XPUB, *xpub) }()

	log.Fatalf("Forwarding stopped: %v", <-errs)
}

// runProxy binds both sides and forwards between them until an error.
func runProxy(name string, frontType zmq.Type, frontAddr string, backType zmq.Type, backAddr string) error {
	front, err := zmq.NewSocket(frontType)
	if err != nil {
		return err
	}
	defer front.Close()
	if err := front.Bind(frontAddr); err != nil {
		return err
	}

	back, err := zmq.NewSocket(backType)
	if err != nil {
		return err
	}
	defer back.Close()
	if err := back.Bind(backAddr); err != nil {
		return err
	}

	log.Printf("[%s] forwarding %s <-> %s", name, frontAddr, backAddr)
	return zmq.Proxy(front, back, nil)
}
