package main

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alanwang67/stabilizing_registers/client"
	"github.com/alanwang67/stabilizing_registers/config"
	"github.com/alanwang67/stabilizing_registers/results"
	"github.com/alanwang67/stabilizing_registers/server"
	"github.com/charmbracelet/log"
)

const (
	configFile = "config.json"
	resultsDir = "results"
)

func main() {
	log.SetLevel(log.DebugLevel)

	if len(os.Args) < 3 {
		log.Fatalf("usage: %s [server|client] [id]", os.Args[0])
	}

	id, err := strconv.ParseUint(os.Args[2], 10, 64)
	if err != nil {
		log.Fatalf("trouble converting %s to int: %s", os.Args[2], err)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("error loading %s: %v", configFile, err)
	}

	switch os.Args[1] {
	case "server":
		runServer(id, cfg)
	case "client":
		runClient(id, cfg)
	default:
		log.Fatalf("invalid role %q, use 'server' or 'client'", os.Args[1])
	}
}

func runServer(id uint64, cfg *config.Config) {
	node, err := cfg.Node(id)
	if err != nil {
		log.Fatalf("%v", err)
	}

	conns := cfg.Connections()
	s := server.New(id, conns[id], conns)
	s.ChunkSize = cfg.ChunkSize
	s.MaxFrameSize = cfg.MaxFrameSize
	s.GossipInterval = cfg.GossipInterval()
	s.PeerTimeout = cfg.RequestTimeout()
	s.AdminAddress = node.Admin

	if err := s.Listen(); err != nil {
		log.Fatalf("server %d failed to listen: %v", id, err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		s.Stop()
	}()

	if err := s.Serve(); err != nil {
		log.Errorf("server %d stopped: %v", id, err)
	}
}

func runClient(id uint64, cfg *config.Config) {
	c := client.New(id, cfg.Connections())
	defer c.Close()
	c.SetExchangeTimeout(cfg.RequestTimeout())

	m := c.Start(cfg.Program())
	log.Infof("client %d throughput: %.2f ops/s", id, m.Throughput())

	if err := results.Write(m, resultsDir); err != nil {
		log.Errorf("error writing charts: %v", err)
	}
}
