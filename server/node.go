package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/alanwang67/stabilizing_registers/channel"
	"github.com/alanwang67/stabilizing_registers/protocol"
	"github.com/alanwang67/stabilizing_registers/quorum"
	"github.com/charmbracelet/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

var errNotListening = errors.New("server is not listening")

// Listen binds the replica's channel and, if configured, its admin endpoint.
func (s *Server) Listen() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if s.GossipInterval > 0 {
		for _, p := range s.Peers {
			if p.Id == s.Id {
				continue
			}
			sender := channel.NewSender(s.Uid, p.Address)
			if s.PeerTimeout > 0 {
				sender.Timeout = s.PeerTimeout
			}
			s.peers = append(s.peers, sender)
		}
	}

	s.channel = channel.New(s.Uid, channel.HandlerFunc(s.HandleRegister), channel.HandlerFunc(s.HandleGossip))
	if s.ChunkSize > 0 {
		s.channel.ChunkSize = s.ChunkSize
	}
	if s.MaxFrameSize > 0 {
		s.channel.MaxFrameSize = s.MaxFrameSize
	}
	if err := s.channel.Listen(s.Self.Address); err != nil {
		return err
	}

	if s.AdminAddress != "" {
		lis, err := net.Listen("tcp", s.AdminAddress)
		if err != nil {
			s.channel.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.AdminAddress, err)
		}
		s.adminAddr = lis.Addr().String()
		s.grpcServer = grpc.NewServer()
		s.health = health.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.health)
		reflection.Register(s.grpcServer)
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.grpcServer.Serve(lis); err != nil {
				log.Errorf("server %d admin endpoint stopped: %v", s.Id, err)
			}
		}()
	}

	if len(s.peers) > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.gossip(s.ctx)
		}()
	}
	return nil
}

// Addr returns the bound channel address.
func (s *Server) Addr() string {
	if s.channel == nil {
		return ""
	}
	return s.channel.Addr()
}

// AdminAddr returns the bound admin address, or "" if there is none.
func (s *Server) AdminAddr() string {
	return s.adminAddr
}

// Serve answers requests until Stop is called.
func (s *Server) Serve() error {
	if s.channel == nil {
		return errNotListening
	}
	if s.health != nil {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
	log.Infof("server %d serving on %s", s.Id, s.Addr())
	return s.channel.Serve()
}

// Start listens and serves, blocking like Serve.
func (s *Server) Start() error {
	log.Debugf("starting server %d", s.Id)
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop shuts the replica down and waits for its goroutines.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	if s.channel != nil {
		s.channel.Close()
	}
	s.wg.Wait()
	for _, p := range s.peers {
		p.Close()
	}
	log.Debugf("server %d stopped", s.Id)
}

// gossip periodically pushes the held record to every peer.
func (s *Server) gossip(ctx context.Context) {
	ticker := time.NewTicker(s.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cur := s.Current()
		if cur.Tag().Counter == 0 {
			continue
		}
		tag := cur.Tag()
		payload := protocol.Message{Label: protocol.LabelGossip, Tag: &tag, Element: cur.Element()}.Marshal()
		reliable := len(payload) > quorum.ReliableThreshold
		for _, p := range s.peers {
			if _, err := p.Exchange(ctx, protocol.GossipMessage, payload, reliable); err != nil {
				log.Debugf("server %d gossip to %s failed: %v", s.Id, p.Address, err)
			}
		}
	}
}
