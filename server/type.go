package server

import (
	"context"
	"sync"
	"time"

	"github.com/alanwang67/stabilizing_registers/channel"
	"github.com/alanwang67/stabilizing_registers/protocol"
	"github.com/alanwang67/stabilizing_registers/record"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

// Server is one replica of the register.
type Server struct {
	Id    uint64
	Self  *protocol.Connection
	Peers []*protocol.Connection
	Uid   protocol.SenderID

	ChunkSize      int           // datagram and stream chunk size
	MaxFrameSize   int           // largest accepted stream frame
	GossipInterval time.Duration // zero disables gossip
	PeerTimeout    time.Duration
	AdminAddress   string // grpc health endpoint, optional

	mutex   sync.Mutex
	current record.Record // latest record this replica has adopted

	channel    *channel.Channel
	peers      []*channel.Sender
	grpcServer *grpc.Server
	health     *health.Server
	adminAddr  string
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}
