package client

import (
	"context"
	"sync"
	"time"

	"github.com/alanwang67/stabilizing_registers/channel"
	"github.com/alanwang67/stabilizing_registers/protocol"
	"github.com/alanwang67/stabilizing_registers/quorum"
	"github.com/alanwang67/stabilizing_registers/record"
)

// Client represents a register client that talks to every replica.
type Client struct {
	Id       uint64                 // Unique ID of the client, also its tag writer id
	Servers  []*protocol.Connection // Replicas, indexed by their ordinal id
	Uid      protocol.SenderID      // Random wire identity of this process
	LocalTag record.Tag             // Newest tag this client has written or read

	// OperationTimeout bounds each Read and Write; zero means no bound.
	OperationTimeout time.Duration
	// RetryInterval is the pause after a failed exchange with a replica.
	RetryInterval time.Duration

	opMu        sync.Mutex // serializes operations, one round at a time
	nonce       uint64
	coordinator *quorum.Coordinator
	senders     []*channel.Sender

	cancel context.CancelFunc
	wg     sync.WaitGroup
}
