// Package config loads the JSON cluster description shared by servers and
// clients.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/alanwang67/stabilizing_registers/channel"
	"github.com/alanwang67/stabilizing_registers/protocol"
	"github.com/alanwang67/stabilizing_registers/quorum"
	"github.com/alanwang67/stabilizing_registers/workload"
)

const DefaultRequestTimeoutMs = 500

var (
	ErrNoServers    = errors.New("config lists no servers")
	ErrServerOrder  = errors.New("server ids must match their position")
	ErrEmptyAddress = errors.New("server address is empty")
	ErrChunkSize    = errors.New("chunk size too small")
	ErrUnknownNode  = errors.New("unknown node id")
)

// Server describes one replica.
type Server struct {
	ID      uint64 `json:"id"`
	Address string `json:"address"`
	Admin   string `json:"admin,omitempty"` // grpc health endpoint
}

// Config structure for parsing the `config.json` file.
type Config struct {
	Servers          []Server               `json:"servers"`
	ChunkSize        int                    `json:"chunk_size"`
	RequestTimeoutMs int                    `json:"request_timeout_ms"`
	GossipIntervalMs int                    `json:"gossip_interval_ms"`
	MaxFrameSize     int                    `json:"max_frame_size"`
	Workload         *workload.Generator    `json:"workload,omitempty"`
	Instructions     []workload.Instruction `json:"instructions,omitempty"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a JSON configuration.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = channel.DefaultChunkSize
	}
	if c.RequestTimeoutMs == 0 {
		c.RequestTimeoutMs = DefaultRequestTimeoutMs
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = channel.DefaultMaxFrameSize
	}
}

// Validate checks that the server list is usable.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return ErrNoServers
	}
	for i, s := range c.Servers {
		if s.ID != uint64(i) {
			return fmt.Errorf("server at position %d has id %d: %w", i, s.ID, ErrServerOrder)
		}
		if s.Address == "" {
			return fmt.Errorf("server %d: %w", s.ID, ErrEmptyAddress)
		}
	}
	// every request small enough to travel as a datagram must fit in one chunk
	if c.ChunkSize < protocol.HeaderSize+quorum.ReliableThreshold {
		return fmt.Errorf("%d bytes, need at least %d: %w", c.ChunkSize, protocol.HeaderSize+quorum.ReliableThreshold, ErrChunkSize)
	}
	return nil
}

// Quorum returns the default quorum for the configured replicas.
func (c *Config) Quorum() int {
	return quorum.Majority(len(c.Servers))
}

// Connections returns the replicas in id order.
func (c *Config) Connections() []*protocol.Connection {
	conns := make([]*protocol.Connection, len(c.Servers))
	for i, s := range c.Servers {
		conns[i] = &protocol.Connection{Id: s.ID, Address: s.Address}
	}
	return conns
}

// Node returns the entry for server id.
func (c *Config) Node(id uint64) (Server, error) {
	if id >= uint64(len(c.Servers)) {
		return Server{}, fmt.Errorf("server %d: %w", id, ErrUnknownNode)
	}
	return c.Servers[id], nil
}

// RequestTimeout bounds one exchange with a replica.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// GossipInterval is zero when gossip is disabled.
func (c *Config) GossipInterval() time.Duration {
	return time.Duration(c.GossipIntervalMs) * time.Millisecond
}

// Program returns the explicit instruction list, or generates one
// from the workload parameters.
func (c *Config) Program() []workload.Instruction {
	if len(c.Instructions) > 0 {
		return c.Instructions
	}
	if c.Workload != nil {
		return c.Workload.Generate()
	}
	return workload.NewGenerator().Generate()
}
