package channel

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/alanwang67/stabilizing_registers/protocol"
	"github.com/charmbracelet/log"
)

const (
	DefaultChunkSize    = 1024
	DefaultMaxFrameSize = 64 << 20
)

var ErrUnknownMessageType = errors.New("unknown message type")

// Handler computes the optional response payload for one request.
type Handler interface {
	Handle(sender protocol.SenderID, payload []byte) ([]byte, error)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(sender protocol.SenderID, payload []byte) ([]byte, error)

func (f HandlerFunc) Handle(sender protocol.SenderID, payload []byte) ([]byte, error) {
	return f(sender, payload)
}

type senderState struct {
	mu       sync.Mutex
	seen     bool
	sequence int32
	last     []byte
}

// senderTable maps sender ids to their dedup state. Entries are never
// evicted.
type senderTable struct {
	mu     sync.Mutex
	states map[protocol.SenderID]*senderState
}

func (t *senderTable) get(id protocol.SenderID) *senderState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[id]
	if !ok {
		s = &senderState{}
		t.states[id] = s
	}
	return s
}

func (t *senderTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

// Channel is the receiving end of a node.
type Channel struct {
	Id        protocol.SenderID
	ChunkSize int
	// MaxFrameSize bounds the length prefix accepted on stream connections.
	MaxFrameSize int

	register Handler
	gossip   Handler
	senders  senderTable

	mu       sync.Mutex
	listener net.Listener
	packet   *net.UDPConn
	closed   bool
	wg       sync.WaitGroup
}

// New returns a channel dispatching register frames to register and gossip
// frames to gossip. Either handler may be nil, in which case frames of that
// type are answered with the bare token.
func New(id protocol.SenderID, register, gossip Handler) *Channel {
	return &Channel{
		Id:           id,
		ChunkSize:    DefaultChunkSize,
		MaxFrameSize: DefaultMaxFrameSize,
		register:     register,
		gossip:       gossip,
		senders:      senderTable{states: make(map[protocol.SenderID]*senderState)},
	}
}

// Dispatch applies the dedup rule to one inbound frame and returns the
// response frame. A frame that cannot be parsed yields an error and no
// response.
func (c *Channel) Dispatch(frame []byte) ([]byte, error) {
	h, payload, err := protocol.ParseFrame(frame)
	if err != nil {
		return nil, err
	}
	var handler Handler
	switch h.Type {
	case protocol.RegisterMessage:
		handler = c.register
	case protocol.GossipMessage:
		handler = c.gossip
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, int32(h.Type))
	}

	s := c.senders.get(h.Sender)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen && s.sequence == h.Sequence {
		log.Debugf("channel %s: replaying response to %s for sequence %d", c.Id, h.Sender, h.Sequence)
		return s.last, nil
	}

	s.seen = true
	s.sequence = h.Sequence

	var body []byte
	if handler != nil {
		out, err := handler.Handle(h.Sender, payload)
		if err != nil {
			log.Warnf("channel %s: %s handler failed for %s: %v", c.Id, h.Type, h.Sender, err)
		} else if h.Type == protocol.RegisterMessage {
			body = out
		}
	}

	s.last = protocol.AppendFrame(nil, protocol.Header{Type: h.Type, Sequence: h.Sequence, Sender: c.Id}, body)
	log.Debugf("channel %s: new %s request from %s with sequence %d", c.Id, h.Type, h.Sender, h.Sequence)
	return s.last, nil
}

// Senders returns the number of distinct senders seen so far.
func (c *Channel) Senders() int {
	return c.senders.len()
}
