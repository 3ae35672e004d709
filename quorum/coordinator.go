package quorum

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alanwang67/stabilizing_registers/protocol"
	"github.com/charmbracelet/log"
)

// ReliableThreshold is the largest encoded request still sent as a datagram.
const ReliableThreshold = 512

var (
	ErrNoReplicas      = errors.New("no replicas")
	ErrQuorumSize      = errors.New("required replies out of range")
	ErrRoundInProgress = errors.New("a round is already in progress")
	ErrReplicaCount    = errors.New("per-replica request count does not match replica count")
)

// Request is either one message broadcast to every replica or an ordered
// list with one message per replica.
type Request struct {
	uniform    *protocol.Message
	perReplica []protocol.Message
}

// Uniform sends the same message to every replica.
func Uniform(m protocol.Message) Request {
	return Request{uniform: &m}
}

// PerReplica sends ms[i] to replica i. It must hold one message per replica.
func PerReplica(ms []protocol.Message) Request {
	return Request{perReplica: append([]protocol.Message(nil), ms...)}
}

// Outgoing is the encoded request addressed to one replica together with the
// transport it should travel on. Data is nil when nothing is outstanding.
type Outgoing struct {
	Data   []byte
	UseTCP bool
}

type sent struct {
	msg  protocol.Message
	data []byte
	tcp  bool
}

func newSent(m protocol.Message) sent {
	data := m.Marshal()
	return sent{msg: m, data: data, tcp: useTCP(m, data)}
}

// useTCP selects the reliable transport for large requests and for read
// queries, whose replies carry the stored element.
func useTCP(m protocol.Message, data []byte) bool {
	if len(data) > ReliableThreshold {
		return true
	}
	return m.Label == protocol.LabelQuery && m.Mode == protocol.ModeRead
}

// round is the single pending operation of a Coordinator.
type round struct {
	uniform    *sent
	perReplica []sent
	required   int

	replies map[int]protocol.Message
	order   []int

	result []protocol.Message
	done   chan struct{}
}

func (r *round) requestFor(id int) *sent {
	if r.uniform != nil {
		return r.uniform
	}
	if id < 0 || id >= len(r.perReplica) {
		return nil
	}
	return &r.perReplica[id]
}

func (r *round) store(id int, m protocol.Message) {
	if _, ok := r.replies[id]; !ok {
		r.order = append(r.order, id)
	}
	r.replies[id] = m
}

func (r *round) retract(id int) {
	if _, ok := r.replies[id]; !ok {
		return
	}
	delete(r.replies, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *round) values() []protocol.Message {
	out := make([]protocol.Message, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.replies[id])
	}
	return out
}

// Coordinator runs quorum rounds for one register instance. Rounds must be
// issued one at a time; a second BeginPhase while one is pending fails with
// ErrRoundInProgress.
type Coordinator struct {
	n      int
	quorum int

	mu      sync.Mutex
	pending *round
	started chan struct{}
}

// New returns a Coordinator over n replicas with the default majority
// quorum ceil((n+1)/2).
func New(n int) *Coordinator {
	return &Coordinator{
		n:       n,
		quorum:  Majority(n),
		started: make(chan struct{}),
	}
}

// Majority returns ceil((n+1)/2).
func Majority(n int) int {
	return (n + 2) / 2
}

// Replicas returns the number of replicas rounds are sent to.
func (c *Coordinator) Replicas() int { return c.n }

// Quorum returns the default number of replies a round waits for.
func (c *Coordinator) Quorum() int { return c.quorum }

// BeginPhase broadcasts req and blocks until required distinct replicas
// have sent a matching reply. required <= 0 selects the default quorum.
// The returned replies are in the order they were first accepted.
//
// If ctx ends first the round is abandoned and ctx.Err() is returned.
func (c *Coordinator) BeginPhase(ctx context.Context, req Request, required int) ([]protocol.Message, error) {
	if c.n <= 0 {
		return nil, ErrNoReplicas
	}
	if required <= 0 {
		required = c.quorum
	}
	if required > c.n {
		return nil, fmt.Errorf("%w: required=%d replicas=%d", ErrQuorumSize, required, c.n)
	}

	r := &round{
		required: required,
		replies:  make(map[int]protocol.Message, c.n),
		done:     make(chan struct{}),
	}
	switch {
	case req.uniform != nil:
		s := newSent(*req.uniform)
		r.uniform = &s
	case len(req.perReplica) == c.n:
		r.perReplica = make([]sent, len(req.perReplica))
		for i, m := range req.perReplica {
			r.perReplica[i] = newSent(m)
		}
	default:
		return nil, fmt.Errorf("%w: got %d, want %d", ErrReplicaCount, len(req.perReplica), c.n)
	}

	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return nil, ErrRoundInProgress
	}
	c.pending = r
	close(c.started)
	c.started = make(chan struct{})
	c.mu.Unlock()

	log.Debugf("quorum: round started, waiting for %d of %d replies", required, c.n)

	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		c.mu.Lock()
		defer c.mu.Unlock()
		select {
		case <-r.done:
			return r.result, nil
		default:
		}
		if c.pending == r {
			c.pending = nil
		}
		return nil, ctx.Err()
	}
}

// OnReply folds the reply of replica id into the pending round. A nil or
// empty payload retracts whatever that replica contributed before. It
// returns the request replica id should keep receiving; after the round
// completes there is none.
func (c *Coordinator) OnReply(id int, payload []byte) Outgoing {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.pending
	if r == nil {
		return Outgoing{}
	}
	tx := r.requestFor(id)

	if len(payload) == 0 {
		r.retract(id)
	} else if tx != nil {
		msg, err := protocol.Unmarshal(payload)
		if err != nil {
			log.Debugf("quorum: dropping undecodable reply from replica %d: %v", id, err)
		} else if matches(tx.msg, msg) {
			r.store(id, msg)
		} else {
			log.Debugf("quorum: replica %d reply %s does not match request %s", id, msg, tx.msg)
		}
	}

	if len(r.replies) >= r.required {
		r.result = r.values()
		c.pending = nil
		close(r.done)
		log.Debugf("quorum: round complete with %d replies", len(r.result))
		return Outgoing{}
	}

	if tx == nil {
		return Outgoing{}
	}
	return Outgoing{Data: tx.data, UseTCP: tx.tcp}
}

// Pending returns the request currently addressed to replica id, and a
// channel that is closed when the next round begins.
func (c *Coordinator) Pending(id int) (Outgoing, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return Outgoing{}, c.started
	}
	tx := c.pending.requestFor(id)
	if tx == nil {
		return Outgoing{}, c.started
	}
	return Outgoing{Data: tx.data, UseTCP: tx.tcp}, c.started
}

// matches reports whether reply answers request. The reply must name the
// request's tag. Bare acknowledgements and query replies are then accepted
// as they are; any other reply must echo its own request tag and the
// request's label.
func matches(request, reply protocol.Message) bool {
	if request.Tag == nil || reply.ReqTag != *request.Tag {
		return false
	}
	if reply.Tag == nil || reply.Label == protocol.LabelQuery {
		return true
	}
	return *reply.Tag == reply.ReqTag && reply.Label == request.Label
}
