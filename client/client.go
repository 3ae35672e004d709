package client

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanwang67/stabilizing_registers/channel"
	"github.com/alanwang67/stabilizing_registers/protocol"
	"github.com/alanwang67/stabilizing_registers/quorum"
	"github.com/alanwang67/stabilizing_registers/record"
	"github.com/alanwang67/stabilizing_registers/workload"
	"github.com/charmbracelet/log"
)

const (
	DefaultOperationTimeout = 5 * time.Second
	DefaultRetryInterval    = 50 * time.Millisecond

	// nonceBit keeps query tags apart from the tags values are written under.
	nonceBit = uint64(1) << 63
)

// New creates a client and starts one send loop per replica. Close stops
// them. Each client process picks a fresh wire identity, so replicas never
// answer it from the state of an earlier process.
func New(id uint64, servers []*protocol.Connection) *Client {
	log.Debugf("client %d created", id)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		Id:               id,
		Servers:          servers,
		Uid:              protocol.RandomSenderID(),
		OperationTimeout: DefaultOperationTimeout,
		RetryInterval:    DefaultRetryInterval,
		coordinator:      quorum.New(len(servers)),
		cancel:           cancel,
	}
	for i, s := range servers {
		c.senders = append(c.senders, channel.NewSender(c.Uid, s.Address))
		c.wg.Add(1)
		go func(idx int) {
			defer c.wg.Done()
			c.replicaLoop(ctx, idx)
		}(i)
	}
	return c
}

// SetExchangeTimeout sets how long each replica exchange waits for a reply.
func (c *Client) SetExchangeTimeout(d time.Duration) {
	for _, s := range c.senders {
		s.Timeout = d
	}
}

// Close stops the replica loops.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
	for _, s := range c.senders {
		s.Close()
	}
}

// replicaLoop keeps passing the outstanding request to replica idx and
// feeding its replies to the coordinator. It idles between rounds.
func (c *Client) replicaLoop(ctx context.Context, idx int) {
	sender := c.senders[idx]
	out, started := c.coordinator.Pending(idx)

	for {
		if out.Data == nil {
			select {
			case <-ctx.Done():
				return
			case <-started:
			}
			out, started = c.coordinator.Pending(idx)
			continue
		}

		payload, err := sender.Exchange(ctx, protocol.RegisterMessage, out.Data, out.UseTCP)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debugf("client %d exchange with replica %d failed: %v", c.Id, idx, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.RetryInterval):
			}
			out, started = c.coordinator.Pending(idx)
			continue
		}

		out = c.coordinator.OnReply(idx, payload)
		if out.Data == nil {
			out, started = c.coordinator.Pending(idx)
		}
	}
}

func (c *Client) nextNonce() *record.Tag {
	c.nonce++
	return &record.Tag{Counter: c.nonce, Writer: c.Id | nonceBit}
}

func (c *Client) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.OperationTimeout)
}

func replyTag(m protocol.Message) record.Tag {
	if m.Tag == nil {
		return record.Tag{}
	}
	return *m.Tag
}

// Write stores value under a tag newer than any a quorum has seen.
func (c *Client) Write(ctx context.Context, value []byte) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	ctx, cancel := c.operationContext(ctx)
	defer cancel()

	// Phase 1: learn the newest tag from a quorum
	query := protocol.Message{Label: protocol.LabelQuery, Mode: protocol.ModeWrite, Tag: c.nextNonce()}
	replies, err := c.coordinator.BeginPhase(ctx, quorum.Uniform(query), 0)
	if err != nil {
		return fmt.Errorf("write query phase: %w", err)
	}
	newest := c.LocalTag
	for _, r := range replies {
		newest = record.MaxTag(newest, replyTag(r))
	}
	tag := newest.Next(c.Id)

	// Phase 2: store under the new tag
	write := protocol.Message{Label: protocol.LabelWrite, Mode: protocol.ModeWrite, Tag: &tag, Element: value}
	if _, err := c.coordinator.BeginPhase(ctx, quorum.Uniform(write), 0); err != nil {
		return fmt.Errorf("write phase for tag %s: %w", tag, err)
	}

	c.LocalTag = tag
	return nil
}

// Read returns the newest value held by a quorum. Unless every queried
// replica already holds it, the value is written back to a quorum first.
func (c *Client) Read(ctx context.Context) ([]byte, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	ctx, cancel := c.operationContext(ctx)
	defer cancel()

	query := protocol.Message{Label: protocol.LabelQuery, Mode: protocol.ModeRead, Tag: c.nextNonce()}
	replies, err := c.coordinator.BeginPhase(ctx, quorum.Uniform(query), 0)
	if err != nil {
		return nil, fmt.Errorf("read query phase: %w", err)
	}

	var newest protocol.Message
	for i, r := range replies {
		if i == 0 || replyTag(newest).Less(replyTag(r)) {
			newest = r
		}
	}
	tag := replyTag(newest)

	settled := true
	for _, r := range replies {
		if replyTag(r) != tag {
			settled = false
			break
		}
	}

	if !settled {
		writeBack := protocol.Message{Label: protocol.LabelWriteBack, Mode: protocol.ModeRead, Tag: &tag, Element: newest.Element}
		if _, err := c.coordinator.BeginPhase(ctx, quorum.Uniform(writeBack), 0); err != nil {
			return nil, fmt.Errorf("write-back failed: %w", err)
		}
	}

	if c.LocalTag.Less(tag) {
		c.LocalTag = tag
	}
	return newest.Element, nil
}

// Start executes a series of instructions and logs the outcome.
func (c *Client) Start(instructions []workload.Instruction) Metrics {
	log.Debugf("starting client %d", c.Id)

	var m Metrics
	begin := time.Now()

	for i, instr := range instructions {
		start := time.Now()
		ok := true

		switch instr.Type {
		case workload.InstructionTypeRead:
			value, err := c.Read(context.Background())
			if err != nil {
				log.Errorf("Client %d failed to read: %v", c.Id, err)
				ok = false
			} else {
				log.Infof("Client %d successfully read value %q", c.Id, value)
			}

		case workload.InstructionTypeWrite:
			err := c.Write(context.Background(), []byte(strconv.FormatUint(instr.Value, 10)))
			if err != nil {
				log.Errorf("Client %d failed to write value %d: %v", c.Id, instr.Value, err)
				ok = false
			} else {
				log.Infof("Client %d successfully wrote value %d", c.Id, instr.Value)
			}

		default:
			log.Warnf("Unknown instruction type: %s", instr.Type)
			continue
		}

		m.record(instr.Type, ok, time.Since(start), time.Since(begin))

		if instr.Delay > 0 {
			time.Sleep(instr.Delay)
		}
		log.Debugf("Completed instruction %d/%d: %v", i+1, len(instructions), instr)
	}

	log.Infof("Client %d completed workload. Total Ops: %d, Success: %d, Failed: %d, Avg Latency: %v",
		c.Id, m.TotalOps, m.SuccessfulOps, m.FailedOps, m.AverageLatency())

	return m
}
