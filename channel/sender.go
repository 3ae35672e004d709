package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/alanwang67/stabilizing_registers/protocol"
)

const (
	DefaultTimeout = 500 * time.Millisecond
	maxDatagram    = 64 << 10
)

var ErrStaleToken = errors.New("response token does not match request")

// Sender is the sending end towards one peer. It holds its sequence number
// until the peer echoes it, so a retransmission after a lost reply is
// answered from the peer's cache instead of being executed again.
type Sender struct {
	Self    protocol.SenderID
	Address string
	Timeout time.Duration

	mu       sync.Mutex
	sequence int32
	udp      *net.UDPConn
}

// NewSender starts from a random sequence so that a restarted node does not
// collide with the value a peer still tracks for it.
func NewSender(self protocol.SenderID, address string) *Sender {
	return &Sender{
		Self:     self,
		Address:  address,
		Timeout:  DefaultTimeout,
		sequence: rand.Int32(),
	}
}

// Sequence returns the sequence number the next exchange will use.
func (s *Sender) Sequence() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}

// Exchange sends payload as a frame of type typ and returns the payload of
// the matching response, which is empty for a bare token. On any error the
// sequence is kept, so calling Exchange again retransmits the same request.
func (s *Sender) Exchange(ctx context.Context, typ protocol.MessageType, payload []byte, useTCP bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := protocol.Header{Type: typ, Sequence: s.sequence, Sender: s.Self}
	frame := protocol.AppendFrame(nil, h, payload)

	var (
		resp []byte
		err  error
	)
	if useTCP {
		resp, err = s.exchangeStream(ctx, frame, h)
	} else {
		resp, err = s.exchangeDatagram(ctx, frame, h)
	}
	if err != nil {
		return nil, err
	}
	s.sequence++
	return resp, nil
}

func (s *Sender) deadline(ctx context.Context) time.Time {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

func check(resp []byte, sent protocol.Header) ([]byte, error) {
	h, body, err := protocol.ParseFrame(resp)
	if err != nil {
		return nil, err
	}
	if h.Sequence != sent.Sequence || h.Type != sent.Type {
		return nil, fmt.Errorf("%w: got %s/%d, sent %s/%d", ErrStaleToken, h.Type, h.Sequence, sent.Type, sent.Sequence)
	}
	return append([]byte(nil), body...), nil
}

func (s *Sender) exchangeStream(ctx context.Context, frame []byte, h protocol.Header) ([]byte, error) {
	deadline := s.deadline(ctx)
	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", s.Address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	w := bufio.NewWriter(conn)
	if err := protocol.WriteLength(w, len(frame)); err != nil {
		return nil, err
	}
	if _, err := w.Write(frame); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	resp, err := io.ReadAll(conn)
	if err != nil {
		return nil, err
	}
	return check(resp, h)
}

func (s *Sender) exchangeDatagram(ctx context.Context, frame []byte, h protocol.Header) ([]byte, error) {
	if s.udp == nil {
		raddr, err := net.ResolveUDPAddr("udp", s.Address)
		if err != nil {
			return nil, err
		}
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return nil, err
		}
		s.udp = conn
	}

	if _, err := s.udp.Write(frame); err != nil {
		return nil, err
	}
	s.udp.SetReadDeadline(s.deadline(ctx))

	buf := make([]byte, maxDatagram)
	for {
		n, err := s.udp.Read(buf)
		if err != nil {
			return nil, err
		}
		body, err := check(buf[:n], h)
		if errors.Is(err, ErrStaleToken) {
			// reply to an earlier retransmission
			continue
		}
		return body, err
	}
}

// Close releases the datagram socket.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp == nil {
		return nil
	}
	err := s.udp.Close()
	s.udp = nil
	return err
}
