package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
)

// MessageType selects which handler a frame is dispatched to.
type MessageType int32

const (
	RegisterMessage MessageType = 0
	GossipMessage   MessageType = 1
)

func (t MessageType) String() string {
	switch t {
	case RegisterMessage:
		return "register"
	case GossipMessage:
		return "gossip"
	default:
		return fmt.Sprintf("type(%d)", int32(t))
	}
}

const (
	SenderIDSize = 17
	// HeaderSize is the fixed width of {type int32, sequence int32, sender [17]byte}.
	HeaderSize = 4 + 4 + SenderIDSize
	// LengthPrefixSize precedes every frame on a stream connection.
	LengthPrefixSize = 4
)

var (
	ErrShortFrame    = errors.New("frame shorter than header")
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// SenderID identifies a node on the wire. Shorter names are zero padded.
type SenderID [SenderIDSize]byte

// NewSenderID pads or truncates name to SenderIDSize bytes.
func NewSenderID(name string) SenderID {
	var id SenderID
	copy(id[:], name)
	return id
}

// RandomSenderID returns a locally administered MAC-style identifier, which
// is exactly SenderIDSize characters long.
func RandomSenderID() SenderID {
	parts := make([]string, 6)
	for i := range parts {
		b := byte(rand.UintN(256))
		if i == 0 {
			b = (b | 0x02) &^ 0x01
		}
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return NewSenderID(strings.Join(parts, ":"))
}

func (id SenderID) String() string {
	return strings.TrimRight(string(id[:]), "\x00")
}

// Header is the token that precedes every payload, in both directions.
type Header struct {
	Type     MessageType
	Sequence int32
	Sender   SenderID
}

// AppendFrame appends h followed by payload to b.
func AppendFrame(b []byte, h Header, payload []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(h.Type))
	b = binary.LittleEndian.AppendUint32(b, uint32(h.Sequence))
	b = append(b, h.Sender[:]...)
	return append(b, payload...)
}

// ParseFrame splits a frame into its header and payload. The payload aliases
// frame.
func ParseFrame(frame []byte) (Header, []byte, error) {
	if len(frame) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	var h Header
	h.Type = MessageType(int32(binary.LittleEndian.Uint32(frame[0:4])))
	h.Sequence = int32(binary.LittleEndian.Uint32(frame[4:8]))
	copy(h.Sender[:], frame[8:HeaderSize])
	return h, frame[HeaderSize:], nil
}

// WriteLength writes the stream length prefix for a frame of n bytes.
func WriteLength(w io.Writer, n int) error {
	var buf [LengthPrefixSize]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(int32(n)))
	_, err := w.Write(buf[:])
	return err
}

// ReadLength reads a stream length prefix and checks it against limit.
func ReadLength(r io.Reader, limit int) (int, error) {
	var buf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	n := int(int32(binary.LittleEndian.Uint32(buf[:])))
	if n < HeaderSize {
		return 0, fmt.Errorf("%w: length prefix %d", ErrShortFrame, n)
	}
	if limit > 0 && n > limit {
		return 0, fmt.Errorf("%w: length prefix %d, limit %d", ErrFrameTooLarge, n, limit)
	}
	return n, nil
}
