package protocol

import (
	"errors"
	"fmt"

	"github.com/alanwang67/stabilizing_registers/record"
	"google.golang.org/protobuf/encoding/protowire"
)

// Label names the register sub-step a message belongs to.
type Label string

const (
	LabelQuery     Label = "query"
	LabelWrite     Label = "write"
	LabelWriteBack Label = "write-back"
	LabelGossip    Label = "gossip"
)

// Mode tells a replica which client operation a request is part of.
type Mode uint8

const (
	ModeNone Mode = iota
	ModeRead
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return "none"
	}
}

// Message is the register protocol unit exchanged between clients and
// replicas. Requests always carry Tag; replies carry ReqTag (the tag of the
// request they answer) and, unless they are bare acknowledgements, a Tag.
type Message struct {
	Label   Label
	Mode    Mode
	Tag     *record.Tag
	ReqTag  record.Tag
	Element []byte
}

var ErrMalformedMessage = errors.New("malformed message")

const (
	fieldLabel   protowire.Number = 1
	fieldMode    protowire.Number = 2
	fieldTag     protowire.Number = 3
	fieldReqTag  protowire.Number = 4
	fieldElement protowire.Number = 5

	fieldCounter protowire.Number = 1
	fieldWriter  protowire.Number = 2
)

// Record returns the versioned value carried by m. A message without a tag
// yields the zero tag.
func (m Message) Record() record.Record {
	var tag record.Tag
	if m.Tag != nil {
		tag = *m.Tag
	}
	return record.New(tag, m.Element, record.Phase(m.Label))
}

func (m Message) String() string {
	tag := "-"
	if m.Tag != nil {
		tag = m.Tag.String()
	}
	return fmt.Sprintf("{%s %s tag=%s req=%s len=%d}", m.Label, m.Mode, tag, m.ReqTag, len(m.Element))
}

// Marshal encodes m in protobuf wire format.
func (m Message) Marshal() []byte {
	var b []byte
	if m.Label != "" {
		b = protowire.AppendTag(b, fieldLabel, protowire.BytesType)
		b = protowire.AppendString(b, string(m.Label))
	}
	if m.Mode != ModeNone {
		b = protowire.AppendTag(b, fieldMode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Mode))
	}
	if m.Tag != nil {
		b = protowire.AppendTag(b, fieldTag, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTag(*m.Tag))
	}
	b = protowire.AppendTag(b, fieldReqTag, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalTag(m.ReqTag))
	if len(m.Element) > 0 {
		b = protowire.AppendTag(b, fieldElement, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Element)
	}
	return b
}

// Unmarshal decodes a message produced by Marshal. Unknown fields are
// skipped.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldLabel && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: label: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			m.Label = Label(v)
			b = b[n:]
		case num == fieldMode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: mode: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			m.Mode = Mode(v)
			b = b[n:]
		case (num == fieldTag || num == fieldReqTag) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: tag: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			tag, err := unmarshalTag(v)
			if err != nil {
				return Message{}, err
			}
			if num == fieldTag {
				m.Tag = &tag
			} else {
				m.ReqTag = tag
			}
			b = b[n:]
		case num == fieldElement && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: element: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			m.Element = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

func marshalTag(t record.Tag) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldCounter, protowire.VarintType)
	b = protowire.AppendVarint(b, t.Counter)
	b = protowire.AppendTag(b, fieldWriter, protowire.VarintType)
	b = protowire.AppendVarint(b, t.Writer)
	return b
}

func unmarshalTag(b []byte) (record.Tag, error) {
	var t record.Tag
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return record.Tag{}, fmt.Errorf("%w: tag: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return record.Tag{}, fmt.Errorf("%w: tag: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return record.Tag{}, fmt.Errorf("%w: tag: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		switch num {
		case fieldCounter:
			t.Counter = v
		case fieldWriter:
			t.Writer = v
		}
		b = b[n:]
	}
	return t, nil
}
