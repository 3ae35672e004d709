package server

import (
	"errors"
	"fmt"

	"github.com/alanwang67/stabilizing_registers/protocol"
	"github.com/alanwang67/stabilizing_registers/record"
	"github.com/charmbracelet/log"
)

var (
	ErrMissingTag   = errors.New("request carries no tag")
	ErrUnknownLabel = errors.New("unknown label")
)

// New creates a replica. Peers may include self; it is skipped when
// gossiping.
func New(id uint64, self *protocol.Connection, peers []*protocol.Connection) *Server {
	return &Server{
		Id:    id,
		Self:  self,
		Peers: peers,
		Uid:   protocol.NewSenderID(fmt.Sprintf("server-%d", id)),
	}
}

// Current returns the record this replica holds.
func (s *Server) Current() record.Record {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.current
}

// adopt replaces the held record if r is newer and reports whether it did.
func (s *Server) adopt(r record.Record) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !r.Newer(s.current) {
		return false
	}
	s.current = r
	return true
}

// HandleRegister answers one register request. Queries report the held tag,
// and in read mode the element as well. Writes and write-backs adopt the
// carried record if it is newer and are acknowledged by echoing the request
// tag and label either way.
func (s *Server) HandleRegister(sender protocol.SenderID, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	req, err := protocol.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	if req.Tag == nil {
		return nil, fmt.Errorf("%w: %s from %s", ErrMissingTag, req.Label, sender)
	}

	var reply protocol.Message
	switch req.Label {
	case protocol.LabelQuery:
		cur := s.Current()
		tag := cur.Tag()
		reply = protocol.Message{Label: protocol.LabelQuery, Mode: req.Mode, Tag: &tag, ReqTag: *req.Tag}
		if req.Mode == protocol.ModeRead {
			reply.Element = cur.Element()
		}
	case protocol.LabelWrite, protocol.LabelWriteBack:
		if s.adopt(req.Record()) {
			log.Debugf("server %d adopted %s from %s", s.Id, req.Tag, sender)
		}
		tag := *req.Tag
		reply = protocol.Message{Label: req.Label, Mode: req.Mode, Tag: &tag, ReqTag: tag}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, req.Label)
	}
	return reply.Marshal(), nil
}

// HandleGossip adopts a peer's record if it is newer. Gossip is never
// answered beyond the token.
func (s *Server) HandleGossip(sender protocol.SenderID, payload []byte) ([]byte, error) {
	msg, err := protocol.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	if msg.Tag == nil {
		return nil, fmt.Errorf("%w: gossip from %s", ErrMissingTag, sender)
	}
	if s.adopt(record.New(*msg.Tag, msg.Element, record.PhaseGossip)) {
		log.Debugf("server %d caught up to %s via gossip from %s", s.Id, msg.Tag, sender)
	}
	return nil, nil
}
