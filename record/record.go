package record

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// Tag is a totally ordered version identifier. Counter is compared first,
// Writer breaks ties between concurrent writers.
type Tag struct {
	Counter uint64
	Writer  uint64
}

// Compare returns -1, 0 or 1 depending on whether t is older than, equal to,
// or newer than other.
func (t Tag) Compare(other Tag) int {
	switch {
	case t.Counter < other.Counter:
		return -1
	case t.Counter > other.Counter:
		return 1
	case t.Writer < other.Writer:
		return -1
	case t.Writer > other.Writer:
		return 1
	default:
		return 0
	}
}

// Less reports whether t is strictly older than other.
func (t Tag) Less(other Tag) bool {
	return t.Compare(other) < 0
}

// Next returns the tag a writer uses to supersede t.
func (t Tag) Next(writer uint64) Tag {
	return Tag{Counter: t.Counter + 1, Writer: writer}
}

func (t Tag) String() string {
	return fmt.Sprintf("%d.%d", t.Counter, t.Writer)
}

// MaxTag returns the newest of the given tags, or the zero tag if none.
func MaxTag(tags ...Tag) Tag {
	var newest Tag
	for _, t := range tags {
		if newest.Less(t) {
			newest = t
		}
	}
	return newest
}

// Phase names the register sub-step a record was produced in.
type Phase string

const (
	PhaseNone      Phase = ""
	PhaseWrite     Phase = "write"
	PhaseWriteBack Phase = "write-back"
	PhaseGossip    Phase = "gossip"
)

// Record is an immutable (tag, element, phase) tuple. Element is opaque to
// this package and is never mutated after construction.
type Record struct {
	tag     Tag
	element string
	phase   Phase
}

// Key is the comparable form of a Record, usable as a map key.
type Key struct {
	Tag     Tag
	Element string
	Phase   Phase
}

// New builds a record holding a private copy of element.
func New(tag Tag, element []byte, phase Phase) Record {
	return Record{tag: tag, element: string(element), phase: phase}
}

// Tag returns the version the record was written under.
func (r Record) Tag() Tag { return r.tag }

// Phase returns the sub-step that produced the record.
func (r Record) Phase() Phase { return r.phase }

// Element returns a copy of the opaque payload.
func (r Record) Element() []byte { return []byte(r.element) }

// Equal reports whether r and other agree on all three fields.
func (r Record) Equal(other Record) bool {
	return r == other
}

// Key returns r in comparable form.
func (r Record) Key() Key {
	return Key{Tag: r.tag, Element: r.element, Phase: r.phase}
}

// Hash is derived from all three fields, so Equal records hash alike.
func (r Record) Hash() uint64 {
	h := fnv.New64a()
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], r.tag.Counter)
	binary.LittleEndian.PutUint64(buf[8:], r.tag.Writer)
	h.Write(buf[:])
	h.Write([]byte(r.element))
	h.Write([]byte{0})
	h.Write([]byte(r.phase))
	return h.Sum64()
}

// Newer reports whether r carries a strictly newer tag than other.
func (r Record) Newer(other Record) bool {
	return other.tag.Less(r.tag)
}

func (r Record) String() string {
	return fmt.Sprintf("(%s, %q, %s)", r.tag, r.element, r.phase)
}
