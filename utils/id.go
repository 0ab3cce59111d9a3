// Package utils provides small shared helpers for the nexus master server
// toolkit: identifier sequences and network address handling.
package utils

import (
	"sync/atomic"
)

// IDSequence hands out process-unique uint32 identifiers. Identifiers are
// never reused for the lifetime of the process, which keeps spawner ids,
// room ids and spawn task ids stable while any record referencing them is
// still live.
type IDSequence struct {
	last uint32
}

// NewIDSequence creates a sequence whose first issued id is start+1.
func NewIDSequence(start uint32) *IDSequence {
	return &IDSequence{last: start}
}

// Next returns the next identifier. Safe for concurrent use.
func (s *IDSequence) Next() uint32 {
	return atomic.AddUint32(&s.last, 1)
}

// Current returns the most recently issued identifier without advancing.
func (s *IDSequence) Current() uint32 {
	return atomic.LoadUint32(&s.last)
}

// SeqSequence64 is the 64-bit variant used for wire sequence numbers.
type SeqSequence64 struct {
	last uint64
}

// Next returns the next 64-bit sequence value. Safe for concurrent use.
func (s *SeqSequence64) Next() uint64 {
	return atomic.AddUint64(&s.last, 1)
}
