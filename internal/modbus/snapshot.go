package modbus

import (
	"obisbridge/pkg/sunspec"
)

// Snapshot is one immutable version of the served register space. Writers
// build a fresh Snapshot offline and publish it atomically; readers index it
// without locking. A Snapshot is never mutated after publication.
type Snapshot struct {
	regs [sunspec.RegisterCount]uint16
}

// Registers exposes the raw register slice for the packers.
func (s *Snapshot) Registers() []uint16 {
	return s.regs[:]
}

// Read returns the quantity registers starting at addr. Bounds must have
// been validated by the caller.
func (s *Snapshot) Read(addr, quantity uint16) []uint16 {
	return s.regs[int(addr) : int(addr)+int(quantity)]
}

// clone returns a mutable copy carrying the full register contents.
func (s *Snapshot) clone() *Snapshot {
	next := new(Snapshot)
	next.regs = s.regs
	return next
}
