// Package eidpool manages the bus-owner's pool of assignable endpoint IDs.
package eidpool

import (
	"fmt"
	"sync"

	"github.com/Nativu5/mctpd/pkg/types"
)

// Pool hands out endpoint IDs from a configured candidate set.
// Allocation always picks the lowest available EID.
type Pool struct {
	mu        sync.Mutex
	available map[types.EID]bool
	candidate []types.EID // sorted, for lowest-first allocation
}

// New builds a pool from the configured candidate EIDs. Reserved and
// out-of-range values are rejected.
func New(eids []types.EID) (*Pool, error) {
	p := &Pool{available: make(map[types.EID]bool, len(eids))}
	for _, eid := range eids {
		if !eid.Assignable() {
			return nil, fmt.Errorf("EID %#x is not assignable", uint8(eid))
		}
		if p.available[eid] {
			continue
		}
		p.available[eid] = true
	}
	for eid := types.EIDPoolStart; eid <= types.EIDPoolEnd; eid++ {
		if p.available[eid] {
			p.candidate = append(p.candidate, eid)
		}
	}
	if len(p.candidate) == 0 {
		return nil, fmt.Errorf("EID pool is empty")
	}
	return p, nil
}

// Allocate returns the lowest available EID, or false when exhausted.
func (p *Pool) Allocate() (types.EID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, eid := range p.candidate {
		if p.available[eid] {
			p.available[eid] = false
			return eid, true
		}
	}
	return types.EIDNull, false
}

// Release returns an EID to the pool. Releasing an EID that is not part of
// the candidate set is a no-op.
func (p *Pool) Release(eid types.EID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.available[eid]; ok {
		p.available[eid] = true
	}
}

// Contains reports whether eid belongs to the pool's candidate set.
func (p *Pool) Contains(eid types.EID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.available[eid]
	return ok
}

// Free reports how many EIDs are currently available.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, avail := range p.available {
		if avail {
			n++
		}
	}
	return n
}
