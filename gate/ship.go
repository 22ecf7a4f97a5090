// Copyright 2026 The dimd Authors
// This file is part of the dimd library.
//
// The dimd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The dimd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the dimd library. If not, see <http://www.gnu.org/licenses/>.

// Package gate owns the per-connection packet pumps: the outbound ship
// queue with priority/retry/timeout semantics and the inbound demux that
// feeds verified payloads to the envelope pipeline.
package gate

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"

	"github.com/dimchat/dimd/mars"
)

// Priority orders ships within the outbound queue. Within one priority
// class the queue is FIFO, which is what gives a single recipient session
// its delivery-order guarantee.
type Priority int

const (
	PrioritySlower Priority = -1
	PriorityNormal Priority = 0
	PriorityUrgent Priority = 1
)

// Handler receives the outcome of a queued ship: the peer's response body
// on success, or the transport/timeout error that sank it.
type Handler func(response []byte, err error)

// Ship is one queued outbound frame.
type Ship struct {
	pkg      *mars.Package
	priority Priority
	handler  Handler

	// payloadOverride carries the raw payload on transports without Mars
	// framing (websocket).
	payloadOverride []byte

	// expectAck marks locally originated requests which stay in the
	// waiting pool until the peer echoes the sequence number back.
	expectAck bool

	sendTime mclock.AbsTime // last attempt, 0 until first send
	retries  int
}

// NewShip wraps a package for the queue.
func NewShip(pkg *mars.Package, priority Priority, handler Handler) *Ship {
	return &Ship{pkg: pkg, priority: priority, handler: handler}
}

func (s *Ship) SN() uint32 {
	if s.pkg == nil {
		return 0
	}
	return s.pkg.Seq
}

func (s *Ship) Payload() []byte {
	if s.pkg == nil {
		return s.payloadOverride
	}
	return s.pkg.Body
}

func (s *Ship) Retries() int { return s.retries }

func (s *Ship) update(now mclock.AbsTime) {
	s.sendTime = now
	s.retries++
}

// nextAttempt implements exponential backoff on the retry interval.
func (s *Ship) nextAttempt(interval time.Duration) mclock.AbsTime {
	if s.retries > 1 {
		interval <<= uint(s.retries - 1)
	}
	return s.sendTime.Add(interval)
}

// Dock is the outbound queue of one connection: new ships ordered by
// priority then arrival, plus a waiting pool of sent requests pending
// acknowledgement or retry.
type Dock struct {
	mu      sync.Mutex
	fresh   []*Ship // not yet attempted
	waiting []*Ship // sent, awaiting ack or retry
}

func NewDock() *Dock {
	return &Dock{}
}

// Put queues a new ship, keeping the fresh list sorted by priority
// (stable, so FIFO within a class).
func (d *Dock) Put(s *Ship) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fresh = append(d.fresh, s)
	sort.SliceStable(d.fresh, func(i, j int) bool {
		return d.fresh[i].priority > d.fresh[j].priority
	})
}

// Pop removes the highest-priority new ship, or nil.
func (d *Dock) Pop() *Ship {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.fresh) == 0 {
		return nil
	}
	s := d.fresh[0]
	d.fresh = d.fresh[1:]
	return s
}

// Any removes and returns a waiting ship whose next-attempt time has
// arrived, or nil. The caller decides between retry and timeout.
func (d *Dock) Any(now mclock.AbsTime, retryInterval time.Duration) *Ship {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.waiting {
		if now >= s.nextAttempt(retryInterval) {
			d.waiting = append(d.waiting[:i], d.waiting[i+1:]...)
			return s
		}
	}
	return nil
}

// park returns a sent request to the waiting pool.
func (d *Dock) park(s *Ship) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waiting = append(d.waiting, s)
}

// Ack removes the waiting ship matching the echoed sequence number.
func (d *Dock) Ack(sn uint32) *Ship {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.waiting {
		if s.SN() == sn {
			d.waiting = append(d.waiting[:i], d.waiting[i+1:]...)
			return s
		}
	}
	return nil
}

// Drain empties the dock, returning everything still queued. Used when the
// connection closes to fail pending ships with a transport receipt.
func (d *Dock) Drain() []*Ship {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := append(d.fresh, d.waiting...)
	d.fresh, d.waiting = nil, nil
	return out
}

// Len reports queued ships (fresh + waiting).
func (d *Dock) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fresh) + len(d.waiting)
}
