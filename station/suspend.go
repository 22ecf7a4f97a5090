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

package station

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/dimchat/dimd/protocol"
)

const (
	// how long a message may wait for a missing meta before it is dropped
	suspendTTL = 5 * time.Minute

	maxSuspendPerID = 32
	maxSuspendTotal = 2048
)

var (
	suspendInMeter      = metrics.NewRegisteredMeter("station/suspend/in", nil)
	suspendReleaseMeter = metrics.NewRegisteredMeter("station/suspend/release", nil)
	suspendDropMeter    = metrics.NewRegisteredMeter("station/suspend/drop", nil)
)

type suspended struct {
	msg   *protocol.ReliableMessage
	since mclock.AbsTime
}

// SuspendQueue parks messages whose sender meta is still unknown. When the
// meta (or visa) arrives the parked messages are released back into the
// processing pipeline. Both the per-identity bucket and the queue as a
// whole are bounded; overflow and expiry drop the oldest first.
type SuspendQueue struct {
	clock mclock.Clock

	mu      sync.Mutex
	waiting map[protocol.ID][]suspended
	total   int
}

func NewSuspendQueue(clock mclock.Clock) *SuspendQueue {
	if clock == nil {
		clock = mclock.System{}
	}
	return &SuspendQueue{clock: clock, waiting: make(map[protocol.ID][]suspended)}
}

// Suspend parks a message until the awaited identity's meta shows up.
// Returns false when the queue refuses it (bounds exceeded even after
// pruning).
func (q *SuspendQueue) Suspend(awaiting protocol.ID, msg *protocol.ReliableMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked(awaiting)
	bucket := q.waiting[awaiting]
	if len(bucket) >= maxSuspendPerID || q.total >= maxSuspendTotal {
		suspendDropMeter.Mark(1)
		return false
	}
	q.waiting[awaiting] = append(bucket, suspended{msg: msg, since: q.clock.Now()})
	q.total++
	suspendInMeter.Mark(1)
	return true
}

// Release hands back every live message waiting on the identity.
func (q *SuspendQueue) Release(id protocol.ID) []*protocol.ReliableMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked(id)
	bucket := q.waiting[id]
	if len(bucket) == 0 {
		return nil
	}
	delete(q.waiting, id)
	q.total -= len(bucket)
	out := make([]*protocol.ReliableMessage, len(bucket))
	for i, s := range bucket {
		out[i] = s.msg
	}
	suspendReleaseMeter.Mark(int64(len(out)))
	return out
}

// Len returns the number of parked messages.
func (q *SuspendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

func (q *SuspendQueue) pruneLocked(id protocol.ID) {
	bucket := q.waiting[id]
	cutoff := q.clock.Now().Add(-suspendTTL)
	live := bucket[:0]
	for _, s := range bucket {
		if s.since >= cutoff {
			live = append(live, s)
		}
	}
	dropped := len(bucket) - len(live)
	if dropped > 0 {
		q.total -= dropped
		suspendDropMeter.Mark(int64(dropped))
	}
	if len(live) == 0 {
		delete(q.waiting, id)
	} else {
		q.waiting[id] = live
	}
}
