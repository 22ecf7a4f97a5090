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

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/dimchat/dimd/gate"
	"github.com/dimchat/dimd/protocol"
	"github.com/dimchat/dimd/session"
	"github.com/dimchat/dimd/storage"
)

const (
	// how often the spool is checked for freshly arrived guests
	receptionInterval = 100 * time.Millisecond

	// batches handed to one guest per tick; keeps a huge backlog from
	// starving other guests
	maxBatchesPerTick = 8
)

var receptionDrainMeter = metrics.NewRegisteredMeter("station/reception/drain", nil)

// Receptionist greets users as they complete the handshake and hands them
// their spooled messages, oldest first. Delivery happens on a fixed tick
// off the login event feed, so a burst of logins cannot stampede the
// spool.
type Receptionist struct {
	sessions *session.Server
	db       *storage.Database
	push     *PushSink
	clock    mclock.Clock
	log      log.Logger

	guests  mapset.Set[protocol.ID]
	loginCh chan session.Event
	sub     event.Subscription

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

func NewReceptionist(sessions *session.Server, db *storage.Database, push *PushSink, clock mclock.Clock) *Receptionist {
	if clock == nil {
		clock = mclock.System{}
	}
	return &Receptionist{
		sessions: sessions,
		db:       db,
		push:     push,
		clock:    clock,
		log:      log.New("module", "receptionist"),
		guests:   mapset.NewSet[protocol.ID](),
		loginCh:  make(chan session.Event, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the login feed and launches the drain loop.
func (r *Receptionist) Start() {
	r.startOnce.Do(func() {
		r.sub = r.sessions.SubscribeLogin(r.loginCh)
		go r.loop()
	})
}

// Stop terminates the drain loop.
func (r *Receptionist) Stop() {
	r.stopOnce.Do(func() {
		if r.sub != nil {
			r.sub.Unsubscribe()
		}
		close(r.quit)
		<-r.done
	})
}

func (r *Receptionist) loop() {
	defer close(r.done)
	for {
		select {
		case ev := <-r.loginCh:
			r.guests.Add(ev.ID)
		case <-r.clock.After(receptionInterval):
			for _, guest := range r.guests.ToSlice() {
				r.drain(guest)
			}
		case <-r.quit:
			return
		}
	}
}

// drain hands a guest up to maxBatchesPerTick spool batches. The guest
// leaves the set once the spool is empty or every session is gone, with
// the push badge cleared; an envelope that failed on every session also
// removes the guest and leaves the undelivered tail in the spool for the
// next login.
func (r *Receptionist) drain(guest protocol.ID) {
	sessions := r.sessions.ActiveSessions(guest)
	if len(sessions) == 0 {
		r.dismiss(guest)
		return
	}
	for i := 0; i < maxBatchesPerTick; i++ {
		batch, err := r.db.LoadBatch(guest)
		if err != nil {
			r.log.Warn("Spool read failed", "guest", guest, "err", err)
			return
		}
		if batch == nil {
			r.dismiss(guest)
			return
		}
		pushed := 0
		for _, msg := range batch.Messages {
			if !r.pushAll(sessions, msg) {
				break
			}
			pushed++
		}
		if pushed > 0 {
			if err := r.db.RemoveBatch(batch, pushed); err != nil {
				r.log.Error("Spool trim failed", "guest", guest, "err", err)
				return
			}
			receptionDrainMeter.Mark(int64(pushed))
		}
		if pushed < batch.Len() {
			// connection trouble, the next login picks the rest up
			r.guests.Remove(guest)
			return
		}
	}
}

// dismiss forgets a guest whose spool is empty or whose sessions are gone.
func (r *Receptionist) dismiss(guest protocol.ID) {
	r.guests.Remove(guest)
	if r.push != nil {
		r.push.ClearBadge(guest)
	}
}

// pushAll writes the envelope to every active session, true when at least
// one accepted it.
func (r *Receptionist) pushAll(sessions []*session.Session, msg *protocol.ReliableMessage) bool {
	payload, err := msg.Encode()
	if err != nil {
		// corrupt spool entry, count it as delivered so it gets trimmed
		r.log.Error("Undecodable spool entry dropped", "err", err)
		return true
	}
	ok := false
	for _, sess := range sessions {
		if sess.Push(payload, gate.PriorityNormal, nil) == nil {
			ok = true
		}
	}
	return ok
}
