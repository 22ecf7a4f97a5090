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

// Package octopus bridges the station into the mesh: one outbound arm per
// neighbour station, each holding a client connection with its own
// handshake, a FIFO forward queue and a durable roaming spool for the
// stretches when the neighbour is unreachable.
package octopus

import (
	"encoding/json"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/dimchat/dimd/protocol"
	"github.com/dimchat/dimd/station"
)

var (
	arrivalMeter   = metrics.NewRegisteredMeter("octopus/arrival", nil)
	departureMeter = metrics.NewRegisteredMeter("octopus/departure", nil)
	roamedMeter    = metrics.NewRegisteredMeter("octopus/roamed", nil)
)

// Octopus owns one Worker per configured neighbour and implements the
// dispatcher's NeighborBridge on top of them.
type Octopus struct {
	core *station.Core
	log  log.Logger

	mu      sync.RWMutex
	workers map[protocol.ID]*Worker
}

var _ station.NeighborBridge = (*Octopus)(nil)

func New(core *station.Core) *Octopus {
	return &Octopus{
		core:    core,
		log:     log.New("module", "octopus"),
		workers: make(map[protocol.ID]*Worker),
	}
}

// AddNeighbor registers a neighbour station to keep a connection to.
// Must be called before Start.
func (o *Octopus) AddNeighbor(id protocol.ID, addr string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workers[id] = newWorker(o, id, addr)
}

// Start launches every worker's connect loop.
func (o *Octopus) Start() {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, w := range o.workers {
		w.start()
	}
}

// Stop terminates the workers; queued envelopes are parked in the roaming
// spool so nothing is lost across a restart.
func (o *Octopus) Stop() {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, w := range o.workers {
		w.stop()
	}
}

// Neighbors implements station.NeighborBridge.
func (o *Octopus) Neighbors() []protocol.ID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]protocol.ID, 0, len(o.workers))
	for id := range o.workers {
		out = append(out, id)
	}
	return out
}

// DeliverToNeighbor implements station.NeighborBridge. A worker that is
// currently down still accepts the envelope; it lands in the roaming
// spool.
func (o *Octopus) DeliverToNeighbor(neighbor protocol.ID, msg *protocol.ReliableMessage) error {
	o.mu.RLock()
	w, ok := o.workers[neighbor]
	o.mu.RUnlock()
	if !ok {
		return ErrUnknownNeighbor
	}
	departureMeter.Mark(1)
	return w.enqueue(msg)
}

// Broadcast implements station.NeighborBridge: the envelope goes to every
// neighbour it has not visited yet, and each target is recorded in the
// sent_neighbors hint before the payload is serialised so the next hop can
// skip them too.
func (o *Octopus) Broadcast(msg *protocol.ReliableMessage) int {
	// a target strip narrows the fan-out to a single neighbour
	if msg.Target != nil {
		target := *msg.Target
		msg.Target = nil
		if err := o.DeliverToNeighbor(target, msg); err != nil {
			return 0
		}
		return 1
	}
	o.mu.RLock()
	var targets []*Worker
	for id, w := range o.workers {
		if msg.IsTraced(id) || msg.SentTo(id) {
			continue
		}
		targets = append(targets, w)
	}
	o.mu.RUnlock()
	for _, w := range targets {
		msg.SentNeighbors = append(msg.SentNeighbors, w.neighbor)
	}
	n := 0
	for _, w := range targets {
		if w.enqueue(msg) == nil {
			n++
		}
	}
	departureMeter.Mark(int64(n))
	return n
}

// arrival handles an envelope received from a neighbour. Envelopes
// addressed to this station itself were consumed by the worker already;
// everything else re-enters the local pipeline.
func (o *Octopus) arrival(msg *protocol.ReliableMessage) {
	arrivalMeter.Mark(1)
	if msg.Receiver.Equal(o.core.User.ID) {
		// carrier-addressed housekeeping, nothing to route
		return
	}
	if err := o.core.Directory.VerifyMessage(msg); err != nil {
		o.log.Debug("Neighbour envelope rejected", "sender", msg.Sender, "err", err)
		return
	}
	if _, err := o.core.Dispatch.Deliver(msg); err != nil {
		o.log.Debug("Neighbour envelope undeliverable", "receiver", msg.Receiver, "err", err)
	}
}

// pack builds a signed station-to-station envelope, encrypted when the
// peer's key is known. The station's own meta travels along so a fresh
// neighbour can verify us on first contact.
func (o *Octopus) pack(content any, receiver protocol.ID) []byte {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil
	}
	instant := &protocol.InstantMessage{
		Envelope: protocol.NewEnvelope(o.core.User.ID, receiver),
		Content:  raw,
	}
	var encKey []byte
	if key, err := o.core.Directory.PublicKeyForEncryption(receiver); err == nil {
		encKey = crypto.CompressPubkey(key)
	}
	secure, err := instant.Encrypt(encKey)
	if err != nil {
		return nil
	}
	out, err := secure.Sign(o.core.User.Key)
	if err != nil {
		return nil
	}
	out.Meta = o.core.User.Meta
	out.Visa = o.core.User.Visa
	blob, err := out.Encode()
	if err != nil {
		return nil
	}
	return blob
}
