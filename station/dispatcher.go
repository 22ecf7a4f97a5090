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

// Package station houses the relay pipeline: policy filter, dispatcher,
// receptionist, push sink and the per-connection message processor.
package station

import (
	"errors"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/dimchat/dimd/facebook"
	"github.com/dimchat/dimd/gate"
	"github.com/dimchat/dimd/protocol"
	"github.com/dimchat/dimd/session"
)

// NeighborBridge forwards envelopes to other stations in the mesh. The
// octopus package implements it; a station without neighbours runs with a
// nil bridge.
type NeighborBridge interface {
	// DeliverToNeighbor hands the message to one neighbour station.
	DeliverToNeighbor(neighbor protocol.ID, msg *protocol.ReliableMessage) error
	// Broadcast hands the message to every neighbour not already visited,
	// returning how many accepted it.
	Broadcast(msg *protocol.ReliableMessage) int
	// Neighbors lists the configured neighbour stations.
	Neighbors() []protocol.ID
}

// Delivery receipt texts, stable strings clients may match on.
const (
	respDelivered  = "Message respond"
	respCached     = "Message cached"
	respRedirected = "Message redirected"
	respBroadcast  = "Message broadcast"
	respBlocked    = "Message blocked"
	respRefused    = "Message refused"
	respNoRoute    = "Message undeliverable"
)

var (
	deliverLocalMeter   = metrics.NewRegisteredMeter("station/deliver/local", nil)
	deliverSpoolMeter   = metrics.NewRegisteredMeter("station/deliver/spool", nil)
	deliverForwardMeter = metrics.NewRegisteredMeter("station/deliver/forward", nil)
	deliverLoopMeter    = metrics.NewRegisteredMeter("station/deliver/loop", nil)
)

// Dispatcher routes verified envelopes: to live local sessions first, to
// the roaming station when the receiver logged in elsewhere, to the
// offline spool otherwise. It never opens message content.
type Dispatcher struct {
	local     protocol.ID
	sessions  *session.Server
	directory *facebook.Facebook
	filter    *Filter
	push      *PushSink
	bridge    NeighborBridge
	log       log.Logger
}

func NewDispatcher(local protocol.ID, sessions *session.Server, directory *facebook.Facebook, filter *Filter, push *PushSink) *Dispatcher {
	return &Dispatcher{
		local:     local,
		sessions:  sessions,
		directory: directory,
		filter:    filter,
		push:      push,
		log:       log.New("module", "dispatcher"),
	}
}

// SetBridge wires the neighbour mesh in. Called once at startup, before
// traffic flows.
func (d *Dispatcher) SetBridge(bridge NeighborBridge) { d.bridge = bridge }

// Deliver routes one verified envelope and returns the receipt for the
// sender. A nil receipt means the message was silently dropped (loop
// suppression).
func (d *Dispatcher) Deliver(msg *protocol.ReliableMessage) (*protocol.ReceiptCommand, error) {
	// a broadcast that already passed through this station is circling;
	// direct envelopes may legitimately come back (roaming bounce) and are
	// routed again, the trace stays appended at most once
	if msg.AppendTrace(d.local) && msg.IsBroadcast() {
		deliverLoopMeter.Mark(1)
		d.log.Debug("Looping broadcast dropped", "sender", msg.Sender, "receiver", msg.Receiver)
		return nil, nil
	}
	if err := d.filter.CheckDeliver(msg); err != nil {
		switch {
		case errors.Is(err, ErrBlocked):
			return d.receipt(respBlocked, msg), nil
		case errors.Is(err, ErrRateLimited):
			return d.receipt(respRefused, msg), nil
		}
		return nil, err
	}

	receiver := msg.Receiver
	switch {
	case receiver.IsBroadcast():
		return d.deliverBroadcast(msg)
	case receiver.IsGroup():
		return d.deliverGroup(receiver, msg)
	case receiver.IsStation() && !receiver.Equal(d.local):
		return d.deliverStation(receiver, msg)
	default:
		return d.deliverUser(receiver, msg)
	}
}

// deliverStation forwards an envelope addressed to a sibling station. When
// the mesh cannot take it right now the envelope parks in the roaming
// spool for that neighbour.
func (d *Dispatcher) deliverStation(receiver protocol.ID, msg *protocol.ReliableMessage) (*protocol.ReceiptCommand, error) {
	if d.bridge != nil {
		if err := d.bridge.DeliverToNeighbor(receiver, msg); err == nil {
			deliverForwardMeter.Mark(1)
			return d.receipt(respRedirected, msg), nil
		}
	}
	if err := d.directory.Database().SpoolRoaming(receiver, msg); err != nil {
		return nil, err
	}
	deliverSpoolMeter.Mark(1)
	return d.receipt(respCached, msg), nil
}

// deliverUser implements the single-recipient path: live sessions beat the
// roaming hint, the spool catches everything else.
func (d *Dispatcher) deliverUser(receiver protocol.ID, msg *protocol.ReliableMessage) (*protocol.ReceiptCommand, error) {
	if n := d.pushToSessions(receiver, msg); n > 0 {
		deliverLocalMeter.Mark(int64(n))
		return d.receipt(respDelivered, msg), nil
	}
	if neighbor, ok := d.roamingStation(receiver); ok {
		if d.bridge != nil {
			if err := d.bridge.DeliverToNeighbor(neighbor, msg); err == nil {
				deliverForwardMeter.Mark(1)
				return d.receipt(respRedirected, msg), nil
			}
			// neighbour unreachable, fall through to the spool
		}
	}
	if err := d.directory.Database().SpoolMessageFor(receiver, msg); err != nil {
		return nil, err
	}
	deliverSpoolMeter.Mark(1)
	if d.push != nil && d.filter.ShouldPush(msg) {
		badge, _ := d.directory.Database().SpoolCount(receiver)
		d.push.Notify(receiver, msg, badge)
	}
	return d.receipt(respCached, msg), nil
}

// deliverGroup hands an ordinary group envelope to the group's assistant
// bot, which owns the membership and the re-encryption. A station without
// an assistant record falls back to fanning out over the cached member
// hints; the receipt then carries the per-member outcome.
func (d *Dispatcher) deliverGroup(group protocol.ID, msg *protocol.ReliableMessage) (*protocol.ReceiptCommand, error) {
	if assistant := d.directory.ANSRecord("assistant"); !assistant.IsZero() {
		return d.deliverUser(assistant, msg)
	}
	members, err := d.directory.Members(group)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return d.receipt(respNoRoute, msg), nil
	}
	rcpt := d.receipt(respDelivered, msg)
	for _, member := range members {
		if member.Equal(msg.Sender) {
			continue
		}
		if _, err := d.deliverUser(member, msg); err != nil {
			rcpt.Failed = append(rcpt.Failed, member)
			continue
		}
		rcpt.Success = append(rcpt.Success, member)
	}
	return rcpt, nil
}

// deliverBroadcast handles the anywhere/everywhere forms: every active
// local session gets a copy, then the mesh carries it onwards. Stations
// and plain users are treated alike on the fan-out.
func (d *Dispatcher) deliverBroadcast(msg *protocol.ReliableMessage) (*protocol.ReceiptCommand, error) {
	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	delivered := 0
	for _, id := range d.sessions.AllUsers() {
		if id.Equal(msg.Sender) {
			continue
		}
		for _, sess := range d.sessions.ActiveSessions(id) {
			if sess.Push(payload, gate.PriorityNormal, nil) == nil {
				delivered++
			}
		}
	}
	if delivered > 0 {
		deliverLocalMeter.Mark(int64(delivered))
	}
	if d.bridge != nil {
		deliverForwardMeter.Mark(int64(d.bridge.Broadcast(msg)))
	}
	return d.receipt(respBroadcast, msg), nil
}

// ShareWithNeighbors passes a station-consumed envelope on to the mesh so
// neighbours learn about it too (login commands mostly). The local trace
// is stamped first so it cannot come back.
func (d *Dispatcher) ShareWithNeighbors(msg *protocol.ReliableMessage) int {
	if d.bridge == nil {
		return 0
	}
	msg.AppendTrace(d.local)
	return d.bridge.Broadcast(msg)
}

// pushToSessions writes the envelope to every active session of the
// receiver, returning how many accepted it.
func (d *Dispatcher) pushToSessions(receiver protocol.ID, msg *protocol.ReliableMessage) int {
	sessions := d.sessions.ActiveSessions(receiver)
	if len(sessions) == 0 {
		return 0
	}
	payload, err := msg.Encode()
	if err != nil {
		return 0
	}
	n := 0
	for _, sess := range sessions {
		if err := sess.Push(payload, gate.PriorityNormal, nil); err != nil {
			d.log.Debug("Session push failed", "receiver", receiver, "err", err)
			continue
		}
		n++
	}
	return n
}

// roamingStation returns the station the receiver last logged in to, if it
// is some other station in the mesh.
func (d *Dispatcher) roamingStation(receiver protocol.ID) (protocol.ID, bool) {
	cmd, _, err := d.directory.Database().Login(receiver)
	if err != nil || cmd == nil || cmd.Station == nil {
		return protocol.ID{}, false
	}
	raw, ok := cmd.Station["ID"].(string)
	if !ok {
		return protocol.ID{}, false
	}
	station, err := protocol.ParseID(raw)
	if err != nil || station.Equal(d.local) {
		return protocol.ID{}, false
	}
	return station, true
}

func (d *Dispatcher) receipt(text string, msg *protocol.ReliableMessage) *protocol.ReceiptCommand {
	rcpt := protocol.NewReceipt(text)
	rcpt.Signature = msg.SignatureKey()
	return rcpt
}
