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

package octopus

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/dimchat/dimd/gate"
	"github.com/dimchat/dimd/protocol"
)

var (
	ErrUnknownNeighbor = errors.New("octopus: neighbor not configured")
)

const (
	workerQueueSize = 256
	dialTimeout     = 10 * time.Second
	minReconnect    = time.Second
	maxReconnect    = time.Minute
)

// Worker keeps one arm of the octopus alive: the client connection to a
// single neighbour station. It authenticates with the neighbour's
// handshake, forwards queued envelopes in FIFO order and parks everything
// in the roaming spool while the neighbour is down.
type Worker struct {
	octopus  *Octopus
	neighbor protocol.ID
	addr     string
	dial     func() (net.Conn, error)
	log      log.Logger

	queue      chan *protocol.ReliableMessage
	handshaken atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

func newWorker(o *Octopus, neighbor protocol.ID, addr string) *Worker {
	w := &Worker{
		octopus:  o,
		neighbor: neighbor,
		addr:     addr,
		log:      o.log.New("neighbor", neighbor),
		queue:    make(chan *protocol.ReliableMessage, workerQueueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.dial = func() (net.Conn, error) {
		return net.DialTimeout("tcp", addr, dialTimeout)
	}
	return w
}

func (w *Worker) start() {
	w.startOnce.Do(func() { go w.run() })
}

// stop terminates the connect loop and moves the in-memory queue into the
// roaming spool so a restart picks it up.
func (w *Worker) stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
		// a worker that never ran has nobody to close done
		w.startOnce.Do(func() { close(w.done) })
		<-w.done
		for {
			select {
			case msg := <-w.queue:
				w.roam(msg)
			default:
				return
			}
		}
	})
}

// enqueue accepts an envelope for this neighbour. A full queue spills to
// the roaming spool instead of blocking the dispatcher.
func (w *Worker) enqueue(msg *protocol.ReliableMessage) error {
	select {
	case <-w.quit:
		w.roam(msg)
		return nil
	default:
	}
	select {
	case w.queue <- msg:
	default:
		w.roam(msg)
	}
	return nil
}

func (w *Worker) roam(msg *protocol.ReliableMessage) {
	roamedMeter.Mark(1)
	if err := w.octopus.core.Directory.Database().SpoolRoaming(w.neighbor, msg); err != nil {
		w.log.Error("Roaming spool write failed", "err", err)
	}
}

func (w *Worker) run() {
	defer close(w.done)
	backoff := minReconnect
	for {
		select {
		case <-w.quit:
			return
		default:
		}
		conn, err := w.dial()
		if err != nil {
			w.log.Debug("Neighbour unreachable", "err", err)
			select {
			case <-w.quit:
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxReconnect {
				backoff = maxReconnect
			}
			continue
		}
		backoff = minReconnect
		w.serve(conn)
	}
}

// serve runs one connection until it drops.
func (w *Worker) serve(conn net.Conn) {
	w.handshaken.Store(false)
	cd := &connDelegate{worker: w, closed: make(chan struct{})}
	docker := gate.NewDocker(conn, cd, gate.Config{Logger: w.log})
	docker.Start()
	defer docker.Close()
	w.log.Info("Neighbour connected", "addr", w.addr)

	w.sendHandshake(docker, "")
	for {
		select {
		case <-w.quit:
			return
		case <-cd.closed:
			w.log.Warn("Neighbour connection lost", "addr", w.addr)
			return
		case msg := <-w.queue:
			if !w.handshaken.Load() {
				// not authenticated yet, keep it durable instead
				w.roam(msg)
				continue
			}
			w.forward(docker, msg)
		}
	}
}

// sendHandshake drives the client side of the challenge-response. The
// reply comes back as the response to this ship.
func (w *Worker) sendHandshake(docker *gate.Docker, sessionKey string) {
	payload := w.octopus.pack(protocol.NewHandshakeStart(sessionKey), w.neighbor)
	if payload == nil {
		return
	}
	err := docker.SendPayload(payload, gate.PriorityUrgent, func(response []byte, err error) {
		if err != nil {
			return // connection teardown handles recovery
		}
		w.handshakeReply(docker, response)
	})
	if err != nil {
		w.log.Debug("Handshake send failed", "err", err)
	}
}

func (w *Worker) handshakeReply(docker *gate.Docker, response []byte) {
	msg, err := protocol.DecodeReliableMessage(response)
	if err != nil {
		return
	}
	self := w.octopus.core.User
	instant, err := msg.Decrypt(self.ID, self.Key)
	if err != nil {
		return
	}
	content, err := protocol.DecodeContent(instant.Content)
	if err != nil || content.Command != protocol.CommandHandshake {
		return
	}
	var cmd protocol.HandshakeCommand
	if err := content.DecodeInto(&cmd); err != nil {
		return
	}
	switch cmd.State() {
	case protocol.HandshakeAgain:
		w.sendHandshake(docker, cmd.Session)
	case protocol.HandshakeSuccess:
		w.log.Info("Neighbour handshake complete")
		w.handshaken.Store(true)
		go w.drainRoaming(docker)
	}
}

// forward sends one envelope and expects the neighbour's receipt; a
// transport failure or timeout diverts the envelope to the roaming spool.
func (w *Worker) forward(docker *gate.Docker, msg *protocol.ReliableMessage) {
	blob, err := msg.Encode()
	if err != nil {
		w.log.Error("Unencodable envelope dropped", "err", err)
		return
	}
	err = docker.SendPayload(blob, gate.PriorityNormal, func(_ []byte, err error) {
		if err != nil {
			w.roam(msg)
		}
	})
	if err != nil {
		w.roam(msg)
	}
}

// drainRoaming replays the envelopes parked while the neighbour was down,
// oldest batch first.
func (w *Worker) drainRoaming(docker *gate.Docker) {
	db := w.octopus.core.Directory.Database()
	for w.handshaken.Load() {
		select {
		case <-w.quit:
			return
		default:
		}
		batch, err := db.LoadRoamingBatch(w.neighbor)
		if err != nil {
			w.log.Error("Roaming spool read failed", "err", err)
			return
		}
		if batch == nil {
			return
		}
		for _, msg := range batch.Messages {
			w.forward(docker, msg)
		}
		if err := db.RemoveBatch(batch, batch.Len()); err != nil {
			w.log.Error("Roaming spool trim failed", "err", err)
			return
		}
	}
}

// connDelegate receives inbound traffic of one neighbour connection.
type connDelegate struct {
	worker *Worker
	closed chan struct{}
	once   sync.Once
}

// GateReceived implements gate.Delegate: envelopes pushed by the neighbour
// re-enter the local pipeline. The frame-level ack is reply enough.
func (c *connDelegate) GateReceived(payload []byte) []byte {
	msg, err := protocol.DecodeReliableMessage(payload)
	if err != nil {
		c.worker.log.Debug("Undecodable neighbour payload", "err", err)
		return nil
	}
	c.worker.octopus.arrival(msg)
	return nil
}

// GateClosed implements gate.Delegate.
func (c *connDelegate) GateClosed(err error) {
	c.worker.handshaken.Store(false)
	c.once.Do(func() { close(c.closed) })
}
