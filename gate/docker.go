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

package gate

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/dimchat/dimd/mars"
)

const (
	defaultHeartbeat     = 30 * time.Second
	defaultRetryInterval = 30 * time.Second
	defaultMaxRetries    = 3
	maxMissedPongs       = 3

	readChunk       = 16 * 1024
	readPollTimeout = time.Second
	writeIdleSleep  = 50 * time.Millisecond
)

var (
	ErrTimeout    = errors.New("gate: request timed out")
	ErrClosed     = errors.New("gate: connection closed")
	ErrShortWrite = errors.New("gate: short write")
)

var (
	framesInMeter    = metrics.NewRegisteredMeter("gate/frames/in", nil)
	framesOutMeter   = metrics.NewRegisteredMeter("gate/frames/out", nil)
	resyncMeter      = metrics.NewRegisteredMeter("gate/resync", nil)
	heartbeatTimeout = metrics.NewRegisteredCounter("gate/heartbeat/closed", nil)
)

// Delegate is the envelope pipeline behind a gate. It receives the body of
// every data-carrying frame and returns the reply body (possibly nil) that
// travels back under the same cmd and seq.
type Delegate interface {
	GateReceived(payload []byte) []byte
	GateClosed(err error)
}

// Link is the outbound surface a session holds on its connection,
// implemented by both the Mars docker and the websocket docker.
type Link interface {
	SendPayload(payload []byte, priority Priority, handler Handler) error
	RemoteAddr() net.Addr
	Close() error
}

// Config tunes one docker. Zero values select the defaults above.
type Config struct {
	Heartbeat     time.Duration
	RetryInterval time.Duration
	MaxRetries    int
	Clock         mclock.Clock
	Logger        log.Logger
}

func (c Config) withDefaults() Config {
	if c.Heartbeat == 0 {
		c.Heartbeat = defaultHeartbeat
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Clock == nil {
		c.Clock = mclock.System{}
	}
	if c.Logger == nil {
		c.Logger = log.Root()
	}
	return c
}

// Docker pumps one TCP socket: an inbound demux loop and an outbound queue
// loop, joined by the dock.
type Docker struct {
	conn     net.Conn
	cfg      Config
	dock     *Dock
	delegate Delegate
	log      log.Logger

	seq atomic.Uint32

	lastIncome  atomic.Int64 // mclock.AbsTime of last inbound frame
	missedPongs atomic.Int32

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewDocker wraps an accepted or dialed socket. Start must be called to
// launch the pumps.
func NewDocker(conn net.Conn, delegate Delegate, cfg Config) *Docker {
	cfg = cfg.withDefaults()
	d := &Docker{
		conn:     conn,
		cfg:      cfg,
		dock:     NewDock(),
		delegate: delegate,
		log:      cfg.Logger.New("remote", conn.RemoteAddr()),
		closed:   make(chan struct{}),
	}
	d.lastIncome.Store(int64(cfg.Clock.Now()))
	return d
}

// SetDelegate installs the envelope pipeline. Must be called before
// Start; it exists because the delegate usually needs the docker as its
// session link.
func (d *Docker) SetDelegate(delegate Delegate) { d.delegate = delegate }

// Start launches the read and write loops.
func (d *Docker) Start() {
	d.wg.Add(2)
	go d.readLoop()
	go d.writeLoop()
}

// Close tears the connection down and fails everything still queued.
func (d *Docker) Close() error {
	d.close(ErrClosed)
	d.wg.Wait()
	return nil
}

func (d *Docker) close(err error) {
	d.closeOnce.Do(func() {
		d.closeErr = err
		close(d.closed)
		d.conn.Close()
		for _, ship := range d.dock.Drain() {
			if ship.handler != nil {
				ship.handler(nil, err)
			}
		}
		if d.delegate != nil {
			d.delegate.GateClosed(err)
		}
	})
}

func (d *Docker) RemoteAddr() net.Addr { return d.conn.RemoteAddr() }

// SendPayload frames the payload as a PUSH_MESSAGE request and queues it.
// The handler (optional) fires with the peer's response body, or with the
// transport/timeout error.
func (d *Docker) SendPayload(payload []byte, priority Priority, handler Handler) error {
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}
	pkg := mars.NewPackage(mars.CmdPushMessage, d.nextSeq(), payload)
	ship := NewShip(pkg, priority, handler)
	ship.expectAck = handler != nil
	d.dock.Put(ship)
	return nil
}

func (d *Docker) nextSeq() uint32 {
	return d.seq.Add(1)
}

func (d *Docker) readLoop() {
	defer d.wg.Done()
	var buf []byte
	chunk := make([]byte, readChunk)
	for {
		select {
		case <-d.closed:
			return
		default:
		}
		d.conn.SetReadDeadline(time.Now().Add(readPollTimeout))
		n, err := d.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = d.drainFrames(buf)
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			d.close(err)
			return
		}
	}
}

// drainFrames parses every complete frame out of buf and returns the
// remainder.
func (d *Docker) drainFrames(buf []byte) []byte {
	for {
		pkg, n, err := mars.Parse(buf)
		if err != nil {
			// corrupted stream: drop the scanned garbage, treat the
			// synthetic NOOP as liveness
			d.log.Debug("Frame resync", "skipped", n, "err", err)
			resyncMeter.Mark(1)
			buf = buf[n:]
			d.frameReceived(pkg)
			continue
		}
		if pkg == nil {
			return buf
		}
		buf = buf[n:]
		framesInMeter.Mark(1)
		d.frameReceived(pkg)
	}
}

// frameReceived demuxes one inbound frame.
func (d *Docker) frameReceived(pkg *mars.Package) {
	d.lastIncome.Store(int64(d.cfg.Clock.Now()))
	d.missedPongs.Store(0)

	body := pkg.Body
	switch {
	case len(body) == 0 && pkg.Cmd == mars.CmdNoop:
		// bare liveness (or resync synthesis), nothing to answer
		return
	case bytes.Equal(body, mars.PingBody):
		d.respond(pkg, mars.PongBody, PrioritySlower)
		return
	case bytes.Equal(body, mars.PongBody):
		return
	case bytes.Equal(body, mars.NoopBody):
		d.respond(pkg, mars.NoopBody, PrioritySlower)
		return
	}

	// a response to one of our own requests completes its ship
	if ship := d.dock.Ack(pkg.Seq); ship != nil {
		if ship.handler != nil {
			ship.handler(body, nil)
		}
		return
	}

	// data frame: hand the body to the envelope pipeline, answer with its
	// reply under the same cmd/seq
	var res []byte
	if d.delegate != nil && len(body) > 0 {
		res = d.delegate.GateReceived(body)
	}
	priority := PriorityNormal
	if pkg.Cmd == mars.CmdNoop {
		priority = PrioritySlower
	}
	d.respond(pkg, res, priority)
}

func (d *Docker) respond(req *mars.Package, body []byte, priority Priority) {
	res := mars.NewPackage(req.Cmd, req.Seq, body)
	d.dock.Put(NewShip(res, priority, nil))
}

func (d *Docker) writeLoop() {
	defer d.wg.Done()
	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()
	for {
		worked := d.handleOutgo()
		select {
		case <-d.closed:
			return
		case <-heartbeat.C:
			if !d.checkHeartbeat() {
				return
			}
		default:
		}
		if !worked {
			select {
			case <-d.closed:
				return
			case <-time.After(writeIdleSleep):
			}
		}
	}
}

// handleOutgo sends at most one ship and reports whether there was work.
func (d *Docker) handleOutgo() bool {
	now := d.cfg.Clock.Now()
	ship := d.dock.Pop()
	if ship == nil {
		ship = d.dock.Any(now, d.cfg.RetryInterval)
		if ship == nil {
			return false
		}
		if ship.retries >= d.cfg.MaxRetries {
			d.log.Debug("Ship retries exhausted", "seq", ship.SN(), "retries", ship.retries)
			if ship.handler != nil {
				ship.handler(nil, ErrTimeout)
			}
			return true
		}
	}
	wire := ship.pkg.Encode()
	n, err := d.conn.Write(wire)
	if err == nil && n != len(wire) {
		err = ErrShortWrite
	}
	if err != nil {
		// retry of envelopes is delegated to the spool, not the frame layer
		if ship.handler != nil {
			ship.handler(nil, err)
		}
		d.close(err)
		return true
	}
	framesOutMeter.Mark(1)
	ship.update(now)
	if ship.expectAck {
		d.dock.park(ship)
	}
	return true
}

// checkHeartbeat enqueues a PING when the inbound side has gone quiet and
// closes the connection after three unanswered ones.
func (d *Docker) checkHeartbeat() bool {
	now := d.cfg.Clock.Now()
	last := mclock.AbsTime(d.lastIncome.Load())
	if time.Duration(now-last) < d.cfg.Heartbeat {
		return true
	}
	missed := d.missedPongs.Add(1)
	if missed > maxMissedPongs {
		d.log.Debug("Heartbeat lost, closing", "missed", missed-1)
		heartbeatTimeout.Inc(1)
		d.close(ErrTimeout)
		return false
	}
	ping := mars.NewPackage(mars.CmdNoop, d.nextSeq(), mars.PingBody)
	d.dock.Put(NewShip(ping, PrioritySlower, nil))
	// push the window so the next tick doesn't immediately re-ping
	d.lastIncome.Store(int64(now))
	return true
}
