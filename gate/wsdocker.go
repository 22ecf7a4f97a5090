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
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
)

// WSDocker pumps one websocket connection. Each websocket message carries
// exactly one envelope JSON payload; liveness uses the protocol's own
// ping/pong control frames, so the Mars framing and its reserved bodies do
// not apply here.
type WSDocker struct {
	conn     *websocket.Conn
	cfg      Config
	delegate Delegate
	log      log.Logger

	out chan *Ship

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSDocker wraps an upgraded websocket connection.
func NewWSDocker(conn *websocket.Conn, delegate Delegate, cfg Config) *WSDocker {
	cfg = cfg.withDefaults()
	return &WSDocker{
		conn:     conn,
		cfg:      cfg,
		delegate: delegate,
		log:      cfg.Logger.New("remote", conn.RemoteAddr(), "transport", "ws"),
		out:      make(chan *Ship, 256),
		closed:   make(chan struct{}),
	}
}

// SetDelegate installs the envelope pipeline, before Start.
func (d *WSDocker) SetDelegate(delegate Delegate) { d.delegate = delegate }

// Start launches the pumps.
func (d *WSDocker) Start() {
	d.conn.SetReadDeadline(time.Now().Add(2 * d.cfg.Heartbeat))
	d.conn.SetPongHandler(func(string) error {
		d.conn.SetReadDeadline(time.Now().Add(2 * d.cfg.Heartbeat))
		return nil
	})
	d.wg.Add(2)
	go d.readLoop()
	go d.writeLoop()
}

// Close tears the connection down.
func (d *WSDocker) Close() error {
	d.close(ErrClosed)
	d.wg.Wait()
	return nil
}

func (d *WSDocker) close(err error) {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.conn.Close()
		for {
			select {
			case ship := <-d.out:
				if ship.handler != nil {
					ship.handler(nil, err)
				}
				continue
			default:
			}
			break
		}
		if d.delegate != nil {
			d.delegate.GateClosed(err)
		}
	})
}

func (d *WSDocker) RemoteAddr() net.Addr { return d.conn.RemoteAddr() }

// SendPayload queues one websocket message. There is no per-message ack on
// this transport; the handler fires as soon as the write succeeds.
func (d *WSDocker) SendPayload(payload []byte, priority Priority, handler Handler) error {
	ship := NewShip(nil, priority, handler)
	ship.payloadOverride = payload
	select {
	case <-d.closed:
		return ErrClosed
	case d.out <- ship:
		return nil
	default:
		return ErrTimeout
	}
}

func (d *WSDocker) readLoop() {
	defer d.wg.Done()
	for {
		_, payload, err := d.conn.ReadMessage()
		if err != nil {
			d.close(err)
			return
		}
		d.conn.SetReadDeadline(time.Now().Add(2 * d.cfg.Heartbeat))
		framesInMeter.Mark(1)
		if d.delegate == nil || len(payload) == 0 {
			continue
		}
		if res := d.delegate.GateReceived(payload); len(res) > 0 {
			d.SendPayload(res, PriorityNormal, nil)
		}
	}
}

func (d *WSDocker) writeLoop() {
	defer d.wg.Done()
	ping := time.NewTicker(d.cfg.Heartbeat)
	defer ping.Stop()
	for {
		select {
		case <-d.closed:
			return
		case <-ping.C:
			d.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := d.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				d.close(err)
				return
			}
		case ship := <-d.out:
			d.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := d.conn.WriteMessage(websocket.TextMessage, ship.payloadOverride)
			if ship.handler != nil {
				ship.handler(nil, err)
			}
			if err != nil {
				d.close(err)
				return
			}
			framesOutMeter.Mark(1)
		}
	}
}
