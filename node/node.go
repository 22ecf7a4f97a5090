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

// Package node assembles one relay station process: identity, storage, the
// session table, the relay pipeline, the listeners and the mesh bridge.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/dimchat/dimd/facebook"
	"github.com/dimchat/dimd/gate"
	"github.com/dimchat/dimd/octopus"
	"github.com/dimchat/dimd/protocol"
	"github.com/dimchat/dimd/session"
	"github.com/dimchat/dimd/station"
	"github.com/dimchat/dimd/storage"
)

// Station is the assembled relay process.
type Station struct {
	cfg  *Config
	log  log.Logger
	core *station.Core

	db           *storage.Database
	receptionist *station.Receptionist
	sink         *station.PushSink
	bridge       *octopus.Octopus

	listener net.Listener
	wsServer *http.Server

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

// New builds a station from its configuration. The push service may be nil;
// notifications are then skipped.
func New(cfg *Config, push station.PushService) (*Station, error) {
	id, err := protocol.ParseID(cfg.Station.ID)
	if err != nil {
		return nil, fmt.Errorf("station id: %w", err)
	}
	keyHex, err := cfg.keyHex()
	if err != nil {
		return nil, fmt.Errorf("station key: %w", err)
	}
	priv, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("station key: %w", err)
	}
	meta, err := protocol.NewMeta(id.Name(), priv)
	if err != nil {
		return nil, err
	}
	if !meta.MatchID(id) {
		return nil, fmt.Errorf("station key does not derive id %s", id)
	}

	db, err := storage.New(cfg.Database.Root, cfg.Database.BatchSize)
	if err != nil {
		return nil, err
	}
	directory := facebook.New(db)
	var visa *protocol.Visa
	if cfg.Station.Name != "" {
		if visa, err = protocol.NewVisa(id, cfg.Station.Name, "", nil, priv); err != nil {
			return nil, err
		}
	}
	user := &facebook.LocalUser{ID: id, Meta: meta, Visa: visa, Key: priv}
	if err := directory.SetCurrentUser(user); err != nil {
		return nil, err
	}
	for name, raw := range cfg.ANS {
		target, err := protocol.ParseID(raw)
		if err != nil {
			return nil, fmt.Errorf("ans record %q: %w", name, err)
		}
		directory.SetANSRecord(name, target)
	}

	sessions := session.NewServer()
	sink := station.NewPushSink(push, nil)
	dispatch := station.NewDispatcher(id, sessions, directory, station.NewFilter(directory), sink)
	core := station.NewCore(user, directory, sessions, dispatch, station.NewSuspendQueue(nil), sink)

	s := &Station{
		cfg:          cfg,
		log:          log.New("module", "node", "station", id),
		core:         core,
		db:           db,
		receptionist: station.NewReceptionist(sessions, db, sink, nil),
		sink:         sink,
		quit:         make(chan struct{}),
	}
	if len(cfg.Neighbors) > 0 {
		s.bridge = octopus.New(core)
		for _, n := range cfg.Neighbors {
			neighbor, err := protocol.ParseID(n.ID)
			if err != nil {
				return nil, fmt.Errorf("neighbor id %q: %w", n.ID, err)
			}
			s.bridge.AddNeighbor(neighbor, n.Addr())
		}
		dispatch.SetBridge(s.bridge)
	}
	return s, nil
}

// Core exposes the assembled pipeline, mostly for tests.
func (s *Station) Core() *station.Core { return s.core }

// Addr returns the bound TCP listener address, nil before Start.
func (s *Station) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listeners and launches every background loop.
func (s *Station) Start() error {
	err := errors.New("node: already started")
	s.startOnce.Do(func() { err = s.start() })
	return err
}

func (s *Station) start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Station.Host, s.cfg.Station.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.listener = listener
	s.log.Info("Station listening", "addr", listener.Addr())

	s.sink.Start()
	s.receptionist.Start()
	if s.bridge != nil {
		s.bridge.Start()
	}

	s.wg.Add(1)
	go s.acceptLoop()

	if s.cfg.Station.WSPort > 0 {
		if err := s.startWS(); err != nil {
			s.Stop()
			return err
		}
	}
	return nil
}

// Wait blocks until the station is stopped.
func (s *Station) Wait() {
	<-s.quit
}

// Stop tears the station down: listeners first so no new envelope arrives
// while the spool settles, then the background loops.
func (s *Station) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		if s.wsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.wsServer.Shutdown(ctx)
			cancel()
		}
		s.wg.Wait()
		s.core.Sessions.DisconnectAll()
		if s.bridge != nil {
			s.bridge.Stop()
		}
		s.receptionist.Stop()
		s.sink.Stop()
		s.log.Info("Station stopped")
	})
}

func (s *Station) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
			default:
				if !errors.Is(err, net.ErrClosed) {
					s.log.Warn("Accept failed", "err", err)
				}
			}
			return
		}
		s.serveConn(conn)
	}
}

// serveConn wires one accepted socket into the pipeline. The docker owns
// the socket from here on and tears itself down on transport errors.
func (s *Station) serveConn(conn net.Conn) {
	docker := gate.NewDocker(conn, nil, gate.Config{Logger: s.log})
	docker.SetDelegate(station.NewMessenger(s.core, docker, conn.RemoteAddr().String()))
	docker.Start()
	s.log.Debug("Connection accepted", "remote", conn.RemoteAddr())
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	// browser clients connect from arbitrary origins; authentication is the
	// handshake command, not the Origin header
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Station) startWS() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Station.Host, s.cfg.Station.WSPort)
	wsListener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind ws %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveWS)
	s.wsServer = &http.Server{Handler: mux}
	s.log.Info("Websocket listening", "addr", wsListener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.wsServer.Serve(wsListener); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Websocket server failed", "err", err)
		}
	}()
	return nil
}

func (s *Station) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	docker := gate.NewWSDocker(conn, nil, gate.Config{Logger: s.log})
	docker.SetDelegate(station.NewMessenger(s.core, docker, r.RemoteAddr))
	docker.Start()
	s.log.Debug("Websocket accepted", "remote", r.RemoteAddr)
}

// Run starts the station and keeps it up until the context is cancelled,
// then shuts it down. Used by the command-line frontend.
func (s *Station) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.Stop()
		return nil
	})
	g.Go(func() error {
		s.Wait()
		return nil
	})
	return g.Wait()
}
