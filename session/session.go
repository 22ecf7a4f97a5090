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

// Package session maintains the process-wide registry mapping authenticated
// identities to live connections.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/dimchat/dimd/gate"
	"github.com/dimchat/dimd/protocol"
)

// Session links an authenticated identity to one live connection. The
// session key is a server-issued nonce used as the handshake challenge;
// Active stays false until the client echoes it back.
type Session struct {
	ID            protocol.ID
	Key           string
	ClientAddress string
	Created       time.Time

	link   gate.Link
	active atomic.Bool
}

// Active reports whether the handshake has completed on this session.
func (s *Session) Active() bool { return s.active.Load() }

// SetActive flips the handshake state.
func (s *Session) SetActive(v bool) { s.active.Store(v) }

// Link returns the connection bound to this session, nil before Bind.
func (s *Session) Link() gate.Link { return s.link }

// Push sends an envelope payload to this session's connection.
func (s *Session) Push(payload []byte, priority gate.Priority, handler gate.Handler) error {
	if s.link == nil {
		return gate.ErrClosed
	}
	return s.link.SendPayload(payload, priority, handler)
}

// Event is published on the login/logout feeds.
type Event struct {
	ID            protocol.ID
	ClientAddress string
}

// Server is the session table. It permits multiple simultaneous sessions
// per identity (one per device), at most one session per connection.
type Server struct {
	mu     sync.RWMutex
	byID   map[protocol.ID][]*Session
	byLink map[gate.Link]*Session

	loginFeed  event.FeedOf[Event]
	logoutFeed event.FeedOf[Event]

	log log.Logger
}

func NewServer() *Server {
	return &Server{
		byID:   make(map[protocol.ID][]*Session),
		byLink: make(map[gate.Link]*Session),
		log:    log.New("module", "session"),
	}
}

// New creates or replaces the session for the identity on the given
// connection, issuing a fresh random key. The session starts inactive.
func (s *Server) New(id protocol.ID, clientAddress string, link gate.Link) *Session {
	sess := &Session{
		ID:            id,
		Key:           uuid.NewString(),
		ClientAddress: clientAddress,
		Created:       time.Now(),
		link:          link,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byLink[link]; ok {
		s.removeLocked(old)
	}
	s.byLink[link] = sess
	s.byID[id] = append(s.byID[id], sess)
	s.log.Debug("Session created", "id", id, "addr", clientAddress)
	return sess
}

// Renew replaces the session key, used when a handshake challenge fails
// and the client must be re-challenged.
func (s *Server) Renew(sess *Session) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.Key = uuid.NewString()
	sess.SetActive(false)
	return sess.Key
}

// Get returns the session bound to a connection, nil if none.
func (s *Server) Get(link gate.Link) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byLink[link]
}

// Lookup returns all sessions of an identity, active or not.
func (s *Server) Lookup(id protocol.ID) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, len(s.byID[id]))
	copy(out, s.byID[id])
	return out
}

// ActiveSessions returns only the sessions that completed the handshake.
func (s *Server) ActiveSessions(id protocol.ID) []*Session {
	all := s.Lookup(id)
	out := all[:0]
	for _, sess := range all {
		if sess.Active() {
			out = append(out, sess)
		}
	}
	return out
}

// IsActive reports whether at least one session of the identity is active.
func (s *Server) IsActive(id protocol.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.byID[id] {
		if sess.Active() {
			return true
		}
	}
	return false
}

// AllUsers returns every identity with at least one active session.
func (s *Server) AllUsers() []protocol.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.ID, 0, len(s.byID))
	for id, sessions := range s.byID {
		for _, sess := range sessions {
			if sess.Active() {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// Accepted marks the session active and publishes USER_LOGIN.
func (s *Server) Accepted(sess *Session) {
	sess.SetActive(true)
	s.log.Info("Handshake accepted", "id", sess.ID, "addr", sess.ClientAddress)
	s.loginFeed.Send(Event{ID: sess.ID, ClientAddress: sess.ClientAddress})
}

// Close evicts the session bound to the connection and publishes
// USER_LOGOUT if it was active.
func (s *Server) Close(link gate.Link) {
	s.mu.Lock()
	sess, ok := s.byLink[link]
	if ok {
		s.removeLocked(sess)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.log.Debug("Session closed", "id", sess.ID, "addr", sess.ClientAddress)
	if sess.Active() {
		sess.SetActive(false)
		s.logoutFeed.Send(Event{ID: sess.ID, ClientAddress: sess.ClientAddress})
	}
}

func (s *Server) removeLocked(sess *Session) {
	delete(s.byLink, sess.link)
	list := s.byID[sess.ID]
	for i, cur := range list {
		if cur == sess {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.byID, sess.ID)
	} else {
		s.byID[sess.ID] = list
	}
}

// DisconnectAll closes every live connection, used on station shutdown.
// Eviction happens through the normal GateClosed path of each connection.
func (s *Server) DisconnectAll() {
	s.mu.RLock()
	links := make([]gate.Link, 0, len(s.byLink))
	for link := range s.byLink {
		links = append(links, link)
	}
	s.mu.RUnlock()
	for _, link := range links {
		link.Close()
	}
}

// SubscribeLogin delivers USER_LOGIN events (handshake accepted).
func (s *Server) SubscribeLogin(ch chan<- Event) event.Subscription {
	return s.loginFeed.Subscribe(ch)
}

// SubscribeLogout delivers USER_LOGOUT events (connection closed).
func (s *Server) SubscribeLogout(ch chan<- Event) event.Subscription {
	return s.logoutFeed.Subscribe(ch)
}
