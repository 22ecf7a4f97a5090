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
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/dimchat/dimd/facebook"
	"github.com/dimchat/dimd/gate"
	"github.com/dimchat/dimd/protocol"
	"github.com/dimchat/dimd/session"
)

var (
	msgInMeter      = metrics.NewRegisteredMeter("station/messenger/in", nil)
	msgBadMeter     = metrics.NewRegisteredMeter("station/messenger/bad", nil)
	msgSuspendMeter = metrics.NewRegisteredMeter("station/messenger/suspended", nil)
)

// a connection must complete the challenge-response within this window
const handshakeTimeout = time.Minute

// Core bundles the station-wide collaborators shared by every connection.
type Core struct {
	User      *facebook.LocalUser
	Directory *facebook.Facebook
	Sessions  *session.Server
	Dispatch  *Dispatcher
	Suspend   *SuspendQueue
	Push      *PushSink

	clock mclock.Clock
	log   log.Logger
}

func NewCore(user *facebook.LocalUser, directory *facebook.Facebook, sessions *session.Server, dispatch *Dispatcher, suspend *SuspendQueue, push *PushSink) *Core {
	return &Core{
		User:      user,
		Directory: directory,
		Sessions:  sessions,
		Dispatch:  dispatch,
		Suspend:   suspend,
		Push:      push,
		clock:     mclock.System{},
		log:       log.New("module", "messenger"),
	}
}

// Redeliver pushes suspended messages back through the pipeline after the
// missing meta arrived. Receipts are not produced; the original sender got
// one when the message was accepted.
func (c *Core) Redeliver(msgs []*protocol.ReliableMessage) {
	for _, msg := range msgs {
		if err := c.Directory.VerifyMessage(msg); err != nil {
			c.log.Debug("Released message dropped", "sender", msg.Sender, "err", err)
			continue
		}
		if _, err := c.Dispatch.Deliver(msg); err != nil {
			c.log.Debug("Released message undeliverable", "sender", msg.Sender, "err", err)
		}
	}
}

// Messenger is the per-connection protocol handler behind a gate docker.
// It verifies inbound envelopes, runs the handshake state machine,
// processes commands addressed to the station and routes everything else
// through the dispatcher.
type Messenger struct {
	core   *Core
	link   gate.Link
	remote string
	log    log.Logger
}

func NewMessenger(core *Core, link gate.Link, remote string) *Messenger {
	return &Messenger{
		core:   core,
		link:   link,
		remote: remote,
		log:    log.New("module", "messenger", "remote", remote),
	}
}

// GateClosed implements gate.Delegate.
func (m *Messenger) GateClosed(err error) {
	m.core.Sessions.Close(m.link)
}

// GateReceived implements gate.Delegate: one stored-form envelope in, at
// most one reply envelope out.
func (m *Messenger) GateReceived(payload []byte) []byte {
	msgInMeter.Mark(1)
	msg, err := protocol.DecodeReliableMessage(payload)
	if err != nil {
		msgBadMeter.Mark(1)
		m.log.Debug("Undecodable envelope", "err", err)
		return nil
	}
	switch err := m.core.Directory.VerifyMessage(msg); {
	case errors.Is(err, facebook.ErrNoMeta):
		// park it and ask the sender for credentials
		if m.core.Suspend.Suspend(msg.Sender, msg) {
			msgSuspendMeter.Mark(1)
		}
		return m.pack(protocol.NewMetaQuery(msg.Sender), msg.Sender, true)
	case err != nil:
		msgBadMeter.Mark(1)
		m.log.Debug("Envelope rejected", "sender", msg.Sender, "err", err)
		return nil
	}

	if m.forStation(msg.Receiver) {
		reply := m.process(msg)
		if msg.Receiver.Equal(protocol.EveryStation) {
			// station broadcasts also travel the mesh
			m.core.Dispatch.Deliver(msg)
		}
		return reply
	}

	// relaying needs a completed handshake
	sess := m.core.Sessions.Get(m.link)
	if sess == nil || !sess.Active() {
		if sess == nil {
			sess = m.core.Sessions.New(msg.Sender, m.remote, m.link)
			m.watchHandshake(sess)
		}
		return m.pack(protocol.NewHandshakeAgain(sess.Key), msg.Sender, true)
	}
	rcpt, err := m.core.Dispatch.Deliver(msg)
	if err != nil {
		m.log.Debug("Delivery failed", "receiver", msg.Receiver, "err", err)
		return nil
	}
	if rcpt == nil {
		return nil
	}
	return m.pack(rcpt, msg.Sender, msg.IsBroadcast())
}

// forStation reports whether the envelope is addressed to this station
// itself rather than relayed through it.
func (m *Messenger) forStation(receiver protocol.ID) bool {
	if receiver.Equal(m.core.User.ID) {
		return true
	}
	return receiver.Equal(protocol.AnyStation) || receiver.Equal(protocol.EveryStation)
}

// process opens a station-addressed envelope and runs the command.
func (m *Messenger) process(msg *protocol.ReliableMessage) []byte {
	instant, err := msg.Decrypt(m.core.User.ID, m.core.User.Key)
	if err != nil {
		m.log.Debug("Cannot open station command", "sender", msg.Sender, "err", err)
		return nil
	}
	content, err := protocol.DecodeContent(instant.Content)
	if err != nil {
		m.log.Debug("Bad content", "sender", msg.Sender, "err", err)
		return nil
	}
	attach := msg.IsBroadcast()

	switch content.Type {
	case protocol.ContentTypeCommand, protocol.ContentTypeHistory:
		return m.processCommand(content, msg, attach)
	case protocol.ContentTypeForward:
		return m.processForward(content, msg)
	default:
		// plain content addressed to the station, acknowledge and move on
		return m.reply(protocol.NewReceipt("Message received"), msg, attach)
	}
}

func (m *Messenger) processCommand(content *protocol.Content, msg *protocol.ReliableMessage, attach bool) []byte {
	switch content.Command {
	case protocol.CommandHandshake:
		return m.processHandshake(content, msg)
	case protocol.CommandLogin:
		return m.processLogin(content, msg, attach)
	case protocol.CommandMeta:
		return m.processMeta(content, msg, attach)
	case protocol.CommandProfile:
		return m.processProfile(content, msg, attach)
	case protocol.CommandMute:
		return m.processMute(content, msg, attach)
	case protocol.CommandBlock:
		return m.processBlock(content, msg, attach)
	case protocol.CommandReport:
		return m.processReport(content, msg, attach)
	case protocol.CommandSearch, protocol.CommandUsers:
		return m.processSearch(content, msg, attach)
	case protocol.CommandReceipt:
		return nil // client-side ack, nothing to do
	default:
		m.log.Debug("Unknown command", "command", content.Command, "sender", msg.Sender)
		return m.reply(protocol.NewReceipt("Command not supported: "+content.Command), msg, attach)
	}
}

// watchHandshake enforces the handshake deadline: a session still pending
// when the window closes takes its connection down with it. Answering
// heartbeats alone does not keep an unauthenticated connection alive.
func (m *Messenger) watchHandshake(sess *session.Session) {
	m.core.clock.AfterFunc(handshakeTimeout, func() {
		if sess.Active() || m.core.Sessions.Get(m.link) != sess {
			return
		}
		m.log.Debug("Handshake deadline expired", "id", sess.ID)
		m.core.Sessions.Close(m.link)
		m.link.Close()
	})
}

// processHandshake drives the server side of the challenge-response:
//
//	client hello without key  -> challenge with a fresh session key
//	client hello echoing key  -> success, session goes active
//	anything stale            -> re-challenge
func (m *Messenger) processHandshake(content *protocol.Content, msg *protocol.ReliableMessage) []byte {
	var cmd protocol.HandshakeCommand
	if err := content.DecodeInto(&cmd); err != nil {
		return nil
	}
	sess := m.core.Sessions.Get(m.link)
	if sess == nil || !sess.ID.Equal(msg.Sender) {
		sess = m.core.Sessions.New(msg.Sender, m.remote, m.link)
		m.watchHandshake(sess)
	}
	switch cmd.State() {
	case protocol.HandshakeStart, protocol.HandshakeAgain:
		if cmd.Session != "" && cmd.Session == sess.Key {
			m.core.Sessions.Accepted(sess)
			return m.pack(protocol.NewHandshakeSuccess(), msg.Sender, true)
		}
		if sess.Active() {
			// a fresh hello on an accepted session restarts authentication
			m.core.Sessions.Renew(sess)
		}
		return m.pack(protocol.NewHandshakeAgain(sess.Key), msg.Sender, true)
	default:
		return nil
	}
}

func (m *Messenger) processLogin(content *protocol.Content, msg *protocol.ReliableMessage, attach bool) []byte {
	var cmd protocol.LoginCommand
	if err := content.DecodeInto(&cmd); err != nil {
		return nil
	}
	db := m.core.Directory.Database()
	if err := db.SaveLogin(&cmd, msg); err != nil {
		m.log.Debug("Login rejected", "id", cmd.ID, "err", err)
		return m.reply(protocol.NewReceipt("Login ignored"), msg, attach)
	}
	// let the mesh know where the user is now
	m.core.Dispatch.ShareWithNeighbors(msg)
	return m.reply(protocol.NewReceipt("Login received"), msg, attach)
}

func (m *Messenger) processMeta(content *protocol.Content, msg *protocol.ReliableMessage, attach bool) []byte {
	var cmd protocol.MetaCommand
	if err := content.DecodeInto(&cmd); err != nil {
		return nil
	}
	if cmd.Meta == nil { // query
		meta, err := m.core.Directory.Meta(cmd.ID)
		if err != nil || meta == nil {
			return m.reply(protocol.NewReceipt("Meta not found: "+cmd.ID.String()), msg, attach)
		}
		return m.reply(protocol.NewMetaResponse(cmd.ID, meta), msg, attach)
	}
	if err := m.core.Directory.SaveMeta(cmd.Meta, cmd.ID); err != nil {
		return m.reply(protocol.NewReceipt("Meta rejected: "+cmd.ID.String()), msg, attach)
	}
	m.core.Redeliver(m.core.Suspend.Release(cmd.ID))
	return m.reply(protocol.NewReceipt("Meta received: "+cmd.ID.String()), msg, attach)
}

func (m *Messenger) processProfile(content *protocol.Content, msg *protocol.ReliableMessage, attach bool) []byte {
	var cmd protocol.ProfileCommand
	if err := content.DecodeInto(&cmd); err != nil {
		return nil
	}
	if cmd.Visa == nil { // query
		meta, _ := m.core.Directory.Meta(cmd.ID)
		visa, err := m.core.Directory.Visa(cmd.ID)
		if err != nil || (meta == nil && visa == nil) {
			return m.reply(protocol.NewReceipt("Profile not found: "+cmd.ID.String()), msg, attach)
		}
		return m.reply(protocol.NewProfileResponse(cmd.ID, meta, visa), msg, attach)
	}
	if cmd.Meta != nil {
		if err := m.core.Directory.SaveMeta(cmd.Meta, cmd.ID); err != nil {
			return m.reply(protocol.NewReceipt("Meta rejected: "+cmd.ID.String()), msg, attach)
		}
	}
	if err := m.core.Directory.SaveVisa(cmd.Visa); err != nil {
		return m.reply(protocol.NewReceipt("Profile rejected: "+cmd.ID.String()), msg, attach)
	}
	m.core.Redeliver(m.core.Suspend.Release(cmd.ID))
	return m.reply(protocol.NewReceipt("Profile received: "+cmd.ID.String()), msg, attach)
}

func (m *Messenger) processMute(content *protocol.Content, msg *protocol.ReliableMessage, attach bool) []byte {
	var cmd protocol.MuteCommand
	if err := content.DecodeInto(&cmd); err != nil {
		return nil
	}
	db := m.core.Directory.Database()
	if cmd.List == nil { // query
		list, _ := db.MuteList(msg.Sender)
		return m.reply(&protocol.MuteCommand{BaseCommand: cmd.BaseCommand, List: list}, msg, attach)
	}
	if err := db.SaveMuteList(msg.Sender, cmd.List); err != nil {
		return nil
	}
	return m.reply(protocol.NewReceipt("Mute list received"), msg, attach)
}

func (m *Messenger) processBlock(content *protocol.Content, msg *protocol.ReliableMessage, attach bool) []byte {
	var cmd protocol.BlockCommand
	if err := content.DecodeInto(&cmd); err != nil {
		return nil
	}
	db := m.core.Directory.Database()
	if cmd.List == nil { // query
		list, _ := db.BlockList(msg.Sender)
		return m.reply(&protocol.BlockCommand{BaseCommand: cmd.BaseCommand, List: list}, msg, attach)
	}
	if err := db.SaveBlockList(msg.Sender, cmd.List); err != nil {
		return nil
	}
	return m.reply(protocol.NewReceipt("Block list received"), msg, attach)
}

func (m *Messenger) processReport(content *protocol.Content, msg *protocol.ReliableMessage, attach bool) []byte {
	var cmd protocol.ReportCommand
	if err := content.DecodeInto(&cmd); err != nil {
		return nil
	}
	if m.core.Push != nil {
		m.core.Push.ClientReported(msg.Sender, cmd.Title)
	}
	return m.reply(protocol.NewReceipt("Client state noted"), msg, attach)
}

func (m *Messenger) processSearch(content *protocol.Content, msg *protocol.ReliableMessage, attach bool) []byte {
	var cmd protocol.SearchCommand
	if err := content.DecodeInto(&cmd); err != nil {
		return nil
	}
	limit := cmd.Limit
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	var users []protocol.ID
	if cmd.Keywords == "" || cmd.Keywords == protocol.SearchOnlineUsers {
		users = m.core.Sessions.AllUsers()
	} else {
		// name search over the online population; the station keeps no
		// global user index
		for _, id := range m.core.Sessions.AllUsers() {
			if id.Name() == cmd.Keywords {
				users = append(users, id)
			}
		}
	}
	if len(users) > limit {
		users = users[:limit]
	}
	res := protocol.NewSearchCommand(cmd.Keywords)
	res.Users = users
	res.Results = map[string]any{"count": len(users)}
	return m.reply(res, msg, attach)
}

// processForward unwraps a forwarded envelope and runs it through the
// pipeline as if it had arrived directly.
func (m *Messenger) processForward(content *protocol.Content, msg *protocol.ReliableMessage) []byte {
	var fwd protocol.ForwardContent
	if err := content.DecodeInto(&fwd); err != nil || fwd.Forward == nil {
		return nil
	}
	inner := fwd.Forward
	if err := m.core.Directory.VerifyMessage(inner); err != nil {
		m.log.Debug("Forwarded envelope rejected", "sender", inner.Sender, "err", err)
		return nil
	}
	rcpt, err := m.core.Dispatch.Deliver(inner)
	if err != nil || rcpt == nil {
		return nil
	}
	return m.pack(rcpt, msg.Sender, msg.IsBroadcast())
}

// reply packs a content object into a signed envelope back to the sender.
func (m *Messenger) reply(content any, inbound *protocol.ReliableMessage, attach bool) []byte {
	return m.pack(content, inbound.Sender, attach)
}

// pack builds, encrypts where possible and signs an outbound envelope.
// Unknown receivers get the plaintext encoding; that only happens for
// credential queries where there is nothing secret to protect.
func (m *Messenger) pack(content any, receiver protocol.ID, attach bool) []byte {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil
	}
	instant := &protocol.InstantMessage{
		Envelope: protocol.NewEnvelope(m.core.User.ID, receiver),
		Content:  raw,
	}
	var encKey []byte
	if key, err := m.core.Directory.PublicKeyForEncryption(receiver); err == nil {
		encKey = crypto.CompressPubkey(key)
	}
	secure, err := instant.Encrypt(encKey)
	if err != nil {
		return nil
	}
	out, err := secure.Sign(m.core.User.Key)
	if err != nil {
		return nil
	}
	if attach {
		out.Meta = m.core.User.Meta
		out.Visa = m.core.User.Visa
	}
	blob, err := out.Encode()
	if err != nil {
		return nil
	}
	return blob
}
