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
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/dimchat/dimd/facebook"
	"github.com/dimchat/dimd/gate"
	"github.com/dimchat/dimd/protocol"
	"github.com/dimchat/dimd/session"
	"github.com/dimchat/dimd/storage"
)

type account struct {
	id   protocol.ID
	meta *protocol.Meta
	priv *ecdsa.PrivateKey
}

func newAccount(t *testing.T, seed string, network protocol.NetworkType) account {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	meta, err := protocol.NewMeta(seed, priv)
	require.NoError(t, err)
	return account{id: meta.GenerateID(network), meta: meta, priv: priv}
}

func (a account) encKey() []byte {
	return crypto.CompressPubkey(&a.priv.PublicKey)
}

var errClosedSocket = errors.New("use of closed network connection")

// fakeLink records pushed payloads in place of a socket. A non-nil sendErr
// makes every send fail, as a dead socket would.
type fakeLink struct {
	mu       sync.Mutex
	sent     [][]byte
	attempts int
	sendErr  error
	closed   bool
}

func (l *fakeLink) SendPayload(payload []byte, _ gate.Priority, h gate.Handler) error {
	l.mu.Lock()
	l.attempts++
	if l.sendErr != nil {
		err := l.sendErr
		l.mu.Unlock()
		return err
	}
	l.sent = append(l.sent, append([]byte(nil), payload...))
	l.mu.Unlock()
	if h != nil {
		h(nil, nil)
	}
	return nil
}

func (l *fakeLink) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1)} }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func (l *fakeLink) tried() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// fakePush records notifications and badge resets on channels.
type fakePush struct {
	calls  chan protocol.ID
	clears chan protocol.ID
}

func newFakePush() *fakePush {
	return &fakePush{
		calls:  make(chan protocol.ID, 16),
		clears: make(chan protocol.ID, 16),
	}
}

func (p *fakePush) Push(recipient protocol.ID, text string, badge int) error {
	p.calls <- recipient
	return nil
}

func (p *fakePush) ClearBadge(recipient protocol.ID) error {
	p.clears <- recipient
	return nil
}

// fakeBridge records mesh forwards.
type fakeBridge struct {
	mu        sync.Mutex
	forwarded map[protocol.ID][]*protocol.ReliableMessage
	broadcast []*protocol.ReliableMessage
	neighbors []protocol.ID
}

func newFakeBridge(neighbors ...protocol.ID) *fakeBridge {
	return &fakeBridge{forwarded: make(map[protocol.ID][]*protocol.ReliableMessage), neighbors: neighbors}
}

func (b *fakeBridge) DeliverToNeighbor(neighbor protocol.ID, msg *protocol.ReliableMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarded[neighbor] = append(b.forwarded[neighbor], msg)
	return nil
}

func (b *fakeBridge) Broadcast(msg *protocol.ReliableMessage) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcast = append(b.broadcast, msg)
	return len(b.neighbors)
}

func (b *fakeBridge) Neighbors() []protocol.ID { return b.neighbors }

// testCore assembles a full station core on a temp directory.
type testCore struct {
	*Core
	station account
	push    *fakePush
}

func newTestCore(t *testing.T) *testCore {
	t.Helper()
	db, err := storage.New(t.TempDir(), 5)
	require.NoError(t, err)
	directory := facebook.New(db)
	stn := newAccount(t, "gsp-s001", protocol.NetworkStation)
	user := &facebook.LocalUser{ID: stn.id, Meta: stn.meta, Key: stn.priv}
	require.NoError(t, directory.SetCurrentUser(user))

	sessions := session.NewServer()
	filter := NewFilter(directory)
	push := newFakePush()
	sink := NewPushSink(push, nil)
	sink.Start()
	t.Cleanup(sink.Stop)
	dispatch := NewDispatcher(stn.id, sessions, directory, filter, sink)
	core := NewCore(user, directory, sessions, dispatch, NewSuspendQueue(nil), sink)
	return &testCore{Core: core, station: stn, push: push}
}

// register stores an account's meta so its messages verify.
func (c *testCore) register(t *testing.T, a account) {
	t.Helper()
	require.NoError(t, c.Directory.SaveMeta(a.meta, a.id))
}

// connect opens an accepted session for the account.
func (c *testCore) connect(t *testing.T, a account) *fakeLink {
	t.Helper()
	link := &fakeLink{}
	sess := c.Sessions.New(a.id, "10.0.0.1:1", link)
	c.Sessions.Accepted(sess)
	return link
}

// seal builds the stored form of a content object from one account to a
// receiver whose encryption key is given (nil for the plaintext broadcast
// encoding).
func seal(t *testing.T, from account, receiver protocol.ID, receiverKey []byte, content any) *protocol.ReliableMessage {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	instant := &protocol.InstantMessage{
		Envelope: protocol.NewEnvelope(from.id, receiver),
		Content:  raw,
	}
	secure, err := instant.Encrypt(receiverKey)
	require.NoError(t, err)
	msg, err := secure.Sign(from.priv)
	require.NoError(t, err)
	return msg
}

// open decrypts a packed reply for the given account.
func open(t *testing.T, blob []byte, as account) (*protocol.ReliableMessage, *protocol.Content) {
	t.Helper()
	msg, err := protocol.DecodeReliableMessage(blob)
	require.NoError(t, err)
	instant, err := msg.Decrypt(as.id, as.priv)
	require.NoError(t, err)
	content, err := protocol.DecodeContent(instant.Content)
	require.NoError(t, err)
	return msg, content
}
