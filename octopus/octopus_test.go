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
	"crypto/ecdsa"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimchat/dimd/facebook"
	"github.com/dimchat/dimd/gate"
	"github.com/dimchat/dimd/protocol"
	"github.com/dimchat/dimd/session"
	"github.com/dimchat/dimd/station"
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

// newStationCore assembles a full relay core for one test station.
func newStationCore(t *testing.T, seed string) (*station.Core, account) {
	t.Helper()
	db, err := storage.New(t.TempDir(), 5)
	require.NoError(t, err)
	directory := facebook.New(db)
	stn := newAccount(t, seed, protocol.NetworkStation)
	user := &facebook.LocalUser{ID: stn.id, Meta: stn.meta, Key: stn.priv}
	require.NoError(t, directory.SetCurrentUser(user))

	sessions := session.NewServer()
	dispatch := station.NewDispatcher(stn.id, sessions, directory, station.NewFilter(directory), nil)
	core := station.NewCore(user, directory, sessions, dispatch, station.NewSuspendQueue(nil), nil)
	return core, stn
}

// fakeLink records session pushes.
type fakeLink struct {
	mu   sync.Mutex
	sent [][]byte
}

func (l *fakeLink) SendPayload(payload []byte, _ gate.Priority, h gate.Handler) error {
	l.mu.Lock()
	l.sent = append(l.sent, append([]byte(nil), payload...))
	l.mu.Unlock()
	if h != nil {
		h(nil, nil)
	}
	return nil
}

func (l *fakeLink) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 9)} }
func (l *fakeLink) Close() error         { return nil }

func (l *fakeLink) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func sealTo(t *testing.T, from account, receiver protocol.ID, receiverKey []byte, content any) *protocol.ReliableMessage {
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

func TestBroadcastSkipsVisitedNeighbors(t *testing.T) {
	core, _ := newStationCore(t, "gsp-s001")
	o := New(core)
	n1 := newAccount(t, "gsp-s002", protocol.NetworkStation)
	n2 := newAccount(t, "gsp-s003", protocol.NetworkStation)
	o.AddNeighbor(n1.id, "127.0.0.1:9395")
	o.AddNeighbor(n2.id, "127.0.0.1:9396")
	defer o.Stop()

	alice := newAccount(t, "alice", protocol.NetworkUser)
	msg := sealTo(t, alice, protocol.Everyone, nil, protocol.NewReceipt("hi all"))
	msg.Traces = []protocol.ID{n1.id} // n1 already saw it

	n := o.Broadcast(msg)
	assert.Equal(t, 1, n, "only the unvisited neighbour gets it")
	assert.True(t, msg.SentTo(n2.id))
	assert.False(t, msg.SentTo(n1.id))

	// a second broadcast of the same envelope reaches nobody new
	assert.Zero(t, o.Broadcast(msg))
}

func TestBroadcastTargetStrip(t *testing.T) {
	core, _ := newStationCore(t, "gsp-s001")
	o := New(core)
	n1 := newAccount(t, "gsp-s002", protocol.NetworkStation)
	n2 := newAccount(t, "gsp-s003", protocol.NetworkStation)
	o.AddNeighbor(n1.id, "127.0.0.1:9395")
	o.AddNeighbor(n2.id, "127.0.0.1:9396")
	defer o.Stop()

	alice := newAccount(t, "alice", protocol.NetworkUser)
	msg := sealTo(t, alice, protocol.Everyone, nil, protocol.NewReceipt("hi"))
	target := n2.id
	msg.Target = &target

	assert.Equal(t, 1, o.Broadcast(msg))
	assert.Nil(t, msg.Target, "target strip must be consumed at the mesh edge")
}

func TestStopParksQueueInRoamingSpool(t *testing.T) {
	core, _ := newStationCore(t, "gsp-s001")
	o := New(core)
	neighbor := newAccount(t, "gsp-s002", protocol.NetworkStation)
	o.AddNeighbor(neighbor.id, "127.0.0.1:9395")

	alice := newAccount(t, "alice", protocol.NetworkUser)
	bob := newAccount(t, "bob", protocol.NetworkUser)
	msg := sealTo(t, alice, bob.id, nil, protocol.NewReceipt("hi"))
	require.NoError(t, o.DeliverToNeighbor(neighbor.id, msg))

	o.Stop()

	batch, err := core.Directory.Database().LoadRoamingBatch(neighbor.id)
	require.NoError(t, err)
	require.NotNil(t, batch, "queued envelope must survive shutdown")
	assert.Equal(t, msg.SignatureKey(), batch.Messages[0].SignatureKey())
}

func TestDeliverToUnknownNeighbor(t *testing.T) {
	core, _ := newStationCore(t, "gsp-s001")
	o := New(core)
	ghost := newAccount(t, "gsp-s009", protocol.NetworkStation)
	alice := newAccount(t, "alice", protocol.NetworkUser)
	msg := sealTo(t, alice, alice.id, nil, protocol.NewReceipt("hi"))
	assert.ErrorIs(t, o.DeliverToNeighbor(ghost.id, msg), ErrUnknownNeighbor)
}

// TestNeighborBridgeEndToEnd wires two full stations together over an
// in-memory pipe: station A's octopus dials station B, completes the
// handshake and relays an envelope to a user connected at B.
func TestNeighborBridgeEndToEnd(t *testing.T) {
	coreA, stnA := newStationCore(t, "gsp-s001")
	coreB, _ := newStationCore(t, "gsp-s002")

	// bob sits on station B with a live session
	bob := newAccount(t, "bob", protocol.NetworkUser)
	require.NoError(t, coreB.Directory.SaveMeta(bob.meta, bob.id))
	bobLink := &fakeLink{}
	coreB.Sessions.Accepted(coreB.Sessions.New(bob.id, "10.0.0.9:9", bobLink))

	// B's server side of the pipe runs a real messenger behind a docker
	clientConn, serverConn := net.Pipe()
	serverDocker := gate.NewDocker(serverConn, nil, gate.Config{})
	serverDocker.SetDelegate(station.NewMessenger(coreB, serverDocker, "10.0.0.1:1"))
	serverDocker.Start()
	defer serverDocker.Close()

	// A's octopus dials the pipe instead of TCP
	o := New(coreA)
	neighborB := coreB.User.ID
	o.AddNeighbor(neighborB, "pipe")
	o.workers[neighborB].dial = func() (net.Conn, error) { return clientConn, nil }
	o.Start()
	defer o.Stop()

	// the arm authenticates itself with B
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if coreB.Sessions.IsActive(stnA.id) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, coreB.Sessions.IsActive(stnA.id), "station handshake never completed")

	// alice (known at B via attached meta) sends bob a message through A
	alice := newAccount(t, "alice", protocol.NetworkUser)
	require.NoError(t, coreA.Directory.SaveMeta(alice.meta, alice.id))
	msg := sealTo(t, alice, bob.id, crypto.CompressPubkey(&bob.priv.PublicKey), protocol.NewReceipt("hi"))
	msg.Meta = alice.meta
	msg.AppendTrace(stnA.id)
	require.NoError(t, o.DeliverToNeighbor(neighborB, msg))

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if bobLink.count() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, bobLink.count(), "envelope never reached bob's session")

	// the copy bob got carries both stations' traces
	delivered, err := protocol.DecodeReliableMessage(bobLink.sent[0])
	require.NoError(t, err)
	assert.True(t, delivered.IsTraced(stnA.id))
	assert.True(t, delivered.IsTraced(coreB.User.ID))
}
