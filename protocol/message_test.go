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

package protocol

import (
	"crypto/ecdsa"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

type testUser struct {
	id   ID
	meta *Meta
	priv *ecdsa.PrivateKey
}

func newTestUser(t *testing.T, seed string) *testUser {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	meta, err := NewMeta(seed, priv)
	require.NoError(t, err)
	return &testUser{id: meta.GenerateID(NetworkUser), meta: meta, priv: priv}
}

// seal runs the full client-side pipeline: content -> secure -> reliable.
func (u *testUser) seal(t *testing.T, receiver *testUser, content any) *ReliableMessage {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	instant := &InstantMessage{Envelope: NewEnvelope(u.id, receiver.id), Content: raw}
	secure, err := instant.Encrypt(crypto.CompressPubkey(&receiver.priv.PublicKey))
	require.NoError(t, err)
	reliable, err := secure.Sign(u.priv)
	require.NoError(t, err)
	return reliable
}

func TestMessageRoundTrip(t *testing.T) {
	alice := newTestUser(t, "alice")
	bob := newTestUser(t, "bob")

	msg := alice.seal(t, bob, map[string]any{"type": 1, "sn": 42, "text": "hi bob"})
	require.NoError(t, msg.Verify(alice.meta))

	wire, err := msg.Encode()
	require.NoError(t, err)
	back, err := DecodeReliableMessage(wire)
	require.NoError(t, err)
	require.Equal(t, msg.SignatureKey(), back.SignatureKey())
	require.Equal(t, alice.id, back.Sender)
	require.Equal(t, bob.id, back.Receiver)

	// bob can open it, a third party cannot
	instant, err := back.SecureMessage.Decrypt(bob.id, bob.priv)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(instant.Content, &body))
	require.Equal(t, "hi bob", body["text"])

	carol := newTestUser(t, "carol")
	_, err = back.SecureMessage.Decrypt(carol.id, carol.priv)
	require.ErrorIs(t, err, ErrNotForMe)
}

func TestMessageVerifyRejectsForgery(t *testing.T) {
	alice := newTestUser(t, "alice")
	bob := newTestUser(t, "bob")
	msg := alice.seal(t, bob, map[string]any{"text": "x"})

	require.ErrorIs(t, msg.Verify(bob.meta), ErrBadSignature)

	msg.Data[0] ^= 0xFF
	require.ErrorIs(t, msg.Verify(alice.meta), ErrBadSignature)
}

func TestAppendTraceIdempotent(t *testing.T) {
	alice := newTestUser(t, "alice")
	bob := newTestUser(t, "bob")
	station := testID(t, "gsp-s001", NetworkStation)
	other := testID(t, "gsp-s002", NetworkStation)

	msg := alice.seal(t, bob, map[string]any{"text": "x"})
	require.False(t, msg.IsTraced(station))
	require.False(t, msg.AppendTrace(station))
	require.True(t, msg.AppendTrace(station))
	require.True(t, msg.AppendTrace(station))
	require.Len(t, msg.Traces, 1)

	require.False(t, msg.AppendTrace(other))
	require.Len(t, msg.Traces, 2)
}

func TestBroadcastMessage(t *testing.T) {
	alice := newTestUser(t, "alice")

	raw, _ := json.Marshal(NewHandshakeStart(""))
	instant := &InstantMessage{Envelope: NewEnvelope(alice.id, EveryStation), Content: raw}
	secure, err := instant.Encrypt(nil)
	require.NoError(t, err)
	msg, err := secure.Sign(alice.priv)
	require.NoError(t, err)

	require.True(t, msg.IsBroadcast())

	// broadcast content is readable without any key
	station := newTestUser(t, "gsp-s001")
	instant2, err := msg.SecureMessage.Decrypt(station.id, station.priv)
	require.NoError(t, err)
	content, err := DecodeContent(instant2.Content)
	require.NoError(t, err)
	require.Equal(t, CommandHandshake, content.Command)

	var hs HandshakeCommand
	require.NoError(t, content.DecodeInto(&hs))
	require.Equal(t, HandshakeStart, hs.State())
}

func TestGroupBroadcastFlag(t *testing.T) {
	alice := newTestUser(t, "alice")
	bob := newTestUser(t, "bob")
	msg := alice.seal(t, bob, map[string]any{"text": "x"})
	require.False(t, msg.IsBroadcast())

	g := EveryStation
	msg.Group = &g
	require.True(t, msg.IsBroadcast())
}
