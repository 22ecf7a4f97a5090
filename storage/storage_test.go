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

package storage

import (
	"crypto/ecdsa"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimchat/dimd/protocol"
)

func testDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(t.TempDir(), 5) // small batches so tests roll over
	require.NoError(t, err)
	return db
}

func testIdentity(t *testing.T, seed string) (protocol.ID, *protocol.Meta, *ecdsa.PrivateKey) {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	meta, err := protocol.NewMeta(seed, priv)
	require.NoError(t, err)
	return meta.GenerateID(protocol.NetworkUser), meta, priv
}

// testMessage builds a stored-form envelope with a unique signature.
func testMessage(sender, receiver protocol.ID, n int) *protocol.ReliableMessage {
	return &protocol.ReliableMessage{
		SecureMessage: protocol.SecureMessage{
			Envelope: protocol.Envelope{Sender: sender, Receiver: receiver, Time: time.Now().Unix()},
			Data:     []byte(fmt.Sprintf("ciphertext-%d", n)),
		},
		Signature: []byte(fmt.Sprintf("sig-%04d-padding-to-sixty-four-bytes-of-signature-material-%04d", n, n)),
	}
}

func TestMetaWriteOnce(t *testing.T) {
	db := testDB(t)
	alice, meta, _ := testIdentity(t, "alice")

	require.NoError(t, db.SaveMeta(meta, alice))
	// idempotent re-upload of the same meta
	require.NoError(t, db.SaveMeta(meta, alice))

	got, err := db.Meta(alice)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.MatchID(alice))

	// a different key under the same seed derives a different address,
	// so it must fail the match check
	_, other, _ := testIdentity(t, "alice")
	assert.ErrorIs(t, db.SaveMeta(other, alice), ErrMetaMismatch)
}

func TestMetaCacheSurvivesReopen(t *testing.T) {
	db := testDB(t)
	alice, meta, _ := testIdentity(t, "alice")
	require.NoError(t, db.SaveMeta(meta, alice))

	reopened, err := New(db.Root(), 0)
	require.NoError(t, err)
	got, err := reopened.Meta(alice)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.MatchID(alice))
}

func TestVisaLastWriterWins(t *testing.T) {
	db := testDB(t)
	alice, meta, priv := testIdentity(t, "alice")

	v1, err := protocol.NewVisa(alice, "Alice", "", nil, priv)
	require.NoError(t, err)
	require.NoError(t, db.SaveVisa(v1))

	v2, err := protocol.NewVisa(alice, "Alice 2", "", nil, priv)
	require.NoError(t, err)
	require.NoError(t, db.SaveVisa(v2))

	got, err := db.Visa(alice)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Verify(meta))
	assert.Equal(t, "Alice 2", got.Name())
}

func TestLoginNewerTimeWins(t *testing.T) {
	db := testDB(t)
	alice, _, _ := testIdentity(t, "alice")
	now := time.Now().Unix()

	cmd := protocol.NewLoginCommand(alice, now)
	msg := testMessage(alice, alice, 1)
	require.NoError(t, db.SaveLogin(cmd, msg))

	// replay and older commands are rejected
	assert.ErrorIs(t, db.SaveLogin(cmd, msg), ErrStaleLogin)
	old := protocol.NewLoginCommand(alice, now-100)
	assert.ErrorIs(t, db.SaveLogin(old, testMessage(alice, alice, 2)), ErrStaleLogin)

	// newer moves forward
	newer := protocol.NewLoginCommand(alice, now+100)
	require.NoError(t, db.SaveLogin(newer, testMessage(alice, alice, 3)))

	got, carrier, err := db.Login(alice)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, now+100, got.Time)
	require.NotNil(t, carrier)
}

func TestLoginRejectsForgedSender(t *testing.T) {
	db := testDB(t)
	alice, _, _ := testIdentity(t, "alice")
	bob, _, _ := testIdentity(t, "bob")

	cmd := protocol.NewLoginCommand(alice, time.Now().Unix())
	err := db.SaveLogin(cmd, testMessage(bob, alice, 1))
	assert.ErrorIs(t, err, ErrLoginSenderMismatch)
}

func TestLoginExpires(t *testing.T) {
	db := testDB(t)
	alice, _, _ := testIdentity(t, "alice")

	stale := protocol.NewLoginCommand(alice, time.Now().Add(-8*24*time.Hour).Unix())
	require.NoError(t, db.SaveLogin(stale, testMessage(alice, alice, 1)))

	cmd, _, err := db.Login(alice)
	require.NoError(t, err)
	assert.Nil(t, cmd, "a week-old login must read as absent")
	assert.True(t, db.LoginTime(alice).IsZero())
}

func TestSpoolOrderAndBatchRollover(t *testing.T) {
	db := testDB(t) // batch size 5
	alice, _, _ := testIdentity(t, "alice")
	bob, _, _ := testIdentity(t, "bob")

	for i := 0; i < 12; i++ {
		require.NoError(t, db.SpoolMessage(testMessage(bob, alice, i)))
	}
	count, err := db.SpoolCount(alice)
	require.NoError(t, err)
	assert.Equal(t, 12, count)

	// batches come back oldest first, envelope order preserved
	seen := 0
	for {
		batch, err := db.LoadBatch(alice)
		require.NoError(t, err)
		if batch == nil {
			break
		}
		for _, msg := range batch.Messages {
			assert.Equal(t, testMessage(bob, alice, seen).SignatureKey(), msg.SignatureKey())
			seen++
		}
		require.NoError(t, db.RemoveBatch(batch, batch.Len()))
	}
	assert.Equal(t, 12, seen)
}

func TestSpoolAppendIdempotent(t *testing.T) {
	db := testDB(t)
	alice, _, _ := testIdentity(t, "alice")
	bob, _, _ := testIdentity(t, "bob")

	msg := testMessage(bob, alice, 1)
	require.NoError(t, db.SpoolMessage(msg))
	require.NoError(t, db.SpoolMessage(msg)) // retry after a crash

	count, err := db.SpoolCount(alice)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSpoolPartialRemove(t *testing.T) {
	db := testDB(t)
	alice, _, _ := testIdentity(t, "alice")
	bob, _, _ := testIdentity(t, "bob")

	for i := 0; i < 4; i++ {
		require.NoError(t, db.SpoolMessage(testMessage(bob, alice, i)))
	}
	batch, err := db.LoadBatch(alice)
	require.NoError(t, err)
	require.Equal(t, 4, batch.Len())

	// only two were pushed before the connection dropped
	require.NoError(t, db.RemoveBatch(batch, 2))

	batch, err = db.LoadBatch(alice)
	require.NoError(t, err)
	require.Equal(t, 2, batch.Len())
	assert.Equal(t, testMessage(bob, alice, 2).SignatureKey(), batch.Messages[0].SignatureKey())
}

func TestRoamingSpool(t *testing.T) {
	db := testDB(t)
	alice, _, _ := testIdentity(t, "alice")
	bob, _, _ := testIdentity(t, "bob")
	neighborKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	neighborMeta, err := protocol.NewMeta("gsp-s002", neighborKey)
	require.NoError(t, err)
	neighbor := neighborMeta.GenerateID(protocol.NetworkStation)

	require.NoError(t, db.SpoolRoaming(neighbor, testMessage(bob, alice, 1)))
	batch, err := db.LoadRoamingBatch(neighbor)
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Equal(t, 1, batch.Len())
	require.NoError(t, db.RemoveBatch(batch, 1))

	batch, err = db.LoadRoamingBatch(neighbor)
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestGroupKeysMerge(t *testing.T) {
	db := testDB(t)
	group, _, _ := testIdentity(t, "polylogue")
	bob, _, _ := testIdentity(t, "bob")

	require.NoError(t, db.SaveGroupKeys(group, bob, map[string]string{
		"member-a": "key-a1",
		"member-b": "key-b1",
	}))
	// empty values must not erase what is stored
	require.NoError(t, db.SaveGroupKeys(group, bob, map[string]string{
		"member-a": "key-a2",
		"member-b": "",
		"member-c": "key-c1",
	}))

	keys, err := db.GroupKeys(group, bob)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"member-a": "key-a2",
		"member-b": "key-b1",
		"member-c": "key-c1",
	}, keys)
}

func TestSecretPassthrough(t *testing.T) {
	db := testDB(t)
	alice, _, _ := testIdentity(t, "alice")

	blob := []byte(`{"algorithm":"AES","data":"b64..."}`)
	require.NoError(t, db.SaveSecret(alice.Address(), blob))
	got, err := db.Secret(alice.Address())
	require.NoError(t, err)
	assert.JSONEq(t, string(blob), string(got))
}
