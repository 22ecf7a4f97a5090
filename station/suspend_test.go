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
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/stretchr/testify/assert"

	"github.com/dimchat/dimd/protocol"
)

func suspendMsg(t *testing.T, n byte) *protocol.ReliableMessage {
	t.Helper()
	return &protocol.ReliableMessage{
		SecureMessage: protocol.SecureMessage{Data: []byte{n}},
		Signature:     []byte{n, 0xAA},
	}
}

func TestSuspendRelease(t *testing.T) {
	clk := new(mclock.Simulated)
	q := NewSuspendQueue(clk)
	alice := newAccount(t, "alice", protocol.NetworkUser)

	assert.True(t, q.Suspend(alice.id, suspendMsg(t, 1)))
	assert.True(t, q.Suspend(alice.id, suspendMsg(t, 2)))
	assert.Equal(t, 2, q.Len())

	got := q.Release(alice.id)
	assert.Len(t, got, 2)
	assert.Zero(t, q.Len())
	assert.Empty(t, q.Release(alice.id), "release drains the bucket")
}

func TestSuspendExpiry(t *testing.T) {
	clk := new(mclock.Simulated)
	q := NewSuspendQueue(clk)
	alice := newAccount(t, "alice", protocol.NetworkUser)

	q.Suspend(alice.id, suspendMsg(t, 1))
	clk.Run(suspendTTL - time.Second)
	q.Suspend(alice.id, suspendMsg(t, 2))
	clk.Run(2 * time.Second) // first one is now past the TTL

	got := q.Release(alice.id)
	assert.Len(t, got, 1)
	assert.Equal(t, []byte{2}, got[0].Data)
}

func TestSuspendPerIdentityBound(t *testing.T) {
	q := NewSuspendQueue(new(mclock.Simulated))
	alice := newAccount(t, "alice", protocol.NetworkUser)

	for i := 0; i < maxSuspendPerID; i++ {
		assert.True(t, q.Suspend(alice.id, suspendMsg(t, byte(i))))
	}
	assert.False(t, q.Suspend(alice.id, suspendMsg(t, 0xFF)), "bucket is full")
	assert.Equal(t, maxSuspendPerID, q.Len())
}
