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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimchat/dimd/protocol"
)

func TestFilterBlockList(t *testing.T) {
	c := newTestCore(t)
	alice := newAccount(t, "alice", protocol.NetworkUser)
	bob := newAccount(t, "bob", protocol.NetworkUser)
	c.register(t, alice)
	c.register(t, bob)

	msg := seal(t, alice, bob.id, bob.encKey(), protocol.NewReceipt("hi"))
	require.NoError(t, c.Dispatch.filter.CheckDeliver(msg))

	// bob blocks alice: routing stops at the filter
	require.NoError(t, c.Directory.Database().SaveBlockList(bob.id, []protocol.ID{alice.id}))
	assert.ErrorIs(t, c.Dispatch.filter.CheckDeliver(msg), ErrBlocked)

	// and the dispatcher answers with a blocked receipt, not an error
	rcpt, err := c.Dispatch.Deliver(msg)
	require.NoError(t, err)
	assert.Equal(t, respBlocked, rcpt.Message)
}

func TestFilterMuteStopsPushOnly(t *testing.T) {
	c := newTestCore(t)
	alice := newAccount(t, "alice", protocol.NetworkUser)
	bob := newAccount(t, "bob", protocol.NetworkUser)
	c.register(t, alice)
	c.register(t, bob)
	require.NoError(t, c.Directory.Database().SaveMuteList(bob.id, []protocol.ID{alice.id}))

	msg := seal(t, alice, bob.id, bob.encKey(), protocol.NewReceipt("hi"))

	// still delivered (spooled), just silently
	rcpt, err := c.Dispatch.Deliver(msg)
	require.NoError(t, err)
	assert.Equal(t, respCached, rcpt.Message)
	n, _ := c.Directory.Database().SpoolCount(bob.id)
	assert.Equal(t, 1, n)

	select {
	case <-c.push.calls:
		t.Fatal("muted sender must not trigger a push")
	default:
	}
}

func TestFilterRateLimit(t *testing.T) {
	c := newTestCore(t)
	alice := newAccount(t, "alice", protocol.NetworkUser)
	bob := newAccount(t, "bob", protocol.NetworkUser)
	c.register(t, alice)

	msg := seal(t, alice, bob.id, nil, protocol.NewReceipt("hi"))
	limited := false
	for i := 0; i < senderBurst+1; i++ {
		if err := c.Dispatch.filter.CheckDeliver(msg); err != nil {
			assert.ErrorIs(t, err, ErrRateLimited)
			limited = true
			break
		}
	}
	assert.True(t, limited, "burst above the bucket size must be limited")
}

func TestFilterStationExempt(t *testing.T) {
	c := newTestCore(t)
	neighbor := newAccount(t, "gsp-s002", protocol.NetworkStation)
	bob := newAccount(t, "bob", protocol.NetworkUser)
	c.register(t, neighbor)

	msg := seal(t, neighbor, bob.id, nil, protocol.NewReceipt("relayed"))
	for i := 0; i < senderBurst*2; i++ {
		require.NoError(t, c.Dispatch.filter.CheckDeliver(msg))
	}
}
