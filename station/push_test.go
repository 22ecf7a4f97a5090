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

	"github.com/stretchr/testify/assert"

	"github.com/dimchat/dimd/protocol"
)

func TestPushDedup(t *testing.T) {
	svc := newFakePush()
	sink := NewPushSink(svc, nil)
	sink.Start()
	defer sink.Stop()

	bob := newAccount(t, "bob", protocol.NetworkUser)
	msg := suspendMsg(t, 1)

	sink.Notify(bob.id, msg, 1)
	sink.Notify(bob.id, msg, 1) // same envelope retried

	select {
	case <-svc.calls:
	case <-time.After(time.Second):
		t.Fatal("first notification never arrived")
	}
	select {
	case <-svc.calls:
		t.Fatal("retried envelope must stay silent")
	case <-time.After(200 * time.Millisecond):
	}

	// a different envelope for the same recipient goes through
	sink.Notify(bob.id, suspendMsg(t, 2), 2)
	select {
	case <-svc.calls:
	case <-time.After(time.Second):
		t.Fatal("distinct envelope was deduplicated away")
	}
}

func TestPushForegroundMute(t *testing.T) {
	svc := newFakePush()
	sink := NewPushSink(svc, nil)
	sink.Start()
	defer sink.Stop()

	bob := newAccount(t, "bob", protocol.NetworkUser)
	sink.ClientReported(bob.id, protocol.ReportOnline)
	sink.Notify(bob.id, suspendMsg(t, 1), 1)
	select {
	case <-svc.calls:
		t.Fatal("foreground device must not be notified")
	case <-time.After(200 * time.Millisecond):
	}

	sink.ClientReported(bob.id, protocol.ReportOffline)
	sink.Notify(bob.id, suspendMsg(t, 2), 1)
	select {
	case <-svc.calls:
	case <-time.After(time.Second):
		t.Fatal("background device must be notified again")
	}
}

func TestPushNilServiceIsNoop(t *testing.T) {
	sink := NewPushSink(nil, nil)
	bob := newAccount(t, "bob", protocol.NetworkUser)
	assert.NotPanics(t, func() { sink.Notify(bob.id, suspendMsg(t, 1), 1) })
}
