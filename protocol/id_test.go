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
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func testID(t *testing.T, seed string, network NetworkType) ID {
	t.Helper()
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	meta, err := NewMeta(seed, priv)
	if err != nil {
		t.Fatal(err)
	}
	return meta.GenerateID(network)
}

func TestParseID(t *testing.T) {
	alice := testID(t, "alice", NetworkUser)

	parsed, err := ParseID(alice.String())
	if err != nil {
		t.Fatalf("parse round-trip failed: %v", err)
	}
	if parsed != alice {
		t.Errorf("round-trip mismatch: have %v, want %v", parsed, alice)
	}
	if !parsed.IsUser() || parsed.IsGroup() || parsed.IsStation() {
		t.Errorf("wrong network classification for %v", parsed)
	}

	withTerminal, err := ParseID(alice.String() + "/iphone")
	if err != nil {
		t.Fatal(err)
	}
	if withTerminal.Terminal() != "iphone" {
		t.Errorf("terminal not parsed: %q", withTerminal.Terminal())
	}
	if !withTerminal.Equal(alice) {
		t.Error("Equal should ignore the terminal part")
	}

	for _, bad := range []string{"", "@", "alice@", "alice@not-base58!"} {
		if _, err := ParseID(bad); err == nil {
			t.Errorf("ParseID(%q) should fail", bad)
		}
	}
}

func TestBroadcastIDs(t *testing.T) {
	tests := []struct {
		id      ID
		isGroup bool
	}{
		{Anyone, false},
		{Everyone, true},
		{AnyStation, false},
		{EveryStation, true},
	}
	for _, tt := range tests {
		if !tt.id.IsBroadcast() {
			t.Errorf("%v should be broadcast", tt.id)
		}
		if tt.id.IsGroup() != tt.isGroup {
			t.Errorf("%v: IsGroup = %v, want %v", tt.id, tt.id.IsGroup(), tt.isGroup)
		}
	}
	if testID(t, "bob", NetworkUser).IsBroadcast() {
		t.Error("regular ID must not be broadcast")
	}
}

func TestIDJSON(t *testing.T) {
	station := testID(t, "gsp-s001", NetworkStation)
	blob, err := json.Marshal(station)
	if err != nil {
		t.Fatal(err)
	}
	var back ID
	if err := json.Unmarshal(blob, &back); err != nil {
		t.Fatal(err)
	}
	if back != station {
		t.Errorf("JSON round-trip mismatch: %v != %v", back, station)
	}
}

func TestMetaMatchID(t *testing.T) {
	priv, _ := crypto.GenerateKey()
	meta, err := NewMeta("alice", priv)
	if err != nil {
		t.Fatal(err)
	}
	id := meta.GenerateID(NetworkUser)
	if !meta.MatchID(id) {
		t.Fatal("meta should match its own derived ID")
	}

	other, _ := crypto.GenerateKey()
	forged, _ := NewMeta("alice", other)
	if forged.MatchID(id) {
		t.Error("meta with different key must not match")
	}

	tampered := *meta
	tampered.Seed = "mallory"
	if tampered.MatchID(id) {
		t.Error("tampered seed must not match")
	}
}

func TestVisaVerify(t *testing.T) {
	priv, _ := crypto.GenerateKey()
	meta, _ := NewMeta("alice", priv)
	id := meta.GenerateID(NetworkUser)

	encPriv, _ := crypto.GenerateKey()
	visa, err := NewVisa(id, "Alice", "", crypto.CompressPubkey(&encPriv.PublicKey), priv)
	if err != nil {
		t.Fatal(err)
	}
	if !visa.Verify(meta) {
		t.Fatal("visa should verify against owner meta")
	}
	if visa.Name() != "Alice" {
		t.Errorf("name = %q, want Alice", visa.Name())
	}
	if len(visa.EncryptKey()) == 0 {
		t.Error("encrypt key lost")
	}

	tampered := *visa
	tampered.Data = `{"name":"Eve"}`
	if tampered.Verify(meta) {
		t.Error("tampered visa must not verify")
	}
}
