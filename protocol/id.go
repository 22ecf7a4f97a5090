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

// Package protocol defines the entity model of the DIM network: identifiers,
// key/address bindings (meta), signed attribute records (visa) and the
// envelope family carried between stations. The station only ever handles
// the signed, encrypted forms; plaintext never appears at rest here.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// NetworkType tags an address with the kind of entity it belongs to.
type NetworkType byte

const (
	NetworkUser      NetworkType = 0x08
	NetworkGroup     NetworkType = 0x10
	NetworkPolylogue NetworkType = 0x10 // small group with founder-derived ownership
	NetworkStation   NetworkType = 0x88
	NetworkRobot     NetworkType = 0xC8
)

// IsGroup reports whether the tag denotes a multi-member entity.
func (t NetworkType) IsGroup() bool { return t&0x10 != 0 }

// IsUser reports whether the tag denotes a single account (users, robots
// and stations all act as users on the wire).
func (t NetworkType) IsUser() bool { return !t.IsGroup() }

func (t NetworkType) IsStation() bool { return t == NetworkStation }
func (t NetworkType) IsRobot() bool   { return t == NetworkRobot }

// Address is the short, derived form of an identifier. Regular addresses are
// base58 strings whose decoded first byte is the network type; the two
// reserved forms "anywhere" and "everywhere" address every user or every
// group respectively.
type Address string

const (
	AddressAnywhere   Address = "anywhere"
	AddressEverywhere Address = "everywhere"
)

// IsBroadcast reports whether the address is one of the reserved
// anywhere/everywhere forms.
func (a Address) IsBroadcast() bool {
	return a == AddressAnywhere || a == AddressEverywhere
}

// Network extracts the network type tag from the address.
func (a Address) Network() NetworkType {
	switch a {
	case AddressAnywhere:
		return NetworkUser
	case AddressEverywhere:
		return NetworkGroup
	}
	raw, err := base58.Decode(string(a))
	if err != nil || len(raw) == 0 {
		return 0
	}
	return NetworkType(raw[0])
}

// Valid reports whether the address is a broadcast form or a well-formed
// base58 string carrying a network tag, 20-byte hash and 4-byte checksum.
func (a Address) Valid() bool {
	if a.IsBroadcast() {
		return true
	}
	raw, err := base58.Decode(string(a))
	return err == nil && len(raw) == 25
}

var (
	errEmptyID = errors.New("empty identifier")
	errBadID   = errors.New("malformed identifier")
)

// ID is an opaque textual handle of the form "name@address[/terminal]".
// IDs are immutable once parsed, comparable and usable as map keys.
type ID struct {
	name     string
	address  Address
	terminal string
}

// Reserved broadcast identifiers.
var (
	Anyone       = ID{name: "anyone", address: AddressAnywhere}
	Everyone     = ID{name: "everyone", address: AddressEverywhere}
	AnyStation   = ID{name: "station", address: AddressAnywhere}
	EveryStation = ID{name: "station", address: AddressEverywhere}
)

// NewID assembles an identifier from its parts without validation of the
// address contents. The terminal (device hint) may be empty.
func NewID(name string, address Address, terminal string) ID {
	return ID{name: name, address: address, terminal: terminal}
}

// ParseID parses "name@address" or "name@address/terminal". The name may be
// empty ("@address" and bare "address" are accepted).
func ParseID(s string) (ID, error) {
	if s == "" {
		return ID{}, errEmptyID
	}
	var id ID
	if at := strings.IndexByte(s, '@'); at >= 0 {
		id.name = s[:at]
		s = s[at+1:]
	}
	if slash := strings.IndexByte(s, '/'); slash >= 0 {
		id.terminal = s[slash+1:]
		s = s[:slash]
	}
	if s == "" {
		return ID{}, errBadID
	}
	id.address = Address(s)
	if !id.address.Valid() {
		return ID{}, fmt.Errorf("%w: bad address %q", errBadID, s)
	}
	return id, nil
}

// MustParseID is ParseID for identifiers known to be well formed.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) Name() string      { return id.name }
func (id ID) Address() Address  { return id.address }
func (id ID) Terminal() string  { return id.terminal }
func (id ID) Type() NetworkType { return id.address.Network() }
func (id ID) IsZero() bool      { return id.address == "" }

func (id ID) IsUser() bool    { return id.Type().IsUser() }
func (id ID) IsGroup() bool   { return id.Type().IsGroup() }
func (id ID) IsStation() bool { return id.Type().IsStation() }

// IsBroadcast reports whether the address matches the distinguished
// anywhere/everywhere forms.
func (id ID) IsBroadcast() bool { return id.address.IsBroadcast() }

func (id ID) String() string {
	s := string(id.address)
	if id.name != "" {
		s = id.name + "@" + s
	}
	if id.terminal != "" {
		s = s + "/" + id.terminal
	}
	return s
}

// Equal ignores the terminal part; two devices of one account share an ID.
func (id ID) Equal(other ID) bool {
	return id.name == other.name && id.address == other.address
}

// MarshalText implements encoding.TextMarshaler so IDs serialise as plain
// strings inside envelope JSON.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
