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

	"github.com/ethereum/go-ethereum/crypto"
)

// Visa (a.k.a. profile/TAI) carries signed, self-described attributes of an
// identity: display name, avatar hint and the public key peers should
// encrypt towards. The properties travel as an opaque JSON string so the
// signature stays stable regardless of map ordering on re-serialisation.
type Visa struct {
	ID        ID     `json:"ID"`
	Data      string `json:"data"`
	Signature []byte `json:"signature"`
}

type visaProperties struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Key    []byte `json:"key,omitempty"` // encryption key, compressed secp256k1
}

// NewVisa builds and signs an attribute record.
func NewVisa(id ID, name, avatar string, encKey []byte, priv *ecdsa.PrivateKey) (*Visa, error) {
	props, err := json.Marshal(visaProperties{Name: name, Avatar: avatar, Key: encKey})
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(crypto.Keccak256(props), priv)
	if err != nil {
		return nil, err
	}
	return &Visa{ID: id, Data: string(props), Signature: sig}, nil
}

// Verify checks the visa signature against the identity's meta key.
// Verification is mandatory before a visa may be cached.
func (v *Visa) Verify(meta *Meta) bool {
	if meta == nil || v.Data == "" {
		return false
	}
	return meta.VerifyData([]byte(v.Data), v.Signature)
}

func (v *Visa) properties() visaProperties {
	var p visaProperties
	json.Unmarshal([]byte(v.Data), &p)
	return p
}

// Name returns the display name, empty if absent.
func (v *Visa) Name() string { return v.properties().Name }

// Avatar returns the avatar hint, empty if absent.
func (v *Visa) Avatar() string { return v.properties().Avatar }

// EncryptKey returns the public key peers should use to encrypt message
// keys towards this identity, nil if the visa does not carry one.
func (v *Visa) EncryptKey() []byte { return v.properties().Key }
