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
	"bytes"
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

// MetaVersionDefault is the only meta algorithm the station accepts: a
// secp256k1 key with the address derived from the key hash, BTC-style.
const MetaVersionDefault = 1

// Meta is the self-describing record binding a public key to an address.
// Verification is pure: no network or storage access. A meta is written
// once per ID and never updated.
type Meta struct {
	Version     uint8  `json:"version"`
	Key         []byte `json:"key"`         // compressed secp256k1 public key
	Seed        string `json:"seed"`        // equals the ID name
	Fingerprint []byte `json:"fingerprint"` // signature of seed by the key
}

// NewMeta builds and signs a meta record for the given seed.
func NewMeta(seed string, priv *ecdsa.PrivateKey) (*Meta, error) {
	fingerprint, err := crypto.Sign(crypto.Keccak256([]byte(seed)), priv)
	if err != nil {
		return nil, err
	}
	return &Meta{
		Version:     MetaVersionDefault,
		Key:         crypto.CompressPubkey(&priv.PublicKey),
		Seed:        seed,
		Fingerprint: fingerprint,
	}, nil
}

// PublicKey decodes the bound key.
func (m *Meta) PublicKey() (*ecdsa.PublicKey, error) {
	return crypto.DecompressPubkey(m.Key)
}

// GenerateAddress derives the short address for the given network type:
// base58(tag || hash160-equivalent || checksum) where the body is the first
// 20 bytes of Keccak256(key) and the checksum the first 4 bytes of
// Keccak256(tag || body).
func (m *Meta) GenerateAddress(network NetworkType) Address {
	body := crypto.Keccak256(m.Key)[:20]
	payload := append([]byte{byte(network)}, body...)
	check := crypto.Keccak256(payload)[:4]
	return Address(base58.Encode(append(payload, check...)))
}

// GenerateID derives the full identifier for the given network type.
func (m *Meta) GenerateID(network NetworkType) ID {
	return ID{name: m.Seed, address: m.GenerateAddress(network)}
}

// MatchID verifies the meta against an identifier: the fingerprint must be
// a valid signature of the seed, the seed must equal the ID name and the
// derived address must equal the ID address.
func (m *Meta) MatchID(id ID) bool {
	if m.Version != MetaVersionDefault || m.Seed != id.Name() {
		return false
	}
	if !m.verifyFingerprint() {
		return false
	}
	return m.GenerateAddress(id.Type()) == id.Address()
}

// MatchKey reports whether the meta is bound to the given public key.
func (m *Meta) MatchKey(key []byte) bool {
	return bytes.Equal(m.Key, key)
}

func (m *Meta) verifyFingerprint() bool {
	if len(m.Key) == 0 || len(m.Fingerprint) < 64 {
		return false
	}
	digest := crypto.Keccak256([]byte(m.Seed))
	// crypto.VerifySignature wants the 64-byte [R || S] form.
	return crypto.VerifySignature(m.Key, digest, m.Fingerprint[:64])
}

// VerifyData checks sig against data using the meta key. Used for envelope
// signatures and visa signatures alike.
func (m *Meta) VerifyData(data, sig []byte) bool {
	if len(sig) < 64 {
		return false
	}
	return crypto.VerifySignature(m.Key, crypto.Keccak256(data), sig[:64])
}
