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
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// The station is not a crypto authority: these helpers exist so the station
// can open commands addressed to itself and sign its own replies. Content
// addressed to anyone else stays opaque.

var (
	ErrNotForMe     = errors.New("message key not addressed to this identity")
	ErrBadSignature = errors.New("message signature verification failed")
)

// Encrypt turns an instant message into the secure form for a single
// receiver. Broadcast receivers get the conventional plaintext encoding
// (data carried as-is, no key attached), matching what clients do when they
// address "anyone" before key exchange.
func (m *InstantMessage) Encrypt(receiverKey []byte) (*SecureMessage, error) {
	out := &SecureMessage{Envelope: m.Envelope}
	if m.Receiver.IsBroadcast() || len(receiverKey) == 0 {
		out.Data = m.Content
		return out, nil
	}
	pub, err := crypto.DecompressPubkey(receiverKey)
	if err != nil {
		return nil, fmt.Errorf("bad receiver key: %w", err)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	out.Data, err = aesSeal(key, m.Content)
	if err != nil {
		return nil, err
	}
	out.Key, err = ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), key, nil, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Decrypt opens the secure form with the receiver's private key. A message
// carrying no key material at all was never encrypted (broadcasts and
// first-contact credential exchanges), so its data passes through as-is.
// A message with keys but none for this receiver is not for us and routing
// should take over (ErrNotForMe).
func (m *SecureMessage) Decrypt(receiver ID, priv *ecdsa.PrivateKey) (*InstantMessage, error) {
	encKey := m.EncryptedKeyFor(receiver)
	if len(encKey) == 0 {
		if m.Receiver.IsBroadcast() || (len(m.Key) == 0 && len(m.Keys) == 0) {
			return &InstantMessage{Envelope: m.Envelope, Content: m.Data}, nil
		}
		return nil, ErrNotForMe
	}
	key, err := ecies.ImportECDSA(priv).Decrypt(encKey, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("key decrypt: %w", err)
	}
	content, err := aesOpen(key, m.Data)
	if err != nil {
		return nil, fmt.Errorf("content decrypt: %w", err)
	}
	return &InstantMessage{Envelope: m.Envelope, Content: content}, nil
}

// Sign produces the reliable form, signing Keccak256(data).
func (m *SecureMessage) Sign(priv *ecdsa.PrivateKey) (*ReliableMessage, error) {
	sig, err := crypto.Sign(crypto.Keccak256(m.Data), priv)
	if err != nil {
		return nil, err
	}
	return &ReliableMessage{SecureMessage: *m, Signature: sig}, nil
}

// Verify checks the signature against the sender's meta key.
func (m *ReliableMessage) Verify(meta *Meta) error {
	if meta == nil || !meta.VerifyData(m.Data, m.Signature) {
		return ErrBadSignature
	}
	return nil
}

func aesSeal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func aesOpen(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	return gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
}
