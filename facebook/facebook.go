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

// Package facebook is the entity directory: it answers who an identifier
// is, which key to trust for it and which key to encrypt towards, backed
// by the durable store with verification enforced on every write path.
package facebook

import (
	"crypto/ecdsa"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/dimchat/dimd/protocol"
	"github.com/dimchat/dimd/storage"
)

var (
	ErrNoMeta      = errors.New("facebook: no meta for identity")
	ErrBadVisa     = errors.New("facebook: visa signature does not verify")
	ErrBadMeta     = errors.New("facebook: meta does not match identity")
	ErrNoCurrent   = errors.New("facebook: station identity not configured")
	ErrNoEncScheme = errors.New("facebook: identity has no usable encryption key")
)

// keyCacheSize bounds the decompressed-key cache. Key decompression is a
// point decode on every envelope, worth avoiding for hot senders.
const keyCacheSize = 4096

// LocalUser is the station's own identity with its signing key.
type LocalUser struct {
	ID   protocol.ID
	Meta *protocol.Meta
	Visa *protocol.Visa
	Key  *ecdsa.PrivateKey
}

// Facebook is the directory facade used by every other component. All
// methods are safe for concurrent use.
type Facebook struct {
	db  *storage.Database
	log log.Logger

	mu      sync.RWMutex
	current *LocalUser
	ans     map[string]protocol.ID

	encKeys *lru.Cache[protocol.ID, *ecdsa.PublicKey]
}

// New creates a directory over the given store.
func New(db *storage.Database) *Facebook {
	encKeys, _ := lru.New[protocol.ID, *ecdsa.PublicKey](keyCacheSize)
	return &Facebook{
		db:      db,
		log:     log.New("module", "facebook"),
		ans:     make(map[string]protocol.ID),
		encKeys: encKeys,
	}
}

// Database exposes the underlying store for components that need the raw
// tables (spool, group keys).
func (f *Facebook) Database() *storage.Database { return f.db }

// SetCurrentUser installs the station's own identity. Its meta is written
// through so clients can query it.
func (f *Facebook) SetCurrentUser(user *LocalUser) error {
	if err := f.db.SaveMeta(user.Meta, user.ID); err != nil && !errors.Is(err, storage.ErrMetaExists) {
		return err
	}
	if user.Visa != nil {
		if !user.Visa.Verify(user.Meta) {
			return ErrBadVisa
		}
		if err := f.db.SaveVisa(user.Visa); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.current = user
	f.mu.Unlock()
	return nil
}

// CurrentUser returns the station's own identity, nil before SetCurrentUser.
func (f *Facebook) CurrentUser() *LocalUser {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// SaveMeta verifies and stores a key/address binding. Metas are write-once.
func (f *Facebook) SaveMeta(meta *protocol.Meta, id protocol.ID) error {
	if meta == nil || !meta.MatchID(id) {
		return ErrBadMeta
	}
	return f.db.SaveMeta(meta, id)
}

// Meta returns the binding for an identity, nil if unknown.
func (f *Facebook) Meta(id protocol.ID) (*protocol.Meta, error) {
	return f.db.Meta(id)
}

// SaveVisa verifies the attribute record against the identity's meta and
// stores it. A visa without a stored meta is rejected: there is nothing to
// verify it against.
func (f *Facebook) SaveVisa(visa *protocol.Visa) error {
	meta, err := f.db.Meta(visa.ID)
	if err != nil {
		return err
	}
	if meta == nil {
		return ErrNoMeta
	}
	if !visa.Verify(meta) {
		return ErrBadVisa
	}
	if err := f.db.SaveVisa(visa); err != nil {
		return err
	}
	f.encKeys.Remove(visa.ID)
	return nil
}

// Visa returns the attribute record for an identity, nil if absent.
func (f *Facebook) Visa(id protocol.ID) (*protocol.Visa, error) {
	return f.db.Visa(id)
}

// PublicKeyForEncryption returns the key peers should wrap message keys
// with: the visa key when present, the meta key otherwise.
func (f *Facebook) PublicKeyForEncryption(id protocol.ID) (*ecdsa.PublicKey, error) {
	if key, ok := f.encKeys.Get(id); ok {
		return key, nil
	}
	var raw []byte
	if visa, err := f.db.Visa(id); err != nil {
		return nil, err
	} else if visa != nil {
		raw = visa.EncryptKey()
	}
	if raw == nil {
		meta, err := f.db.Meta(id)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			return nil, ErrNoMeta
		}
		raw = meta.Key
	}
	key, err := crypto.DecompressPubkey(raw)
	if err != nil {
		return nil, ErrNoEncScheme
	}
	f.encKeys.Add(id, key)
	return key, nil
}

// VerifyMessage checks the envelope signature of a stored-form message.
// A meta attached to the message is accepted and persisted if the
// directory has none for the sender yet; that is the only way first-contact
// messages can verify.
func (f *Facebook) VerifyMessage(msg *protocol.ReliableMessage) error {
	meta, err := f.db.Meta(msg.Sender)
	if err != nil {
		return err
	}
	if meta == nil {
		if msg.Meta == nil {
			return ErrNoMeta
		}
		if err := f.SaveMeta(msg.Meta, msg.Sender); err != nil {
			return err
		}
		meta = msg.Meta
	}
	if err := msg.Verify(meta); err != nil {
		return err
	}
	if msg.Visa != nil {
		// best effort, a bad attached visa does not fail the message
		if err := f.SaveVisa(msg.Visa); err != nil {
			f.log.Debug("Attached visa rejected", "sender", msg.Sender, "err", err)
		}
	}
	return nil
}
