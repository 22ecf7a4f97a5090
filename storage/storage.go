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

// Package storage implements the station's durable state on a plain file
// layout under one base directory:
//
//	private/{address}/secret.js            user's own encrypted key (opaque)
//	public/{address}/meta.js               key/address binding, written once
//	public/{address}/profile.js            signed attributes, last writer wins
//	public/{address}/login.js              last login command + message
//	public/{address}/mute.js, block.js     policy lists
//	protected/{group}/members.js            group member list
//	protected/{group}/group-keys-{sender}.js
//	messages/{recipient}/batch-{n}.msg     offline spool
//	roaming/{neighbor}/{n}.msg             undeliverable cross-station spool
//
// Every file is JSON written via write-temp-then-rename.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/dimchat/dimd/protocol"
)

var (
	ErrMetaExists   = errors.New("storage: meta already saved for this identity")
	ErrMetaMismatch = errors.New("storage: meta does not match identity")
	ErrStaleLogin   = errors.New("storage: login command not newer than stored one")
)

// loginExpire is how old a stored login may be before queries treat it as
// absent.
const loginExpire = 7 * 24 * time.Hour

// Database is the process-wide durable store. All operations are safe for
// concurrent use; per-recipient spool files are serialised internally.
type Database struct {
	root string
	log  log.Logger

	// memory caches; the empty sentinel avoids re-reading missing files
	metaMu  sync.RWMutex
	metas   map[protocol.ID]*protocol.Meta
	visaMu  sync.RWMutex
	visas   map[protocol.ID]*protocol.Visa
	loginMu sync.Mutex
	logins  map[protocol.ID]*loginRecord

	// one lock per spool directory
	spoolMu sync.Mutex
	spools  map[string]*sync.Mutex

	batchSize int
}

// New opens (creating if needed) a database rooted at dir.
func New(dir string, batchSize int) (*Database, error) {
	if batchSize <= 0 {
		batchSize = 20
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}
	return &Database{
		root:      dir,
		log:       log.New("module", "storage"),
		metas:     make(map[protocol.ID]*protocol.Meta),
		visas:     make(map[protocol.ID]*protocol.Visa),
		logins:    make(map[protocol.ID]*loginRecord),
		spools:    make(map[string]*sync.Mutex),
		batchSize: batchSize,
	}, nil
}

// Root returns the base directory.
func (db *Database) Root() string { return db.root }

// writeJSON writes v atomically: temp file in the same directory, fsync,
// rename.
func (db *Database) writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	blob, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// readJSON reads path into v; (false, nil) when the file does not exist.
func (db *Database) readJSON(path string, v any) (bool, error) {
	blob, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(blob, v)
}

func (db *Database) publicPath(addr protocol.Address, file string) string {
	return filepath.Join(db.root, "public", string(addr), file)
}

func (db *Database) privatePath(addr protocol.Address, file string) string {
	return filepath.Join(db.root, "private", string(addr), file)
}

//
// Meta table: written once per ID, verified before write.
//

// SaveMeta stores a verified meta record. Metas are immutable: a second
// save for the same identity fails unless it is byte-identical.
func (db *Database) SaveMeta(meta *protocol.Meta, id protocol.ID) error {
	if !meta.MatchID(id) {
		return ErrMetaMismatch
	}
	db.metaMu.Lock()
	defer db.metaMu.Unlock()
	if old, err := db.metaLocked(id); err != nil {
		return err
	} else if old != nil {
		if old.MatchKey(meta.Key) {
			return nil // idempotent re-upload
		}
		return ErrMetaExists
	}
	if err := db.writeJSON(db.publicPath(id.Address(), "meta.js"), meta); err != nil {
		return err
	}
	db.metas[id] = meta
	db.log.Debug("Meta saved", "id", id)
	return nil
}

// Meta loads the key/address binding for an identity, nil if unknown.
func (db *Database) Meta(id protocol.ID) (*protocol.Meta, error) {
	db.metaMu.RLock()
	if m, ok := db.metas[id]; ok {
		db.metaMu.RUnlock()
		return m, nil
	}
	db.metaMu.RUnlock()
	db.metaMu.Lock()
	defer db.metaMu.Unlock()
	return db.metaLocked(id)
}

func (db *Database) metaLocked(id protocol.ID) (*protocol.Meta, error) {
	if m, ok := db.metas[id]; ok {
		return m, nil
	}
	var m protocol.Meta
	ok, err := db.readJSON(db.publicPath(id.Address(), "meta.js"), &m)
	if err != nil || !ok {
		return nil, err
	}
	db.metas[id] = &m
	return &m, nil
}

//
// Visa table: last writer wins, caller must have verified the signature.
//

// SaveVisa stores a verified attribute record.
func (db *Database) SaveVisa(visa *protocol.Visa) error {
	if err := db.writeJSON(db.publicPath(visa.ID.Address(), "profile.js"), visa); err != nil {
		return err
	}
	db.visaMu.Lock()
	db.visas[visa.ID] = visa
	db.visaMu.Unlock()
	return nil
}

// Visa loads the attribute record for an identity, nil if absent.
func (db *Database) Visa(id protocol.ID) (*protocol.Visa, error) {
	db.visaMu.RLock()
	if v, ok := db.visas[id]; ok {
		db.visaMu.RUnlock()
		return v, nil
	}
	db.visaMu.RUnlock()
	var v protocol.Visa
	ok, err := db.readJSON(db.publicPath(id.Address(), "profile.js"), &v)
	if err != nil || !ok {
		return nil, err
	}
	db.visaMu.Lock()
	db.visas[id] = &v
	db.visaMu.Unlock()
	return &v, nil
}

//
// Private key passthrough: the station stores the user's own encrypted
// key blob for roaming but never interprets it.
//

// SaveSecret stores the opaque private-key blob for an address.
func (db *Database) SaveSecret(addr protocol.Address, blob json.RawMessage) error {
	return db.writeJSON(db.privatePath(addr, "secret.js"), blob)
}

// Secret loads the opaque blob, nil if absent.
func (db *Database) Secret(addr protocol.Address) (json.RawMessage, error) {
	var blob json.RawMessage
	ok, err := db.readJSON(db.privatePath(addr, "secret.js"), &blob)
	if err != nil || !ok {
		return nil, err
	}
	return blob, nil
}

//
// Policy lists.
//

// SaveMuteList replaces the identity's mute list.
func (db *Database) SaveMuteList(id protocol.ID, list []protocol.ID) error {
	return db.writeJSON(db.publicPath(id.Address(), "mute.js"), list)
}

// MuteList loads the identity's mute list.
func (db *Database) MuteList(id protocol.ID) ([]protocol.ID, error) {
	var list []protocol.ID
	_, err := db.readJSON(db.publicPath(id.Address(), "mute.js"), &list)
	return list, err
}

// SaveBlockList replaces the identity's block list.
func (db *Database) SaveBlockList(id protocol.ID, list []protocol.ID) error {
	return db.writeJSON(db.publicPath(id.Address(), "block.js"), list)
}

// BlockList loads the identity's block list.
func (db *Database) BlockList(id protocol.ID) ([]protocol.ID, error) {
	var list []protocol.ID
	_, err := db.readJSON(db.publicPath(id.Address(), "block.js"), &list)
	return list, err
}
