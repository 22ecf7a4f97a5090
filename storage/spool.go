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

package storage

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/metrics"

	"github.com/dimchat/dimd/protocol"
)

var (
	spoolInMeter  = metrics.NewRegisteredMeter("storage/spool/in", nil)
	spoolOutMeter = metrics.NewRegisteredMeter("storage/spool/out", nil)
)

const (
	spoolDir   = "messages"
	roamingDir = "roaming"

	batchPrefix = "batch-"
	batchSuffix = ".msg"
)

// Batch is one spool file worth of stored envelopes, at most batchSize of
// them, oldest first.
type Batch struct {
	Messages []*protocol.ReliableMessage

	dir   string // spool subdirectory, relative to the database root
	index int
}

// Len returns the number of envelopes in the batch.
func (b *Batch) Len() int { return len(b.Messages) }

// lockSpool returns the per-directory mutex, creating it on first use.
func (db *Database) lockSpool(dir string) *sync.Mutex {
	db.spoolMu.Lock()
	defer db.spoolMu.Unlock()
	mu, ok := db.spools[dir]
	if !ok {
		mu = new(sync.Mutex)
		db.spools[dir] = mu
	}
	return mu
}

// SpoolMessage appends an envelope to the recipient's offline spool.
// Re-appending the envelope that is already last in the spool is a no-op,
// so a crashed delivery attempt cannot duplicate it.
func (db *Database) SpoolMessage(msg *protocol.ReliableMessage) error {
	return db.SpoolMessageFor(msg.Receiver, msg)
}

// SpoolMessageFor spools under an explicit recipient, used when a group
// envelope fans out to individual members.
func (db *Database) SpoolMessageFor(recipient protocol.ID, msg *protocol.ReliableMessage) error {
	return db.spoolAppend(filepath.Join(spoolDir, string(recipient.Address())), msg)
}

// LoadBatch returns the oldest batch of the recipient's spool, nil when
// the spool is empty.
func (db *Database) LoadBatch(recipient protocol.ID) (*Batch, error) {
	return db.spoolLoad(filepath.Join(spoolDir, string(recipient.Address())))
}

// RemoveBatch drops the first delivered envelopes of the batch from disk.
// A partial count rewrites the file; removing everything deletes it.
func (db *Database) RemoveBatch(batch *Batch, delivered int) error {
	return db.spoolRemove(batch, delivered)
}

// SpoolRoaming parks an envelope for a neighbour station that is currently
// unreachable; the bridge drains it when the neighbour reconnects.
func (db *Database) SpoolRoaming(neighbor protocol.ID, msg *protocol.ReliableMessage) error {
	return db.spoolAppend(filepath.Join(roamingDir, string(neighbor.Address())), msg)
}

// LoadRoamingBatch returns the oldest parked batch for a neighbour.
func (db *Database) LoadRoamingBatch(neighbor protocol.ID) (*Batch, error) {
	return db.spoolLoad(filepath.Join(roamingDir, string(neighbor.Address())))
}

func (db *Database) spoolAppend(dir string, msg *protocol.ReliableMessage) error {
	mu := db.lockSpool(dir)
	mu.Lock()
	defer mu.Unlock()

	indexes, err := db.batchIndexes(dir)
	if err != nil {
		return err
	}
	index := 0
	var msgs []*protocol.ReliableMessage
	if len(indexes) > 0 {
		index = indexes[len(indexes)-1]
		msgs, err = db.readBatchFile(dir, index)
		if err != nil {
			return err
		}
	}
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		if last.SignatureKey() == msg.SignatureKey() {
			return nil // duplicate of the tail, already persisted
		}
		if n >= db.batchSize {
			index++
			msgs = nil
		}
	}
	msgs = append(msgs, msg)
	if err := db.writeJSON(db.batchPath(dir, index), msgs); err != nil {
		return err
	}
	spoolInMeter.Mark(1)
	return nil
}

func (db *Database) spoolLoad(dir string) (*Batch, error) {
	mu := db.lockSpool(dir)
	mu.Lock()
	defer mu.Unlock()

	indexes, err := db.batchIndexes(dir)
	if err != nil || len(indexes) == 0 {
		return nil, err
	}
	index := indexes[0]
	msgs, err := db.readBatchFile(dir, index)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		// empty file left over from a crash, clean it up
		os.Remove(db.batchPath(dir, index))
		return nil, nil
	}
	return &Batch{Messages: msgs, dir: dir, index: index}, nil
}

func (db *Database) spoolRemove(batch *Batch, delivered int) error {
	if delivered <= 0 {
		return nil
	}
	mu := db.lockSpool(batch.dir)
	mu.Lock()
	defer mu.Unlock()

	msgs, err := db.readBatchFile(batch.dir, batch.index)
	if err != nil {
		return err
	}
	if delivered >= len(msgs) {
		spoolOutMeter.Mark(int64(len(msgs)))
		return os.Remove(db.batchPath(batch.dir, batch.index))
	}
	spoolOutMeter.Mark(int64(delivered))
	return db.writeJSON(db.batchPath(batch.dir, batch.index), msgs[delivered:])
}

// SpoolCount walks the recipient's spool and counts stored envelopes.
func (db *Database) SpoolCount(recipient protocol.ID) (int, error) {
	dir := filepath.Join(spoolDir, string(recipient.Address()))
	mu := db.lockSpool(dir)
	mu.Lock()
	defer mu.Unlock()

	indexes, err := db.batchIndexes(dir)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, index := range indexes {
		msgs, err := db.readBatchFile(dir, index)
		if err != nil {
			return 0, err
		}
		total += len(msgs)
	}
	return total, nil
}

func (db *Database) batchPath(dir string, index int) string {
	return filepath.Join(db.root, dir, batchPrefix+strconv.Itoa(index)+batchSuffix)
}

// batchIndexes lists the batch file numbers in a spool directory, sorted
// ascending.
func (db *Database) batchIndexes(dir string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(db.root, dir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var indexes []int
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, batchPrefix) || !strings.HasSuffix(name, batchSuffix) {
			continue
		}
		n, err := strconv.Atoi(name[len(batchPrefix) : len(name)-len(batchSuffix)])
		if err != nil {
			continue
		}
		indexes = append(indexes, n)
	}
	sort.Ints(indexes)
	return indexes, nil
}

func (db *Database) readBatchFile(dir string, index int) ([]*protocol.ReliableMessage, error) {
	var msgs []*protocol.ReliableMessage
	_, err := db.readJSON(db.batchPath(dir, index), &msgs)
	return msgs, err
}

//
// Group key table: encrypted content keys re-wrapped for group members,
// protected/{group}/group-keys-{sender}.js.
//

// SaveGroupKeys merges new wrapped keys into the sender's table for a
// group. Empty values never overwrite stored ones, so a member list update
// cannot erase keys it did not carry.
func (db *Database) SaveGroupKeys(group, sender protocol.ID, keys map[string]string) error {
	path := filepath.Join(db.root, "protected", string(group.Address()),
		"group-keys-"+string(sender.Address())+".js")
	mu := db.lockSpool(filepath.Dir(path))
	mu.Lock()
	defer mu.Unlock()

	stored := make(map[string]string)
	if _, err := db.readJSON(path, &stored); err != nil {
		return err
	}
	for member, key := range keys {
		if key == "" {
			continue
		}
		stored[member] = key
	}
	return db.writeJSON(path, stored)
}

// SaveMembers replaces the member list of a group.
func (db *Database) SaveMembers(group protocol.ID, members []protocol.ID) error {
	path := filepath.Join(db.root, "protected", string(group.Address()), "members.js")
	return db.writeJSON(path, members)
}

// Members loads the member list of a group, nil if unknown.
func (db *Database) Members(group protocol.ID) ([]protocol.ID, error) {
	var members []protocol.ID
	path := filepath.Join(db.root, "protected", string(group.Address()), "members.js")
	_, err := db.readJSON(path, &members)
	return members, err
}

// GroupKeys loads the wrapped keys a sender left for a group's members.
func (db *Database) GroupKeys(group, sender protocol.ID) (map[string]string, error) {
	path := filepath.Join(db.root, "protected", string(group.Address()),
		"group-keys-"+string(sender.Address())+".js")
	keys := make(map[string]string)
	ok, err := db.readJSON(path, &keys)
	if err != nil || !ok {
		return nil, err
	}
	return keys, nil
}
