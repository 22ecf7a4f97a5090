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
	"errors"
	"time"

	"github.com/dimchat/dimd/protocol"
)

var (
	ErrLoginSenderMismatch = errors.New("storage: login command ID differs from message sender")
	ErrStationLogin        = errors.New("storage: stations do not log in")
)

// loginRecord pairs the last login command with the reliable message that
// carried it, so the station can forward the original envelope to anyone
// who asks where the user is. loaded distinguishes "never read" from
// "read, nothing on disk".
type loginRecord struct {
	Command *protocol.LoginCommand    `json:"cmd"`
	Message *protocol.ReliableMessage `json:"msg"`
	loaded  bool
}

// SaveLogin stores a login command together with its carrier message.
// The command must be about its own sender, stations never log in, and an
// older or equal timestamp is rejected so replayed logins cannot move a
// user backwards.
func (db *Database) SaveLogin(cmd *protocol.LoginCommand, msg *protocol.ReliableMessage) error {
	if !cmd.ID.Equal(msg.Sender) {
		return ErrLoginSenderMismatch
	}
	if cmd.ID.Type() == protocol.NetworkStation {
		return ErrStationLogin
	}
	db.loginMu.Lock()
	defer db.loginMu.Unlock()
	old, err := db.loginLocked(cmd.ID)
	if err != nil {
		return err
	}
	if old != nil && old.Command != nil && cmd.Time <= old.Command.Time {
		return ErrStaleLogin
	}
	rec := &loginRecord{Command: cmd, Message: msg, loaded: true}
	if err := db.writeJSON(db.publicPath(cmd.ID.Address(), "login.js"), rec); err != nil {
		return err
	}
	db.logins[cmd.ID] = rec
	db.log.Debug("Login saved", "id", cmd.ID, "time", time.Unix(cmd.Time, 0))
	return nil
}

// Login returns the last login command and its carrier message, or nils
// when nothing is stored or the record is older than seven days.
func (db *Database) Login(id protocol.ID) (*protocol.LoginCommand, *protocol.ReliableMessage, error) {
	db.loginMu.Lock()
	rec, err := db.loginLocked(id)
	db.loginMu.Unlock()
	if err != nil || rec == nil || rec.Command == nil {
		return nil, nil, err
	}
	if time.Since(time.Unix(rec.Command.Time, 0)) > loginExpire {
		return nil, nil, nil
	}
	return rec.Command, rec.Message, nil
}

// LoginTime returns the timestamp of the stored login, zero when absent
// or expired.
func (db *Database) LoginTime(id protocol.ID) time.Time {
	cmd, _, _ := db.Login(id)
	if cmd == nil {
		return time.Time{}
	}
	return time.Unix(cmd.Time, 0)
}

func (db *Database) loginLocked(id protocol.ID) (*loginRecord, error) {
	if rec, ok := db.logins[id]; ok {
		return rec, nil
	}
	var rec loginRecord
	ok, err := db.readJSON(db.publicPath(id.Address(), "login.js"), &rec)
	if err != nil {
		return nil, err
	}
	rec.loaded = true
	if !ok {
		// negative entry, saves the stat on the next miss
		db.logins[id] = &loginRecord{loaded: true}
		return nil, nil
	}
	db.logins[id] = &rec
	return &rec, nil
}
