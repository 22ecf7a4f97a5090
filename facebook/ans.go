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

package facebook

import "github.com/dimchat/dimd/protocol"

// The address name service maps short names ("moky", "assistant") onto
// full identifiers. Records come from the station config; the reserved
// broadcast names are built in and cannot be overridden.

var reservedANS = map[string]protocol.ID{
	"anyone":   protocol.Anyone,
	"everyone": protocol.Everyone,
	"station":  protocol.AnyStation,
}

// SetANSRecord installs one name mapping. Reserved names are ignored.
func (f *Facebook) SetANSRecord(name string, id protocol.ID) {
	if _, ok := reservedANS[name]; ok {
		return
	}
	f.mu.Lock()
	f.ans[name] = id
	f.mu.Unlock()
}

// ANSRecord resolves a short name, zero ID when unknown.
func (f *Facebook) ANSRecord(name string) protocol.ID {
	if id, ok := reservedANS[name]; ok {
		return id
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ans[name]
}
