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

import (
	"github.com/dimchat/dimd/protocol"
)

// Members returns the member list of a group, nil when unknown.
func (f *Facebook) Members(group protocol.ID) ([]protocol.ID, error) {
	return f.db.Members(group)
}

// SaveMembers replaces the member list of a group.
func (f *Facebook) SaveMembers(group protocol.ID, members []protocol.ID) error {
	return f.db.SaveMembers(group, members)
}

// IsFounder reports whether the member's key signed the group's meta seed.
// A polylogue is founded by whoever generated its meta, so the group
// fingerprint must verify under the member's key.
func (f *Facebook) IsFounder(member, group protocol.ID) (bool, error) {
	groupMeta, err := f.db.Meta(group)
	if err != nil || groupMeta == nil {
		return false, err
	}
	memberMeta, err := f.db.Meta(member)
	if err != nil || memberMeta == nil {
		return false, err
	}
	return memberMeta.VerifyData([]byte(groupMeta.Seed), groupMeta.Fingerprint), nil
}

// Owner returns the group's owner. For polylogues ownership never moves:
// the owner is the founder, found by scanning the member list.
func (f *Facebook) Owner(group protocol.ID) (protocol.ID, error) {
	if group.Type() != protocol.NetworkPolylogue {
		return protocol.ID{}, nil
	}
	members, err := f.db.Members(group)
	if err != nil {
		return protocol.ID{}, err
	}
	for _, member := range members {
		ok, err := f.IsFounder(member, group)
		if err != nil {
			return protocol.ID{}, err
		}
		if ok {
			return member, nil
		}
	}
	return protocol.ID{}, nil
}

// ExistsMember reports whether an identity is in the group's member list,
// its owner included.
func (f *Facebook) ExistsMember(member, group protocol.ID) (bool, error) {
	members, err := f.db.Members(group)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m.Equal(member) {
			return true, nil
		}
	}
	owner, err := f.Owner(group)
	if err != nil {
		return false, err
	}
	return !owner.IsZero() && owner.Equal(member), nil
}
