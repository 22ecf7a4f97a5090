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
	"encoding/json"
	"errors"
	"math/rand/v2"
)

// ContentType is the tag discriminating message content variants.
type ContentType uint8

const (
	ContentTypeText    ContentType = 0x01
	ContentTypeFile    ContentType = 0x10
	ContentTypeCommand ContentType = 0x88
	ContentTypeHistory ContentType = 0x89
	ContentTypeForward ContentType = 0xFF
)

// Content is the decoded view of a tagged content object. The raw JSON is
// retained so a handler registered for the tag can decode the concrete
// variant; unknown tags fall through to the forward handler.
type Content struct {
	Type    ContentType
	SN      uint64
	Group   *ID
	Command string // command name, set only for command/history contents
	raw     json.RawMessage
}

type contentHead struct {
	Type    ContentType `json:"type"`
	SN      uint64      `json:"sn"`
	Group   *ID         `json:"group,omitempty"`
	Command string      `json:"command,omitempty"`
}

var errEmptyContent = errors.New("empty message content")

// DecodeContent parses the discriminator fields and keeps the raw bytes.
func DecodeContent(data []byte) (*Content, error) {
	if len(data) == 0 {
		return nil, errEmptyContent
	}
	var head contentHead
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	return &Content{
		Type:    head.Type,
		SN:      head.SN,
		Group:   head.Group,
		Command: head.Command,
		raw:     append(json.RawMessage(nil), data...),
	}, nil
}

// DecodeInto unmarshals the retained raw JSON into a concrete variant.
func (c *Content) DecodeInto(v any) error {
	return json.Unmarshal(c.raw, v)
}

// Raw returns the retained wire bytes.
func (c *Content) Raw() json.RawMessage { return c.raw }

// BaseCommand is the shared head of all command contents.
type BaseCommand struct {
	Type    ContentType `json:"type"`
	SN      uint64      `json:"sn"`
	Command string      `json:"command"`
}

func newBaseCommand(name string) BaseCommand {
	return BaseCommand{Type: ContentTypeCommand, SN: randSN(), Command: name}
}

func randSN() uint64 { return uint64(rand.Uint32()) + 1 }

// Command names understood by the station's processors.
const (
	CommandHandshake = "handshake"
	CommandLogin     = "login"
	CommandMeta      = "meta"
	CommandProfile   = "profile"
	CommandSearch    = "search"
	CommandUsers     = "users"
	CommandContacts  = "contacts"
	CommandMute      = "mute"
	CommandBlock     = "block"
	CommandReport    = "report"
	CommandBroadcast = "broadcast"
	CommandReceipt   = "receipt"
)
