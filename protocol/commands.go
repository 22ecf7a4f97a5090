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

// HandshakeState is derived from the conventional message strings of the
// handshake command.
type HandshakeState int

const (
	HandshakeInit HandshakeState = iota
	HandshakeStart
	HandshakeAgain
	HandshakeSuccess
)

const (
	handshakeHello   = "Hello world!"
	handshakeAgain   = "DIM?"
	handshakeSuccess = "DIM!"
)

// HandshakeCommand drives the challenge-response state machine. The client
// opens with hello (session empty on first connect), the station challenges
// with a fresh session key, the client echoes it back and the station
// confirms.
type HandshakeCommand struct {
	BaseCommand
	Message string `json:"message"`
	Session string `json:"session,omitempty"`
}

func NewHandshakeStart(session string) *HandshakeCommand {
	return &HandshakeCommand{BaseCommand: newBaseCommand(CommandHandshake), Message: handshakeHello, Session: session}
}

func NewHandshakeAgain(session string) *HandshakeCommand {
	return &HandshakeCommand{BaseCommand: newBaseCommand(CommandHandshake), Message: handshakeAgain, Session: session}
}

func NewHandshakeSuccess() *HandshakeCommand {
	return &HandshakeCommand{BaseCommand: newBaseCommand(CommandHandshake), Message: handshakeSuccess}
}

// State maps the message string onto the protocol state.
func (c *HandshakeCommand) State() HandshakeState {
	switch c.Message {
	case handshakeSuccess:
		return HandshakeSuccess
	case handshakeAgain:
		return HandshakeAgain
	case handshakeHello:
		return HandshakeStart
	}
	return HandshakeInit
}

// LoginCommand reports where a user logged in. The station keeps the last
// one per user (newer time wins) together with the reliable message that
// delivered it.
type LoginCommand struct {
	BaseCommand
	ID      ID             `json:"ID"`
	Time    int64          `json:"time"`
	Agent   string         `json:"agent,omitempty"`
	Station map[string]any `json:"station,omitempty"`
}

func NewLoginCommand(id ID, time int64) *LoginCommand {
	return &LoginCommand{BaseCommand: newBaseCommand(CommandLogin), ID: id, Time: time}
}

// ReceiptCommand is the typed reply for both delivery confirmations and
// recoverable errors.
type ReceiptCommand struct {
	BaseCommand
	Message   string `json:"message"`
	Signature string `json:"signature,omitempty"` // identity of the acknowledged envelope
	Success   []ID   `json:"success,omitempty"`
	Failed    []ID   `json:"failed,omitempty"`
}

func NewReceipt(message string) *ReceiptCommand {
	return &ReceiptCommand{BaseCommand: newBaseCommand(CommandReceipt), Message: message}
}

// MetaCommand either queries the meta for an ID (meta absent) or uploads
// one (meta present, must match the ID).
type MetaCommand struct {
	BaseCommand
	ID   ID    `json:"ID"`
	Meta *Meta `json:"meta,omitempty"`
}

func NewMetaQuery(id ID) *MetaCommand {
	return &MetaCommand{BaseCommand: newBaseCommand(CommandMeta), ID: id}
}

func NewMetaResponse(id ID, meta *Meta) *MetaCommand {
	return &MetaCommand{BaseCommand: newBaseCommand(CommandMeta), ID: id, Meta: meta}
}

// ProfileCommand extends the meta command with the signed attribute record.
type ProfileCommand struct {
	BaseCommand
	ID   ID    `json:"ID"`
	Meta *Meta `json:"meta,omitempty"`
	Visa *Visa `json:"profile,omitempty"`
}

func NewProfileQuery(id ID) *ProfileCommand {
	return &ProfileCommand{BaseCommand: newBaseCommand(CommandProfile), ID: id}
}

func NewProfileResponse(id ID, meta *Meta, visa *Visa) *ProfileCommand {
	return &ProfileCommand{BaseCommand: newBaseCommand(CommandProfile), ID: id, Meta: meta, Visa: visa}
}

// MuteCommand uploads or queries the sender's mute list.
type MuteCommand struct {
	BaseCommand
	List []ID `json:"list,omitempty"`
}

// BlockCommand uploads or queries the sender's block list.
type BlockCommand struct {
	BaseCommand
	List []ID `json:"list,omitempty"`
}

// ReportCommand flags a client state change ("online"/"offline"); the
// push sink uses it to mute notifications for foreground devices.
type ReportCommand struct {
	BaseCommand
	Title string `json:"title"`
}

const (
	ReportOnline  = "online"
	ReportOffline = "offline"
)

// SearchCommand queries user accounts by keyword; the conventional keyword
// "online users" asks for the currently active sessions.
type SearchCommand struct {
	BaseCommand
	Keywords string         `json:"keywords,omitempty"`
	Limit    int            `json:"limit,omitempty"`
	Users    []ID           `json:"users,omitempty"`
	Results  map[string]any `json:"results,omitempty"`
}

const SearchOnlineUsers = "online users"

func NewSearchCommand(keywords string) *SearchCommand {
	return &SearchCommand{BaseCommand: newBaseCommand(CommandSearch), Keywords: keywords}
}

// ForwardContent wraps a reliable message inside another content object.
// It is also the fallback for content tags the station has no handler for.
type ForwardContent struct {
	Type    ContentType      `json:"type"`
	SN      uint64           `json:"sn"`
	Forward *ReliableMessage `json:"forward"`
}

func NewForwardContent(msg *ReliableMessage) *ForwardContent {
	return &ForwardContent{Type: ContentTypeForward, SN: randSN(), Forward: msg}
}
