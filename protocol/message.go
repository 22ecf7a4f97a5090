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
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// Envelope is the routing header shared by all three message forms.
type Envelope struct {
	Sender   ID    `json:"sender"`
	Receiver ID    `json:"receiver"`
	Time     int64 `json:"time"`
}

// NewEnvelope stamps a header with the current time.
func NewEnvelope(sender, receiver ID) Envelope {
	return Envelope{Sender: sender, Receiver: receiver, Time: time.Now().Unix()}
}

// InstantMessage is the plaintext form. It exists only transiently inside
// the station, for content the station itself sends or receives; it is
// never stored or forwarded.
type InstantMessage struct {
	Envelope
	Content json.RawMessage `json:"content"`
}

// SecureMessage carries the encrypted content plus the per-recipient key
// mapping. Produced by clients; the station cannot open Data unless it is
// the receiver.
type SecureMessage struct {
	Envelope
	Data []byte            `json:"data"`
	Key  []byte            `json:"key,omitempty"`
	Keys map[string][]byte `json:"keys,omitempty"`
}

// EncryptedKeyFor returns the encrypted symmetric key for the given
// receiver. The single-recipient Key field belongs to the envelope
// receiver alone.
func (m *SecureMessage) EncryptedKeyFor(receiver ID) []byte {
	if m.Keys != nil {
		if k, ok := m.Keys[receiver.String()]; ok {
			return k
		}
		return nil
	}
	if receiver.Equal(m.Receiver) {
		return m.Key
	}
	return nil
}

// ReliableMessage is the Secure form plus the sender's signature and the
// optional attachments. This is the only form the station stores or
// forwards; its base64-encoded signature serves as the message's primary
// key everywhere in the core.
type ReliableMessage struct {
	SecureMessage
	Signature     []byte `json:"signature"`
	Meta          *Meta  `json:"meta,omitempty"`
	Visa          *Visa  `json:"visa,omitempty"`
	Traces        []ID   `json:"traces,omitempty"`
	Group         *ID    `json:"group,omitempty"`
	Target        *ID    `json:"target,omitempty"`
	SentNeighbors []ID   `json:"sent_neighbors,omitempty"`
}

var errNoSignature = errors.New("reliable message without signature")

// SignatureKey returns the envelope identity: the base64 encoding of the
// signature.
func (m *ReliableMessage) SignatureKey() string {
	return base64.StdEncoding.EncodeToString(m.Signature)
}

// IsBroadcast reports whether the message is broadcast-addressed, either
// directly or through its group hint.
func (m *ReliableMessage) IsBroadcast() bool {
	if m.Receiver.IsBroadcast() {
		return true
	}
	return m.Group != nil && m.Group.IsBroadcast()
}

// IsTraced reports whether the given station already appears in the trace
// list.
func (m *ReliableMessage) IsTraced(node ID) bool {
	for _, t := range m.Traces {
		if t.Equal(node) {
			return true
		}
	}
	return false
}

// AppendTrace records the station in the trace list. A station appears at
// most once per message; the return value reports whether the station was
// already present.
func (m *ReliableMessage) AppendTrace(node ID) (traced bool) {
	if m.IsTraced(node) {
		return true
	}
	m.Traces = append(m.Traces, node)
	return false
}

// SentTo reports whether the neighbor is listed in the sent_neighbors hint.
func (m *ReliableMessage) SentTo(neighbor ID) bool {
	for _, n := range m.SentNeighbors {
		if n.Equal(neighbor) {
			return true
		}
	}
	return false
}

// Encode serialises the message to the UTF-8 JSON wire form.
func (m *ReliableMessage) Encode() ([]byte, error) {
	if len(m.Signature) == 0 {
		return nil, errNoSignature
	}
	return json.Marshal(m)
}

// DecodeReliableMessage parses the wire form.
func DecodeReliableMessage(data []byte) (*ReliableMessage, error) {
	var m ReliableMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if len(m.Signature) == 0 {
		return nil, errNoSignature
	}
	return &m, nil
}
