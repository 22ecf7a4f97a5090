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

// Package mars implements the framed wire protocol carrying envelopes
// between clients and stations:
//
//	[head_len:4][version:4][cmd:4][seq:4][body_len:4][options:head_len-20][body]
//
// All integers are big-endian. The codec resynchronises on corrupted input
// by scanning forward for the next plausible version field.
package mars

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MinHeadLen is the fixed part of the header; options follow up to
	// head_len.
	MinHeadLen = 20

	// Version is the only protocol version accepted on the wire.
	Version = 200

	// maxBodyLen bounds body_len so a corrupted length field cannot stall
	// the stream waiting for gigabytes that will never arrive.
	maxBodyLen = 1 << 24
)

// Frame commands.
const (
	CmdSendMsg     = 3
	CmdNoop        = 6
	CmdPushMessage = 10001
)

// Reserved liveness bodies. They are handled by the connection pump and
// never reach the dispatcher.
var (
	PingBody = []byte("PING")
	PongBody = []byte("PONG")
	NoopBody = []byte("NOOP")
)

// magic is the version field in wire encoding, used to find the next frame
// boundary after corruption.
var magic = []byte{0, 0, 0, Version}

// magicOffset is the byte position of the version field within a header.
const magicOffset = 4

var (
	ErrHeadLength = errors.New("mars: bad head length")
	ErrVersion    = errors.New("mars: unsupported protocol version")
	ErrCommand    = errors.New("mars: unknown command")
	ErrBodyLength = errors.New("mars: bad body length")
)

// Header is the decoded frame header.
type Header struct {
	Version uint32
	Cmd     uint32
	Seq     uint32
	Options []byte
	BodyLen uint32
}

// Length returns head_len: the fixed fields plus options.
func (h *Header) Length() int { return MinHeadLen + len(h.Options) }

// Package is one complete frame.
type Package struct {
	Header
	Body []byte
}

// NewPackage frames a body under the given command and sequence number.
func NewPackage(cmd, seq uint32, body []byte) *Package {
	return &Package{
		Header: Header{Version: Version, Cmd: cmd, Seq: seq, BodyLen: uint32(len(body))},
		Body:   body,
	}
}

// Encode serialises the package. The result is head_len+body_len bytes.
func (p *Package) Encode() []byte {
	buf := make([]byte, 0, p.Length()+len(p.Body))
	var u [4]byte
	put := func(v uint32) {
		binary.BigEndian.PutUint32(u[:], v)
		buf = append(buf, u[:]...)
	}
	put(uint32(p.Length()))
	put(p.Version)
	put(p.Cmd)
	put(p.Seq)
	put(uint32(len(p.Body)))
	buf = append(buf, p.Options...)
	return append(buf, p.Body...)
}

func validCmd(cmd uint32) bool {
	switch cmd {
	case CmdSendMsg, CmdNoop, CmdPushMessage:
		return true
	}
	return false
}

// parseHeader decodes and validates a header at the start of buf. It
// requires len(buf) >= MinHeadLen.
func parseHeader(buf []byte) (*Header, int, error) {
	headLen := binary.BigEndian.Uint32(buf[0:4])
	version := binary.BigEndian.Uint32(buf[4:8])
	cmd := binary.BigEndian.Uint32(buf[8:12])
	seq := binary.BigEndian.Uint32(buf[12:16])
	bodyLen := binary.BigEndian.Uint32(buf[16:20])
	if version != Version {
		return nil, 0, fmt.Errorf("%w: %d", ErrVersion, version)
	}
	if headLen < MinHeadLen || headLen > MinHeadLen+1024 {
		return nil, 0, fmt.Errorf("%w: %d", ErrHeadLength, headLen)
	}
	if bodyLen > maxBodyLen {
		return nil, 0, fmt.Errorf("%w: %d", ErrBodyLength, bodyLen)
	}
	if !validCmd(cmd) {
		return nil, 0, fmt.Errorf("%w: %d", ErrCommand, cmd)
	}
	h := &Header{Version: version, Cmd: cmd, Seq: seq, BodyLen: bodyLen}
	if int(headLen) > MinHeadLen {
		if len(buf) < int(headLen) {
			// header options not fully buffered yet
			return nil, int(headLen), nil
		}
		h.Options = append([]byte(nil), buf[MinHeadLen:headLen]...)
	}
	return h, int(headLen), nil
}

// Parse consumes at most one frame from buf. It returns:
//
//   - (pkg, n, nil): a complete frame, n bytes consumed;
//   - (nil, 0, nil): need more bytes, nothing consumed;
//   - (noop, n, err): framing error; n garbage bytes were skipped up to the
//     next plausible frame boundary (or the whole buffer) and a synthetic
//     NOOP package is returned so the peer pump still observes liveness.
func Parse(buf []byte) (*Package, int, error) {
	if len(buf) < MinHeadLen {
		return nil, 0, nil
	}
	head, headLen, err := parseHeader(buf)
	if err != nil {
		return resync(buf, err)
	}
	if head == nil {
		// options beyond buffered data
		return nil, 0, nil
	}
	packLen := headLen + int(head.BodyLen)
	if len(buf) < packLen {
		return nil, 0, nil
	}
	pkg := &Package{Header: *head}
	if head.BodyLen > 0 {
		pkg.Body = append([]byte(nil), buf[headLen:packLen]...)
	}
	return pkg, packLen, nil
}

// resync searches forward for the next plausible version field and reports
// how much garbage to drop. The synthetic NOOP keeps the heartbeat logic
// fed while the stream recovers.
func resync(buf []byte, cause error) (*Package, int, error) {
	// the candidate header starts magicOffset bytes before the version
	// field, so matches that close to the front cannot be a frame start;
	// keep scanning past them instead of discarding the whole buffer
	skip := len(buf)
	for from := 1; ; {
		pos := bytes.Index(buf[from:], magic)
		if pos < 0 {
			break
		}
		if start := from + pos - magicOffset; start > 0 {
			skip = start
			break
		}
		from += pos + 1
	}
	return NewPackage(CmdNoop, 0, nil), skip, cause
}
