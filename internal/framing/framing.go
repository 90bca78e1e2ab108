/*
 * Copyright (c) 2026, SIP022 Server Authors.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package framing encodes and decodes the SIP022 fixed and variable
// request/response headers and the length-prefixed chunk frames that
// follow them. All integers on the wire are big-endian.
//
// Layouts are grounded on outline-sdk/transport/shadowsocks's Writer/
// Reader framing (salt, then a sequence of AEAD-sealed records), but the
// headers themselves are the SIP022-specific fixed/variable request and
// response headers this server requires.
package framing

import (
	"encoding/binary"
	"fmt"
)

// Address types for VariableLengthRequestHeader, matching SIP022.
const (
	AddressTypeIPv4   byte = 1
	AddressTypeDomain byte = 3
	AddressTypeIPv6   byte = 4
)

// Request/response frame type tags.
const (
	TypeClientStream byte = 0
	TypeServerStream byte = 1
)

// FixedHeaderLength is the plaintext length of FixedLengthRequestHeader:
// 1 (type) + 8 (timestamp) + 2 (length).
const FixedHeaderLength = 11

// FixedLengthRequestHeader is the first plaintext block of a client
// request, decoded from the first 11 bytes opened under the request
// salt's subkey.
type FixedLengthRequestHeader struct {
	Timestamp int64
	Length    uint16
}

// EncodeFixedLengthRequestHeader serializes a FixedLengthRequestHeader
// into exactly FixedHeaderLength bytes.
func EncodeFixedLengthRequestHeader(h FixedLengthRequestHeader) []byte {
	buf := make([]byte, FixedHeaderLength)
	buf[0] = TypeClientStream
	binary.BigEndian.PutUint64(buf[1:9], uint64(h.Timestamp))
	binary.BigEndian.PutUint16(buf[9:11], h.Length)
	return buf
}

// DecodeFixedLengthRequestHeader parses exactly FixedHeaderLength bytes.
func DecodeFixedLengthRequestHeader(b []byte) (FixedLengthRequestHeader, error) {
	if len(b) != FixedHeaderLength {
		return FixedLengthRequestHeader{}, fmt.Errorf("framing: fixed request header must be %d bytes, got %d", FixedHeaderLength, len(b))
	}
	if b[0] != TypeClientStream {
		return FixedLengthRequestHeader{}, fmt.Errorf("framing: unexpected request frame type %d", b[0])
	}
	return FixedLengthRequestHeader{
		Timestamp: int64(binary.BigEndian.Uint64(b[1:9])),
		Length:    binary.BigEndian.Uint16(b[9:11]),
	}, nil
}

// VariableLengthRequestHeader is the second plaintext block of a client
// request: the resolved target address, padding, and any initial payload
// bytes the client attached to the handshake.
type VariableLengthRequestHeader struct {
	AddressType    byte
	AddressIPv4    [4]byte
	AddressIPv6    [16]byte
	Domain         string
	Port           uint16
	PaddingLength  uint16
	InitialPayload []byte
}

// EncodeVariableLengthRequestHeader serializes h into its wire form.
func EncodeVariableLengthRequestHeader(h VariableLengthRequestHeader) ([]byte, error) {
	var addr []byte
	switch h.AddressType {
	case AddressTypeIPv4:
		addr = h.AddressIPv4[:]
	case AddressTypeIPv6:
		addr = h.AddressIPv6[:]
	case AddressTypeDomain:
		if len(h.Domain) > 255 {
			return nil, fmt.Errorf("framing: domain name too long: %d bytes", len(h.Domain))
		}
		addr = append([]byte{byte(len(h.Domain))}, h.Domain...)
	default:
		return nil, fmt.Errorf("framing: unknown address type %d", h.AddressType)
	}

	buf := make([]byte, 0, 1+len(addr)+2+2+int(h.PaddingLength)+len(h.InitialPayload))
	buf = append(buf, h.AddressType)
	buf = append(buf, addr...)
	buf = binary.BigEndian.AppendUint16(buf, h.Port)
	buf = binary.BigEndian.AppendUint16(buf, h.PaddingLength)
	buf = append(buf, make([]byte, h.PaddingLength)...)
	buf = append(buf, h.InitialPayload...)
	return buf, nil
}

// ErrNoInitialPayloadOrPadding is returned when a decoded variable header
// has neither padding nor an initial payload, per SIP022's anti-probing
// requirement.
var ErrNoInitialPayloadOrPadding = fmt.Errorf("framing: request has neither padding nor initial payload")

// DecodeVariableLengthRequestHeader parses b, the full plaintext block
// recovered from the variable-length AEAD record.
func DecodeVariableLengthRequestHeader(b []byte) (VariableLengthRequestHeader, error) {
	var h VariableLengthRequestHeader
	if len(b) < 1 {
		return h, fmt.Errorf("framing: variable header too short for address type")
	}
	h.AddressType = b[0]
	rest := b[1:]

	switch h.AddressType {
	case AddressTypeIPv4:
		if len(rest) < 4 {
			return h, fmt.Errorf("framing: variable header too short for IPv4 address")
		}
		copy(h.AddressIPv4[:], rest[:4])
		rest = rest[4:]
	case AddressTypeIPv6:
		if len(rest) < 16 {
			return h, fmt.Errorf("framing: variable header too short for IPv6 address")
		}
		copy(h.AddressIPv6[:], rest[:16])
		rest = rest[16:]
	case AddressTypeDomain:
		if len(rest) < 1 {
			return h, fmt.Errorf("framing: variable header too short for domain length")
		}
		n := int(rest[0])
		rest = rest[1:]
		if len(rest) < n {
			return h, fmt.Errorf("framing: domain length %d overruns block", n)
		}
		h.Domain = string(rest[:n])
		rest = rest[n:]
	default:
		return h, fmt.Errorf("framing: unknown address type %d", h.AddressType)
	}

	if len(rest) < 4 {
		return h, fmt.Errorf("framing: variable header too short for port/padding")
	}
	h.Port = binary.BigEndian.Uint16(rest[0:2])
	h.PaddingLength = binary.BigEndian.Uint16(rest[2:4])
	rest = rest[4:]

	if len(rest) < int(h.PaddingLength) {
		return h, fmt.Errorf("framing: padding length %d overruns block", h.PaddingLength)
	}
	h.InitialPayload = rest[h.PaddingLength:]

	if h.PaddingLength == 0 && len(h.InitialPayload) == 0 {
		return h, ErrNoInitialPayloadOrPadding
	}
	return h, nil
}

// FixedResponseHeaderLength returns the plaintext length of
// FixedLengthResponseHeader for a given salt length: 1 (type) + 8
// (timestamp) + saltLength (echoed request salt) + 2 (length).
func FixedResponseHeaderLength(saltLength int) int {
	return 1 + 8 + saltLength + 2
}

// FixedLengthResponseHeader is the first plaintext block of the server's
// response stream, binding the response to the client's request salt.
type FixedLengthResponseHeader struct {
	Timestamp   int64
	RequestSalt []byte
	Length      uint16
}

// EncodeFixedLengthResponseHeader serializes h.
func EncodeFixedLengthResponseHeader(h FixedLengthResponseHeader) []byte {
	buf := make([]byte, 0, FixedResponseHeaderLength(len(h.RequestSalt)))
	buf = append(buf, TypeServerStream)
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.Timestamp))
	buf = append(buf, h.RequestSalt...)
	buf = binary.BigEndian.AppendUint16(buf, h.Length)
	return buf
}

// DecodeFixedLengthResponseHeader parses b, given the expected salt
// length (the client knows its own request salt length from its chosen
// cipher suite).
func DecodeFixedLengthResponseHeader(b []byte, saltLength int) (FixedLengthResponseHeader, error) {
	want := FixedResponseHeaderLength(saltLength)
	if len(b) != want {
		return FixedLengthResponseHeader{}, fmt.Errorf("framing: fixed response header must be %d bytes, got %d", want, len(b))
	}
	if b[0] != TypeServerStream {
		return FixedLengthResponseHeader{}, fmt.Errorf("framing: unexpected response frame type %d", b[0])
	}
	h := FixedLengthResponseHeader{
		Timestamp:   int64(binary.BigEndian.Uint64(b[1:9])),
		RequestSalt: append([]byte(nil), b[9:9+saltLength]...),
	}
	h.Length = binary.BigEndian.Uint16(b[9+saltLength : 9+saltLength+2])
	return h, nil
}

// MaxChunkLength is the largest payload size representable by a single
// u16 length prefix (SIP022's 65535-byte frame ceiling).
const MaxChunkLength = 0xFFFF

// EncodeChunkLength serializes a chunk length as a 2-byte big-endian
// value, the plaintext of the length-prefix AEAD record that precedes
// every payload chunk after the first.
func EncodeChunkLength(n uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, n)
	return buf
}

// DecodeChunkLength parses a 2-byte big-endian chunk length.
func DecodeChunkLength(b []byte) (uint16, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("framing: chunk length prefix must be 2 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}
