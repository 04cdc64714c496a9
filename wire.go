// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tinywire implements a minimal length-prefixed message-framing
// protocol for reliable byte-stream transports (TCP): a negotiated
// handshake, per-message flow acknowledgement, and a pluggable
// message-transform pipeline, composed into cooperating Connection, Server
// and Client roles.
//
// Wire format, after TCP establish:
//
//	Handshake:       A -> B : SC_OK (1 byte)
//	                 B -> A : SC_OK (1 byte)
//
//	Framed message (sender S, receiver R):
//	  S -> R : SIZE    (4 bytes, big-endian, value <= MaxMessageSize)
//	  R -> S : STATUS  (1 byte; StatusOK to proceed, StatusGenericError to abort)
//	  if STATUS == StatusOK:
//	      S -> R : PAYLOAD (exactly SIZE bytes, post-plugin-transform)
//	  else:
//	      message dropped; S surfaces TransmitRejected.
package tinywire

import "encoding/binary"

// Status is a single in-band status byte exchanged during the handshake and
// the per-message ACK.
type Status byte

const (
	// StatusOK means success / proceed.
	StatusOK Status = 0xFF
	// StatusGenericError means the receiver rejects the transmission.
	StatusGenericError Status = 0x00
	// StatusConnLimit means the server is at its connection limit.
	StatusConnLimit Status = 0xFE
	// StatusConflict is reserved.
	StatusConflict Status = 0xFD
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusGenericError:
		return "GENERIC_ERROR"
	case StatusConnLimit:
		return "CONN_LIMIT"
	case StatusConflict:
		return "CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// MaxMessageSize is the largest payload length, in bytes, a 4-byte size
// header may legally encode. Values above this sentinel are reserved for
// in-band status codes: MaxMessageSize's top byte (0xF0) sits below
// StatusOK, StatusConnLimit and StatusConflict, so a high byte equal to one
// of those is never the start of a legal size header. StatusGenericError
// (0x00) is not separable this way.
const MaxMessageSize uint32 = 0xF0FFFFFF

// sizeToBytes encodes n as 4 big-endian bytes. n must be <= MaxMessageSize;
// callers are expected to have validated that already (the wire contract
// never sends a size header above the sentinel).
func sizeToBytes(n uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return b
}

// bytesToSize decodes a 4-byte big-endian size header.
func bytesToSize(b [4]byte) uint32 {
	return binary.BigEndian.Uint32(b[:])
}
