// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package request defines the canonical request/response descriptors that
// flow between upstream sessions and the downstream transactor.
package request

import (
	"strconv"
	"time"
)

// Origin identifies which upstream leg submitted a request.
type Origin int

const (
	OriginShine Origin = iota
	OriginTCP
)

func (o Origin) String() string {
	switch o {
	case OriginShine:
		return "shine"
	case OriginTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// Failure names the taxonomy of ways a transaction can fail to produce a
// usable response, per spec §7.
type Failure int

const (
	// OK is the zero value: the transaction produced a verified response.
	OK Failure = iota
	Timeout
	ShortFrame
	CrcMismatch
	WriteFailed
	PortClosed
	ProtocolError
	Overrun
	Shutdown
)

func (f Failure) String() string {
	switch f {
	case OK:
		return "ok"
	case Timeout:
		return "timeout"
	case ShortFrame:
		return "short_frame"
	case CrcMismatch:
		return "crc_mismatch"
	case WriteFailed:
		return "write_failed"
	case PortClosed:
		return "port_closed"
	case ProtocolError:
		return "protocol_error"
	case Overrun:
		return "overrun"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// MarshalJSON renders a Failure as its taxonomy string, so sniff events
// and any other JSON-encoded payload carry "crc_mismatch" rather than a
// bare integer.
func (f Failure) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(f.String())), nil
}

// Descriptor is a canonical request awaiting a transaction against the
// downstream inverter. It is created by an upstream session, handed to
// the transactor by value over a channel, and never outlives the
// transaction: Reply is written to exactly once.
type Descriptor struct {
	Origin      Origin
	Endpoint    string // bound TCP endpoint, empty for Shine
	Peer        string // remote address, empty for Shine
	Unit        byte
	Function    byte
	Payload     []byte
	TxnID       uint16 // MBAP transaction id, meaningless for Shine
	SubmittedAt time.Time
	Deadline    time.Time
	Reply       chan Response
}

// Response is the outcome of a transaction: either a verified downstream
// frame, or a tagged failure.
type Response struct {
	Request Descriptor
	Bytes   []byte // unit...CRC, only meaningful when Failure == OK
	CRCOk   bool
	RecvAt  time.Time
	Failure Failure
}
