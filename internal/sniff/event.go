// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package sniff

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/l4m4re/growatt-rtu-broker/internal/request"
	"github.com/l4m4re/growatt-rtu-broker/modbus/rtu"
)

// Event is one newline-delimited JSON line on the sniff stream (spec §4.7).
type Event struct {
	Timestamp  string `json:"ts"`
	Role       string `json:"role"`
	FromClient string `json:"from_client"`
	ToClient   string `json:"to_client"`
	Unit       int    `json:"uid"`
	Function   int    `json:"func"`
	Addr       *int   `json:"addr,omitempty"`
	Count      *int   `json:"count,omitempty"`
	Value      *int   `json:"value,omitempty"`
	Bytes      int    `json:"bytes"`
	CRCOk      bool   `json:"crc_ok"`
	Hex        string `json:"hex"`
	Reason     string `json:"reason,omitempty"`
}

// newEvent builds the JSON event for one REQ/RSP/ERR transaction leg. For
// REQ, frame is the outbound bytes already written (or nil if not yet
// serialized); for RSP/ERR, frame is whatever was read downstream.
func newEvent(role, reason string, req request.Descriptor, frame []byte, crcOk bool) Event {
	ev := Event{
		Timestamp:  time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Role:       role,
		FromClient: clientLabel(req),
		ToClient:   "inverter",
		Unit:       int(req.Unit),
		Function:   int(req.Function),
		Bytes:      len(frame),
		CRCOk:      crcOk,
		Hex:        hex.EncodeToString(frame),
		Reason:     reason,
	}
	decodeFields(&ev, req.Function, req.Payload)
	return ev
}

func clientLabel(req request.Descriptor) string {
	switch req.Origin {
	case request.OriginShine:
		return "shine"
	case request.OriginTCP:
		return fmt.Sprintf("tcp:%s<-%s", req.Endpoint, req.Peer)
	default:
		return req.Origin.String()
	}
}

func infoEvent(message string) Event {
	return Event{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Role:      "INFO",
		Reason:    message,
	}
}

// decodeFields is the best-effort decoder table from spec §4.7: it fills
// addr/count/value for the common function codes and leaves them absent
// for anything else.
func decodeFields(ev *Event, function byte, data []byte) {
	switch function {
	case rtu.FuncCodeReadHoldingRegister, rtu.FuncCodeReadInputRegister,
		rtu.FuncCodeReadCoils, rtu.FuncCodeReadDiscreteInputs:
		if len(data) >= 4 {
			setInt(&ev.Addr, int(binary.BigEndian.Uint16(data[0:2])))
			setInt(&ev.Count, int(binary.BigEndian.Uint16(data[2:4])))
		}
	case rtu.FuncCodeWriteSingleRegister, rtu.FuncCodeWriteSingleCoil:
		if len(data) >= 4 {
			setInt(&ev.Addr, int(binary.BigEndian.Uint16(data[0:2])))
			setInt(&ev.Value, int(binary.BigEndian.Uint16(data[2:4])))
		}
	case rtu.FuncCodeWriteMultipleRegister, rtu.FuncCodeWriteMultipleCoils:
		if len(data) >= 4 {
			setInt(&ev.Addr, int(binary.BigEndian.Uint16(data[0:2])))
			setInt(&ev.Count, int(binary.BigEndian.Uint16(data[2:4])))
		}
	}
}

func setInt(dst **int, v int) {
	*dst = &v
}
