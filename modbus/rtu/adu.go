// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu implements the Modbus RTU application data unit: unit id,
// function code, payload and CRC16 trailer.
package rtu

import (
	"fmt"

	"github.com/l4m4re/growatt-rtu-broker/modbus/crc"
)

// ADU is a decoded RTU frame: unit-id, function code, and payload. The
// CRC trailer is never carried in Data — it is recomputed on Encode and
// verified (then discarded) on Decode.
type ADU struct {
	Unit     byte
	Function byte
	Data     []byte
}

// Decode parses a complete RTU frame (unit, function, payload, CRC) and
// verifies its checksum. It returns an error if the frame is shorter than
// the minimum size or the CRC does not match.
func Decode(frame []byte) (ADU, error) {
	if len(frame) < MinSize {
		return ADU{}, fmt.Errorf("modbus: rtu frame length %d below minimum %d", len(frame), MinSize)
	}
	if !crc.Verify(frame) {
		return ADU{}, fmt.Errorf("modbus: rtu frame crc mismatch")
	}
	return ADU{
		Unit:     frame[0],
		Function: frame[1],
		Data:     append([]byte{}, frame[2:len(frame)-2]...),
	}, nil
}

// Encode serializes the ADU and appends a freshly computed CRC16 trailer.
func (a ADU) Encode() ([]byte, error) {
	length := len(a.Data) + 4
	if length > MaxSize {
		return nil, fmt.Errorf("modbus: rtu frame length %d exceeds maximum %d", length, MaxSize)
	}
	body := make([]byte, 0, length-2)
	body = append(body, a.Unit, a.Function)
	body = append(body, a.Data...)
	return crc.Append(body), nil
}

// Exception builds the RTU exception PDU for a failed request: function
// code with ExceptionBit set, and a single exception-code data byte.
func Exception(unit, function, code byte) ADU {
	return ADU{Unit: unit, Function: function | ExceptionBit, Data: []byte{code}}
}
