// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package mbap implements the Modbus Application Protocol header used to
// carry Modbus PDUs over TCP: transaction-id, protocol-id, length, unit-id.
package mbap

import "fmt"

const (
	// HeaderLen is the fixed MBAP header size: transaction-id(2) +
	// protocol-id(2) + length(2) + unit-id(1).
	HeaderLen = 7
	// MaxADU is the largest MBAP frame this broker accepts: header plus
	// the maximum 253-byte PDU.
	MaxADU = HeaderLen + 253
)

// ADU is a decoded Modbus/TCP frame.
type ADU struct {
	TransactionID uint16
	Unit          byte
	Function      byte
	Data          []byte
}

// Decode reads a complete MBAP frame: 7 header bytes plus length-1 bytes
// of PDU. It fails if fewer than HeaderLen+1 bytes (header plus function
// code) are present, if the
// protocol-id is non-zero, or if length is out of the valid PDU range.
func Decode(raw []byte) (ADU, error) {
	if len(raw) < HeaderLen+1 {
		return ADU{}, fmt.Errorf("modbus: mbap frame length %d below minimum %d", len(raw), HeaderLen+1)
	}
	protocolID := uint16(raw[2])<<8 | uint16(raw[3])
	if protocolID != 0 {
		return ADU{}, fmt.Errorf("modbus: mbap protocol id %d is not 0", protocolID)
	}
	length := int(uint16(raw[4])<<8 | uint16(raw[5]))
	if length < 2 || length > 253 {
		return ADU{}, fmt.Errorf("modbus: mbap length %d out of range [2,253]", length)
	}
	if len(raw) < HeaderLen+length-1 {
		return ADU{}, fmt.Errorf("modbus: mbap frame truncated: have %d bytes, need %d", len(raw), HeaderLen+length-1)
	}
	return ADU{
		TransactionID: uint16(raw[0])<<8 | uint16(raw[1]),
		Unit:          raw[6],
		Function:      raw[7],
		Data:          append([]byte{}, raw[8:HeaderLen+length-1]...),
	}, nil
}

// PeekLength inspects a buffer that may hold a partial frame and reports
// the total byte length of the frame it starts (header included), so a
// stream reader can tell whether a complete frame is already buffered
// without re-parsing it. ok is false when fewer than 6 bytes — the
// header's length field — have arrived yet; err is non-nil only once
// enough bytes are available to show the header itself is invalid.
func PeekLength(buf []byte) (total int, ok bool, err error) {
	if len(buf) < 6 {
		return 0, false, nil
	}
	protocolID := uint16(buf[2])<<8 | uint16(buf[3])
	if protocolID != 0 {
		return 0, true, fmt.Errorf("modbus: mbap protocol id %d is not 0", protocolID)
	}
	length := int(uint16(buf[4])<<8 | uint16(buf[5]))
	if length < 2 || length > 253 {
		return 0, true, fmt.Errorf("modbus: mbap length %d out of range [2,253]", length)
	}
	return HeaderLen + length - 1, true, nil
}

// Encode assembles the MBAP header around the PDU, measuring the length
// field from the actual payload.
func (a ADU) Encode() ([]byte, error) {
	length := len(a.Data) + 2 // unit-id + function-code, excluding the length field itself
	if HeaderLen+length-1 > MaxADU {
		return nil, fmt.Errorf("modbus: mbap frame would exceed maximum size %d", MaxADU)
	}
	raw := make([]byte, HeaderLen+1+len(a.Data))
	raw[0] = byte(a.TransactionID >> 8)
	raw[1] = byte(a.TransactionID)
	raw[2] = 0
	raw[3] = 0
	raw[4] = byte(length >> 8)
	raw[5] = byte(length)
	raw[6] = a.Unit
	raw[7] = a.Function
	copy(raw[8:], a.Data)
	return raw, nil
}
