// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []ADU{
		{Unit: 1, Function: FuncCodeReadHoldingRegister, Data: []byte{0x00, 0x00, 0x00, 0x02}},
		{Unit: 0x11, Function: FuncCodeWriteSingleRegister, Data: []byte{0x00, 0x6B, 0x00, 0x03}},
		{Unit: 0xF7, Function: FuncCodeReadCoils, Data: nil},
	}

	for _, want := range tests {
		frame, err := want.Encode()
		if err != nil {
			t.Fatalf("Encode(%+v): %v", want, err)
		}
		got, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode(Encode(%+v)): %v", want, err)
		}
		if got.Unit != want.Unit || got.Function != want.Function || !bytes.Equal(got.Data, want.Data) {
			t.Fatalf("round trip mismatch: want %+v, got %+v", want, got)
		}
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, err := Decode([]byte{0x01, 0x03}); err == nil {
		t.Fatalf("expected error decoding a too-short frame")
	}
}

func TestDecodeRejectsBadCRC(t *testing.T) {
	frame, _ := ADU{Unit: 1, Function: 3, Data: []byte{0x00, 0x00, 0x00, 0x01}}.Encode()
	frame[len(frame)-1] ^= 0xFF
	if _, err := Decode(frame); err == nil {
		t.Fatalf("expected crc mismatch error")
	}
}

func TestExceptionFrame(t *testing.T) {
	e := Exception(0x11, FuncCodeReadHoldingRegister, ExceptionCodeGatewayTargetNoResp)
	if e.Function != FuncCodeReadHoldingRegister|ExceptionBit {
		t.Fatalf("exception bit not set: %#02x", e.Function)
	}
	if len(e.Data) != 1 || e.Data[0] != ExceptionCodeGatewayTargetNoResp {
		t.Fatalf("unexpected exception data: %v", e.Data)
	}
}
