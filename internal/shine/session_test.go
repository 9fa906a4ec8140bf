// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package shine

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/l4m4re/growatt-rtu-broker/internal/config"
	"github.com/l4m4re/growatt-rtu-broker/internal/request"
	"github.com/l4m4re/growatt-rtu-broker/internal/serialport"
	"github.com/l4m4re/growatt-rtu-broker/modbus/crc"
)

type loopbackPort struct {
	mu       sync.Mutex
	reqOnce  []byte
	consumed bool
	reply    []byte
}

func (p *loopbackPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed || len(p.reqOnce) == 0 {
		return 0, nil
	}
	n := copy(b, p.reqOnce)
	p.consumed = true
	return n, nil
}

func (p *loopbackPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reply = append(p.reply, b...)
	return len(b), nil
}

func (p *loopbackPort) Close() error { return nil }

type stubTransactor struct {
	resp request.Response
	got  request.Descriptor
}

func (s *stubTransactor) Transact(ctx context.Context, req request.Descriptor) request.Response {
	s.got = req
	r := s.resp
	r.Request = req
	return r
}

type recordedEvent struct {
	role, reason string
	req          request.Descriptor
	bytes        []byte
	crcOk        bool
}

type stubSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *stubSink) Emit(role, reason string, req request.Descriptor, bytes []byte, crcOk bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{role: role, reason: reason, req: req, bytes: bytes, crcOk: crcOk})
}

func TestSessionRelaysRequestAndReply(t *testing.T) {
	reqFrame := crc.Append([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	respFrame := crc.Append([]byte{0x01, 0x03, 0x02, 0xAA, 0xBB})

	port := &loopbackPort{reqOnce: reqFrame}
	adapter := serialport.New("shine", config.Serial{}, nil)
	if err := adapter.OpenWith(func(config.Serial) (io.ReadWriteCloser, error) { return port, nil }); err != nil {
		t.Fatalf("open mock adapter: %v", err)
	}

	tx := &stubTransactor{resp: request.Response{Failure: request.OK, Bytes: respFrame, CRCOk: true}}
	s := New(adapter, tx, nil)
	s.readTimeout = 30 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if tx.got.Unit != 0x01 || tx.got.Function != 0x03 {
		t.Errorf("unexpected request submitted: %+v", tx.got)
	}
	if tx.got.Origin != request.OriginShine {
		t.Errorf("expected OriginShine, got %v", tx.got.Origin)
	}
	port.mu.Lock()
	reply := append([]byte{}, port.reply...)
	port.mu.Unlock()
	if !bytes.Equal(reply, respFrame) {
		t.Errorf("relayed reply mismatch: got %X want %X", reply, respFrame)
	}
}

func TestSessionDiscardsMalformedFrame(t *testing.T) {
	bad := []byte{0x01, 0x03, 0x02, 0xAA, 0xBB, 0xFF, 0xFF}
	port := &loopbackPort{reqOnce: bad}
	adapter := serialport.New("shine", config.Serial{}, nil)
	if err := adapter.OpenWith(func(config.Serial) (io.ReadWriteCloser, error) { return port, nil }); err != nil {
		t.Fatalf("open mock adapter: %v", err)
	}

	tx := &stubTransactor{}
	sink := &stubSink{}
	s := New(adapter, tx, sink)
	s.readTimeout = 30 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if tx.got.Function != 0 {
		t.Errorf("expected no request submitted for a malformed frame, got %+v", tx.got)
	}

	sink.mu.Lock()
	events := append([]recordedEvent{}, sink.events...)
	sink.mu.Unlock()
	if len(events) == 0 {
		t.Fatal("expected an ERR event for the malformed frame, got none")
	}
	ev := events[0]
	if ev.role != "ERR" {
		t.Errorf("expected role ERR, got %q", ev.role)
	}
	if ev.reason != request.CrcMismatch.String() {
		t.Errorf("expected reason %q, got %q", request.CrcMismatch.String(), ev.reason)
	}
	if !bytes.Equal(ev.bytes, bad) {
		t.Errorf("expected emitted bytes to be the raw malformed frame: got %X want %X", ev.bytes, bad)
	}
}
