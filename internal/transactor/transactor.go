// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transactor owns the downstream inverter port and executes one
// RTU request/response exchange at a time, pacing writes by a minimum
// inter-transaction period (spec §4.4).
package transactor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/l4m4re/growatt-rtu-broker/internal/request"
	"github.com/l4m4re/growatt-rtu-broker/internal/serialport"
	"github.com/l4m4re/growatt-rtu-broker/modbus/crc"
	"github.com/l4m4re/growatt-rtu-broker/modbus/rtu"
)

// EventSink receives the REQ/RSP/ERR pair the transactor emits around
// every transaction (spec §4.7). Implementations must not block.
type EventSink interface {
	Emit(role, reason string, req request.Descriptor, bytes []byte, crcOk bool)
}

// Transactor serializes every request onto the downstream port via a
// single worker goroutine fed by reqChan — the "single-writer worker fed
// by a request queue" design note in spec §9. This gives FIFO ordering
// among waiters for free, without a separate mutex.
type Transactor struct {
	port        *serialport.Adapter
	minPeriod   time.Duration
	readTimeout time.Duration
	sink        EventSink

	reqChan    chan request.Descriptor
	lastTxEnd  time.Time
	shutdownCh chan struct{}
}

// New creates a Transactor bound to port. Call Run in its own goroutine
// to start processing.
func New(port *serialport.Adapter, minPeriod, readTimeout time.Duration, sink EventSink) *Transactor {
	return &Transactor{
		port:        port,
		minPeriod:   minPeriod,
		readTimeout: readTimeout,
		sink:        sink,
		reqChan:     make(chan request.Descriptor, 64),
		shutdownCh:  make(chan struct{}),
		lastTxEnd:   time.Now().Add(-24 * time.Hour), // "long ago": first request runs immediately
	}
}

// Transact submits req and blocks until a response is produced, ctx is
// canceled, or the transactor is shutting down. req.Reply is ignored on
// input and populated internally.
func (t *Transactor) Transact(ctx context.Context, req request.Descriptor) request.Response {
	req.Reply = make(chan request.Response, 1)

	select {
	case t.reqChan <- req:
	case <-t.shutdownCh:
		return request.Response{Request: req, Failure: request.Shutdown}
	case <-ctx.Done():
		return request.Response{Request: req, Failure: request.Shutdown}
	}

	select {
	case resp := <-req.Reply:
		return resp
	case <-t.shutdownCh:
		// Run has returned; a reply it already sent still wins.
		select {
		case resp := <-req.Reply:
			return resp
		default:
			return request.Response{Request: req, Failure: request.Shutdown}
		}
	case <-ctx.Done():
		return request.Response{Request: req, Failure: request.Shutdown}
	}
}

// Run processes queued requests one at a time until ctx is canceled. At
// most one in-flight operation is drained before Run returns (spec §4.8).
func (t *Transactor) Run(ctx context.Context) {
	defer close(t.shutdownCh)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-t.reqChan:
			resp := t.execute(ctx, req)
			req.Reply <- resp
		}
	}
}

func (t *Transactor) execute(ctx context.Context, req request.Descriptor) request.Response {
	// Pacing: wait until now >= lastTxEnd + minPeriod, but give up early
	// on shutdown (spec §4.4 step 2, and the shutdown check in §4.4's
	// tie-break notes).
	wait := time.Until(t.lastTxEnd.Add(t.minPeriod))
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return request.Response{Request: req, Failure: request.Shutdown}
		}
	}

	if t.port.IsClosed() {
		t.emit("ERR", request.PortClosed.String(), req, nil, false)
		return request.Response{Request: req, Failure: request.PortClosed, RecvAt: time.Now()}
	}

	// A prior transaction's late reply must not be mistaken for this one's.
	t.port.Drain()

	t.emit("REQ", "", req, nil, false)

	adu := rtu.ADU{Unit: req.Unit, Function: req.Function, Data: req.Payload}
	frame, err := adu.Encode()
	if err != nil {
		t.lastTxEnd = time.Now()
		t.emit("ERR", request.WriteFailed.String(), req, nil, false)
		return request.Response{Request: req, Failure: request.WriteFailed, RecvAt: time.Now()}
	}

	if err := t.port.WriteAll(frame); err != nil {
		t.lastTxEnd = time.Now()
		t.emit("ERR", request.WriteFailed.String(), req, nil, false)
		return request.Response{Request: req, Failure: request.WriteFailed, RecvAt: time.Now()}
	}

	deadline := time.Now().Add(t.readTimeout)
	bytes, err := t.port.ReadWithDeadline(rtu.MaxSize, deadline)
	t.lastTxEnd = time.Now()

	if err != nil {
		t.emit("ERR", request.PortClosed.String(), req, bytes, false)
		return request.Response{Request: req, Failure: request.PortClosed, RecvAt: t.lastTxEnd}
	}
	if len(bytes) == 0 {
		t.emit("ERR", request.Timeout.String(), req, bytes, false)
		return request.Response{Request: req, Failure: request.Timeout, RecvAt: t.lastTxEnd}
	}
	if len(bytes) < rtu.MinSize {
		t.emit("ERR", request.ShortFrame.String(), req, bytes, false)
		return request.Response{Request: req, Failure: request.ShortFrame, RecvAt: t.lastTxEnd}
	}
	if !crc.Verify(bytes) {
		t.emit("ERR", request.CrcMismatch.String(), req, bytes, false)
		return request.Response{Request: req, Failure: request.CrcMismatch, RecvAt: t.lastTxEnd}
	}

	t.emit("RSP", "", req, bytes, true)
	return request.Response{Request: req, Bytes: bytes, CRCOk: true, RecvAt: t.lastTxEnd}
}

func (t *Transactor) emit(role, reason string, req request.Descriptor, bytes []byte, crcOk bool) {
	if t.sink == nil {
		return
	}
	defer func() {
		// The sink's Emit is documented non-blocking; this guards against
		// a misbehaving implementation from ever taking the transactor down.
		if r := recover(); r != nil {
			slog.Error("sniff sink panicked", "recover", fmt.Sprint(r))
		}
	}()
	t.sink.Emit(role, reason, req, bytes, crcOk)
}
