// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package shine runs the legacy serial dongle leg: it reads RTU frames
// from the Shine adapter, submits them to the shared transactor, and
// writes the transactor's reply back onto the same serial line (spec
// §4.2, upstream "Shine").
package shine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/l4m4re/growatt-rtu-broker/internal/request"
	"github.com/l4m4re/growatt-rtu-broker/internal/serialport"
	"github.com/l4m4re/growatt-rtu-broker/modbus/rtu"
)

// Transactor is the subset of *transactor.Transactor a session needs.
type Transactor interface {
	Transact(ctx context.Context, req request.Descriptor) request.Response
}

// EventSink receives the ERR event emitted when an inbound Shine frame
// fails to parse (spec §4.2/§4.7). Implementations must not block.
type EventSink interface {
	Emit(role, reason string, req request.Descriptor, bytes []byte, crcOk bool)
}

// defaultReadTimeout bounds how long Session waits for a complete inbound
// request frame from the dongle before giving up on that read attempt.
const defaultReadTimeout = 2 * time.Second

// Session owns the Shine dongle's serial port and relays exactly one
// request/response pair at a time onto the shared downstream transactor.
type Session struct {
	port        *serialport.Adapter
	transactor  Transactor
	sink        EventSink
	readTimeout time.Duration
}

// New creates a Session bound to port. sink may be nil, in which case
// Session logs but never emits sniff events.
func New(port *serialport.Adapter, t Transactor, sink EventSink) *Session {
	return &Session{port: port, transactor: t, sink: sink, readTimeout: defaultReadTimeout}
}

// Run reads frames from the dongle and relays them until ctx is
// canceled. A malformed inbound frame (short or bad CRC) gets no reply
// — the dongle retries on its own schedule, matching how a real RTU
// slave behaves on a corrupted request — but is still logged as ERR on
// the sniff stream (spec §4.2, §4.7).
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.port.IsClosed() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		frame, err := s.port.ReadWithDeadline(rtu.MaxSize, time.Now().Add(s.readTimeout))
		if err != nil || len(frame) == 0 {
			continue
		}

		adu, err := rtu.Decode(frame)
		if err != nil {
			reason := request.CrcMismatch
			if len(frame) < rtu.MinSize {
				reason = request.ShortFrame
			}
			slog.Warn("shine: discarding malformed request", "err", err, "reason", reason.String())
			s.emit("ERR", reason.String(), malformedDescriptor(frame), frame, false)
			continue
		}

		req := request.Descriptor{
			Origin:      request.OriginShine,
			Unit:        adu.Unit,
			Function:    adu.Function,
			Payload:     adu.Data,
			SubmittedAt: time.Now(),
		}

		resp := s.transactor.Transact(ctx, req)
		if resp.Failure != request.OK {
			// Nothing useful to relay to the dongle; it will retry on its
			// own schedule.
			continue
		}

		if err := s.port.WriteAll(resp.Bytes); err != nil {
			slog.Warn("shine: failed to relay reply", "err", err)
		}
	}
}

// malformedDescriptor builds a best-effort descriptor for a frame that
// failed to decode, so the ERR event still carries a unit/function when
// enough bytes arrived to guess at them.
func malformedDescriptor(frame []byte) request.Descriptor {
	req := request.Descriptor{Origin: request.OriginShine, SubmittedAt: time.Now()}
	if len(frame) >= 1 {
		req.Unit = frame[0]
	}
	if len(frame) >= 2 {
		req.Function = frame[1]
	}
	return req
}

func (s *Session) emit(role, reason string, req request.Descriptor, bytes []byte, crcOk bool) {
	if s.sink == nil {
		return
	}
	defer func() {
		// The sink's Emit is documented non-blocking; this guards against
		// a misbehaving implementation from ever taking the session down.
		if r := recover(); r != nil {
			slog.Error("sniff sink panicked", "recover", fmt.Sprint(r))
		}
	}()
	s.sink.Emit(role, reason, req, bytes, crcOk)
}
