// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package tcpsession runs the primary and secondary Modbus/TCP listeners
// (spec §4.6): each accepted connection decodes MBAP frames, submits them
// to the shared transactor, and re-encodes the result as an MBAP
// response or exception.
package tcpsession

import (
	"context"
	"io"
	"log/slog"
	"net"

	"github.com/l4m4re/growatt-rtu-broker/internal/request"
	"github.com/l4m4re/growatt-rtu-broker/modbus/mbap"
	"github.com/l4m4re/growatt-rtu-broker/modbus/rtu"
)

// Transactor is the subset of *transactor.Transactor a session needs.
type Transactor interface {
	Transact(ctx context.Context, req request.Descriptor) request.Response
}

// Listener runs one Modbus/TCP endpoint (the primary or the secondary
// port — they're identical in behavior, only the bind address differs).
type Listener struct {
	Endpoint   string
	Transactor Transactor

	listener net.Listener
}

// New creates a Listener bound to endpoint, submitting decoded requests
// to t.
func New(endpoint string, t Transactor) *Listener {
	return &Listener{Endpoint: endpoint, Transactor: t}
}

// Serve accepts connections until ctx is canceled.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.Endpoint)
	if err != nil {
		return err
	}
	l.listener = ln
	slog.Info("modbus tcp listener started", "endpoint", l.Endpoint)

	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				slog.Error("tcp accept failed", "endpoint", l.Endpoint, "err", err)
				return err
			}
		}
		go l.handle(ctx, conn)
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

// handle services one connection. Requests are processed, and their
// replies written, strictly in the order their frames complete — this
// holds even when a client pipelines several requests ahead of their
// replies and TCP coalesces them into a single Read, since pending is
// drained completely (oldest frame first) before the next Read (spec
// §5: submission order on a connection is preserved).
func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	slog.Info("tcp client connected", "endpoint", l.Endpoint, "peer", peer)

	readBuf := make([]byte, mbap.MaxADU)
	var pending []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		for {
			total, ok, err := mbap.PeekLength(pending)
			if err != nil {
				slog.Warn("tcp client sent malformed mbap frame", "endpoint", l.Endpoint, "peer", peer, "err", err)
				return
			}
			if !ok || len(pending) < total {
				break
			}

			frame := pending[:total]
			pending = pending[total:]

			if !l.respond(ctx, conn, peer, frame) {
				return
			}
		}

		n, err := conn.Read(readBuf)
		if err != nil {
			if err == io.EOF {
				slog.Info("tcp client disconnected", "endpoint", l.Endpoint, "peer", peer)
			} else {
				slog.Warn("tcp client read failed", "endpoint", l.Endpoint, "peer", peer, "err", err)
			}
			return
		}
		pending = append(pending, readBuf[:n]...)
	}
}

// respond decodes, transacts, and replies to a single already-complete
// MBAP frame. It reports whether the connection should stay open.
func (l *Listener) respond(ctx context.Context, conn net.Conn, peer string, frame []byte) bool {
	adu, err := mbap.Decode(frame)
	if err != nil {
		// Malformed framing on this connection only: close it, the
		// other upstreams are unaffected (spec §7).
		slog.Warn("tcp client sent malformed mbap frame", "endpoint", l.Endpoint, "peer", peer, "err", err)
		return false
	}

	req := request.Descriptor{
		Origin:   request.OriginTCP,
		Endpoint: l.Endpoint,
		Peer:     peer,
		Unit:     adu.Unit,
		Function: adu.Function,
		Payload:  adu.Data,
		TxnID:    adu.TransactionID,
	}

	resp := l.Transactor.Transact(ctx, req)

	out, err := encodeResponse(adu, resp)
	if err != nil {
		slog.Error("failed to encode tcp response", "endpoint", l.Endpoint, "peer", peer, "err", err)
		return false
	}
	if _, err := conn.Write(out); err != nil {
		slog.Warn("tcp client write failed", "endpoint", l.Endpoint, "peer", peer, "err", err)
		return false
	}
	return true
}

// encodeResponse wraps a transaction's outcome back into an MBAP frame,
// mapping a transactor failure onto the gateway exception taxonomy from
// spec §4.5/§7.
func encodeResponse(reqADU mbap.ADU, resp request.Response) ([]byte, error) {
	if resp.Failure == request.OK {
		rtuADU, err := rtu.Decode(resp.Bytes)
		if err != nil {
			return nil, err
		}
		return mbap.ADU{
			TransactionID: reqADU.TransactionID,
			Unit:          rtuADU.Unit,
			Function:      rtuADU.Function,
			Data:          rtuADU.Data,
		}.Encode()
	}

	code := exceptionCode(resp.Failure)
	exc := rtu.Exception(reqADU.Unit, reqADU.Function, code)
	return mbap.ADU{
		TransactionID: reqADU.TransactionID,
		Unit:          exc.Unit,
		Function:      exc.Function,
		Data:          exc.Data,
	}.Encode()
}

func exceptionCode(f request.Failure) byte {
	switch f {
	case request.Timeout:
		return rtu.ExceptionCodeGatewayTargetNoResp
	case request.PortClosed:
		return rtu.ExceptionCodeGatewayPathUnavail
	default:
		// CrcMismatch, ShortFrame, WriteFailed, ProtocolError, Overrun,
		// Shutdown: treated as the downstream device itself failing.
		return rtu.ExceptionCodeSlaveDeviceFailure
	}
}
