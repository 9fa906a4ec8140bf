// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package serialport adapts a single RS-485/RS-232 leg: it opens the
// configured port, guarantees atomic writes, reads with an inactivity-gap
// deadline, and reopens itself with backoff after an OS-level failure.
// One Adapter instance backs the inverter leg; a second backs the Shine
// leg (spec §4.3).
package serialport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/serial"

	"github.com/l4m4re/growatt-rtu-broker/internal/config"
)

const (
	minBackoff = 250 * time.Millisecond
	maxBackoff = 5 * time.Second

	// perReadBudget is the per-syscall read timeout handed to the
	// underlying port; ReadWithDeadline loops across calls of this size
	// to detect the inter-byte inactivity gap.
	perReadBudget = 20 * time.Millisecond
)

// Adapter owns one serial port and serializes access to it.
type Adapter struct {
	name string
	cfg  config.Serial

	mu     sync.Mutex
	port   io.ReadWriteCloser
	closed bool

	// onTransition reports open/closed lifecycle changes, e.g. for the
	// sniff broadcaster's INFO events. May be nil.
	onTransition func(open bool, err error)

	openFunc func(cfg config.Serial) (io.ReadWriteCloser, error)
}

// New creates an Adapter for the given leg. name is used only in log
// output ("inverter", "shine").
func New(name string, cfg config.Serial, onTransition func(open bool, err error)) *Adapter {
	return &Adapter{
		name:         name,
		cfg:          cfg,
		onTransition: onTransition,
		openFunc:     openPort,
	}
}

// OpenWith opens the adapter using dial instead of the real serial
// driver — the seam tests use to inject an in-memory mock transport.
func (a *Adapter) OpenWith(dial func(config.Serial) (io.ReadWriteCloser, error)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.openFunc = dial
	return a.open()
}

func openPort(cfg config.Serial) (io.ReadWriteCloser, error) {
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.Baud,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   string(cfg.Parity[0]),
		Timeout:  perReadBudget,
	})
	if err != nil {
		return nil, err
	}
	if flusher, ok := port.(interface{ Flush() error }); ok {
		_ = flusher.Flush()
	}
	return port, nil
}

// Open opens the underlying port, flushing stale bytes in both
// directions. Safe to call again after Close or after the port has
// marked itself closed from an I/O error.
func (a *Adapter) Open() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open()
}

func (a *Adapter) open() error {
	if a.port != nil {
		return nil
	}
	port, err := a.openFunc(a.cfg)
	if err != nil {
		a.closed = true
		return fmt.Errorf("serialport %s: open %s: %w", a.name, a.cfg.Device, err)
	}
	a.port = port
	a.closed = false
	slog.Info("serial port open", "leg", a.name, "device", a.cfg.Device)
	a.notify(true, nil)
	return nil
}

// Close releases the underlying port.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.close(nil)
}

func (a *Adapter) close(cause error) error {
	a.closed = true
	if a.port == nil {
		return nil
	}
	err := a.port.Close()
	a.port = nil
	slog.Info("serial port closed", "leg", a.name, "device", a.cfg.Device, "cause", cause)
	a.notify(false, cause)
	return err
}

func (a *Adapter) notify(open bool, err error) {
	if a.onTransition != nil {
		a.onTransition(open, err)
	}
}

// IsClosed reports whether the port is currently unavailable.
func (a *Adapter) IsClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed || a.port == nil
}

// WriteAll writes data atomically with respect to other WriteAll/
// ReadWithDeadline calls on this adapter. It fails fast with an error if
// the port is closed.
func (a *Adapter) WriteAll(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.port == nil {
		return fmt.Errorf("serialport %s: port closed", a.name)
	}
	if _, err := a.port.Write(data); err != nil {
		a.close(err)
		return fmt.Errorf("serialport %s: write: %w", a.name, err)
	}
	return nil
}

// Drain discards any bytes currently sitting in the receive buffer
// without blocking — used before a transaction to avoid mistaking a
// stale late reply for the next one.
func (a *Adapter) Drain() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.port == nil {
		return
	}
	buf := make([]byte, 256)
	for {
		n, err := a.port.Read(buf)
		if n == 0 || err != nil {
			return
		}
	}
}

// ReadWithDeadline accumulates bytes until maxBytes have arrived, the
// absolute deadline passes, or an inactivity gap of perReadBudget is
// observed after at least one byte has arrived (spec §4.3).
func (a *Adapter) ReadWithDeadline(maxBytes int, deadline time.Time) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.port == nil {
		return nil, fmt.Errorf("serialport %s: port closed", a.name)
	}

	buf := make([]byte, maxBytes)
	n := 0
	for {
		if time.Now().After(deadline) {
			return buf[:n], nil
		}
		remaining := buf[n:]
		if len(remaining) == 0 {
			return buf[:n], nil
		}

		read, err := a.port.Read(remaining)
		n += read

		switch {
		case err != nil && err != io.EOF:
			// A genuine I/O fault (port unplugged, etc): the port is gone.
			a.close(err)
			return buf[:n], fmt.Errorf("serialport %s: read: %w", a.name, err)
		case read == 0:
			// Per-call read budget elapsed with nothing new. Once at
			// least one byte has arrived, that silence is the frame
			// boundary (spec §4.3's inactivity-gap rule).
			if n > 0 {
				return buf[:n], nil
			}
			// Otherwise keep waiting for the first byte, bounded by deadline.
		}
	}
}

// Run is a supervisor-driven reopen loop: while the port is closed, it
// retries Open with exponential backoff capped at maxBackoff. It returns
// when ctx is done.
func (a *Adapter) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !a.IsClosed() {
			backoff = minBackoff
			select {
			case <-ctx.Done():
				return
			case <-time.After(minBackoff):
			}
			continue
		}

		if err := a.Open(); err != nil {
			slog.Warn("serial port reopen failed", "leg", a.name, "device", a.cfg.Device, "err", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff
	}
}
