// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package serialport

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/l4m4re/growatt-rtu-broker/internal/config"
)

// fakePort is an in-memory io.ReadWriteCloser: reads come from an
// underlying reader that returns no bytes once drained, so
// ReadWithDeadline's inactivity-gap loop has something to observe, the
// same mockPort pattern the upstream
// gateway's transport tests use.
type fakePort struct {
	io.Reader
	io.Writer
	closed  bool
	readErr error
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.readErr != nil {
		return 0, p.readErr
	}
	return p.Reader.Read(b)
}

func newAdapter(port io.ReadWriteCloser) *Adapter {
	a := New("test", config.Serial{Device: "/dev/fake", Baud: 9600}, nil)
	a.openFunc = func(config.Serial) (io.ReadWriteCloser, error) { return port, nil }
	return a
}

func TestReadWithDeadlineAccumulatesUntilGap(t *testing.T) {
	writer := &bytes.Buffer{}
	port := &fakePort{Reader: bytes.NewReader([]byte{0x01, 0x03, 0x02, 0xAA, 0xBB}), Writer: writer}
	a := newAdapter(port)
	if err := a.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	got, err := a.ReadWithDeadline(256, time.Now().Add(200*time.Millisecond))
	if err != nil {
		t.Fatalf("ReadWithDeadline failed: %v", err)
	}
	want := []byte{0x01, 0x03, 0x02, 0xAA, 0xBB}
	if !bytes.Equal(got, want) {
		t.Errorf("got %X, want %X", got, want)
	}
}

func TestReadWithDeadlineTimesOutWithNoBytes(t *testing.T) {
	port := &fakePort{Reader: bytes.NewReader(nil), Writer: &bytes.Buffer{}}
	a := newAdapter(port)
	if err := a.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	got, err := a.ReadWithDeadline(256, time.Now().Add(50*time.Millisecond))
	if err != nil {
		t.Fatalf("ReadWithDeadline returned error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no bytes, got %X", got)
	}
}

func TestReadWithDeadlineClosesOnIOFault(t *testing.T) {
	port := &fakePort{Reader: bytes.NewReader(nil), Writer: &bytes.Buffer{}, readErr: errors.New("device disconnected")}
	a := newAdapter(port)
	if err := a.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	_, err := a.ReadWithDeadline(256, time.Now().Add(200*time.Millisecond))
	if err == nil {
		t.Fatal("expected an error on I/O fault")
	}
	if !a.IsClosed() {
		t.Error("adapter should be marked closed after an I/O fault")
	}
}

func TestWriteAllFailsWhenClosed(t *testing.T) {
	a := newAdapter(&fakePort{Reader: bytes.NewReader(nil), Writer: &bytes.Buffer{}})
	if err := a.WriteAll([]byte{0x01}); err == nil {
		t.Error("expected WriteAll to fail on an unopened adapter")
	}
}

func TestWriteAllWritesThrough(t *testing.T) {
	writer := &bytes.Buffer{}
	port := &fakePort{Reader: bytes.NewReader(nil), Writer: writer}
	a := newAdapter(port)
	if err := a.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := a.WriteAll([]byte{0xDE, 0xAD}); err != nil {
		t.Fatalf("WriteAll failed: %v", err)
	}
	if !bytes.Equal(writer.Bytes(), []byte{0xDE, 0xAD}) {
		t.Errorf("write mismatch: %X", writer.Bytes())
	}
}
