// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transactor

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

// pipePort is a loopback-free mock: every Write is recorded and makes one
// copy of response readable, so a reply only appears after its request
// is written and the transactor's pre-write Drain never swallows it;
// mirroring the upstream gateway's mockPort but adjustable mid-test.
type pipePort struct {
	mu       sync.Mutex
	writes   [][]byte
	response []byte
	readable []byte
}

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := append([]byte{}, b...)
	p.writes = append(p.writes, cp)
	p.readable = append(p.readable, p.response...)
	return len(b), nil
}

func (p *pipePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.readable) == 0 {
		return 0, nil
	}
	n := copy(b, p.readable)
	p.readable = p.readable[n:]
	return n, nil
}

func (p *pipePort) Close() error { return nil }

func buildResponse(unit, function byte, data []byte) []byte {
	body := append([]byte{unit, function}, data...)
	return crc.Append(body)
}

func newTestTransactor(t *testing.T, respond []byte) (*Transactor, *pipePort) {
	t.Helper()
	port := &pipePort{response: respond}
	adapter := serialport.New("test", config.Serial{}, nil)
	// Inject the mock transport the same way the gateway's client tests do.
	adapterOpen(t, adapter, port)

	tx := New(adapter, 0, 500*time.Millisecond, nil)
	return tx, port
}

// adapterOpen opens adapter against a pre-built mock transport by
// overriding its open function, mirroring serialport_test.go's pattern.
func adapterOpen(t *testing.T, a *serialport.Adapter, port io.ReadWriteCloser) {
	t.Helper()
	if err := a.OpenWith(func(config.Serial) (io.ReadWriteCloser, error) { return port, nil }); err != nil {
		t.Fatalf("failed to open mock adapter: %v", err)
	}
}

func TestTransactorRoundTrip(t *testing.T) {
	resp := buildResponse(0x01, 0x03, []byte{0x02, 0xAA, 0xBB})
	tx, port := newTestTransactor(t, resp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tx.Run(ctx)

	req := request.Descriptor{Unit: 0x01, Function: 0x03, Payload: []byte{0x00, 0x00, 0x00, 0x01}}
	got := tx.Transact(ctx, req)

	if got.Failure != request.OK {
		t.Fatalf("expected OK, got %v", got.Failure)
	}
	if !bytes.Equal(got.Bytes, resp) {
		t.Errorf("response mismatch: got %X want %X", got.Bytes, resp)
	}
	if len(port.writes) != 1 {
		t.Fatalf("expected exactly one write, got %d", len(port.writes))
	}
}

func TestTransactorTimeoutWhenNoResponse(t *testing.T) {
	tx, _ := newTestTransactor(t, nil)
	tx.readTimeout = 30 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tx.Run(ctx)

	req := request.Descriptor{Unit: 0x01, Function: 0x03, Payload: []byte{0x00, 0x00, 0x00, 0x01}}
	got := tx.Transact(ctx, req)

	if got.Failure != request.Timeout {
		t.Fatalf("expected Timeout, got %v", got.Failure)
	}
}

func TestTransactorDetectsCRCMismatch(t *testing.T) {
	bad := []byte{0x01, 0x03, 0x02, 0xAA, 0xBB, 0xFF, 0xFF}
	tx, _ := newTestTransactor(t, bad)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tx.Run(ctx)

	req := request.Descriptor{Unit: 0x01, Function: 0x03, Payload: []byte{0x00, 0x00, 0x00, 0x01}}
	got := tx.Transact(ctx, req)

	if got.Failure != request.CrcMismatch {
		t.Fatalf("expected CrcMismatch, got %v", got.Failure)
	}
}

func TestTransactorSerializesConcurrentRequestsFIFO(t *testing.T) {
	resp := buildResponse(0x01, 0x03, []byte{0x00})
	port := &pipePort{}
	adapter := serialport.New("test", config.Serial{}, nil)
	adapterOpen(t, adapter, port)

	tx := New(adapter, 10*time.Millisecond, 500*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tx.Run(ctx)

	const n = 5
	var wg sync.WaitGroup
	order := make([]int, 0, n)
	var orderMu sync.Mutex

	for i := 0; i < n; i++ {
		wg.Add(1)
		idx := i
		go func() {
			defer wg.Done()
			port.mu.Lock()
			port.response = append([]byte{}, resp...)
			port.mu.Unlock()

			req := request.Descriptor{Unit: 0x01, Function: 0x03, Payload: []byte{byte(idx)}}
			got := tx.Transact(ctx, req)
			if got.Failure != request.OK {
				t.Errorf("request %d failed: %v", idx, got.Failure)
			}
			orderMu.Lock()
			order = append(order, idx)
			orderMu.Unlock()
		}()
		// Stagger submission so reqChan receives them in a known order;
		// the transactor's single consumer then processes them FIFO.
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	if len(order) != n {
		t.Fatalf("expected %d completions, got %d", n, len(order))
	}

	port.mu.Lock()
	defer port.mu.Unlock()
	for i, w := range port.writes {
		if w[2] != byte(i) {
			t.Errorf("write %d carried request %d, want FIFO order", i, w[2])
		}
	}
}
