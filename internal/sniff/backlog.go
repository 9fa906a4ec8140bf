// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package sniff

import (
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// backlog is a fixed-size, memory-mapped replay buffer: the last batch of
// sniff lines since the buffer last wrapped, so an observer that attaches
// mid-session sees recent history instead of starting blind. It is backed
// via mmap-go by a temp file that newBacklog creates fresh and Close
// removes, so nothing in it survives a broker restart.
type backlog struct {
	mu       sync.Mutex
	file     *os.File
	data     mmap.MMap
	capacity int
	writePos int
	lines    []lineSpan
}

type lineSpan struct {
	start, length int
}

// newBacklog creates a backlog of the given capacity backed by a fresh
// temp file. Capacity <= 0 disables replay (Append becomes a no-op).
func newBacklog(capacity int) (*backlog, error) {
	if capacity <= 0 {
		return &backlog{}, nil
	}

	f, err := os.CreateTemp("", "growatt-rtu-broker-sniff-*.log")
	if err != nil {
		return nil, fmt.Errorf("sniff backlog: create temp file: %w", err)
	}
	if err := f.Truncate(int64(capacity)); err != nil {
		f.Close()
		return nil, fmt.Errorf("sniff backlog: truncate: %w", err)
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sniff backlog: mmap: %w", err)
	}

	return &backlog{file: f, data: data, capacity: capacity}, nil
}

// Append records one already-newline-terminated line. When the line
// would overrun the buffer it wraps to the start, discarding everything
// recorded since the previous wrap rather than splitting the line across
// the boundary.
func (b *backlog) Append(line []byte) {
	if b.capacity <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(line) > b.capacity {
		line = line[len(line)-b.capacity:]
	}
	if b.writePos+len(line) > b.capacity {
		b.writePos = 0
		b.lines = b.lines[:0]
	}
	copy(b.data[b.writePos:], line)
	b.lines = append(b.lines, lineSpan{start: b.writePos, length: len(line)})
	b.writePos += len(line)
}

// Snapshot returns the recorded lines in order, oldest first.
func (b *backlog) Snapshot() [][]byte {
	if b.capacity <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, 0, len(b.lines))
	for _, span := range b.lines {
		line := make([]byte, span.length)
		copy(line, b.data[span.start:span.start+span.length])
		out = append(out, line)
	}
	return out
}

// Close unmaps and removes the backing file.
func (b *backlog) Close() error {
	if b.data != nil {
		_ = b.data.Unmap()
	}
	if b.file != nil {
		name := b.file.Name()
		b.file.Close()
		return os.Remove(name)
	}
	return nil
}
