// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package sniff mirrors every inverter-leg request/response to a passive,
// read-only JSON-line observer stream (spec §4.7). Observers never affect
// transaction outcomes: a slow or overrun observer is dropped, never the
// transactor.
package sniff

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/l4m4re/growatt-rtu-broker/internal/request"
)

// pendingQueueSize is the bound on one observer's undelivered-line queue
// (spec §4.7: "a bounded per-observer queue ... 256 entries").
const pendingQueueSize = 256

// Broadcaster accepts observer connections on a single TCP endpoint and
// fans out sniff Events to all of them, plus a bounded replay backlog for
// observers that attach mid-session. It implements transactor.EventSink.
type Broadcaster struct {
	mu        sync.Mutex
	observers map[uint64]*observer
	nextID    uint64
	backlog   *backlog
}

type observer struct {
	id      uint64
	conn    net.Conn
	queue   chan []byte
	dropped atomic.Bool
}

// New creates a Broadcaster with a replay backlog of backlogBytes,
// wired through mmap-go (see SPEC_FULL.md's domain-stack table). Pass 0
// to disable the backlog.
func New(backlogBytes int) (*Broadcaster, error) {
	bl, err := newBacklog(backlogBytes)
	if err != nil {
		return nil, err
	}
	return &Broadcaster{
		observers: make(map[uint64]*observer),
		backlog:   bl,
	}, nil
}

// Close disconnects every attached observer (each pump still writes what
// is already queued, then closes its socket) and releases the backlog's
// backing file.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	for id, obs := range b.observers {
		delete(b.observers, id)
		close(obs.queue)
	}
	b.mu.Unlock()
	return b.backlog.Close()
}

// Serve accepts observer connections on ln until ctx is canceled.
func (b *Broadcaster) Serve(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Warn("sniff listener accept failed", "err", err)
				return
			}
		}
		b.attach(conn)
	}
}

func (b *Broadcaster) attach(conn net.Conn) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	obs := &observer{id: id, conn: conn, queue: make(chan []byte, pendingQueueSize)}
	b.observers[id] = obs
	b.mu.Unlock()

	slog.Info("sniff observer attached", "id", id, "peer", conn.RemoteAddr())

	// pump must already be draining before the backlog replay: the replay
	// sends below never block, so without a running pump a backlog longer
	// than pendingQueueSize would fill obs.queue and drop the observer.
	go b.pump(obs)

	for _, line := range b.backlog.Snapshot() {
		select {
		case obs.queue <- line:
		default:
			obs.dropped.Store(true)
			b.mu.Lock()
			_, present := b.observers[obs.id]
			if present {
				delete(b.observers, obs.id)
				close(obs.queue)
			}
			b.mu.Unlock()
			if present {
				slog.Warn("sniff observer overrun during backlog replay, dropping", "id", obs.id)
			}
			return
		}
	}
}

// pump drains one observer's queue to its socket until the queue closes
// (the observer was evicted) or the write fails (the peer disappeared).
func (b *Broadcaster) pump(obs *observer) {
	w := bufio.NewWriter(obs.conn)
	defer obs.conn.Close()

	for line := range obs.queue {
		if _, err := w.Write(line); err != nil {
			b.evict(obs, err)
			return
		}
		if err := w.Flush(); err != nil {
			b.evict(obs, err)
			return
		}
	}
}

func (b *Broadcaster) evict(obs *observer, cause error) {
	b.mu.Lock()
	_, present := b.observers[obs.id]
	delete(b.observers, obs.id)
	b.mu.Unlock()

	if present {
		slog.Warn("sniff observer dropped", "id", obs.id, "overrun", obs.dropped.Load(), "cause", cause)
	}
}

// Emit implements transactor.EventSink: it builds the Event, serializes
// it to one JSON line, and fans it out non-blocking to every observer
// plus the replay backlog.
func (b *Broadcaster) Emit(role, reason string, req request.Descriptor, bytes []byte, crcOk bool) {
	b.publish(newEvent(role, reason, req, bytes, crcOk))
}

// Info publishes a lifecycle notice (port open/closed, shutdown, etc.)
// that isn't tied to any single transaction.
func (b *Broadcaster) Info(message string) {
	b.publish(infoEvent(message))
}

func (b *Broadcaster) publish(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		slog.Error("sniff event marshal failed", "err", err)
		return
	}
	line = append(line, '\n')

	b.backlog.Append(line)

	b.mu.Lock()
	observers := make([]*observer, 0, len(b.observers))
	for _, obs := range b.observers {
		observers = append(observers, obs)
	}
	b.mu.Unlock()

	for _, obs := range observers {
		select {
		case obs.queue <- line:
		default:
			// Queue full: the observer is overrun. Close its queue so pump
			// drains what's left and exits; mark it dropped for the log
			// line in evict. The producer never blocks on a slow reader.
			obs.dropped.Store(true)
			b.mu.Lock()
			_, present := b.observers[obs.id]
			if present {
				delete(b.observers, obs.id)
				close(obs.queue)
			}
			b.mu.Unlock()
			if present {
				slog.Warn("sniff observer overrun, dropping", "id", obs.id)
			}
		}
	}
}
