// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package supervisor wires the broker's components together in the
// start order spec §4.8 requires — transactor and sniff broadcaster
// first, then the upstream listeners — and coordinates graceful
// shutdown.
package supervisor

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/l4m4re/growatt-rtu-broker/internal/config"
	"github.com/l4m4re/growatt-rtu-broker/internal/serialport"
	"github.com/l4m4re/growatt-rtu-broker/internal/shine"
	"github.com/l4m4re/growatt-rtu-broker/internal/sniff"
	"github.com/l4m4re/growatt-rtu-broker/internal/tcpsession"
	"github.com/l4m4re/growatt-rtu-broker/internal/transactor"
)

// drainGrace bounds how long Run waits for one in-flight transaction to
// finish on shutdown (spec §4.8: "drain at most one in-flight op").
const drainGrace = 2 * time.Second

// Supervisor owns every long-lived component and their start/stop order.
type Supervisor struct {
	cfg config.Config

	inverterPort *serialport.Adapter
	shinePort    *serialport.Adapter
	broadcaster  *sniff.Broadcaster
	tx           *transactor.Transactor

	primary   *tcpsession.Listener
	secondary *tcpsession.Listener
	shineSess *shine.Session

	sniffLn net.Listener
}

// New assembles every component from cfg without starting anything.
func New(cfg config.Config) (*Supervisor, error) {
	bc, err := sniff.New(cfg.SniffBacklogBytes)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{cfg: cfg, broadcaster: bc}

	s.inverterPort = serialport.New("inverter", cfg.InverterSerial(), func(open bool, err error) {
		if open {
			bc.Info("inverter port opened")
		} else {
			bc.Info("inverter port closed")
		}
	})
	s.shinePort = serialport.New("shine", cfg.ShineSerial(), func(open bool, err error) {
		if open {
			bc.Info("shine port opened")
		} else {
			bc.Info("shine port closed")
		}
	})

	s.tx = transactor.New(s.inverterPort, cfg.MinPeriod, cfg.ReadTimeout, bc)
	s.shineSess = shine.New(s.shinePort, s.tx, bc)
	s.primary = tcpsession.New(cfg.TCPBind, s.tx)
	if cfg.TCPAltBind != "" {
		s.secondary = tcpsession.New(cfg.TCPAltBind, s.tx)
	}

	return s, nil
}

// Run starts every component and blocks until ctx is canceled, then
// drains in-flight work and tears everything down in reverse order.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	if err := s.inverterPort.Open(); err != nil {
		slog.Warn("inverter port not available at startup, will retry", "err", err)
	}
	if err := s.shinePort.Open(); err != nil {
		slog.Warn("shine port not available at startup, will retry", "err", err)
	}

	wg.Add(1)
	go func() { defer wg.Done(); s.inverterPort.Run(runCtx) }()
	wg.Add(1)
	go func() { defer wg.Done(); s.shinePort.Run(runCtx) }()

	wg.Add(1)
	go func() { defer wg.Done(); s.tx.Run(runCtx) }()

	if s.cfg.SniffBind != "" {
		ln, err := net.Listen("tcp", s.cfg.SniffBind)
		if err != nil {
			cancel()
			wg.Wait()
			s.inverterPort.Close()
			s.shinePort.Close()
			return err
		}
		s.sniffLn = ln
		slog.Info("sniff observer listener started", "addr", s.cfg.SniffBind)
		wg.Add(1)
		go func() { defer wg.Done(); s.broadcaster.Serve(runCtx, ln) }()
	}

	wg.Add(1)
	go func() { defer wg.Done(); s.shineSess.Run(runCtx) }()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.primary.Serve(runCtx); err != nil {
			slog.Error("primary tcp listener stopped", "err", err)
		}
	}()

	if s.secondary != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.secondary.Serve(runCtx); err != nil {
				slog.Error("secondary tcp listener stopped", "err", err)
			}
		}()
	}

	slog.Info("broker started")
	<-ctx.Done()
	slog.Info("shutting down")

	s.broadcaster.Info("shutting down")
	s.primary.Close()
	if s.secondary != nil {
		s.secondary.Close()
	}

	drainDone := make(chan struct{})
	go func() {
		cancel()
		wg.Wait()
		close(drainDone)
	}()
	select {
	case <-drainDone:
	case <-time.After(drainGrace):
		slog.Warn("shutdown grace period elapsed, forcing stop")
	}

	s.inverterPort.Close()
	s.shinePort.Close()
	if s.sniffLn != nil {
		s.sniffLn.Close()
	}
	s.broadcaster.Close()

	slog.Info("shutdown complete")
	return nil
}
