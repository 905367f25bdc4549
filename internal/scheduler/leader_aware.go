/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/airwave/internal/logging"
)

// Elector reports leadership changes. leadership.Election implements it.
type Elector interface {
	Start(ctx context.Context)
	Stop() error
	IsLeader() bool
	LeaderCh() <-chan bool
}

// LeaderAwareScheduler runs the coordinator's control loop only while this instance leads.
type LeaderAwareScheduler struct {
	coordinator *Coordinator
	election    Elector
	logger      zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	loopEnd chan struct{}
	stopFn  context.CancelFunc
	monitor chan struct{}
}

// NewLeaderAware creates a leader-aware wrapper.
func NewLeaderAware(coordinator *Coordinator, election Elector, logger zerolog.Logger) *LeaderAwareScheduler {
	return &LeaderAwareScheduler{
		coordinator: coordinator,
		election:    election,
		logger:      logging.Component(logger, "leader_aware_scheduler"),
	}
}

// Start begins campaigning and follows leadership until ctx ends or Stop is called.
func (las *LeaderAwareScheduler) Start(ctx context.Context) {
	las.mu.Lock()
	las.ctx, las.cancel = context.WithCancel(ctx)
	las.monitor = make(chan struct{})
	las.mu.Unlock()

	las.logger.Info().Msg("starting leader-aware scheduler")
	las.election.Start(las.ctx)
	go las.monitorLeadership()
}

// Stop ends the control loop, waits for it to return and resigns.
func (las *LeaderAwareScheduler) Stop() error {
	las.logger.Info().Msg("stopping leader-aware scheduler")

	las.mu.Lock()
	cancel, monitor := las.cancel, las.monitor
	las.mu.Unlock()
	if cancel != nil {
		cancel()
		<-monitor
	}
	las.stopLoop()
	return las.election.Stop()
}

// IsLeader reports whether this instance leads.
func (las *LeaderAwareScheduler) IsLeader() bool {
	return las.election.IsLeader()
}

func (las *LeaderAwareScheduler) monitorLeadership() {
	defer close(las.monitor)

	if las.election.IsLeader() {
		las.startLoop()
	}
	for {
		select {
		case <-las.ctx.Done():
			return
		case isLeader := <-las.election.LeaderCh():
			if isLeader {
				las.logger.Info().Msg("became leader, starting scheduler")
				las.startLoop()
			} else {
				las.logger.Warn().Msg("lost leadership, stopping scheduler")
				las.stopLoop()
			}
		}
	}
}

func (las *LeaderAwareScheduler) startLoop() {
	las.mu.Lock()
	defer las.mu.Unlock()
	if las.loopEnd != nil {
		return
	}

	ctx, cancel := context.WithCancel(las.ctx)
	end := make(chan struct{})
	las.loopEnd = end

	go func() {
		defer close(end)
		defer cancel()
		if err := las.coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			las.logger.Error().Err(err).Msg("scheduler loop exited")
		}
		las.mu.Lock()
		if las.loopEnd == end {
			las.loopEnd, las.stopFn = nil, nil
		}
		las.mu.Unlock()
	}()
	las.stopFn = cancel
}

// stopLoop cancels the running loop and waits for Run to release its processes.
func (las *LeaderAwareScheduler) stopLoop() {
	las.mu.Lock()
	end, stop := las.loopEnd, las.stopFn
	las.loopEnd, las.stopFn = nil, nil
	las.mu.Unlock()

	if end == nil {
		return
	}
	stop()
	<-end
}
