/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package transport supervises the external ffmpeg processes that push media to RTMP.
package transport

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/friendsincode/airwave/internal/apperr"
	"github.com/friendsincode/airwave/internal/config"
	"github.com/friendsincode/airwave/internal/logging"
	"github.com/friendsincode/airwave/internal/models"
	"github.com/friendsincode/airwave/internal/telemetry"
	"github.com/rs/zerolog"
)

// ErrBusy is returned by Start while a process for the same key has not exited yet.
var ErrBusy = errors.New("transport: job key still running")

// Destination is where a process pushes its output.
type Destination struct {
	StreamKey   string
	Multistream bool
}

// Handle identifies one successful Start. Seq is unique for the lifetime of the supervisor.
type Handle struct {
	Key       string
	Seq       uint64
	PID       int
	StartedAt time.Time
}

// Exit is the terminal event of a supervised process. Exactly one is emitted per successful Start.
type Exit struct {
	Key        string
	Seq        uint64
	Code       int
	Err        error // nil on a clean exit
	Stopped    bool  // Stop was called before the process ended
	Progressed bool  // the process reported pushing media
	Runtime    time.Duration
}

// Clean reports a zero exit code with no error.
func (e Exit) Clean() bool {
	return e.Err == nil && e.Code == 0
}

// Outcome labels the exit for metrics and logs.
func (e Exit) Outcome() string {
	switch {
	case e.Stopped:
		return "stopped"
	case e.Clean():
		return "completed"
	default:
		return "failed"
	}
}

// Launcher builds the command for a process. Tests replace it with shell scripts.
type Launcher func(name string, args ...string) *exec.Cmd

// Options configures a Supervisor.
type Options struct {
	FFmpegBin          string
	RTMPBaseURL        string
	MultistreamTargets []string
	StopGrace          time.Duration
	EventBuffer        int
}

// OptionsFromConfig maps process configuration onto supervisor options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FFmpegBin:          cfg.FFmpegBin,
		RTMPBaseURL:        cfg.RTMPBaseURL,
		MultistreamTargets: cfg.MultistreamTargets,
		StopGrace:          cfg.StopGrace,
	}
}

// Supervisor owns the registry of running processes keyed by job key.
type Supervisor struct {
	opts   Options
	logger zerolog.Logger

	// Launcher defaults to exec.Command.
	Launcher Launcher

	mu   sync.Mutex
	jobs map[string]*process
	seq  uint64

	events    chan Exit
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a supervisor.
func New(opts Options, logger zerolog.Logger) *Supervisor {
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	return &Supervisor{
		opts:     opts,
		logger:   logging.Component(logger, "transport"),
		Launcher: exec.Command,
		jobs:     make(map[string]*process),
		events:   make(chan Exit, opts.EventBuffer),
		closed:   make(chan struct{}),
	}
}

// Events delivers terminal events. A single consumer is expected.
func (s *Supervisor) Events() <-chan Exit {
	return s.events
}

// Outputs returns the RTMP URLs a destination expands to.
func (s *Supervisor) Outputs(dest Destination) []string {
	outputs := []string{s.opts.RTMPBaseURL + "/" + dest.StreamKey}
	if dest.Multistream {
		for _, base := range s.opts.MultistreamTargets {
			outputs = append(outputs, strings.TrimRight(base, "/")+"/"+dest.StreamKey)
		}
	}
	return outputs
}

// Start launches a process for key. It returns without waiting for the process;
// the outcome arrives later on Events.
func (s *Supervisor) Start(key, source string, dest Destination, overlays []models.Overlay) (Handle, error) {
	if key == "" {
		return Handle{}, apperr.Launch(errors.New("empty job key"))
	}
	if source == "" {
		return Handle{}, apperr.Launch(errors.New("empty source url"))
	}
	if dest.StreamKey == "" {
		return Handle{}, apperr.Launch(errors.New("empty stream key"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return Handle{}, apperr.Launch(errors.New("supervisor is shut down"))
	default:
	}

	if _, ok := s.jobs[key]; ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrBusy, key)
	}

	args := BuildArgs(source, s.Outputs(dest), overlays)
	cmd := s.Launcher(s.opts.FFmpegBin, args...)
	prog := newProgress()
	cmd.Stdout = nil
	cmd.Stderr = prog
	cmd.WaitDelay = s.opts.StopGrace
	isolate(cmd)

	if err := cmd.Start(); err != nil {
		telemetry.TransportLaunchFailuresTotal.Inc()
		s.logger.Warn().Err(err).Str("job_key", key).Msg("broadcast process failed to launch")
		return Handle{}, apperr.Launch(err)
	}

	s.seq++
	p := &process{
		key:       key,
		seq:       s.seq,
		cmd:       cmd,
		progress:  prog,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	prog.attach(cmd.Process.Pid, p.startedAt)
	s.jobs[key] = p
	telemetry.TransportProcessesActive.Inc()

	s.logger.Info().
		Str("job_key", key).
		Int("pid", cmd.Process.Pid).
		Uint64("seq", p.seq).
		Msg("broadcast process started")

	go s.watch(p)

	return p.handle(), nil
}

// Stop asks the process for key to terminate and returns immediately. Unknown keys are ignored.
// The process is killed if it is still alive after the stop grace period.
func (s *Supervisor) Stop(key string) {
	s.mu.Lock()
	p := s.jobs[key]
	s.mu.Unlock()

	if p == nil {
		return
	}
	p.stop(s.opts.StopGrace, s.logger)
}

// Running reports whether a process is tracked for key.
func (s *Supervisor) Running(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok
}

// Keys lists tracked job keys in sorted order.
func (s *Supervisor) Keys() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.jobs))
	for k := range s.jobs {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Stats returns the latest snapshot for key, or Inactive if nothing runs under it.
func (s *Supervisor) Stats(key string) Stats {
	s.mu.Lock()
	p := s.jobs[key]
	s.mu.Unlock()

	if p == nil {
		return Inactive()
	}
	st := p.progress.snapshot()
	sampleResources(&st)
	return st
}

// ShutdownAll stops every tracked process and waits for them to exit or for ctx to end.
// No further Start calls are accepted.
func (s *Supervisor) ShutdownAll(ctx context.Context) error {
	s.mu.Lock()
	s.closeOnce.Do(func() { close(s.closed) })
	procs := make([]*process, 0, len(s.jobs))
	for _, p := range s.jobs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		p.stop(s.opts.StopGrace, s.logger)
	}
	for _, p := range procs {
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// watch waits for the process, retires its key and emits the terminal event.
func (s *Supervisor) watch(p *process) {
	err := p.cmd.Wait()

	code := 0
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || errors.Is(err, exec.ErrWaitDelay) {
		err = nil
	}
	if err == nil && code != 0 {
		err = apperr.Terminal(code)
	}

	s.mu.Lock()
	if s.jobs[p.key] == p {
		delete(s.jobs, p.key)
	}
	stopped := p.wasStopped()
	s.mu.Unlock()
	close(p.done)

	ev := Exit{
		Key:        p.key,
		Seq:        p.seq,
		Code:       code,
		Err:        err,
		Stopped:    stopped,
		Progressed: p.progress.progressed(),
		Runtime:    time.Since(p.startedAt),
	}

	telemetry.TransportProcessesActive.Dec()
	telemetry.TransportExitsTotal.WithLabelValues(ev.Outcome()).Inc()

	evt := s.logger.Info()
	if !ev.Clean() && !ev.Stopped {
		evt = s.logger.Warn().Err(err)
	}
	evt.Str("job_key", p.key).
		Uint64("seq", p.seq).
		Int("code", code).
		Bool("stopped", stopped).
		Dur("runtime", ev.Runtime).
		Msg("broadcast process exited")

	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

type process struct {
	key       string
	seq       uint64
	cmd       *exec.Cmd
	progress  *progress
	startedAt time.Time
	done      chan struct{}

	stopMu  sync.Mutex
	stopped bool
}

func (p *process) handle() Handle {
	return Handle{Key: p.key, Seq: p.seq, PID: p.cmd.Process.Pid, StartedAt: p.startedAt}
}

func (p *process) wasStopped() bool {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()
	return p.stopped
}

func (p *process) stop(grace time.Duration, logger zerolog.Logger) {
	p.stopMu.Lock()
	if p.stopped {
		p.stopMu.Unlock()
		return
	}
	p.stopped = true
	p.stopMu.Unlock()

	select {
	case <-p.done:
		return
	default:
	}

	if err := interrupt(p.cmd); err != nil {
		logger.Debug().Err(err).Str("job_key", p.key).Msg("interrupt failed")
	}

	go func() {
		select {
		case <-p.done:
		case <-time.After(grace):
			logger.Warn().Str("job_key", p.key).Dur("grace", grace).Msg("broadcast process ignored interrupt, killing")
			_ = kill(p.cmd)
		}
	}()
}
