// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/wneessen/geotrack/internal/logger"
	"github.com/wneessen/geotrack/internal/tracker"
)

const (
	login1Interface = "org.freedesktop.login1.Manager"
	login1Member    = "PrepareForSleep"

	sleepSignalBuffer  = 8
	resumeDebounce     = 2 * time.Second
	busRetryDelay      = 5 * time.Second
	networkWakeupDelay = 10 * time.Second
)

// sleepState records the suspend and resume transitions reported by logind. It is owned by the
// monitor goroutine.
type sleepState struct {
	suspendedAt time.Time
	resumedAt   time.Time
}

// monitorSleepResume follows logind's PrepareForSleep signal on the system bus and re-establishes
// the position subscription after the system resumed. Lost bus connections are retried until ctx
// is canceled.
func (s *Service) monitorSleepResume(ctx context.Context) {
	state := &sleepState{}
	for {
		conn, signals, err := s.watchLogind()
		if err != nil {
			s.logger.Warn("unable to watch logind sleep signals", logger.Err(err))
			if !waitOrDone(ctx, busRetryDelay) {
				return
			}
			continue
		}
		s.logger.Debug("watching logind sleep signals", slog.String("interface", login1Interface),
			slog.String("member", login1Member))

		s.drainSleepSignals(ctx, signals, state)

		conn.RemoveSignal(signals)
		if err = conn.Close(); err != nil {
			s.logger.Error("failed to close system bus connection", logger.Err(err))
		}
		if !waitOrDone(ctx, busRetryDelay) {
			return
		}
	}
}

// watchLogind connects to the system bus and subscribes to logind's sleep signal.
func (s *Service) watchLogind() (*dbus.Conn, chan *dbus.Signal, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	if err = conn.AddMatchSignal(dbus.WithMatchInterface(login1Interface),
		dbus.WithMatchMember(login1Member)); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			s.logger.Error("failed to close system bus connection", logger.Err(closeErr))
		}
		return nil, nil, fmt.Errorf("failed to match %s.%s: %w", login1Interface, login1Member, err)
	}

	signals := make(chan *dbus.Signal, sleepSignalBuffer)
	conn.Signal(signals)
	return conn, signals, nil
}

// drainSleepSignals processes signals until ctx is canceled or the bus closes the channel.
func (s *Service) drainSleepSignals(ctx context.Context, signals <-chan *dbus.Signal, state *sleepState) {
	for {
		select {
		case <-ctx.Done():
			return
		case sgn, ok := <-signals:
			if !ok {
				return
			}
			s.processSleepSignal(ctx, sgn, state)
		}
	}
}

// processSleepSignal interprets a PrepareForSleep signal. The single boolean argument is true when
// the system is about to suspend and false once it resumed.
func (s *Service) processSleepSignal(ctx context.Context, sgn *dbus.Signal, state *sleepState) {
	if len(sgn.Body) != 1 {
		return
	}
	suspending, ok := sgn.Body[0].(bool)
	if !ok {
		return
	}

	now := time.Now()
	if suspending {
		state.suspendedAt = now
		s.logger.Debug("system is suspending")
		return
	}

	// logind occasionally reports a resume twice
	if !state.resumedAt.IsZero() && now.Sub(state.resumedAt) < resumeDebounce {
		return
	}
	state.resumedAt = now

	var asleep time.Duration
	if !state.suspendedAt.IsZero() {
		asleep = now.Sub(state.suspendedAt)
	}
	s.resumeTracking(ctx, asleep)
}

// resumeTracking waits for the network to come back and re-subscribes to the position source if
// the session is still tracking. Sources usually lose their connection while suspended.
func (s *Service) resumeTracking(ctx context.Context, asleep time.Duration) {
	if !waitOrDone(ctx, networkWakeupDelay) {
		return
	}
	if s.tracker.State() != tracker.StateTracking {
		return
	}

	s.logger.Info("system resumed, re-subscribing to position source", slog.Duration("asleep", asleep))
	if !s.tracker.Resubscribe(ctx) {
		s.logger.Error("failed to re-subscribe to position source after resume")
	}
}

// waitOrDone blocks for d and reports false if ctx was canceled first.
func waitOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
