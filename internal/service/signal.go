// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"os"
	"os/signal"

	"github.com/wneessen/geotrack/internal/tracker"
)

type signalSource interface {
	Notify(c chan<- os.Signal, sig ...os.Signal)
	Stop(c chan<- os.Signal)
}

// stdLibSignalSource is the production implementation.
type stdLibSignalSource struct{}

func (stdLibSignalSource) Notify(c chan<- os.Signal, sig ...os.Signal) {
	signal.Notify(c, sig...)
}

func (stdLibSignalSource) Stop(c chan<- os.Signal) {
	signal.Stop(c)
}

// HandleToggleTrackingSignal starts tracking if it is stopped and stops it otherwise, once per
// received signal.
func (s *Service) HandleToggleTrackingSignal(ctx context.Context, sigChan chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigChan:
			if s.tracker.State() == tracker.StateTracking {
				s.tracker.StopTracking(ctx)
				continue
			}
			if !s.tracker.StartTracking(ctx) {
				s.logger.Warn("failed to start tracking on signal")
			}
		}
	}
}
