// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package poll implements a location.Source that periodically queries a Locator.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/wneessen/geotrack/internal/geo"
	"github.com/wneessen/geotrack/internal/location"
	"github.com/wneessen/geotrack/internal/logger"
)

// DefaultInterval is used when a watch does not request a minimum interval.
const DefaultInterval = time.Second * 10

// Locator resolves the current position once.
type Locator interface {
	Locate(ctx context.Context) (location.Sample, error)
}

// LocatorFunc adapts a plain function to the Locator interface.
type LocatorFunc func(ctx context.Context) (location.Sample, error)

func (f LocatorFunc) Locate(ctx context.Context) (location.Sample, error) {
	return f(ctx)
}

// Permissioner is implemented by locators that need to check access before use.
type Permissioner interface {
	RequestPermission(ctx context.Context) error
}

// Source polls a Locator on a gocron schedule.
type Source struct {
	name    string
	locator Locator
	logger  *logger.Logger
}

// New returns a Source polling locator.
func New(name string, locator Locator, log *logger.Logger) *Source {
	return &Source{
		name:    name,
		locator: locator,
		logger:  log.With(slog.String("source", name)),
	}
}

func (s *Source) Name() string {
	return s.name
}

// RequestPermission delegates to the locator if it implements Permissioner.
func (s *Source) RequestPermission(ctx context.Context) error {
	if p, ok := s.locator.(Permissioner); ok {
		return p.RequestPermission(ctx)
	}
	return nil
}

func (s *Source) GetOnce(ctx context.Context) (location.Sample, error) {
	return s.locator.Locate(ctx)
}

// Watch schedules a singleton job that queries the locator every MinInterval, starting
// immediately. Fixes closer than MinDistanceMeters to the last delivered fix are skipped.
func (s *Source) Watch(ctx context.Context, opts location.WatchOptions, onFix func(location.Sample)) (location.Subscription, error) {
	if onFix == nil {
		return nil, fmt.Errorf("poll: fix callback is required")
	}
	interval := opts.MinInterval
	if interval <= 0 {
		interval = DefaultInterval
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	w := &watcher{
		opts:   opts,
		onFix:  onFix,
		loc:    s.locator,
		logger: s.logger,
		ready:  make(chan struct{}),
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(w.poll),
		gocron.WithContext(jobCtx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName(s.name+" position poll"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		cancel()
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("failed to create position poll job: %w", err)
	}

	defer close(w.ready)
	scheduler.Start()

	var once sync.Once
	return location.CancelFunc(func() {
		once.Do(func() {
			cancel()
			// Shutdown waits for a running poll, which may be blocked on the caller.
			go func() {
				if err := scheduler.Shutdown(); err != nil {
					s.logger.Error("failed to shut down position poll scheduler", logger.Err(err))
				}
			}()
		})
	}), nil
}

type watcher struct {
	opts   location.WatchOptions
	onFix  func(location.Sample)
	loc    Locator
	logger *logger.Logger
	ready  chan struct{}
	last   *location.Sample
}

// poll runs in singleton mode, so last is never accessed concurrently.
func (w *watcher) poll(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-w.ready:
	}

	sample, err := w.loc.Locate(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Warn("failed to locate position", logger.Err(err))
		}
		return
	}
	if w.opts.Accuracy == location.AccuracyBalanced {
		sample.Latitude = geo.Truncate(sample.Latitude, geo.TruncPrecision)
		sample.Longitude = geo.Truncate(sample.Longitude, geo.TruncPrecision)
	}
	if w.last != nil && w.opts.MinDistanceMeters > 0 && w.last.DistanceTo(sample) < w.opts.MinDistanceMeters {
		return
	}
	if ctx.Err() != nil {
		return
	}
	w.last = &sample
	w.onFix(sample)
}
