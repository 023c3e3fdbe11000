// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package gpsd implements a location.Source that streams fixes from a gpsd daemon.
package gpsd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/stratoberry/go-gpsd"

	"github.com/wneessen/geotrack/internal/geo"
	"github.com/wneessen/geotrack/internal/gpspoll"
	"github.com/wneessen/geotrack/internal/location"
	"github.com/wneessen/geotrack/internal/logger"
)

const (
	DefaultHost = "localhost"
	DefaultPort = "2947"

	name            = "gpsd"
	reconnectPeriod = time.Second * 30
	subscriberQueue = 8
)

// ErrClosed is returned by Watch once the Source has been closed.
var ErrClosed = errors.New("gpsd source is closed")

// Source streams TPV reports from gpsd. All subscriptions share a single gpsd session, which
// is established by the first Watch, re-established whenever gpsd drops the connection and
// kept until Close.
type Source struct {
	addr   string
	logger *logger.Logger
	poller *gpspoll.Client
	period time.Duration
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]*subscriber
	running bool
}

// New returns a Source for the gpsd daemon at host:port.
func New(host, port string, log *logger.Logger) *Source {
	ctx, cancel := context.WithCancel(context.Background())
	return &Source{
		ctx:    ctx,
		cancel: cancel,
		addr:   net.JoinHostPort(host, port),
		logger: log,
		poller: gpspoll.New(host, port),
		period: reconnectPeriod,
		now:    time.Now,
		subs:   make(map[uint64]*subscriber),
	}
}

func (s *Source) Name() string {
	return name
}

// RequestPermission succeeds if gpsd accepts connections.
func (s *Source) RequestPermission(ctx context.Context) error {
	return s.poller.RequestPermission(ctx)
}

// GetOnce reads a single fix from gpsd. Fixes without at least a 2D fix are rejected.
func (s *Source) GetOnce(ctx context.Context) (location.Sample, error) {
	sample, err := s.poller.Locate(ctx)
	if err != nil && !errors.Is(err, location.ErrNoFix) {
		return sample, fmt.Errorf("failed to poll gpsd: %w", err)
	}
	return sample, err
}

// Watch registers onFix for fixes from the shared gpsd session. The subscription ends when it
// is canceled or ctx is done; the session itself is owned by the Source.
func (s *Source) Watch(ctx context.Context, opts location.WatchOptions, onFix func(location.Sample)) (location.Subscription, error) {
	if onFix == nil {
		return nil, fmt.Errorf("gpsd: fix callback is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := newSubscriber(opts, onFix)

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.nextID++
	id := s.nextID
	s.subs[id] = sub
	startLoop := !s.running
	s.running = true
	s.mu.Unlock()

	defer close(sub.ready)
	go sub.run()
	if startLoop {
		go s.connect(s.ctx)
	}

	unsubscribe := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		sub.stop()
	}
	stopAfter := context.AfterFunc(ctx, unsubscribe)
	return location.CancelFunc(func() {
		stopAfter()
		unsubscribe()
	}), nil
}

// Close ends the shared gpsd session and all remaining subscriptions.
func (s *Source) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		delete(s.subs, id)
		sub.stop()
	}
	return nil
}

// connect keeps a gpsd session alive until ctx is canceled.
func (s *Source) connect(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		session, err := gpsd.Dial(s.addr)
		if err != nil {
			s.logger.Error("failed to connect to gpsd", slog.String("addr", s.addr), logger.Err(err))
			if !sleepOrDone(ctx, s.period) {
				return
			}
			continue
		}

		session.AddFilter("TPV", func(r interface{}) {
			tpv, ok := r.(*gpsd.TPVReport)
			if !ok || ctx.Err() != nil {
				return
			}
			if tpv.Mode < gpsd.Mode2D {
				return
			}
			s.dispatch(s.sampleFromTPV(tpv))
		})

		// Watch returns a channel that fires when the watch ends (e.g. connection lost).
		// go-gpsd has no Close(), the connection is torn down with the process.
		done := session.Watch()
		select {
		case <-ctx.Done():
			return
		case <-done:
			s.logger.Warn("gpsd connection lost, reconnecting", slog.Duration("delay", s.period))
		}

		if !sleepOrDone(ctx, s.period) {
			return
		}
	}
}

func (s *Source) sampleFromTPV(tpv *gpsd.TPVReport) location.Sample {
	mode := int(tpv.Mode)
	fix := gpspoll.Fix{
		Lat:   tpv.Lat,
		Lon:   tpv.Lon,
		Alt:   tpv.Alt,
		Acc:   gpspoll.HorizontalAccuracy(mode, 0, tpv.Epx, tpv.Epy),
		Speed: tpv.Speed,
		Track: tpv.Track,
		Mode:  mode,
	}
	return fix.Sample(s.now())
}

func (s *Source) dispatch(sample location.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		sub.offer(sample)
	}
}

// subscriber throttles fixes according to its watch options and delivers them serially.
type subscriber struct {
	opts  location.WatchOptions
	onFix func(location.Sample)
	queue chan location.Sample
	ready chan struct{}
	done  chan struct{}
	once  sync.Once

	mu   sync.Mutex
	last *location.Sample
}

func newSubscriber(opts location.WatchOptions, onFix func(location.Sample)) *subscriber {
	return &subscriber{
		opts:  opts,
		onFix: onFix,
		queue: make(chan location.Sample, subscriberQueue),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// offer queues the sample if it passes the subscriber's interval and distance limits. A full
// queue drops the sample.
func (s *subscriber) offer(sample location.Sample) {
	if s.opts.Accuracy == location.AccuracyBalanced {
		sample.Latitude = geo.Truncate(sample.Latitude, geo.TruncPrecision)
		sample.Longitude = geo.Truncate(sample.Longitude, geo.TruncPrecision)
	}
	if !s.admit(sample) {
		return
	}
	select {
	case <-s.done:
	case s.queue <- sample:
	default:
	}
}

func (s *subscriber) admit(sample location.Sample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil {
		if sample.Time().Sub(s.last.Time()) < s.opts.MinInterval {
			return false
		}
		if s.opts.MinDistanceMeters > 0 && s.last.DistanceTo(sample) < s.opts.MinDistanceMeters {
			return false
		}
	}
	s.last = &sample
	return true
}

func (s *subscriber) run() {
	select {
	case <-s.done:
		return
	case <-s.ready:
	}
	for {
		select {
		case <-s.done:
			return
		case sample := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			s.onFix(sample)
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
