// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package tracker implements the background tracking state machine of a session. It owns the
// subscription to the position source and passes every fix through the change filter into the
// history log, the geofence engine and the remote sync.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wneessen/geotrack/internal/geofence"
	"github.com/wneessen/geotrack/internal/history"
	"github.com/wneessen/geotrack/internal/location"
	"github.com/wneessen/geotrack/internal/logger"
	"github.com/wneessen/geotrack/internal/settings"
	"github.com/wneessen/geotrack/internal/store"
)

// State is the tracking state of a Tracker.
type State int

const (
	StateStopped State = iota
	StateTracking
)

func (s State) String() string {
	if s == StateTracking {
		return "tracking"
	}
	return "stopped"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "tracking":
		*s = StateTracking
	case "stopped":
		*s = StateStopped
	default:
		return fmt.Errorf("unknown tracking state: %q", text)
	}
	return nil
}

var ErrNoLocation = errors.New("no location available")

// Remote receives accepted samples and status changes.
type Remote interface {
	PushLocation(ctx context.Context, sample location.Sample) error
	PushStatus(ctx context.Context, sample location.Sample) error
}

// EventHandler receives the geofence events of the session, in the order of the samples that
// caused them.
type EventHandler func(geofence.Event)

// Option configures a Tracker.
type Option func(*Tracker)

// WithEventHandler sets the receiver of geofence events.
func WithEventHandler(handler EventHandler) Option {
	return func(t *Tracker) {
		t.onEvent = handler
	}
}

// WithClock replaces the clock used to timestamp status samples.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker is the tracking state machine of a single session. It is safe for concurrent use.
type Tracker struct {
	source   location.Source
	remote   Remote
	logger   *logger.Logger
	settings *settings.Store
	registry *geofence.Registry
	engine   *geofence.Engine
	history  *history.Log
	onEvent  EventHandler
	now      func() time.Time

	// ctx lives as long as the tracker and outlives the calls that start subscriptions and pushes.
	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup

	mu    sync.Mutex
	state State
	last  *location.Sample
	sub   location.Subscription
	// gen identifies the active subscription; fixes from older subscriptions are dropped.
	gen uint64
}

// New returns a stopped Tracker. Settings and geofences are kept in backend; call Initialize to
// load them.
func New(source location.Source, remote Remote, backend store.Store, log *logger.Logger, opts ...Option) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	registry := geofence.NewRegistry(backend, log)
	t := &Tracker{
		source:   source,
		remote:   remote,
		logger:   log,
		settings: settings.NewStore(backend, log),
		registry: registry,
		engine:   geofence.NewEngine(registry),
		history:  history.New(settings.DefaultMaxHistoryItems),
		onEvent:  func(geofence.Event) {},
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Initialize loads the tracking settings and geofences from the persistent store. It does not
// start tracking.
func (t *Tracker) Initialize(ctx context.Context) {
	t.settings.Load(ctx)
	t.registry.Load(ctx)
	t.history.Resize(int(t.settings.Get().MaxHistoryItems))
	t.logger.Debug("tracker initialized", slog.Any("settings", t.settings.Get()),
		slog.Int("geofences", t.registry.Len()))
}

// StartTracking subscribes to the position source using the current settings. It returns true
// if the tracker is tracking afterward. Starting an already tracking Tracker is a no-op.
func (t *Tracker) StartTracking(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.start(ctx)
}

// StopTracking cancels the subscription and pushes an offline status. Stopping a stopped
// Tracker is a no-op. A failing status push does not keep the tracker from stopping.
func (t *Tracker) StopTracking(ctx context.Context) {
	t.mu.Lock()
	stopped := t.stop()
	t.mu.Unlock()
	if !stopped {
		return
	}

	t.logger.Info("tracking stopped")
	if err := t.UpdateStatus(ctx, location.StatusOffline); err != nil {
		t.logger.Warn("failed to propagate offline status", logger.Err(err))
	}
}

// Configure validates and applies a settings patch. If the tracker is tracking, the
// subscription is always restarted so the position source picks up the new parameters, even
// if they did not change.
func (t *Tracker) Configure(ctx context.Context, patch settings.Patch) error {
	updated, err := t.settings.Update(ctx, patch)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.history.Resize(int(updated.MaxHistoryItems))
	if t.state != StateTracking {
		return nil
	}
	t.stop()
	if !t.start(ctx) {
		t.logger.Error("failed to restart tracking with new settings")
	}
	return nil
}

// Resubscribe re-establishes an active subscription without a status push, e.g. after the
// system resumed from sleep. It returns false if the tracker is not tracking afterward.
func (t *Tracker) Resubscribe(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateTracking {
		return false
	}
	t.stop()
	return t.start(ctx)
}

// Close tears the session down: it stops tracking, waits for in-flight pushes and clears the
// history.
func (t *Tracker) Close(ctx context.Context) {
	t.StopTracking(ctx)
	t.pending.Wait()
	t.cancel()
	t.history.Clear()
}

// State returns the current tracking state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Current returns the last accepted sample.
func (t *Tracker) Current() (location.Sample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return location.Sample{}, false
	}
	return *t.last, true
}

// History returns at most limit accepted samples, newest first.
func (t *Tracker) History(limit int) []location.Sample {
	return t.history.Query(limit)
}

// Settings returns the current tracking settings.
func (t *Tracker) Settings() settings.TrackingSettings {
	return t.settings.Get()
}

// Geofences returns the registered geofences.
func (t *Tracker) Geofences() []geofence.Geofence {
	return t.registry.List()
}

// AddGeofence registers a geofence and returns its ID.
func (t *Tracker) AddGeofence(ctx context.Context, spec geofence.Spec) (string, error) {
	id, err := t.registry.Add(ctx, spec)
	if err != nil {
		return "", err
	}
	t.logger.Info("geofence added", slog.String("id", id), slog.String("name", spec.Name))
	return id, nil
}

// RemoveGeofence removes a geofence. It returns false if the ID is unknown.
func (t *Tracker) RemoveGeofence(ctx context.Context, id string) bool {
	return t.registry.Remove(ctx, id)
}

// start subscribes to the position source. t.mu must be held.
func (t *Tracker) start(ctx context.Context) bool {
	if t.state == StateTracking {
		return true
	}
	if err := t.source.RequestPermission(ctx); err != nil {
		t.logger.Error("location permission not granted", logger.Err(err))
		return false
	}

	opts := watchOptions(t.settings.Get())
	t.gen++
	gen := t.gen
	sub, err := t.source.Watch(t.ctx, opts, func(sample location.Sample) {
		t.onFixReceived(gen, sample)
	})
	if err != nil {
		t.logger.Error("failed to subscribe to position updates", logger.Err(err))
		return false
	}

	t.sub = sub
	t.state = StateTracking
	t.logger.Info("tracking started", slog.String("accuracy", opts.Accuracy.String()),
		slog.Float64("min_distance", opts.MinDistanceMeters), slog.Duration("min_interval", opts.MinInterval))
	return true
}

// stop cancels the subscription. t.mu must be held. It returns false if the tracker was
// already stopped.
func (t *Tracker) stop() bool {
	if t.state == StateStopped {
		return false
	}
	if t.sub != nil {
		t.sub.Cancel()
		t.sub = nil
	}
	t.gen++
	t.state = StateStopped
	return true
}

// onFixReceived handles a fix delivered by the subscription with the given generation.
func (t *Tracker) onFixReceived(gen uint64, sample location.Sample) {
	sample.Status = nil

	t.mu.Lock()
	if t.state != StateTracking || gen != t.gen {
		t.mu.Unlock()
		t.logger.Debug("dropping fix from inactive subscription")
		return
	}
	threshold := t.settings.Get().SignificantChangeThresholdMeters
	if !Accept(t.last, sample, threshold) {
		t.mu.Unlock()
		t.logger.Debug("dropping insignificant fix", slog.Float64("lat", sample.Latitude),
			slog.Float64("lon", sample.Longitude))
		return
	}
	events := t.accept(sample)
	t.mu.Unlock()

	t.push("location", sample, t.remote.PushLocation)
	t.deliver(events)
}

// accept records an accepted sample. t.mu must be held.
func (t *Tracker) accept(sample location.Sample) []geofence.Event {
	t.history.Append(sample)
	events := t.engine.Evaluate(sample)
	t.last = &sample
	return events
}

func (t *Tracker) deliver(events []geofence.Event) {
	for _, event := range events {
		t.logger.Info("geofence "+event.Kind.String(), slog.String("geofence", event.GeofenceName),
			slog.String("id", event.GeofenceID))
		t.onEvent(event)
	}
}

// push sends the sample in the background. Failures are logged and never retried.
func (t *Tracker) push(kind string, sample location.Sample, fn func(context.Context, location.Sample) error) {
	t.pending.Add(1)
	go func() {
		defer t.pending.Done()
		if err := fn(t.ctx, sample); err != nil {
			t.logger.Error("failed to push "+kind, logger.Err(err))
		}
	}()
}

func watchOptions(s settings.TrackingSettings) location.WatchOptions {
	opts := location.WatchOptions{
		Accuracy:    location.AccuracyHigh,
		MinInterval: s.UpdateInterval(),
	}
	if s.BatteryOptimizationEnabled {
		opts.Accuracy = location.AccuracyBalanced
		opts.MinDistanceMeters = s.SignificantChangeThresholdMeters
	}
	return opts
}
