// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package tracker

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wneessen/geotrack/internal/geofence"
	"github.com/wneessen/geotrack/internal/location"
	"github.com/wneessen/geotrack/internal/logger"
	"github.com/wneessen/geotrack/internal/store"
)

// fakeSource is a position source driven by the test. Fixes are delivered with emit.
type fakeSource struct {
	mu           sync.Mutex
	permErr      error
	watchErr     error
	onceErr      error
	onceFix      location.Sample
	watches      []location.WatchOptions
	cancels      int
	getOnceCalls int
	onFix        func(location.Sample)
}

func (f *fakeSource) RequestPermission(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permErr
}

func (f *fakeSource) Watch(_ context.Context, opts location.WatchOptions, onFix func(location.Sample)) (location.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	f.watches = append(f.watches, opts)
	f.onFix = onFix
	return location.CancelFunc(func() {
		f.mu.Lock()
		f.cancels++
		f.mu.Unlock()
	}), nil
}

func (f *fakeSource) GetOnce(context.Context) (location.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getOnceCalls++
	if f.onceErr != nil {
		return location.Sample{}, f.onceErr
	}
	return f.onceFix, nil
}

// emit delivers a fix through the most recent subscription callback.
func (f *fakeSource) emit(lat, lon float64) {
	f.mu.Lock()
	onFix := f.onFix
	f.mu.Unlock()
	onFix(location.New(lat, lon, time.Now()))
}

func (f *fakeSource) counts() (watches, cancels, getOnce int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watches), f.cancels, f.getOnceCalls
}

type fakeRemote struct {
	mu        sync.Mutex
	err       error
	locations []location.Sample
	statuses  []location.Sample
}

func (f *fakeRemote) PushLocation(_ context.Context, sample location.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations = append(f.locations, sample)
	return f.err
}

func (f *fakeRemote) PushStatus(_ context.Context, sample location.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, sample)
	return f.err
}

func (f *fakeRemote) pushed() (locations, statuses []location.Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]location.Sample(nil), f.locations...), append([]location.Sample(nil), f.statuses...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []geofence.Event
}

func (r *eventRecorder) handle(event geofence.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) count(kind geofence.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type testEnv struct {
	tracker *Tracker
	source  *fakeSource
	remote  *fakeRemote
	events  *eventRecorder
	backend *store.Memory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		source:  &fakeSource{},
		remote:  &fakeRemote{},
		events:  &eventRecorder{},
		backend: store.NewMemory(),
	}
	env.tracker = New(env.source, env.remote, env.backend, logger.New(slog.LevelError),
		WithEventHandler(env.events.handle))
	env.tracker.Initialize(t.Context())
	t.Cleanup(func() {
		env.tracker.pending.Wait()
	})
	return env
}

// settle waits until all background pushes of the tracker are done.
func (e *testEnv) settle() {
	e.tracker.pending.Wait()
}
