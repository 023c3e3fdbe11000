// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package tracker

import (
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/wneessen/geotrack/internal/geofence"
	"github.com/wneessen/geotrack/internal/location"
	"github.com/wneessen/geotrack/internal/logger"
	"github.com/wneessen/geotrack/internal/settings"
	"github.com/wneessen/geotrack/internal/store"
)

func ptr[T any](v T) *T {
	return &v
}

func TestAccept(t *testing.T) {
	origin := location.New(0, 0, time.Now())
	tests := []struct {
		name      string
		last      *location.Sample
		candidate location.Sample
		want      bool
	}{
		{"first fix is always accepted", nil, location.New(45, 45, time.Now()), true},
		{"candidate 5m away is rejected", &origin, location.New(0, 0.000045, time.Now()), false},
		{"candidate 15m away is accepted", &origin, location.New(0, 0.00014, time.Now()), true},
		{"same position is rejected", &origin, origin, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Accept(tc.last, tc.candidate, 10); got != tc.want {
				t.Errorf("expected Accept to return %t, got %t", tc.want, got)
			}
		})
	}
	t.Run("zero threshold accepts identical positions", func(t *testing.T) {
		if !Accept(&origin, origin, 0) {
			t.Error("expected identical position to be accepted with zero threshold")
		}
	})
}

func TestWatchOptions(t *testing.T) {
	t.Run("battery optimization uses balanced accuracy and the threshold", func(t *testing.T) {
		opts := watchOptions(settings.Defaults())
		if opts.Accuracy != location.AccuracyBalanced {
			t.Errorf("expected balanced accuracy, got %s", opts.Accuracy)
		}
		if opts.MinDistanceMeters != 10 {
			t.Errorf("expected min distance to be 10, got %f", opts.MinDistanceMeters)
		}
		if opts.MinInterval != 10*time.Second {
			t.Errorf("expected min interval to be 10s, got %s", opts.MinInterval)
		}
	})
	t.Run("without battery optimization", func(t *testing.T) {
		s := settings.Defaults()
		s.BatteryOptimizationEnabled = false
		s.UpdateIntervalMs = 2500
		opts := watchOptions(s)
		if opts.Accuracy != location.AccuracyHigh {
			t.Errorf("expected high accuracy, got %s", opts.Accuracy)
		}
		if opts.MinDistanceMeters != 0 {
			t.Errorf("expected min distance to be 0, got %f", opts.MinDistanceMeters)
		}
		if opts.MinInterval != 2500*time.Millisecond {
			t.Errorf("expected min interval to be 2.5s, got %s", opts.MinInterval)
		}
	})
}

func TestTracker_StartTracking(t *testing.T) {
	t.Run("starting subscribes once and is idempotent", func(t *testing.T) {
		env := newTestEnv(t)
		if env.tracker.State() != StateStopped {
			t.Fatal("expected initial state to be stopped")
		}
		if !env.tracker.StartTracking(t.Context()) {
			t.Fatal("expected tracking to start")
		}
		if !env.tracker.StartTracking(t.Context()) {
			t.Fatal("expected second start to report success")
		}
		if env.tracker.State() != StateTracking {
			t.Error("expected state to be tracking")
		}
		if watches, _, _ := env.source.counts(); watches != 1 {
			t.Errorf("expected exactly one watch, got %d", watches)
		}
	})
	t.Run("denied permission keeps the tracker stopped", func(t *testing.T) {
		env := newTestEnv(t)
		env.source.permErr = location.ErrPermissionDenied
		if env.tracker.StartTracking(t.Context()) {
			t.Fatal("expected tracking to fail")
		}
		if env.tracker.State() != StateStopped {
			t.Error("expected state to stay stopped")
		}
		if watches, _, _ := env.source.counts(); watches != 0 {
			t.Errorf("expected no watch, got %d", watches)
		}
	})
	t.Run("failing subscription keeps the tracker stopped", func(t *testing.T) {
		env := newTestEnv(t)
		env.source.watchErr = errors.New("intentionally failing")
		if env.tracker.StartTracking(t.Context()) {
			t.Fatal("expected tracking to fail")
		}
		if env.tracker.State() != StateStopped {
			t.Error("expected state to stay stopped")
		}
	})
}

func TestTracker_StopTracking(t *testing.T) {
	t.Run("stopping cancels the subscription and pushes offline", func(t *testing.T) {
		env := newTestEnv(t)
		env.tracker.StartTracking(t.Context())
		env.source.emit(0, 0)
		env.tracker.StopTracking(t.Context())
		env.settle()

		if env.tracker.State() != StateStopped {
			t.Error("expected state to be stopped")
		}
		if _, cancels, _ := env.source.counts(); cancels != 1 {
			t.Errorf("expected one cancel, got %d", cancels)
		}
		_, statuses := env.remote.pushed()
		if len(statuses) != 1 || *statuses[0].Status != location.StatusOffline {
			t.Fatalf("expected a single offline status push, got %+v", statuses)
		}
		current, ok := env.tracker.Current()
		if !ok || *current.Status != location.StatusOffline {
			t.Error("expected current sample to carry the offline status")
		}

		env.tracker.StopTracking(t.Context())
		env.settle()
		if _, cancels, _ := env.source.counts(); cancels != 1 {
			t.Errorf("expected second stop to be a no-op, got %d cancels", cancels)
		}
		if _, statuses = env.remote.pushed(); len(statuses) != 1 {
			t.Errorf("expected no further status push, got %d", len(statuses))
		}
	})
	t.Run("stopping without a position survives a failing fix request", func(t *testing.T) {
		env := newTestEnv(t)
		env.source.onceErr = location.ErrNoFix
		env.tracker.StartTracking(t.Context())
		env.tracker.StopTracking(t.Context())
		env.settle()
		if env.tracker.State() != StateStopped {
			t.Error("expected state to be stopped")
		}
		if _, statuses := env.remote.pushed(); len(statuses) != 0 {
			t.Errorf("expected no status push, got %d", len(statuses))
		}
	})
	t.Run("stopping a stopped tracker does nothing", func(t *testing.T) {
		env := newTestEnv(t)
		env.tracker.StopTracking(t.Context())
		env.settle()
		if _, _, getOnce := env.source.counts(); getOnce != 0 {
			t.Errorf("expected no fix request, got %d", getOnce)
		}
	})
	t.Run("fixes after stopping are dropped", func(t *testing.T) {
		env := newTestEnv(t)
		env.tracker.StartTracking(t.Context())
		env.source.emit(0, 0)
		env.tracker.StopTracking(t.Context())
		env.source.emit(1, 1)
		env.settle()
		if got := env.tracker.History(10); len(got) != 1 {
			t.Errorf("expected one sample in history, got %d", len(got))
		}
	})
}

func TestTracker_OnFixReceived(t *testing.T) {
	t.Run("insignificant fixes are dropped", func(t *testing.T) {
		env := newTestEnv(t)
		env.tracker.StartTracking(t.Context())
		env.source.emit(0, 0)
		env.source.emit(0, 0.00005)
		env.source.emit(0, 0.0002)
		env.settle()

		hist := env.tracker.history.Samples()
		if len(hist) != 2 {
			t.Fatalf("expected 2 samples in history, got %d", len(hist))
		}
		if hist[0].Longitude != 0 || hist[1].Longitude != 0.0002 {
			t.Errorf("expected history to hold the first and third fix, got %+v", hist)
		}
		locations, _ := env.remote.pushed()
		if len(locations) != 2 {
			t.Errorf("expected 2 location pushes, got %d", len(locations))
		}
		current, ok := env.tracker.Current()
		if !ok || current.Longitude != 0.0002 {
			t.Errorf("expected current sample to be the third fix, got %+v", current)
		}
		if current.HasStatus() {
			t.Error("expected fix samples to carry no status")
		}
	})
	t.Run("geofence events are edge-triggered", func(t *testing.T) {
		env := newTestEnv(t)
		if err := env.tracker.Configure(t.Context(), settings.Patch{
			SignificantChangeThresholdMeters: ptr(0.0),
		}); err != nil {
			t.Fatalf("failed to configure tracker: %s", err)
		}
		if _, err := env.tracker.AddGeofence(t.Context(), geofence.Spec{
			Name: "depot", RadiusMeters: 100, NotifyOnEntry: true, NotifyOnExit: true,
		}); err != nil {
			t.Fatalf("failed to add geofence: %s", err)
		}
		env.tracker.StartTracking(t.Context())
		for i := 0; i < 5; i++ {
			env.source.emit(0, 0.0001*float64(i))
		}
		if got := env.events.count(geofence.EventEntry); got != 1 {
			t.Errorf("expected exactly one entry event, got %d", got)
		}
		env.source.emit(0, 0.01)
		if got := env.events.count(geofence.EventExit); got != 1 {
			t.Errorf("expected exactly one exit event, got %d", got)
		}
		if got := env.tracker.History(0); len(got) != 6 {
			t.Errorf("expected 6 samples in history, got %d", len(got))
		}
	})
	t.Run("failing pushes do not interrupt tracking", func(t *testing.T) {
		env := newTestEnv(t)
		env.remote.err = errors.New("intentionally failing")
		env.tracker.StartTracking(t.Context())
		env.source.emit(0, 0)
		env.source.emit(1, 1)
		env.settle()
		if env.tracker.State() != StateTracking {
			t.Error("expected tracker to keep tracking")
		}
		if got := env.tracker.History(0); len(got) != 2 {
			t.Errorf("expected 2 samples in history, got %d", len(got))
		}
	})
}

func TestTracker_Configure(t *testing.T) {
	t.Run("invalid settings are rejected", func(t *testing.T) {
		env := newTestEnv(t)
		env.tracker.StartTracking(t.Context())
		err := env.tracker.Configure(t.Context(), settings.Patch{UpdateIntervalMs: ptr(uint32(0))})
		if !errors.Is(err, settings.ErrInvalidSettings) {
			t.Fatalf("expected ErrInvalidSettings, got %v", err)
		}
		if env.tracker.Settings() != settings.Defaults() {
			t.Errorf("expected settings to be unchanged, got %+v", env.tracker.Settings())
		}
		if watches, cancels, _ := env.source.counts(); watches != 1 || cancels != 0 {
			t.Errorf("expected no restart, got %d watches and %d cancels", watches, cancels)
		}
	})
	t.Run("configuring while tracking restarts even with unchanged settings", func(t *testing.T) {
		env := newTestEnv(t)
		env.tracker.StartTracking(t.Context())
		patch := settings.Patch{UpdateIntervalMs: ptr(uint32(settings.DefaultUpdateIntervalMs))}
		if err := env.tracker.Configure(t.Context(), patch); err != nil {
			t.Fatalf("failed to configure tracker: %s", err)
		}
		watches, cancels, _ := env.source.counts()
		if cancels != 1 {
			t.Errorf("expected exactly one cancel, got %d", cancels)
		}
		if watches != 2 {
			t.Errorf("expected exactly one new watch, got %d", watches-1)
		}
		if env.tracker.State() != StateTracking {
			t.Error("expected tracker to keep tracking")
		}
		if _, statuses := env.remote.pushed(); len(statuses) != 0 {
			t.Errorf("expected restart without status push, got %d", len(statuses))
		}
	})
	t.Run("new parameters reach the position source", func(t *testing.T) {
		env := newTestEnv(t)
		env.tracker.StartTracking(t.Context())
		if err := env.tracker.Configure(t.Context(), settings.Patch{
			BatteryOptimizationEnabled: ptr(false),
			UpdateIntervalMs:           ptr(uint32(1000)),
		}); err != nil {
			t.Fatalf("failed to configure tracker: %s", err)
		}
		env.source.mu.Lock()
		opts := env.source.watches[len(env.source.watches)-1]
		env.source.mu.Unlock()
		if opts.Accuracy != location.AccuracyHigh || opts.MinInterval != time.Second || opts.MinDistanceMeters != 0 {
			t.Errorf("unexpected watch options: %+v", opts)
		}
	})
	t.Run("configuring while stopped does not subscribe", func(t *testing.T) {
		env := newTestEnv(t)
		if err := env.tracker.Configure(t.Context(), settings.Patch{MaxHistoryItems: ptr(uint32(3))}); err != nil {
			t.Fatalf("failed to configure tracker: %s", err)
		}
		if watches, _, _ := env.source.counts(); watches != 0 {
			t.Errorf("expected no watch, got %d", watches)
		}
		if env.tracker.State() != StateStopped {
			t.Error("expected state to stay stopped")
		}
	})
	t.Run("history cap follows the settings", func(t *testing.T) {
		env := newTestEnv(t)
		if err := env.tracker.Configure(t.Context(), settings.Patch{
			MaxHistoryItems:                  ptr(uint32(3)),
			SignificantChangeThresholdMeters: ptr(0.0),
		}); err != nil {
			t.Fatalf("failed to configure tracker: %s", err)
		}
		env.tracker.StartTracking(t.Context())
		for i := 1; i <= 5; i++ {
			env.source.emit(float64(i), 0)
		}
		got := env.tracker.History(2)
		if len(got) != 2 || got[0].Latitude != 5 || got[1].Latitude != 4 {
			t.Errorf("expected history query to return s5 and s4, got %+v", got)
		}
		if env.tracker.history.Len() != 3 {
			t.Errorf("expected history to hold 3 samples, got %d", env.tracker.history.Len())
		}
	})
	t.Run("maximum history cap keeps memory bound to stored samples", func(t *testing.T) {
		env := newTestEnv(t)
		if err := env.tracker.Configure(t.Context(), settings.Patch{
			MaxHistoryItems:                  ptr(uint32(math.MaxUint32)),
			SignificantChangeThresholdMeters: ptr(0.0),
		}); err != nil {
			t.Fatalf("failed to configure tracker: %s", err)
		}
		env.tracker.StartTracking(t.Context())
		for i := 1; i <= 3; i++ {
			env.source.emit(float64(i), 0)
		}
		if got := env.tracker.history.Cap(); got != math.MaxUint32 {
			t.Errorf("expected history cap %d, got %d", uint32(math.MaxUint32), got)
		}
		got := env.tracker.History(0)
		if len(got) != 3 || got[0].Latitude != 3 || got[2].Latitude != 1 {
			t.Errorf("expected history to return s3, s2, s1, got %+v", got)
		}
	})
	t.Run("fixes from the replaced subscription are dropped", func(t *testing.T) {
		env := newTestEnv(t)
		env.tracker.StartTracking(t.Context())
		env.source.mu.Lock()
		stale := env.source.onFix
		env.source.mu.Unlock()
		if err := env.tracker.Configure(t.Context(), settings.Patch{}); err != nil {
			t.Fatalf("failed to configure tracker: %s", err)
		}
		stale(location.New(1, 1, time.Now()))
		if got := env.tracker.History(0); len(got) != 0 {
			t.Errorf("expected stale fix to be dropped, got %d samples", len(got))
		}
		env.source.emit(1, 1)
		if got := env.tracker.History(0); len(got) != 1 {
			t.Errorf("expected fix from the new subscription to be accepted, got %d samples", len(got))
		}
	})
}

func TestTracker_UpdateStatus(t *testing.T) {
	t.Run("without a prior sample a single fix is requested", func(t *testing.T) {
		env := newTestEnv(t)
		env.source.onceFix = location.New(0, 0, time.UnixMilli(1000))
		if _, err := env.tracker.AddGeofence(t.Context(), geofence.Spec{
			Name: "depot", RadiusMeters: 50, NotifyOnEntry: true,
		}); err != nil {
			t.Fatalf("failed to add geofence: %s", err)
		}
		if err := env.tracker.UpdateStatus(t.Context(), location.StatusBusy); err != nil {
			t.Fatalf("failed to update status: %s", err)
		}
		env.settle()

		if _, _, getOnce := env.source.counts(); getOnce != 1 {
			t.Errorf("expected exactly one fix request, got %d", getOnce)
		}
		locations, statuses := env.remote.pushed()
		if len(statuses) != 1 {
			t.Fatalf("expected exactly one status push, got %d", len(statuses))
		}
		if len(locations) != 0 {
			t.Errorf("expected no location push, got %d", len(locations))
		}
		if *statuses[0].Status != location.StatusBusy {
			t.Errorf("expected pushed status to be busy, got %s", statuses[0].Status)
		}
		current, ok := env.tracker.Current()
		if !ok || *current.Status != location.StatusBusy {
			t.Error("expected the status sample to become the current sample")
		}
		if got := env.tracker.History(0); len(got) != 1 {
			t.Errorf("expected status sample in history, got %d", len(got))
		}
		if got := env.events.count(geofence.EventEntry); got != 1 {
			t.Errorf("expected the status sample to be evaluated against geofences, got %d events", got)
		}
	})
	t.Run("with a prior sample the sample is re-sent without movement", func(t *testing.T) {
		env := newTestEnv(t)
		env.tracker.now = func() time.Time { return time.UnixMilli(99000) }
		env.tracker.StartTracking(t.Context())
		env.source.emit(3, 4)
		if err := env.tracker.UpdateStatus(t.Context(), location.StatusAvailable); err != nil {
			t.Fatalf("failed to update status: %s", err)
		}
		env.settle()

		if _, _, getOnce := env.source.counts(); getOnce != 0 {
			t.Errorf("expected no fix request, got %d", getOnce)
		}
		_, statuses := env.remote.pushed()
		if len(statuses) != 1 {
			t.Fatalf("expected one status push, got %d", len(statuses))
		}
		if statuses[0].Latitude != 3 || statuses[0].Longitude != 4 || statuses[0].Timestamp != 99000 {
			t.Errorf("unexpected status sample: %+v", statuses[0])
		}
		if got := env.tracker.History(0); len(got) != 1 {
			t.Errorf("expected status push to bypass the history, got %d samples", len(got))
		}
	})
	t.Run("missing location fails without side effects", func(t *testing.T) {
		env := newTestEnv(t)
		env.source.onceErr = location.ErrNoFix
		err := env.tracker.UpdateStatus(t.Context(), location.StatusBusy)
		if !errors.Is(err, ErrNoLocation) {
			t.Fatalf("expected ErrNoLocation, got %v", err)
		}
		env.settle()
		if _, statuses := env.remote.pushed(); len(statuses) != 0 {
			t.Errorf("expected no status push, got %d", len(statuses))
		}
		if _, ok := env.tracker.Current(); ok {
			t.Error("expected no current sample")
		}
		if _, _, getOnce := env.source.counts(); getOnce != 1 {
			t.Errorf("expected a single attempt without retry, got %d", getOnce)
		}
	})
}

func TestTracker_Initialize(t *testing.T) {
	backend := store.NewMemory()
	log := logger.New(slog.LevelError)
	first := New(&fakeSource{}, &fakeRemote{}, backend, log)
	first.Initialize(t.Context())
	if err := first.Configure(t.Context(), settings.Patch{MaxHistoryItems: ptr(uint32(7))}); err != nil {
		t.Fatalf("failed to configure tracker: %s", err)
	}
	if _, err := first.AddGeofence(t.Context(), geofence.Spec{Name: "home", RadiusMeters: 10}); err != nil {
		t.Fatalf("failed to add geofence: %s", err)
	}

	second := New(&fakeSource{}, &fakeRemote{}, backend, log)
	second.Initialize(t.Context())
	if second.Settings().MaxHistoryItems != 7 {
		t.Errorf("expected persisted settings to be loaded, got %+v", second.Settings())
	}
	if second.history.Cap() != 7 {
		t.Errorf("expected history cap to be 7, got %d", second.history.Cap())
	}
	if fences := second.Geofences(); len(fences) != 1 || fences[0].Name != "home" {
		t.Errorf("expected persisted geofence to be loaded, got %+v", fences)
	}
	if second.State() != StateStopped {
		t.Error("expected initialize not to start tracking")
	}
}

func TestTracker_Resubscribe(t *testing.T) {
	env := newTestEnv(t)
	if env.tracker.Resubscribe(t.Context()) {
		t.Error("expected resubscribe of a stopped tracker to return false")
	}
	env.tracker.StartTracking(t.Context())
	if !env.tracker.Resubscribe(t.Context()) {
		t.Fatal("expected resubscribe to succeed")
	}
	watches, cancels, _ := env.source.counts()
	if watches != 2 || cancels != 1 {
		t.Errorf("expected 2 watches and 1 cancel, got %d and %d", watches, cancels)
	}
	env.settle()
	if _, statuses := env.remote.pushed(); len(statuses) != 0 {
		t.Errorf("expected no status push, got %d", len(statuses))
	}
}

func TestTracker_Close(t *testing.T) {
	env := newTestEnv(t)
	env.tracker.StartTracking(t.Context())
	env.source.emit(0, 0)
	env.tracker.Close(t.Context())

	if env.tracker.State() != StateStopped {
		t.Error("expected tracker to be stopped")
	}
	if got := env.tracker.History(0); len(got) != 0 {
		t.Errorf("expected history to be cleared, got %d samples", len(got))
	}
	_, statuses := env.remote.pushed()
	if len(statuses) != 1 {
		t.Errorf("expected offline status to be pushed before close returned, got %d", len(statuses))
	}
}

func TestTracker_RemoveGeofence(t *testing.T) {
	env := newTestEnv(t)
	if env.tracker.RemoveGeofence(t.Context(), "unknown") {
		t.Error("expected removal of unknown geofence to return false")
	}
	id, err := env.tracker.AddGeofence(t.Context(), geofence.Spec{Name: "home", RadiusMeters: 10})
	if err != nil {
		t.Fatalf("failed to add geofence: %s", err)
	}
	if !env.tracker.RemoveGeofence(t.Context(), id) {
		t.Error("expected removal to succeed")
	}
	if len(env.tracker.Geofences()) != 0 {
		t.Error("expected no geofences")
	}
}
