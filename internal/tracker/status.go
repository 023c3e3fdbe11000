// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package tracker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wneessen/geotrack/internal/geofence"
	"github.com/wneessen/geotrack/internal/location"
)

// UpdateStatus propagates a presence status, independent of movement. With a known position
// the last accepted sample is re-sent with the new status. Without one, a single fix is
// requested from the position source and becomes the first accepted sample of the session.
// The call only fails if no fix can be obtained; it then has no side effects.
func (t *Tracker) UpdateStatus(ctx context.Context, status location.Status) error {
	t.mu.Lock()
	if t.last != nil {
		sample := t.last.WithStatus(status, t.now())
		t.last = &sample
		t.mu.Unlock()

		t.push("status", sample, t.remote.PushStatus)
		return nil
	}
	t.mu.Unlock()

	fix, err := t.source.GetOnce(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoLocation, err)
	}

	var events []geofence.Event
	t.mu.Lock()
	sample := t.tag(fix, status)
	if t.last != nil {
		// a fix was accepted while we were waiting; it is the more recent position
		sample = t.last.WithStatus(status, t.now())
		t.last = &sample
	} else {
		events = t.accept(sample)
	}
	t.mu.Unlock()

	t.logger.Debug("status sample created", slog.String("status", status.String()))
	t.push("status", sample, t.remote.PushStatus)
	t.deliver(events)
	return nil
}

func (t *Tracker) tag(fix location.Sample, status location.Status) location.Sample {
	if fix.Timestamp == 0 {
		return fix.WithStatus(status, t.now())
	}
	fix.Status = &status
	return fix
}
