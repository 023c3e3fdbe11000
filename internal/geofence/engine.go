// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geofence

import (
	"github.com/wneessen/geotrack/internal/geo"
	"github.com/wneessen/geotrack/internal/location"
)

// EventKind distinguishes entering from leaving a geofence.
type EventKind int

const (
	EventEntry EventKind = iota
	EventExit
)

func (k EventKind) String() string {
	if k == EventExit {
		return "exit"
	}
	return "entry"
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event reports a membership transition of the tracked agent for one geofence.
type Event struct {
	Kind           EventKind       `json:"kind"`
	GeofenceID     string          `json:"geofenceId"`
	GeofenceName   string          `json:"geofenceName"`
	DistanceMeters float64         `json:"distance"`
	Sample         location.Sample `json:"sample"`
}

// Engine evaluates samples against the geofences of a Registry.
type Engine struct {
	registry *Registry
}

// NewEngine returns an Engine for the given registry.
func NewEngine(registry *Registry) *Engine {
	return &Engine{registry: registry}
}

// Evaluate checks the sample against every registered geofence and returns the entry and exit
// events it causes. Events are edge-triggered: a geofence only produces an event when the agent
// crosses its border, and only if the geofence asks for that kind of notification. The stored
// membership is updated for every geofence, whether an event was emitted or not.
func (e *Engine) Evaluate(sample location.Sample) []Event {
	r := e.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []Event
	for _, id := range r.order {
		fence := r.fences[id]
		distance := sample.Coordinate().DistanceTo(geo.Coordinate{Lat: fence.Latitude, Lon: fence.Longitude})
		isInside := distance <= fence.RadiusMeters
		wasInside := r.membership[id]
		r.membership[id] = isInside

		if isInside == wasInside {
			continue
		}
		switch {
		case isInside && fence.NotifyOnEntry:
			events = append(events, newEvent(EventEntry, fence, sample, distance))
		case !isInside && fence.NotifyOnExit:
			events = append(events, newEvent(EventExit, fence, sample, distance))
		}
	}
	return events
}

// Inside reports the last evaluated membership for the geofence with the given ID.
func (e *Engine) Inside(id string) bool {
	e.registry.mu.RLock()
	defer e.registry.mu.RUnlock()
	return e.registry.membership[id]
}

func newEvent(kind EventKind, fence Geofence, sample location.Sample, distance float64) Event {
	return Event{
		Kind:           kind,
		GeofenceID:     fence.ID,
		GeofenceName:   fence.Name,
		DistanceMeters: distance,
		Sample:         sample,
	}
}
