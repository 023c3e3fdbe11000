// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package geofence keeps the circular regions of a tracking session and detects when the
// tracked agent enters or leaves them.
package geofence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/wneessen/geotrack/internal/logger"
	"github.com/wneessen/geotrack/internal/store"
)

const StoreKey = "geofences"

var ErrInvalidGeofence = errors.New("invalid geofence")

// Spec describes a geofence before it is registered and assigned an ID.
type Spec struct {
	Name          string  `json:"name" validate:"required"`
	Latitude      float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude     float64 `json:"longitude" validate:"gte=-180,lte=180"`
	RadiusMeters  float64 `json:"radius" validate:"gt=0"`
	NotifyOnEntry bool    `json:"notifyOnEntry"`
	NotifyOnExit  bool    `json:"notifyOnExit"`
}

// Geofence is a registered circular region.
type Geofence struct {
	ID string `json:"id"`
	Spec
}

// Registry holds the geofences of a session together with the membership of the tracked
// agent in each of them. Membership is only read and written by the Engine.
type Registry struct {
	mu         sync.RWMutex
	writeMu    sync.Mutex
	fences     map[string]Geofence
	order      []string
	membership map[string]bool
	backend    store.Store
	logger     *logger.Logger
	validate   *validator.Validate
}

// NewRegistry returns an empty Registry persisting into backend.
func NewRegistry(backend store.Store, log *logger.Logger) *Registry {
	return &Registry{
		fences:     make(map[string]Geofence),
		membership: make(map[string]bool),
		backend:    backend,
		logger:     log,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Load replaces the registry content with the persisted geofences. Missing or corrupt data
// leaves the registry empty. All memberships start as outside.
func (r *Registry) Load(ctx context.Context) {
	var fences []Geofence
	data, err := r.backend.Get(ctx, StoreKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		r.logger.Debug("no persisted geofences")
	case err != nil:
		r.logger.Error("failed to read geofences", logger.Err(err))
	default:
		if err = json.Unmarshal(data, &fences); err != nil {
			r.logger.Error("failed to decode geofences", logger.Err(err))
			fences = nil
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.fences = make(map[string]Geofence, len(fences))
	r.membership = make(map[string]bool, len(fences))
	r.order = r.order[:0]
	for _, fence := range fences {
		if _, dup := r.fences[fence.ID]; dup || fence.ID == "" {
			continue
		}
		if err = r.validate.Struct(fence.Spec); err != nil {
			r.logger.Error("skipping invalid persisted geofence", slog.String("id", fence.ID), logger.Err(err))
			continue
		}
		r.fences[fence.ID] = fence
		r.order = append(r.order, fence.ID)
		r.membership[fence.ID] = false
	}
	r.logger.Debug("geofences loaded", slog.Int("count", len(r.order)))
}

// Add validates and registers a geofence and returns its newly assigned ID.
func (r *Registry) Add(ctx context.Context, spec Spec) (string, error) {
	if err := r.validate.Struct(spec); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidGeofence, err)
	}
	id := uuid.NewString()

	r.mu.Lock()
	r.fences[id] = Geofence{ID: id, Spec: spec}
	r.order = append(r.order, id)
	r.membership[id] = false
	r.mu.Unlock()

	r.persist(ctx)
	return id, nil
}

// Remove deletes the geofence with the given ID. It returns false if the ID is unknown.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	r.mu.Lock()
	if _, ok := r.fences[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.fences, id)
	delete(r.membership, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.persist(ctx)
	return true
}

// Get returns the geofence with the given ID.
func (r *Registry) Get(id string) (Geofence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fence, ok := r.fences[id]
	return fence, ok
}

// List returns all geofences in the order they were added.
func (r *Registry) List() []Geofence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.list()
}

// Len returns the number of registered geofences.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) list() []Geofence {
	out := make([]Geofence, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.fences[id])
	}
	return out
}

func (r *Registry) persist(ctx context.Context) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	data, err := json.Marshal(r.List())
	if err != nil {
		r.logger.Error("failed to encode geofences", logger.Err(err))
		return
	}
	if err = r.backend.Set(ctx, StoreKey, data); err != nil {
		r.logger.Error("failed to persist geofences", logger.Err(err))
	}
}
