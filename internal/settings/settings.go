// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package settings holds the tracking parameters of a session and keeps them in the
// persistent store.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/wneessen/geotrack/internal/logger"
	"github.com/wneessen/geotrack/internal/store"
)

const StoreKey = "tracking_settings"

const (
	DefaultUpdateIntervalMs    = 10000
	DefaultSignificantChange   = 10.0
	DefaultBatteryOptimization = true
	DefaultMaxHistoryItems     = 100
)

var ErrInvalidSettings = errors.New("invalid tracking settings")

// TrackingSettings are the sampling parameters of the tracker.
type TrackingSettings struct {
	UpdateIntervalMs                 uint32  `json:"updateInterval" validate:"gt=0"`
	SignificantChangeThresholdMeters float64 `json:"significantChangeThreshold" validate:"gte=0"`
	BatteryOptimizationEnabled       bool    `json:"batteryOptimizationEnabled"`
	MaxHistoryItems                  uint32  `json:"maxHistoryItems" validate:"gt=0"`
}

// Patch is a partial update of TrackingSettings. Nil fields are left untouched.
type Patch struct {
	UpdateIntervalMs                 *uint32  `json:"updateInterval,omitempty" validate:"omitnil,gt=0"`
	SignificantChangeThresholdMeters *float64 `json:"significantChangeThreshold,omitempty" validate:"omitnil,gte=0"`
	BatteryOptimizationEnabled       *bool    `json:"batteryOptimizationEnabled,omitempty"`
	MaxHistoryItems                  *uint32  `json:"maxHistoryItems,omitempty" validate:"omitnil,gt=0"`
}

// Defaults returns the settings used when nothing valid has been persisted.
func Defaults() TrackingSettings {
	return TrackingSettings{
		UpdateIntervalMs:                 DefaultUpdateIntervalMs,
		SignificantChangeThresholdMeters: DefaultSignificantChange,
		BatteryOptimizationEnabled:       DefaultBatteryOptimization,
		MaxHistoryItems:                  DefaultMaxHistoryItems,
	}
}

// UpdateInterval returns the update interval as time.Duration.
func (s TrackingSettings) UpdateInterval() time.Duration {
	return time.Duration(s.UpdateIntervalMs) * time.Millisecond
}

// Apply returns a copy of s with all non-nil fields of the patch merged in.
func (s TrackingSettings) Apply(p Patch) TrackingSettings {
	if p.UpdateIntervalMs != nil {
		s.UpdateIntervalMs = *p.UpdateIntervalMs
	}
	if p.SignificantChangeThresholdMeters != nil {
		s.SignificantChangeThresholdMeters = *p.SignificantChangeThresholdMeters
	}
	if p.BatteryOptimizationEnabled != nil {
		s.BatteryOptimizationEnabled = *p.BatteryOptimizationEnabled
	}
	if p.MaxHistoryItems != nil {
		s.MaxHistoryItems = *p.MaxHistoryItems
	}
	return s
}

// Empty reports whether the patch carries no fields.
func (p Patch) Empty() bool {
	return p.UpdateIntervalMs == nil && p.SignificantChangeThresholdMeters == nil &&
		p.BatteryOptimizationEnabled == nil && p.MaxHistoryItems == nil
}

// Store holds the current TrackingSettings of a session.
type Store struct {
	mu       sync.RWMutex
	writeMu  sync.Mutex
	current  TrackingSettings
	backend  store.Store
	logger   *logger.Logger
	validate *validator.Validate
}

// NewStore returns a Store holding the default settings.
func NewStore(backend store.Store, log *logger.Logger) *Store {
	return &Store{
		current:  Defaults(),
		backend:  backend,
		logger:   log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Load reads the persisted settings. Missing, corrupt or invalid data falls back to the
// defaults; Load never fails.
func (s *Store) Load(ctx context.Context) {
	loaded := Defaults()
	defer func() {
		s.mu.Lock()
		s.current = loaded
		s.mu.Unlock()
	}()

	data, err := s.backend.Get(ctx, StoreKey)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("no persisted tracking settings, using defaults")
		return
	}
	if err != nil {
		s.logger.Error("failed to read tracking settings, using defaults", logger.Err(err))
		return
	}

	candidate := Defaults()
	if err = json.Unmarshal(data, &candidate); err != nil {
		s.logger.Error("failed to decode tracking settings, using defaults", logger.Err(err))
		return
	}
	if err = s.validate.Struct(candidate); err != nil {
		s.logger.Error("persisted tracking settings are invalid, using defaults", logger.Err(err))
		return
	}
	loaded = candidate
}

// Get returns a copy of the current settings.
func (s *Store) Get() TrackingSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update validates the patch and merges it into the current settings. If any field is invalid
// the whole patch is rejected and an error wrapping ErrInvalidSettings is returned. The merged
// settings are persisted; persistence failures are logged only.
func (s *Store) Update(ctx context.Context, patch Patch) (TrackingSettings, error) {
	if err := s.validate.Struct(patch); err != nil {
		return s.Get(), fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}

	s.mu.Lock()
	merged := s.current.Apply(patch)
	if err := s.validate.Struct(merged); err != nil {
		current := s.current
		s.mu.Unlock()
		return current, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	s.current = merged
	s.mu.Unlock()

	s.persist(ctx)
	return merged, nil
}

// persist writes the latest settings, so concurrent updates can never leave an older
// snapshot behind in the backend.
func (s *Store) persist(ctx context.Context) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	settings := s.Get()
	data, err := json.Marshal(settings)
	if err != nil {
		s.logger.Error("failed to encode tracking settings", logger.Err(err))
		return
	}
	if err = s.backend.Set(ctx, StoreKey, data); err != nil {
		s.logger.Error("failed to persist tracking settings", logger.Err(err))
		return
	}
	s.logger.Debug("tracking settings persisted", slog.Any("settings", settings))
}
