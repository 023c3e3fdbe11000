// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package location

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/geotrack/internal/geo"
)

// Status is the presence status of the tracked agent.
type Status int

const (
	StatusAvailable Status = iota
	StatusBusy
	StatusOffline
)

var ErrUnknownStatus = errors.New("unknown presence status")

var statusNames = map[Status]string{
	StatusAvailable: "available",
	StatusBusy:      "busy",
	StatusOffline:   "offline",
}

// ParseStatus returns the Status for its wire name.
func ParseStatus(value string) (Status, error) {
	for status, name := range statusNames {
		if strings.EqualFold(value, name) {
			return status, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, value)
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, int(s))
	}
	return []byte(name), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	status, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// Sample is a single position reading of the tracked agent. Samples are values and are never
// modified after creation; WithStatus returns a modified copy.
type Sample struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	// Timestamp in milliseconds since the Unix epoch
	Timestamp int64   `json:"timestamp"`
	Status    *Status `json:"status,omitempty"`
}

// New returns a Sample at the given position, timestamped with at.
func New(lat, lon float64, at time.Time) Sample {
	return Sample{Latitude: lat, Longitude: lon, Timestamp: at.UnixMilli()}
}

// Float returns a pointer to v, for the optional fields of a Sample.
func Float(v float64) *float64 {
	return &v
}

// Coordinate returns the position of the sample.
func (s Sample) Coordinate() geo.Coordinate {
	return geo.Coordinate{Lat: s.Latitude, Lon: s.Longitude}
}

// DistanceTo returns the great-circle distance in meters between two samples.
func (s Sample) DistanceTo(other Sample) float64 {
	return s.Coordinate().DistanceTo(other.Coordinate())
}

// Time returns the sample timestamp as time.Time.
func (s Sample) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// WithStatus returns a copy of the sample carrying the given status and timestamp.
func (s Sample) WithStatus(status Status, at time.Time) Sample {
	s.Status = &status
	s.Timestamp = at.UnixMilli()
	return s
}

// HasStatus reports whether the sample carries a presence status.
func (s Sample) HasStatus() bool {
	return s.Status != nil
}
