// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package file reads a fixed position from a local file.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wneessen/geotrack/internal/geo"
	"github.com/wneessen/geotrack/internal/location"
)

// Accuracy is reported for positions read from a file.
const Accuracy = 5

const name = "file"

var ErrNoCoordinates = errors.New("no valid coordinates found in geolocation file")

// Locator reads "lat,lon" from the first valid line of a file. Lines starting with # are
// ignored. The file is re-read on every lookup.
type Locator struct {
	path string
	now  func() time.Time
}

func New(path string) *Locator {
	return &Locator{
		path: path,
		now:  time.Now,
	}
}

func (l *Locator) Name() string {
	return name
}

func (l *Locator) Locate(ctx context.Context) (location.Sample, error) {
	if err := ctx.Err(); err != nil {
		return location.Sample{}, err
	}
	lat, lon, err := l.readFile()
	if err != nil {
		return location.Sample{}, err
	}
	sample := location.New(lat, lon, l.now())
	sample.Accuracy = location.Float(Accuracy)
	return sample, nil
}

func (l *Locator) readFile() (lat, lon float64, err error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read geolocation file %q: %w", l.path, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			continue
		}
		coords := strings.Split(line, ",")
		if len(coords) != 2 {
			continue
		}
		lat, err = strconv.ParseFloat(strings.TrimSpace(coords[0]), 64)
		if err != nil {
			continue
		}
		lon, err = strconv.ParseFloat(strings.TrimSpace(coords[1]), 64)
		if err != nil {
			continue
		}
		if !(geo.Coordinate{Lat: lat, Lon: lon}).Valid() {
			continue
		}
		return lat, lon, nil
	}
	return 0, 0, ErrNoCoordinates
}
