// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package geoip locates the device by the geolocation of its public IP address.
package geoip

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/geotrack/internal/http"
	"github.com/wneessen/geotrack/internal/location"
)

const (
	APIEndpoint   = "https://reallyfreegeoip.org/json/"
	LookupTimeout = time.Second * 5

	name = "geoip"
)

// Accuracy estimates in meters for the granularity of a GeoIP result.
const (
	AccuracyCountry = 300000
	AccuracyRegion  = 100000
	AccuracyCity    = 15000
	AccuracyZip     = 3000
	AccuracyUnknown = 1000000
)

type Locator struct {
	endpoint string
	http     *http.Client
	now      func() time.Time
}

type APIResult struct {
	IP          string  `json:"ip"`
	CountryCode string  `json:"country_code"`
	Country     string  `json:"country_name"`
	RegionCode  string  `json:"region_code,omitempty"`
	Region      string  `json:"region_name,omitempty"`
	City        string  `json:"city,omitempty"`
	ZipCode     string  `json:"zip_code,omitempty"`
	TimeZone    string  `json:"time_zone"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	MetroCode   int     `json:"metro_code"`
}

func New(client *http.Client) *Locator {
	return &Locator{
		endpoint: APIEndpoint,
		http:     client,
		now:      time.Now,
	}
}

func (l *Locator) Name() string {
	return name
}

// Locate looks up the public IP address. The accuracy reflects the most specific field of
// the result.
func (l *Locator) Locate(ctx context.Context) (location.Sample, error) {
	ctxHttp, cancelHttp := context.WithTimeout(ctx, LookupTimeout)
	defer cancelHttp()

	result := new(APIResult)
	if _, err := l.http.Get(ctxHttp, l.endpoint, result, nil, nil); err != nil {
		return location.Sample{}, fmt.Errorf("failed to get geolocation data from API: %w", err)
	}

	sample := location.New(result.Latitude, result.Longitude, l.now())
	if !sample.Coordinate().Valid() {
		return location.Sample{}, fmt.Errorf("%w: %f, %f", location.ErrInvalidPosition, result.Latitude, result.Longitude)
	}
	sample.Accuracy = location.Float(accuracy(result))
	return sample, nil
}

func accuracy(result *APIResult) float64 {
	switch {
	case result.ZipCode != "":
		return AccuracyZip
	case result.City != "":
		return AccuracyCity
	case result.RegionCode != "":
		return AccuracyRegion
	case result.CountryCode != "":
		return AccuracyCountry
	default:
		return AccuracyUnknown
	}
}
