// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package ichnaea locates the device through an Ichnaea compatible geolocation API, using
// nearby WiFi access points when the system exposes them.
package ichnaea

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mdlayher/wifi"

	"github.com/wneessen/geotrack/internal/http"
	"github.com/wneessen/geotrack/internal/location"
	"github.com/wneessen/geotrack/internal/logger"
)

const (
	DefaultEndpoint = "https://api.beacondb.net/v1/geolocate"

	lookupTimeout = time.Second * 5
	wifiScanTime  = time.Minute * 2
	name          = "ichnaea"
)

type Locator struct {
	endpoint string
	http     *http.Client
	logger   *logger.Logger
	scanFn   func() ([]WirelessNetwork, error)
	now      func() time.Time

	apLock  sync.Mutex
	aps     []WirelessNetwork
	apsAt   time.Time
	scanned bool
}

type APIResult struct {
	Location struct {
		Latitude  float64 `json:"lat"`
		Longitude float64 `json:"lng"`
	} `json:"location"`
	Accuracy float64 `json:"accuracy"`
}

type WirelessNetwork struct {
	LastSeen       int64  `json:"age"`
	MACAddress     string `json:"macAddress"`
	SignalStrength int32  `json:"signalStrength"`
}

// New returns a Locator querying endpoint, or DefaultEndpoint if empty. Without WiFi support
// the lookup relies on the public IP address only.
func New(client *http.Client, endpoint string, log *logger.Logger) (*Locator, error) {
	if client == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	locator := &Locator{
		endpoint: endpoint,
		http:     client,
		logger:   log,
		now:      time.Now,
		scanFn:   func() ([]WirelessNetwork, error) { return nil, nil },
	}

	wlan, err := wifi.New()
	if err != nil {
		log.Warn("WiFi scanning unavailable, falling back to IP based lookups", logger.Err(err))
		return locator, nil
	}
	locator.scanFn = func() ([]WirelessNetwork, error) {
		return wifiAccessPoints(wlan)
	}
	return locator, nil
}

func (l *Locator) Name() string {
	return name
}

// Locate asks the geolocation API for the current position.
func (l *Locator) Locate(ctx context.Context) (location.Sample, error) {
	type request struct {
		ConsiderIP   bool              `json:"considerIp"`
		Accesspoints []WirelessNetwork `json:"wifiAccessPoints,omitempty"`
	}
	req := request{
		ConsiderIP:   true,
		Accesspoints: l.accessPoints(),
	}

	result := new(APIResult)
	if _, err := l.http.PostJSON(ctx, l.endpoint, req, result, nil, lookupTimeout); err != nil {
		return location.Sample{}, fmt.Errorf("failed to get geolocation data from API: %w", err)
	}

	sample := location.New(result.Location.Latitude, result.Location.Longitude, l.now())
	if !sample.Coordinate().Valid() {
		return location.Sample{}, fmt.Errorf("%w: %f, %f", location.ErrInvalidPosition,
			result.Location.Latitude, result.Location.Longitude)
	}
	if result.Accuracy > 0 {
		sample.Accuracy = location.Float(result.Accuracy)
	}
	return sample, nil
}

// accessPoints returns the cached access point list, rescanning once it is older than
// wifiScanTime.
func (l *Locator) accessPoints() []WirelessNetwork {
	l.apLock.Lock()
	defer l.apLock.Unlock()

	if l.scanned && l.now().Sub(l.apsAt) < wifiScanTime {
		return l.aps
	}
	list, err := l.scanFn()
	if err != nil {
		l.logger.Debug("failed to scan WiFi access points", logger.Err(err))
		return l.aps
	}
	l.aps, l.apsAt, l.scanned = list, l.now(), true
	l.logger.Debug("scanned WiFi access points", slog.Int("count", len(list)))
	return l.aps
}

func wifiAccessPoints(wlan *wifi.Client) ([]WirelessNetwork, error) {
	var checkIfaces []*wifi.Interface
	var list []WirelessNetwork

	ifaces, err := wlan.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Type != wifi.InterfaceTypeStation {
			continue
		}
		checkIfaces = append(checkIfaces, iface)
	}
	if len(checkIfaces) == 0 {
		return nil, nil
	}

	for _, iface := range checkIfaces {
		aps, err := wlan.AccessPoints(iface)
		if err != nil {
			continue
		}
		for _, ap := range aps {
			// Networks opting out of location services carry the _nomap suffix.
			if ap.SSID == "" || ap.SSID[0] == '\x00' || strings.HasSuffix(ap.SSID, "_nomap") {
				continue
			}
			list = append(list, WirelessNetwork{
				SignalStrength: ap.Signal / 100,
				MACAddress:     ap.BSSID.String(),
				LastSeen:       ap.LastSeen.Milliseconds(),
			})
		}
	}

	return list, nil
}
