// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package config

import (
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	const (
		expectLogLevel      = slog.LevelInfo
		expectSource        = SourceGPSD
		expectHost          = "localhost"
		expectPort          = "2947"
		expectBackend       = BackendFile
		expectRemoteTimeout = time.Second * 10
		expectListen        = "127.0.0.1:8787"
	)
	t.Run("new config with all defaults set", func(t *testing.T) {
		conf, err := New()
		if err != nil {
			t.Fatalf("failed to load config: %s", err)
		}
		if conf.LogLevel != expectLogLevel {
			t.Errorf("expected log level to be: %s, got %s", expectLogLevel, conf.LogLevel)
		}
		if conf.Position.Source != expectSource {
			t.Errorf("expected position source to be: %s, got %s", expectSource, conf.Position.Source)
		}
		if conf.Position.Host != expectHost {
			t.Errorf("expected position host to be: %s, got %s", expectHost, conf.Position.Host)
		}
		if conf.Position.Port != expectPort {
			t.Errorf("expected position port to be: %s, got %s", expectPort, conf.Position.Port)
		}
		if conf.Store.Backend != expectBackend {
			t.Errorf("expected store backend to be: %s, got %s", expectBackend, conf.Store.Backend)
		}
		if !strings.HasSuffix(conf.Store.Dir, filepath.Join(".config", "geotrack", "state")) {
			t.Errorf("expected default store dir, got %s", conf.Store.Dir)
		}
		if conf.Remote.Timeout != expectRemoteTimeout {
			t.Errorf("expected remote timeout to be: %s, got %s", expectRemoteTimeout, conf.Remote.Timeout)
		}
		if conf.API.Listen != expectListen {
			t.Errorf("expected API listen address to be: %s, got %s", expectListen, conf.API.Listen)
		}
		if conf.Session.Agent == "" {
			t.Error("expected session agent to default to the hostname")
		}
		if conf.Session.Heartbeat != time.Minute*5 {
			t.Errorf("expected heartbeat to be: 5m, got %s", conf.Session.Heartbeat)
		}
	})
	t.Run("values from env override defaults", func(t *testing.T) {
		t.Setenv("GEOTRACK_POSITION_SOURCE", "GeoIP")
		t.Setenv("GEOTRACK_STORE_BACKEND", "memory")
		t.Setenv("GEOTRACK_SESSION_AGENT", "courier-1")
		t.Setenv("GEOTRACK_REMOTE_ENDPOINT", "https://collector.example.com")
		conf, err := New()
		if err != nil {
			t.Fatalf("failed to load config: %s", err)
		}
		if conf.Position.Source != SourceGeoIP {
			t.Errorf("expected position source to be: %s, got %s", SourceGeoIP, conf.Position.Source)
		}
		if conf.Store.Backend != BackendMemory {
			t.Errorf("expected store backend to be: %s, got %s", BackendMemory, conf.Store.Backend)
		}
		if conf.Session.Agent != "courier-1" {
			t.Errorf("expected session agent to be: courier-1, got %s", conf.Session.Agent)
		}
		if conf.Remote.Endpoint != "https://collector.example.com" {
			t.Errorf("unexpected remote endpoint: %s", conf.Remote.Endpoint)
		}
	})
	t.Run("file source defaults its path", func(t *testing.T) {
		t.Setenv("GEOTRACK_POSITION_SOURCE", "file")
		conf, err := New()
		if err != nil {
			t.Fatalf("failed to load config: %s", err)
		}
		if !strings.HasSuffix(conf.Position.File, filepath.Join("geotrack", "geolocation")) {
			t.Errorf("expected default geolocation file, got %s", conf.Position.File)
		}
	})
	t.Run("new config with invalid values from env", func(t *testing.T) {
		tests := []struct {
			name  string
			env   string
			value string
		}{
			{"log level", "GEOTRACK_LOGLEVEL", "invalid"},
			{"position source", "GEOTRACK_POSITION_SOURCE", "invalid"},
			{"store backend", "GEOTRACK_STORE_BACKEND", "invalid"},
			{"remote endpoint", "GEOTRACK_REMOTE_ENDPOINT", "ftp://example.com"},
			{"remote timeout", "GEOTRACK_REMOTE_TIMEOUT", "-1s"},
			{"heartbeat", "GEOTRACK_SESSION_HEARTBEAT", "10ms"},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				t.Setenv(tc.env, tc.value)
				if _, err := New(); err == nil {
					t.Error("expected config to fail, but didn't")
				}
			})
		}
	})
}

func TestNewFromFile(t *testing.T) {
	t.Run("reading config from valid file succeeds", func(t *testing.T) {
		conf, err := NewFromFile("../../etc", "geotrack.toml")
		if err != nil {
			t.Fatalf("failed to load config: %s", err)
		}
		if conf.Store.Backend != BackendMemory {
			t.Errorf("expected store backend to be: %s, got %s", BackendMemory, conf.Store.Backend)
		}
		if conf.Remote.Timeout != time.Second*5 {
			t.Errorf("expected remote timeout to be: 5s, got %s", conf.Remote.Timeout)
		}
		if conf.Session.Agent != "courier-17" {
			t.Errorf("expected session agent to be: courier-17, got %s", conf.Session.Agent)
		}
		if len(conf.Geofences) != 2 {
			t.Fatalf("expected 2 geofences, got %d", len(conf.Geofences))
		}
		depot := conf.Geofences[0]
		if depot.Name != "Depot" || depot.Radius != 150 || !depot.NotifyOnEntry || !depot.NotifyOnExit {
			t.Errorf("unexpected geofence: %+v", depot)
		}
		if conf.Geofences[1].NotifyOnExit {
			t.Error("expected second geofence to not notify on exit")
		}
	})
	t.Run("reading config from non-existent file fails", func(t *testing.T) {
		_, err := NewFromFile("../../etc", "non-existent.toml")
		if err == nil {
			t.Error("expected config to fail, but didn't")
		}
	})
	t.Run("reading invalid config file fails", func(t *testing.T) {
		_, err := NewFromFile("../../testdata", "invalid.toml")
		if err == nil {
			t.Error("expected config to fail, but didn't")
		}
	})
}

func TestGeofence_validate(t *testing.T) {
	valid := Geofence{Name: "Home", Latitude: 51, Longitude: 7, Radius: 100}
	if err := valid.validate(); err != nil {
		t.Errorf("expected geofence to be valid, got %s", err)
	}

	tests := []struct {
		name   string
		modify func(*Geofence)
	}{
		{"empty name", func(g *Geofence) { g.Name = " " }},
		{"latitude", func(g *Geofence) { g.Latitude = 90.5 }},
		{"longitude", func(g *Geofence) { g.Longitude = -181 }},
		{"radius", func(g *Geofence) { g.Radius = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fence := valid
			tc.modify(&fence)
			if err := fence.validate(); err == nil {
				t.Error("expected geofence to be invalid")
			}
		})
	}
}
