// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/kkyr/fig"
)

const (
	configEnv = "GEOTRACK"

	SourceGPSD    = "gpsd"
	SourceGPSPoll = "gpspoll"
	SourceICHNAEA = "ichnaea"
	SourceGeoIP   = "geoip"
	SourceFile    = "file"

	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

var (
	sources  = []string{SourceGPSD, SourceGPSPoll, SourceICHNAEA, SourceGeoIP, SourceFile}
	backends = []string{BackendMemory, BackendFile, BackendRedis}
)

// Config represents the application's configuration structure.
type Config struct {
	LogLevel slog.Level `fig:"loglevel" default:"0"`

	Position struct {
		// Allowed values: gpsd, gpspoll, ichnaea, geoip, file
		Source string `fig:"source" default:"gpsd"`
		Host   string `fig:"host" default:"localhost"`
		Port   string `fig:"port" default:"2947"`
		// File is read by the file source, "lat,lon" on the first non-comment line.
		File string `fig:"file"`
		// Endpoint overrides the Ichnaea compatible geolocation API.
		Endpoint string `fig:"endpoint"`
	} `fig:"position"`

	Store struct {
		// Allowed values: memory, file, redis
		Backend  string `fig:"backend" default:"file"`
		Dir      string `fig:"dir"`
		RedisURL string `fig:"redis_url" default:"redis://localhost:6379/0"`
		Prefix   string `fig:"prefix" default:"geotrack"`
	} `fig:"store"`

	Remote struct {
		Endpoint string        `fig:"endpoint"`
		Token    string        `fig:"token"`
		Timeout  time.Duration `fig:"timeout" default:"10s"`
	} `fig:"remote"`

	API struct {
		Listen  string `fig:"listen" default:"127.0.0.1:8787"`
		Disable bool   `fig:"disable"`
	} `fig:"api"`

	Session struct {
		// Agent identifies the tracked agent. It namespaces stored state and is sent to the
		// remote collector. Defaults to the hostname.
		Agent string `fig:"agent"`
		// DisableAutostart keeps tracking stopped until it is started through the API.
		DisableAutostart bool `fig:"disable_autostart"`
		// Heartbeat re-sends the current status to the remote collector while tracking.
		Heartbeat        time.Duration `fig:"heartbeat" default:"5m"`
		DisableHeartbeat bool          `fig:"disable_heartbeat"`
	} `fig:"session"`

	// Geofences are added to the registry on start if it holds no geofences yet.
	Geofences []Geofence `fig:"geofences"`
}

// Geofence is a geofence seeded from the configuration.
type Geofence struct {
	Name          string  `fig:"name"`
	Latitude      float64 `fig:"latitude"`
	Longitude     float64 `fig:"longitude"`
	Radius        float64 `fig:"radius"`
	NotifyOnEntry bool    `fig:"notify_on_entry"`
	NotifyOnExit  bool    `fig:"notify_on_exit"`
}

func NewFromFile(path, file string) (*Config, error) {
	conf := new(Config)
	_, err := os.Stat(filepath.Join(path, file))
	if err != nil {
		return conf, fmt.Errorf("failed to read Config: %w", err)
	}
	if err = fig.Load(conf, fig.Dirs(path), fig.File(file), fig.UseEnv(configEnv)); err != nil {
		return conf, fmt.Errorf("failed to load Config: %w", err)
	}

	return conf, conf.Validate()
}

func New() (*Config, error) {
	conf := new(Config)
	if err := fig.Load(conf, fig.AllowNoFile(), fig.UseEnv(configEnv)); err != nil {
		return conf, fmt.Errorf("failed to load Config: %w", err)
	}

	return conf, conf.Validate()
}

func (c *Config) Validate() error {
	c.Position.Source = strings.ToLower(c.Position.Source)
	if !slices.Contains(sources, c.Position.Source) {
		return fmt.Errorf("invalid position source: %s", c.Position.Source)
	}
	if c.Position.Source == SourceFile && c.Position.File == "" {
		c.Position.File = filepath.Join(configDir(), "geolocation")
	}

	c.Store.Backend = strings.ToLower(c.Store.Backend)
	if !slices.Contains(backends, c.Store.Backend) {
		return fmt.Errorf("invalid store backend: %s", c.Store.Backend)
	}
	if c.Store.Backend == BackendFile && c.Store.Dir == "" {
		c.Store.Dir = filepath.Join(configDir(), "state")
	}
	if c.Store.Backend == BackendRedis && c.Store.RedisURL == "" {
		return fmt.Errorf("redis store requires a redis_url")
	}

	if c.Remote.Endpoint != "" && !strings.HasPrefix(c.Remote.Endpoint, "http://") &&
		!strings.HasPrefix(c.Remote.Endpoint, "https://") {
		return fmt.Errorf("invalid remote endpoint: %s", c.Remote.Endpoint)
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("invalid remote timeout: %s", c.Remote.Timeout)
	}

	if c.Session.Heartbeat < time.Second {
		return fmt.Errorf("invalid heartbeat interval: %s", c.Session.Heartbeat)
	}
	if c.Session.Agent == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "default"
		}
		c.Session.Agent = host
	}

	for i, fence := range c.Geofences {
		if err := fence.validate(); err != nil {
			return fmt.Errorf("invalid geofence #%d: %w", i+1, err)
		}
	}

	return nil
}

func (g Geofence) validate() error {
	switch {
	case strings.TrimSpace(g.Name) == "":
		return fmt.Errorf("name is required")
	case g.Latitude < -90 || g.Latitude > 90:
		return fmt.Errorf("latitude out of range: %f", g.Latitude)
	case g.Longitude < -180 || g.Longitude > 180:
		return fmt.Errorf("longitude out of range: %f", g.Longitude)
	case g.Radius <= 0:
		return fmt.Errorf("radius must be positive: %f", g.Radius)
	}
	return nil
}

func configDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "geotrack")
}
