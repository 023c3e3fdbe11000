// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package gpspoll

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/wneessen/geotrack/internal/location"
)

const (
	fallbackAccuracy3DFix = 10  // ~10 m typical consumer GPS in open sky
	fallbackAccuracy2DFix = 25  // worse than 3D, but still accurate enough
	fallbackAccuracyNoFix = 1e6 // effectively unusable
	watchTimeout          = time.Second * 2
)

var ErrNoTPV = errors.New("no TPV response received from GPSd")

// Client is a minimal GPSd client that reads a single fix per connection.
type Client struct {
	Addr string
}

// Fix represents a single GPS fix from gpsd.
type Fix struct {
	Lat   float64
	Lon   float64
	Alt   float64
	Acc   float64
	Speed float64
	Track float64
	Time  time.Time
	Mode  int
}

// tpvResponse matches the subset of gpsd's TPV report we care about.
type tpvResponse struct {
	Class string    `json:"class"`
	Time  time.Time `json:"time"`
	Lat   float64   `json:"lat"`
	Lon   float64   `json:"lon"`
	Alt   float64   `json:"alt"`
	Speed float64   `json:"speed"`
	Track float64   `json:"track"`
	Mode  int       `json:"mode"`
	Epx   float64   `json:"epx"`
	Epy   float64   `json:"epy"`
	Eph   float64   `json:"eph"`
}

// New constructs a new Client for the given host and port.
func New(host, port string) *Client {
	return &Client{
		Addr: net.JoinHostPort(host, port),
	}
}

// Ping checks that gpsd accepts connections.
func (c *Client) Ping(ctx context.Context) error {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("gpspoll: dial gpsd: %w", err)
	}
	return conn.Close()
}

// Poll connects to gpsd, enables watch mode, and returns the first TPV report it receives.
// The connection is closed before returning.
func (c *Client) Poll(ctx context.Context) (Fix, error) {
	var zero Fix

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return zero, fmt.Errorf("gpspoll: dial gpsd: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	// Respect context deadline if present, otherwise we add a safety net so we don't hang
	// forever if ctx has no deadline.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(watchTimeout))
	}

	if _, err = fmt.Fprint(conn, `?WATCH={"enable":true,"json":true}`+"\n"); err != nil {
		return zero, fmt.Errorf("gpspoll: write WATCH: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var resp tpvResponse

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		if err = json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}
		if resp.Class != "TPV" {
			continue
		}

		return Fix{
			Lat:   resp.Lat,
			Lon:   resp.Lon,
			Alt:   resp.Alt,
			Acc:   horizontalAccuracyMeters(resp),
			Speed: resp.Speed,
			Track: resp.Track,
			Time:  resp.Time,
			Mode:  resp.Mode,
		}, nil
	}

	if err = scanner.Err(); err != nil {
		return zero, fmt.Errorf("failed to scan GPSd response: %w", err)
	}

	return zero, ErrNoTPV
}

// Locate polls a single fix and converts it into a location sample. Reports without at
// least a 2D fix yield location.ErrNoFix.
func (c *Client) Locate(ctx context.Context) (location.Sample, error) {
	fix, err := c.Poll(ctx)
	if err != nil {
		return location.Sample{}, err
	}
	if !fix.Has2DFix() {
		return location.Sample{}, location.ErrNoFix
	}
	return fix.Sample(time.Now()), nil
}

// RequestPermission reports location.ErrPermissionDenied if gpsd does not accept connections.
func (c *Client) RequestPermission(ctx context.Context) error {
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("%w: gpsd unreachable: %w", location.ErrPermissionDenied, err)
	}
	return nil
}

// Has2DFix reports whether the fix has at least a 2D fix.
func (f Fix) Has2DFix() bool {
	return f.Mode >= 2
}

// Sample converts the fix into a location sample. Fixes without a timestamp are stamped
// with fallback.
func (f Fix) Sample(fallback time.Time) location.Sample {
	at := f.Time
	if at.IsZero() {
		at = fallback
	}
	sample := location.New(f.Lat, f.Lon, at)
	sample.Accuracy = location.Float(f.Acc)
	sample.Speed = location.Float(f.Speed)
	sample.Heading = location.Float(f.Track)
	if f.Mode >= 3 {
		sample.Altitude = location.Float(f.Alt)
	}
	return sample
}

func horizontalAccuracyMeters(tpv tpvResponse) float64 {
	return HorizontalAccuracy(tpv.Mode, tpv.Eph, tpv.Epx, tpv.Epy)
}

// HorizontalAccuracy estimates the horizontal error in meters of a TPV report. It prefers
// eph, then the combined epx/epy, and falls back to typical values for the fix mode.
func HorizontalAccuracy(mode int, eph, epx, epy float64) float64 {
	switch {
	case eph > 0:
		return eph
	case epx > 0 && epy > 0:
		// sqrt(epx² + epy²)
		return math.Hypot(epx, epy)
	default:
		return horizontalAccuracyFallback(mode)
	}
}

func horizontalAccuracyFallback(mode int) float64 {
	switch mode {
	case 3:
		return fallbackAccuracy3DFix
	case 2:
		return fallbackAccuracy2DFix
	default:
		return fallbackAccuracyNoFix
	}
}
