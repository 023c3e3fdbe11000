// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package remote delivers location and status samples to a remote collector.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wneessen/geotrack/internal/http"
	"github.com/wneessen/geotrack/internal/location"
	"github.com/wneessen/geotrack/internal/logger"
)

const (
	DefaultTimeout = time.Second * 10

	pathLocations = "/locations"
	pathStatus    = "/status"
)

var ErrUnexpectedStatus = errors.New("unexpected HTTP status")

// Options configures a HTTPSyncer. An empty Token disables the Authorization header, an empty
// Agent the X-Agent-ID header. A non-positive Timeout selects DefaultTimeout.
type Options struct {
	Endpoint string
	Token    string
	Agent    string
	Timeout  time.Duration
}

// HTTPSyncer posts samples as JSON to {endpoint}/locations and {endpoint}/status.
type HTTPSyncer struct {
	endpoint string
	headers  map[string]string
	timeout  time.Duration
	http     *http.Client
	logger   *logger.Logger
}

func NewHTTPSyncer(client *http.Client, opts Options, log *logger.Logger) (*HTTPSyncer, error) {
	if client == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("remote endpoint is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	headers := make(map[string]string)
	if opts.Token != "" {
		headers["Authorization"] = "Bearer " + opts.Token
	}
	if opts.Agent != "" {
		headers["X-Agent-ID"] = opts.Agent
	}
	return &HTTPSyncer{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		headers:  headers,
		timeout:  opts.Timeout,
		http:     client,
		logger:   log,
	}, nil
}

// PushLocation uploads an accepted location sample.
func (s *HTTPSyncer) PushLocation(ctx context.Context, sample location.Sample) error {
	return s.post(ctx, pathLocations, sample)
}

// PushStatus uploads a status-tagged sample.
func (s *HTTPSyncer) PushStatus(ctx context.Context, sample location.Sample) error {
	return s.post(ctx, pathStatus, sample)
}

func (s *HTTPSyncer) post(ctx context.Context, path string, sample location.Sample) error {
	url := s.endpoint + path
	status, err := s.http.PostJSON(ctx, url, sample, nil, s.headers, s.timeout)
	if err != nil {
		return fmt.Errorf("failed to post sample to %s: %w", url, err)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("%w: %s returned %d", ErrUnexpectedStatus, url, status)
	}
	s.logger.Debug("sample delivered", slog.String("url", url), slog.Int("status", status))
	return nil
}

// Nop discards all samples.
type Nop struct{}

func (Nop) PushLocation(context.Context, location.Sample) error { return nil }

func (Nop) PushStatus(context.Context, location.Sample) error { return nil }
