// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package testhelper provides shared helpers for package tests.
package testhelper

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/wneessen/geotrack/internal/logger"
)

const (
	// TestOnlineAPIURL is a reachable endpoint used by integration tests.
	TestOnlineAPIURL = "https://httpbin.org/delay/2"

	envIntegration = "GEOTRACK_INTEGRATION_TESTS"
)

// MockRoundTripper is a http.RoundTripper that delegates to Fn.
type MockRoundTripper struct {
	Fn func(*http.Request) (*http.Response, error)
}

func (m MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.Fn(req)
}

// JSONResponse returns a http.Response with the given status and body.
func JSONResponse(status int, body string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     header,
	}
}

// PerformIntegrationTests skips the calling test unless integration tests are enabled.
func PerformIntegrationTests(t *testing.T) {
	t.Helper()
	if os.Getenv(envIntegration) == "" {
		t.Skipf("skipping integration test, set %s to enable", envIntegration)
	}
}

// Logger returns a logger that discards all output.
func Logger() *logger.Logger {
	return logger.NewLogger(slog.LevelDebug, io.Discard)
}
