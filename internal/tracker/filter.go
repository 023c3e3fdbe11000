// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package tracker

import (
	"github.com/wneessen/geotrack/internal/location"
)

// Accept reports whether candidate is a significant change relative to the last accepted
// sample. The first sample of a session (last == nil) is always accepted.
func Accept(last *location.Sample, candidate location.Sample, thresholdMeters float64) bool {
	if last == nil {
		return true
	}
	return last.DistanceTo(candidate) >= thresholdMeters
}
