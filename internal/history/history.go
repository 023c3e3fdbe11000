// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package history implements the bounded log of accepted location samples.
package history

import (
	"sync"

	"github.com/wneessen/geotrack/internal/location"
)

// DefaultQueryLimit is the number of samples returned when a query does not name a limit.
const DefaultQueryLimit = 50

// Log is a capped, insertion-ordered ring buffer of samples. When the cap is exceeded the oldest
// samples are evicted first. Storage grows with the samples held, not with the cap.
type Log struct {
	mu       sync.RWMutex
	buf      []location.Sample
	head     int // index of the oldest sample once buf is full
	capacity int
}

// New returns an empty Log that holds at most capacity samples. A capacity below 1 is raised to 1.
func New(capacity int) *Log {
	return &Log{capacity: max(capacity, 1)}
}

// Append inserts the sample at the tail, evicting the oldest sample when the log is full.
func (l *Log) Append(sample location.Sample) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buf) < l.capacity {
		l.buf = append(l.buf, sample)
		return
	}
	l.buf[l.head] = sample
	l.head = (l.head + 1) % len(l.buf)
}

// Query returns at most limit samples ordered newest-first. A limit below 1 selects
// DefaultQueryLimit.
func (l *Log) Query(limit int) []location.Sample {
	if limit < 1 {
		limit = DefaultQueryLimit
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	count := len(l.buf)
	n := min(limit, count)
	out := make([]location.Sample, 0, n)
	for i := count - 1; i >= count-n; i-- {
		out = append(out, l.buf[(l.head+i)%count])
	}
	return out
}

// Samples returns all samples in insertion order, oldest first.
func (l *Log) Samples() []location.Sample {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ordered()
}

func (l *Log) ordered() []location.Sample {
	out := make([]location.Sample, 0, len(l.buf))
	out = append(out, l.buf[l.head:]...)
	return append(out, l.buf[:l.head]...)
}

// Resize changes the capacity of the log, evicting the oldest samples that no longer fit.
func (l *Log) Resize(capacity int) {
	capacity = max(capacity, 1)

	l.mu.Lock()
	defer l.mu.Unlock()
	if capacity == l.capacity {
		return
	}
	samples := l.ordered()
	if len(samples) > capacity {
		samples = samples[len(samples)-capacity:]
	}
	l.buf, l.head, l.capacity = samples, 0, capacity
}

// Clear removes all samples.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf, l.head = nil, 0
}

// Len returns the number of stored samples.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buf)
}

// Cap returns the maximum number of samples the log holds.
func (l *Log) Cap() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.capacity
}
