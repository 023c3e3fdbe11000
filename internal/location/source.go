// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package location

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPermissionDenied = errors.New("location permission denied")
	ErrNoFix            = errors.New("no position fix available")
	ErrInvalidPosition  = errors.New("position out of coordinate range")
)

// Accuracy is the sampling profile requested from a position source.
type Accuracy int

const (
	// AccuracyBalanced trades positional accuracy and frequency for reduced power draw.
	AccuracyBalanced Accuracy = iota
	AccuracyHigh
)

func (a Accuracy) String() string {
	if a == AccuracyHigh {
		return "high"
	}
	return "balanced"
}

// WatchOptions parameterizes a position subscription.
type WatchOptions struct {
	Accuracy          Accuracy
	MinDistanceMeters float64
	MinInterval       time.Duration
}

// Subscription is the handle of an active position watch.
type Subscription interface {
	// Cancel stops the delivery of fixes. It must not wait for a running fix callback.
	Cancel()
}

// Source provides position fixes.
//
// Watch delivers fixes to onFix serially, never concurrently with itself, and must not invoke
// onFix before it has returned.
type Source interface {
	RequestPermission(ctx context.Context) error
	Watch(ctx context.Context, opts WatchOptions, onFix func(Sample)) (Subscription, error)
	GetOnce(ctx context.Context) (Sample, error)
}

// CancelFunc adapts a plain function to the Subscription interface.
type CancelFunc func()

func (f CancelFunc) Cancel() {
	f()
}
