// Package telemetry exposes counters for login, refresh, reuse-detection, and
// key-rotation outcomes via the OpenTelemetry metric API.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Refresh outcomes recorded on the auth.refresh.total counter.
const (
	OutcomeRotated       = "rotated"
	OutcomeRejected      = "rejected"
	OutcomeReuseDetected = "reuse_detected"
)

// Counters records auth-core outcome metrics. A nil *Counters is a no-op, so
// callers do not need to guard every call site.
type Counters struct {
	logins       metric.Int64Counter
	refreshes    metric.Int64Counter
	reuse        metric.Int64Counter
	keyRotations metric.Int64Counter
}

// NewCounters registers the auth-core counters on the given meter.
func NewCounters(meter metric.Meter) (*Counters, error) {
	logins, err := meter.Int64Counter("auth.login.total",
		metric.WithDescription("Sessions created by login"))
	if err != nil {
		return nil, err
	}
	refreshes, err := meter.Int64Counter("auth.refresh.total",
		metric.WithDescription("Refresh rotation attempts by outcome"))
	if err != nil {
		return nil, err
	}
	reuse, err := meter.Int64Counter("auth.refresh.reuse_detected.total",
		metric.WithDescription("Replayed refresh tokens that triggered family revocation"))
	if err != nil {
		return nil, err
	}
	keyRotations, err := meter.Int64Counter("auth.signing_key.rotations.total",
		metric.WithDescription("Signing key rotations"))
	if err != nil {
		return nil, err
	}
	return &Counters{logins: logins, refreshes: refreshes, reuse: reuse, keyRotations: keyRotations}, nil
}

// Login counts one created session.
func (c *Counters) Login(ctx context.Context) {
	if c == nil {
		return
	}
	c.logins.Add(ctx, 1)
}

// Refresh counts one rotation attempt with its outcome.
func (c *Counters) Refresh(ctx context.Context, outcome string) {
	if c == nil {
		return
	}
	c.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ReuseDetected counts one reuse-triggered family revocation.
func (c *Counters) ReuseDetected(ctx context.Context) {
	if c == nil {
		return
	}
	c.reuse.Add(ctx, 1)
}

// KeyRotation counts one signing-key rotation.
func (c *Counters) KeyRotation(ctx context.Context) {
	if c == nil {
		return
	}
	c.keyRotations.Add(ctx, 1)
}
