package types

import (
	"context"
	"time"
)

// Context keys
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	orgIDKey     contextKey = "organization_id"
)

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithOrganizationID stores the acting organization ID in the context.
// Set by routing middleware so downstream log lines can carry it.
func WithOrganizationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, orgIDKey, id)
}

// GetOrganizationID retrieves the acting organization ID from the context.
func GetOrganizationID(ctx context.Context) string {
	id, _ := ctx.Value(orgIDKey).(string)
	return id
}

// Clock abstracts time for testability. Production code uses RealClock;
// tests substitute a fixed clock to pin trial-expiry and window math.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// FixedClock implements Clock returning a constant instant.
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T }
