// Package metering tracks per-project active-contact counts, one row per
// project and calendar day.
package metering

import (
	"context"
	"log/slog"
	"time"

	"billcore/internal/types"
)

// UsageStore is the persistence surface the meter needs.
// Implemented by db.UsageRepo.
type UsageStore interface {
	IncrementContactCount(ctx context.Context, projectID string, day time.Time, delta int) (int, error)
	SetContactCount(ctx context.Context, projectID string, day time.Time, count int) error
	GetDay(ctx context.Context, projectID string, day time.Time) (*types.UsageRecord, error)
	ListForProject(ctx context.Context, projectID string, w types.Window) ([]types.UsageRecord, error)
	OrgTotal(ctx context.Context, orgID string, w types.Window) (int, error)
}

// ContactCounter is the authoritative count surface of the external contact
// store. Implemented by external.ContactStoreClient.
type ContactCounter interface {
	CountActive(ctx context.Context, flowRef string, w types.Window) (int, error)
}

// Meter is the usage metering service. Counts are stored per (project, day)
// and organization-level numbers are always aggregates over project rows.
type Meter struct {
	usage    UsageStore
	contacts ContactCounter
	clock    types.Clock
	logger   *slog.Logger
}

// NewMeter creates a usage meter. contacts may be nil when the caller never
// needs authoritative window counts.
func NewMeter(usage UsageStore, contacts ContactCounter, clock types.Clock, logger *slog.Logger) *Meter {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{usage: usage, contacts: contacts, clock: clock, logger: logger}
}

// day truncates t to its UTC calendar day, the bucket key for usage rows.
func day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// RecordUsage applies a signed contact-count delta to the project's bucket
// for the given instant, creating the bucket on first touch. The stored count
// never drops below zero: the clamp happens atomically in the store, so
// concurrent deltas cannot interleave into a negative value. Returns the
// count after the update.
func (m *Meter) RecordUsage(ctx context.Context, projectID string, at time.Time, delta int) (int, error) {
	if at.IsZero() {
		at = m.clock.Now()
	}

	count, err := m.usage.IncrementContactCount(ctx, projectID, day(at), delta)
	if err != nil {
		return 0, err
	}

	m.logger.InfoContext(ctx, "usage recorded",
		slog.String("project_id", projectID),
		slog.Time("day", day(at)),
		slog.Int("delta", delta),
		slog.Int("count", count),
	)

	return count, nil
}

// OverwriteDay replaces a day's count with an authoritative recount.
func (m *Meter) OverwriteDay(ctx context.Context, projectID string, at time.Time, count int) error {
	return m.usage.SetContactCount(ctx, projectID, day(at), count)
}

// ProjectDay returns the project's count for the day containing at. Days with
// no recorded events read as zero.
func (m *Meter) ProjectDay(ctx context.Context, projectID string, at time.Time) (*types.UsageRecord, error) {
	return m.usage.GetDay(ctx, projectID, day(at))
}

// ProjectUsage returns the project's daily records inside the window.
func (m *Meter) ProjectUsage(ctx context.Context, projectID string, w types.Window) ([]types.UsageRecord, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return m.usage.ListForProject(ctx, projectID, w)
}

// CountActiveContacts returns the number of contacts active inside the window
// straight from the contact store, bypassing the local daily buckets. Used
// when a billing decision needs the authoritative number rather than the
// metered one.
func (m *Meter) CountActiveContacts(ctx context.Context, flowRef string, w types.Window) (int, error) {
	if err := w.Validate(); err != nil {
		return 0, err
	}
	if m.contacts == nil {
		return 0, types.NewAppError(types.ErrCodeInternalUnexpected, "no contact store configured", nil)
	}
	return m.contacts.CountActive(ctx, flowRef, w)
}

// OrgUsage sums contact counts across every project the organization owns
// inside the window.
func (m *Meter) OrgUsage(ctx context.Context, orgID string, w types.Window) (int, error) {
	if err := w.Validate(); err != nil {
		return 0, err
	}
	return m.usage.OrgTotal(ctx, orgID, w)
}
