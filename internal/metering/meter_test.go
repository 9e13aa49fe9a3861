package metering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"billcore/internal/types"
)

// --- Mock UsageStore ---

type mockUsageStore struct {
	mock.Mock
}

func (m *mockUsageStore) IncrementContactCount(ctx context.Context, projectID string, day time.Time, delta int) (int, error) {
	args := m.Called(ctx, projectID, day, delta)
	return args.Int(0), args.Error(1)
}

func (m *mockUsageStore) SetContactCount(ctx context.Context, projectID string, day time.Time, count int) error {
	return m.Called(ctx, projectID, day, count).Error(0)
}

func (m *mockUsageStore) GetDay(ctx context.Context, projectID string, day time.Time) (*types.UsageRecord, error) {
	args := m.Called(ctx, projectID, day)
	if r := args.Get(0); r != nil {
		return r.(*types.UsageRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockUsageStore) ListForProject(ctx context.Context, projectID string, w types.Window) ([]types.UsageRecord, error) {
	args := m.Called(ctx, projectID, w)
	if r := args.Get(0); r != nil {
		return r.([]types.UsageRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockUsageStore) OrgTotal(ctx context.Context, orgID string, w types.Window) (int, error) {
	args := m.Called(ctx, orgID, w)
	return args.Int(0), args.Error(1)
}

// --- Mock ContactCounter ---

type mockContactCounter struct {
	mock.Mock
}

func (m *mockContactCounter) CountActive(ctx context.Context, flowRef string, w types.Window) (int, error) {
	args := m.Called(ctx, flowRef, w)
	return args.Int(0), args.Error(1)
}

// --- Tests ---

func TestMeter_RecordUsage_BucketsByUTCDay(t *testing.T) {
	store := new(mockUsageStore)
	meter := NewMeter(store, nil, nil, nil)

	at := time.Date(2026, 8, 15, 23, 45, 12, 0, time.UTC)
	wantDay := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)

	store.On("IncrementContactCount", mock.Anything, "proj_1", wantDay, 3).
		Return(8, nil)

	count, err := meter.RecordUsage(context.Background(), "proj_1", at, 3)
	require.NoError(t, err)
	assert.Equal(t, 8, count)
	store.AssertExpectations(t)
}

func TestMeter_RecordUsage_ZeroTimeUsesClock(t *testing.T) {
	store := new(mockUsageStore)
	clock := types.FixedClock{T: time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)}
	meter := NewMeter(store, nil, clock, nil)

	wantDay := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	store.On("IncrementContactCount", mock.Anything, "proj_1", wantDay, -2).
		Return(0, nil)

	count, err := meter.RecordUsage(context.Background(), "proj_1", time.Time{}, -2)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	store.AssertExpectations(t)
}

func TestMeter_RecordUsage_StoreError(t *testing.T) {
	store := new(mockUsageStore)
	meter := NewMeter(store, nil, nil, nil)

	store.On("IncrementContactCount", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(0, errors.New("db down"))

	_, err := meter.RecordUsage(context.Background(), "proj_1", time.Now(), 1)
	require.Error(t, err)
}

func TestMeter_OverwriteDay_TruncatesToDay(t *testing.T) {
	store := new(mockUsageStore)
	meter := NewMeter(store, nil, nil, nil)

	at := time.Date(2026, 8, 15, 14, 30, 0, 0, time.UTC)
	wantDay := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)

	store.On("SetContactCount", mock.Anything, "proj_1", wantDay, 120).Return(nil)

	err := meter.OverwriteDay(context.Background(), "proj_1", at, 120)
	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestMeter_ProjectUsage_RejectsInvalidWindow(t *testing.T) {
	store := new(mockUsageStore)
	meter := NewMeter(store, nil, nil, nil)

	now := time.Now().UTC()
	_, err := meter.ProjectUsage(context.Background(), "proj_1", types.Window{
		After:  now,
		Before: now.Add(-time.Hour),
	})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationInvalidWindow, appErr.Code)
	store.AssertNotCalled(t, "ListForProject", mock.Anything, mock.Anything, mock.Anything)
}

// memUsageStore is an in-memory UsageStore with the same atomicity contract
// as the SQL upsert: increment and clamp happen under one lock.
type memUsageStore struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *memUsageStore) key(projectID string, day time.Time) string {
	return projectID + "|" + day.Format("2006-01-02")
}

func (s *memUsageStore) IncrementContactCount(ctx context.Context, projectID string, day time.Time, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	k := s.key(projectID, day)
	next := s.counts[k] + delta
	if next < 0 {
		next = 0
	}
	s.counts[k] = next
	return next, nil
}

func (s *memUsageStore) SetContactCount(ctx context.Context, projectID string, day time.Time, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	s.counts[s.key(projectID, day)] = count
	return nil
}

func (s *memUsageStore) GetDay(ctx context.Context, projectID string, day time.Time) (*types.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &types.UsageRecord{
		ProjectID:    projectID,
		Date:         day,
		ContactCount: s.counts[s.key(projectID, day)],
	}, nil
}

func (s *memUsageStore) ListForProject(ctx context.Context, projectID string, w types.Window) ([]types.UsageRecord, error) {
	return nil, nil
}

func (s *memUsageStore) OrgTotal(ctx context.Context, orgID string, w types.Window) (int, error) {
	return 0, nil
}

func TestMeter_RecordUsage_ConcurrentIncrementsDoNotLoseUpdates(t *testing.T) {
	store := &memUsageStore{}
	meter := NewMeter(store, nil, nil, nil)

	at := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	const workers = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := meter.RecordUsage(context.Background(), "proj_1", at, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := meter.ProjectDay(context.Background(), "proj_1", at)
	require.NoError(t, err)
	assert.Equal(t, workers, rec.ContactCount)
}

func TestMeter_RecordUsage_NegativeDeltaClampsAtZero(t *testing.T) {
	store := &memUsageStore{}
	meter := NewMeter(store, nil, nil, nil)

	at := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	count, err := meter.RecordUsage(context.Background(), "proj_1", at, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = meter.RecordUsage(context.Background(), "proj_1", at, -10)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMeter_CountActiveContacts_DelegatesToStore(t *testing.T) {
	store := new(mockUsageStore)
	contacts := new(mockContactCounter)
	meter := NewMeter(store, contacts, nil, nil)

	w := types.Window{
		After:  time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC),
		Before: time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC),
	}
	contacts.On("CountActive", mock.Anything, "flow_1", w).Return(42, nil)

	count, err := meter.CountActiveContacts(context.Background(), "flow_1", w)
	require.NoError(t, err)
	assert.Equal(t, 42, count)
	contacts.AssertExpectations(t)
}

func TestMeter_CountActiveContacts_RejectsInvalidWindow(t *testing.T) {
	contacts := new(mockContactCounter)
	meter := NewMeter(new(mockUsageStore), contacts, nil, nil)

	now := time.Now().UTC()
	_, err := meter.CountActiveContacts(context.Background(), "flow_1", types.Window{
		After:  now,
		Before: now.Add(-time.Hour),
	})
	require.Error(t, err)
	contacts.AssertNotCalled(t, "CountActive", mock.Anything, mock.Anything, mock.Anything)
}

func TestMeter_OrgUsage_SumsAcrossProjects(t *testing.T) {
	store := new(mockUsageStore)
	meter := NewMeter(store, nil, nil, nil)

	w := types.Window{
		After:  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Before: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}
	store.On("OrgTotal", mock.Anything, "org_1", w).Return(350, nil)

	total, err := meter.OrgUsage(context.Background(), "org_1", w)
	require.NoError(t, err)
	assert.Equal(t, 350, total)
}
