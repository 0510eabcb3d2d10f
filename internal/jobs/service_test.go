package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"civicnotify/internal/schedule"
	"civicnotify/internal/types"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Create(ctx context.Context, n *types.NotificationJob) error {
	args := m.Called(ctx, n)
	if args.Error(0) == nil {
		n.ID = 1
	}
	return args.Error(0)
}

func (m *mockStore) GetByID(ctx context.Context, id int64) (*types.NotificationJob, error) {
	args := m.Called(ctx, id)
	if j := args.Get(0); j != nil {
		// Hand out a copy so the test's fixture is not mutated.
		cp := *j.(*types.NotificationJob)
		return &cp, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) Update(ctx context.Context, n *types.NotificationJob, prevStatus types.JobStatus, prevNext *time.Time) error {
	return m.Called(ctx, n, prevStatus, prevNext).Error(0)
}

func (m *mockStore) ListPendingRecurring(ctx context.Context, freq types.Frequency) ([]types.NotificationJob, error) {
	args := m.Called(ctx, freq)
	if j := args.Get(0); j != nil {
		return j.([]types.NotificationJob), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) SetNextSendDate(ctx context.Context, id int64, next *time.Time) error {
	return m.Called(ctx, id, next).Error(0)
}

func utc(y int, mo time.Month, d, h, mi, s int) time.Time {
	return time.Date(y, mo, d, h, mi, s, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func newTestService(store Store, now time.Time) *Service {
	return NewService(store, schedule.DefaultSettings(), fixedClock{now}, nil)
}

func weeklyInput() JobInput {
	return JobInput{
		Title:           "Weekly roundup",
		Subject:         "This week",
		Content:         "Hello {{ subscriber.name }}",
		NewsCategories:  types.ParseCategorySet("3,7"),
		FrequencyTarget: types.FrequencyWeekly,
		IsRecurring:     true,
	}
}

func TestCreate_RecurringGetsFirstSlot(t *testing.T) {
	// 2026-02-03 is a Tuesday; the default weekly slot is Tuesday 09:00 UTC.
	store := new(mockStore)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)

	job, err := newTestService(store, utc(2026, 2, 3, 8, 0, 0)).Create(context.Background(), weeklyInput())
	require.NoError(t, err)

	assert.Equal(t, types.JobPending, job.Status)
	require.NotNil(t, job.NextSendDate)
	assert.Equal(t, utc(2026, 2, 3, 9, 0, 0), *job.NextSendDate)
}

func TestCreate_SlotInsideBufferMovesToNextPeriod(t *testing.T) {
	store := new(mockStore)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)

	job, err := newTestService(store, utc(2026, 2, 3, 8, 59, 30)).Create(context.Background(), weeklyInput())
	require.NoError(t, err)

	require.NotNil(t, job.NextSendDate)
	assert.Equal(t, utc(2026, 2, 10, 9, 0, 0), *job.NextSendDate)
}

func TestCreate_UnscheduledJobs(t *testing.T) {
	cases := []struct {
		name string
		in   JobInput
	}{
		{"one-time", JobInput{Title: "t", Subject: "s", FrequencyTarget: types.FrequencyDaily}},
		{"recurring all", JobInput{Title: "t", Subject: "s", IsRecurring: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := new(mockStore)
			store.On("Create", mock.Anything, mock.Anything).Return(nil)

			job, err := newTestService(store, utc(2026, 2, 3, 8, 0, 0)).Create(context.Background(), tc.in)
			require.NoError(t, err)
			assert.Nil(t, job.NextSendDate)
		})
	}
}

func TestCreate_Validation(t *testing.T) {
	cases := []struct {
		name string
		in   JobInput
	}{
		{"missing title", JobInput{Subject: "s"}},
		{"missing subject", JobInput{Title: "t"}},
		{"unknown frequency", JobInput{Title: "t", Subject: "s", FrequencyTarget: "hourly"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := new(mockStore)
			_, err := newTestService(store, utc(2026, 2, 3, 8, 0, 0)).Create(context.Background(), tc.in)
			assert.Equal(t, types.ErrCodeValidationJob, types.CodeOf(err))
			store.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		})
	}
}

func TestUpdate_FrequencyChangeRecomputesWithDailyCalculator(t *testing.T) {
	// Wednesday 10:00. The stale weekly slot is next Tuesday.
	now := utc(2026, 2, 4, 10, 0, 0)
	existing := &types.NotificationJob{
		ID: 9, Title: "Weekly roundup", Subject: "This week",
		FrequencyTarget: types.FrequencyWeekly, Status: types.JobPending,
		IsRecurring: true, NextSendDate: ptr(utc(2026, 2, 10, 9, 0, 0)),
	}
	store := new(mockStore)
	store.On("GetByID", mock.Anything, int64(9)).Return(existing, nil)
	store.On("Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	in := weeklyInput()
	in.FrequencyTarget = types.FrequencyDaily

	job, err := newTestService(store, now).Update(context.Background(), 9, in)
	require.NoError(t, err)

	require.NotNil(t, job.NextSendDate)
	assert.Equal(t, utc(2026, 2, 5, 9, 0, 0), *job.NextSendDate)
	assert.Equal(t, types.FrequencyDaily, job.FrequencyTarget)
}

func TestUpdate_EditBufferSkipsImminentSlot(t *testing.T) {
	now := utc(2026, 2, 4, 8, 57, 0)
	existing := &types.NotificationJob{
		ID: 9, Title: "x", Subject: "y", FrequencyTarget: types.FrequencyWeekly,
		Status: types.JobPending, IsRecurring: true, NextSendDate: ptr(utc(2026, 2, 10, 9, 0, 0)),
	}
	store := new(mockStore)
	store.On("GetByID", mock.Anything, int64(9)).Return(existing, nil)
	store.On("Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	in := weeklyInput()
	in.FrequencyTarget = types.FrequencyDaily

	job, err := newTestService(store, now).Update(context.Background(), 9, in)
	require.NoError(t, err)
	assert.Equal(t, utc(2026, 2, 5, 9, 0, 0), *job.NextSendDate, "09:00 is within the 5 minute edit buffer")
}

func TestUpdate_ScheduleRules(t *testing.T) {
	now := utc(2026, 2, 4, 10, 0, 0)
	future := utc(2026, 2, 10, 9, 0, 0)
	past := utc(2026, 2, 3, 9, 0, 0)

	cases := []struct {
		name     string
		existing types.NotificationJob
		in       func() JobInput
		want     *time.Time
	}{
		{
			name:     "unchanged cadence keeps future slot",
			existing: types.NotificationJob{FrequencyTarget: types.FrequencyWeekly, Status: types.JobPending, IsRecurring: true, NextSendDate: ptr(future)},
			in:       weeklyInput,
			want:     ptr(future),
		},
		{
			name:     "past slot is recomputed",
			existing: types.NotificationJob{FrequencyTarget: types.FrequencyWeekly, Status: types.JobPending, IsRecurring: true, NextSendDate: ptr(past)},
			in:       weeklyInput,
			want:     ptr(utc(2026, 2, 10, 9, 0, 0)),
		},
		{
			name:     "one-time converted to recurring",
			existing: types.NotificationJob{FrequencyTarget: types.FrequencyWeekly, Status: types.JobPending},
			in:       weeklyInput,
			want:     ptr(utc(2026, 2, 10, 9, 0, 0)),
		},
		{
			name:     "recurring converted to one-time clears slot",
			existing: types.NotificationJob{FrequencyTarget: types.FrequencyWeekly, Status: types.JobPending, IsRecurring: true, NextSendDate: ptr(future)},
			in: func() JobInput {
				in := weeklyInput()
				in.IsRecurring = false
				return in
			},
			want: nil,
		},
		{
			name:     "cancelled job is never rescheduled",
			existing: types.NotificationJob{FrequencyTarget: types.FrequencyWeekly, Status: types.JobCancelled, IsRecurring: true, NextSendDate: ptr(past)},
			in: func() JobInput {
				in := weeklyInput()
				in.FrequencyTarget = types.FrequencyDaily
				return in
			},
			want: ptr(past),
		},
		{
			name:     "sent job is never rescheduled",
			existing: types.NotificationJob{FrequencyTarget: types.FrequencyWeekly, Status: types.JobSent},
			in:       weeklyInput,
			want:     nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			existing := tc.existing
			existing.ID, existing.Title, existing.Subject = 4, "x", "y"

			store := new(mockStore)
			store.On("GetByID", mock.Anything, int64(4)).Return(&existing, nil)
			store.On("Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

			job, err := newTestService(store, now).Update(context.Background(), 4, tc.in())
			require.NoError(t, err)
			assert.Equal(t, tc.want, job.NextSendDate)
			assert.Equal(t, existing.Status, job.Status)
		})
	}
}

func TestUpdate_NotFound(t *testing.T) {
	store := new(mockStore)
	store.On("GetByID", mock.Anything, int64(4)).
		Return(nil, types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil))

	_, err := newTestService(store, utc(2026, 2, 4, 10, 0, 0)).Update(context.Background(), 4, weeklyInput())
	assert.Equal(t, types.ErrCodeNotFoundNotification, types.CodeOf(err))
	store.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdate_GuardsAgainstConcurrentTransition(t *testing.T) {
	now := utc(2026, 2, 4, 10, 0, 0)
	slot := utc(2026, 2, 10, 9, 0, 0)
	existing := &types.NotificationJob{
		ID: 9, Title: "x", Subject: "y", FrequencyTarget: types.FrequencyWeekly,
		Status: types.JobPending, IsRecurring: true, NextSendDate: ptr(slot),
	}
	store := new(mockStore)
	store.On("GetByID", mock.Anything, int64(9)).Return(existing, nil)
	store.On("Update", mock.Anything, mock.Anything, types.JobPending, ptr(slot)).
		Return(types.NewAppError(types.ErrCodeConflictConcurrent, "notification changed since it was read", nil))

	_, err := newTestService(store, now).Update(context.Background(), 9, weeklyInput())
	assert.Equal(t, types.ErrCodeConflictConcurrent, types.CodeOf(err))
	store.AssertExpectations(t)
}

func TestCheck_RejectsBrokenTemplates(t *testing.T) {
	cases := []struct {
		name string
		in   JobInput
	}{
		{"subject", JobInput{Title: "t", Subject: "Hi {% endif %}", Content: "ok"}},
		{"content", JobInput{Title: "t", Subject: "s", Content: "{% if subscriber.name %}no end"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := new(mockStore)
			_, err := newTestService(store, utc(2026, 2, 3, 8, 0, 0)).Create(context.Background(), tc.in)
			assert.Equal(t, types.ErrCodeValidationJob, types.CodeOf(err))
			store.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		})
	}
}

func TestCancel(t *testing.T) {
	now := utc(2026, 2, 4, 10, 0, 0)

	t.Run("pending", func(t *testing.T) {
		store := new(mockStore)
		store.On("GetByID", mock.Anything, int64(1)).Return(&types.NotificationJob{ID: 1, Status: types.JobPending}, nil)
		store.On("Update", mock.Anything, mock.MatchedBy(func(n *types.NotificationJob) bool {
			return n.Status == types.JobCancelled
		}), types.JobPending, (*time.Time)(nil)).Return(nil)

		job, err := newTestService(store, now).Cancel(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, types.JobCancelled, job.Status)
		store.AssertExpectations(t)
	})

	t.Run("already cancelled", func(t *testing.T) {
		store := new(mockStore)
		store.On("GetByID", mock.Anything, int64(1)).Return(&types.NotificationJob{ID: 1, Status: types.JobCancelled}, nil)

		_, err := newTestService(store, now).Cancel(context.Background(), 1)
		require.NoError(t, err)
		store.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("sent", func(t *testing.T) {
		store := new(mockStore)
		store.On("GetByID", mock.Anything, int64(1)).Return(&types.NotificationJob{ID: 1, Status: types.JobSent}, nil)

		_, err := newTestService(store, now).Cancel(context.Background(), 1)
		assert.Equal(t, types.ErrCodeConflictState, types.CodeOf(err))
	})

	t.Run("sent while cancelling", func(t *testing.T) {
		store := new(mockStore)
		store.On("GetByID", mock.Anything, int64(1)).Return(&types.NotificationJob{ID: 1, Status: types.JobPending}, nil)
		store.On("Update", mock.Anything, mock.Anything, types.JobPending, (*time.Time)(nil)).
			Return(types.NewAppError(types.ErrCodeConflictConcurrent, "notification changed since it was read", nil))

		_, err := newTestService(store, now).Cancel(context.Background(), 1)
		assert.Equal(t, types.ErrCodeConflictConcurrent, types.CodeOf(err))
	})
}

func TestReactivate(t *testing.T) {
	now := utc(2026, 2, 4, 10, 0, 0)

	t.Run("past slot recomputed", func(t *testing.T) {
		store := new(mockStore)
		store.On("GetByID", mock.Anything, int64(2)).Return(&types.NotificationJob{
			ID: 2, Status: types.JobCancelled, IsRecurring: true,
			FrequencyTarget: types.FrequencyDaily, NextSendDate: ptr(utc(2026, 1, 20, 9, 0, 0)),
		}, nil)
		store.On("Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		job, err := newTestService(store, now).Reactivate(context.Background(), 2)
		require.NoError(t, err)
		assert.Equal(t, types.JobPending, job.Status)
		assert.Equal(t, utc(2026, 2, 5, 9, 0, 0), *job.NextSendDate)
	})

	t.Run("slot inside buffer recomputed", func(t *testing.T) {
		store := new(mockStore)
		store.On("GetByID", mock.Anything, int64(2)).Return(&types.NotificationJob{
			ID: 2, Status: types.JobCancelled, IsRecurring: true,
			FrequencyTarget: types.FrequencyDaily, NextSendDate: ptr(now.Add(30 * time.Second)),
		}, nil)
		store.On("Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		job, err := newTestService(store, now).Reactivate(context.Background(), 2)
		require.NoError(t, err)
		assert.Equal(t, utc(2026, 2, 5, 9, 0, 0), *job.NextSendDate)
	})

	t.Run("future slot kept", func(t *testing.T) {
		future := utc(2026, 2, 10, 9, 0, 0)
		store := new(mockStore)
		store.On("GetByID", mock.Anything, int64(2)).Return(&types.NotificationJob{
			ID: 2, Status: types.JobCancelled, IsRecurring: true,
			FrequencyTarget: types.FrequencyWeekly, NextSendDate: ptr(future),
		}, nil)
		store.On("Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		job, err := newTestService(store, now).Reactivate(context.Background(), 2)
		require.NoError(t, err)
		assert.Equal(t, future, *job.NextSendDate)
	})

	t.Run("one-time job keeps empty slot", func(t *testing.T) {
		store := new(mockStore)
		store.On("GetByID", mock.Anything, int64(2)).Return(&types.NotificationJob{ID: 2, Status: types.JobCancelled}, nil)
		store.On("Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		job, err := newTestService(store, now).Reactivate(context.Background(), 2)
		require.NoError(t, err)
		assert.Nil(t, job.NextSendDate)
	})

	t.Run("only cancelled jobs", func(t *testing.T) {
		store := new(mockStore)
		store.On("GetByID", mock.Anything, int64(2)).Return(&types.NotificationJob{ID: 2, Status: types.JobPending}, nil)

		_, err := newTestService(store, now).Reactivate(context.Background(), 2)
		assert.Equal(t, types.ErrCodeConflictState, types.CodeOf(err))
	})
}

func TestApplySettings_OnlyChangedCadencesRescheduled(t *testing.T) {
	now := utc(2026, 2, 4, 10, 0, 0)
	store := new(mockStore)
	store.On("ListPendingRecurring", mock.Anything, types.FrequencyDaily).Return([]types.NotificationJob{
		{ID: 1, FrequencyTarget: types.FrequencyDaily},
		{ID: 2, FrequencyTarget: types.FrequencyDaily},
	}, nil)
	store.On("SetNextSendDate", mock.Anything, int64(1), mock.Anything).Return(nil)
	store.On("SetNextSendDate", mock.Anything, int64(2), mock.Anything).
		Return(types.NewAppError(types.ErrCodeInternalDB, "boom", nil))

	svc := newTestService(store, now)
	next := schedule.DefaultSettings()
	next.DailyTime = "17:30"

	report, err := svc.ApplySettings(context.Background(), next)
	require.NoError(t, err)

	assert.Equal(t, []types.Frequency{types.FrequencyDaily}, report.Frequencies)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, "17:30", svc.Settings().DailyTime)

	store.AssertNotCalled(t, "ListPendingRecurring", mock.Anything, types.FrequencyWeekly)
	store.AssertNotCalled(t, "ListPendingRecurring", mock.Anything, types.FrequencyMonthly)
	store.AssertCalled(t, "SetNextSendDate", mock.Anything, int64(1), ptr(utc(2026, 2, 4, 17, 30, 0)))
}

func TestApplySettings_UsesEditBuffer(t *testing.T) {
	// 17:27 is inside the five minute edit buffer of a 17:30 slot.
	store := new(mockStore)
	store.On("ListPendingRecurring", mock.Anything, types.FrequencyDaily).
		Return([]types.NotificationJob{{ID: 1, FrequencyTarget: types.FrequencyDaily}}, nil)
	store.On("SetNextSendDate", mock.Anything, int64(1), mock.Anything).Return(nil)

	next := schedule.DefaultSettings()
	next.DailyTime = "17:30"
	_, err := newTestService(store, utc(2026, 2, 4, 17, 27, 0)).ApplySettings(context.Background(), next)
	require.NoError(t, err)

	store.AssertCalled(t, "SetNextSendDate", mock.Anything, int64(1), ptr(utc(2026, 2, 5, 17, 30, 0)))
}

func TestApplySettings_TimezoneChangeTouchesEveryCadence(t *testing.T) {
	store := new(mockStore)
	store.On("ListPendingRecurring", mock.Anything, mock.Anything).Return([]types.NotificationJob{}, nil)

	next := schedule.DefaultSettings()
	next.Timezone = "Europe/Berlin"

	report, err := newTestService(store, utc(2026, 2, 4, 10, 0, 0)).ApplySettings(context.Background(), next)
	require.NoError(t, err)
	assert.Equal(t, types.RecurringFrequencies, report.Frequencies)
}

func TestApplySettings_NoChange(t *testing.T) {
	store := new(mockStore)
	report, err := newTestService(store, utc(2026, 2, 4, 10, 0, 0)).ApplySettings(context.Background(), schedule.DefaultSettings())
	require.NoError(t, err)
	assert.Empty(t, report.Frequencies)
	store.AssertNotCalled(t, "ListPendingRecurring", mock.Anything, mock.Anything)
}
