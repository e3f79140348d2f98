package membership

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csi-portal/portal/hub/internal/config"
	"github.com/csi-portal/portal/hub/internal/store"
)

func seedMember(t *testing.T, st store.Store, userID string, start, end time.Time) {
	t.Helper()
	role := store.RoleExecutiveMember
	label := "1-Year Executive Membership"
	expired := false
	err := st.UpsertMembership(context.Background(), userID, store.MembershipUpdate{
		MembershipType: &label,
		StartDate:      &start,
		EndDate:        &end,
		Role:           &role,
		Payment: &store.Payment{
			GatewayOrderID: "order_" + userID,
			TotalAmount:    decimal.NewNullDecimal(decimal.NewFromInt(350)),
			Currency:       "INR",
		},
		MembershipExpired: &expired,
	})
	require.NoError(t, err)
}

func newTestReconciler(st store.Store, batch, workers int) *Reconciler {
	return NewReconciler(st, config.MembershipConfig{SweepBatchSize: batch, SweepWorkers: workers}, testLogger(), nil)
}

func TestSweepDemotesExpiredMember(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedMember(t, st, "user-d", time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))

	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	res, err := newTestReconciler(st, 10, 2).Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	m, err := st.GetMembership(ctx, "user-d")
	require.NoError(t, err)
	assert.Equal(t, store.RoleUser, m.Role)
	assert.True(t, m.MembershipExpired)
	require.NotNil(t, m.MembershipExpiredDate)
	assert.True(t, m.MembershipExpiredDate.Equal(now))
	// The window itself is kept for history.
	assert.True(t, m.EndDate.Equal(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)))
}

func TestSweepIsMonotonic(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2022, time.January, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		seedMember(t, st, fmt.Sprintf("expired-%d", i), start, start.AddDate(1, 0, i))
	}
	seedMember(t, st, "active", start, time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC))

	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	r := newTestReconciler(st, 3, 2)

	first, err := r.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 7, first.Updated)

	second, err := r.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Updated)

	m, err := st.GetMembership(ctx, "active")
	require.NoError(t, err)
	assert.Equal(t, store.RoleExecutiveMember, m.Role)
	assert.False(t, m.MembershipExpired)
}

func TestSweepBoundary(t *testing.T) {
	st := newTestStore(t)
	end := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	seedMember(t, st, "user-b", end.AddDate(-1, 0, 0), end)

	res, err := newTestReconciler(st, 10, 1).Sweep(context.Background(), end)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Updated, "a member is demoted only after the end date")

	res, err = newTestReconciler(st, 10, 1).Sweep(context.Background(), end.Add(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
}

// flakyDemoteStore fails demotion for the listed users.
type flakyDemoteStore struct {
	store.Store
	fail map[string]bool
}

func (f *flakyDemoteStore) DemoteIfExpired(ctx context.Context, userID string, now time.Time) (bool, error) {
	if f.fail[userID] {
		return false, errors.New("row locked")
	}
	return f.Store.DemoteIfExpired(ctx, userID, now)
}

func TestSweepPartialFailure(t *testing.T) {
	base := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2022, time.January, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		seedMember(t, base, fmt.Sprintf("user-%d", i), start, start.AddDate(1, 0, i))
	}
	st := &flakyDemoteStore{Store: base, fail: map[string]bool{"user-1": true}}

	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	res, err := newTestReconciler(st, 2, 2).Sweep(ctx, now)
	require.Error(t, err)
	assert.ErrorContains(t, err, "user-1")
	assert.Equal(t, 3, res.Updated)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, Aborted(err), "per-user failures do not abort the sweep")

	m, err := base.GetMembership(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, store.RoleExecutiveMember, m.Role, "failed user is left untouched")

	for _, id := range []string{"user-0", "user-2", "user-3"} {
		m, err := base.GetMembership(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.RoleUser, m.Role, id)
	}
}

func TestSweepConcurrentWithSelfHeal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedMember(t, st, "user-race", time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))
	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

	env := newTestEnv(t, st, false)
	done := make(chan SweepResult, 1)
	go func() {
		res, _ := newTestReconciler(st, 10, 2).Sweep(ctx, now)
		done <- res
	}()
	status, err := env.svc.Status(ctx, "user-race", now)
	require.NoError(t, err)
	res := <-done

	assert.LessOrEqual(t, res.Updated, 1)
	assert.False(t, status.IsActive)
	m, err := st.GetMembership(ctx, "user-race")
	require.NoError(t, err)
	assert.Equal(t, store.RoleUser, m.Role)
	assert.True(t, m.MembershipExpired)
}

func TestRunStopsOnCancel(t *testing.T) {
	st := newTestStore(t)
	r := newTestReconciler(st, 10, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// A non-positive interval disables the loop.
	r.Run(context.Background(), 0)
}

type listFailStore struct {
	store.Store
}

func (listFailStore) ListExpiredMembers(context.Context, time.Time, int) ([]string, error) {
	return nil, errors.New("connection reset")
}

func TestSweepListFailureAborts(t *testing.T) {
	st := listFailStore{Store: newTestStore(t)}
	res, err := newTestReconciler(st, 10, 1).Sweep(context.Background(), time.Now())
	require.Error(t, err)
	assert.True(t, Aborted(err))
	assert.ErrorIs(t, err, ErrListExpired)
	assert.Zero(t, res.Updated)
}
