package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres tests")
	}
	s, err := NewPostgres(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestPostgresMigration verifies that migrations run without error on a fresh database.
func TestPostgresMigration(t *testing.T) {
	s := newTestPostgresStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// TestPostgresMembershipFlow exercises commit, merge, demotion and renewal
// against a real database.
func TestPostgresMembershipFlow(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	userID := "user_pg_" + uuid.New().String()[:8]

	start := time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	commitTestMembership(t, s, userID, start, end)

	if err := s.UpsertMembership(ctx, userID, MembershipUpdate{CSIIDNumber: ptr("CSI-PG")}); err != nil {
		t.Fatalf("merge upsert: %v", err)
	}
	m, err := s.GetMembership(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Role != RoleExecutiveMember || m.CSIIDNumber != "CSI-PG" {
		t.Fatalf("after merge: role=%q csi=%q", m.Role, m.CSIIDNumber)
	}
	if !m.Payment.TotalAmount.Decimal.Equal(decimal.NewFromInt(350)) {
		t.Errorf("TotalAmount: got %s, want 350", m.Payment.TotalAmount.Decimal)
	}

	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	ids, err := s.ListExpiredMembers(ctx, now, 1000)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, id := range ids {
		if id == userID {
			found = true
		}
	}
	if !found {
		t.Fatalf("ListExpiredMembers did not include %s", userID)
	}

	ok, err := s.DemoteIfExpired(ctx, userID, now)
	if err != nil || !ok {
		t.Fatalf("DemoteIfExpired: ok=%v err=%v", ok, err)
	}
	ok, err = s.DemoteIfExpired(ctx, userID, now)
	if err != nil || ok {
		t.Fatalf("second DemoteIfExpired: ok=%v err=%v", ok, err)
	}

	m, _ = s.GetMembership(ctx, userID)
	if m.Role != RoleUser || !m.MembershipExpired {
		t.Errorf("after demotion: role=%q expired=%v", m.Role, m.MembershipExpired)
	}

	if err := s.SetRole(ctx, "missing_"+userID, RoleUser); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetRole missing: got %v, want ErrNotFound", err)
	}
}

func TestPostgresOrderIntent(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	orderID := "order_pg_" + uuid.New().String()[:8]

	in := &OrderIntent{
		OrderID:   orderID,
		UserID:    "user_pg",
		TermYears: 1,
		Amount:    decimal.RequireFromString("199.50"),
		Currency:  "INR",
		Receipt:   "recruit_pg",
		CreatedAt: time.Now(),
	}
	if err := s.CreateOrderIntent(ctx, in); err != nil {
		t.Fatalf("CreateOrderIntent: %v", err)
	}
	if err := s.CreateOrderIntent(ctx, in); !errors.Is(err, ErrDuplicateIntent) {
		t.Errorf("duplicate: got %v, want ErrDuplicateIntent", err)
	}
	got, err := s.GetOrderIntent(ctx, orderID)
	if err != nil || got == nil {
		t.Fatalf("GetOrderIntent: %+v, %v", got, err)
	}
	if !got.Amount.Equal(decimal.RequireFromString("199.5")) {
		t.Errorf("Amount: got %s, want 199.5", got.Amount)
	}
	if got.BaseAmount.Valid {
		t.Errorf("BaseAmount: got %v, want null", got.BaseAmount)
	}
}
