package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 30, 0, 0, time.UTC)
}

// commitTestMembership writes an executive membership the way a verified
// payment does and returns the update used.
func commitTestMembership(t *testing.T, s Store, userID string, start, end time.Time) MembershipUpdate {
	t.Helper()
	u := MembershipUpdate{
		MembershipType: ptr("2-Year Executive Membership (Until 15 Mar 2026)"),
		StartDate:      &start,
		EndDate:        &end,
		Role:           ptr(RoleExecutiveMember),
		Payment: &Payment{
			GatewayOrderID:   "order_" + userID,
			GatewayPaymentID: "pay_" + userID,
			BaseAmount:       decimal.NewNullDecimal(decimal.RequireFromString("340")),
			PlatformFee:      decimal.NewNullDecimal(decimal.RequireFromString("10")),
			TotalAmount:      decimal.NewNullDecimal(decimal.RequireFromString("350")),
			Currency:         "INR",
			PaymentDate:      &start,
		},
		MembershipExpired: ptr(false),
	}
	if err := s.UpsertMembership(context.Background(), userID, u); err != nil {
		t.Fatalf("UpsertMembership(%s): %v", userID, err)
	}
	return u
}

func TestUpsertMembershipCreates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start, end := date(2024, time.March, 15), date(2026, time.March, 15)
	commitTestMembership(t, s, "user-1", start, end)

	m, err := s.GetMembership(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetMembership: %v", err)
	}
	if m == nil {
		t.Fatal("membership not found")
	}
	if m.Role != RoleExecutiveMember {
		t.Errorf("Role: got %q, want %q", m.Role, RoleExecutiveMember)
	}
	if m.StartDate == nil || !m.StartDate.Equal(start) {
		t.Errorf("StartDate: got %v, want %v", m.StartDate, start)
	}
	if m.EndDate == nil || !m.EndDate.Equal(end) {
		t.Errorf("EndDate: got %v, want %v", m.EndDate, end)
	}
	if got := m.Payment.TotalAmount.Decimal.String(); got != "350" {
		t.Errorf("TotalAmount: got %s, want 350", got)
	}
	if got := m.Payment.PlatformFee.Decimal.String(); got != "10" {
		t.Errorf("PlatformFee: got %s, want 10", got)
	}
	if m.Payment.GatewayPaymentID != "pay_user-1" {
		t.Errorf("GatewayPaymentID: got %q", m.Payment.GatewayPaymentID)
	}
	if m.MembershipExpired {
		t.Error("MembershipExpired: got true, want false")
	}
	if m.CreatedAt.IsZero() || m.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestUpsertMembershipMergesUntouchedFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start, end := date(2024, time.March, 15), date(2026, time.March, 15)
	commitTestMembership(t, s, "user-1", start, end)

	// Only the label changes; window, role and payment must survive.
	if err := s.UpsertMembership(ctx, "user-1", MembershipUpdate{MembershipType: ptr("relabelled")}); err != nil {
		t.Fatalf("UpsertMembership: %v", err)
	}

	m, err := s.GetMembership(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.MembershipType != "relabelled" {
		t.Errorf("MembershipType: got %q, want relabelled", m.MembershipType)
	}
	if m.Role != RoleExecutiveMember {
		t.Errorf("Role: got %q, want ExecutiveMember", m.Role)
	}
	if m.EndDate == nil || !m.EndDate.Equal(end) {
		t.Errorf("EndDate: got %v, want %v", m.EndDate, end)
	}
	if m.Payment.GatewayOrderID != "order_user-1" {
		t.Errorf("GatewayOrderID: got %q", m.Payment.GatewayOrderID)
	}
}

func TestUpsertMembershipDefaultsToUserRole(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMembership(ctx, "user-2", MembershipUpdate{CSIIDNumber: ptr("CSI-0042")}); err != nil {
		t.Fatal(err)
	}
	m, err := s.GetMembership(ctx, "user-2")
	if err != nil {
		t.Fatal(err)
	}
	if m.Role != RoleUser {
		t.Errorf("Role: got %q, want User", m.Role)
	}
	if m.EndDate != nil {
		t.Errorf("EndDate: got %v, want nil", m.EndDate)
	}
}

func TestUpsertMembershipValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start, end := date(2024, time.March, 15), date(2025, time.March, 15)

	tests := []struct {
		name string
		u    MembershipUpdate
		want error
	}{
		{"executive without window", MembershipUpdate{Role: ptr(RoleExecutiveMember)}, ErrNoMembershipWindow},
		{"executive without start", MembershipUpdate{Role: ptr(RoleExecutiveMember), EndDate: &end}, ErrNoMembershipWindow},
		{"inverted window", MembershipUpdate{StartDate: &end, EndDate: &start}, ErrInvalidWindow},
		{"empty window", MembershipUpdate{StartDate: &start, EndDate: &start}, ErrInvalidWindow},
		{"unknown role", MembershipUpdate{Role: ptr(Role("Admin"))}, ErrInvalidRole},
		{"amount mismatch", MembershipUpdate{Payment: &Payment{
			BaseAmount:  decimal.NewNullDecimal(decimal.NewFromInt(300)),
			PlatformFee: decimal.NewNullDecimal(decimal.NewFromInt(10)),
			TotalAmount: decimal.NewNullDecimal(decimal.NewFromInt(350)),
		}}, ErrAmountMismatch},
		{"amount mismatch after rounding", MembershipUpdate{Payment: &Payment{
			BaseAmount:  decimal.NewNullDecimal(decimal.RequireFromString("100.004")),
			PlatformFee: decimal.NewNullDecimal(decimal.RequireFromString("0.004")),
			TotalAmount: decimal.NewNullDecimal(decimal.RequireFromString("100.008")),
		}}, ErrAmountMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.UpsertMembership(ctx, "user-v", tt.u)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}

	m, err := s.GetMembership(ctx, "user-v")
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("rejected updates must not create a record, got %+v", m)
	}
}

func TestUpsertMembershipCSIIDAssignedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMembership(ctx, "user-3", MembershipUpdate{CSIIDNumber: ptr("CSI-0001")}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertMembership(ctx, "user-3", MembershipUpdate{CSIIDNumber: ptr("CSI-9999")}); err != nil {
		t.Fatal(err)
	}
	m, err := s.GetMembership(ctx, "user-3")
	if err != nil {
		t.Fatal(err)
	}
	if m.CSIIDNumber != "CSI-0001" {
		t.Errorf("CSIIDNumber: got %q, want CSI-0001", m.CSIIDNumber)
	}
}

func TestUpsertMembershipRenewalClearsExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	commitTestMembership(t, s, "user-4", date(2023, time.January, 1), date(2024, time.January, 1))
	if ok, err := s.DemoteIfExpired(ctx, "user-4", date(2024, time.June, 1)); err != nil || !ok {
		t.Fatalf("DemoteIfExpired: ok=%v err=%v", ok, err)
	}

	commitTestMembership(t, s, "user-4", date(2024, time.June, 2), date(2025, time.June, 2))
	m, err := s.GetMembership(ctx, "user-4")
	if err != nil {
		t.Fatal(err)
	}
	if m.Role != RoleExecutiveMember {
		t.Errorf("Role: got %q, want ExecutiveMember", m.Role)
	}
	if m.MembershipExpired {
		t.Error("MembershipExpired: got true, want false")
	}
	if m.MembershipExpiredDate != nil {
		t.Errorf("MembershipExpiredDate: got %v, want nil", m.MembershipExpiredDate)
	}
}

func TestGetMembershipNotFound(t *testing.T) {
	s := newTestStore(t)
	m, err := s.GetMembership(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetMembership: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil, got %+v", m)
	}
}

func TestSetRole(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetRole(ctx, "ghost", RoleUser); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetRole missing user: got %v, want ErrNotFound", err)
	}

	if err := s.UpsertMembership(ctx, "user-5", MembershipUpdate{CSIIDNumber: ptr("CSI-5")}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRole(ctx, "user-5", RoleExecutiveMember); !errors.Is(err, ErrNoMembershipWindow) {
		t.Errorf("SetRole without window: got %v, want ErrNoMembershipWindow", err)
	}

	commitTestMembership(t, s, "user-6", date(2024, time.March, 15), date(2025, time.March, 15))
	if err := s.SetRole(ctx, "user-6", RoleUser); err != nil {
		t.Fatalf("SetRole(User): %v", err)
	}
	if err := s.SetRole(ctx, "user-6", RoleExecutiveMember); err != nil {
		t.Fatalf("SetRole(ExecutiveMember) with window: %v", err)
	}
	m, _ := s.GetMembership(ctx, "user-6")
	if m.Role != RoleExecutiveMember {
		t.Errorf("Role: got %q, want ExecutiveMember", m.Role)
	}
}

func TestDemoteIfExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	commitTestMembership(t, s, "user-d", date(2023, time.January, 1), time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))
	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

	ok, err := s.DemoteIfExpired(ctx, "user-d", now)
	if err != nil {
		t.Fatalf("DemoteIfExpired: %v", err)
	}
	if !ok {
		t.Fatal("expected demotion")
	}

	m, err := s.GetMembership(ctx, "user-d")
	if err != nil {
		t.Fatal(err)
	}
	if m.Role != RoleUser {
		t.Errorf("Role: got %q, want User", m.Role)
	}
	if !m.MembershipExpired {
		t.Error("MembershipExpired: got false, want true")
	}
	if m.MembershipExpiredDate == nil || !m.MembershipExpiredDate.Equal(now) {
		t.Errorf("MembershipExpiredDate: got %v, want %v", m.MembershipExpiredDate, now)
	}
	if m.EndDate == nil {
		t.Error("EndDate must be preserved on demotion")
	}

	// Second call is a no-op.
	ok, err = s.DemoteIfExpired(ctx, "user-d", now)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second demotion should be a no-op")
	}
}

func TestDemoteIfExpiredKeepsActiveMembers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	commitTestMembership(t, s, "user-a", date(2024, time.January, 1), date(2025, time.January, 1))
	ok, err := s.DemoteIfExpired(ctx, "user-a", date(2024, time.June, 1))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("active member must not be demoted")
	}
}

func TestListExpiredMembers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := date(2024, time.June, 1)

	commitTestMembership(t, s, "late", date(2022, time.May, 1), date(2024, time.May, 1))
	commitTestMembership(t, s, "early", date(2022, time.January, 1), date(2023, time.January, 1))
	commitTestMembership(t, s, "active", date(2024, time.January, 1), date(2025, time.January, 1))
	if err := s.UpsertMembership(ctx, "plain", MembershipUpdate{CSIIDNumber: ptr("x")}); err != nil {
		t.Fatal(err)
	}

	ids, err := s.ListExpiredMembers(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpiredMembers: %v", err)
	}
	if len(ids) != 2 || ids[0] != "early" || ids[1] != "late" {
		t.Errorf("ListExpiredMembers: got %v, want [early late]", ids)
	}

	ids, err = s.ListExpiredMembers(ctx, now, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Errorf("limit: got %d ids, want 1", len(ids))
	}
}

func TestOrderIntentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := date(2024, time.March, 15)

	in := &OrderIntent{
		OrderID:     "order_abc",
		UserID:      "user-1",
		TermYears:   2,
		Amount:      decimal.RequireFromString("350"),
		BaseAmount:  decimal.NewNullDecimal(decimal.RequireFromString("340")),
		PlatformFee: decimal.NewNullDecimal(decimal.RequireFromString("10")),
		Currency:    "INR",
		Receipt:     "recruit_abc",
		CreatedAt:   created,
	}
	if err := s.CreateOrderIntent(ctx, in); err != nil {
		t.Fatalf("CreateOrderIntent: %v", err)
	}
	if err := s.CreateOrderIntent(ctx, in); !errors.Is(err, ErrDuplicateIntent) {
		t.Errorf("duplicate CreateOrderIntent: got %v, want ErrDuplicateIntent", err)
	}

	got, err := s.GetOrderIntent(ctx, "order_abc")
	if err != nil {
		t.Fatalf("GetOrderIntent: %v", err)
	}
	if got == nil {
		t.Fatal("intent not found")
	}
	if !got.Amount.Equal(decimal.NewFromInt(350)) {
		t.Errorf("Amount: got %s, want 350", got.Amount)
	}
	if got.Status != IntentCreated {
		t.Errorf("Status: got %q, want created", got.Status)
	}
	if !got.HasMembership() {
		t.Error("HasMembership: got false, want true")
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt: got %v, want %v", got.CreatedAt, created)
	}

	paidAt := created.Add(5 * time.Minute)
	if err := s.MarkOrderIntentPaid(ctx, "order_abc", "pay_abc", paidAt); err != nil {
		t.Fatalf("MarkOrderIntentPaid: %v", err)
	}
	got, _ = s.GetOrderIntent(ctx, "order_abc")
	if got.Status != IntentPaid || got.PaymentID != "pay_abc" {
		t.Errorf("after paid: status=%q payment=%q", got.Status, got.PaymentID)
	}
	if got.PaidAt == nil || !got.PaidAt.Equal(paidAt) {
		t.Errorf("PaidAt: got %v, want %v", got.PaidAt, paidAt)
	}

	if err := s.MarkOrderIntentPaid(ctx, "order_missing", "pay", paidAt); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkOrderIntentPaid missing: got %v, want ErrNotFound", err)
	}
	missing, err := s.GetOrderIntent(ctx, "order_missing")
	if err != nil || missing != nil {
		t.Errorf("GetOrderIntent missing: got %+v, %v", missing, err)
	}
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := date(2024, time.January, 1)

	for i := 0; i < 3; i++ {
		err := s.LogAuditEvent(ctx, &AuditEvent{
			ID:        uuid.New().String(),
			Action:    "membership.committed",
			UserID:    "user-1",
			Detail:    json.RawMessage(`{"order_id":"order_1"}`),
			CreatedAt: base.Add(time.Duration(i) * 24 * time.Hour),
		})
		if err != nil {
			t.Fatalf("LogAuditEvent: %v", err)
		}
	}

	events, err := s.ListAuditEvents(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("ListAuditEvents: got %d, want 3", len(events))
	}
	if !events[0].CreatedAt.After(events[2].CreatedAt) {
		t.Error("events should be newest first")
	}
	if string(events[0].Detail) != `{"order_id":"order_1"}` {
		t.Errorf("Detail: got %s", events[0].Detail)
	}

	n, err := s.PurgeOldAuditEvents(ctx, base.Add(36*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOldAuditEvents: %v", err)
	}
	if n != 2 {
		t.Errorf("purged: got %d, want 2", n)
	}
}

func TestLegacyTimestampsAreNormalized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Rows imported from the previous system carry text and second-based dates.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (user_id, start_date, end_date, role, payment_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"legacy", "2024-03-15T10:30:00Z", int64(1773570600), "ExecutiveMember", "2024-03-15 10:30:00",
		int64(1710498600000), int64(1710498600000),
	)
	if err != nil {
		t.Fatal(err)
	}

	m, err := s.GetMembership(ctx, "legacy")
	if err != nil {
		t.Fatalf("GetMembership: %v", err)
	}
	want := date(2024, time.March, 15)
	if m.StartDate == nil || !m.StartDate.Equal(want) {
		t.Errorf("StartDate: got %v, want %v", m.StartDate, want)
	}
	if m.Payment.PaymentDate == nil || !m.Payment.PaymentDate.Equal(want) {
		t.Errorf("PaymentDate: got %v, want %v", m.Payment.PaymentDate, want)
	}
	if m.EndDate == nil || !m.EndDate.Equal(date(2026, time.March, 15)) {
		t.Errorf("EndDate: got %v, want 2026-03-15", m.EndDate)
	}
	if !m.CreatedAt.Equal(want) {
		t.Errorf("CreatedAt: got %v, want %v", m.CreatedAt, want)
	}
}

func TestNewAuditEvent(t *testing.T) {
	ev, err := NewAuditEvent("order.created", "user-1", map[string]any{"order_id": "order_1"})
	if err != nil {
		t.Fatal(err)
	}
	if ev.ID == "" || ev.Action != "order.created" || ev.UserID != "user-1" {
		t.Errorf("unexpected event %+v", ev)
	}
	if string(ev.Detail) != `{"order_id":"order_1"}` {
		t.Errorf("detail = %s", ev.Detail)
	}

	ev, err = NewAuditEvent("order.created", "user-1", map[string]any{"bad": func() {}})
	if err == nil {
		t.Fatal("expected an encoding error")
	}
	if ev == nil || ev.ID == "" || ev.Detail != nil {
		t.Errorf("event must still be usable without detail, got %+v", ev)
	}
}
