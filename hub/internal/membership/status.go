package membership

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/csi-portal/portal/hub/internal/store"
)

// MembershipStatus is the read model of a user's membership.
type MembershipStatus struct {
	Membership *store.Membership `json:"membership"`
	IsActive   bool              `json:"isActive"`
	Status     string            `json:"status"`
}

// Status loads the membership of userID as of now. A member whose window has
// passed is demoted before the record is returned, so reads are never staler
// than the last request.
func (s *Service) Status(ctx context.Context, userID string, now time.Time) (*MembershipStatus, error) {
	m, err := s.store.GetMembership(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	if m == nil {
		return &MembershipStatus{Status: "No membership"}, nil
	}

	if m.Role == store.RoleExecutiveMember && m.EndDate != nil && now.After(*m.EndDate) {
		demoted, err := s.store.DemoteIfExpired(ctx, userID, now)
		if err != nil {
			// The sweep will retry; serve the stale record with the derived status.
			s.logger.Warn("self-heal demotion failed", "user_id", userID, "error", err)
		} else {
			if demoted {
				s.metrics.selfHealed.Inc()
				s.logger.Info("membership expired on read", "user_id", userID, "end_date", *m.EndDate)
				s.audit(ctx, "membership.expired", userID, map[string]any{
					"end_date": *m.EndDate,
					"source":   "read",
				})
			}
			// Re-read either way: a concurrent sweep may have demoted it first.
			if fresh, err := s.store.GetMembership(ctx, userID); err == nil && fresh != nil {
				m = fresh
			}
		}
	}

	st := &MembershipStatus{Membership: m}
	if m.EndDate == nil {
		st.Status = "No active membership"
		return st, nil
	}
	st.IsActive = now.Before(*m.EndDate)
	st.Status = StatusText(*m.EndDate, now, s.loc)
	return st, nil
}

// StatusText renders "Active, N days remaining" or "Expired on <date>".
// Partial days count as a full day.
func StatusText(end, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	if now.Before(end) {
		days := int(math.Ceil(end.Sub(now).Hours() / 24))
		return fmt.Sprintf("Active, %d days remaining", days)
	}
	return "Expired on " + end.In(loc).Format(LabelDateLayout)
}
