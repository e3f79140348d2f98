// Package store defines the persistence interface for memberships and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrNoMembershipWindow = errors.New("executive membership requires a start and end date")
	ErrInvalidWindow      = errors.New("membership start date must be before end date")
	ErrAmountMismatch     = errors.New("total amount must equal base amount plus platform fee")
	ErrInvalidRole        = errors.New("invalid role")
	ErrDuplicateIntent    = errors.New("order intent already exists")
)

// Store is the persistence interface for the hub.
type Store interface {
	// Memberships
	UpsertMembership(ctx context.Context, userID string, u MembershipUpdate) error
	GetMembership(ctx context.Context, userID string) (*Membership, error)
	SetRole(ctx context.Context, userID string, role Role) error
	ListExpiredMembers(ctx context.Context, now time.Time, limit int) ([]string, error)
	DemoteIfExpired(ctx context.Context, userID string, now time.Time) (bool, error)

	// Order intents
	CreateOrderIntent(ctx context.Context, in *OrderIntent) error
	GetOrderIntent(ctx context.Context, orderID string) (*OrderIntent, error)
	MarkOrderIntentPaid(ctx context.Context, orderID, paymentID string, at time.Time) error

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Role is the privilege level recorded on a membership.
type Role string

const (
	RoleUser            Role = "User"
	RoleExecutiveMember Role = "ExecutiveMember"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleExecutiveMember
}

// Payment is the gateway metadata attached to a membership.
type Payment struct {
	GatewayOrderID   string              `json:"gatewayOrderId,omitempty"`
	GatewayPaymentID string              `json:"gatewayPaymentId,omitempty"`
	BaseAmount       decimal.NullDecimal `json:"baseAmount"`
	PlatformFee      decimal.NullDecimal `json:"platformFee"`
	TotalAmount      decimal.NullDecimal `json:"totalAmount"`
	Currency         string              `json:"currency,omitempty"`
	PaymentDate      *time.Time          `json:"paymentDate,omitempty"`
}

// Membership is the persisted membership record of one user.
type Membership struct {
	UserID                string     `json:"userId"`
	MembershipType        string     `json:"membershipType,omitempty"`
	StartDate             *time.Time `json:"startDate,omitempty"`
	EndDate               *time.Time `json:"endDate,omitempty"`
	Payment               Payment    `json:"payment"`
	Role                  Role       `json:"role"`
	MembershipExpired     bool       `json:"membershipExpired"`
	MembershipExpiredDate *time.Time `json:"membershipExpiredDate,omitempty"`
	CSIIDNumber           string     `json:"csiIdNumber,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// MembershipUpdate is a merge-write: nil fields leave the stored value as is.
// CSIIDNumber is only written when the record has none yet. Setting
// MembershipExpired to false clears MembershipExpiredDate.
type MembershipUpdate struct {
	MembershipType        *string
	StartDate             *time.Time
	EndDate               *time.Time
	Payment               *Payment
	Role                  *Role
	MembershipExpired     *bool
	MembershipExpiredDate *time.Time
	CSIIDNumber           *string
}

// Validate checks the invariants a single update must satisfy on its own.
// Amounts are compared in stored minor units.
func (u MembershipUpdate) Validate() error {
	if u.Role != nil {
		if !u.Role.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidRole, *u.Role)
		}
		if *u.Role == RoleExecutiveMember && (u.StartDate == nil || u.EndDate == nil) {
			return ErrNoMembershipWindow
		}
	}
	if u.StartDate != nil && u.EndDate != nil && !u.StartDate.Before(*u.EndDate) {
		return ErrInvalidWindow
	}
	if p := u.Payment; p != nil && p.BaseAmount.Valid && p.PlatformFee.Valid && p.TotalAmount.Valid {
		if toMinor(p.BaseAmount.Decimal)+toMinor(p.PlatformFee.Decimal) != toMinor(p.TotalAmount.Decimal) {
			return ErrAmountMismatch
		}
	}
	return nil
}

// Intent statuses.
const (
	IntentCreated = "created"
	IntentPaid    = "paid"
)

// OrderIntent records what an order was created for, keyed by the gateway order id.
type OrderIntent struct {
	OrderID     string              `json:"orderId"`
	UserID      string              `json:"userId,omitempty"`
	TermYears   int                 `json:"termYears,omitempty"`
	Amount      decimal.Decimal     `json:"amount"`
	BaseAmount  decimal.NullDecimal `json:"baseAmount"`
	PlatformFee decimal.NullDecimal `json:"platformFee"`
	Currency    string              `json:"currency"`
	Receipt     string              `json:"receipt"`
	Status      string              `json:"status"`
	PaymentID   string              `json:"paymentId,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	PaidAt      *time.Time          `json:"paidAt,omitempty"`
}

// HasMembership reports whether the intent names a user and a term.
func (in *OrderIntent) HasMembership() bool {
	return in != nil && in.UserID != "" && in.TermYears > 0
}

// AuditEvent records a payment or membership state change.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewAuditEvent builds an event with a fresh id and detail encoded as JSON.
// If detail cannot be encoded the event is still returned, without detail,
// together with the encoding error.
func NewAuditEvent(action, userID string, detail map[string]any) (*AuditEvent, error) {
	ev := &AuditEvent{
		ID:        uuid.NewString(),
		Action:    action,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	if detail == nil {
		return ev, nil
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return ev, fmt.Errorf("encode %s detail: %w", action, err)
	}
	ev.Detail = raw
	return ev, nil
}
