package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Amounts are stored as integer minor units (two decimal places).
const minorExponent = 2

func toMinor(d decimal.Decimal) int64 {
	return d.Shift(minorExponent).Round(0).IntPart()
}

func fromMinor(n int64) decimal.Decimal {
	return decimal.New(n, -minorExponent)
}

func nullMinor(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return toMinor(d.Decimal)
}

func minorToNullDecimal(n sql.NullInt64) decimal.NullDecimal {
	if !n.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(fromMinor(n.Int64))
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func derefString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func derefBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func derefRole(r *Role) any {
	if r == nil {
		return nil
	}
	return string(*r)
}

// Legacy rows and gateway payloads carry timestamps as native time values,
// unix seconds, unix milliseconds or text. normalizeTime is the only place
// that union is handled; everything past the store sees time.Time in UTC.
func normalizeTime(v any) (*time.Time, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		if val.IsZero() {
			return nil, nil
		}
		t := val.UTC()
		return &t, nil
	case int64:
		return unixTime(val), nil
	case int:
		return unixTime(int64(val)), nil
	case float64:
		return unixTime(int64(val)), nil
	case []byte:
		return normalizeTime(string(val))
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil, nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixTime(n), nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				t = t.UTC()
				return &t, nil
			}
		}
		return nil, fmt.Errorf("unrecognized timestamp %q", s)
	default:
		return nil, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// unixMilliThreshold separates second and millisecond epochs; 1e11 seconds is
// past the year 5000.
const unixMilliThreshold = 100_000_000_000

func unixTime(n int64) *time.Time {
	var t time.Time
	if n >= unixMilliThreshold || n <= -unixMilliThreshold {
		t = time.UnixMilli(n).UTC()
	} else {
		t = time.Unix(n, 0).UTC()
	}
	return &t
}

func mustTime(v any) (time.Time, error) {
	t, err := normalizeTime(v)
	if err != nil || t == nil {
		return time.Time{}, err
	}
	return *t, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const membershipColumns = `user_id, membership_type, start_date, end_date, role,
	gateway_order_id, gateway_payment_id, base_amount, platform_fee, total_amount, currency, payment_date,
	membership_expired, membership_expired_date, csi_id_number, created_at, updated_at`

func scanMembership(row scanner) (*Membership, error) {
	var (
		m                             Membership
		membershipType, role, orderID sql.NullString
		paymentID, currency, csiID    sql.NullString
		base, fee, total              sql.NullInt64
		expired                       sql.NullBool
		start, end, paidAt, expiredAt any
		createdAt, updatedAt          any
	)
	err := row.Scan(&m.UserID, &membershipType, &start, &end, &role,
		&orderID, &paymentID, &base, &fee, &total, &currency, &paidAt,
		&expired, &expiredAt, &csiID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	m.MembershipType = membershipType.String
	m.Role = RoleUser
	if role.Valid && role.String != "" {
		m.Role = Role(role.String)
	}
	m.Payment = Payment{
		GatewayOrderID:   orderID.String,
		GatewayPaymentID: paymentID.String,
		BaseAmount:       minorToNullDecimal(base),
		PlatformFee:      minorToNullDecimal(fee),
		TotalAmount:      minorToNullDecimal(total),
		Currency:         currency.String,
	}
	m.MembershipExpired = expired.Valid && expired.Bool
	m.CSIIDNumber = csiID.String

	if m.StartDate, err = normalizeTime(start); err != nil {
		return nil, fmt.Errorf("start_date: %w", err)
	}
	if m.EndDate, err = normalizeTime(end); err != nil {
		return nil, fmt.Errorf("end_date: %w", err)
	}
	if m.Payment.PaymentDate, err = normalizeTime(paidAt); err != nil {
		return nil, fmt.Errorf("payment_date: %w", err)
	}
	if m.MembershipExpiredDate, err = normalizeTime(expiredAt); err != nil {
		return nil, fmt.Errorf("membership_expired_date: %w", err)
	}
	if m.CreatedAt, err = mustTime(createdAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if m.UpdatedAt, err = mustTime(updatedAt); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	return &m, nil
}

const orderIntentColumns = `order_id, user_id, term_years, amount, base_amount, platform_fee,
	currency, receipt, status, payment_id, created_at, paid_at`

func scanOrderIntent(row scanner) (*OrderIntent, error) {
	var (
		in                OrderIntent
		amount            int64
		base, fee         sql.NullInt64
		createdAt, paidAt any
	)
	err := row.Scan(&in.OrderID, &in.UserID, &in.TermYears, &amount, &base, &fee,
		&in.Currency, &in.Receipt, &in.Status, &in.PaymentID, &createdAt, &paidAt)
	if err != nil {
		return nil, err
	}
	in.Amount = fromMinor(amount)
	in.BaseAmount = minorToNullDecimal(base)
	in.PlatformFee = minorToNullDecimal(fee)
	if in.CreatedAt, err = mustTime(createdAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if in.PaidAt, err = normalizeTime(paidAt); err != nil {
		return nil, fmt.Errorf("paid_at: %w", err)
	}
	return &in, nil
}
