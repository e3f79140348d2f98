package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS memberships (
			user_id TEXT PRIMARY KEY,
			membership_type TEXT,
			start_date TIMESTAMPTZ,
			end_date TIMESTAMPTZ,
			role TEXT,
			gateway_order_id TEXT,
			gateway_payment_id TEXT,
			base_amount BIGINT,
			platform_fee BIGINT,
			total_amount BIGINT,
			currency TEXT,
			payment_date TIMESTAMPTZ,
			membership_expired BOOLEAN,
			membership_expired_date TIMESTAMPTZ,
			csi_id_number TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memberships_role_end ON memberships(role, end_date)`,
		`CREATE TABLE IF NOT EXISTS order_intents (
			order_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			term_years INTEGER NOT NULL DEFAULT 0,
			amount BIGINT NOT NULL,
			base_amount BIGINT,
			platform_fee BIGINT,
			currency TEXT NOT NULL,
			receipt TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'created',
			payment_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			paid_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_intents_user_id ON order_intents(user_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func pgTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// --- Memberships ---

func (s *PostgresStore) UpsertMembership(ctx context.Context, userID string, u MembershipUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	p := u.Payment
	if p == nil {
		p = &Payment{}
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (`+membershipColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT(user_id) DO UPDATE SET
			membership_type = COALESCE(EXCLUDED.membership_type, memberships.membership_type),
			start_date = COALESCE(EXCLUDED.start_date, memberships.start_date),
			end_date = COALESCE(EXCLUDED.end_date, memberships.end_date),
			role = COALESCE(EXCLUDED.role, memberships.role),
			gateway_order_id = COALESCE(EXCLUDED.gateway_order_id, memberships.gateway_order_id),
			gateway_payment_id = COALESCE(EXCLUDED.gateway_payment_id, memberships.gateway_payment_id),
			base_amount = COALESCE(EXCLUDED.base_amount, memberships.base_amount),
			platform_fee = COALESCE(EXCLUDED.platform_fee, memberships.platform_fee),
			total_amount = COALESCE(EXCLUDED.total_amount, memberships.total_amount),
			currency = COALESCE(EXCLUDED.currency, memberships.currency),
			payment_date = COALESCE(EXCLUDED.payment_date, memberships.payment_date),
			membership_expired = COALESCE(EXCLUDED.membership_expired, memberships.membership_expired),
			membership_expired_date = CASE WHEN EXCLUDED.membership_expired = FALSE THEN NULL
				ELSE COALESCE(EXCLUDED.membership_expired_date, memberships.membership_expired_date) END,
			csi_id_number = COALESCE(memberships.csi_id_number, EXCLUDED.csi_id_number),
			updated_at = EXCLUDED.updated_at`,
		userID, derefString(u.MembershipType), pgTime(u.StartDate), pgTime(u.EndDate), derefRole(u.Role),
		nullString(p.GatewayOrderID), nullString(p.GatewayPaymentID),
		nullMinor(p.BaseAmount), nullMinor(p.PlatformFee), nullMinor(p.TotalAmount),
		nullString(p.Currency), pgTime(p.PaymentDate),
		derefBool(u.MembershipExpired), pgTime(u.MembershipExpiredDate), derefString(u.CSIIDNumber),
		now, now,
	)
	return err
}

func (s *PostgresStore) GetMembership(ctx context.Context, userID string) (*Membership, error) {
	m, err := scanMembership(s.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (s *PostgresStore) SetRole(ctx context.Context, userID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE memberships SET role = $1, updated_at = NOW()
		 WHERE user_id = $2 AND ($1 <> 'ExecutiveMember' OR end_date IS NOT NULL)`,
		string(role), userID,
	)
	if err != nil {
		return err
	}
	return setRoleResult(ctx, s, result, userID)
}

func (s *PostgresStore) ListExpiredMembers(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM memberships
		 WHERE role = 'ExecutiveMember' AND end_date IS NOT NULL AND end_date < $1
		 ORDER BY end_date LIMIT $2`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) DemoteIfExpired(ctx context.Context, userID string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE memberships
		 SET role = 'User', membership_expired = TRUE, membership_expired_date = $1, updated_at = $1
		 WHERE user_id = $2 AND role = 'ExecutiveMember' AND end_date IS NOT NULL AND end_date < $1`,
		now.UTC(), userID,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// --- Order intents ---

func (s *PostgresStore) CreateOrderIntent(ctx context.Context, in *OrderIntent) error {
	status := in.Status
	if status == "" {
		status = IntentCreated
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO order_intents (`+orderIntentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		in.OrderID, in.UserID, in.TermYears, toMinor(in.Amount), nullMinor(in.BaseAmount), nullMinor(in.PlatformFee),
		in.Currency, in.Receipt, status, in.PaymentID, in.CreatedAt.UTC(), pgTime(in.PaidAt),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicateIntent
	}
	return err
}

func (s *PostgresStore) GetOrderIntent(ctx context.Context, orderID string) (*OrderIntent, error) {
	in, err := scanOrderIntent(s.db.QueryRowContext(ctx,
		`SELECT `+orderIntentColumns+` FROM order_intents WHERE order_id = $1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return in, err
}

func (s *PostgresStore) MarkOrderIntentPaid(ctx context.Context, orderID, paymentID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE order_intents SET status = 'paid', payment_id = $1, paid_at = $2 WHERE order_id = $3`,
		paymentID, at.UTC(), orderID,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, user_id, detail, created_at) VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.Action, event.UserID, string(event.Detail), event.CreatedAt.UTC(),
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, user_id, detail, created_at FROM audit_events
		 ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE created_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
