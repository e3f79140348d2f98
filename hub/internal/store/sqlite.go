package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite. Timestamps are stored as unix
// milliseconds so range comparisons stay numeric.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// Each in-memory store gets its own named shared-cache database so that a
	// replacement pool connection sees the same data and separate stores in
	// one process stay isolated.
	if dsn == ":memory:" {
		dsn = "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; a single connection also keeps the
	// pragmas below in effect for every statement.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) addColumnIfNotExists(table, column, definition string) error {
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && strings.Contains(err.Error(), "duplicate column") {
		return nil
	}
	return err
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS memberships (
			user_id TEXT PRIMARY KEY,
			membership_type TEXT,
			start_date INTEGER,
			end_date INTEGER,
			role TEXT,
			gateway_order_id TEXT,
			gateway_payment_id TEXT,
			base_amount INTEGER,
			platform_fee INTEGER,
			total_amount INTEGER,
			currency TEXT,
			payment_date INTEGER,
			membership_expired INTEGER,
			membership_expired_date INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memberships_role_end ON memberships(role, end_date)`,
		`CREATE TABLE IF NOT EXISTS order_intents (
			order_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			term_years INTEGER NOT NULL DEFAULT 0,
			amount INTEGER NOT NULL,
			base_amount INTEGER,
			platform_fee INTEGER,
			currency TEXT NOT NULL,
			receipt TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'created',
			payment_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			paid_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_intents_user_id ON order_intents(user_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	// Columns added after the first release.
	if err := s.addColumnIfNotExists("memberships", "csi_id_number", "TEXT"); err != nil {
		return fmt.Errorf("add csi_id_number: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func sqliteTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// --- Memberships ---

func (s *SQLiteStore) UpsertMembership(ctx context.Context, userID string, u MembershipUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	p := u.Payment
	if p == nil {
		p = &Payment{}
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (`+membershipColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			membership_type = COALESCE(excluded.membership_type, memberships.membership_type),
			start_date = COALESCE(excluded.start_date, memberships.start_date),
			end_date = COALESCE(excluded.end_date, memberships.end_date),
			role = COALESCE(excluded.role, memberships.role),
			gateway_order_id = COALESCE(excluded.gateway_order_id, memberships.gateway_order_id),
			gateway_payment_id = COALESCE(excluded.gateway_payment_id, memberships.gateway_payment_id),
			base_amount = COALESCE(excluded.base_amount, memberships.base_amount),
			platform_fee = COALESCE(excluded.platform_fee, memberships.platform_fee),
			total_amount = COALESCE(excluded.total_amount, memberships.total_amount),
			currency = COALESCE(excluded.currency, memberships.currency),
			payment_date = COALESCE(excluded.payment_date, memberships.payment_date),
			membership_expired = COALESCE(excluded.membership_expired, memberships.membership_expired),
			membership_expired_date = CASE WHEN excluded.membership_expired = 0 THEN NULL
				ELSE COALESCE(excluded.membership_expired_date, memberships.membership_expired_date) END,
			csi_id_number = COALESCE(memberships.csi_id_number, excluded.csi_id_number),
			updated_at = excluded.updated_at`,
		userID, derefString(u.MembershipType), sqliteTime(u.StartDate), sqliteTime(u.EndDate), derefRole(u.Role),
		nullString(p.GatewayOrderID), nullString(p.GatewayPaymentID),
		nullMinor(p.BaseAmount), nullMinor(p.PlatformFee), nullMinor(p.TotalAmount),
		nullString(p.Currency), sqliteTime(p.PaymentDate),
		derefBool(u.MembershipExpired), sqliteTime(u.MembershipExpiredDate), derefString(u.CSIIDNumber),
		now, now,
	)
	return err
}

func (s *SQLiteStore) GetMembership(ctx context.Context, userID string) (*Membership, error) {
	m, err := scanMembership(s.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (s *SQLiteStore) SetRole(ctx context.Context, userID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE memberships SET role = ?, updated_at = ?
		 WHERE user_id = ? AND (? <> 'ExecutiveMember' OR end_date IS NOT NULL)`,
		string(role), time.Now().UnixMilli(), userID, string(role),
	)
	if err != nil {
		return err
	}
	return setRoleResult(ctx, s, result, userID)
}

// setRoleResult distinguishes a missing record from a refused promotion.
func setRoleResult(ctx context.Context, s Store, result sql.Result, userID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	m, err := s.GetMembership(ctx, userID)
	if err != nil {
		return err
	}
	if m == nil {
		return ErrNotFound
	}
	return ErrNoMembershipWindow
}

func (s *SQLiteStore) ListExpiredMembers(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM memberships
		 WHERE role = 'ExecutiveMember' AND end_date IS NOT NULL AND end_date < ?
		 ORDER BY end_date LIMIT ?`,
		now.UnixMilli(), limit,
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

func (s *SQLiteStore) DemoteIfExpired(ctx context.Context, userID string, now time.Time) (bool, error) {
	ms := now.UnixMilli()
	result, err := s.db.ExecContext(ctx,
		`UPDATE memberships
		 SET role = 'User', membership_expired = 1, membership_expired_date = ?, updated_at = ?
		 WHERE user_id = ? AND role = 'ExecutiveMember' AND end_date IS NOT NULL AND end_date < ?`,
		ms, ms, userID, ms,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// --- Order intents ---

func (s *SQLiteStore) CreateOrderIntent(ctx context.Context, in *OrderIntent) error {
	status := in.Status
	if status == "" {
		status = IntentCreated
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO order_intents (`+orderIntentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.OrderID, in.UserID, in.TermYears, toMinor(in.Amount), nullMinor(in.BaseAmount), nullMinor(in.PlatformFee),
		in.Currency, in.Receipt, status, in.PaymentID, in.CreatedAt.UnixMilli(), sqliteTime(in.PaidAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicateIntent
	}
	return err
}

func (s *SQLiteStore) GetOrderIntent(ctx context.Context, orderID string) (*OrderIntent, error) {
	in, err := scanOrderIntent(s.db.QueryRowContext(ctx,
		`SELECT `+orderIntentColumns+` FROM order_intents WHERE order_id = ?`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return in, err
}

func (s *SQLiteStore) MarkOrderIntentPaid(ctx context.Context, orderID, paymentID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE order_intents SET status = 'paid', payment_id = ?, paid_at = ? WHERE order_id = ?`,
		paymentID, at.UnixMilli(), orderID,
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

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, user_id, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.Action, event.UserID, string(event.Detail), event.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, user_id, detail, created_at FROM audit_events
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanAuditEvents(rows *sql.Rows) ([]AuditEvent, error) {
	var events []AuditEvent
	for rows.Next() {
		var (
			e         AuditEvent
			detail    string
			createdAt any
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &detail, &createdAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = []byte(detail)
		}
		t, err := mustTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("audit created_at: %w", err)
		}
		e.CreatedAt = t
		events = append(events, e)
	}
	return events, rows.Err()
}
