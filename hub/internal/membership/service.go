package membership

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/csi-portal/portal/hub/internal/notify"
	"github.com/csi-portal/portal/hub/internal/payment"
	"github.com/csi-portal/portal/hub/internal/store"
)

const tracerName = "github.com/csi-portal/portal/hub/internal/membership"

// Outcome is the result of a verification whose signature was valid.
type Outcome string

const (
	OutcomeCommitted    Outcome = "committed"
	OutcomeCommitFailed Outcome = "commit_failed"
	OutcomePaymentOnly  Outcome = "payment_only"
)

// VerificationRequest is the checkout callback reported by the client. Only
// OrderID and PaymentID are covered by the signature; the rest is context
// supplied by the client.
type VerificationRequest struct {
	OrderID   string
	PaymentID string
	Signature string

	UserID        string
	DurationYears int
	Amount        decimal.NullDecimal
	BaseAmount    decimal.NullDecimal
	PlatformFee   decimal.NullDecimal
	Currency      string
	UserEmail     string
	UserName      string
	UserUSN       string
}

func (r *VerificationRequest) normalize() {
	r.OrderID = strings.TrimSpace(r.OrderID)
	r.PaymentID = strings.TrimSpace(r.PaymentID)
	r.Signature = strings.TrimSpace(r.Signature)
	r.UserID = strings.TrimSpace(r.UserID)
	r.UserEmail = strings.TrimSpace(r.UserEmail)
}

func (r *VerificationRequest) missingFields() []string {
	var missing []string
	if r.OrderID == "" {
		missing = append(missing, "orderId")
	}
	if r.PaymentID == "" {
		missing = append(missing, "paymentId")
	}
	if r.Signature == "" {
		missing = append(missing, "signature")
	}
	return missing
}

func (r *VerificationRequest) hasMembershipContext() bool {
	return r.UserID != "" && r.DurationYears != 0 && r.Amount.Valid
}

// Result describes a verification whose signature was valid.
type Result struct {
	Outcome   Outcome
	OrderID   string
	PaymentID string
	UserID    string
	Label     string
	Window    *Window
}

// Notifier accepts notification jobs without blocking.
type Notifier interface {
	Enqueue(job notify.Job) error
}

// Options configures a Service.
type Options struct {
	Store              store.Store
	Verifier           *payment.Verifier
	Notifier           Notifier // optional
	Location           *time.Location
	RequireOrderIntent bool
	Logger             *slog.Logger
	Registerer         prometheus.Registerer // optional
	Now                func() time.Time      // defaults to time.Now
}

// Service verifies payments, commits memberships and serves membership status.
type Service struct {
	store         store.Store
	verifier      *payment.Verifier
	notifier      Notifier
	loc           *time.Location
	requireIntent bool
	now           func() time.Time
	logger        *slog.Logger
	metrics       *metrics
	tracer        trace.Tracer
	inflight      singleflight.Group
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:         opts.Store,
		verifier:      opts.Verifier,
		notifier:      opts.Notifier,
		loc:           loc,
		requireIntent: opts.RequireOrderIntent,
		now:           now,
		logger:        opts.Logger.With("component", "membership"),
		metrics:       newMetrics(opts.Registerer),
		tracer:        otel.Tracer(tracerName),
	}
}

// VerifyAndCommit checks the payment signature and, when the payment carries
// membership context, commits the membership in a single merge-write.
//
// Rejections are returned as errors: ErrMalformedRequest (as *RequestError)
// and ErrSignatureInvalid, both without side effects. A valid signature
// always yields a Result; if the commit failed the Result has
// OutcomeCommitFailed and the error is a *PersistenceError.
func (s *Service) VerifyAndCommit(ctx context.Context, req VerificationRequest) (*Result, error) {
	req.normalize()
	ctx, span := s.tracer.Start(ctx, "membership.VerifyAndCommit", trace.WithAttributes(
		attribute.String("payment.order_id", req.OrderID),
		attribute.String("payment.payment_id", req.PaymentID),
	))
	defer span.End()

	if missing := req.missingFields(); len(missing) > 0 {
		s.metrics.verifications.WithLabelValues("malformed").Inc()
		span.SetStatus(codes.Error, "malformed request")
		return nil, &RequestError{Missing: missing}
	}

	if !s.verifier.Verify(req.OrderID, req.PaymentID, req.Signature) {
		s.metrics.verifications.WithLabelValues("signature_invalid").Inc()
		span.SetStatus(codes.Error, "signature invalid")
		s.logger.Error("payment signature verification failed",
			"order_id", req.OrderID, "payment_id", req.PaymentID, "user_id", req.UserID)
		s.audit(ctx, "payment.signature_invalid", req.UserID, map[string]any{
			"order_id":   req.OrderID,
			"payment_id": req.PaymentID,
		})
		return nil, ErrSignatureInvalid
	}

	key := req.OrderID + "|" + req.PaymentID
	shareCtx := context.WithoutCancel(ctx)
	v, err, shared := s.inflight.Do(key, func() (any, error) {
		return s.commit(shareCtx, req)
	})
	if shared {
		s.logger.Debug("verification collapsed with concurrent call", "order_id", req.OrderID)
	}
	res := *v.(*Result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(res.Outcome))
	}
	span.SetAttributes(attribute.String("membership.outcome", string(res.Outcome)))
	return &res, err
}

// membershipContext is what a verified payment is committed as.
type membershipContext struct {
	userID      string
	years       int
	amount      decimal.Decimal
	baseAmount  decimal.NullDecimal
	platformFee decimal.NullDecimal
	currency    string

	// intent is the stored order intent the context came from, if any.
	intent *store.OrderIntent
}

// paidWith reports whether the order was already settled by paymentID.
func (mc *membershipContext) paidWith(paymentID string) bool {
	in := mc.intent
	return in != nil && in.Status == store.IntentPaid && in.PaymentID == paymentID && in.PaidAt != nil
}

func (s *Service) commit(ctx context.Context, req VerificationRequest) (*Result, error) {
	res := &Result{OrderID: req.OrderID, PaymentID: req.PaymentID, UserID: req.UserID}

	mc, err := s.resolveContext(ctx, req)
	if err != nil {
		return s.commitFailed(ctx, res, err)
	}
	if mc == nil {
		res.Outcome = OutcomePaymentOnly
		s.metrics.verifications.WithLabelValues(string(OutcomePaymentOnly)).Inc()
		s.logger.Info("payment verified without membership context", "order_id", req.OrderID, "payment_id", req.PaymentID)
		s.audit(ctx, "payment.verified", req.UserID, map[string]any{
			"order_id":   req.OrderID,
			"payment_id": req.PaymentID,
		})
		return res, nil
	}
	res.UserID = mc.userID

	term, err := TermFromYears(mc.years)
	if err != nil {
		return s.commitFailed(ctx, res, err)
	}

	current, err := s.store.GetMembership(ctx, mc.userID)
	if err != nil {
		return s.commitFailed(ctx, res, err)
	}

	// A payment always maps to the window it bought first. Replaying a payment
	// that a later one has superseded must not touch the record.
	now := s.now().In(s.loc)
	purchase := now
	resubmitted, superseded := false, false
	switch {
	case current != nil && current.Payment.GatewayPaymentID == req.PaymentID && current.StartDate != nil:
		purchase = current.StartDate.In(s.loc)
		resubmitted = true
	case mc.paidWith(req.PaymentID):
		purchase = mc.intent.PaidAt.In(s.loc)
		superseded = true
	case mc.intent != nil && mc.intent.Status == store.IntentPaid:
		return s.commitFailed(ctx, res, ErrOrderAlreadyPaid)
	}
	window, err := ComputeWindow(term, purchase)
	if err != nil {
		return s.commitFailed(ctx, res, err)
	}
	label := Label(term, window.End, s.loc)

	if superseded || (resubmitted && !window.End.After(now)) {
		res.Outcome = OutcomeCommitted
		res.Label = label
		res.Window = &window
		s.metrics.verifications.WithLabelValues("replayed").Inc()
		s.logger.Warn("payment already applied, membership left unchanged",
			"user_id", mc.userID, "order_id", req.OrderID, "payment_id", req.PaymentID,
			"current_payment_id", currentPaymentID(current))
		return res, nil
	}

	total := decimal.NewNullDecimal(mc.amount)
	role := store.RoleExecutiveMember
	expired := false
	update := store.MembershipUpdate{
		MembershipType: &label,
		StartDate:      &window.Start,
		EndDate:        &window.End,
		Payment: &store.Payment{
			GatewayOrderID:   req.OrderID,
			GatewayPaymentID: req.PaymentID,
			BaseAmount:       mc.baseAmount,
			PlatformFee:      mc.platformFee,
			TotalAmount:      total,
			Currency:         mc.currency,
			PaymentDate:      &purchase,
		},
		Role:              &role,
		MembershipExpired: &expired,
	}
	if err := s.store.UpsertMembership(ctx, mc.userID, update); err != nil {
		return s.commitFailed(ctx, res, err)
	}

	res.Outcome = OutcomeCommitted
	res.Label = label
	res.Window = &window
	s.metrics.verifications.WithLabelValues(string(OutcomeCommitted)).Inc()
	s.logger.Info("membership committed",
		"user_id", mc.userID, "order_id", req.OrderID, "payment_id", req.PaymentID,
		"term", term.String(), "end_date", window.End, "from_intent", mc.intent != nil)

	if !mc.paidWith(req.PaymentID) {
		s.settleIntent(ctx, req, mc, purchase)
	}
	if resubmitted {
		return res, nil
	}
	s.audit(ctx, "membership.committed", mc.userID, map[string]any{
		"order_id":   req.OrderID,
		"payment_id": req.PaymentID,
		"term_years": term.Years(),
		"end_date":   window.End,
		"amount":     mc.amount.String(),
	})
	s.notifyCommitted(req, mc, label, window)
	return res, nil
}

// settleIntent marks the order as paid by this payment. Orders committed from
// client context get a paid intent recorded so a later replay is recognized.
func (s *Service) settleIntent(ctx context.Context, req VerificationRequest, mc *membershipContext, paidAt time.Time) {
	if mc.intent != nil {
		if err := s.store.MarkOrderIntentPaid(ctx, req.OrderID, req.PaymentID, paidAt); err != nil {
			s.logger.Warn("mark order intent paid", "order_id", req.OrderID, "error", err)
		}
		return
	}
	err := s.store.CreateOrderIntent(ctx, &store.OrderIntent{
		OrderID:     req.OrderID,
		UserID:      mc.userID,
		TermYears:   mc.years,
		Amount:      mc.amount,
		BaseAmount:  mc.baseAmount,
		PlatformFee: mc.platformFee,
		Currency:    mc.currency,
		Status:      store.IntentPaid,
		PaymentID:   req.PaymentID,
		CreatedAt:   s.now().UTC(),
		PaidAt:      &paidAt,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicateIntent) {
		s.logger.Warn("record paid order intent", "order_id", req.OrderID, "error", err)
	}
}

func currentPaymentID(m *store.Membership) string {
	if m == nil {
		return ""
	}
	return m.Payment.GatewayPaymentID
}

// resolveContext decides what membership, if any, a verified payment buys.
// When an order intent exists it decides alone; client-supplied context is
// only considered for orders the hub has no record of.
func (s *Service) resolveContext(ctx context.Context, req VerificationRequest) (*membershipContext, error) {
	intent, err := s.store.GetOrderIntent(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	if intent != nil && !intent.HasMembership() {
		if req.UserID != "" || req.DurationYears != 0 {
			s.logger.Warn("order was created without membership, ignoring client membership context",
				"order_id", req.OrderID, "client_user_id", req.UserID, "client_years", req.DurationYears,
				"intent_amount", intent.Amount.String())
		}
		return nil, nil
	}
	if intent != nil {
		if req.UserID != "" && req.UserID != intent.UserID {
			s.logger.Warn("client user id disagrees with order intent, using intent",
				"order_id", req.OrderID, "client_user_id", req.UserID, "intent_user_id", intent.UserID)
		}
		if req.DurationYears != 0 && req.DurationYears != intent.TermYears {
			s.logger.Warn("client duration disagrees with order intent, using intent",
				"order_id", req.OrderID, "client_years", req.DurationYears, "intent_years", intent.TermYears)
		}
		if req.Amount.Valid && !req.Amount.Decimal.Equal(intent.Amount) {
			s.logger.Warn("client amount disagrees with order intent, using intent",
				"order_id", req.OrderID, "client_amount", req.Amount.Decimal.String(), "intent_amount", intent.Amount.String())
		}
		return &membershipContext{
			userID:      intent.UserID,
			years:       intent.TermYears,
			amount:      intent.Amount,
			baseAmount:  intent.BaseAmount,
			platformFee: intent.PlatformFee,
			currency:    intent.Currency,
			intent:      intent,
		}, nil
	}

	if !req.hasMembershipContext() {
		if req.UserID != "" || req.DurationYears != 0 || req.Amount.Valid {
			s.logger.Warn("incomplete membership context, treating as payment only",
				"order_id", req.OrderID, "user_id", req.UserID)
		}
		return nil, nil
	}
	if s.requireIntent {
		return nil, ErrOrderIntentNotFound
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = payment.DefaultCurrency
	}
	return &membershipContext{
		userID:      req.UserID,
		years:       req.DurationYears,
		amount:      req.Amount.Decimal,
		baseAmount:  req.BaseAmount,
		platformFee: req.PlatformFee,
		currency:    currency,
	}, nil
}

func (s *Service) commitFailed(ctx context.Context, res *Result, err error) (*Result, error) {
	res.Outcome = OutcomeCommitFailed
	s.metrics.verifications.WithLabelValues(string(OutcomeCommitFailed)).Inc()
	s.logger.Error("[CRITICAL] payment verified but membership commit failed",
		"order_id", res.OrderID, "payment_id", res.PaymentID, "user_id", res.UserID, "error", err)
	s.audit(ctx, "membership.commit_failed", res.UserID, map[string]any{
		"order_id":   res.OrderID,
		"payment_id": res.PaymentID,
		"error":      err.Error(),
	})
	return res, &PersistenceError{OrderID: res.OrderID, PaymentID: res.PaymentID, UserID: res.UserID, Err: err}
}

func (s *Service) notifyCommitted(req VerificationRequest, mc *membershipContext, label string, w Window) {
	if s.notifier == nil {
		return
	}
	if req.UserEmail == "" {
		s.logger.Debug("no email on verification, skipping receipt", "user_id", mc.userID)
		return
	}
	err := s.notifier.Enqueue(notify.Job{
		Kind:           notify.KindMembershipReceipt,
		UserID:         mc.userID,
		Email:          req.UserEmail,
		Name:           req.UserName,
		USN:            req.UserUSN,
		OrderID:        req.OrderID,
		PaymentID:      req.PaymentID,
		Amount:         mc.amount.StringFixed(2),
		Currency:       mc.currency,
		MembershipType: label,
		EndDate:        w.End,
	})
	if err != nil {
		s.metrics.notifyDropped.Inc()
		s.logger.Warn("receipt notification not queued", "user_id", mc.userID, "order_id", req.OrderID, "error", err)
	}
}

func (s *Service) audit(ctx context.Context, action, userID string, detail map[string]any) {
	RecordAudit(ctx, s.store, s.logger, action, userID, detail)
}

// RecordAudit stores an audit event. Failures are logged and never returned;
// a detail that cannot be encoded is dropped and the event still recorded.
func RecordAudit(ctx context.Context, st store.Store, logger *slog.Logger, action, userID string, detail map[string]any) {
	ev, err := store.NewAuditEvent(action, userID, detail)
	if err != nil {
		logger.Warn("audit detail not encoded", "action", action, "user_id", userID, "error", err)
	}
	if err := st.LogAuditEvent(ctx, ev); err != nil {
		logger.Warn("audit event not recorded", "action", action, "user_id", userID, "error", err)
	}
}
