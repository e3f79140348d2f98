package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/csi-portal/portal/hub/internal/membership"
	"github.com/csi-portal/portal/hub/internal/payment"
	"github.com/csi-portal/portal/hub/internal/store"
)

type createOrderRequest struct {
	Amount         decimal.Decimal     `json:"amount"`
	Currency       string              `json:"currency"`
	Receipt        string              `json:"receipt"`
	UserID         string              `json:"userId"`
	DurationYears  int                 `json:"durationYears"`
	MembershipPlan string              `json:"membershipPlan"`
	BaseAmount     decimal.NullDecimal `json:"baseAmount"`
	PlatformFee    decimal.NullDecimal `json:"platformFee"`
}

type createOrderResponse struct {
	OrderID  string `json:"orderId"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	KeyID    string `json:"keyId"`
}

type fieldErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields"`
}

// term resolves the membership term an order is for. A zero term with no
// field error means the order carries no membership.
func (req *createOrderRequest) term(fields map[string]string) membership.Term {
	var (
		term membership.Term
		err  error
	)
	switch {
	case req.DurationYears != 0:
		term, err = membership.TermFromYears(req.DurationYears)
		if err != nil {
			fields["durationYears"] = "must be 1, 2 or 3"
		}
	case strings.TrimSpace(req.MembershipPlan) != "":
		term, err = membership.ParseTerm(req.MembershipPlan)
		if err != nil {
			fields["membershipPlan"] = "unknown membership plan"
		}
	default:
		return 0
	}
	if err == nil && strings.TrimSpace(req.UserID) == "" {
		fields["userId"] = "is required for a membership order"
	}
	return term
}

func (s *Server) handlePaymentConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"keyId":    s.publicKeyID,
		"currency": s.currency,
	})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)

	fields := make(map[string]string)
	term := req.term(fields)
	if req.BaseAmount.Valid && req.PlatformFee.Valid &&
		payment.ToMinorUnits(req.BaseAmount.Decimal)+payment.ToMinorUnits(req.PlatformFee.Decimal) != payment.ToMinorUnits(req.Amount) {
		fields["platformFee"] = "baseAmount plus platformFee must equal amount"
	}

	orderReq := payment.OrderRequest{
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
	}
	normalized, _, err := s.issuer.Validate(orderReq)
	var verr *payment.ValidationError
	if errors.As(err, &verr) {
		for k, v := range verr.Fields {
			fields[k] = v
		}
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, fieldErrorResponse{Error: "invalid order request", Fields: fields})
		return
	}

	if term != 0 {
		normalized.Notes = map[string]string{
			"user_id": req.UserID,
			"term":    term.String(),
		}
	}

	order, err := s.issuer.CreateOrder(r.Context(), normalized)
	if err != nil {
		s.writeOrderError(w, err)
		return
	}

	intent := &store.OrderIntent{
		OrderID:     order.ID,
		Amount:      normalized.Amount,
		BaseAmount:  req.BaseAmount,
		PlatformFee: req.PlatformFee,
		Currency:    order.Currency,
		Receipt:     normalized.Receipt,
		Status:      store.IntentCreated,
		CreatedAt:   s.now().UTC(),
	}
	if term != 0 {
		intent.UserID = req.UserID
		intent.TermYears = term.Years()
	}
	if err := s.store.CreateOrderIntent(r.Context(), intent); err != nil {
		s.logger.Error("order created but intent not recorded", "order_id", order.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record order")
		return
	}

	s.logAudit(r.Context(), "order.created", intent.UserID, map[string]any{
		"order_id":     order.ID,
		"amount_minor": order.Amount,
		"currency":     order.Currency,
		"receipt":      normalized.Receipt,
		"term_years":   intent.TermYears,
	})

	writeJSON(w, http.StatusOK, createOrderResponse{
		OrderID:  order.ID,
		Amount:   order.Amount,
		Currency: order.Currency,
		Receipt:  order.Receipt,
		KeyID:    s.publicKeyID,
	})
}

func (s *Server) writeOrderError(w http.ResponseWriter, err error) {
	var verr *payment.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, fieldErrorResponse{Error: "invalid order request", Fields: verr.Fields})
		return
	}
	var gerr *payment.GatewayError
	if errors.As(err, &gerr) {
		msg := gerr.Redacted()
		if s.development {
			msg = gerr.Error()
		}
		status := http.StatusBadGateway
		if errors.Is(gerr, payment.ErrGatewayUnavailable) {
			status = http.StatusServiceUnavailable
			w.Header().Set("Retry-After", "30")
		}
		writeError(w, status, msg)
		return
	}
	s.logger.Error("create order", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

type verifyPaymentRequest struct {
	OrderID       string              `json:"orderId"`
	PaymentID     string              `json:"paymentId"`
	Signature     string              `json:"signature"`
	UserID        string              `json:"userId"`
	DurationYears int                 `json:"durationYears"`
	Amount        decimal.NullDecimal `json:"amount"`
	BaseAmount    decimal.NullDecimal `json:"baseAmount"`
	PlatformFee   decimal.NullDecimal `json:"platformFee"`
	Currency      string              `json:"currency"`
	UserEmail     string              `json:"userEmail"`
	UserName      string              `json:"userName"`
	UserUSN       string              `json:"userUsn"`
}

type verifyPaymentResponse struct {
	Success        bool       `json:"success"`
	Message        string     `json:"message"`
	Status         string     `json:"status,omitempty"`
	OrderID        string     `json:"orderId,omitempty"`
	PaymentID      string     `json:"paymentId,omitempty"`
	MembershipType string     `json:"membershipType,omitempty"`
	StartDate      *time.Time `json:"startDate,omitempty"`
	EndDate        *time.Time `json:"endDate,omitempty"`
	Missing        []string   `json:"missing,omitempty"`
}

func (s *Server) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyPaymentRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	res, err := s.memberships.VerifyAndCommit(r.Context(), membership.VerificationRequest{
		OrderID:       req.OrderID,
		PaymentID:     req.PaymentID,
		Signature:     req.Signature,
		UserID:        req.UserID,
		DurationYears: req.DurationYears,
		Amount:        req.Amount,
		BaseAmount:    req.BaseAmount,
		PlatformFee:   req.PlatformFee,
		Currency:      req.Currency,
		UserEmail:     req.UserEmail,
		UserName:      req.UserName,
		UserUSN:       req.UserUSN,
	})

	var (
		reqErr  *membership.RequestError
		persErr *membership.PersistenceError
	)
	switch {
	case errors.As(err, &reqErr):
		writeJSON(w, http.StatusBadRequest, verifyPaymentResponse{
			Message: "missing payment fields",
			Missing: reqErr.Missing,
		})
		return
	case errors.Is(err, membership.ErrSignatureInvalid):
		writeJSON(w, http.StatusBadRequest, verifyPaymentResponse{
			Message:   "payment verification failed",
			OrderID:   req.OrderID,
			PaymentID: req.PaymentID,
		})
		return
	case errors.As(err, &persErr) && res != nil:
		// The payment is genuine; the client should retry verification, not pay again.
		writeJSON(w, http.StatusOK, verifyPaymentResponse{
			Success:   true,
			Message:   "payment verified but membership could not be saved, retry verification with the same payment",
			Status:    string(res.Outcome),
			OrderID:   res.OrderID,
			PaymentID: res.PaymentID,
		})
		return
	case err != nil:
		s.logger.Error("verify payment", "order_id", req.OrderID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := verifyPaymentResponse{
		Success:   true,
		Message:   "payment verified",
		Status:    string(res.Outcome),
		OrderID:   res.OrderID,
		PaymentID: res.PaymentID,
	}
	if res.Outcome == membership.OutcomeCommitted {
		resp.Message = "payment verified and membership activated"
		resp.MembershipType = res.Label
		if res.Window != nil {
			resp.StartDate = &res.Window.Start
			resp.EndDate = &res.Window.End
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.reconciler.Sweep(r.Context(), s.now())
	if membership.Aborted(err) {
		s.logger.Error("membership sweep aborted", "updated", res.Updated, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"updated": res.Updated,
			"error":   "sweep incomplete",
		})
		return
	}
	if err != nil {
		s.logger.Warn("membership sweep left members undemoted", "updated", res.Updated, "failed", res.Failed, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"updated": res.Updated,
		"failed":  res.Failed,
	})
}

func (s *Server) handleGetMembership(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	identity := getIdentityFromContext(r.Context())
	if !identity.CanRead(userID) {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}

	st, err := s.memberships.Status(r.Context(), userID, s.now())
	if err != nil {
		s.logger.Error("get membership", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load membership")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
