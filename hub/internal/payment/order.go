package payment

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/csi-portal/portal/hub/internal/config"
)

// MaxReceiptLength is the gateway's limit on receipt identifiers.
const MaxReceiptLength = 40

// DefaultCurrency is used when a request names none.
const DefaultCurrency = "INR"

var hundred = decimal.NewFromInt(100)

// OrderRequest asks for a gateway order. Amount is in major units.
type OrderRequest struct {
	Amount   decimal.Decimal
	Currency string
	Receipt  string
	Notes    map[string]string
}

// Order is a gateway-assigned order. Amount is in minor units.
type Order struct {
	ID        string    `json:"id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Receipt   string    `json:"receipt"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// GatewayOrderRequest is an order request already converted to minor units.
type GatewayOrderRequest struct {
	Amount   int64
	Currency string
	Receipt  string
	Notes    map[string]string
}

// Gateway creates orders at the payment provider.
type Gateway interface {
	CreateOrder(ctx context.Context, req GatewayOrderRequest) (*Order, error)
}

// ToMinorUnits converts a major-unit amount to minor units, rounding half
// away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts minor units back to a major-unit decimal.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// Issuer validates order requests and creates them at the gateway.
type Issuer struct {
	gateway   Gateway
	maxAmount decimal.Decimal
	currency  string
	logger    *slog.Logger
	metrics   *issuerMetrics
	tracer    trace.Tracer
}

// NewIssuer creates an Issuer. reg may be nil.
func NewIssuer(gw Gateway, cfg config.PaymentConfig, logger *slog.Logger, reg prometheus.Registerer) *Issuer {
	currency := strings.ToUpper(cfg.Currency)
	if currency == "" {
		currency = DefaultCurrency
	}
	return &Issuer{
		gateway:   gw,
		maxAmount: cfg.MaxAmountDecimal(),
		currency:  currency,
		logger:    logger.With("component", "order-issuer"),
		metrics:   newIssuerMetrics(reg),
		tracer:    otel.Tracer("github.com/csi-portal/portal/hub/internal/payment"),
	}
}

// Validate checks req and returns it normalized together with the amount in
// minor units. Every invalid field is reported in a *ValidationError.
func (i *Issuer) Validate(req OrderRequest) (OrderRequest, int64, error) {
	verr := &ValidationError{}

	var minor int64
	switch {
	case !req.Amount.IsPositive():
		verr.add("amount", "must be greater than 0")
	case i.maxAmount.IsPositive() && req.Amount.GreaterThan(i.maxAmount):
		verr.add("amount", "must not exceed "+i.maxAmount.String())
	default:
		minor = ToMinorUnits(req.Amount)
		if minor < 1 {
			verr.add("amount", "is smaller than the minimum chargeable unit")
		}
	}

	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = i.currency
	}
	if !isCurrencyCode(req.Currency) {
		verr.add("currency", "must be a three-letter currency code")
	}

	req.Receipt = strings.TrimSpace(req.Receipt)
	switch n := utf8.RuneCountInString(req.Receipt); {
	case n == 0:
		verr.add("receipt", "is required")
	case n > MaxReceiptLength:
		verr.add("receipt", "must be at most 40 characters")
	}

	if err := verr.orNil(); err != nil {
		return req, 0, err
	}
	return req, minor, nil
}

// CreateOrder validates req and creates the order at the gateway. Gateway
// failures are returned as *GatewayError; no order is returned with an error.
func (i *Issuer) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	ctx, span := i.tracer.Start(ctx, "payment.CreateOrder")
	defer span.End()

	req, minor, err := i.Validate(req)
	if err != nil {
		i.metrics.failures.WithLabelValues("validation").Inc()
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("payment.amount_minor", minor),
		attribute.String("payment.currency", req.Currency),
	)

	order, err := i.gateway.CreateOrder(ctx, GatewayOrderRequest{
		Amount:   minor,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Notes:    req.Notes,
	})
	if err == nil && (order == nil || order.ID == "") {
		err = &GatewayError{Op: "create order", Message: "gateway returned no order id"}
	}
	if err != nil {
		var gerr *GatewayError
		if !errors.As(err, &gerr) {
			gerr = &GatewayError{Op: "create order", Err: err}
		}
		i.metrics.failures.WithLabelValues("gateway").Inc()
		span.RecordError(gerr)
		span.SetStatus(codes.Error, "gateway error")
		i.logger.Error("gateway order creation failed",
			"receipt", req.Receipt, "status", gerr.StatusCode, "code", gerr.Code, "error", gerr)
		return nil, gerr
	}

	i.metrics.created.Inc()
	span.SetAttributes(attribute.String("payment.order_id", order.ID))
	i.logger.Info("order created", "order_id", order.ID, "amount", order.Amount, "currency", order.Currency)
	return order, nil
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
