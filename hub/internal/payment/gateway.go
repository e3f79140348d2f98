package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/csi-portal/portal/hub/internal/config"
)

const maxGatewayResponseBytes = 1 << 20

// RazorpayGateway creates orders through the Razorpay orders API. Calls are
// guarded by a circuit breaker that trips on consecutive retryable failures.
type RazorpayGateway struct {
	baseURL   string
	keyID     string
	keySecret string
	timeout   time.Duration
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
}

// NewRazorpayGateway creates a gateway client from the payment config.
func NewRazorpayGateway(cfg config.PaymentConfig, logger *slog.Logger) *RazorpayGateway {
	logger = logger.With("component", "gateway")
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	g := &RazorpayGateway{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		keyID:     cfg.KeyID,
		keySecret: cfg.KeySecret,
		timeout:   cfg.Timeout.Duration,
		client:    &http.Client{},
		logger:    logger,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "payment-gateway",
		Timeout: cfg.BreakerTimeout.Duration,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// Client errors are the caller's fault and must not open the breaker.
		IsSuccessful: func(err error) bool {
			var gerr *GatewayError
			if errors.As(err, &gerr) {
				return !gerr.Retryable()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return g
}

type createOrderBody struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type orderResponse struct {
	ID        string `json:"id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Receipt   string `json:"receipt"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// CreateOrder implements Gateway.
func (g *RazorpayGateway) CreateOrder(ctx context.Context, req GatewayOrderRequest) (*Order, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.createOrder(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &GatewayError{Op: "create order", Err: fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)}
		}
		return nil, err
	}
	return result.(*Order), nil
}

func (g *RazorpayGateway) createOrder(ctx context.Context, req GatewayOrderRequest) (*Order, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(createOrderBody{
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Notes:    req.Notes,
	})
	if err != nil {
		return nil, &GatewayError{Op: "create order", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/orders", bytes.NewReader(payload))
	if err != nil {
		return nil, &GatewayError{Op: "create order", Err: err}
	}
	httpReq.SetBasicAuth(g.keyID, g.keySecret)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, &GatewayError{Op: "create order", Err: fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGatewayResponseBytes))
	if err != nil {
		return nil, &GatewayError{Op: "create order", StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		gerr := &GatewayError{Op: "create order", StatusCode: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(body, &er) == nil {
			gerr.Code = er.Error.Code
			gerr.Message = er.Error.Description
		}
		if gerr.Message == "" {
			gerr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, gerr
	}

	var or orderResponse
	if err := json.Unmarshal(body, &or); err != nil {
		return nil, &GatewayError{Op: "create order", StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	order := &Order{
		ID:       or.ID,
		Amount:   or.Amount,
		Currency: or.Currency,
		Receipt:  or.Receipt,
		Status:   or.Status,
	}
	if or.CreatedAt > 0 {
		order.CreatedAt = time.Unix(or.CreatedAt, 0).UTC()
	} else {
		order.CreatedAt = time.Now().UTC()
	}
	return order, nil
}

// State returns the breaker state, for readiness reporting.
func (g *RazorpayGateway) State() gobreaker.State {
	return g.breaker.State()
}
