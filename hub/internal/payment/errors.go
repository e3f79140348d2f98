package payment

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrGatewayUnavailable is wrapped by GatewayError when the breaker is open
// or the gateway could not be reached.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// redactedGatewayMessage is what clients see for any gateway failure outside development.
const redactedGatewayMessage = "payment gateway error, please retry with a new receipt"

// GatewayError is a failed call to the payment gateway.
type GatewayError struct {
	Op         string // e.g. "create order"
	StatusCode int    // HTTP status from the gateway, 0 if no response
	Code       string // gateway error code, if any
	Message    string // upstream description; never sent to clients in production
	Err        error
}

func (e *GatewayError) Error() string {
	var b strings.Builder
	b.WriteString("gateway ")
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Code != "" {
		b.WriteString(": ")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Redacted returns the message safe to show to clients.
func (e *GatewayError) Redacted() string {
	return redactedGatewayMessage
}

// Retryable reports whether the same request may succeed later.
func (e *GatewayError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// ValidationError lists invalid order request fields.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid order request: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = msg
	}
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
