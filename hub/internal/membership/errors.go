package membership

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedRequest    = errors.New("malformed verification request")
	ErrSignatureInvalid    = errors.New("payment signature invalid")
	ErrOrderIntentNotFound = errors.New("no order intent for verified order")
	ErrOrderAlreadyPaid    = errors.New("order already settled by another payment")
	ErrListExpired         = errors.New("list expired members")
)

// RequestError lists the gateway fields missing from a verification request.
type RequestError struct {
	Missing []string
}

func (e *RequestError) Error() string {
	return "malformed verification request: missing " + strings.Join(e.Missing, ", ")
}

func (e *RequestError) Unwrap() error { return ErrMalformedRequest }

// PersistenceError means the payment signature was valid but the membership
// could not be committed. The caller may retry with the same order and
// payment ids; the user must not be charged again.
type PersistenceError struct {
	OrderID   string
	PaymentID string
	UserID    string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("commit membership for order %s payment %s: %v", e.OrderID, e.PaymentID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
