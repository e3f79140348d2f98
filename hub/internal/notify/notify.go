// Package notify delivers post-payment notifications asynchronously. Jobs are
// queued without blocking the caller and sent by a small worker pool with
// exponential backoff; delivery failures are logged and never propagate.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KindMembershipReceipt is sent after a membership commit.
const KindMembershipReceipt = "membership_receipt"

var (
	ErrQueueFull  = errors.New("notification queue full")
	ErrStopped    = errors.New("notification dispatcher stopped")
	ErrInvalidJob = errors.New("invalid notification job")
)

// Job is one notification to deliver.
type Job struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	UserID         string    `json:"userId"`
	Email          string    `json:"email"`
	Name           string    `json:"name,omitempty"`
	USN            string    `json:"usn,omitempty"`
	OrderID        string    `json:"orderId"`
	PaymentID      string    `json:"paymentId"`
	Amount         string    `json:"amount,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	MembershipType string    `json:"membershipType,omitempty"`
	EndDate        time.Time `json:"endDate"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Validate reports jobs that no retry could deliver.
func (j Job) Validate() error {
	if j.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidJob)
	}
	if j.Email == "" {
		return fmt.Errorf("%w: missing email", ErrInvalidJob)
	}
	return nil
}

func (j *Job) fill(now time.Time) {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
}

// Sender delivers a single job.
type Sender interface {
	Send(ctx context.Context, job Job) error
	Close() error
}

// NotificationError is a job that could not be delivered.
type NotificationError struct {
	JobID    string
	Kind     string
	Attempts int
	Err      error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notification %s (%s) failed after %d attempts: %v", e.JobID, e.Kind, e.Attempts, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }
