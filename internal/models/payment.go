package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

// IsValidTransition reports whether a payment status transition is
// allowed. SUCCESS is terminal; FAILED may be re-initiated back to
// PENDING by the retry scheduler.
func IsValidTransition(from, to PaymentStatus) bool {
	allowed := map[PaymentStatus][]PaymentStatus{
		PaymentPending: {PaymentSuccess, PaymentFailed},
		PaymentFailed:  {PaymentPending, PaymentSuccess},
		PaymentSuccess: {},
	}

	for _, t := range allowed[from] {
		if t == to {
			return true
		}
	}
	return false
}

// PaymentTransaction is one attempted monetary event against a
// contract. The Reference is the idempotency key correlating the
// internal attempt with the provider's record; it is generated once
// and never changes. Retries advance RetryCount on this row and record
// their own PaymentRetry rows under suffixed references.
type PaymentTransaction struct {
	ID               int64           `json:"id" db:"id"`
	Reference        string          `json:"reference" db:"reference"`
	ContractID       string          `json:"contractId" db:"contract_id"`
	Amount           int64           `json:"amount" db:"amount"`
	Status           PaymentStatus   `json:"status" db:"status"`
	Channel          string          `json:"channel" db:"channel"`
	Network          string          `json:"network" db:"network"`
	Phone            string          `json:"phone" db:"phone"`
	ExternalRef      string          `json:"externalRef,omitempty" db:"external_ref"`
	FailureReason    string          `json:"failureReason,omitempty" db:"failure_reason"`
	RetryCount       int             `json:"retryCount" db:"retry_count"`
	NextRetryAt      *time.Time      `json:"nextRetryAt,omitempty" db:"next_retry_at"`
	AutoRetryEnabled bool            `json:"autoRetryEnabled" db:"auto_retry_enabled"`
	Metadata         json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	PaymentDate      *time.Time      `json:"paymentDate,omitempty" db:"payment_date"`
	CreatedAt        time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time       `json:"updatedAt" db:"updated_at"`
}

// RetryReference derives the client reference used for a retry
// attempt. Attempt numbers start at 1 for the first retry.
func (p *PaymentTransaction) RetryReference(attempt int) string {
	return fmt.Sprintf("%s-R%d", p.Reference, attempt)
}

// CurrentReference is the reference of the most recent charge attempt:
// the original reference when no retry has run yet, otherwise the
// latest retry-suffixed one.
func (p *PaymentTransaction) CurrentReference() string {
	if p.RetryCount == 0 {
		return p.Reference
	}
	return p.RetryReference(p.RetryCount)
}

// PaymentRetry is one retry attempt record. Append-only; CompletedAt
// is set exactly once when the attempt resolves.
type PaymentRetry struct {
	ID            int64      `json:"id" db:"id"`
	PaymentID     int64      `json:"paymentId" db:"payment_id"`
	AttemptNumber int        `json:"attemptNumber" db:"attempt_number"`
	Reference     string     `json:"reference" db:"reference"`
	Status        string     `json:"status" db:"status"`
	ResponseCode  string     `json:"responseCode,omitempty" db:"response_code"`
	Message       string     `json:"message,omitempty" db:"message"`
	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
	CompletedAt   *time.Time `json:"completedAt,omitempty" db:"completed_at"`
}

// RetrySettings is the process-wide retry configuration singleton,
// lazily created with defaults on first read.
type RetrySettings struct {
	ID                 int       `json:"id" db:"id"`
	AutoRetryEnabled   bool      `json:"autoRetryEnabled" db:"auto_retry_enabled"`
	MaxRetryAttempts   int       `json:"maxRetryAttempts" db:"max_retry_attempts" validate:"min=0,max=10"`
	RetryIntervalHours int       `json:"retryIntervalHours" db:"retry_interval_hours" validate:"min=1,max=168"`
	RetrySchedule      []int64   `json:"retrySchedule" db:"retry_schedule" validate:"required,dive,min=0,max=30"`
	NotifyCustomer     bool      `json:"notifyCustomer" db:"notify_customer"`
	SMSTemplate        string    `json:"smsTemplate" db:"sms_template"`
	UpdatedAt          time.Time `json:"updatedAt" db:"updated_at"`
}

// DefaultRetrySettings are applied when no settings row exists yet.
func DefaultRetrySettings() *RetrySettings {
	return &RetrySettings{
		AutoRetryEnabled:   true,
		MaxRetryAttempts:   3,
		RetryIntervalHours: 24,
		RetrySchedule:      []int64{1, 3, 7},
		NotifyCustomer:     true,
		SMSTemplate:        "Your payment of GHS {{amount}} could not be processed ({{reason}}). We will retry on {{next_retry}}.",
	}
}
