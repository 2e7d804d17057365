package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sikaplan/backend/internal/audit"
	"github.com/sikaplan/backend/internal/gateway"
	"github.com/sikaplan/backend/internal/models"
)

const (
	retrySweepJob      = "retry-sweep"
	schedulerLeaseKey  = "scheduler:lease:" + retrySweepJob
	defaultSweepPeriod = 6 * time.Hour
)

// RetryScheduler periodically re-drives failed payments through the
// gateway. Ticks never overlap: a tick that cannot take the sweep
// lease is skipped outright, not queued, because two concurrent sweeps
// would double-attempt the same eligible payments.
//
// The lease is a Redis SETNX record with a TTL so the guard holds
// across multiple process instances; without Redis it degrades to an
// in-process try-lock.
type RetryScheduler struct {
	store    *PaymentStore
	gateway  gateway.API
	policy   *RetryPolicy
	notifier *NotificationService
	audit    *audit.Logger
	redis    *redis.Client

	period     time.Duration
	leaseTTL   time.Duration
	instanceID string
	mu         sync.Mutex
}

func NewRetryScheduler(store *PaymentStore, gw gateway.API, policy *RetryPolicy, notifier *NotificationService, auditLogger *audit.Logger, redisClient *redis.Client, period time.Duration) *RetryScheduler {
	if period <= 0 {
		period = defaultSweepPeriod
	}
	return &RetryScheduler{
		store:      store,
		gateway:    gw,
		policy:     policy,
		notifier:   notifier,
		audit:      auditLogger,
		redis:      redisClient,
		period:     period,
		leaseTTL:   period,
		instanceID: uuid.NewString(),
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *RetryScheduler) Start(ctx context.Context) {
	log.Printf("[RETRY] scheduler started, period %s", s.period)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[RETRY] scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				log.Printf("[RETRY] sweep failed: %v", err)
			}
		}
	}
}

// Sweep runs one pass over all eligible payments.
func (s *RetryScheduler) Sweep(ctx context.Context) error {
	release, ok := s.acquireLease(ctx)
	if !ok {
		log.Printf("[RETRY] previous sweep still running, skipping tick")
		return nil
	}
	defer release()

	settings, err := s.policy.Settings()
	if err != nil {
		return fmt.Errorf("loading retry settings: %w", err)
	}
	if !settings.AutoRetryEnabled {
		return nil
	}

	now := time.Now()
	payments, err := s.store.ListEligibleForRetry(settings, now)
	if err != nil {
		return fmt.Errorf("listing eligible payments: %w", err)
	}

	log.Printf("[RETRY] sweep found %d eligible payments", len(payments))
	for i := range payments {
		payment := &payments[i]
		if !IsEligibleForRetry(payment, settings, now) {
			continue
		}
		if err := s.retryPayment(ctx, payment, settings); err != nil {
			log.Printf("[RETRY] retry of %s failed: %v", payment.Reference, err)
		}
	}
	return nil
}

func (s *RetryScheduler) acquireLease(ctx context.Context) (func(), bool) {
	if s.redis != nil {
		ok, err := s.redis.SetNX(ctx, schedulerLeaseKey, s.instanceID, s.leaseTTL).Result()
		if err != nil {
			log.Printf("[RETRY] lease check failed, falling back to local lock: %v", err)
		} else if !ok {
			return nil, false
		} else {
			return func() {
				// Only the holder releases; a crashed holder's
				// lease expires with the TTL.
				val, err := s.redis.Get(ctx, schedulerLeaseKey).Result()
				if err == nil && val == s.instanceID {
					s.redis.Del(ctx, schedulerLeaseKey)
				}
			}, true
		}
	}

	if !s.mu.TryLock() {
		return nil, false
	}
	return s.mu.Unlock, true
}

// retryPayment drives one more charge attempt for a failed payment.
// When the previous outcome was ambiguous (provider unreachable), the
// provider is asked for the charge's actual state first so an
// already-successful charge is applied instead of charged twice.
func (s *RetryScheduler) retryPayment(ctx context.Context, payment *models.PaymentTransaction, settings *models.RetrySettings) error {
	if payment.FailureReason == FailureReasonUnreachable {
		resolved, err := s.reconcileAmbiguous(ctx, payment)
		if err != nil {
			// Provider still unreachable; leave the payment for the
			// next sweep rather than risking a double charge.
			return err
		}
		if resolved {
			return nil
		}
	}

	attempt := payment.RetryCount + 1
	reference := payment.RetryReference(attempt)

	retryID, err := s.store.RecordRetryAttempt(payment.ID, attempt, reference)
	if err != nil {
		return fmt.Errorf("recording retry attempt: %w", err)
	}

	chargeReq := &gateway.ChargeRequest{
		Amount:      payment.Amount,
		Phone:       payment.Phone,
		Channel:     payment.Channel,
		Reference:   reference,
		Description: fmt.Sprintf("Retry %d for %s", attempt, payment.Reference),
	}

	charge := s.gateway.InitiateCharge
	if strings.HasSuffix(payment.Channel, "-direct-debit") {
		charge = s.gateway.PreapprovalCharge
	}

	resp, err := charge(ctx, chargeReq)
	if err != nil {
		nextRetry := s.nextRetry(attempt, settings)
		if markErr := s.store.MarkRetryFailed(payment.ID, attempt, FailureReasonUnreachable, nextRetry); markErr != nil {
			return markErr
		}
		if cErr := s.store.CompleteRetryAttempt(retryID, "FAILED", "", err.Error()); cErr != nil {
			log.Printf("[RETRY] failed to complete retry row %d: %v", retryID, cErr)
		}
		return err
	}

	outcome := resp.Outcome()
	switch {
	case outcome == gateway.OutcomeSuccess:
		metadata, _ := json.Marshal(resp.Data)
		if _, err := s.store.ApplySuccess(payment.ID, resp.Data.TransactionID, time.Now(), metadata); err != nil && !errors.Is(err, ErrAlreadyApplied) {
			return err
		}
		if err := s.store.CompleteRetryAttempt(retryID, "SUCCESS", resp.ResponseCode, resp.Message); err != nil {
			log.Printf("[RETRY] failed to complete retry row %d: %v", retryID, err)
		}
		s.audit.LogPaymentOutcome(payment.Reference, payment.ContractID, payment.Amount, "SUCCESS")

	case outcome.Failed():
		reason := outcome.String()
		if resp.Message != "" {
			reason = resp.Message
		}
		nextRetry := s.nextRetry(attempt, settings)
		if err := s.store.MarkRetryFailed(payment.ID, attempt, reason, nextRetry); err != nil {
			return err
		}
		if err := s.store.CompleteRetryAttempt(retryID, "FAILED", resp.ResponseCode, resp.Message); err != nil {
			log.Printf("[RETRY] failed to complete retry row %d: %v", retryID, err)
		}
		s.audit.LogPaymentOutcome(payment.Reference, payment.ContractID, payment.Amount, "FAILED")
		if settings.NotifyCustomer {
			s.notifier.QueuePaymentFailure(payment, payment.Phone, reason, settings.SMSTemplate, nextRetry)
		}

	default:
		// Accepted for processing; the webhook resolves the attempt.
		if err := s.store.MarkRetryInitiated(payment.ID, attempt); err != nil {
			return err
		}
	}
	return nil
}

// reconcileAmbiguous checks the provider's view of the last attempted
// charge. Returns true when the payment was resolved (either applied
// as success or confirmed as a definitive failure that falls through
// to the normal retry path on the next sweep).
func (s *RetryScheduler) reconcileAmbiguous(ctx context.Context, payment *models.PaymentTransaction) (bool, error) {
	status, err := s.gateway.QueryStatus(ctx, payment.CurrentReference())
	if err != nil {
		return false, fmt.Errorf("reconciling ambiguous charge %s: %w", payment.CurrentReference(), err)
	}

	switch status.Outcome() {
	case gateway.OutcomeSuccess:
		log.Printf("[RETRY] ambiguous charge %s succeeded provider-side, applying", payment.CurrentReference())
		metadata, _ := json.Marshal(status.Data)
		_, err := s.store.ApplySuccess(payment.ID, status.Data.ExternalTransactionID, parsePaymentDate(status.Data.PaymentDate), metadata)
		if err != nil && !errors.Is(err, ErrAlreadyApplied) {
			return false, err
		}
		s.audit.LogPaymentOutcome(payment.Reference, payment.ContractID, payment.Amount, "SUCCESS")
		return true, nil
	default:
		// Definitive failure or no record of the charge: safe to
		// issue a fresh attempt.
		return false, nil
	}
}

func (s *RetryScheduler) nextRetry(attempt int, settings *models.RetrySettings) *time.Time {
	return NextRetryDate(attempt, settings.RetrySchedule, settings.RetryIntervalHours, time.Now())
}
