package services

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sikaplan/backend/internal/audit"
	"github.com/sikaplan/backend/internal/gateway"
	"github.com/sikaplan/backend/internal/models"
)

// WebhookPayload is the provider's asynchronous charge notification.
type WebhookPayload struct {
	ResponseCode string      `json:"responseCode"`
	Message      string      `json:"message"`
	Data         WebhookData `json:"data"`
}

type WebhookData struct {
	Amount                decimal.Decimal `json:"amount"`
	ClientReference       string          `json:"clientReference"`
	TransactionID         string          `json:"transactionId"`
	ExternalTransactionID string          `json:"externalTransactionId"`
	PaymentDate           string          `json:"paymentDate"`
	Description           string          `json:"description"`
}

// CallbackService consumes provider webhooks and resolves them against
// the payment transaction store.
type CallbackService struct {
	store    *PaymentStore
	policy   *RetryPolicy
	notifier *NotificationService
	audit    *audit.Logger
}

func NewCallbackService(store *PaymentStore, policy *RetryPolicy, notifier *NotificationService, auditLogger *audit.Logger) *CallbackService {
	return &CallbackService{
		store:    store,
		policy:   policy,
		notifier: notifier,
		audit:    auditLogger,
	}
}

// HandleWebhook receives provider callbacks.
// The response is always 200: the provider re-delivers on any other
// status, and its retry storms are worse than a swallowed processing
// error that our own retry sweep will reconcile anyway.
// @Summary Payment gateway webhook
// @Description Receive asynchronous charge notifications from the payment provider
// @Tags payments
// @Accept json
// @Produce json
// @Param payload body WebhookPayload true "Provider notification"
// @Success 200 {object} map[string]string
// @Router /payments/webhook [post]
func (cs *CallbackService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload WebhookPayload

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Printf("[WEBHOOK] undecodable payload: %v", err)
	} else if err := cs.ProcessCallback(&payload); err != nil {
		log.Printf("[WEBHOOK] processing failed for %s: %v", payload.Data.ClientReference, err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "received"})
}

// ProcessCallback resolves a notification idempotently. Duplicate
// deliveries and references we do not know are no-ops, not errors.
func (cs *CallbackService) ProcessCallback(payload *WebhookPayload) error {
	ref := payload.Data.ClientReference
	if ref == "" {
		log.Printf("[WEBHOOK] payload without clientReference, ignoring")
		return nil
	}

	payment, retry, err := cs.store.ResolveReference(ref)
	if errors.Is(err, ErrPaymentNotFound) {
		log.Printf("[WEBHOOK] unknown reference %s, ignoring", ref)
		return nil
	}
	if err != nil {
		return err
	}

	outcome := gateway.ParseResponseCode(payload.ResponseCode)
	log.Printf("[WEBHOOK] ref=%s payment=%d code=%s outcome=%s", ref, payment.ID, payload.ResponseCode, outcome)

	switch outcome {
	case gateway.OutcomeSuccess:
		return cs.applySuccess(payment, retry, payload)
	case gateway.OutcomeInsufficientFunds, gateway.OutcomeDeclined:
		return cs.applyFailure(payment, retry, payload, outcome)
	default:
		// Pending and unknown codes resolve later via another
		// callback or the verify/status path.
		return nil
	}
}

func (cs *CallbackService) applySuccess(payment *models.PaymentTransaction, retry *models.PaymentRetry, payload *WebhookPayload) error {
	metadata, _ := json.Marshal(payload.Data)
	paymentDate := parsePaymentDate(payload.Data.PaymentDate)

	externalRef := payload.Data.ExternalTransactionID
	if externalRef == "" {
		externalRef = payload.Data.TransactionID
	}

	result, err := cs.store.ApplySuccess(payment.ID, externalRef, paymentDate, metadata)
	if errors.Is(err, ErrAlreadyApplied) {
		log.Printf("[WEBHOOK] payment %d already SUCCESS, duplicate delivery ignored", payment.ID)
		return nil
	}
	if err != nil {
		cs.audit.LogError(payment.Reference, payment.ContractID, err)
		return err
	}

	if retry != nil {
		if err := cs.store.CompleteRetryAttempt(retry.ID, "SUCCESS", payload.ResponseCode, payload.Message); err != nil {
			log.Printf("[WEBHOOK] failed to complete retry row %d: %v", retry.ID, err)
		}
	}

	cs.audit.LogPaymentOutcome(payment.Reference, payment.ContractID, payment.Amount, "SUCCESS")
	cs.audit.LogAllocation(payment.Reference, payment.ContractID, result.PenaltyTotal, result.InstallmentTotal, result.Leftover)
	return nil
}

func (cs *CallbackService) applyFailure(payment *models.PaymentTransaction, retry *models.PaymentRetry, payload *WebhookPayload, outcome gateway.Outcome) error {
	settings, err := cs.policy.Settings()
	if err != nil {
		return err
	}

	var nextRetry *time.Time
	if payment.AutoRetryEnabled && settings.AutoRetryEnabled {
		nextRetry = NextRetryDate(payment.RetryCount, settings.RetrySchedule, settings.RetryIntervalHours, time.Now())
	}

	reason := outcome.String()
	if payload.Message != "" {
		reason = payload.Message
	}

	if err := cs.store.MarkFailed(payment.ID, reason, nextRetry); err != nil {
		cs.audit.LogError(payment.Reference, payment.ContractID, err)
		return err
	}

	if retry != nil {
		if err := cs.store.CompleteRetryAttempt(retry.ID, "FAILED", payload.ResponseCode, payload.Message); err != nil {
			log.Printf("[WEBHOOK] failed to complete retry row %d: %v", retry.ID, err)
		}
	}

	cs.audit.LogPaymentOutcome(payment.Reference, payment.ContractID, payment.Amount, "FAILED")

	if settings.NotifyCustomer {
		cs.notifier.QueuePaymentFailure(payment, payment.Phone, reason, settings.SMSTemplate, nextRetry)
	}
	return nil
}

func parsePaymentDate(raw string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Now()
}
