package services

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sikaplan/backend/internal/audit"
	"github.com/sikaplan/backend/internal/gateway"
	"github.com/sikaplan/backend/internal/models"
)

// FailureReasonUnreachable marks an ambiguous outcome: the provider
// could not be reached, so the charge may or may not exist on its
// side. The retry scheduler reconciles these with a status query
// before ever re-charging.
const FailureReasonUnreachable = "GATEWAY_UNREACHABLE"

// PaymentService exposes the charge initiation and status surface.
type PaymentService struct {
	store     *PaymentStore
	gateway   gateway.API
	policy    *RetryPolicy
	notifier  *NotificationService
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewPaymentService(store *PaymentStore, gw gateway.API, policy *RetryPolicy, notifier *NotificationService, auditLogger *audit.Logger) *PaymentService {
	return &PaymentService{
		store:     store,
		gateway:   gw,
		policy:    policy,
		notifier:  notifier,
		audit:     auditLogger,
		validator: NewValidationHelper(),
	}
}

type initiatePaymentRequest struct {
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Phone       string `json:"phone" validate:"required,msisdn"`
	Network     string `json:"network" validate:"required"`
	DirectDebit bool   `json:"directDebit"`
	Description string `json:"description" validate:"max=200"`
}

// InitiatePayment starts a mobile-money charge against a contract.
// @Summary Initiate a contract payment
// @Description Charge the customer's mobile wallet for a hire-purchase contract
// @Tags payments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param contractId path string true "Contract ID"
// @Param request body initiatePaymentRequest true "Charge details"
// @Success 202 {object} models.PaymentTransaction
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /contracts/{contractId}/payments [post]
func (ps *PaymentService) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	contractID := chi.URLParam(r, "contractId")

	var req initiatePaymentRequest

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ps.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	contract, err := ps.store.GetContract(contractID)
	if errors.Is(err, ErrPaymentNotFound) {
		SendErrorResponse(w, "Contract not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[PAYMENT] failed to load contract %s: %v", contractID, err)
		SendErrorResponse(w, "Failed to process payment", http.StatusInternalServerError, nil)
		return
	}

	if !contract.Payable() {
		SendErrorResponse(w, "Contract cannot accept payments", http.StatusBadRequest, nil)
		return
	}

	phone, err := gateway.FormatPhone(req.Phone)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	channel, err := gateway.ChannelFor(req.Network, req.DirectDebit)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	settings, err := ps.policy.Settings()
	if err != nil {
		log.Printf("[PAYMENT] failed to load retry settings: %v", err)
		SendErrorResponse(w, "Failed to process payment", http.StatusInternalServerError, nil)
		return
	}

	payment, err := ps.store.CreatePending(contractID, req.Amount, channel, req.Network, phone, settings.AutoRetryEnabled)
	if err != nil {
		log.Printf("[PAYMENT] failed to create transaction for contract %s: %v", contractID, err)
		SendErrorResponse(w, "Failed to process payment", http.StatusInternalServerError, nil)
		return
	}

	chargeReq := &gateway.ChargeRequest{
		Amount:      req.Amount,
		Phone:       phone,
		Channel:     channel,
		Reference:   payment.Reference,
		Description: req.Description,
	}

	var resp *gateway.ChargeResponse
	if req.DirectDebit {
		resp, err = ps.gateway.PreapprovalCharge(r.Context(), chargeReq)
	} else {
		resp, err = ps.gateway.InitiateCharge(r.Context(), chargeReq)
	}

	payment = ps.settleInitiation(payment, resp, err, settings)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"success":     payment.Status != models.PaymentFailed,
		"transaction": payment,
	})
}

// settleInitiation folds the gateway's synchronous answer into the
// freshly created transaction. A transport failure is an ambiguous
// outcome, never silently left PENDING.
func (ps *PaymentService) settleInitiation(payment *models.PaymentTransaction, resp *gateway.ChargeResponse, callErr error, settings *models.RetrySettings) *models.PaymentTransaction {
	if callErr != nil {
		reason := FailureReasonUnreachable
		if !errors.Is(callErr, gateway.ErrUnreachable) {
			reason = callErr.Error()
		}
		ps.failInitiation(payment, reason, settings)
		return payment
	}

	outcome := resp.Outcome()
	switch {
	case outcome == gateway.OutcomeSuccess:
		// Some channels confirm synchronously.
		metadata, _ := json.Marshal(resp.Data)
		result, err := ps.store.ApplySuccess(payment.ID, resp.Data.TransactionID, time.Now(), metadata)
		if err != nil && !errors.Is(err, ErrAlreadyApplied) {
			log.Printf("[PAYMENT] failed to apply synchronous success for %s: %v", payment.Reference, err)
			return payment
		}
		payment.Status = models.PaymentSuccess
		payment.ExternalRef = resp.Data.TransactionID
		ps.audit.LogPaymentOutcome(payment.Reference, payment.ContractID, payment.Amount, "SUCCESS")
		if result != nil {
			ps.audit.LogAllocation(payment.Reference, payment.ContractID, result.PenaltyTotal, result.InstallmentTotal, result.Leftover)
		}
	case outcome.Failed():
		reason := outcome.String()
		if resp.Message != "" {
			reason = resp.Message
		}
		ps.failInitiation(payment, reason, settings)
	default:
		// Pending or unknown: the webhook or verify path resolves it.
	}
	return payment
}

func (ps *PaymentService) failInitiation(payment *models.PaymentTransaction, reason string, settings *models.RetrySettings) {
	var nextRetry *time.Time
	if payment.AutoRetryEnabled && settings.AutoRetryEnabled {
		nextRetry = NextRetryDate(payment.RetryCount, settings.RetrySchedule, settings.RetryIntervalHours, time.Now())
	}

	if err := ps.store.MarkFailed(payment.ID, reason, nextRetry); err != nil {
		log.Printf("[PAYMENT] failed to mark %s FAILED: %v", payment.Reference, err)
		return
	}
	payment.Status = models.PaymentFailed
	payment.FailureReason = reason
	payment.NextRetryAt = nextRetry

	ps.audit.LogPaymentOutcome(payment.Reference, payment.ContractID, payment.Amount, "FAILED")
	if settings.NotifyCustomer {
		ps.notifier.QueuePaymentFailure(payment, payment.Phone, reason, settings.SMSTemplate, nextRetry)
	}
}

// GetPayment returns a transaction by reference.
// @Summary Get payment status
// @Tags payments
// @Produce json
// @Security BearerAuth
// @Param reference path string true "Transaction reference"
// @Success 200 {object} models.PaymentTransaction
// @Failure 404 {object} ErrorResponse
// @Router /payments/{reference} [get]
func (ps *PaymentService) GetPayment(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	payment, err := ps.store.GetByReference(reference)
	if errors.Is(err, ErrPaymentNotFound) {
		SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to fetch payment", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payment)
}

// VerifyPayment polls the provider for the charge's current state and
// reconciles our record against it. Used for payments stuck PENDING
// when a webhook went missing.
// @Summary Verify a payment against the provider
// @Tags payments
// @Produce json
// @Security BearerAuth
// @Param reference path string true "Transaction reference"
// @Success 200 {object} models.PaymentTransaction
// @Failure 404 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /payments/{reference}/verify [post]
func (ps *PaymentService) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	payment, err := ps.store.GetByReference(reference)
	if errors.Is(err, ErrPaymentNotFound) {
		SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to fetch payment", http.StatusInternalServerError, nil)
		return
	}

	status, err := ps.gateway.QueryStatus(r.Context(), payment.CurrentReference())
	if err != nil {
		log.Printf("[PAYMENT] verify failed for %s: %v", reference, err)
		SendErrorResponse(w, "Provider unreachable", http.StatusBadGateway, nil)
		return
	}

	switch status.Outcome() {
	case gateway.OutcomeSuccess:
		metadata, _ := json.Marshal(status.Data)
		result, err := ps.store.ApplySuccess(payment.ID, status.Data.ExternalTransactionID, parsePaymentDate(status.Data.PaymentDate), metadata)
		if err != nil && !errors.Is(err, ErrAlreadyApplied) {
			ps.audit.LogError(payment.Reference, payment.ContractID, err)
			SendErrorResponse(w, "Failed to apply payment", http.StatusInternalServerError, nil)
			return
		}
		if result != nil {
			ps.audit.LogPaymentOutcome(payment.Reference, payment.ContractID, payment.Amount, "SUCCESS")
			ps.audit.LogAllocation(payment.Reference, payment.ContractID, result.PenaltyTotal, result.InstallmentTotal, result.Leftover)
		}
	case gateway.OutcomeInsufficientFunds, gateway.OutcomeDeclined:
		settings, err := ps.policy.Settings()
		if err == nil {
			ps.failInitiation(payment, status.Outcome().String(), settings)
		}
	default:
		// Still pending at the provider.
	}

	refreshed, err := ps.store.GetByReference(reference)
	if err != nil {
		refreshed = payment
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(refreshed)
}

// ListFailedPayments backs the admin dashboard of failed payments with
// their retry counts and next attempt times.
// @Summary List failed payments
// @Tags payments
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Max rows (default 50, max 200)"
// @Success 200 {object} map[string]any
// @Router /payments/failed [get]
func (ps *PaymentService) ListFailedPayments(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}

	payments, err := ps.store.ListFailed(limit)
	if err != nil {
		log.Printf("[PAYMENT] failed to list failed payments: %v", err)
		SendErrorResponse(w, "Failed to fetch payments", http.StatusInternalServerError, nil)
		return
	}
	if payments == nil {
		payments = []models.PaymentTransaction{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"payments": payments,
		"count":    len(payments),
	})
}
