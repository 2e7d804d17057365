package services

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/sikaplan/backend/internal/audit"
	"github.com/sikaplan/backend/internal/models"
)

// SettingsService exposes the retry configuration to the admin API.
type SettingsService struct {
	policy    *RetryPolicy
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewSettingsService(policy *RetryPolicy, auditLogger *audit.Logger) *SettingsService {
	return &SettingsService{
		policy:    policy,
		audit:     auditLogger,
		validator: NewValidationHelper(),
	}
}

// GetRetrySettings returns the current retry configuration.
// @Summary Get retry settings
// @Description Current automatic retry configuration
// @Tags settings
// @Produce json
// @Success 200 {object} models.RetrySettings
// @Failure 500 {object} ErrorResponse
// @Security BearerAuth
// @Router /settings/retry [get]
func (ss *SettingsService) GetRetrySettings(w http.ResponseWriter, r *http.Request) {
	settings, err := ss.policy.Settings()
	if err != nil {
		log.Printf("[SETTINGS] failed to load retry settings: %v", err)
		SendErrorResponse(w, "Failed to load retry settings", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(settings)
}

type updateRetrySettingsRequest struct {
	AutoRetryEnabled   bool    `json:"autoRetryEnabled"`
	MaxRetryAttempts   int     `json:"maxRetryAttempts" validate:"min=0,max=10"`
	RetryIntervalHours int     `json:"retryIntervalHours" validate:"min=1,max=168"`
	RetrySchedule      []int64 `json:"retrySchedule" validate:"required,dive,min=0,max=30"`
	NotifyCustomer     bool    `json:"notifyCustomer"`
	SMSTemplate        string  `json:"smsTemplate" validate:"max=500"`
}

// UpdateRetrySettings overwrites the retry configuration.
// @Summary Update retry settings
// @Description Replace the automatic retry configuration
// @Tags settings
// @Accept json
// @Produce json
// @Param settings body updateRetrySettingsRequest true "New configuration"
// @Success 200 {object} models.RetrySettings
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security BearerAuth
// @Router /settings/retry [put]
func (ss *SettingsService) UpdateRetrySettings(w http.ResponseWriter, r *http.Request) {
	var req updateRetrySettingsRequest

	r.Body = http.MaxBytesReader(w, r.Body, 65536)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := ss.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	current, err := ss.policy.Settings()
	if err != nil {
		log.Printf("[SETTINGS] failed to load retry settings: %v", err)
		SendErrorResponse(w, "Failed to load retry settings", http.StatusInternalServerError, nil)
		return
	}

	updated := &models.RetrySettings{
		ID:                 current.ID,
		AutoRetryEnabled:   req.AutoRetryEnabled,
		MaxRetryAttempts:   req.MaxRetryAttempts,
		RetryIntervalHours: req.RetryIntervalHours,
		RetrySchedule:      req.RetrySchedule,
		NotifyCustomer:     req.NotifyCustomer,
		SMSTemplate:        req.SMSTemplate,
	}
	if updated.SMSTemplate == "" {
		updated.SMSTemplate = current.SMSTemplate
	}

	if err := ss.policy.UpdateSettings(updated); err != nil {
		log.Printf("[SETTINGS] failed to update retry settings: %v", err)
		SendErrorResponse(w, "Failed to update retry settings", http.StatusInternalServerError, nil)
		return
	}

	actor := r.Header.Get("X-User-ID")
	if actor == "" {
		actor = "admin"
	}
	ss.audit.LogAdminAction("RETRY_SETTINGS_UPDATED", "retry_settings", "singleton", current, updated, actor)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(updated)
}
