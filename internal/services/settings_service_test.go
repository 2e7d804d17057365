package services

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sikaplan/backend/internal/audit"
	"github.com/stretchr/testify/assert"
)

func TestSettingsService_GetRetrySettings(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, auto_retry_enabled, max_retry_attempts").
		WillReturnRows(settingsRow(true))

	service := NewSettingsService(NewRetryPolicy(db), audit.NewLogger(nil))

	req := httptest.NewRequest("GET", "/settings/retry", nil)
	w := httptest.NewRecorder()
	service.GetRetrySettings(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var settings map[string]any
	json.Unmarshal(w.Body.Bytes(), &settings)
	assert.Equal(t, float64(3), settings["maxRetryAttempts"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettingsService_UpdateRetrySettings(t *testing.T) {
	t.Run("valid update", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT id, auto_retry_enabled, max_retry_attempts").
			WillReturnRows(settingsRow(true))
		mock.ExpectExec("UPDATE retry_settings").
			WillReturnResult(sqlmock.NewResult(0, 1))

		service := NewSettingsService(NewRetryPolicy(db), audit.NewLogger(nil))

		body, _ := json.Marshal(map[string]any{
			"autoRetryEnabled":   true,
			"maxRetryAttempts":   5,
			"retryIntervalHours": 12,
			"retrySchedule":      []int64{1, 2, 4},
			"notifyCustomer":     true,
		})
		req := httptest.NewRequest("PUT", "/settings/retry", bytes.NewBuffer(body))
		req.Header.Set("X-User-ID", "admin-7")
		w := httptest.NewRecorder()
		service.UpdateRetrySettings(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var updated map[string]any
		json.Unmarshal(w.Body.Bytes(), &updated)
		assert.Equal(t, float64(5), updated["maxRetryAttempts"])
		// Empty template keeps the existing one.
		assert.Equal(t, "template", updated["smsTemplate"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("out-of-range attempts rejected", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewSettingsService(NewRetryPolicy(db), audit.NewLogger(nil))

		body, _ := json.Marshal(map[string]any{
			"autoRetryEnabled":   true,
			"maxRetryAttempts":   50,
			"retryIntervalHours": 12,
			"retrySchedule":      []int64{1, 2, 4},
		})
		req := httptest.NewRequest("PUT", "/settings/retry", bytes.NewBuffer(body))
		w := httptest.NewRecorder()
		service.UpdateRetrySettings(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var resp ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Contains(t, resp.Details, "MaxRetryAttempts")
	})

	t.Run("interval outside one hour to one week rejected", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewSettingsService(NewRetryPolicy(db), audit.NewLogger(nil))

		body, _ := json.Marshal(map[string]any{
			"autoRetryEnabled":   true,
			"maxRetryAttempts":   3,
			"retryIntervalHours": 0,
			"retrySchedule":      []int64{1, 2, 4},
		})
		req := httptest.NewRequest("PUT", "/settings/retry", bytes.NewBuffer(body))
		w := httptest.NewRecorder()
		service.UpdateRetrySettings(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing schedule rejected", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewSettingsService(NewRetryPolicy(db), audit.NewLogger(nil))

		body, _ := json.Marshal(map[string]any{
			"autoRetryEnabled":   true,
			"maxRetryAttempts":   3,
			"retryIntervalHours": 24,
		})
		req := httptest.NewRequest("PUT", "/settings/retry", bytes.NewBuffer(body))
		w := httptest.NewRecorder()
		service.UpdateRetrySettings(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewSettingsService(NewRetryPolicy(db), audit.NewLogger(nil))

		req := httptest.NewRequest("PUT", "/settings/retry", bytes.NewBufferString(`{"bogus": true}`))
		w := httptest.NewRecorder()
		service.UpdateRetrySettings(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
