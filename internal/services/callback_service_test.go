package services

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sikaplan/backend/internal/audit"
	"github.com/stretchr/testify/assert"
)

func newCallbackService(db *sql.DB) *CallbackService {
	store := NewPaymentStore(db)
	policy := NewRetryPolicy(db)
	notifier := NewNotificationService(nil)
	return NewCallbackService(store, policy, notifier, audit.NewLogger(nil))
}

func TestCallbackService_HandleWebhook(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newCallbackService(db)

	t.Run("acknowledges undecodable payload", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/payments/webhook", bytes.NewBufferString("not json"))
		w := httptest.NewRecorder()

		service.HandleWebhook(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]string
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "received", response["status"])
	})

	t.Run("acknowledges unknown reference", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM payment_transactions WHERE reference").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("FROM payment_retries WHERE reference").
			WillReturnError(sql.ErrNoRows)

		body, _ := json.Marshal(WebhookPayload{
			ResponseCode: "0000",
			Data:         WebhookData{ClientReference: "HP-UNKNOWN"},
		})
		r := httptest.NewRequest("POST", "/payments/webhook", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.HandleWebhook(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("acknowledges even when processing fails", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM payment_transactions WHERE reference").
			WillReturnError(sql.ErrConnDone)

		body, _ := json.Marshal(WebhookPayload{
			ResponseCode: "0000",
			Data:         WebhookData{ClientReference: "HP-X"},
		})
		r := httptest.NewRequest("POST", "/payments/webhook", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.HandleWebhook(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestCallbackService_ProcessCallback(t *testing.T) {
	now := time.Now()

	t.Run("empty reference is ignored", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := newCallbackService(db)
		assert.NoError(t, service.ProcessCallback(&WebhookPayload{ResponseCode: "0000"}))
	})

	t.Run("duplicate success delivery is a no-op", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT (.+) FROM payment_transactions WHERE reference").
			WillReturnRows(paymentRows().AddRow(
				1, "HP-REF", "CT-001", 50000, "SUCCESS", "mtn-gh", "MTN",
				"233244000001", "EXT-1", "", 0, nil, true, nil, &now, now, now))

		// CAS misses because the payment is already SUCCESS.
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE payment_transactions").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		service := newCallbackService(db)
		err = service.ProcessCallback(&WebhookPayload{
			ResponseCode: "0000",
			Data:         WebhookData{ClientReference: "HP-REF", TransactionID: "EXT-1"},
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("declined payment is marked failed with next retry", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT (.+) FROM payment_transactions WHERE reference").
			WillReturnRows(paymentRows().AddRow(
				1, "HP-REF", "CT-001", 50000, "PENDING", "mtn-gh", "MTN",
				"233244000001", "", "", 0, nil, true, nil, nil, now, now))
		mock.ExpectQuery("SELECT id, auto_retry_enabled, max_retry_attempts").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "auto_retry_enabled", "max_retry_attempts", "retry_interval_hours",
				"retry_schedule", "notify_customer", "sms_template", "updated_at",
			}).AddRow(1, true, 3, 24, "{1,3,7}", false, "template", now))
		mock.ExpectExec("UPDATE payment_transactions").
			WillReturnResult(sqlmock.NewResult(0, 1))

		service := newCallbackService(db)
		err = service.ProcessCallback(&WebhookPayload{
			ResponseCode: "2001",
			Message:      "Transaction declined",
			Data:         WebhookData{ClientReference: "HP-REF"},
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("pending code resolves nothing", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT (.+) FROM payment_transactions WHERE reference").
			WillReturnRows(paymentRows().AddRow(
				1, "HP-REF", "CT-001", 50000, "PENDING", "mtn-gh", "MTN",
				"233244000001", "", "", 0, nil, true, nil, nil, now, now))

		service := newCallbackService(db)
		err = service.ProcessCallback(&WebhookPayload{
			ResponseCode: "0001",
			Data:         WebhookData{ClientReference: "HP-REF"},
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestParsePaymentDate(t *testing.T) {
	t.Run("rfc3339", func(t *testing.T) {
		parsed := parsePaymentDate("2026-03-10T09:00:00Z")
		assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), parsed)
	})

	t.Run("datetime without zone", func(t *testing.T) {
		parsed := parsePaymentDate("2026-03-10 09:00:00")
		assert.Equal(t, 2026, parsed.Year())
		assert.Equal(t, time.March, parsed.Month())
	})

	t.Run("unparseable falls back to now", func(t *testing.T) {
		parsed := parsePaymentDate("garbage")
		assert.WithinDuration(t, time.Now(), parsed, time.Minute)
	})
}
