package services

import (
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sikaplan/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestNextRetryDate(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	schedule := []int64{1, 3, 7}

	t.Run("first retry", func(t *testing.T) {
		next := NextRetryDate(0, schedule, 24, now)
		assert.NotNil(t, next)
		assert.Equal(t, time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC), *next)
	})

	t.Run("interval hours stack on the day offset", func(t *testing.T) {
		next := NextRetryDate(2, schedule, 24, now)
		assert.NotNil(t, next)
		// 7 days plus 24 hours, not 7 days plus nothing
		assert.Equal(t, time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC), *next)
	})

	t.Run("schedule exhausted", func(t *testing.T) {
		assert.Nil(t, NextRetryDate(3, schedule, 24, now))
		assert.Nil(t, NextRetryDate(10, schedule, 24, now))
	})

	t.Run("negative retry count", func(t *testing.T) {
		assert.Nil(t, NextRetryDate(-1, schedule, 24, now))
	})

	t.Run("empty schedule", func(t *testing.T) {
		assert.Nil(t, NextRetryDate(0, nil, 24, now))
	})
}

func TestIsEligibleForRetry(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	due := now.Add(-time.Hour)
	settings := &models.RetrySettings{AutoRetryEnabled: true, MaxRetryAttempts: 3}

	base := func() *models.PaymentTransaction {
		return &models.PaymentTransaction{
			Status:           models.PaymentFailed,
			AutoRetryEnabled: true,
			RetryCount:       1,
			NextRetryAt:      &due,
		}
	}

	t.Run("eligible", func(t *testing.T) {
		assert.True(t, IsEligibleForRetry(base(), settings, now))
	})

	t.Run("not failed", func(t *testing.T) {
		p := base()
		p.Status = models.PaymentPending
		assert.False(t, IsEligibleForRetry(p, settings, now))
	})

	t.Run("auto retry disabled on payment", func(t *testing.T) {
		p := base()
		p.AutoRetryEnabled = false
		assert.False(t, IsEligibleForRetry(p, settings, now))
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		p := base()
		p.RetryCount = 3
		assert.False(t, IsEligibleForRetry(p, settings, now))
	})

	t.Run("no next retry scheduled", func(t *testing.T) {
		p := base()
		p.NextRetryAt = nil
		assert.False(t, IsEligibleForRetry(p, settings, now))
	})

	t.Run("next retry in the future", func(t *testing.T) {
		p := base()
		future := now.Add(time.Hour)
		p.NextRetryAt = &future
		assert.False(t, IsEligibleForRetry(p, settings, now))
	})
}

func TestRetryPolicy_Settings(t *testing.T) {
	t.Run("existing row", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT id, auto_retry_enabled, max_retry_attempts").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "auto_retry_enabled", "max_retry_attempts", "retry_interval_hours",
				"retry_schedule", "notify_customer", "sms_template", "updated_at",
			}).AddRow(1, true, 3, 24, "{1,3,7}", true, "template", time.Now()))

		policy := NewRetryPolicy(db)
		settings, err := policy.Settings()
		assert.NoError(t, err)
		assert.Equal(t, 3, settings.MaxRetryAttempts)
		assert.Equal(t, []int64{1, 3, 7}, settings.RetrySchedule)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row inserts defaults", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT id, auto_retry_enabled, max_retry_attempts").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("INSERT INTO retry_settings").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

		policy := NewRetryPolicy(db)
		settings, err := policy.Settings()
		assert.NoError(t, err)
		assert.True(t, settings.AutoRetryEnabled)
		assert.Equal(t, 3, settings.MaxRetryAttempts)
		assert.Equal(t, 24, settings.RetryIntervalHours)
		assert.Equal(t, []int64{1, 3, 7}, settings.RetrySchedule)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRetryPolicy_UpdateSettings(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE retry_settings").
		WillReturnResult(sqlmock.NewResult(0, 1))

	policy := NewRetryPolicy(db)
	err = policy.UpdateSettings(&models.RetrySettings{
		ID:                 1,
		AutoRetryEnabled:   true,
		MaxRetryAttempts:   5,
		RetryIntervalHours: 12,
		RetrySchedule:      []int64{1, 2, 4, 8, 16},
		NotifyCustomer:     false,
		SMSTemplate:        "template",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
