package services

import (
	"database/sql"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/sikaplan/backend/internal/models"
)

// RetryPolicy decides whether and when a failed payment is charged
// again. Settings are a read-mostly singleton, lazily created with
// defaults on first read; admin updates are last-writer-wins.
type RetryPolicy struct {
	db *sql.DB
}

func NewRetryPolicy(db *sql.DB) *RetryPolicy {
	return &RetryPolicy{db: db}
}

// Settings loads the singleton row, inserting defaults when absent.
func (p *RetryPolicy) Settings() (*models.RetrySettings, error) {
	s := &models.RetrySettings{}
	var schedule pq.Int64Array
	err := p.db.QueryRow(`
		SELECT id, auto_retry_enabled, max_retry_attempts, retry_interval_hours, retry_schedule,
		       notify_customer, sms_template, updated_at
		FROM retry_settings ORDER BY id LIMIT 1`).Scan(
		&s.ID, &s.AutoRetryEnabled, &s.MaxRetryAttempts, &s.RetryIntervalHours, &schedule,
		&s.NotifyCustomer, &s.SMSTemplate, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return p.insertDefaults()
	}
	if err != nil {
		return nil, err
	}
	s.RetrySchedule = schedule
	return s, nil
}

func (p *RetryPolicy) insertDefaults() (*models.RetrySettings, error) {
	s := models.DefaultRetrySettings()
	s.UpdatedAt = time.Now()

	err := p.db.QueryRow(`
		INSERT INTO retry_settings
		(auto_retry_enabled, max_retry_attempts, retry_interval_hours, retry_schedule, notify_customer, sms_template, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		s.AutoRetryEnabled, s.MaxRetryAttempts, s.RetryIntervalHours, pq.Array(s.RetrySchedule),
		s.NotifyCustomer, s.SMSTemplate, s.UpdatedAt).Scan(&s.ID)
	if err != nil {
		return nil, err
	}

	log.Printf("[RETRY] created default retry settings (max=%d schedule=%v)", s.MaxRetryAttempts, s.RetrySchedule)
	return s, nil
}

// UpdateSettings overwrites the singleton. Inputs are range-validated
// by the caller.
func (p *RetryPolicy) UpdateSettings(s *models.RetrySettings) error {
	s.UpdatedAt = time.Now()
	result, err := p.db.Exec(`
		UPDATE retry_settings
		SET auto_retry_enabled = $2, max_retry_attempts = $3, retry_interval_hours = $4,
		    retry_schedule = $5, notify_customer = $6, sms_template = $7, updated_at = $8
		WHERE id = $1`,
		s.ID, s.AutoRetryEnabled, s.MaxRetryAttempts, s.RetryIntervalHours,
		pq.Array(s.RetrySchedule), s.NotifyCustomer, s.SMSTemplate, s.UpdatedAt)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IsEligibleForRetry is the scheduler's per-payment predicate.
func IsEligibleForRetry(p *models.PaymentTransaction, settings *models.RetrySettings, now time.Time) bool {
	return p.Status == models.PaymentFailed &&
		p.AutoRetryEnabled &&
		p.RetryCount < settings.MaxRetryAttempts &&
		p.NextRetryAt != nil &&
		!p.NextRetryAt.After(now)
}

// NextRetryDate computes when the next attempt after retryCount prior
// attempts should run, or nil when the schedule is exhausted (manual
// intervention required from there on).
//
// The interval hours are added on top of the schedule's day offset, not
// used as the sole unit: retryCount=2, schedule=[1,3,7], interval=24h
// yields now + 7 days + 24 hours.
func NextRetryDate(retryCount int, schedule []int64, intervalHours int, now time.Time) *time.Time {
	if retryCount < 0 || retryCount >= len(schedule) {
		return nil
	}

	next := now.
		AddDate(0, 0, int(schedule[retryCount])).
		Add(time.Duration(intervalHours) * time.Hour)
	return &next
}
