package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sikaplan/backend/internal/models"
)

var (
	// ErrPaymentNotFound is returned when no transaction matches the
	// given id or reference.
	ErrPaymentNotFound = errors.New("payment transaction not found")
	// ErrAlreadyApplied means the transaction already reached SUCCESS
	// and the allocator has run for it; the caller must no-op.
	ErrAlreadyApplied = errors.New("payment already applied")
	// ErrReferenceCollision means reference generation kept colliding
	// with existing rows. Retryable by the caller.
	ErrReferenceCollision = errors.New("transaction reference collision exceeded")
)

// maxReferenceAttempts bounds the collision-avoidance loop. The
// reference namespace is large relative to expected volume, so more
// than a couple of iterations indicates something is badly wrong.
const maxReferenceAttempts = 5

// PaymentStore owns the payment_transactions and payment_retries
// tables and the transactional application of successful payments to
// contract state.
type PaymentStore struct {
	db *sql.DB
}

func NewPaymentStore(db *sql.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

func newReference() string {
	frag := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("HP-%s-%s", time.Now().UTC().Format("20060102150405"), frag)
}

// CreatePending inserts a new PENDING transaction with a freshly
// generated unique reference. On reference collision it regenerates
// and retries up to maxReferenceAttempts.
func (s *PaymentStore) CreatePending(contractID string, amount int64, channel, network, phone string, autoRetry bool) (*models.PaymentTransaction, error) {
	for attempt := 0; attempt < maxReferenceAttempts; attempt++ {
		ref := newReference()

		var exists bool
		err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM payment_transactions WHERE reference = $1)`, ref).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if exists {
			log.Printf("[PAYMENT] reference collision on %s, regenerating", ref)
			continue
		}

		now := time.Now()
		tx := &models.PaymentTransaction{
			Reference:        ref,
			ContractID:       contractID,
			Amount:           amount,
			Status:           models.PaymentPending,
			Channel:          channel,
			Network:          network,
			Phone:            phone,
			AutoRetryEnabled: autoRetry,
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		err = s.db.QueryRow(`
			INSERT INTO payment_transactions
			(reference, contract_id, amount, status, channel, network, phone, auto_retry_enabled, retry_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10)
			RETURNING id`,
			ref, contractID, amount, tx.Status, channel, network, phone, autoRetry, now, now).Scan(&tx.ID)
		if err != nil {
			// A concurrent insert can still win the race between the
			// existence check and the insert; regenerate on unique
			// violation, fail on anything else.
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				log.Printf("[PAYMENT] reference collision on insert %s, regenerating", ref)
				continue
			}
			return nil, err
		}

		return tx, nil
	}

	return nil, ErrReferenceCollision
}

const paymentColumns = `id, reference, contract_id, amount, status, channel, network, phone,
	       COALESCE(external_ref, ''), COALESCE(failure_reason, ''), retry_count, next_retry_at,
	       auto_retry_enabled, metadata, payment_date, created_at, updated_at`

func scanPayment(row interface{ Scan(...any) error }) (*models.PaymentTransaction, error) {
	var p models.PaymentTransaction
	var metadata []byte
	err := row.Scan(
		&p.ID, &p.Reference, &p.ContractID, &p.Amount, &p.Status, &p.Channel, &p.Network, &p.Phone,
		&p.ExternalRef, &p.FailureReason, &p.RetryCount, &p.NextRetryAt,
		&p.AutoRetryEnabled, &metadata, &p.PaymentDate, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Metadata = metadata
	return &p, nil
}

// GetByReference fetches a transaction by its original reference.
func (s *PaymentStore) GetByReference(reference string) (*models.PaymentTransaction, error) {
	row := s.db.QueryRow(`SELECT `+paymentColumns+` FROM payment_transactions WHERE reference = $1`, reference)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

// ResolveReference resolves a provider-facing client reference to its
// transaction. Retry attempts use suffixed references ("-R1", "-R2",
// …) recorded in payment_retries; a callback for a suffixed reference
// must resolve to the owning transaction plus that specific retry row,
// never to a lookalike.
func (s *PaymentStore) ResolveReference(reference string) (*models.PaymentTransaction, *models.PaymentRetry, error) {
	p, err := s.GetByReference(reference)
	if err == nil {
		return p, nil, nil
	}
	if !errors.Is(err, ErrPaymentNotFound) {
		return nil, nil, err
	}

	var retry models.PaymentRetry
	err = s.db.QueryRow(`
		SELECT id, payment_id, attempt_number, reference, status, COALESCE(response_code, ''), COALESCE(message, ''), created_at, completed_at
		FROM payment_retries WHERE reference = $1`, reference).Scan(
		&retry.ID, &retry.PaymentID, &retry.AttemptNumber, &retry.Reference,
		&retry.Status, &retry.ResponseCode, &retry.Message, &retry.CreatedAt, &retry.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	row := s.db.QueryRow(`SELECT `+paymentColumns+` FROM payment_transactions WHERE id = $1`, retry.PaymentID)
	p, err = scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return p, &retry, nil
}

// MarkFailed transitions a PENDING transaction to FAILED. The update is
// guarded by current status so a stale or duplicate signal cannot
// revert a transaction that already reached a terminal outcome; a
// guarded miss is a logged no-op.
func (s *PaymentStore) MarkFailed(id int64, reason string, nextRetryAt *time.Time) error {
	result, err := s.db.Exec(`
		UPDATE payment_transactions
		SET status = $2, failure_reason = $3, next_retry_at = $4, updated_at = $5
		WHERE id = $1 AND status = $6`,
		id, models.PaymentFailed, reason, nextRetryAt, time.Now(), models.PaymentPending)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		log.Printf("[PAYMENT] mark-failed skipped for id=%d: not found or no longer PENDING", id)
	}
	return nil
}

// ApplySuccess transitions the transaction to SUCCESS and applies the
// payment to the contract's penalties and installments, all within one
// database transaction. The status flip is a compare-and-swap: if the
// transaction is already SUCCESS the whole call no-ops with
// ErrAlreadyApplied, which makes the allocator invocation exactly-once
// per transaction even under concurrent duplicate callbacks.
func (s *PaymentStore) ApplySuccess(paymentID int64, externalRef string, paymentDate time.Time, metadata json.RawMessage) (*AllocationResult, error) {
	dbTx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer dbTx.Rollback()

	var contractID string
	var amount int64
	err = dbTx.QueryRow(`
		UPDATE payment_transactions
		SET status = $2, external_ref = $3, payment_date = $4, metadata = COALESCE($5, metadata),
		    failure_reason = '', next_retry_at = NULL, updated_at = $6
		WHERE id = $1 AND status <> $2
		RETURNING contract_id, amount`,
		paymentID, models.PaymentSuccess, externalRef, paymentDate, []byte(metadata), time.Now()).Scan(&contractID, &amount)
	if err == sql.ErrNoRows {
		// Either the row does not exist or it is already SUCCESS.
		var exists bool
		if checkErr := dbTx.QueryRow(`SELECT EXISTS(SELECT 1 FROM payment_transactions WHERE id = $1)`, paymentID).Scan(&exists); checkErr != nil {
			return nil, checkErr
		}
		if !exists {
			return nil, ErrPaymentNotFound
		}
		return nil, ErrAlreadyApplied
	}
	if err != nil {
		return nil, err
	}

	contract, err := s.lockContract(dbTx, contractID)
	if err != nil {
		return nil, err
	}

	penalties, err := s.unpaidPenalties(dbTx, contractID)
	if err != nil {
		return nil, err
	}

	installments, err := s.openInstallments(dbTx, contractID)
	if err != nil {
		return nil, err
	}

	result, err := Allocate(contract, penalties, installments, amount)
	if err != nil {
		return nil, err
	}

	for _, pa := range result.Penalties {
		if _, err := dbTx.Exec(`UPDATE penalties SET paid = TRUE WHERE id = $1`, pa.PenaltyID); err != nil {
			return nil, err
		}
	}

	for _, ia := range result.Installments {
		if _, err := dbTx.Exec(`
			UPDATE installments SET paid_amount = $2, status = $3, updated_at = $4 WHERE id = $1`,
			ia.InstallmentID, ia.NewPaidAmount, ia.NewStatus, time.Now()); err != nil {
			return nil, err
		}
	}

	if _, err := dbTx.Exec(`
		UPDATE contracts
		SET total_paid = $2, outstanding_balance = $3, credit_balance = $4, status = $5, updated_at = $6
		WHERE id = $1`,
		contractID, result.ContractTotalPaid, result.ContractOutstanding,
		result.ContractCredit, result.ContractStatus, time.Now()); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PaymentStore) lockContract(tx *sql.Tx, contractID string) (*models.Contract, error) {
	var c models.Contract
	err := tx.QueryRow(`
		SELECT id, customer_id, customer_phone, total_price, deposit_amount, finance_amount,
		       total_paid, outstanding_balance, credit_balance, status, payment_method, created_at, updated_at
		FROM contracts WHERE id = $1 FOR UPDATE`, contractID).Scan(
		&c.ID, &c.CustomerID, &c.CustomerPhone, &c.TotalPrice, &c.DepositAmount, &c.FinanceAmount,
		&c.TotalPaid, &c.OutstandingBalance, &c.CreditBalance, &c.Status, &c.PaymentMethod, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PaymentStore) unpaidPenalties(tx *sql.Tx, contractID string) ([]models.Penalty, error) {
	rows, err := tx.Query(`
		SELECT id, contract_id, amount, paid, reason, created_at
		FROM penalties WHERE contract_id = $1 AND paid = FALSE
		ORDER BY created_at ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var penalties []models.Penalty
	for rows.Next() {
		var p models.Penalty
		if err := rows.Scan(&p.ID, &p.ContractID, &p.Amount, &p.Paid, &p.Reason, &p.CreatedAt); err != nil {
			return nil, err
		}
		penalties = append(penalties, p)
	}
	return penalties, rows.Err()
}

func (s *PaymentStore) openInstallments(tx *sql.Tx, contractID string) ([]models.Installment, error) {
	rows, err := tx.Query(`
		SELECT id, contract_id, sequence, due_date, amount, paid_amount, status, created_at, updated_at
		FROM installments WHERE contract_id = $1 AND paid_amount < amount
		ORDER BY sequence ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var installments []models.Installment
	for rows.Next() {
		var i models.Installment
		if err := rows.Scan(&i.ID, &i.ContractID, &i.Sequence, &i.DueDate, &i.Amount, &i.PaidAmount, &i.Status, &i.CreatedAt, &i.UpdatedAt); err != nil {
			return nil, err
		}
		installments = append(installments, i)
	}
	return installments, rows.Err()
}

// GetContract loads a contract outside any payment transaction.
func (s *PaymentStore) GetContract(contractID string) (*models.Contract, error) {
	var c models.Contract
	err := s.db.QueryRow(`
		SELECT id, customer_id, customer_phone, total_price, deposit_amount, finance_amount,
		       total_paid, outstanding_balance, credit_balance, status, payment_method, created_at, updated_at
		FROM contracts WHERE id = $1`, contractID).Scan(
		&c.ID, &c.CustomerID, &c.CustomerPhone, &c.TotalPrice, &c.DepositAmount, &c.FinanceAmount,
		&c.TotalPaid, &c.OutstandingBalance, &c.CreditBalance, &c.Status, &c.PaymentMethod, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RecordRetryAttempt appends a PaymentRetry row for a new attempt.
func (s *PaymentStore) RecordRetryAttempt(paymentID int64, attempt int, reference string) (int64, error) {
	var id int64
	err := s.db.QueryRow(`
		INSERT INTO payment_retries (payment_id, attempt_number, reference, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		paymentID, attempt, reference, "INITIATED", time.Now()).Scan(&id)
	return id, err
}

// CompleteRetryAttempt resolves a retry row exactly once; completed
// rows are never mutated again.
func (s *PaymentStore) CompleteRetryAttempt(retryID int64, status, responseCode, message string) error {
	result, err := s.db.Exec(`
		UPDATE payment_retries
		SET status = $2, response_code = $3, message = $4, completed_at = $5
		WHERE id = $1 AND completed_at IS NULL`,
		retryID, status, responseCode, message, time.Now())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		log.Printf("[RETRY] attempt %d already completed, skipping update", retryID)
	}
	return nil
}

// MarkRetryInitiated moves a FAILED transaction back to PENDING for a
// newly issued charge attempt. retry_count only ever increases.
func (s *PaymentStore) MarkRetryInitiated(paymentID int64, attempt int) error {
	result, err := s.db.Exec(`
		UPDATE payment_transactions
		SET status = $2, retry_count = $3, next_retry_at = NULL, updated_at = $4
		WHERE id = $1 AND status = $5 AND retry_count < $3`,
		paymentID, models.PaymentPending, attempt, time.Now(), models.PaymentFailed)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		log.Printf("[RETRY] re-initiate skipped for id=%d: not FAILED or attempt already recorded", paymentID)
	}
	return nil
}

// MarkRetryFailed records a failed retry attempt: the transaction stays
// FAILED, retry_count advances, and next_retry_at is the policy's next
// slot (nil once retries are exhausted).
func (s *PaymentStore) MarkRetryFailed(paymentID int64, attempt int, reason string, nextRetryAt *time.Time) error {
	result, err := s.db.Exec(`
		UPDATE payment_transactions
		SET status = $2, failure_reason = $3, retry_count = $4, next_retry_at = $5, updated_at = $6
		WHERE id = $1 AND status <> $7 AND retry_count < $4`,
		paymentID, models.PaymentFailed, reason, attempt, nextRetryAt, time.Now(), models.PaymentSuccess)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		log.Printf("[RETRY] mark-retry-failed skipped for id=%d: already SUCCESS or attempt recorded", paymentID)
	}
	return nil
}

// ListEligibleForRetry returns FAILED transactions whose next retry is
// due, per the policy predicate.
func (s *PaymentStore) ListEligibleForRetry(settings *models.RetrySettings, now time.Time) ([]models.PaymentTransaction, error) {
	rows, err := s.db.Query(`
		SELECT `+paymentColumns+`
		FROM payment_transactions
		WHERE status = $1 AND auto_retry_enabled = TRUE AND retry_count < $2
		  AND next_retry_at IS NOT NULL AND next_retry_at <= $3
		ORDER BY next_retry_at ASC`,
		models.PaymentFailed, settings.MaxRetryAttempts, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []models.PaymentTransaction
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// ListFailed returns FAILED transactions with their retry metadata for
// the admin dashboard.
func (s *PaymentStore) ListFailed(limit int) ([]models.PaymentTransaction, error) {
	rows, err := s.db.Query(`
		SELECT `+paymentColumns+`
		FROM payment_transactions
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2`,
		models.PaymentFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []models.PaymentTransaction
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}
