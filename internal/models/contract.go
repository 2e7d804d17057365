package models

import (
	"time"
)

type ContractStatus string

const (
	ContractActive    ContractStatus = "ACTIVE"
	ContractCompleted ContractStatus = "COMPLETED"
	ContractDefaulted ContractStatus = "DEFAULTED"
	ContractCancelled ContractStatus = "CANCELLED"
)

// Contract represents one hire-purchase agreement. All monetary amounts
// are in minor units (pesewas).
type Contract struct {
	ID                 string         `json:"id" db:"id"`
	CustomerID         string         `json:"customerId" db:"customer_id"`
	CustomerPhone      string         `json:"customerPhone" db:"customer_phone"`
	TotalPrice         int64          `json:"totalPrice" db:"total_price"`
	DepositAmount      int64          `json:"depositAmount" db:"deposit_amount"`
	FinanceAmount      int64          `json:"financeAmount" db:"finance_amount"`
	TotalPaid          int64          `json:"totalPaid" db:"total_paid"`
	OutstandingBalance int64          `json:"outstandingBalance" db:"outstanding_balance"`
	CreditBalance      int64          `json:"creditBalance" db:"credit_balance"`
	Status             ContractStatus `json:"status" db:"status"`
	PaymentMethod      string         `json:"paymentMethod" db:"payment_method"`
	CreatedAt          time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time      `json:"updatedAt" db:"updated_at"`
}

// Payable reports whether the contract can accept a payment.
func (c *Contract) Payable() bool {
	return c.Status == ContractActive || c.Status == ContractDefaulted
}

type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "PENDING"
	InstallmentPartial InstallmentStatus = "PARTIAL"
	InstallmentPaid    InstallmentStatus = "PAID"
	InstallmentOverdue InstallmentStatus = "OVERDUE"
)

// Installment is one scheduled payment obligation within a contract's
// repayment plan. Invariant: PaidAmount <= Amount; status is PAID iff
// PaidAmount == Amount.
type Installment struct {
	ID         string            `json:"id" db:"id"`
	ContractID string            `json:"contractId" db:"contract_id"`
	Sequence   int               `json:"sequence" db:"sequence"`
	DueDate    time.Time         `json:"dueDate" db:"due_date"`
	Amount     int64             `json:"amount" db:"amount"`
	PaidAmount int64             `json:"paidAmount" db:"paid_amount"`
	Status     InstallmentStatus `json:"status" db:"status"`
	CreatedAt  time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time         `json:"updatedAt" db:"updated_at"`
}

// Outstanding is the unpaid remainder of the installment.
func (i *Installment) Outstanding() int64 {
	return i.Amount - i.PaidAmount
}

// Penalty is a late-fee charge against a contract. Penalties are senior
// to installment debt and are never partially paid.
type Penalty struct {
	ID         string    `json:"id" db:"id"`
	ContractID string    `json:"contractId" db:"contract_id"`
	Amount     int64     `json:"amount" db:"amount"`
	Paid       bool      `json:"paid" db:"paid"`
	Reason     string    `json:"reason" db:"reason"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}
