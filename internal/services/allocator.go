package services

import (
	"errors"
	"fmt"

	"github.com/sikaplan/backend/internal/models"
)

var (
	ErrNonPositiveAmount  = errors.New("allocation amount must be positive")
	ErrContractNotPayable = errors.New("contract cannot accept payments")
)

// PenaltyApplication marks one penalty paid in full.
type PenaltyApplication struct {
	PenaltyID string
	Amount    int64
}

// InstallmentApplication records how much of the incoming amount was
// applied to one installment and its resulting state.
type InstallmentApplication struct {
	InstallmentID string
	Applied       int64
	NewPaidAmount int64
	NewStatus     models.InstallmentStatus
}

// AllocationResult is the full plan produced by Allocate. The caller
// persists every field of it in a single database transaction.
type AllocationResult struct {
	Penalties    []PenaltyApplication
	Installments []InstallmentApplication

	PenaltyTotal     int64
	InstallmentTotal int64
	// Leftover is any remainder after all penalties and installments
	// are satisfied. It is credited to the contract's credit balance.
	Leftover int64

	ContractTotalPaid   int64
	ContractOutstanding int64
	ContractCredit      int64
	ContractStatus      models.ContractStatus
	Completed           bool
}

// Allocate computes how an incoming payment is applied to a contract's
// outstanding debt. Pure: it never mutates its inputs and performs no
// I/O.
//
// Order of application:
//  1. Unpaid penalties in creation order, all-or-nothing. A penalty
//     larger than the remaining funds is skipped, not partially paid.
//  2. Installments in ascending sequence, oldest debt first. The last
//     installment reached may be partially paid.
//  3. Any remainder becomes contract credit.
//
// Penalties must be ordered by creation time and installments by
// sequence; amount must be positive and the contract payable.
func Allocate(contract *models.Contract, penalties []models.Penalty, installments []models.Installment, amount int64) (*AllocationResult, error) {
	if amount <= 0 {
		return nil, ErrNonPositiveAmount
	}
	if !contract.Payable() {
		return nil, fmt.Errorf("%w: status %s", ErrContractNotPayable, contract.Status)
	}

	result := &AllocationResult{}
	remaining := amount

	for _, p := range penalties {
		if p.Paid {
			continue
		}
		if remaining < p.Amount {
			// Short-funded payments never partially satisfy a
			// penalty; skip it and keep walking the list.
			continue
		}
		result.Penalties = append(result.Penalties, PenaltyApplication{
			PenaltyID: p.ID,
			Amount:    p.Amount,
		})
		result.PenaltyTotal += p.Amount
		remaining -= p.Amount
	}

	for _, inst := range installments {
		if remaining <= 0 {
			break
		}
		due := inst.Amount - inst.PaidAmount
		if due <= 0 {
			continue
		}

		applied := due
		if remaining < due {
			applied = remaining
		}

		app := InstallmentApplication{
			InstallmentID: inst.ID,
			Applied:       applied,
			NewPaidAmount: inst.PaidAmount + applied,
		}
		if app.NewPaidAmount == inst.Amount {
			app.NewStatus = models.InstallmentPaid
		} else {
			app.NewStatus = models.InstallmentPartial
		}

		result.Installments = append(result.Installments, app)
		result.InstallmentTotal += applied
		remaining -= applied
	}

	result.Leftover = remaining

	result.ContractTotalPaid = contract.TotalPaid + amount
	result.ContractOutstanding = contract.OutstandingBalance - amount
	if result.ContractOutstanding < 0 {
		result.ContractOutstanding = 0
	}
	result.ContractCredit = contract.CreditBalance + remaining

	result.ContractStatus = contract.Status
	if result.ContractOutstanding == 0 {
		result.ContractStatus = models.ContractCompleted
		result.Completed = true
	}

	return result, nil
}
