package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpType identifies the direction of a trade request.
type OpType string

const (
	OpAdd    OpType = "add"
	OpReduce OpType = "reduce"
)

// Transaction is one row of the append-only trade log. A transaction is
// created for every accepted add/reduce request and settles exactly once:
// either immediately, when the confirmation-date NAV is already published,
// or later via the reconciliation sweep.
//
// AppliedAt is non-nil iff ConfirmNAV is non-nil; "pending" and "settled"
// are the only two states and the transition is one-way.
type Transaction struct {
	ID             int64            `json:"id"`
	Code           string           `json:"code"`
	OpType         OpType           `json:"op_type"`
	Amount         *decimal.Decimal `json:"amount"`          // set at creation for add, at settlement for reduce
	SharesRedeemed *decimal.Decimal `json:"shares_redeemed"` // reduce only
	ConfirmDate    time.Time        `json:"confirm_date"`    // date whose NAV settles the trade, immutable
	ConfirmNAV     *decimal.Decimal `json:"confirm_nav"`
	SharesAdded    *decimal.Decimal `json:"shares_added"` // add only
	CostAfter      *decimal.Decimal `json:"cost_after"`
	CreatedAt      time.Time        `json:"created_at"`
	AppliedAt      *time.Time       `json:"applied_at"`
}

// Settled reports whether the transaction has been applied to the ledger.
func (t Transaction) Settled() bool { return t.AppliedAt != nil }

// Settlement carries the fields written exactly once when a pending
// transaction is resolved.
type Settlement struct {
	ConfirmNAV  decimal.Decimal
	Amount      *decimal.Decimal // reduce: proceeds computed at settlement
	SharesAdded *decimal.Decimal // add only
	CostAfter   decimal.Decimal
	AppliedAt   time.Time
}

// TradeResult is what the reconciliation engine reports back for an accepted
// add or reduce request. When Pending is true only ConfirmDate is meaningful;
// the remaining fields are populated at settlement.
type TradeResult struct {
	Pending     bool
	ConfirmDate time.Time
	ConfirmNAV  decimal.Decimal
	Amount      decimal.Decimal // reduce: redemption proceeds
	SharesAdded decimal.Decimal // add only
	CostAfter   decimal.Decimal
	SharesAfter decimal.Decimal
}
