package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the current holding of a single fund: the volume-weighted
// average cost per share and the share count. A position whose shares reach
// zero is removed from the ledger, never kept at zero.
type Position struct {
	Code      string          `json:"code"`
	Cost      decimal.Decimal `json:"cost"`
	Shares    decimal.Decimal `json:"shares"`
	UpdatedAt time.Time       `json:"updated_at"`
}
