package nftfi

import (
	"math/big"
	"strings"
	"time"
)

// LoanStatus tracks the lifecycle position of a loan. Transitions are
// monotonic: an Active loan may move to Completed or Liquidated and both of
// those states are terminal.
type LoanStatus uint8

const (
	// LoanStatusActive marks a loan with outstanding debt and pledged
	// collateral.
	LoanStatusActive LoanStatus = iota + 1
	// LoanStatusCompleted marks a fully repaid loan whose collateral has been
	// released back to the borrower.
	LoanStatusCompleted
	// LoanStatusLiquidated marks a loan closed by force with collateral
	// transferred to the liquidating party.
	LoanStatusLiquidated
)

// String renders the canonical lowercase status label used in events and
// persistence.
func (s LoanStatus) String() string {
	switch s {
	case LoanStatusActive:
		return "active"
	case LoanStatusCompleted:
		return "completed"
	case LoanStatusLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s LoanStatus) Terminal() bool {
	return s == LoanStatusCompleted || s == LoanStatusLiquidated
}

// ParseLoanStatus converts a stored status label back into a LoanStatus.
func ParseLoanStatus(value string) (LoanStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "active":
		return LoanStatusActive, true
	case "completed":
		return LoanStatusCompleted, true
	case "liquidated":
		return LoanStatusLiquidated, true
	default:
		return 0, false
	}
}

// CollateralAsset identifies a non-fungible token pledged against a loan
// together with the valuation captured when the pledge was accepted. Amount
// values are denominated in wei to match on-chain precision.
type CollateralAsset struct {
	// Collection is the identifier of the NFT collection the token belongs to.
	Collection string
	// TokenID is the token identifier within the collection.
	TokenID string
	// EstimatedValue is the collateral valuation in wei at ValuationTime.
	EstimatedValue *big.Int
	// ValuationTime records when EstimatedValue was observed.
	ValuationTime time.Time
}

// ID returns the composite asset identifier used to key collateral custody.
func (a CollateralAsset) ID() string {
	return strings.TrimSpace(a.Collection) + "/" + strings.TrimSpace(a.TokenID)
}

// Clone returns a deep copy of the asset.
func (a CollateralAsset) Clone() CollateralAsset {
	clone := a
	if a.EstimatedValue != nil {
		clone.EstimatedValue = new(big.Int).Set(a.EstimatedValue)
	}
	return clone
}

// Loan is the persistent record for a single collateralized borrow. Interest
// is never stored: it is re-derived from Principal, RateBps and the elapsed
// time whenever the loan is read.
type Loan struct {
	// ID is the unique loan identifier.
	ID string
	// Collateral is the asset pledged against the loan.
	Collateral CollateralAsset
	// BorrowerID identifies the borrowing account.
	BorrowerID string
	// Principal is the borrowed amount in wei.
	Principal *big.Int
	// BorrowToken names the token the principal is denominated in.
	BorrowToken string
	// OriginatedAt is the loan creation time used as the accrual anchor.
	OriginatedAt time.Time
	// RateBps is the APR snapshotted at origination, in basis points. Later
	// policy changes never affect an open loan.
	RateBps uint64
	// CumulativeRepaid is the total applied repayment amount in wei.
	CumulativeRepaid *big.Int
	// Status is the lifecycle state.
	Status LoanStatus
	// Liquidator records the party collateral was transferred to when the
	// loan was liquidated; empty otherwise.
	Liquidator string
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Collateral = l.Collateral.Clone()
	if l.Principal != nil {
		clone.Principal = new(big.Int).Set(l.Principal)
	}
	if l.CumulativeRepaid != nil {
		clone.CumulativeRepaid = new(big.Int).Set(l.CumulativeRepaid)
	}
	return &clone
}

// RepaymentRecord is the append-only audit entry emitted for every successful
// repayment.
type RepaymentRecord struct {
	// ID is the unique record identifier.
	ID string
	// LoanID references the loan the payment applied to.
	LoanID string
	// RequestID is the caller supplied idempotency key, if any.
	RequestID string
	// Amount is the applied repayment amount in wei. Excess beyond the debt
	// owed at the time of payment is reported to the caller, never recorded.
	Amount *big.Int
	// Timestamp is when the repayment was applied.
	Timestamp time.Time
	// ResultingOwed is the total owed immediately after the payment.
	ResultingOwed *big.Int
	// ResultingHealthFactor is the post-payment health factor as a decimal
	// string, or empty when the debt reached zero.
	ResultingHealthFactor string
}

// Clone returns a deep copy of the record.
func (r *RepaymentRecord) Clone() *RepaymentRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	}
	if r.ResultingOwed != nil {
		clone.ResultingOwed = new(big.Int).Set(r.ResultingOwed)
	}
	return &clone
}
