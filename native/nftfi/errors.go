package nftfi

import "errors"

var (
	// ErrNilStore is returned when the ledger has no backing store wired.
	ErrNilStore = errors.New("nftfi: ledger store not configured")
	// ErrUnknownCollateralClass signals a collection without risk parameters.
	ErrUnknownCollateralClass = errors.New("nftfi: unknown collateral class")
	// ErrCollateralAlreadyPledged signals the asset is owned by another loan.
	ErrCollateralAlreadyPledged = errors.New("nftfi: collateral already pledged")
	// ErrInvalidAmount signals a missing or non-positive amount.
	ErrInvalidAmount = errors.New("nftfi: amount must be positive")
	// ErrInvalidCollateralValue signals a missing or non-positive valuation.
	ErrInvalidCollateralValue = errors.New("nftfi: collateral value must be positive")
	// ErrExceedsMaxLTV signals a principal above the collateral borrow limit.
	ErrExceedsMaxLTV = errors.New("nftfi: requested principal exceeds max LTV")
	// ErrLoanNotFound signals an unknown loan identifier.
	ErrLoanNotFound = errors.New("nftfi: loan not found")
	// ErrLoanNotActive signals a mutation attempted on a terminal loan.
	ErrLoanNotActive = errors.New("nftfi: loan not active")
	// ErrNotEligible signals a liquidation attempt on a healthy position.
	ErrNotEligible = errors.New("nftfi: loan not eligible for liquidation")
	// ErrStaleValuation signals a collateral valuation older than the
	// configured freshness window.
	ErrStaleValuation = errors.New("nftfi: collateral valuation is stale")
	// ErrSettlementFailed signals that the external settlement leg did not
	// confirm; the ledger is left untouched.
	ErrSettlementFailed = errors.New("nftfi: settlement failed")
)
