package nftfi

import "strconv"

const (
	EventTypeLoanOpened     = "nftfi.loan.opened"
	EventTypeLoanRepaid     = "nftfi.loan.repaid"
	EventTypeLoanCompleted  = "nftfi.loan.completed"
	EventTypeLoanLiquidated = "nftfi.loan.liquidated"
)

// Event is the canonical payload published after a successful loan state
// transition.
type Event struct {
	Type       string
	Attributes map[string]string
}

// NewLoanOpenedEvent returns the payload for a newly originated loan.
func NewLoanOpenedEvent(l *Loan) *Event { return newLoanEvent(EventTypeLoanOpened, l, nil) }

// NewLoanRepaidEvent returns the payload for a partial repayment.
func NewLoanRepaidEvent(l *Loan, rec *RepaymentRecord) *Event {
	return newLoanEvent(EventTypeLoanRepaid, l, rec)
}

// NewLoanCompletedEvent returns the payload emitted when the final repayment
// closes the loan and releases the collateral.
func NewLoanCompletedEvent(l *Loan, rec *RepaymentRecord) *Event {
	return newLoanEvent(EventTypeLoanCompleted, l, rec)
}

// NewLoanLiquidatedEvent returns the payload emitted when collateral is
// seized from an under-collateralized loan.
func NewLoanLiquidatedEvent(l *Loan) *Event { return newLoanEvent(EventTypeLoanLiquidated, l, nil) }

func newLoanEvent(eventType string, l *Loan, rec *RepaymentRecord) *Event {
	attrs := make(map[string]string)
	if l == nil {
		return &Event{Type: eventType, Attributes: attrs}
	}
	attrs["loanId"] = l.ID
	attrs["borrower"] = l.BorrowerID
	attrs["collateral"] = l.Collateral.ID()
	attrs["token"] = l.BorrowToken
	if l.Principal != nil {
		attrs["principal"] = l.Principal.String()
	}
	attrs["rateBps"] = strconv.FormatUint(l.RateBps, 10)
	attrs["status"] = l.Status.String()
	if l.Liquidator != "" {
		attrs["liquidator"] = l.Liquidator
	}
	if rec != nil {
		if rec.Amount != nil {
			attrs["repaid"] = rec.Amount.String()
		}
		if rec.ResultingOwed != nil {
			attrs["owed"] = rec.ResultingOwed.String()
		}
		if rec.ResultingHealthFactor != "" {
			attrs["healthFactor"] = rec.ResultingHealthFactor
		}
	}
	return &Event{Type: eventType, Attributes: attrs}
}
