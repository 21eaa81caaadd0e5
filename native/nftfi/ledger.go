package nftfi

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence boundary owned by the ledger. Implementations must
// write a loan and its collateral pledge atomically: a loan may never be
// observable as Active without its collateral marked pledged. UpdateLoan
// persists the mutated loan together with an optional repayment record in a
// single transaction and adjusts collateral custody when the loan reaches a
// terminal state.
type Store interface {
	CreateLoan(ctx context.Context, loan *Loan) error
	GetLoan(ctx context.Context, loanID string) (*Loan, error)
	UpdateLoan(ctx context.Context, loan *Loan, rec *RepaymentRecord) error
	ListLoans(ctx context.Context, borrowerID string, statuses ...LoanStatus) ([]*Loan, error)
	Repayments(ctx context.Context, loanID string) ([]*RepaymentRecord, error)
	RepaymentByRequest(ctx context.Context, loanID, requestID string) (*RepaymentRecord, error)
}

// RepaymentPreview is the dry-run view of a prospective repayment.
type RepaymentPreview struct {
	NewTotalOwed    *big.Int
	NewHealthFactor *big.Rat
	WillRelease     bool
}

// RepaymentResult reports an applied repayment. Excess carries any portion of
// the submitted amount beyond the debt owed; it is refundable by the caller
// and never absorbed silently.
type RepaymentResult struct {
	Loan         *Loan
	Record       *RepaymentRecord
	Applied      *big.Int
	Excess       *big.Int
	NewTotalOwed *big.Int
	HealthFactor *big.Rat
	Released     bool
	Replayed     bool
}

// LiquidationResult reports a forced closure.
type LiquidationResult struct {
	Loan         *Loan
	Debt         *big.Int
	Seized       CollateralAsset
	HealthFactor *big.Rat
}

// Ledger is the sole owner of loan state. Mutating operations on the same
// loan are serialised through a per-loan lock; reads operate on cloned
// snapshots and may run concurrently.
type Ledger struct {
	store   Store
	params  *ParamRegistry
	accrual *AccrualModel
	health  *HealthEngine
	emit    func(*Event)

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger constructs a ledger over the given store and risk policy.
func NewLedger(store Store, params *ParamRegistry) *Ledger {
	accrual := DefaultAccrualModel
	return &Ledger{
		store:   store,
		params:  params,
		accrual: accrual,
		health:  NewHealthEngine(accrual),
		locks:   make(map[string]*sync.Mutex),
	}
}

// SetEmitter wires an event sink invoked after successful state transitions.
func (l *Ledger) SetEmitter(emit func(*Event)) {
	if l == nil {
		return
	}
	l.emit = emit
}

// Params exposes the risk policy registry.
func (l *Ledger) Params() *ParamRegistry { return l.params }

// Accrual exposes the interest model.
func (l *Ledger) Accrual() *AccrualModel { return l.accrual }

// Health exposes the health factor engine.
func (l *Ledger) Health() *HealthEngine { return l.health }

func (l *Ledger) lockLoan(loanID string) func() {
	l.mu.Lock()
	lock, ok := l.locks[loanID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[loanID] = lock
	}
	l.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (l *Ledger) publish(event *Event) {
	if l != nil && l.emit != nil && event != nil {
		l.emit(event)
	}
}

// OpenLoan validates a borrow request and creates an Active loan. The APR is
// snapshotted from the collateral class policy at origination. All validation
// happens before any write; a rejected request leaves no partial state.
func (l *Ledger) OpenLoan(ctx context.Context, asset CollateralAsset, principal *big.Int, borrowToken, borrowerID string, now time.Time) (*Loan, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilStore
	}
	params, err := l.params.Lookup(asset.Collection)
	if err != nil {
		return nil, err
	}
	if principal == nil || principal.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if asset.EstimatedValue == nil || asset.EstimatedValue.Sign() <= 0 {
		return nil, ErrInvalidCollateralValue
	}
	maxBorrow := mulBps(asset.EstimatedValue, params.MaxLTVBps)
	if principal.Cmp(maxBorrow) > 0 {
		return nil, ErrExceedsMaxLTV
	}

	loan := &Loan{
		ID:               uuid.NewString(),
		Collateral:       asset.Clone(),
		BorrowerID:       strings.TrimSpace(borrowerID),
		Principal:        new(big.Int).Set(principal),
		BorrowToken:      strings.TrimSpace(borrowToken),
		OriginatedAt:     now.UTC(),
		RateBps:          params.BaseRateBps,
		CumulativeRepaid: big.NewInt(0),
		Status:           LoanStatusActive,
	}
	if err := l.store.CreateLoan(ctx, loan); err != nil {
		return nil, err
	}
	l.publish(NewLoanOpenedEvent(loan))
	return loan.Clone(), nil
}

// GetLoan returns a snapshot of the loan.
func (l *Ledger) GetLoan(ctx context.Context, loanID string) (*Loan, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilStore
	}
	loan, err := l.store.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	return loan.Clone(), nil
}

// ListLoans returns snapshots of the borrower's loans, optionally filtered by
// status.
func (l *Ledger) ListLoans(ctx context.Context, borrowerID string, statuses ...LoanStatus) ([]*Loan, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilStore
	}
	loans, err := l.store.ListLoans(ctx, borrowerID, statuses...)
	if err != nil {
		return nil, err
	}
	out := make([]*Loan, 0, len(loans))
	for _, loan := range loans {
		out = append(out, loan.Clone())
	}
	return out, nil
}

// Repayments returns the append-only audit trail for a loan.
func (l *Ledger) Repayments(ctx context.Context, loanID string) ([]*RepaymentRecord, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilStore
	}
	records, err := l.store.Repayments(ctx, loanID)
	if err != nil {
		return nil, err
	}
	out := make([]*RepaymentRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

// PriorRepayment returns the recorded repayment for an idempotency key, or
// nil when the request has not been seen.
func (l *Ledger) PriorRepayment(ctx context.Context, loanID, requestID string) (*RepaymentRecord, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilStore
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, nil
	}
	rec, err := l.store.RepaymentByRequest(ctx, loanID, requestID)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// PreviewRepayment computes the effect of a prospective repayment without
// mutating anything.
func (l *Ledger) PreviewRepayment(ctx context.Context, loanID string, amount, collateralValue *big.Int, now time.Time) (RepaymentPreview, error) {
	if l == nil || l.store == nil {
		return RepaymentPreview{}, ErrNilStore
	}
	if amount == nil || amount.Sign() <= 0 {
		return RepaymentPreview{}, ErrInvalidAmount
	}
	loan, err := l.store.GetLoan(ctx, loanID)
	if err != nil {
		return RepaymentPreview{}, err
	}
	if loan.Status != LoanStatusActive {
		return RepaymentPreview{}, ErrLoanNotActive
	}

	owed := l.accrual.TotalOwed(loan, now)
	applied := amount
	if applied.Cmp(owed) > 0 {
		applied = owed
	}
	projected := loan.Clone()
	projected.CumulativeRepaid = new(big.Int).Add(projected.CumulativeRepaid, applied)
	assessment := l.health.Evaluate(projected, collateralValue, now)
	return RepaymentPreview{
		NewTotalOwed:    assessment.TotalOwed,
		NewHealthFactor: assessment.HealthFactor,
		WillRelease:     amount.Cmp(owed) >= 0,
	}, nil
}

// Repay applies a repayment to an Active loan. The applied amount is capped
// at the current total owed and any excess is reported back for refund. When
// the resulting debt reaches zero the loan completes and the collateral
// pledge is released. Supplying the same non-empty requestID twice replays the
// original outcome instead of double-applying the payment.
func (l *Ledger) Repay(ctx context.Context, loanID string, amount *big.Int, requestID string, collateralValue *big.Int, now time.Time) (*RepaymentResult, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilStore
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock := l.lockLoan(loanID)
	defer unlock()

	requestID = strings.TrimSpace(requestID)
	if requestID != "" {
		prior, err := l.store.RepaymentByRequest(ctx, loanID, requestID)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return l.replayRepayment(ctx, loanID, amount, prior)
		}
	}

	loan, err := l.store.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != LoanStatusActive {
		return nil, ErrLoanNotActive
	}

	owed := l.accrual.TotalOwed(loan, now)
	applied := new(big.Int).Set(amount)
	excess := big.NewInt(0)
	if applied.Cmp(owed) > 0 {
		excess = new(big.Int).Sub(applied, owed)
		applied = new(big.Int).Set(owed)
	}

	loan.CumulativeRepaid = new(big.Int).Add(loan.CumulativeRepaid, applied)
	released := false
	assessment := l.health.Evaluate(loan, collateralValue, now)
	if assessment.TotalOwed.Sign() == 0 {
		loan.Status = LoanStatusCompleted
		released = true
	}

	record := &RepaymentRecord{
		ID:                    uuid.NewString(),
		LoanID:                loan.ID,
		RequestID:             requestID,
		Amount:                applied,
		Timestamp:             now.UTC(),
		ResultingOwed:         assessment.TotalOwed,
		ResultingHealthFactor: assessment.HealthFactorDecimal(),
	}
	if err := l.store.UpdateLoan(ctx, loan, record); err != nil {
		return nil, err
	}

	if released {
		l.publish(NewLoanCompletedEvent(loan, record))
	} else {
		l.publish(NewLoanRepaidEvent(loan, record))
	}
	return &RepaymentResult{
		Loan:         loan.Clone(),
		Record:       record.Clone(),
		Applied:      new(big.Int).Set(applied),
		Excess:       excess,
		NewTotalOwed: new(big.Int).Set(assessment.TotalOwed),
		HealthFactor: assessment.HealthFactor,
		Released:     released,
	}, nil
}

func (l *Ledger) replayRepayment(ctx context.Context, loanID string, amount *big.Int, prior *RepaymentRecord) (*RepaymentResult, error) {
	loan, err := l.store.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	excess := big.NewInt(0)
	if amount.Cmp(prior.Amount) > 0 {
		excess = new(big.Int).Sub(amount, prior.Amount)
	}
	var factor *big.Rat
	if prior.ResultingHealthFactor != "" {
		if parsed, ok := new(big.Rat).SetString(prior.ResultingHealthFactor); ok {
			factor = parsed
		}
	}
	return &RepaymentResult{
		Loan:         loan.Clone(),
		Record:       prior.Clone(),
		Applied:      new(big.Int).Set(prior.Amount),
		Excess:       excess,
		NewTotalOwed: new(big.Int).Set(prior.ResultingOwed),
		HealthFactor: factor,
		Released:     prior.ResultingOwed.Sign() == 0,
		Replayed:     true,
	}, nil
}

// Liquidate forcibly closes an Active loan whose health factor has fallen
// below the policy threshold, transferring collateral custody to the
// liquidating party. The transition is terminal and irreversible.
func (l *Ledger) Liquidate(ctx context.Context, loanID, liquidator string, collateralValue *big.Int, now time.Time) (*LiquidationResult, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilStore
	}

	unlock := l.lockLoan(loanID)
	defer unlock()

	loan, err := l.store.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != LoanStatusActive {
		return nil, ErrLoanNotActive
	}
	params, err := l.params.Lookup(loan.Collateral.Collection)
	if err != nil {
		return nil, err
	}

	assessment := l.health.Evaluate(loan, collateralValue, now)
	if !assessment.LiquidationEligible(params) {
		return nil, ErrNotEligible
	}

	loan.Status = LoanStatusLiquidated
	loan.Liquidator = strings.TrimSpace(liquidator)
	if err := l.store.UpdateLoan(ctx, loan, nil); err != nil {
		return nil, err
	}

	l.publish(NewLoanLiquidatedEvent(loan))
	return &LiquidationResult{
		Loan:         loan.Clone(),
		Debt:         assessment.TotalOwed,
		Seized:       loan.Collateral.Clone(),
		HealthFactor: assessment.HealthFactor,
	}, nil
}
