package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"nftlend/native/nftfi"
)

// LoanRow is the persistent form of a loan. Wei amounts are stored as decimal
// strings to keep full precision in SQLite.
type LoanRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	Collection       string `gorm:"size:128;index"`
	TokenID          string `gorm:"size:128"`
	EstimatedValue   string `gorm:"size:96"`
	ValuationTime    time.Time
	BorrowerID       string `gorm:"size:128;index"`
	Principal        string `gorm:"size:96"`
	BorrowToken      string `gorm:"size:32"`
	OriginatedAt     time.Time
	RateBps          uint64
	CumulativeRepaid string `gorm:"size:96"`
	Status           string `gorm:"size:16;index"`
	Liquidator       string `gorm:"size:128"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName keeps the table name stable across gorm naming strategies.
func (LoanRow) TableName() string { return "loans" }

// PledgeRow marks a collateral asset as locked by a loan. The unique asset
// index is what enforces one active loan per asset at the database level.
type PledgeRow struct {
	AssetID   string `gorm:"primaryKey;size:260"`
	LoanID    string `gorm:"size:64;index"`
	CreatedAt time.Time
}

func (PledgeRow) TableName() string { return "collateral_pledges" }

// RepaymentRow is an append-only audit entry. RequestID is nullable so that
// repayments submitted without an idempotency key never collide on the unique
// index.
type RepaymentRow struct {
	ID                    string  `gorm:"primaryKey;size:64"`
	LoanID                string  `gorm:"size:64;index;uniqueIndex:idx_loan_request"`
	RequestID             *string `gorm:"size:128;uniqueIndex:idx_loan_request"`
	Amount                string  `gorm:"size:96"`
	Timestamp             time.Time
	ResultingOwed         string `gorm:"size:96"`
	ResultingHealthFactor string `gorm:"size:96"`
	CreatedAt             time.Time
}

func (RepaymentRow) TableName() string { return "repayments" }

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("storage path must be configured")

// AutoMigrate applies the loan schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&LoanRow{}, &PledgeRow{}, &RepaymentRow{})
}

// Store is the SQLite-backed loan store.
type Store struct {
	db *gorm.DB
}

// Open initialises the backing database at the given sqlite DSN and applies
// the schema.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := gorm.Open(sqlite.Open(trimmed), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing gorm handle. The caller is responsible for
// migrations.
func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateLoan persists a new loan and its collateral pledge in one
// transaction. A live pledge on the same asset rejects the whole write.
func (s *Store) CreateLoan(ctx context.Context, loan *nftfi.Loan) error {
	if s == nil || s.db == nil {
		return nftfi.ErrNilStore
	}
	row, err := loanRow(loan)
	if err != nil {
		return err
	}
	assetID := loan.Collateral.ID()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing PledgeRow
		err := tx.Where("asset_id = ?", assetID).First(&existing).Error
		if err == nil {
			return nftfi.ErrCollateralAlreadyPledged
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check pledge: %w", err)
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("insert loan: %w", err)
		}
		if err := tx.Create(&PledgeRow{AssetID: assetID, LoanID: loan.ID}).Error; err != nil {
			return fmt.Errorf("insert pledge: %w", err)
		}
		return nil
	})
}

// GetLoan loads a loan by id.
func (s *Store) GetLoan(ctx context.Context, loanID string) (*nftfi.Loan, error) {
	if s == nil || s.db == nil {
		return nil, nftfi.ErrNilStore
	}
	var row LoanRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", loanID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nftfi.ErrLoanNotFound
		}
		return nil, fmt.Errorf("query loan: %w", err)
	}
	return row.Loan()
}

// UpdateLoan persists a mutated loan together with an optional repayment
// record and releases the collateral pledge when the loan reached a terminal
// state, all in one transaction.
func (s *Store) UpdateLoan(ctx context.Context, loan *nftfi.Loan, rec *nftfi.RepaymentRecord) error {
	if s == nil || s.db == nil {
		return nftfi.ErrNilStore
	}
	row, err := loanRow(loan)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(row).Error; err != nil {
			return fmt.Errorf("update loan: %w", err)
		}
		if rec != nil {
			recRow, err := repaymentRow(rec)
			if err != nil {
				return err
			}
			if err := tx.Create(recRow).Error; err != nil {
				return fmt.Errorf("insert repayment: %w", err)
			}
		}
		if loan.Status.Terminal() {
			if err := tx.Where("loan_id = ?", loan.ID).Delete(&PledgeRow{}).Error; err != nil {
				return fmt.Errorf("release pledge: %w", err)
			}
		}
		return nil
	})
}

// ListLoans returns the borrower's loans, optionally filtered by status, in
// origination order.
func (s *Store) ListLoans(ctx context.Context, borrowerID string, statuses ...nftfi.LoanStatus) ([]*nftfi.Loan, error) {
	if s == nil || s.db == nil {
		return nil, nftfi.ErrNilStore
	}
	query := s.db.WithContext(ctx).Where("borrower_id = ?", borrowerID)
	if len(statuses) > 0 {
		labels := make([]string, 0, len(statuses))
		for _, status := range statuses {
			labels = append(labels, status.String())
		}
		query = query.Where("status IN ?", labels)
	}
	var rows []LoanRow
	if err := query.Order("originated_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query loans: %w", err)
	}
	loans := make([]*nftfi.Loan, 0, len(rows))
	for i := range rows {
		loan, err := rows[i].Loan()
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	return loans, nil
}

// Repayments returns the audit trail for a loan in application order.
func (s *Store) Repayments(ctx context.Context, loanID string) ([]*nftfi.RepaymentRecord, error) {
	if s == nil || s.db == nil {
		return nil, nftfi.ErrNilStore
	}
	var rows []RepaymentRow
	if err := s.db.WithContext(ctx).
		Where("loan_id = ?", loanID).
		Order("timestamp ASC, created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query repayments: %w", err)
	}
	records := make([]*nftfi.RepaymentRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].Record()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// RepaymentByRequest resolves a recorded repayment by idempotency key, or nil
// when the key has not been seen for the loan.
func (s *Store) RepaymentByRequest(ctx context.Context, loanID, requestID string) (*nftfi.RepaymentRecord, error) {
	if s == nil || s.db == nil {
		return nil, nftfi.ErrNilStore
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, nil
	}
	var row RepaymentRow
	err := s.db.WithContext(ctx).
		Where("loan_id = ? AND request_id = ?", loanID, requestID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query repayment: %w", err)
	}
	return row.Record()
}

func loanRow(loan *nftfi.Loan) (*LoanRow, error) {
	if loan == nil {
		return nil, fmt.Errorf("loan required")
	}
	if loan.ID == "" {
		loan.ID = uuid.NewString()
	}
	return &LoanRow{
		ID:               loan.ID,
		Collection:       loan.Collateral.Collection,
		TokenID:          loan.Collateral.TokenID,
		EstimatedValue:   weiString(loan.Collateral.EstimatedValue),
		ValuationTime:    loan.Collateral.ValuationTime.UTC(),
		BorrowerID:       loan.BorrowerID,
		Principal:        weiString(loan.Principal),
		BorrowToken:      loan.BorrowToken,
		OriginatedAt:     loan.OriginatedAt.UTC(),
		RateBps:          loan.RateBps,
		CumulativeRepaid: weiString(loan.CumulativeRepaid),
		Status:           loan.Status.String(),
		Liquidator:       loan.Liquidator,
	}, nil
}

// Loan converts the row back into the domain form.
func (r LoanRow) Loan() (*nftfi.Loan, error) {
	status, ok := nftfi.ParseLoanStatus(r.Status)
	if !ok {
		return nil, fmt.Errorf("loan %s: invalid status %q", r.ID, r.Status)
	}
	value, err := parseWei(r.EstimatedValue)
	if err != nil {
		return nil, fmt.Errorf("loan %s: estimated value: %w", r.ID, err)
	}
	principal, err := parseWei(r.Principal)
	if err != nil {
		return nil, fmt.Errorf("loan %s: principal: %w", r.ID, err)
	}
	repaid, err := parseWei(r.CumulativeRepaid)
	if err != nil {
		return nil, fmt.Errorf("loan %s: cumulative repaid: %w", r.ID, err)
	}
	return &nftfi.Loan{
		ID: r.ID,
		Collateral: nftfi.CollateralAsset{
			Collection:     r.Collection,
			TokenID:        r.TokenID,
			EstimatedValue: value,
			ValuationTime:  r.ValuationTime.UTC(),
		},
		BorrowerID:       r.BorrowerID,
		Principal:        principal,
		BorrowToken:      r.BorrowToken,
		OriginatedAt:     r.OriginatedAt.UTC(),
		RateBps:          r.RateBps,
		CumulativeRepaid: repaid,
		Status:           status,
		Liquidator:       r.Liquidator,
	}, nil
}

func repaymentRow(rec *nftfi.RepaymentRecord) (*RepaymentRow, error) {
	if rec == nil || rec.ID == "" {
		return nil, fmt.Errorf("repayment record required")
	}
	row := &RepaymentRow{
		ID:                    rec.ID,
		LoanID:                rec.LoanID,
		Amount:                weiString(rec.Amount),
		Timestamp:             rec.Timestamp.UTC(),
		ResultingOwed:         weiString(rec.ResultingOwed),
		ResultingHealthFactor: rec.ResultingHealthFactor,
	}
	if trimmed := strings.TrimSpace(rec.RequestID); trimmed != "" {
		row.RequestID = &trimmed
	}
	return row, nil
}

// Record converts the row back into the domain form.
func (r RepaymentRow) Record() (*nftfi.RepaymentRecord, error) {
	amount, err := parseWei(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("repayment %s: amount: %w", r.ID, err)
	}
	owed, err := parseWei(r.ResultingOwed)
	if err != nil {
		return nil, fmt.Errorf("repayment %s: resulting owed: %w", r.ID, err)
	}
	requestID := ""
	if r.RequestID != nil {
		requestID = *r.RequestID
	}
	return &nftfi.RepaymentRecord{
		ID:                    r.ID,
		LoanID:                r.LoanID,
		RequestID:             requestID,
		Amount:                amount,
		Timestamp:             r.Timestamp.UTC(),
		ResultingOwed:         owed,
		ResultingHealthFactor: r.ResultingHealthFactor,
	}, nil
}

func weiString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

func parseWei(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid wei amount %q", value)
	}
	return parsed, nil
}
