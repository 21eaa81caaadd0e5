package storage

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"nftlend/native/nftfi"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return NewStore(db)
}

func testLoan(id, borrower, tokenID string) *nftfi.Loan {
	origin := time.Unix(1_700_000_000, 0).UTC()
	value, _ := new(big.Int).SetString("45200000000000000000", 10)
	principal, _ := new(big.Int).SetString("22600000000000000000", 10)
	return &nftfi.Loan{
		ID: id,
		Collateral: nftfi.CollateralAsset{
			Collection:     "punks",
			TokenID:        tokenID,
			EstimatedValue: value,
			ValuationTime:  origin,
		},
		BorrowerID:       borrower,
		Principal:        principal,
		BorrowToken:      "WETH",
		OriginatedAt:     origin,
		RateBps:          850,
		CumulativeRepaid: big.NewInt(0),
		Status:           nftfi.LoanStatusActive,
	}
}

func TestCreateLoanRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	loan := testLoan("loan-1", "alice", "42")
	require.NoError(t, store.CreateLoan(ctx, loan))

	loaded, err := store.GetLoan(ctx, "loan-1")
	require.NoError(t, err)
	require.Equal(t, loan.ID, loaded.ID)
	require.Equal(t, loan.BorrowerID, loaded.BorrowerID)
	require.Zero(t, loan.Principal.Cmp(loaded.Principal))
	require.Zero(t, loan.Collateral.EstimatedValue.Cmp(loaded.Collateral.EstimatedValue))
	require.Equal(t, loan.RateBps, loaded.RateBps)
	require.Equal(t, nftfi.LoanStatusActive, loaded.Status)
	require.True(t, loan.OriginatedAt.Equal(loaded.OriginatedAt))

	_, err = store.GetLoan(ctx, "missing")
	require.ErrorIs(t, err, nftfi.ErrLoanNotFound)
}

func TestCreateLoanEnforcesSinglePledge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateLoan(ctx, testLoan("loan-1", "alice", "42")))
	err := store.CreateLoan(ctx, testLoan("loan-2", "bob", "42"))
	require.ErrorIs(t, err, nftfi.ErrCollateralAlreadyPledged)

	// The rejected write must leave no loan behind.
	_, err = store.GetLoan(ctx, "loan-2")
	require.ErrorIs(t, err, nftfi.ErrLoanNotFound)

	// A different token in the same collection is fine.
	require.NoError(t, store.CreateLoan(ctx, testLoan("loan-3", "bob", "43")))
}

func TestUpdateLoanReleasesPledgeOnTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	loan := testLoan("loan-1", "alice", "42")
	require.NoError(t, store.CreateLoan(ctx, loan))

	loan.Status = nftfi.LoanStatusCompleted
	loan.CumulativeRepaid = new(big.Int).Set(loan.Principal)
	rec := &nftfi.RepaymentRecord{
		ID:            "rec-1",
		LoanID:        loan.ID,
		Amount:        new(big.Int).Set(loan.Principal),
		Timestamp:     loan.OriginatedAt.Add(time.Hour),
		ResultingOwed: big.NewInt(0),
	}
	require.NoError(t, store.UpdateLoan(ctx, loan, rec))

	loaded, err := store.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	require.Equal(t, nftfi.LoanStatusCompleted, loaded.Status)

	// Released collateral is available to back a fresh loan.
	require.NoError(t, store.CreateLoan(ctx, testLoan("loan-2", "alice", "42")))

	records, err := store.Repayments(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Zero(t, records[0].Amount.Cmp(loan.Principal))
	require.Equal(t, 0, records[0].ResultingOwed.Sign())
}

func TestRepaymentByRequest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	loan := testLoan("loan-1", "alice", "42")
	require.NoError(t, store.CreateLoan(ctx, loan))

	rec := &nftfi.RepaymentRecord{
		ID:            "rec-1",
		LoanID:        loan.ID,
		RequestID:     "req-1",
		Amount:        big.NewInt(5),
		Timestamp:     loan.OriginatedAt.Add(time.Hour),
		ResultingOwed: big.NewInt(9),
	}
	require.NoError(t, store.UpdateLoan(ctx, loan, rec))

	found, err := store.RepaymentByRequest(ctx, loan.ID, "req-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, "rec-1", found.ID)
	require.Equal(t, "req-1", found.RequestID)

	missing, err := store.RepaymentByRequest(ctx, loan.ID, "req-2")
	require.NoError(t, err)
	require.Nil(t, missing)

	blank, err := store.RepaymentByRequest(ctx, loan.ID, "")
	require.NoError(t, err)
	require.Nil(t, blank)
}

func TestRepaymentRequestIDUniquePerLoan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	loan := testLoan("loan-1", "alice", "42")
	require.NoError(t, store.CreateLoan(ctx, loan))

	first := &nftfi.RepaymentRecord{
		ID: "rec-1", LoanID: loan.ID, RequestID: "req-1",
		Amount: big.NewInt(5), Timestamp: loan.OriginatedAt, ResultingOwed: big.NewInt(9),
	}
	require.NoError(t, store.UpdateLoan(ctx, loan, first))

	dup := &nftfi.RepaymentRecord{
		ID: "rec-2", LoanID: loan.ID, RequestID: "req-1",
		Amount: big.NewInt(5), Timestamp: loan.OriginatedAt, ResultingOwed: big.NewInt(4),
	}
	require.Error(t, store.UpdateLoan(ctx, loan, dup))

	// Records without a key never collide.
	for i := 0; i < 2; i++ {
		rec := &nftfi.RepaymentRecord{
			ID:     fmt.Sprintf("anon-%d", i),
			LoanID: loan.ID,
			Amount: big.NewInt(1), Timestamp: loan.OriginatedAt, ResultingOwed: big.NewInt(1),
		}
		require.NoError(t, store.UpdateLoan(ctx, loan, rec))
	}
}

func TestListLoansFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := testLoan("loan-1", "alice", "42")
	require.NoError(t, store.CreateLoan(ctx, first))
	second := testLoan("loan-2", "alice", "43")
	second.OriginatedAt = second.OriginatedAt.Add(time.Hour)
	require.NoError(t, store.CreateLoan(ctx, second))
	require.NoError(t, store.CreateLoan(ctx, testLoan("loan-3", "bob", "44")))

	first.Status = nftfi.LoanStatusLiquidated
	first.Liquidator = "liquidator"
	require.NoError(t, store.UpdateLoan(ctx, first, nil))

	all, err := store.ListLoans(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "loan-1", all[0].ID)
	require.Equal(t, "loan-2", all[1].ID)

	active, err := store.ListLoans(ctx, "alice", nftfi.LoanStatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "loan-2", active[0].ID)

	liquidated, err := store.ListLoans(ctx, "alice", nftfi.LoanStatusLiquidated)
	require.NoError(t, err)
	require.Len(t, liquidated, 1)
	require.Equal(t, "liquidator", liquidated[0].Liquidator)
}
