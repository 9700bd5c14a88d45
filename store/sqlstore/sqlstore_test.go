package sqlstore_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/store/sqlstore"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func openSQLite(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(sqlstore.DialectSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openLoan(id, itemID string) circulation.Loan {
	return circulation.Loan{
		ID:           id,
		ItemID:       itemID,
		UserID:       "user-1",
		LoanDate:     time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC),
		DueDate:      time.Date(2024, time.March, 15, 23, 59, 59, 999_000_000, time.UTC),
		Status:       circulation.LoanOpen,
		Action:       circulation.ActionCheckedOut,
		LoanPolicyID: "policy-1",
	}
}

// =============================================================================
// SQLITE
// =============================================================================

func TestSQLite_ItemAndUserRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	item := circulation.Item{ID: "item-1", Title: "Dune", Barcode: "123", Status: circulation.ItemAvailable, MaterialTypeID: "book"}
	require.NoError(t, s.SaveItem(ctx, item))
	item.Status = circulation.ItemCheckedOut
	require.NoError(t, s.SaveItem(ctx, item))

	got, err := s.GetItem(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, item, got)

	user := circulation.User{ID: "user-1", PatronGroupID: "staff", FirstName: "Ada", LastName: "Lovelace", Active: true}
	require.NoError(t, s.SaveUser(ctx, user))
	gotUser, err := s.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, user, gotUser)

	_, err = s.GetItem(ctx, "missing")
	assert.True(t, circulation.IsNotFound(err))
}

func TestSQLite_LoanKeepsSubSecondDueDate(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	loan := openLoan("loan-1", "item-1")

	require.NoError(t, s.SaveLoan(ctx, loan))

	got, err := s.OpenLoanForItem(ctx, "item-1")
	require.NoError(t, err)
	assert.True(t, loan.DueDate.Equal(got.DueDate))
	assert.Nil(t, got.ReturnDate)
	assert.Equal(t, circulation.ActionCheckedOut, got.Action)
}

func TestSQLite_CheckedInLoanIsNotOpen(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	loan := openLoan("loan-1", "item-1")
	require.NoError(t, s.SaveLoan(ctx, loan))

	closed := loan.CheckIn(time.Date(2024, time.March, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, s.SaveLoan(ctx, closed))

	_, err := s.OpenLoanForItem(ctx, "item-1")
	assert.True(t, circulation.IsNotFound(err))

	got, err := s.GetLoan(ctx, "loan-1")
	require.NoError(t, err)
	require.NotNil(t, got.ReturnDate)
	assert.Equal(t, circulation.LoanClosed, got.Status)

	// A new open loan for the same item is allowed once the old one closed
	assert.NoError(t, s.SaveLoan(ctx, openLoan("loan-2", "item-1")))
}

func TestSQLite_SecondOpenLoanConflicts(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	require.NoError(t, s.SaveLoan(ctx, openLoan("loan-1", "item-1")))

	err := s.SaveLoan(ctx, openLoan("loan-2", "item-1"))

	assert.True(t, circulation.IsConflict(err))
}

func TestSQLite_OpenRequestsOrderedByPosition(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	at := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

	for _, r := range []circulation.Request{
		{ID: "r2", ItemID: "item-1", RequesterID: "u2", Type: circulation.RequestHold, Status: circulation.RequestOpenNotYetFilled, Position: 2, RequestDate: at},
		{ID: "r1", ItemID: "item-1", RequesterID: "u1", Type: circulation.RequestRecall, Status: circulation.RequestOpenAwaitingPickup, Position: 1, RequestDate: at},
		{ID: "r0", ItemID: "item-1", RequesterID: "u0", Type: circulation.RequestHold, Status: circulation.RequestClosedCancelled, Position: 0, RequestDate: at},
	} {
		require.NoError(t, s.SaveRequest(ctx, r))
	}

	open, err := s.OpenRequestsForItem(ctx, "item-1")

	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "r1", open[0].ID)
	assert.Equal(t, "r2", open[1].ID)
	assert.Equal(t, circulation.RequestRecall, open[0].Type)
}

func TestSQLite_ListRequestsKeepsCancellation(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	at := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	cancelled := circulation.Request{ID: "r1", ItemID: "item-1", RequesterID: "u1", Type: circulation.RequestHold,
		Status: circulation.RequestOpenNotYetFilled, Position: 1, RequestDate: at}.Cancel(at.Add(time.Hour), "Patron changed mind")

	require.NoError(t, s.SaveRequest(ctx, cancelled))
	require.NoError(t, s.SaveRequest(ctx, circulation.Request{ID: "r2", ItemID: "item-1", RequesterID: "u2",
		Type: circulation.RequestHold, Status: circulation.RequestOpenNotYetFilled, Position: 1, RequestDate: at.Add(time.Minute)}))

	all, err := s.ListRequests(ctx, circulation.RequestFilter{ItemID: "item-1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "r1", all[0].ID)
	assert.Equal(t, circulation.RequestClosedCancelled, all[0].Status)
	assert.Equal(t, "Patron changed mind", all[0].CancellationReason)
	require.NotNil(t, all[0].CancelledDate)
	assert.True(t, at.Add(time.Hour).Equal(*all[0].CancelledDate))
	assert.Nil(t, all[1].CancelledDate)

	open, err := s.ListRequests(ctx, circulation.RequestFilter{RequesterID: "u1", OpenOnly: true})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSQLite_ListLoansOrderedByLoanDate(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	// RFC 3339 text with and without fractional seconds does not sort as text
	whole := openLoan("loan-whole", "item-1")
	whole.LoanDate = time.Date(2024, time.March, 1, 10, 0, 1, 0, time.UTC)
	fraction := openLoan("loan-fraction", "item-2")
	fraction.LoanDate = time.Date(2024, time.March, 1, 10, 0, 0, 500_000_000, time.UTC)
	require.NoError(t, s.SaveLoan(ctx, whole))
	require.NoError(t, s.SaveLoan(ctx, fraction))

	loans, err := s.ListLoans(ctx, circulation.LoanFilter{UserID: "user-1", OpenOnly: true})

	require.NoError(t, err)
	require.Len(t, loans, 2)
	assert.Equal(t, "loan-fraction", loans[0].ID)
	assert.Equal(t, "loan-whole", loans[1].ID)
}

func TestSQLite_Documents(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	require.NoError(t, s.SaveDocument(ctx, circulation.DocumentLoanPolicy, "p1", []byte(`{"id":"p1"}`)))
	require.NoError(t, s.SaveDocument(ctx, circulation.DocumentLoanPolicy, "p1", []byte(`{"id":"p1","name":"v2"}`)))
	require.NoError(t, s.SaveDocument(ctx, circulation.DocumentSchedule, "s1", []byte(`{"id":"s1"}`)))

	body, err := s.GetDocument(ctx, circulation.DocumentLoanPolicy, "p1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"p1","name":"v2"}`, string(body))

	all, err := s.ListDocuments(ctx, circulation.DocumentLoanPolicy)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.GetDocument(ctx, circulation.DocumentRequestPolicy, "p1")
	assert.True(t, circulation.IsNotFound(err))
}

func TestSQLite_WithTxRollsBack(t *testing.T) {
	// GIVEN: An available item
	ctx := context.Background()
	s := openSQLite(t)
	require.NoError(t, s.SaveItem(ctx, circulation.Item{ID: "item-1", Status: circulation.ItemAvailable}))
	boom := errors.New("boom")

	// WHEN: A checkout transaction fails after writing
	err := s.WithTx(ctx, func(tx circulation.Store) error {
		if err := tx.SaveItem(ctx, circulation.Item{ID: "item-1", Status: circulation.ItemCheckedOut}); err != nil {
			return err
		}
		if err := tx.SaveLoan(ctx, openLoan("loan-1", "item-1")); err != nil {
			return err
		}
		return boom
	})

	// THEN: The item is still available and no loan exists
	assert.ErrorIs(t, err, boom)
	item, err := s.GetItem(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, circulation.ItemAvailable, item.Status)
	_, err = s.GetLoan(ctx, "loan-1")
	assert.True(t, circulation.IsNotFound(err))
}

// =============================================================================
// POSTGRES DIALECT (sqlmock)
// =============================================================================

func TestPostgres_RebindsPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := sqlstore.New(db, sqlstore.DialectPostgres)

	mock.ExpectQuery(regexp.QuoteMeta("FROM items WHERE id = $1")).
		WithArgs("item-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "barcode", "status", "material_type_id", "loan_type_id", "location_id", "holdings_record_id"}).
			AddRow("item-1", "Dune", "123", "Checked out", "book", "", "", ""))

	item, err := s.GetItem(context.Background(), "item-1")

	require.NoError(t, err)
	assert.Equal(t, circulation.ItemCheckedOut, item.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListLoansRebindsFilter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := sqlstore.New(db, sqlstore.DialectPostgres)

	mock.ExpectQuery(regexp.QuoteMeta("FROM loans WHERE user_id = $1 AND status = $2")).
		WithArgs("user-1", "Open").
		WillReturnRows(sqlmock.NewRows([]string{"id", "item_id", "user_id", "proxy_user_id", "loan_date", "due_date",
			"return_date", "renewal_count", "status", "action", "action_comment", "loan_policy_id"}).
			AddRow("loan-1", "item-1", "user-1", "", "2024-03-01T10:00:00Z", "2024-03-15T10:00:00Z",
				nil, 0, "Open", "checkedout", "", "policy-1"))

	loans, err := s.ListLoans(context.Background(), circulation.LoanFilter{UserID: "user-1", OpenOnly: true})

	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Equal(t, "loan-1", loans[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_NoRowsIsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := sqlstore.New(db, sqlstore.DialectPostgres)

	mock.ExpectQuery(regexp.QuoteMeta("FROM loans WHERE item_id = $1 AND status = $2")).
		WithArgs("item-1", "Open").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = s.OpenLoanForItem(context.Background(), "item-1")

	assert.True(t, circulation.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UniqueViolationIsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := sqlstore.New(db, sqlstore.DialectPostgres)

	mock.ExpectExec("INSERT INTO loans").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err = s.SaveLoan(context.Background(), openLoan("loan-2", "item-1"))

	assert.True(t, circulation.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_WithTxCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := sqlstore.New(db, sqlstore.DialectPostgres)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO requests")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = s.WithTx(context.Background(), func(tx circulation.Store) error {
		return tx.SaveRequest(context.Background(), circulation.Request{ID: "r1", ItemID: "item-1", Status: circulation.RequestOpenNotYetFilled})
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestParseDialect(t *testing.T) {
	d, err := sqlstore.ParseDialect("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, sqlstore.DialectPostgres, d)

	d, err = sqlstore.ParseDialect("sqlite")
	require.NoError(t, err)
	assert.Equal(t, sqlstore.DialectSQLite, d)

	_, err = sqlstore.ParseDialect("oracle")
	assert.Error(t, err)
}
