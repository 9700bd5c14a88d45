package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/store/memory"
)

func TestMemory_RecordsRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := memory.NewMemory()

	require.NoError(t, m.SaveItem(ctx, circulation.Item{ID: "item-1", Status: circulation.ItemAvailable}))
	require.NoError(t, m.SaveUser(ctx, circulation.User{ID: "user-1", PatronGroupID: "g"}))

	item, err := m.GetItem(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, circulation.ItemAvailable, item.Status)

	_, err = m.GetUser(ctx, "user-2")
	assert.True(t, circulation.IsNotFound(err))
}

func TestMemory_OpenLoanForItem(t *testing.T) {
	ctx := context.Background()
	m := memory.NewMemory()
	returned := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.SaveLoan(ctx, circulation.Loan{ID: "old", ItemID: "item-1", Status: circulation.LoanClosed, ReturnDate: &returned}))
	_, err := m.OpenLoanForItem(ctx, "item-1")
	assert.True(t, circulation.IsNotFound(err))

	require.NoError(t, m.SaveLoan(ctx, circulation.Loan{ID: "new", ItemID: "item-1", Status: circulation.LoanOpen}))
	loan, err := m.OpenLoanForItem(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, "new", loan.ID)
}

func TestMemory_SecondOpenLoanConflicts(t *testing.T) {
	ctx := context.Background()
	m := memory.NewMemory()
	require.NoError(t, m.SaveLoan(ctx, circulation.Loan{ID: "a", ItemID: "item-1", Status: circulation.LoanOpen}))

	err := m.SaveLoan(ctx, circulation.Loan{ID: "b", ItemID: "item-1", Status: circulation.LoanOpen})
	assert.True(t, circulation.IsConflict(err))

	// Updating the same loan is fine
	assert.NoError(t, m.SaveLoan(ctx, circulation.Loan{ID: "a", ItemID: "item-1", Status: circulation.LoanOpen, RenewalCount: 1}))
}

func TestMemory_OpenRequestsForItemSkipsClosed(t *testing.T) {
	ctx := context.Background()
	m := memory.NewMemory()

	require.NoError(t, m.SaveRequest(ctx, circulation.Request{ID: "r1", ItemID: "item-1", Status: circulation.RequestOpenNotYetFilled, Position: 1}))
	require.NoError(t, m.SaveRequest(ctx, circulation.Request{ID: "r2", ItemID: "item-1", Status: circulation.RequestClosedFilled}))
	require.NoError(t, m.SaveRequest(ctx, circulation.Request{ID: "r3", ItemID: "item-2", Status: circulation.RequestOpenNotYetFilled, Position: 1}))

	open, err := m.OpenRequestsForItem(ctx, "item-1")

	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "r1", open[0].ID)
}

func TestMemory_DocumentsAreCopied(t *testing.T) {
	ctx := context.Background()
	m := memory.NewMemory()
	body := []byte(`{"id":"p1"}`)

	require.NoError(t, m.SaveDocument(ctx, circulation.DocumentLoanPolicy, "p1", body))
	body[2] = 'X'

	got, err := m.GetDocument(ctx, circulation.DocumentLoanPolicy, "p1")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"p1"}`, string(got))

	all, err := m.ListDocuments(ctx, circulation.DocumentLoanPolicy)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	none, err := m.ListDocuments(ctx, circulation.DocumentSchedule)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTxMemory_RollbackOnError(t *testing.T) {
	// GIVEN: An item that is available
	ctx := context.Background()
	tm := memory.NewTxMemory()
	require.NoError(t, tm.SaveItem(ctx, circulation.Item{ID: "item-1", Status: circulation.ItemAvailable}))
	boom := errors.New("boom")

	// WHEN: A transaction writes then fails
	err := tm.WithTx(ctx, func(s circulation.Store) error {
		if err := s.SaveItem(ctx, circulation.Item{ID: "item-1", Status: circulation.ItemCheckedOut}); err != nil {
			return err
		}
		if err := s.SaveLoan(ctx, circulation.Loan{ID: "loan-1", ItemID: "item-1", Status: circulation.LoanOpen}); err != nil {
			return err
		}
		return boom
	})

	// THEN: Nothing was kept
	assert.ErrorIs(t, err, boom)
	item, err := tm.GetItem(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, circulation.ItemAvailable, item.Status)
	_, err = tm.GetLoan(ctx, "loan-1")
	assert.True(t, circulation.IsNotFound(err))
}

func TestTxMemory_CommitOnSuccess(t *testing.T) {
	ctx := context.Background()
	tm := memory.NewTxMemory()

	err := tm.WithTx(ctx, func(s circulation.Store) error {
		if err := s.SaveRequest(ctx, circulation.Request{ID: "r1", ItemID: "item-1", Status: circulation.RequestOpenNotYetFilled}); err != nil {
			return err
		}
		open, err := s.OpenRequestsForItem(ctx, "item-1")
		if err != nil {
			return err
		}
		assert.Len(t, open, 1, "writes visible inside the transaction")
		return nil
	})

	require.NoError(t, err)
	r, err := tm.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "item-1", r.ItemID)
}

func TestMemory_ListLoansFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	m := memory.NewMemory()
	day := func(d int) time.Time { return time.Date(2024, time.March, d, 9, 0, 0, 0, time.UTC) }

	require.NoError(t, m.SaveLoan(ctx, circulation.Loan{ID: "c", ItemID: "item-3", UserID: "ada", LoanDate: day(3), Status: circulation.LoanOpen}))
	require.NoError(t, m.SaveLoan(ctx, circulation.Loan{ID: "a", ItemID: "item-1", UserID: "ada", LoanDate: day(1), Status: circulation.LoanClosed}))
	require.NoError(t, m.SaveLoan(ctx, circulation.Loan{ID: "b", ItemID: "item-2", UserID: "bo", LoanDate: day(2), Status: circulation.LoanOpen}))

	all, err := m.ListLoans(ctx, circulation.LoanFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, loanIDs(all))

	adas, err := m.ListLoans(ctx, circulation.LoanFilter{UserID: "ada", OpenOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, loanIDs(adas))

	none, err := m.ListLoans(ctx, circulation.LoanFilter{ItemID: "item-9"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTxMemory_ListRequestsSeesPendingWrites(t *testing.T) {
	ctx := context.Background()
	tm := memory.NewTxMemory()
	at := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, tm.SaveRequest(ctx, circulation.Request{ID: "r1", ItemID: "item-1", RequesterID: "ada", Status: circulation.RequestOpenNotYetFilled, RequestDate: at}))

	err := tm.WithTx(ctx, func(st circulation.Store) error {
		require.NoError(t, st.SaveRequest(ctx, circulation.Request{ID: "r2", ItemID: "item-1", RequesterID: "bo", Status: circulation.RequestOpenNotYetFilled, RequestDate: at.Add(time.Hour)}))
		open, err := st.ListRequests(ctx, circulation.RequestFilter{ItemID: "item-1", OpenOnly: true})
		require.NoError(t, err)
		assert.Len(t, open, 2)
		return errors.New("roll back")
	})
	require.Error(t, err)

	after, err := tm.ListRequests(ctx, circulation.RequestFilter{ItemID: "item-1"})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "r1", after[0].ID)
}

func loanIDs(loans []circulation.Loan) []string {
	ids := make([]string, 0, len(loans))
	for _, l := range loans {
		ids = append(ids, l.ID)
	}
	return ids
}
