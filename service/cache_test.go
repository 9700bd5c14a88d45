package service_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/rules"
	"github.com/warp/circulation-engine/service"
	"github.com/warp/circulation-engine/store/memory"
)

// swappingStore hands out a loan policy document once, but before doing so
// replaces it in storage and refreshes the service cache, as a refresh
// running alongside the read would.
type swappingStore struct {
	*memory.TxMemory
	svc     *service.Service
	fresh   []byte
	swapped bool
}

func (s *swappingStore) GetDocument(ctx context.Context, kind circulation.DocumentKind, id string) ([]byte, error) {
	body, err := s.TxMemory.GetDocument(ctx, kind, id)
	if err != nil || s.swapped || kind != circulation.DocumentLoanPolicy {
		return body, err
	}
	s.swapped = true
	if err := s.TxMemory.SaveDocument(ctx, kind, id, s.fresh); err != nil {
		return nil, err
	}
	if err := s.svc.RefreshPolicies(ctx); err != nil {
		return nil, err
	}
	return body, nil
}

func TestLoanPolicy_StaleReadDoesNotOverwriteRefreshedCache(t *testing.T) {
	ctx := context.Background()

	// GIVEN: A stored policy the cache has not seen yet
	store := &swappingStore{
		TxMemory: memory.NewTxMemory(),
		fresh:    []byte(strings.Replace(twoWeekPolicy, "Two week loans", "Renamed loans", 1)),
	}
	require.NoError(t, store.TxMemory.SaveDocument(ctx, circulation.DocumentLoanPolicy, "policy-two-weeks", []byte(twoWeekPolicy)))
	svc := service.New(store, rules.NewTable(nil, rules.Rule{}))
	store.svc = svc

	// WHEN: The policy is read while a refresh swaps in a newer version
	got, err := svc.LoanPolicy(ctx, "policy-two-weeks")

	// THEN: The caller gets what it read, the cache keeps the refreshed copy
	require.NoError(t, err)
	assert.Equal(t, "Two week loans", got.Name)

	cached := svc.LoanPolicies()
	require.Len(t, cached, 1)
	assert.Equal(t, "Renamed loans", cached[0].Name)

	again, err := svc.LoanPolicy(ctx, "policy-two-weeks")
	require.NoError(t, err)
	assert.Equal(t, "Renamed loans", again.Name)
}

func TestLoanPolicy_MissIsCached(t *testing.T) {
	ctx := context.Background()
	store := memory.NewTxMemory()
	require.NoError(t, store.SaveDocument(ctx, circulation.DocumentLoanPolicy, "policy-two-weeks", []byte(twoWeekPolicy)))
	svc := service.New(store, rules.NewTable(nil, rules.Rule{}))

	_, err := svc.LoanPolicy(ctx, "policy-two-weeks")

	require.NoError(t, err)
	assert.Len(t, svc.LoanPolicies(), 1)
}
