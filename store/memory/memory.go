// Package memory provides an in-memory circulation.Store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	*tables
}

type tables struct {
	items     map[string]circulation.Item
	users     map[string]circulation.User
	loans     map[string]circulation.Loan
	requests  map[string]circulation.Request
	documents map[circulation.DocumentKind]map[string][]byte
}

func newTables() *tables {
	return &tables{
		items:     make(map[string]circulation.Item),
		users:     make(map[string]circulation.User),
		loans:     make(map[string]circulation.Loan),
		requests:  make(map[string]circulation.Request),
		documents: make(map[circulation.DocumentKind]map[string][]byte),
	}
}

func NewMemory() *Memory {
	return &Memory{tables: newTables()}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, circulation.ErrNotFound)
}

// =============================================================================
// ITEMS AND USERS
// =============================================================================

func (m *Memory) GetItem(_ context.Context, id string) (circulation.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getItem(id)
}

func (m *Memory) SaveItem(_ context.Context, item circulation.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
	return nil
}

func (t *tables) getItem(id string) (circulation.Item, error) {
	item, ok := t.items[id]
	if !ok {
		return circulation.Item{}, notFound("item", id)
	}
	return item, nil
}

func (m *Memory) GetUser(_ context.Context, id string) (circulation.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getUser(id)
}

func (m *Memory) SaveUser(_ context.Context, user circulation.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (t *tables) getUser(id string) (circulation.User, error) {
	user, ok := t.users[id]
	if !ok {
		return circulation.User{}, notFound("user", id)
	}
	return user, nil
}

// =============================================================================
// LOANS
// =============================================================================

func (m *Memory) GetLoan(_ context.Context, id string) (circulation.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLoan(id)
}

func (m *Memory) OpenLoanForItem(_ context.Context, itemID string) (circulation.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openLoanForItem(itemID)
}

func (m *Memory) SaveLoan(_ context.Context, loan circulation.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLoan(loan)
}

func (m *Memory) ListLoans(_ context.Context, filter circulation.LoanFilter) ([]circulation.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLoans(filter), nil
}

func (t *tables) listLoans(filter circulation.LoanFilter) []circulation.Loan {
	result := []circulation.Loan{}
	for _, loan := range t.loans {
		if filter.Matches(loan) {
			result = append(result, loan)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].LoanDate.Equal(result[j].LoanDate) {
			return result[i].LoanDate.Before(result[j].LoanDate)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (t *tables) getLoan(id string) (circulation.Loan, error) {
	loan, ok := t.loans[id]
	if !ok {
		return circulation.Loan{}, notFound("loan", id)
	}
	return loan, nil
}

// saveLoan enforces at most one open loan per item.
func (t *tables) saveLoan(loan circulation.Loan) error {
	if loan.IsOpen() {
		for id, other := range t.loans {
			if id != loan.ID && other.ItemID == loan.ItemID && other.IsOpen() {
				return fmt.Errorf("item %q already on loan %q: %w", loan.ItemID, id, circulation.ErrConflict)
			}
		}
	}
	t.loans[loan.ID] = loan
	return nil
}

func (t *tables) openLoanForItem(itemID string) (circulation.Loan, error) {
	for _, loan := range t.loans {
		if loan.ItemID == itemID && loan.IsOpen() {
			return loan, nil
		}
	}
	return circulation.Loan{}, notFound("open loan for item", itemID)
}

// =============================================================================
// REQUESTS
// =============================================================================

func (m *Memory) GetRequest(_ context.Context, id string) (circulation.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRequest(id)
}

func (m *Memory) OpenRequestsForItem(_ context.Context, itemID string) ([]circulation.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openRequestsForItem(itemID), nil
}

func (m *Memory) SaveRequest(_ context.Context, request circulation.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[request.ID] = request
	return nil
}

func (m *Memory) ListRequests(_ context.Context, filter circulation.RequestFilter) ([]circulation.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRequests(filter), nil
}

func (t *tables) listRequests(filter circulation.RequestFilter) []circulation.Request {
	result := []circulation.Request{}
	for _, r := range t.requests {
		if filter.Matches(r) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].RequestDate.Equal(result[j].RequestDate) {
			return result[i].RequestDate.Before(result[j].RequestDate)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (t *tables) getRequest(id string) (circulation.Request, error) {
	request, ok := t.requests[id]
	if !ok {
		return circulation.Request{}, notFound("request", id)
	}
	return request, nil
}

func (t *tables) openRequestsForItem(itemID string) []circulation.Request {
	var result []circulation.Request
	for _, r := range t.requests {
		if r.ItemID == itemID && r.Status.IsOpen() {
			result = append(result, r)
		}
	}
	return result
}

// =============================================================================
// DOCUMENTS
// =============================================================================

func (m *Memory) SaveDocument(_ context.Context, kind circulation.DocumentKind, id string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveDocument(kind, id, body)
	return nil
}

func (m *Memory) GetDocument(_ context.Context, kind circulation.DocumentKind, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getDocument(kind, id)
}

func (m *Memory) ListDocuments(_ context.Context, kind circulation.DocumentKind) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listDocuments(kind), nil
}

func (t *tables) saveDocument(kind circulation.DocumentKind, id string, body []byte) {
	docs := t.documents[kind]
	if docs == nil {
		docs = make(map[string][]byte)
		t.documents[kind] = docs
	}
	docs[id] = append([]byte(nil), body...)
}

func (t *tables) getDocument(kind circulation.DocumentKind, id string) ([]byte, error) {
	body, ok := t.documents[kind][id]
	if !ok {
		return nil, notFound(string(kind), id)
	}
	return append([]byte(nil), body...), nil
}

func (t *tables) listDocuments(kind circulation.DocumentKind) map[string][]byte {
	result := make(map[string][]byte, len(t.documents[kind]))
	for id, body := range t.documents[kind] {
		result[id] = append([]byte(nil), body...)
	}
	return result
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(_ context.Context, fn func(circulation.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.tables.clone()

	if err := fn(&txMemoryView{tables: tm.tables}); err != nil {
		tm.tables = snapshot
		return err
	}
	return nil
}

func (t *tables) clone() *tables {
	c := newTables()
	for k, v := range t.items {
		c.items[k] = v
	}
	for k, v := range t.users {
		c.users[k] = v
	}
	for k, v := range t.loans {
		c.loans[k] = v
	}
	for k, v := range t.requests {
		c.requests[k] = v
	}
	for kind := range t.documents {
		c.documents[kind] = t.listDocuments(kind)
	}
	return c
}

// txMemoryView runs with the parent's lock already held.
type txMemoryView struct {
	tables *tables
}

func (v *txMemoryView) GetItem(_ context.Context, id string) (circulation.Item, error) {
	return v.tables.getItem(id)
}

func (v *txMemoryView) SaveItem(_ context.Context, item circulation.Item) error {
	v.tables.items[item.ID] = item
	return nil
}

func (v *txMemoryView) GetUser(_ context.Context, id string) (circulation.User, error) {
	return v.tables.getUser(id)
}

func (v *txMemoryView) SaveUser(_ context.Context, user circulation.User) error {
	v.tables.users[user.ID] = user
	return nil
}

func (v *txMemoryView) GetLoan(_ context.Context, id string) (circulation.Loan, error) {
	return v.tables.getLoan(id)
}

func (v *txMemoryView) OpenLoanForItem(_ context.Context, itemID string) (circulation.Loan, error) {
	return v.tables.openLoanForItem(itemID)
}

func (v *txMemoryView) SaveLoan(_ context.Context, loan circulation.Loan) error {
	return v.tables.saveLoan(loan)
}

func (v *txMemoryView) ListLoans(_ context.Context, filter circulation.LoanFilter) ([]circulation.Loan, error) {
	return v.tables.listLoans(filter), nil
}

func (v *txMemoryView) GetRequest(_ context.Context, id string) (circulation.Request, error) {
	return v.tables.getRequest(id)
}

func (v *txMemoryView) OpenRequestsForItem(_ context.Context, itemID string) ([]circulation.Request, error) {
	return v.tables.openRequestsForItem(itemID), nil
}

func (v *txMemoryView) ListRequests(_ context.Context, filter circulation.RequestFilter) ([]circulation.Request, error) {
	return v.tables.listRequests(filter), nil
}

func (v *txMemoryView) SaveRequest(_ context.Context, request circulation.Request) error {
	v.tables.requests[request.ID] = request
	return nil
}

func (v *txMemoryView) SaveDocument(_ context.Context, kind circulation.DocumentKind, id string, body []byte) error {
	v.tables.saveDocument(kind, id, body)
	return nil
}

func (v *txMemoryView) GetDocument(_ context.Context, kind circulation.DocumentKind, id string) ([]byte, error) {
	return v.tables.getDocument(kind, id)
}

func (v *txMemoryView) ListDocuments(_ context.Context, kind circulation.DocumentKind) (map[string][]byte, error) {
	return v.tables.listDocuments(kind), nil
}

var (
	_ circulation.TxStore = (*TxMemory)(nil)
	_ circulation.Store   = (*txMemoryView)(nil)
)
