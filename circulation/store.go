/*
store.go - Persistence interfaces for circulation records

PURPOSE:
  Defines the boundary between the circulation service and its storage.
  The engine itself never touches storage; the service loads records,
  runs the engine and saves what the engine returns.

KEY INTERFACES:
  ItemStore, UserStore:  Items and patrons
  LoanStore:             Loans, including the open loan of an item
  RequestStore:          Requests and the open request queue of an item
  LoanFilter, RequestFilter: Selection for the list methods
  DocumentStore:         Policy and schedule documents (raw JSON)
  TxStore:               Store plus atomic multi-record writes

NOT FOUND:
  Every Get* method returns ErrNotFound (possibly wrapped) when the record
  does not exist. Callers test with IsNotFound.

IMPLEMENTATIONS:
  - store/memory:   In-memory for tests and development
  - store/sqlstore: SQLite or PostgreSQL through database/sql
*/
package circulation

import "context"

// =============================================================================
// RECORD STORES
// =============================================================================

type ItemStore interface {
	GetItem(ctx context.Context, id string) (Item, error)
	SaveItem(ctx context.Context, item Item) error
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (User, error)
	SaveUser(ctx context.Context, user User) error
}

type LoanStore interface {
	GetLoan(ctx context.Context, id string) (Loan, error)

	// OpenLoanForItem returns ErrNotFound when the item is not on loan.
	OpenLoanForItem(ctx context.Context, itemID string) (Loan, error)

	// SaveLoan inserts or replaces the loan.
	SaveLoan(ctx context.Context, loan Loan) error

	// ListLoans returns matching loans ordered by loan date.
	ListLoans(ctx context.Context, filter LoanFilter) ([]Loan, error)
}

type RequestStore interface {
	GetRequest(ctx context.Context, id string) (Request, error)

	// OpenRequestsForItem returns the item's open requests in any order.
	OpenRequestsForItem(ctx context.Context, itemID string) ([]Request, error)

	// SaveRequest inserts or replaces the request.
	SaveRequest(ctx context.Context, request Request) error

	// ListRequests returns matching requests ordered by request date.
	ListRequests(ctx context.Context, filter RequestFilter) ([]Request, error)
}

// =============================================================================
// FILTERS - Empty fields match everything
// =============================================================================

type LoanFilter struct {
	ItemID   string
	UserID   string
	OpenOnly bool
}

func (f LoanFilter) Matches(loan Loan) bool {
	return (f.ItemID == "" || loan.ItemID == f.ItemID) &&
		(f.UserID == "" || loan.UserID == f.UserID) &&
		(!f.OpenOnly || loan.IsOpen())
}

type RequestFilter struct {
	ItemID      string
	RequesterID string
	OpenOnly    bool
}

func (f RequestFilter) Matches(r Request) bool {
	return (f.ItemID == "" || r.ItemID == f.ItemID) &&
		(f.RequesterID == "" || r.RequesterID == f.RequesterID) &&
		(!f.OpenOnly || r.Status.IsOpen())
}

// =============================================================================
// DOCUMENT STORE - Policy configuration as stored documents
// =============================================================================

type DocumentKind string

const (
	DocumentLoanPolicy    DocumentKind = "loan-policy"
	DocumentRequestPolicy DocumentKind = "request-policy"
	DocumentSchedule      DocumentKind = "fixed-due-date-schedule"
)

type DocumentStore interface {
	SaveDocument(ctx context.Context, kind DocumentKind, id string, body []byte) error
	GetDocument(ctx context.Context, kind DocumentKind, id string) ([]byte, error)

	// ListDocuments returns every document of a kind keyed by id.
	ListDocuments(ctx context.Context, kind DocumentKind) (map[string][]byte, error)
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	ItemStore
	UserStore
	LoanStore
	RequestStore
	DocumentStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the given Store is
	// rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
