/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Field names follow
  the circulation storage formats (itemId, dueDate, loanPolicyId) so that
  existing clients read them without mapping.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Records:   ItemDTO, UserDTO
  Loans:     LoanDTO, LoansDTO, CheckOutRequest, OverrideRenewalRequest, DueDatePreviewDTO
  Requests:  RequestDTO, CreateRequestRequest, QueueDTO (also used for request lists)
  Errors:    ErrorResponse, ValidationErrorDTO

  Policy documents are exchanged as factory.LoanPolicyJSON and friends.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: Policy document types
*/
package api

import (
	"time"

	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/service"
)

// =============================================================================
// RECORDS
// =============================================================================

type ItemDTO struct {
	ID                  string `json:"id"`
	Title               string `json:"title,omitempty"`
	Barcode             string `json:"barcode,omitempty"`
	Status              string `json:"status,omitempty"`
	MaterialTypeID      string `json:"materialTypeId"`
	PermanentLoanTypeID string `json:"permanentLoanTypeId"`
	EffectiveLocationID string `json:"effectiveLocationId"`
	HoldingsRecordID    string `json:"holdingsRecordId,omitempty"`
}

func (d ItemDTO) toItem(id string) circulation.Item {
	return circulation.Item{
		ID:               id,
		Title:            d.Title,
		Barcode:          d.Barcode,
		Status:           circulation.ItemStatus(d.Status),
		MaterialTypeID:   d.MaterialTypeID,
		LoanTypeID:       d.PermanentLoanTypeID,
		LocationID:       d.EffectiveLocationID,
		HoldingsRecordID: d.HoldingsRecordID,
	}
}

type UserDTO struct {
	ID          string `json:"id"`
	Barcode     string `json:"barcode,omitempty"`
	PatronGroup string `json:"patronGroup"`
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	Active      bool   `json:"active"`
}

func (d UserDTO) toUser(id string) circulation.User {
	return circulation.User{
		ID:            id,
		Barcode:       d.Barcode,
		PatronGroupID: d.PatronGroup,
		FirstName:     d.FirstName,
		LastName:      d.LastName,
		Active:        d.Active,
	}
}

// =============================================================================
// LOANS
// =============================================================================

// LoanStatusDTO wraps the status name the way loan records store it.
type LoanStatusDTO struct {
	Name string `json:"name"`
}

type LoanDTO struct {
	ID            string        `json:"id"`
	ItemID        string        `json:"itemId"`
	UserID        string        `json:"userId"`
	ProxyUserID   string        `json:"proxyUserId,omitempty"`
	LoanDate      time.Time     `json:"loanDate"`
	DueDate       time.Time     `json:"dueDate"`
	ReturnDate    *time.Time    `json:"returnDate,omitempty"`
	RenewalCount  int           `json:"renewalCount"`
	Status        LoanStatusDTO `json:"status"`
	Action        string        `json:"action"`
	ActionComment string        `json:"actionComment,omitempty"`
	LoanPolicyID  string        `json:"loanPolicyId,omitempty"`
}

func toLoanDTO(l circulation.Loan) LoanDTO {
	return LoanDTO{
		ID:            l.ID,
		ItemID:        l.ItemID,
		UserID:        l.UserID,
		ProxyUserID:   l.ProxyUserID,
		LoanDate:      l.LoanDate,
		DueDate:       l.DueDate,
		ReturnDate:    l.ReturnDate,
		RenewalCount:  l.RenewalCount,
		Status:        LoanStatusDTO{Name: string(l.Status)},
		Action:        l.Action,
		ActionComment: l.ActionComment,
		LoanPolicyID:  l.LoanPolicyID,
	}
}

type LoansDTO struct {
	Loans        []LoanDTO `json:"loans"`
	TotalRecords int       `json:"totalRecords"`
}

func toLoansDTO(loans []circulation.Loan) LoansDTO {
	dto := LoansDTO{Loans: make([]LoanDTO, 0, len(loans)), TotalRecords: len(loans)}
	for _, l := range loans {
		dto.Loans = append(dto.Loans, toLoanDTO(l))
	}
	return dto
}

// CheckOutRequest is the body of POST /api/loans.
type CheckOutRequest struct {
	ItemID      string     `json:"itemId"`
	UserID      string     `json:"userId"`
	ProxyUserID string     `json:"proxyUserId,omitempty"`
	LoanDate    *time.Time `json:"loanDate,omitempty"`
}

func (r CheckOutRequest) toInput() service.CheckOutInput {
	in := service.CheckOutInput{ItemID: r.ItemID, UserID: r.UserID, ProxyUserID: r.ProxyUserID}
	if r.LoanDate != nil {
		in.LoanDate = *r.LoanDate
	}
	return in
}

type OverrideRenewalRequest struct {
	DueDate *time.Time `json:"dueDate,omitempty"`
	Comment string     `json:"comment"`
}

type DueDatePreviewDTO struct {
	DueDate        time.Time `json:"dueDate"`
	LoanPolicyID   string    `json:"loanPolicyId"`
	LoanPolicyName string    `json:"loanPolicyName"`
	Strategy       string    `json:"strategy"`
}

func toDueDatePreviewDTO(p service.DueDatePreview) DueDatePreviewDTO {
	return DueDatePreviewDTO{
		DueDate:        p.DueDate,
		LoanPolicyID:   p.Policy.ID,
		LoanPolicyName: p.Policy.Name,
		Strategy:       string(p.Strategy),
	}
}

// =============================================================================
// REQUESTS
// =============================================================================

type RequestDTO struct {
	ID                   string    `json:"id"`
	ItemID               string    `json:"itemId"`
	RequesterID          string    `json:"requesterId"`
	ProxyUserID          string    `json:"proxyUserId,omitempty"`
	RequestType          string    `json:"requestType"`
	Status               string    `json:"status"`
	Position             int       `json:"position"`
	RequestDate          time.Time `json:"requestDate"`
	FulfilmentPreference string    `json:"fulfilmentPreference,omitempty"`

	CancelledDate      *time.Time `json:"cancelledDate,omitempty"`
	CancellationReason string     `json:"cancellationAdditionalInformation,omitempty"`
}

func toRequestDTO(r circulation.Request) RequestDTO {
	return RequestDTO{
		ID:                   r.ID,
		ItemID:               r.ItemID,
		RequesterID:          r.RequesterID,
		ProxyUserID:          r.ProxyUserID,
		RequestType:          string(r.Type),
		Status:               string(r.Status),
		Position:             r.Position,
		RequestDate:          r.RequestDate,
		FulfilmentPreference: r.FulfilmentPreference,
		CancelledDate:        r.CancelledDate,
		CancellationReason:   r.CancellationReason,
	}
}

// CreateRequestRequest is the body of POST /api/requests.
type CreateRequestRequest struct {
	ItemID               string     `json:"itemId"`
	RequesterID          string     `json:"requesterId"`
	ProxyUserID          string     `json:"proxyUserId,omitempty"`
	RequestType          string     `json:"requestType"`
	RequestDate          *time.Time `json:"requestDate,omitempty"`
	FulfilmentPreference string     `json:"fulfilmentPreference,omitempty"`
}

func (r CreateRequestRequest) toInput() service.RequestInput {
	in := service.RequestInput{
		ItemID:               r.ItemID,
		RequesterID:          r.RequesterID,
		ProxyUserID:          r.ProxyUserID,
		Type:                 r.RequestType,
		FulfilmentPreference: r.FulfilmentPreference,
	}
	if r.RequestDate != nil {
		in.RequestDate = *r.RequestDate
	}
	return in
}

type QueueDTO struct {
	Requests     []RequestDTO `json:"requests"`
	TotalRecords int          `json:"totalRecords"`
}

func toQueueDTO(q circulation.RequestQueue) QueueDTO {
	return toRequestsDTO(q.Requests())
}

func toRequestsDTO(requests []circulation.Request) QueueDTO {
	dto := QueueDTO{Requests: make([]RequestDTO, 0, len(requests)), TotalRecords: len(requests)}
	for _, r := range requests {
		dto.Requests = append(dto.Requests, toRequestDTO(r))
	}
	return dto
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse carries either a single error or a list of rule violations.
type ErrorResponse struct {
	Error   string               `json:"error,omitempty"`
	Details string               `json:"details,omitempty"`
	Errors  []ValidationErrorDTO `json:"errors,omitempty"`
}

type ValidationErrorDTO struct {
	Message    string         `json:"message"`
	Parameters []ParameterDTO `json:"parameters"`
}

type ParameterDTO struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func toValidationErrorDTOs(errs circulation.ValidationErrors) []ValidationErrorDTO {
	dtos := make([]ValidationErrorDTO, 0, len(errs))
	for _, e := range errs {
		dto := ValidationErrorDTO{Message: e.Message, Parameters: []ParameterDTO{}}
		for _, p := range e.Parameters {
			dto.Parameters = append(dto.Parameters, ParameterDTO{Key: p.Key, Value: p.Value})
		}
		dtos = append(dtos, dto)
	}
	return dtos
}
