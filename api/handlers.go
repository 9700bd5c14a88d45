/*
handlers.go - HTTP API handlers for the circulation engine

PURPOSE:
  Exposes circulation operations via REST API. Handles HTTP
  request/response and JSON serialization and delegates to the service.

ENDPOINTS:
  Records:
    PUT    /api/items/{id}                  Create or replace an item
    PUT    /api/users/{id}                  Create or replace a user
    GET    /api/items/{id}/queue            Outstanding requests by position
    GET    /api/items/{id}/due-date         Due date preview (?userId=&loanDate=)

  Loans:
    POST   /api/loans                       Check out
    GET    /api/loans                       List loans (?userId=&itemId=&open=)
    GET    /api/loans/{id}                  Loan details
    POST   /api/loans/{id}/renew            Renew
    POST   /api/loans/{id}/override-renewal Renew through override
    POST   /api/loans/{id}/check-in         Check in

  Requests:
    POST   /api/requests                    Place a hold, recall or page
    GET    /api/requests                    List requests (?itemId=&requesterId=&open=)
    GET    /api/requests/{id}               Request details
    DELETE /api/requests/{id}               Cancel (?reason=); the record is kept closed

  Policies:
    GET    /api/loan-policies               Cached loan policies
    GET    /api/loan-policies/{id}          One loan policy
    PUT    /api/loan-policies/{id}          Store a loan policy document
    PUT    /api/request-policies/{id}       Store a request policy document
    PUT    /api/fixed-due-date-schedules/{id} Store a schedule document

  Circulation rules:
    GET    /api/circulation-rules/loan-policy      Winning loan policy
    GET    /api/circulation-rules/loan-policy-all  Every matching rule

ERROR HANDLING:
  - 400: Malformed body or query
  - 404: Record not found, no matching rule
  - 409: Conflicting write (second open loan for an item)
  - 422: Rule violations, as {"errors":[{message, parameters}]}
  - 500: Everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/factory"
	"github.com/warp/circulation-engine/logger"
	"github.com/warp/circulation-engine/rules"
	"github.com/warp/circulation-engine/service"
)

const maxDocumentBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service       *service.Service
	PolicyFactory *factory.PolicyFactory

	// Optional; /healthz always answers ok without it.
	Store Pinger

	log *slog.Logger
}

// NewHandler creates a handler over the given service.
func NewHandler(svc *service.Service, store Pinger) *Handler {
	return &Handler{
		Service:       svc,
		PolicyFactory: factory.NewPolicyFactory(),
		Store:         store,
		log:           logger.WithComponent("api"),
	}
}

// =============================================================================
// RECORD HANDLERS
// =============================================================================

// PutItem creates or replaces an item.
func (h *Handler) PutItem(w http.ResponseWriter, r *http.Request) {
	var dto ItemDTO
	if !decodeJSON(w, r, &dto) {
		return
	}
	if err := h.Service.SaveItem(r.Context(), dto.toItem(chi.URLParam(r, "id"))); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PutUser creates or replaces a user.
func (h *Handler) PutUser(w http.ResponseWriter, r *http.Request) {
	var dto UserDTO
	if !decodeJSON(w, r, &dto) {
		return
	}
	if err := h.Service.SaveUser(r.Context(), dto.toUser(chi.URLParam(r, "id"))); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := h.Service.RequestQueue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueueDTO(queue))
}

// PreviewDueDate answers what due date a checkout would get.
func (h *Handler) PreviewDueDate(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required", nil)
		return
	}

	var loanDate time.Time
	if raw := r.URL.Query().Get("loanDate"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "loanDate must be RFC 3339", err)
			return
		}
		loanDate = parsed
	}

	preview, err := h.Service.PreviewDueDate(r.Context(), chi.URLParam(r, "id"), userID, loanDate)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDueDatePreviewDTO(preview))
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// CheckOut opens a loan.
func (h *Handler) CheckOut(w http.ResponseWriter, r *http.Request) {
	var req CheckOutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	loan, err := h.Service.CheckOut(r.Context(), req.toInput())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanDTO(loan))
}

// ListLoans returns loans ordered by loan date.
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	open, ok := openOnly(w, r)
	if !ok {
		return
	}
	loans, err := h.Service.Loans(r.Context(), circulation.LoanFilter{
		ItemID:   q.Get("itemId"),
		UserID:   q.Get("userId"),
		OpenOnly: open,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoansDTO(loans))
}

func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.Service.Loan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(loan))
}

func (h *Handler) Renew(w http.ResponseWriter, r *http.Request) {
	loan, err := h.Service.Renew(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(loan))
}

func (h *Handler) OverrideRenewal(w http.ResponseWriter, r *http.Request) {
	var req OverrideRenewalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	loan, err := h.Service.OverrideRenewal(r.Context(), chi.URLParam(r, "id"), req.DueDate, req.Comment)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(loan))
}

func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	loan, err := h.Service.CheckIn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(loan))
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

// CreateRequest places a request at the end of the item's queue.
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var req CreateRequestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	created, err := h.Service.CreateRequest(r.Context(), req.toInput())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(created))
}

// ListRequests returns requests of any status ordered by request date.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	open, ok := openOnly(w, r)
	if !ok {
		return
	}
	found, err := h.Service.Requests(r.Context(), circulation.RequestFilter{
		ItemID:      q.Get("itemId"),
		RequesterID: q.Get("requesterId"),
		OpenOnly:    open,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestsDTO(found))
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	found, err := h.Service.Request(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(found))
}

// CancelRequest closes a request and moves the rest of its queue up.
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.Service.CancelRequest(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("reason"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(cancelled))
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

func (h *Handler) ListLoanPolicies(w http.ResponseWriter, r *http.Request) {
	policies := h.Service.LoanPolicies()
	dtos := make([]factory.LoanPolicyJSON, 0, len(policies))
	for _, p := range policies {
		dtos = append(dtos, h.PolicyFactory.LoanPolicyToJSON(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"loanPolicies": dtos, "totalRecords": len(dtos)})
}

func (h *Handler) GetLoanPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.LoanPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.PolicyFactory.LoanPolicyToJSON(p))
}

func (h *Handler) PutLoanPolicy(w http.ResponseWriter, r *http.Request) {
	body, ok := readDocument(w, r)
	if !ok {
		return
	}
	p, err := h.Service.SaveLoanPolicy(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.PolicyFactory.LoanPolicyToJSON(p))
}

func (h *Handler) PutRequestPolicy(w http.ResponseWriter, r *http.Request) {
	body, ok := readDocument(w, r)
	if !ok {
		return
	}
	p, err := h.Service.SaveRequestPolicy(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.PolicyFactory.RequestPolicyToJSON(p))
}

func (h *Handler) PutSchedule(w http.ResponseWriter, r *http.Request) {
	body, ok := readDocument(w, r)
	if !ok {
		return
	}
	s, err := h.Service.SaveSchedule(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.PolicyFactory.ScheduleToJSON(s))
}

// =============================================================================
// CIRCULATION RULES
// =============================================================================

func criteriaFromQuery(r *http.Request) rules.Criteria {
	q := r.URL.Query()
	return rules.Criteria{
		ItemTypeID:    q.Get("item_type_id"),
		LoanTypeID:    q.Get("loan_type_id"),
		PatronGroupID: q.Get("patron_type_id"),
		LocationID:    q.Get("shelving_location_id"),
	}
}

// ApplyLoanPolicy returns the loan policy the rules select.
func (h *Handler) ApplyLoanPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := h.Service.LoanPolicyID(r.Context(), criteriaFromQuery(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"loanPolicyId": id})
}

// ApplyAllLoanPolicies returns every matching rule, winner first.
func (h *Handler) ApplyAllLoanPolicies(w http.ResponseWriter, r *http.Request) {
	matches, err := h.Service.ExplainLoanPolicy(r.Context(), criteriaFromQuery(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if matches == nil {
		matches = []rules.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"circulationRuleMatches": matches})
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if verrs, ok := circulation.ValidationErrorsOf(err); ok {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Errors: toValidationErrorDTOs(verrs)})
		return
	}

	switch {
	case circulation.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found", err)
	case errors.Is(err, rules.ErrNoMatchingRule):
		writeError(w, http.StatusNotFound, "no circulation rule applies", err)
	case circulation.IsConflict(err):
		writeError(w, http.StatusConflict, "conflicting change", err)
	default:
		h.log.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// openOnly reads the optional open=true|false list filter.
func openOnly(w http.ResponseWriter, r *http.Request) (bool, bool) {
	raw := r.URL.Query().Get("open")
	if raw == "" {
		return false, true
	}
	open, err := strconv.ParseBool(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "open must be true or false", err)
		return false, false
	}
	return open, true
}

func readDocument(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read document", err)
		return nil, false
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty document", fmt.Errorf("%s %s", r.Method, r.URL.Path))
		return nil, false
	}
	return body, true
}
