/*
Package service orchestrates circulation operations over a store.

PURPOSE:
  Each operation fetches the records it needs, resolves the applicable
  policy through the circulation rules, runs the engine (policy, requests)
  and saves the result inside one store transaction. The engine packages
  stay pure; everything that blocks lives here.

OPERATIONS:
  CheckOut          Open a loan with a due date from the loan policy
  Renew             Renew a loan under its policy's renewal rules
  OverrideRenewal   Renew a loan an operator has chosen to force
  CheckIn           Close a loan and route the item to the next request
  CreateRequest     Place a hold, recall or page on an item
  CancelRequest     Close a request and move the queue up
  PreviewDueDate    Due date a checkout would get, without saving
  ExplainLoanPolicy Every rule that applies to a combination

POLICY CACHE:
  Parsed loan and request policies are cached by id. A miss reads the
  document from the store. RefreshPolicies reloads every document and
  swaps the cache; the scheduler calls it periodically and every policy
  write calls it directly. A miss that races a swap is returned to its
  caller but not written into the new cache.

TRACING:
  Every operation runs in an OpenTelemetry span named circulation.<op>.
  No exporter is configured here; the host process installs one.
*/
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/factory"
	"github.com/warp/circulation-engine/logger"
	"github.com/warp/circulation-engine/policy"
	"github.com/warp/circulation-engine/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Service runs circulation operations. Safe for concurrent use.
type Service struct {
	store    circulation.TxStore
	resolver rules.Resolver
	factory  *factory.PolicyFactory
	now      func() time.Time
	newID    func() string
	tracer   trace.Tracer
	log      *slog.Logger

	mu              sync.RWMutex
	loanPolicies    map[string]policy.LoanPolicy
	requestPolicies map[string]policy.RequestPolicy

	// generation counts cache swaps. A read-through only writes back when
	// no swap happened while it was reading the store.
	generation uint64
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the system clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces UUID generation for new loans and requests.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithTracerProvider replaces the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(tracerName) }
}

const tracerName = "github.com/warp/circulation-engine/service"

func New(store circulation.TxStore, resolver rules.Resolver, opts ...Option) *Service {
	s := &Service{
		store:           store,
		resolver:        resolver,
		factory:         factory.NewPolicyFactory(),
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
		tracer:          otel.Tracer(tracerName),
		log:             logger.WithComponent("service"),
		loanPolicies:    make(map[string]policy.LoanPolicy),
		requestPolicies: make(map[string]policy.RequestPolicy),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// TRACING
// =============================================================================

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "circulation."+name, trace.WithAttributes(attrs...))
}

// endSpan records the outcome. Validation failures are business outcomes,
// not span errors.
func endSpan(span trace.Span, err error) {
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case circulation.IsValidation(err):
		span.SetAttributes(attribute.Bool("validation.failed", true))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// logOutcome logs refusals at debug and faults at error.
func (s *Service) logOutcome(ctx context.Context, op string, err error, args ...any) {
	if err == nil {
		return
	}
	args = append(args, "op", op, "error", err)
	if circulation.IsValidation(err) {
		s.log.DebugContext(ctx, "operation refused", args...)
		return
	}
	s.log.ErrorContext(ctx, "operation failed", args...)
}
