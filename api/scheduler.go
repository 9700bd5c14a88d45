/*
scheduler.go - Periodic policy and rules refresh

PURPOSE:
  Keeps a running server in step with policy documents written by other
  processes and with edits to the circulation rules file. Each tick
  reloads the rules table and then rebuilds the policy cache.

DESIGN:
  - robfig/cron with seconds precision, UTC
  - One job; a failed reload keeps the previous rules and is logged
  - Run executes a refresh immediately, used once at startup

USAGE:
  scheduler, err := NewRefreshScheduler(svc, table, "./rules.yaml", "0 0/5 * * * *")
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/circulation-engine/logger"
)

// PolicyRefresher rebuilds cached policies from storage.
type PolicyRefresher interface {
	RefreshPolicies(ctx context.Context) error
}

// RulesReloader rereads a rules file.
type RulesReloader interface {
	Reload(path string) error
}

// RefreshScheduler runs the refresh job on a cron spec.
type RefreshScheduler struct {
	policies  PolicyRefresher
	rules     RulesReloader
	rulesFile string
	timeout   time.Duration

	cron *cron.Cron
	log  *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewRefreshScheduler registers the refresh job. rules may be nil, in which
// case only policies are refreshed.
func NewRefreshScheduler(policies PolicyRefresher, rules RulesReloader, rulesFile, spec string) (*RefreshScheduler, error) {
	rs := &RefreshScheduler{
		policies:  policies,
		rules:     rules,
		rulesFile: rulesFile,
		timeout:   time.Minute,
		cron:      cron.New(cron.WithLocation(time.UTC), cron.WithSeconds()),
		log:       logger.WithComponent("scheduler"),
	}
	if _, err := rs.cron.AddFunc(spec, rs.tick); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	return rs, nil
}

// Start begins the scheduler.
func (rs *RefreshScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.running {
		return
	}
	rs.cron.Start()
	rs.running = true
	rs.log.Info("refresh scheduler started", "jobs", len(rs.cron.Entries()))
}

// Stop waits for a running job to finish.
func (rs *RefreshScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.running {
		return
	}
	<-rs.cron.Stop().Done()
	rs.running = false
	rs.log.Info("refresh scheduler stopped")
}

func (rs *RefreshScheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.timeout)
	defer cancel()

	if err := rs.Run(ctx); err != nil {
		rs.log.Error("scheduled refresh failed", "error", err)
	}
}

// Run reloads the rules file and the policy cache once. A rules failure
// does not stop the policy refresh.
func (rs *RefreshScheduler) Run(ctx context.Context) error {
	var rulesErr error
	if rs.rules != nil && rs.rulesFile != "" {
		if rulesErr = rs.rules.Reload(rs.rulesFile); rulesErr != nil {
			rs.log.Warn("keeping previous circulation rules", "file", rs.rulesFile, "error", rulesErr)
		}
	}

	if err := rs.policies.RefreshPolicies(ctx); err != nil {
		return fmt.Errorf("failed to refresh policies: %w", err)
	}
	if rulesErr != nil {
		return fmt.Errorf("failed to reload rules: %w", rulesErr)
	}

	rs.log.Debug("refresh complete")
	return nil
}
