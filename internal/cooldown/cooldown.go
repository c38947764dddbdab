// Package cooldown records why an opportunity must not be evaluated again and
// for how long.
package cooldown

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/pick-agent/internal/clock"
	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/logger"
	"github.com/jonathan/pick-agent/internal/types"
)

// Default windows.
const (
	DefaultPassWindow  = 12 * time.Hour
	DefaultErrorWindow = 2 * time.Hour
)

// Store persists cooldown rows. UpsertCooldown must never overwrite a
// DECIDED row and reports whether the write applied.
type Store interface {
	GetCooldown(ctx context.Context, subjectID, category, kind string) (*types.Cooldown, error)
	UpsertCooldown(ctx context.Context, c types.Cooldown) (bool, error)
}

// Policy holds the suppression windows.
type Policy struct {
	PassWindow  time.Duration
	ErrorWindow time.Duration
}

// DefaultPolicy returns the default windows.
func DefaultPolicy() Policy {
	return Policy{PassWindow: DefaultPassWindow, ErrorWindow: DefaultErrorWindow}
}

// ExpiryFor returns when a cooldown with outcome written at now expires.
// A PASS never outlives the event it was recorded for.
func (p Policy) ExpiryFor(outcome types.CooldownOutcome, now, eventStart time.Time) time.Time {
	switch outcome {
	case types.CooldownDecided:
		return types.PermanentExpiry
	case types.CooldownPass:
		window := p.PassWindow
		if window <= 0 {
			window = DefaultPassWindow
		}
		expiry := now.Add(window)
		if !eventStart.IsZero() && eventStart.Before(expiry) {
			return eventStart
		}
		return expiry
	default:
		window := p.ErrorWindow
		if window <= 0 {
			window = DefaultErrorWindow
		}
		return now.Add(window)
	}
}

// Ledger reads and writes cooldowns for opportunities.
type Ledger struct {
	store  Store
	clock  clock.Clock
	policy Policy
}

// NewLedger creates a Ledger.
func NewLedger(store Store, clk clock.Clock, policy Policy) *Ledger {
	return &Ledger{store: store, clock: clk, policy: policy}
}

// Policy returns the ledger's windows.
func (l *Ledger) Policy() Policy {
	return l.policy
}

// Check returns the active cooldown for opp, or nil when none suppresses it.
func (l *Ledger) Check(ctx context.Context, opp types.Opportunity) (*types.Cooldown, error) {
	c, err := l.store.GetCooldown(ctx, opp.CooldownSubject(), opp.Category, opp.Kind)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check cooldown")
	}
	if c == nil || !c.IsActive(l.clock.Now()) {
		return nil, nil
	}
	return c, nil
}

// RecordDecided marks opp permanently decided by runID. It returns
// errors.ErrAlreadyDecided when another run decided it first; a repeat call by
// the same run succeeds.
func (l *Ledger) RecordDecided(ctx context.Context, opp types.Opportunity, runID uuid.UUID) (*types.Cooldown, error) {
	c, applied, err := l.record(ctx, opp, runID, types.CooldownDecided, time.Time{})
	if err != nil {
		return nil, err
	}
	if applied {
		return c, nil
	}

	existing, err := l.store.GetCooldown(ctx, opp.CooldownSubject(), opp.Category, opp.Kind)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read decided cooldown")
	}
	if existing != nil && existing.Outcome == types.CooldownDecided && existing.RunID == runID.String() {
		return existing, nil
	}
	holder := ""
	if existing != nil {
		holder = existing.RunID
	}
	return nil, errors.WithDetailf(
		errors.Wrapf(errors.ErrAlreadyDecided, "opportunity %s %s/%s", opp.CooldownSubject(), opp.Category, opp.Kind),
		"decided by run %s", holder,
	)
}

// RecordPass suppresses opp until the earlier of eventStart and the pass
// window. A DECIDED row is left untouched.
func (l *Ledger) RecordPass(ctx context.Context, opp types.Opportunity, runID uuid.UUID, eventStart time.Time) (*types.Cooldown, error) {
	c, applied, err := l.record(ctx, opp, runID, types.CooldownPass, eventStart)
	if err != nil {
		return nil, err
	}
	if !applied {
		logger.Logger.Infow("pass cooldown not written, opportunity already decided",
			"subject", opp.CooldownSubject(), "category", opp.Category, "kind", opp.Kind)
	}
	return c, nil
}

// RecordError suppresses opp for the error window.
func (l *Ledger) RecordError(ctx context.Context, opp types.Opportunity, runID uuid.UUID) (*types.Cooldown, error) {
	c, _, err := l.record(ctx, opp, runID, types.CooldownError, time.Time{})
	return c, err
}

func (l *Ledger) record(ctx context.Context, opp types.Opportunity, runID uuid.UUID, outcome types.CooldownOutcome, eventStart time.Time) (*types.Cooldown, bool, error) {
	now := l.clock.Now()
	c := types.Cooldown{
		SubjectID: opp.CooldownSubject(),
		Category:  opp.Category,
		Kind:      opp.Kind,
		Outcome:   outcome,
		ExpiresAt: l.policy.ExpiryFor(outcome, now, eventStart),
		UpdatedAt: now,
	}
	if runID != uuid.Nil {
		c.RunID = runID.String()
	}
	applied, err := l.store.UpsertCooldown(ctx, c)
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to record %s cooldown", outcome)
	}
	logger.Logger.Debugw("cooldown recorded",
		"subject", c.SubjectID,
		"category", c.Category,
		"kind", c.Kind,
		"outcome", outcome,
		"expires_at", c.ExpiresAt,
		"applied", applied,
	)
	return &c, applied, nil
}
