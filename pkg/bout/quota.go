package bout

import (
	"context"
	"errors"
	"fmt"

	"github.com/pario-ai/pit/pkg/models"
)

// Tier is the caller's entitlement class.
type Tier string

const (
	// TierAnonymous runs have no owner and draw on the intro pool.
	TierAnonymous Tier = "anonymous"
	// TierFree runs draw on the daily pool before the owner's credits.
	TierFree Tier = "free"
	// TierPaid runs are metered by credits alone.
	TierPaid Tier = "paid"
)

// hold records what a run took from the ledger before its first turn, so
// that exactly one reconciliation can undo or settle it afterwards.
type hold struct {
	boutID   string
	owner    string
	estimate int64
	day      string // daily pool date, empty when the pool was not used
	intro    bool   // estimate taken from the intro pool
	credits  bool   // estimate preauthorized against owner's balance
}

// gate reserves the estimated cost of a run. On a quota rejection nothing
// stays reserved.
func (e *Engine) gate(ctx context.Context, tier Tier, owner, boutID string, estimate int64) (*hold, error) {
	h := &hold{boutID: boutID, owner: owner, estimate: estimate}

	if tier == TierAnonymous || tier == TierFree {
		day := models.DayKey(e.now())
		res, err := e.ledger.ConsumeFromDailyPool(ctx, day, estimate)
		if err != nil {
			return nil, internalErr(err)
		}
		if !res.Consumed {
			reason := ReasonCount
			if res.Reason == models.ReasonSpend {
				reason = ReasonSpend
			}
			return nil, e.rejected(reason)
		}
		h.day = day
	}

	if !e.cfg.CreditsEnabled {
		return h, nil
	}

	if owner == "" {
		ok, err := e.ledger.ConsumeDecayingPool(ctx, estimate)
		if err != nil {
			return nil, errors.Join(internalErr(err), e.release(ctx, h))
		}
		if !ok {
			return nil, errors.Join(e.rejected(ReasonIntroPool), e.release(ctx, h))
		}
		h.intro = true
		return h, nil
	}

	if _, err := e.ledger.EnsureAccount(ctx, owner); err != nil {
		return nil, errors.Join(internalErr(err), e.release(ctx, h))
	}
	pre, err := e.ledger.Preauthorize(ctx, owner, estimate, boutID)
	if err != nil {
		return nil, errors.Join(internalErr(err), e.release(ctx, h))
	}
	if !pre.OK {
		e.logger.Info("preauthorization refused",
			"bout_id", boutID, "estimate_micro", estimate, "balance_micro", pre.BalanceMicro)
		return nil, errors.Join(e.rejected(ReasonBalance), e.release(ctx, h))
	}
	h.credits = true
	return h, nil
}

func (e *Engine) rejected(reason string) *Error {
	e.metrics.QuotaRejected(reason)
	return quotaErr(reason)
}

// release undoes a hold for a run that never started.
func (e *Engine) release(ctx context.Context, h *hold) error {
	if h == nil {
		return nil
	}
	var errs []error
	if h.day != "" {
		if err := e.ledger.SettleDailyPoolSpend(ctx, h.day, -h.estimate); err != nil {
			errs = append(errs, err)
		}
	}
	if h.intro {
		if err := e.ledger.RefundDecayingPool(ctx, h.estimate); err != nil {
			errs = append(errs, err)
		}
	}
	if h.credits {
		_, err := e.ledger.ApplyDelta(ctx, h.owner, h.estimate, models.SourceRelease, h.boutID,
			map[string]any{"estimated_micro": h.estimate})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return internalErr(fmt.Errorf("release hold: %w", err))
	}
	return nil
}

// settle reconciles a hold against the measured cost. It is called exactly
// once per started run, on every exit path.
func (e *Engine) settle(ctx context.Context, h *hold, actual int64) error {
	var errs []error
	if h.day != "" {
		if err := e.ledger.SettleDailyPoolSpend(ctx, h.day, actual-h.estimate); err != nil {
			errs = append(errs, err)
		}
	}
	if h.intro && actual < h.estimate {
		if err := e.ledger.RefundDecayingPool(ctx, h.estimate-actual); err != nil {
			errs = append(errs, err)
		}
	}
	if h.credits {
		s, err := e.ledger.Settle(ctx, h.owner, h.estimate, actual, h.boutID)
		if err != nil {
			errs = append(errs, err)
		} else {
			e.metrics.Settled(-s.AppliedMicro)
			e.logger.Debug("bout settled",
				"bout_id", h.boutID, "estimate_micro", h.estimate, "actual_micro", actual,
				"applied_micro", s.AppliedMicro, "balance_micro", s.BalanceMicro)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return internalErr(fmt.Errorf("settle bout %s: %w", h.boutID, err))
	}
	return nil
}
