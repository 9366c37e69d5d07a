package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/aegis/internal/apperr"
	"github.com/mbd888/aegis/internal/chain"
	"github.com/mbd888/aegis/internal/idgen"
	"github.com/mbd888/aegis/internal/logging"
	"github.com/mbd888/aegis/internal/metrics"
	"github.com/mbd888/aegis/internal/plans"
	"github.com/mbd888/aegis/internal/subscription"
	"github.com/mbd888/aegis/internal/traces"
	"github.com/mbd888/aegis/internal/usdt"
)

// CreateIntent opens a USDT payment for one cycle of planID.
func (e *Engine) CreateIntent(ctx context.Context, tenantID string, planID plans.ID) (pi *PaymentIntent, err error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.create_intent",
		traces.Rail("crypto"), traces.TenantID(tenantID), traces.Network(e.crypto.Network))
	defer func() { traces.End(span, err) }()

	if !e.CryptoEnabled() {
		return nil, ErrRailDisabled
	}
	plan, err := e.catalog.Get(planID)
	if err != nil {
		return nil, err
	}
	if !plan.Paid() {
		return nil, ErrPlanNotPurchasable
	}
	amount, err := usdt.Parse(plan.PriceUSDT)
	if err != nil {
		return nil, fmt.Errorf("plan %s price: %w", plan.ID, err)
	}

	id := idgen.WithPrefix("pi_")
	addr, err := e.deriver.Derive(id)
	if err != nil {
		return nil, err
	}
	head, err := e.tracker.Head(ctx)
	if err != nil {
		return nil, apperr.Reconcile(apperr.CodeChainUnavailable, "create_intent", err)
	}

	now := e.now().UTC()
	pi = &PaymentIntent{
		ID:             id,
		TenantID:       tenantID,
		PlanID:         plan.ID,
		Network:        e.crypto.Network,
		Address:        addr.Hex(),
		AmountExpected: usdt.Format(amount),
		Currency:       usdt.Currency,
		Status:         IntentPending,
		FromBlock:      head,
		ExpiresAt:      now.Add(e.crypto.IntentTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.intents.Create(ctx, pi); err != nil {
		return nil, err
	}
	metrics.PaymentIntentsTotal.WithLabelValues(string(IntentPending)).Inc()
	logging.L(ctx).Info("payment intent created",
		"payment_id", pi.ID, "plan_id", pi.PlanID, "amount", pi.AmountExpected, "address", pi.Address)
	return pi, nil
}

// GetIntent returns the tenant's intent with lazy expiry applied.
func (e *Engine) GetIntent(ctx context.Context, tenantID, id string) (*PaymentIntent, error) {
	if !e.CryptoEnabled() {
		return nil, ErrRailDisabled
	}
	var out *PaymentIntent
	err := e.withIntent(ctx, tenantID, id, func(pi *PaymentIntent) error {
		out = pi
		return nil
	})
	return out, err
}

// CancelIntent closes a pending intent.
func (e *Engine) CancelIntent(ctx context.Context, tenantID, id string) (*PaymentIntent, error) {
	if !e.CryptoEnabled() {
		return nil, ErrRailDisabled
	}
	var out *PaymentIntent
	err := e.withIntent(ctx, tenantID, id, func(pi *PaymentIntent) error {
		if pi.Status == IntentExpired {
			return ErrIntentExpired
		}
		if pi.Status != IntentPending {
			return ErrIntentClosed
		}
		next := pi.clone()
		next.Status = IntentCancelled
		next.UpdatedAt = e.now().UTC()
		if err := e.intents.Update(ctx, next, IntentPending); err != nil {
			return err
		}
		metrics.PaymentIntentsTotal.WithLabelValues(string(IntentCancelled)).Inc()
		out = next
		return nil
	})
	return out, err
}

// Verify checks a caller-supplied transaction against the intent. A
// transfer without enough confirmations leaves the intent pending with the
// observed hash and depth recorded.
func (e *Engine) Verify(ctx context.Context, tenantID, id, txHash string) (out *PaymentIntent, err error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.verify",
		traces.Rail("crypto"), traces.TenantID(tenantID), traces.IntentID(id), traces.TxHash(txHash))
	defer func() { traces.End(span, err) }()

	if !e.CryptoEnabled() {
		return nil, ErrRailDisabled
	}
	err = e.withIntent(ctx, tenantID, id, func(pi *PaymentIntent) error {
		switch pi.Status {
		case IntentExpired:
			return apperr.Reconcile(apperr.CodePaymentExpired, "verify", ErrIntentExpired)
		case IntentCancelled:
			return ErrIntentClosed
		case IntentConfirmed:
			if pi.TxHash != txHash {
				return apperr.Reconcile(apperr.CodePaymentMismatch, "verify", ErrIntentClosed)
			}
			out = pi
			return nil
		}

		min, err := usdt.Parse(pi.AmountExpected)
		if err != nil {
			return err
		}
		tr, err := e.tracker.InspectTx(ctx, txHash, common.HexToAddress(pi.Address), min)
		switch {
		case errors.Is(err, chain.ErrTxNotFound):
			out = pi // not mined yet
			return nil
		case errors.Is(err, chain.ErrInvalidTxRef):
			return apperr.Reconcile(apperr.CodePaymentMismatch, "verify", err)
		case errors.Is(err, chain.ErrNoTransfer), errors.Is(err, chain.ErrTxFailed):
			return apperr.Reconcile(apperr.CodePaymentMismatch, "verify", err)
		case err != nil:
			metrics.ReconcileErrorsTotal.WithLabelValues("crypto", "verify").Inc()
			return apperr.Reconcile(apperr.CodeChainUnavailable, "verify", err)
		}

		next, err := e.observe(ctx, pi, tr)
		if errors.Is(err, ErrDuplicateTx) {
			return apperr.Reconcile(apperr.CodePaymentMismatch, "verify", err)
		}
		out = next
		return err
	})
	return out, err
}

// PollResult summarizes one poll cycle.
type PollResult struct {
	Scanned   int `json:"scanned"`
	Confirmed int `json:"confirmed"`
	Expired   int `json:"expired"`
	Reapplied int `json:"reapplied"`
	Errors    int `json:"errors"`
}

// Poll advances every pending intent once and retries ledger activation
// for confirmed intents that were not applied. Per-intent failures are
// logged, counted and left for the next cycle.
func (e *Engine) Poll(ctx context.Context) (res PollResult, err error) {
	if !e.CryptoEnabled() {
		return res, nil
	}
	ctx, span := traces.StartSpan(ctx, "reconciliation.poll", traces.Rail("crypto"), traces.Network(e.crypto.Network))
	defer func() { traces.End(span, err) }()

	unapplied, err := e.intents.ListUnapplied(ctx, e.crypto.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list unapplied intents: %w", err)
	}
	for _, pi := range unapplied {
		if err := e.apply(ctx, pi); err != nil {
			res.Errors++
			continue
		}
		reapplied.Inc()
		res.Reapplied++
	}

	pending, err := e.intents.ListPending(ctx, e.crypto.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list pending intents: %w", err)
	}
	pendingIntents.Set(float64(len(pending)))

	for _, p := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Scanned++
		status, err := e.pollIntent(ctx, p)
		if err != nil {
			res.Errors++
			metrics.ReconcileErrorsTotal.WithLabelValues("crypto", "poll").Inc()
			logging.L(ctx).Warn("payment intent poll failed", "payment_id", p.ID, "error", err)
			continue
		}
		switch status {
		case IntentConfirmed:
			res.Confirmed++
		case IntentExpired:
			res.Expired++
		}
	}
	return res, nil
}

func (e *Engine) pollIntent(ctx context.Context, p *PaymentIntent) (IntentStatus, error) {
	var status IntentStatus
	err := e.withIntent(ctx, p.TenantID, p.ID, func(pi *PaymentIntent) error {
		status = pi.Status
		if pi.Status != IntentPending {
			return nil
		}
		min, err := usdt.Parse(pi.AmountExpected)
		if err != nil {
			return err
		}
		tr, err := e.tracker.FindTransfer(ctx, common.HexToAddress(pi.Address), min, pi.FromBlock)
		if err != nil {
			return apperr.Reconcile(apperr.CodeChainUnavailable, "poll", err)
		}
		if tr == nil {
			return nil
		}
		next, err := e.observe(ctx, pi, tr)
		if err != nil {
			return err
		}
		status = next.Status
		return nil
	})
	return status, err
}

// withIntent loads the tenant's intent under its lock, applies lazy
// expiry and runs fn. Intents of other tenants are reported as not found.
func (e *Engine) withIntent(ctx context.Context, tenantID, id string, fn func(*PaymentIntent) error) error {
	release, err := e.locks.LockContext(ctx, "intent:"+id)
	if err != nil {
		return err
	}
	defer release()

	pi, err := e.intents.Get(ctx, id)
	if err != nil {
		return err
	}
	if pi.TenantID != tenantID {
		return ErrIntentNotFound
	}

	now := e.now().UTC()
	if pi.expiredAt(now) {
		next := pi.clone()
		next.Status = IntentExpired
		next.UpdatedAt = now
		if err := e.intents.Update(ctx, next, IntentPending); err != nil {
			return err
		}
		metrics.PaymentIntentsTotal.WithLabelValues(string(IntentExpired)).Inc()
		logging.L(ctx).Info("payment intent expired", "payment_id", pi.ID)
		pi = next
	}
	return fn(pi)
}

// observe records a matching transfer on a pending intent and confirms it
// once deep enough. Caller holds the intent lock.
func (e *Engine) observe(ctx context.Context, pi *PaymentIntent, tr *chain.Transfer) (*PaymentIntent, error) {
	now := e.now().UTC()
	next := pi.clone()
	next.TxHash = tr.TxHash
	next.AmountPaid = usdt.Format(tr.Amount)
	next.Confirmations = tr.Confirmations
	next.UpdatedAt = now

	if tr.Confirmations < e.crypto.RequiredConfirmations {
		if pi.TxHash == next.TxHash && pi.Confirmations == next.Confirmations {
			return pi, nil
		}
		if err := e.intents.Update(ctx, next, IntentPending); err != nil {
			return nil, err
		}
		return next, nil
	}

	next.Status = IntentConfirmed
	next.ConfirmedAt = &now
	if err := e.intents.Update(ctx, next, IntentPending); err != nil {
		return nil, err
	}
	metrics.PaymentIntentsTotal.WithLabelValues(string(IntentConfirmed)).Inc()
	logging.L(ctx).Info("payment intent confirmed",
		"payment_id", next.ID, "tx_hash", next.TxHash, "confirmations", next.Confirmations)

	// A failed activation leaves AppliedAt nil; the next poll retries it.
	if err := e.apply(ctx, next); err != nil {
		logging.L(ctx).Warn("subscription activation deferred", "payment_id", next.ID, "error", err)
	}
	return next, nil
}

// apply grants the paid cycle on the ledger. ActivatePeriod is idempotent
// per intent, so repeating it after a crash is safe.
func (e *Engine) apply(ctx context.Context, pi *PaymentIntent) error {
	_, err := e.ledger.ActivatePeriod(ctx, subscription.PeriodActivation{
		TenantID: pi.TenantID,
		PlanID:   pi.PlanID,
		Ref:      "usdt:" + pi.ID,
		Amount:   pi.AmountPaid,
		Currency: pi.Currency,
	})
	if err != nil {
		metrics.ReconcileErrorsTotal.WithLabelValues("crypto", "activate").Inc()
		return err
	}
	now := e.now().UTC()
	if err := e.intents.MarkApplied(ctx, pi.ID, now); err != nil {
		return err
	}
	pi.AppliedAt = &now
	return nil
}

// RunCycle is one timer tick: poll the crypto rail, then persist lapsed
// subscriptions.
func (e *Engine) RunCycle(ctx context.Context) (PollResult, error) {
	start := time.Now()
	defer func() { metrics.ReconcileCycleDuration.Observe(time.Since(start).Seconds()) }()

	res, err := e.Poll(ctx)
	if err != nil {
		metrics.ReconcileErrorsTotal.WithLabelValues("crypto", "cycle").Inc()
	}

	n, serr := e.ledger.SweepLapsed(ctx, e.crypto.BatchSize)
	if serr != nil {
		logging.L(ctx).Warn("subscription sweep failed", "error", serr)
	}
	lapsedSubscriptions.Add(float64(n))

	if c, cerr := e.parked.Count(ctx); cerr == nil {
		parkedEvents.Set(float64(c))
	}
	return res, errors.Join(err, serr)
}
