package reconciliation

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/aegis/internal/apperr"
	"github.com/mbd888/aegis/internal/chain"
	"github.com/mbd888/aegis/internal/logging"
	"github.com/mbd888/aegis/internal/plans"
	"github.com/mbd888/aegis/internal/subscription"
)

const testSeed = "0x000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fakeTracker struct {
	mu        sync.Mutex
	head      uint64
	transfers map[common.Address]*chain.Transfer
	txs       map[string]*chain.Transfer
	err       error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		head:      1000,
		transfers: make(map[common.Address]*chain.Transfer),
		txs:       make(map[string]*chain.Transfer),
	}
}

func (f *fakeTracker) Head(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.err
}

func (f *fakeTracker) FindTransfer(_ context.Context, to common.Address, min *big.Int, _ uint64) (*chain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	tr, ok := f.transfers[to]
	if !ok || tr.Amount.Cmp(min) < 0 {
		return nil, nil
	}
	cp := *tr
	cp.Confirmations = f.head - tr.BlockNumber + 1
	return &cp, nil
}

func (f *fakeTracker) InspectTx(_ context.Context, txHash string, to common.Address, min *big.Int) (*chain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	tr, ok := f.txs[txHash]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	if tr.To != to || tr.Amount.Cmp(min) < 0 {
		return nil, chain.ErrNoTransfer
	}
	cp := *tr
	cp.Confirmations = f.head - tr.BlockNumber + 1
	return &cp, nil
}

// pay lands a transfer of amount base units to addr in block.
func (f *fakeTracker) pay(addr string, txHash string, amount int64, block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := &chain.Transfer{
		TxHash:      txHash,
		To:          common.HexToAddress(addr),
		Amount:      big.NewInt(amount),
		BlockNumber: block,
	}
	f.transfers[tr.To] = tr
	f.txs[txHash] = tr
}

func (f *fakeTracker) setHead(h uint64) {
	f.mu.Lock()
	f.head = h
	f.mu.Unlock()
}

func newCryptoHarness(t *testing.T) (*harness, *fakeTracker, *MemoryIntentStore) {
	t.Helper()
	tracker := newFakeTracker()
	intents := NewMemoryIntentStore()
	deriver, err := chain.NewAddressDeriver(testSeed)
	require.NoError(t, err)
	h := newHarness(t, WithCryptoRail(intents, tracker, deriver, CryptoConfig{
		Network:               "polygon",
		RequiredConfirmations: 12,
		IntentTTL:             time.Hour,
	}))
	return h, tracker, intents
}

const (
	txA = "0x1111111111111111111111111111111111111111111111111111111111111111"
	txB = "0x2222222222222222222222222222222222222222222222222222222222222222"
)

func TestCreateIntent(t *testing.T) {
	h, _, _ := newCryptoHarness(t)
	ctx := context.Background()

	pi, err := h.engine.CreateIntent(ctx, "ten_a", plans.Starter)
	require.NoError(t, err)
	assert.Equal(t, IntentPending, pi.Status)
	assert.Equal(t, "19.000000", pi.AmountExpected)
	assert.Equal(t, "USDT", pi.Currency)
	assert.Equal(t, uint64(1000), pi.FromBlock)
	assert.Equal(t, h.clk.Now().Add(time.Hour), pi.ExpiresAt)
	assert.True(t, common.IsHexAddress(pi.Address))

	other, err := h.engine.CreateIntent(ctx, "ten_a", plans.Starter)
	require.NoError(t, err)
	assert.NotEqual(t, pi.Address, other.Address, "each intent gets its own deposit address")

	_, err = h.engine.CreateIntent(ctx, "ten_a", plans.Free)
	assert.ErrorIs(t, err, ErrPlanNotPurchasable)
	_, err = h.engine.CreateIntent(ctx, "ten_a", "platinum")
	assert.ErrorIs(t, err, plans.ErrUnknownPlan)
}

func TestCreateIntent_RailDisabled(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.CreateIntent(context.Background(), "ten_a", plans.Starter)
	assert.ErrorIs(t, err, ErrRailDisabled)

	res, err := h.engine.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
}

func TestPoll_ConfirmsAfterRequiredDepth(t *testing.T) {
	h, tracker, _ := newCryptoHarness(t)
	ctx := context.Background()

	pi, err := h.engine.CreateIntent(ctx, "ten_a", plans.Growth)
	require.NoError(t, err)

	res, err := h.engine.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Zero(t, res.Confirmed)

	tracker.pay(pi.Address, txA, 49_000_000, 1001)
	tracker.setHead(1005)
	_, err = h.engine.Poll(ctx)
	require.NoError(t, err)

	got, err := h.engine.GetIntent(ctx, "ten_a", pi.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentPending, got.Status)
	assert.Equal(t, uint64(5), got.Confirmations)
	assert.Equal(t, txA, got.TxHash)

	_, err = h.ledger.Get(ctx, "ten_a")
	assert.ErrorIs(t, err, subscription.ErrNotFound, "no entitlement before confirmation")

	tracker.setHead(1012)
	res, err = h.engine.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)

	got, err = h.engine.GetIntent(ctx, "ten_a", pi.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentConfirmed, got.Status)
	assert.NotNil(t, got.AppliedAt)

	sub, err := h.ledger.Get(ctx, "ten_a")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Equal(t, plans.Growth, sub.PlanID)
	assert.Equal(t, subscription.RailCrypto, sub.Rail)

	invs, err := h.ledger.ListInvoices(ctx, "ten_a", 10)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, "usdt:"+pi.ID, invs[0].ExternalID)
}

func TestPoll_UnderpaymentStaysPending(t *testing.T) {
	h, tracker, _ := newCryptoHarness(t)
	ctx := context.Background()

	pi, err := h.engine.CreateIntent(ctx, "ten_a", plans.Starter)
	require.NoError(t, err)
	tracker.pay(pi.Address, txA, 18_999_999, 1001)
	tracker.setHead(2000)

	_, err = h.engine.Poll(ctx)
	require.NoError(t, err)
	got, err := h.engine.GetIntent(ctx, "ten_a", pi.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentPending, got.Status)
}

func TestExpiryIsAuthoritative(t *testing.T) {
	h, tracker, _ := newCryptoHarness(t)
	ctx := context.Background()

	pi, err := h.engine.CreateIntent(ctx, "ten_a", plans.Starter)
	require.NoError(t, err)

	h.clk.Advance(time.Hour)
	tracker.pay(pi.Address, txA, 19_000_000, 1001)
	tracker.setHead(1100)

	res, err := h.engine.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Zero(t, res.Confirmed)

	got, err := h.engine.GetIntent(ctx, "ten_a", pi.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentExpired, got.Status)

	_, err = h.engine.Verify(ctx, "ten_a", pi.ID, txA)
	assert.True(t, apperr.IsCode(err, apperr.CodePaymentExpired))

	_, err = h.ledger.Get(ctx, "ten_a")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}

func TestVerify(t *testing.T) {
	h, tracker, _ := newCryptoHarness(t)
	ctx := context.Background()

	pi, err := h.engine.CreateIntent(ctx, "ten_a", plans.Starter)
	require.NoError(t, err)

	// not mined yet
	got, err := h.engine.Verify(ctx, "ten_a", pi.ID, txA)
	require.NoError(t, err)
	assert.Equal(t, IntentPending, got.Status)

	tracker.pay(pi.Address, txA, 19_000_000, 1000)
	got, err = h.engine.Verify(ctx, "ten_a", pi.ID, txA)
	require.NoError(t, err)
	assert.Equal(t, IntentPending, got.Status)
	assert.Equal(t, uint64(1), got.Confirmations)

	tracker.setHead(1020)
	got, err = h.engine.Verify(ctx, "ten_a", pi.ID, txA)
	require.NoError(t, err)
	assert.Equal(t, IntentConfirmed, got.Status)

	// idempotent for the same hash, rejected for another
	_, err = h.engine.Verify(ctx, "ten_a", pi.ID, txA)
	require.NoError(t, err)
	_, err = h.engine.Verify(ctx, "ten_a", pi.ID, txB)
	assert.True(t, apperr.IsCode(err, apperr.CodePaymentMismatch))

	sub, err := h.ledger.Get(ctx, "ten_a")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, sub.Status)
}

func TestVerify_Mismatch(t *testing.T) {
	h, tracker, _ := newCryptoHarness(t)
	ctx := context.Background()

	pi, err := h.engine.CreateIntent(ctx, "ten_a", plans.Starter)
	require.NoError(t, err)
	other, err := h.engine.CreateIntent(ctx, "ten_a", plans.Starter)
	require.NoError(t, err)

	tracker.pay(other.Address, txA, 19_000_000, 900)
	_, err = h.engine.Verify(ctx, "ten_a", pi.ID, txA)
	assert.True(t, apperr.IsCode(err, apperr.CodePaymentMismatch))
}

func TestVerify_TxCannotPayTwoIntents(t *testing.T) {
	h, tracker, _ := newCryptoHarness(t)
	ctx := context.Background()

	pi, err := h.engine.CreateIntent(ctx, "ten_a", plans.Starter)
	require.NoError(t, err)
	tracker.pay(pi.Address, txA, 19_000_000, 900)
	_, err = h.engine.Verify(ctx, "ten_a", pi.ID, txA)
	require.NoError(t, err)

	// second intent for the same address cannot exist, so forge one that
	// points at the same deposit to exercise the uniqueness guard
	dup := &PaymentIntent{ID: "pi_dup", TenantID: "ten_a", PlanID: plans.Starter, Address: pi.Address,
		AmountExpected: pi.AmountExpected, Currency: "USDT", Status: IntentPending,
		ExpiresAt: h.clk.Now().Add(time.Hour), CreatedAt: h.clk.Now()}
	require.NoError(t, h.engine.intents.Create(ctx, dup))

	_, err = h.engine.Verify(ctx, "ten_a", "pi_dup", txA)
	assert.True(t, apperr.IsCode(err, apperr.CodePaymentMismatch))
}

func TestVerify_TenantIsolation(t *testing.T) {
	h, _, _ := newCryptoHarness(t)
	ctx := context.Background()

	pi, err := h.engine.CreateIntent(ctx, "ten_a", plans.Starter)
	require.NoError(t, err)

	_, err = h.engine.Verify(ctx, "ten_b", pi.ID, txA)
	assert.ErrorIs(t, err, ErrIntentNotFound)
	_, err = h.engine.GetIntent(ctx, "ten_b", pi.ID)
	assert.ErrorIs(t, err, ErrIntentNotFound)
	_, err = h.engine.CancelIntent(ctx, "ten_b", pi.ID)
	assert.ErrorIs(t, err, ErrIntentNotFound)
}

func TestCancelIntent(t *testing.T) {
	h, tracker, _ := newCryptoHarness(t)
	ctx := context.Background()

	pi, err := h.engine.CreateIntent(ctx, "ten_a", plans.Starter)
	require.NoError(t, err)

	got, err := h.engine.CancelIntent(ctx, "ten_a", pi.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentCancelled, got.Status)

	_, err = h.engine.CancelIntent(ctx, "ten_a", pi.ID)
	assert.ErrorIs(t, err, ErrIntentClosed)

	// a cancelled intent is not polled
	tracker.pay(pi.Address, txA, 19_000_000, 900)
	res, err := h.engine.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
}

func TestPoll_ChainFailureIsSwallowed(t *testing.T) {
	h, tracker, _ := newCryptoHarness(t)
	ctx := context.Background()

	_, err := h.engine.CreateIntent(ctx, "ten_a", plans.Starter)
	require.NoError(t, err)

	tracker.mu.Lock()
	tracker.err = errors.New("rpc timeout")
	tracker.mu.Unlock()

	res, err := h.engine.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)

	_, err = h.engine.CreateIntent(ctx, "ten_a", plans.Starter)
	assert.True(t, apperr.IsCode(err, apperr.CodeChainUnavailable))
}

type flakyActivation struct {
	Ledger
	failures int
}

func (f *flakyActivation) ActivatePeriod(ctx context.Context, a subscription.PeriodActivation) (*subscription.Subscription, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("ledger unavailable")
	}
	return f.Ledger.ActivatePeriod(ctx, a)
}

func TestPoll_ReappliesConfirmedIntent(t *testing.T) {
	h, tracker, intents := newCryptoHarness(t)
	ctx := context.Background()
	deriver, err := chain.NewAddressDeriver(testSeed)
	require.NoError(t, err)

	flaky := &flakyActivation{Ledger: h.ledger, failures: 1}
	engine := NewEngine(flaky, plans.Default(cycle, testPrices), h.dedup, h.parked, logging.Discard(),
		WithClock(h.clk.Now),
		WithCryptoRail(intents, tracker, deriver, CryptoConfig{Network: "polygon", RequiredConfirmations: 1}))

	pi, err := engine.CreateIntent(ctx, "ten_a", plans.Starter)
	require.NoError(t, err)
	tracker.pay(pi.Address, txA, 19_000_000, 1000)

	got, err := engine.Verify(ctx, "ten_a", pi.ID, txA)
	require.NoError(t, err)
	assert.Equal(t, IntentConfirmed, got.Status)
	assert.Nil(t, got.AppliedAt)

	res, err := engine.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reapplied)

	sub, err := h.ledger.Get(ctx, "ten_a")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, sub.Status)

	res, err = engine.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Reapplied)
}

func TestRunCycle_SweepsLapsedSubscriptions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ledger.AssignPlan(ctx, "ten_a", plans.Starter)
	require.NoError(t, err)
	_, err = h.ledger.ScheduleCancel(ctx, "ten_a")
	require.NoError(t, err)

	h.clk.Advance(cycle + time.Hour)
	_, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)

	stored, err := h.subs.Get(ctx, "ten_a")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCanceled, stored.Status)
}
