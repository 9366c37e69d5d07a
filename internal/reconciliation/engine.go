// Package reconciliation turns payment-rail signals (card processor
// webhooks and on-chain USDT transfers) into subscription ledger
// transitions.
package reconciliation

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/aegis/internal/chain"
	"github.com/mbd888/aegis/internal/plans"
	"github.com/mbd888/aegis/internal/subscription"
	"github.com/mbd888/aegis/internal/syncutil"
)

// Ledger is the subset of subscription.Ledger the engine drives.
type Ledger interface {
	ActivateFromCheckout(ctx context.Context, a subscription.CheckoutActivation) (*subscription.Subscription, error)
	ApplyExternalUpdate(ctx context.Context, u subscription.ExternalUpdate) (*subscription.Subscription, bool, error)
	MarkDeleted(ctx context.Context, ref string, version int64) (*subscription.Subscription, error)
	RecordInvoice(ctx context.Context, p subscription.InvoicePayment) (*subscription.Invoice, error)
	ActivatePeriod(ctx context.Context, a subscription.PeriodActivation) (*subscription.Subscription, error)
	SweepLapsed(ctx context.Context, limit int) (int, error)
}

var _ Ledger = (*subscription.Ledger)(nil)

// CryptoConfig configures the USDT rail.
type CryptoConfig struct {
	Network               string
	RequiredConfirmations uint64
	IntentTTL             time.Duration
	BatchSize             int
}

// Engine reconciles both payment rails against the ledger.
type Engine struct {
	ledger  Ledger
	catalog *plans.Catalog
	dedup   DedupStore
	parked  ParkedStore
	intents IntentStore
	tracker chain.Tracker
	deriver *chain.AddressDeriver
	crypto  CryptoConfig
	locks   syncutil.Locker
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCryptoRail enables USDT intents against tracker.
func WithCryptoRail(intents IntentStore, tracker chain.Tracker, deriver *chain.AddressDeriver, cfg CryptoConfig) Option {
	return func(e *Engine) {
		e.intents = intents
		e.tracker = tracker
		e.deriver = deriver
		e.crypto = cfg
	}
}

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithLocker(lk syncutil.Locker) Option { return func(e *Engine) { e.locks = lk } }

func NewEngine(ledger Ledger, catalog *plans.Catalog, dedup DedupStore, parked ParkedStore, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		ledger:  ledger,
		catalog: catalog,
		dedup:   dedup,
		parked:  parked,
		locks:   syncutil.NewContextShardedMutex(),
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.crypto.RequiredConfirmations == 0 {
		e.crypto.RequiredConfirmations = 12
	}
	if e.crypto.IntentTTL <= 0 {
		e.crypto.IntentTTL = time.Hour
	}
	if e.crypto.BatchSize <= 0 {
		e.crypto.BatchSize = 100
	}
	return e
}

// CryptoEnabled reports whether the USDT rail is configured.
func (e *Engine) CryptoEnabled() bool {
	return e.intents != nil && e.tracker != nil && e.deriver != nil
}

// Network is the configured chain network name.
func (e *Engine) Network() string { return e.crypto.Network }

// RequiredConfirmations is the confirmation depth that settles a transfer.
func (e *Engine) RequiredConfirmations() uint64 { return e.crypto.RequiredConfirmations }
