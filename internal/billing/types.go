package billing

import (
	"context"
	"fmt"

	"github.com/framepulse-ai/framepulse/internal/ledger"
)

// BillingPeriod enumerates subscription billing cycles.
type BillingPeriod string

const (
	PeriodMonthly BillingPeriod = "monthly"
	PeriodYearly  BillingPeriod = "yearly"
)

// ParseBillingPeriod validates a raw billing period.
func ParseBillingPeriod(raw string) (BillingPeriod, error) {
	switch BillingPeriod(raw) {
	case PeriodMonthly, PeriodYearly:
		return BillingPeriod(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBillingPeriod, raw)
	}
}

// String returns the raw period value.
func (period BillingPeriod) String() string {
	return string(period)
}

// SubscriptionStatus enumerates stored subscription states.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// String returns the raw status value.
func (status SubscriptionStatus) String() string {
	return string(status)
}

// Subscription is one provider subscription owned by an account. The
// provider subscription id is unique: a second create for the same id is a
// no-op, which makes checkout replay safe.
type Subscription struct {
	SubscriptionID            string
	AccountID                 string
	ProviderSubscriptionID    string
	Plan                      ledger.Plan
	BillingPeriod             BillingPeriod
	Status                    SubscriptionStatus
	CreditsPerPeriod          ledger.Credits
	CurrentPeriodStartUnixUTC int64
	CreatedUnixUTC            int64
}

// Store is the persistence contract used by the Dispatcher and handlers.
//
// MarkEventProcessed and CreateSubscription rely on unique constraints;
// CancelSubscription is a conditional update keyed on the prior status.
type Store interface {
	MarkEventProcessed(ctx context.Context, eventID string, eventType string) error
	ForgetEvent(ctx context.Context, eventID string) error
	CreateSubscription(ctx context.Context, subscription Subscription) error
	GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (Subscription, error)
	CancelSubscription(ctx context.Context, providerSubscriptionID string) error
	AdvanceSubscriptionPeriod(ctx context.Context, providerSubscriptionID string, periodStartUnixUTC int64) error
	UpdateAccountPlan(ctx context.Context, accountID string, plan ledger.Plan, status string) error
}

// CreditLedger is the slice of the ledger service the handlers need.
type CreditLedger interface {
	Credit(ctx context.Context, accountID string, amount ledger.Credits, input ledger.TransactionInput) error
}

// ReferralSettler promotes a pending referral after a successful checkout.
type ReferralSettler interface {
	Settle(ctx context.Context, refereeAccountID string) error
}
