package ledger

import (
	"context"
	"fmt"
)

// Credits is an integer credit amount. Negative values appear only on
// transaction lines, never on an account balance.
type Credits int64

// Int64 returns the raw amount.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// TransactionType enumerates ledger line kinds.
type TransactionType string

const (
	TransactionPurchase     TransactionType = "purchase"
	TransactionSubscription TransactionType = "subscription"
	TransactionConsume      TransactionType = "consume"
	TransactionDeduction    TransactionType = "deduction"
	TransactionRefund       TransactionType = "refund"
	TransactionReferral     TransactionType = "referral"
)

// ParseTransactionType validates a raw transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionPurchase, TransactionSubscription, TransactionConsume, TransactionDeduction, TransactionRefund, TransactionReferral:
		return TransactionType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the raw type value.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Plan enumerates subscription tiers.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanPro     Plan = "pro"
	PlanPremium Plan = "premium"
	PlanCreator Plan = "creator"
)

// ParsePlan validates a raw plan name.
func ParsePlan(raw string) (Plan, error) {
	switch Plan(raw) {
	case PlanFree, PlanPro, PlanPremium, PlanCreator:
		return Plan(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPlan, raw)
	}
}

// String returns the raw plan value.
func (plan Plan) String() string {
	return string(plan)
}

// Account is a balance snapshot.
type Account struct {
	AccountID          string
	Credits            Credits
	Plan               Plan
	SubscriptionStatus string
}

// Transaction is a single immutable line in the ledger. Amount is signed:
// positive lines credit the account, negative lines deduct from it.
type Transaction struct {
	TransactionID    string
	AccountID        string
	Amount           Credits
	Type             TransactionType
	Description      string
	PaymentReference string
	VideoID          string
	MetadataJSON     string
	CreatedUnixUTC   int64
}

// TransactionInput describes the line appended alongside a balance mutation.
// PaymentReference, when set, is the line's idempotency anchor: the store
// rejects a second line carrying the same reference.
type TransactionInput struct {
	Type             TransactionType
	Description      string
	PaymentReference string
	VideoID          string
	MetadataJSON     string
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, accountID string) (Account, error)
	GetAccount(ctx context.Context, accountID string) (Account, error)
	AddCredits(ctx context.Context, accountID string, amount Credits) error
	RemoveCreditsIfAvailable(ctx context.Context, accountID string, amount Credits) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	DeleteTransaction(ctx context.Context, transactionID string) error
	ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Transaction, error)
}
