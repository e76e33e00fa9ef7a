// Package referral settles referral rewards after a referee's first
// successful checkout. The pending→rewarded transition is a conditional
// update, so concurrent settlements for the same referee elect one winner
// and only the winner credits the referrer.
package referral

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/framepulse-ai/framepulse/internal/ledger"
)

// Domain-level error values returned by the referral service.
var (
	ErrNoReferral           = errors.New("no pending referral")
	ErrAlreadyRewarded      = errors.New("referral already rewarded")
	ErrInvalidServiceConfig = errors.New("invalid referral service config")
)

// Referral links a referrer to the account they referred. One referral per
// referee; status moves pending→rewarded exactly once.
type Referral struct {
	ReferralID        string
	ReferrerID        string
	RefereeID         string
	Status            string
	RewardCredits     ledger.Credits
	RewardedAtUnixUTC int64
	CreatedUnixUTC    int64
}

// Referral status values.
const (
	StatusPending  = "pending"
	StatusRewarded = "rewarded"
)

// Store is the persistence contract used by Service. MarkRewarded is a
// conditional update on status=pending and reports ErrAlreadyRewarded when
// zero rows match.
type Store interface {
	FindPendingByReferee(ctx context.Context, refereeID string) (Referral, error)
	MarkRewarded(ctx context.Context, referralID string, rewardedAtUnixUTC int64) error
}

// CreditLedger is the slice of the ledger service settlement needs.
type CreditLedger interface {
	Credit(ctx context.Context, accountID string, amount ledger.Credits, input ledger.TransactionInput) error
}

// Service settles referral rewards.
type Service struct {
	store        Store
	creditLedger CreditLedger
	nowFn        func() int64
	logger       *zap.Logger
}

// NewService wires a Service.
func NewService(store Store, creditLedger CreditLedger, now func() int64, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if creditLedger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, creditLedger: creditLedger, nowFn: now, logger: logger}, nil
}

// Settle promotes the referee's pending referral to rewarded at most once
// and credits the referrer. Returns nil when the referee was never referred
// or the referral is already settled.
func (service *Service) Settle(ctx context.Context, refereeID string) error {
	referral, err := service.store.FindPendingByReferee(ctx, refereeID)
	if errors.Is(err, ErrNoReferral) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := service.store.MarkRewarded(ctx, referral.ReferralID, service.nowFn()); err != nil {
		if errors.Is(err, ErrAlreadyRewarded) {
			// A concurrent settlement won the conditional update.
			return nil
		}
		return err
	}

	creditErr := service.creditLedger.Credit(ctx, referral.ReferrerID, referral.RewardCredits, ledger.TransactionInput{
		Type:             ledger.TransactionReferral,
		Description:      "referral reward",
		PaymentReference: fmt.Sprintf("referral_%s", referral.ReferralID),
	})
	if errors.Is(creditErr, ledger.ErrDuplicatePaymentReference) {
		service.logger.Info("referral reward already credited",
			zap.String("referral_id", referral.ReferralID))
		return nil
	}
	if creditErr != nil {
		service.logger.Error("referral reward credit failed",
			zap.String("referral_id", referral.ReferralID),
			zap.String("referrer_id", referral.ReferrerID),
			zap.Error(creditErr))
		return creditErr
	}
	service.logger.Info("referral rewarded",
		zap.String("referral_id", referral.ReferralID),
		zap.String("referrer_id", referral.ReferrerID),
		zap.Int64("reward_credits", referral.RewardCredits.Int64()))
	return nil
}
