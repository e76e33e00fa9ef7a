package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/framepulse-ai/framepulse/internal/ledger"
	"github.com/framepulse-ai/framepulse/internal/referral"
)

// FindPendingByReferee fetches the pending referral for a referee, if any.
func (store *Store) FindPendingByReferee(ctx context.Context, refereeID string) (referral.Referral, error) {
	var row Referral
	err := store.db.WithContext(ctx).
		Where("referee_id = ? AND status = ?", refereeID, referral.StatusPending).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return referral.Referral{}, referral.ErrNoReferral
	}
	if err != nil {
		return referral.Referral{}, wrapStoreError(errorSubjectReferral, errorCodeGet, err)
	}
	return mapReferral(row), nil
}

// MarkRewarded promotes pending→rewarded conditionally; zero affected rows
// means a concurrent settlement already won.
func (store *Store) MarkRewarded(ctx context.Context, referralID string, rewardedAtUnixUTC int64) error {
	rewardedAt := time.Unix(rewardedAtUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&Referral{}).
		Where("referral_id = ? AND status = ?", referralID, referral.StatusPending).
		Updates(map[string]any{
			"status":      referral.StatusRewarded,
			"rewarded_at": rewardedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReferral, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return referral.ErrAlreadyRewarded
	}
	return nil
}

func mapReferral(row Referral) referral.Referral {
	rewardedAt := int64(0)
	if row.RewardedAt != nil {
		rewardedAt = row.RewardedAt.Unix()
	}
	return referral.Referral{
		ReferralID:        row.ReferralID,
		ReferrerID:        row.ReferrerID,
		RefereeID:         row.RefereeID,
		Status:            row.Status,
		RewardCredits:     ledger.Credits(row.RewardCredits),
		RewardedAtUnixUTC: rewardedAt,
		CreatedUnixUTC:    row.CreatedAt.Unix(),
	}
}
