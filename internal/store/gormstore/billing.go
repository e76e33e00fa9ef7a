package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/framepulse-ai/framepulse/internal/billing"
	"github.com/framepulse-ai/framepulse/internal/ledger"
)

// MarkEventProcessed records one webhook delivery. The primary key on the
// event id turns a replay into billing.ErrEventAlreadyProcessed.
func (store *Store) MarkEventProcessed(ctx context.Context, eventID string, eventType string) error {
	row := ProcessedEvent{
		EventID:   eventID,
		EventType: eventType,
		CreatedAt: time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return billing.ErrEventAlreadyProcessed
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

// ForgetEvent removes a delivery record so the provider retry is processed.
func (store *Store) ForgetEvent(ctx context.Context, eventID string) error {
	err := store.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Delete(&ProcessedEvent{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeDelete, err)
	}
	return nil
}

// CreateSubscription inserts one subscription row. The unique provider
// subscription id turns a duplicate create into billing.ErrSubscriptionExists.
func (store *Store) CreateSubscription(ctx context.Context, subscription billing.Subscription) error {
	row := Subscription{
		SubscriptionID:         subscription.SubscriptionID,
		AccountID:              subscription.AccountID,
		ProviderSubscriptionID: subscription.ProviderSubscriptionID,
		Plan:                   subscription.Plan.String(),
		BillingPeriod:          subscription.BillingPeriod.String(),
		Status:                 subscription.Status.String(),
		CreditsPerPeriod:       subscription.CreditsPerPeriod.Int64(),
		CurrentPeriodStart:     time.Unix(subscription.CurrentPeriodStartUnixUTC, 0).UTC(),
		CreatedAt:              time.Unix(subscription.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return billing.ErrSubscriptionExists
	}
	if err != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeCreate, err)
	}
	return nil
}

// GetSubscriptionByProviderID fetches one subscription by provider id.
func (store *Store) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (billing.Subscription, error) {
	var row Subscription
	err := store.db.WithContext(ctx).
		Where("provider_subscription_id = ?", providerSubscriptionID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.Subscription{}, billing.ErrUnknownSubscription
	}
	if err != nil {
		return billing.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeGet, err)
	}
	return mapSubscription(row), nil
}

// CancelSubscription flips status to cancelled, conditional on it not being
// cancelled already; zero affected rows means another writer won.
func (store *Store) CancelSubscription(ctx context.Context, providerSubscriptionID string) error {
	result := store.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("provider_subscription_id = ? AND status <> ?", providerSubscriptionID, billing.SubscriptionCancelled.String()).
		Update("status", billing.SubscriptionCancelled.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return billing.ErrSubscriptionAlreadyCancelled
	}
	return nil
}

// AdvanceSubscriptionPeriod records the start of a newly credited period.
func (store *Store) AdvanceSubscriptionPeriod(ctx context.Context, providerSubscriptionID string, periodStartUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("provider_subscription_id = ?", providerSubscriptionID).
		Update("current_period_start", time.Unix(periodStartUnixUTC, 0).UTC())
	if result.Error != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return billing.ErrUnknownSubscription
	}
	return nil
}

// UpdateAccountPlan sets the account's plan and subscription status.
func (store *Store) UpdateAccountPlan(ctx context.Context, accountID string, plan ledger.Plan, status string) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{
			"plan":                plan.String(),
			"subscription_status": status,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrUnknownAccount)
	}
	return nil
}

func mapSubscription(row Subscription) billing.Subscription {
	return billing.Subscription{
		SubscriptionID:            row.SubscriptionID,
		AccountID:                 row.AccountID,
		ProviderSubscriptionID:    row.ProviderSubscriptionID,
		Plan:                      ledger.Plan(row.Plan),
		BillingPeriod:             billing.BillingPeriod(row.BillingPeriod),
		Status:                    billing.SubscriptionStatus(row.Status),
		CreditsPerPeriod:          ledger.Credits(row.CreditsPerPeriod),
		CurrentPeriodStartUnixUTC: row.CurrentPeriodStart.Unix(),
		CreatedUnixUTC:            row.CreatedAt.Unix(),
	}
}
