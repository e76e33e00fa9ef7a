package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID          string    `gorm:"primaryKey"`
	Credits            int64     `gorm:"not null;default:0"`
	Plan               string    `gorm:"not null;default:'free'"`
	SubscriptionStatus string    `gorm:"not null;default:''"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// CreditTransaction mirrors the credit_transactions table. PaymentReference
// carries the resource-level idempotency anchor and is unique when present.
type CreditTransaction struct {
	TransactionID    string         `gorm:"type:uuid;primaryKey"`
	AccountID        string         `gorm:"not null;index:idx_transactions_account_created,priority:1"`
	Amount           int64          `gorm:"not null"`
	Type             string         `gorm:"not null"`
	Description      string         `gorm:"not null"`
	PaymentReference *string        `gorm:"index:uniq_transactions_payment_reference,unique"`
	VideoID          *string        `gorm:"index:idx_transactions_video"`
	Metadata         datatypes.JSON `gorm:"not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// ProcessedEvent records one accepted webhook delivery per provider event id.
// A row's existence means "do not reprocess this exact delivery"; the row is
// deleted only when a downstream handler fails, so the provider retry runs.
type ProcessedEvent struct {
	EventID   string    `gorm:"primaryKey"`
	EventType string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }

// Subscription mirrors the subscriptions table.
type Subscription struct {
	SubscriptionID         string    `gorm:"type:uuid;primaryKey"`
	AccountID              string    `gorm:"not null;index"`
	ProviderSubscriptionID string    `gorm:"not null;index:uniq_subscriptions_provider,unique"`
	Plan                   string    `gorm:"not null"`
	BillingPeriod          string    `gorm:"not null"`
	Status                 string    `gorm:"not null"`
	CreditsPerPeriod       int64     `gorm:"not null"`
	CurrentPeriodStart     time.Time `gorm:"not null"`
	CreatedAt              time.Time `gorm:"not null"`
	UpdatedAt              time.Time `gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

func (subscription *Subscription) BeforeCreate(tx *gorm.DB) error {
	if subscription.SubscriptionID == "" {
		subscription.SubscriptionID = uuid.NewString()
	}
	return nil
}

// Referral mirrors the referrals table. One referral per referee.
type Referral struct {
	ReferralID    string     `gorm:"type:uuid;primaryKey"`
	ReferrerID    string     `gorm:"not null;index"`
	RefereeID     string     `gorm:"not null;index:uniq_referrals_referee,unique"`
	Status        string     `gorm:"not null;default:'pending'"`
	RewardCredits int64      `gorm:"not null"`
	RewardedAt    *time.Time `gorm:""`
	CreatedAt     time.Time  `gorm:"not null"`
}

func (Referral) TableName() string { return "referrals" }

func (referral *Referral) BeforeCreate(tx *gorm.DB) error {
	if referral.ReferralID == "" {
		referral.ReferralID = uuid.NewString()
	}
	return nil
}

// VideoTask mirrors the video_tasks table.
type VideoTask struct {
	TaskID            string     `gorm:"type:uuid;primaryKey"`
	AccountID         string     `gorm:"not null;index"`
	ExternalTaskID    *string    `gorm:"index"`
	Status            string     `gorm:"not null;index:idx_video_tasks_status_created,priority:1"`
	CreditsConsumed   int64      `gorm:"not null"`
	ImageURL          string     `gorm:"not null"`
	Prompt            string     `gorm:"not null"`
	DurationSeconds   int        `gorm:"not null"`
	Mode              string     `gorm:"not null"`
	OutputURL         string     `gorm:"not null;default:''"`
	FailureReason     string     `gorm:"not null;default:''"`
	StorageRetryCount int        `gorm:"not null;default:0"`
	StoredDurably     bool       `gorm:"not null;default:false"`
	CreatedAt         time.Time  `gorm:"not null;index:idx_video_tasks_status_created,priority:2"`
	CompletedAt       *time.Time `gorm:""`
}

func (VideoTask) TableName() string { return "video_tasks" }

// AllModels lists every table for sqlite auto-migration.
func AllModels() []any {
	return []any{
		&Account{},
		&CreditTransaction{},
		&ProcessedEvent{},
		&Subscription{},
		&Referral{},
		&VideoTask{},
	}
}
