// Package gormstore persists every aggregate of the credit core with GORM.
// All mutations follow one discipline: insert-with-unique-constraint or
// conditional-update-with-expected-prior-state, never read-modify-write.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/framepulse-ai/framepulse/internal/ledger"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	defaultMetadataJSON   = "{}"

	errorOperationStore      = "store"
	errorSubjectAccount      = "account"
	errorSubjectTransaction  = "transaction"
	errorSubjectEvent        = "event"
	errorSubjectSubscription = "subscription"
	errorSubjectReferral     = "referral"
	errorSubjectVideoTask    = "video_task"
	errorCodeCreate          = "create"
	errorCodeDelete          = "delete"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLookup          = "lookup"
	errorCodeUpdate          = "update"
)

// Store implements the ledger, billing, referral, and video store contracts
// over a single gorm.DB.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateAccount fetches an account, creating a zero-balance row on
// first sight of the id.
func (store *Store) GetOrCreateAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	if accountID == "" {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, ledger.ErrInvalidAccountID)
	}
	var account Account
	err := store.db.WithContext(ctx).
		Where(Account{AccountID: accountID}).
		Attrs(Account{Plan: ledger.PlanFree.String()}).
		FirstOrCreate(&account).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account), nil
}

// GetAccount fetches an existing account.
func (store *Store) GetAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(account), nil
}

// AddCredits increments the balance with a single atomic update.
func (store *Store) AddCredits(ctx context.Context, accountID string, amount ledger.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		UpdateColumn("credits", gorm.Expr("credits + ?", amount.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrUnknownAccount)
	}
	return nil
}

// RemoveCreditsIfAvailable decrements the balance only when it covers the
// amount; the check and the decrement are one guarded update.
func (store *Store) RemoveCreditsIfAvailable(ctx context.Context, accountID string, amount ledger.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND credits >= ?", accountID, amount.Int64()).
		UpdateColumn("credits", gorm.Expr("credits - ?", amount.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&Account{}).Where("account_id = ?", accountID).Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrUnknownAccount)
		}
		return ledger.ErrInsufficientCredits
	}
	return nil
}

// InsertTransaction appends one ledger line. A duplicate payment reference
// surfaces as ledger.ErrDuplicatePaymentReference.
func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	createdAt := time.Now().UTC()
	if transaction.CreatedUnixUTC != 0 {
		createdAt = time.Unix(transaction.CreatedUnixUTC, 0).UTC()
	}
	row := CreditTransaction{
		TransactionID:    transaction.TransactionID,
		AccountID:        transaction.AccountID,
		Amount:           transaction.Amount.Int64(),
		Type:             transaction.Type.String(),
		Description:      transaction.Description,
		PaymentReference: optionalString(transaction.PaymentReference),
		VideoID:          optionalString(transaction.VideoID),
		Metadata:         metadataJSON(transaction.MetadataJSON),
		CreatedAt:        createdAt,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return ledger.ErrDuplicatePaymentReference
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

// DeleteTransaction removes one ledger line by id.
func (store *Store) DeleteTransaction(ctx context.Context, transactionID string) error {
	result := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Delete(&CreditTransaction{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeDelete, ledger.ErrUnknownTransaction)
	}
	return nil
}

// ListTransactions lists ledger lines for an account before a cutoff time.
func (store *Store) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func mapAccount(row Account) ledger.Account {
	return ledger.Account{
		AccountID:          row.AccountID,
		Credits:            ledger.Credits(row.Credits),
		Plan:               ledger.Plan(row.Plan),
		SubscriptionStatus: row.SubscriptionStatus,
	}
}

func mapTransaction(row CreditTransaction) (ledger.Transaction, error) {
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		TransactionID:    row.TransactionID,
		AccountID:        row.AccountID,
		Amount:           ledger.Credits(row.Amount),
		Type:             transactionType,
		Description:      row.Description,
		PaymentReference: stringOrEmpty(row.PaymentReference),
		VideoID:          stringOrEmpty(row.VideoID),
		MetadataJSON:     string(row.Metadata),
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func metadataJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
