package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service contains the credit operations over a Store.
//
// Both operations move the balance and append the transaction line inside a
// single storage transaction, so the sum of lines always equals the balance.
// Neither operation ever reads the balance into application code: the store
// performs a single atomic increment or guarded decrement.
type Service struct {
	store  Store
	nowFn  func() int64
	logger *zap.Logger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, nowFn: now, logger: logger}, nil
}

// Credit atomically increments the balance and appends a positive line.
// A duplicate payment reference aborts with ErrDuplicatePaymentReference
// before the balance moves.
func (service *Service) Credit(ctx context.Context, accountID string, amount Credits, input TransactionInput) error {
	if amount <= 0 {
		return fmt.Errorf("%w: credit amount must be positive", ErrInvalidCreditAmount)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, service.buildTransaction(account.AccountID, amount, input)); err != nil {
			return err
		}
		return transactionStore.AddCredits(ctx, account.AccountID, amount)
	})
	service.logOperation("credit", accountID, amount, input, operationError)
	return operationError
}

// Deduct atomically checks the balance and decrements it in the same guarded
// update, appending the negative line. Returns the transaction id so callers
// can unwind on downstream failure. Fails with ErrInsufficientCredits when
// the guard does not hold; no partial state is written.
func (service *Service) Deduct(ctx context.Context, accountID string, amount Credits, input TransactionInput) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("%w: deduct amount must be positive", ErrInvalidCreditAmount)
	}
	transaction := service.buildTransaction(accountID, -amount, input)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if err := transactionStore.RemoveCreditsIfAvailable(ctx, account.AccountID, amount); err != nil {
			return err
		}
		return transactionStore.InsertTransaction(ctx, transaction)
	})
	service.logOperation("deduct", accountID, amount, input, operationError)
	if operationError != nil {
		return "", operationError
	}
	return transaction.TransactionID, nil
}

// Unwind deletes a just-written deduction line and restores its amount in one
// transaction. Used only when a dependent external call failed after the
// deduction succeeded, so the ledger keeps no trace of the aborted request.
func (service *Service) Unwind(ctx context.Context, accountID string, transactionID string, amount Credits) error {
	if amount <= 0 {
		return fmt.Errorf("%w: unwind amount must be positive", ErrInvalidCreditAmount)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.DeleteTransaction(ctx, transactionID); err != nil {
			return err
		}
		return transactionStore.AddCredits(ctx, accountID, amount)
	})
	if operationError != nil {
		service.logger.Error("ledger unwind failed",
			zap.String("account_id", accountID),
			zap.String("transaction_id", transactionID),
			zap.Error(operationError))
	}
	return operationError
}

// Balance returns the current credit balance for an account.
func (service *Service) Balance(ctx context.Context, accountID string) (Credits, error) {
	account, err := service.store.GetOrCreateAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Credits, nil
}

// History lists ledger lines for an account before a cutoff time.
func (service *Service) History(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	account, err := service.store.GetOrCreateAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, account.AccountID, beforeUnixUTC, limit)
}

func (service *Service) buildTransaction(accountID string, amount Credits, input TransactionInput) Transaction {
	return Transaction{
		TransactionID:    uuid.NewString(),
		AccountID:        accountID,
		Amount:           amount,
		Type:             input.Type,
		Description:      input.Description,
		PaymentReference: input.PaymentReference,
		VideoID:          input.VideoID,
		MetadataJSON:     input.MetadataJSON,
		CreatedUnixUTC:   service.nowFn(),
	}
}

func (service *Service) logOperation(operation string, accountID string, amount Credits, input TransactionInput, operationError error) {
	fields := []zap.Field{
		zap.String("account_id", accountID),
		zap.Int64("amount", amount.Int64()),
		zap.String("type", input.Type.String()),
		zap.String("payment_reference", input.PaymentReference),
	}
	if operationError != nil {
		service.logger.Warn("ledger "+operation+" failed", append(fields, zap.Error(operationError))...)
		return
	}
	service.logger.Info("ledger "+operation, fields...)
}
