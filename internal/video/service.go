package video

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/framepulse-ai/framepulse/internal/ledger"
)

// SweepConfig bounds the reconciliation sweep.
type SweepConfig struct {
	// Tasks younger than ShortThreshold are never inspected.
	ShortThreshold time.Duration
	// Pending tasks with no external id older than MediumThreshold are
	// force-failed: the vendor submission never happened.
	MediumThreshold time.Duration
	// Any active task older than LongThreshold is force-failed regardless of
	// vendor state.
	LongThreshold time.Duration
	// MaxTasksPerSweep caps how many stuck tasks one run inspects.
	MaxTasksPerSweep int
	// VendorPollTimeout bounds each status call so one slow vendor response
	// cannot stall the sweep.
	VendorPollTimeout time.Duration
	// StorageRetryLimit bounds the asset persistence retry pass.
	StorageRetryLimit int
	// AssetTTL is how long vendor asset URLs stay fetchable.
	AssetTTL time.Duration
}

// DefaultSweepConfig returns the production thresholds.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		ShortThreshold:    10 * time.Minute,
		MediumThreshold:   30 * time.Minute,
		LongThreshold:     2 * time.Hour,
		MaxTasksPerSweep:  50,
		VendorPollTimeout: 5 * time.Second,
		StorageRetryLimit: 3,
		AssetTTL:          24 * time.Hour,
	}
}

// Service owns the generation lifecycle: the request path, vendor callbacks,
// and the reconciliation sweep. All state transitions are conditional
// updates keyed on the expected prior status, so a callback and a sweep
// racing on the same task elect exactly one winner, and only the winner
// issues the completion or refund side effect.
type Service struct {
	store        Store
	creditLedger CreditLedger
	vendor       VendorClient
	assets       AssetStore
	sweep        SweepConfig
	nowFn        func() int64
	logger       *zap.Logger
}

// NewService wires a Service.
func NewService(store Store, creditLedger CreditLedger, vendor VendorClient, assets AssetStore, sweep SweepConfig, now func() int64, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if creditLedger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if vendor == nil {
		return nil, fmt.Errorf("%w: vendor dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if sweep.MaxTasksPerSweep <= 0 {
		sweep = DefaultSweepConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:        store,
		creditLedger: creditLedger,
		vendor:       vendor,
		assets:       assets,
		sweep:        sweep,
		nowFn:        now,
		logger:       logger,
	}, nil
}

// RequestGeneration deducts the mode's credit cost, records the task, and
// submits it to the vendor. A failed submission unwinds synchronously: the
// consume line is deleted, the balance restored, and the task removed, so no
// credits are lost to a request that never reached the vendor.
func (service *Service) RequestGeneration(ctx context.Context, accountID string, request SubmitRequest) (Task, error) {
	cost, err := GenerationCost(request.Mode)
	if err != nil {
		return Task{}, err
	}
	taskID := uuid.NewString()
	request.ReferenceID = taskID

	transactionID, err := service.creditLedger.Deduct(ctx, accountID, cost, ledger.TransactionInput{
		Type:        ledger.TransactionConsume,
		Description: fmt.Sprintf("video generation (%s)", request.Mode),
		VideoID:     taskID,
	})
	if err != nil {
		return Task{}, err
	}

	task := Task{
		TaskID:          taskID,
		AccountID:       accountID,
		Status:          StatusPending,
		CreditsConsumed: cost,
		ImageURL:        request.ImageURL,
		Prompt:          request.Prompt,
		DurationSeconds: request.DurationSeconds,
		Mode:            request.Mode,
		CreatedUnixUTC:  service.nowFn(),
	}
	if err := service.store.CreateTask(ctx, task); err != nil {
		service.unwindRequest(ctx, accountID, transactionID, cost, "")
		return Task{}, err
	}

	externalTaskID, submitErr := service.vendor.Submit(ctx, request)
	if submitErr != nil {
		service.unwindRequest(ctx, accountID, transactionID, cost, taskID)
		return Task{}, fmt.Errorf("%w: %v", ErrSubmissionFailed, submitErr)
	}

	if err := service.store.MarkSubmitted(ctx, taskID, externalTaskID); err != nil {
		// The vendor accepted the task; leave it pending and let the
		// reconciler resolve the record on a later sweep.
		service.logger.Warn("mark submitted failed after vendor accept",
			zap.String("task_id", taskID),
			zap.String("external_task_id", externalTaskID),
			zap.Error(err))
	} else {
		task.Status = StatusGenerating
		task.ExternalTaskID = externalTaskID
	}
	return task, nil
}

// GetTask returns one task for its owning account.
func (service *Service) GetTask(ctx context.Context, accountID string, taskID string) (Task, error) {
	task, err := service.store.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if task.AccountID != accountID {
		return Task{}, ErrUnknownTask
	}
	return task, nil
}

// HandleVendorCallback applies a vendor-reported terminal state. Late or
// duplicate callbacks lose the conditional update and are no-ops.
func (service *Service) HandleVendorCallback(ctx context.Context, taskID string, status VendorStatus) error {
	task, err := service.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch status.State {
	case VendorSucceeded:
		return service.completeTask(ctx, task, status.AssetURL)
	case VendorFailed:
		reason := status.Reason
		if reason == "" {
			reason = "vendor reported failure"
		}
		return service.failTask(ctx, task, reason)
	case VendorProcessing:
		return nil
	default:
		return fmt.Errorf("%w: unexpected vendor state %q", ErrVendorUnavailable, status.State)
	}
}

// completeTask transitions an active task to completed and kicks off the
// best-effort asset persistence. Losing the conditional update means the
// reconciler or another callback already finalized the task.
func (service *Service) completeTask(ctx context.Context, task Task, assetURL string) error {
	err := service.store.CompleteTask(ctx, task.TaskID, assetURL, service.nowFn())
	if errors.Is(err, ErrTaskFinalized) {
		service.logger.Debug("completion lost conditional update", zap.String("task_id", task.TaskID))
		return nil
	}
	if err != nil {
		return err
	}
	service.logger.Info("video task completed",
		zap.String("task_id", task.TaskID),
		zap.String("account_id", task.AccountID))
	service.persistAsset(ctx, task.TaskID, assetURL)
	return nil
}

// failTask transitions an active task to failed and refunds its consumed
// credits exactly once. The refund carries a unique payment reference, so
// even if two writers somehow both observed a win, only one refund line can
// ever exist per task.
func (service *Service) failTask(ctx context.Context, task Task, reason string) error {
	err := service.store.FailTask(ctx, task.TaskID, reason, service.nowFn())
	if errors.Is(err, ErrTaskFinalized) {
		service.logger.Debug("failure lost conditional update", zap.String("task_id", task.TaskID))
		return nil
	}
	if err != nil {
		return err
	}

	refundErr := service.creditLedger.Credit(ctx, task.AccountID, task.CreditsConsumed, ledger.TransactionInput{
		Type:             ledger.TransactionRefund,
		Description:      fmt.Sprintf("refund: %s", reason),
		PaymentReference: fmt.Sprintf("video_refund_%s", task.TaskID),
		VideoID:          task.TaskID,
	})
	if errors.Is(refundErr, ledger.ErrDuplicatePaymentReference) {
		service.logger.Info("refund already issued", zap.String("task_id", task.TaskID))
		return nil
	}
	if refundErr != nil {
		return refundErr
	}
	service.logger.Info("video task failed and refunded",
		zap.String("task_id", task.TaskID),
		zap.String("account_id", task.AccountID),
		zap.String("reason", reason),
		zap.Int64("refund_credits", task.CreditsConsumed.Int64()))
	return nil
}

// unwindRequest reverts the deduction after a failed submission and drops
// the task record if one was created.
func (service *Service) unwindRequest(ctx context.Context, accountID string, transactionID string, cost ledger.Credits, taskID string) {
	if taskID != "" {
		if err := service.store.DeleteTask(ctx, taskID); err != nil {
			service.logger.Error("task cleanup failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	if err := service.creditLedger.Unwind(ctx, accountID, transactionID, cost); err != nil {
		service.logger.Error("deduction unwind failed",
			zap.String("account_id", accountID),
			zap.String("transaction_id", transactionID),
			zap.Error(err))
	}
}

// persistAsset copies the vendor asset to durable storage. Fire and forget:
// a failure is recorded for the reconciler's retry pass.
func (service *Service) persistAsset(ctx context.Context, taskID string, assetURL string) {
	if service.assets == nil {
		return
	}
	persistErr := service.assets.Persist(ctx, taskID, assetURL)
	if recordErr := service.store.RecordStorageAttempt(ctx, taskID, persistErr == nil); recordErr != nil {
		service.logger.Error("storage attempt record failed", zap.String("task_id", taskID), zap.Error(recordErr))
	}
	if persistErr != nil {
		service.logger.Warn("asset persistence failed, will retry",
			zap.String("task_id", taskID),
			zap.Error(persistErr))
	}
}
