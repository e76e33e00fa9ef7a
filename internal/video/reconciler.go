package video

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SweepReport summarizes one reconciliation run.
type SweepReport struct {
	Inspected      int
	TimedOut       int
	NeverSubmitted int
	Completed      int
	Failed         int
	StillRunning   int
	StorageRetried int
	StorageStored  int
}

// Sweep reconciles tasks stuck in an active status against the vendor and
// force-fails the ones past their deadline, then retries pending asset
// persistence. Safe to run concurrently with callbacks: every transition is
// a conditional update and every refund is reference-guarded.
func (service *Service) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{}
	now := service.nowFn()

	cutoff := now - int64(service.sweep.ShortThreshold/time.Second)
	stuck, err := service.store.ListStuckTasks(ctx, cutoff, service.sweep.MaxTasksPerSweep)
	if err != nil {
		return report, err
	}

	for _, task := range stuck {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Inspected++
		service.reconcileTask(ctx, task, now, &report)
	}

	service.retryAssetPersistence(ctx, now, &report)

	service.logger.Info("reconciliation sweep finished",
		zap.Int("inspected", report.Inspected),
		zap.Int("timed_out", report.TimedOut),
		zap.Int("never_submitted", report.NeverSubmitted),
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed),
		zap.Int("still_running", report.StillRunning),
		zap.Int("storage_retried", report.StorageRetried))
	return report, nil
}

func (service *Service) reconcileTask(ctx context.Context, task Task, now int64, report *SweepReport) {
	age := time.Duration(now-task.CreatedUnixUTC) * time.Second

	if age > service.sweep.LongThreshold {
		if err := service.failTask(ctx, task, "timed out"); err != nil {
			service.logger.Error("timeout force-fail failed", zap.String("task_id", task.TaskID), zap.Error(err))
			return
		}
		report.TimedOut++
		return
	}

	if task.Status == StatusPending && task.ExternalTaskID == "" {
		if age <= service.sweep.MediumThreshold {
			report.StillRunning++
			return
		}
		// The process crashed between deducting credits and calling the
		// vendor; free the slot now instead of waiting for the long timeout.
		if err := service.failTask(ctx, task, "submission never completed"); err != nil {
			service.logger.Error("unsubmitted force-fail failed", zap.String("task_id", task.TaskID), zap.Error(err))
			return
		}
		report.NeverSubmitted++
		return
	}

	if task.ExternalTaskID == "" {
		report.StillRunning++
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, service.sweep.VendorPollTimeout)
	status, err := service.vendor.Status(pollCtx, task.ExternalTaskID)
	cancel()
	if err != nil {
		service.logger.Warn("vendor poll failed",
			zap.String("task_id", task.TaskID),
			zap.String("external_task_id", task.ExternalTaskID),
			zap.Error(err))
		return
	}

	switch status.State {
	case VendorSucceeded:
		if err := service.completeTask(ctx, task, status.AssetURL); err != nil {
			service.logger.Error("reconciled completion failed", zap.String("task_id", task.TaskID), zap.Error(err))
			return
		}
		report.Completed++
	case VendorFailed:
		reason := status.Reason
		if reason == "" {
			reason = "vendor reported failure"
		}
		if err := service.failTask(ctx, task, reason); err != nil {
			service.logger.Error("reconciled failure failed", zap.String("task_id", task.TaskID), zap.Error(err))
			return
		}
		report.Failed++
	default:
		report.StillRunning++
	}
}

// retryAssetPersistence re-attempts durable storage for completed tasks whose
// earlier attempt failed, bounded by the retry limit and the vendor asset
// TTL. Ledger state is never touched here.
func (service *Service) retryAssetPersistence(ctx context.Context, now int64, report *SweepReport) {
	if service.assets == nil {
		return
	}
	completedAfter := now - int64(service.sweep.AssetTTL/time.Second)
	tasks, err := service.store.ListUnstoredCompleted(ctx, service.sweep.StorageRetryLimit, completedAfter, service.sweep.MaxTasksPerSweep)
	if err != nil {
		service.logger.Error("unstored task listing failed", zap.Error(err))
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		report.StorageRetried++
		persistErr := service.assets.Persist(ctx, task.TaskID, task.OutputURL)
		if recordErr := service.store.RecordStorageAttempt(ctx, task.TaskID, persistErr == nil); recordErr != nil {
			service.logger.Error("storage attempt record failed", zap.String("task_id", task.TaskID), zap.Error(recordErr))
			continue
		}
		if persistErr != nil {
			service.logger.Warn("asset persistence retry failed",
				zap.String("task_id", task.TaskID),
				zap.Int("retry_count", task.StorageRetryCount+1),
				zap.Error(persistErr))
			continue
		}
		report.StorageStored++
	}
}
