package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/framepulse-ai/framepulse/internal/ledger"
	"github.com/framepulse-ai/framepulse/internal/video"
)

var activeTaskStatuses = []string{
	video.StatusPending.String(),
	video.StatusGenerating.String(),
}

// CreateTask inserts one video task row.
func (store *Store) CreateTask(ctx context.Context, task video.Task) error {
	row := VideoTask{
		TaskID:          task.TaskID,
		AccountID:       task.AccountID,
		ExternalTaskID:  optionalString(task.ExternalTaskID),
		Status:          task.Status.String(),
		CreditsConsumed: task.CreditsConsumed.Int64(),
		ImageURL:        task.ImageURL,
		Prompt:          task.Prompt,
		DurationSeconds: task.DurationSeconds,
		Mode:            string(task.Mode),
		CreatedAt:       time.Unix(task.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectVideoTask, errorCodeCreate, err)
	}
	return nil
}

// GetTask fetches one video task by id.
func (store *Store) GetTask(ctx context.Context, taskID string) (video.Task, error) {
	var row VideoTask
	err := store.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return video.Task{}, video.ErrUnknownTask
	}
	if err != nil {
		return video.Task{}, wrapStoreError(errorSubjectVideoTask, errorCodeGet, err)
	}
	return mapVideoTask(row), nil
}

// DeleteTask removes one video task row; used only by the submission unwind.
func (store *Store) DeleteTask(ctx context.Context, taskID string) error {
	result := store.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Delete(&VideoTask{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectVideoTask, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return video.ErrUnknownTask
	}
	return nil
}

// MarkSubmitted moves pending→generating and records the vendor task id.
func (store *Store) MarkSubmitted(ctx context.Context, taskID string, externalTaskID string) error {
	result := store.db.WithContext(ctx).
		Model(&VideoTask{}).
		Where("task_id = ? AND status = ?", taskID, video.StatusPending.String()).
		Updates(map[string]any{
			"status":           video.StatusGenerating.String(),
			"external_task_id": externalTaskID,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectVideoTask, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return video.ErrTaskFinalized
	}
	return nil
}

// CompleteTask moves an active task to completed; zero affected rows means a
// concurrent writer finalized the task first.
func (store *Store) CompleteTask(ctx context.Context, taskID string, outputURL string, completedUnixUTC int64) error {
	completedAt := time.Unix(completedUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&VideoTask{}).
		Where("task_id = ? AND status IN ?", taskID, activeTaskStatuses).
		Updates(map[string]any{
			"status":       video.StatusCompleted.String(),
			"output_url":   outputURL,
			"completed_at": completedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectVideoTask, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return video.ErrTaskFinalized
	}
	return nil
}

// FailTask moves an active task to failed; same concurrency contract as
// CompleteTask.
func (store *Store) FailTask(ctx context.Context, taskID string, reason string, completedUnixUTC int64) error {
	completedAt := time.Unix(completedUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&VideoTask{}).
		Where("task_id = ? AND status IN ?", taskID, activeTaskStatuses).
		Updates(map[string]any{
			"status":         video.StatusFailed.String(),
			"failure_reason": reason,
			"completed_at":   completedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectVideoTask, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return video.ErrTaskFinalized
	}
	return nil
}

// ListStuckTasks returns active tasks created before the cutoff, oldest
// first, bounded by limit.
func (store *Store) ListStuckTasks(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]video.Task, error) {
	before := time.Unix(createdBeforeUnixUTC, 0).UTC()
	var rows []VideoTask
	err := store.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", activeTaskStatuses, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectVideoTask, errorCodeList, err)
	}
	return mapVideoTasks(rows), nil
}

// ListUnstoredCompleted returns completed tasks whose asset is not yet in
// durable storage, still within the vendor asset TTL and the retry budget.
func (store *Store) ListUnstoredCompleted(ctx context.Context, maxRetries int, completedAfterUnixUTC int64, limit int) ([]video.Task, error) {
	after := time.Unix(completedAfterUnixUTC, 0).UTC()
	var rows []VideoTask
	err := store.db.WithContext(ctx).
		Where("status = ? AND stored_durably = ? AND storage_retry_count < ? AND completed_at > ?",
			video.StatusCompleted.String(), false, maxRetries, after).
		Order("completed_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectVideoTask, errorCodeList, err)
	}
	return mapVideoTasks(rows), nil
}

// RecordStorageAttempt bumps the retry counter and records success.
func (store *Store) RecordStorageAttempt(ctx context.Context, taskID string, stored bool) error {
	result := store.db.WithContext(ctx).
		Model(&VideoTask{}).
		Where("task_id = ?", taskID).
		Updates(map[string]any{
			"storage_retry_count": gorm.Expr("storage_retry_count + 1"),
			"stored_durably":      stored,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectVideoTask, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return video.ErrUnknownTask
	}
	return nil
}

func mapVideoTasks(rows []VideoTask) []video.Task {
	tasks := make([]video.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, mapVideoTask(row))
	}
	return tasks
}

func mapVideoTask(row VideoTask) video.Task {
	completedAt := int64(0)
	if row.CompletedAt != nil {
		completedAt = row.CompletedAt.Unix()
	}
	return video.Task{
		TaskID:            row.TaskID,
		AccountID:         row.AccountID,
		ExternalTaskID:    stringOrEmpty(row.ExternalTaskID),
		Status:            video.TaskStatus(row.Status),
		CreditsConsumed:   ledger.Credits(row.CreditsConsumed),
		ImageURL:          row.ImageURL,
		Prompt:            row.Prompt,
		DurationSeconds:   row.DurationSeconds,
		Mode:              video.GenerationMode(row.Mode),
		OutputURL:         row.OutputURL,
		FailureReason:     row.FailureReason,
		StorageRetryCount: row.StorageRetryCount,
		StoredDurably:     row.StoredDurably,
		CreatedUnixUTC:    row.CreatedAt.Unix(),
		CompletedUnixUTC:  completedAt,
	}
}
