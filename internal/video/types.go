package video

import (
	"context"
	"errors"
	"fmt"

	"github.com/framepulse-ai/framepulse/internal/ledger"
)

// Domain-level error values returned by the video service.
var (
	ErrUnknownTask           = errors.New("unknown video task")
	ErrTaskFinalized         = errors.New("video task already finalized")
	ErrSubmissionFailed      = errors.New("vendor submission failed")
	ErrInvalidGenerationMode = errors.New("invalid generation mode")
	ErrInvalidServiceConfig  = errors.New("invalid video service config")
	ErrVendorUnavailable     = errors.New("vendor unavailable")
)

// TaskStatus enumerates the generation state machine. Transitions only move
// forward: pending→generating→{completed|failed}.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusGenerating TaskStatus = "generating"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// String returns the raw status value.
func (status TaskStatus) String() string {
	return string(status)
}

// GenerationMode selects the vendor pipeline and the credit cost.
type GenerationMode string

const (
	ModeStandard GenerationMode = "standard"
	ModePro      GenerationMode = "pro"
)

// Per-generation credit costs by mode.
const (
	costStandard ledger.Credits = 100
	costPro      ledger.Credits = 300
)

// GenerationCost returns the credit cost for a mode.
func GenerationCost(mode GenerationMode) (ledger.Credits, error) {
	switch mode {
	case ModeStandard:
		return costStandard, nil
	case ModePro:
		return costPro, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidGenerationMode, mode)
	}
}

// Task is one generation request. Every transition out of an active status
// into failed is paired with exactly one refund ledger line for the task.
type Task struct {
	TaskID            string
	AccountID         string
	ExternalTaskID    string
	Status            TaskStatus
	CreditsConsumed   ledger.Credits
	ImageURL          string
	Prompt            string
	DurationSeconds   int
	Mode              GenerationMode
	OutputURL         string
	FailureReason     string
	StorageRetryCount int
	StoredDurably     bool
	CreatedUnixUTC    int64
	CompletedUnixUTC  int64
}

// Store is the persistence contract used by the video service and the
// reconciler. MarkSubmitted, Complete, and Fail are conditional updates keyed
// on the expected prior status; zero affected rows reports ErrTaskFinalized,
// which callers treat as "the other side won".
type Store interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	MarkSubmitted(ctx context.Context, taskID string, externalTaskID string) error
	CompleteTask(ctx context.Context, taskID string, outputURL string, completedUnixUTC int64) error
	FailTask(ctx context.Context, taskID string, reason string, completedUnixUTC int64) error
	ListStuckTasks(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]Task, error)
	ListUnstoredCompleted(ctx context.Context, maxRetries int, completedAfterUnixUTC int64, limit int) ([]Task, error)
	RecordStorageAttempt(ctx context.Context, taskID string, stored bool) error
}

// VendorState is the three-state contract the generation vendor exposes.
type VendorState string

const (
	VendorProcessing VendorState = "processing"
	VendorSucceeded  VendorState = "succeeded"
	VendorFailed     VendorState = "failed"
)

// VendorStatus is one poll result from the vendor's task-status API.
type VendorStatus struct {
	State    VendorState
	AssetURL string
	Reason   string
}

// SubmitRequest is the payload handed to the vendor.
type SubmitRequest struct {
	ReferenceID     string
	ImageURL        string
	Prompt          string
	DurationSeconds int
	Mode            GenerationMode
}

// VendorClient is the external video-generation collaborator.
type VendorClient interface {
	Submit(ctx context.Context, request SubmitRequest) (string, error)
	Status(ctx context.Context, externalTaskID string) (VendorStatus, error)
}

// AssetStore persists a completed asset to durable storage. Best effort:
// failures never roll back ledger or task state, the reconciler retries.
type AssetStore interface {
	Persist(ctx context.Context, taskID string, assetURL string) error
}

// CreditLedger is the slice of the ledger service the video paths need.
type CreditLedger interface {
	Deduct(ctx context.Context, accountID string, amount ledger.Credits, input ledger.TransactionInput) (string, error)
	Credit(ctx context.Context, accountID string, amount ledger.Credits, input ledger.TransactionInput) error
	Unwind(ctx context.Context, accountID string, transactionID string, amount ledger.Credits) error
}
