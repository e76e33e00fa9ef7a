package video

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/framepulse-ai/framepulse/internal/ledger"
)

type stubTaskStore struct {
	mu    sync.Mutex
	tasks map[string]Task
}

func newStubTaskStore() *stubTaskStore {
	return &stubTaskStore{tasks: map[string]Task{}}
}

func (store *stubTaskStore) CreateTask(ctx context.Context, task Task) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.tasks[task.TaskID] = task
	return nil
}

func (store *stubTaskStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	task, ok := store.tasks[taskID]
	if !ok {
		return Task{}, ErrUnknownTask
	}
	return task, nil
}

func (store *stubTaskStore) DeleteTask(ctx context.Context, taskID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.tasks[taskID]; !ok {
		return ErrUnknownTask
	}
	delete(store.tasks, taskID)
	return nil
}

func (store *stubTaskStore) MarkSubmitted(ctx context.Context, taskID string, externalTaskID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	task, ok := store.tasks[taskID]
	if !ok || task.Status != StatusPending {
		return ErrTaskFinalized
	}
	task.Status = StatusGenerating
	task.ExternalTaskID = externalTaskID
	store.tasks[taskID] = task
	return nil
}

func (store *stubTaskStore) CompleteTask(ctx context.Context, taskID string, outputURL string, completedUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	task, ok := store.tasks[taskID]
	if !ok || (task.Status != StatusPending && task.Status != StatusGenerating) {
		return ErrTaskFinalized
	}
	task.Status = StatusCompleted
	task.OutputURL = outputURL
	task.CompletedUnixUTC = completedUnixUTC
	store.tasks[taskID] = task
	return nil
}

func (store *stubTaskStore) FailTask(ctx context.Context, taskID string, reason string, completedUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	task, ok := store.tasks[taskID]
	if !ok || (task.Status != StatusPending && task.Status != StatusGenerating) {
		return ErrTaskFinalized
	}
	task.Status = StatusFailed
	task.FailureReason = reason
	task.CompletedUnixUTC = completedUnixUTC
	store.tasks[taskID] = task
	return nil
}

func (store *stubTaskStore) ListStuckTasks(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]Task, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var stuck []Task
	for _, task := range store.tasks {
		if (task.Status == StatusPending || task.Status == StatusGenerating) && task.CreatedUnixUTC < createdBeforeUnixUTC {
			stuck = append(stuck, task)
		}
		if len(stuck) == limit {
			break
		}
	}
	return stuck, nil
}

func (store *stubTaskStore) ListUnstoredCompleted(ctx context.Context, maxRetries int, completedAfterUnixUTC int64, limit int) ([]Task, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var unstored []Task
	for _, task := range store.tasks {
		if task.Status == StatusCompleted && !task.StoredDurably &&
			task.StorageRetryCount < maxRetries && task.CompletedUnixUTC > completedAfterUnixUTC {
			unstored = append(unstored, task)
		}
		if len(unstored) == limit {
			break
		}
	}
	return unstored, nil
}

func (store *stubTaskStore) RecordStorageAttempt(ctx context.Context, taskID string, stored bool) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	task, ok := store.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	task.StorageRetryCount++
	task.StoredDurably = stored
	store.tasks[taskID] = task
	return nil
}

func (store *stubTaskStore) mustTask(t *testing.T, taskID string) Task {
	t.Helper()
	task, err := store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("task %s: %v", taskID, err)
	}
	return task
}

type stubCreditLedger struct {
	mu       sync.Mutex
	balances map[string]ledger.Credits
	lines    []ledger.TransactionInput
	byRef    map[string]bool
	nextID   int
}

func newStubCreditLedger(accountID string, balance ledger.Credits) *stubCreditLedger {
	return &stubCreditLedger{
		balances: map[string]ledger.Credits{accountID: balance},
		byRef:    map[string]bool{},
	}
}

func (stub *stubCreditLedger) Deduct(ctx context.Context, accountID string, amount ledger.Credits, input ledger.TransactionInput) (string, error) {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.balances[accountID] < amount {
		return "", ledger.ErrInsufficientCredits
	}
	stub.balances[accountID] -= amount
	stub.lines = append(stub.lines, input)
	stub.nextID++
	return string(rune('a' + stub.nextID)), nil
}

func (stub *stubCreditLedger) Credit(ctx context.Context, accountID string, amount ledger.Credits, input ledger.TransactionInput) error {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if input.PaymentReference != "" && stub.byRef[input.PaymentReference] {
		return ledger.ErrDuplicatePaymentReference
	}
	stub.byRef[input.PaymentReference] = true
	stub.balances[accountID] += amount
	stub.lines = append(stub.lines, input)
	return nil
}

func (stub *stubCreditLedger) Unwind(ctx context.Context, accountID string, transactionID string, amount ledger.Credits) error {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	stub.balances[accountID] += amount
	if len(stub.lines) > 0 {
		stub.lines = stub.lines[:len(stub.lines)-1]
	}
	return nil
}

func (stub *stubCreditLedger) balance(accountID string) ledger.Credits {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	return stub.balances[accountID]
}

func (stub *stubCreditLedger) refundCount() int {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	count := 0
	for _, line := range stub.lines {
		if line.Type == ledger.TransactionRefund {
			count++
		}
	}
	return count
}

type stubVendor struct {
	mu         sync.Mutex
	submitErr  error
	submitted  []SubmitRequest
	statusByID map[string]VendorStatus
	statusErr  error
}

func newStubVendor() *stubVendor {
	return &stubVendor{statusByID: map[string]VendorStatus{}}
}

func (vendor *stubVendor) Submit(ctx context.Context, request SubmitRequest) (string, error) {
	vendor.mu.Lock()
	defer vendor.mu.Unlock()
	if vendor.submitErr != nil {
		return "", vendor.submitErr
	}
	vendor.submitted = append(vendor.submitted, request)
	return "ext-" + request.ReferenceID, nil
}

func (vendor *stubVendor) Status(ctx context.Context, externalTaskID string) (VendorStatus, error) {
	vendor.mu.Lock()
	defer vendor.mu.Unlock()
	if vendor.statusErr != nil {
		return VendorStatus{}, vendor.statusErr
	}
	status, ok := vendor.statusByID[externalTaskID]
	if !ok {
		return VendorStatus{State: VendorProcessing}, nil
	}
	return status, nil
}

type stubAssetStore struct {
	mu         sync.Mutex
	persistErr error
	persisted  []string
}

func (store *stubAssetStore) Persist(ctx context.Context, taskID string, assetURL string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.persistErr != nil {
		return store.persistErr
	}
	store.persisted = append(store.persisted, taskID)
	return nil
}

type videoFixture struct {
	service *Service
	store   *stubTaskStore
	ledger  *stubCreditLedger
	vendor  *stubVendor
	assets  *stubAssetStore
	now     int64
}

func newVideoFixture(t *testing.T, balance ledger.Credits) *videoFixture {
	t.Helper()
	fixture := &videoFixture{
		store:  newStubTaskStore(),
		ledger: newStubCreditLedger("user-1", balance),
		vendor: newStubVendor(),
		assets: &stubAssetStore{},
		now:    1700000000,
	}
	service, err := NewService(fixture.store, fixture.ledger, fixture.vendor, fixture.assets, DefaultSweepConfig(), func() int64 { return fixture.now }, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	fixture.service = service
	return fixture
}

func TestRequestGenerationDeductsAndSubmits(t *testing.T) {
	t.Parallel()
	fixture := newVideoFixture(t, 500)

	task, err := fixture.service.RequestGeneration(context.Background(), "user-1", SubmitRequest{
		ImageURL: "https://img/1.jpg",
		Mode:     ModeStandard,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if task.Status != StatusGenerating || task.ExternalTaskID == "" {
		t.Fatalf("expected generating task with external id, got %+v", task)
	}
	if got := fixture.ledger.balance("user-1"); got != 400 {
		t.Fatalf("expected balance 400, got %d", got)
	}
	if len(fixture.vendor.submitted) != 1 {
		t.Fatalf("expected one vendor submission, got %d", len(fixture.vendor.submitted))
	}
}

func TestRequestGenerationRejectsInsufficientCredits(t *testing.T) {
	t.Parallel()
	fixture := newVideoFixture(t, 50)

	_, err := fixture.service.RequestGeneration(context.Background(), "user-1", SubmitRequest{
		ImageURL: "https://img/1.jpg",
		Mode:     ModeStandard,
	})
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if len(fixture.store.tasks) != 0 {
		t.Fatal("rejected request created a task")
	}
}

func TestRequestGenerationRejectsUnknownMode(t *testing.T) {
	t.Parallel()
	fixture := newVideoFixture(t, 500)

	_, err := fixture.service.RequestGeneration(context.Background(), "user-1", SubmitRequest{
		ImageURL: "https://img/1.jpg",
		Mode:     GenerationMode("cinematic"),
	})
	if !errors.Is(err, ErrInvalidGenerationMode) {
		t.Fatalf("expected ErrInvalidGenerationMode, got %v", err)
	}
	if got := fixture.ledger.balance("user-1"); got != 500 {
		t.Fatalf("rejected mode moved the balance: %d", got)
	}
}

func TestFailedSubmissionLeavesNoTrace(t *testing.T) {
	t.Parallel()
	fixture := newVideoFixture(t, 500)
	fixture.vendor.submitErr = errors.New("vendor down")

	_, err := fixture.service.RequestGeneration(context.Background(), "user-1", SubmitRequest{
		ImageURL: "https://img/1.jpg",
		Mode:     ModePro,
	})
	if !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("expected ErrSubmissionFailed, got %v", err)
	}
	if got := fixture.ledger.balance("user-1"); got != 500 {
		t.Fatalf("expected balance restored to 500, got %d", got)
	}
	if len(fixture.ledger.lines) != 0 {
		t.Fatalf("consume line survived the unwind: %+v", fixture.ledger.lines)
	}
	if len(fixture.store.tasks) != 0 {
		t.Fatal("task row survived the unwind")
	}
}

func TestCallbackCompletesTaskAndPersistsAsset(t *testing.T) {
	t.Parallel()
	fixture := newVideoFixture(t, 500)
	task, err := fixture.service.RequestGeneration(context.Background(), "user-1", SubmitRequest{
		ImageURL: "https://img/1.jpg",
		Mode:     ModeStandard,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	err = fixture.service.HandleVendorCallback(context.Background(), task.TaskID, VendorStatus{
		State:    VendorSucceeded,
		AssetURL: "https://vendor/out.mp4",
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	stored := fixture.store.mustTask(t, task.TaskID)
	if stored.Status != StatusCompleted || stored.OutputURL != "https://vendor/out.mp4" {
		t.Fatalf("unexpected task state %+v", stored)
	}
	if !stored.StoredDurably {
		t.Fatal("asset not marked durable after successful persist")
	}
	if len(fixture.assets.persisted) != 1 {
		t.Fatalf("expected one persisted asset, got %d", len(fixture.assets.persisted))
	}
}

func TestFailureCallbackRefundsExactlyOnce(t *testing.T) {
	t.Parallel()
	fixture := newVideoFixture(t, 500)
	task, err := fixture.service.RequestGeneration(context.Background(), "user-1", SubmitRequest{
		ImageURL: "https://img/1.jpg",
		Mode:     ModeStandard,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	failure := VendorStatus{State: VendorFailed, Reason: "nsfw input"}
	if err := fixture.service.HandleVendorCallback(context.Background(), task.TaskID, failure); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	if err := fixture.service.HandleVendorCallback(context.Background(), task.TaskID, failure); err != nil {
		t.Fatalf("second callback: %v", err)
	}

	if got := fixture.ledger.refundCount(); got != 1 {
		t.Fatalf("expected exactly one refund, got %d", got)
	}
	if got := fixture.ledger.balance("user-1"); got != 500 {
		t.Fatalf("expected balance restored to 500, got %d", got)
	}
	stored := fixture.store.mustTask(t, task.TaskID)
	if stored.Status != StatusFailed || stored.FailureReason != "nsfw input" {
		t.Fatalf("unexpected task state %+v", stored)
	}
}

func TestProcessingCallbackIsNoOp(t *testing.T) {
	t.Parallel()
	fixture := newVideoFixture(t, 500)
	task, err := fixture.service.RequestGeneration(context.Background(), "user-1", SubmitRequest{
		ImageURL: "https://img/1.jpg",
		Mode:     ModeStandard,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := fixture.service.HandleVendorCallback(context.Background(), task.TaskID, VendorStatus{State: VendorProcessing}); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if got := fixture.store.mustTask(t, task.TaskID).Status; got != StatusGenerating {
		t.Fatalf("processing callback changed status to %s", got)
	}
}

func TestGetTaskEnforcesOwnership(t *testing.T) {
	t.Parallel()
	fixture := newVideoFixture(t, 500)
	task, err := fixture.service.RequestGeneration(context.Background(), "user-1", SubmitRequest{
		ImageURL: "https://img/1.jpg",
		Mode:     ModeStandard,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if _, err := fixture.service.GetTask(context.Background(), "user-1", task.TaskID); err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	_, err = fixture.service.GetTask(context.Background(), "intruder", task.TaskID)
	if !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask for foreign account, got %v", err)
	}
}
