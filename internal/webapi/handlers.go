package webapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/framepulse-ai/framepulse/internal/billing"
	"github.com/framepulse-ai/framepulse/internal/ledger"
	"github.com/framepulse-ai/framepulse/internal/video"
)

const maxWebhookBodyBytes = 1 << 20

// handleStripeWebhook feeds the raw body and signature header to the
// dispatcher. 200 covers accepted and duplicate deliveries, 400 rejects
// deliveries a retry cannot fix, 500 asks the provider to redeliver.
func (server *Server) handleStripeWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}

	handleErr := server.dispatcher.HandleWebhook(ctx.Request.Context(), body, ctx.GetHeader("Stripe-Signature"))
	switch {
	case handleErr == nil:
		ctx.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(handleErr, billing.ErrInvalidSignature),
		errors.Is(handleErr, billing.ErrMalformedPayload),
		errors.Is(handleErr, billing.ErrMissingAccountReference),
		errors.Is(handleErr, billing.ErrUnknownCreditPack):
		server.logger.Warn("webhook rejected", zap.Error(handleErr))
		ctx.JSON(http.StatusBadRequest, errorResponse("rejected", handleErr.Error()))
	default:
		server.logger.Error("webhook handler failed", zap.Error(handleErr))
		ctx.JSON(http.StatusInternalServerError, errorResponse("handler_error", "processing failed, retry"))
	}
}

// handleReconcile runs one reconciliation sweep on behalf of the scheduler.
func (server *Server) handleReconcile(ctx *gin.Context) {
	report, err := server.videoSvc.Sweep(ctx.Request.Context())
	if err != nil {
		server.logger.Error("reconciliation sweep failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("sweep_error", "sweep failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"inspected":       report.Inspected,
		"timed_out":       report.TimedOut,
		"never_submitted": report.NeverSubmitted,
		"completed":       report.Completed,
		"failed":          report.Failed,
		"still_running":   report.StillRunning,
		"storage_retried": report.StorageRetried,
		"storage_stored":  report.StorageStored,
	})
}

type vendorCallbackRequest struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	VideoURL string `json:"video_url"`
	Error    string `json:"error"`
}

// handleVendorCallback applies an async vendor notification; late or
// duplicate callbacks are no-ops by the conditional-transition contract.
func (server *Server) handleVendorCallback(ctx *gin.Context) {
	var request vendorCallbackRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.TaskID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with task_id"))
		return
	}

	var state video.VendorState
	switch request.Status {
	case "succeeded":
		state = video.VendorSucceeded
	case "failed":
		state = video.VendorFailed
	default:
		state = video.VendorProcessing
	}

	err := server.videoSvc.HandleVendorCallback(ctx.Request.Context(), request.TaskID, video.VendorStatus{
		State:    state,
		AssetURL: request.VideoURL,
		Reason:   request.Error,
	})
	if errors.Is(err, video.ErrUnknownTask) {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_task", "no such task"))
		return
	}
	if err != nil {
		server.logger.Error("vendor callback failed", zap.String("task_id", request.TaskID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("callback_error", "processing failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"received": true})
}

// handleWallet returns the balance and recent ledger lines.
func (server *Server) handleWallet(ctx *gin.Context) {
	userID := sessionUserID(ctx)
	balance, err := server.ledgerSvc.Balance(ctx.Request.Context(), userID)
	if err != nil {
		server.logger.Error("balance fetch failed", zap.String("account_id", userID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	history, err := server.ledgerSvc.History(ctx.Request.Context(), userID, time.Now().UTC().Add(time.Second).Unix(), walletHistoryLimit)
	if err != nil {
		server.logger.Error("history fetch failed", zap.String("account_id", userID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "wallet unavailable"))
		return
	}

	lines := make([]transactionPayload, 0, len(history))
	for _, transaction := range history {
		lines = append(lines, transactionPayload{
			TransactionID:  transaction.TransactionID,
			Amount:         transaction.Amount.Int64(),
			Type:           transaction.Type.String(),
			Description:    transaction.Description,
			VideoID:        transaction.VideoID,
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":      balance.Int64(),
		"transactions": lines,
	})
}

type createVideoRequest struct {
	ImageURL        string `json:"image_url"`
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds"`
	Mode            string `json:"mode"`
}

// handleCreateVideo deducts credits and submits a generation task.
func (server *Server) handleCreateVideo(ctx *gin.Context) {
	userID := sessionUserID(ctx)
	var request createVideoRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.ImageURL == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "image_url is required"))
		return
	}
	mode := video.GenerationMode(request.Mode)
	if request.Mode == "" {
		mode = video.ModeStandard
	}

	task, err := server.videoSvc.RequestGeneration(ctx.Request.Context(), userID, video.SubmitRequest{
		ImageURL:        request.ImageURL,
		Prompt:          request.Prompt,
		DurationSeconds: request.DurationSeconds,
		Mode:            mode,
	})
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "not enough credits"))
	case errors.Is(err, video.ErrInvalidGenerationMode):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_mode", "unknown generation mode"))
	case errors.Is(err, video.ErrSubmissionFailed):
		server.logger.Error("generation submission failed", zap.String("account_id", userID), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("vendor_error", "generation could not be started, credits refunded"))
	case err != nil:
		server.logger.Error("generation request failed", zap.String("account_id", userID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("video_error", "generation request failed"))
	default:
		ctx.JSON(http.StatusAccepted, taskPayloadFrom(task))
	}
}

// handleGetVideo returns one task owned by the session user.
func (server *Server) handleGetVideo(ctx *gin.Context) {
	userID := sessionUserID(ctx)
	task, err := server.videoSvc.GetTask(ctx.Request.Context(), userID, ctx.Param("id"))
	if errors.Is(err, video.ErrUnknownTask) {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_task", "no such task"))
		return
	}
	if err != nil {
		server.logger.Error("task fetch failed", zap.String("task_id", ctx.Param("id")), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("video_error", "task unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, taskPayloadFrom(task))
}

type transactionPayload struct {
	TransactionID  string `json:"transaction_id"`
	Amount         int64  `json:"amount"`
	Type           string `json:"type"`
	Description    string `json:"description"`
	VideoID        string `json:"video_id,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type taskPayload struct {
	TaskID           string `json:"task_id"`
	Status           string `json:"status"`
	CreditsConsumed  int64  `json:"credits_consumed"`
	OutputURL        string `json:"output_url,omitempty"`
	FailureReason    string `json:"failure_reason,omitempty"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
	CompletedUnixUTC int64  `json:"completed_unix_utc,omitempty"`
}

func taskPayloadFrom(task video.Task) taskPayload {
	return taskPayload{
		TaskID:           task.TaskID,
		Status:           task.Status.String(),
		CreditsConsumed:  task.CreditsConsumed.Int64(),
		OutputURL:        task.OutputURL,
		FailureReason:    task.FailureReason,
		CreatedUnixUTC:   task.CreatedUnixUTC,
		CompletedUnixUTC: task.CompletedUnixUTC,
	}
}
