package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/zap"
)

// Dispatcher verifies payment-provider webhooks and routes each verified
// event to exactly one business handler.
//
// Idempotency is layered twice. Layer 1 records the provider event id before
// any business logic runs: a conflict means this exact delivery was already
// handled and short-circuits to success. Layer 2 lives inside each handler as
// a unique payment reference on the ledger line, protecting against distinct
// event deliveries for the same underlying charge. When a handler fails
// after Layer 1 succeeded, the Layer 1 row is removed again so the provider's
// automatic retry is not swallowed on its next attempt.
type Dispatcher struct {
	store         Store
	creditLedger  CreditLedger
	referrals     ReferralSettler
	catalog       Catalog
	webhookSecret string
	graceWindow   int64
	nowFn         func() int64
	logger        *zap.Logger
}

// DispatcherConfig carries the dispatcher's wiring.
type DispatcherConfig struct {
	Store              Store
	CreditLedger       CreditLedger
	Referrals          ReferralSettler
	Catalog            Catalog
	WebhookSecret      string
	GraceWindowSeconds int64
	Now                func() int64
	Logger             *zap.Logger
}

// Renewal invoices arriving this close to subscription creation are the
// initial invoice, already credited by the checkout handler.
const defaultGraceWindowSeconds int64 = 600

// NewDispatcher wires a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidDispatcherConfig)
	}
	if cfg.CreditLedger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidDispatcherConfig)
	}
	if cfg.Referrals == nil {
		return nil, fmt.Errorf("%w: referral dependency is nil", ErrInvalidDispatcherConfig)
	}
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret is empty", ErrInvalidDispatcherConfig)
	}
	if cfg.Now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidDispatcherConfig)
	}
	if cfg.GraceWindowSeconds <= 0 {
		cfg.GraceWindowSeconds = defaultGraceWindowSeconds
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Dispatcher{
		store:         cfg.Store,
		creditLedger:  cfg.CreditLedger,
		referrals:     cfg.Referrals,
		catalog:       cfg.Catalog,
		webhookSecret: cfg.WebhookSecret,
		graceWindow:   cfg.GraceWindowSeconds,
		nowFn:         cfg.Now,
		logger:        cfg.Logger,
	}, nil
}

// HandleWebhook verifies the signature, applies event-level dedup, and
// dispatches the event. Returns ErrInvalidSignature or ErrMalformedPayload
// for rejections the provider should not retry; any other error signals the
// provider to redeliver.
func (dispatcher *Dispatcher) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, dispatcher.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	dedupErr := dispatcher.store.MarkEventProcessed(ctx, event.ID, string(event.Type))
	if errors.Is(dedupErr, ErrEventAlreadyProcessed) {
		dispatcher.logger.Info("duplicate webhook delivery skipped",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)))
		return nil
	}
	if dedupErr != nil {
		// Fail open: an unexpected dedup failure must not block payment
		// processing. Layer 2 still prevents double-crediting.
		dispatcher.logger.Error("event dedup insert failed, continuing",
			zap.String("event_id", event.ID),
			zap.Error(dedupErr))
	}

	handlerErr := dispatcher.dispatch(ctx, event)
	if handlerErr != nil && dedupErr == nil {
		if forgetErr := dispatcher.store.ForgetEvent(ctx, event.ID); forgetErr != nil {
			dispatcher.logger.Error("event dedup rollback failed",
				zap.String("event_id", event.ID),
				zap.Error(forgetErr))
		}
	}
	return handlerErr
}

func (dispatcher *Dispatcher) dispatch(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("%w: checkout session: %v", ErrMalformedPayload, err)
		}
		return dispatcher.handleCheckoutCompleted(ctx, session)
	case stripe.EventTypeInvoicePaid:
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return fmt.Errorf("%w: invoice: %v", ErrMalformedPayload, err)
		}
		return dispatcher.handleInvoicePaid(ctx, invoice)
	case stripe.EventTypeCustomerSubscriptionDeleted:
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			return fmt.Errorf("%w: subscription: %v", ErrMalformedPayload, err)
		}
		return dispatcher.handleSubscriptionDeleted(ctx, subscription)
	default:
		dispatcher.logger.Debug("unhandled webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)))
		return nil
	}
}
