package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"go.uber.org/zap"

	"github.com/framepulse-ai/framepulse/internal/ledger"
)

// Checkout session metadata keys written by the checkout-creation surface.
const (
	metadataKeyUserID        = "user_id"
	metadataKeyPurchaseType  = "purchase_type"
	metadataKeyPackID        = "pack_id"
	metadataKeyPlan          = "plan"
	metadataKeyBillingPeriod = "billing_period"
	metadataKeyTrial         = "trial"

	purchaseTypeCreditPack   = "credit_pack"
	purchaseTypeSubscription = "subscription"
)

// handleCheckoutCompleted credits a pack purchase or activates a
// subscription, then settles any pending referral for the buyer. Replays are
// no-ops: the payment reference is unique and the subscription row creation
// conflicts on the provider subscription id.
func (dispatcher *Dispatcher) handleCheckoutCompleted(ctx context.Context, session stripe.CheckoutSession) error {
	accountID := session.Metadata[metadataKeyUserID]
	if accountID == "" {
		return fmt.Errorf("%w: checkout session %s", ErrMissingAccountReference, session.ID)
	}

	var err error
	switch session.Metadata[metadataKeyPurchaseType] {
	case purchaseTypeCreditPack:
		err = dispatcher.creditPackPurchase(ctx, accountID, session)
	case purchaseTypeSubscription:
		err = dispatcher.subscriptionActivation(ctx, accountID, session)
	default:
		return fmt.Errorf("%w: checkout session %s has purchase type %q", ErrMalformedPayload, session.ID, session.Metadata[metadataKeyPurchaseType])
	}
	if err != nil {
		return err
	}

	if settleErr := dispatcher.referrals.Settle(ctx, accountID); settleErr != nil {
		return fmt.Errorf("referral settlement for %s: %w", accountID, settleErr)
	}
	return nil
}

func (dispatcher *Dispatcher) creditPackPurchase(ctx context.Context, accountID string, session stripe.CheckoutSession) error {
	pack, err := dispatcher.catalog.PackByID(session.Metadata[metadataKeyPackID])
	if err != nil {
		return err
	}
	creditErr := dispatcher.creditLedger.Credit(ctx, accountID, pack.Credits, ledger.TransactionInput{
		Type:             ledger.TransactionPurchase,
		Description:      fmt.Sprintf("%s pack purchase", pack.Name),
		PaymentReference: paymentReference(session),
	})
	if errors.Is(creditErr, ledger.ErrDuplicatePaymentReference) {
		dispatcher.logger.Info("pack purchase already credited",
			zap.String("account_id", accountID),
			zap.String("payment_reference", paymentReference(session)))
		return nil
	}
	return creditErr
}

func (dispatcher *Dispatcher) subscriptionActivation(ctx context.Context, accountID string, session stripe.CheckoutSession) error {
	if session.Subscription == nil || session.Subscription.ID == "" {
		return fmt.Errorf("%w: checkout session %s", ErrMissingSubscriptionReference, session.ID)
	}
	providerSubscriptionID := session.Subscription.ID

	plan, err := ledger.ParsePlan(session.Metadata[metadataKeyPlan])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	period, err := ParseBillingPeriod(session.Metadata[metadataKeyBillingPeriod])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	trial := session.Metadata[metadataKeyTrial] == "true"

	periodCredits, err := dispatcher.catalog.PeriodCredits(plan, period)
	if err != nil {
		return err
	}
	activationCredits, err := dispatcher.catalog.ActivationCredits(plan, period, trial)
	if err != nil {
		return err
	}

	now := dispatcher.nowFn()
	createErr := dispatcher.store.CreateSubscription(ctx, Subscription{
		AccountID:                 accountID,
		ProviderSubscriptionID:    providerSubscriptionID,
		Plan:                      plan,
		BillingPeriod:             period,
		Status:                    SubscriptionActive,
		CreditsPerPeriod:          periodCredits,
		CurrentPeriodStartUnixUTC: now,
		CreatedUnixUTC:            now,
	})
	if createErr != nil && !errors.Is(createErr, ErrSubscriptionExists) {
		return createErr
	}
	if errors.Is(createErr, ErrSubscriptionExists) {
		dispatcher.logger.Info("subscription row already present",
			zap.String("provider_subscription_id", providerSubscriptionID))
	}

	if err := dispatcher.store.UpdateAccountPlan(ctx, accountID, plan, SubscriptionActive.String()); err != nil {
		return err
	}

	creditErr := dispatcher.creditLedger.Credit(ctx, accountID, activationCredits, ledger.TransactionInput{
		Type:             ledger.TransactionSubscription,
		Description:      fmt.Sprintf("%s subscription activated", plan),
		PaymentReference: fmt.Sprintf("sub_activated_%s", providerSubscriptionID),
	})
	if errors.Is(creditErr, ledger.ErrDuplicatePaymentReference) {
		dispatcher.logger.Info("activation already credited",
			zap.String("provider_subscription_id", providerSubscriptionID))
		return nil
	}
	return creditErr
}

// handleInvoicePaid credits one renewal period. The initial invoice is
// skipped: checkout already granted the first period, and the invoice id
// reference makes any replay a no-op.
func (dispatcher *Dispatcher) handleInvoicePaid(ctx context.Context, invoice stripe.Invoice) error {
	if invoice.Subscription == nil || invoice.Subscription.ID == "" {
		dispatcher.logger.Debug("invoice without subscription ignored", zap.String("invoice_id", invoice.ID))
		return nil
	}
	providerSubscriptionID := invoice.Subscription.ID

	subscription, err := dispatcher.store.GetSubscriptionByProviderID(ctx, providerSubscriptionID)
	if errors.Is(err, ErrUnknownSubscription) {
		// Checkout handler has not run yet; the initial invoice will be
		// covered by checkout, later renewals arrive on their own schedule.
		dispatcher.logger.Info("invoice for unknown subscription skipped",
			zap.String("invoice_id", invoice.ID),
			zap.String("provider_subscription_id", providerSubscriptionID))
		return nil
	}
	if err != nil {
		return err
	}

	invoiceCreated := invoice.Created
	if invoiceCreated == 0 {
		invoiceCreated = dispatcher.nowFn()
	}
	if invoiceCreated-subscription.CreatedUnixUTC < dispatcher.graceWindow {
		dispatcher.logger.Info("initial invoice inside grace window skipped",
			zap.String("invoice_id", invoice.ID),
			zap.String("provider_subscription_id", providerSubscriptionID))
		return nil
	}

	creditErr := dispatcher.creditLedger.Credit(ctx, subscription.AccountID, subscription.CreditsPerPeriod, ledger.TransactionInput{
		Type:             ledger.TransactionSubscription,
		Description:      fmt.Sprintf("%s subscription renewal", subscription.Plan),
		PaymentReference: fmt.Sprintf("invoice_%s", invoice.ID),
	})
	if errors.Is(creditErr, ledger.ErrDuplicatePaymentReference) {
		dispatcher.logger.Info("renewal already credited", zap.String("invoice_id", invoice.ID))
		return nil
	}
	if creditErr != nil {
		return creditErr
	}

	if err := dispatcher.store.AdvanceSubscriptionPeriod(ctx, providerSubscriptionID, invoiceCreated); err != nil {
		return err
	}
	return nil
}

// handleSubscriptionDeleted flips the stored subscription to cancelled at
// most once and drops the account back to the free plan.
func (dispatcher *Dispatcher) handleSubscriptionDeleted(ctx context.Context, providerSubscription stripe.Subscription) error {
	subscription, err := dispatcher.store.GetSubscriptionByProviderID(ctx, providerSubscription.ID)
	if errors.Is(err, ErrUnknownSubscription) {
		dispatcher.logger.Info("deletion for unknown subscription ignored",
			zap.String("provider_subscription_id", providerSubscription.ID))
		return nil
	}
	if err != nil {
		return err
	}

	cancelErr := dispatcher.store.CancelSubscription(ctx, providerSubscription.ID)
	if errors.Is(cancelErr, ErrSubscriptionAlreadyCancelled) {
		return nil
	}
	if cancelErr != nil {
		return cancelErr
	}

	return dispatcher.store.UpdateAccountPlan(ctx, subscription.AccountID, ledger.PlanFree, SubscriptionCancelled.String())
}

func paymentReference(session stripe.CheckoutSession) string {
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		return session.PaymentIntent.ID
	}
	return fmt.Sprintf("checkout_%s", session.ID)
}
