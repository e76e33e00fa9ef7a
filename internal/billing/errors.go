package billing

import "errors"

// Domain-level error values returned by the billing pipeline.
var (
	ErrInvalidSignature             = errors.New("invalid webhook signature")
	ErrMalformedPayload             = errors.New("malformed webhook payload")
	ErrMissingAccountReference      = errors.New("missing account reference in metadata")
	ErrUnknownCreditPack            = errors.New("unknown credit pack")
	ErrEventAlreadyProcessed        = errors.New("event already processed")
	ErrSubscriptionExists           = errors.New("subscription already exists")
	ErrUnknownSubscription          = errors.New("unknown subscription")
	ErrSubscriptionAlreadyCancelled = errors.New("subscription already cancelled")
	ErrInvalidBillingPeriod         = errors.New("invalid billing period")
	ErrInvalidDispatcherConfig      = errors.New("invalid dispatcher config")
	ErrNoCreditsConfiguredForPlan   = errors.New("no credits configured for plan")
	ErrMissingSubscriptionReference = errors.New("missing subscription reference")
)
