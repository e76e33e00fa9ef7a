package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/framepulse-ai/framepulse/internal/ledger"
)

const testWebhookSecret = "whsec_test_secret"

type stubBillingStore struct {
	mu            sync.Mutex
	processed     map[string]bool
	forgotten     []string
	subscriptions map[string]Subscription
	planUpdates   []string
	dedupFailure  error
}

func newStubBillingStore() *stubBillingStore {
	return &stubBillingStore{
		processed:     map[string]bool{},
		subscriptions: map[string]Subscription{},
	}
}

func (store *stubBillingStore) MarkEventProcessed(ctx context.Context, eventID string, eventType string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.dedupFailure != nil {
		return store.dedupFailure
	}
	if store.processed[eventID] {
		return ErrEventAlreadyProcessed
	}
	store.processed[eventID] = true
	return nil
}

func (store *stubBillingStore) ForgetEvent(ctx context.Context, eventID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.processed, eventID)
	store.forgotten = append(store.forgotten, eventID)
	return nil
}

func (store *stubBillingStore) CreateSubscription(ctx context.Context, subscription Subscription) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.subscriptions[subscription.ProviderSubscriptionID]; ok {
		return ErrSubscriptionExists
	}
	store.subscriptions[subscription.ProviderSubscriptionID] = subscription
	return nil
}

func (store *stubBillingStore) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (Subscription, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	subscription, ok := store.subscriptions[providerSubscriptionID]
	if !ok {
		return Subscription{}, ErrUnknownSubscription
	}
	return subscription, nil
}

func (store *stubBillingStore) CancelSubscription(ctx context.Context, providerSubscriptionID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	subscription, ok := store.subscriptions[providerSubscriptionID]
	if !ok {
		return ErrUnknownSubscription
	}
	if subscription.Status == SubscriptionCancelled {
		return ErrSubscriptionAlreadyCancelled
	}
	subscription.Status = SubscriptionCancelled
	store.subscriptions[providerSubscriptionID] = subscription
	return nil
}

func (store *stubBillingStore) AdvanceSubscriptionPeriod(ctx context.Context, providerSubscriptionID string, periodStartUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	subscription, ok := store.subscriptions[providerSubscriptionID]
	if !ok {
		return ErrUnknownSubscription
	}
	subscription.CurrentPeriodStartUnixUTC = periodStartUnixUTC
	store.subscriptions[providerSubscriptionID] = subscription
	return nil
}

func (store *stubBillingStore) UpdateAccountPlan(ctx context.Context, accountID string, plan ledger.Plan, status string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.planUpdates = append(store.planUpdates, fmt.Sprintf("%s:%s:%s", accountID, plan, status))
	return nil
}

type recordingCreditLedger struct {
	mu      sync.Mutex
	credits []recordedCredit
	byRef   map[string]bool
}

type recordedCredit struct {
	accountID string
	amount    ledger.Credits
	input     ledger.TransactionInput
}

func newRecordingCreditLedger() *recordingCreditLedger {
	return &recordingCreditLedger{byRef: map[string]bool{}}
}

func (recorder *recordingCreditLedger) Credit(ctx context.Context, accountID string, amount ledger.Credits, input ledger.TransactionInput) error {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if input.PaymentReference != "" && recorder.byRef[input.PaymentReference] {
		return ledger.ErrDuplicatePaymentReference
	}
	recorder.byRef[input.PaymentReference] = true
	recorder.credits = append(recorder.credits, recordedCredit{accountID: accountID, amount: amount, input: input})
	return nil
}

type stubSettler struct {
	mu      sync.Mutex
	settled []string
}

func (settler *stubSettler) Settle(ctx context.Context, refereeAccountID string) error {
	settler.mu.Lock()
	defer settler.mu.Unlock()
	settler.settled = append(settler.settled, refereeAccountID)
	return nil
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	store      *stubBillingStore
	ledger     *recordingCreditLedger
	settler    *stubSettler
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	store := newStubBillingStore()
	creditLedger := newRecordingCreditLedger()
	settler := &stubSettler{}
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Store:         store,
		CreditLedger:  creditLedger,
		Referrals:     settler,
		Catalog:       DefaultCatalog(),
		WebhookSecret: testWebhookSecret,
		Now:           func() int64 { return time.Now().UTC().Unix() },
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return &dispatcherFixture{dispatcher: dispatcher, store: store, ledger: creditLedger, settler: settler}
}

func signedHeader(payload []byte, secret string) string {
	timestamp := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", timestamp, payload)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(eventID string, eventType string, objectJSON string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q,"data":{"object":%s}}`, eventID, eventType, objectJSON))
}

func deliver(t *testing.T, fixture *dispatcherFixture, payload []byte) error {
	t.Helper()
	return fixture.dispatcher.HandleWebhook(context.Background(), payload, signedHeader(payload, testWebhookSecret))
}

func checkoutPackJSON(sessionID string, userID string, packID string, paymentIntentID string) string {
	return fmt.Sprintf(`{"id":%q,"payment_intent":%q,"metadata":{"user_id":%q,"purchase_type":"credit_pack","pack_id":%q}}`,
		sessionID, paymentIntentID, userID, packID)
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t)
	payload := eventPayload("evt_1", "checkout.session.completed", checkoutPackJSON("cs_1", "user-1", "starter", "pi_1"))

	err := fixture.dispatcher.HandleWebhook(context.Background(), payload, "t=1,v1=deadbeef")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if len(fixture.ledger.credits) != 0 {
		t.Fatal("unverified payload reached a handler")
	}
}

func TestCheckoutPackPurchaseCreditsBuyer(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t)
	payload := eventPayload("evt_pack", "checkout.session.completed", checkoutPackJSON("cs_1", "user-1", "standard", "pi_1"))

	if err := deliver(t, fixture, payload); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if len(fixture.ledger.credits) != 1 {
		t.Fatalf("expected one credit, got %d", len(fixture.ledger.credits))
	}
	credit := fixture.ledger.credits[0]
	if credit.accountID != "user-1" || credit.amount != 12000 {
		t.Fatalf("unexpected credit %+v", credit)
	}
	if credit.input.PaymentReference != "pi_1" {
		t.Fatalf("expected payment intent reference, got %q", credit.input.PaymentReference)
	}
	if len(fixture.settler.settled) != 1 || fixture.settler.settled[0] != "user-1" {
		t.Fatalf("referral settlement not attempted: %v", fixture.settler.settled)
	}
}

func TestDuplicateDeliverySkippedByEventID(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t)
	payload := eventPayload("evt_dup", "checkout.session.completed", checkoutPackJSON("cs_1", "user-1", "starter", "pi_1"))

	if err := deliver(t, fixture, payload); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := deliver(t, fixture, payload); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if len(fixture.ledger.credits) != 1 {
		t.Fatalf("duplicate delivery credited again: %d credits", len(fixture.ledger.credits))
	}
}

func TestDistinctEventsSameChargeCreditOnce(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t)
	object := checkoutPackJSON("cs_1", "user-1", "starter", "pi_same")

	if err := deliver(t, fixture, eventPayload("evt_a", "checkout.session.completed", object)); err != nil {
		t.Fatalf("first event: %v", err)
	}
	if err := deliver(t, fixture, eventPayload("evt_b", "checkout.session.completed", object)); err != nil {
		t.Fatalf("second event: %v", err)
	}
	if len(fixture.ledger.credits) != 1 {
		t.Fatalf("same charge credited twice: %d credits", len(fixture.ledger.credits))
	}
}

func TestCheckoutWithoutUserIDRollsBackDedup(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t)
	object := `{"id":"cs_broken","metadata":{"purchase_type":"credit_pack","pack_id":"starter"}}`
	payload := eventPayload("evt_broken", "checkout.session.completed", object)

	err := deliver(t, fixture, payload)
	if !errors.Is(err, ErrMissingAccountReference) {
		t.Fatalf("expected ErrMissingAccountReference, got %v", err)
	}
	if len(fixture.store.forgotten) != 1 || fixture.store.forgotten[0] != "evt_broken" {
		t.Fatalf("failed event not forgotten: %v", fixture.store.forgotten)
	}
}

func TestDedupFailureDoesNotBlockProcessing(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t)
	fixture.store.dedupFailure = errors.New("dedup table unavailable")
	payload := eventPayload("evt_open", "checkout.session.completed", checkoutPackJSON("cs_1", "user-1", "starter", "pi_open"))

	if err := deliver(t, fixture, payload); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if len(fixture.ledger.credits) != 1 {
		t.Fatalf("dedup failure blocked the handler: %d credits", len(fixture.ledger.credits))
	}
}

func subscriptionCheckoutJSON(sessionID string, userID string, subID string, plan string, period string, trial bool) string {
	return fmt.Sprintf(`{"id":%q,"subscription":%q,"metadata":{"user_id":%q,"purchase_type":"subscription","plan":%q,"billing_period":%q,"trial":%q}}`,
		sessionID, subID, userID, plan, period, fmt.Sprintf("%t", trial))
}

func TestSubscriptionActivationGrantsFirstPeriod(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t)
	payload := eventPayload("evt_sub", "checkout.session.completed", subscriptionCheckoutJSON("cs_s", "user-2", "sub_1", "pro", "monthly", false))

	if err := deliver(t, fixture, payload); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	subscription, err := fixture.store.GetSubscriptionByProviderID(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("subscription row missing: %v", err)
	}
	if subscription.Plan != ledger.PlanPro || subscription.CreditsPerPeriod != 10000 {
		t.Fatalf("unexpected subscription %+v", subscription)
	}
	if len(fixture.ledger.credits) != 1 {
		t.Fatalf("expected one activation credit, got %d", len(fixture.ledger.credits))
	}
	credit := fixture.ledger.credits[0]
	if credit.amount != 10000 || credit.input.PaymentReference != "sub_activated_sub_1" {
		t.Fatalf("unexpected activation credit %+v", credit)
	}
	if len(fixture.store.planUpdates) != 1 || fixture.store.planUpdates[0] != "user-2:pro:active" {
		t.Fatalf("account plan not updated: %v", fixture.store.planUpdates)
	}
}

func TestTrialActivationGrantsReducedCredits(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t)
	payload := eventPayload("evt_trial", "checkout.session.completed", subscriptionCheckoutJSON("cs_t", "user-3", "sub_t", "premium", "monthly", true))

	if err := deliver(t, fixture, payload); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if len(fixture.ledger.credits) != 1 || fixture.ledger.credits[0].amount != 1500 {
		t.Fatalf("expected trial grant of 1500, got %+v", fixture.ledger.credits)
	}
}

func invoiceJSON(invoiceID string, subID string, createdUnixUTC int64) string {
	return fmt.Sprintf(`{"id":%q,"subscription":%q,"created":%d}`, invoiceID, subID, createdUnixUTC)
}

func TestInvoiceInsideGraceWindowSkipped(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t)
	now := time.Now().UTC().Unix()
	fixture.store.subscriptions["sub_g"] = Subscription{
		AccountID:              "user-4",
		ProviderSubscriptionID: "sub_g",
		Plan:                   ledger.PlanPro,
		Status:                 SubscriptionActive,
		CreditsPerPeriod:       10000,
		CreatedUnixUTC:         now - 30,
	}
	payload := eventPayload("evt_inv_initial", "invoice.paid", invoiceJSON("in_initial", "sub_g", now))

	if err := deliver(t, fixture, payload); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if len(fixture.ledger.credits) != 0 {
		t.Fatalf("initial invoice was credited: %+v", fixture.ledger.credits)
	}
}

func TestInvoiceRenewalCreditsAndAdvancesPeriod(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t)
	now := time.Now().UTC().Unix()
	fixture.store.subscriptions["sub_r"] = Subscription{
		AccountID:              "user-5",
		ProviderSubscriptionID: "sub_r",
		Plan:                   ledger.PlanPro,
		Status:                 SubscriptionActive,
		CreditsPerPeriod:       10000,
		CreatedUnixUTC:         now - 40*24*3600,
	}
	payload := eventPayload("evt_inv_renewal", "invoice.paid", invoiceJSON("in_renewal", "sub_r", now))

	if err := deliver(t, fixture, payload); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if len(fixture.ledger.credits) != 1 {
		t.Fatalf("expected one renewal credit, got %d", len(fixture.ledger.credits))
	}
	credit := fixture.ledger.credits[0]
	if credit.amount != 10000 || credit.input.PaymentReference != "invoice_in_renewal" {
		t.Fatalf("unexpected renewal credit %+v", credit)
	}
	subscription, _ := fixture.store.GetSubscriptionByProviderID(context.Background(), "sub_r")
	if subscription.CurrentPeriodStartUnixUTC != now {
		t.Fatalf("period start not advanced: %d", subscription.CurrentPeriodStartUnixUTC)
	}
}

func TestInvoiceForUnknownSubscriptionSkipped(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t)
	payload := eventPayload("evt_inv_unknown", "invoice.paid", invoiceJSON("in_x", "sub_missing", time.Now().Unix()))

	if err := deliver(t, fixture, payload); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if len(fixture.ledger.credits) != 0 {
		t.Fatal("unknown subscription invoice was credited")
	}
}

func TestSubscriptionDeletionCancelsOnce(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t)
	fixture.store.subscriptions["sub_d"] = Subscription{
		AccountID:              "user-6",
		ProviderSubscriptionID: "sub_d",
		Plan:                   ledger.PlanPro,
		Status:                 SubscriptionActive,
	}
	object := `{"id":"sub_d"}`

	if err := deliver(t, fixture, eventPayload("evt_del_1", "customer.subscription.deleted", object)); err != nil {
		t.Fatalf("first deletion: %v", err)
	}
	if err := deliver(t, fixture, eventPayload("evt_del_2", "customer.subscription.deleted", object)); err != nil {
		t.Fatalf("second deletion: %v", err)
	}

	subscription, _ := fixture.store.GetSubscriptionByProviderID(context.Background(), "sub_d")
	if subscription.Status != SubscriptionCancelled {
		t.Fatalf("subscription not cancelled: %s", subscription.Status)
	}
	if len(fixture.store.planUpdates) != 1 || fixture.store.planUpdates[0] != "user-6:free:cancelled" {
		t.Fatalf("expected one downgrade to free, got %v", fixture.store.planUpdates)
	}
}

func TestUnhandledEventTypeAccepted(t *testing.T) {
	t.Parallel()
	fixture := newDispatcherFixture(t)
	payload := eventPayload("evt_misc", "charge.refunded", `{"id":"ch_1"}`)

	if err := deliver(t, fixture, payload); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if len(fixture.ledger.credits) != 0 {
		t.Fatal("unhandled event type produced a credit")
	}
}
