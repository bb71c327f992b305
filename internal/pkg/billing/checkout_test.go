package billing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/gateway"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/payerr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func proPlan() *models.Plan {
	return &models.Plan{
		ID: 2, Name: "Pro Monthly", Slug: "pro-monthly", BillingPeriod: models.BillingPeriodMonthly,
		Price: decimal.RequireFromString("9.99"), Currency: "USD", IsActive: true,
	}
}

func newCheckout(h *harness, purchases Purchases) *Checkout {
	c := NewCheckout(h.gateways, h.registry, h.ledger, purchases, "https://reelboard.test/")
	n := 0
	c.newTxID = func() string {
		n++
		return "TXN-" + string(rune('A'+n-1))
	}
	return c
}

func TestInitiateCreatesPendingPaymentWithSession(t *testing.T) {
	cfg := fakeGateway(1, "fake")
	cfg.Fees = datatypes.NewJSONType(map[string]models.Fee{"USD": {Percent: decimal.RequireFromString("2.9"), Fixed: decimal.RequireFromString("0.30")}})
	h := newHarness(t, cfg)
	h.fake.create = gateway.PaymentResult{Success: true, SessionID: "sess-1", RedirectURL: "https://pay.test/sess-1", Raw: []byte(`{"ok":true}`)}
	c := newCheckout(h, &stubPurchases{plans: map[uint]*models.Plan{2: proPlan()}})

	res, err := c.Initiate(context.Background(), CheckoutRequest{UserID: 7, PlanID: 2})
	require.NoError(t, err)
	assert.Equal(t, "TXN-A", res.TransactionID)
	assert.Equal(t, "fake", res.Gateway)
	assert.Equal(t, "https://pay.test/sess-1", res.RedirectURL)
	assert.Empty(t, res.ClientSecret)

	p, err := h.ledger.Get(context.Background(), "TXN-A")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, p.Status)
	assert.Equal(t, "sess-1", p.ProviderSessionID)
	assert.Equal(t, "0.59", p.Fee.StringFixed(2))
	assert.Equal(t, "9.99", p.Amount.StringFixed(2))
	assert.Equal(t, res.PaymentID, p.ID)
}

func TestInitiatePrefersDefaultGateway(t *testing.T) {
	first := fakeGateway(1, "first")
	first.Priority = 1
	def := fakeGateway(2, "default")
	def.IsDefault = true
	def.Priority = 50
	other := fakeGateway(3, "bdt-only")
	other.IsDefault = false
	other.SupportedCurrencies = datatypes.JSONSlice[string]{"BDT"}
	h := newHarness(t, first, def, other)
	h.fake.create = gateway.PaymentResult{Success: true, SessionID: "s"}
	c := newCheckout(h, &stubPurchases{plans: map[uint]*models.Plan{2: proPlan()}})

	res, err := c.Initiate(context.Background(), CheckoutRequest{UserID: 7, PlanID: 2})
	require.NoError(t, err)
	assert.Equal(t, "default", res.Gateway)

	// The default cannot charge BDT, so the eligible gateway with the best priority wins.
	bdt := proPlan()
	bdt.Currency = "BDT"
	def.SupportedCurrencies = datatypes.JSONSlice[string]{"USD"}
	c = newCheckout(h, &stubPurchases{plans: map[uint]*models.Plan{2: bdt}})
	c.newTxID = func() string { return "TXN-BDT" }
	res, err = c.Initiate(context.Background(), CheckoutRequest{UserID: 7, PlanID: 2})
	require.NoError(t, err)
	assert.Equal(t, "first", res.Gateway)
}

func TestInitiateWithoutGateway(t *testing.T) {
	cfg := fakeGateway(1, "fake")
	cfg.IsActive = false
	h := newHarness(t, cfg)
	c := newCheckout(h, &stubPurchases{plans: map[uint]*models.Plan{2: proPlan()}})

	_, err := c.Initiate(context.Background(), CheckoutRequest{UserID: 7, PlanID: 2})
	assert.ErrorIs(t, err, payerr.ErrConfiguration)
}

func TestInitiateProviderFailureMarksPaymentFailed(t *testing.T) {
	h := newHarness(t, fakeGateway(1, "fake"))
	h.fake.create = gateway.PaymentResult{Failure: payerr.Gateway(nil, "card processor is unavailable")}
	c := newCheckout(h, &stubPurchases{plans: map[uint]*models.Plan{2: proPlan()}})

	_, err := c.Initiate(context.Background(), CheckoutRequest{UserID: 7, PlanID: 2})
	assert.ErrorIs(t, err, payerr.ErrGateway)

	p, err := h.ledger.Get(context.Background(), "TXN-A")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, p.Status)
	assert.Equal(t, "card processor is unavailable", p.FailureReason)
}

func TestInitiatePropagatesEligibility(t *testing.T) {
	h := newHarness(t, fakeGateway(1, "fake"))
	c := newCheckout(h, &stubPurchases{err: payerr.Ineligible("a lifetime plan is already active")})

	_, err := c.Initiate(context.Background(), CheckoutRequest{UserID: 7, PlanID: 2})
	assert.ErrorIs(t, err, payerr.ErrIneligible)
	_, err = h.ledger.Get(context.Background(), "TXN-A")
	assert.Error(t, err, "no payment row for an ineligible purchase")
}

func TestHandleReturnSuccessVerifiesFirst(t *testing.T) {
	h := newHarness(t, fakeGateway(1, "fake"))
	pending(t, h, "TXN-1", 1, "sess-1")
	c := newCheckout(h, &stubPurchases{})
	ctx := context.Background()

	p, err := c.HandleReturn(ctx, ReturnInput{Result: ReturnSuccess, TransactionID: "TXN-1", Reference: "VAL-1"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, p.Status, "unverified success stays pending")

	h.fake.verified["VAL-1"] = "TXN-1"
	h.hook.On("ApplyPaymentCompleted", "TXN-1").Return(nil).Once()
	p, err = c.HandleReturn(ctx, ReturnInput{Result: ReturnSuccess, TransactionID: "TXN-1", Reference: "VAL-1"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, p.Status)
	assert.Equal(t, models.ActorVerify, p.StatusChangedBy)

	// Cancel after completion is refused by the state machine.
	p, err = c.HandleReturn(ctx, ReturnInput{Result: ReturnCancel, TransactionID: "TXN-1"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, p.Status)
	h.hook.AssertExpectations(t)
}

func TestHandleReturnCardUsesStoredSession(t *testing.T) {
	cfg := fakeGateway(1, "card")
	cfg.Kind = models.GatewayKindCard
	h := newHarness(t, cfg)
	h.fake.kind = models.GatewayKindCard
	h.registry.Register("fakepay", models.GatewayKindCard, func(*models.GatewayConfig, map[string]string, *http.Client) (gateway.Adapter, error) {
		return h.fake, nil
	})
	pending(t, h, "TXN-1", 1, "pi_stored")
	h.fake.verified["pi_stored"] = "TXN-1"
	h.hook.On("ApplyPaymentCompleted", "TXN-1").Return(nil).Once()
	c := newCheckout(h, &stubPurchases{})

	p, err := c.HandleReturn(context.Background(), ReturnInput{Result: ReturnSuccess, TransactionID: "TXN-1", Reference: "pi_attacker"})
	require.NoError(t, err)
	assert.Equal(t, "pi_stored", h.fake.lastAsked())
	assert.Equal(t, models.PaymentStatusCompleted, p.Status)
	assert.Equal(t, "pi_stored", p.GatewayTransactionID)
}

func TestHandleReturnFailAndCancelNeedSignedPost(t *testing.T) {
	h := newHarness(t, fakeGateway(1, "fake"))
	pending(t, h, "TXN-1", 1, "sess-1")
	pending(t, h, "TXN-2", 1, "sess-2")
	c := newCheckout(h, &stubPurchases{})
	ctx := context.Background()

	failed := fakeOutcome(t, gateway.PaymentOutcome{TransactionID: "TXN-1", Status: models.PaymentStatusFailed, FailureReason: "card declined"})
	for _, in := range []ReturnInput{
		{Result: ReturnFail, TransactionID: "TXN-1"},
		{Result: ReturnFail, TransactionID: "TXN-1", Payload: failed, Signature: "forged"},
		{Result: ReturnFail, TransactionID: "TXN-2", Payload: failed, Signature: "ok"},
	} {
		p, err := c.HandleReturn(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusPending, p.Status, "%s %s sig=%q", in.Result, in.TransactionID, in.Signature)
	}

	p, err := c.HandleReturn(ctx, ReturnInput{Result: ReturnFail, TransactionID: "TXN-1", Payload: failed, Signature: "ok"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, p.Status)
	assert.Equal(t, "card declined", p.FailureReason)

	cancelled := fakeOutcome(t, gateway.PaymentOutcome{TransactionID: "TXN-2", Status: models.PaymentStatusCancelled})
	p, err = c.HandleReturn(ctx, ReturnInput{Result: ReturnCancel, Reference: "sess-2", Payload: cancelled, Signature: "ok"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCancelled, p.Status)

	_, err = c.HandleReturn(ctx, ReturnInput{Result: ReturnCancel, TransactionID: "TXN-404"})
	assert.ErrorIs(t, err, payerr.ErrValidation)
	_, err = c.HandleReturn(ctx, ReturnInput{Result: ReturnCancel})
	assert.ErrorIs(t, err, payerr.ErrValidation)
	h.hook.AssertNotCalled(t, "ApplyPaymentCompleted", "TXN-1")
}

// stripeIntents serves GET /v1/payment_intents/{id} from a map of id to status.
func stripeIntents(t *testing.T, statuses map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/payment_intents/")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":%q,"object":"payment_intent","status":%q}`, id, statuses[id])
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCancelReturnLeavesChargeableIntentPending(t *testing.T) {
	h := newHarness(t)
	srv := stripeIntents(t, map[string]string{
		"pi_1": "requires_payment_method",
		"pi_2": "canceled",
		"pi_3": "succeeded",
	})
	cfg := stripeGateway(t, h, 1)
	cfg.CredentialsEnc = h.seal(t, map[string]string{"secret_key": "sk_test_1", "webhook_secret": webhookSecret, "api_base": srv.URL})
	h.gateways = newMemGateways(cfg)
	pending(t, h, "TXN-1", 1, "pi_1")
	pending(t, h, "TXN-2", 1, "pi_2")
	pending(t, h, "TXN-3", 1, "pi_3")
	h.hook.On("ApplyPaymentCompleted", "TXN-1").Return(nil).Once()
	h.hook.On("ApplyPaymentCompleted", "TXN-3").Return(nil).Once()
	c := newCheckout(h, &stubPurchases{})
	ctx := context.Background()

	p, err := c.HandleReturn(ctx, ReturnInput{Result: ReturnCancel, TransactionID: "TXN-1"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, p.Status)

	// The payer completes the intent afterwards; the signed webhook still lands.
	payload := succeededEvent("evt_1", "TXN-1", "pi_1")
	r, err := h.ingestor().Receive(ctx, "stripe", payload, signStripe(payload))
	require.NoError(t, err)
	assert.True(t, r.Applied)
	assert.Equal(t, models.PaymentStatusCompleted, status(t, h, "TXN-1"))

	p, err = c.HandleReturn(ctx, ReturnInput{Result: ReturnCancel, TransactionID: "TXN-2"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCancelled, p.Status)

	p, err = c.HandleReturn(ctx, ReturnInput{Result: ReturnFail, TransactionID: "TXN-3"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, p.Status)
	assert.Equal(t, "pi_3", p.GatewayTransactionID)

	h.hook.AssertExpectations(t)
}

func TestNewTransactionID(t *testing.T) {
	a, b := NewTransactionID(), NewTransactionID()
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^TXN-[0-9A-F]{32}$`, a)
}
