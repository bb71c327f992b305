package billing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/gateway"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/ledger"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/payerr"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

// Checkout orchestrates a purchase from plan validation to the provider session.
type Checkout struct {
	gateways  Gateways
	adapters  Adapters
	ledger    Ledger
	purchases Purchases
	baseURL   string
	newTxID   func() string
}

// NewCheckout wires the collaborators. publicDomain is the externally
// reachable base URL used for provider return and webhook URLs.
func NewCheckout(gateways Gateways, adapters Adapters, l Ledger, purchases Purchases, publicDomain string) *Checkout {
	return &Checkout{
		gateways:  gateways,
		adapters:  adapters,
		ledger:    l,
		purchases: purchases,
		baseURL:   strings.TrimRight(publicDomain, "/"),
		newTxID:   NewTransactionID,
	}
}

// NewTransactionID returns a fresh local transaction id.
func NewTransactionID() string {
	return "TXN-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Initiate validates the purchase, picks a gateway, records a pending
// payment and opens the provider session. A provider failure marks the
// payment failed and is returned as a gateway error.
func (c *Checkout) Initiate(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	plan, err := c.purchases.ValidatePurchase(ctx, req.UserID, req.PlanID)
	if err != nil {
		return nil, err
	}

	cfg, err := c.selectGateway(ctx, plan.Currency, req.Country)
	if err != nil {
		return nil, err
	}
	adapter, err := c.adapters.Adapter(cfg)
	if err != nil {
		return nil, err
	}

	txID := c.newTxID()
	payment, err := c.ledger.Create(ctx, ledger.CreateInput{
		TransactionID:   txID,
		UserID:          req.UserID,
		PlanID:          plan.ID,
		GatewayConfigID: cfg.ID,
		Amount:          plan.Price,
		Fee:             cfg.FeeFor(plan.Currency, plan.Price),
		Currency:        plan.Currency,
	})
	if err != nil {
		return nil, err
	}

	res := adapter.CreatePayment(ctx, gateway.PaymentRequest{
		TransactionID: txID,
		Amount:        plan.Price,
		Currency:      plan.Currency,
		Description:   plan.Name,
		Customer:      req.Customer,
		SuccessURL:    c.returnURL(ReturnSuccess, txID),
		FailURL:       c.returnURL(ReturnFail, txID),
		CancelURL:     c.returnURL(ReturnCancel, txID),
		WebhookURL:    c.baseURL + "/payment/webhook/" + url.PathEscape(cfg.Slug),
		Metadata: map[string]string{
			"transaction_id": txID,
			"plan":           plan.Slug,
			"user_id":        fmt.Sprint(req.UserID),
		},
	})
	if !res.Success {
		failure := res.Failure
		if failure == nil {
			failure = payerr.Gateway(nil, "payment could not be started")
		}
		if _, _, err := c.ledger.ApplyOutcome(ctx, ledger.Outcome{
			TransactionID: txID,
			Status:        models.PaymentStatusFailed,
			FailureReason: failure.Message,
			Actor:         models.ActorSystem,
			Raw:           res.Raw,
		}); err != nil {
			log.Errorf("[Checkout] Could not mark %s failed: %v", txID, err)
		}
		log.Warnf("[Checkout] %s session for %s failed: %v", cfg.Slug, txID, failure)
		return nil, failure
	}

	if err := c.ledger.AttachSession(ctx, txID, res.SessionID, res.Raw); err != nil {
		return nil, fmt.Errorf("attach session to %s: %w", txID, err)
	}

	return &CheckoutResult{
		PaymentID:     payment.ID,
		TransactionID: txID,
		Gateway:       cfg.Slug,
		Kind:          cfg.Kind,
		ClientSecret:  res.ClientSecret,
		RedirectURL:   res.RedirectURL,
	}, nil
}

// HandleReturn applies the result of a provider redirect. Neither a success
// nor a failure is taken from the browser: each is confirmed with the
// provider first, and anything unconfirmed stays pending for the webhook.
func (c *Checkout) HandleReturn(ctx context.Context, in ReturnInput) (*models.Payment, error) {
	payment, err := c.resolve(ctx, in)
	if err != nil {
		return nil, err
	}

	switch in.Result {
	case ReturnSuccess:
		return c.verifyAndComplete(ctx, payment, in.Reference)
	case ReturnFail, ReturnCancel:
		return c.confirmFailure(ctx, payment, in)
	default:
		return nil, payerr.Validation("unknown payment result %q", in.Result)
	}
}

func (c *Checkout) verifyAndComplete(ctx context.Context, payment *models.Payment, reference string) (*models.Payment, error) {
	if payment.Status != models.PaymentStatusPending {
		return payment, nil
	}

	cfg, err := c.gateways.GetByID(ctx, payment.GatewayConfigID)
	if err != nil {
		return nil, fmt.Errorf("gateway for %s: %w", payment.TransactionID, err)
	}
	adapter, err := c.adapters.Adapter(cfg)
	if err != nil {
		return nil, err
	}
	// Card sessions are verified by the handle we stored, never by one the browser sends.
	if cfg.Kind == models.GatewayKindCard || reference == "" {
		reference = payment.ProviderSessionID
	}

	ok, err := verify(ctx, adapter, reference, payment.TransactionID)
	if err != nil {
		log.Warnf("[Checkout] Verification of %s via %s failed, leaving pending: %v", payment.TransactionID, cfg.Slug, err)
		return payment, nil
	}
	if !ok {
		log.Infof("[Checkout] %s not confirmed by %s yet, leaving pending", payment.TransactionID, cfg.Slug)
		return payment, nil
	}

	providerRef := ""
	if cfg.Kind == models.GatewayKindCard {
		providerRef = reference
	}
	updated, _, err := c.ledger.ApplyOutcome(ctx, ledger.Outcome{
		TransactionID:     payment.TransactionID,
		Status:            models.PaymentStatusCompleted,
		ProviderReference: providerRef,
		Actor:             models.ActorVerify,
	})
	return updated, err
}

// verify asks the provider whether reference settled transactionID.
func verify(ctx context.Context, adapter gateway.Adapter, reference, transactionID string) (bool, error) {
	if tv, ok := adapter.(gateway.TransactionVerifier); ok {
		return tv.VerifyTransaction(ctx, reference, transactionID)
	}
	return adapter.VerifyPayment(ctx, reference)
}

// confirmFailure settles a fail or cancel return only on the provider's
// word: the session state for gateways that can report it, otherwise a
// signed provider post naming this transaction.
func (c *Checkout) confirmFailure(ctx context.Context, payment *models.Payment, in ReturnInput) (*models.Payment, error) {
	if payment.Status != models.PaymentStatusPending {
		return payment, nil
	}
	cfg, err := c.gateways.GetByID(ctx, payment.GatewayConfigID)
	if err != nil {
		return nil, fmt.Errorf("gateway for %s: %w", payment.TransactionID, err)
	}
	adapter, err := c.adapters.Adapter(cfg)
	if err != nil {
		return nil, err
	}

	if sc, ok := adapter.(gateway.StatusChecker); ok {
		status, err := sc.PaymentStatus(ctx, payment.ProviderSessionID, payment.TransactionID)
		if err != nil {
			log.Warnf("[Checkout] Status of %s via %s unavailable, leaving pending: %v", payment.TransactionID, cfg.Slug, err)
			return payment, nil
		}
		switch status {
		case models.PaymentStatusCompleted:
			return c.settle(ctx, payment, status, "", payment.ProviderSessionID)
		case models.PaymentStatusFailed:
			return c.settle(ctx, payment, status, "payment failed at provider", "")
		case models.PaymentStatusCancelled:
			return c.settle(ctx, payment, status, "cancelled at provider", "")
		}
		log.Infof("[Checkout] %s returned %s but %s still has it open, leaving pending", payment.TransactionID, in.Result, cfg.Slug)
		return payment, nil
	}

	if len(in.Payload) == 0 {
		log.Infof("[Checkout] Unsigned %s return for %s, leaving pending", in.Result, payment.TransactionID)
		return payment, nil
	}
	if err := adapter.VerifySignature(in.Payload, in.Signature); err != nil {
		log.Warnf("[Checkout] Security: %s return for %s failed the %s signature check: %v", in.Result, payment.TransactionID, cfg.Slug, err)
		return payment, nil
	}
	outcome, err := adapter.HandleWebhook(in.Payload)
	if err != nil {
		log.Warnf("[Checkout] Unreadable %s return for %s: %v", in.Result, payment.TransactionID, err)
		return payment, nil
	}
	if outcome.TransactionID != payment.TransactionID {
		log.Warnf("[Checkout] Security: signed %s return names %q, not %s", in.Result, outcome.TransactionID, payment.TransactionID)
		return payment, nil
	}
	switch outcome.Status {
	case models.PaymentStatusFailed, models.PaymentStatusCancelled:
		return c.settle(ctx, payment, outcome.Status, outcome.FailureReason, "")
	}
	return payment, nil
}

func (c *Checkout) settle(ctx context.Context, payment *models.Payment, status, reason, providerRef string) (*models.Payment, error) {
	updated, _, err := c.ledger.ApplyOutcome(ctx, ledger.Outcome{
		TransactionID:     payment.TransactionID,
		Status:            status,
		FailureReason:     reason,
		ProviderReference: providerRef,
		Actor:             models.ActorVerify,
	})
	return updated, err
}

func (c *Checkout) resolve(ctx context.Context, in ReturnInput) (*models.Payment, error) {
	var (
		payment *models.Payment
		err     error
	)
	switch {
	case in.TransactionID != "":
		payment, err = c.ledger.Get(ctx, in.TransactionID)
	case in.Reference != "":
		payment, err = c.ledger.FindBySession(ctx, in.Reference)
	default:
		return nil, payerr.Validation("missing transaction reference")
	}
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, payerr.Validation("unknown transaction")
	}
	return payment, err
}

// selectGateway prefers the default gateway when it can serve the request,
// then the best-ranked eligible one.
func (c *Checkout) selectGateway(ctx context.Context, currency, country string) (*models.GatewayConfig, error) {
	candidates, err := c.gateways.ResolveForRequest(ctx, currency, country)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, payerr.Configuration("no active payment gateway supports %s", strings.ToUpper(currency))
	}

	def, err := c.gateways.GetDefault(ctx)
	if err != nil && !errors.Is(err, gateway.ErrNotFound) {
		return nil, err
	}
	if def != nil {
		for i := range candidates {
			if candidates[i].ID == def.ID {
				return &candidates[i], nil
			}
		}
	}
	return &candidates[0], nil
}

func (c *Checkout) returnURL(result, txID string) string {
	return c.baseURL + "/payment/" + result + "?tran_id=" + url.QueryEscape(txID)
}
