package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/payerr"
	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/paymentintent"
	"github.com/stripe/stripe-go/v75/webhook"
)

const ProviderStripe = "stripe"

// StripeAdapter is the card variant: it creates a PaymentIntent and the
// frontend confirms it with the returned client secret.
type StripeAdapter struct {
	cfg           *models.GatewayConfig
	webhookSecret string
	intents       *paymentintent.Client
}

// stripeObject covers the fields read from PaymentIntent and Charge events.
type stripeObject struct {
	ID                 string            `json:"id"`
	Object             string            `json:"object"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata"`
	PaymentIntent      string            `json:"payment_intent"`
	CancellationReason string            `json:"cancellation_reason"`
	Amount             int64             `json:"amount"`
	AmountRefunded     int64             `json:"amount_refunded"`
	Refunded           bool              `json:"refunded"`
	LastPaymentError   *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// NewStripeAdapter needs secret_key and webhook_secret. api_base overrides
// the API endpoint (used against local mocks).
func NewStripeAdapter(cfg *models.GatewayConfig, creds map[string]string, client *http.Client) (Adapter, error) {
	if err := requireCredentials(ProviderStripe, creds, "secret_key", "webhook_secret"); err != nil {
		return nil, err
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        client,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if base := strings.TrimRight(creds["api_base"], "/"); base != "" {
		backendCfg.URL = stripe.String(base)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	return &StripeAdapter{
		cfg:           cfg,
		webhookSecret: creds["webhook_secret"],
		intents:       &paymentintent.Client{B: backend, Key: creds["secret_key"]},
	}, nil
}

func (a *StripeAdapter) Kind() string     { return models.GatewayKindCard }
func (a *StripeAdapter) Provider() string { return ProviderStripe }

func (a *StripeAdapter) CreatePayment(ctx context.Context, req PaymentRequest) (res PaymentResult) {
	defer recoverFailure("card processor", &res)

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount.Shift(2).Round(0).IntPart()),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.Customer.Email != "" {
		params.ReceiptEmail = stripe.String(req.Customer.Email)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.TransactionID)
	params.AddMetadata("transaction_id", req.TransactionID)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := a.intents.New(params)
	if err != nil {
		return failed(stripeFailure(err))
	}
	raw, _ := json.Marshal(pi)
	return PaymentResult{
		Success:      true,
		SessionID:    pi.ID,
		ClientSecret: pi.ClientSecret,
		Raw:          raw,
	}
}

// VerifyPayment expects a PaymentIntent id.
func (a *StripeAdapter) VerifyPayment(ctx context.Context, providerReference string) (bool, error) {
	if providerReference == "" {
		return false, payerr.Validation("missing payment intent reference")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := a.intents.Get(providerReference, params)
	if err != nil {
		return false, stripeFailure(err)
	}
	return pi.Status == stripe.PaymentIntentStatusSucceeded, nil
}

// PaymentStatus reads the PaymentIntent behind sessionID. An intent that
// carries another transaction id is refused.
func (a *StripeAdapter) PaymentStatus(ctx context.Context, sessionID, transactionID string) (string, error) {
	if sessionID == "" {
		return "", payerr.Validation("missing payment intent reference")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := a.intents.Get(sessionID, params)
	if err != nil {
		return "", stripeFailure(err)
	}
	if tx := pi.Metadata["transaction_id"]; tx != "" && tx != transactionID {
		return "", payerr.Validation("payment intent %s belongs to another transaction", sessionID)
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return models.PaymentStatusCompleted, nil
	case stripe.PaymentIntentStatusCanceled:
		return models.PaymentStatusCancelled, nil
	default:
		// requires_payment_method after a decline can still be retried by the payer.
		return models.PaymentStatusPending, nil
	}
}

func (a *StripeAdapter) VerifySignature(payload []byte, signatureHeader string) error {
	if strings.TrimSpace(signatureHeader) == "" {
		return payerr.InvalidSignature(ProviderStripe)
	}
	_, err := webhook.ConstructEventWithOptions(
		payload,
		signatureHeader,
		a.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		return &payerr.Error{Kind: payerr.ErrInvalidSignature, Message: "signature check failed for stripe", Err: err}
	}
	return nil
}

func (a *StripeAdapter) HandleWebhook(payload []byte) (*PaymentOutcome, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, payerr.Validation("malformed stripe event")
	}

	out := &PaymentOutcome{
		EventID:   event.ID,
		EventType: string(event.Type),
		Raw:       payload,
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return out, nil
	}

	var obj stripeObject
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return nil, payerr.Validation("malformed stripe event object")
	}
	out.TransactionID = obj.Metadata["transaction_id"]

	switch event.Type {
	case "payment_intent.succeeded":
		out.Status = models.PaymentStatusCompleted
		out.SessionID = obj.ID
		out.ProviderReference = obj.ID
	case "payment_intent.payment_failed":
		out.Status = models.PaymentStatusFailed
		out.SessionID = obj.ID
		out.FailureReason = "payment failed"
		if obj.LastPaymentError != nil && obj.LastPaymentError.Message != "" {
			out.FailureReason = obj.LastPaymentError.Message
		}
	case "payment_intent.canceled":
		out.Status = models.PaymentStatusCancelled
		out.SessionID = obj.ID
		out.FailureReason = "canceled"
		if obj.CancellationReason != "" {
			out.FailureReason = obj.CancellationReason
		}
	case "charge.refunded":
		// Partial refunds keep the payment completed and are only acknowledged.
		if !obj.Refunded && (obj.Amount == 0 || obj.AmountRefunded < obj.Amount) {
			log.Infof("[Stripe] Partial refund on charge %s (%d of %d) acknowledged", obj.ID, obj.AmountRefunded, obj.Amount)
			return out, nil
		}
		out.Status = models.PaymentStatusRefunded
		out.SessionID = obj.PaymentIntent
		out.ProviderReference = obj.ID
	}
	return out, nil
}

func stripeFailure(err error) *payerr.Error {
	var se *stripe.Error
	if errors.As(err, &se) && se.Msg != "" {
		return payerr.Gateway(err, "card processor declined the request: %s", se.Msg)
	}
	return payerr.Gateway(err, "card processor is unavailable")
}
