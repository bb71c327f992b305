package controllers

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/billing"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/flash"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/gateway"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/payerr"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/usercontext"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// Checkouts starts purchases and settles provider returns. *billing.Checkout
// implements it.
type Checkouts interface {
	Initiate(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutResult, error)
	HandleReturn(ctx context.Context, in billing.ReturnInput) (*models.Payment, error)
}

// Webhooks ingests provider callbacks. *billing.Ingestor implements it.
type Webhooks interface {
	ResolveSlug(ctx context.Context, h billing.DispatchHints) (string, error)
	Receive(ctx context.Context, slug string, payload []byte, signatureHeader string) (*billing.Receipt, error)
}

type PaymentController struct {
	checkout    Checkouts
	webhooks    Webhooks
	frontendURL string
}

func NewPaymentController(checkout Checkouts, webhooks Webhooks, frontendURL string) *PaymentController {
	return &PaymentController{checkout: checkout, webhooks: webhooks, frontendURL: frontendURL}
}

type initiateRequest struct {
	PricingPlanID uint             `json:"pricing_plan_id" form:"pricing_plan_id"`
	Country       string           `json:"country" form:"country"`
	Customer      gateway.Customer `json:"customer"`
}

// HandleInitiate is POST /payment/initiate.
func (pc *PaymentController) HandleInitiate(c *fiber.Ctx) error {
	uc := usercontext.GetUserContext(c)

	var req initiateRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.PricingPlanID == 0 {
		return respondError(c, payerr.Validation("pricing_plan_id is required"))
	}
	country := strings.ToUpper(strings.TrimSpace(req.Country))
	if country == "" {
		country = strings.ToUpper(strings.TrimSpace(req.Customer.Country))
	}

	res, err := pc.checkout.Initiate(c.UserContext(), billing.CheckoutRequest{
		UserID:   uc.UserID,
		PlanID:   req.PricingPlanID,
		Country:  country,
		Customer: req.Customer,
	})
	if err != nil {
		return respondError(c, err)
	}

	data := fiber.Map{}
	if res.ClientSecret != "" {
		data["client_secret"] = res.ClientSecret
	}
	if res.RedirectURL != "" {
		data["redirect_url"] = res.RedirectURL
	}
	return c.JSON(fiber.Map{
		"success":        true,
		"payment_id":     res.PaymentID,
		"transaction_id": res.TransactionID,
		"gateway":        res.Gateway,
		"kind":           res.Kind,
		"data":           data,
	})
}

// HandleReturn serves GET|POST /payment/{success,fail,cancel}. Providers
// send the browser back with a query string or a form post.
func (pc *PaymentController) HandleReturn(result string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		in := billing.ReturnInput{
			Result:        result,
			TransactionID: formOrQuery(c, "tran_id", "transaction_id"),
			Reference:     formOrQuery(c, "val_id", "payment_intent"),
		}
		if c.Method() == fiber.MethodPost && len(c.Body()) > 0 {
			in.Payload = append([]byte(nil), c.Body()...)
			in.Signature = signatureHeader(c)
		}
		payment, err := pc.checkout.HandleReturn(c.UserContext(), in)
		if err != nil {
			status, msg := errorStatus(err)
			if status >= fiber.StatusInternalServerError {
				log.Errorf("[Checkout] Return %s for %q failed: %v", result, in.TransactionID, err)
				msg = "We could not confirm your payment. Please contact support."
			}
			return flash.Redirect(c, flash.TypeError, msg, pc.resultURL("error", in.TransactionID))
		}

		kind, msg := returnMessage(payment.Status)
		return flash.Redirect(c, kind, msg, pc.resultURL(payment.Status, payment.TransactionID))
	}
}

// HandleWebhook is the provider-agnostic POST /payment/webhook.
func (pc *PaymentController) HandleWebhook(c *fiber.Ctx) error {
	slug, err := pc.webhooks.ResolveSlug(c.UserContext(), billing.DispatchHints{
		Gateway:         c.Query("gateway"),
		StripeSignature: c.Get("Stripe-Signature"),
		TransactionID:   formOrQuery(c, "tran_id"),
	})
	if err != nil {
		return respondError(c, err)
	}
	return pc.receive(c, slug)
}

// HandleGatewayWebhook is POST /payment/webhook/:gateway.
func (pc *PaymentController) HandleGatewayWebhook(c *fiber.Ctx) error {
	return pc.receive(c, c.Params("gateway"))
}

func (pc *PaymentController) receive(c *fiber.Ctx, slug string) error {
	payload := append([]byte(nil), c.Body()...)
	receipt, err := pc.webhooks.Receive(c.UserContext(), slug, payload, signatureHeader(c))
	if errors.Is(err, payerr.ErrInvalidSignature) {
		log.Warnf("[Security] Rejected webhook for %q from %s", slug, GetClientIP(c))
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "receipt": receipt})
}

func (pc *PaymentController) resultURL(status, transactionID string) string {
	q := url.Values{}
	q.Set("status", status)
	if transactionID != "" {
		q.Set("transaction_id", transactionID)
	}
	sep := "?"
	if strings.Contains(pc.frontendURL, "?") {
		sep = "&"
	}
	return pc.frontendURL + sep + q.Encode()
}

func returnMessage(status string) (string, string) {
	switch status {
	case models.PaymentStatusCompleted:
		return flash.TypeSuccess, "Payment received. Your plan is now active."
	case models.PaymentStatusPending:
		return flash.TypeInfo, "Your payment is being confirmed. This can take a few minutes."
	case models.PaymentStatusCancelled:
		return flash.TypeInfo, "The payment was cancelled."
	case models.PaymentStatusRefunded:
		return flash.TypeInfo, "This payment has been refunded."
	default:
		return flash.TypeError, "The payment failed. You have not been charged."
	}
}

// formOrQuery returns the first non-empty form or query value among keys.
func formOrQuery(c *fiber.Ctx, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(c.FormValue(k)); v != "" {
			return v
		}
		if v := strings.TrimSpace(c.Query(k)); v != "" {
			return v
		}
	}
	return ""
}

func signatureHeader(c *fiber.Ctx) string {
	if v := c.Get("Stripe-Signature"); v != "" {
		return v
	}
	return c.Get("X-Signature")
}
