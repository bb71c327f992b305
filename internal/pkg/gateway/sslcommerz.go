package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/payerr"
)

const (
	ProviderSSLCommerz = "sslcommerz"

	sslcommerzSandboxURL = "https://sandbox.sslcommerz.com"
	sslcommerzLiveURL    = "https://securepay.sslcommerz.com"

	sslcommerzSessionPath  = "/gwprocess/v4/api.php"
	sslcommerzValidatePath = "/validator/api/validationserverAPI.php"

	maxProviderResponse = 1 << 20
)

// SSLCommerzAdapter is the redirect variant: the payer is sent to a hosted
// page and comes back through the success/fail/cancel URLs and the IPN.
type SSLCommerzAdapter struct {
	cfg           *models.GatewayConfig
	storeID       string
	storePassword string
	baseURL       string
	client        *http.Client
}

type sslcommerzSessionResponse struct {
	Status         string `json:"status"`
	FailedReason   string `json:"failedreason"`
	SessionKey     string `json:"sessionkey"`
	GatewayPageURL string `json:"GatewayPageURL"`
}

type sslcommerzValidationResponse struct {
	Status     string `json:"status"`
	TranID     string `json:"tran_id"`
	ValID      string `json:"val_id"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	BankTranID string `json:"bank_tran_id"`
}

// NewSSLCommerzAdapter needs store_id and store_password. base_url overrides
// the sandbox/live host picked from the config mode.
func NewSSLCommerzAdapter(cfg *models.GatewayConfig, creds map[string]string, client *http.Client) (Adapter, error) {
	if err := requireCredentials(ProviderSSLCommerz, creds, "store_id", "store_password"); err != nil {
		return nil, err
	}
	base := sslcommerzSandboxURL
	if cfg.Mode == models.GatewayModeLive {
		base = sslcommerzLiveURL
	}
	if override := strings.TrimRight(creds["base_url"], "/"); override != "" {
		base = override
	}
	return &SSLCommerzAdapter{
		cfg:           cfg,
		storeID:       creds["store_id"],
		storePassword: creds["store_password"],
		baseURL:       base,
		client:        client,
	}, nil
}

func (a *SSLCommerzAdapter) Kind() string     { return models.GatewayKindRedirect }
func (a *SSLCommerzAdapter) Provider() string { return ProviderSSLCommerz }

func (a *SSLCommerzAdapter) CreatePayment(ctx context.Context, req PaymentRequest) (res PaymentResult) {
	defer recoverFailure("redirect gateway", &res)

	form := url.Values{}
	form.Set("store_id", a.storeID)
	form.Set("store_passwd", a.storePassword)
	form.Set("total_amount", req.Amount.StringFixed(2))
	form.Set("currency", strings.ToUpper(req.Currency))
	form.Set("tran_id", req.TransactionID)
	form.Set("success_url", req.SuccessURL)
	form.Set("fail_url", req.FailURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("ipn_url", req.WebhookURL)
	form.Set("cus_name", fallback(req.Customer.Name, "Customer"))
	form.Set("cus_email", fallback(req.Customer.Email, "customer@example.com"))
	form.Set("cus_phone", fallback(req.Customer.Phone, "00000000000"))
	form.Set("cus_add1", fallback(req.Customer.Address, "N/A"))
	form.Set("cus_city", fallback(req.Customer.City, "N/A"))
	form.Set("cus_postcode", fallback(req.Customer.Postcode, "0000"))
	form.Set("cus_country", fallback(req.Customer.Country, "Bangladesh"))
	form.Set("shipping_method", "NO")
	form.Set("product_name", fallback(req.Description, "Subscription"))
	form.Set("product_category", "subscription")
	form.Set("product_profile", "non-physical-goods")
	form.Set("value_a", req.TransactionID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+sslcommerzSessionPath, strings.NewReader(form.Encode()))
	if err != nil {
		return failed(payerr.Gateway(err, "redirect gateway request could not be built"))
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var body sslcommerzSessionResponse
	raw, err := a.do(httpReq, &body)
	if err != nil {
		return failed(payerr.Gateway(err, "redirect gateway is unavailable"))
	}
	if !strings.EqualFold(body.Status, "SUCCESS") || body.GatewayPageURL == "" {
		reason := body.FailedReason
		if reason == "" {
			reason = "session was not created"
		}
		return PaymentResult{Failure: payerr.Gateway(nil, "redirect gateway refused the session: %s", reason), Raw: raw}
	}
	return PaymentResult{
		Success:     true,
		SessionID:   body.SessionKey,
		RedirectURL: body.GatewayPageURL,
		Raw:         raw,
	}
}

// VerifyPayment calls the validation API with the val_id the provider
// posted back.
func (a *SSLCommerzAdapter) VerifyPayment(ctx context.Context, providerReference string) (bool, error) {
	body, err := a.validate(ctx, providerReference)
	if err != nil {
		return false, err
	}
	return validStatus(body.Status), nil
}

// VerifyTransaction also requires the validated payment to carry transactionID.
func (a *SSLCommerzAdapter) VerifyTransaction(ctx context.Context, providerReference, transactionID string) (bool, error) {
	body, err := a.validate(ctx, providerReference)
	if err != nil {
		return false, err
	}
	return validStatus(body.Status) && body.TranID == transactionID, nil
}

func (a *SSLCommerzAdapter) validate(ctx context.Context, valID string) (*sslcommerzValidationResponse, error) {
	if valID == "" {
		return nil, payerr.Validation("missing val_id")
	}
	q := url.Values{}
	q.Set("val_id", valID)
	q.Set("store_id", a.storeID)
	q.Set("store_passwd", a.storePassword)
	q.Set("format", "json")
	q.Set("v", "1")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+sslcommerzValidatePath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, payerr.Gateway(err, "validation request could not be built")
	}
	var body sslcommerzValidationResponse
	if _, err := a.do(httpReq, &body); err != nil {
		return nil, payerr.Gateway(err, "redirect gateway validation is unavailable")
	}
	return &body, nil
}

func validStatus(status string) bool {
	switch strings.ToUpper(status) {
	case "VALID", "VALIDATED":
		return true
	default:
		return false
	}
}

// VerifySignature checks verify_sign inside the form body; the header is unused.
func (a *SSLCommerzAdapter) VerifySignature(payload []byte, _ string) error {
	values, err := url.ParseQuery(string(payload))
	if err != nil || !verifySSLCommerzSignature(values, a.storePassword) {
		return payerr.InvalidSignature(ProviderSSLCommerz)
	}
	return nil
}

func (a *SSLCommerzAdapter) HandleWebhook(payload []byte) (*PaymentOutcome, error) {
	values, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, payerr.Validation("malformed IPN payload")
	}
	status := strings.ToUpper(strings.TrimSpace(values.Get("status")))
	out := &PaymentOutcome{
		EventID:       values.Get("val_id"),
		EventType:     "ipn." + strings.ToLower(status),
		TransactionID: values.Get("tran_id"),
		SessionID:     values.Get("sessionkey"),
		Raw:           payload,
	}
	if out.EventID != "" {
		out.EventID = out.EventType + ":" + out.EventID
	}

	switch status {
	case "VALID", "VALIDATED":
		out.Status = models.PaymentStatusCompleted
		out.ProviderReference = fallback(values.Get("bank_tran_id"), values.Get("val_id"))
		out.VerifyReference = values.Get("val_id")
	case "FAILED":
		out.Status = models.PaymentStatusFailed
		out.FailureReason = fallback(values.Get("error"), "payment failed")
	case "CANCELLED":
		out.Status = models.PaymentStatusCancelled
		out.FailureReason = "cancelled by payer"
	}
	return out, nil
}

func (a *SSLCommerzAdapter) do(req *http.Request, into any) ([]byte, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponse))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return raw, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return raw, fmt.Errorf("decode response: %w", err)
	}
	return raw, nil
}

func fallback(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
