package gateway

import (
	"context"
	"fmt"

	"github.com/ManuelReschke/ReelBoard/internal/pkg/payerr"
	"github.com/shopspring/decimal"
)

// Customer is the payer information forwarded to the provider.
type Customer struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Address  string `json:"address"`
	City     string `json:"city"`
	Postcode string `json:"postcode"`
	Country  string `json:"country"`
}

// PaymentRequest describes one checkout attempt.
type PaymentRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Description   string
	Customer      Customer
	SuccessURL    string
	FailURL       string
	CancelURL     string
	WebhookURL    string
	Metadata      map[string]string
}

// PaymentResult is what CreatePayment hands back. Exactly one of
// ClientSecret (card) or RedirectURL (redirect) is set on success.
type PaymentResult struct {
	Success      bool
	SessionID    string
	ClientSecret string
	RedirectURL  string
	Raw          []byte
	Failure      *payerr.Error
}

// PaymentOutcome is a parsed provider callback. An empty Status means the
// event does not concern a payment state and is only acknowledged.
type PaymentOutcome struct {
	EventID           string
	EventType         string
	TransactionID     string
	SessionID         string
	ProviderReference string
	Status            string
	FailureReason     string
	// VerifyReference is set when the provider expects a server-side
	// validation call before a success is trusted.
	VerifyReference string
	Raw             []byte
}

func (o *PaymentOutcome) Relevant() bool {
	return o.Status != ""
}

// Adapter hides one payment provider.
type Adapter interface {
	Kind() string
	Provider() string
	// CreatePayment reports provider failures through PaymentResult.Failure.
	CreatePayment(ctx context.Context, req PaymentRequest) PaymentResult
	VerifyPayment(ctx context.Context, providerReference string) (bool, error)
	VerifySignature(payload []byte, signatureHeader string) error
	// HandleWebhook parses a verified payload. It has no side effects.
	HandleWebhook(payload []byte) (*PaymentOutcome, error)
}

// TransactionVerifier is implemented by adapters whose verification
// response names the local transaction, so a reference cannot be replayed
// against another payment.
type TransactionVerifier interface {
	VerifyTransaction(ctx context.Context, providerReference, transactionID string) (bool, error)
}

// StatusChecker is implemented by adapters that can report the provider's
// current state of a session. The result is a payment status; anything the
// provider has not settled yet is PaymentStatusPending.
type StatusChecker interface {
	PaymentStatus(ctx context.Context, sessionID, transactionID string) (string, error)
}

func failed(err *payerr.Error) PaymentResult {
	return PaymentResult{Failure: err}
}

// recoverFailure turns a panic inside a provider call into a gateway failure.
func recoverFailure(provider string, res *PaymentResult) {
	if r := recover(); r != nil {
		*res = failed(payerr.Gateway(fmt.Errorf("panic: %v", r), "%s is unavailable", provider))
	}
}
