package billing

import (
	"context"
	"time"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/gateway"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/ledger"
)

// Gateways is the part of the gateway store billing reads from.
type Gateways interface {
	GetDefault(ctx context.Context) (*models.GatewayConfig, error)
	GetByID(ctx context.Context, id uint) (*models.GatewayConfig, error)
	GetBySlug(ctx context.Context, slug string) (*models.GatewayConfig, error)
	ListActive(ctx context.Context) ([]models.GatewayConfig, error)
	ResolveForRequest(ctx context.Context, currency, country string) ([]models.GatewayConfig, error)
}

// Adapters builds provider adapters. *gateway.Registry implements it.
type Adapters interface {
	Adapter(cfg *models.GatewayConfig) (gateway.Adapter, error)
}

// Ledger is the payment ledger as seen by billing.
type Ledger interface {
	Create(ctx context.Context, in ledger.CreateInput) (*models.Payment, error)
	AttachSession(ctx context.Context, transactionID, sessionID string, raw []byte) error
	ApplyOutcome(ctx context.Context, o ledger.Outcome) (*models.Payment, bool, error)
	Get(ctx context.Context, transactionID string) (*models.Payment, error)
	FindBySession(ctx context.Context, sessionID string) (*models.Payment, error)
}

// Purchases validates a plan purchase. *entitlements.Engine implements it.
type Purchases interface {
	ValidatePurchase(ctx context.Context, userID, planID uint) (*models.Plan, error)
}

// EventStore persists webhook deliveries keyed by (provider, event id).
type EventStore interface {
	CreateIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	// Claim atomically takes the event for processing. false means it
	// already succeeded or another delivery holds an unexpired claim.
	Claim(ctx context.Context, id uint, lease time.Duration) (bool, error)
	MarkProcessed(ctx context.Context, id uint, processingError string) error
}

// CheckoutRequest starts a purchase of PlanID for UserID.
type CheckoutRequest struct {
	UserID   uint
	PlanID   uint
	Country  string
	Customer gateway.Customer
}

// CheckoutResult tells the client how to continue: card gateways return a
// client secret, redirect gateways a URL.
type CheckoutResult struct {
	PaymentID     uint   `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
	Gateway       string `json:"gateway"`
	Kind          string `json:"kind"`
	ClientSecret  string `json:"client_secret,omitempty"`
	RedirectURL   string `json:"redirect_url,omitempty"`
}

// Return results reported by the provider redirect.
const (
	ReturnSuccess = "success"
	ReturnFail    = "fail"
	ReturnCancel  = "cancel"
)

// ReturnInput is what the browser brings back from the provider.
// Reference is the provider handle to verify (val_id, payment_intent).
// Payload and Signature carry a provider form post, when there is one.
type ReturnInput struct {
	Result        string
	TransactionID string
	Reference     string
	Payload       []byte
	Signature     string
}

// Receipt summarizes what the ingestor did with one callback.
type Receipt struct {
	Gateway       string `json:"gateway"`
	EventID       string `json:"event_id,omitempty"`
	EventType     string `json:"event_type,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Status        string `json:"status,omitempty"`
	Applied       bool   `json:"applied"`
	Duplicate     bool   `json:"duplicate"`
	Ignored       bool   `json:"ignored"`
}
