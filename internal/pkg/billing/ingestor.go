package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/gateway"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/ledger"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/payerr"
	"github.com/gofiber/fiber/v2/log"
)

// eventClaimLease bounds how long a crashed delivery can block redelivery.
const eventClaimLease = 5 * time.Minute

// Ingestor turns verified provider callbacks into ledger outcomes.
type Ingestor struct {
	gateways Gateways
	adapters Adapters
	ledger   Ledger
	events   EventStore
}

func NewIngestor(gateways Gateways, adapters Adapters, l Ledger, events EventStore) *Ingestor {
	return &Ingestor{gateways: gateways, adapters: adapters, ledger: l, events: events}
}

// Receive verifies and applies one callback for the gateway with slug.
// An invalid signature is rejected before anything is stored.
func (i *Ingestor) Receive(ctx context.Context, slug string, payload []byte, signatureHeader string) (*Receipt, error) {
	cfg, err := i.gateways.GetBySlug(ctx, slug)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, payerr.Validation("unknown gateway %q", slug)
	}
	if err != nil {
		return nil, err
	}
	adapter, err := i.adapters.Adapter(cfg)
	if err != nil {
		return nil, err
	}

	if err := adapter.VerifySignature(payload, signatureHeader); err != nil {
		log.Warnf("[Webhook] Security: rejected %s callback for gateway %q: %v", cfg.Provider, cfg.Slug, err)
		if errors.Is(err, payerr.ErrInvalidSignature) {
			return nil, err
		}
		return nil, payerr.InvalidSignature(cfg.Provider)
	}

	outcome, err := adapter.HandleWebhook(payload)
	if err != nil {
		return nil, err
	}
	receipt := &Receipt{
		Gateway:       cfg.Slug,
		EventID:       outcome.EventID,
		EventType:     outcome.EventType,
		TransactionID: outcome.TransactionID,
	}
	if !outcome.Relevant() {
		receipt.Ignored = true
		log.Infof("[Webhook] Acknowledged %s event %q without action", cfg.Slug, outcome.EventType)
		return receipt, nil
	}

	eventID := strings.TrimSpace(outcome.EventID)
	if eventID == "" {
		sum := sha256.Sum256(payload)
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}
	receipt.EventID = eventID

	created, stored, err := i.events.CreateIfNotExists(ctx, &models.BillingWebhookEvent{
		Provider:        cfg.Provider,
		ProviderEventID: eventID,
		EventType:       outcome.EventType,
		TransactionID:   outcome.TransactionID,
		PayloadJSON:     string(payload),
		SignatureValid:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("record webhook event: %w", err)
	}
	if !created && stored.Succeeded() {
		receipt.Duplicate = true
		log.Infof("[Webhook] Duplicate %s event %s acknowledged", cfg.Slug, eventID)
		return receipt, nil
	}
	claimed, err := i.events.Claim(ctx, stored.ID, eventClaimLease)
	if err != nil {
		return nil, fmt.Errorf("claim webhook event: %w", err)
	}
	if !claimed {
		receipt.Duplicate = true
		log.Infof("[Webhook] %s event %s is already being processed, acknowledged", cfg.Slug, eventID)
		return receipt, nil
	}

	procErr := i.apply(ctx, cfg, adapter, outcome, receipt)
	msg := ""
	if procErr != nil {
		msg = procErr.Error()
	}
	if err := i.events.MarkProcessed(ctx, stored.ID, msg); err != nil {
		log.Errorf("[Webhook] Could not mark event %s processed: %v", eventID, err)
	}
	if procErr != nil {
		return nil, procErr
	}
	return receipt, nil
}

func (i *Ingestor) apply(ctx context.Context, cfg *models.GatewayConfig, adapter gateway.Adapter, outcome *gateway.PaymentOutcome, receipt *Receipt) error {
	payment, err := i.lookup(ctx, outcome)
	if errors.Is(err, ledger.ErrNotFound) {
		// Unknown transactions are acknowledged so the provider stops retrying.
		log.Warnf("[Webhook] %s event %s references unknown transaction %q", cfg.Slug, receipt.EventID, outcome.TransactionID)
		receipt.Ignored = true
		return nil
	}
	if err != nil {
		return err
	}
	receipt.TransactionID = payment.TransactionID
	if payment.GatewayConfigID != cfg.ID {
		log.Warnf("[Webhook] Security: %s event for %s which belongs to gateway %d", cfg.Slug, payment.TransactionID, payment.GatewayConfigID)
		return payerr.Validation("transaction does not belong to gateway %q", cfg.Slug)
	}

	if outcome.Status == models.PaymentStatusCompleted && outcome.VerifyReference != "" {
		ok, err := verify(ctx, adapter, outcome.VerifyReference, payment.TransactionID)
		if err != nil {
			return err
		}
		if !ok {
			log.Warnf("[Webhook] %s rejected validation of %s for %s", cfg.Slug, outcome.VerifyReference, payment.TransactionID)
			receipt.Status = payment.Status
			return nil
		}
	}

	updated, applied, err := i.ledger.ApplyOutcome(ctx, ledger.Outcome{
		TransactionID:     payment.TransactionID,
		Status:            outcome.Status,
		ProviderReference: outcome.ProviderReference,
		FailureReason:     outcome.FailureReason,
		Actor:             models.ActorWebhook,
		Raw:               outcome.Raw,
	})
	if err != nil {
		return err
	}
	receipt.Status = updated.Status
	receipt.Applied = applied
	return nil
}

func (i *Ingestor) lookup(ctx context.Context, outcome *gateway.PaymentOutcome) (*models.Payment, error) {
	if outcome.TransactionID != "" {
		return i.ledger.Get(ctx, outcome.TransactionID)
	}
	if outcome.SessionID != "" {
		return i.ledger.FindBySession(ctx, outcome.SessionID)
	}
	return nil, ledger.ErrNotFound
}

// DispatchHints are the request details used to pick a gateway when the
// webhook URL does not name one.
type DispatchHints struct {
	Gateway         string
	StripeSignature string
	TransactionID   string
}

// ResolveSlug picks the gateway for a provider-agnostic webhook: an
// explicit slug, then the Stripe signature header, then the gateway of the
// referenced transaction.
func (i *Ingestor) ResolveSlug(ctx context.Context, h DispatchHints) (string, error) {
	if h.Gateway != "" {
		return h.Gateway, nil
	}
	if h.StripeSignature != "" {
		if def, err := i.gateways.GetDefault(ctx); err == nil && def.Provider == gateway.ProviderStripe {
			return def.Slug, nil
		}
		active, err := i.gateways.ListActive(ctx)
		if err != nil {
			return "", err
		}
		for _, cfg := range active {
			if cfg.Provider == gateway.ProviderStripe {
				return cfg.Slug, nil
			}
		}
		return "", payerr.Validation("no card gateway is configured")
	}
	if h.TransactionID != "" {
		p, err := i.ledger.Get(ctx, h.TransactionID)
		if errors.Is(err, ledger.ErrNotFound) {
			return "", payerr.Validation("unknown transaction")
		}
		if err != nil {
			return "", err
		}
		cfg, err := i.gateways.GetByID(ctx, p.GatewayConfigID)
		if err != nil {
			return "", fmt.Errorf("gateway for %s: %w", p.TransactionID, err)
		}
		return cfg.Slug, nil
	}
	return "", payerr.Validation("cannot determine the gateway for this callback")
}
