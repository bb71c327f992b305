package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/payerr"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("payment not found")
	// ErrDuplicate is returned by repositories on a transaction_id collision.
	ErrDuplicate = errors.New("duplicate transaction id")
)

// Repository persists payments. WithLock runs fn while holding a row lock on
// the payment and passes a context bound to that transaction; Save and any
// work done by fn with that context join it.
type Repository interface {
	Create(ctx context.Context, p *models.Payment) error
	FindByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error)
	FindBySessionID(ctx context.Context, sessionID string) (*models.Payment, error)
	ListByUser(ctx context.Context, userID uint, limit int) ([]models.Payment, error)
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]string, error)
	WithLock(ctx context.Context, transactionID string, fn func(ctx context.Context, p *models.Payment) error) error
	Save(ctx context.Context, p *models.Payment) error
}

// CompletionHook receives status changes that affect entitlements. It runs
// inside the ledger transaction.
type CompletionHook interface {
	ApplyPaymentCompleted(ctx context.Context, p *models.Payment) error
	ApplyPaymentRefunded(ctx context.Context, p *models.Payment) error
}

// Ledger owns the payment state machine.
type Ledger struct {
	repo Repository
	hook CompletionHook
	now  func() time.Time
}

func New(repo Repository, hook CompletionHook) *Ledger {
	return &Ledger{repo: repo, hook: hook, now: time.Now}
}

// SetClock replaces the time source.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

type CreateInput struct {
	TransactionID   string
	UserID          uint
	PlanID          uint
	GatewayConfigID uint
	Amount          decimal.Decimal
	Fee             decimal.Decimal
	Currency        string
}

// Outcome is a requested status change for one transaction.
type Outcome struct {
	TransactionID     string
	Status            string
	ProviderReference string
	FailureReason     string
	Actor             string
	Raw               []byte
}

// Create records a new pending payment.
func (l *Ledger) Create(ctx context.Context, in CreateInput) (*models.Payment, error) {
	txID := strings.TrimSpace(in.TransactionID)
	if txID == "" || in.UserID == 0 || in.PlanID == 0 || in.GatewayConfigID == 0 {
		return nil, payerr.Validation("transaction_id, user_id, plan_id and gateway_config_id are required")
	}
	if !in.Amount.IsPositive() {
		return nil, payerr.Validation("amount must be positive")
	}
	if len(in.Currency) != 3 {
		return nil, payerr.Validation("currency must be an ISO 4217 code")
	}

	p := &models.Payment{
		TransactionID:   txID,
		UserID:          in.UserID,
		PlanID:          in.PlanID,
		GatewayConfigID: in.GatewayConfigID,
		Amount:          in.Amount,
		Fee:             in.Fee,
		Currency:        strings.ToUpper(in.Currency),
		Status:          models.PaymentStatusPending,
	}
	if err := l.repo.Create(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, payerr.DuplicateTransaction(txID)
		}
		return nil, fmt.Errorf("create payment: %w", err)
	}
	log.Infof("[Ledger] Created pending payment %s (user=%d plan=%d amount=%s %s)", txID, p.UserID, p.PlanID, p.Amount.StringFixed(2), p.Currency)
	return p, nil
}

// AttachSession stores the provider session handle on a pending payment.
func (l *Ledger) AttachSession(ctx context.Context, transactionID, sessionID string, raw []byte) error {
	return l.repo.WithLock(ctx, transactionID, func(ctx context.Context, p *models.Payment) error {
		if p.Status != models.PaymentStatusPending {
			return nil
		}
		p.ProviderSessionID = sessionID
		if len(raw) > 0 {
			p.GatewayResponse = string(raw)
		}
		return l.repo.Save(ctx, p)
	})
}

// ApplyOutcome moves a payment to o.Status under a row lock. Repeated or
// disallowed transitions return the current row unchanged; applied reports
// whether the row changed.
func (l *Ledger) ApplyOutcome(ctx context.Context, o Outcome) (payment *models.Payment, applied bool, err error) {
	if !IsKnownStatus(o.Status) || o.Status == models.PaymentStatusPending {
		return nil, false, payerr.Validation("unsupported payment status %q", o.Status)
	}
	if o.Actor == "" {
		o.Actor = models.ActorSystem
	}

	err = l.repo.WithLock(ctx, o.TransactionID, func(ctx context.Context, p *models.Payment) error {
		payment = p
		if p.Status == o.Status {
			log.Infof("[Ledger] %s already %s, ignoring repeat from %s", p.TransactionID, p.Status, o.Actor)
			return nil
		}
		if !CanTransition(p.Status, o.Status) {
			log.Warnf("[Ledger] Conflict on %s: %s -> %s requested by %s, keeping %s", p.TransactionID, p.Status, o.Status, o.Actor, p.Status)
			return nil
		}

		now := l.now().UTC()
		p.Status = o.Status
		p.StatusChangedAt = &now
		p.StatusChangedBy = o.Actor
		if len(o.Raw) > 0 {
			p.GatewayResponse = string(o.Raw)
		}
		switch o.Status {
		case models.PaymentStatusCompleted:
			p.PaidAt = &now
			p.FailureReason = ""
			if o.ProviderReference != "" {
				p.GatewayTransactionID = o.ProviderReference
			} else if p.GatewayTransactionID == "" {
				p.GatewayTransactionID = p.ProviderSessionID
			}
		case models.PaymentStatusFailed, models.PaymentStatusCancelled:
			p.FailureReason = o.FailureReason
		}

		if err := l.repo.Save(ctx, p); err != nil {
			return fmt.Errorf("save payment: %w", err)
		}
		applied = true
		log.Infof("[Ledger] %s -> %s (by %s)", p.TransactionID, p.Status, o.Actor)

		if l.hook == nil {
			return nil
		}
		switch o.Status {
		case models.PaymentStatusCompleted:
			return l.hook.ApplyPaymentCompleted(ctx, p)
		case models.PaymentStatusRefunded:
			return l.hook.ApplyPaymentRefunded(ctx, p)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return payment, applied, nil
}

func (l *Ledger) Get(ctx context.Context, transactionID string) (*models.Payment, error) {
	return l.repo.FindByTransactionID(ctx, transactionID)
}

// FindBySession resolves a payment from the provider session handle.
func (l *Ledger) FindBySession(ctx context.Context, sessionID string) (*models.Payment, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	return l.repo.FindBySessionID(ctx, sessionID)
}

func (l *Ledger) ListByUser(ctx context.Context, userID uint, limit int) ([]models.Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return l.repo.ListByUser(ctx, userID, limit)
}

// ExpireStalePending cancels pending payments older than olderThan and
// returns how many were cancelled.
func (l *Ledger) ExpireStalePending(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	ids, err := l.repo.ListPendingBefore(ctx, l.now().UTC().Add(-olderThan), 500)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, id := range ids {
		_, applied, err := l.ApplyOutcome(ctx, Outcome{
			TransactionID: id,
			Status:        models.PaymentStatusCancelled,
			FailureReason: "payment session expired",
			Actor:         models.ActorSweeper,
		})
		if err != nil {
			log.Errorf("[Ledger] Could not expire pending payment %s: %v", id, err)
			continue
		}
		if applied {
			cancelled++
		}
	}
	return cancelled, nil
}
