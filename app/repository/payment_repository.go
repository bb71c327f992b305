package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/database"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// paymentRepository implements ledger.Repository
type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a new payment repository instance
func NewPaymentRepository(db *gorm.DB) ledger.Repository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) Create(ctx context.Context, p *models.Payment) error {
	err := database.Conn(ctx, r.db).Create(p).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ledger.ErrDuplicate
	}
	return err
}

func (r *paymentRepository) FindByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error) {
	var p models.Payment
	err := database.Conn(ctx, r.db).Where("transaction_id = ?", transactionID).First(&p).Error
	if err != nil {
		return nil, paymentErr(err)
	}
	return &p, nil
}

func (r *paymentRepository) FindBySessionID(ctx context.Context, sessionID string) (*models.Payment, error) {
	var p models.Payment
	err := database.Conn(ctx, r.db).
		Where("provider_session_id = ?", sessionID).
		Order("id DESC").
		First(&p).Error
	if err != nil {
		return nil, paymentErr(err)
	}
	return &p, nil
}

// ListByUser returns the newest payments first, with their plan preloaded.
func (r *paymentRepository) ListByUser(ctx context.Context, userID uint, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := database.Conn(ctx, r.db).
		Preload("Plan").
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

func (r *paymentRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]string, error) {
	var ids []string
	err := database.Conn(ctx, r.db).
		Model(&models.Payment{}).
		Where("status = ? AND created_at < ?", models.PaymentStatusPending, before).
		Order("created_at ASC").
		Limit(limit).
		Pluck("transaction_id", &ids).Error
	return ids, err
}

// WithLock holds SELECT ... FOR UPDATE on the payment row while fn runs.
func (r *paymentRepository) WithLock(ctx context.Context, transactionID string, fn func(ctx context.Context, p *models.Payment) error) error {
	return database.Transaction(ctx, r.db, func(ctx context.Context, tx *gorm.DB) error {
		var p models.Payment
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("transaction_id = ?", transactionID).
			First(&p).Error
		if err != nil {
			return paymentErr(err)
		}
		return fn(ctx, &p)
	})
}

func (r *paymentRepository) Save(ctx context.Context, p *models.Payment) error {
	return database.Conn(ctx, r.db).Omit(clause.Associations).Save(p).Error
}

func paymentErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.ErrNotFound
	}
	return err
}
