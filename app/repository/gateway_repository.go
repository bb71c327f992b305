package repository

import (
	"context"
	"errors"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/database"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/gateway"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gatewayRepository implements gateway.Repository
type gatewayRepository struct {
	db *gorm.DB
}

// NewGatewayRepository creates a new gateway config repository instance
func NewGatewayRepository(db *gorm.DB) gateway.Repository {
	return &gatewayRepository{db: db}
}

func (r *gatewayRepository) List(ctx context.Context) ([]models.GatewayConfig, error) {
	var cfgs []models.GatewayConfig
	err := database.Conn(ctx, r.db).Order("priority ASC, id ASC").Find(&cfgs).Error
	return cfgs, err
}

func (r *gatewayRepository) ListActive(ctx context.Context) ([]models.GatewayConfig, error) {
	var cfgs []models.GatewayConfig
	err := database.Conn(ctx, r.db).
		Where("is_active = ?", true).
		Order("priority ASC, id ASC").
		Find(&cfgs).Error
	return cfgs, err
}

func (r *gatewayRepository) FindByID(ctx context.Context, id uint) (*models.GatewayConfig, error) {
	var cfg models.GatewayConfig
	if err := database.Conn(ctx, r.db).First(&cfg, id).Error; err != nil {
		return nil, gatewayErr(err)
	}
	return &cfg, nil
}

// FindBySlug ignores is_active so callbacks for in-flight payments resolve.
func (r *gatewayRepository) FindBySlug(ctx context.Context, slug string) (*models.GatewayConfig, error) {
	var cfg models.GatewayConfig
	if err := database.Conn(ctx, r.db).Where("slug = ?", slug).First(&cfg).Error; err != nil {
		return nil, gatewayErr(err)
	}
	return &cfg, nil
}

func (r *gatewayRepository) FindDefault(ctx context.Context) (*models.GatewayConfig, error) {
	var cfg models.GatewayConfig
	err := database.Conn(ctx, r.db).
		Where("is_default = ? AND is_active = ?", true, true).
		Order("id ASC").
		First(&cfg).Error
	if err != nil {
		return nil, gatewayErr(err)
	}
	return &cfg, nil
}

func (r *gatewayRepository) Create(ctx context.Context, cfg *models.GatewayConfig) error {
	cfg.IsActive = false
	cfg.IsDefault = false
	return gatewayErr(database.Conn(ctx, r.db).Create(cfg).Error)
}

// Update never touches the activation flags, those go through SetActive and SetDefault.
func (r *gatewayRepository) Update(ctx context.Context, cfg *models.GatewayConfig) error {
	err := database.Conn(ctx, r.db).
		Model(cfg).
		Select("name", "slug", "kind", "provider", "mode", "credentials_enc", "priority",
			"supported_currencies", "supported_countries", "fees").
		Updates(cfg).Error
	return gatewayErr(err)
}

// Delete soft-deletes the row and drops its flags so it can never be selected
// again. A deleted default hands the flag to the best-ranked active row.
func (r *gatewayRepository) Delete(ctx context.Context, id uint) error {
	return database.Transaction(ctx, r.db, func(ctx context.Context, tx *gorm.DB) error {
		if err := r.lockAll(tx); err != nil {
			return err
		}
		if _, err := r.lock(tx, id); err != nil {
			return err
		}
		if err := tx.Model(&models.GatewayConfig{}).Where("id = ?", id).
			Updates(map[string]interface{}{"is_active": false, "is_default": false}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.GatewayConfig{}, id).Error; err != nil {
			return err
		}
		return r.ensureDefault(tx, 0)
	})
}

func (r *gatewayRepository) SetActive(ctx context.Context, id uint, active, exclusive bool) error {
	return database.Transaction(ctx, r.db, func(ctx context.Context, tx *gorm.DB) error {
		if err := r.lockAll(tx); err != nil {
			return err
		}
		if _, err := r.lock(tx, id); err != nil {
			return err
		}

		if exclusive {
			err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).
				Model(&models.GatewayConfig{}).
				Updates(map[string]interface{}{
					"is_active":  gorm.Expr("id = ?", id),
					"is_default": gorm.Expr("id = ?", id),
				}).Error
			return err
		}

		updates := map[string]interface{}{"is_active": active}
		if !active {
			updates["is_default"] = false
		}
		if err := tx.Model(&models.GatewayConfig{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		preferred := uint(0)
		if active {
			preferred = id
		}
		return r.ensureDefault(tx, preferred)
	})
}

func (r *gatewayRepository) SetDefault(ctx context.Context, id uint) error {
	return database.Transaction(ctx, r.db, func(ctx context.Context, tx *gorm.DB) error {
		if err := r.lockAll(tx); err != nil {
			return err
		}
		cfg, err := r.lock(tx, id)
		if err != nil {
			return err
		}
		if !cfg.IsActive {
			return gateway.ErrInactive
		}
		return tx.Session(&gorm.Session{AllowGlobalUpdate: true}).
			Model(&models.GatewayConfig{}).
			Update("is_default", gorm.Expr("id = ?", id)).Error
	})
}

// ensureDefault leaves exactly one default among active rows when any row is
// active. An existing active default is kept; otherwise preferred (when
// non-zero) or the best-ranked active row by priority then id is promoted.
// Callers hold lockAll.
func (r *gatewayRepository) ensureDefault(tx *gorm.DB, preferred uint) error {
	var current int64
	if err := tx.Model(&models.GatewayConfig{}).
		Where("is_active = ? AND is_default = ?", true, true).
		Count(&current).Error; err != nil {
		return err
	}
	if current > 0 {
		return nil
	}

	next := preferred
	if next == 0 {
		var best models.GatewayConfig
		err := tx.Where("is_active = ?", true).Order("priority ASC, id ASC").First(&best).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		next = best.ID
	}
	return tx.Session(&gorm.Session{AllowGlobalUpdate: true}).
		Model(&models.GatewayConfig{}).
		Update("is_default", gorm.Expr("id = ?", next)).Error
}

// lockAll takes row locks on every live config so concurrent default swaps serialize.
func (r *gatewayRepository) lockAll(tx *gorm.DB) error {
	var ids []uint
	return tx.Model(&models.GatewayConfig{}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Order("id ASC").
		Pluck("id", &ids).Error
}

// lock returns the locked row, ErrDeleted for soft-deleted rows and ErrNotFound otherwise.
func (r *gatewayRepository) lock(tx *gorm.DB, id uint) (*models.GatewayConfig, error) {
	var cfg models.GatewayConfig
	err := tx.Unscoped().Clauses(clause.Locking{Strength: "UPDATE"}).First(&cfg, id).Error
	if err != nil {
		return nil, gatewayErr(err)
	}
	if cfg.IsDeleted() {
		return nil, gateway.ErrDeleted
	}
	return &cfg, nil
}

func gatewayErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return gateway.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return gateway.ErrDuplicateSlug
	default:
		return err
	}
}
