package gateway

import (
	"context"
	"sync"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"gorm.io/gorm"
)

// memRepository mirrors the locking semantics of the GORM repository with a
// single mutex standing in for the row locks.
type memRepository struct {
	mu     sync.Mutex
	rows   map[uint]*models.GatewayConfig
	nextID uint
	reads  int
}

func newMemRepository(cfgs ...models.GatewayConfig) *memRepository {
	r := &memRepository{rows: make(map[uint]*models.GatewayConfig)}
	for i := range cfgs {
		c := cfgs[i]
		if c.ID == 0 {
			r.nextID++
			c.ID = r.nextID
		} else if c.ID > r.nextID {
			r.nextID = c.ID
		}
		r.rows[c.ID] = &c
	}
	return r
}

func (r *memRepository) List(ctx context.Context) ([]models.GatewayConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.GatewayConfig
	for _, c := range r.rows {
		if !c.IsDeleted() {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *memRepository) ListActive(ctx context.Context) ([]models.GatewayConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	var out []models.GatewayConfig
	for _, c := range r.rows {
		if !c.IsDeleted() && c.IsActive {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *memRepository) FindByID(ctx context.Context, id uint) (*models.GatewayConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok || c.IsDeleted() {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memRepository) FindBySlug(ctx context.Context, slug string) (*models.GatewayConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.rows {
		if c.Slug == slug && !c.IsDeleted() {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRepository) FindDefault(ctx context.Context) (*models.GatewayConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	for _, c := range r.rows {
		if c.IsDefault && c.IsActive && !c.IsDeleted() {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRepository) Create(ctx context.Context, cfg *models.GatewayConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.rows {
		if c.Slug == cfg.Slug {
			return ErrDuplicateSlug
		}
	}
	r.nextID++
	cfg.ID = r.nextID
	cp := *cfg
	r.rows[cfg.ID] = &cp
	return nil
}

func (r *memRepository) Update(ctx context.Context, cfg *models.GatewayConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[cfg.ID]; !ok {
		return ErrNotFound
	}
	cp := *cfg
	r.rows[cfg.ID] = &cp
	return nil
}

func (r *memRepository) Delete(ctx context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok || c.IsDeleted() {
		return ErrNotFound
	}
	c.IsActive = false
	c.IsDefault = false
	c.DeletedAt = gorm.DeletedAt{Valid: true}
	r.ensureDefault(0)
	return nil
}

func (r *memRepository) SetActive(ctx context.Context, id uint, active, exclusive bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	if target.IsDeleted() {
		return ErrDeleted
	}
	if exclusive {
		for _, c := range r.rows {
			c.IsActive = false
			c.IsDefault = false
		}
		target.IsActive = true
		target.IsDefault = true
		return nil
	}
	target.IsActive = active
	if !active {
		target.IsDefault = false
		r.ensureDefault(0)
		return nil
	}
	r.ensureDefault(id)
	return nil
}

// ensureDefault is the GORM repository's promotion rule; r.mu is held.
func (r *memRepository) ensureDefault(preferred uint) {
	var best *models.GatewayConfig
	for _, c := range r.rows {
		if c.IsDeleted() || !c.IsActive {
			continue
		}
		if c.IsDefault {
			return
		}
		if best == nil || c.Priority < best.Priority || (c.Priority == best.Priority && c.ID < best.ID) {
			best = c
		}
	}
	if best == nil {
		return
	}
	next := best.ID
	if preferred != 0 {
		next = preferred
	}
	for _, c := range r.rows {
		c.IsDefault = c.ID == next
	}
}

func (r *memRepository) SetDefault(ctx context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	if target.IsDeleted() {
		return ErrDeleted
	}
	if !target.IsActive {
		return ErrInactive
	}
	for _, c := range r.rows {
		c.IsDefault = c.ID == id
	}
	return nil
}

func (r *memRepository) defaults() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uint
	for _, c := range r.rows {
		if c.IsDefault {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
