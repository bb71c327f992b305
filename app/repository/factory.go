package repository

import (
	"sync"

	"github.com/ManuelReschke/ReelBoard/internal/pkg/gateway"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/ledger"
	"gorm.io/gorm"
)

// Repositories groups the gorm-backed repositories the services depend on.
type Repositories struct {
	Gateway       gateway.Repository
	Payment       ledger.Repository
	Subscription  *SubscriptionRepository
	WebhookEvents *WebhookEventRepository
}

// NewRepositories creates all repositories on one database handle
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Gateway:       NewGatewayRepository(db),
		Payment:       NewPaymentRepository(db),
		Subscription:  NewSubscriptionRepository(db),
		WebhookEvents: NewWebhookEventRepository(db),
	}
}

// Factory manages repository instances and ensures they are singletons
type Factory struct {
	db    *gorm.DB
	repos *Repositories
	once  sync.Once
}

// NewFactory creates a new repository factory
func NewFactory(db *gorm.DB) *Factory {
	return &Factory{
		db: db,
	}
}

// GetRepositories returns a singleton instance of all repositories
func (f *Factory) GetRepositories() *Repositories {
	f.once.Do(func() {
		f.repos = NewRepositories(f.db)
	})
	return f.repos
}
