package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/payerr"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/security"
)

// Factory builds an adapter from a stored config and its decrypted credentials.
type Factory func(cfg *models.GatewayConfig, creds map[string]string, client *http.Client) (Adapter, error)

type registration struct {
	kind    string
	factory Factory
}

// Registry maps a provider to the adapter kind it implements.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]registration
	box       *security.CredentialBox
	client    *http.Client
}

// NewHTTPClient returns the client every adapter uses for outbound calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// NewRegistry returns a registry with the built-in providers registered.
func NewRegistry(box *security.CredentialBox, client *http.Client) *Registry {
	r := &Registry{
		factories: make(map[string]registration),
		box:       box,
		client:    client,
	}
	r.Register(ProviderStripe, models.GatewayKindCard, NewStripeAdapter)
	r.Register(ProviderSSLCommerz, models.GatewayKindRedirect, NewSSLCommerzAdapter)
	return r
}

func (r *Registry) Register(provider, kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = registration{kind: kind, factory: f}
}

// Adapter builds the adapter for cfg.
func (r *Registry) Adapter(cfg *models.GatewayConfig) (Adapter, error) {
	r.mu.RLock()
	reg, ok := r.factories[cfg.Provider]
	r.mu.RUnlock()
	if !ok || reg.kind != cfg.Kind {
		return nil, payerr.UnsupportedGateway(cfg.Provider, cfg.Kind)
	}
	creds, err := r.box.Open(cfg.CredentialsEnc)
	if err != nil {
		return nil, &payerr.Error{Kind: payerr.ErrConfiguration, Message: "gateway credentials cannot be read", Err: err}
	}
	return reg.factory(cfg, creds, r.client)
}

// Validate fails when cfg could not produce an adapter.
func (r *Registry) Validate(cfg *models.GatewayConfig) error {
	_, err := r.Adapter(cfg)
	return err
}

func (r *Registry) SealCredentials(creds map[string]string) (string, error) {
	return r.box.Seal(creds)
}

// CredentialKeys lists the names of the stored credentials for admin views.
func (r *Registry) CredentialKeys(cfg *models.GatewayConfig) []string {
	creds, err := r.box.Open(cfg.CredentialsEnc)
	if err != nil {
		return nil
	}
	return security.KeyNames(creds)
}

func requireCredentials(provider string, creds map[string]string, keys ...string) error {
	for _, k := range keys {
		if creds[k] == "" {
			return payerr.Configuration("%s credentials are missing %q", provider, k)
		}
	}
	return nil
}
