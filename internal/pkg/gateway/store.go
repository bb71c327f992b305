package gateway

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/payerr"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	cacheKeyDefault = "gateway:default"
	cacheKeyActive  = "gateway:active"
)

var (
	ErrNotFound = errors.New("gateway config not found")
	// ErrDeleted is returned by repositories when a write targets a soft-deleted row.
	ErrDeleted = errors.New("gateway config deleted")
	// ErrInactive is returned when an inactive row is made default.
	ErrInactive = errors.New("gateway config inactive")
	// ErrDuplicateSlug is returned when the slug is already taken.
	ErrDuplicateSlug = errors.New("gateway slug already exists")
)

// Repository persists gateway configs. SetActive and SetDefault must run in
// one transaction holding row locks.
type Repository interface {
	List(ctx context.Context) ([]models.GatewayConfig, error)
	ListActive(ctx context.Context) ([]models.GatewayConfig, error)
	FindByID(ctx context.Context, id uint) (*models.GatewayConfig, error)
	FindBySlug(ctx context.Context, slug string) (*models.GatewayConfig, error)
	FindDefault(ctx context.Context) (*models.GatewayConfig, error)
	Create(ctx context.Context, cfg *models.GatewayConfig) error
	Update(ctx context.Context, cfg *models.GatewayConfig) error
	Delete(ctx context.Context, id uint) error
	// SetActive toggles is_active. exclusive deactivates every other row and
	// makes the target the default. Deactivating also clears is_default.
	// Afterwards exactly one active row is the default whenever any row is
	// active: an activated target takes the flag when no active default
	// exists, a deactivated default passes it to the best-ranked active row.
	// Delete hands the flag on the same way.
	SetActive(ctx context.Context, id uint, active, exclusive bool) error
	// SetDefault runs UPDATE ... SET is_default = (id = ?).
	SetDefault(ctx context.Context, id uint) error
}

// CredentialManager validates configs against the adapter registry and
// seals credentials. *Registry implements it.
type CredentialManager interface {
	Validate(cfg *models.GatewayConfig) error
	SealCredentials(creds map[string]string) (string, error)
}

type StoreOptions struct {
	CacheTTL     time.Duration
	SingleActive bool
}

// Store is the gateway credential store.
type Store struct {
	repo     Repository
	cache    Cache
	creds    CredentialManager
	ttl      time.Duration
	single   bool
	validate *validator.Validate
}

func NewStore(repo Repository, cache Cache, creds CredentialManager, opts StoreOptions) *Store {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	return &Store{
		repo:     repo,
		cache:    cache,
		creds:    creds,
		ttl:      opts.CacheTTL,
		single:   opts.SingleActive,
		validate: validator.New(),
	}
}

// Input is the admin write model for a gateway config. Nil Credentials on
// update keeps the stored bundle.
type Input struct {
	Name                string                `json:"name"`
	Slug                string                `json:"slug"`
	Kind                string                `json:"kind"`
	Provider            string                `json:"provider"`
	Mode                string                `json:"mode"`
	Credentials         map[string]string     `json:"credentials"`
	Priority            *int                  `json:"priority"`
	SupportedCurrencies []string              `json:"supported_currencies"`
	SupportedCountries  []string              `json:"supported_countries"`
	Fees                map[string]models.Fee `json:"fees"`
}

// cachedConfig keeps the sealed credentials, which models.GatewayConfig
// hides from JSON.
type cachedConfig struct {
	models.GatewayConfig
	Credentials string `json:"credentials_enc"`
}

// GetDefault returns the active default gateway or ErrNotFound.
func (s *Store) GetDefault(ctx context.Context) (*models.GatewayConfig, error) {
	var cached []cachedConfig
	if s.readCache(ctx, cacheKeyDefault, &cached) {
		if len(cached) == 0 {
			return nil, ErrNotFound
		}
		return restore(cached[0]), nil
	}

	cfg, err := s.repo.FindDefault(ctx)
	if errors.Is(err, ErrNotFound) {
		s.writeCache(ctx, cacheKeyDefault, []cachedConfig{})
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, cacheKeyDefault, []cachedConfig{{GatewayConfig: *cfg, Credentials: cfg.CredentialsEnc}})
	return cfg, nil
}

// ListActive returns all active configs ordered by priority, then id.
func (s *Store) ListActive(ctx context.Context) ([]models.GatewayConfig, error) {
	var cached []cachedConfig
	if s.readCache(ctx, cacheKeyActive, &cached) {
		out := make([]models.GatewayConfig, 0, len(cached))
		for _, c := range cached {
			out = append(out, *restore(c))
		}
		return out, nil
	}

	cfgs, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	sortByPriority(cfgs)
	toCache := make([]cachedConfig, 0, len(cfgs))
	for _, c := range cfgs {
		toCache = append(toCache, cachedConfig{GatewayConfig: c, Credentials: c.CredentialsEnc})
	}
	s.writeCache(ctx, cacheKeyActive, toCache)
	return cfgs, nil
}

// ResolveForRequest returns the active gateways able to charge currency in
// country. An empty supported set matches everything.
func (s *Store) ResolveForRequest(ctx context.Context, currency, country string) ([]models.GatewayConfig, error) {
	active, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.GatewayConfig, 0, len(active))
	for _, cfg := range active {
		if cfg.SupportsCurrency(currency) && cfg.SupportsCountry(country) {
			out = append(out, cfg)
		}
	}
	sortByPriority(out)
	return out, nil
}

// List returns every non-deleted config for the admin API.
func (s *Store) List(ctx context.Context) ([]models.GatewayConfig, error) {
	cfgs, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	sortByPriority(cfgs)
	return cfgs, nil
}

func (s *Store) GetByID(ctx context.Context, id uint) (*models.GatewayConfig, error) {
	return s.repo.FindByID(ctx, id)
}

// GetBySlug also returns inactive configs so callbacks for in-flight
// payments still resolve after a gateway is switched off.
func (s *Store) GetBySlug(ctx context.Context, slug string) (*models.GatewayConfig, error) {
	return s.repo.FindBySlug(ctx, strings.ToLower(strings.TrimSpace(slug)))
}

func (s *Store) Create(ctx context.Context, in Input) (*models.GatewayConfig, error) {
	cfg := &models.GatewayConfig{Mode: models.GatewayModeTest, Priority: 100}
	if err := s.apply(cfg, in, true); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, cfg); err != nil {
		if errors.Is(err, ErrDuplicateSlug) {
			return nil, payerr.Conflict("slug %q is already in use", cfg.Slug)
		}
		return nil, err
	}
	s.invalidate(ctx)
	log.Infof("[Gateway] Created %s gateway %q (id=%d)", cfg.Provider, cfg.Slug, cfg.ID)
	return cfg, nil
}

func (s *Store) Update(ctx context.Context, id uint, in Input) (*models.GatewayConfig, error) {
	cfg, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, s.conflictIfMissing(err, id)
	}
	if err := s.apply(cfg, in, false); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, cfg); err != nil {
		if errors.Is(err, ErrDuplicateSlug) {
			return nil, payerr.Conflict("slug %q is already in use", cfg.Slug)
		}
		return nil, err
	}
	s.invalidate(ctx)
	return cfg, nil
}

// Delete soft-deletes the config so payments keep their reference.
func (s *Store) Delete(ctx context.Context, id uint) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return s.conflictIfMissing(err, id)
	}
	s.invalidate(ctx)
	log.Infof("[Gateway] Deleted gateway id=%d", id)
	return nil
}

func (s *Store) SetActive(ctx context.Context, id uint, active bool) error {
	if err := s.repo.SetActive(ctx, id, active, s.single && active); err != nil {
		return s.conflictIfMissing(err, id)
	}
	s.invalidate(ctx)
	log.Infof("[Gateway] Gateway id=%d active=%t (single-active=%t)", id, active, s.single)
	return nil
}

func (s *Store) SetDefault(ctx context.Context, id uint) error {
	err := s.repo.SetDefault(ctx, id)
	if errors.Is(err, ErrInactive) {
		return payerr.Conflict("gateway %d must be active to become the default", id)
	}
	if err != nil {
		return s.conflictIfMissing(err, id)
	}
	s.invalidate(ctx)
	log.Infof("[Gateway] Gateway id=%d is now the default", id)
	return nil
}

func (s *Store) apply(cfg *models.GatewayConfig, in Input, create bool) error {
	if in.Name != "" {
		cfg.Name = strings.TrimSpace(in.Name)
	}
	if in.Slug != "" {
		cfg.Slug = strings.ToLower(strings.TrimSpace(in.Slug))
	}
	if in.Kind != "" {
		cfg.Kind = strings.ToLower(strings.TrimSpace(in.Kind))
	}
	if in.Provider != "" {
		cfg.Provider = strings.ToLower(strings.TrimSpace(in.Provider))
	}
	if in.Mode != "" {
		cfg.Mode = strings.ToLower(strings.TrimSpace(in.Mode))
	}
	if in.Priority != nil {
		cfg.Priority = *in.Priority
	}
	if in.SupportedCurrencies != nil {
		cfg.SupportedCurrencies = datatypes.JSONSlice[string](normalizeSet(in.SupportedCurrencies))
	}
	if in.SupportedCountries != nil {
		cfg.SupportedCountries = datatypes.JSONSlice[string](normalizeSet(in.SupportedCountries))
	}
	if in.Fees != nil {
		fees := make(map[string]models.Fee, len(in.Fees))
		for cur, fee := range in.Fees {
			if fee.Percent.IsNegative() || fee.Fixed.IsNegative() || fee.Percent.GreaterThan(decimal.NewFromInt(100)) {
				return payerr.Validation("invalid fee for %s", cur)
			}
			fees[strings.ToUpper(cur)] = fee
		}
		cfg.Fees = datatypes.NewJSONType(fees)
	}
	if in.Credentials != nil || create {
		sealed, err := s.creds.SealCredentials(in.Credentials)
		if err != nil {
			return err
		}
		cfg.CredentialsEnc = sealed
	}

	if err := s.validate.Struct(cfg); err != nil {
		return payerr.Validation("invalid gateway config: %v", err)
	}
	return s.creds.Validate(cfg)
}

func (s *Store) conflictIfMissing(err error, id uint) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDeleted) {
		return payerr.Conflict("gateway %d does not exist or was deleted", id)
	}
	return err
}

func (s *Store) invalidate(ctx context.Context) {
	if err := s.cache.Delete(ctx, cacheKeyDefault, cacheKeyActive); err != nil {
		log.Errorf("[Gateway] Cache invalidation failed, entries stay stale until TTL: %v", err)
	}
}

func (s *Store) readCache(ctx context.Context, key string, into any) bool {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		log.Warnf("[Gateway] Cache read %s failed: %v", key, err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, into); err != nil {
		log.Warnf("[Gateway] Dropping undecodable cache entry %s: %v", key, err)
		return false
	}
	return true
}

func (s *Store) writeCache(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
		log.Warnf("[Gateway] Cache write %s failed: %v", key, err)
	}
}

func restore(c cachedConfig) *models.GatewayConfig {
	cfg := c.GatewayConfig
	cfg.CredentialsEnc = c.Credentials
	return &cfg
}

func sortByPriority(cfgs []models.GatewayConfig) {
	slices.SortStableFunc(cfgs, func(a, b models.GatewayConfig) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func normalizeSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToUpper(strings.TrimSpace(v))
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
