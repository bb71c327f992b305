package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/gateway"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/ledger"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/payerr"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/security"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// memGateways is an in-memory Gateways.
type memGateways struct {
	mu   sync.Mutex
	cfgs map[uint]*models.GatewayConfig
}

func newMemGateways(cfgs ...*models.GatewayConfig) *memGateways {
	g := &memGateways{cfgs: map[uint]*models.GatewayConfig{}}
	for _, c := range cfgs {
		g.cfgs[c.ID] = c
	}
	return g
}

func (g *memGateways) GetDefault(ctx context.Context) (*models.GatewayConfig, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.cfgs {
		if c.IsDefault && c.IsActive {
			cp := *c
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (g *memGateways) GetByID(ctx context.Context, id uint) (*models.GatewayConfig, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.cfgs[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (g *memGateways) GetBySlug(ctx context.Context, slug string) (*models.GatewayConfig, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.cfgs {
		if c.Slug == slug {
			cp := *c
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (g *memGateways) ListActive(ctx context.Context) ([]models.GatewayConfig, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.GatewayConfig
	for _, c := range g.cfgs {
		if c.IsActive {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (g *memGateways) ResolveForRequest(ctx context.Context, currency, country string) ([]models.GatewayConfig, error) {
	active, _ := g.ListActive(ctx)
	var out []models.GatewayConfig
	for _, c := range active {
		if c.SupportsCurrency(currency) && c.SupportsCountry(country) {
			out = append(out, c)
		}
	}
	return out, nil
}

// memPayments is an in-memory ledger.Repository with per-row locks.
type memPayments struct {
	mu     sync.Mutex
	locks  sync.Map
	rows   map[string]*models.Payment
	nextID uint
}

func newMemPayments() *memPayments {
	return &memPayments{rows: map[string]*models.Payment{}}
}

func (r *memPayments) Create(ctx context.Context, p *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[p.TransactionID]; ok {
		return ledger.ErrDuplicate
	}
	r.nextID++
	p.ID = r.nextID
	p.CreatedAt = time.Now().UTC()
	cp := *p
	r.rows[p.TransactionID] = &cp
	return nil
}

func (r *memPayments) FindByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[transactionID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memPayments) FindBySessionID(ctx context.Context, sessionID string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.rows {
		if p.ProviderSessionID == sessionID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (r *memPayments) ListByUser(ctx context.Context, userID uint, limit int) ([]models.Payment, error) {
	return nil, nil
}

func (r *memPayments) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return nil, nil
}

func (r *memPayments) WithLock(ctx context.Context, transactionID string, fn func(ctx context.Context, p *models.Payment) error) error {
	l, _ := r.locks.LoadOrStore(transactionID, &sync.Mutex{})
	rowLock := l.(*sync.Mutex)
	rowLock.Lock()
	defer rowLock.Unlock()

	p, err := r.FindByTransactionID(ctx, transactionID)
	if err != nil {
		return err
	}
	return fn(ctx, p)
}

func (r *memPayments) Save(ctx context.Context, p *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.rows[p.TransactionID] = &cp
	return nil
}

// memEvents is an in-memory EventStore.
type memEvents struct {
	mu     sync.Mutex
	rows   map[string]*models.BillingWebhookEvent
	nextID uint
}

func newMemEvents() *memEvents {
	return &memEvents{rows: map[string]*models.BillingWebhookEvent{}}
}

func (e *memEvents) CreateIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := event.Provider + "|" + event.ProviderEventID
	if stored, ok := e.rows[key]; ok {
		cp := *stored
		return false, &cp, nil
	}
	e.nextID++
	event.ID = e.nextID
	cp := *event
	e.rows[key] = &cp
	return true, event, nil
}

func (e *memEvents) Claim(ctx context.Context, id uint, lease time.Duration) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UTC()
	for _, ev := range e.rows {
		if ev.ID != id {
			continue
		}
		if ev.Succeeded() {
			return false, nil
		}
		if ev.ProcessingStartedAt != nil && ev.ProcessingStartedAt.After(now.Add(-lease)) {
			return false, nil
		}
		ev.ProcessingStartedAt = &now
		return true, nil
	}
	return false, nil
}

func (e *memEvents) MarkProcessed(ctx context.Context, id uint, processingError string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UTC()
	for _, ev := range e.rows {
		if ev.ID == id {
			ev.ProcessedAt = &now
			ev.ProcessingError = processingError
			ev.ProcessingStartedAt = nil
		}
	}
	return nil
}

func (e *memEvents) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rows)
}

type mockHook struct {
	mock.Mock
}

func (m *mockHook) ApplyPaymentCompleted(ctx context.Context, p *models.Payment) error {
	return m.Called(p.TransactionID).Error(0)
}

func (m *mockHook) ApplyPaymentRefunded(ctx context.Context, p *models.Payment) error {
	return m.Called(p.TransactionID).Error(0)
}

type stubPurchases struct {
	plans map[uint]*models.Plan
	err   error
}

func (s *stubPurchases) ValidatePurchase(ctx context.Context, userID, planID uint) (*models.Plan, error) {
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.plans[planID]
	if !ok {
		return nil, payerr.Validation("unknown pricing plan")
	}
	return p, nil
}

// fakeAdapter is a scriptable redirect adapter. Its webhook payload is a
// JSON-encoded gateway.PaymentOutcome and the valid signature is "ok".
type fakeAdapter struct {
	mu        sync.Mutex
	kind      string
	create    gateway.PaymentResult
	verified  map[string]string // reference -> transaction id
	verifyErr error
	asked     []string
}

func (a *fakeAdapter) Kind() string     { return a.kind }
func (a *fakeAdapter) Provider() string { return "fakepay" }

func (a *fakeAdapter) CreatePayment(ctx context.Context, req gateway.PaymentRequest) gateway.PaymentResult {
	return a.create
}

func (a *fakeAdapter) VerifyPayment(ctx context.Context, ref string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.asked = append(a.asked, ref)
	if a.verifyErr != nil {
		return false, a.verifyErr
	}
	_, ok := a.verified[ref]
	return ok, nil
}

func (a *fakeAdapter) VerifyTransaction(ctx context.Context, ref, txID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.asked = append(a.asked, ref)
	if a.verifyErr != nil {
		return false, a.verifyErr
	}
	return a.verified[ref] == txID, nil
}

func (a *fakeAdapter) VerifySignature(payload []byte, header string) error {
	if header != "ok" {
		return payerr.InvalidSignature("fakepay")
	}
	return nil
}

func (a *fakeAdapter) HandleWebhook(payload []byte) (*gateway.PaymentOutcome, error) {
	var out gateway.PaymentOutcome
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, payerr.Validation("malformed payload")
	}
	out.Raw = payload
	return &out, nil
}

func (a *fakeAdapter) lastAsked() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.asked) == 0 {
		return ""
	}
	return a.asked[len(a.asked)-1]
}

func fakeOutcome(t *testing.T, o gateway.PaymentOutcome) []byte {
	t.Helper()
	raw, err := json.Marshal(o)
	require.NoError(t, err)
	return raw
}

// harness wires real ledger and registry code around in-memory storage.
type harness struct {
	gateways *memGateways
	registry *gateway.Registry
	payments *memPayments
	ledger   *ledger.Ledger
	hook     *mockHook
	events   *memEvents
	fake     *fakeAdapter
	box      *security.CredentialBox
}

func newHarness(t *testing.T, cfgs ...*models.GatewayConfig) *harness {
	t.Helper()
	box, err := security.NewCredentialBox(testKey)
	require.NoError(t, err)

	h := &harness{
		gateways: newMemGateways(cfgs...),
		registry: gateway.NewRegistry(box, &http.Client{Timeout: 2 * time.Second}),
		payments: newMemPayments(),
		hook:     &mockHook{},
		events:   newMemEvents(),
		fake:     &fakeAdapter{kind: models.GatewayKindRedirect, verified: map[string]string{}},
		box:      box,
	}
	h.registry.Register("fakepay", models.GatewayKindRedirect, func(*models.GatewayConfig, map[string]string, *http.Client) (gateway.Adapter, error) {
		return h.fake, nil
	})
	h.ledger = ledger.New(h.payments, h.hook)
	return h
}

func (h *harness) seal(t *testing.T, creds map[string]string) string {
	t.Helper()
	enc, err := h.box.Seal(creds)
	require.NoError(t, err)
	return enc
}

func (h *harness) ingestor() *Ingestor {
	return NewIngestor(h.gateways, h.registry, h.ledger, h.events)
}

func fakeGateway(id uint, slug string) *models.GatewayConfig {
	return &models.GatewayConfig{
		ID: id, Name: slug, Slug: slug, Kind: models.GatewayKindRedirect, Provider: "fakepay",
		Mode: models.GatewayModeTest, Priority: 100, IsActive: true,
	}
}
