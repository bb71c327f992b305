package router

import (
	"context"
	"io"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/ManuelReschke/ReelBoard/app/controllers"
	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/usercontext"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openAPIFile = "../../../public/docs/v1/openapi.yml"

type noPlans struct{}

func (noPlans) CurrentPlan(context.Context, uint) (*models.Plan, error) {
	return &models.Plan{Slug: "free", BillingPeriod: models.BillingPeriodFree}, nil
}

// newTestApp installs every route. Handlers that reach their services are
// not exercised here.
func newTestApp() *fiber.App {
	app := fiber.New()
	InstallRouter(app, Dependencies{
		Sessions: session.New(),
		Plans:    noPlans{},
		Payments: controllers.NewPaymentController(nil, nil, "http://localhost:3000/result"),
		Pricing:  controllers.NewPricingController(nil, nil),
		Gateways: controllers.NewAdminGatewayController(nil, nil),
	})
	return app
}

var fiberParam = regexp.MustCompile(`:([A-Za-z_]+)`)

func TestRoutesAreDocumented(t *testing.T) {
	doc, err := openapi3.NewLoader().LoadFromFile(openAPIFile)
	require.NoError(t, err)
	require.NoError(t, doc.Validate(context.Background()))

	app := newTestApp()
	seen := 0
	for _, r := range app.GetRoutes(true) {
		if r.Method == fiber.MethodHead {
			continue
		}
		path := r.Path
		if len(path) > 1 {
			path = strings.TrimRight(path, "/")
		}
		path = fiberParam.ReplaceAllString(path, "{$1}")

		item := doc.Paths.Find(path)
		if !assert.NotNil(t, item, "undocumented path %s", path) {
			continue
		}
		assert.NotNil(t, item.GetOperation(r.Method), "undocumented operation %s %s", r.Method, path)
		seen++
	}
	assert.GreaterOrEqual(t, seen, 20)
}

func TestAnonymousAccess(t *testing.T) {
	app := newTestApp()

	cases := []struct {
		method, path string
		status       int
	}{
		{fiber.MethodPost, "/payment/initiate", fiber.StatusUnauthorized},
		{fiber.MethodGet, "/api/pricing/current-plan", fiber.StatusUnauthorized},
		{fiber.MethodPost, "/api/pricing/start-trial", fiber.StatusUnauthorized},
		{fiber.MethodGet, "/admin/api/gateways", fiber.StatusUnauthorized},
		{fiber.MethodPost, "/admin/api/gateways/1/default", fiber.StatusUnauthorized},
	}
	for _, tc := range cases {
		resp, err := app.Test(httptest.NewRequest(tc.method, tc.path, nil))
		require.NoError(t, err)
		assert.Equal(t, tc.status, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}

type recordingPlans struct {
	mu    sync.Mutex
	users []uint
}

func (r *recordingPlans) CurrentPlan(_ context.Context, userID uint) (*models.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	return &models.Plan{Slug: "pro", BillingPeriod: models.BillingPeriodMonthly}, nil
}

func (r *recordingPlans) calls() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.users...)
}

func TestPlanResolvedOnEveryRoute(t *testing.T) {
	store := session.New()
	plans := &recordingPlans{}
	app := fiber.New()
	// Stands in for the login flow, which lives in the account service.
	app.Get("/login", func(c *fiber.Ctx) error {
		sess, err := store.Get(c)
		if err != nil {
			return err
		}
		sess.Set(usercontext.KeyUserID, uint(7))
		return sess.Save()
	})
	InstallRouter(app, Dependencies{
		Sessions: store,
		Plans:    plans,
		Payments: controllers.NewPaymentController(nil, nil, "http://localhost:3000/result"),
		Pricing:  controllers.NewPricingController(nil, nil),
		Gateways: controllers.NewAdminGatewayController(nil, nil),
	})
	app.Get("/dashboard", func(c *fiber.Ctx) error {
		plan := usercontext.GetPlan(c)
		if plan == nil {
			return c.SendString("none")
		}
		return c.SendString(plan.Slug)
	})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/dashboard", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "none", string(body))
	assert.Empty(t, plans.calls(), "anonymous requests do not resolve a plan")

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/login", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	cookies := resp.Cookies()
	require.NotEmpty(t, cookies)

	req := httptest.NewRequest(fiber.MethodGet, "/dashboard", nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	resp, err = app.Test(req)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	assert.Equal(t, "pro", string(body))
	assert.Equal(t, []uint{7}, plans.calls())
}
