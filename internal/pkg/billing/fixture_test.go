package billing

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/OrgAdmin/app/models"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	testWebhookSecret = "whsec_test"
	planMonthly       = "plan-monthly"
	planTrial         = "plan-trial"
	planInactive      = "plan-inactive"
	planGateway       = "plan-gateway"
	org1              = "org-1"
	org2              = "org-2"
)

var testBaseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu        sync.Mutex
	secret    string
	createErr error
	cancelErr error
	enableErr error
	verifyErr error
	txn       *GatewayTransaction
	nextCode  string

	created   []string
	cancelled []string
	enabled   []string
	verified  []string
}

func (g *fakeGateway) CreateSubscription(_ context.Context, customerRef, planCode string, _ *time.Time) (*GatewaySubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, customerRef+"/"+planCode)
	if g.createErr != nil {
		return nil, g.createErr
	}
	code := g.nextCode
	if code == "" {
		code = "SUB_" + customerRef
	}
	return &GatewaySubscription{Code: code, EmailToken: "tok_" + customerRef, Status: "active"}, nil
}

func (g *fakeGateway) CancelSubscription(_ context.Context, code, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, code)
	return g.cancelErr
}

func (g *fakeGateway) EnableSubscription(_ context.Context, code, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = append(g.enabled, code)
	return g.enableErr
}

func (g *fakeGateway) VerifyTransaction(_ context.Context, reference string) (*GatewayTransaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verified = append(g.verified, reference)
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	if g.txn == nil {
		return nil, &GatewayError{Op: "verify_transaction", Err: ErrGatewayDisabled}
	}
	return g.txn, nil
}

func (g *fakeGateway) VerifySignature(payload []byte, signature string) bool {
	return VerifyWebhookSignature(payload, signature, g.secret)
}

type recordingFollowUps struct {
	mu   sync.Mutex
	jobs []FollowUp
}

func (r *recordingFollowUps) DispatchFollowUp(_ context.Context, f FollowUp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, f)
	return nil
}

type fixture struct {
	t          *testing.T
	ctx        context.Context
	mem        *MemoryStore
	clock      clockwork.FakeClock
	gateway    *fakeGateway
	followUps  *recordingFollowUps
	svc        *Service
	reconciler *Reconciler
	sweeper    *Sweeper
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	cfg     Config
	backoff BackoffPolicy
	wrap    func(Store) Store
}

func withBackoff(b BackoffPolicy) fixtureOption {
	return func(c *fixtureConfig) { c.backoff = b }
}

func withStore(wrap func(Store) Store) fixtureOption {
	return func(c *fixtureConfig) { c.wrap = wrap }
}

func withConfig(fn func(*Config)) fixtureOption {
	return func(c *fixtureConfig) { fn(&c.cfg) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	fc := fixtureConfig{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(&fc)
	}

	mem := NewMemoryStore()
	gatewayCode := "PLN_gateway"
	for _, plan := range []models.SubscriptionPlan{
		{ID: planMonthly, Name: "Monthly", Amount: decimal.NewFromInt(5000), Currency: "NGN", Interval: models.PlanIntervalMonthly, IntervalCount: 1, IsActive: true},
		{ID: planTrial, Name: "Monthly with trial", Amount: decimal.NewFromInt(5000), Currency: "NGN", Interval: models.PlanIntervalMonthly, IntervalCount: 1, TrialPeriodDays: 14, IsActive: true},
		{ID: planInactive, Name: "Legacy", Amount: decimal.NewFromInt(1000), Currency: "NGN", Interval: models.PlanIntervalMonthly, IntervalCount: 1, IsActive: false},
		{ID: planGateway, Name: "Gateway monthly", Amount: decimal.NewFromInt(5000), Currency: "NGN", Interval: models.PlanIntervalMonthly, IntervalCount: 1, IsActive: true, GatewayPlanCode: &gatewayCode},
	} {
		mem.PutPlan(plan)
	}
	for _, id := range []string{org1, org2} {
		mem.PutOrganization(models.Organization{ID: id, Name: id, Status: models.OrganizationStatusTrial})
	}

	var store Store = mem
	if fc.wrap != nil {
		store = fc.wrap(mem)
	}

	clock := clockwork.NewFakeClockAt(testBaseTime)
	gw := &fakeGateway{secret: testWebhookSecret}
	followUps := &recordingFollowUps{}
	svc := NewService(store, gw, clock, fc.cfg)
	svc.SetFollowUpDispatcher(followUps)

	return &fixture{
		t:          t,
		ctx:        context.Background(),
		mem:        mem,
		clock:      clock,
		gateway:    gw,
		followUps:  followUps,
		svc:        svc,
		reconciler: NewReconciler(svc, fc.backoff),
		sweeper:    NewSweeper(svc),
	}
}

func (f *fixture) create(orgID, planID string) *models.Subscription {
	f.t.Helper()
	sub, err := f.svc.CreateSubscription(f.ctx, CreateSubscriptionInput{OrganizationID: orgID, PlanID: planID})
	require.NoError(f.t, err)
	return sub
}

func (f *fixture) createForCustomer(orgID, planID, customer string) *models.Subscription {
	f.t.Helper()
	sub, err := f.svc.CreateSubscription(f.ctx, CreateSubscriptionInput{OrganizationID: orgID, PlanID: planID, GatewayCustomerRef: customer})
	require.NoError(f.t, err)
	return sub
}

func (f *fixture) link(subID, code string) {
	f.t.Helper()
	_, err := f.svc.AttachGatewaySubscription(f.ctx, subID, code, "tok_"+code)
	require.NoError(f.t, err)
}

func (f *fixture) subscription(id string) models.Subscription {
	f.t.Helper()
	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()
	sub, ok := f.mem.data.subscriptions[id]
	require.True(f.t, ok, "subscription %s not found", id)
	return sub
}

func (f *fixture) orgStatus(id string) string {
	f.t.Helper()
	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()
	return f.mem.data.organizations[id].Status
}

func (f *fixture) payments(subID string) []models.SubscriptionPayment {
	f.t.Helper()
	payments, err := f.svc.ListPayments(f.ctx, subID)
	require.NoError(f.t, err)
	return payments
}

func (f *fixture) events() []models.WebhookEvent {
	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()
	out := make([]models.WebhookEvent, 0, len(f.mem.data.events))
	for _, ev := range f.mem.data.events {
		out = append(out, ev)
	}
	return out
}

func (f *fixture) event(id string) models.WebhookEvent {
	f.t.Helper()
	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()
	ev, ok := f.mem.data.events[id]
	require.True(f.t, ok, "webhook event %s not found", id)
	return ev
}

// setSubscription overwrites a stored row, bypassing the state machine.
func (f *fixture) setSubscription(id string, mutate func(*models.Subscription)) {
	f.t.Helper()
	require.NoError(f.t, f.mem.InTx(f.ctx, func(tx Tx) error {
		sub, err := tx.GetSubscription(id)
		if err != nil {
			return err
		}
		mutate(sub)
		return tx.UpdateSubscription(sub)
	}))
}

func payload(t *testing.T, event string, data interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"event": event, "data": data})
	require.NoError(t, err)
	return raw
}

func (f *fixture) deliverRaw(raw []byte) IngestResult {
	return f.reconciler.Ingest(f.ctx, raw, SignWebhookPayload(raw, testWebhookSecret))
}

func (f *fixture) deliver(event string, data interface{}) IngestResult {
	f.t.Helper()
	return f.deliverRaw(payload(f.t, event, data))
}
