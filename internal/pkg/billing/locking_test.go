package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/OrgAdmin/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	lockedOrganization = "organization"
	lockedSubscription = "subscription"
)

// lockRecorder records the row locks every transaction takes, in order.
type lockRecorder struct {
	Store
	mu  sync.Mutex
	txs [][]string
}

type lockRecordingTx struct {
	Tx
	locks *[]string
}

func (t lockRecordingTx) GetOrganization(id string) (*models.Organization, error) {
	*t.locks = append(*t.locks, lockedOrganization)
	return t.Tx.GetOrganization(id)
}

func (t lockRecordingTx) GetSubscription(id string) (*models.Subscription, error) {
	*t.locks = append(*t.locks, lockedSubscription)
	return t.Tx.GetSubscription(id)
}

func (t lockRecordingTx) FindSubscriptionByGatewayRef(ref string) (*models.Subscription, error) {
	*t.locks = append(*t.locks, lockedSubscription)
	return t.Tx.FindSubscriptionByGatewayRef(ref)
}

func (t lockRecordingTx) FindLiveSubscription(organizationID string) (*models.Subscription, error) {
	*t.locks = append(*t.locks, lockedSubscription)
	return t.Tx.FindLiveSubscription(organizationID)
}

func (t lockRecordingTx) FindLiveSubscriptionByCustomer(customerRef string) (*models.Subscription, error) {
	*t.locks = append(*t.locks, lockedSubscription)
	return t.Tx.FindLiveSubscriptionByCustomer(customerRef)
}

func (s *lockRecorder) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var locks []string
	err := s.Store.InTx(ctx, func(tx Tx) error {
		return fn(lockRecordingTx{Tx: tx, locks: &locks})
	})
	s.mu.Lock()
	s.txs = append(s.txs, locks)
	s.mu.Unlock()
	return err
}

func (s *lockRecorder) subscriptionLockedBeforeOrganization() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bad []string
	for i, locks := range s.txs {
		for _, l := range locks {
			if l == lockedOrganization {
				break
			}
			if l == lockedSubscription {
				bad = append(bad, fmt.Sprintf("tx %d: %v", i, locks))
				break
			}
		}
	}
	return bad
}

func TestWriters_LockOrganizationBeforeSubscription(t *testing.T) {
	rec := &lockRecorder{}
	f := newFixture(t, withBackoff(NoBackoff{}), withStore(func(s Store) Store {
		rec.Store = s
		return rec
	}))

	sub := f.createForCustomer(org1, planMonthly, "CUS_1")
	f.link(sub.ID, "SUB_1")

	for _, d := range []struct {
		event string
		data  interface{}
	}{
		{EventSubscriptionCreate, map[string]interface{}{"subscription_code": "SUB_1", "customer": map[string]interface{}{"customer_code": "CUS_1"}}},
		{EventInvoiceCreate, map[string]interface{}{"invoice_code": "INV_1", "status": "pending", "subscription": map[string]interface{}{"subscription_code": "SUB_1"}}},
		{EventChargeSuccess, chargeData("R1", "CUS_1")},
		{EventIdentificationSuccess, map[string]interface{}{"customer_code": "CUS_1"}},
		{EventSubscriptionNotRenew, map[string]interface{}{"subscription_code": "SUB_1"}},
		{EventSubscriptionEnable, map[string]interface{}{"subscription_code": "SUB_1"}},
		{EventInvoicePaymentFailed, invoiceData("INV_2", "SUB_1")},
		{EventSubscriptionDisable, map[string]interface{}{"subscription_code": "SUB_1"}},
		{EventSubscriptionEnable, map[string]interface{}{"subscription_code": "SUB_1"}},
	} {
		res := f.deliver(d.event, d.data)
		require.True(t, http200(res), "%s: %+v", d.event, res)
	}

	_, err := f.svc.CancelSubscription(f.ctx, sub.ID, CancelSubscriptionInput{AtPeriodEnd: true})
	require.NoError(t, err)
	_, err = f.svc.ResumeSubscription(f.ctx, sub.ID)
	require.NoError(t, err)

	f.clock.Advance(90 * day)
	_, err = f.sweeper.RunSweep(f.ctx)
	require.NoError(t, err)
	f.clock.Advance(DefaultGracePeriod + time.Hour)
	_, err = f.sweeper.RunSweep(f.ctx)
	require.NoError(t, err)
	require.Equal(t, models.SubscriptionStatusCancelled, f.subscription(sub.ID).Status)

	assert.Empty(t, rec.subscriptionLockedBeforeOrganization())
}

func TestEnableAndCreateRaceLeaveOneLiveSubscription(t *testing.T) {
	for i := 0; i < 10; i++ {
		f := newFixture(t)
		old := f.create(org1, planMonthly)
		f.link(old.ID, "SUB_OLD")
		_, err := f.svc.CancelSubscription(f.ctx, old.ID, CancelSubscriptionInput{})
		require.NoError(t, err)

		enable := payload(t, EventSubscriptionEnable, map[string]interface{}{"subscription_code": "SUB_OLD"})
		var wg sync.WaitGroup
		var createErr error
		var enableRes IngestResult
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, createErr = f.svc.CreateSubscription(f.ctx, CreateSubscriptionInput{OrganizationID: org1, PlanID: planMonthly})
		}()
		go func() {
			defer wg.Done()
			enableRes = f.deliverRaw(enable)
		}()
		wg.Wait()

		live := 0
		f.mem.mu.Lock()
		for _, s := range f.mem.data.subscriptions {
			if s.OrganizationID == org1 && s.IsLive() {
				live++
			}
		}
		f.mem.mu.Unlock()
		assert.Equal(t, 1, live)

		if createErr == nil {
			assert.Equal(t, "error", enableRes.Status, "enable must lose once create committed")
			assert.Equal(t, models.SubscriptionStatusCancelled, f.subscription(old.ID).Status)
		} else {
			assert.True(t, errors.Is(createErr, ErrInvariantViolation), "%v", createErr)
			assert.Equal(t, models.SubscriptionStatusActive, f.subscription(old.ID).Status)
		}
	}
}
