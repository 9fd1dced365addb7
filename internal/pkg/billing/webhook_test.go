package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/OrgAdmin/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func invoiceData(invoiceCode, subscriptionCode string) map[string]interface{} {
	return map[string]interface{}{
		"invoice_code": invoiceCode,
		"amount":       500000,
		"currency":     "NGN",
		"status":       "failed",
		"description":  "Insufficient funds",
		"subscription": map[string]interface{}{"subscription_code": subscriptionCode},
	}
}

func TestIngest_InvalidSignatureIsNotStored(t *testing.T) {
	f := newFixture(t)
	raw := payload(t, EventChargeSuccess, chargeData("R1", "CUS_1"))

	res := f.reconciler.Ingest(f.ctx, raw, SignWebhookPayload(raw, "wrong-secret"))
	assert.Equal(t, http.StatusUnauthorized, res.HTTPStatus)
	assert.Equal(t, "error", res.Status)

	res = f.reconciler.Ingest(f.ctx, raw, "")
	assert.Equal(t, http.StatusUnauthorized, res.HTTPStatus)
	assert.Empty(t, f.events())
}

func TestIngest_MalformedPayloadIsAcknowledged(t *testing.T) {
	f := newFixture(t)

	for name, raw := range map[string]string{
		"not json":      `{"event":`,
		"missing event": `{"data":{"reference":"R1"}}`,
		"missing data":  `{"event":"charge.success"}`,
		"data is array": `{"event":"charge.success","data":[1,2]}`,
		"data is null":  `{"event":"charge.success","data":null}`,
	} {
		t.Run(name, func(t *testing.T) {
			res := f.deliverRaw([]byte(raw))
			assert.Equal(t, http.StatusOK, res.HTTPStatus)
			assert.Equal(t, "error", res.Status)
			assert.Empty(t, res.EventID)
		})
	}
	assert.Empty(t, f.events())
}

func TestIngest_UnknownEventTypeIsProcessedNoop(t *testing.T) {
	f := newFixture(t)

	res := f.deliver("transfer.success", map[string]interface{}{"reference": "T1"})
	assert.True(t, http200(res))
	ev := f.event(res.EventID)
	assert.True(t, ev.Processed)
	assert.Empty(t, ev.ErrorMessage)
}

// Scenario: a charge for an active subscription is recorded once, no matter
// how often it is delivered.
func TestIngest_ChargeSuccessIsIdempotent(t *testing.T) {
	f := newFixture(t)
	sub := f.createForCustomer(org1, planMonthly, "CUS_1")
	f.clock.Advance(10 * 24 * time.Hour)

	raw := payload(t, EventChargeSuccess, chargeData("R1", "CUS_1"))
	res := f.deliverRaw(raw)
	require.True(t, http200(res), "%+v", res)
	assert.False(t, res.Duplicate)

	payments := f.payments(sub.ID)
	require.Len(t, payments, 1)
	assert.Equal(t, "R1", payments[0].GatewayReference)
	assert.Equal(t, models.PaymentStatusSuccessful, payments[0].Status)
	assert.Equal(t, "5000", payments[0].Amount.String())

	after := f.subscription(sub.ID)
	require.NotNil(t, after.LastPaymentDate)
	assert.Equal(t, f.clock.Now(), *after.LastPaymentDate)
	assert.Equal(t, testBaseTime.AddDate(0, 2, 0), after.CurrentPeriodEnd)

	// Exact replay.
	res = f.deliverRaw(raw)
	assert.True(t, http200(res))
	assert.True(t, res.Duplicate)

	// Same charge under a different envelope.
	res = f.deliver(EventChargeSuccess, map[string]interface{}{
		"reference": "R1",
		"status":    "success",
		"amount":    500000,
		"customer":  map[string]interface{}{"customer_code": "CUS_1"},
		"paid_at":   "2024-03-11T09:00:00Z",
	})
	assert.True(t, http200(res))
	assert.False(t, res.Duplicate)

	assert.Len(t, f.payments(sub.ID), 1)
	assert.Equal(t, after.CurrentPeriodEnd, f.subscription(sub.ID).CurrentPeriodEnd, "period must only be extended once")
	assert.Len(t, f.events(), 2)
}

func TestIngest_ConcurrentReplaysCreateOnePayment(t *testing.T) {
	f := newFixture(t)
	sub := f.createForCustomer(org1, planMonthly, "CUS_1")
	raw := payload(t, EventChargeSuccess, chargeData("R1", "CUS_1"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := f.deliverRaw(raw)
			assert.Equal(t, http.StatusOK, res.HTTPStatus)
		}()
	}
	wg.Wait()

	assert.Len(t, f.payments(sub.ID), 1)
	assert.Len(t, f.events(), 1)
	assert.Equal(t, testBaseTime.AddDate(0, 2, 0), f.subscription(sub.ID).CurrentPeriodEnd)
}

// Scenario: repeated invoice failures move the subscription to PAST_DUE and a
// later successful charge recovers it.
func TestIngest_PaymentFailuresThenRecovery(t *testing.T) {
	f := newFixture(t)
	sub := f.create(org1, planMonthly)
	f.link(sub.ID, "SUB_1")

	firstFailure := f.clock.Now()
	for i := 1; i <= 3; i++ {
		res := f.deliver(EventInvoicePaymentFailed, invoiceData(fmt.Sprintf("INV_%d", i), "SUB_1"))
		require.True(t, http200(res), "%+v", res)
		f.clock.Advance(24 * time.Hour)
	}

	pastDue := f.subscription(sub.ID)
	assert.Equal(t, models.SubscriptionStatusPastDue, pastDue.Status)
	assert.Equal(t, 3, pastDue.FailedPaymentCount)
	require.NotNil(t, pastDue.PastDueSince)
	assert.Equal(t, firstFailure, *pastDue.PastDueSince, "later failures keep the grace anchor")
	assert.Equal(t, "INV_3", pastDue.Metadata.Data().LastInvoiceCode)
	assert.Equal(t, models.OrganizationStatusSuspended, f.orgStatus(org1))

	payments := f.payments(sub.ID)
	require.Len(t, payments, 3)
	for _, p := range payments {
		assert.Equal(t, models.PaymentStatusFailed, p.Status)
		assert.Equal(t, "Insufficient funds", p.FailureReason)
	}

	res := f.deliver(EventChargeSuccess, map[string]interface{}{
		"reference": "R_RECOVER",
		"status":    "success",
		"amount":    500000,
		"metadata":  `{"subscription_code":"SUB_1"}`,
	})
	require.True(t, http200(res), "%+v", res)

	recovered := f.subscription(sub.ID)
	assert.Equal(t, models.SubscriptionStatusActive, recovered.Status)
	assert.Equal(t, 0, recovered.FailedPaymentCount)
	assert.Nil(t, recovered.PastDueSince)
	assert.Equal(t, models.OrganizationStatusActive, f.orgStatus(org1))
}

func TestIngest_OutOfOrderPaymentStatus(t *testing.T) {
	f := newFixture(t)
	sub := f.create(org1, planMonthly)
	f.link(sub.ID, "SUB_1")

	require.True(t, http200(f.deliver(EventChargeSuccess, map[string]interface{}{
		"reference": "R2",
		"status":    "success",
		"amount":    500000,
		"metadata":  map[string]interface{}{"subscription_code": "SUB_1"},
	})))
	periodEnd := f.subscription(sub.ID).CurrentPeriodEnd

	// A late invoice.create implies PENDING, which ranks below SUCCESSFUL.
	res := f.deliver(EventInvoiceCreate, map[string]interface{}{
		"invoice_code": "INV_R2",
		"amount":       500000,
		"status":       "pending",
		"subscription": map[string]interface{}{"subscription_code": "SUB_1"},
		"transaction":  map[string]interface{}{"reference": "R2", "status": "pending"},
	})
	require.True(t, http200(res))

	// A late failure for the same reference is a no-op as well.
	require.True(t, http200(f.deliver(EventChargeFailed, map[string]interface{}{
		"reference": "R2",
		"status":    "failed",
		"metadata":  map[string]interface{}{"subscription_code": "SUB_1"},
	})))

	payments := f.payments(sub.ID)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusSuccessful, payments[0].Status)

	after := f.subscription(sub.ID)
	assert.Equal(t, models.SubscriptionStatusActive, after.Status)
	assert.Equal(t, 0, after.FailedPaymentCount)
	assert.Equal(t, periodEnd, after.CurrentPeriodEnd)

	// A refund advances the payment without touching the subscription.
	require.True(t, http200(f.deliver(EventInvoiceUpdate, map[string]interface{}{
		"invoice_code": "INV_R2",
		"status":       "success",
		"subscription": map[string]interface{}{"subscription_code": "SUB_1"},
		"transaction":  map[string]interface{}{"reference": "R2", "status": "reversed"},
	})))
	assert.Equal(t, models.PaymentStatusRefunded, f.payments(sub.ID)[0].Status)
	assert.Equal(t, periodEnd, f.subscription(sub.ID).CurrentPeriodEnd)
}

func TestIngest_InvoiceLifecycle(t *testing.T) {
	f := newFixture(t)
	sub := f.create(org1, planMonthly)
	f.link(sub.ID, "SUB_1")
	next := testBaseTime.AddDate(0, 1, 0)

	require.True(t, http200(f.deliver(EventInvoiceCreate, map[string]interface{}{
		"invoice_code": "INV_1",
		"amount":       500000,
		"status":       "pending",
		"subscription": map[string]interface{}{
			"subscription_code": "SUB_1",
			"next_payment_date": next.Format(time.RFC3339),
		},
	})))
	payments := f.payments(sub.ID)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusPending, payments[0].Status)
	assert.Equal(t, "INV_1", payments[0].GatewayReference)

	paidAt := testBaseTime.Add(2 * time.Hour)
	require.True(t, http200(f.deliver(EventInvoiceUpdate, map[string]interface{}{
		"invoice_code": "INV_1",
		"status":       "success",
		"paid":         true,
		"paid_at":      paidAt.Format(time.RFC3339),
		"subscription": map[string]interface{}{"subscription_code": "SUB_1"},
	})))

	payments = f.payments(sub.ID)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusSuccessful, payments[0].Status)
	require.NotNil(t, payments[0].PaidAt)
	assert.Equal(t, paidAt, *payments[0].PaidAt)

	after := f.subscription(sub.ID)
	assert.Equal(t, paidAt, *after.LastPaymentDate)
	assert.Equal(t, testBaseTime.AddDate(0, 2, 0), after.CurrentPeriodEnd)
}

func invoiceEvent(invoiceCode, status string, extra map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"invoice_code": invoiceCode,
		"amount":       500000,
		"currency":     "NGN",
		"status":       status,
		"subscription": map[string]interface{}{"subscription_code": "SUB_1"},
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

func chargeForSubscription(reference string, paidAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"reference": reference,
		"status":    "success",
		"amount":    500000,
		"paid_at":   paidAt.Format(time.RFC3339),
		"metadata":  map[string]interface{}{"subscription_code": "SUB_1"},
	}
}

func TestIngest_PendingInvoiceIsSettledByItsCharge(t *testing.T) {
	f := newFixture(t)
	sub := f.create(org1, planMonthly)
	f.link(sub.ID, "SUB_1")

	require.True(t, http200(f.deliver(EventInvoiceCreate, invoiceEvent("INV_1", "pending", nil))))
	paidAt := testBaseTime.Add(time.Hour)
	require.True(t, http200(f.deliver(EventChargeSuccess, chargeForSubscription("R1", paidAt))))
	require.True(t, http200(f.deliver(EventInvoiceUpdate, invoiceEvent("INV_1", "success", map[string]interface{}{
		"paid":        true,
		"paid_at":     paidAt.Format(time.RFC3339),
		"transaction": map[string]interface{}{"reference": "R1", "status": "success"},
	}))))

	payments := f.payments(sub.ID)
	require.Len(t, payments, 1)
	assert.Equal(t, "R1", payments[0].GatewayReference)
	assert.Equal(t, "INV_1", payments[0].InvoiceCode)
	assert.Equal(t, models.PaymentStatusSuccessful, payments[0].Status)
	assert.Equal(t, testBaseTime.AddDate(0, 2, 0), f.subscription(sub.ID).CurrentPeriodEnd)
}

func TestIngest_InvoicePaidWithoutReferenceThenChargeExtendsOnce(t *testing.T) {
	f := newFixture(t)
	sub := f.create(org1, planMonthly)
	f.link(sub.ID, "SUB_1")

	paidAt := testBaseTime.Add(time.Hour)
	require.True(t, http200(f.deliver(EventInvoiceUpdate, invoiceEvent("INV_1", "success", map[string]interface{}{
		"paid":    true,
		"paid_at": paidAt.Format(time.RFC3339),
	}))))
	extended := f.subscription(sub.ID).CurrentPeriodEnd
	assert.Equal(t, testBaseTime.AddDate(0, 2, 0), extended)

	require.True(t, http200(f.deliver(EventChargeSuccess, chargeForSubscription("R1", paidAt))))

	payments := f.payments(sub.ID)
	require.Len(t, payments, 1)
	assert.Equal(t, "R1", payments[0].GatewayReference)
	assert.Equal(t, "INV_1", payments[0].InvoiceCode)
	assert.Equal(t, extended, f.subscription(sub.ID).CurrentPeriodEnd, "one payment buys one period")

	// A replay of the invoice still finds the same row.
	require.True(t, http200(f.deliver(EventInvoiceUpdate, invoiceEvent("INV_1", "success", map[string]interface{}{"paid": true, "description": "replay"}))))
	assert.Len(t, f.payments(sub.ID), 1)
}

func TestIngest_ChargeBeforeInvoiceWithoutReference(t *testing.T) {
	f := newFixture(t)
	sub := f.create(org1, planMonthly)
	f.link(sub.ID, "SUB_1")

	paidAt := testBaseTime.Add(time.Hour)
	require.True(t, http200(f.deliver(EventChargeSuccess, chargeForSubscription("R1", paidAt))))
	extended := f.subscription(sub.ID).CurrentPeriodEnd

	require.True(t, http200(f.deliver(EventInvoiceUpdate, invoiceEvent("INV_1", "success", map[string]interface{}{
		"paid":         true,
		"paid_at":      paidAt.Format(time.RFC3339),
		"period_start": testBaseTime.Format(time.RFC3339),
	}))))

	payments := f.payments(sub.ID)
	require.Len(t, payments, 1)
	assert.Equal(t, "R1", payments[0].GatewayReference)
	assert.Equal(t, "INV_1", payments[0].InvoiceCode)
	assert.Equal(t, extended, f.subscription(sub.ID).CurrentPeriodEnd)
}

func TestIngest_PaidInvoiceDoesNotAbsorbLaterCharge(t *testing.T) {
	f := newFixture(t)
	sub := f.create(org1, planMonthly)
	f.link(sub.ID, "SUB_1")

	require.True(t, http200(f.deliver(EventInvoiceUpdate, invoiceEvent("INV_1", "success", map[string]interface{}{
		"paid":    true,
		"paid_at": testBaseTime.Format(time.RFC3339),
	}))))
	assert.Equal(t, testBaseTime.AddDate(0, 2, 0), f.subscription(sub.ID).CurrentPeriodEnd)

	// Next month's charge is a separate payment.
	f.clock.Advance(31 * day)
	require.True(t, http200(f.deliver(EventChargeSuccess, chargeForSubscription("R2", f.clock.Now()))))

	payments := f.payments(sub.ID)
	require.Len(t, payments, 2)
	assert.Equal(t, "INV_1", payments[0].GatewayReference)
	assert.Equal(t, "R2", payments[1].GatewayReference)
	assert.Empty(t, payments[1].InvoiceCode)
	assert.Equal(t, testBaseTime.AddDate(0, 3, 0), f.subscription(sub.ID).CurrentPeriodEnd)
}

func TestIngest_InvoiceWithoutSubscriptionIsRejected(t *testing.T) {
	f := newFixture(t)

	res := f.deliver(EventInvoiceCreate, map[string]interface{}{"invoice_code": "INV_1"})
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, "error", res.Status)

	ev := f.event(res.EventID)
	assert.True(t, ev.Processed, "validation errors are never retried")
	assert.Contains(t, ev.ErrorMessage, "subscription_code")
	assert.Equal(t, 0, ev.RetryCount)
}

func TestIngest_ChargeMissingReferenceIsRejected(t *testing.T) {
	f := newFixture(t)

	res := f.deliver(EventChargeSuccess, map[string]interface{}{"status": "success"})
	assert.Equal(t, "error", res.Status)
	ev := f.event(res.EventID)
	assert.True(t, ev.Processed)
	assert.NotEmpty(t, ev.ErrorMessage)
}

func TestIngest_SubscriptionEvents(t *testing.T) {
	f := newFixture(t)
	sub := f.createForCustomer(org1, planMonthly, "CUS_1")
	next := testBaseTime.AddDate(0, 1, 0).Add(time.Hour)

	res := f.deliver(EventSubscriptionCreate, map[string]interface{}{
		"subscription_code": "SUB_1",
		"email_token":       "tok_1",
		"status":            "active",
		"next_payment_date": next.Format(time.RFC3339),
		"customer":          map[string]interface{}{"customer_code": "CUS_1"},
		"plan":              map[string]interface{}{"plan_code": "PLN_other"},
	})
	require.True(t, http200(res), "%+v", res)
	linked := f.subscription(sub.ID)
	assert.Equal(t, "SUB_1", linked.GatewayRef())
	assert.Equal(t, "tok_1", linked.GatewayEmailToken)
	assert.Equal(t, next, *linked.NextBillingDate)

	require.True(t, http200(f.deliver(EventSubscriptionNotRenew, map[string]interface{}{"subscription_code": "SUB_1"})))
	assert.True(t, f.subscription(sub.ID).CancelAtPeriodEnd)

	require.True(t, http200(f.deliver(EventSubscriptionEnable, map[string]interface{}{"subscription_code": "SUB_1"})))
	assert.False(t, f.subscription(sub.ID).CancelAtPeriodEnd)

	f.clock.Advance(time.Hour)
	require.True(t, http200(f.deliver(EventSubscriptionDisable, map[string]interface{}{"subscription_code": "SUB_1", "status": "complete"})))
	disabled := f.subscription(sub.ID)
	assert.Equal(t, models.SubscriptionStatusCancelled, disabled.Status)
	assert.Equal(t, ReasonGatewayDisabled, disabled.CancelReason)
	assert.Equal(t, models.OrganizationStatusCancelled, f.orgStatus(org1))

	// The gateway re-enables it.
	f.clock.Advance(time.Hour)
	require.True(t, http200(f.deliver(EventSubscriptionEnable, map[string]interface{}{"subscription_code": "SUB_1", "status": "active"})))
	enabled := f.subscription(sub.ID)
	assert.Equal(t, models.SubscriptionStatusActive, enabled.Status)
	assert.Nil(t, enabled.CancelledAt)
	assert.Empty(t, enabled.CancelReason)
	assert.Equal(t, models.OrganizationStatusActive, f.orgStatus(org1))
}

func TestIngest_EnableRefusesSecondLiveSubscription(t *testing.T) {
	f := newFixture(t)
	old := f.create(org1, planMonthly)
	f.link(old.ID, "SUB_OLD")
	_, err := f.svc.CancelSubscription(f.ctx, old.ID, CancelSubscriptionInput{})
	require.NoError(t, err)
	current := f.create(org1, planMonthly)

	res := f.deliver(EventSubscriptionEnable, map[string]interface{}{"subscription_code": "SUB_OLD"})
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, "error", res.Status)
	assert.Contains(t, f.event(res.EventID).ErrorMessage, "invariant")

	assert.Equal(t, models.SubscriptionStatusCancelled, f.subscription(old.ID).Status)
	assert.Equal(t, models.SubscriptionStatusActive, f.subscription(current.ID).Status)
}

func TestIngest_CustomerIdentificationAnnotatesMetadata(t *testing.T) {
	f := newFixture(t)
	sub := f.createForCustomer(org1, planMonthly, "CUS_1")
	before := f.subscription(sub.ID)

	require.True(t, http200(f.deliver(EventIdentificationFailed, map[string]interface{}{
		"customer_code": "CUS_1",
		"reason":        "Account number or BVN is incorrect",
	})))
	md := f.subscription(sub.ID).Metadata.Data()
	assert.Equal(t, "failed", md.CustomerIdentification)
	assert.Equal(t, "Account number or BVN is incorrect", md.IdentificationReason)

	require.True(t, http200(f.deliver(EventIdentificationSuccess, map[string]interface{}{"customer_code": "CUS_1"})))
	after := f.subscription(sub.ID)
	assert.Equal(t, "verified", after.Metadata.Data().CustomerIdentification)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.CurrentPeriodEnd, after.CurrentPeriodEnd)

	// Unknown customers are acknowledged without a retry.
	res := f.deliver(EventIdentificationSuccess, map[string]interface{}{"customer_code": "CUS_unknown"})
	assert.True(t, http200(res))
}

func TestRetryFailed_OutOfOrderEventEventuallyApplies(t *testing.T) {
	f := newFixture(t, withBackoff(ExponentialBackoff{Initial: time.Minute, Max: time.Hour, Multiplier: 2}))
	sub := f.create(org1, planMonthly)

	res := f.deliver(EventChargeSuccess, map[string]interface{}{
		"reference": "R1",
		"status":    "success",
		"amount":    500000,
		"metadata":  map[string]interface{}{"subscription_code": "SUB_LATE"},
	})
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, retryScheduledMessage, res.Message)

	ev := f.event(res.EventID)
	assert.False(t, ev.Processed)
	assert.Equal(t, 1, ev.RetryCount)
	assert.Contains(t, ev.ErrorMessage, "not found")
	require.NotNil(t, ev.NextRetryAt)
	assert.Equal(t, f.clock.Now().Add(time.Minute), *ev.NextRetryAt)

	// Not due yet.
	result, err := f.reconciler.RetryFailed(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, RetryResult{}, result)

	f.clock.Advance(time.Minute)
	result, err = f.reconciler.RetryFailed(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, RetryResult{Selected: 1, Failed: 1}, result)
	ev = f.event(res.EventID)
	assert.Equal(t, 2, ev.RetryCount)
	assert.Equal(t, f.clock.Now().Add(2*time.Minute), *ev.NextRetryAt)

	// The subscription code arrives.
	f.link(sub.ID, "SUB_LATE")
	f.clock.Advance(2 * time.Minute)
	result, err = f.reconciler.RetryFailed(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, RetryResult{Selected: 1, Succeeded: 1}, result)

	ev = f.event(res.EventID)
	assert.True(t, ev.Processed)
	assert.Empty(t, ev.ErrorMessage)
	assert.Nil(t, ev.NextRetryAt)
	assert.Len(t, f.payments(sub.ID), 1)
}

func TestIngest_RedeliveryWaitsForScheduledRetry(t *testing.T) {
	f := newFixture(t, withBackoff(ExponentialBackoff{Initial: time.Minute, Max: time.Hour, Multiplier: 2}))
	raw := payload(t, EventSubscriptionDisable, map[string]interface{}{"subscription_code": "SUB_GHOST"})

	res := f.deliverRaw(raw)
	require.Equal(t, retryScheduledMessage, res.Message)
	assert.Equal(t, 1, f.event(res.EventID).RetryCount)

	again := f.deliverRaw(raw)
	assert.True(t, again.Duplicate)
	assert.Equal(t, "success", again.Status)
	assert.Equal(t, retryScheduledMessage, again.Message)
	assert.Equal(t, 1, f.event(res.EventID).RetryCount, "redelivery before next_retry_at is not an attempt")

	f.clock.Advance(time.Minute)
	again = f.deliverRaw(raw)
	assert.True(t, again.Duplicate)
	assert.Equal(t, 2, f.event(res.EventID).RetryCount)
}

func TestRetryFailed_ExhaustsAndDeadLetters(t *testing.T) {
	f := newFixture(t, withBackoff(NoBackoff{}))

	raw := payload(t, EventSubscriptionDisable, map[string]interface{}{"subscription_code": "SUB_GHOST"})
	res := f.deliverRaw(raw)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, retryScheduledMessage, res.Message)

	result, err := f.reconciler.RetryFailed(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, RetryResult{Selected: 1, Failed: 1}, result)

	result, err = f.reconciler.RetryFailed(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, RetryResult{Selected: 1, Failed: 1, Exhausted: 1}, result)

	result, err = f.reconciler.RetryFailed(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Selected, "exhausted events are never retried again")

	ev := f.event(res.EventID)
	assert.False(t, ev.Processed)
	assert.Equal(t, DefaultWebhookMaxRetries, ev.RetryCount)

	dead, err := f.reconciler.ListDeadLetters(f.ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, res.EventID, dead[0].ID)

	// Redelivery does not resurrect it.
	again := f.deliverRaw(raw)
	assert.True(t, again.Duplicate)
	assert.Equal(t, "error", again.Status)
	assert.Equal(t, DefaultWebhookMaxRetries, f.event(res.EventID).RetryCount)
}

func TestRetryFailed_BoundedBatchOldestFirst(t *testing.T) {
	f := newFixture(t, withBackoff(NoBackoff{}))

	var ids []string
	for i := 0; i < 12; i++ {
		res := f.deliver(EventSubscriptionDisable, map[string]interface{}{"subscription_code": fmt.Sprintf("SUB_%02d", i)})
		ids = append(ids, res.EventID)
		f.clock.Advance(time.Second)
	}

	result, err := f.reconciler.RetryFailed(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultWebhookRetryBatch, result.Selected)

	assert.Equal(t, 2, f.event(ids[0]).RetryCount)
	assert.Equal(t, 2, f.event(ids[9]).RetryCount)
	assert.Equal(t, 1, f.event(ids[10]).RetryCount)
	assert.Equal(t, 1, f.event(ids[11]).RetryCount)
}

func TestRetryFailed_IsSafeToCallRepeatedly(t *testing.T) {
	f := newFixture(t)
	sub := f.createForCustomer(org1, planMonthly, "CUS_1")
	require.True(t, http200(f.deliver(EventChargeSuccess, chargeData("R1", "CUS_1"))))

	for i := 0; i < 3; i++ {
		result, err := f.reconciler.RetryFailed(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, RetryResult{}, result)
	}
	assert.Len(t, f.payments(sub.ID), 1)
}

// eventStoreFailing fails to persist webhook events.
type eventStoreFailing struct {
	Store
}

type eventTxFailing struct {
	Tx
}

func (eventTxFailing) CreateWebhookEventIfNotExists(*models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	return false, nil, errors.New("disk full")
}

func (s eventStoreFailing) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.Store.InTx(ctx, func(tx Tx) error { return fn(eventTxFailing{tx}) })
}

func TestIngest_StorageFailureAsksSenderToRetry(t *testing.T) {
	f := newFixture(t, withStore(func(s Store) Store { return eventStoreFailing{s} }))

	res := f.deliver(EventChargeSuccess, chargeData("R1", "CUS_1"))
	assert.Equal(t, http.StatusInternalServerError, res.HTTPStatus)
	assert.Empty(t, f.events())
}

func TestIngest_VerifiedTransactionFillsMissingPaidAt(t *testing.T) {
	f := newFixture(t)
	sub := f.createForCustomer(org1, planMonthly, "CUS_1")
	paidAt := testBaseTime.Add(-time.Hour)
	f.gateway.txn = &GatewayTransaction{Reference: "R1", Status: "success", Amount: 250000, Currency: "NGN", PaidAt: &paidAt}

	require.True(t, http200(f.deliver(EventChargeSuccess, map[string]interface{}{
		"reference": "R1",
		"status":    "success",
		"customer":  map[string]interface{}{"customer_code": "CUS_1"},
	})))

	assert.Equal(t, []string{"R1"}, f.gateway.verified)
	payments := f.payments(sub.ID)
	require.Len(t, payments, 1)
	assert.Equal(t, "2500", payments[0].Amount.String())
	assert.Equal(t, paidAt, *f.subscription(sub.ID).LastPaymentDate)
}

func TestIngest_GatewayVerificationFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	sub := f.createForCustomer(org1, planMonthly, "CUS_1")
	f.gateway.verifyErr = &GatewayError{Op: "verify_transaction", Transient: true, Err: context.DeadlineExceeded}

	require.True(t, http200(f.deliver(EventChargeSuccess, chargeData("R1", "CUS_1"))))
	assert.Len(t, f.payments(sub.ID), 1)
}
