package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/OrgAdmin/app/models"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// chargeMatchWindow bounds how far a charge may be from the payment time of
// an invoice that was paid without a transaction reference.
const chargeMatchWindow = 48 * time.Hour

// dispatch applies one event inside tx. Unknown event types are accepted and
// ignored so new gateway notifications never pile up as failures.
func (r *Reconciler) dispatch(tx Tx, env *webhookEnvelope, pre prefetchedData, now time.Time) error {
	switch env.Event {
	case EventSubscriptionCreate:
		return r.handleSubscriptionCreate(tx, env, now)
	case EventSubscriptionEnable:
		return r.handleSubscriptionEnable(tx, env, now)
	case EventSubscriptionDisable:
		return r.handleSubscriptionDisable(tx, env, now)
	case EventSubscriptionNotRenew:
		return r.handleSubscriptionNotRenew(tx, env)
	case EventInvoiceCreate:
		return r.handleInvoice(tx, env, now, models.PaymentStatusPending)
	case EventInvoiceUpdate:
		return r.handleInvoice(tx, env, now, "")
	case EventInvoicePaymentFailed:
		return r.handleInvoice(tx, env, now, models.PaymentStatusFailed)
	case EventChargeSuccess:
		return r.handleCharge(tx, env, pre, now, models.PaymentStatusSuccessful)
	case EventChargeFailed:
		return r.handleCharge(tx, env, pre, now, models.PaymentStatusFailed)
	case EventIdentificationSuccess:
		return r.handleIdentification(tx, env, now, true)
	case EventIdentificationFailed:
		return r.handleIdentification(tx, env, now, false)
	default:
		log.Infof("[Webhook] Ignoring unsupported event type %q", env.Event)
		return nil
	}
}

func (r *Reconciler) handleSubscriptionCreate(tx Tx, env *webhookEnvelope, now time.Time) error {
	var data subscriptionEventData
	if err := decodeEventData(r.svc.validate, env.Data, &data); err != nil {
		return err
	}

	sub, err := lockSubscription(tx, func(u Tx) (*models.Subscription, error) {
		sub, err := u.FindSubscriptionByGatewayRef(data.SubscriptionCode)
		if !errors.Is(err, ErrNotFound) {
			return sub, err
		}
		customer := strings.TrimSpace(data.Customer.CustomerCode)
		if customer == "" {
			return nil, fmt.Errorf("subscription %s: %w", data.SubscriptionCode, ErrNotFound)
		}
		sub, err = u.FindLiveSubscriptionByCustomer(customer)
		if err != nil {
			return nil, fmt.Errorf("live subscription for customer %s: %w", customer, err)
		}
		return sub, nil
	})
	if err != nil {
		return err
	}

	if code := strings.TrimSpace(data.Plan.PlanCode); code != "" {
		if plan, pErr := tx.GetPlanByGatewayCode(code); pErr == nil && plan.ID != sub.PlanID {
			log.Warnf("[Webhook] Gateway subscription %s uses plan %s but local subscription %s is on plan %s", data.SubscriptionCode, plan.ID, sub.ID, sub.PlanID)
		}
	}

	if err := attachGatewayRef(sub, data.SubscriptionCode, data.EmailToken); err != nil {
		return err
	}
	if sub.IsLive() {
		if next := data.NextPaymentDate.Ptr(); next != nil {
			sub.NextBillingDate = next
		}
	}
	return r.svc.saveSubscription(tx, sub, sub.Status)
}

func (r *Reconciler) findByGatewayRef(tx Tx, env *webhookEnvelope) (*models.Subscription, *subscriptionEventData, error) {
	var data subscriptionEventData
	if err := decodeEventData(r.svc.validate, env.Data, &data); err != nil {
		return nil, nil, err
	}
	sub, err := lockSubscription(tx, func(u Tx) (*models.Subscription, error) {
		return u.FindSubscriptionByGatewayRef(data.SubscriptionCode)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscription %s: %w", data.SubscriptionCode, err)
	}
	if token := strings.TrimSpace(data.EmailToken); token != "" {
		sub.GatewayEmailToken = token
	}
	return sub, &data, nil
}

func (r *Reconciler) handleSubscriptionEnable(tx Tx, env *webhookEnvelope, now time.Time) error {
	sub, data, err := r.findByGatewayRef(tx, env)
	if err != nil {
		return err
	}
	prev := sub.Status

	switch {
	case sub.Status == models.SubscriptionStatusCancelled:
		// The organization row is locked, so a concurrent create either
		// committed already or waits for this transaction.
		other, err := tx.FindLiveSubscription(sub.OrganizationID)
		if err == nil && other.ID != sub.ID {
			return fmt.Errorf("%w: cannot re-enable %s, organization %s already has live subscription %s",
				ErrInvariantViolation, sub.ID, sub.OrganizationID, other.ID)
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		plan, err := tx.GetPlan(sub.PlanID)
		if err != nil {
			return fmt.Errorf("plan %s: %w", sub.PlanID, err)
		}
		if err := reactivate(sub, plan, now); err != nil {
			return err
		}
	case sub.CancelAtPeriodEnd:
		sub.CancelAtPeriodEnd = false
		sub.CancelReason = ""
	}

	if next := data.NextPaymentDate.Ptr(); next != nil && sub.IsLive() {
		sub.NextBillingDate = next
	}
	return r.svc.saveSubscription(tx, sub, prev)
}

func (r *Reconciler) handleSubscriptionDisable(tx Tx, env *webhookEnvelope, now time.Time) error {
	sub, _, err := r.findByGatewayRef(tx, env)
	if err != nil {
		return err
	}
	prev := sub.Status
	if !cancel(sub, now, ReasonGatewayDisabled) {
		log.Debugf("[Webhook] Subscription %s already cancelled", sub.ID)
		return nil
	}
	return r.svc.saveSubscription(tx, sub, prev)
}

func (r *Reconciler) handleSubscriptionNotRenew(tx Tx, env *webhookEnvelope) error {
	sub, _, err := r.findByGatewayRef(tx, env)
	if err != nil {
		return err
	}
	if !sub.IsLive() || sub.CancelAtPeriodEnd {
		return nil
	}
	sub.CancelAtPeriodEnd = true
	sub.CancelReason = ReasonAtPeriodEnd
	return r.svc.saveSubscription(tx, sub, sub.Status)
}

// handleInvoice records the payment an invoice refers to. forced overrides
// the status implied by the invoice itself.
func (r *Reconciler) handleInvoice(tx Tx, env *webhookEnvelope, now time.Time, forced string) error {
	var data invoiceEventData
	if err := decodeEventData(r.svc.validate, env.Data, &data); err != nil {
		return err
	}

	code := strings.TrimSpace(data.Subscription.SubscriptionCode)
	if code == "" {
		return newValidationError("subscription.subscription_code", "is required")
	}
	sub, err := lockSubscription(tx, func(u Tx) (*models.Subscription, error) {
		return u.FindSubscriptionByGatewayRef(code)
	})
	if err != nil {
		return fmt.Errorf("subscription %s: %w", code, err)
	}

	status := forced
	if status == "" {
		switch {
		case data.Paid:
			status = models.PaymentStatusSuccessful
		case data.Transaction.Status != "":
			status = paymentStatusFromGateway(data.Transaction.Status)
		default:
			status = paymentStatusFromGateway(data.Status)
		}
	}

	md := sub.Metadata.Data()
	md.LastInvoiceCode = data.InvoiceCode
	sub.Metadata = datatypes.NewJSONType(md)

	at := now
	if status == models.PaymentStatusSuccessful {
		if paid := data.PaidAt.Ptr(); paid != nil {
			at = *paid
		}
	}
	in := paymentInput{
		reference:   data.paymentReference(),
		invoiceCode: strings.TrimSpace(data.InvoiceCode),
		status:      status,
		amount:      minorUnits(data.Amount),
		currency:    data.Currency,
		at:          at,
		periodStart: data.PeriodStart.Ptr(),
		periodEnd:   data.PeriodEnd.Ptr(),
		reason:      data.Description,
	}
	// A successful payment recomputes the billing date from the new period.
	if next := data.Subscription.NextPaymentDate.Ptr(); next != nil && sub.IsLive() && status != models.PaymentStatusSuccessful {
		sub.NextBillingDate = next
	}
	return r.applyPayment(tx, sub, in)
}

func (r *Reconciler) handleCharge(tx Tx, env *webhookEnvelope, pre prefetchedData, now time.Time, status string) error {
	var data chargeEventData
	if err := decodeEventData(r.svc.validate, env.Data, &data); err != nil {
		return err
	}

	sub, err := lockSubscription(tx, func(u Tx) (*models.Subscription, error) {
		return r.resolveChargeSubscription(u, &data)
	})
	if err != nil {
		return err
	}

	at := now
	if status == models.PaymentStatusSuccessful {
		if paid := data.PaidAt.Ptr(); paid != nil {
			at = *paid
		} else if pre.transaction != nil && pre.transaction.PaidAt != nil {
			at = pre.transaction.PaidAt.UTC()
		}
	}
	amount, currency := data.Amount, data.Currency
	if amount == 0 && pre.transaction != nil {
		amount, currency = pre.transaction.Amount, pre.transaction.Currency
	}
	if code := strings.TrimSpace(data.Authorization.AuthorizationCode); code != "" {
		md := sub.Metadata.Data()
		md.AuthorizationCode = code
		sub.Metadata = datatypes.NewJSONType(md)
	}

	return r.applyPayment(tx, sub, paymentInput{
		reference: data.Reference,
		status:    status,
		amount:    minorUnits(amount),
		currency:  currency,
		at:        at,
		reason:    data.GatewayResponse,
	})
}

// resolveChargeSubscription finds the subscription a charge belongs to: the
// subscription of an already known payment reference, then the metadata
// hints, then the live subscription of the paying customer.
func (r *Reconciler) resolveChargeSubscription(tx Tx, data *chargeEventData) (*models.Subscription, error) {
	if p, err := tx.FindPaymentByReference(data.Reference); err == nil {
		return tx.GetSubscription(p.SubscriptionID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	md := parseChargeMetadata(data.Metadata)
	if md.SubscriptionCode != "" {
		sub, err := tx.FindSubscriptionByGatewayRef(md.SubscriptionCode)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return sub, err
		}
	}
	if md.SubscriptionID != "" {
		sub, err := tx.GetSubscription(md.SubscriptionID)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return sub, err
		}
	}
	if customer := strings.TrimSpace(data.Customer.CustomerCode); customer != "" {
		sub, err := tx.FindLiveSubscriptionByCustomer(customer)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return sub, err
		}
	}
	return nil, fmt.Errorf("subscription for charge %s: %w", data.Reference, ErrNotFound)
}

type paymentInput struct {
	reference   string
	invoiceCode string
	status      string
	amount      decimal.Decimal
	currency    string
	at          time.Time
	periodStart *time.Time
	periodEnd   *time.Time
	reason      string
}

// applyPayment upserts the payment row for in.reference and, when its status
// advanced, drives the subscription transition. The subscription row is
// always saved because metadata may have changed.
func (r *Reconciler) applyPayment(tx Tx, sub *models.Subscription, in paymentInput) error {
	if strings.TrimSpace(in.reference) == "" {
		return newValidationError("reference", "is required")
	}
	if paymentRank(in.status) < 0 {
		return newValidationError("status", "unknown payment status %q", in.status)
	}
	prev := sub.Status

	payment, err := r.findPayment(tx, sub, in)
	switch {
	case err == nil:
		if payment.SubscriptionID != sub.ID {
			return newValidationError("reference", "payment %s belongs to subscription %s, not %s", in.reference, payment.SubscriptionID, sub.ID)
		}
		linked := linkPayment(payment, in)
		if paymentRank(in.status) <= paymentRank(payment.Status) {
			log.Debugf("[Webhook] Payment %s already %s, ignoring %s", in.reference, payment.Status, in.status)
			if linked {
				if err := tx.UpdatePayment(payment); err != nil {
					return fmt.Errorf("link payment %s: %w", payment.GatewayReference, err)
				}
			}
			return r.svc.saveSubscription(tx, sub, prev)
		}
		fillPayment(payment, in)
		if err := tx.UpdatePayment(payment); err != nil {
			return fmt.Errorf("update payment %s: %w", in.reference, err)
		}
	case errors.Is(err, ErrNotFound):
		payment = &models.SubscriptionPayment{
			ID:               uuid.NewString(),
			SubscriptionID:   sub.ID,
			GatewayReference: in.reference,
			InvoiceCode:      in.invoiceCode,
			PeriodStart:      sub.CurrentPeriodStart,
			PeriodEnd:        sub.CurrentPeriodEnd,
			CreatedAt:        in.at,
		}
		fillPayment(payment, in)
		if err := tx.CreatePayment(payment); err != nil {
			return fmt.Errorf("create payment %s: %w", in.reference, err)
		}
	default:
		return err
	}

	switch in.status {
	case models.PaymentStatusSuccessful:
		if !sub.IsLive() {
			log.Warnf("[Webhook] Payment %s succeeded for cancelled subscription %s, recorded without reactivation", in.reference, sub.ID)
			break
		}
		plan, err := tx.GetPlan(sub.PlanID)
		if err != nil {
			return fmt.Errorf("plan %s: %w", sub.PlanID, err)
		}
		if err := applyPaymentSuccess(sub, plan, in.at); err != nil {
			return err
		}
	case models.PaymentStatusFailed:
		if !sub.IsLive() {
			break
		}
		if err := applyPaymentFailure(sub, in.at); err != nil {
			return err
		}
	}
	return r.svc.saveSubscription(tx, sub, prev)
}

// findPayment returns the row of the billing attempt in belongs to. Invoice
// and charge events for one attempt carry different keys: an invoice seen
// before its charge is keyed by its invoice code until a charge or a later
// invoice event brings the transaction reference.
func (r *Reconciler) findPayment(tx Tx, sub *models.Subscription, in paymentInput) (*models.SubscriptionPayment, error) {
	p, err := tx.FindPaymentByReference(in.reference)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return p, err
	}

	if in.invoiceCode == "" {
		p, err = tx.FindOpenInvoicePayment(sub.ID)
		if err != nil {
			return nil, err
		}
		// An invoice already paid without a reference only absorbs the
		// charge that settled it, not a later period's charge.
		if p.Status == models.PaymentStatusSuccessful &&
			(p.PaidAt == nil || absDuration(in.at.Sub(*p.PaidAt)) > chargeMatchWindow) {
			return nil, ErrNotFound
		}
		return p, nil
	}

	p, err = tx.FindPaymentByInvoiceCode(in.invoiceCode)
	switch {
	case err == nil:
		// A row already tied to another transaction keeps that reference.
		if in.reference != in.invoiceCode && p.GatewayReference != p.InvoiceCode {
			return nil, ErrNotFound
		}
		return p, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	case in.reference == in.invoiceCode && in.periodStart != nil:
		return tx.FindUnlinkedChargePayment(sub.ID, *in.periodStart)
	default:
		return nil, ErrNotFound
	}
}

// linkPayment records the invoice code on p and moves a row still keyed by
// its invoice code onto the transaction reference. It reports whether p
// changed.
func linkPayment(p *models.SubscriptionPayment, in paymentInput) bool {
	changed := false
	if in.invoiceCode != "" && p.InvoiceCode == "" {
		p.InvoiceCode = in.invoiceCode
		changed = true
	}
	if p.InvoiceCode != "" && p.GatewayReference == p.InvoiceCode && in.reference != p.InvoiceCode {
		p.GatewayReference = in.reference
		changed = true
	}
	return changed
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func fillPayment(p *models.SubscriptionPayment, in paymentInput) {
	p.Status = in.status
	p.UpdatedAt = in.at
	if !in.amount.IsZero() || p.Amount.IsZero() {
		p.Amount = in.amount
	}
	if in.currency != "" {
		p.Currency = strings.ToUpper(in.currency)
	} else if p.Currency == "" {
		p.Currency = "NGN"
	}
	if in.periodStart != nil {
		p.PeriodStart = *in.periodStart
	}
	if in.periodEnd != nil {
		p.PeriodEnd = *in.periodEnd
	}
	switch in.status {
	case models.PaymentStatusSuccessful:
		at := in.at
		p.PaidAt = &at
		p.FailureReason = ""
	case models.PaymentStatusFailed, models.PaymentStatusCancelled:
		at := in.at
		p.FailedAt = &at
		p.FailureReason = truncate(in.reason, 255)
	}
}

// handleIdentification annotates the customer's live subscription. It never
// changes status or the grace clock.
func (r *Reconciler) handleIdentification(tx Tx, env *webhookEnvelope, now time.Time, success bool) error {
	var data identificationEventData
	if err := decodeEventData(r.svc.validate, env.Data, &data); err != nil {
		return err
	}
	sub, err := lockSubscription(tx, func(u Tx) (*models.Subscription, error) {
		return u.FindLiveSubscriptionByCustomer(data.CustomerCode)
	})
	if errors.Is(err, ErrNotFound) {
		log.Infof("[Webhook] No live subscription for customer %s, identification result not recorded", data.CustomerCode)
		return nil
	}
	if err != nil {
		return err
	}

	md := sub.Metadata.Data()
	at := now
	md.IdentifiedAt = &at
	if success {
		md.CustomerIdentification = "verified"
		md.IdentificationReason = ""
	} else {
		md.CustomerIdentification = "failed"
		md.IdentificationReason = truncate(data.Reason, 255)
	}
	sub.Metadata = datatypes.NewJSONType(md)
	return r.svc.saveSubscription(tx, sub, sub.Status)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
