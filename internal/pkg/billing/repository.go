package billing

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/OrgAdmin/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the transactional ledger behind the billing engine. Every
// read-modify-write happens inside InTx; the transaction is the only
// concurrency boundary, so the engine is safe across processes.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes ledger operations bound to one transaction. Getters that return
// a subscription, organization, payment or webhook event lock the row until
// commit. Writers lock the organization before any of its subscriptions.
type Tx interface {
	// Unlocked returns a view of the same transaction whose getters take no
	// row locks.
	Unlocked() Tx

	GetOrganization(id string) (*models.Organization, error)
	UpdateOrganizationStatus(id, status string) error

	GetPlan(id string) (*models.SubscriptionPlan, error)
	GetPlanByGatewayCode(code string) (*models.SubscriptionPlan, error)

	GetSubscription(id string) (*models.Subscription, error)
	FindSubscriptionByGatewayRef(ref string) (*models.Subscription, error)
	FindLiveSubscription(organizationID string) (*models.Subscription, error)
	FindLiveSubscriptionByCustomer(customerRef string) (*models.Subscription, error)
	ListSubscriptionIDs(filter SubscriptionFilter) ([]string, error)
	// CountSubscriptions counts every match of filter, ignoring its Limit.
	CountSubscriptions(filter SubscriptionFilter) (int, error)
	CreateSubscription(sub *models.Subscription) error
	UpdateSubscription(sub *models.Subscription) error

	FindPaymentByReference(ref string) (*models.SubscriptionPayment, error)
	FindPaymentByInvoiceCode(code string) (*models.SubscriptionPayment, error)
	// FindOpenInvoicePayment returns the newest payment of the subscription
	// that is still keyed by its invoice code.
	FindOpenInvoicePayment(subscriptionID string) (*models.SubscriptionPayment, error)
	// FindUnlinkedChargePayment returns the newest payment of the
	// subscription created at or after since that has no invoice code.
	FindUnlinkedChargePayment(subscriptionID string, since time.Time) (*models.SubscriptionPayment, error)
	ListPayments(subscriptionID string) ([]models.SubscriptionPayment, error)
	CreatePayment(payment *models.SubscriptionPayment) error
	UpdatePayment(payment *models.SubscriptionPayment) error

	CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	GetWebhookEvent(id string) (*models.WebhookEvent, error)
	UpdateWebhookEvent(event *models.WebhookEvent) error
	ListRetryableWebhookEvents(maxRetries int, now time.Time, limit int) ([]models.WebhookEvent, error)
	ListExhaustedWebhookEvents(maxRetries, limit int) ([]models.WebhookEvent, error)
}

// SubscriptionFilter selects subscription ids for the sweeper. Before bounds
// are exclusive, After bounds are inclusive. Zero-valued fields are ignored.
type SubscriptionFilter struct {
	Status          string
	PeriodEndBefore *time.Time
	PeriodEndAfter  *time.Time
	TrialEndBefore  *time.Time
	TrialEndAfter   *time.Time
	PastDueBefore   *time.Time
	Limit           int
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a ledger store backed by GORM (MySQL or PostgreSQL).
func NewRepository(db *gorm.DB) Store {
	return &gormRepository{db: db}
}

func (r *gormRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

type gormTx struct {
	db     *gorm.DB
	noLock bool
}

func (t *gormTx) Unlocked() Tx {
	return &gormTx{db: t.db, noLock: true}
}

func (t *gormTx) locked() *gorm.DB {
	if t.noLock {
		return t.db
	}
	return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (t *gormTx) GetOrganization(id string) (*models.Organization, error) {
	var org models.Organization
	if err := t.locked().Where("id = ?", id).First(&org).Error; err != nil {
		return nil, notFound(err)
	}
	return &org, nil
}

func (t *gormTx) UpdateOrganizationStatus(id, status string) error {
	res := t.db.Model(&models.Organization{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// MySQL reports 0 affected rows when the value is unchanged.
		var count int64
		if err := t.db.Model(&models.Organization{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func (t *gormTx) GetPlan(id string) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	if err := t.db.Where("id = ?", id).First(&plan).Error; err != nil {
		return nil, notFound(err)
	}
	return &plan, nil
}

func (t *gormTx) GetPlanByGatewayCode(code string) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	if err := t.db.Where("gateway_plan_code = ?", code).First(&plan).Error; err != nil {
		return nil, notFound(err)
	}
	return &plan, nil
}

func (t *gormTx) GetSubscription(id string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := t.locked().Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

func (t *gormTx) FindSubscriptionByGatewayRef(ref string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := t.locked().Where("gateway_subscription_ref = ?", ref).First(&sub).Error; err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

func (t *gormTx) FindLiveSubscription(organizationID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := t.locked().
		Where("organization_id = ? AND status IN ?", organizationID, models.LiveSubscriptionStatuses).
		Order("created_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

func (t *gormTx) FindLiveSubscriptionByCustomer(customerRef string) (*models.Subscription, error) {
	var sub models.Subscription
	err := t.locked().
		Where("gateway_customer_ref = ? AND status IN ?", customerRef, models.LiveSubscriptionStatuses).
		Order("created_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

func (t *gormTx) subscriptionQuery(f SubscriptionFilter) (*gorm.DB, string) {
	q := t.db.Model(&models.Subscription{})
	order := "id ASC"
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.PeriodEndBefore != nil {
		q = q.Where("current_period_end < ?", *f.PeriodEndBefore)
		order = "current_period_end ASC, id ASC"
	}
	if f.PeriodEndAfter != nil {
		q = q.Where("current_period_end >= ?", *f.PeriodEndAfter)
	}
	if f.TrialEndBefore != nil {
		q = q.Where("trial_end IS NOT NULL AND trial_end < ?", *f.TrialEndBefore)
		order = "trial_end ASC, id ASC"
	}
	if f.TrialEndAfter != nil {
		q = q.Where("trial_end IS NOT NULL AND trial_end >= ?", *f.TrialEndAfter)
	}
	if f.PastDueBefore != nil {
		q = q.Where("past_due_since IS NOT NULL AND past_due_since < ?", *f.PastDueBefore)
		order = "past_due_since ASC, id ASC"
	}
	return q, order
}

func (t *gormTx) ListSubscriptionIDs(f SubscriptionFilter) ([]string, error) {
	q, order := t.subscriptionQuery(f)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var ids []string
	err := q.Order(order).Pluck("id", &ids).Error
	return ids, err
}

func (t *gormTx) CountSubscriptions(f SubscriptionFilter) (int, error) {
	q, _ := t.subscriptionQuery(f)
	var count int64
	err := q.Count(&count).Error
	return int(count), err
}

func (t *gormTx) CreateSubscription(sub *models.Subscription) error {
	if sub.Version == 0 {
		sub.Version = 1
	}
	return t.db.Create(sub).Error
}

// UpdateSubscription writes every column guarded by the row version and bumps
// it. A stale version yields ErrConflict.
func (t *gormTx) UpdateSubscription(sub *models.Subscription) error {
	prev := sub.Version
	sub.Version = prev + 1
	res := t.db.Model(sub).
		Where("version = ?", prev).
		Select("*").
		Omit("id", "created_at").
		Updates(sub)
	if res.Error != nil {
		sub.Version = prev
		return res.Error
	}
	if res.RowsAffected == 0 {
		sub.Version = prev
		return ErrConflict
	}
	return nil
}

func (t *gormTx) FindPaymentByReference(ref string) (*models.SubscriptionPayment, error) {
	var p models.SubscriptionPayment
	if err := t.locked().Where("gateway_reference = ?", ref).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (t *gormTx) FindPaymentByInvoiceCode(code string) (*models.SubscriptionPayment, error) {
	var p models.SubscriptionPayment
	err := t.locked().Where("invoice_code = ? AND invoice_code <> ''", code).Order("created_at DESC").First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (t *gormTx) FindOpenInvoicePayment(subscriptionID string) (*models.SubscriptionPayment, error) {
	var p models.SubscriptionPayment
	err := t.locked().
		Where("subscription_id = ? AND invoice_code <> '' AND gateway_reference = invoice_code", subscriptionID).
		Order("created_at DESC").
		First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (t *gormTx) FindUnlinkedChargePayment(subscriptionID string, since time.Time) (*models.SubscriptionPayment, error) {
	var p models.SubscriptionPayment
	err := t.locked().
		Where("subscription_id = ? AND invoice_code = '' AND created_at >= ?", subscriptionID, since).
		Order("created_at DESC").
		First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (t *gormTx) ListPayments(subscriptionID string) ([]models.SubscriptionPayment, error) {
	var payments []models.SubscriptionPayment
	err := t.db.Where("subscription_id = ?", subscriptionID).Order("created_at ASC").Find(&payments).Error
	return payments, err
}

func (t *gormTx) CreatePayment(payment *models.SubscriptionPayment) error {
	return t.db.Create(payment).Error
}

func (t *gormTx) UpdatePayment(payment *models.SubscriptionPayment) error {
	return t.db.Model(payment).Select("*").Omit("id", "created_at").Updates(payment).Error
}

func (t *gormTx) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	res := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_key"}},
		DoNothing: true,
	}).Create(event)
	if res.Error != nil {
		return false, nil, res.Error
	}

	created := res.RowsAffected > 0
	var stored models.WebhookEvent
	if err := t.db.Where("event_key = ?", event.EventKey).First(&stored).Error; err != nil {
		return false, nil, notFound(err)
	}
	return created, &stored, nil
}

func (t *gormTx) GetWebhookEvent(id string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	if err := t.locked().Where("id = ?", id).First(&ev).Error; err != nil {
		return nil, notFound(err)
	}
	return &ev, nil
}

func (t *gormTx) UpdateWebhookEvent(event *models.WebhookEvent) error {
	return t.db.Model(event).Select("*").Omit("id", "created_at", "event_key", "payload").Updates(event).Error
}

func (t *gormTx) ListRetryableWebhookEvents(maxRetries int, now time.Time, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := t.db.
		Where("processed = ? AND retry_count < ?", false, maxRetries).
		Where("(next_retry_at IS NULL OR next_retry_at <= ?)", now).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (t *gormTx) ListExhaustedWebhookEvents(maxRetries, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := t.db.
		Where("processed = ? AND retry_count >= ?", false, maxRetries).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
