package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/OrgAdmin/app/models"
)

// MemoryStore is an in-process ledger used by tests and by STORE_DRIVER=memory
// local runs. Transactions are serialized and work on a copy of the data that
// replaces the committed state only when fn returns nil.
type MemoryStore struct {
	mu   sync.Mutex
	data memoryData
}

type memoryData struct {
	seq           int64
	organizations map[string]models.Organization
	plans         map[string]models.SubscriptionPlan
	subscriptions map[string]models.Subscription
	payments      map[string]models.SubscriptionPayment
	events        map[string]models.WebhookEvent
	order         map[string]int64
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: memoryData{
		organizations: map[string]models.Organization{},
		plans:         map[string]models.SubscriptionPlan{},
		subscriptions: map[string]models.Subscription{},
		payments:      map[string]models.SubscriptionPayment{},
		events:        map[string]models.WebhookEvent{},
		order:         map[string]int64{},
	}}
}

// PutOrganization inserts or replaces an organization.
func (s *MemoryStore) PutOrganization(org models.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.organizations[org.ID] = org
}

// PutPlan inserts or replaces a plan.
func (s *MemoryStore) PutPlan(plan models.SubscriptionPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.plans[plan.ID] = plan
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(&memoryTx{data: &work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (d memoryData) clone() memoryData {
	out := memoryData{
		seq:           d.seq,
		organizations: make(map[string]models.Organization, len(d.organizations)),
		plans:         make(map[string]models.SubscriptionPlan, len(d.plans)),
		subscriptions: make(map[string]models.Subscription, len(d.subscriptions)),
		payments:      make(map[string]models.SubscriptionPayment, len(d.payments)),
		events:        make(map[string]models.WebhookEvent, len(d.events)),
		order:         make(map[string]int64, len(d.order)),
	}
	for k, v := range d.organizations {
		out.organizations[k] = v
	}
	for k, v := range d.plans {
		out.plans[k] = v
	}
	for k, v := range d.subscriptions {
		out.subscriptions[k] = v
	}
	for k, v := range d.payments {
		out.payments[k] = v
	}
	for k, v := range d.events {
		out.events[k] = v
	}
	for k, v := range d.order {
		out.order[k] = v
	}
	return out
}

type memoryTx struct {
	data *memoryData
}

// Unlocked returns t: memory transactions are already serialized.
func (t *memoryTx) Unlocked() Tx {
	return t
}

func (t *memoryTx) nextSeq(id string) {
	t.data.seq++
	t.data.order[id] = t.data.seq
}

func (t *memoryTx) GetOrganization(id string) (*models.Organization, error) {
	org, ok := t.data.organizations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &org, nil
}

func (t *memoryTx) UpdateOrganizationStatus(id, status string) error {
	org, ok := t.data.organizations[id]
	if !ok {
		return ErrNotFound
	}
	org.Status = status
	t.data.organizations[id] = org
	return nil
}

func (t *memoryTx) GetPlan(id string) (*models.SubscriptionPlan, error) {
	plan, ok := t.data.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &plan, nil
}

func (t *memoryTx) GetPlanByGatewayCode(code string) (*models.SubscriptionPlan, error) {
	for _, plan := range t.data.plans {
		if plan.GatewayPlanCode != nil && *plan.GatewayPlanCode == code {
			p := plan
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) GetSubscription(id string) (*models.Subscription, error) {
	sub, ok := t.data.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &sub, nil
}

func (t *memoryTx) FindSubscriptionByGatewayRef(ref string) (*models.Subscription, error) {
	for _, sub := range t.data.subscriptions {
		if sub.GatewayRef() == ref && ref != "" {
			s := sub
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) latestLive(match func(models.Subscription) bool) (*models.Subscription, error) {
	var found *models.Subscription
	for _, sub := range t.data.subscriptions {
		if !sub.IsLive() || !match(sub) {
			continue
		}
		if found == nil || t.data.order[sub.ID] > t.data.order[found.ID] {
			s := sub
			found = &s
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (t *memoryTx) FindLiveSubscription(organizationID string) (*models.Subscription, error) {
	return t.latestLive(func(s models.Subscription) bool { return s.OrganizationID == organizationID })
}

func (t *memoryTx) FindLiveSubscriptionByCustomer(customerRef string) (*models.Subscription, error) {
	if customerRef == "" {
		return nil, ErrNotFound
	}
	return t.latestLive(func(s models.Subscription) bool { return s.GatewayCustomerRef == customerRef })
}

func (t *memoryTx) ListSubscriptionIDs(f SubscriptionFilter) ([]string, error) {
	type row struct {
		id  string
		key time.Time
	}
	var rows []row
	for _, sub := range t.data.subscriptions {
		if f.Status != "" && sub.Status != f.Status {
			continue
		}
		key := time.Time{}
		if f.PeriodEndBefore != nil {
			if !sub.CurrentPeriodEnd.Before(*f.PeriodEndBefore) {
				continue
			}
			key = sub.CurrentPeriodEnd
		}
		if f.PeriodEndAfter != nil && sub.CurrentPeriodEnd.Before(*f.PeriodEndAfter) {
			continue
		}
		if f.TrialEndBefore != nil {
			if sub.TrialEnd == nil || !sub.TrialEnd.Before(*f.TrialEndBefore) {
				continue
			}
			key = *sub.TrialEnd
		}
		if f.TrialEndAfter != nil && (sub.TrialEnd == nil || sub.TrialEnd.Before(*f.TrialEndAfter)) {
			continue
		}
		if f.PastDueBefore != nil {
			if sub.PastDueSince == nil || !sub.PastDueSince.Before(*f.PastDueBefore) {
				continue
			}
			key = *sub.PastDueSince
		}
		rows = append(rows, row{id: sub.ID, key: key})
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].key.Equal(rows[j].key) {
			return rows[i].key.Before(rows[j].key)
		}
		return rows[i].id < rows[j].id
	})
	if f.Limit > 0 && len(rows) > f.Limit {
		rows = rows[:f.Limit]
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.id)
	}
	return ids, nil
}

func (t *memoryTx) CountSubscriptions(f SubscriptionFilter) (int, error) {
	f.Limit = 0
	ids, err := t.ListSubscriptionIDs(f)
	return len(ids), err
}

func (t *memoryTx) CreateSubscription(sub *models.Subscription) error {
	if _, exists := t.data.subscriptions[sub.ID]; exists {
		return ErrConflict
	}
	if ref := sub.GatewayRef(); ref != "" {
		if _, err := t.FindSubscriptionByGatewayRef(ref); err == nil {
			return ErrConflict
		}
	}
	if sub.Version == 0 {
		sub.Version = 1
	}
	t.data.subscriptions[sub.ID] = *sub
	t.nextSeq(sub.ID)
	return nil
}

func (t *memoryTx) UpdateSubscription(sub *models.Subscription) error {
	stored, ok := t.data.subscriptions[sub.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != sub.Version {
		return ErrConflict
	}
	if ref := sub.GatewayRef(); ref != "" {
		if other, err := t.FindSubscriptionByGatewayRef(ref); err == nil && other.ID != sub.ID {
			return ErrConflict
		}
	}
	sub.Version++
	t.data.subscriptions[sub.ID] = *sub
	return nil
}

func (t *memoryTx) FindPaymentByReference(ref string) (*models.SubscriptionPayment, error) {
	for _, p := range t.data.payments {
		if p.GatewayReference == ref {
			payment := p
			return &payment, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) latestPayment(match func(models.SubscriptionPayment) bool) (*models.SubscriptionPayment, error) {
	var found *models.SubscriptionPayment
	for _, p := range t.data.payments {
		if !match(p) {
			continue
		}
		if found == nil || t.data.order[p.ID] > t.data.order[found.ID] {
			payment := p
			found = &payment
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (t *memoryTx) FindPaymentByInvoiceCode(code string) (*models.SubscriptionPayment, error) {
	if code == "" {
		return nil, ErrNotFound
	}
	return t.latestPayment(func(p models.SubscriptionPayment) bool { return p.InvoiceCode == code })
}

func (t *memoryTx) FindOpenInvoicePayment(subscriptionID string) (*models.SubscriptionPayment, error) {
	return t.latestPayment(func(p models.SubscriptionPayment) bool {
		return p.SubscriptionID == subscriptionID && p.InvoiceCode != "" && p.GatewayReference == p.InvoiceCode
	})
}

func (t *memoryTx) FindUnlinkedChargePayment(subscriptionID string, since time.Time) (*models.SubscriptionPayment, error) {
	return t.latestPayment(func(p models.SubscriptionPayment) bool {
		return p.SubscriptionID == subscriptionID && p.InvoiceCode == "" && !p.CreatedAt.Before(since)
	})
}

func (t *memoryTx) ListPayments(subscriptionID string) ([]models.SubscriptionPayment, error) {
	var out []models.SubscriptionPayment
	for _, p := range t.data.payments {
		if p.SubscriptionID == subscriptionID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return t.data.order[out[i].ID] < t.data.order[out[j].ID] })
	return out, nil
}

func (t *memoryTx) CreatePayment(payment *models.SubscriptionPayment) error {
	if _, err := t.FindPaymentByReference(payment.GatewayReference); err == nil {
		return ErrConflict
	}
	t.data.payments[payment.ID] = *payment
	t.nextSeq(payment.ID)
	return nil
}

func (t *memoryTx) UpdatePayment(payment *models.SubscriptionPayment) error {
	if _, ok := t.data.payments[payment.ID]; !ok {
		return ErrNotFound
	}
	if other, err := t.FindPaymentByReference(payment.GatewayReference); err == nil && other.ID != payment.ID {
		return ErrConflict
	}
	t.data.payments[payment.ID] = *payment
	return nil
}

func (t *memoryTx) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	for _, ev := range t.data.events {
		if ev.EventKey == event.EventKey {
			stored := ev
			return false, &stored, nil
		}
	}
	t.data.events[event.ID] = *event
	t.nextSeq(event.ID)
	stored := *event
	return true, &stored, nil
}

func (t *memoryTx) GetWebhookEvent(id string) (*models.WebhookEvent, error) {
	ev, ok := t.data.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &ev, nil
}

func (t *memoryTx) UpdateWebhookEvent(event *models.WebhookEvent) error {
	stored, ok := t.data.events[event.ID]
	if !ok {
		return ErrNotFound
	}
	updated := *event
	updated.EventKey = stored.EventKey
	updated.Payload = stored.Payload
	t.data.events[event.ID] = updated
	return nil
}

func (t *memoryTx) sortedEvents(match func(models.WebhookEvent) bool, limit int) []models.WebhookEvent {
	var out []models.WebhookEvent
	for _, ev := range t.data.events {
		if match(ev) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return t.data.order[out[i].ID] < t.data.order[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (t *memoryTx) ListRetryableWebhookEvents(maxRetries int, now time.Time, limit int) ([]models.WebhookEvent, error) {
	return t.sortedEvents(func(ev models.WebhookEvent) bool {
		return !ev.Processed && ev.RetryCount < maxRetries && (ev.NextRetryAt == nil || !ev.NextRetryAt.After(now))
	}, limit), nil
}

func (t *memoryTx) ListExhaustedWebhookEvents(maxRetries, limit int) ([]models.WebhookEvent, error) {
	return t.sortedEvents(func(ev models.WebhookEvent) bool {
		return !ev.Processed && ev.RetryCount >= maxRetries
	}, limit), nil
}
