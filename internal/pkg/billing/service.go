package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/OrgAdmin/app/models"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// FollowUpDispatcher queues gateway calls that failed inline so they are
// repeated outside the request path.
type FollowUpDispatcher interface {
	DispatchFollowUp(ctx context.Context, f FollowUp) error
}

type logFollowUps struct{}

func (logFollowUps) DispatchFollowUp(_ context.Context, f FollowUp) error {
	log.Warnf("[Billing] No follow-up queue configured, dropping %s for subscription %s", f.Kind, f.SubscriptionID)
	return nil
}

// Service owns subscription transitions. Every change to a subscription goes
// through one Store transaction together with the derived organization status.
type Service struct {
	store     Store
	gateway   Gateway
	clock     clockwork.Clock
	cfg       Config
	followUps FollowUpDispatcher
	validate  *validator.Validate
}

// NewService creates a billing service. A nil clock means wall-clock time.
func NewService(store Store, gateway Gateway, clock clockwork.Clock, cfg Config) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		store:     store,
		gateway:   gateway,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		followUps: logFollowUps{},
		validate:  validator.New(),
	}
}

// SetFollowUpDispatcher replaces the default (logging) follow-up sink.
func (s *Service) SetFollowUpDispatcher(d FollowUpDispatcher) {
	if d == nil {
		d = logFollowUps{}
	}
	s.followUps = d
}

// Config returns the effective engine configuration.
func (s *Service) Config() Config {
	return s.cfg
}

func (s *Service) validateStruct(in interface{}) error {
	if err := s.validate.Struct(in); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

// saveSubscription persists sub and, when its status changed, the derived
// organization status. Both writes share tx, so a failure rolls back both.
func (s *Service) saveSubscription(tx Tx, sub *models.Subscription, prevStatus string) error {
	sub.UpdatedAt = s.clock.Now()
	if err := tx.UpdateSubscription(sub); err != nil {
		return fmt.Errorf("update subscription %s: %w", sub.ID, err)
	}
	if sub.Status == prevStatus {
		return nil
	}
	orgStatus := OrganizationStatusFor(sub.Status)
	if err := tx.UpdateOrganizationStatus(sub.OrganizationID, orgStatus); err != nil {
		return fmt.Errorf("update organization %s status: %w", sub.OrganizationID, err)
	}
	log.Infof("[Billing] Subscription %s: %s -> %s (organization %s now %s)", sub.ID, prevStatus, sub.Status, sub.OrganizationID, orgStatus)
	return nil
}

// lockSubscription resolves a subscription through an unlocked view of tx,
// locks its organization and then the subscription row. Every writer takes
// the organization lock first so concurrent transactions cannot deadlock and
// live-subscription checks see a settled organization.
func lockSubscription(tx Tx, find func(Tx) (*models.Subscription, error)) (*models.Subscription, error) {
	peek, err := find(tx.Unlocked())
	if err != nil {
		return nil, err
	}
	if _, err := tx.GetOrganization(peek.OrganizationID); err != nil {
		return nil, fmt.Errorf("organization %s: %w", peek.OrganizationID, err)
	}
	return tx.GetSubscription(peek.ID)
}

func lockSubscriptionByID(tx Tx, id string) (*models.Subscription, error) {
	return lockSubscription(tx, func(u Tx) (*models.Subscription, error) { return u.GetSubscription(id) })
}

// CreateSubscription starts a subscription for an organization. A live
// subscription that is still within its period makes this fail with
// ErrInvariantViolation; one that already expired by wall clock is cancelled
// in the same transaction.
func (s *Service) CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*models.Subscription, error) {
	in.OrganizationID = strings.TrimSpace(in.OrganizationID)
	in.PlanID = strings.TrimSpace(in.PlanID)
	in.GatewayCustomerRef = strings.TrimSpace(in.GatewayCustomerRef)
	if err := s.validateStruct(in); err != nil {
		return nil, err
	}

	var created *models.Subscription
	var plan *models.SubscriptionPlan
	err := s.store.InTx(ctx, func(tx Tx) error {
		now := s.clock.Now()
		// Locking the organization serializes concurrent creates for it.
		if _, err := tx.GetOrganization(in.OrganizationID); err != nil {
			return fmt.Errorf("organization %s: %w", in.OrganizationID, err)
		}
		p, err := tx.GetPlan(in.PlanID)
		if err != nil {
			return fmt.Errorf("plan %s: %w", in.PlanID, err)
		}
		if !p.IsActive {
			return newValidationError("plan_id", "plan %s is not active", p.ID)
		}

		existing, err := tx.FindLiveSubscription(in.OrganizationID)
		switch {
		case err == nil:
			if !isExpiredByWallClock(existing, now, s.cfg.GracePeriod) {
				return fmt.Errorf("%w: organization %s already has live subscription %s (%s)",
					ErrInvariantViolation, in.OrganizationID, existing.ID, existing.Status)
			}
			prev := existing.Status
			cancel(existing, now, ReasonSuperseded)
			if err := s.saveSubscription(tx, existing, prev); err != nil {
				return err
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}

		sub, err := newSubscription(uuid.NewString(), p, in, now)
		if err != nil {
			return err
		}
		if err := tx.CreateSubscription(sub); err != nil {
			return fmt.Errorf("create subscription: %w", err)
		}
		if err := tx.UpdateOrganizationStatus(sub.OrganizationID, OrganizationStatusFor(sub.Status)); err != nil {
			return fmt.Errorf("update organization %s status: %w", sub.OrganizationID, err)
		}
		created, plan = sub, p
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infof("[Billing] Created subscription %s for organization %s (plan=%s status=%s)", created.ID, created.OrganizationID, plan.ID, created.Status)
	return s.requestGatewaySubscription(ctx, created, plan), nil
}

// requestGatewaySubscription mirrors a new local subscription to the gateway.
// It is best-effort: the local row is already committed.
func (s *Service) requestGatewaySubscription(ctx context.Context, sub *models.Subscription, plan *models.SubscriptionPlan) *models.Subscription {
	if s.gateway == nil || plan.GatewayPlanCode == nil || sub.GatewayCustomerRef == "" || sub.GatewayRef() != "" {
		return sub
	}

	gctx, cancelCall := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancelCall()

	var startAt *time.Time
	if sub.Status == models.SubscriptionStatusTrialing && sub.TrialEnd != nil {
		startAt = sub.TrialEnd
	}
	gs, err := s.gateway.CreateSubscription(gctx, sub.GatewayCustomerRef, *plan.GatewayPlanCode, startAt)
	if err != nil {
		s.onGatewayFailure(ctx, FollowUpCreateSubscription, sub.ID, err)
		return sub
	}

	updated, err := s.AttachGatewaySubscription(ctx, sub.ID, gs.Code, gs.EmailToken)
	if err != nil {
		log.Errorf("[Billing] Failed to attach gateway subscription %s to %s: %v", gs.Code, sub.ID, err)
		return sub
	}
	return updated
}

func (s *Service) onGatewayFailure(ctx context.Context, kind FollowUpKind, subscriptionID string, err error) {
	if errors.Is(err, ErrGatewayDisabled) {
		log.Debugf("[Billing] Gateway disabled, skipping %s for subscription %s", kind, subscriptionID)
		return
	}
	if !IsTransient(err) {
		log.Errorf("[Billing] Gateway call %s for subscription %s failed permanently: %v", kind, subscriptionID, err)
		return
	}
	log.Warnf("[Billing] Gateway call %s for subscription %s failed, queueing follow-up: %v", kind, subscriptionID, err)
	f := FollowUp{Kind: kind, SubscriptionID: subscriptionID, RequestedAt: s.clock.Now()}
	if dErr := s.followUps.DispatchFollowUp(ctx, f); dErr != nil {
		log.Errorf("[Billing] Failed to queue follow-up %s for subscription %s: %v", kind, subscriptionID, dErr)
	}
}

// AttachGatewaySubscription links a local subscription to its gateway code.
// Attaching the same code twice is a no-op.
func (s *Service) AttachGatewaySubscription(ctx context.Context, subscriptionID, code, emailToken string) (*models.Subscription, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, newValidationError("subscription_code", "is required")
	}

	var out *models.Subscription
	err := s.store.InTx(ctx, func(tx Tx) error {
		sub, err := lockSubscriptionByID(tx, subscriptionID)
		if err != nil {
			return err
		}
		out = sub
		if sub.GatewayRef() == code && (emailToken == "" || sub.GatewayEmailToken == emailToken) {
			return nil
		}
		if err := attachGatewayRef(sub, code, emailToken); err != nil {
			return err
		}
		return s.saveSubscription(tx, sub, sub.Status)
	})
	return out, err
}

// attachGatewayRef sets the gateway code on sub. It fails if sub is already
// linked to a different code.
func attachGatewayRef(sub *models.Subscription, code, emailToken string) error {
	if existing := sub.GatewayRef(); existing != "" && existing != code {
		return fmt.Errorf("%w: subscription %s already linked to %s", ErrInvariantViolation, sub.ID, existing)
	}
	c := code
	sub.GatewaySubscriptionRef = &c
	if strings.TrimSpace(emailToken) != "" {
		sub.GatewayEmailToken = strings.TrimSpace(emailToken)
	}
	return nil
}

// CancelSubscription cancels immediately or schedules the cancellation for
// the end of the current period. Cancelling a cancelled subscription is a no-op.
func (s *Service) CancelSubscription(ctx context.Context, subscriptionID string, in CancelSubscriptionInput) (*models.Subscription, error) {
	if err := s.validateStruct(in); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = ReasonCancelledByAdmin
	}

	var out *models.Subscription
	changed := false
	err := s.store.InTx(ctx, func(tx Tx) error {
		sub, err := lockSubscriptionByID(tx, subscriptionID)
		if err != nil {
			return err
		}
		out = sub
		if !sub.IsLive() {
			return nil
		}
		prev := sub.Status
		if in.AtPeriodEnd {
			if sub.CancelAtPeriodEnd {
				return nil
			}
			sub.CancelAtPeriodEnd = true
			sub.CancelReason = reason
		} else {
			cancel(sub, s.clock.Now(), reason)
		}
		changed = true
		return s.saveSubscription(tx, sub, prev)
	})
	if err != nil {
		return nil, err
	}

	if changed && out.GatewayRef() != "" {
		s.callGateway(ctx, FollowUpCancelSubscription, out)
	}
	return out, nil
}

// ResumeSubscription withdraws a scheduled cancel-at-period-end.
func (s *Service) ResumeSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	var out *models.Subscription
	changed := false
	err := s.store.InTx(ctx, func(tx Tx) error {
		sub, err := lockSubscriptionByID(tx, subscriptionID)
		if err != nil {
			return err
		}
		out = sub
		if !sub.IsLive() {
			return invalidTransition(sub, "resume")
		}
		if !sub.CancelAtPeriodEnd {
			return nil
		}
		sub.CancelAtPeriodEnd = false
		sub.CancelReason = ""
		changed = true
		return s.saveSubscription(tx, sub, sub.Status)
	})
	if err != nil {
		return nil, err
	}

	if changed && out.GatewayRef() != "" {
		s.callGateway(ctx, FollowUpEnableSubscription, out)
	}
	return out, nil
}

// callGateway performs a best-effort cancel/enable mirror call.
func (s *Service) callGateway(ctx context.Context, kind FollowUpKind, sub *models.Subscription) {
	if s.gateway == nil {
		return
	}
	gctx, cancelCall := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancelCall()

	var err error
	switch kind {
	case FollowUpCancelSubscription:
		err = s.gateway.CancelSubscription(gctx, sub.GatewayRef(), sub.GatewayEmailToken)
	case FollowUpEnableSubscription:
		err = s.gateway.EnableSubscription(gctx, sub.GatewayRef(), sub.GatewayEmailToken)
	default:
		err = fmt.Errorf("unsupported gateway call %s", kind)
	}
	if err != nil {
		s.onGatewayFailure(ctx, kind, sub.ID, err)
	}
}

// ExecuteFollowUp repeats a gateway call for a subscription. It returns an
// error when the call should be tried again.
func (s *Service) ExecuteFollowUp(ctx context.Context, f FollowUp) error {
	if s.gateway == nil {
		return nil
	}

	var sub *models.Subscription
	var plan *models.SubscriptionPlan
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		if sub, err = tx.Unlocked().GetSubscription(f.SubscriptionID); err != nil {
			return err
		}
		plan, err = tx.GetPlan(sub.PlanID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warnf("[Billing] Follow-up %s: subscription %s no longer resolvable, dropping", f.Kind, f.SubscriptionID)
			return nil
		}
		return err
	}

	gctx, cancelCall := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancelCall()

	switch f.Kind {
	case FollowUpCreateSubscription:
		if !sub.IsLive() || sub.GatewayRef() != "" || plan.GatewayPlanCode == nil || sub.GatewayCustomerRef == "" {
			return nil
		}
		var startAt *time.Time
		if sub.Status == models.SubscriptionStatusTrialing {
			startAt = sub.TrialEnd
		}
		gs, err := s.gateway.CreateSubscription(gctx, sub.GatewayCustomerRef, *plan.GatewayPlanCode, startAt)
		if err != nil {
			return err
		}
		_, err = s.AttachGatewaySubscription(ctx, sub.ID, gs.Code, gs.EmailToken)
		return err
	case FollowUpCancelSubscription:
		if sub.GatewayRef() == "" || (sub.IsLive() && !sub.CancelAtPeriodEnd) {
			return nil
		}
		return s.gateway.CancelSubscription(gctx, sub.GatewayRef(), sub.GatewayEmailToken)
	case FollowUpEnableSubscription:
		if sub.GatewayRef() == "" || !sub.IsLive() || sub.CancelAtPeriodEnd {
			return nil
		}
		return s.gateway.EnableSubscription(gctx, sub.GatewayRef(), sub.GatewayEmailToken)
	default:
		return newValidationError("kind", "unknown follow-up kind %q", f.Kind)
	}
}

// GetSubscription returns a subscription with its plan and payments.
func (s *Service) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionDetails, error) {
	var out *SubscriptionDetails
	err := s.store.InTx(ctx, func(tx Tx) error {
		sub, err := tx.Unlocked().GetSubscription(subscriptionID)
		if err != nil {
			return err
		}
		out = &SubscriptionDetails{Subscription: *sub}
		if plan, err := tx.GetPlan(sub.PlanID); err == nil {
			out.Plan = plan
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		payments, err := tx.ListPayments(sub.ID)
		if err != nil {
			return err
		}
		out.Payments = payments
		return nil
	})
	return out, err
}

// GetOrganizationSubscription returns the live subscription of an organization.
func (s *Service) GetOrganizationSubscription(ctx context.Context, organizationID string) (*models.Subscription, error) {
	var out *models.Subscription
	err := s.store.InTx(ctx, func(tx Tx) error {
		sub, err := tx.Unlocked().FindLiveSubscription(organizationID)
		out = sub
		return err
	})
	return out, err
}

// ListPayments returns the payments of a subscription, oldest first.
func (s *Service) ListPayments(ctx context.Context, subscriptionID string) ([]models.SubscriptionPayment, error) {
	var out []models.SubscriptionPayment
	err := s.store.InTx(ctx, func(tx Tx) error {
		if _, err := tx.Unlocked().GetSubscription(subscriptionID); err != nil {
			return err
		}
		payments, err := tx.ListPayments(subscriptionID)
		out = payments
		return err
	})
	return out, err
}
