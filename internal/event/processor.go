package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"billing-webhook-service/internal/audit"
	"billing-webhook-service/internal/db"
	"billing-webhook-service/internal/logcontext"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	stripe "github.com/stripe/stripe-go/v82"
)

const (
	// Subscription statuses written to profiles. The remaining statuses
	// (e.g. trialing) arrive verbatim in subscription.updated events.
	StatusActive   = "active"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"

	// purchaseDiscriminator marks payment intents created for a prompt
	// purchase, as opposed to any other charge the account may take.
	purchaseDiscriminator = "prompt_purchase"

	defaultPlanLabel = "premium"
)

// CustomerResolver resolves a provider customer id to the email on file.
// Subscription events do not carry the marketplace user id, so the email is
// the only join key available on subscription creation.
type CustomerResolver interface {
	CustomerEmail(ctx context.Context, customerID string) (string, error)
}

// Processor routes a verified event to the mutator for its type and applies
// the resulting state transition to the store.
type Processor struct {
	repo      *db.BillingRepository
	customers CustomerResolver
	publisher *audit.Publisher
	logger    *slog.Logger
}

func NewProcessor(repo *db.BillingRepository, customers CustomerResolver, publisher *audit.Publisher, logger *slog.Logger) *Processor {
	return &Processor{
		repo:      repo,
		customers: customers,
		publisher: publisher,
		logger:    logger,
	}
}

func resultCounter(eventType, result string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`webhook_events_total{type=%q,result=%q}`, eventType, result))
}

// Process dispatches the event. A nil return means the event is acknowledged
// to the provider; that includes unrecognized types and business no-ops. An
// error means the store write failed and the provider should redeliver.
func (p *Processor) Process(ctx context.Context, event stripe.Event) error {
	ctx = logcontext.AppendCtx(ctx, slog.String("eventId", event.ID))
	ctx = logcontext.AppendCtx(ctx, slog.String("eventType", string(event.Type)))

	p.logger.InfoContext(ctx, "Processing event")

	var err error
	switch event.Type {
	case "payment_intent.succeeded":
		err = p.handlePaymentIntentSucceeded(ctx, event)
	case "payment_intent.payment_failed":
		err = p.handlePaymentIntentFailed(ctx, event)
	case "customer.subscription.created":
		err = p.handleSubscriptionCreated(ctx, event)
	case "customer.subscription.updated":
		err = p.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		err = p.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded":
		err = p.handleInvoicePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		err = p.handleInvoicePaymentFailed(ctx, event)
	case "checkout.session.completed":
		err = p.handleCheckoutCompleted(ctx, event)
	default:
		p.logger.InfoContext(ctx, "Ignoring unhandled event type")
		resultCounter(string(event.Type), "ignored").Inc()
		return nil
	}

	if err != nil {
		p.logger.ErrorContext(ctx, "Error processing event", "error", err)
		resultCounter(string(event.Type), "error").Inc()
		return err
	}

	resultCounter(string(event.Type), "success").Inc()
	return nil
}

func (p *Processor) handlePaymentIntentSucceeded(ctx context.Context, event stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return errors.Wrap(err, "parsing payment intent")
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("paymentIntentId", pi.ID))

	if pi.Metadata["type"] != purchaseDiscriminator || pi.Metadata["prompt_id"] == "" {
		p.logger.InfoContext(ctx, "Payment intent is not a prompt purchase, skipping")
		resultCounter(string(event.Type), "noop").Inc()
		return nil
	}

	userID, err := uuid.Parse(pi.Metadata["user_id"])
	if err != nil {
		p.logger.WarnContext(ctx, "Payment intent carries no usable user_id, skipping", "error", err)
		resultCounter(string(event.Type), "noop").Inc()
		return nil
	}

	entity := &db.PurchaseEntity{
		UserID:                userID,
		PromptID:              parseOptionalID(pi.Metadata["prompt_id"]),
		Amount:                float64(pi.Amount) / 100,
		Currency:              string(pi.Currency),
		StripePaymentIntentID: pi.ID,
		Status:                "completed",
	}

	_, created, err := p.repo.CreatePurchase(ctx, entity)
	if err != nil {
		return err
	}

	if created {
		p.logger.InfoContext(ctx, "Purchase saved")
		p.publishAudit(ctx, event, audit.EntityPurchase, pi.ID, "created")
	} else {
		// Redelivery of an already-recorded charge. Acknowledge so the
		// provider stops retrying.
		p.logger.InfoContext(ctx, "Purchase already recorded for payment intent")
		resultCounter(string(event.Type), "duplicate").Inc()
	}
	return nil
}

func (p *Processor) handlePaymentIntentFailed(ctx context.Context, event stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return errors.Wrap(err, "parsing payment intent")
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("paymentIntentId", pi.ID))

	userID, err := uuid.Parse(pi.Metadata["user_id"])
	if err != nil {
		p.logger.WarnContext(ctx, "Failed payment carries no usable user_id, skipping", "error", err)
		resultCounter(string(event.Type), "noop").Inc()
		return nil
	}

	reason := "Unknown error"
	if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
		reason = pi.LastPaymentError.Msg
	}

	entity := &db.PaymentAttemptEntity{
		UserID:                userID,
		PromptID:              parseOptionalID(pi.Metadata["prompt_id"]),
		StripePaymentIntentID: pi.ID,
		Status:                "failed",
		FailureReason:         &reason,
	}

	if _, err := p.repo.CreatePaymentAttempt(ctx, entity); err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "Failed payment recorded", "reason", reason)
	p.publishAudit(ctx, event, audit.EntityPaymentAttempt, pi.ID, "created")
	return nil
}

func (p *Processor) handleSubscriptionCreated(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return errors.Wrap(err, "parsing subscription")
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("subscriptionId", sub.ID))

	if sub.Customer == nil || sub.Customer.ID == "" {
		p.logger.WarnContext(ctx, "Subscription carries no customer reference, skipping")
		resultCounter(string(event.Type), "noop").Inc()
		return nil
	}

	email, err := p.customers.CustomerEmail(ctx, sub.Customer.ID)
	if err != nil {
		return err
	}
	if email == "" {
		p.logger.WarnContext(ctx, "Customer has no email on file, skipping", "customerId", sub.Customer.ID)
		resultCounter(string(event.Type), "noop").Inc()
		return nil
	}

	profile, err := p.repo.GetProfileByEmail(ctx, email)
	if err != nil {
		return err
	}
	if profile == nil {
		p.logger.InfoContext(ctx, "No profile matches customer email, skipping")
		resultCounter(string(event.Type), "noop").Inc()
		return nil
	}

	if err := p.repo.SetSubscription(ctx, profile.ID, StatusActive, sub.ID, planLabel(&sub)); err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "Subscription attached to profile", "profileId", profile.ID)
	p.publishAudit(ctx, event, audit.EntityProfile, sub.ID, "activated")
	return nil
}

func (p *Processor) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return errors.Wrap(err, "parsing subscription")
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("subscriptionId", sub.ID))

	matched, err := p.repo.UpdateSubscriptionStatusAndPlan(ctx, sub.ID, string(sub.Status), planLabel(&sub))
	if err != nil {
		return err
	}
	if !matched {
		p.logger.InfoContext(ctx, "No profile matches subscription id, skipping")
		resultCounter(string(event.Type), "noop").Inc()
		return nil
	}

	p.logger.InfoContext(ctx, "Subscription updated", "status", sub.Status)
	p.publishAudit(ctx, event, audit.EntityProfile, sub.ID, string(sub.Status))
	return nil
}

func (p *Processor) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return errors.Wrap(err, "parsing subscription")
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("subscriptionId", sub.ID))

	matched, err := p.repo.ClearSubscription(ctx, sub.ID)
	if err != nil {
		return err
	}
	if !matched {
		p.logger.InfoContext(ctx, "No profile matches subscription id, skipping")
		resultCounter(string(event.Type), "noop").Inc()
		return nil
	}

	p.logger.InfoContext(ctx, "Subscription canceled")
	p.publishAudit(ctx, event, audit.EntityProfile, sub.ID, "canceled")
	return nil
}

func (p *Processor) handleInvoicePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	return p.handleInvoice(ctx, event, StatusActive)
}

func (p *Processor) handleInvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	return p.handleInvoice(ctx, event, StatusPastDue)
}

func (p *Processor) handleInvoice(ctx context.Context, event stripe.Event, status string) error {
	var invoice invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return errors.Wrap(err, "parsing invoice")
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("invoiceId", invoice.ID))

	subscriptionID := invoice.subscriptionID()
	if subscriptionID == "" {
		p.logger.InfoContext(ctx, "Invoice carries no subscription reference, skipping")
		resultCounter(string(event.Type), "noop").Inc()
		return nil
	}

	matched, err := p.repo.UpdateSubscriptionStatus(ctx, subscriptionID, status)
	if err != nil {
		return err
	}
	if !matched {
		p.logger.InfoContext(ctx, "No profile matches subscription id, skipping", "subscriptionId", subscriptionID)
		resultCounter(string(event.Type), "noop").Inc()
		return nil
	}

	p.logger.InfoContext(ctx, "Subscription status updated from invoice", "subscriptionId", subscriptionID, "status", status)
	p.publishAudit(ctx, event, audit.EntityProfile, subscriptionID, status)
	return nil
}

// handleCheckoutCompleted performs no store mutation. The accompanying
// payment_intent.succeeded or customer.subscription.created event carries the
// state change; this event only tells the two checkout flavors apart.
func (p *Processor) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return errors.Wrap(err, "parsing checkout session")
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("checkoutSessionId", session.ID))

	switch session.Metadata["type"] {
	case purchaseDiscriminator:
		p.logger.InfoContext(ctx, "Checkout completed for prompt purchase")
	case "subscription":
		p.logger.InfoContext(ctx, "Checkout completed for subscription")
	default:
		p.logger.InfoContext(ctx, "Checkout completed")
	}
	return nil
}

func (p *Processor) publishAudit(ctx context.Context, event stripe.Event, entity audit.Entity, reference, outcome string) {
	if p.publisher == nil {
		return
	}

	p.publisher.Publish(ctx, audit.Record{
		EventID:   event.ID,
		EventType: string(event.Type),
		Entity:    entity,
		Reference: reference,
		Outcome:   outcome,
	})
}

func planLabel(sub *stripe.Subscription) string {
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		if price := sub.Items.Data[0].Price; price != nil && price.Nickname != "" {
			return price.Nickname
		}
	}
	return defaultPlanLabel
}

func parseOptionalID(value string) *uuid.UUID {
	id, err := uuid.Parse(value)
	if err != nil {
		return nil
	}
	return &id
}

// invoicePayload reads the subscription reference defensively: older API
// versions carry it at the top level, newer ones under parent.subscription_details.
type invoicePayload struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (i invoicePayload) subscriptionID() string {
	if i.Subscription != "" {
		return i.Subscription
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return i.Parent.SubscriptionDetails.Subscription
	}
	return ""
}
