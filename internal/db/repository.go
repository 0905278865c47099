package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type BillingRepository struct {
	pool *pgxpool.Pool
}

func NewBillingRepository(pool *pgxpool.Pool) *BillingRepository {
	return &BillingRepository{pool: pool}
}

// CreatePurchase inserts the purchase or, when the payment intent was already
// recorded, returns the existing row. The bool reports whether a new row was
// created. Redelivered events land on the unique stripe_payment_intent_id key.
func (r *BillingRepository) CreatePurchase(ctx context.Context, entity *PurchaseEntity) (*PurchaseEntity, bool, error) {
	query := `INSERT INTO purchases (user_id, prompt_id, amount, currency, stripe_payment_intent_id, status)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (stripe_payment_intent_id) DO NOTHING
	          RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, query, entity.UserID, entity.PromptID, entity.Amount, entity.Currency,
		entity.StripePaymentIntentID, entity.Status).Scan(&entity.ID, &entity.CreatedAt)
	if err == nil {
		return entity, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, errors.Wrap(err, "inserting purchase")
	}

	existing, err := r.GetPurchaseByPaymentIntentID(ctx, entity.StripePaymentIntentID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *BillingRepository) GetPurchaseByPaymentIntentID(ctx context.Context, paymentIntentID string) (*PurchaseEntity, error) {
	query := `SELECT id, user_id, prompt_id, amount, currency, stripe_payment_intent_id, status, created_at
	          FROM purchases WHERE stripe_payment_intent_id = $1`
	row := r.pool.QueryRow(ctx, query, paymentIntentID)

	var entity PurchaseEntity
	err := row.Scan(&entity.ID, &entity.UserID, &entity.PromptID, &entity.Amount, &entity.Currency,
		&entity.StripePaymentIntentID, &entity.Status, &entity.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "selecting purchase")
	}
	return &entity, nil
}

func (r *BillingRepository) CountPurchasesByPaymentIntentID(ctx context.Context, paymentIntentID string) (int, error) {
	query := `SELECT count(*) FROM purchases WHERE stripe_payment_intent_id = $1`

	var count int
	if err := r.pool.QueryRow(ctx, query, paymentIntentID).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "counting purchases")
	}
	return count, nil
}

// CreatePaymentAttempt appends a failed-charge record. The table is a log, so
// duplicates from redelivered events are kept.
func (r *BillingRepository) CreatePaymentAttempt(ctx context.Context, entity *PaymentAttemptEntity) (*PaymentAttemptEntity, error) {
	query := `INSERT INTO payment_attempts (user_id, prompt_id, stripe_payment_intent_id, status, failure_reason)
	          VALUES ($1, $2, $3, $4, $5)
	          RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, query, entity.UserID, entity.PromptID, entity.StripePaymentIntentID,
		entity.Status, entity.FailureReason).Scan(&entity.ID, &entity.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "inserting payment attempt")
	}
	return entity, nil
}

func (r *BillingRepository) GetPaymentAttemptsByPaymentIntentID(ctx context.Context, paymentIntentID string) ([]*PaymentAttemptEntity, error) {
	query := `SELECT id, user_id, prompt_id, stripe_payment_intent_id, status, failure_reason, created_at
	          FROM payment_attempts WHERE stripe_payment_intent_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, paymentIntentID)
	if err != nil {
		return nil, errors.Wrap(err, "selecting payment attempts")
	}
	defer rows.Close()

	var attempts []*PaymentAttemptEntity
	for rows.Next() {
		var entity PaymentAttemptEntity
		err := rows.Scan(&entity.ID, &entity.UserID, &entity.PromptID, &entity.StripePaymentIntentID,
			&entity.Status, &entity.FailureReason, &entity.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scanning payment attempt")
		}
		attempts = append(attempts, &entity)
	}
	return attempts, rows.Err()
}

// GetProfileByEmail returns (nil, nil) when no profile matches.
func (r *BillingRepository) GetProfileByEmail(ctx context.Context, email string) (*ProfileEntity, error) {
	return r.getProfile(ctx, `SELECT id, email, subscription_status, subscription_id, subscription_plan, created_at, updated_at
	                          FROM profiles WHERE email = $1`, email)
}

// GetProfileBySubscriptionID returns (nil, nil) when no profile matches.
func (r *BillingRepository) GetProfileBySubscriptionID(ctx context.Context, subscriptionID string) (*ProfileEntity, error) {
	return r.getProfile(ctx, `SELECT id, email, subscription_status, subscription_id, subscription_plan, created_at, updated_at
	                          FROM profiles WHERE subscription_id = $1`, subscriptionID)
}

func (r *BillingRepository) getProfile(ctx context.Context, query string, arg any) (*ProfileEntity, error) {
	row := r.pool.QueryRow(ctx, query, arg)

	var entity ProfileEntity
	err := row.Scan(&entity.ID, &entity.Email, &entity.SubscriptionStatus, &entity.SubscriptionID,
		&entity.SubscriptionPlan, &entity.CreatedAt, &entity.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "selecting profile")
	}
	return &entity, nil
}

func (r *BillingRepository) CreateProfile(ctx context.Context, entity *ProfileEntity) (*ProfileEntity, error) {
	query := `INSERT INTO profiles (email, subscription_status) VALUES ($1, $2)
	          RETURNING id, created_at, updated_at`
	status := entity.SubscriptionStatus
	if status == "" {
		status = "inactive"
	}
	entity.SubscriptionStatus = status
	err := r.pool.QueryRow(ctx, query, entity.Email, status).Scan(&entity.ID, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "inserting profile")
	}
	return entity, nil
}

// SetSubscription attaches a subscription to the profile and activates it.
func (r *BillingRepository) SetSubscription(ctx context.Context, profileID uuid.UUID, status, subscriptionID, plan string) error {
	query := `UPDATE profiles
	          SET subscription_status = $2, subscription_id = $3, subscription_plan = $4, updated_at = now()
	          WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, profileID, status, subscriptionID, plan)
	return errors.Wrap(err, "updating profile subscription")
}

// UpdateSubscriptionStatusAndPlan locates the profile by subscription id. The
// bool reports whether any profile matched.
func (r *BillingRepository) UpdateSubscriptionStatusAndPlan(ctx context.Context, subscriptionID, status, plan string) (bool, error) {
	query := `UPDATE profiles
	          SET subscription_status = $2, subscription_plan = $3, updated_at = now()
	          WHERE subscription_id = $1`
	tag, err := r.pool.Exec(ctx, query, subscriptionID, status, plan)
	if err != nil {
		return false, errors.Wrap(err, "updating subscription status and plan")
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateSubscriptionStatus changes only the status of the matching profile.
func (r *BillingRepository) UpdateSubscriptionStatus(ctx context.Context, subscriptionID, status string) (bool, error) {
	query := `UPDATE profiles
	          SET subscription_status = $2, updated_at = now()
	          WHERE subscription_id = $1`
	tag, err := r.pool.Exec(ctx, query, subscriptionID, status)
	if err != nil {
		return false, errors.Wrap(err, "updating subscription status")
	}
	return tag.RowsAffected() > 0, nil
}

// ClearSubscription marks the subscription canceled and detaches it from the
// profile. canceled is terminal for that subscription id.
func (r *BillingRepository) ClearSubscription(ctx context.Context, subscriptionID string) (bool, error) {
	query := `UPDATE profiles
	          SET subscription_status = 'canceled', subscription_id = NULL, subscription_plan = NULL, updated_at = now()
	          WHERE subscription_id = $1`
	tag, err := r.pool.Exec(ctx, query, subscriptionID)
	if err != nil {
		return false, errors.Wrap(err, "clearing subscription")
	}
	return tag.RowsAffected() > 0, nil
}
