package db

import (
	"time"

	"github.com/google/uuid"
)

type PurchaseEntity struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	PromptID              *uuid.UUID
	Amount                float64
	Currency              string
	StripePaymentIntentID string
	Status                string
	CreatedAt             time.Time
}

type PaymentAttemptEntity struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	PromptID              *uuid.UUID
	StripePaymentIntentID string
	Status                string
	FailureReason         *string
	CreatedAt             time.Time
}

type ProfileEntity struct {
	ID                 uuid.UUID
	Email              string
	SubscriptionStatus string
	SubscriptionID     *string
	SubscriptionPlan   *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
