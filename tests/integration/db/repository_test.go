package db

import (
	"context"
	"log"
	"testing"
	"time"

	"billing-webhook-service/internal/db"
	"billing-webhook-service/tests/testhelpers"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type BillingRepositoryTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	sut         *db.BillingRepository
	ctx         context.Context
}

func (s *BillingRepositoryTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	db.RunMigrations(pgContainer.ConnectionString, "../../../migrations")

	pool, err := db.GetPool(pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}

	s.pool = pool
	s.sut = db.NewBillingRepository(pool)
}

func (s *BillingRepositoryTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *BillingRepositoryTestSuite) SetupTest() {
	for _, table := range []string{"purchases", "payment_attempts", "profiles"} {
		_, err := s.pool.Exec(s.ctx, "DELETE FROM "+table)
		if err != nil {
			log.Fatalf("error truncating %s table: %s", table, err)
		}
	}
}

func (s *BillingRepositoryTestSuite) createProfile(email string) *db.ProfileEntity {
	profile, err := s.sut.CreateProfile(s.ctx, &db.ProfileEntity{Email: email})
	assert.NoError(s.T(), err)
	return profile
}

func (s *BillingRepositoryTestSuite) TestCreatePurchase() {
	t := s.T()

	entity := &db.PurchaseEntity{
		UserID:                uuid.New(),
		Amount:                29.90,
		Currency:              "usd",
		StripePaymentIntentID: "pi_123",
		Status:                "completed",
	}

	created, inserted, err := s.sut.CreatePurchase(s.ctx, entity)
	assert.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEqual(t, uuid.Nil, created.ID)
}

func (s *BillingRepositoryTestSuite) TestCreatePurchase_DuplicatePaymentIntent() {
	t := s.T()

	promptID := uuid.New()
	entity := &db.PurchaseEntity{
		UserID:                uuid.New(),
		PromptID:              &promptID,
		Amount:                29.90,
		Currency:              "usd",
		StripePaymentIntentID: "pi_123",
		Status:                "completed",
	}

	first, inserted, err := s.sut.CreatePurchase(s.ctx, entity)
	assert.NoError(t, err)
	assert.True(t, inserted)

	replay := &db.PurchaseEntity{
		UserID:                entity.UserID,
		PromptID:              &promptID,
		Amount:                29.90,
		Currency:              "usd",
		StripePaymentIntentID: "pi_123",
		Status:                "completed",
	}

	second, inserted, err := s.sut.CreatePurchase(s.ctx, replay)
	assert.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)

	count, err := s.sut.CountPurchasesByPaymentIntentID(s.ctx, "pi_123")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func (s *BillingRepositoryTestSuite) TestCreatePaymentAttempt_AppendOnly() {
	t := s.T()

	reason := "card declined"
	entity := &db.PaymentAttemptEntity{
		UserID:                uuid.New(),
		StripePaymentIntentID: "pi_456",
		Status:                "failed",
		FailureReason:         &reason,
	}

	_, err := s.sut.CreatePaymentAttempt(s.ctx, entity)
	assert.NoError(t, err)

	_, err = s.sut.CreatePaymentAttempt(s.ctx, &db.PaymentAttemptEntity{
		UserID:                entity.UserID,
		StripePaymentIntentID: "pi_456",
		Status:                "failed",
		FailureReason:         &reason,
	})
	assert.NoError(t, err)

	attempts, err := s.sut.GetPaymentAttemptsByPaymentIntentID(s.ctx, "pi_456")
	assert.NoError(t, err)
	assert.Len(t, attempts, 2)
	assert.Equal(t, "card declined", *attempts[0].FailureReason)
}

func (s *BillingRepositoryTestSuite) TestGetProfileByEmail() {
	t := s.T()

	created := s.createProfile("user@example.com")

	profile, err := s.sut.GetProfileByEmail(s.ctx, "user@example.com")
	assert.NoError(t, err)
	assert.NotNil(t, profile)
	assert.Equal(t, created.ID, profile.ID)
	assert.Equal(t, "inactive", profile.SubscriptionStatus)

	missing, err := s.sut.GetProfileByEmail(s.ctx, "nobody@example.com")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func (s *BillingRepositoryTestSuite) TestSetSubscription() {
	t := s.T()

	created := s.createProfile("user@example.com")

	err := s.sut.SetSubscription(s.ctx, created.ID, "active", "sub_1", "premium")
	assert.NoError(t, err)

	profile, err := s.sut.GetProfileBySubscriptionID(s.ctx, "sub_1")
	assert.NoError(t, err)
	assert.NotNil(t, profile)
	assert.Equal(t, "active", profile.SubscriptionStatus)
	assert.Equal(t, "premium", *profile.SubscriptionPlan)
}

func (s *BillingRepositoryTestSuite) TestUpdateSubscriptionStatusAndPlan() {
	t := s.T()

	created := s.createProfile("user@example.com")
	assert.NoError(t, s.sut.SetSubscription(s.ctx, created.ID, "active", "sub_1", "premium"))

	matched, err := s.sut.UpdateSubscriptionStatusAndPlan(s.ctx, "sub_1", "trialing", "pro")
	assert.NoError(t, err)
	assert.True(t, matched)

	profile, err := s.sut.GetProfileBySubscriptionID(s.ctx, "sub_1")
	assert.NoError(t, err)
	assert.Equal(t, "trialing", profile.SubscriptionStatus)
	assert.Equal(t, "pro", *profile.SubscriptionPlan)

	matched, err = s.sut.UpdateSubscriptionStatusAndPlan(s.ctx, "sub_unknown", "active", "premium")
	assert.NoError(t, err)
	assert.False(t, matched)
}

func (s *BillingRepositoryTestSuite) TestUpdateSubscriptionStatus() {
	t := s.T()

	created := s.createProfile("user@example.com")
	assert.NoError(t, s.sut.SetSubscription(s.ctx, created.ID, "active", "sub_1", "premium"))

	matched, err := s.sut.UpdateSubscriptionStatus(s.ctx, "sub_1", "past_due")
	assert.NoError(t, err)
	assert.True(t, matched)

	profile, err := s.sut.GetProfileBySubscriptionID(s.ctx, "sub_1")
	assert.NoError(t, err)
	assert.Equal(t, "past_due", profile.SubscriptionStatus)
	// status-only update leaves plan and id untouched
	assert.Equal(t, "premium", *profile.SubscriptionPlan)
}

func (s *BillingRepositoryTestSuite) TestClearSubscription() {
	t := s.T()

	created := s.createProfile("user@example.com")
	assert.NoError(t, s.sut.SetSubscription(s.ctx, created.ID, "active", "sub_1", "premium"))

	matched, err := s.sut.ClearSubscription(s.ctx, "sub_1")
	assert.NoError(t, err)
	assert.True(t, matched)

	profile, err := s.sut.GetProfileByEmail(s.ctx, "user@example.com")
	assert.NoError(t, err)
	assert.Equal(t, "canceled", profile.SubscriptionStatus)
	assert.Nil(t, profile.SubscriptionID)
	assert.Nil(t, profile.SubscriptionPlan)

	matched, err = s.sut.ClearSubscription(s.ctx, "sub_1")
	assert.NoError(t, err)
	assert.False(t, matched)
}

func TestBillingRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(BillingRepositoryTestSuite))
}
