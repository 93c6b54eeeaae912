package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

func (s *Store) ActiveSubscription(ctx context.Context, callerID string, now time.Time) (*domain.Subscription, error) {
	var doc subscriptionDoc
	err := s.subscriptions.FindOne(ctx, bson.D{
		{Key: "callerId", Value: callerID},
		{Key: "status", Value: domain.SubscriptionActive},
		{Key: "expiresAt", Value: bson.D{{Key: "$gt", Value: now}}},
	}, options.FindOne().SetSort(bson.D{{Key: "expiresAt", Value: -1}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &domain.Subscription{
		CallerID:  doc.CallerID,
		Plan:      doc.Plan,
		Status:    doc.Status,
		ExpiresAt: doc.ExpiresAt.UTC(),
	}, nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*domain.ExternalAccount, error) {
	var doc accountDoc
	err := s.accounts.FindOne(ctx, bson.D{{Key: "_id", Value: accountID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &domain.ExternalAccount{
		ID:                     doc.ID,
		CallerID:               doc.CallerID,
		Username:               doc.Username,
		ProviderCallCount:      doc.ProviderCallCount,
		RateLimited:            doc.RateLimited,
		RateLimitResetAt:       zeroUTC(doc.RateLimitResetAt),
		SkipFollowCheckForFree: doc.SkipFollowCheckForFree,
	}, nil
}

func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	cur, err := s.accounts.Find(ctx, bson.D{},
		options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}).SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode account id: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	return ids, cur.Err()
}

func (s *Store) updateAccount(ctx context.Context, accountID string, update bson.D) error {
	res, err := s.accounts.UpdateOne(ctx, bson.D{{Key: "_id", Value: accountID}}, update)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *Store) IncrementProviderCalls(ctx context.Context, accountID string, by int64) error {
	return s.updateAccount(ctx, accountID, bson.D{{Key: "$inc", Value: bson.D{{Key: "providerCallCount", Value: by}}}})
}

func (s *Store) MarkRateLimited(ctx context.Context, accountID string, until time.Time) error {
	return s.updateAccount(ctx, accountID, bson.D{{Key: "$set", Value: bson.D{
		{Key: "isRateLimited", Value: true},
		{Key: "rateLimitResetAt", Value: until},
	}}})
}

func (s *Store) ResetRateLimit(ctx context.Context, accountID string) error {
	return s.updateAccount(ctx, accountID, bson.D{{Key: "$set", Value: bson.D{
		{Key: "isRateLimited", Value: false},
		{Key: "rateLimitResetAt", Value: time.Time{}},
		{Key: "providerCallCount", Value: int64(0)},
	}}})
}
