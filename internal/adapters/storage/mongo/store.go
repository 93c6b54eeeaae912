// Package mongo implementa o armazenamento durável como documentos no MongoDB.
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
	"github.com/JeanGrijp/callquota/internal/core/ports"
)

const (
	usageCollection        = "user_window_usage"
	globalCollection       = "global_window_state"
	jobCollection          = "deferred_actions"
	accountCollection      = "external_accounts"
	subscriptionCollection = "subscriptions"

	upsertAttempts = 3
)

type Store struct {
	client        *mongo.Client
	usage         *mongo.Collection
	globals       *mongo.Collection
	jobs          *mongo.Collection
	accounts      *mongo.Collection
	subscriptions *mongo.Collection
}

var (
	_ ports.DurableStore       = (*Store)(nil)
	_ ports.AccountRegistry    = (*Store)(nil)
	_ ports.SubscriptionLookup = (*Store)(nil)
)

type Config struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	// OperationTimeout é aplicado pelo cliente a cada operação.
	OperationTimeout time.Duration
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongo database is required")
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	opts := options.Client().ApplyURI(cfg.URI).SetConnectTimeout(cfg.ConnectTimeout)
	if cfg.OperationTimeout > 0 {
		opts.SetTimeout(cfg.OperationTimeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:        client,
		usage:         db.Collection(usageCollection),
		globals:       db.Collection(globalCollection),
		jobs:          db.Collection(jobCollection),
		accounts:      db.Collection(accountCollection),
		subscriptions: db.Collection(subscriptionCollection),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{s.usage, []mongo.IndexModel{
			{Keys: bson.D{{Key: "callerId", Value: 1}, {Key: "windowStart", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "windowStart", Value: 1}}},
		}},
		{s.globals, []mongo.IndexModel{
			{Keys: bson.D{{Key: "windowStart", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{s.jobs, []mongo.IndexModel{
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "tierClass", Value: 1}, {Key: "basePriority", Value: 1}, {Key: "createdAt", Value: 1}}},
			{Keys: bson.D{{Key: "callerId", Value: 1}, {Key: "status", Value: 1}}},
			// Retenção: o documento some quando expiresAt passa.
			{Keys: bson.D{{Key: "expiresAt", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
		}},
		{s.subscriptions, []mongo.IndexModel{
			{Keys: bson.D{{Key: "callerId", Value: 1}, {Key: "status", Value: 1}, {Key: "expiresAt", Value: -1}}},
		}},
	}

	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateMany(ctx, idx.models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", idx.coll.Name(), err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// RecordUsage incrementa a entrada da conta se ela já existir; caso contrário
// faz upsert do documento anexando a entrada. Conflitos de chave única entre
// escritores concorrentes são resolvidos repetindo a sequência.
func (s *Store) RecordUsage(ctx context.Context, inc domain.UsageIncrement) error {
	if inc.CallerID == "" {
		return fmt.Errorf("caller id cannot be empty")
	}

	base := bson.D{{Key: "callerId", Value: inc.CallerID}, {Key: "windowStart", Value: inc.Window.Start}}
	set := bson.D{
		{Key: "tier", Value: string(inc.Tier)},
		{Key: "tierLimit", Value: inc.TierLimit},
		{Key: "updatedAt", Value: inc.At},
	}

	for attempt := 0; attempt < upsertAttempts; attempt++ {
		existing := append(bson.D{}, base...)
		existing = append(existing, bson.E{Key: "accounts.accountId", Value: inc.AccountID})
		res, err := s.usage.UpdateOne(ctx, existing, bson.D{
			{Key: "$inc", Value: bson.D{{Key: "totalCalls", Value: inc.Calls}, {Key: "accounts.$.callsMade", Value: inc.Calls}}},
			{Key: "$set", Value: append(append(bson.D{}, set...), bson.E{Key: "accounts.$.lastCallAt", Value: inc.At})},
		})
		if err != nil {
			return fmt.Errorf("failed to update account usage: %w", err)
		}
		if res.MatchedCount > 0 {
			return nil
		}

		absent := append(bson.D{}, base...)
		absent = append(absent, bson.E{Key: "accounts.accountId", Value: bson.D{{Key: "$ne", Value: inc.AccountID}}})
		_, err = s.usage.UpdateOne(ctx, absent, bson.D{
			{Key: "$inc", Value: bson.D{{Key: "totalCalls", Value: inc.Calls}}},
			{Key: "$set", Value: set},
			{Key: "$push", Value: bson.D{{Key: "accounts", Value: accountUsageDoc{
				AccountID:   inc.AccountID,
				AccountName: inc.AccountName,
				CallsMade:   inc.Calls,
				LastCallAt:  inc.At,
			}}}},
			{Key: "$setOnInsert", Value: bson.D{
				{Key: "windowKey", Value: inc.Window.Key},
				{Key: "automationPaused", Value: false},
				{Key: "createdAt", Value: inc.At},
			}},
		}, options.Update().SetUpsert(true))
		if mongo.IsDuplicateKeyError(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to upsert usage window: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to record usage for %s after %d attempts", inc.CallerID, upsertAttempts)
}

func (s *Store) GetUserUsage(ctx context.Context, callerID string, windowStart time.Time) (*domain.UserWindowUsage, error) {
	var doc usageDoc
	err := s.usage.FindOne(ctx, bson.D{{Key: "callerId", Value: callerID}, {Key: "windowStart", Value: windowStart}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load usage window: %w", err)
	}
	return doc.toDomain(), nil
}

func (s *Store) IncrementGlobalCalls(ctx context.Context, window domain.Window, limit, by int64) error {
	now := time.Now().UTC()
	_, err := s.globals.UpdateOne(ctx, bson.D{{Key: "windowStart", Value: window.Start}}, bson.D{
		{Key: "$inc", Value: bson.D{{Key: "globalCalls", Value: by}}},
		{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: now}}},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "windowKey", Value: window.Key},
			{Key: "label", Value: window.Label},
			{Key: "globalLimit", Value: limit},
			{Key: "status", Value: string(domain.WindowActive)},
			{Key: "createdAt", Value: now},
		}},
	}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to increment global calls: %w", err)
	}
	return nil
}

func (s *Store) GetGlobalWindow(ctx context.Context, windowStart time.Time) (*domain.GlobalWindowState, error) {
	var doc globalDoc
	err := s.globals.FindOne(ctx, bson.D{{Key: "windowStart", Value: windowStart}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load global window: %w", err)
	}
	return doc.toDomain(), nil
}

func (s *Store) SaveGlobalWindow(ctx context.Context, state *domain.GlobalWindowState) error {
	if state == nil {
		return fmt.Errorf("state cannot be nil")
	}
	now := time.Now().UTC()
	_, err := s.globals.UpdateOne(ctx, bson.D{{Key: "windowStart", Value: state.WindowStart}}, bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "windowKey", Value: state.WindowKey},
			{Key: "label", Value: state.Label},
			{Key: "globalLimit", Value: state.GlobalLimit},
			{Key: "accountsProcessed", Value: state.AccountsProcessed},
			{Key: "automationPaused", Value: state.AutomationPaused},
			{Key: "status", Value: string(state.Status)},
			{Key: "rotatedAt", Value: state.RotatedAt},
			{Key: "completedAt", Value: state.CompletedAt},
			{Key: "updatedAt", Value: now},
		}},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "globalCalls", Value: int64(0)},
			{Key: "createdAt", Value: now},
		}},
	}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save global window: %w", err)
	}
	return nil
}

func (s *Store) PurgeUsageBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := s.usage.DeleteMany(ctx, bson.D{{Key: "windowStart", Value: bson.D{{Key: "$lt", Value: before}}}})
	if err != nil {
		return 0, fmt.Errorf("failed to purge usage windows: %w", err)
	}
	return int(res.DeletedCount), nil
}
