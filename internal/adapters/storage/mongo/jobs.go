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

var drainSort = bson.D{{Key: "tierClass", Value: 1}, {Key: "basePriority", Value: 1}, {Key: "createdAt", Value: 1}}

func (s *Store) SaveJob(ctx context.Context, job *domain.DeferredAction) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id cannot be empty")
	}
	_, err := s.jobs.ReplaceOne(ctx, bson.D{{Key: "_id", Value: job.ID}}, newJobDoc(job), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.DeferredAction, error) {
	var doc jobDoc
	err := s.jobs.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return doc.toDomain(), nil
}

func (s *Store) ClaimJob(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.jobs.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "status", Value: string(domain.JobPending)}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: string(domain.JobProcessing)}, {Key: "updatedAt", Value: now}}}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	n, err := s.jobs.CountDocuments(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return false, fmt.Errorf("failed to check job: %w", err)
	}
	if n == 0 {
		return false, domain.ErrJobNotFound
	}
	return false, nil
}

// ClaimPending reivindica um documento por vez com FindOneAndUpdate, de modo
// que drenagens concorrentes nunca recebam o mesmo job.
func (s *Store) ClaimPending(ctx context.Context, now time.Time, limit int) ([]*domain.DeferredAction, error) {
	filter := bson.D{
		{Key: "status", Value: string(domain.JobPending)},
		{Key: "retryAt", Value: bson.D{{Key: "$lte", Value: now}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: string(domain.JobProcessing)}, {Key: "updatedAt", Value: now}}}}
	opts := options.FindOneAndUpdate().SetSort(drainSort).SetReturnDocument(options.After)

	claimed := make([]*domain.DeferredAction, 0, limit)
	for len(claimed) < limit {
		var doc jobDoc
		err := s.jobs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return claimed, fmt.Errorf("failed to claim pending job: %w", err)
		}
		claimed = append(claimed, doc.toDomain())
	}
	return claimed, nil
}

func (s *Store) ListPending(ctx context.Context, limit int) ([]*domain.DeferredAction, error) {
	opts := options.Find().SetSort(drainSort)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.jobs.Find(ctx, bson.D{{Key: "status", Value: string(domain.JobPending)}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	defer cur.Close(ctx)

	var docs []jobDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode pending jobs: %w", err)
	}
	jobs := make([]*domain.DeferredAction, 0, len(docs))
	for _, doc := range docs {
		jobs = append(jobs, doc.toDomain())
	}
	return jobs, nil
}

func (s *Store) CountJobs(ctx context.Context, callerID string, status domain.JobStatus) (int64, error) {
	filter := bson.D{{Key: "status", Value: string(status)}}
	if callerID != "" {
		filter = append(filter, bson.E{Key: "callerId", Value: callerID})
	}
	n, err := s.jobs.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// PurgeExpiredJobs complementa o índice TTL, que roda em intervalos do servidor.
func (s *Store) PurgeExpiredJobs(ctx context.Context, now time.Time) (int, error) {
	res, err := s.jobs.DeleteMany(ctx, bson.D{{Key: "expiresAt", Value: bson.D{{Key: "$lte", Value: now}}}})
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	return int(res.DeletedCount), nil
}
