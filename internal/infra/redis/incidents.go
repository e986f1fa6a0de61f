package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/remitwatch/internal/core/domain"
)

// incidentTTL bounds how long an unresolved incident body is kept.
const incidentTTL = 7 * 24 * time.Hour

// IncidentRepo is a per-chain incident queue: a sorted set of ids scored by
// creation time plus one JSON blob per incident.
type IncidentRepo struct {
	rdb     *redis.Client
	chainID string
}

// NewIncidentRepo creates a new Redis-backed incident queue.
func NewIncidentRepo(client *Client, chainID string) *IncidentRepo {
	return &IncidentRepo{
		rdb:     client.rdb,
		chainID: chainID,
	}
}

// Add stores an incident and queues its id.
func (r *IncidentRepo) Add(ctx context.Context, inc *domain.Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, incidentKey(r.chainID, inc.ID), data, incidentTTL)
	pipe.ZAdd(ctx, incidentQueueKey(r.chainID), redis.Z{
		Score:  float64(inc.CreatedAt.Unix()),
		Member: inc.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add incident: %w", err)
	}
	return nil
}

// List returns open incidents, oldest first.
func (r *IncidentRepo) List(ctx context.Context) ([]*domain.Incident, error) {
	ids, err := r.rdb.ZRange(ctx, incidentQueueKey(r.chainID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	incidents := make([]*domain.Incident, 0, len(ids))
	for _, id := range ids {
		data, err := r.rdb.Get(ctx, incidentKey(r.chainID, id)).Bytes()
		if err == redis.Nil {
			// Body expired but id still queued
			r.rdb.ZRem(ctx, incidentQueueKey(r.chainID), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get incident: %w", err)
		}

		var inc domain.Incident
		if err := json.Unmarshal(data, &inc); err != nil {
			continue
		}
		incidents = append(incidents, &inc)
	}
	return incidents, nil
}

// Resolve removes an incident.
func (r *IncidentRepo) Resolve(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.ZRem(ctx, incidentQueueKey(r.chainID), id)
	pipe.Del(ctx, incidentKey(r.chainID, id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}
	return nil
}

// Count returns the number of open incidents.
func (r *IncidentRepo) Count(ctx context.Context) (int, error) {
	count, err := r.rdb.ZCard(ctx, incidentQueueKey(r.chainID)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}
