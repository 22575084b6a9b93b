package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/reconciler/pkg/common/logger"
	"github.com/synaptica-ai/reconciler/pkg/common/models"
)

// CachedStore puts a read-through redis cache in front of a Store. Cache
// failures are logged and fall back to the underlying store.
type CachedStore struct {
	inner Store
	redis *redis.Client
	ttl   time.Duration
}

func NewCachedStore(inner Store, client *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{inner: inner, redis: client, ttl: ttl}
}

func latestKey(patientID string) string {
	return fmt.Sprintf("reconciler:snapshot:%s:latest", patientID)
}

func versionKey(patientID string, version int) string {
	return fmt.Sprintf("reconciler:snapshot:%s:v%d", patientID, version)
}

func (c *CachedStore) Commit(ctx context.Context, snapshot *models.Snapshot) error {
	if err := c.inner.Commit(ctx, snapshot); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// another writer advanced the log; the cached latest is stale
			if delErr := c.Invalidate(context.WithoutCancel(ctx), snapshot.PatientID); delErr != nil {
				logger.ForPatient(snapshot.PatientID).WithError(delErr).Warn("failed to drop stale latest snapshot")
			}
		}
		return err
	}
	body, err := json.Marshal(snapshot)
	if err != nil {
		return nil
	}
	pipe := c.redis.TxPipeline()
	pipe.Set(ctx, latestKey(snapshot.PatientID), body, c.ttl)
	pipe.Set(ctx, versionKey(snapshot.PatientID, snapshot.Version), body, c.ttl)
	if _, err := pipe.Exec(context.WithoutCancel(ctx)); err != nil {
		logger.ForPatient(snapshot.PatientID).WithError(err).Warn("failed to cache committed snapshot")
		c.redis.Del(context.WithoutCancel(ctx), latestKey(snapshot.PatientID))
	}
	return nil
}

func (c *CachedStore) Latest(ctx context.Context, patientID string) (*models.Snapshot, error) {
	if s, ok := c.read(ctx, patientID, latestKey(patientID)); ok {
		return s, nil
	}
	s, err := c.inner.Latest(ctx, patientID)
	if err != nil {
		return nil, err
	}
	c.write(ctx, patientID, latestKey(patientID), s)
	return s, nil
}

func (c *CachedStore) Get(ctx context.Context, patientID string, version int) (*models.Snapshot, error) {
	key := versionKey(patientID, version)
	if s, ok := c.read(ctx, patientID, key); ok {
		return s, nil
	}
	s, err := c.inner.Get(ctx, patientID, version)
	if err != nil {
		return nil, err
	}
	c.write(ctx, patientID, key, s)
	return s, nil
}

func (c *CachedStore) List(ctx context.Context, patientID string) ([]models.SnapshotInfo, error) {
	return c.inner.List(ctx, patientID)
}

// Invalidate drops the cached latest snapshot of a patient.
func (c *CachedStore) Invalidate(ctx context.Context, patientID string) error {
	return c.redis.Del(ctx, latestKey(patientID)).Err()
}

func (c *CachedStore) read(ctx context.Context, patientID, key string) (*models.Snapshot, bool) {
	body, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.ForPatient(patientID).WithError(err).Warn("snapshot cache read failed")
		}
		return nil, false
	}
	s, err := decodeSnapshot(body)
	if err != nil {
		c.redis.Del(ctx, key)
		return nil, false
	}
	return s, true
}

func (c *CachedStore) write(ctx context.Context, patientID, key string, s *models.Snapshot) {
	body, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, body, c.ttl).Err(); err != nil {
		logger.ForPatient(patientID).WithError(err).Warn("snapshot cache write failed")
	}
}
