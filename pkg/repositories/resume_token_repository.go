package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ResumeTokenRepository keeps sealed resume tokens under short random references.
type ResumeTokenRepository interface {
	Put(ctx context.Context, token string) (string, error)
	Get(ctx context.Context, ref string) (string, bool, error)
}

type redisResumeTokenRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisResumeTokenRepository creates a ResumeTokenRepository in Redis.
// Entries expire after ttl, which should match the token's own lifetime.
func NewRedisResumeTokenRepository(client *redis.Client, ttl time.Duration) ResumeTokenRepository {
	return &redisResumeTokenRepository{client: client, ttl: ttl}
}

var _ ResumeTokenRepository = (*redisResumeTokenRepository)(nil)

func (r *redisResumeTokenRepository) Put(ctx context.Context, token string) (string, error) {
	ref := uuid.NewString()
	if err := r.client.Set(ctx, resumeTokenKey(ref), token, r.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store resume token: %w", err)
	}
	return ref, nil
}

func (r *redisResumeTokenRepository) Get(ctx context.Context, ref string) (string, bool, error) {
	if _, err := uuid.Parse(ref); err != nil {
		return "", false, nil
	}
	token, err := r.client.Get(ctx, resumeTokenKey(ref)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read resume token: %w", err)
	}
	return token, true, nil
}

func resumeTokenKey(ref string) string {
	return "nl2sql:resume:" + ref
}
