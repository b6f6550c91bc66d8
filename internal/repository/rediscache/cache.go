package rediscache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	claimTTL    = 30 * 24 * time.Hour
	decimalsTTL = time.Hour
)

// Store keeps short-lived coordination state: which payment claimed a
// provider deposit, and the token decimals read from chain.
type Store struct {
	redis  *redis.Client
	logger *zap.Logger
}

func New(rdb *redis.Client, logger *zap.Logger) *Store {
	return &Store{
		redis:  rdb,
		logger: logger.With(zap.String("component", "redis_store")),
	}
}

func claimKey(providerID string) string {
	return fmt.Sprintf("deposit:claim:%s", providerID)
}

// ClaimDeposit marks providerID as consumed by paymentID. It returns true for
// the first claimer and for repeated claims by the same payment.
func (s *Store) ClaimDeposit(ctx context.Context, providerID, paymentID string) (bool, error) {
	ok, err := s.redis.SetNX(ctx, claimKey(providerID), paymentID, claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim deposit %s: %w", providerID, err)
	}
	if ok {
		return true, nil
	}
	owner, err := s.redis.Get(ctx, claimKey(providerID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to read deposit claim %s: %w", providerID, err)
	}
	return owner == paymentID, nil
}

// ReleaseDeposit drops a claim held by paymentID so another sweep can retry.
func (s *Store) ReleaseDeposit(ctx context.Context, providerID, paymentID string) error {
	owner, err := s.redis.Get(ctx, claimKey(providerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read deposit claim %s: %w", providerID, err)
	}
	if owner != paymentID {
		return nil
	}
	if err := s.redis.Del(ctx, claimKey(providerID)).Err(); err != nil {
		s.logger.Warn("failed to release deposit claim",
			zap.String("reference", providerID),
			zap.String("payment_id", paymentID),
			zap.Error(err))
		return fmt.Errorf("failed to release deposit claim: %w", err)
	}
	return nil
}

func decimalsKey(token string) string {
	return fmt.Sprintf("token:decimals:%s", strings.ToLower(token))
}

// Decimals returns the cached decimals for token, loading them on a miss.
// Redis failures fall back to load.
func (s *Store) Decimals(ctx context.Context, token string, load func(context.Context) (uint8, error)) (uint8, error) {
	cached, err := s.redis.Get(ctx, decimalsKey(token)).Result()
	if err == nil {
		if d, perr := strconv.ParseUint(cached, 10, 8); perr == nil {
			return uint8(d), nil
		}
		s.logger.Warn("ignoring malformed cached decimals", zap.String("token", token), zap.String("value", cached))
	} else if !errors.Is(err, redis.Nil) {
		s.logger.Warn("decimals cache unavailable", zap.String("token", token), zap.Error(err))
	}

	d, err := load(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.redis.Set(ctx, decimalsKey(token), strconv.Itoa(int(d)), decimalsTTL).Err(); err != nil {
		s.logger.Warn("failed to cache decimals", zap.String("token", token), zap.Error(err))
	}
	return d, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}
