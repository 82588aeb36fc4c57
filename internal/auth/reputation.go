package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultMaxFailedAttempts = 5
	defaultFailureWindow     = 20 * time.Minute
	defaultBlockDuration     = 10 * time.Minute
)

type ReputationTracker struct {
	store         ReputationStore
	maxAttempts   int
	window        time.Duration
	blockDuration time.Duration
	now           func() time.Time
}

func NewReputationTracker(store ReputationStore) *ReputationTracker {
	return &ReputationTracker{
		store:         store,
		maxAttempts:   defaultMaxFailedAttempts,
		window:        defaultFailureWindow,
		blockDuration: defaultBlockDuration,
		now:           time.Now,
	}
}

func (t *ReputationTracker) WithLimits(maxAttempts int, window, blockDuration time.Duration) *ReputationTracker {
	if maxAttempts > 0 {
		t.maxAttempts = maxAttempts
	}
	if window > 0 {
		t.window = window
	}
	if blockDuration > 0 {
		t.blockDuration = blockDuration
	}
	return t
}

// RecordFailure counts a failed credential check for (userID, ip). When the
// count reaches the threshold the ip is blocked and blocked is true.
func (t *ReputationTracker) RecordFailure(ctx context.Context, userID, ip string) (int, bool, time.Time, error) {
	now := t.now().UTC()
	attempts, err := t.store.IncrementFailure(ctx, userID, ip, now, now.Add(-t.window))
	if err != nil {
		return 0, false, time.Time{}, fmt.Errorf("record failed login: %w", err)
	}
	if attempts < t.maxAttempts {
		return attempts, false, time.Time{}, nil
	}

	until := now.Add(t.blockDuration)
	if err := t.store.ReplaceIPBlock(ctx, IPBlock{IP: ip, BlockedUntil: until, CreatedAt: now}); err != nil {
		return attempts, false, time.Time{}, fmt.Errorf("block ip: %w", err)
	}
	return attempts, true, until, nil
}

func (t *ReputationTracker) IsBlocked(ctx context.Context, ip string) (bool, time.Time, error) {
	block, err := t.store.GetIPBlock(ctx, ip)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, fmt.Errorf("read ip block: %w", err)
	}
	if !block.Active(t.now()) {
		return false, time.Time{}, nil
	}
	return true, block.BlockedUntil, nil
}

func (t *ReputationTracker) Unblock(ctx context.Context, ip string) error {
	if err := t.store.DeleteIPBlock(ctx, ip); err != nil {
		return fmt.Errorf("delete ip block: %w", err)
	}
	return nil
}
