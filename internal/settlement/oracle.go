package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/mselser95/pool-settler/internal/chain"
	"github.com/mselser95/pool-settler/pkg/types"
)

// OracleSource supplies the resolution outcome for a pool.
type OracleSource interface {
	Outcome(ctx context.Context, pool *types.Pool) (uint64, error)
}

// FeedOracle reads the outcome from a price feed account on the ledger.
type FeedOracle struct {
	ledger chain.Client
	feed   types.Handle
}

// NewFeedOracle creates a FeedOracle reading feed through ledger.
func NewFeedOracle(ledger chain.Client, feed types.Handle) *FeedOracle {
	return &FeedOracle{ledger: ledger, feed: feed}
}

// Outcome returns the feed value. It fails with ErrFeedStale until the feed
// publishes at or after the pool's end time.
func (o *FeedOracle) Outcome(ctx context.Context, pool *types.Pool) (uint64, error) {
	snap, err := o.ledger.FetchAccount(ctx, o.feed)
	if err != nil {
		return 0, fmt.Errorf("fetch oracle feed %s: %w", o.feed, err)
	}

	feed, err := chain.DecodeFeed(snap)
	if err != nil {
		return 0, fmt.Errorf("decode oracle feed %s: %w", o.feed, err)
	}

	if feed.PublishedAt.Before(pool.EndTime) {
		return 0, fmt.Errorf("feed published %s, pool %d ended %s: %w",
			feed.PublishedAt.Format(time.RFC3339), pool.ID,
			pool.EndTime.Format(time.RFC3339), ErrFeedStale)
	}

	return feed.Value, nil
}

// StaticOracle returns a fixed outcome.
type StaticOracle uint64

// Outcome implements OracleSource.
func (s StaticOracle) Outcome(context.Context, *types.Pool) (uint64, error) {
	return uint64(s), nil
}
