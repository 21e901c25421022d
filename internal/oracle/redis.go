package oracle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/model"
)

// RedisFeed reads prices published by an external feeder. Each asset is a
// hash at "price:{asset}" with fields "price" (decimal string) and "ts"
// (unix nanoseconds). Prices older than maxAge are rejected.
type RedisFeed struct {
	rdb    *redis.Client
	maxAge time.Duration
	now    func() time.Time
}

// NewRedisFeed creates a feed. maxAge <= 0 disables the staleness check.
func NewRedisFeed(rdb *redis.Client, maxAge time.Duration) *RedisFeed {
	return &RedisFeed{rdb: rdb, maxAge: maxAge, now: time.Now}
}

func priceKey(asset common.Address) string {
	return "price:" + asset.Hex()
}

// SetPrice publishes a price for asset.
func (f *RedisFeed) SetPrice(ctx context.Context, asset common.Address, price decimal.Decimal, ts time.Time) error {
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := f.rdb.HSet(ctx, priceKey(asset), fields).Err(); err != nil {
		return fmt.Errorf("oracle: set price %s: %w", asset.Hex(), err)
	}
	return nil
}

func (f *RedisFeed) PriceOf(ctx context.Context, asset common.Address) (decimal.Decimal, error) {
	vals, err := f.rdb.HGetAll(ctx, priceKey(asset)).Result()
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: redis: %v", model.ErrOracleFailure, err)
	}
	raw, ok := vals["price"]
	if !ok {
		return checked(asset, decimal.Zero, false)
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: parse price %q: %v", model.ErrOracleFailure, raw, err)
	}

	if f.maxAge > 0 {
		ns, err := strconv.ParseInt(vals["ts"], 10, 64)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: missing timestamp for %s", model.ErrOracleFailure, asset.Hex())
		}
		if age := f.now().Sub(time.Unix(0, ns)); age > f.maxAge {
			return decimal.Zero, fmt.Errorf("%w: price for %s is %s old", model.ErrOracleFailure, asset.Hex(), age.Round(time.Second))
		}
	}
	return checked(asset, price, true)
}
