package health

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
)

// RedisChecker pings the event mirror. Non-critical: research still works
// without the mirror, streams just lose Redis replay.
func RedisChecker(rdb *redis.Client) Checker {
	return CheckFunc{
		ComponentName: "redis",
		IsCritical:    false,
		Fn: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
	}
}

// DatabaseChecker pings the run history store. Non-critical for the same
// reason as Redis: history is best-effort.
func DatabaseChecker(db *sqlx.DB) Checker {
	return CheckFunc{
		ComponentName: "database",
		IsCritical:    false,
		Fn: func(ctx context.Context) error {
			return db.PingContext(ctx)
		},
	}
}

// TemporalChecker verifies the workflow backend is reachable. Critical:
// without it deep research cannot start.
func TemporalChecker(tc client.Client) Checker {
	return CheckFunc{
		ComponentName: "temporal",
		IsCritical:    true,
		Fn: func(ctx context.Context) error {
			if tc == nil {
				return errors.New("temporal client not configured")
			}
			_, err := tc.CheckHealth(ctx, &client.CheckHealthRequest{})
			return err
		},
	}
}
