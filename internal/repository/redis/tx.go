package repository

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// optimistic transaction retry budget. A WATCH conflict means another
// writer touched the keys between read and exec; the read is simply
// repeated.
const txMaxRetries = 3

// ErrTxConflict is returned when the optimistic transaction keeps
// losing the race after txMaxRetries attempts. Callers treat it as a
// retryable internal error.
var ErrTxConflict = errors.New("transaction conflict, retry")

// withWatch runs fn under WATCH on the given keys, retrying on
// conflict. fn must re-read all watched state on every invocation.
func withWatch(ctx context.Context, cli *redis.Client, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < txMaxRetries; i++ {
		err := cli.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrTxConflict
}
