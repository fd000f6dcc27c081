package sequencer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"zksequencer/pkg/state"
)

const (
	// DefaultPrevBatchPollInterval is how often the store is polled for the previous batch
	DefaultPrevBatchPollInterval = 100 * time.Millisecond

	// DefaultPrevBatchMaxWait bounds the wait for the sealing process
	DefaultPrevBatchMaxWait = 5 * time.Minute

	logEveryIters = 10
)

// WaitConfig bounds the wait for a value published by the sealing process
type WaitConfig struct {
	DelayInterval time.Duration
	MaxWait       time.Duration
}

// DefaultWaitConfig returns the default polling cadence and ceiling
func DefaultWaitConfig() WaitConfig {
	return WaitConfig{
		DelayInterval: DefaultPrevBatchPollInterval,
		MaxWait:       DefaultPrevBatchMaxWait,
	}
}

var errBatchNotSealed = errors.New("batch is not sealed yet")

// WaitForPrevBatchParams returns the hash and timestamp of the batch preceding
// number, waiting for the sealing process to publish them. Batch 0 has no
// predecessor and gets a zero hash and timestamp.
func WaitForPrevBatchParams(ctx context.Context, store Storage, wait WaitConfig, number state.BatchNumber) (common.Hash, uint64, error) {
	if number == 0 {
		return common.Hash{}, 0, nil
	}
	return waitForBatchParams(ctx, store, wait, number-1)
}

func waitForBatchParams(ctx context.Context, store Storage, wait WaitConfig, number state.BatchNumber) (common.Hash, uint64, error) {
	iters, err := PollIters(wait.DelayInterval, wait.MaxWait)
	if err != nil {
		return common.Hash{}, 0, err
	}

	var (
		hash      common.Hash
		timestamp uint64
		iteration int
		startedAt = time.Now()
	)
	operation := func() error {
		h, ts, ok, err := store.GetBatchHashAndTimestamp(ctx, number)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to get hash of batch %s: %w", number, err))
		}
		if !ok {
			iteration++
			if iteration%logEveryIters == 0 {
				log.Info().
					Uint64("batch_number", uint64(number)).
					Dur("waited", time.Since(startedAt)).
					Msg("Waiting for the hash of the batch to be published")
			}
			return errBatchNotSealed
		}
		hash, timestamp = h, ts
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(wait.DelayInterval), uint64(iters)),
		ctx,
	)
	if err := backoff.Retry(operation, b); err != nil {
		if errors.Is(err, errBatchNotSealed) {
			return common.Hash{}, 0, fmt.Errorf("%w: hash of batch %s did not appear within %s",
				ErrInvariantViolation, number, wait.MaxWait)
		}
		return common.Hash{}, 0, err
	}

	log.Debug().Uint64("batch_number", uint64(number)).Dur("waited", time.Since(startedAt)).Msg("Got batch hash")
	return hash, timestamp, nil
}
