package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"zksequencer/pkg/core"
	"zksequencer/pkg/state"
	"zksequencer/pkg/util"
	"zksequencer/pkg/vm"
)

// Executor runs batches. It is configured with the environments built here
// and fed the L2 blocks to re-execute after a restart.
type Executor interface {
	StartBatch(ctx context.Context, system vm.SystemEnv, l1Batch vm.L1BatchEnv) error
	ReExecuteL2Block(ctx context.Context, block state.L2BlockExecutionData) error
}

// GasPriceSource provides the L1 gas price a new batch is priced with
type GasPriceSource interface {
	SuggestL1GasPrice(ctx context.Context) (uint64, error)
}

// KeeperStorage is the store the Keeper sequences on
type KeeperStorage interface {
	Storage
	GetSealedBatchNumber(ctx context.Context) (state.BatchNumber, bool, error)
}

// Keeper drives the sequencing of batches for a single chain. It restores
// the unsealed batch on start and opens a new batch after every seal.
type Keeper struct {
	config    *core.Config
	store     KeeperStorage
	executor  Executor
	gasPrices GasPriceSource
	wait      WaitConfig
	now       func() time.Time

	// Batch being sequenced
	current *BatchEnv
	mu      sync.RWMutex
}

func NewKeeper(config *core.Config, store KeeperStorage, executor Executor, gasPrices GasPriceSource) *Keeper {
	return &Keeper{
		config:    config,
		store:     store,
		executor:  executor,
		gasPrices: gasPrices,
		wait: WaitConfig{
			DelayInterval: config.PrevBatchPollInterval,
			MaxWait:       config.PrevBatchMaxWait,
		},
		now: time.Now,
	}
}

// Current returns the environment of the batch being sequenced, or nil
func (k *Keeper) Current() *BatchEnv {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

func (k *Keeper) setCurrent(env *BatchEnv) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.current = env
}

func (k *Keeper) openBatchNumber(ctx context.Context) (state.BatchNumber, error) {
	sealed, ok, err := k.store.GetSealedBatchNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get sealed batch number: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: store has no sealed genesis batch", ErrInvariantViolation)
	}
	return sealed + 1, nil
}

// Start restores the batch that was being sequenced when the node stopped and
// replays its L2 blocks into the executor. Without pending work it opens the
// next batch instead.
func (k *Keeper) Start(ctx context.Context) error {
	number, err := k.openBatchNumber(ctx)
	if err != nil {
		return err
	}

	pending, err := LoadPendingBatch(ctx, k.store, k.wait, number, k.config.ValidationComputationalGasLimit, state.L2ChainID(k.config.ChainID))
	if err != nil {
		return err
	}
	if pending == nil {
		log.Info().Uint64("batch_number", uint64(number)).Msg("No pending batch to recover")
		_, err := k.OpenBatch(ctx)
		return err
	}

	log.Info().
		Uint64("batch_number", uint64(number)).
		Int("l2_blocks", len(pending.PendingL2Blocks)).
		Msg("Recovering pending batch")

	if err := k.executor.StartBatch(ctx, pending.SystemEnv, pending.L1BatchEnv); err != nil {
		return fmt.Errorf("failed to start recovered batch %s: %w", number, err)
	}
	for _, block := range pending.PendingL2Blocks {
		if err := k.executor.ReExecuteL2Block(ctx, block); err != nil {
			return fmt.Errorf("failed to re-execute L2 block %s: %w", block.Number, err)
		}
	}
	k.setCurrent(&BatchEnv{System: pending.SystemEnv, L1Batch: pending.L1BatchEnv})

	log.Info().Uint64("batch_number", uint64(number)).Msg("Recovered pending batch")
	return nil
}

// OpenBatch starts the batch following the latest sealed one. Its parameters
// are persisted before the executor sees them, so they are in the store before
// any of its L2 blocks. Parameters that were persisted earlier are reused.
func (k *Keeper) OpenBatch(ctx context.Context) (*BatchEnv, error) {
	number, err := k.openBatchNumber(ctx)
	if err != nil {
		return nil, err
	}
	firstL2Block, hasPrev, err := firstL2BlockOfBatch(ctx, k.store, number)
	if err != nil {
		return nil, err
	}
	_, started, err := k.store.GetVirtualBlocksForL2Block(ctx, firstL2Block)
	if err != nil {
		return nil, fmt.Errorf("failed to get virtual blocks of L2 block %s: %w", firstL2Block, err)
	}
	if started {
		return nil, fmt.Errorf("%w: batch %s already has L2 blocks and must be recovered", ErrInvariantViolation, number)
	}

	initParams, err := k.store.GetBatchInitParams(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("failed to get init params of batch %s: %w", number, err)
	}

	var env *BatchEnv
	if initParams != nil {
		log.Info().Uint64("batch_number", uint64(number)).Msg("Reusing persisted batch init params")
		env, err = envFromInitParams(ctx, k.store, k.wait, number, initParams, firstL2Block, hasPrev,
			k.config.VirtualBlocksPerBatch, k.config.ValidationComputationalGasLimit, state.L2ChainID(k.config.ChainID))
		if err != nil {
			return nil, err
		}
	} else {
		env, err = k.decideBatchEnv(ctx, number, firstL2Block, hasPrev)
		if err != nil {
			return nil, err
		}
		if err := SaveBatchInitParams(ctx, k.store, env.System, env.L1Batch); err != nil {
			return nil, err
		}
	}

	if err := k.executor.StartBatch(ctx, env.System, env.L1Batch); err != nil {
		return nil, fmt.Errorf("failed to start batch %s: %w", number, err)
	}
	k.setCurrent(env)

	log.Info().
		Uint64("batch_number", uint64(number)).
		Uint64("timestamp", env.L1Batch.Timestamp).
		Uint64("first_l2_block", uint64(env.L1Batch.FirstL2Block.Number)).
		Uint64("l1_gas_price", env.L1Batch.L1GasPrice).
		Str("prev_l2_block_hash", util.ShortHash(env.L1Batch.FirstL2Block.PrevBlockHash)).
		Msg("Opened batch")
	return env, nil
}

// decideBatchEnv picks the parameters of a batch that has not been started.
// Contracts and protocol version carry over from the previous batch.
func (k *Keeper) decideBatchEnv(ctx context.Context, number state.BatchNumber, firstL2Block state.L2BlockNumber, hasPrev bool) (*BatchEnv, error) {
	prevBatchHash, prevBatchTimestamp, err := WaitForPrevBatchParams(ctx, k.store, k.wait, number)
	if err != nil {
		return nil, err
	}

	var prevParams *state.BatchInitParams
	if number > 0 {
		prevParams, err = k.store.GetBatchInitParams(ctx, number-1)
		if err != nil {
			return nil, fmt.Errorf("failed to get init params of batch %s: %w", number-1, err)
		}
	}
	if prevParams == nil {
		return nil, fmt.Errorf("%w: no init params for the batch preceding %s", ErrInvariantViolation, number)
	}
	version := state.LatestProtocolVersion
	if prevParams.ProtocolVersion != nil {
		version = *prevParams.ProtocolVersion
	}

	timestamp := uint64(k.now().Unix())
	if timestamp <= prevBatchTimestamp {
		log.Warn().
			Uint64("batch_number", uint64(number)).
			Uint64("now", timestamp).
			Uint64("prev_batch_timestamp", prevBatchTimestamp).
			Msg("Clock is behind the previous batch, bumping timestamp")
		timestamp = prevBatchTimestamp + 1
	}

	l1GasPrice, err := k.gasPrices.SuggestL1GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get L1 gas price: %w", err)
	}

	prevL2Hash, err := prevL2BlockHash(ctx, k.store, firstL2Block, hasPrev)
	if err != nil {
		return nil, err
	}
	contracts, err := baseSystemContracts(ctx, k.store, prevParams.BaseSystemContractsHashes)
	if err != nil {
		return nil, err
	}

	system, l1Batch := BatchParams(
		number,
		k.config.FeeAccountAddress(),
		timestamp,
		prevBatchHash,
		l1GasPrice,
		k.config.FairL2GasPrice,
		firstL2Block,
		prevL2Hash,
		contracts,
		k.config.ValidationComputationalGasLimit,
		version,
		k.config.VirtualBlocksPerBatch,
		state.L2ChainID(k.config.ChainID),
	)
	return &BatchEnv{System: system, L1Batch: l1Batch}, nil
}

// LogExecutor is an Executor that only logs what it is given. The node runs
// with it until a VM is attached.
type LogExecutor struct{}

func (LogExecutor) StartBatch(ctx context.Context, system vm.SystemEnv, l1Batch vm.L1BatchEnv) error {
	log.Info().
		Uint64("batch_number", uint64(l1Batch.Number)).
		Uint16("protocol_version", uint16(system.Version)).
		Str("execution_mode", system.ExecutionMode.String()).
		Uint64("base_fee", l1Batch.BaseFee()).
		Msg("Executor started batch")
	return ctx.Err()
}

func (LogExecutor) ReExecuteL2Block(ctx context.Context, block state.L2BlockExecutionData) error {
	log.Info().
		Uint64("l2_block", uint64(block.Number)).
		Int("tx_count", len(block.Txs)).
		Msg("Executor re-executed L2 block")
	return ctx.Err()
}
