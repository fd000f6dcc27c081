package sequencer

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"zksequencer/pkg/state"
	"zksequencer/pkg/util"
	"zksequencer/pkg/vm"
)

// Storage is the subset of the persisted store the sequencing core reads and
// writes. Missing records are reported as nil or ok == false, never as errors.
type Storage interface {
	GetBatchInitParams(ctx context.Context, number state.BatchNumber) (*state.BatchInitParams, error)
	GetL2BlockRangeOfBatch(ctx context.Context, number state.BatchNumber) (first, last state.L2BlockNumber, ok bool, err error)
	GetVirtualBlocksForL2Block(ctx context.Context, number state.L2BlockNumber) (uint32, bool, error)
	GetBatchHashAndTimestamp(ctx context.Context, number state.BatchNumber) (common.Hash, uint64, bool, error)
	GetL2BlockHeader(ctx context.Context, number state.L2BlockNumber) (*state.L2BlockHeader, error)
	GetBaseSystemContracts(ctx context.Context, bootloaderHash, defaultAAHash common.Hash) (*vm.BaseSystemContracts, error)
	GetL2BlocksToReexecute(ctx context.Context) ([]state.L2BlockExecutionData, error)
	InsertBatchInitParams(ctx context.Context, params *state.BatchInitParams) error
}

// BatchEnv pairs the two environments the executor needs for a batch
type BatchEnv struct {
	System  vm.SystemEnv
	L1Batch vm.L1BatchEnv
}

// PendingBatchData is the state of a batch that was being sequenced when the
// node stopped: its environment and the L2 blocks executed so far.
type PendingBatchData struct {
	L1BatchEnv      vm.L1BatchEnv
	SystemEnv       vm.SystemEnv
	PendingL2Blocks []state.L2BlockExecutionData
}

// BatchParams returns the parameters required to initialize the VM for the next batch
func BatchParams(
	currentBatchNumber state.BatchNumber,
	feeAccount common.Address,
	batchTimestamp uint64,
	previousBatchHash common.Hash,
	l1GasPrice uint64,
	fairL2GasPrice uint64,
	firstL2BlockNumber state.L2BlockNumber,
	prevL2BlockHash common.Hash,
	baseSystemContracts vm.BaseSystemContracts,
	validationComputationalGasLimit uint32,
	protocolVersion state.ProtocolVersionID,
	virtualBlocks uint32,
	chainID state.L2ChainID,
) (vm.SystemEnv, vm.L1BatchEnv) {
	var prevBatchHash *common.Hash
	if previousBatchHash != (common.Hash{}) {
		h := previousBatchHash
		prevBatchHash = &h
	}

	return vm.SystemEnv{
			ZkPorterAvailable:                      vm.ZkPorterIsAvailable,
			Version:                                protocolVersion,
			BaseSystemSmartContracts:               baseSystemContracts,
			GasLimit:                               vm.BlockGasLimit,
			ExecutionMode:                          vm.VerifyExecute,
			DefaultValidationComputationalGasLimit: validationComputationalGasLimit,
			ChainID:                                chainID,
		}, vm.L1BatchEnv{
			PreviousBatchHash: prevBatchHash,
			Number:            currentBatchNumber,
			Timestamp:         batchTimestamp,
			L1GasPrice:        l1GasPrice,
			FairL2GasPrice:    fairL2GasPrice,
			FeeAccount:        feeAccount,
			EnforcedBaseFee:   nil,
			FirstL2Block: vm.L2BlockEnv{
				Number:                   firstL2BlockNumber,
				Timestamp:                batchTimestamp,
				PrevBlockHash:            prevL2BlockHash,
				MaxVirtualBlocksToCreate: virtualBlocks,
			},
		}
}

// PollIters returns how many times delayInterval fits into maxWait, rounding
// up, and never less than one.
func PollIters(delayInterval, maxWait time.Duration) (int, error) {
	delayMillis := delayInterval.Milliseconds()
	if delayMillis <= 0 {
		return 0, fmt.Errorf("%w: delay interval must be positive, got %s", ErrInvalidArgument, delayInterval)
	}
	maxWaitMillis := maxWait.Milliseconds()
	if maxWaitMillis < 0 {
		maxWaitMillis = 0
	}

	iters := (maxWaitMillis + delayMillis - 1) / delayMillis
	return int(max(iters, 1)), nil
}

// firstL2BlockOfBatch returns the number of the first L2 block of a batch
// together with the L2 block preceding it. Batch 0 starts the chain.
func firstL2BlockOfBatch(ctx context.Context, store Storage, number state.BatchNumber) (state.L2BlockNumber, bool, error) {
	if number == 0 {
		return 0, false, nil
	}
	_, lastInPrevBatch, ok, err := store.GetL2BlockRangeOfBatch(ctx, number-1)
	if err != nil {
		return 0, false, fmt.Errorf("failed to get L2 block range of batch %s: %w", number-1, err)
	}
	if !ok {
		return 0, false, fmt.Errorf("%w: batch %s has no L2 block range, batch %s cannot follow it", ErrInvariantViolation, number-1, number)
	}
	return lastInPrevBatch + 1, true, nil
}

// prevL2BlockHash returns the hash of the L2 block preceding pending
func prevL2BlockHash(ctx context.Context, store Storage, pending state.L2BlockNumber, hasPrev bool) (common.Hash, error) {
	if !hasPrev {
		return common.Hash{}, nil
	}
	header, err := store.GetL2BlockHeader(ctx, pending-1)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get header of L2 block %s: %w", pending-1, err)
	}
	if header == nil {
		return common.Hash{}, fmt.Errorf("%w: missing header of L2 block %s", ErrInvariantViolation, pending-1)
	}
	return header.Hash, nil
}

func baseSystemContracts(ctx context.Context, store Storage, hashes state.BaseSystemContractsHashes) (vm.BaseSystemContracts, error) {
	contracts, err := store.GetBaseSystemContracts(ctx, hashes.Bootloader, hashes.DefaultAA)
	if err != nil {
		return vm.BaseSystemContracts{}, fmt.Errorf("failed to get base system contracts: %w", err)
	}
	if contracts == nil {
		return vm.BaseSystemContracts{}, fmt.Errorf("%w: base system contracts bootloader=%s default_aa=%s are not stored",
			ErrInvariantViolation, hashes.Bootloader.Hex(), hashes.DefaultAA.Hex())
	}
	return *contracts, nil
}

func checkTimestamp(number state.BatchNumber, prevBatchTimestamp, batchTimestamp uint64) error {
	if prevBatchTimestamp >= batchTimestamp {
		return fmt.Errorf("%w: cannot seal batch %s: timestamp of previous batch (%s) >= provisional batch timestamp (%s), "+
			"meaning that the batch will be rejected by the bootloader",
			ErrInvariantViolation, number, util.DisplayTimestamp(prevBatchTimestamp), util.DisplayTimestamp(batchTimestamp))
	}
	return nil
}

// envFromInitParams builds the environment of a batch whose init params are
// already persisted. It waits for the previous batch to be sealed.
func envFromInitParams(
	ctx context.Context,
	store Storage,
	wait WaitConfig,
	number state.BatchNumber,
	initParams *state.BatchInitParams,
	pendingL2Block state.L2BlockNumber,
	hasPrevL2Block bool,
	virtualBlocks uint32,
	validationComputationalGasLimit uint32,
	chainID state.L2ChainID,
) (*BatchEnv, error) {
	if initParams.ProtocolVersion == nil {
		return nil, fmt.Errorf("%w: protocol version must be set for batch %s", ErrInvariantViolation, number)
	}

	log.Info().Uint64("batch_number", uint64(number)).Msg("Getting previous batch hash")
	prevBatchHash, prevBatchTimestamp, err := WaitForPrevBatchParams(ctx, store, wait, number)
	if err != nil {
		return nil, err
	}
	if number > 0 {
		if err := checkTimestamp(number, prevBatchTimestamp, initParams.Timestamp); err != nil {
			return nil, err
		}
	}

	log.Info().Uint64("l2_block", uint64(pendingL2Block)).Msg("Getting previous L2 block hash")
	prevL2Hash, err := prevL2BlockHash(ctx, store, pendingL2Block, hasPrevL2Block)
	if err != nil {
		return nil, err
	}

	contracts, err := baseSystemContracts(ctx, store, initParams.BaseSystemContractsHashes)
	if err != nil {
		return nil, err
	}

	log.Info().Uint64("batch_number", uint64(number)).Str("previous_batch_hash", prevBatchHash.Hex()).Msg("Got previous batch hash")
	system, l1Batch := BatchParams(
		number,
		initParams.FeeAccountAddress,
		initParams.Timestamp,
		prevBatchHash,
		initParams.L1GasPrice,
		initParams.L2FairGasPrice,
		pendingL2Block,
		prevL2Hash,
		contracts,
		validationComputationalGasLimit,
		*initParams.ProtocolVersion,
		virtualBlocks,
		chainID,
	)
	return &BatchEnv{System: system, L1Batch: l1Batch}, nil
}

// LoadBatchParams loads the environment of a batch that was started but not
// sealed from the store. It returns nil without an error when there is nothing
// to resume: the batch has no init params, or no L2 block of it was persisted.
func LoadBatchParams(
	ctx context.Context,
	store Storage,
	wait WaitConfig,
	currentBatchNumber state.BatchNumber,
	validationComputationalGasLimit uint32,
	chainID state.L2ChainID,
) (*BatchEnv, error) {
	initParams, err := store.GetBatchInitParams(ctx, currentBatchNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to get init params of batch %s: %w", currentBatchNumber, err)
	}
	if initParams == nil {
		return nil, nil
	}

	pendingL2Block, hasPrev, err := firstL2BlockOfBatch(ctx, store, currentBatchNumber)
	if err != nil {
		return nil, err
	}

	// If the L2 block doesn't exist, no transactions were executed after the
	// last sealed batch and there is no unsynced state.
	virtualBlocks, ok, err := store.GetVirtualBlocksForL2Block(ctx, pendingL2Block)
	if err != nil {
		return nil, fmt.Errorf("failed to get virtual blocks of L2 block %s: %w", pendingL2Block, err)
	}
	if !ok {
		return nil, nil
	}

	return envFromInitParams(ctx, store, wait, currentBatchNumber, initParams, pendingL2Block, hasPrev,
		virtualBlocks, validationComputationalGasLimit, chainID)
}

// LoadPendingBatch loads the pending batch data from the store. It returns
// nil when the node stopped with no unsealed work.
func LoadPendingBatch(
	ctx context.Context,
	store Storage,
	wait WaitConfig,
	currentBatchNumber state.BatchNumber,
	validationComputationalGasLimit uint32,
	chainID state.L2ChainID,
) (*PendingBatchData, error) {
	env, err := LoadBatchParams(ctx, store, wait, currentBatchNumber, validationComputationalGasLimit, chainID)
	if err != nil || env == nil {
		return nil, err
	}

	pending, err := store.GetL2BlocksToReexecute(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get L2 blocks to re-execute: %w", err)
	}
	if len(pending) > 0 && pending[0].Number != env.L1Batch.FirstL2Block.Number {
		return nil, fmt.Errorf("%w: first pending L2 block %s does not start batch %s at L2 block %s",
			ErrInvariantViolation, pending[0].Number, currentBatchNumber, env.L1Batch.FirstL2Block.Number)
	}

	return &PendingBatchData{
		L1BatchEnv:      env.L1Batch,
		SystemEnv:       env.System,
		PendingL2Blocks: pending,
	}, nil
}

// SaveBatchInitParams persists the decided parameters of a batch. It must
// return before any L2 block of the batch is persisted.
func SaveBatchInitParams(ctx context.Context, store Storage, system vm.SystemEnv, l1Batch vm.L1BatchEnv) error {
	version := system.Version
	params := &state.BatchInitParams{
		Number:                    l1Batch.Number,
		Timestamp:                 l1Batch.Timestamp,
		FeeAccountAddress:         l1Batch.FeeAccount,
		BaseFeePerGas:             l1Batch.BaseFee(),
		L1GasPrice:                l1Batch.L1GasPrice,
		L2FairGasPrice:            l1Batch.FairL2GasPrice,
		BaseSystemContractsHashes: system.BaseSystemSmartContracts.Hashes(),
		ProtocolVersion:           &version,
	}
	if err := store.InsertBatchInitParams(ctx, params); err != nil {
		return fmt.Errorf("failed to save init params of batch %s: %w", l1Batch.Number, err)
	}
	return nil
}
