package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"zksequencer/pkg/core"
	"zksequencer/pkg/sequencer"
	"zksequencer/pkg/state"
	"zksequencer/pkg/storage"
	"zksequencer/pkg/util"
)

var (
	dataDirFlag = &cli.StringFlag{
		Name:    "datadir",
		Usage:   "Path of the sequencer state database",
		Value:   core.DefaultConfig().StateDBPath,
		EnvVars: []string{"KEEPER_STATE_DB_PATH"},
	}

	getBatchesCmd = &cli.Command{
		Action: dumpBatches,
		Name:   "batch",
		Usage:  "Outputs batches by numbers",
		Flags: []cli.Flag{
			&cli.Uint64SliceFlag{
				Name:     "bn",
				Usage:    "Batch numbers",
				Required: true,
			},
		},
	}

	getPendingCmd = &cli.Command{
		Action: dumpPending,
		Name:   "pending",
		Usage:  "Outputs the unsealed batch and the L2 blocks a restart would re-execute",
	}
)

// batchInfo is what the store knows about a batch
type batchInfo struct {
	Number       state.BatchNumber      `json:"number"`
	Sealed       bool                   `json:"sealed"`
	Hash         *common.Hash           `json:"hash,omitempty"`
	Timestamp    string                 `json:"timestamp,omitempty"`
	FirstL2Block *state.L2BlockNumber   `json:"firstL2Block,omitempty"`
	LastL2Block  *state.L2BlockNumber   `json:"lastL2Block,omitempty"`
	InitParams   *state.BatchInitParams `json:"initParams,omitempty"`
}

type pendingInfo struct {
	OpenBatch state.BatchNumber `json:"openBatch"`
	// Nil when the open batch has no executed L2 block
	Pending *sequencer.PendingBatchData `json:"pending"`
}

func openStore(cliCtx *cli.Context) (*storage.Store, error) {
	config := core.DefaultConfig()
	store, err := storage.Open(cliCtx.String(dataDirFlag.Name), config.DBCache, config.DBHandles, true)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only state database: %w", err)
	}
	return store, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize into the JSON format: %w", err)
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}

// dumpBatches prints the init params, hash and L2 block range of the given batches
func dumpBatches(cliCtx *cli.Context) error {
	ctx := cliCtx.Context
	store, err := openStore(cliCtx)
	if err != nil {
		return err
	}
	defer store.Close()

	numbers := cliCtx.Uint64Slice("bn")
	batches := make([]batchInfo, 0, len(numbers))
	for _, n := range numbers {
		number := state.BatchNumber(n)
		info := batchInfo{Number: number}

		if info.InitParams, err = store.GetBatchInitParams(ctx, number); err != nil {
			return fmt.Errorf("failed to retrieve init params of batch %d: %w", n, err)
		}
		hash, ts, ok, err := store.GetBatchHashAndTimestamp(ctx, number)
		if err != nil {
			return fmt.Errorf("failed to retrieve hash of batch %d: %w", n, err)
		}
		if ok {
			info.Sealed = true
			info.Hash = &hash
			info.Timestamp = util.DisplayTimestamp(ts)
		}
		first, last, ok, err := store.GetL2BlockRangeOfBatch(ctx, number)
		if err != nil {
			return fmt.Errorf("failed to retrieve L2 blocks of batch %d: %w", n, err)
		}
		if ok {
			info.FirstL2Block, info.LastL2Block = &first, &last
		}
		batches = append(batches, info)
	}
	return printJSON(batches)
}

// dumpPending prints what the keeper would recover on its next start
func dumpPending(cliCtx *cli.Context) error {
	ctx := cliCtx.Context
	store, err := openStore(cliCtx)
	if err != nil {
		return err
	}
	defer store.Close()

	sealed, ok, err := store.GetSealedBatchNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve sealed batch number: %w", err)
	}
	if !ok {
		return errors.New("state database has no genesis batch")
	}

	config := core.DefaultConfig()
	if err := config.LoadFromEnv(); err != nil {
		return err
	}
	// The sealed batch is already in the store, no need to wait for it
	wait := sequencer.WaitConfig{DelayInterval: config.PrevBatchPollInterval, MaxWait: 0}
	pending, err := sequencer.LoadPendingBatch(ctx, store, wait, sealed+1,
		config.ValidationComputationalGasLimit, state.L2ChainID(config.ChainID))
	if err != nil {
		return fmt.Errorf("failed to load pending batch: %w", err)
	}
	return printJSON(pendingInfo{OpenBatch: sealed + 1, Pending: pending})
}
