package storage

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/rs/zerolog/log"

	"zksequencer/pkg/state"
	"zksequencer/pkg/vm"
)

// Genesis describes batch 0 and its single L2 block
type Genesis struct {
	Timestamp       uint64
	FeeAccount      common.Address
	BootloaderCode  []byte
	DefaultAACode   []byte
	ProtocolVersion state.ProtocolVersionID
	L1GasPrice      uint64
	FairL2GasPrice  uint64
}

// EnsureGenesis writes the sealed genesis batch if the store is empty. It
// reports whether anything was written.
func (s *Store) EnsureGenesis(ctx context.Context, g Genesis) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	initialized, err := s.db.Has(sealedBatchKey)
	if err != nil {
		return false, err
	}
	if initialized {
		return false, nil
	}

	bootloader, err := vm.NewSystemContractCode(g.BootloaderCode)
	if err != nil {
		return false, fmt.Errorf("invalid genesis bootloader: %w", err)
	}
	defaultAA, err := vm.NewSystemContractCode(g.DefaultAACode)
	if err != nil {
		return false, fmt.Errorf("invalid genesis default account: %w", err)
	}
	contracts := vm.BaseSystemContracts{Bootloader: bootloader, DefaultAA: defaultAA}

	version := g.ProtocolVersion
	env := vm.L1BatchEnv{L1GasPrice: g.L1GasPrice, FairL2GasPrice: g.FairL2GasPrice}
	params := state.BatchInitParams{
		Number:                    0,
		Timestamp:                 g.Timestamp,
		FeeAccountAddress:         g.FeeAccount,
		BaseFeePerGas:             env.BaseFee(),
		L1GasPrice:                g.L1GasPrice,
		L2FairGasPrice:            g.FairL2GasPrice,
		BaseSystemContractsHashes: contracts.Hashes(),
		ProtocolVersion:           &version,
	}
	block := state.L2BlockHeader{
		Number:        0,
		Timestamp:     g.Timestamp,
		Hash:          state.L2BlockHash(0, g.Timestamp, common.Hash{}, nil),
		VirtualBlocks: 1,
	}
	enc, err := rlp.EncodeToBytes(&params)
	if err != nil {
		return false, err
	}
	header := state.BatchHeader{Number: 0, Hash: crypto.Keccak256Hash(enc, block.Hash.Bytes()), Timestamp: g.Timestamp}

	batch := s.db.NewBatch()
	if err := batch.Put(factoryDepKey(bootloader.Hash), bootloader.Code); err != nil {
		return false, err
	}
	if err := batch.Put(factoryDepKey(defaultAA.Hash), defaultAA.Code); err != nil {
		return false, err
	}
	if err := putRLP(batch, batchInitParamsKey(0), &params); err != nil {
		return false, err
	}
	if err := putRLP(batch, l2BlockHeaderKey(0), &block); err != nil {
		return false, err
	}
	if err := putRLP(batch, l2HeadKey, uint64(0)); err != nil {
		return false, err
	}
	if err := putRLP(batch, batchRangeKey(0), &l2BlockRange{}); err != nil {
		return false, err
	}
	if err := putRLP(batch, batchHeaderKey(0), &header); err != nil {
		return false, err
	}
	if err := putRLP(batch, sealedBatchKey, uint64(0)); err != nil {
		return false, err
	}
	if err := batch.Write(); err != nil {
		return false, fmt.Errorf("failed to write genesis: %w", err)
	}

	log.Info().
		Str("batch_hash", header.Hash.Hex()).
		Str("bootloader", bootloader.Hash.Hex()).
		Str("default_aa", defaultAA.Hash.Hex()).
		Msg("Wrote genesis batch")
	return true, nil
}
