package storage

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"zksequencer/pkg/state"
)

func testCode(b byte) []byte {
	code := make([]byte, 32)
	code[31] = b
	return code
}

func testGenesis() Genesis {
	return Genesis{
		Timestamp:       100,
		FeeAccount:      common.HexToAddress("0xfee"),
		BootloaderCode:  testCode(1),
		DefaultAACode:   testCode(2),
		ProtocolVersion: state.LatestProtocolVersion,
		L1GasPrice:      1_000_000_000,
		FairL2GasPrice:  250_000_000,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewMemory()
	t.Cleanup(func() { s.Close() })
	created, err := s.EnsureGenesis(context.Background(), testGenesis())
	require.NoError(t, err)
	require.True(t, created)
	return s
}

func insertInitParams(t *testing.T, s *Store, number state.BatchNumber, timestamp uint64) {
	t.Helper()
	version := state.LatestProtocolVersion
	genesis, err := s.GetBatchInitParams(context.Background(), 0)
	require.NoError(t, err)
	err = s.InsertBatchInitParams(context.Background(), &state.BatchInitParams{
		Number:                    number,
		Timestamp:                 timestamp,
		FeeAccountAddress:         common.HexToAddress("0xfee"),
		L1GasPrice:                1,
		L2FairGasPrice:            1,
		BaseSystemContractsHashes: genesis.BaseSystemContractsHashes,
		ProtocolVersion:           &version,
	})
	require.NoError(t, err)
}

func testTxs(n int, nonceBase uint64) []state.Transaction {
	txs := make([]state.Transaction, n)
	for i := range txs {
		txs[i] = state.Transaction{
			Type:   state.TxTypeTransfer,
			From:   common.HexToAddress("0x01"),
			To:     common.HexToAddress("0x02"),
			Amount: big.NewInt(int64(i + 1)),
			Nonce:  nonceBase + uint64(i),
			Gas:    21000,
		}
	}
	return txs
}

func TestEnsureGenesis(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	created, err := s.EnsureGenesis(ctx, testGenesis())
	require.NoError(t, err)
	require.False(t, created)

	sealed, ok, err := s.GetSealedBatchNumber(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, state.BatchNumber(0), sealed)

	first, last, ok, err := s.GetL2BlockRangeOfBatch(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, state.L2BlockNumber(0), first)
	require.Equal(t, state.L2BlockNumber(0), last)

	hash, ts, ok, err := s.GetBatchHashAndTimestamp(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, common.Hash{}, hash)
	require.Equal(t, uint64(100), ts)

	params, err := s.GetBatchInitParams(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, params)
	require.Equal(t, uint64(250_000_000), params.BaseFeePerGas)

	contracts, err := s.GetBaseSystemContracts(ctx, params.BaseSystemContractsHashes.Bootloader, params.BaseSystemContractsHashes.DefaultAA)
	require.NoError(t, err)
	require.NotNil(t, contracts)
	require.Equal(t, testCode(1), contracts.Bootloader.Code)
	require.Equal(t, testCode(2), contracts.DefaultAA.Code)
}

func TestEnsureGenesisRejectsInvalidBytecode(t *testing.T) {
	s := NewMemory()
	g := testGenesis()
	g.BootloaderCode = []byte{1, 2, 3}
	_, err := s.EnsureGenesis(context.Background(), g)
	require.Error(t, err)

	_, ok, err := s.GetSealedBatchNumber(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertBatchInitParamsOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	insertInitParams(t, s, 1, 200)

	err := s.InsertBatchInitParams(ctx, &state.BatchInitParams{Number: 1, Timestamp: 300})
	require.ErrorIs(t, err, ErrAlreadyExists)

	params, err := s.GetBatchInitParams(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(200), params.Timestamp)

	err = s.InsertBatchInitParams(ctx, &state.BatchInitParams{Number: 3, Timestamp: 300})
	require.ErrorIs(t, err, ErrOutOfOrder)

	missing, err := s.GetBatchInitParams(ctx, 2)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestInsertL2BlockRequiresInitParams(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.InsertL2Block(ctx, state.L2BlockHeader{Number: 1, Timestamp: 200, VirtualBlocks: 1}, testTxs(1, 0))
	require.ErrorIs(t, err, ErrMissingInitParams)

	_, ok, err := s.GetVirtualBlocksForL2Block(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertL2BlockOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	insertInitParams(t, s, 1, 200)

	err := s.InsertL2Block(ctx, state.L2BlockHeader{Number: 2}, nil)
	require.ErrorIs(t, err, ErrOutOfOrder)
	err = s.InsertL2Block(ctx, state.L2BlockHeader{Number: 0}, nil)
	require.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, s.InsertL2Block(ctx, state.L2BlockHeader{Number: 1, Timestamp: 200, VirtualBlocks: 3}, testTxs(2, 0)))

	vb, ok, err := s.GetVirtualBlocksForL2Block(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(3), vb)

	header, err := s.GetL2BlockHeader(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(2), header.TxCount)
}

func TestMarkBatchSealed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.MarkBatchSealed(ctx, 1, common.HexToHash("0x01"), 250)
	require.ErrorIs(t, err, ErrMissingInitParams)

	insertInitParams(t, s, 1, 200)
	err = s.MarkBatchSealed(ctx, 1, common.HexToHash("0x01"), 250)
	require.ErrorIs(t, err, ErrEmptyBatch)

	for n := state.L2BlockNumber(1); n <= 3; n++ {
		require.NoError(t, s.InsertL2Block(ctx, state.L2BlockHeader{Number: n, Timestamp: 200 + uint64(n), VirtualBlocks: 1}, testTxs(1, uint64(n))))
	}

	err = s.MarkBatchSealed(ctx, 2, common.HexToHash("0x01"), 250)
	require.ErrorIs(t, err, ErrOutOfOrder)

	_, _, ok, err := s.GetBatchHashAndTimestamp(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.MarkBatchSealed(ctx, 1, common.HexToHash("0x01"), 250))

	first, last, ok, err := s.GetL2BlockRangeOfBatch(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, state.L2BlockNumber(1), first)
	require.Equal(t, state.L2BlockNumber(3), last)

	hash, ts, ok, err := s.GetBatchHashAndTimestamp(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, common.HexToHash("0x01"), hash)
	require.Equal(t, uint64(250), ts)

	pending, err := s.GetL2BlocksToReexecute(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	// A new L2 block cannot be written before the next batch starts.
	err = s.InsertL2Block(ctx, state.L2BlockHeader{Number: 4}, nil)
	require.ErrorIs(t, err, ErrMissingInitParams)
}

func TestGetL2BlocksToReexecute(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	insertInitParams(t, s, 1, 200)

	genesisHeader, err := s.GetL2BlockHeader(ctx, 0)
	require.NoError(t, err)

	hashes := map[state.L2BlockNumber]common.Hash{}
	for n := state.L2BlockNumber(1); n <= 3; n++ {
		txs := testTxs(int(n), uint64(n)*10)
		hashes[n] = common.BigToHash(big.NewInt(int64(n) + 1000))
		require.NoError(t, s.InsertL2Block(ctx, state.L2BlockHeader{Number: n, Timestamp: 200 + uint64(n), Hash: hashes[n], VirtualBlocks: uint32(n)}, txs))
	}

	blocks, err := s.GetL2BlocksToReexecute(ctx)
	require.NoError(t, err)
	require.Len(t, blocks, 3)

	require.Equal(t, genesisHeader.Hash, blocks[0].PrevBlockHash)
	require.Equal(t, hashes[1], blocks[1].PrevBlockHash)
	require.Equal(t, hashes[2], blocks[2].PrevBlockHash)
	for i, block := range blocks {
		n := state.L2BlockNumber(i + 1)
		require.Equal(t, n, block.Number)
		require.Equal(t, 200+uint64(n), block.Timestamp)
		require.Equal(t, uint32(n), block.VirtualBlocks)
		require.Len(t, block.Txs, int(n))
		for j, tx := range block.Txs {
			require.Equal(t, uint64(n)*10+uint64(j), tx.Nonce)
		}
	}

	again, err := s.GetL2BlocksToReexecute(ctx)
	require.NoError(t, err)
	require.Equal(t, blocks, again)
}

func TestCancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.GetBatchInitParams(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
	_, _, _, err = s.GetBatchHashAndTimestamp(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
	_, err = s.GetL2BlocksToReexecute(ctx)
	require.ErrorIs(t, err, context.Canceled)
	err = s.InsertBatchInitParams(ctx, &state.BatchInitParams{Number: 1})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFactoryDeps(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	hashes, err := s.InsertFactoryDeps(ctx, testCode(7), testCode(8))
	require.NoError(t, err)
	require.Len(t, hashes, 2)

	code, err := s.GetFactoryDep(ctx, hashes[1])
	require.NoError(t, err)
	require.Equal(t, testCode(8), code)

	contracts, err := s.GetBaseSystemContracts(ctx, hashes[0], common.HexToHash("0xdead"))
	require.NoError(t, err)
	require.Nil(t, contracts)

	_, err = s.InsertFactoryDeps(ctx, []byte{1})
	require.Error(t, err)
}

func TestLevelDBPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir, 16, 16, false)
	require.NoError(t, err)
	_, err = s.EnsureGenesis(ctx, testGenesis())
	require.NoError(t, err)
	insertInitParams(t, s, 1, 200)
	require.NoError(t, s.InsertL2Block(ctx, state.L2BlockHeader{Number: 1, Timestamp: 201, VirtualBlocks: 1}, testTxs(2, 0)))
	require.NoError(t, s.Close())

	reopened, err := Open(dir, 16, 16, true)
	require.NoError(t, err)
	defer reopened.Close()

	params, err := reopened.GetBatchInitParams(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, params)
	require.Equal(t, uint64(200), params.Timestamp)

	blocks, err := reopened.GetL2BlocksToReexecute(ctx)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Len(t, blocks[0].Txs, 2)
}
