package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/rs/zerolog/log"

	"zksequencer/pkg/state"
	"zksequencer/pkg/vm"
)

// Error types
var (
	ErrAlreadyExists     = errors.New("record already exists")
	ErrOutOfOrder        = errors.New("out of order write")
	ErrMissingInitParams = errors.New("batch init params not found")
	ErrEmptyBatch        = errors.New("batch has no L2 blocks")
	ErrCorrupted         = errors.New("database corrupted")
)

// Store persists batches, L2 blocks and their transactions on top of a
// key-value database. Every write method commits a single database batch, so
// its effects are all-or-nothing.
type Store struct {
	db ethdb.KeyValueStore

	// mu orders writers against each other and against multi-key reads
	mu sync.RWMutex
}

// New wraps an existing key-value database
func New(db ethdb.KeyValueStore) *Store {
	return &Store{db: db}
}

// NewMemory creates a store backed by an in-memory database
func NewMemory() *Store {
	return New(memorydb.New())
}

// Open opens (or creates) a leveldb backed store at path
func Open(path string, cache int, handles int, readonly bool) (*Store, error) {
	db, err := leveldb.New(path, cache, handles, "zksequencer/db/", readonly)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	log.Info().Str("path", path).Bool("readonly", readonly).Msg("Opened state database")
	return New(db), nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(key []byte) ([]byte, bool, error) {
	ok, err := s.db.Has(key)
	if err != nil || !ok {
		return nil, false, err
	}
	data, err := s.db.Get(key)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *Store) readRLP(key []byte, val interface{}) (bool, error) {
	data, ok, err := s.get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := rlp.DecodeBytes(data, val); err != nil {
		return false, fmt.Errorf("%w: failed to decode %x: %v", ErrCorrupted, key, err)
	}
	return true, nil
}

func putRLP(w ethdb.KeyValueWriter, key []byte, val interface{}) error {
	data, err := rlp.EncodeToBytes(val)
	if err != nil {
		return fmt.Errorf("failed to encode %x: %w", key, err)
	}
	return w.Put(key, data)
}

func (s *Store) readCounter(key []byte) (uint64, bool, error) {
	var n uint64
	ok, err := s.readRLP(key, &n)
	return n, ok, err
}

// nextNumber returns the number following the counter at key, or 0 when the
// counter has never been written.
func (s *Store) nextNumber(key []byte) (uint64, error) {
	n, ok, err := s.readCounter(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return n + 1, nil
}

// GetSealedBatchNumber returns the number of the latest sealed batch
func (s *Store) GetSealedBatchNumber(ctx context.Context) (state.BatchNumber, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	n, ok, err := s.readCounter(sealedBatchKey)
	return state.BatchNumber(n), ok, err
}

// GetBatchInitParams returns the init params of a batch, or nil if the batch
// has not been started.
func (s *Store) GetBatchInitParams(ctx context.Context, number state.BatchNumber) (*state.BatchInitParams, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var params state.BatchInitParams
	ok, err := s.readRLP(batchInitParamsKey(uint64(number)), &params)
	if err != nil || !ok {
		return nil, err
	}
	return &params, nil
}

// GetL2BlockRangeOfBatch returns the first and last L2 block of a sealed batch
func (s *Store) GetL2BlockRangeOfBatch(ctx context.Context, number state.BatchNumber) (state.L2BlockNumber, state.L2BlockNumber, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, false, err
	}
	var r l2BlockRange
	ok, err := s.readRLP(batchRangeKey(uint64(number)), &r)
	if err != nil || !ok {
		return 0, 0, false, err
	}
	return state.L2BlockNumber(r.First), state.L2BlockNumber(r.Last), true, nil
}

// GetVirtualBlocksForL2Block returns the virtual block count of a persisted L2 block
func (s *Store) GetVirtualBlocksForL2Block(ctx context.Context, number state.L2BlockNumber) (uint32, bool, error) {
	header, err := s.GetL2BlockHeader(ctx, number)
	if err != nil || header == nil {
		return 0, false, err
	}
	return header.VirtualBlocks, true, nil
}

// GetBatchHashAndTimestamp returns the hash and timestamp of a sealed batch.
// Both become visible only once the sealing process has published the batch.
func (s *Store) GetBatchHashAndTimestamp(ctx context.Context, number state.BatchNumber) (common.Hash, uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, 0, false, err
	}
	var header state.BatchHeader
	ok, err := s.readRLP(batchHeaderKey(uint64(number)), &header)
	if err != nil || !ok {
		return common.Hash{}, 0, false, err
	}
	return header.Hash, header.Timestamp, true, nil
}

// GetL2BlockHeader returns the header of an L2 block, or nil if it does not exist
func (s *Store) GetL2BlockHeader(ctx context.Context, number state.L2BlockNumber) (*state.L2BlockHeader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var header state.L2BlockHeader
	ok, err := s.readRLP(l2BlockHeaderKey(uint64(number)), &header)
	if err != nil || !ok {
		return nil, err
	}
	return &header, nil
}

// GetL2BlockTransactions returns the transactions of an L2 block in the order
// they were included.
func (s *Store) GetL2BlockTransactions(ctx context.Context, number state.L2BlockNumber) ([]state.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(l2BlockTxsPrefix(uint64(number)), nil)
	defer it.Release()

	var txs []state.Transaction
	for it.Next() {
		var tx state.Transaction
		if err := rlp.DecodeBytes(it.Value(), &tx); err != nil {
			return nil, fmt.Errorf("%w: failed to decode transaction %x: %v", ErrCorrupted, it.Key(), err)
		}
		txs = append(txs, tx)
	}
	return txs, it.Error()
}

// GetFactoryDep returns a bytecode by its hash, or nil if it is unknown
func (s *Store) GetFactoryDep(ctx context.Context, hash common.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	code, ok, err := s.get(factoryDepKey(hash))
	if err != nil || !ok {
		return nil, err
	}
	return common.CopyBytes(code), nil
}

// GetBaseSystemContracts resolves the bootloader and default account
// bytecodes. It returns nil if either of them is unknown.
func (s *Store) GetBaseSystemContracts(ctx context.Context, bootloaderHash, defaultAAHash common.Hash) (*vm.BaseSystemContracts, error) {
	bootloader, err := s.GetFactoryDep(ctx, bootloaderHash)
	if err != nil || bootloader == nil {
		return nil, err
	}
	defaultAA, err := s.GetFactoryDep(ctx, defaultAAHash)
	if err != nil || defaultAA == nil {
		return nil, err
	}
	return &vm.BaseSystemContracts{
		Bootloader: vm.SystemContractCode{Code: bootloader, Hash: bootloaderHash},
		DefaultAA:  vm.SystemContractCode{Code: defaultAA, Hash: defaultAAHash},
	}, nil
}

// GetL2BlocksToReexecute returns every L2 block that is not part of a sealed
// batch yet, ascending, each with its transactions in inclusion order.
func (s *Store) GetL2BlocksToReexecute(ctx context.Context) ([]state.L2BlockExecutionData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	numbers, err := s.pendingL2Blocks()
	if err != nil {
		return nil, err
	}

	blocks := make([]state.L2BlockExecutionData, 0, len(numbers))
	var prevHash common.Hash
	for i, number := range numbers {
		if i == 0 && number > 0 {
			prev, err := s.GetL2BlockHeader(ctx, number-1)
			if err != nil {
				return nil, err
			}
			if prev == nil {
				return nil, fmt.Errorf("%w: missing header of L2 block %s preceding pending block", ErrCorrupted, number-1)
			}
			prevHash = prev.Hash
		}

		header, err := s.GetL2BlockHeader(ctx, number)
		if err != nil {
			return nil, err
		}
		if header == nil {
			return nil, fmt.Errorf("%w: missing header of pending L2 block %s", ErrCorrupted, number)
		}
		txs, err := s.GetL2BlockTransactions(ctx, number)
		if err != nil {
			return nil, err
		}
		if len(txs) != int(header.TxCount) {
			return nil, fmt.Errorf("%w: L2 block %s has %d transactions, header says %d", ErrCorrupted, number, len(txs), header.TxCount)
		}

		blocks = append(blocks, state.L2BlockExecutionData{
			Number:        number,
			Timestamp:     header.Timestamp,
			PrevBlockHash: prevHash,
			VirtualBlocks: header.VirtualBlocks,
			Txs:           txs,
		})
		prevHash = header.Hash
	}
	return blocks, nil
}

// pendingL2Blocks lists the unsealed L2 block numbers in ascending order
func (s *Store) pendingL2Blocks() ([]state.L2BlockNumber, error) {
	it := s.db.NewIterator(pendingL2BlockPrefix, nil)
	defer it.Release()

	var numbers []state.L2BlockNumber
	for it.Next() {
		key := it.Key()
		if len(key) != len(pendingL2BlockPrefix)+8 {
			return nil, fmt.Errorf("%w: malformed pending L2 block key %x", ErrCorrupted, key)
		}
		numbers = append(numbers, state.L2BlockNumber(decodeNumber(key[len(pendingL2BlockPrefix):])))
	}
	return numbers, it.Error()
}

// openBatch returns the number of the batch new L2 blocks belong to
func (s *Store) openBatch() (uint64, error) {
	return s.nextNumber(sealedBatchKey)
}

// InsertBatchInitParams records that a batch has started. Only the batch
// following the latest sealed one can be started, and only once.
func (s *Store) InsertBatchInitParams(ctx context.Context, params *state.BatchInitParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := batchInitParamsKey(uint64(params.Number))
	exists, err := s.db.Has(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: init params of batch %s", ErrAlreadyExists, params.Number)
	}
	open, err := s.openBatch()
	if err != nil {
		return err
	}
	if uint64(params.Number) != open {
		return fmt.Errorf("%w: cannot start batch %s, open batch is #%d", ErrOutOfOrder, params.Number, open)
	}

	batch := s.db.NewBatch()
	if err := putRLP(batch, key, params); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("failed to write init params of batch %s: %w", params.Number, err)
	}
	log.Debug().Uint64("batch_number", uint64(params.Number)).Uint64("timestamp", params.Timestamp).Msg("Inserted batch init params")
	return nil
}

// InsertL2Block persists an executed L2 block together with its transactions.
// The block joins the open batch, whose init params must already exist.
func (s *Store) InsertL2Block(ctx context.Context, header state.L2BlockHeader, txs []state.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expected, err := s.nextNumber(l2HeadKey)
	if err != nil {
		return err
	}
	switch {
	case uint64(header.Number) < expected:
		return fmt.Errorf("%w: L2 block %s", ErrAlreadyExists, header.Number)
	case uint64(header.Number) > expected:
		return fmt.Errorf("%w: L2 block %s, expected #%d", ErrOutOfOrder, header.Number, expected)
	}

	open, err := s.openBatch()
	if err != nil {
		return err
	}
	hasParams, err := s.db.Has(batchInitParamsKey(open))
	if err != nil {
		return err
	}
	if !hasParams {
		return fmt.Errorf("%w: cannot insert L2 block %s into batch #%d", ErrMissingInitParams, header.Number, open)
	}

	header.TxCount = uint32(len(txs))
	number := uint64(header.Number)

	batch := s.db.NewBatch()
	if err := putRLP(batch, l2BlockHeaderKey(number), &header); err != nil {
		return err
	}
	for i := range txs {
		if err := putRLP(batch, l2BlockTxKey(number, uint32(i)), &txs[i]); err != nil {
			return err
		}
	}
	if err := batch.Put(pendingL2BlockKey(number), []byte{}); err != nil {
		return err
	}
	if err := putRLP(batch, l2HeadKey, number); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("failed to write L2 block %s: %w", header.Number, err)
	}
	log.Debug().Uint64("l2_block", number).Int("tx_count", len(txs)).Uint64("batch_number", open).Msg("Inserted L2 block")
	return nil
}

// MarkBatchSealed assigns all pending L2 blocks to the open batch and
// publishes its hash and timestamp.
func (s *Store) MarkBatchSealed(ctx context.Context, number state.BatchNumber, hash common.Hash, timestamp uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	open, err := s.openBatch()
	if err != nil {
		return err
	}
	if uint64(number) != open {
		return fmt.Errorf("%w: cannot seal batch %s, open batch is #%d", ErrOutOfOrder, number, open)
	}
	hasParams, err := s.db.Has(batchInitParamsKey(open))
	if err != nil {
		return err
	}
	if !hasParams {
		return fmt.Errorf("%w: cannot seal batch %s", ErrMissingInitParams, number)
	}
	pending, err := s.pendingL2Blocks()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return fmt.Errorf("%w: batch %s", ErrEmptyBatch, number)
	}

	batch := s.db.NewBatch()
	r := l2BlockRange{First: uint64(pending[0]), Last: uint64(pending[len(pending)-1])}
	if err := putRLP(batch, batchRangeKey(open), &r); err != nil {
		return err
	}
	header := state.BatchHeader{Number: number, Hash: hash, Timestamp: timestamp}
	if err := putRLP(batch, batchHeaderKey(open), &header); err != nil {
		return err
	}
	for _, n := range pending {
		if err := batch.Delete(pendingL2BlockKey(uint64(n))); err != nil {
			return err
		}
	}
	if err := putRLP(batch, sealedBatchKey, open); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("failed to seal batch %s: %w", number, err)
	}
	log.Info().Uint64("batch_number", open).Uint64("first_l2_block", r.First).Uint64("last_l2_block", r.Last).Msg("Sealed batch")
	return nil
}

// InsertFactoryDeps stores bytecodes keyed by their versioned hash
func (s *Store) InsertFactoryDeps(ctx context.Context, codes ...[]byte) ([]common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hashes := make([]common.Hash, len(codes))
	batch := s.db.NewBatch()
	for i, code := range codes {
		hash, err := vm.HashBytecode(code)
		if err != nil {
			return nil, err
		}
		if err := batch.Put(factoryDepKey(hash), code); err != nil {
			return nil, err
		}
		hashes[i] = hash
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("failed to write factory deps: %w", err)
	}
	return hashes, nil
}
