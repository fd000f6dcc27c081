package storage

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// The fields below define the low level database schema prefixing.
var (
	// sealedBatchKey tracks the number of the latest sealed batch
	sealedBatchKey = []byte("LastSealedBatch")

	// l2HeadKey tracks the number of the latest persisted L2 block
	l2HeadKey = []byte("LastL2Block")

	batchInitParamsPrefix = []byte("bi") // batchInitParamsPrefix + num (uint64 big endian) -> batch init params
	batchHeaderPrefix     = []byte("bh") // batchHeaderPrefix + num (uint64 big endian) -> sealed batch header
	batchRangePrefix      = []byte("br") // batchRangePrefix + num (uint64 big endian) -> first and last L2 block

	l2BlockHeaderPrefix  = []byte("lh") // l2BlockHeaderPrefix + num (uint64 big endian) -> L2 block header
	l2BlockTxPrefix      = []byte("lt") // l2BlockTxPrefix + num (uint64 big endian) + index (uint32 big endian) -> transaction
	pendingL2BlockPrefix = []byte("lp") // pendingL2BlockPrefix + num (uint64 big endian) -> empty, present while unsealed

	factoryDepPrefix = []byte("fd") // factoryDepPrefix + bytecode hash -> bytecode
)

type l2BlockRange struct {
	First uint64
	Last  uint64
}

// encodeNumber encodes a batch or L2 block number as big endian uint64
func encodeNumber(number uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, number)
	return enc
}

func decodeNumber(enc []byte) uint64 {
	return binary.BigEndian.Uint64(enc)
}

func numberKey(prefix []byte, number uint64) []byte {
	return append(append([]byte{}, prefix...), encodeNumber(number)...)
}

func batchInitParamsKey(number uint64) []byte { return numberKey(batchInitParamsPrefix, number) }

func batchHeaderKey(number uint64) []byte { return numberKey(batchHeaderPrefix, number) }

func batchRangeKey(number uint64) []byte { return numberKey(batchRangePrefix, number) }

func l2BlockHeaderKey(number uint64) []byte { return numberKey(l2BlockHeaderPrefix, number) }

func pendingL2BlockKey(number uint64) []byte { return numberKey(pendingL2BlockPrefix, number) }

// l2BlockTxsPrefix is the iteration prefix of all transactions of one L2 block
func l2BlockTxsPrefix(number uint64) []byte { return numberKey(l2BlockTxPrefix, number) }

func l2BlockTxKey(number uint64, index uint32) []byte {
	key := l2BlockTxsPrefix(number)
	return binary.BigEndian.AppendUint32(key, index)
}

func factoryDepKey(hash common.Hash) []byte {
	return append(append([]byte{}, factoryDepPrefix...), hash.Bytes()...)
}
