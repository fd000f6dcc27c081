package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// BatchNumber is the sequence number of an L1 batch
type BatchNumber uint64

// L2BlockNumber is the sequence number of an L2 block. L2 blocks are numbered
// contiguously across batch boundaries.
type L2BlockNumber uint64

// ProtocolVersionID identifies the protocol version a batch was sequenced under
type ProtocolVersionID uint16

// LatestProtocolVersion is used for genesis and for batches opened on a fresh store
const LatestProtocolVersion ProtocolVersionID = 18

// L2ChainID is the rollup chain identifier
type L2ChainID uint64

func (n BatchNumber) String() string {
	return fmt.Sprintf("#%d", uint64(n))
}

func (n L2BlockNumber) String() string {
	return fmt.Sprintf("#%d", uint64(n))
}

// BaseSystemContractsHashes identifies the bootloader and default account
// bytecodes a batch executes with.
type BaseSystemContractsHashes struct {
	Bootloader common.Hash
	DefaultAA  common.Hash
}

// BatchInitParams is the durable record that a batch has started. It is
// written once per batch number and never updated.
type BatchInitParams struct {
	Number                    BatchNumber
	Timestamp                 uint64
	FeeAccountAddress         common.Address
	BaseFeePerGas             uint64
	L1GasPrice                uint64
	L2FairGasPrice            uint64
	BaseSystemContractsHashes BaseSystemContractsHashes
	ProtocolVersion           *ProtocolVersionID `rlp:"nil"`
}

// BatchHeader is published by the sealing process once a batch is sealed
type BatchHeader struct {
	Number    BatchNumber
	Hash      common.Hash
	Timestamp uint64
}

// L2BlockHeader is the persisted header of an executed L2 block
type L2BlockHeader struct {
	Number        L2BlockNumber
	Timestamp     uint64
	Hash          common.Hash
	VirtualBlocks uint32
	TxCount       uint32
}

// L2BlockExecutionData holds everything needed to re-execute an unsealed L2
// block after a restart.
type L2BlockExecutionData struct {
	Number        L2BlockNumber
	Timestamp     uint64
	PrevBlockHash common.Hash
	VirtualBlocks uint32
	Txs           []Transaction
}

// L2BlockHash computes the hash of an L2 block from its number, timestamp,
// parent hash and the hashes of its transactions in order.
func L2BlockHash(number L2BlockNumber, timestamp uint64, prevHash common.Hash, txs []Transaction) common.Hash {
	txHashes := make([]common.Hash, len(txs))
	for i := range txs {
		txHashes[i] = txs[i].Hash()
	}
	enc, err := rlp.EncodeToBytes([]interface{}{uint64(number), timestamp, prevHash, txHashes})
	if err != nil {
		// Only fixed size fields and hashes are encoded.
		panic(fmt.Sprintf("failed to encode L2 block %d: %v", number, err))
	}
	return crypto.Keccak256Hash(enc)
}
