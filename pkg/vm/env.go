package vm

import (
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"zksequencer/pkg/state"
)

const (
	// BlockGasLimit is the gas available to the bootloader for a whole batch
	BlockGasLimit uint32 = math.MaxUint32

	// ZkPorterIsAvailable is fixed for the network
	ZkPorterIsAvailable = false

	// L1GasPerPubdataByte is the L1 gas charged per byte of published data
	L1GasPerPubdataByte uint64 = 17

	// MaxGasPerPubdataByte caps the L2 gas a transaction may pay per pubdata byte
	MaxGasPerPubdataByte uint64 = 50_000
)

// TxExecutionMode selects how the bootloader treats transactions
type TxExecutionMode int

const (
	// VerifyExecute validates and executes transactions, used for sequencing
	VerifyExecute TxExecutionMode = iota
	EstimateFee
	EthCall
)

func (m TxExecutionMode) String() string {
	switch m {
	case VerifyExecute:
		return "VerifyExecute"
	case EstimateFee:
		return "EstimateFee"
	case EthCall:
		return "EthCall"
	default:
		return "Unknown"
	}
}

// SystemContractCode is a resolved system contract bytecode and its hash
type SystemContractCode struct {
	Code []byte
	Hash common.Hash
}

// BaseSystemContracts are the resolved bootloader and default account contracts
type BaseSystemContracts struct {
	Bootloader SystemContractCode
	DefaultAA  SystemContractCode
}

// Hashes returns the hashes identifying the contracts in persisted records
func (c BaseSystemContracts) Hashes() state.BaseSystemContractsHashes {
	return state.BaseSystemContractsHashes{
		Bootloader: c.Bootloader.Hash,
		DefaultAA:  c.DefaultAA.Hash,
	}
}

// SystemEnv is the chain level environment the executor runs a batch with.
// A new one is built for every batch and never mutated.
type SystemEnv struct {
	ZkPorterAvailable                      bool
	Version                                state.ProtocolVersionID
	BaseSystemSmartContracts               BaseSystemContracts
	GasLimit                               uint32
	ExecutionMode                          TxExecutionMode
	DefaultValidationComputationalGasLimit uint32
	ChainID                                state.L2ChainID
}

// L2BlockEnv describes the first L2 block of a batch
type L2BlockEnv struct {
	Number                   state.L2BlockNumber
	Timestamp                uint64
	PrevBlockHash            common.Hash
	MaxVirtualBlocksToCreate uint32
}

// L1BatchEnv holds the batch level execution parameters
type L1BatchEnv struct {
	// PreviousBatchHash is nil only for the first batch of the chain
	PreviousBatchHash *common.Hash
	Number            state.BatchNumber
	Timestamp         uint64
	L1GasPrice        uint64
	FairL2GasPrice    uint64
	FeeAccount        common.Address
	// EnforcedBaseFee overrides the derived base fee. Sequencing never sets it.
	EnforcedBaseFee *uint64
	FirstL2Block    L2BlockEnv
}

// BaseFee returns the base fee per gas the batch is executed with
func (e L1BatchEnv) BaseFee() uint64 {
	if e.EnforcedBaseFee != nil {
		return *e.EnforcedBaseFee
	}
	baseFee, _ := deriveBaseFeeAndGasPerPubdata(e.L1GasPrice, e.FairL2GasPrice)
	return baseFee
}

// GasPerPubdata returns the L2 gas charged per published byte
func (e L1BatchEnv) GasPerPubdata() uint64 {
	_, gasPerPubdata := deriveBaseFeeAndGasPerPubdata(e.L1GasPrice, e.FairL2GasPrice)
	return gasPerPubdata
}

func deriveBaseFeeAndGasPerPubdata(l1GasPrice, fairL2GasPrice uint64) (uint64, uint64) {
	ethPerPubdataByte := new(uint256.Int).Mul(uint256.NewInt(l1GasPrice), uint256.NewInt(L1GasPerPubdataByte))

	baseFee := ceilDiv(ethPerPubdataByte, uint256.NewInt(MaxGasPerPubdataByte))
	if fair := uint256.NewInt(fairL2GasPrice); fair.Gt(baseFee) {
		baseFee = fair
	}
	if baseFee.IsZero() {
		return 0, 0
	}
	gasPerPubdata := ceilDiv(ethPerPubdataByte, baseFee)
	return saturatingUint64(baseFee), saturatingUint64(gasPerPubdata)
}

func ceilDiv(a, b *uint256.Int) *uint256.Int {
	q, r := new(uint256.Int).DivMod(a, b, new(uint256.Int))
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	return q
}

func saturatingUint64(v *uint256.Int) uint64 {
	if !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}
