package vm

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const bytecodeWordSize = 32

var ErrInvalidBytecode = errors.New("invalid bytecode")

// HashBytecode returns the versioned hash of a contract bytecode: the sha256 of
// the code with the first byte replaced by the version and bytes 2..3 holding
// the length in 32 byte words.
func HashBytecode(code []byte) (common.Hash, error) {
	if len(code)%bytecodeWordSize != 0 {
		return common.Hash{}, fmt.Errorf("%w: length %d is not a multiple of %d", ErrInvalidBytecode, len(code), bytecodeWordSize)
	}
	words := len(code) / bytecodeWordSize
	if words%2 == 0 {
		return common.Hash{}, fmt.Errorf("%w: length in words %d must be odd", ErrInvalidBytecode, words)
	}
	if words >= 1<<16 {
		return common.Hash{}, fmt.Errorf("%w: %d words is too long", ErrInvalidBytecode, words)
	}

	hash := sha256.Sum256(code)
	hash[0] = 1
	hash[1] = 0
	binary.BigEndian.PutUint16(hash[2:4], uint16(words))
	return common.Hash(hash), nil
}

// NewSystemContractCode hashes a bytecode into a SystemContractCode
func NewSystemContractCode(code []byte) (SystemContractCode, error) {
	hash, err := HashBytecode(code)
	if err != nil {
		return SystemContractCode{}, err
	}
	return SystemContractCode{Code: code, Hash: hash}, nil
}
