package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// TxType represents the type of transaction
type TxType uint8

const (
	TxTypeTransfer       TxType = 0
	TxTypeContractDeploy TxType = 1
	TxTypeContractCall   TxType = 2
)

// Transaction represents an L2 transaction as it was included in an L2 block
type Transaction struct {
	Type      TxType
	From      common.Address
	To        common.Address
	Amount    *big.Int
	Nonce     uint64
	Data      []byte
	Gas       uint64
	Signature []byte
}

// Hash computes the hash of a transaction. The signature is not part of it.
func (tx *Transaction) Hash() common.Hash {
	amount := tx.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	enc, err := rlp.EncodeToBytes([]interface{}{uint8(tx.Type), tx.From, tx.To, amount, tx.Nonce, tx.Data, tx.Gas})
	if err != nil {
		panic(fmt.Sprintf("failed to encode transaction: %v", err))
	}
	return crypto.Keccak256Hash(enc)
}

// SignTransaction signs a transaction with the given private key
func SignTransaction(tx *Transaction, privateKey []byte) ([]byte, error) {
	hash := tx.Hash()

	privKey, err := crypto.ToECDSA(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %v", err)
	}

	signature, err := crypto.Sign(hash[:], privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %v", err)
	}

	// The signature should be 65 bytes (r, s, v)
	if len(signature) != 65 {
		return nil, fmt.Errorf("invalid signature length: got %d, want 65", len(signature))
	}

	return signature, nil
}

// Sender recovers the address that signed the transaction
func (tx *Transaction) Sender() (common.Address, error) {
	hash := tx.Hash()
	pub, err := crypto.SigToPub(hash[:], tx.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover sender: %v", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
