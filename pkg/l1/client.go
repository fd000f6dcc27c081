package l1

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

// Client reads gas prices from the Ethereum L1 the rollup settles on
type Client struct {
	ethClient *ethclient.Client
	fallback  uint64
}

// Config represents the configuration for the L1 client
type Config struct {
	EthereumRPC string
	// FallbackGasPrice is returned when the node cannot be queried
	FallbackGasPrice uint64
}

// NewClient creates a new L1 client
func NewClient(ctx context.Context, config *Config) (*Client, error) {
	ethClient, err := ethclient.DialContext(ctx, config.EthereumRPC)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum node: %v", err)
	}

	return &Client{
		ethClient: ethClient,
		fallback:  config.FallbackGasPrice,
	}, nil
}

// SuggestL1GasPrice returns the gas price a new batch is priced with
func (c *Client) SuggestL1GasPrice(ctx context.Context) (uint64, error) {
	price, err := c.ethClient.SuggestGasPrice(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		log.Warn().Err(err).Uint64("fallback", c.fallback).Msg("Failed to get L1 gas price, using fallback")
		return c.fallback, nil
	}
	return gasPriceToUint64(price)
}

// Close closes the connection to the node
func (c *Client) Close() {
	c.ethClient.Close()
}

func gasPriceToUint64(price *big.Int) (uint64, error) {
	if price == nil || price.Sign() < 0 || !price.IsUint64() {
		return 0, fmt.Errorf("L1 gas price %v out of range", price)
	}
	return price.Uint64(), nil
}

// StaticGasPrice is a gas price source that always returns the same price
type StaticGasPrice uint64

// SuggestL1GasPrice returns the static price
func (p StaticGasPrice) SuggestL1GasPrice(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return uint64(p), nil
}
