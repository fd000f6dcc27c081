package core

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Config struct {
	// Ethereum network configuration
	EthereumRPC string

	// Rollup chain configuration
	ChainID                         uint64
	FeeAccount                      string
	ValidationComputationalGasLimit uint32
	FairL2GasPrice                  uint64
	DefaultL1GasPrice               uint64
	VirtualBlocksPerBatch           uint32

	// Waiting for the sealing process to publish the previous batch
	PrevBatchPollInterval time.Duration
	PrevBatchMaxWait      time.Duration

	// Storage configuration
	StateDBPath string
	DBCache     int
	DBHandles   int

	// Genesis bytecodes, a placeholder is used when empty
	BootloaderPath string
	DefaultAAPath  string

	LogLevel string
}

func DefaultConfig() *Config {
	return &Config{
		ChainID:                         270, // Local network
		FeeAccount:                      "0x0000000000000000000000000000000000000fee",
		ValidationComputationalGasLimit: 300_000,
		FairL2GasPrice:                  250_000_000,
		DefaultL1GasPrice:               1_000_000_000,
		VirtualBlocksPerBatch:           1,
		PrevBatchPollInterval:           100 * time.Millisecond,
		PrevBatchMaxWait:                5 * time.Minute,
		StateDBPath:                     "./statedb",
		DBCache:                         128,
		DBHandles:                       256,
		LogLevel:                        "info",
	}
}

// LoadFromEnv overrides config values from KEEPER_* environment variables
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("KEEPER_ETHEREUM_RPC"); v != "" {
		c.EthereumRPC = v
	}
	if v := os.Getenv("KEEPER_FEE_ACCOUNT"); v != "" {
		c.FeeAccount = v
	}
	if v := os.Getenv("KEEPER_STATE_DB_PATH"); v != "" {
		c.StateDBPath = v
	}
	if v := os.Getenv("KEEPER_BOOTLOADER_PATH"); v != "" {
		c.BootloaderPath = v
	}
	if v := os.Getenv("KEEPER_DEFAULT_AA_PATH"); v != "" {
		c.DefaultAAPath = v
	}
	if v := os.Getenv("KEEPER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	if err := envUint("KEEPER_CHAIN_ID", 64, func(n uint64) { c.ChainID = n }); err != nil {
		return err
	}
	if err := envUint("KEEPER_VALIDATION_GAS_LIMIT", 32, func(n uint64) { c.ValidationComputationalGasLimit = uint32(n) }); err != nil {
		return err
	}
	if err := envUint("KEEPER_FAIR_L2_GAS_PRICE", 64, func(n uint64) { c.FairL2GasPrice = n }); err != nil {
		return err
	}
	if err := envUint("KEEPER_DEFAULT_L1_GAS_PRICE", 64, func(n uint64) { c.DefaultL1GasPrice = n }); err != nil {
		return err
	}
	if err := envUint("KEEPER_VIRTUAL_BLOCKS", 32, func(n uint64) { c.VirtualBlocksPerBatch = uint32(n) }); err != nil {
		return err
	}
	if err := envDuration("KEEPER_PREV_BATCH_POLL_INTERVAL", func(d time.Duration) { c.PrevBatchPollInterval = d }); err != nil {
		return err
	}
	if err := envDuration("KEEPER_PREV_BATCH_MAX_WAIT", func(d time.Duration) { c.PrevBatchMaxWait = d }); err != nil {
		return err
	}
	return nil
}

// Validate checks the config for values the sequencer cannot run with
func (c *Config) Validate() error {
	if c.ChainID == 0 {
		return errors.New("chain id must be set")
	}
	if !common.IsHexAddress(c.FeeAccount) {
		return fmt.Errorf("invalid fee account %q", c.FeeAccount)
	}
	if c.PrevBatchPollInterval < time.Millisecond {
		return fmt.Errorf("previous batch poll interval must be at least 1ms, got %s", c.PrevBatchPollInterval)
	}
	if c.PrevBatchMaxWait <= 0 {
		return fmt.Errorf("previous batch max wait must be positive, got %s", c.PrevBatchMaxWait)
	}
	if c.StateDBPath == "" {
		return errors.New("state db path must be set")
	}
	return nil
}

// FeeAccountAddress returns the parsed fee account
func (c *Config) FeeAccountAddress() common.Address {
	return common.HexToAddress(c.FeeAccount)
}

func envUint(name string, bits int, set func(uint64)) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, bits)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %v", name, err)
	}
	set(n)
	return nil
}

func envDuration(name string, set func(time.Duration)) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %v", name, err)
	}
	set(d)
	return nil
}
