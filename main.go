package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"zksequencer/pkg/core"
	"zksequencer/pkg/l1"
	"zksequencer/pkg/sequencer"
	"zksequencer/pkg/state"
	"zksequencer/pkg/storage"
)

// placeholderCode is a single zero word, a valid bytecode for local networks
// without real system contracts.
var placeholderCode = make([]byte, 32)

func readBytecode(path string) ([]byte, error) {
	if path == "" {
		return placeholderCode, nil
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bytecode %s: %w", path, err)
	}
	return code, nil
}

func main() {
	config := core.DefaultConfig()
	if err := config.LoadFromEnv(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := config.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", config.LogLevel).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Wait for shutdown signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(config.StateDBPath, config.DBCache, config.DBHandles, false)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state database")
	}
	defer store.Close()

	bootloader, err := readBytecode(config.BootloaderPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load bootloader")
	}
	defaultAA, err := readBytecode(config.DefaultAAPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load default account")
	}
	created, err := store.EnsureGenesis(ctx, storage.Genesis{
		Timestamp:       uint64(time.Now().Unix()),
		FeeAccount:      config.FeeAccountAddress(),
		BootloaderCode:  bootloader,
		DefaultAACode:   defaultAA,
		ProtocolVersion: state.LatestProtocolVersion,
		L1GasPrice:      config.DefaultL1GasPrice,
		FairL2GasPrice:  config.FairL2GasPrice,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize genesis")
	}
	if created {
		log.Info().Msg("Initialized new chain")
	}

	var gasPrices sequencer.GasPriceSource = l1.StaticGasPrice(config.DefaultL1GasPrice)
	if config.EthereumRPC != "" {
		client, err := l1.NewClient(ctx, &l1.Config{
			EthereumRPC:      config.EthereumRPC,
			FallbackGasPrice: config.DefaultL1GasPrice,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create L1 client")
		}
		defer client.Close()
		gasPrices = client
	}

	keeper := sequencer.NewKeeper(config, store, sequencer.LogExecutor{}, gasPrices)
	if err := keeper.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info().Msg("Interrupted during startup")
			return
		}
		if sequencer.IsFatal(err) {
			log.Error().Err(err).Msg("Refusing to advance the chain")
		}
		log.Fatal().Err(err).Msg("Failed to start keeper")
	}

	log.Info().Uint64("batch_number", uint64(keeper.Current().L1Batch.Number)).Msg("Keeper running")
	<-ctx.Done()
	log.Info().Msg("Shutting down")
}
