package util

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestDisplayTimestamp(t *testing.T) {
	require.Equal(t, "2023-11-14T22:13:20Z (1700000000)", DisplayTimestamp(1700000000))
	require.Equal(t, "1970-01-01T00:00:00Z (0)", DisplayTimestamp(0))
	require.Equal(t, "(18446744073709551615)", DisplayTimestamp(^uint64(0)))
}

func TestShortHash(t *testing.T) {
	h := common.HexToHash("0x1234567890abcdef000000000000000000000000000000000000000000009876")
	require.Equal(t, "0x12345678..9876", ShortHash(h))
}
