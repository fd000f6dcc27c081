package util

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DisplayTimestamp renders a unix timestamp in seconds as a UTC date followed
// by the raw value, e.g. "2023-11-14T22:13:20Z (1700000000)".
func DisplayTimestamp(ts uint64) string {
	if ts > uint64(1<<62) {
		return fmt.Sprintf("(%d)", ts)
	}
	return fmt.Sprintf("%s (%d)", time.Unix(int64(ts), 0).UTC().Format(time.RFC3339), ts)
}

// ShortHash abbreviates a hash for log lines
func ShortHash(h common.Hash) string {
	s := h.Hex()
	return s[:10] + ".." + s[len(s)-4:]
}
