package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

const (
	// ResponseFloor is the minimum duration of a paste lookup.
	ResponseFloor      = 50 * time.Millisecond
	responseTimeJitter = 20 * time.Millisecond
)

// PadResponseTime sleeps until floor plus random jitter has passed since
// start, so hits, misses and expired rows take the same time.
func PadResponseTime(start time.Time, floor time.Duration) {
	if floor <= 0 {
		return
	}
	elapsed := time.Since(start)
	var jitterNanos int64
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		jitterNanos = int64(responseTimeJitter)
	} else {
		jitterNanos = int64(binary.BigEndian.Uint64(b[:]) % uint64(responseTimeJitter))
	}
	target := floor + time.Duration(jitterNanos)
	if elapsed < target {
		time.Sleep(target - elapsed)
	}
}
