package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrHasherStopped   = errors.New("IP hasher stopped")
	ErrInvalidInterval = errors.New("rotation interval must be >= 15 minutes")
)

// IPHasher pseudonymizes client addresses for shared rate limit keys. The
// HMAC key is derived per epoch from a secret shared by all instances.
type IPHasher struct {
	rotationInterval time.Duration
	secret           []byte
	mu               sync.Mutex
	epoch            int64
	key              []byte
	stopped          bool
	now              func() time.Time
}

func NewIPHasher(secret []byte, rotationInterval time.Duration) (*IPHasher, error) {
	if rotationInterval < 15*time.Minute {
		return nil, ErrInvalidInterval
	}
	if len(secret) < 32 {
		return nil, errors.New("secret must be at least 32 bytes")
	}
	h := &IPHasher{
		rotationInterval: rotationInterval,
		secret:           make([]byte, len(secret)),
		epoch:            -1,
		now:              time.Now,
	}
	copy(h.secret, secret)
	return h, nil
}

// Key returns a short hex pseudonym of ip for the current epoch.
func (h *IPHasher) Key(ip string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return "", ErrHasherStopped
	}
	if epoch := h.epochAt(h.now()); epoch != h.epoch {
		if h.key != nil {
			Wipe(h.key)
		}
		h.key = h.deriveKey(epoch)
		h.epoch = epoch
		Debug().Int64("epoch", epoch).Msg("rotated IP hasher key")
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil)[:12]), nil
}

func (h *IPHasher) epochAt(t time.Time) int64 {
	return t.Unix() / int64(h.rotationInterval.Seconds())
}

func (h *IPHasher) deriveKey(epoch int64) []byte {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte("kopy-ip-v1:" + strconv.FormatInt(epoch, 10)))
	return mac.Sum(nil)
}

func (h *IPHasher) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	Wipe(h.key)
	Wipe(h.secret)
	h.key = nil
	h.secret = nil
}
