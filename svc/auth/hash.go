package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"kopy/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	MaxPasswordLength = 1024
	argon2Prefix      = "$argon2id$"
	minVerifyDuration = 350 * time.Millisecond
)

type Scheme string

const (
	// SchemeSHA256 is a bare hex digest, the format browser clients compare
	// against locally. It is the default.
	SchemeSHA256   Scheme = "sha256"
	SchemeArgon2id Scheme = "argon2id"
)

func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(s)) {
	case SchemeSHA256, "":
		return SchemeSHA256, nil
	case SchemeArgon2id:
		return SchemeArgon2id, nil
	}
	return "", errors.Errorf("unknown password hash scheme %q", s)
}

type Hasher struct {
	scheme      Scheme
	iterations  uint32
	memory      uint32
	parallelism uint8
	keyLength   uint32
	pepper      []byte
	mu          sync.RWMutex
	jobQueue    chan hashJob
	quit        chan struct{}
	wg          sync.WaitGroup
	started     bool
	startMu     sync.Mutex
	stopOnce    sync.Once
}
type hashJob struct {
	password string
	resp     chan hashResult
}
type hashResult struct {
	hash string
	err  error
}

// NewHasher validates argon2 parameters even for the sha256 scheme so that
// existing argon2id hashes stay verifiable after a scheme change.
func NewHasher(scheme Scheme, time, memory uint32, parallelism uint8, pepper []byte) (*Hasher, error) {
	if scheme == SchemeArgon2id {
		if len(pepper) == 0 {
			return nil, errors.New("pepper must not be empty")
		}
		if len(pepper) < 32 {
			return nil, errors.New("pepper must be at least 32 bytes")
		}
	}
	if time == 0 || time > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1*1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	var pepperCopy []byte
	if len(pepper) > 0 {
		pepperCopy = make([]byte, len(pepper))
		copy(pepperCopy, pepper)
	}
	return &Hasher{
		scheme:      scheme,
		iterations:  time,
		memory:      memory,
		parallelism: parallelism,
		keyLength:   32,
		pepper:      pepperCopy,
		jobQueue:    make(chan hashJob, 1024),
		quit:        make(chan struct{}),
	}, nil
}

func (h *Hasher) Scheme() Scheme { return h.scheme }

func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}
func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.mu.Lock()
		util.Wipe(h.pepper)
		h.pepper = nil
		h.mu.Unlock()
	})
}
func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobQueue:
			hash, err := h.argon2Hash(job.password)
			job.resp <- hashResult{hash: hash, err: err}
		case <-h.quit:
			return
		}
	}
}

// Hash produces a one-way digest of password under the configured scheme.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	if len(password) > MaxPasswordLength {
		return "", errors.New("password too long")
	}
	if h.scheme == SchemeSHA256 {
		return sha256Hex(password), nil
	}
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return "", errors.New("hasher not started - call Start() first")
	}
	respChan := make(chan hashResult, 1)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	select {
	case h.jobQueue <- hashJob{password: password, resp: respChan}:
		select {
		case res := <-respChan:
			return res.hash, res.err
		case <-ctx.Done():
			return "", errors.New("hash timeout")
		}
	case <-ctx.Done():
		return "", errors.New("hash queue full")
	case <-h.quit:
		return "", errors.New("hasher is shutting down")
	}
}

// Verify recomputes and compares in constant time. The stored format decides
// the scheme, not the hasher's current configuration.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	if strings.HasPrefix(encoded, argon2Prefix) {
		start := time.Now()
		ok, err := h.verifyArgon2(password, encoded)
		if elapsed := time.Since(start); elapsed < minVerifyDuration {
			time.Sleep(minVerifyDuration - elapsed)
		}
		return ok, err
	}
	if len(password) > MaxPasswordLength {
		return false, nil
	}
	want, err := hex.DecodeString(encoded)
	if err != nil || len(want) != sha256.Size {
		return false, nil
	}
	got := sha256.Sum256([]byte(password))
	return subtle.ConstantTimeCompare(got[:], want) == 1, nil
}

func sha256Hex(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func (h *Hasher) argon2Hash(password string) (string, error) {
	peppered := h.applyPepper(password)
	if peppered == nil {
		return "", errors.New("hasher shutting down")
	}
	defer util.Wipe(peppered)
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey(peppered, salt, h.iterations, h.memory, h.parallelism, h.keyLength)
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism, b64Salt, b64Hash), nil
}

func (h *Hasher) verifyArgon2(pwd, encoded string) (bool, error) {
	if len(pwd) > MaxPasswordLength {
		return false, nil
	}
	var mem, iters uint32
	var threads uint8
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, nil
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &threads); err != nil {
		return false, nil
	}
	if mem > 2*1024*1024 || iters > 1000 || threads == 0 || threads > 128 {
		return false, nil
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return false, nil
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 || len(hash) > 256 {
		return false, nil
	}
	peppered := h.applyPepper(pwd)
	if peppered == nil {
		return false, errors.New("argon2id hash present but no pepper configured")
	}
	defer util.Wipe(peppered)
	otherHash := argon2.IDKey(peppered, salt, iters, mem, threads, uint32(len(hash)))
	defer util.Wipe(otherHash)
	return subtle.ConstantTimeCompare(hash, otherHash) == 1, nil
}
func (h *Hasher) applyPepper(password string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}
