package util

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"

	"github.com/pkg/errors"
)

const idBytes = 16

var idPattern = regexp.MustCompile(`^[0-9a-f]{32,128}$`)

// GenID returns 128 random bits as lowercase hex. Collisions are not checked
// against the store; at 2^-64 birthday odds for billions of pastes they are
// left to the primary key constraint.
func GenID() (string, error) {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	return hex.EncodeToString(buf), nil
}

// ValidID reports whether id has the token shape accepted on the read path.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
