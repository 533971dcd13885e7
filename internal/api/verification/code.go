package verification

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// codeAlphabet omits 0/O/1/I/L so a code survives being read aloud or typed
// from a printed email.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const defaultCodeLen = 16

// generateCode returns a cryptographically random, human-typable code.
func generateCode(length int) (string, error) {
	if length <= 0 {
		length = defaultCodeLen
	}
	max := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate verification code: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
