package room

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const codeLength = 6

var codePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// GenerateCode returns a random 6-character room code.
func GenerateCode() (string, error) {
	var b strings.Builder
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}

	return b.String(), nil
}

// NormalizeCode uppercases a client-supplied room code. Codes are
// case-insensitive on the wire but stored uppercase.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func ValidCode(code string) bool {
	return codePattern.MatchString(NormalizeCode(code))
}
