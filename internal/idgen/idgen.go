// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strings"
)

// SubscriberPrefix starts every subscriber token.
const SubscriberPrefix = "@REP-"

const base36 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// WithPrefix generates a random ID with a prefix (e.g. "req_", "job_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// SubscriberToken generates a shareable subscriber identity of the form
// @REP-XXXX-XXXX using upper-case base36 groups.
func SubscriberToken() string {
	var sb strings.Builder
	sb.Grow(len(SubscriberPrefix) + 9)
	sb.WriteString(SubscriberPrefix)
	writeGroup(&sb)
	sb.WriteByte('-')
	writeGroup(&sb)
	return sb.String()
}

func writeGroup(sb *strings.Builder) {
	max := big.NewInt(int64(len(base36)))
	for i := 0; i < 4; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		sb.WriteByte(base36[n.Int64()])
	}
}
