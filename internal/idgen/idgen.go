// Package idgen provides identifiers for audit and kill-switch records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 24 random hex chars (e.g. "mon_3f9a...").
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Timestamped returns "<prefix>_<unix seconds>_<8 hex chars>". Kill-switch
// events use it so ids sort by time and stay unique within a second.
func Timestamped(prefix string, at time.Time) string {
	return prefix + "_" + strconv.FormatInt(at.Unix(), 10) + "_" + Hex(4)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
