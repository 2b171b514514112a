// Package util provides id generation and environment parsing helpers for TaskDOM.
package util

import (
	"math/rand/v2"
)

// Id prefixes, one per stored row kind.
const (
	HistoryIDPrefix = "ph_"
	RelayIDPrefix   = "pr_"
	ScriptIDPrefix  = "ps_"
	idHexLength     = 32
)

const hexDigits = "0123456789abcdef"

// GenerateRandomID returns prefix followed by hexLength random hex digits.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns length random lowercase hex digits, or "" for length <= 0.
// Ids only; not for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	buf := make([]byte, length)
	var bits uint64
	for i := range buf {
		// 16 nibbles per draw
		if i%16 == 0 {
			bits = rand.Uint64()
		}
		buf[i] = hexDigits[bits&0xf]
		bits >>= 4
	}
	return string(buf)
}

// GenerateHistoryID returns a new praise history entry id.
func GenerateHistoryID() string { return GenerateRandomID(HistoryIDPrefix, idHexLength) }

// GenerateRelayID returns a new praise relay id.
func GenerateRelayID() string { return GenerateRandomID(RelayIDPrefix, idHexLength) }

// GenerateScriptID returns a new praise script id.
func GenerateScriptID() string { return GenerateRandomID(ScriptIDPrefix, idHexLength) }
