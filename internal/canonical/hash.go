package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainToolSpec prefixes tool spec hashes. The version suffix allows the
// algorithm to change without colliding with old hashes.
const DomainToolSpec = "toolrun/toolspec/v1"

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash normalizes v, encodes it canonically and returns the domain-separated
// SHA-256 hex digest.
func Hash(domain string, v any) (string, error) {
	norm, err := Normalize(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	data, err := Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return hashWithDomain(domain, data), nil
}
